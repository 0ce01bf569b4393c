package notifier

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"golang.org/x/time/rate"

	"dropbot/internal/drops"
	kit "dropbot/internal/transport"
	logx "dropbot/pkg/logx"
)

var (
	ErrQueueFull  = errors.New("notifier queue full")
	ErrStopped    = errors.New("notifier stopped")
	ErrNoChannels = errors.New("no destination channel resolved")
)

type Service struct {
	mu sync.Mutex

	cfg     Config
	adapter kit.Adapter
	log     logx.Logger

	limiter *rate.Limiter

	accepting bool
	queue     chan job
	stopCh    chan struct{}
	// stopDone is non-nil while a Stop() is in progress; closed when workers exit.
	stopDone  chan struct{}
	runCtx    context.Context
	runCancel context.CancelFunc
	workerWG  sync.WaitGroup
}

func New(cfg Config, adapter kit.Adapter, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	s := &Service{adapter: adapter, log: log}
	s.applyLocked(cfg)
	return s
}

// Apply swaps config at runtime (hot reload of channels and rate limits).
func (s *Service) Apply(cfg Config) {
	s.mu.Lock()
	s.applyLocked(cfg)
	s.mu.Unlock()
}

func (s *Service) applyLocked(cfg Config) {
	if cfg.Workers <= 0 {
		cfg.Workers = 2
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 256
	}
	if cfg.RatePerSec <= 0 {
		cfg.RatePerSec = 3
	}
	if cfg.RetryMax < 0 {
		cfg.RetryMax = 0
	}
	if cfg.RetryBase <= 0 {
		cfg.RetryBase = 500 * time.Millisecond
	}
	if cfg.RetryMaxDelay <= 0 {
		cfg.RetryMaxDelay = 10 * time.Second
	}
	s.cfg = cfg
	// Token bucket: burst = rate per sec, so short spikes don't block.
	s.limiter = rate.NewLimiter(rate.Limit(cfg.RatePerSec), cfg.RatePerSec)
}

func (s *Service) Start(ctx context.Context) {
	s.mu.Lock()
	if s.queue != nil {
		s.mu.Unlock()
		return
	}
	s.queue = make(chan job, s.cfg.QueueSize)
	s.accepting = true
	s.stopCh = make(chan struct{})
	s.runCtx, s.runCancel = context.WithCancel(ctx)
	workers := s.cfg.Workers
	queue := s.queue
	stopCh := s.stopCh
	runCtx := s.runCtx
	s.mu.Unlock()

	s.workerWG.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer s.workerWG.Done()
			defer func() {
				if r := recover(); r != nil {
					s.log.Error("panic in notifier worker", logx.Int("worker", idx), logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
				}
			}()
			s.worker(runCtx, stopCh, queue)
		}()
	}
	s.log.Info("service started", logx.Int("workers", workers), logx.Int("rps", s.cfg.RatePerSec))
}

// Stop blocks intake and drains in-flight sends best-effort until ctx deadline.
func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh == nil {
		s.mu.Unlock()
		return
	}
	if s.stopDone != nil {
		done := s.stopDone
		s.mu.Unlock()
		select {
		case <-done:
		case <-ctx.Done():
		}
		return
	}
	done := make(chan struct{})
	s.stopDone = done
	s.accepting = false
	stopCh := s.stopCh
	cancel := s.runCancel
	s.runCancel = nil
	s.mu.Unlock()

	close(stopCh)
	if cancel != nil {
		cancel()
	}

	go func() {
		s.workerWG.Wait()
		s.mu.Lock()
		s.queue = nil
		s.stopCh = nil
		s.runCtx = nil
		s.stopDone = nil
		s.mu.Unlock()
		close(done)
		s.log.Info("service stopped")
	}()

	select {
	case <-done:
	case <-ctx.Done():
		// stop continues in background
	}
}

// Announce enqueues one combined summary+details delivery per destination
// channel. A channel entry that doesn't resolve or doesn't enqueue is a
// per-channel failure: it is reported and skipped, and the remaining channels
// still receive the payload. An error comes back only when no channel
// accepted the payload at all.
func (s *Service) Announce(ctx context.Context, a drops.Announcement) error {
	parts := append([]string{a.Summary}, a.Details...)
	text := strings.Join(parts, "\n\n")

	s.mu.Lock()
	channels := append([]string(nil), s.cfg.PostChannels...)
	s.mu.Unlock()

	resolved, enqueued := 0, 0
	var lastErr error
	for _, raw := range channels {
		target, err := parseTarget(raw)
		if err != nil {
			s.log.Error("post channel did not resolve", logx.String("channel", raw), logx.Err(err))
			s.Operator(ctx, fmt.Sprintf("Post channel %q did not resolve: %v", raw, err))
			continue
		}
		resolved++
		if err := s.enqueue(job{target: target, text: text, boost: true}); err != nil {
			lastErr = fmt.Errorf("channel %q: %w", raw, err)
			s.log.Error("post enqueue failed", logx.String("channel", raw), logx.Err(err))
			s.Operator(ctx, fmt.Sprintf("Post to channel %q not queued: %v", raw, err))
			continue
		}
		enqueued++
	}
	if resolved == 0 {
		return ErrNoChannels
	}
	if enqueued == 0 {
		return lastErr
	}
	return nil
}

// Operator delivers a notice to the operator channel. Best-effort: failures
// are logged, never returned.
func (s *Service) Operator(ctx context.Context, text string) {
	s.mu.Lock()
	raw := s.cfg.ErrorChannel
	s.mu.Unlock()
	if strings.TrimSpace(raw) == "" {
		return
	}
	target, err := parseTarget(raw)
	if err != nil {
		s.log.Error("operator channel did not resolve", logx.String("channel", raw), logx.Err(err))
		return
	}
	if err := s.enqueue(job{target: target, text: text}); err != nil {
		s.log.Warn("operator notice dropped", logx.Err(err))
	}
}

func (s *Service) enqueue(j job) error {
	s.mu.Lock()
	if !s.accepting || s.queue == nil {
		s.mu.Unlock()
		return ErrStopped
	}
	q := s.queue
	s.mu.Unlock()

	select {
	case q <- j:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Service) worker(ctx context.Context, stopCh <-chan struct{}, queue <-chan job) {
	for {
		// fast-exit so stop wins over queued work
		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		default:
		}

		select {
		case <-ctx.Done():
			return
		case <-stopCh:
			return
		case j := <-queue:
			s.deliver(ctx, j)
		}
	}
}

func (s *Service) deliver(ctx context.Context, j job) {
	s.mu.Lock()
	lim := s.limiter
	retryMax := s.cfg.RetryMax
	base := s.cfg.RetryBase
	maxDelay := s.cfg.RetryMaxDelay
	adapter := s.adapter
	s.mu.Unlock()

	if adapter == nil || j.text == "" {
		return
	}

	opt := &kit.SendOptions{ParseMode: "HTML"}

	var ref kit.MessageRef
	var lastErr error
	for attempt := 0; attempt <= retryMax; attempt++ {
		if lim != nil {
			if err := lim.Wait(ctx); err != nil {
				return
			}
		}

		callCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		r, err := adapter.SendText(callCtx, j.target, j.text, opt)
		cancel()
		if err == nil {
			ref = r
			lastErr = nil
			break
		}
		lastErr = err
		if attempt == retryMax {
			break
		}

		delay := base << attempt
		if delay > maxDelay {
			delay = maxDelay
		}
		s.log.Debug("send retry scheduled", logx.Int64("chat_id", j.target.ChatID), logx.Int("attempt", attempt+2), logx.Duration("delay", delay), logx.Err(err))
		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			if !t.Stop() {
				<-t.C
			}
			return
		case <-t.C:
		}
	}
	if lastErr != nil {
		s.log.Error("send failed", logx.Int64("chat_id", j.target.ChatID), logx.Int("thread_id", j.target.ThreadID), logx.Err(lastErr))
		return
	}

	if j.boost {
		// Boost is best-effort: channels without pin rights just skip it.
		pctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		if err := adapter.Pin(pctx, ref); err != nil {
			s.log.Debug("boost skipped", logx.Int64("chat_id", j.target.ChatID), logx.Err(err))
		}
		cancel()
	}
}
