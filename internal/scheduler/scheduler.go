// Package scheduler fires the periodic pipeline pass.
//
// One trigger, one job. Passes never overlap: if the previous pass is somehow
// still running when the trigger fires, the new fire is skipped.
package scheduler

import (
	"context"
	"fmt"
	"runtime/debug"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"

	logx "dropbot/pkg/logx"
)

// DefaultSpec fires a pass every two hours, on the hour.
const DefaultSpec = "0 */2 * * *"

type Config struct {
	Enabled  bool
	Spec     string // cron expression or Go duration interval
	Timezone string
}

type Job func(ctx context.Context) error

type Service struct {
	mu  sync.Mutex
	cfg Config
	log logx.Logger
	job Job

	parser cron.Parser
	c      *cron.Cron

	runCtx    context.Context
	runCancel context.CancelFunc

	// inFlight guards against overlapping passes.
	inFlight atomic.Bool
}

func New(cfg Config, job Job, log logx.Logger) *Service {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Service{
		cfg: cfg,
		log: log,
		job: job,
		// SecondOptional allows both 5-field and 6-field cron specs.
		parser: cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor),
	}
}

// ParseSchedule normalizes a config schedule into a cron spec: a Go duration
// becomes "@every <dur>", anything else must be a valid cron expression.
func ParseSchedule(raw string) (string, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return DefaultSpec, nil
	}
	if d, err := time.ParseDuration(s); err == nil {
		if d < time.Minute {
			return "", fmt.Errorf("interval %q too short (min 1m)", raw)
		}
		return "@every " + d.String(), nil
	}
	p := cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)
	if _, err := p.Parse(s); err != nil {
		return "", fmt.Errorf("invalid schedule %q: %w", raw, err)
	}
	return s, nil
}

func (s *Service) Enabled() bool {
	s.mu.Lock()
	en := s.cfg.Enabled
	s.mu.Unlock()
	return en
}

func (s *Service) Start(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.c != nil {
		return nil
	}

	spec, err := ParseSchedule(s.cfg.Spec)
	if err != nil {
		return err
	}
	loc := time.Local
	if tz := strings.TrimSpace(s.cfg.Timezone); tz != "" {
		loc, err = time.LoadLocation(tz)
		if err != nil {
			return fmt.Errorf("timezone %q: %w", tz, err)
		}
	}

	s.runCtx, s.runCancel = context.WithCancel(ctx)
	s.c = cron.New(cron.WithParser(s.parser), cron.WithLocation(loc))
	runCtx := s.runCtx
	if _, err := s.c.AddFunc(spec, func() { s.fire(runCtx) }); err != nil {
		s.c = nil
		s.runCancel()
		return err
	}
	s.c.Start()
	s.log.Info("service started", logx.String("spec", spec), logx.String("tz", loc.String()))
	return nil
}

func (s *Service) Stop(ctx context.Context) {
	s.mu.Lock()
	c := s.c
	cancel := s.runCancel
	s.c = nil
	s.runCancel = nil
	s.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if c == nil {
		return
	}
	select {
	case <-c.Stop().Done():
		s.log.Info("service stopped")
	case <-ctx.Done():
	}
}

// Apply restarts the trigger when the schedule or timezone changed.
func (s *Service) Apply(ctx context.Context, cfg Config) error {
	s.mu.Lock()
	unchanged := s.cfg == cfg
	s.cfg = cfg
	running := s.c != nil
	s.mu.Unlock()

	if unchanged || !running {
		return nil
	}
	s.Stop(ctx)
	if !cfg.Enabled {
		return nil
	}
	return s.Start(ctx)
}

// RunNow executes one pass immediately (operator /refresh). It shares the
// overlap guard with the trigger.
func (s *Service) RunNow(ctx context.Context) error {
	if !s.inFlight.CompareAndSwap(false, true) {
		return fmt.Errorf("a pass is already running")
	}
	defer s.inFlight.Store(false)
	return s.runJob(ctx)
}

func (s *Service) fire(ctx context.Context) {
	if !s.inFlight.CompareAndSwap(false, true) {
		s.log.Warn("previous pass still running; skipping trigger")
		return
	}
	defer s.inFlight.Store(false)

	if err := s.runJob(ctx); err != nil {
		s.log.Error("scheduled pass failed", logx.Err(err))
	}
}

func (s *Service) runJob(ctx context.Context) (err error) {
	defer func() {
		if r := recover(); r != nil {
			s.log.Error("panic in pass", logx.Any("panic", r), logx.String("stack", string(debug.Stack())))
			err = fmt.Errorf("panic in pass: %v", r)
		}
	}()
	return s.job(ctx)
}
