// Package app assembles the pipeline: config, logging, storage, feed,
// reconciliation engine, dispatch, trigger, and the operator command surface.
package app

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"dropbot/internal/config"
	"dropbot/internal/drops"
	"dropbot/internal/feed"
	"dropbot/internal/notifier"
	"dropbot/internal/runtime/supervisor"
	"dropbot/internal/scheduler"
	"dropbot/internal/storage"
	kit "dropbot/internal/transport"
	telegram "dropbot/internal/transport/telegram/adapter"
	"dropbot/internal/transport/telegram/router"
	logx "dropbot/pkg/logx"
)

// Version is stamped by the build (-ldflags "-X dropbot/internal/app.Version=...").
var Version = "dev"

type App struct {
	cfgm *config.Manager
	sup  *supervisor.Supervisor

	log   logx.Logger
	logs  *logx.Service
	store storage.Store

	adapter kit.Adapter
	engine  *drops.Service
	sched   *scheduler.Service
	notif   *notifier.Service
	cmds    *router.Router

	updates chan kit.Update
}

func New(cfgPath string) (*App, error) {
	cfgm := config.NewManager(cfgPath)
	cfg, err := cfgm.Load()
	if err != nil {
		return nil, err
	}
	if err := validate(context.Background(), cfg); err != nil {
		return nil, err
	}

	bootLog := logx.NewConsole("INFO").With(logx.String("comp", "telegram"))

	pollTimeout, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second)
	if err != nil {
		return nil, err
	}
	ad, err := telegram.New(telegram.Config{
		Token:       cfg.Telegram.Token,
		PollTimeout: pollTimeout,
	}, bootLog)
	if err != nil {
		return nil, err
	}

	// logx.New calls Apply() immediately. The operator sink needs its target
	// chat first, so bootstrap with the sink disabled, set the target, then
	// Apply() the final config.
	baseLogCfg := mapLoggingConfig(cfg)
	baseLogCfg.Operator.Enabled = false
	logSvc, log := logx.New(baseLogCfg, ad)
	log = log.With(logx.String("comp", "app"))

	if target, err := parseChatTarget(cfg.Drops.ErrorChannel); err == nil {
		logSvc.SetOperatorTarget(target.ChatID, target.ThreadID)
	}
	logSvc.Apply(mapLoggingConfig(cfg))

	sc, err := mapStorageConfig(cfg)
	if err != nil {
		return nil, err
	}
	store, err := storage.Open(sc, log.With(logx.String("comp", "storage")))
	if err != nil {
		return nil, err
	}

	fc, err := mapFeedConfig(cfg)
	if err != nil {
		return nil, err
	}
	feedClient := feed.NewClient(fc, log.With(logx.String("comp", "feed")))

	ncfg, err := mapNotifierConfig(cfg)
	if err != nil {
		return nil, err
	}
	notifSvc := notifier.New(ncfg, ad, log.With(logx.String("comp", "notifier")))

	engine := drops.New(store, feedClient, notifSvc, log.With(logx.String("comp", "drops")))

	sched := scheduler.New(scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Spec:     cfg.Scheduler.Spec,
		Timezone: cfg.Scheduler.Timezone,
	}, engine.RunPass, log.With(logx.String("comp", "scheduler")))

	cmds := router.New(log.With(logx.String("comp", "commands")),
		ad, engine, sched, notifSvc, cfg.Telegram.OwnerUserIDs)

	return &App{
		cfgm:    cfgm,
		log:     log,
		logs:    logSvc,
		store:   store,
		adapter: ad,
		engine:  engine,
		sched:   sched,
		notif:   notifSvc,
		cmds:    cmds,
		updates: make(chan kit.Update, 256),
	}, nil
}

// Done is closed when the app supervisor context is canceled (fatal error or Stop).
func (a *App) Done() <-chan struct{} {
	if a.sup == nil {
		ch := make(chan struct{})
		close(ch)
		return ch
	}
	return a.sup.Context().Done()
}

// Err returns the first fatal error observed by the supervisor.
func (a *App) Err() error {
	if a.sup == nil {
		return nil
	}
	return a.sup.Err()
}

func (a *App) Start(ctx context.Context) error {
	a.sup = supervisor.New(ctx, supervisor.WithLogger(a.log), supervisor.WithCancelOnError(true))

	// transactional config reload: validate before commit/publish
	a.cfgm.SetLogger(a.log.With(logx.String("comp", "config")))
	a.cfgm.SetValidator(validate)

	if err := a.adapter.Start(a.sup.Context(), a.updates); err != nil {
		return err
	}
	a.notif.Start(a.sup.Context())
	if a.sched.Enabled() {
		if err := a.sched.Start(a.sup.Context()); err != nil {
			return err
		}
	}

	a.sup.Go("commands.dispatch", func(c context.Context) error {
		return a.cmds.DispatchLoop(c, a.updates)
	})

	// hot reload fan-out
	sub := a.cfgm.Subscribe(8)
	a.sup.Go0("config.reload", func(c context.Context) {
		defer a.cfgm.Unsubscribe(sub)
		lastApplied := a.cfgm.Get()
		for {
			select {
			case <-c.Done():
				return
			case newCfg, ok := <-sub:
				if !ok {
					return
				}
				// Coalesce bursts: keep only the latest config.
				for {
					select {
					case newer := <-sub:
						if newer != nil {
							newCfg = newer
						}
					default:
						goto APPLY
					}
				}
			APPLY:
				a.applyReload(c, lastApplied, newCfg)
				lastApplied = newCfg
			}
		}
	})

	a.sup.Go("config.watch", func(c context.Context) error {
		return a.cfgm.Watch(c)
	})

	a.log.Info("app started", logx.String("version", Version))
	return nil
}

// applyReload pushes a validated config into the running services. Storage
// and the bot token need a restart; everything else applies live.
func (a *App) applyReload(ctx context.Context, prev, cfg *config.Config) {
	if prev != nil && prev.Storage != cfg.Storage {
		a.log.Warn("storage config changed; restart required for changes to take effect")
	}
	if prev != nil && prev.Telegram.Token != cfg.Telegram.Token {
		a.log.Warn("telegram token changed; restart required for changes to take effect")
	}

	// operator target first so the logx sink doesn't warn on Apply
	if target, err := parseChatTarget(cfg.Drops.ErrorChannel); err == nil {
		a.logs.SetOperatorTarget(target.ChatID, target.ThreadID)
	} else {
		a.logs.SetOperatorTarget(0, 0)
	}
	a.logs.Apply(mapLoggingConfig(cfg))

	a.cmds.SetOwners(cfg.Telegram.OwnerUserIDs)

	if ncfg, err := mapNotifierConfig(cfg); err != nil {
		a.log.Warn("invalid notifier config; keeping previous", logx.Err(err))
	} else {
		a.notif.Apply(ncfg)
	}

	if err := a.sched.Apply(ctx, scheduler.Config{
		Enabled:  cfg.Scheduler.Enabled,
		Spec:     cfg.Scheduler.Spec,
		Timezone: cfg.Scheduler.Timezone,
	}); err != nil {
		a.log.Warn("invalid scheduler config; keeping previous", logx.Err(err))
	}

	a.log.Info("config reloaded")
}

func (a *App) Stop(ctx context.Context, reason string) error {
	if a.sup == nil {
		return nil
	}
	a.log.Info("stopping", logx.String("reason", reason))
	a.sup.Cancel()

	// Bound each shutdown step so one component can't stall the whole stop.
	step := func(name string, max time.Duration, fn func(context.Context) error) {
		if dl, ok := ctx.Deadline(); ok {
			if rem := time.Until(dl); rem > 0 && rem < max {
				max = rem
			}
		}
		stepCtx, cancel := context.WithTimeout(ctx, max)
		defer cancel()

		start := time.Now()
		if err := fn(stepCtx); err != nil {
			a.log.Warn("stop step error", logx.String("name", name), logx.Err(err))
		}
		a.log.Debug("stop step end", logx.String("name", name), logx.Duration("took", time.Since(start)))
	}

	step("scheduler", 2*time.Second, func(c context.Context) error { a.sched.Stop(c); return nil })
	step("notifier", 2*time.Second, func(c context.Context) error { a.notif.Stop(c); return nil })
	step("adapter", 2*time.Second, func(c context.Context) error { return a.adapter.Stop(c) })
	step("storage", 1*time.Second, func(c context.Context) error { return a.store.Close() })
	step("supervisor", 2*time.Second, func(c context.Context) error { return a.sup.Wait(c) })

	a.log.Info("stopped")
	if a.logs != nil {
		_ = a.logs.Close()
	}
	return nil
}

// validate rejects configs that would break a running service on hot-reload.
func validate(_ context.Context, cfg *config.Config) error {
	if strings.TrimSpace(cfg.Telegram.Token) == "" {
		return fmt.Errorf("telegram.token is required")
	}
	if _, err := config.ParseDurationOrDefault("telegram.poll_timeout", cfg.Telegram.PollTimeout, 10*time.Second); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Feed.URL) == "" {
		return fmt.Errorf("feed.url is required")
	}
	if _, err := config.ParseDurationOrDefault("feed.timeout", cfg.Feed.Timeout, 15*time.Second); err != nil {
		return err
	}
	if strings.TrimSpace(cfg.Storage.Path) == "" {
		return fmt.Errorf("storage.path is required")
	}
	if _, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second); err != nil {
		return err
	}
	if len(cfg.Drops.PostChannels) == 0 {
		return fmt.Errorf("drops.post_channels must name at least one channel")
	}
	for _, raw := range cfg.Drops.PostChannels {
		if _, err := parseChatTarget(raw); err != nil {
			return fmt.Errorf("drops.post_channels: %w", err)
		}
	}
	if strings.TrimSpace(cfg.Drops.ErrorChannel) != "" {
		if _, err := parseChatTarget(cfg.Drops.ErrorChannel); err != nil {
			return fmt.Errorf("drops.error_channel: %w", err)
		}
	}
	if _, err := scheduler.ParseSchedule(cfg.Scheduler.Spec); err != nil {
		return fmt.Errorf("scheduler.spec: %w", err)
	}
	if tz := strings.TrimSpace(cfg.Scheduler.Timezone); tz != "" {
		if _, err := time.LoadLocation(tz); err != nil {
			return fmt.Errorf("scheduler.timezone: invalid %q: %w", tz, err)
		}
	}
	if _, err := mapNotifierConfig(cfg); err != nil {
		return err
	}
	return nil
}

func mapLoggingConfig(cfg *config.Config) logx.Config {
	return logx.Config{
		Level:   cfg.Logging.Level,
		Console: cfg.Logging.Console,
		File: logx.FileConfig{
			Enabled: cfg.Logging.File.Enabled,
			Path:    cfg.Logging.File.Path,
		},
		Operator: logx.OperatorConfig{
			Enabled:    cfg.Logging.Operator.Enabled,
			MinLevel:   cfg.Logging.Operator.MinLevel,
			RatePerSec: cfg.Logging.Operator.RatePerSec,
		},
	}
}

func mapStorageConfig(cfg *config.Config) (storage.Config, error) {
	busy, err := config.ParseDurationOrDefault("storage.busy_timeout", cfg.Storage.BusyTimeout, 5*time.Second)
	if err != nil {
		return storage.Config{}, err
	}
	return storage.Config{Path: cfg.Storage.Path, BusyTimeout: busy}, nil
}

func mapFeedConfig(cfg *config.Config) (feed.Config, error) {
	timeout, err := config.ParseDurationOrDefault("feed.timeout", cfg.Feed.Timeout, 15*time.Second)
	if err != nil {
		return feed.Config{}, err
	}
	return feed.Config{URL: cfg.Feed.URL, Timeout: timeout}, nil
}

func mapNotifierConfig(cfg *config.Config) (notifier.Config, error) {
	out := notifier.Config{
		PostChannels: cfg.Drops.PostChannels,
		ErrorChannel: cfg.Drops.ErrorChannel,
	}
	n := cfg.Notifier
	if n == nil {
		return out, nil
	}
	if n.Workers < 0 || n.QueueSize < 0 || n.RatePerSec < 0 || n.RetryMax < 0 {
		return notifier.Config{}, fmt.Errorf("notifier: counts must be >= 0")
	}
	retryBase, err := config.ParseDurationOrDefault("notifier.retry_base", n.RetryBase, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	retryMaxDelay, err := config.ParseDurationOrDefault("notifier.retry_max_delay", n.RetryMaxDelay, 0)
	if err != nil {
		return notifier.Config{}, err
	}
	out.Workers = n.Workers
	out.QueueSize = n.QueueSize
	out.RatePerSec = n.RatePerSec
	out.RetryMax = n.RetryMax
	out.RetryBase = retryBase
	out.RetryMaxDelay = retryMaxDelay
	return out, nil
}

// parseChatTarget resolves "chatID" or "chatID:threadID".
func parseChatTarget(raw string) (kit.ChatTarget, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return kit.ChatTarget{}, fmt.Errorf("empty channel entry")
	}
	chatPart, threadPart, hasThread := strings.Cut(s, ":")
	chatID, err := strconv.ParseInt(strings.TrimSpace(chatPart), 10, 64)
	if err != nil {
		return kit.ChatTarget{}, fmt.Errorf("invalid chat id %q: %w", raw, err)
	}
	t := kit.ChatTarget{ChatID: chatID}
	if hasThread {
		threadID, err := strconv.Atoi(strings.TrimSpace(threadPart))
		if err != nil {
			return kit.ChatTarget{}, fmt.Errorf("invalid thread id %q: %w", raw, err)
		}
		t.ThreadID = threadID
	}
	return t, nil
}
