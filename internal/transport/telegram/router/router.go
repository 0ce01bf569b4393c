// Package router dispatches operator commands arriving from the transport to
// the reconciliation engine and the trigger.
package router

import (
	"context"
	"fmt"
	"runtime"
	"runtime/debug"
	"strconv"
	"strings"
	"sync"
	"time"

	"dropbot/internal/drops"
	"dropbot/internal/storage"
	kit "dropbot/internal/transport"
	logx "dropbot/pkg/logx"
)

type Access int

const (
	AccessEveryone Access = iota
	AccessOwnerOnly
)

type Command struct {
	Name        string
	Description string
	Usage       string
	Access      Access
	Timeout     time.Duration // optional per-command override
	Handle      HandlerFunc
}

type Request struct {
	Update  kit.Update
	Chat    kit.ChatTarget
	FromID  int64
	Command string
	Args    []string

	Adapter kit.Adapter
	Logger  logx.Logger
}

// EnginePort is the slice of the reconciliation engine the commands need.
type EnginePort interface {
	SetSuppressedByName(ctx context.Context, name string, suppressed bool) (storage.Game, int64, error)
	ListGames(ctx context.Context, suppressed bool) ([]storage.Game, error)
	QueryByName(ctx context.Context, name string) (*drops.Announcement, error)
}

// TriggerPort runs an out-of-schedule pipeline pass.
type TriggerPort interface {
	RunNow(ctx context.Context) error
}

// OperatorPort surfaces anomalies on the operator channel.
type OperatorPort interface {
	Operator(ctx context.Context, text string)
}

const defaultCommandTimeout = 30 * time.Second

type Router struct {
	mu     sync.RWMutex
	owners []int64

	log      logx.Logger
	adapter  kit.Adapter
	engine   EnginePort
	trigger  TriggerPort
	operator OperatorPort

	commands map[string]Command

	jobs chan func()
}

func New(log logx.Logger, adapter kit.Adapter, engine EnginePort, trigger TriggerPort, operator OperatorPort, owners []int64) *Router {
	if log.IsZero() {
		log = logx.Nop()
	}
	r := &Router{
		owners:   append([]int64(nil), owners...),
		log:      log,
		adapter:  adapter,
		engine:   engine,
		trigger:  trigger,
		operator: operator,
		commands: map[string]Command{},
		jobs:     make(chan func(), 64),
	}
	r.registerAll()
	return r
}

// SetOwners updates the owner list used for AccessOwnerOnly checks.
// Safe to call during hot-reload.
func (r *Router) SetOwners(owners []int64) {
	cp := append([]int64(nil), owners...)
	r.mu.Lock()
	r.owners = cp
	r.mu.Unlock()
}

func (r *Router) isOwner(id int64) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	for _, o := range r.owners {
		if o == id {
			return true
		}
	}
	return false
}

// DispatchLoop consumes updates until ctx is cancelled or the channel closes.
// Handlers run on a bounded worker pool so a slow command never stalls intake.
func (r *Router) DispatchLoop(ctx context.Context, updates <-chan kit.Update) error {
	workers := runtime.NumCPU()
	if workers > 4 {
		workers = 4
	}
	if workers < 2 {
		workers = 2
	}
	r.log.Info("command dispatcher started", logx.Int("workers", workers))

	var wg sync.WaitGroup
	wg.Add(workers)
	for i := 0; i < workers; i++ {
		idx := i
		go func() {
			defer wg.Done()
			for {
				select {
				case <-ctx.Done():
					return
				case job, ok := <-r.jobs:
					if !ok {
						return
					}
					func() {
						defer func() {
							if rec := recover(); rec != nil {
								r.log.Error("panic in command job", logx.Int("worker", idx), logx.Any("panic", rec), logx.String("stack", string(debug.Stack())))
							}
						}()
						job()
					}()
				}
			}
		}()
	}
	defer func() {
		wg.Wait()
		r.log.Info("command dispatcher stopped")
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case up, ok := <-updates:
			if !ok {
				return nil
			}
			r.routeMessage(ctx, up)
		}
	}
}

func (r *Router) routeMessage(ctx context.Context, up kit.Update) {
	if up.Message == nil {
		return
	}
	msg := up.Message
	text := strings.TrimSpace(msg.Text)
	if !strings.HasPrefix(text, "/") {
		return
	}

	parts := strings.Fields(text)
	word := strings.TrimPrefix(parts[0], "/")
	// strip the @botname suffix used in groups
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	word = strings.ToLower(word)
	args := parts[1:]

	cmd, ok := r.commands[word]
	if !ok {
		if !msg.IsGroup {
			r.reply(ctx, kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}, "Unknown command. Try /help")
		}
		return
	}

	chat := kit.ChatTarget{ChatID: msg.ChatID, ThreadID: msg.ThreadID}
	if cmd.Access == AccessOwnerOnly && !r.isOwner(msg.FromID) {
		r.log.Warn("unauthorized command",
			logx.String("cmd", cmd.Name),
			logx.Int64("from_id", msg.FromID),
			logx.String("from", msg.FromUsername))
		if r.operator != nil {
			r.operator.Operator(ctx, fmt.Sprintf(
				"Unauthorized /%s from %s (%s)", cmd.Name, msg.FromUsername, strconv.FormatInt(msg.FromID, 10)))
		}
		r.reply(ctx, chat, "Not authorized.")
		return
	}

	req := &Request{
		Update:  up,
		Chat:    chat,
		FromID:  msg.FromID,
		Command: cmd.Name,
		Args:    args,
		Adapter: r.adapter,
		Logger:  r.log,
	}
	timeout := cmd.Timeout
	if timeout <= 0 {
		timeout = defaultCommandTimeout
	}
	h := Chain(cmd.Handle, MWRequestLog(r.log), MWPanicRecover(r.log), MWTimeout(timeout))

	job := func() { _ = h(ctx, req) }
	select {
	case r.jobs <- job:
	default:
		r.log.Warn("command dropped (queue full)", logx.String("cmd", cmd.Name))
		r.reply(ctx, chat, "Busy, try again in a moment.")
	}
}

func (r *Router) reply(ctx context.Context, to kit.ChatTarget, text string) {
	_, err := r.adapter.SendText(ctx, to, text, &kit.SendOptions{ParseMode: "HTML", DisablePreview: true})
	if err != nil {
		r.log.Warn("reply failed", logx.Int64("chat_id", to.ChatID), logx.Err(err))
	}
}
