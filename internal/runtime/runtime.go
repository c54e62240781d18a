// Package runtime compiles a journey into a live agent graph and
// synthesizes the control tools every agent carries.
package runtime

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mpataki/journey/internal/effects"
	"github.com/mpataki/journey/internal/scheduler"
	"go.uber.org/zap"
)

var (
	ErrNoStartingAgent = errors.New("journey has no starting agent")
	ErrClosed          = errors.New("runtime closed")
)

const (
	// NavigationPrefix marks event ids that move the user to another screen.
	NavigationPrefix = "navigate_"
	NavigateToPrefix = "navigate_to_"

	DefaultNavigationDelay         = 2 * time.Second
	DefaultFeedbackDisconnectDelay = 5 * time.Second

	// NoFeedbackScreen as end_call's feedbackScreenId skips the feedback screen.
	NoFeedbackScreen      = "none"
	DefaultFeedbackScreen = "feedback"
)

// RecordInput is the payload of a record_input call.
type RecordInput struct {
	Title       string
	Summary     string
	Description string
	StoreKey    string
	Timestamp   int64
}

// Handler is a host-provided function reachable from callHandler effects.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Callbacks connect synthesized tools to the rest of the session. Any of
// them may be nil.
type Callbacks struct {
	OnTriggerEvent func(eventID string)
	OnRecordInput  func(in RecordInput)
	OnDisconnect   func(reason string)
	OnComplete     func(agentID, message string)
	OnEmit         func(name string, payload map[string]any)
	OnStateWrite   func(key string, value any)
	Handlers       map[string]Handler
}

type Options struct {
	Logger    *zap.Logger
	Scheduler *scheduler.Scheduler
	Callbacks Callbacks

	NavigationDelay         time.Duration
	FeedbackDisconnectDelay time.Duration
}

// Runtime owns the delayed actions of one session. There is no shared
// default instance; every session builds its own.
type Runtime struct {
	logger *zap.Logger
	sched  *scheduler.Scheduler
	cb     Callbacks

	navDelay      time.Duration
	feedbackDelay time.Duration

	mu     sync.RWMutex
	closed bool
	now    func() time.Time
}

func New(opts Options) *Runtime {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(opts.Logger)
	}
	if opts.NavigationDelay <= 0 {
		opts.NavigationDelay = DefaultNavigationDelay
	}
	if opts.FeedbackDisconnectDelay <= 0 {
		opts.FeedbackDisconnectDelay = DefaultFeedbackDisconnectDelay
	}
	return &Runtime{
		logger:        opts.Logger,
		sched:         opts.Scheduler,
		cb:            opts.Callbacks,
		navDelay:      opts.NavigationDelay,
		feedbackDelay: opts.FeedbackDisconnectDelay,
		now:           time.Now,
	}
}

// Close cancels every outstanding delayed action. Actions already running
// finish, but their callbacks become no-ops.
func (r *Runtime) Close() int {
	r.mu.Lock()
	r.closed = true
	r.mu.Unlock()
	return r.sched.Close()
}

func (r *Runtime) Closed() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.closed
}

func (r *Runtime) Scheduler() *scheduler.Scheduler {
	return r.sched
}

// schedule runs fn after delay, or inline when delay <= 0. A scheduler
// carried by ctx (one voice connection) owns the action; otherwise the
// runtime's own scheduler does.
func (r *Runtime) schedule(ctx context.Context, name string, delay time.Duration, fn func()) *scheduler.Handle {
	s := r.sched
	if owner, ok := scheduler.FromContext(ctx); ok {
		s = owner
	}
	return s.After(name, delay, func() {
		if r.Closed() {
			r.logger.Debug("dropping delayed action after close", zap.String("action", name))
			return
		}
		fn()
	})
}

// EffectiveDelay applies the navigation default to a raw delay value: a
// navigation event with no positive delay waits NavigationDelay.
func (r *Runtime) EffectiveDelay(eventID string, raw any) time.Duration {
	d := ParseDelay(raw)
	if d <= 0 && strings.HasPrefix(eventID, NavigationPrefix) {
		return r.navDelay
	}
	return d
}

// ParseDelay reads a delay in seconds from a number or numeric string.
// Anything unparseable or negative is 0.
func ParseDelay(raw any) time.Duration {
	var secs float64
	switch v := raw.(type) {
	case float64:
		secs = v
	case float32:
		secs = float64(v)
	case int:
		secs = float64(v)
	case int64:
		secs = float64(v)
	case interface{ Float64() (float64, error) }:
		f, err := v.Float64()
		if err != nil {
			return 0
		}
		secs = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(v), 64)
		if err != nil {
			return 0
		}
		secs = f
	default:
		return 0
	}
	if secs <= 0 || secs != secs {
		return 0
	}
	return time.Duration(secs * float64(time.Second))
}

func (r *Runtime) triggerEvent(eventID string) {
	if r.cb.OnTriggerEvent != nil {
		r.cb.OnTriggerEvent(eventID)
	}
}

func (r *Runtime) callHandler(ctx context.Context, name string, args map[string]any) (string, error) {
	h, ok := r.cb.Handlers[name]
	if !ok {
		return "", fmt.Errorf("%w: %s", effects.ErrUnknownHandler, name)
	}
	return h(ctx, args)
}

func describeDelay(d time.Duration) string {
	return strconv.FormatFloat(d.Seconds(), 'f', -1, 64) + "s"
}
