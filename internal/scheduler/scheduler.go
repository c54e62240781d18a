// Package scheduler runs delayed actions on behalf of a single session.
// Every scheduled action gets a handle the session owns; closing the
// scheduler cancels all outstanding handles.
package scheduler

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"
)

// Handle is a pending delayed action.
type Handle struct {
	ID          uint64
	Name        string
	Delay       time.Duration
	ScheduledAt time.Time

	s     *Scheduler
	timer *time.Timer
	once  sync.Once
	done  chan struct{}
	state handleState
}

type handleState int

const (
	statePending handleState = iota
	stateFired
	stateCancelled
)

// Cancel stops the action if it has not fired yet. It reports whether the
// action was prevented from running.
func (h *Handle) Cancel() bool {
	if h == nil {
		return false
	}
	h.s.mu.Lock()
	if h.state != statePending {
		h.s.mu.Unlock()
		return false
	}
	h.state = stateCancelled
	delete(h.s.pending, h.ID)
	h.s.mu.Unlock()

	h.timer.Stop()
	h.finish()
	return true
}

// Done is closed once the action has either fired or been cancelled.
func (h *Handle) Done() <-chan struct{} {
	return h.done
}

// Fired reports whether the action ran.
func (h *Handle) Fired() bool {
	h.s.mu.Lock()
	defer h.s.mu.Unlock()
	return h.state == stateFired
}

func (h *Handle) finish() {
	h.once.Do(func() { close(h.done) })
}

type Scheduler struct {
	mu      sync.Mutex
	logger  *zap.Logger
	pending map[uint64]*Handle
	nextID  uint64
	closed  bool
	now     func() time.Time
}

func New(logger *zap.Logger) *Scheduler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Scheduler{
		logger:  logger,
		pending: make(map[uint64]*Handle),
		now:     time.Now,
	}
}

// After runs fn once delay has elapsed. A non-positive delay runs fn
// immediately on the caller's goroutine and returns nil. After Close,
// After is a no-op that returns nil.
func (s *Scheduler) After(name string, delay time.Duration, fn func()) *Handle {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		s.logger.Debug("scheduler closed, dropping action", zap.String("action", name))
		return nil
	}
	if delay <= 0 {
		s.mu.Unlock()
		fn()
		return nil
	}

	s.nextID++
	h := &Handle{
		ID:          s.nextID,
		Name:        name,
		Delay:       delay,
		ScheduledAt: s.now(),
		s:           s,
		done:        make(chan struct{}),
	}
	s.pending[h.ID] = h
	h.timer = time.AfterFunc(delay, func() { s.fire(h, fn) })
	s.mu.Unlock()

	s.logger.Debug("scheduled action", zap.String("action", name), zap.Duration("delay", delay))
	return h
}

func (s *Scheduler) fire(h *Handle, fn func()) {
	s.mu.Lock()
	if h.state != statePending {
		s.mu.Unlock()
		return
	}
	h.state = stateFired
	delete(s.pending, h.ID)
	s.mu.Unlock()

	defer h.finish()
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("delayed action panicked", zap.String("action", h.Name), zap.Any("panic", r))
		}
	}()
	fn()
}

// Pending returns the number of actions waiting to fire.
func (s *Scheduler) Pending() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.pending)
}

// Close cancels every outstanding action and rejects new ones. It returns
// the number of actions cancelled.
func (s *Scheduler) Close() int {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0
	}
	s.closed = true
	handles := make([]*Handle, 0, len(s.pending))
	for _, h := range s.pending {
		handles = append(handles, h)
	}
	s.mu.Unlock()

	cancelled := 0
	for _, h := range handles {
		if h.Cancel() {
			cancelled++
		}
	}
	if cancelled > 0 {
		s.logger.Debug("cancelled pending actions", zap.Int("count", cancelled))
	}
	return cancelled
}

func (s *Scheduler) Closed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

type ctxKey struct{}

// NewContext returns a copy of ctx that carries s. Actions scheduled by
// code running under ctx belong to s instead of the caller's default.
func NewContext(ctx context.Context, s *Scheduler) context.Context {
	return context.WithValue(ctx, ctxKey{}, s)
}

// FromContext returns the scheduler carried by ctx, if any.
func FromContext(ctx context.Context) (*Scheduler, bool) {
	if ctx == nil {
		return nil, false
	}
	s, ok := ctx.Value(ctxKey{}).(*Scheduler)
	return s, ok && s != nil
}
