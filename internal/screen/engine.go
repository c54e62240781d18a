// Package screen owns the navigation stack for the active agent's screens,
// runs screen and element event actions, and records user input into
// module state.
package screen

import (
	"fmt"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/mpataki/journey/internal/evaluator"
	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/scheduler"
	"github.com/mpataki/journey/internal/state"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

const (
	DefaultSummaryHold = 2 * time.Second
	DefaultDedupTTL    = 5 * time.Minute

	// NavigatePrefix marks event ids that express a navigation intent.
	NavigatePrefix   = "navigate_"
	NavigateToPrefix = "navigate_to_"

	maxActionDepth = 8
)

// RecordInput is a user answer captured by the voice agent.
type RecordInput struct {
	Title       string
	Summary     string
	Description string
	StoreKey    string
	// Timestamp in unix milliseconds; zero means unknown.
	Timestamp int64
}

// Summary is the recorded input currently on display.
type Summary struct {
	Title       string
	Summary     string
	Description string
	ScreenID    string
	ShownAt     time.Time
}

type Options struct {
	Logger      *zap.Logger
	Publisher   events.Publisher
	Scheduler   *scheduler.Scheduler
	SummaryHold time.Duration
	DedupTTL    time.Duration
}

type Engine struct {
	mu      sync.Mutex
	logger  *zap.Logger
	store   *state.Store
	pub     events.Publisher
	sched   *scheduler.Scheduler
	screens map[string]*models.Screen
	order   []string
	stack   []string

	summary     *Summary
	summaryHold time.Duration
	resetHandle *scheduler.Handle

	seen *cache.Cache
	now  func() time.Time
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

func New(store *state.Store, opts Options) *Engine {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.Scheduler == nil {
		opts.Scheduler = scheduler.New(opts.Logger)
	}
	if opts.SummaryHold <= 0 {
		opts.SummaryHold = DefaultSummaryHold
	}
	if opts.DedupTTL <= 0 {
		opts.DedupTTL = DefaultDedupTTL
	}
	return &Engine{
		logger:      opts.Logger,
		store:       store,
		pub:         opts.Publisher,
		sched:       opts.Scheduler,
		screens:     make(map[string]*models.Screen),
		summaryHold: opts.SummaryHold,
		seen:        cache.New(opts.DedupTTL, 2*opts.DedupTTL),
		now:         time.Now,
	}
}

// SetScreens replaces the navigable screen set with the active agent's
// screens and seeds the stack with initial (or the first screen). An agent
// without screens leaves the current set in place.
func (e *Engine) SetScreens(screens []*models.Screen, initial string) bool {
	if len(screens) == 0 {
		e.logger.Debug("agent has no screens, keeping current screen set")
		return false
	}

	e.mu.Lock()
	e.screens = make(map[string]*models.Screen, len(screens))
	e.order = e.order[:0]
	for _, s := range screens {
		if s == nil || s.ID == "" {
			continue
		}
		e.screens[s.ID] = s
		e.order = append(e.order, s.ID)
	}
	if len(e.order) == 0 {
		e.mu.Unlock()
		return false
	}
	if _, ok := e.screens[initial]; !ok {
		initial = e.order[0]
	}
	previous := e.top()
	e.stack = []string{initial}
	pending := e.onScreenChange(initial)
	e.mu.Unlock()

	e.publishAll(pending)
	e.pub.Publish(events.New(events.ScreenChanged, map[string]any{
		"screen":   initial,
		"previous": previous,
		"depth":    1,
		"reason":   "reset",
	}))
	e.runEntryEvents(initial, 0)
	return true
}

// Navigate pushes id onto the stack. Unknown ids are logged and leave the
// stack untouched, so the top is always a renderable screen.
func (e *Engine) Navigate(id string) bool {
	return e.navigate(id, 0)
}

func (e *Engine) navigate(id string, depth int) bool {
	e.mu.Lock()
	if _, ok := e.screens[id]; !ok {
		available := append([]string(nil), e.order...)
		e.mu.Unlock()
		e.logger.Error("navigation target not found", zap.String("screen", id), zap.Strings("available", available))
		e.pub.Publish(events.New(events.NavigationFailed, map[string]any{"screen": id}))
		return false
	}

	previous := e.top()
	if previous == id {
		e.mu.Unlock()
		return true
	}
	e.stack = append(e.stack, id)
	d := len(e.stack)
	pending := e.onScreenChange(id)
	e.mu.Unlock()

	e.publishAll(pending)
	e.pub.Publish(events.New(events.ScreenChanged, map[string]any{
		"screen":   id,
		"previous": previous,
		"depth":    d,
		"reason":   "navigate",
	}))
	e.runEntryEvents(id, depth)
	return true
}

// Back pops the stack. The first screen has no predecessor, so a
// single-entry stack is left alone.
func (e *Engine) Back() bool {
	e.mu.Lock()
	if len(e.stack) <= 1 {
		e.mu.Unlock()
		return false
	}
	previous := e.top()
	e.stack = e.stack[:len(e.stack)-1]
	current := e.top()
	d := len(e.stack)
	pending := e.onScreenChange(current)
	e.mu.Unlock()

	e.publishAll(pending)
	e.pub.Publish(events.New(events.ScreenChanged, map[string]any{
		"screen":   current,
		"previous": previous,
		"depth":    d,
		"reason":   "back",
	}))
	return true
}

func (e *Engine) Stack() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.stack...)
}

func (e *Engine) CurrentID() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.top()
}

func (e *Engine) Current() *models.Screen {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.screens[e.top()]
}

// Has reports whether id is navigable for the active agent.
func (e *Engine) Has(id string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.screens[id]
	return ok
}

// TriggerEvent runs the event with the given id from the current screen or
// one of its elements. It is resolved when it fires, not when it was
// scheduled, so a delayed trigger follows whatever screen is current.
// Unmatched navigate_to_<screen> ids fall back to navigating to <screen>.
func (e *Engine) TriggerEvent(eventID string) bool {
	e.mu.Lock()
	ev := findEvent(e.screens[e.top()], eventID)
	e.mu.Unlock()

	if ev != nil {
		e.runActions(ev.Action, 0)
		return true
	}
	if strings.HasPrefix(eventID, NavigateToPrefix) {
		return e.Navigate(strings.TrimPrefix(eventID, NavigateToPrefix))
	}
	e.logger.Warn("event not found on current screen", zap.String("event", eventID), zap.String("screen", e.CurrentID()))
	return false
}

// FireElementEvent runs the events of type t declared on the element with
// the given state id on the current screen.
func (e *Engine) FireElementEvent(elementID string, t models.EventType) bool {
	e.mu.Lock()
	var actions []*models.Action
	if s := e.screens[e.top()]; s != nil {
		for _, section := range s.Sections {
			if section == nil {
				continue
			}
			for _, el := range section.Elements {
				if el == nil || el.ID() != elementID {
					continue
				}
				for _, ev := range el.Events {
					if ev != nil && ev.Type == t {
						actions = append(actions, ev.Action...)
					}
				}
			}
		}
	}
	e.mu.Unlock()

	if len(actions) == 0 {
		return false
	}
	e.runActions(actions, 0)
	return true
}

// RecordInput stores the summary in module state and announces it. The
// transport may redeliver the same result during retried turns, so an
// input repeating the timestamp, title and summary of an earlier one is
// dropped. It returns false for duplicates.
func (e *Engine) RecordInput(in RecordInput) bool {
	key := dedupKey(in)
	if err := e.seen.Add(key, struct{}{}, cache.DefaultExpiration); err != nil {
		e.logger.Debug("duplicate record input ignored", zap.String("title", in.Title), zap.Int64("timestamp", in.Timestamp))
		return false
	}

	e.mu.Lock()
	storeKey := in.StoreKey
	if storeKey == "" {
		storeKey = deriveStoreKey(e.screens[e.top()], in.Title)
	}
	if in.Timestamp == 0 {
		in.Timestamp = e.now().UnixMilli()
	}
	if e.resetHandle != nil {
		e.resetHandle.Cancel()
		e.resetHandle = nil
	}
	e.summary = &Summary{
		Title:       in.Title,
		Summary:     in.Summary,
		Description: in.Description,
		ScreenID:    e.top(),
		ShownAt:     e.now(),
	}
	e.mu.Unlock()

	e.store.Set(storeKey, in.Summary)
	e.pub.Publish(events.New(events.RecordInput, map[string]any{
		"title":       in.Title,
		"summary":     in.Summary,
		"description": in.Description,
		"timestamp":   in.Timestamp,
		"storeKey":    storeKey,
	}))
	return true
}

// Summary returns the recorded input on display, if any.
func (e *Engine) Summary() *Summary {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.summary == nil {
		return nil
	}
	s := *e.summary
	return &s
}

func (e *Engine) top() string {
	if len(e.stack) == 0 {
		return ""
	}
	return e.stack[len(e.stack)-1]
}

// onScreenChange must be called with e.mu held. A summary shown less than
// summaryHold ago is not cleared yet; its reset is deferred and retargeted
// to the new screen.
func (e *Engine) onScreenChange(screenID string) []events.Event {
	if e.summary == nil {
		return nil
	}
	elapsed := e.now().Sub(e.summary.ShownAt)
	if elapsed < e.summaryHold {
		e.summary.ScreenID = screenID
		if e.resetHandle == nil {
			e.resetHandle = e.sched.After("summary-reset", e.summaryHold-elapsed, e.clearSummary)
		}
		return nil
	}
	e.summary = nil
	if e.resetHandle != nil {
		e.resetHandle.Cancel()
		e.resetHandle = nil
	}
	return []events.Event{events.New(events.SummaryCleared, map[string]any{"screen": screenID})}
}

func (e *Engine) clearSummary() {
	e.mu.Lock()
	if e.summary == nil {
		e.mu.Unlock()
		return
	}
	screenID := e.summary.ScreenID
	e.summary = nil
	e.resetHandle = nil
	e.mu.Unlock()

	e.pub.Publish(events.New(events.SummaryCleared, map[string]any{"screen": screenID}))
}

func (e *Engine) runEntryEvents(screenID string, depth int) {
	e.mu.Lock()
	s := e.screens[screenID]
	var actions []*models.Action
	if s != nil {
		for _, ev := range s.Events {
			if ev != nil && (ev.Type == models.EventOnLoad || ev.Type == models.EventOnStart) {
				actions = append(actions, ev.Action...)
			}
		}
	}
	e.mu.Unlock()

	e.runActions(actions, depth+1)
}

func (e *Engine) runActions(actions []*models.Action, depth int) {
	if depth > maxActionDepth {
		e.logger.Error("screen actions nested too deeply, stopping", zap.Int("depth", depth))
		return
	}
	for _, a := range actions {
		if a == nil {
			continue
		}
		switch a.Type {
		case models.ActionNavigation:
			target := resolveDeeplink(a.Deeplink)
			if target == "back" {
				e.Back()
				continue
			}
			e.navigate(target, depth)
		case models.ActionStateUpdate:
			snapshot := e.store.Snapshot()
			if a.Key != "" {
				e.store.Set(a.Key, evaluator.Interpolate(a.Value, snapshot))
			}
			for k, v := range a.Updates {
				e.store.Set(k, evaluator.Interpolate(v, snapshot))
			}
		default:
			e.logger.Warn("unknown screen action", zap.String("type", string(a.Type)))
		}
	}
}

func (e *Engine) publishAll(list []events.Event) {
	for _, ev := range list {
		e.pub.Publish(ev)
	}
}

func findEvent(s *models.Screen, id string) *models.ScreenEvent {
	if s == nil {
		return nil
	}
	for _, ev := range s.Events {
		if ev != nil && ev.ID == id {
			return ev
		}
	}
	for _, section := range s.Sections {
		if section == nil {
			continue
		}
		for _, el := range section.Elements {
			if el == nil {
				continue
			}
			for _, ev := range el.Events {
				if ev != nil && ev.ID == id {
					return ev
				}
			}
		}
	}
	return nil
}

// resolveDeeplink accepts screen://id, /id and bare ids.
func resolveDeeplink(link string) string {
	link = strings.TrimSpace(link)
	if i := strings.Index(link, "://"); i >= 0 {
		link = link[i+3:]
	}
	return strings.Trim(link, "/")
}

// dedupKey identifies an input by its content. Distinct inputs recorded in
// the same millisecond keep distinct keys.
func dedupKey(in RecordInput) string {
	return fmt.Sprintf("%d\x00%s\x00%s", in.Timestamp, in.Title, in.Summary)
}

func deriveStoreKey(s *models.Screen, title string) string {
	if s != nil {
		for _, section := range s.Sections {
			if section == nil {
				continue
			}
			for _, el := range section.Elements {
				id := el.ID()
				for _, suffix := range []string{"_question", "_element"} {
					if strings.HasSuffix(id, suffix) && len(id) > len(suffix) {
						return strings.TrimSuffix(id, suffix)
					}
				}
			}
		}
	}
	return snakeCase(title)
}

func snakeCase(s string) string {
	var b strings.Builder
	underscore := false
	for _, r := range strings.TrimSpace(s) {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			b.WriteRune(unicode.ToLower(r))
			underscore = false
			continue
		}
		if !underscore && b.Len() > 0 {
			b.WriteByte('_')
			underscore = true
		}
	}
	return strings.TrimSuffix(b.String(), "_")
}
