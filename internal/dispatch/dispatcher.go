// Package dispatch connects a session's pieces: tool callbacks from the
// compiled journey drive the screen engine and module state, and signals
// from the UI flow back into screens, voice and the orchestrator.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/runtime"
	"github.com/mpataki/journey/internal/screen"
	"github.com/mpataki/journey/internal/state"
	"go.uber.org/zap"
)

// Flow-level handlers raise the tool call action signal.
const (
	HandlerSwitchAgent   = "switch_agent"
	HandlerSwitchJourney = "switch_journey"
	HandlerEnableVoice   = "enable_voice"
)

var ErrUnknownSignal = errors.New("unknown signal")

// Voice is the part of the voice adapter the dispatcher drives.
type Voice interface {
	MarkComplete(agentID, message string)
	AudioPlaybackComplete()
	SendText(text string) error
	Disconnect()
}

// Action is a flow-level request for the orchestrator.
type Action struct {
	Tool   string
	Params map[string]any
}

// ActionFunc performs a flow-level action and returns a result for the
// agent.
type ActionFunc func(ctx context.Context, a Action) (string, error)

type Options struct {
	Logger   *zap.Logger
	Bus      *events.Bus
	Store    *state.Store
	Screens  *screen.Engine
	OnAction ActionFunc
}

type Dispatcher struct {
	logger   *zap.Logger
	bus      *events.Bus
	store    *state.Store
	screens  *screen.Engine
	onAction ActionFunc

	mu     sync.RWMutex
	graph  *runtime.Graph
	voice  Voice
	closed bool

	unsubscribe []func()
}

func New(opts Options) *Dispatcher {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	d := &Dispatcher{
		logger:   opts.Logger,
		bus:      opts.Bus,
		store:    opts.Store,
		screens:  opts.Screens,
		onAction: opts.OnAction,
	}

	d.unsubscribe = append(d.unsubscribe,
		d.store.Subscribe(func(c state.Change) {
			payload := map[string]any{"key": c.Key, "value": c.Value}
			if c.Deleted {
				payload["deleted"] = true
			}
			d.bus.Publish(events.New(events.StateChanged, payload))
		}),
		d.bus.Subscribe(d.handleEvent),
	)
	return d
}

// SetGraph installs the compiled journey and shows its starting agent's
// screens.
func (d *Dispatcher) SetGraph(g *runtime.Graph) {
	d.mu.Lock()
	d.graph = g
	d.mu.Unlock()

	if g != nil && g.StartingAgent != nil {
		d.screens.SetScreens(g.StartingAgent.Screens, "")
	}
}

func (d *Dispatcher) SetVoice(v Voice) {
	d.mu.Lock()
	d.voice = v
	d.mu.Unlock()
}

// Close detaches the dispatcher. Callbacks still held by delayed actions
// become no-ops.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return
	}
	d.closed = true
	d.voice = nil
	unsub := d.unsubscribe
	d.unsubscribe = nil
	d.mu.Unlock()

	for _, fn := range unsub {
		fn()
	}
}

func (d *Dispatcher) live() (Voice, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.voice, !d.closed
}

// Callbacks returns the runtime callbacks for tools compiled in this
// session.
func (d *Dispatcher) Callbacks() runtime.Callbacks {
	return runtime.Callbacks{
		OnTriggerEvent: d.triggerEvent,
		OnRecordInput:  d.recordInput,
		OnDisconnect:   d.disconnect,
		OnComplete:     d.complete,
		OnEmit:         d.emit,
		OnStateWrite: func(key string, value any) {
			if _, ok := d.live(); ok {
				d.store.Set(key, value)
			}
		},
		Handlers: map[string]runtime.Handler{
			HandlerSwitchAgent:   d.actionHandler(HandlerSwitchAgent),
			HandlerSwitchJourney: d.actionHandler(HandlerSwitchJourney),
			HandlerEnableVoice:   d.actionHandler(HandlerEnableVoice),
		},
	}
}

func (d *Dispatcher) triggerEvent(eventID string) {
	if _, ok := d.live(); !ok {
		return
	}
	fired := d.screens.TriggerEvent(eventID)
	d.bus.Publish(events.New(events.TriggerEvent, map[string]any{
		"eventId": eventID,
		"handled": fired,
	}))
}

func (d *Dispatcher) recordInput(in runtime.RecordInput) {
	if _, ok := d.live(); !ok {
		return
	}
	d.screens.RecordInput(screen.RecordInput{
		Title:       in.Title,
		Summary:     in.Summary,
		Description: in.Description,
		StoreKey:    in.StoreKey,
		Timestamp:   in.Timestamp,
	})
}

func (d *Dispatcher) disconnect(reason string) {
	v, ok := d.live()
	if !ok {
		return
	}
	d.logger.Info("agent ended the call", zap.String("reason", reason))
	if v != nil {
		v.Disconnect()
	}
}

func (d *Dispatcher) complete(agentID, message string) {
	v, ok := d.live()
	if !ok {
		return
	}
	if v != nil {
		v.MarkComplete(agentID, message)
		return
	}
	d.bus.Publish(events.New(events.ConversationComplete, map[string]any{
		"agent":   agentID,
		"message": message,
	}))
}

func (d *Dispatcher) emit(name string, payload map[string]any) {
	if _, ok := d.live(); !ok {
		return
	}
	d.bus.Publish(events.New(events.Type(name), payload))
}

func (d *Dispatcher) actionHandler(tool string) runtime.Handler {
	return func(ctx context.Context, params map[string]any) (string, error) {
		return d.Act(ctx, Action{Tool: tool, Params: params})
	}
}

// Act raises the tool call action signal and hands it to the orchestrator.
func (d *Dispatcher) Act(ctx context.Context, a Action) (string, error) {
	if _, ok := d.live(); !ok {
		return "", runtime.ErrClosed
	}
	d.bus.Publish(events.New(events.ToolCallAction, map[string]any{
		"tool":   a.Tool,
		"params": a.Params,
	}))
	if d.onAction == nil {
		return "", fmt.Errorf("no handler for %s", a.Tool)
	}
	return d.onAction(ctx, a)
}

// handleEvent follows handoffs with the new agent's screens.
func (d *Dispatcher) handleEvent(e events.Event) {
	if e.Type != events.AgentHandoff {
		return
	}
	d.mu.RLock()
	g := d.graph
	d.mu.RUnlock()

	agent := g.Agent(e.String("to"))
	if agent == nil {
		return
	}
	d.screens.SetScreens(agent.Screens, "")
}

// Signal is a UI-originated request.
type Signal struct {
	Type   string         `json:"type"`
	Params map[string]any `json:"params,omitempty"`
}

const (
	SignalNavigate      = "navigate"
	SignalBack          = "back"
	SignalTriggerEvent  = "trigger_event"
	SignalElementEvent  = "element_event"
	SignalRecordInput   = "record_input"
	SignalSetState      = "set_state"
	SignalAudioComplete = "audio_playback_complete"
	SignalText          = "text"
	SignalSwitchAgent   = HandlerSwitchAgent
	SignalSwitchJourney = HandlerSwitchJourney
	SignalEnableVoice   = HandlerEnableVoice
)

// HandleSignal applies a UI signal. Screen signals are handled here; flow
// signals go to the orchestrator.
func (d *Dispatcher) HandleSignal(ctx context.Context, s Signal) (string, error) {
	v, ok := d.live()
	if !ok {
		return "", runtime.ErrClosed
	}
	str := func(key string) string {
		out, _ := s.Params[key].(string)
		return out
	}

	switch s.Type {
	case SignalNavigate:
		if !d.screens.Navigate(str("screenId")) {
			return "", fmt.Errorf("screen %q not found", str("screenId"))
		}
		return d.screens.CurrentID(), nil
	case SignalBack:
		d.screens.Back()
		return d.screens.CurrentID(), nil
	case SignalTriggerEvent:
		d.triggerEvent(str("eventId"))
		return d.screens.CurrentID(), nil
	case SignalElementEvent:
		if !d.screens.FireElementEvent(str("elementId"), models.EventType(str("event"))) {
			return "", fmt.Errorf("element %q has no %s event", str("elementId"), str("event"))
		}
		return d.screens.CurrentID(), nil
	case SignalRecordInput:
		ts, _ := s.Params["timestamp"].(float64)
		recorded := d.screens.RecordInput(screen.RecordInput{
			Title:       str("title"),
			Summary:     str("summary"),
			Description: str("description"),
			StoreKey:    str("storeKey"),
			Timestamp:   int64(ts),
		})
		if !recorded {
			return "duplicate", nil
		}
		return "recorded", nil
	case SignalSetState:
		d.store.Set(str("key"), s.Params["value"])
		return "ok", nil
	case SignalAudioComplete:
		if v != nil {
			v.AudioPlaybackComplete()
		}
		return "ok", nil
	case SignalText:
		if v == nil {
			return "", fmt.Errorf("voice is not enabled")
		}
		return "sent", v.SendText(str("text"))
	case SignalSwitchAgent, SignalSwitchJourney, SignalEnableVoice:
		return d.Act(ctx, Action{Tool: s.Type, Params: s.Params})
	}
	return "", fmt.Errorf("%w: %s", ErrUnknownSignal, s.Type)
}
