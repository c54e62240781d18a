package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mpataki/journey/internal/dispatch"
	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/realtime"
	"github.com/mpataki/journey/internal/runtime"
	"github.com/mpataki/journey/internal/scheduler"
	"github.com/mpataki/journey/internal/screen"
	"github.com/mpataki/journey/internal/state"
	"github.com/mpataki/journey/internal/transcript"
	"github.com/mpataki/journey/internal/voice"
	"go.uber.org/zap"
)

var (
	ErrVoiceActive = errors.New("voice is already connected")
	errNoDialer    = errors.New("no realtime dialer configured")
)

const (
	TransportWebSocket = "websocket"
	TransportRelay     = "relay"
)

// Session is one live journey run: module state, screens and an optional
// voice connection. Switching journeys rebuilds everything except the bus
// and the session's history.
type Session struct {
	ID string

	orch       *Orchestrator
	logger     *zap.Logger
	bus        *events.Bus
	store      *state.Store
	screens    *screen.Engine
	screenSch  *scheduler.Scheduler
	dispatcher *dispatch.Dispatcher
	transcript *transcript.Transcript
	redis      *dispatch.RedisSink
	startedAt  time.Time

	mu      sync.Mutex
	journey *models.Journey
	rt      *runtime.Runtime
	graph   *runtime.Graph
	voice   *voice.Adapter
	relay   realtime.Transport
	closed  bool

	recMu          sync.Mutex
	record         *models.Session
	previousAgents []string

	unsubscribe []func()
}

// Snapshot is what a UI needs to render the session.
type Snapshot struct {
	Session           models.Session `json:"session"`
	Agent             string         `json:"agent,omitempty"`
	Voice             string         `json:"voice"`
	PendingDisconnect bool           `json:"pendingDisconnect"`
	Stack             []string       `json:"stack"`
	View              *screen.View   `json:"view,omitempty"`
	State             map[string]any `json:"state"`
}

func newSession(o *Orchestrator, record *models.Session, tr *transcript.Transcript) *Session {
	logger := o.logger.With(zap.String("session", record.ID))
	t := o.opts.Timings

	s := &Session{
		ID:         record.ID,
		orch:       o,
		logger:     logger,
		bus:        events.NewBus(),
		store:      state.New(),
		screenSch:  scheduler.New(logger.Named("screens")),
		transcript: tr,
		startedAt:  record.CreatedAt,
		record:     record,
	}
	s.screens = screen.New(s.store, screen.Options{
		Logger:      logger.Named("screens"),
		Publisher:   s.bus,
		Scheduler:   s.screenSch,
		SummaryHold: t.SummaryHold,
		DedupTTL:    t.DedupTTL,
	})

	// Sinks first so they see everything the dispatcher and engine publish.
	s.unsubscribe = append(s.unsubscribe, s.bus.Subscribe(s.track))
	if o.opts.Storage != nil {
		s.unsubscribe = append(s.unsubscribe, s.bus.Subscribe(dispatch.HistorySink(o.opts.Storage, record.ID, logger)))
	}
	if tr != nil {
		s.unsubscribe = append(s.unsubscribe, s.bus.Subscribe(dispatch.TranscriptSink(tr, logger)))
	}
	if o.opts.Metrics != nil {
		s.unsubscribe = append(s.unsubscribe, s.bus.Subscribe(o.opts.Metrics.Observer()))
	}
	if o.opts.Redis != nil {
		channel := o.opts.RedisChannel
		if channel == "" {
			channel = dispatch.DefaultRedisChannel
		}
		s.redis = dispatch.NewRedisSink(o.opts.Redis, channel, record.ID, logger)
		s.unsubscribe = append(s.unsubscribe, s.bus.Subscribe(s.redis.Handle), s.bus.Subscribe(s.saveView))
	}

	s.dispatcher = dispatch.New(dispatch.Options{
		Logger:   logger.Named("dispatch"),
		Bus:      s.bus,
		Store:    s.store,
		Screens:  s.screens,
		OnAction: s.onAction,
	})
	return s
}

// build compiles j into a runtime and a disconnected voice adapter.
func (s *Session) build(j *models.Journey) (*runtime.Runtime, *runtime.Graph, *voice.Adapter, error) {
	t := s.orch.opts.Timings
	rt := runtime.New(runtime.Options{
		Logger:                  s.logger.Named("runtime"),
		Scheduler:               scheduler.New(s.logger.Named("runtime")),
		Callbacks:               s.dispatcher.Callbacks(),
		NavigationDelay:         t.NavigationDelay,
		FeedbackDisconnectDelay: t.FeedbackDisconnectDelay,
	})
	g := rt.Compile(j)
	if g.StartingAgent == nil {
		rt.Close()
		return nil, nil, nil, fmt.Errorf("journey %s: %w", j.ID, runtime.ErrNoStartingAgent)
	}

	voiceName := j.Voice
	if voiceName == "" {
		voiceName = s.orch.opts.Voice
	}
	adapter := voice.New(voice.Options{
		Logger:           s.logger.Named("voice"),
		Dialer:           realtime.DialerFunc(s.dial),
		Graph:            g,
		Publisher:        s.bus,
		Detector:         voice.NewKeywordDetector(j.Heuristics),
		GreetingDelay:    t.GreetingDelay,
		DisconnectBuffer: t.DisconnectBuffer,
		Voice:            voiceName,
	})
	return rt, g, adapter, nil
}

func (s *Session) install(j *models.Journey) error {
	rt, g, adapter, err := s.build(j)
	if err != nil {
		return err
	}

	s.mu.Lock()
	s.journey, s.rt, s.graph, s.voice = j, rt, g, adapter
	s.mu.Unlock()

	s.recMu.Lock()
	s.record.JourneyID = j.ID
	s.record.CurrentAgent = g.StartingAgent.ID
	s.previousAgents = nil
	s.recMu.Unlock()

	s.dispatcher.SetGraph(g)
	s.dispatcher.SetVoice(adapter)
	s.persist()
	return nil
}

func (s *Session) current() (*runtime.Runtime, *voice.Adapter, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.rt, s.voice, s.closed
}

func (s *Session) dial(ctx context.Context) (realtime.Transport, error) {
	s.mu.Lock()
	t := s.relay
	s.relay = nil
	s.mu.Unlock()

	transport := TransportWebSocket
	if t == nil {
		if s.orch.opts.Dialer == nil {
			return nil, errNoDialer
		}
		var err error
		if t, err = s.orch.opts.Dialer.Dial(ctx); err != nil {
			return nil, err
		}
	} else {
		transport = TransportRelay
	}

	s.recMu.Lock()
	s.record.Transport = transport
	s.recMu.Unlock()
	return t, nil
}

// EnableVoice connects the active agent to the realtime backend. A session
// that started screens-only keeps its screens, state and agent.
func (s *Session) EnableVoice(ctx context.Context) error {
	_, adapter, closed := s.current()
	if closed {
		return runtime.ErrClosed
	}
	return adapter.Connect(ctx)
}

// AttachRelay connects voice over a transport the client opened to us
// instead of dialing the backend.
func (s *Session) AttachRelay(ctx context.Context, t realtime.Transport) error {
	_, adapter, closed := s.current()
	if closed {
		_ = t.Close()
		return runtime.ErrClosed
	}
	if adapter.State() != voice.Disconnected {
		_ = t.Close()
		return ErrVoiceActive
	}
	s.mu.Lock()
	s.relay = t
	s.mu.Unlock()
	return adapter.Connect(ctx)
}

func (s *Session) DisableVoice() {
	if _, adapter, _ := s.current(); adapter != nil {
		adapter.Disconnect()
	}
}

func (s *Session) SwitchAgent(ctx context.Context, id string) error {
	_, adapter, closed := s.current()
	if closed {
		return runtime.ErrClosed
	}
	return adapter.RequestSwitch(ctx, id)
}

// SwitchJourney replaces the journey in place. Module state is cleared and
// voice reconnects if it was connected.
func (s *Session) SwitchJourney(ctx context.Context, journeyID string) error {
	j, err := s.orch.Journey(journeyID)
	if err != nil {
		return err
	}
	rt, adapter, closed := s.current()
	if closed {
		return runtime.ErrClosed
	}

	wasConnected := adapter.State() != voice.Disconnected
	cancelled := rt.Close()
	adapter.Disconnect()
	s.store.Reset()

	if err := s.install(j); err != nil {
		return err
	}
	s.logger.Info("switched journey",
		zap.String("journey", j.ID),
		zap.Int("cancelledActions", cancelled),
		zap.Bool("reconnect", wasConnected))

	if wasConnected {
		return s.EnableVoice(ctx)
	}
	return nil
}

func (s *Session) onAction(ctx context.Context, a dispatch.Action) (string, error) {
	param := func(keys ...string) string {
		for _, k := range keys {
			if v, ok := a.Params[k].(string); ok && v != "" {
				return v
			}
		}
		return ""
	}

	switch a.Tool {
	case dispatch.HandlerSwitchAgent:
		id := param("agentId", "agent")
		if err := s.SwitchAgent(ctx, id); err != nil {
			return "", err
		}
		return fmt.Sprintf("Switched to %s.", id), nil
	case dispatch.HandlerSwitchJourney:
		id := param("journeyId", "journey")
		if _, err := s.orch.Journey(id); err != nil {
			return "", err
		}
		// The caller may be the voice read loop that the switch tears down.
		go func() {
			if err := s.SwitchJourney(context.Background(), id); err != nil {
				s.logger.Error("journey switch failed", zap.String("journey", id), zap.Error(err))
			}
		}()
		return fmt.Sprintf("Switching to journey %s.", id), nil
	case dispatch.HandlerEnableVoice:
		if err := s.EnableVoice(ctx); err != nil {
			return "", err
		}
		return "Voice enabled.", nil
	}
	return "", fmt.Errorf("unsupported action %s", a.Tool)
}

// Signal applies a UI signal to the session.
func (s *Session) Signal(ctx context.Context, sig dispatch.Signal) (string, error) {
	if _, _, closed := s.current(); closed {
		return "", runtime.ErrClosed
	}
	return s.dispatcher.HandleSignal(ctx, sig)
}

// Subscribe registers h for every event the session publishes.
func (s *Session) Subscribe(h events.Handler) func() {
	return s.bus.Subscribe(h)
}

func (s *Session) Journey() *models.Journey {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.journey
}

func (s *Session) Graph() *runtime.Graph {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.graph
}

func (s *Session) VoiceState() voice.State {
	_, adapter, _ := s.current()
	return adapter.State()
}

// Record returns a copy of the session record.
func (s *Session) Record() *models.Session {
	s.recMu.Lock()
	defer s.recMu.Unlock()
	cp := *s.record
	return &cp
}

func (s *Session) Snapshot() *Snapshot {
	_, adapter, _ := s.current()
	snap := &Snapshot{
		Session:           *s.Record(),
		Voice:             adapter.State().String(),
		PendingDisconnect: adapter.PendingDisconnect(),
		Stack:             s.screens.Stack(),
		View:              s.screens.Render(),
		State:             s.store.Snapshot(),
	}
	if agent := adapter.ActiveAgent(); agent != nil {
		snap.Agent = agent.ID
	}
	return snap
}

// Transcript returns the session's transcript.md contents.
func (s *Session) Transcript() (string, error) {
	if s.transcript == nil {
		return "", nil
	}
	return s.transcript.Read()
}

// Close ends the session. Pending delayed actions are cancelled and any
// that are already running no longer reach the screens or the transport.
func (s *Session) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	rt, adapter := s.rt, s.voice
	s.mu.Unlock()

	s.dispatcher.Close()
	cancelled := 0
	if rt != nil {
		cancelled += rt.Close()
	}
	if adapter != nil {
		adapter.Disconnect()
	}
	cancelled += s.screenSch.Close()

	now := time.Now()
	s.recMu.Lock()
	s.record.EndedAt = &now
	switch s.record.Status {
	case models.SessionStatusPending, models.SessionStatusConnected:
		s.record.Status = models.SessionStatusDisconnected
	}
	s.recMu.Unlock()
	s.persist()

	for _, fn := range s.unsubscribe {
		fn()
	}
	if m := s.orch.opts.Metrics; m != nil {
		m.RecordSessionEnd(now.Sub(s.startedAt))
	}
	s.orch.forget(s.ID)
	s.logger.Info("session closed", zap.Int("cancelledActions", cancelled))
}

// track keeps the session record in step with the events it publishes.
func (s *Session) track(e events.Event) {
	s.recMu.Lock()
	r := s.record
	switch e.Type {
	case events.ScreenChanged:
		r.CurrentScreen = e.String("screen")
	case events.AgentInitialized:
		r.CurrentAgent = e.String("agentId")
	case events.AgentHandoff:
		if from := e.String("from"); from != "" {
			s.previousAgents = append(s.previousAgents, from)
		}
		r.CurrentAgent = e.String("to")
	case events.ConnectionState:
		switch e.String("state") {
		case voice.Connected.String():
			r.Status = models.SessionStatusConnected
			r.VoiceEnabled = true
		case voice.Disconnected.String():
			if r.Status == models.SessionStatusConnected {
				r.Status = models.SessionStatusDisconnected
			}
		default:
			s.recMu.Unlock()
			return
		}
	case events.Alert:
		if r.Status != models.SessionStatusComplete {
			r.Status = models.SessionStatusFailed
		}
	case events.ConversationComplete:
		r.Status = models.SessionStatusComplete
	default:
		s.recMu.Unlock()
		return
	}
	s.recMu.Unlock()
	s.persist()
}

func (s *Session) persist() {
	s.recMu.Lock()
	record := *s.record
	previous := append([]string(nil), s.previousAgents...)
	s.recMu.Unlock()

	if st := s.orch.opts.Storage; st != nil {
		if err := st.UpdateSession(&record); err != nil {
			s.logger.Warn("failed to update session record", zap.Error(err))
		}
	}
	if s.transcript != nil {
		err := s.transcript.WriteMetadata(&transcript.Metadata{
			SessionID:      record.ID,
			JourneyID:      record.JourneyID,
			StartedAt:      record.CreatedAt,
			CurrentAgent:   record.CurrentAgent,
			PreviousAgents: previous,
			VoiceEnabled:   record.VoiceEnabled,
		})
		if err != nil {
			s.logger.Warn("failed to write session metadata", zap.Error(err))
		}
	}
}

// saveView mirrors the rendered screen to redis whenever it can change.
func (s *Session) saveView(e events.Event) {
	if e.Type != events.ScreenChanged && e.Type != events.StateChanged && e.Type != events.SummaryCleared {
		return
	}
	view := s.screens.Render()
	if view == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := s.redis.SaveView(ctx, view); err != nil {
		s.logger.Debug("failed to save view", zap.Error(err))
	}
}
