// Package voice runs one realtime voice session: the connection state
// machine, inbound transcript and tool-call handling, agent handoffs and
// end-of-conversation detection.
package voice

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/realtime"
	"github.com/mpataki/journey/internal/runtime"
	"github.com/mpataki/journey/internal/scheduler"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

type State int

const (
	Disconnected State = iota
	Connecting
	Connected
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	default:
		return "disconnected"
	}
}

const (
	DefaultGreetingDelay      = time.Second
	DefaultDisconnectBuffer   = time.Second
	DefaultTranscriptionModel = "whisper-1"

	callMemory = 10 * time.Minute

	// userAlert is the only message transport failures surface to the user.
	userAlert = "Voice connection failed. Please try again."
)

var (
	ErrNoStartingAgent = runtime.ErrNoStartingAgent
	ErrNotConnected    = errors.New("voice session is not connected")
	ErrConnectAborted  = errors.New("connect aborted by disconnect")
	ErrUnknownAgent    = errors.New("unknown agent")
)

type Options struct {
	Logger    *zap.Logger
	Dialer    realtime.Dialer
	Graph     *runtime.Graph
	Publisher events.Publisher
	// Detector is the heuristic fallback; nil disables heuristics.
	Detector Detector

	GreetingDelay    time.Duration
	DisconnectBuffer time.Duration
	SuppressGreeting bool
	Voice            string

	// OnDisconnected runs after every transition to Disconnected; err is
	// nil for a requested disconnect.
	OnDisconnected func(err error)
}

type turnState struct {
	deltas    strings.Builder
	assistant []string
	user      string
	lastTool  string
	native    bool
	// switchTo is an agent switch requested by a tool call in this turn.
	switchTo *runtime.Agent
}

// turnKey marks a context as belonging to a tool call that runs inside
// the adapter's current response.
type turnKey struct{}

type Adapter struct {
	logger   *zap.Logger
	dialer   realtime.Dialer
	graph    *runtime.Graph
	pub      events.Publisher
	detector Detector
	opts     Options

	mu        sync.Mutex
	state     State
	gen       uint64
	transport realtime.Transport
	active    *runtime.Agent
	turn      turnState

	// conn owns every delayed action started by the current connection,
	// tool actions included. Teardown closes it.
	conn              *scheduler.Scheduler
	pendingDisconnect bool
	disconnectTimer   *scheduler.Handle

	// calls remembers answered call ids so redelivered calls are not
	// executed twice.
	calls *cache.Cache
}

type nopPublisher struct{}

func (nopPublisher) Publish(events.Event) {}

func New(opts Options) *Adapter {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Publisher == nil {
		opts.Publisher = nopPublisher{}
	}
	if opts.GreetingDelay <= 0 {
		opts.GreetingDelay = DefaultGreetingDelay
	}
	if opts.DisconnectBuffer <= 0 {
		opts.DisconnectBuffer = DefaultDisconnectBuffer
	}
	a := &Adapter{
		logger:   opts.Logger,
		dialer:   opts.Dialer,
		graph:    opts.Graph,
		pub:      opts.Publisher,
		detector: opts.Detector,
		opts:     opts,
		calls:    cache.New(callMemory, 2*callMemory),
	}
	if opts.Graph != nil {
		a.active = opts.Graph.StartingAgent
	}
	return a
}

func (a *Adapter) State() State {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.state
}

func (a *Adapter) ActiveAgent() *runtime.Agent {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.active
}

// PendingDisconnect reports whether the session is waiting for audio to
// finish before hanging up.
func (a *Adapter) PendingDisconnect() bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.pendingDisconnect
}

// Connect dials the transport and configures the active agent. Calling it
// while connecting or connected does nothing.
func (a *Adapter) Connect(ctx context.Context) error {
	a.mu.Lock()
	if a.state != Disconnected {
		a.mu.Unlock()
		return nil
	}
	if a.active == nil {
		a.mu.Unlock()
		a.logger.Error("cannot connect without a starting agent")
		return ErrNoStartingAgent
	}
	if a.dialer == nil {
		a.mu.Unlock()
		return fmt.Errorf("connect: no dialer configured")
	}
	a.state = Connecting
	a.gen++
	gen := a.gen
	a.mu.Unlock()

	a.publishState(Connecting, "")

	t, err := a.dialer.Dial(ctx)
	if err != nil {
		a.logger.Error("voice connect failed", zap.Error(err))
		a.mu.Lock()
		current := a.gen == gen && a.state == Connecting
		if current {
			a.state = Disconnected
		}
		a.mu.Unlock()
		if current {
			a.publishState(Disconnected, "connect failed")
			a.pub.Publish(events.New(events.Alert, map[string]any{"message": userAlert}))
			a.notifyDisconnected(err)
		}
		return fmt.Errorf("connect: %w", err)
	}

	a.mu.Lock()
	if a.gen != gen || a.state != Connecting {
		a.mu.Unlock()
		_ = t.Close()
		return ErrConnectAborted
	}
	conn := scheduler.New(a.logger)
	a.state = Connected
	a.transport = t
	a.conn = conn
	a.turn = turnState{}
	a.pendingDisconnect = false
	agent := a.active
	a.mu.Unlock()

	a.logger.Info("voice session connected", zap.String("agent", agent.ID))
	a.publishState(Connected, "")

	go a.readLoop(t, gen, conn)

	if err := a.configure(t, agent); err != nil {
		a.logger.Error("failed to configure agent", zap.String("agent", agent.ID), zap.Error(err))
	}
	a.pub.Publish(events.New(events.AgentInitialized, map[string]any{
		"agentName": agent.Name,
		"agentId":   agent.ID,
	}))

	if !a.opts.SuppressGreeting {
		conn.After("greeting", a.opts.GreetingDelay, func() {
			if err := a.send(realtime.NewResponseCreate()); err != nil {
				a.logger.Debug("greeting not sent", zap.Error(err))
			}
		})
	}
	return nil
}

// Disconnect closes the transport. It is safe to call in any state.
func (a *Adapter) Disconnect() {
	a.mu.Lock()
	gen := a.gen
	a.mu.Unlock()
	a.teardown(gen, nil, "requested")
}

// teardown moves generation gen to Disconnected. Stale generations are
// ignored so a finished read loop cannot close a newer connection.
func (a *Adapter) teardown(gen uint64, cause error, reason string) {
	a.mu.Lock()
	if a.gen != gen || a.state == Disconnected {
		a.mu.Unlock()
		return
	}
	a.state = Disconnected
	t := a.transport
	a.transport = nil
	a.pendingDisconnect = false
	conn := a.conn
	a.conn, a.disconnectTimer = nil, nil
	agent := a.active
	a.mu.Unlock()

	if conn != nil {
		if n := conn.Close(); n > 0 {
			a.logger.Debug("cancelled connection actions", zap.Int("count", n))
		}
	}
	if t != nil {
		_ = t.Close()
	}

	fields := []zap.Field{zap.String("reason", reason)}
	if agent != nil {
		fields = append(fields, zap.String("agent", agent.ID))
	}
	if cause != nil {
		a.logger.Error("voice session lost", append(fields, zap.Error(cause))...)
	} else {
		a.logger.Info("voice session disconnected", fields...)
	}

	a.publishState(Disconnected, reason)
	if cause != nil {
		a.pub.Publish(events.New(events.Alert, map[string]any{"message": userAlert}))
	}
	a.notifyDisconnected(cause)
}

func (a *Adapter) notifyDisconnected(err error) {
	if a.opts.OnDisconnected != nil {
		a.opts.OnDisconnected(err)
	}
}

func (a *Adapter) readLoop(t realtime.Transport, gen uint64, conn *scheduler.Scheduler) {
	ctx := scheduler.NewContext(context.Background(), conn)
	for msg := range t.Messages() {
		a.handleMessage(ctx, msg)
	}
	err := t.Err()
	reason := "transport closed"
	if err != nil {
		reason = "transport error"
	}
	a.teardown(gen, err, reason)
}

// SwitchAgent makes id the active agent and reconfigures the transport if
// connected.
func (a *Adapter) SwitchAgent(id string) error {
	target := a.graph.Agent(id)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	a.switchTo(target, "switch")
	return nil
}

// RequestSwitch switches agents like SwitchAgent, except that a request made
// by a tool call running inside the current response is held until the
// response is done.
func (a *Adapter) RequestSwitch(ctx context.Context, id string) error {
	var owner *Adapter
	if ctx != nil {
		owner, _ = ctx.Value(turnKey{}).(*Adapter)
	}
	if owner != a {
		return a.SwitchAgent(id)
	}
	target := a.graph.Agent(id)
	if target == nil {
		return fmt.Errorf("%w: %s", ErrUnknownAgent, id)
	}
	a.mu.Lock()
	a.turn.switchTo = target
	a.mu.Unlock()
	a.logger.Debug("agent switch deferred to end of response", zap.String("to", id))
	return nil
}

func (a *Adapter) switchTo(target *runtime.Agent, reason string) {
	a.mu.Lock()
	from := a.active
	if from == target {
		a.mu.Unlock()
		return
	}
	a.active = target
	t := a.transport
	a.mu.Unlock()

	fromID := ""
	if from != nil {
		fromID = from.ID
	}
	a.logger.Info("agent handoff", zap.String("from", fromID), zap.String("to", target.ID), zap.String("reason", reason))

	if t != nil {
		if err := a.configure(t, target); err != nil {
			a.logger.Error("failed to configure agent", zap.String("agent", target.ID), zap.Error(err))
		}
	}
	a.pub.Publish(events.New(events.AgentHandoff, map[string]any{
		"from":   fromID,
		"to":     target.ID,
		"reason": reason,
	}))
	if t != nil {
		if err := a.send(realtime.NewResponseCreate()); err != nil {
			a.logger.Debug("handoff response not sent", zap.Error(err))
		}
	}
}

// SendText sends a typed user message and asks for a response.
func (a *Adapter) SendText(text string) error {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	a.mu.Lock()
	if a.state != Connected {
		a.mu.Unlock()
		return ErrNotConnected
	}
	a.turn.user = text
	agent := a.active
	a.mu.Unlock()

	if err := a.send(realtime.NewUserText(text)); err != nil {
		return err
	}
	a.publishTranscript("user", text, agent)
	return a.send(realtime.NewResponseCreate())
}

// MarkComplete records that the conversation has ended. The session hangs
// up once the assistant's audio has finished playing.
func (a *Adapter) MarkComplete(agentID, message string) {
	a.mu.Lock()
	if a.state != Connected || a.pendingDisconnect {
		a.mu.Unlock()
		return
	}
	a.pendingDisconnect = true
	a.mu.Unlock()

	a.logger.Info("conversation complete, waiting for audio", zap.String("agent", agentID))
	a.pub.Publish(events.New(events.ConversationComplete, map[string]any{
		"agent":   agentID,
		"message": message,
	}))
}

// AudioPlaybackComplete is the signal that the assistant's audio actually
// finished playing. A pending disconnect happens DisconnectBuffer later.
func (a *Adapter) AudioPlaybackComplete() {
	a.mu.Lock()
	defer a.mu.Unlock()
	if !a.pendingDisconnect || a.state != Connected || a.disconnectTimer != nil || a.conn == nil {
		return
	}
	gen := a.gen
	a.disconnectTimer = a.conn.After("pending-disconnect", a.opts.DisconnectBuffer, func() {
		a.teardown(gen, nil, "conversation complete")
	})
}

func (a *Adapter) configure(t realtime.Transport, agent *runtime.Agent) error {
	tools := make([]realtime.ToolDef, 0, len(agent.Tools))
	for _, tool := range agent.Tools {
		tools = append(tools, realtime.ToolDef{
			Type:        "function",
			Name:        tool.Name,
			Description: tool.Description,
			Parameters:  tool.Parameters,
		})
	}
	voice := agent.Voice
	if voice == "" {
		voice = a.opts.Voice
	}
	return t.Send(realtime.NewSessionUpdate(realtime.SessionConfig{
		Instructions:            agent.Instructions,
		Voice:                   voice,
		Modalities:              []string{"audio", "text"},
		Tools:                   tools,
		ToolChoice:              "auto",
		InputAudioTranscription: &realtime.Transcription{Model: DefaultTranscriptionModel},
	}))
}

func (a *Adapter) send(v any) error {
	a.mu.Lock()
	t := a.transport
	a.mu.Unlock()
	if t == nil {
		return ErrNotConnected
	}
	return t.Send(v)
}

func (a *Adapter) publishState(s State, reason string) {
	payload := map[string]any{"state": s.String()}
	if reason != "" {
		payload["reason"] = reason
	}
	a.pub.Publish(events.New(events.ConnectionState, payload))
}

func (a *Adapter) publishTranscript(role, text string, agent *runtime.Agent) {
	payload := map[string]any{"role": role, "text": text}
	if agent != nil {
		payload["agent"] = agent.ID
	}
	a.pub.Publish(events.New(events.Transcript, payload))
}

func toolError(err error) string {
	data, _ := json.Marshal(map[string]string{"error": err.Error()})
	return string(data)
}
