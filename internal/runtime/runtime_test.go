package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/mpataki/journey/internal/models"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func twoAgentJourney() *models.Journey {
	return &models.Journey{
		ID:              "pair",
		SystemPrompt:    "Be kind.",
		StartingAgentID: "g",
		Agents: []*models.Agent{
			{
				ID:       "g",
				Name:     "Greeter",
				Prompt:   "Say hello.",
				Handoffs: []string{"m", "ghost", "g"},
				HandoffTriggers: map[string]string{
					"select_substance": "m",
					"orphan":           "ghost",
				},
				Tools: []*models.Tool{
					{Name: "select_substance", Effects: []*models.Effect{
						{Type: models.EffectSetState, Key: "substance", Value: "{{substance}}"},
					}},
					{Name: "end_call", Description: "Say goodbye first."},
					{Name: "transfer_to_x"},
				},
				Screens: []*models.Screen{{ID: "welcome"}, {ID: "exit_feedback"}},
				ScreenPrompts: map[string]string{
					"welcome": "Ask about substances.",
					"other":   "Unused screen.",
				},
			},
			{ID: "m", Name: "Motivation", Prompt: "Ask why.", Handoffs: []string{"g"}},
		},
	}
}

type calls struct {
	mu          sync.Mutex
	triggers    []string
	inputs      []RecordInput
	disconnects []string
	completes   []string
	state       map[string]any
}

func (c *calls) callbacks() Callbacks {
	c.state = map[string]any{}
	return Callbacks{
		OnTriggerEvent: func(id string) { c.mu.Lock(); c.triggers = append(c.triggers, id); c.mu.Unlock() },
		OnRecordInput:  func(in RecordInput) { c.mu.Lock(); c.inputs = append(c.inputs, in); c.mu.Unlock() },
		OnDisconnect:   func(reason string) { c.mu.Lock(); c.disconnects = append(c.disconnects, reason); c.mu.Unlock() },
		OnComplete:     func(agent, _ string) { c.mu.Lock(); c.completes = append(c.completes, agent); c.mu.Unlock() },
		OnStateWrite:   func(k string, v any) { c.mu.Lock(); c.state[k] = v; c.mu.Unlock() },
	}
}

func (c *calls) triggered() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.triggers...)
}

func TestCompileResolvesHandoffsByIdentity(t *testing.T) {
	r := New(Options{})
	g := r.Compile(twoAgentJourney())

	greeter, motivation := g.Agent("g"), g.Agent("m")
	require.NotNil(t, greeter)
	require.NotNil(t, motivation)
	require.Same(t, greeter, g.StartingAgent)

	require.Len(t, greeter.Handoffs, 1, "dangling and self handoffs are dropped")
	require.Same(t, motivation, greeter.Handoffs[0])
	require.Len(t, motivation.Handoffs, 1)
	require.Same(t, greeter, motivation.Handoffs[0])

	require.Same(t, motivation, greeter.HandoffFor("transfer_to_m"))
	require.Same(t, motivation, greeter.HandoffFor("select_substance"))
	require.Nil(t, greeter.HandoffFor("orphan"))
	require.Nil(t, greeter.HandoffFor(""))
	require.True(t, greeter.CanHandoffTo("m"))
	require.False(t, greeter.CanHandoffTo("ghost"))
}

func TestCompileTools(t *testing.T) {
	g := New(Options{}).Compile(twoAgentJourney())
	greeter := g.Agent("g")

	var names []string
	for _, tool := range greeter.Tools {
		names = append(names, tool.Name)
	}
	require.Equal(t, []string{
		TriggerEventTool, RecordInputTool, EndCallTool, CompleteTool, "select_substance", "transfer_to_m",
	}, names)

	end := greeter.Tool(EndCallTool)
	require.True(t, end.Builtin)
	require.Equal(t, "Say goodbye first.", end.Description)
	require.False(t, greeter.Tool("select_substance").Builtin)
	require.Nil(t, greeter.Tool("transfer_to_x"), "author tools cannot take reserved names")
}

func TestCompileInstructions(t *testing.T) {
	g := New(Options{}).Compile(twoAgentJourney())
	require.Equal(t,
		"Be kind.\n\nSay hello.\n\nScreen guidance:\nScreen \"welcome\": Ask about substances.\nScreen \"other\": Unused screen.",
		g.Agent("g").Instructions)
	require.Equal(t, "Be kind.\n\nAsk why.", g.Agent("m").Instructions)
}

func TestCompileStartingAgent(t *testing.T) {
	core, logs := observer.New(zapcore.ErrorLevel)
	r := New(Options{Logger: zap.New(core)})

	j := twoAgentJourney()
	j.StartingAgentID = "nobody"
	g := r.Compile(j)
	require.Nil(t, g.StartingAgent)
	_, err := g.Start()
	require.ErrorIs(t, err, ErrNoStartingAgent)
	require.Equal(t, 1, logs.FilterMessage("starting agent not found").Len())

	j.StartingAgentID = "m"
	g = r.Compile(j)
	require.Same(t, g.Agent("m"), g.StartingAgent)
}

func TestParseDelay(t *testing.T) {
	for _, tc := range []struct {
		in   any
		want time.Duration
	}{
		{nil, 0},
		{3, 3 * time.Second},
		{1.5, 1500 * time.Millisecond},
		{"2", 2 * time.Second},
		{" 0.25 ", 250 * time.Millisecond},
		{"soon", 0},
		{-4, 0},
		{true, 0},
	} {
		require.Equal(t, tc.want, ParseDelay(tc.in), "%v", tc.in)
	}
}

func TestEffectiveDelay(t *testing.T) {
	r := New(Options{})
	require.Equal(t, DefaultNavigationDelay, r.EffectiveDelay("navigate_to_goals", nil))
	require.Equal(t, DefaultNavigationDelay, r.EffectiveDelay("navigate_back", "abc"))
	require.Equal(t, 3*time.Second, r.EffectiveDelay("navigate_to_goals", 3))
	require.Equal(t, 500*time.Millisecond, r.EffectiveDelay("navigate_to_goals", "0.5"))
	require.Equal(t, time.Duration(0), r.EffectiveDelay("show_card", nil))
	require.Equal(t, 4*time.Second, r.EffectiveDelay("show_card", 4))
}

func TestTriggerEventTool(t *testing.T) {
	c := &calls{}
	r := New(Options{Callbacks: c.callbacks(), NavigationDelay: 30 * time.Millisecond})
	defer r.Close()
	tool := r.Compile(twoAgentJourney()).Agent("g").Tool(TriggerEventTool)

	out, err := tool.Execute(context.Background(), map[string]any{"eventId": "show_card"})
	require.NoError(t, err)
	require.Contains(t, out, "immediately")
	require.Equal(t, []string{"show_card"}, c.triggered())

	out, err = tool.Execute(context.Background(), map[string]any{"eventId": "navigate_to_goals"})
	require.NoError(t, err)
	require.Contains(t, out, "scheduled in 0.03s")
	require.Len(t, c.triggered(), 1, "navigation waits for the default delay")
	require.Eventually(t, func() bool { return len(c.triggered()) == 2 }, time.Second, 5*time.Millisecond)

	_, err = tool.Execute(context.Background(), map[string]any{})
	require.Error(t, err)
}

func TestRecordInputTool(t *testing.T) {
	c := &calls{}
	r := New(Options{Callbacks: c.callbacks(), NavigationDelay: 20 * time.Millisecond})
	defer r.Close()
	tool := r.Compile(twoAgentJourney()).Agent("g").Tool(RecordInputTool)

	out, err := tool.Execute(context.Background(), map[string]any{
		"title":       "Substance",
		"summary":     "Alcohol",
		"storeKey":    "substance",
		"nextEventId": "show_goals",
	})
	require.NoError(t, err)
	require.Contains(t, out, "Recorded Substance: Alcohol.")
	require.Len(t, c.inputs, 1)
	require.Equal(t, "substance", c.inputs[0].StoreKey)
	require.NotZero(t, c.inputs[0].Timestamp)
	require.Empty(t, c.triggered(), "next event defaults to the navigation delay")
	require.Eventually(t, func() bool { return len(c.triggered()) == 1 }, time.Second, 5*time.Millisecond)

	_, err = tool.Execute(context.Background(), map[string]any{"title": "x"})
	require.Error(t, err)
}

func TestEndCallDefaults(t *testing.T) {
	c := &calls{}
	r := New(Options{Callbacks: c.callbacks()})
	defer r.Close()

	j := twoAgentJourney()
	j.Agents[0].Screens = nil
	g := r.Compile(j)

	out, err := g.Agent("m").Tool(EndCallTool).Execute(context.Background(), map[string]any{})
	require.NoError(t, err)
	require.Contains(t, out, "disconnecting in 5000ms")
	require.Equal(t, []string{"navigate_to_feedback"}, c.triggered())
	require.Empty(t, c.disconnects)
	require.Equal(t, 1, r.Scheduler().Pending())
}

func TestEndCallWithoutFeedback(t *testing.T) {
	c := &calls{}
	r := New(Options{Callbacks: c.callbacks()})
	defer r.Close()
	g := r.Compile(twoAgentJourney())

	out, err := g.Agent("g").Tool(EndCallTool).Execute(context.Background(), map[string]any{
		"feedbackScreenId": "none",
		"reason":           "done",
	})
	require.NoError(t, err)
	require.Contains(t, out, "disconnecting in 0ms")
	require.Empty(t, c.triggered())
	require.Equal(t, []string{"done"}, c.disconnects)
}

func TestEndCallFindsFeedbackScreen(t *testing.T) {
	j := twoAgentJourney()
	require.Equal(t, "exit_feedback", FeedbackScreenID(j, j.Agents[0]))
	require.Equal(t, "exit_feedback", FeedbackScreenID(j, j.Agents[1]), "falls back to any agent")
	require.Equal(t, DefaultFeedbackScreen, FeedbackScreenID(&models.Journey{}, nil))
}

func TestCloseSilencesDelayedActions(t *testing.T) {
	c := &calls{}
	r := New(Options{Callbacks: c.callbacks(), NavigationDelay: 20 * time.Millisecond})
	tool := r.Compile(twoAgentJourney()).Agent("g").Tool(TriggerEventTool)

	_, err := tool.Execute(context.Background(), map[string]any{"eventId": "navigate_to_goals"})
	require.NoError(t, err)
	require.Equal(t, 1, r.Close())

	time.Sleep(50 * time.Millisecond)
	require.Empty(t, c.triggered())
}

func TestCustomToolEffects(t *testing.T) {
	c := &calls{}
	r := New(Options{Callbacks: c.callbacks()})
	tool := r.Compile(twoAgentJourney()).Agent("g").Tool("select_substance")

	out, err := tool.Execute(context.Background(), map[string]any{"substance": "nicotine"})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
	require.Equal(t, "nicotine", c.state["substance"])

	r.Close()
	_, err = tool.Execute(context.Background(), map[string]any{"substance": "x"})
	require.ErrorIs(t, err, ErrClosed)
}

func TestCompleteTool(t *testing.T) {
	c := &calls{}
	r := New(Options{Callbacks: c.callbacks()})
	_, err := r.Compile(twoAgentJourney()).Agent("m").Tool(CompleteTool).Execute(context.Background(), nil)
	require.NoError(t, err)
	require.Equal(t, []string{"m"}, c.completes)
}
