package screen

import (
	"testing"
	"time"

	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/state"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"go.uber.org/zap/zaptest/observer"
)

func testScreens() []*models.Screen {
	return []*models.Screen{
		{
			ID:    "welcome",
			Title: "Hi {{name}}",
			Events: []*models.ScreenEvent{
				{ID: "navigate_to_goals", Type: models.EventCustom, Action: []*models.Action{
					{Type: models.ActionStateUpdate, Key: "visited_welcome", Value: true},
					{Type: models.ActionNavigation, Deeplink: "screen://goals"},
				}},
			},
			Sections: []*models.Section{{
				ID:       "body",
				Position: models.PositionBody,
				Elements: []*models.ElementConfig{
					{Type: "text", State: map[string]any{"id": "substance_question", "text": "What brings you here?"}},
					{
						Type:  "card",
						State: map[string]any{"id": "substance_card", "text": "You chose {{substance}}"},
						Conditions: []*models.ConditionRule{
							{Key: "substance", Operator: models.OpExists},
						},
						Events: []*models.ScreenEvent{
							{ID: "card_selected", Type: models.EventOnSelected, Action: []*models.Action{
								{Type: models.ActionStateUpdate, Updates: map[string]any{"picked": "{{substance}}"}},
							}},
						},
					},
				},
			}},
		},
		{
			ID: "goals",
			Events: []*models.ScreenEvent{
				{Type: models.EventOnLoad, Action: []*models.Action{
					{Type: models.ActionStateUpdate, Key: "goals_loaded", Value: true},
				}},
			},
		},
		{ID: "feedback", HidesBackButton: true},
	}
}

func newEngine(t *testing.T, opts Options) (*Engine, *state.Store, *events.Recorder) {
	t.Helper()
	store := state.New()
	rec := &events.Recorder{}
	bus := events.NewBus()
	bus.Subscribe(rec.Handle)
	opts.Publisher = bus
	e := New(store, opts)
	require.True(t, e.SetScreens(testScreens(), ""))
	return e, store, rec
}

func TestSetScreensSeedsStack(t *testing.T) {
	e, _, rec := newEngine(t, Options{})
	require.Equal(t, []string{"welcome"}, e.Stack())
	require.Len(t, rec.OfType(events.ScreenChanged), 1)

	require.False(t, e.SetScreens(nil, ""), "agent without screens keeps current set")
	require.Equal(t, "welcome", e.CurrentID())

	require.True(t, e.SetScreens(testScreens(), "feedback"))
	require.Equal(t, []string{"feedback"}, e.Stack())
}

func TestNavigateAndBack(t *testing.T) {
	e, store, _ := newEngine(t, Options{})

	require.True(t, e.Navigate("goals"))
	require.Equal(t, []string{"welcome", "goals"}, e.Stack())
	v, _ := store.Get("goals_loaded")
	require.Equal(t, true, v)

	require.True(t, e.Navigate("goals"), "already on top")
	require.Len(t, e.Stack(), 2)

	require.True(t, e.Back())
	require.Equal(t, "welcome", e.CurrentID())
	require.False(t, e.Back(), "first screen has nothing to go back to")
	require.Equal(t, []string{"welcome"}, e.Stack())
}

func TestNavigateUnknownScreenLogsAndKeepsStack(t *testing.T) {
	core, logs := observer.New(zapcore.InfoLevel)
	e, _, rec := newEngine(t, Options{Logger: zap.New(core)})

	require.False(t, e.Navigate("nowhere"))
	require.Equal(t, []string{"welcome"}, e.Stack())
	require.Equal(t, 1, logs.FilterMessage("navigation target not found").Len())

	failed := rec.OfType(events.NavigationFailed)
	require.Len(t, failed, 1)
	require.Equal(t, "nowhere", failed[0].String("screen"))
}

func TestTriggerEventRunsScreenActions(t *testing.T) {
	e, store, _ := newEngine(t, Options{})

	require.True(t, e.TriggerEvent("navigate_to_goals"))
	require.Equal(t, "goals", e.CurrentID())
	v, _ := store.Get("visited_welcome")
	require.Equal(t, true, v)
}

func TestTriggerEventNavigateFallback(t *testing.T) {
	e, _, _ := newEngine(t, Options{})

	require.True(t, e.TriggerEvent("navigate_to_feedback"))
	require.Equal(t, "feedback", e.CurrentID())

	require.False(t, e.TriggerEvent("navigate_to_missing"))
	require.False(t, e.TriggerEvent("unrelated_event"))
	require.Equal(t, "feedback", e.CurrentID())
}

func TestFireElementEvent(t *testing.T) {
	e, store, _ := newEngine(t, Options{})
	store.Set("substance", "alcohol")

	require.True(t, e.FireElementEvent("substance_card", models.EventOnSelected))
	v, _ := store.Get("picked")
	require.Equal(t, "alcohol", v)

	require.False(t, e.FireElementEvent("substance_card", models.EventOnToggle))
}

func TestRecordInputDeduplicates(t *testing.T) {
	e, store, rec := newEngine(t, Options{})

	in := RecordInput{Title: "Substance", Summary: "Alcohol", Timestamp: 1700000000000}
	require.True(t, e.RecordInput(in))
	require.False(t, e.RecordInput(in))

	v, ok := store.Get("substance")
	require.True(t, ok, "store key derived from the _question element")
	require.Equal(t, "Alcohol", v)
	require.Len(t, rec.OfType(events.RecordInput), 1)

	// Without a timestamp the (title, summary) pair is the identity.
	require.True(t, e.RecordInput(RecordInput{Title: "Goal", Summary: "Cut down", StoreKey: "goal"}))
	require.False(t, e.RecordInput(RecordInput{Title: "Goal", Summary: "Cut down", StoreKey: "goal"}))
	require.True(t, e.RecordInput(RecordInput{Title: "Goal", Summary: "Quit", StoreKey: "goal"}))
	require.Len(t, rec.OfType(events.RecordInput), 3)
}

func TestRecordInputSameMillisecond(t *testing.T) {
	e, store, rec := newEngine(t, Options{})

	const ts = 1700000000123
	require.True(t, e.RecordInput(RecordInput{Title: "Substance", Summary: "Alcohol", StoreKey: "substance", Timestamp: ts}))
	require.True(t, e.RecordInput(RecordInput{Title: "Motivation", Summary: "My kids", StoreKey: "motivation", Timestamp: ts}))

	v, _ := store.Get("substance")
	require.Equal(t, "Alcohol", v)
	v, _ = store.Get("motivation")
	require.Equal(t, "My kids", v)
	require.Len(t, rec.OfType(events.RecordInput), 2)
}

func TestNilSectionsAndElementsSkipped(t *testing.T) {
	e, store, _ := newEngine(t, Options{})
	screens := testScreens()
	screens[0].Sections = append([]*models.Section{nil, {ID: "holes", Elements: []*models.ElementConfig{nil}}}, screens[0].Sections...)
	require.True(t, e.SetScreens(screens, "welcome"))
	store.Set("substance", "cannabis")

	require.True(t, e.FireElementEvent("substance_card", models.EventOnSelected))
	v, _ := store.Get("picked")
	require.Equal(t, "cannabis", v)

	require.True(t, e.TriggerEvent("card_selected"))
	require.False(t, e.FireElementEvent("", models.EventOnSelected))

	require.True(t, e.RecordInput(RecordInput{Title: "Substance", Summary: "Cannabis", Timestamp: 5}))
	v, _ = store.Get("substance")
	require.Equal(t, "Cannabis", v)
}

func TestRecordInputStoreKeyFromTitle(t *testing.T) {
	e, store, _ := newEngine(t, Options{})
	require.True(t, e.Navigate("goals"))

	require.True(t, e.RecordInput(RecordInput{Title: "Main Motivation!", Summary: "family"}))
	v, _ := store.Get("main_motivation")
	require.Equal(t, "family", v)
}

func TestSummaryResetDeferredWhileHeld(t *testing.T) {
	e, _, rec := newEngine(t, Options{SummaryHold: 80 * time.Millisecond})

	require.True(t, e.RecordInput(RecordInput{Title: "Substance", Summary: "Alcohol", Timestamp: 1}))
	require.True(t, e.Navigate("goals"))

	s := e.Summary()
	require.NotNil(t, s, "summary survives a screen change inside the hold")
	require.Equal(t, "goals", s.ScreenID)
	require.Empty(t, rec.OfType(events.SummaryCleared))

	require.Eventually(t, func() bool {
		return len(rec.OfType(events.SummaryCleared)) == 1
	}, time.Second, 10*time.Millisecond)
	require.Nil(t, e.Summary())
	cleared := rec.OfType(events.SummaryCleared)
	require.Equal(t, "goals", cleared[0].String("screen"))
}

func TestSummaryClearedImmediatelyAfterHold(t *testing.T) {
	e, _, rec := newEngine(t, Options{SummaryHold: time.Second})
	now := time.Now()
	e.now = func() time.Time { return now }

	require.True(t, e.RecordInput(RecordInput{Title: "Substance", Summary: "Alcohol", Timestamp: 2}))
	now = now.Add(2 * time.Second)
	require.True(t, e.Navigate("goals"))

	require.Nil(t, e.Summary())
	require.Len(t, rec.OfType(events.SummaryCleared), 1)
}

func TestRenderFiltersAndInterpolates(t *testing.T) {
	e, store, _ := newEngine(t, Options{})
	store.Set("name", "Sam")

	v := e.Render()
	require.NotNil(t, v)
	require.Equal(t, "Hi Sam", v.Title)
	require.False(t, v.CanGoBack)
	require.Len(t, v.Sections, 1)
	require.Len(t, v.Sections[0].Elements, 1, "card hidden until substance is set")

	store.Set("substance", "nicotine")
	v = e.Render()
	require.Len(t, v.Sections[0].Elements, 2)
	require.Equal(t, "You chose nicotine", v.Sections[0].Elements[1].State["text"])

	require.True(t, e.Navigate("feedback"))
	v = e.Render()
	require.False(t, v.CanGoBack, "feedback hides its back button")
}

func TestResolveDeeplink(t *testing.T) {
	for in, want := range map[string]string{
		"screen://goals": "goals",
		"/goals":         "goals",
		"goals":          "goals",
		"back":           "back",
	} {
		require.Equal(t, want, resolveDeeplink(in), in)
	}
}
