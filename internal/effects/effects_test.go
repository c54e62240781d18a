package effects

import (
	"context"
	"errors"
	"testing"

	"github.com/mpataki/journey/internal/models"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	state  map[string]any
	events []string
	calls  []map[string]any
}

func (r *recorder) env() Env {
	r.state = map[string]any{}
	return Env{
		SetState: func(k string, v any) { r.state[k] = v },
		Emit:     func(name string, _ map[string]any) { r.events = append(r.events, name) },
		Call: func(_ context.Context, handler string, args map[string]any) (string, error) {
			if handler != "switch_agent" {
				return "", ErrUnknownHandler
			}
			r.calls = append(r.calls, args)
			return "switched", nil
		},
	}
}

func TestApplyStateAndEvent(t *testing.T) {
	r := &recorder{}
	out, err := Apply(context.Background(), []*models.Effect{
		{Type: models.EffectSetState, Key: "substance", Value: "{{substance}}"},
		{Type: models.EffectEmitEvent, Event: "substance_selected", Result: "Recorded {{substance}}"},
	}, map[string]any{"substance": "alcohol"}, r.env())

	require.NoError(t, err)
	require.Equal(t, "Recorded alcohol", out)
	require.Equal(t, "alcohol", r.state["substance"])
	require.Equal(t, []string{"substance_selected"}, r.events)
}

func TestApplyCallHandler(t *testing.T) {
	r := &recorder{}
	out, err := Apply(context.Background(), []*models.Effect{
		{Type: models.EffectCallHandler, Handler: "switch_agent", Payload: map[string]any{"agentId": "{{target}}"}},
	}, map[string]any{"target": "motivation"}, r.env())

	require.NoError(t, err)
	require.Equal(t, "switched", out)
	require.Len(t, r.calls, 1)
	require.Equal(t, "motivation", r.calls[0]["agentId"])
	require.Equal(t, "motivation", r.calls[0]["target"])

	_, err = Apply(context.Background(), []*models.Effect{
		{Type: models.EffectCallHandler, Handler: "rm_rf"},
	}, nil, r.env())
	require.True(t, errors.Is(err, ErrUnknownHandler))
}

func TestApplyRejectsMalformedEffects(t *testing.T) {
	r := &recorder{}
	for name, e := range map[string]*models.Effect{
		"no key":       {Type: models.EffectSetState},
		"no event":     {Type: models.EffectEmitEvent},
		"unknown type": {Type: "exec"},
	} {
		_, err := Apply(context.Background(), []*models.Effect{e}, nil, r.env())
		require.Error(t, err, name)
	}
}

func TestApplyDefaultsToOK(t *testing.T) {
	out, err := Apply(context.Background(), nil, nil, Env{})
	require.NoError(t, err)
	require.Equal(t, "ok", out)
}
