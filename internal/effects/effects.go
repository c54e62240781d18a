// Package effects interprets the declarative side effects a journey author
// attaches to a custom tool. Only the closed set in models.EffectType is
// understood; there is no way to run author code.
package effects

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/mpataki/journey/internal/evaluator"
	"github.com/mpataki/journey/internal/models"
)

var ErrUnknownHandler = errors.New("unknown handler")

type Env struct {
	SetState func(key string, value any)
	Emit     func(name string, payload map[string]any)
	Call     func(ctx context.Context, handler string, args map[string]any) (string, error)
}

// Apply runs effects in order with {{param}} tokens resolved from args and
// returns the tool's result: the last non-empty result produced by an
// effect's Result template or a handler, or "ok". Apply stops at the first
// failing effect.
func Apply(ctx context.Context, list []*models.Effect, args map[string]any, env Env) (string, error) {
	var results []string
	for i, e := range list {
		if e == nil {
			continue
		}
		switch e.Type {
		case models.EffectSetState:
			if e.Key == "" {
				return "", fmt.Errorf("effect %d: setState requires a key", i)
			}
			key := evaluator.InterpolateString(e.Key, args)
			if env.SetState != nil {
				env.SetState(key, evaluator.Interpolate(e.Value, args))
			}
		case models.EffectEmitEvent:
			if e.Event == "" {
				return "", fmt.Errorf("effect %d: emitEvent requires an event", i)
			}
			payload := evaluator.InterpolateMap(e.Payload, args)
			if payload == nil {
				payload = args
			}
			if env.Emit != nil {
				env.Emit(evaluator.InterpolateString(e.Event, args), payload)
			}
		case models.EffectCallHandler:
			if env.Call == nil {
				return "", fmt.Errorf("effect %d: %w: %s", i, ErrUnknownHandler, e.Handler)
			}
			out, err := env.Call(ctx, e.Handler, evaluator.InterpolateMap(mergeArgs(e.Payload, args), args))
			if err != nil {
				return "", fmt.Errorf("effect %d: handler %s: %w", i, e.Handler, err)
			}
			if out != "" {
				results = append(results, out)
			}
		default:
			return "", fmt.Errorf("effect %d: unknown type %q", i, e.Type)
		}
		if e.Result != "" {
			results = append(results, evaluator.InterpolateString(e.Result, args))
		}
	}
	if len(results) == 0 {
		return "ok", nil
	}
	return strings.TrimSpace(results[len(results)-1]), nil
}

// mergeArgs overlays the effect's declared payload on the tool arguments.
func mergeArgs(payload, args map[string]any) map[string]any {
	out := make(map[string]any, len(payload)+len(args))
	for k, v := range args {
		out[k] = v
	}
	for k, v := range payload {
		out[k] = v
	}
	return out
}
