package runtime

import (
	"context"
	"fmt"
	"strings"

	"github.com/mpataki/journey/internal/effects"
	"github.com/mpataki/journey/internal/models"
	"go.uber.org/zap"
)

const (
	TriggerEventTool   = "trigger_event"
	RecordInputTool    = "record_input"
	EndCallTool        = "end_call"
	CompleteTool       = "mark_conversation_complete"
	TransferToolPrefix = "transfer_to_"
)

// Tool is a capability exposed to the voice transport.
type Tool struct {
	Name        string
	Description string
	Parameters  map[string]any
	// Builtin is false only for author-declared tools.
	Builtin bool
	Execute func(ctx context.Context, args map[string]any) (string, error)
}

// IsReserved reports whether name has built-in semantics that author
// definitions cannot override.
func IsReserved(name string) bool {
	switch name {
	case TriggerEventTool, RecordInputTool, EndCallTool, CompleteTool:
		return true
	}
	return strings.HasPrefix(name, TransferToolPrefix)
}

func (r *Runtime) agentTools(j *models.Journey, a *Agent) []*Tool {
	builtin := []*Tool{
		r.triggerEventTool(),
		r.recordInputTool(),
		r.endCallTool(FeedbackScreenID(j, a.Def)),
		r.completeTool(a),
	}
	byName := make(map[string]*Tool, len(builtin))
	for _, t := range builtin {
		byName[t.Name] = t
	}

	var custom []*Tool
	for _, def := range a.Def.Tools {
		if def == nil || def.Name == "" {
			continue
		}
		if t, ok := byName[def.Name]; ok {
			// Authors may reword a control tool, not change what it does.
			if def.Description != "" {
				t.Description = def.Description
			}
			continue
		}
		if IsReserved(def.Name) {
			r.logger.Warn("ignoring author tool with reserved name", zap.String("agent", a.ID), zap.String("tool", def.Name))
			continue
		}
		custom = append(custom, r.customTool(def))
	}
	return append(builtin, custom...)
}

func (r *Runtime) triggerEventTool() *Tool {
	return &Tool{
		Name:        TriggerEventTool,
		Description: "Trigger a screen event, such as navigating to another screen. Navigation events wait a couple of seconds unless a delay is given.",
		Parameters: objectSchema(map[string]any{
			"eventId": prop("string", "Id of the event to trigger, e.g. navigate_to_goals"),
			"delay":   prop("number", "Seconds to wait before the event fires"),
		}, "eventId"),
		Builtin: true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			eventID := stringArg(args, "eventId")
			if eventID == "" {
				return "", fmt.Errorf("eventId is required")
			}
			d := r.EffectiveDelay(eventID, args["delay"])
			r.schedule(ctx, "trigger_event:"+eventID, d, func() { r.triggerEvent(eventID) })
			if d <= 0 {
				return fmt.Sprintf("Event %s triggered immediately.", eventID), nil
			}
			return fmt.Sprintf("Event %s scheduled in %s.", eventID, describeDelay(d)), nil
		},
	}
}

func (r *Runtime) recordInputTool() *Tool {
	return &Tool{
		Name:        RecordInputTool,
		Description: "Record what the user said so it is shown on screen and saved. Optionally trigger the next event afterwards.",
		Parameters: objectSchema(map[string]any{
			"title":       prop("string", "Short label for the answer"),
			"summary":     prop("string", "The user's answer, summarised"),
			"description": prop("string", "Longer detail"),
			"nextEventId": prop("string", "Event to trigger after recording"),
			"delay":       map[string]any{"type": []string{"number", "string"}, "description": "Seconds before nextEventId fires"},
			"storeKey":    prop("string", "Module state key to store the summary under"),
		}, "title", "summary"),
		Builtin: true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			in := RecordInput{
				Title:       stringArg(args, "title"),
				Summary:     stringArg(args, "summary"),
				Description: stringArg(args, "description"),
				StoreKey:    stringArg(args, "storeKey"),
				Timestamp:   r.now().UnixMilli(),
			}
			if in.Title == "" || in.Summary == "" {
				return "", fmt.Errorf("title and summary are required")
			}
			if r.cb.OnRecordInput != nil && !r.Closed() {
				r.cb.OnRecordInput(in)
			}

			result := fmt.Sprintf("Recorded %s: %s.", in.Title, in.Summary)
			next := stringArg(args, "nextEventId")
			if next == "" {
				return result, nil
			}
			d := ParseDelay(args["delay"])
			if d <= 0 {
				d = r.navDelay
			}
			r.schedule(ctx, "record_input:"+next, d, func() { r.triggerEvent(next) })
			return result + fmt.Sprintf(" Event %s scheduled in %s.", next, describeDelay(d)), nil
		},
	}
}

func (r *Runtime) endCallTool(defaultFeedback string) *Tool {
	return &Tool{
		Name:        EndCallTool,
		Description: "End the call. Shows the feedback screen, then disconnects.",
		Parameters: objectSchema(map[string]any{
			"reason":           prop("string", "Why the call is ending"),
			"feedbackScreenId": prop("string", "Feedback screen to show, or \"none\""),
			"delaySeconds":     prop("number", "Seconds to wait before disconnecting"),
		}),
		Builtin: true,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			reason := stringArg(args, "reason")
			feedback := stringArg(args, "feedbackScreenId")
			if feedback == "" {
				feedback = defaultFeedback
			}
			showFeedback := !strings.EqualFold(feedback, NoFeedbackScreen)

			if showFeedback {
				r.triggerEvent(NavigateToPrefix + feedback)
			}

			d := ParseDelay(args["delaySeconds"])
			if d <= 0 && showFeedback {
				d = r.feedbackDelay
			}
			r.schedule(ctx, "end_call", d, func() {
				if r.cb.OnDisconnect != nil {
					r.cb.OnDisconnect(reason)
				}
			})

			if showFeedback {
				return fmt.Sprintf("Ending call. Showing %s; disconnecting in %dms.", feedback, d.Milliseconds()), nil
			}
			return fmt.Sprintf("Ending call; disconnecting in %dms.", d.Milliseconds()), nil
		},
	}
}

func (r *Runtime) completeTool(a *Agent) *Tool {
	return &Tool{
		Name:        CompleteTool,
		Description: "Call once the conversation has reached its natural end and your closing remarks are done.",
		Parameters: objectSchema(map[string]any{
			"message": prop("string", "Closing message"),
		}),
		Builtin: true,
		Execute: func(_ context.Context, args map[string]any) (string, error) {
			if r.cb.OnComplete != nil && !r.Closed() {
				r.cb.OnComplete(a.ID, stringArg(args, "message"))
			}
			return "Conversation marked complete.", nil
		},
	}
}

func (r *Runtime) transferTool(target *Agent) *Tool {
	return &Tool{
		Name:        TransferToolPrefix + target.ID,
		Description: fmt.Sprintf("Hand the conversation to %s.", target.Name),
		Parameters:  objectSchema(map[string]any{}),
		Builtin:     true,
		Execute: func(context.Context, map[string]any) (string, error) {
			return fmt.Sprintf("Transferring to %s.", target.Name), nil
		},
	}
}

func (r *Runtime) customTool(def *models.Tool) *Tool {
	params := def.Parameters
	if params == nil {
		params = objectSchema(map[string]any{})
	}
	return &Tool{
		Name:        def.Name,
		Description: def.Description,
		Parameters:  params,
		Execute: func(ctx context.Context, args map[string]any) (string, error) {
			if r.Closed() {
				return "", ErrClosed
			}
			if len(def.Effects) == 0 {
				if r.cb.OnEmit != nil {
					r.cb.OnEmit(def.Name, args)
				}
				return fmt.Sprintf("%s completed.", def.Name), nil
			}
			return effects.Apply(ctx, def.Effects, args, effects.Env{
				SetState: r.cb.OnStateWrite,
				Emit:     r.cb.OnEmit,
				Call:     r.callHandler,
			})
		},
	}
}

func objectSchema(props map[string]any, required ...string) map[string]any {
	s := map[string]any{"type": "object", "properties": props}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func prop(typ, desc string) map[string]any {
	return map[string]any{"type": typ, "description": desc}
}

func stringArg(args map[string]any, key string) string {
	switch v := args[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}
