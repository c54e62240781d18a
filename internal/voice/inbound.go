package voice

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/realtime"
	"github.com/mpataki/journey/internal/runtime"
	"github.com/patrickmn/go-cache"
	"go.uber.org/zap"
)

func (a *Adapter) handleMessage(ctx context.Context, data []byte) {
	ev, err := realtime.Decode(data)
	if err != nil {
		a.logger.Warn("ignoring malformed server event", zap.Error(err))
		return
	}

	switch {
	case realtime.IsTranscriptDelta(ev.Type):
		a.mu.Lock()
		a.turn.deltas.WriteString(ev.Delta)
		a.mu.Unlock()

	case realtime.IsTranscriptDone(ev.Type):
		a.flushAssistant(firstNonEmpty(ev.Transcript, ev.Text))

	case ev.Type == realtime.TypeInputAudioTranscriptionDone:
		text := strings.TrimSpace(ev.Transcript)
		if text == "" {
			return
		}
		a.mu.Lock()
		a.turn.user = text
		agent := a.active
		a.mu.Unlock()
		a.publishTranscript("user", text, agent)

	case ev.Type == realtime.TypeFunctionCallArgumentsDone:
		a.handleFunctionCall(ctx, ev.CallID, ev.Name, ev.Arguments)

	case ev.Type == realtime.TypeResponseDone:
		a.handleResponseDone(ctx)

	case ev.Type == realtime.TypeOutputAudioBufferStopped:
		a.AudioPlaybackComplete()

	case ev.Type == realtime.TypeError:
		msg := "unknown error"
		if ev.Error != nil && ev.Error.Message != "" {
			msg = ev.Error.Message
		}
		a.logger.Error("realtime server error", zap.String("message", msg))
		a.pub.Publish(events.New(events.Error, map[string]any{"message": msg}))
	}
}

// flushAssistant publishes the buffered assistant text for the current
// response part. final overrides the buffer when the server sent it.
func (a *Adapter) flushAssistant(final string) {
	a.mu.Lock()
	text := strings.TrimSpace(final)
	if text == "" {
		text = strings.TrimSpace(a.turn.deltas.String())
	}
	a.turn.deltas.Reset()
	if text != "" {
		a.turn.assistant = append(a.turn.assistant, text)
	}
	agent := a.active
	a.mu.Unlock()

	if text != "" {
		a.publishTranscript("assistant", text, agent)
	}
}

// handleFunctionCall runs a transport-native tool call and always answers
// it, with an error payload if the call could not run.
func (a *Adapter) handleFunctionCall(ctx context.Context, callID, name, arguments string) {
	if callID != "" {
		if prev, ok := a.calls.Get(callID); ok {
			a.logger.Debug("repeated tool call, resending result", zap.String("tool", name), zap.String("callId", callID))
			if err := a.send(realtime.NewFunctionOutput(callID, prev.(string))); err != nil {
				a.logger.Debug("tool output not sent", zap.Error(err))
			}
			return
		}
	}

	a.mu.Lock()
	agent := a.active
	a.turn.lastTool = name
	a.turn.native = true
	a.mu.Unlock()

	output, args, err := a.execute(context.WithValue(ctx, turnKey{}, a), agent, name, arguments)
	a.publishToolCall(agent, name, callID, "native", args, output, err)
	if err != nil {
		output = toolError(err)
	}
	if callID != "" {
		a.calls.Set(callID, output, cache.DefaultExpiration)
	}

	if err := a.send(realtime.NewFunctionOutput(callID, output)); err != nil {
		a.logger.Debug("tool output not sent", zap.String("tool", name), zap.Error(err))
		return
	}
	// The handoff reconfigures the session and asks for the next response
	// itself once this response is done.
	a.mu.Lock()
	switching := a.turn.switchTo != nil
	a.mu.Unlock()
	if switching || strings.HasPrefix(name, runtime.TransferToolPrefix) {
		return
	}
	if err := a.send(realtime.NewResponseCreate()); err != nil {
		a.logger.Debug("continue response not sent", zap.Error(err))
	}
}

func (a *Adapter) execute(ctx context.Context, agent *runtime.Agent, name, arguments string) (string, map[string]any, error) {
	if agent == nil {
		return "", nil, fmt.Errorf("no active agent")
	}
	tool := agent.Tool(name)
	if tool == nil {
		a.logger.Warn("unknown tool called", zap.String("agent", agent.ID), zap.String("tool", name))
		return "", nil, fmt.Errorf("unknown tool %q", name)
	}

	args := map[string]any{}
	if strings.TrimSpace(arguments) != "" {
		if err := json.Unmarshal([]byte(arguments), &args); err != nil {
			a.logger.Warn("invalid tool arguments", zap.String("tool", name), zap.Error(err))
			return "", nil, fmt.Errorf("invalid arguments: %w", err)
		}
	}

	out, err := a.run(ctx, tool, args)
	if err != nil {
		a.logger.Warn("tool failed", zap.String("tool", name), zap.Error(err))
		return "", args, err
	}
	return out, args, nil
}

// run isolates a tool invocation so a panicking tool fails only its call.
func (a *Adapter) run(ctx context.Context, tool *runtime.Tool, args map[string]any) (out string, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("tool %s panicked: %v", tool.Name, r)
		}
	}()
	return tool.Execute(ctx, args)
}

// handleResponseDone closes the turn: heuristic tool detection when no
// native tool ran, then handoff and completion checks. A switch requested
// by a tool during the turn takes precedence over the handoff table.
func (a *Adapter) handleResponseDone(ctx context.Context) {
	a.flushPendingDeltas()

	a.mu.Lock()
	agent := a.active
	user, assistant := a.turn.user, a.turn.assistant
	lastTool, native := a.turn.lastTool, a.turn.native
	requested := a.turn.switchTo
	a.turn = turnState{}
	a.mu.Unlock()

	if agent == nil {
		return
	}

	if !native && a.detector != nil {
		for _, call := range a.detector.DetectTools(agent, user) {
			a.runDetected(ctx, agent, call)
			lastTool = call.Tool
		}
	}

	if lastTool != "" {
		a.pub.Publish(events.New(events.HandoffAttempt, map[string]any{
			"currentAgent": agent.ID,
			"lastTool":     lastTool,
		}))
	}
	switch {
	case requested != nil:
		a.switchTo(requested, "switch")
	case lastTool != "":
		if target := agent.HandoffFor(lastTool); target != nil {
			a.switchTo(target, "handoff")
		}
	}

	if len(assistant) > 0 && a.detector != nil && a.detector.DetectClosing(agent, strings.Join(assistant, " ")) {
		a.MarkComplete(agent.ID, assistant[len(assistant)-1])
	}
}

func (a *Adapter) flushPendingDeltas() {
	a.mu.Lock()
	pending := a.turn.deltas.Len() > 0
	a.mu.Unlock()
	if pending {
		a.flushAssistant("")
	}
}

// runDetected executes a heuristic call locally. Tools the agent declares
// run normally; otherwise the rule's event is emitted with the params.
func (a *Adapter) runDetected(ctx context.Context, agent *runtime.Agent, call DetectedCall) {
	if tool := agent.Tool(call.Tool); tool != nil {
		out, err := a.run(ctx, tool, call.Params)
		if err != nil {
			a.logger.Warn("detected tool failed", zap.String("tool", call.Tool), zap.Error(err))
		}
		a.publishToolCall(agent, call.Tool, "", "heuristic", call.Params, out, err)
		return
	}
	a.publishToolCall(agent, call.Tool, "", "heuristic", call.Params, "", nil)
	if call.Event != "" {
		a.pub.Publish(events.New(events.Type(call.Event), call.Params))
	}
}

func (a *Adapter) publishToolCall(agent *runtime.Agent, name, callID, source string, args map[string]any, output string, err error) {
	payload := map[string]any{
		"tool":   name,
		"source": source,
		"args":   args,
	}
	if agent != nil {
		payload["agent"] = agent.ID
	}
	if callID != "" {
		payload["callId"] = callID
	}
	if err != nil {
		payload["error"] = err.Error()
	} else {
		payload["result"] = output
	}
	a.pub.Publish(events.New(events.ToolCall, payload))
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
