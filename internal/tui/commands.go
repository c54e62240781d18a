package tui

import (
	"fmt"
	"strings"

	"github.com/mpataki/journey/internal/dispatch"
	"github.com/mpataki/journey/internal/models"
)

const consoleHelp = "/nav <screen>  /back  /event <id>  /tap <element> [event]  /set <key> <value>  " +
	"/record <title> | <summary>  /agent <id>  /journey <id>  /voice  /played"

// parseInput turns a console line into a signal. Plain text is a typed
// utterance; a leading slash selects a command.
func parseInput(line string) (dispatch.Signal, error) {
	line = strings.TrimSpace(line)
	if line == "" {
		return dispatch.Signal{}, fmt.Errorf("nothing to send")
	}
	if !strings.HasPrefix(line, "/") {
		return dispatch.Signal{Type: dispatch.SignalText, Params: map[string]any{"text": line}}, nil
	}

	fields := strings.Fields(line[1:])
	if len(fields) == 0 {
		return dispatch.Signal{}, fmt.Errorf("empty command")
	}
	cmd, args := fields[0], fields[1:]
	arg := func(usage string) (string, error) {
		if len(args) == 0 {
			return "", fmt.Errorf("usage: /%s %s", cmd, usage)
		}
		return args[0], nil
	}

	switch cmd {
	case "nav":
		id, err := arg("<screen>")
		if err != nil {
			return dispatch.Signal{}, err
		}
		return dispatch.Signal{Type: dispatch.SignalNavigate, Params: map[string]any{"screenId": id}}, nil
	case "back":
		return dispatch.Signal{Type: dispatch.SignalBack}, nil
	case "event":
		id, err := arg("<id>")
		if err != nil {
			return dispatch.Signal{}, err
		}
		return dispatch.Signal{Type: dispatch.SignalTriggerEvent, Params: map[string]any{"eventId": id}}, nil
	case "tap":
		id, err := arg("<element> [event]")
		if err != nil {
			return dispatch.Signal{}, err
		}
		event := string(models.EventOnSelected)
		if len(args) > 1 {
			event = args[1]
		}
		return dispatch.Signal{Type: dispatch.SignalElementEvent, Params: map[string]any{"elementId": id, "event": event}}, nil
	case "set":
		if len(args) < 2 {
			return dispatch.Signal{}, fmt.Errorf("usage: /set <key> <value>")
		}
		return dispatch.Signal{Type: dispatch.SignalSetState, Params: map[string]any{
			"key":   args[0],
			"value": strings.Join(args[1:], " "),
		}}, nil
	case "record":
		rest := strings.TrimSpace(strings.TrimPrefix(line, "/record"))
		title, summary, ok := strings.Cut(rest, "|")
		if !ok || strings.TrimSpace(title) == "" {
			return dispatch.Signal{}, fmt.Errorf("usage: /record <title> | <summary>")
		}
		return dispatch.Signal{Type: dispatch.SignalRecordInput, Params: map[string]any{
			"title":   strings.TrimSpace(title),
			"summary": strings.TrimSpace(summary),
		}}, nil
	case "agent":
		id, err := arg("<id>")
		if err != nil {
			return dispatch.Signal{}, err
		}
		return dispatch.Signal{Type: dispatch.SignalSwitchAgent, Params: map[string]any{"agentId": id}}, nil
	case "journey":
		id, err := arg("<id>")
		if err != nil {
			return dispatch.Signal{}, err
		}
		return dispatch.Signal{Type: dispatch.SignalSwitchJourney, Params: map[string]any{"journeyId": id}}, nil
	case "voice":
		return dispatch.Signal{Type: dispatch.SignalEnableVoice}, nil
	case "played":
		return dispatch.Signal{Type: dispatch.SignalAudioComplete}, nil
	}
	return dispatch.Signal{}, fmt.Errorf("unknown command /%s", cmd)
}
