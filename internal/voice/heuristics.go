package voice

import (
	"strings"

	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/runtime"
)

const (
	CaptureKeyword   = "keyword"
	CaptureUtterance = "utterance"
)

// DetectedCall is a tool call inferred on the client from what was said.
type DetectedCall struct {
	Tool   string
	Event  string
	Params map[string]any
}

// Detector infers conversational milestones from text when the backend
// gives no structured signal. The adapter treats it as a fallback only.
type Detector interface {
	// DetectTools inspects the user's last utterance.
	DetectTools(agent *runtime.Agent, utterance string) []DetectedCall
	// DetectClosing inspects the assistant's text for the turn.
	DetectClosing(agent *runtime.Agent, text string) bool
}

// KeywordDetector matches keyword and closing-phrase rules scoped by role.
type KeywordDetector struct {
	rules    []*models.KeywordRule
	closings []*models.ClosingRule
}

// NewKeywordDetector uses h, or DefaultHeuristics when h is nil.
func NewKeywordDetector(h *models.Heuristics) *KeywordDetector {
	if h == nil {
		h = DefaultHeuristics()
	}
	return &KeywordDetector{rules: h.ToolRules, closings: h.Closings}
}

func (d *KeywordDetector) DetectTools(agent *runtime.Agent, utterance string) []DetectedCall {
	text := strings.ToLower(strings.TrimSpace(utterance))
	if agent == nil || text == "" {
		return nil
	}

	var calls []DetectedCall
	for _, rule := range d.rules {
		if rule == nil || !roleMatches(rule.Role, agent) {
			continue
		}
		if rule.MinLength > 0 && len(text) < rule.MinLength {
			continue
		}
		keyword := ""
		if len(rule.Keywords) > 0 {
			keyword = firstContained(text, rule.Keywords)
			if keyword == "" {
				continue
			}
		}

		params := make(map[string]any, len(rule.Params)+1)
		for k, v := range rule.Params {
			params[k] = v
		}
		if rule.ParamKey != "" {
			if rule.Capture == CaptureUtterance || keyword == "" {
				params[rule.ParamKey] = strings.TrimSpace(utterance)
			} else {
				params[rule.ParamKey] = keyword
			}
		}
		calls = append(calls, DetectedCall{Tool: rule.Tool, Event: rule.Event, Params: params})
	}
	return calls
}

// DetectClosing requires every Required phrase and, when AnyOf is set, at
// least one of those as well.
func (d *KeywordDetector) DetectClosing(agent *runtime.Agent, text string) bool {
	lower := strings.ToLower(text)
	if agent == nil || strings.TrimSpace(lower) == "" {
		return false
	}
	for _, rule := range d.closings {
		if rule == nil || !roleMatches(rule.Role, agent) || len(rule.Required) == 0 {
			continue
		}
		ok := true
		for _, phrase := range rule.Required {
			if !strings.Contains(lower, strings.ToLower(phrase)) {
				ok = false
				break
			}
		}
		if ok && len(rule.AnyOf) > 0 && firstContained(lower, rule.AnyOf) == "" {
			ok = false
		}
		if ok {
			return true
		}
	}
	return false
}

func roleMatches(role string, agent *runtime.Agent) bool {
	role = strings.ToLower(strings.TrimSpace(role))
	if role == "" {
		return true
	}
	return strings.Contains(strings.ToLower(agent.ID), role) ||
		strings.Contains(strings.ToLower(agent.Name), role)
}

func firstContained(text string, options []string) string {
	for _, o := range options {
		if o != "" && strings.Contains(text, strings.ToLower(o)) {
			return o
		}
	}
	return ""
}

// DefaultHeuristics covers the recovery check-in flow: a greeter that asks
// which substance to discuss, a motivation agent collecting free text, and
// an assessment agent that wraps up with a fixed closing.
func DefaultHeuristics() *models.Heuristics {
	return &models.Heuristics{
		ToolRules: []*models.KeywordRule{
			{
				Role:  "greeter",
				Tool:  "select_substance",
				Event: "substance_selected",
				Keywords: []string{
					"alcohol", "drinking", "nicotine", "smoking", "vaping", "cannabis",
					"marijuana", "weed", "opioids", "gambling", "caffeine", "sugar",
				},
				ParamKey: "substance",
			},
			{
				Role:      "motivation",
				Tool:      "log_motivation",
				Event:     "motivation_logged",
				MinLength: 20,
				Keywords: []string{
					"because", "want", "family", "health", "money", "kids", "children",
					"feel", "better", "future", "life", "sleep",
				},
				ParamKey: "motivation",
				Capture:  CaptureUtterance,
			},
		},
		Closings: []*models.ClosingRule{
			{
				Role:     "assessment",
				Required: []string{"clear picture", "everything we need"},
				AnyOf:    []string{"take care", "goodbye", "talk soon", "all the best", "best of luck", "thank you for sharing"},
			},
		},
	}
}
