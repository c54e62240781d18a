package models

// Journey is a declarative multi-agent conversation and screen flow.
type Journey struct {
	ID              string      `yaml:"id" json:"id"`
	Name            string      `yaml:"name,omitempty" json:"name,omitempty"`
	Description     string      `yaml:"description,omitempty" json:"description,omitempty"`
	SystemPrompt    string      `yaml:"systemPrompt" json:"systemPrompt"`
	Agents          []*Agent    `yaml:"agents" json:"agents"`
	StartingAgentID string      `yaml:"startingAgentId" json:"startingAgentId"`
	Voice           string      `yaml:"voice,omitempty" json:"voice,omitempty"`
	Heuristics      *Heuristics `yaml:"heuristics,omitempty" json:"heuristics,omitempty"`
}

// Agent returns the agent with the given id, or nil.
func (j *Journey) Agent(id string) *Agent {
	for _, a := range j.Agents {
		if a != nil && a.ID == id {
			return a
		}
	}
	return nil
}

type Agent struct {
	ID       string   `yaml:"id" json:"id"`
	Name     string   `yaml:"name" json:"name"`
	Prompt   string   `yaml:"prompt" json:"prompt"`
	Voice    string   `yaml:"voice,omitempty" json:"voice,omitempty"`
	Tools    []*Tool  `yaml:"tools,omitempty" json:"tools,omitempty"`
	Handoffs []string `yaml:"handoffs,omitempty" json:"handoffs,omitempty"`
	// HandoffTriggers maps a tool name to the handoff target it activates.
	HandoffTriggers map[string]string `yaml:"handoffTriggers,omitempty" json:"handoffTriggers,omitempty"`
	Screens         []*Screen         `yaml:"screens,omitempty" json:"screens,omitempty"`
	ScreenPrompts   map[string]string `yaml:"screenPrompts,omitempty" json:"screenPrompts,omitempty"`
}

// DisplayName falls back to the id when no name is set.
func (a *Agent) DisplayName() string {
	if a.Name != "" {
		return a.Name
	}
	return a.ID
}

type Tool struct {
	Name        string         `yaml:"name" json:"name"`
	Description string         `yaml:"description" json:"description"`
	Parameters  map[string]any `yaml:"parameters,omitempty" json:"parameters,omitempty"`
	Effects     []*Effect      `yaml:"effects,omitempty" json:"effects,omitempty"`
}

type EffectType string

const (
	EffectSetState    EffectType = "setState"
	EffectEmitEvent   EffectType = "emitEvent"
	EffectCallHandler EffectType = "callHandler"
)

// Effect is one declarative side effect of an author-defined tool.
type Effect struct {
	Type    EffectType     `yaml:"type" json:"type"`
	Key     string         `yaml:"key,omitempty" json:"key,omitempty"`
	Value   any            `yaml:"value,omitempty" json:"value,omitempty"`
	Event   string         `yaml:"event,omitempty" json:"event,omitempty"`
	Payload map[string]any `yaml:"payload,omitempty" json:"payload,omitempty"`
	Handler string         `yaml:"handler,omitempty" json:"handler,omitempty"`
	Result  string         `yaml:"result,omitempty" json:"result,omitempty"`
}

// Heuristics configures client-side detection for agents whose tools are
// invisible to the transport.
type Heuristics struct {
	ToolRules []*KeywordRule `yaml:"toolRules,omitempty" json:"toolRules,omitempty"`
	Closings  []*ClosingRule `yaml:"closings,omitempty" json:"closings,omitempty"`
}

type KeywordRule struct {
	// Role matches an agent id or name, case-insensitively, as a substring.
	Role      string   `yaml:"role" json:"role"`
	Tool      string   `yaml:"tool" json:"tool"`
	Event     string   `yaml:"event,omitempty" json:"event,omitempty"`
	Keywords  []string `yaml:"keywords,omitempty" json:"keywords,omitempty"`
	MinLength int      `yaml:"minLength,omitempty" json:"minLength,omitempty"`
	ParamKey  string   `yaml:"paramKey,omitempty" json:"paramKey,omitempty"`
	// Capture is "keyword" (default) to pass the matched keyword under
	// ParamKey, or "utterance" to pass the whole utterance.
	Capture string         `yaml:"capture,omitempty" json:"capture,omitempty"`
	Params  map[string]any `yaml:"params,omitempty" json:"params,omitempty"`
}

type ClosingRule struct {
	Role     string   `yaml:"role" json:"role"`
	Required []string `yaml:"required" json:"required"`
	AnyOf    []string `yaml:"anyOf,omitempty" json:"anyOf,omitempty"`
}
