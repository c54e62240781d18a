package models

type Screen struct {
	ID              string         `yaml:"id" json:"id"`
	Title           string         `yaml:"title" json:"title"`
	Sections        []*Section     `yaml:"sections,omitempty" json:"sections,omitempty"`
	Events          []*ScreenEvent `yaml:"events,omitempty" json:"events,omitempty"`
	HidesBackButton bool           `yaml:"hidesBackButton,omitempty" json:"hidesBackButton,omitempty"`
}

type SectionPosition string

const (
	PositionFixedTop    SectionPosition = "fixed-top"
	PositionBody        SectionPosition = "body"
	PositionFixedBottom SectionPosition = "fixed-bottom"
)

type Section struct {
	ID         string           `yaml:"id" json:"id"`
	Position   SectionPosition  `yaml:"position" json:"position"`
	Layout     string           `yaml:"layout,omitempty" json:"layout,omitempty"`
	Direction  string           `yaml:"direction,omitempty" json:"direction,omitempty"`
	Scrollable bool             `yaml:"scrollable,omitempty" json:"scrollable,omitempty"`
	Elements   []*ElementConfig `yaml:"elements,omitempty" json:"elements,omitempty"`
}

type ElementConfig struct {
	Type       string           `yaml:"type" json:"type"`
	State      map[string]any   `yaml:"state,omitempty" json:"state,omitempty"`
	Style      map[string]any   `yaml:"style,omitempty" json:"style,omitempty"`
	Events     []*ScreenEvent   `yaml:"events,omitempty" json:"events,omitempty"`
	Conditions []*ConditionRule `yaml:"conditions,omitempty" json:"conditions,omitempty"`
}

// ID returns state.id, the element's addressable identity within a screen.
func (e *ElementConfig) ID() string {
	if e == nil || e.State == nil {
		return ""
	}
	id, _ := e.State["id"].(string)
	return id
}

type EventType string

const (
	EventOnStart     EventType = "onStart"
	EventOnLoad      EventType = "onLoad"
	EventOnSelected  EventType = "onSelected"
	EventOnToggle    EventType = "onToggle"
	EventOnToggleOn  EventType = "onToggleOn"
	EventOnToggleOff EventType = "onToggleOff"
	EventCustom      EventType = "custom"
)

type ScreenEvent struct {
	ID     string    `yaml:"id" json:"id"`
	Type   EventType `yaml:"type" json:"type"`
	Action []*Action `yaml:"action,omitempty" json:"action,omitempty"`
}

type ActionType string

const (
	ActionNavigation  ActionType = "navigation"
	ActionStateUpdate ActionType = "stateUpdate"
)

type Action struct {
	Type     ActionType     `yaml:"type" json:"type"`
	Deeplink string         `yaml:"deeplink,omitempty" json:"deeplink,omitempty"`
	Key      string         `yaml:"key,omitempty" json:"key,omitempty"`
	Value    any            `yaml:"value,omitempty" json:"value,omitempty"`
	Updates  map[string]any `yaml:"updates,omitempty" json:"updates,omitempty"`
}

type Operator string

const (
	OpEquals    Operator = "equals"
	OpNotEquals Operator = "notEquals"
	OpExists    Operator = "exists"
	OpNotExists Operator = "notExists"
	OpTruthy    Operator = "truthy"
	OpFalsy     Operator = "falsy"
	OpContains  Operator = "contains"
	OpIn        Operator = "in"
	OpGreater   Operator = "gt"
	OpGreaterEq Operator = "gte"
	OpLess      Operator = "lt"
	OpLessEq    Operator = "lte"
)

// ConditionRule is a node in a boolean rule tree. A leaf compares Key against
// Value with Operator; All, Any and Not combine child rules.
type ConditionRule struct {
	Key      string           `yaml:"key,omitempty" json:"key,omitempty"`
	Operator Operator         `yaml:"operator,omitempty" json:"operator,omitempty"`
	Value    any              `yaml:"value,omitempty" json:"value,omitempty"`
	All      []*ConditionRule `yaml:"all,omitempty" json:"all,omitempty"`
	Any      []*ConditionRule `yaml:"any,omitempty" json:"any,omitempty"`
	Not      *ConditionRule   `yaml:"not,omitempty" json:"not,omitempty"`
}
