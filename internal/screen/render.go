package screen

import (
	"github.com/mpataki/journey/internal/evaluator"
	"github.com/mpataki/journey/internal/models"
)

// View is the current screen resolved against module state: hidden
// elements are dropped and {{key}} tokens are substituted.
type View struct {
	ScreenID        string        `json:"screenId"`
	Title           string        `json:"title"`
	HidesBackButton bool          `json:"hidesBackButton"`
	CanGoBack       bool          `json:"canGoBack"`
	Depth           int           `json:"depth"`
	Sections        []SectionView `json:"sections"`
	Summary         *Summary      `json:"summary,omitempty"`
}

type SectionView struct {
	ID         string                 `json:"id"`
	Position   models.SectionPosition `json:"position"`
	Layout     string                 `json:"layout,omitempty"`
	Direction  string                 `json:"direction,omitempty"`
	Scrollable bool                   `json:"scrollable,omitempty"`
	Elements   []ElementView          `json:"elements"`
}

type ElementView struct {
	ID    string         `json:"id"`
	Type  string         `json:"type"`
	State map[string]any `json:"state,omitempty"`
	Style map[string]any `json:"style,omitempty"`
}

// Render returns nil when no screen is active.
func (e *Engine) Render() *View {
	e.mu.Lock()
	s := e.screens[e.top()]
	depth := len(e.stack)
	var summary *Summary
	if e.summary != nil {
		cp := *e.summary
		summary = &cp
	}
	e.mu.Unlock()

	if s == nil {
		return nil
	}

	snapshot := e.store.Snapshot()
	v := &View{
		ScreenID:        s.ID,
		Title:           evaluator.InterpolateString(s.Title, snapshot),
		HidesBackButton: s.HidesBackButton,
		CanGoBack:       depth > 1 && !s.HidesBackButton,
		Depth:           depth,
		Summary:         summary,
	}
	for _, section := range s.Sections {
		if section == nil {
			continue
		}
		sv := SectionView{
			ID:         section.ID,
			Position:   section.Position,
			Layout:     section.Layout,
			Direction:  section.Direction,
			Scrollable: section.Scrollable,
		}
		for _, el := range section.Elements {
			if el == nil || !evaluator.Evaluate(el.Conditions, snapshot) {
				continue
			}
			sv.Elements = append(sv.Elements, ElementView{
				ID:    el.ID(),
				Type:  el.Type,
				State: evaluator.InterpolateMap(el.State, snapshot),
				Style: evaluator.InterpolateMap(el.Style, snapshot),
			})
		}
		v.Sections = append(v.Sections, sv)
	}
	return v
}
