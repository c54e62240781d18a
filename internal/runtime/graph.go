package runtime

import (
	"fmt"
	"sort"
	"strings"

	"github.com/mpataki/journey/internal/models"
	"go.uber.org/zap"
)

// Agent is a compiled agent. Handoffs point at the peer Agent values of the
// same Graph, never at copies. A compiled graph is not modified after
// Compile returns.
type Agent struct {
	ID           string
	Name         string
	Instructions string
	Voice        string
	Def          *models.Agent
	Tools        []*Tool
	Handoffs     []*Agent
	Screens      []*models.Screen

	// triggers maps a tool name to the handoff it activates.
	triggers map[string]*Agent
}

func (a *Agent) Tool(name string) *Tool {
	for _, t := range a.Tools {
		if t.Name == name {
			return t
		}
	}
	return nil
}

// HandoffFor returns the agent that lastTool hands control to, or nil.
func (a *Agent) HandoffFor(lastTool string) *Agent {
	if lastTool == "" {
		return nil
	}
	return a.triggers[lastTool]
}

// CanHandoffTo reports whether id is a resolved handoff target.
func (a *Agent) CanHandoffTo(id string) bool {
	for _, h := range a.Handoffs {
		if h.ID == id {
			return true
		}
	}
	return false
}

type Graph struct {
	Journey       *models.Journey
	Agents        []*Agent
	StartingAgent *Agent
	AgentMap      map[string]*Agent
}

func (g *Graph) Agent(id string) *Agent {
	if g == nil {
		return nil
	}
	return g.AgentMap[id]
}

// Start returns the starting agent or ErrNoStartingAgent.
func (g *Graph) Start() (*Agent, error) {
	if g == nil || g.StartingAgent == nil {
		return nil, ErrNoStartingAgent
	}
	return g.StartingAgent, nil
}

// Compile builds the agent graph in two passes. The first creates every
// agent with its tools and no handoffs; the second links handoffs to the
// agents created in the first, so mutually recursive handoffs resolve.
// Dangling handoff ids are dropped. A starting agent id that matches no
// agent leaves StartingAgent nil.
func (r *Runtime) Compile(j *models.Journey) *Graph {
	g := &Graph{Journey: j, AgentMap: make(map[string]*Agent)}
	if j == nil {
		r.logger.Error("cannot compile a nil journey")
		return g
	}
	if len(j.Agents) == 0 {
		r.logger.Error("journey has no agents", zap.String("journey", j.ID))
		return g
	}

	for _, def := range j.Agents {
		if def == nil || def.ID == "" {
			continue
		}
		if _, dup := g.AgentMap[def.ID]; dup {
			r.logger.Warn("duplicate agent id, keeping the first", zap.String("agent", def.ID))
			continue
		}
		a := &Agent{
			ID:           def.ID,
			Name:         def.DisplayName(),
			Instructions: instructions(j, def),
			Voice:        firstNonEmpty(def.Voice, j.Voice),
			Def:          def,
			Screens:      def.Screens,
			triggers:     make(map[string]*Agent),
		}
		a.Tools = r.agentTools(j, a)
		g.Agents = append(g.Agents, a)
		g.AgentMap[a.ID] = a
	}

	for _, a := range g.Agents {
		seen := make(map[string]bool)
		for _, id := range a.Def.Handoffs {
			target, ok := g.AgentMap[id]
			if !ok || id == a.ID || seen[id] {
				r.logger.Debug("dropping handoff", zap.String("agent", a.ID), zap.String("target", id))
				continue
			}
			seen[id] = true
			a.Handoffs = append(a.Handoffs, target)
			transfer := r.transferTool(target)
			a.Tools = append(a.Tools, transfer)
			a.triggers[transfer.Name] = target
		}
		for tool, id := range a.Def.HandoffTriggers {
			if target, ok := g.AgentMap[id]; ok && seen[id] {
				a.triggers[tool] = target
			}
		}
	}

	g.StartingAgent = g.AgentMap[j.StartingAgentID]
	if g.StartingAgent == nil {
		r.logger.Error("starting agent not found",
			zap.String("journey", j.ID),
			zap.String("startingAgentId", j.StartingAgentID))
	}
	return g
}

// instructions combines the journey system prompt, the agent prompt and
// the agent's per-screen prompts.
func instructions(j *models.Journey, def *models.Agent) string {
	var parts []string
	if s := strings.TrimSpace(j.SystemPrompt); s != "" {
		parts = append(parts, s)
	}
	if s := strings.TrimSpace(def.Prompt); s != "" {
		parts = append(parts, s)
	}

	if len(def.ScreenPrompts) > 0 {
		var lines []string
		done := make(map[string]bool)
		for _, s := range def.Screens {
			if s == nil {
				continue
			}
			if p := strings.TrimSpace(def.ScreenPrompts[s.ID]); p != "" {
				lines = append(lines, fmt.Sprintf("Screen %q: %s", s.ID, p))
			}
			done[s.ID] = true
		}
		var rest []string
		for id := range def.ScreenPrompts {
			if !done[id] {
				rest = append(rest, id)
			}
		}
		sort.Strings(rest)
		for _, id := range rest {
			if p := strings.TrimSpace(def.ScreenPrompts[id]); p != "" {
				lines = append(lines, fmt.Sprintf("Screen %q: %s", id, p))
			}
		}
		if len(lines) > 0 {
			parts = append(parts, "Screen guidance:\n"+strings.Join(lines, "\n"))
		}
	}
	return strings.Join(parts, "\n\n")
}

// FeedbackScreenID picks the screen end_call navigates to: the first screen
// of def whose id mentions feedback, then the first such screen anywhere in
// the journey, then DefaultFeedbackScreen.
func FeedbackScreenID(j *models.Journey, def *models.Agent) string {
	if def != nil {
		if id := feedbackIn(def.Screens); id != "" {
			return id
		}
	}
	if j != nil {
		for _, a := range j.Agents {
			if a == nil {
				continue
			}
			if id := feedbackIn(a.Screens); id != "" {
				return id
			}
		}
	}
	return DefaultFeedbackScreen
}

func feedbackIn(screens []*models.Screen) string {
	for _, s := range screens {
		if s != nil && strings.Contains(strings.ToLower(s.ID), "feedback") {
			return s.ID
		}
	}
	return ""
}

func firstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if v != "" {
			return v
		}
	}
	return ""
}
