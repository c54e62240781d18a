package journey

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/mpataki/journey/internal/models"
	"gopkg.in/yaml.v3"
)

var (
	ErrNoAgents        = errors.New("journey must define at least one agent")
	ErrNoStartingAgent = errors.New("journey starting agent not found")
)

// Parse reads a Journey document. YAML is a superset of JSON, so both
// .yaml and .json files go through the same decoder.
func Parse(path string) (*models.Journey, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read journey file: %w", err)
	}

	j, err := ParseBytes(data)
	if err != nil {
		return nil, err
	}

	if j.ID == "" {
		j.ID = strings.TrimSuffix(filepath.Base(path), filepath.Ext(path))
	}
	return j, nil
}

func ParseBytes(data []byte) (*models.Journey, error) {
	var j models.Journey
	if err := yaml.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("failed to parse journey: %w", err)
	}
	if j.StartingAgentID == "" && len(j.Agents) > 0 && j.Agents[0] != nil {
		j.StartingAgentID = j.Agents[0].ID
	}
	return &j, nil
}

func LoadAll(dirs []string) (map[string]*models.Journey, error) {
	journeys := make(map[string]*models.Journey)

	for _, dir := range dirs {
		if err := loadFromDir(dir, journeys); err != nil {
			// Skip directories that don't exist
			if os.IsNotExist(err) {
				continue
			}
			return nil, err
		}
	}

	return journeys, nil
}

func loadFromDir(dir string, journeys map[string]*models.Journey) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return err
	}

	for _, entry := range entries {
		if entry.IsDir() || !isJourneyFile(entry.Name()) {
			continue
		}

		path := filepath.Join(dir, entry.Name())
		j, err := Parse(path)
		if err != nil {
			return fmt.Errorf("failed to parse %s: %w", path, err)
		}

		// Earlier directories win, so project journeys shadow user journeys.
		if _, exists := journeys[j.ID]; !exists {
			journeys[j.ID] = j
		}
	}

	return nil
}

func isJourneyFile(name string) bool {
	switch filepath.Ext(name) {
	case ".yaml", ".yml", ".json":
		return true
	}
	return false
}

// Validate reports configuration errors that prevent a session from
// starting. Softer problems are reported by Warnings.
func Validate(j *models.Journey) error {
	if j.ID == "" {
		return fmt.Errorf("journey must have an id")
	}

	if len(j.Agents) == 0 {
		return ErrNoAgents
	}

	seen := make(map[string]bool)
	for i, a := range j.Agents {
		if a == nil || a.ID == "" {
			return fmt.Errorf("agent %d must have an id", i)
		}
		if seen[a.ID] {
			return fmt.Errorf("duplicate agent id %q", a.ID)
		}
		seen[a.ID] = true

		screens := make(map[string]bool)
		for _, s := range a.Screens {
			if s == nil || s.ID == "" {
				return fmt.Errorf("agent %q has a screen without an id", a.ID)
			}
			if screens[s.ID] {
				return fmt.Errorf("agent %q has duplicate screen id %q", a.ID, s.ID)
			}
			screens[s.ID] = true
		}

		for _, t := range a.Tools {
			if t == nil || t.Name == "" {
				return fmt.Errorf("agent %q has a tool without a name", a.ID)
			}
		}
	}

	if !seen[j.StartingAgentID] {
		return fmt.Errorf("%w: %q", ErrNoStartingAgent, j.StartingAgentID)
	}

	return nil
}

// Warnings lists problems that the runtime tolerates, such as dangling
// handoffs, which are dropped at compile time.
func Warnings(j *models.Journey) []string {
	var warnings []string

	for _, a := range j.Agents {
		if a == nil {
			continue
		}
		for _, h := range a.Handoffs {
			if h == a.ID {
				warnings = append(warnings, fmt.Sprintf("agent %q hands off to itself", a.ID))
				continue
			}
			if j.Agent(h) == nil {
				warnings = append(warnings, fmt.Sprintf("agent %q hands off to unknown agent %q", a.ID, h))
			}
		}
		for tool, target := range a.HandoffTriggers {
			if !contains(a.Handoffs, target) {
				warnings = append(warnings, fmt.Sprintf("agent %q maps tool %q to %q, which is not a declared handoff", a.ID, tool, target))
			}
		}
		for screenID := range a.ScreenPrompts {
			if !hasScreen(a, screenID) {
				warnings = append(warnings, fmt.Sprintf("agent %q has a prompt for unknown screen %q", a.ID, screenID))
			}
		}
	}

	return warnings
}

func hasScreen(a *models.Agent, id string) bool {
	for _, s := range a.Screens {
		if s != nil && s.ID == id {
			return true
		}
	}
	return false
}

func contains(list []string, v string) bool {
	for _, s := range list {
		if s == v {
			return true
		}
	}
	return false
}
