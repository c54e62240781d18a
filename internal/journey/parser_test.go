package journey

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/mpataki/journey/internal/models"
	"github.com/stretchr/testify/require"
)

func TestParseRecovery(t *testing.T) {
	j, err := Parse("testdata/recovery.yaml")
	require.NoError(t, err)

	require.Equal(t, "recovery", j.ID)
	require.Equal(t, "greeter", j.StartingAgentID)
	require.Len(t, j.Agents, 3)

	greeter := j.Agent("greeter")
	require.NotNil(t, greeter)
	require.Equal(t, []string{"motivation", "ghost"}, greeter.Handoffs)
	require.Equal(t, "motivation", greeter.HandoffTriggers["select_substance"])
	require.Len(t, greeter.Screens, 3)
	require.Equal(t, models.PositionFixedTop, greeter.Screens[0].Sections[0].Position)
	require.Equal(t, "substance_question", greeter.Screens[0].Sections[1].Elements[0].ID())
	require.Equal(t, models.EffectSetState, greeter.Tools[0].Effects[0].Type)

	require.NoError(t, Validate(j))
}

func TestParseBytesJSON(t *testing.T) {
	j, err := ParseBytes([]byte(`{"id":"j","systemPrompt":"s","agents":[{"id":"a","name":"A","prompt":"p"}]}`))
	require.NoError(t, err)
	require.Equal(t, "a", j.StartingAgentID, "first agent is the default starting agent")
	require.NoError(t, Validate(j))
}

func TestValidate(t *testing.T) {
	for scenario, tc := range map[string]struct {
		journey *models.Journey
		wantErr error
		msg     string
	}{
		"no agents": {
			journey: &models.Journey{ID: "j"},
			wantErr: ErrNoAgents,
		},
		"missing starting agent": {
			journey: &models.Journey{ID: "j", StartingAgentID: "x", Agents: []*models.Agent{{ID: "a"}}},
			wantErr: ErrNoStartingAgent,
		},
		"duplicate agent": {
			journey: &models.Journey{ID: "j", StartingAgentID: "a", Agents: []*models.Agent{{ID: "a"}, {ID: "a"}}},
			msg:     `duplicate agent id "a"`,
		},
		"duplicate screen": {
			journey: &models.Journey{ID: "j", StartingAgentID: "a", Agents: []*models.Agent{{
				ID:      "a",
				Screens: []*models.Screen{{ID: "s"}, {ID: "s"}},
			}}},
			msg: `duplicate screen id "s"`,
		},
	} {
		t.Run(scenario, func(t *testing.T) {
			err := Validate(tc.journey)
			require.Error(t, err)
			if tc.wantErr != nil {
				require.ErrorIs(t, err, tc.wantErr)
			}
			if tc.msg != "" {
				require.Contains(t, err.Error(), tc.msg)
			}
		})
	}
}

func TestWarnings(t *testing.T) {
	j, err := Parse("testdata/recovery.yaml")
	require.NoError(t, err)

	warnings := Warnings(j)
	require.Contains(t, warnings, `agent "greeter" hands off to unknown agent "ghost"`)
}

func TestLoadAll(t *testing.T) {
	project := t.TempDir()
	user := t.TempDir()

	write := func(dir, name, body string) {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(body), 0o644))
	}
	write(project, "intro.yaml", "systemPrompt: project\nagents:\n  - id: a\n")
	write(user, "intro.yml", "systemPrompt: user\nagents:\n  - id: a\n")
	write(user, "other.json", `{"id":"other","agents":[{"id":"b"}]}`)
	write(user, "notes.txt", "ignored")

	journeys, err := LoadAll([]string{project, user, filepath.Join(project, "missing")})
	require.NoError(t, err)
	require.Len(t, journeys, 2)
	require.Equal(t, "project", journeys["intro"].SystemPrompt)
	require.Equal(t, "b", journeys["other"].StartingAgentID)
}
