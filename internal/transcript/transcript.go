// Package transcript keeps a per-session directory with the session's
// metadata and a readable transcript of the conversation.
package transcript

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"
)

type Transcript struct {
	Path string

	mu sync.Mutex
}

type Metadata struct {
	SessionID      string    `json:"session_id"`
	JourneyID      string    `json:"journey_id"`
	StartedAt      time.Time `json:"started_at"`
	CurrentAgent   string    `json:"current_agent"`
	PreviousAgents []string  `json:"previous_agents"`
	VoiceEnabled   bool      `json:"voice_enabled"`
}

func dir(baseDir, sessionID string) string {
	return filepath.Join(baseDir, "session-"+sessionID)
}

func Create(baseDir, sessionID string) (*Transcript, error) {
	path := dir(baseDir, sessionID)
	if err := os.MkdirAll(path, 0755); err != nil {
		return nil, fmt.Errorf("failed to create transcript directory: %w", err)
	}
	return &Transcript{Path: path}, nil
}

func Open(baseDir, sessionID string) (*Transcript, error) {
	path := dir(baseDir, sessionID)
	if _, err := os.Stat(path); os.IsNotExist(err) {
		return nil, fmt.Errorf("transcript for session %s does not exist", sessionID)
	}
	return &Transcript{Path: path}, nil
}

func (t *Transcript) WriteMetadata(meta *Metadata) error {
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal session metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(t.Path, "session.json"), data, 0644); err != nil {
		return fmt.Errorf("failed to write session.json: %w", err)
	}
	return nil
}

func (t *Transcript) ReadMetadata() (*Metadata, error) {
	data, err := os.ReadFile(filepath.Join(t.Path, "session.json"))
	if err != nil {
		return nil, fmt.Errorf("failed to read session.json: %w", err)
	}
	var meta Metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		return nil, fmt.Errorf("failed to parse session.json: %w", err)
	}
	return &meta, nil
}

// AppendTurn adds one line of dialogue to transcript.md.
func (t *Transcript) AppendTurn(at time.Time, role, agent, text string) error {
	speaker := role
	if role == "assistant" && agent != "" {
		speaker = agent
	}
	line := fmt.Sprintf("**%s** (%s): %s\n\n", speaker, at.Format("15:04:05"), strings.TrimSpace(text))
	return t.append(line)
}

// AppendNote records a non-dialogue milestone such as a handoff.
func (t *Transcript) AppendNote(at time.Time, note string) error {
	return t.append(fmt.Sprintf("_%s: %s_\n\n", at.Format("15:04:05"), note))
}

func (t *Transcript) append(s string) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	f, err := os.OpenFile(filepath.Join(t.Path, "transcript.md"), os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return fmt.Errorf("failed to open transcript.md: %w", err)
	}
	defer f.Close()

	if _, err := f.WriteString(s); err != nil {
		return fmt.Errorf("failed to write transcript.md: %w", err)
	}
	return nil
}

func (t *Transcript) Read() (string, error) {
	data, err := os.ReadFile(filepath.Join(t.Path, "transcript.md"))
	if os.IsNotExist(err) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("failed to read transcript.md: %w", err)
	}
	return string(data), nil
}

func (t *Transcript) Remove() error {
	return os.RemoveAll(t.Path)
}
