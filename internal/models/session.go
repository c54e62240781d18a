package models

import "time"

type SessionStatus string

const (
	SessionStatusPending      SessionStatus = "pending"
	SessionStatusConnected    SessionStatus = "connected"
	SessionStatusComplete     SessionStatus = "complete"
	SessionStatusDisconnected SessionStatus = "disconnected"
	SessionStatusFailed       SessionStatus = "failed"
)

type Session struct {
	ID            string        `json:"id"`
	CreatedAt     time.Time     `json:"createdAt"`
	EndedAt       *time.Time    `json:"endedAt,omitempty"`
	JourneyID     string        `json:"journeyId"`
	Status        SessionStatus `json:"status"`
	CurrentAgent  string        `json:"currentAgent,omitempty"`
	CurrentScreen string        `json:"currentScreen,omitempty"`
	Transport     string        `json:"transport,omitempty"`
	VoiceEnabled  bool          `json:"voiceEnabled"`
	TranscriptDir string        `json:"transcriptDir,omitempty"`
}

// SessionEvent is one dispatched event in a session's history.
type SessionEvent struct {
	ID        int64          `json:"id"`
	SessionID string         `json:"sessionId"`
	Seq       int            `json:"seq"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	CreatedAt time.Time      `json:"createdAt"`
}
