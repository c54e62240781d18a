package realtime

import (
	"encoding/json"
	"fmt"
)

// Client event types.
const (
	TypeSessionUpdate          = "session.update"
	TypeResponseCreate         = "response.create"
	TypeConversationItemCreate = "conversation.item.create"
)

// Server event types.
const (
	TypeSessionCreated              = "session.created"
	TypeSessionUpdated              = "session.updated"
	TypeAudioTranscriptDelta        = "response.audio_transcript.delta"
	TypeAudioTranscriptDone         = "response.audio_transcript.done"
	TypeOutputAudioTranscriptDelta  = "response.output_audio_transcript.delta"
	TypeOutputAudioTranscriptDone   = "response.output_audio_transcript.done"
	TypeTextDelta                   = "response.text.delta"
	TypeTextDone                    = "response.text.done"
	TypeInputAudioTranscriptionDone = "conversation.item.input_audio_transcription.completed"
	TypeFunctionCallArgumentsDone   = "response.function_call_arguments.done"
	TypeResponseDone                = "response.done"
	TypeOutputAudioBufferStopped    = "output_audio_buffer.stopped"
	TypeError                       = "error"
)

// Item types.
const (
	ItemFunctionCall       = "function_call"
	ItemFunctionCallOutput = "function_call_output"
	ItemMessage            = "message"
)

type ToolDef struct {
	Type        string         `json:"type"`
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	Parameters  map[string]any `json:"parameters,omitempty"`
}

type Transcription struct {
	Model string `json:"model"`
}

type SessionConfig struct {
	Instructions            string         `json:"instructions"`
	Voice                   string         `json:"voice,omitempty"`
	Modalities              []string       `json:"modalities,omitempty"`
	Tools                   []ToolDef      `json:"tools"`
	ToolChoice              string         `json:"tool_choice,omitempty"`
	InputAudioTranscription *Transcription `json:"input_audio_transcription,omitempty"`
}

type SessionUpdate struct {
	Type    string        `json:"type"`
	Session SessionConfig `json:"session"`
}

type ResponseCreate struct {
	Type string `json:"type"`
}

type ContentPart struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type Item struct {
	Type    string        `json:"type"`
	CallID  string        `json:"call_id,omitempty"`
	Output  string        `json:"output,omitempty"`
	Role    string        `json:"role,omitempty"`
	Content []ContentPart `json:"content,omitempty"`
}

type ConversationItemCreate struct {
	Type string `json:"type"`
	Item Item   `json:"item"`
}

func NewSessionUpdate(cfg SessionConfig) SessionUpdate {
	if cfg.Tools == nil {
		cfg.Tools = []ToolDef{}
	}
	return SessionUpdate{Type: TypeSessionUpdate, Session: cfg}
}

func NewResponseCreate() ResponseCreate {
	return ResponseCreate{Type: TypeResponseCreate}
}

func NewFunctionOutput(callID, output string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: Item{Type: ItemFunctionCallOutput, CallID: callID, Output: output},
	}
}

func NewUserText(text string) ConversationItemCreate {
	return ConversationItemCreate{
		Type: TypeConversationItemCreate,
		Item: Item{
			Type:    ItemMessage,
			Role:    "user",
			Content: []ContentPart{{Type: "input_text", Text: text}},
		},
	}
}

type ErrorDetail struct {
	Type    string `json:"type,omitempty"`
	Code    string `json:"code,omitempty"`
	Message string `json:"message"`
}

type OutputItem struct {
	Type      string `json:"type"`
	Name      string `json:"name,omitempty"`
	CallID    string `json:"call_id,omitempty"`
	Arguments string `json:"arguments,omitempty"`
}

type ResponseInfo struct {
	ID     string       `json:"id,omitempty"`
	Status string       `json:"status,omitempty"`
	Output []OutputItem `json:"output,omitempty"`
}

// ServerEvent is the union of the server events the session reads. Fields
// not used by an event type are empty.
type ServerEvent struct {
	Type       string        `json:"type"`
	EventID    string        `json:"event_id,omitempty"`
	Delta      string        `json:"delta,omitempty"`
	Transcript string        `json:"transcript,omitempty"`
	Text       string        `json:"text,omitempty"`
	CallID     string        `json:"call_id,omitempty"`
	Name       string        `json:"name,omitempty"`
	Arguments  string        `json:"arguments,omitempty"`
	Error      *ErrorDetail  `json:"error,omitempty"`
	Response   *ResponseInfo `json:"response,omitempty"`
}

// Decode parses one server message.
func Decode(data []byte) (*ServerEvent, error) {
	var ev ServerEvent
	if err := json.Unmarshal(data, &ev); err != nil {
		return nil, fmt.Errorf("decode server event: %w", err)
	}
	if ev.Type == "" {
		return nil, fmt.Errorf("decode server event: missing type")
	}
	return &ev, nil
}

// IsTranscriptDelta reports whether t carries a piece of assistant speech text.
func IsTranscriptDelta(t string) bool {
	return t == TypeAudioTranscriptDelta || t == TypeOutputAudioTranscriptDelta || t == TypeTextDelta
}

func IsTranscriptDone(t string) bool {
	return t == TypeAudioTranscriptDone || t == TypeOutputAudioTranscriptDone || t == TypeTextDone
}
