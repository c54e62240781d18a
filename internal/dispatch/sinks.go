package dispatch

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/storage"
	"github.com/mpataki/journey/internal/transcript"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// HistorySink appends every event to the session's stored history.
func HistorySink(store *storage.Storage, sessionID string, logger *zap.Logger) events.Handler {
	return func(e events.Event) {
		err := store.AppendEvent(&models.SessionEvent{
			SessionID: sessionID,
			Type:      string(e.Type),
			Payload:   e.Payload,
			CreatedAt: e.Time,
		})
		if err != nil {
			logger.Warn("failed to store session event", zap.String("type", string(e.Type)), zap.Error(err))
		}
	}
}

// TranscriptSink writes flushed turns and milestones to transcript.md.
func TranscriptSink(tr *transcript.Transcript, logger *zap.Logger) events.Handler {
	return func(e events.Event) {
		var err error
		switch e.Type {
		case events.Transcript:
			err = tr.AppendTurn(e.Time, e.String("role"), e.String("agent"), e.String("text"))
		case events.AgentHandoff:
			err = tr.AppendNote(e.Time, fmt.Sprintf("handoff %s -> %s", e.String("from"), e.String("to")))
		case events.ConversationComplete:
			err = tr.AppendNote(e.Time, "conversation complete ("+e.String("agent")+")")
		case events.RecordInput:
			err = tr.AppendNote(e.Time, fmt.Sprintf("recorded %s: %s", e.String("title"), e.String("summary")))
		}
		if err != nil {
			logger.Warn("failed to write transcript", zap.Error(err))
		}
	}
}

const (
	DefaultRedisChannel = "journey-events"
	redisViewTTL        = 24 * time.Hour
	redisTimeout        = 2 * time.Second
)

// Envelope is what RedisSink publishes for each event.
type Envelope struct {
	SessionID string         `json:"sessionId"`
	Type      string         `json:"type"`
	Payload   map[string]any `json:"payload,omitempty"`
	Time      time.Time      `json:"time"`
}

// RedisSink fans session events out over Redis pub/sub so UI processes
// outside this one can follow along.
type RedisSink struct {
	client    *redis.Client
	channel   string
	sessionID string
	logger    *zap.Logger
}

func NewRedisSink(client *redis.Client, channel, sessionID string, logger *zap.Logger) *RedisSink {
	if channel == "" {
		channel = DefaultRedisChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RedisSink{client: client, channel: channel, sessionID: sessionID, logger: logger}
}

func (s *RedisSink) envelope(e events.Event) ([]byte, error) {
	return json.Marshal(Envelope{
		SessionID: s.sessionID,
		Type:      string(e.Type),
		Payload:   e.Payload,
		Time:      e.Time,
	})
}

func (s *RedisSink) Handle(e events.Event) {
	data, err := s.envelope(e)
	if err != nil {
		s.logger.Warn("failed to encode event for redis", zap.Error(err))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisTimeout)
	defer cancel()
	if err := s.client.Publish(ctx, s.channel, data).Err(); err != nil {
		s.logger.Warn("redis publish failed", zap.String("channel", s.channel), zap.Error(err))
	}
}

func (s *RedisSink) viewKey() string {
	return "journey:session:" + s.sessionID + ":view"
}

// SaveView stores the latest rendered screen so late subscribers can
// catch up without replaying events.
func (s *RedisSink) SaveView(ctx context.Context, view any) error {
	data, err := json.Marshal(view)
	if err != nil {
		return err
	}
	return s.client.Set(ctx, s.viewKey(), data, redisViewTTL).Err()
}
