package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mpataki/journey/internal/metrics"
	"github.com/mpataki/journey/internal/models"
	"github.com/mpataki/journey/internal/realtime"
	"github.com/mpataki/journey/internal/storage"
	"github.com/mpataki/journey/internal/transcript"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

var (
	ErrSessionNotFound = errors.New("session not found")
	ErrJourneyNotFound = errors.New("journey not found")
)

// Timings overrides the session defaults. Zero values keep each package's
// default.
type Timings struct {
	GreetingDelay           time.Duration
	DisconnectBuffer        time.Duration
	SummaryHold             time.Duration
	DedupTTL                time.Duration
	NavigationDelay         time.Duration
	FeedbackDisconnectDelay time.Duration
}

type Options struct {
	Logger   *zap.Logger
	Journeys map[string]*models.Journey

	// Storage and TranscriptDir are optional; without them sessions keep no
	// history.
	Storage       *storage.Storage
	TranscriptDir string

	// Dialer connects voice sessions to the realtime backend. Sessions can
	// still take a relayed transport without one.
	Dialer realtime.Dialer
	Voice  string

	Redis        *redis.Client
	RedisChannel string

	Metrics *metrics.Metrics
	Timings Timings
}

// Orchestrator creates and tracks live sessions. Each session owns its own
// runtime, screens and voice adapter; nothing is shared between them.
type Orchestrator struct {
	logger *zap.Logger
	opts   Options

	mu       sync.RWMutex
	journeys map[string]*models.Journey
	sessions map[string]*Session
}

func New(opts Options) *Orchestrator {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	journeys := make(map[string]*models.Journey, len(opts.Journeys))
	for id, j := range opts.Journeys {
		journeys[id] = j
	}
	return &Orchestrator{
		logger:   opts.Logger,
		opts:     opts,
		journeys: journeys,
		sessions: make(map[string]*Session),
	}
}

// Journeys returns the loaded journeys ordered by id.
func (o *Orchestrator) Journeys() []*models.Journey {
	o.mu.RLock()
	defer o.mu.RUnlock()
	out := make([]*models.Journey, 0, len(o.journeys))
	for _, j := range o.journeys {
		out = append(out, j)
	}
	sort.Slice(out, func(i, k int) bool { return out[i].ID < out[k].ID })
	return out
}

func (o *Orchestrator) Journey(id string) (*models.Journey, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	j, ok := o.journeys[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrJourneyNotFound, id)
	}
	return j, nil
}

// AddJourney registers or replaces a journey. Running sessions keep the
// graph they were built with.
func (o *Orchestrator) AddJourney(j *models.Journey) {
	o.mu.Lock()
	o.journeys[j.ID] = j
	o.mu.Unlock()
}

// StartSession builds a session for journeyID. With withVoice the voice
// adapter connects before StartSession returns; a failed connect leaves the
// session running in screens-only mode and returns the error alongside it.
func (o *Orchestrator) StartSession(ctx context.Context, journeyID string, withVoice bool) (*Session, error) {
	j, err := o.Journey(journeyID)
	if err != nil {
		return nil, err
	}

	record := &models.Session{
		ID:        uuid.NewString(),
		CreatedAt: time.Now(),
		JourneyID: j.ID,
		Status:    models.SessionStatusPending,
	}

	var tr *transcript.Transcript
	if o.opts.TranscriptDir != "" {
		tr, err = transcript.Create(o.opts.TranscriptDir, record.ID)
		if err != nil {
			return nil, fmt.Errorf("failed to create transcript: %w", err)
		}
		record.TranscriptDir = tr.Path
	}
	if o.opts.Storage != nil {
		if err := o.opts.Storage.CreateSession(record); err != nil {
			return nil, fmt.Errorf("failed to create session: %w", err)
		}
	}

	s := newSession(o, record, tr)
	if err := s.install(j); err != nil {
		s.Close()
		return nil, err
	}

	o.mu.Lock()
	o.sessions[record.ID] = s
	o.mu.Unlock()

	if o.opts.Metrics != nil {
		o.opts.Metrics.RecordSessionStart(j.ID)
	}
	o.logger.Info("session started", zap.String("session", record.ID), zap.String("journey", j.ID), zap.Bool("voice", withVoice))

	if withVoice {
		if err := s.EnableVoice(ctx); err != nil {
			return s, fmt.Errorf("failed to enable voice: %w", err)
		}
	}
	return s, nil
}

func (o *Orchestrator) Session(id string) (*Session, error) {
	o.mu.RLock()
	defer o.mu.RUnlock()
	s, ok := o.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return s, nil
}

// Sessions returns the live sessions, oldest first.
func (o *Orchestrator) Sessions() []*Session {
	o.mu.RLock()
	out := make([]*Session, 0, len(o.sessions))
	for _, s := range o.sessions {
		out = append(out, s)
	}
	o.mu.RUnlock()
	sort.Slice(out, func(i, k int) bool { return out[i].startedAt.Before(out[k].startedAt) })
	return out
}

func (o *Orchestrator) CloseSession(id string) error {
	s, err := o.Session(id)
	if err != nil {
		return err
	}
	s.Close()
	return nil
}

func (o *Orchestrator) forget(id string) {
	o.mu.Lock()
	delete(o.sessions, id)
	o.mu.Unlock()
}

// Close ends every live session.
func (o *Orchestrator) Close() {
	for _, s := range o.Sessions() {
		s.Close()
	}
}

// Read methods for the CLI and API

func (o *Orchestrator) ListSessions(limit int) ([]*models.Session, error) {
	if o.opts.Storage == nil {
		return nil, nil
	}
	return o.opts.Storage.ListSessions(limit)
}

func (o *Orchestrator) GetSession(id string) (*models.Session, error) {
	if s, err := o.Session(id); err == nil {
		return s.Record(), nil
	}
	if o.opts.Storage == nil {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return o.opts.Storage.GetSession(id)
}

func (o *Orchestrator) SessionEvents(id string, types ...string) ([]*models.SessionEvent, error) {
	if o.opts.Storage == nil {
		return nil, nil
	}
	return o.opts.Storage.Events(id, types...)
}

// DeleteSession closes the session if it is live and removes its history
// and transcript.
func (o *Orchestrator) DeleteSession(id string) error {
	if s, err := o.Session(id); err == nil {
		s.Close()
	}
	if o.opts.TranscriptDir != "" {
		if tr, err := transcript.Open(o.opts.TranscriptDir, id); err == nil {
			if err := tr.Remove(); err != nil {
				o.logger.Warn("failed to remove transcript", zap.String("session", id), zap.Error(err))
			}
		}
	}
	if o.opts.Storage == nil {
		return nil
	}
	if err := o.opts.Storage.DeleteSession(id); err != nil {
		return fmt.Errorf("failed to delete session: %w", err)
	}
	return nil
}

// Transcript returns a session's transcript, live or stored.
func (o *Orchestrator) Transcript(id string) (string, error) {
	if s, err := o.Session(id); err == nil {
		return s.Transcript()
	}
	if o.opts.TranscriptDir == "" {
		return "", fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	tr, err := transcript.Open(o.opts.TranscriptDir, id)
	if err != nil {
		return "", err
	}
	return tr.Read()
}
