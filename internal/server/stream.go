package server

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/mpataki/journey/internal/dispatch"
	"github.com/mpataki/journey/internal/events"
	"github.com/mpataki/journey/internal/realtime"
	"go.uber.org/zap"
)

const (
	streamBuffer = 128
	writeWait    = 5 * time.Second

	// SnapshotEvent is the first frame on an event stream.
	SnapshotEvent events.Type = "snapshot"
	// SignalResult answers a signal sent over the event stream.
	SignalResult events.Type = "signal_result"
)

// HandleEvents streams a session's events over a websocket. The first frame
// is a snapshot; frames sent by the client are applied as signals.
func (s *Server) HandleEvents(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Debug("event stream upgrade failed", zap.Error(err))
		return
	}
	defer conn.Close()

	out := make(chan events.Event, streamBuffer)
	done := make(chan struct{})
	stop := make(chan struct{})
	defer close(stop)

	// Events published before the snapshot is queued are held back so the
	// snapshot is always the first frame.
	var (
		mu      sync.Mutex
		started bool
		early   []events.Event
	)
	forward := func(e events.Event) {
		select {
		case out <- e:
		case <-stop:
		default:
			s.logger.Warn("event stream is behind, dropping event", zap.String("session", sess.ID), zap.String("type", string(e.Type)))
		}
	}
	unsubscribe := sess.Subscribe(func(e events.Event) {
		mu.Lock()
		defer mu.Unlock()
		if !started {
			early = append(early, e)
			return
		}
		forward(e)
	})
	defer unsubscribe()

	out <- events.New(SnapshotEvent, map[string]any{"snapshot": sess.Snapshot()})
	mu.Lock()
	for _, e := range early {
		forward(e)
	}
	started, early = true, nil
	mu.Unlock()

	go func() {
		defer close(done)
		for {
			_, data, err := conn.ReadMessage()
			if err != nil {
				return
			}
			var sig dispatch.Signal
			if err := json.Unmarshal(data, &sig); err != nil {
				s.reply(out, stop, events.New(events.Error, map[string]any{"error": "invalid signal"}))
				continue
			}
			result, err := sess.Signal(context.Background(), sig)
			payload := map[string]any{"signal": sig.Type, "result": result}
			if err != nil {
				payload["error"] = err.Error()
			}
			s.reply(out, stop, events.New(SignalResult, payload))
		}
	}()

	for {
		select {
		case e := <-out:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteJSON(e); err != nil {
				s.logger.Debug("event stream write failed", zap.String("session", sess.ID), zap.Error(err))
				return
			}
		case <-done:
			_ = conn.WriteControl(websocket.CloseMessage,
				websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
				time.Now().Add(writeWait))
			return
		}
	}
}

func (s *Server) reply(out chan<- events.Event, stop <-chan struct{}, e events.Event) {
	select {
	case out <- e:
	case <-stop:
	}
}

// HandleRelay lets a client carry the realtime conversation: the websocket
// becomes the session's voice transport.
func (s *Server) HandleRelay(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	t, err := realtime.Accept(w, r, &s.upgrader)
	if err != nil {
		s.logger.Debug("relay upgrade failed", zap.Error(err))
		return
	}
	if err := sess.AttachRelay(context.Background(), t); err != nil {
		s.logger.Warn("relay rejected", zap.String("session", sess.ID), zap.Error(err))
		return
	}
	s.logger.Info("relay attached", zap.String("session", sess.ID))
}
