package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/gorilla/mux"
	"github.com/mpataki/journey/internal/dispatch"
	"github.com/mpataki/journey/internal/orchestrator"
	"github.com/mpataki/journey/internal/runtime"
	"github.com/mpataki/journey/internal/storage"
	"go.uber.org/zap"
)

type journeySummary struct {
	ID              string `json:"id"`
	Name            string `json:"name,omitempty"`
	Description     string `json:"description,omitempty"`
	StartingAgentID string `json:"startingAgentId"`
	Agents          int    `json:"agents"`
}

type createSessionRequest struct {
	JourneyID string `json:"journeyId"`
	Voice     bool   `json:"voice"`
}

type signalResponse struct {
	Result   string                 `json:"result"`
	Snapshot *orchestrator.Snapshot `json:"snapshot"`
}

func (s *Server) HandleListJourneys(w http.ResponseWriter, r *http.Request) {
	list := s.orch.Journeys()
	out := make([]journeySummary, 0, len(list))
	for _, j := range list {
		out = append(out, journeySummary{
			ID:              j.ID,
			Name:            j.Name,
			Description:     j.Description,
			StartingAgentID: j.StartingAgentID,
			Agents:          len(j.Agents),
		})
	}
	respondWithJSON(w, http.StatusOK, out)
}

func (s *Server) HandleGetJourney(w http.ResponseWriter, r *http.Request) {
	j, err := s.orch.Journey(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, j)
}

func (s *Server) HandleListSessions(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			respondWithError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}
	list, err := s.orch.ListSessions(limit)
	if err != nil {
		s.logger.Error("error listing sessions", zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error listing sessions")
		return
	}
	live := make([]string, 0)
	for _, sess := range s.orch.Sessions() {
		live = append(live, sess.ID)
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"sessions": list, "live": live})
}

func (s *Server) HandleCreateSession(w http.ResponseWriter, r *http.Request) {
	var req createSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	defer r.Body.Close()

	// The session outlives the request, so voice must not dial on its context.
	sess, err := s.orch.StartSession(context.Background(), req.JourneyID, req.Voice)
	if sess == nil {
		switch {
		case errors.Is(err, orchestrator.ErrJourneyNotFound):
			respondWithError(w, http.StatusNotFound, err.Error())
		case errors.Is(err, runtime.ErrNoStartingAgent):
			respondWithError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			s.logger.Error("error starting session", zap.String("journey", req.JourneyID), zap.Error(err))
			respondWithError(w, http.StatusInternalServerError, "error starting session")
		}
		return
	}

	body := map[string]any{"snapshot": sess.Snapshot()}
	if err != nil {
		// Voice failed; the session still runs screens-only.
		s.logger.Warn("session started without voice", zap.String("session", sess.ID), zap.Error(err))
		body["warning"] = "voice unavailable"
	}
	respondWithJSON(w, http.StatusCreated, body)
}

func (s *Server) HandleGetSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if sess, err := s.orch.Session(id); err == nil {
		respondWithJSON(w, http.StatusOK, map[string]any{"snapshot": sess.Snapshot()})
		return
	}
	rec, err := s.orch.GetSession(id)
	if err != nil {
		if errors.Is(err, orchestrator.ErrSessionNotFound) || errors.Is(err, storage.ErrNotFound) {
			respondWithError(w, http.StatusNotFound, "session not found")
			return
		}
		s.logger.Error("error loading session", zap.String("session", id), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error loading session")
		return
	}
	respondWithJSON(w, http.StatusOK, map[string]any{"session": rec})
}

// HandleDeleteSession ends a live session. With ?purge=true its stored
// history and transcript are removed too.
func (s *Server) HandleDeleteSession(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if r.URL.Query().Get("purge") == "true" {
		if err := s.orch.DeleteSession(id); err != nil {
			if errors.Is(err, storage.ErrNotFound) {
				respondWithError(w, http.StatusNotFound, "session not found")
				return
			}
			s.logger.Error("error deleting session", zap.String("session", id), zap.Error(err))
			respondWithError(w, http.StatusInternalServerError, "error deleting session")
			return
		}
		w.WriteHeader(http.StatusNoContent)
		return
	}
	if err := s.orch.CloseSession(id); err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) HandleSignal(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	var sig dispatch.Signal
	if err := json.NewDecoder(r.Body).Decode(&sig); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid signal")
		return
	}
	defer r.Body.Close()

	result, err := sess.Signal(context.Background(), sig)
	if err != nil {
		code := http.StatusUnprocessableEntity
		switch {
		case errors.Is(err, dispatch.ErrUnknownSignal):
			code = http.StatusBadRequest
		case errors.Is(err, runtime.ErrClosed):
			code = http.StatusGone
		}
		s.logger.Debug("signal failed", zap.String("session", sess.ID), zap.String("signal", sig.Type), zap.Error(err))
		respondWithError(w, code, err.Error())
		return
	}
	respondWithJSON(w, http.StatusOK, signalResponse{Result: result, Snapshot: sess.Snapshot()})
}

func (s *Server) HandleTranscript(w http.ResponseWriter, r *http.Request) {
	sess, ok := s.session(w, r)
	if !ok {
		return
	}
	text, err := sess.Transcript()
	if err != nil {
		s.logger.Error("error reading transcript", zap.String("session", sess.ID), zap.Error(err))
		respondWithError(w, http.StatusInternalServerError, "error reading transcript")
		return
	}
	w.Header().Set("Content-Type", "text/markdown; charset=utf-8")
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(text))
}
