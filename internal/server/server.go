package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/mpataki/journey/internal/metrics"
	"github.com/mpataki/journey/internal/orchestrator"
	"go.uber.org/zap"
)

type Server struct {
	http.Server
	logger   *zap.Logger
	orch     *orchestrator.Orchestrator
	upgrader websocket.Upgrader
}

func NewServer(addr string, orch *orchestrator.Orchestrator, m *metrics.Metrics, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		Server: http.Server{
			Addr:        addr,
			IdleTimeout: 30 * time.Second,
		},
		logger: logger,
		orch:   orch,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}

	router := mux.NewRouter()
	router.HandleFunc("/journeys", s.HandleListJourneys).Methods(http.MethodGet)
	router.HandleFunc("/journeys/{id}", s.HandleGetJourney).Methods(http.MethodGet)

	router.HandleFunc("/sessions", s.HandleListSessions).Methods(http.MethodGet)
	router.HandleFunc("/sessions", s.HandleCreateSession).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}", s.HandleGetSession).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}", s.HandleDeleteSession).Methods(http.MethodDelete)
	router.HandleFunc("/sessions/{id}/signals", s.HandleSignal).Methods(http.MethodPost)
	router.HandleFunc("/sessions/{id}/transcript", s.HandleTranscript).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/events", s.HandleEvents).Methods(http.MethodGet)
	router.HandleFunc("/sessions/{id}/relay", s.HandleRelay).Methods(http.MethodGet)

	if m != nil {
		router.Handle("/metrics", m.Handler()).Methods(http.MethodGet)
	}

	router.Use(s.loggingMiddleware)
	s.Handler = router
	return s
}

func (s *Server) Start() error {
	s.logger.Info("starting http server", zap.String("addr", s.Addr))
	if err := s.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

func (s *Server) Stop() error {
	s.logger.Info("stopping http server")
	ctx, cancel := context.WithTimeout(context.Background(), 3*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		s.logger.Error("error shutting down http server", zap.Error(err))
		return err
	}
	return nil
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		s.logger.Debug("request", zap.String("method", r.Method), zap.String("uri", r.RequestURI))
		next.ServeHTTP(w, r)
	})
}

func (s *Server) session(w http.ResponseWriter, r *http.Request) (*orchestrator.Session, bool) {
	sess, err := s.orch.Session(mux.Vars(r)["id"])
	if err != nil {
		respondWithError(w, http.StatusNotFound, err.Error())
		return nil, false
	}
	return sess, true
}

func respondWithJSON(w http.ResponseWriter, code int, payload interface{}) {
	response, _ := json.Marshal(payload)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	w.Write(response)
}

func respondWithError(w http.ResponseWriter, code int, message string) {
	respondWithJSON(w, code, map[string]string{"error": message})
}
