// Package httpapi is the local control API the rider's UI drives tracking
// through.
package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/rider-tracker/internal/auth"
	"github.com/example/rider-tracker/internal/location"
	"github.com/example/rider-tracker/internal/logging"
	"github.com/example/rider-tracker/internal/models"
	"github.com/example/rider-tracker/internal/session"
	"github.com/example/rider-tracker/internal/storage"
)

// StopConsequence is shown to the rider before tracking stops.
const StopConsequence = "your location will no longer be shared"

// Controller is the tracking state machine as the API drives it.
type Controller interface {
	Start(ctx context.Context) error
	Stop(ctx context.Context) error
	Toggle(ctx context.Context) error
	IsTracking() bool
	// RiderID is the signed-in rider, empty when nobody is.
	RiderID() string
	Snapshot(ctx context.Context) session.Snapshot
	ObserveLifecycle(s session.AppState) error
	Login(ctx context.Context, id models.CachedIdentity) error
	Logout(ctx context.Context) error
}

type TokenDecoder interface {
	Decode(raw string) (models.CachedIdentity, error)
}

type Server struct {
	Controller Controller
	Config     *storage.ConfigStore
	Status     *storage.StatusStore
	Tokens     TokenDecoder
	Now        func() time.Time

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(ctrl Controller, cfg *storage.ConfigStore, status *storage.StatusStore, tokens TokenDecoder, logger *slog.Logger) *Server {
	s := &Server{
		Controller: ctrl,
		Config:     cfg,
		Status:     status,
		Tokens:     tokens,
		Now:        time.Now,
		logger:     logging.Component(logger, "http"),
		mux:        mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()
	api.HandleFunc("/tracking", s.handleSnapshot).Methods(http.MethodGet)
	api.HandleFunc("/tracking/start", s.handleStart).Methods(http.MethodPost)
	api.HandleFunc("/tracking/stop", s.handleStop).Methods(http.MethodPost)
	api.HandleFunc("/tracking/toggle", s.handleToggle).Methods(http.MethodPost)
	api.HandleFunc("/tracking/config", s.handleGetConfig).Methods(http.MethodGet)
	api.HandleFunc("/tracking/config", s.handlePatchConfig).Methods(http.MethodPatch)
	api.HandleFunc("/tracking/status", s.handleStatus).Methods(http.MethodGet)
	api.HandleFunc("/lifecycle", s.handleLifecycle).Methods(http.MethodPost)
	api.HandleFunc("/session/login", s.handleLogin).Methods(http.MethodPost)
	api.HandleFunc("/session/logout", s.handleLogout).Methods(http.MethodPost)

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	}).Methods(http.MethodGet)
	s.mux.Handle("/metrics", promhttp.Handler())
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type confirmRequest struct {
	Confirm bool `json:"confirm"`
}

func (s *Server) handleSnapshot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Controller.Snapshot(r.Context()))
}

func (s *Server) handleStart(w http.ResponseWriter, r *http.Request) {
	if err := s.Controller.Start(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Controller.Snapshot(r.Context()))
}

func (s *Server) handleStop(w http.ResponseWriter, r *http.Request) {
	if !s.confirmed(w, r) {
		return
	}
	if err := s.Controller.Stop(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Controller.Snapshot(r.Context()))
}

// handleToggle only asks for confirmation when the toggle would stop tracking.
func (s *Server) handleToggle(w http.ResponseWriter, r *http.Request) {
	if s.Controller.IsTracking() && !s.confirmed(w, r) {
		return
	}
	if err := s.Controller.Toggle(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, s.Controller.Snapshot(r.Context()))
}

// confirmed reports whether the body carries {"confirm": true} and answers
// 409 with the consequence text when it does not.
func (s *Server) confirmed(w http.ResponseWriter, r *http.Request) bool {
	var req confirmRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
			return false
		}
	}
	if !req.Confirm {
		writeJSON(w, http.StatusConflict, errorBody{Error: "confirmation required", Message: StopConsequence})
		return false
	}
	return true
}

func (s *Server) handleGetConfig(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Config.Get(r.Context()))
}

func (s *Server) handlePatchConfig(w http.ResponseWriter, r *http.Request) {
	var patch models.ConfigPatch
	if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	cfg := s.Config.Update(r.Context(), patch)
	resp := map[string]any{"config": cfg}
	if s.Controller.IsTracking() {
		resp["note"] = "changes apply the next time tracking starts"
	}
	writeJSON(w, http.StatusOK, resp)
}

type statusResponse struct {
	LastSentTimestamp *string `json:"lastSentTimestamp"`
	LastUpdate        string  `json:"lastUpdate"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	resp := statusResponse{LastUpdate: "never"}
	if last, ok := s.Status.LastSent(r.Context()); ok {
		ts := models.FormatTimestamp(last)
		resp.LastSentTimestamp = &ts
		resp.LastUpdate = humanize.RelTime(last, s.Now(), "ago", "from now")
	}
	writeJSON(w, http.StatusOK, resp)
}

type lifecycleRequest struct {
	State session.AppState `json:"state"`
}

func (s *Server) handleLifecycle(w http.ResponseWriter, r *http.Request) {
	var req lifecycleRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	if err := s.Controller.ObserveLifecycle(req.State); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: err.Error()})
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Token string `json:"token"`
}

type loginResponse struct {
	RiderID string `json:"riderId"`
	Name    string `json:"name"`
	Phone   string `json:"phone"`
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	var req loginRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Error: "invalid request body"})
		return
	}
	id, err := s.Tokens.Decode(req.Token)
	if err != nil {
		s.logger.Warn("login rejected", "error", err)
		writeJSON(w, http.StatusUnauthorized, errorBody{Error: err.Error()})
		return
	}
	if err := s.Controller.Login(r.Context(), id); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, loginResponse{RiderID: id.ID, Name: id.Name, Phone: id.Phone})
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.Controller.Logout(r.Context()); err != nil {
		s.writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, session.ErrBusy):
		status = http.StatusConflict
	case errors.Is(err, session.ErrPermissionDenied):
		status = http.StatusForbidden
	case errors.Is(err, session.ErrNoIdentity):
		status = http.StatusUnprocessableEntity
	case errors.Is(err, auth.ErrInvalidToken), errors.Is(err, auth.ErrNoRiderID):
		status = http.StatusUnauthorized
	case errors.Is(err, location.ErrRegistration):
		s.logger.Error("tracking registration failed", "error", err)
	default:
		s.logger.Error("request failed", "error", err)
	}
	writeJSON(w, status, errorBody{Error: err.Error()})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}
