// Package control exposes the command set of spec.md §6 as a small HTTP
// API: readiness/startup queries, encoder settings get/update, and relay
// target CRUD plus start/stop. It is the thin surface an out-of-scope
// UI/CLI layer would call; this module does not ship that caller.
package control

import (
	"encoding/json"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/relaycast/ingestd/internal/relay"
	"github.com/relaycast/ingestd/internal/state"
	"github.com/relaycast/ingestd/internal/store"
)

// RelayRunner is the subset of relay.Supervisor the Control API drives.
type RelayRunner interface {
	StartRelay(target state.RelayTarget)
	StopRelay(id int64)
	StartRelays(targets []state.RelayTarget)
	StopRelays()
	Handles() []relay.Handle
}

// Server holds everything the Control API's handlers read or mutate.
type Server struct {
	Readiness func() state.Readiness
	Ports     func() state.PortInfo
	Relays    store.RelayStore
	Settings  store.EncoderSettingsStore
	Runner    RelayRunner
}

// Router builds the chi router implementing the command table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/api/ready", s.handleReady)
	r.Get("/api/startup", s.handleStartup)
	r.Get("/api/stream/active", s.handleStreamActive)

	r.Get("/api/encoder-settings", s.handleGetEncoderSettings)
	r.Put("/api/encoder-settings", s.handlePutEncoderSettings)

	r.Post("/api/relays", s.handleAddRelay)
	r.Get("/api/relays", s.handleListRelays)
	r.Get("/api/relays/status", s.handleRelayStatus)
	r.Post("/api/relays/{id}/toggle", s.handleToggleRelay)
	r.Delete("/api/relays/{id}", s.handleRemoveRelay)
	r.Post("/api/relays/{id}/start", s.handleStartRelay)
	r.Post("/api/relays/{id}/stop", s.handleStopRelay)
	r.Post("/api/relays/start-all", s.handleStartAllRelays)
	r.Post("/api/relays/stop-all", s.handleStopAllRelays)

	return r
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ready := s.Readiness()
	writeJSON(w, http.StatusOK, map[string]bool{
		"rtmp_ready": ready.RTMPReady,
		"file_ready": ready.FileReady,
	})
}

func (s *Server) handleStartup(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Ports())
}

func (s *Server) handleStreamActive(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]bool{"active": s.Readiness().RTMPActive})
}

func (s *Server) handleGetEncoderSettings(w http.ResponseWriter, r *http.Request) {
	settings, err := s.Settings.GetEncoderSettings(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handlePutEncoderSettings(w http.ResponseWriter, r *http.Request) {
	var settings state.EncoderSettings
	if err := json.NewDecoder(r.Body).Decode(&settings); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := s.Settings.PutEncoderSettings(r.Context(), settings); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, settings)
}

func (s *Server) handleAddRelay(w http.ResponseWriter, r *http.Request) {
	var target state.RelayTarget
	if err := json.NewDecoder(r.Body).Decode(&target); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	created, err := s.Relays.AddRelayTarget(r.Context(), target)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, created)
}

func (s *Server) handleListRelays(w http.ResponseWriter, r *http.Request) {
	targets, err := s.Relays.ListRelayTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, targets)
}

// handleRelayStatus reports every running relay's handle, including
// whether suture is about to restart it after a failed child exit.
func (s *Server) handleRelayStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.Runner.Handles())
}

func (s *Server) handleToggleRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := s.Relays.GetRelayTarget(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	if err := s.Relays.SetRelayTargetEnabled(r.Context(), id, !target.Enabled); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"enabled": !target.Enabled})
}

func (s *Server) handleRemoveRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.Runner.StopRelay(id)
	if err := s.Relays.RemoveRelayTarget(r.Context(), id); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleStartRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	target, err := s.Relays.GetRelayTarget(r.Context(), id)
	if err != nil {
		writeError(w, http.StatusNotFound, err)
		return
	}
	s.Runner.StartRelay(target)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopRelay(w http.ResponseWriter, r *http.Request) {
	id, err := pathID(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	s.Runner.StopRelay(id)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStartAllRelays(w http.ResponseWriter, r *http.Request) {
	targets, err := s.Relays.ListRelayTargets(r.Context())
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	s.Runner.StartRelays(targets)
	w.WriteHeader(http.StatusAccepted)
}

func (s *Server) handleStopAllRelays(w http.ResponseWriter, r *http.Request) {
	s.Runner.StopRelays()
	w.WriteHeader(http.StatusAccepted)
}

func pathID(r *http.Request) (int64, error) {
	return strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
}
