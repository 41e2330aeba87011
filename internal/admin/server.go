// Package admin exposes the operational HTTP API of a soak run: status and
// parameter inspection, journal verification, and the pause/resume switch
// for the tuning pipeline.
package admin

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"

	"github.com/dk997467/dk997467-mm-bot-sub008/internal/artifact"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/journal"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overlay"
	"github.com/dk997467/dk997467-mm-bot-sub008/internal/overrides"
)

// TuningSwitch is the control surface the server uses to hold and release
// the apply pipeline. Satisfied by *soak.Runner.
type TuningSwitch interface {
	Pause()
	Resume()
	Paused() bool
}

// Server provides the HTTP admin API for a running soak loop. All read
// endpoints serve from the on-disk artifacts, so the server never races the
// iteration in flight.
type Server struct {
	artifactsDir string
	journalPath  string
	store        *overrides.Store
	overlays     *overlay.Manager
	tuning       TuningSwitch
	logger       *slog.Logger
}

// NewServer creates an admin API server over the run's artifact directory.
func NewServer(artifactsDir, journalPath string, store *overrides.Store, logger *slog.Logger, opts ...ServerOption) *Server {
	s := &Server{
		artifactsDir: artifactsDir,
		journalPath:  journalPath,
		store:        store,
		logger:       logger.With("component", "admin"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ServerOption configures optional dependencies for the admin server.
type ServerOption func(*Server)

// WithTuningSwitch wires the pause/resume control.
func WithTuningSwitch(ts TuningSwitch) ServerOption {
	return func(s *Server) { s.tuning = ts }
}

// WithOverlayManager wires overlay inspection.
func WithOverlayManager(m *overlay.Manager) ServerOption {
	return func(s *Server) { s.overlays = m }
}

// Handler returns the HTTP handler for the admin API.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /admin/v1/healthz", s.handleHealthz)
	mux.HandleFunc("GET /admin/v1/status", s.handleStatus)
	mux.HandleFunc("GET /admin/v1/params", s.handleParams)
	mux.HandleFunc("GET /admin/v1/iterations/{n}", s.handleIteration)
	mux.HandleFunc("GET /admin/v1/journal/verify", s.handleJournalVerify)
	mux.HandleFunc("GET /admin/v1/journal/tail", s.handleJournalTail)
	mux.HandleFunc("GET /admin/v1/overlay", s.handleOverlay)
	mux.HandleFunc("POST /admin/v1/tuning/pause", s.handlePause)
	mux.HandleFunc("POST /admin/v1/tuning/resume", s.handleResume)
	return mux
}

// writeJSON writes v as JSON with the given HTTP status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	var report map[string]any
	err := artifact.ReadJSON(filepath.Join(s.artifactsDir, "TUNING_REPORT.json"), &report)
	if os.IsNotExist(err) {
		http.Error(w, `{"error":"no report yet"}`, http.StatusNotFound)
		return
	}
	if err != nil {
		s.logger.Error("read tuning report failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	if s.tuning != nil {
		report["tuning_paused"] = s.tuning.Paused()
	}
	writeJSON(w, http.StatusOK, report)
}

// paramResponse describes one tunable. Override is absent while the field
// still rides on the strategy default.
type paramResponse struct {
	Override *float64 `json:"override,omitempty"`
	Min      float64  `json:"min"`
	Max      float64  `json:"max"`
}

func (s *Server) handleParams(w http.ResponseWriter, r *http.Request) {
	values := s.store.Snapshot()
	tunables := s.store.Tunables()
	resp := make(map[string]paramResponse, len(tunables))
	for _, field := range tunables {
		b, _ := s.store.Bound(field)
		p := paramResponse{Min: b.Min, Max: b.Max}
		if v, ok := values[field]; ok {
			p.Override = &v
		}
		resp[field] = p
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleIteration(w http.ResponseWriter, r *http.Request) {
	n, err := strconv.Atoi(r.PathValue("n"))
	if err != nil || n < 1 {
		http.Error(w, `{"error":"iteration must be a positive integer"}`, http.StatusBadRequest)
		return
	}

	var summary map[string]any
	path := filepath.Join(s.artifactsDir, "ITER_SUMMARY_"+strconv.Itoa(n)+".json")
	if err := artifact.ReadJSON(path, &summary); err != nil {
		if os.IsNotExist(err) {
			http.Error(w, `{"error":"iteration not found"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("read iteration summary failed", "iteration", n, "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (s *Server) handleJournalVerify(w http.ResponseWriter, r *http.Request) {
	res, err := journal.Verify(s.journalPath)
	if err != nil {
		s.logger.Error("journal verify failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	status := http.StatusOK
	if !res.OK {
		// Surface a broken chain loudly: the body carries the detail.
		status = http.StatusConflict
	}
	writeJSON(w, status, res)
}

const journalTailDefault = 20

func (s *Server) handleJournalTail(w http.ResponseWriter, r *http.Request) {
	n := journalTailDefault
	if raw := r.URL.Query().Get("n"); raw != "" {
		parsed, err := strconv.Atoi(raw)
		if err != nil || parsed < 1 {
			http.Error(w, `{"error":"n must be a positive integer"}`, http.StatusBadRequest)
			return
		}
		n = parsed
	}

	records, err := journal.Tail(s.journalPath, n)
	if err != nil {
		s.logger.Error("journal tail failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, records)
}

func (s *Server) handleOverlay(w http.ResponseWriter, r *http.Request) {
	if s.overlays == nil {
		http.Error(w, `{"error":"overlay inspection not available"}`, http.StatusServiceUnavailable)
		return
	}

	snap, err := s.overlays.Active()
	if err != nil {
		if os.IsNotExist(err) {
			http.Error(w, `{"error":"no active overlay"}`, http.StatusNotFound)
			return
		}
		s.logger.Error("read active overlay failed", "error", err)
		http.Error(w, `{"error":"internal server error"}`, http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func (s *Server) handlePause(w http.ResponseWriter, r *http.Request) {
	if s.tuning == nil {
		http.Error(w, `{"error":"tuning control not available"}`, http.StatusServiceUnavailable)
		return
	}
	s.tuning.Pause()
	s.logger.Info("tuning paused via admin API", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": true})
}

func (s *Server) handleResume(w http.ResponseWriter, r *http.Request) {
	if s.tuning == nil {
		http.Error(w, `{"error":"tuning control not available"}`, http.StatusServiceUnavailable)
		return
	}
	s.tuning.Resume()
	s.logger.Info("tuning resumed via admin API", "remote_addr", r.RemoteAddr)
	writeJSON(w, http.StatusOK, map[string]bool{"paused": false})
}
