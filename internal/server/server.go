// ============================================================================
// Admin HTTP Server
// ============================================================================
//
// Package: internal/server
// File: server.go
// Purpose: Read-only introspection of the work manager plus the
//          Prometheus scrape endpoint
//
// Routes:
//   GET  /healthz                       liveness
//   GET  /queues                        queue list with lifecycle counts
//   GET  /queues/{id}/works?state=...   work listing for one queue
//   POST /queues/{id}/clear-completed   drop the completed list
//   GET  /metrics                       Prometheus text format
//
// The server never mutates scheduling state beyond clear-completed;
// submissions go through the Go API.
//
// ============================================================================

package server

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/crestforge/workmanager/internal/manager"
	"github.com/crestforge/workmanager/internal/registry"
	"github.com/crestforge/workmanager/internal/work"
	"github.com/crestforge/workmanager/pkg/types"
)

// Server exposes the admin API over HTTP.
type Server struct {
	manager  *manager.Manager
	gatherer prometheus.Gatherer
	router   *mux.Router
}

// queueInfo is the JSON shape of one queue in the listing.
type queueInfo struct {
	ID         string `json:"id"`
	Name       string `json:"name"`
	MaxThreads int    `json:"max_threads"`
	Capacity   int    `json:"capacity"`
	Priority   bool   `json:"priority"`
	Scheduled  int    `json:"scheduled"`
	Running    int    `json:"running"`
	Completed  int    `json:"completed"`
	Suspended  int    `json:"suspended"`
}

// workInfo is the JSON shape of one work instance.
type workInfo struct {
	ID             string `json:"id"`
	Category       string `json:"category,omitempty"`
	State          string `json:"state"`
	StartTime      int64  `json:"start_time,omitempty"`
	CompletionTime int64  `json:"completion_time,omitempty"`
}

// New creates the admin server. A nil gatherer falls back to the
// Prometheus default gatherer.
func New(mgr *manager.Manager, gatherer prometheus.Gatherer) *Server {
	if gatherer == nil {
		gatherer = prometheus.DefaultGatherer
	}
	s := &Server{manager: mgr, gatherer: gatherer}

	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/queues", s.handleQueues).Methods(http.MethodGet)
	r.HandleFunc("/queues/{id}/works", s.handleWorks).Methods(http.MethodGet)
	r.HandleFunc("/queues/{id}/clear-completed", s.handleClearCompleted).Methods(http.MethodPost)
	r.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))
	s.router = r

	return s
}

// Handler returns the HTTP handler for mounting.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleQueues(w http.ResponseWriter, _ *http.Request) {
	infos := make([]queueInfo, 0)
	for _, id := range s.manager.QueueIDs() {
		desc, err := s.manager.Descriptor(id)
		if err != nil {
			continue
		}
		counts, err := s.manager.QueueCounts(id)
		if err != nil {
			writeError(w, err)
			return
		}
		infos = append(infos, queueInfo{
			ID:         desc.ID,
			Name:       desc.Name,
			MaxThreads: desc.EffectiveMaxThreads(),
			Capacity:   desc.Capacity,
			Priority:   desc.UsePriority,
			Scheduled:  counts.Scheduled,
			Running:    counts.Running,
			Completed:  counts.Completed,
			Suspended:  counts.Suspended,
		})
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleWorks(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["id"]
	state := types.State(r.URL.Query().Get("state"))

	works, err := s.manager.ListWork(queueID, state)
	if err != nil {
		writeError(w, err)
		return
	}
	infos := make([]workInfo, 0, len(works))
	for _, item := range works {
		infos = append(infos, toWorkInfo(item))
	}
	writeJSON(w, http.StatusOK, infos)
}

func (s *Server) handleClearCompleted(w http.ResponseWriter, r *http.Request) {
	queueID := mux.Vars(r)["id"]
	if err := s.manager.ClearCompletedWork(queueID); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "cleared"})
}

func toWorkInfo(w work.Work) workInfo {
	return workInfo{
		ID:             w.ID(),
		Category:       w.Category(),
		State:          string(w.State()),
		StartTime:      w.StartTime(),
		CompletionTime: w.CompletionTime(),
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, registry.ErrUnknownQueue):
		status = http.StatusNotFound
	case errors.Is(err, manager.ErrShutdown):
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}
