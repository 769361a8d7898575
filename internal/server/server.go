// Package server exposes the run history and live task progress over HTTP,
// so a long stack run can be followed without attaching to its terminal.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/gorilla/mux"

	"github.com/GeoscienceAustralia/PyGamma/internal/ctxlog"
	"github.com/GeoscienceAustralia/PyGamma/internal/scheduler"
	"github.com/GeoscienceAustralia/PyGamma/internal/storage"
	"github.com/GeoscienceAustralia/PyGamma/internal/watch"
)

// Server serves the status API for one stack directory.
type Server struct {
	addr    string
	workDir string
	store   *storage.Store
	log     *slog.Logger

	hub    *hub
	server *http.Server
}

// New builds a status server over the run history store and the work
// directory holding the completion markers.
func New(addr, workDir string, store *storage.Store, log *slog.Logger) *Server {
	return &Server{
		addr:    addr,
		workDir: workDir,
		store:   store,
		log:     log,
		hub:     newHub(log),
	}
}

// Start runs the server until the context is cancelled. Marker changes under
// the work directory are broadcast to websocket subscribers while it runs.
func (s *Server) Start(ctx context.Context) error {
	go s.hub.run(ctx)

	watcher, err := watch.New(s.workDir)
	if err != nil {
		// The work directory appears on the first run; live updates start
		// on restart, the API still answers.
		s.log.Warn("marker watch unavailable", "error", err)
	} else {
		go watcher.Run(ctxlog.WithLogger(ctx, s.log))
		go s.broadcastMarkers(ctx, watcher)
	}

	r := mux.NewRouter()
	s.setupRoutes(r)

	s.server = &http.Server{
		Addr:    s.addr,
		Handler: r,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down status server")
		if watcher != nil {
			watcher.Close()
		}
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("status server starting", "addr", s.addr)
	err = s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/api/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/api/runs/latest", s.handleLatestRun).Methods("GET")
	r.HandleFunc("/api/runs/{id}/tasks", s.handleTaskEvents).Methods("GET")
	r.HandleFunc("/api/runs/{id}/warnings", s.handleWarnings).Methods("GET")
	r.HandleFunc("/api/status", s.handleStatus).Methods("GET")
	r.HandleFunc("/ws", s.handleWebSocket).Methods("GET")
}

func (s *Server) broadcastMarkers(ctx context.Context, watcher *watch.Watcher) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-watcher.Events():
			if !ok {
				return
			}
			payload, err := json.Marshal(markerUpdate{
				Task:  ev.Task,
				State: ev.State.String(),
				At:    ev.Time,
			})
			if err != nil {
				continue
			}
			s.hub.publish(payload)
		}
	}
}

type markerUpdate struct {
	Task  string    `json:"task"`
	State string    `json:"state"`
	At    time.Time `json:"at"`
}

// TaskStatus is one task's durable completion state in the status listing.
type TaskStatus struct {
	Task  string `json:"task"`
	State string `json:"state"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	runs, err := s.store.Runs()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, runs)
}

func (s *Server) handleLatestRun(w http.ResponseWriter, r *http.Request) {
	run, err := s.store.LatestRun()
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if run == nil {
		http.Error(w, "no runs recorded", http.StatusNotFound)
		return
	}
	writeJSON(w, run)
}

func (s *Server) handleTaskEvents(w http.ResponseWriter, r *http.Request) {
	events, err := s.store.TaskEvents(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, events)
}

func (s *Server) handleWarnings(w http.ResponseWriter, r *http.Request) {
	warnings, err := s.store.Warnings(mux.Vars(r)["id"])
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, warnings)
}

// handleStatus lists every completion marker under the work directory.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	statuses, err := ScanMarkers(s.workDir)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, statuses)
}

// ScanMarkers reads the durable state of every task marker in workDir.
func ScanMarkers(workDir string) ([]TaskStatus, error) {
	entries, err := os.ReadDir(workDir)
	if os.IsNotExist(err) {
		return []TaskStatus{}, nil
	}
	if err != nil {
		return nil, err
	}

	statuses := []TaskStatus{}
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		task, isMarker := watch.TaskFromMarker(entry.Name())
		if !isMarker {
			continue
		}
		state, err := scheduler.ReadMarker(filepath.Join(workDir, entry.Name()))
		if err != nil {
			return nil, err
		}
		statuses = append(statuses, TaskStatus{Task: task, State: state.String()})
	}
	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Task < statuses[j].Task })
	return statuses, nil
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
