// Package server exposes planning runs over HTTP and streams job results
// to websocket clients.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"flatmaster/internal/pipeline"
	"flatmaster/internal/planner"
	"flatmaster/internal/storage"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
)

const defaultRunLimit = 50

// Server wraps the HTTP listener, the run store and the job pipeline.
type Server struct {
	addr     string
	store    *storage.Store
	pipeline *pipeline.Pipeline
	log      *slog.Logger
	server   *http.Server
	hub      *hub
	upgrader websocket.Upgrader
}

// NewServer creates a server. store may be nil, in which case run history
// endpoints report 503.
func NewServer(addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:     addr,
		store:    store,
		pipeline: pipe,
		log:      log,
		hub:      newHub(log),
		upgrader: websocket.Upgrader{
			CheckOrigin: func(r *http.Request) bool { return true },
		},
	}
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.run(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("shutting down server")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Serve is a convenience wrapper for the CLI.
func Serve(ctx context.Context, addr string, store *storage.Store, pipe *pipeline.Pipeline, log *slog.Logger) error {
	return NewServer(addr, store, pipe, log).Start(ctx)
}

// run starts the websocket hub and the pipeline forwarder.
func (s *Server) run(ctx context.Context) {
	go s.hub.run(ctx)
	if s.pipeline == nil {
		return
	}
	results, unsubscribe := s.pipeline.Subscribe()
	go func() {
		defer unsubscribe()
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-results:
				if !ok {
					return
				}
				payload, err := json.Marshal(newEvent(res))
				if err != nil {
					s.log.Warn("failed to encode event", "job", res.Job.ID, "error", err)
					continue
				}
				s.hub.publish(ctx, payload)
			}
		}
	}()
}

// Handler returns the routed HTTP handler.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/runs", s.handleRuns).Methods("GET")
	r.HandleFunc("/runs/{id}", s.handleRun).Methods("GET")
	r.HandleFunc("/runs/{id}/plan", s.handleRunPlan).Methods("GET")
	r.HandleFunc("/plans", s.handleSubmitPlan).Methods("POST")
	r.HandleFunc("/plans/latest", s.handleLatestPlan).Methods("GET")
	r.HandleFunc("/catalog", s.handleCatalog).Methods("GET")
	r.HandleFunc("/stream", s.handleStream).Methods("GET")
	return r
}

// event is the wire form of a pipeline result.
type event struct {
	JobID  string         `json:"job_id"`
	Type   string         `json:"type"`
	Status string         `json:"status"`
	RunID  string         `json:"run_id,omitempty"`
	Error  string         `json:"error,omitempty"`
	Meta   map[string]any `json:"meta,omitempty"`
}

func newEvent(res pipeline.Result) event {
	ev := event{JobID: res.Job.ID, Type: string(res.Job.Type), Status: "completed", Meta: res.Meta}
	if res.Error != nil {
		ev.Status = "failed"
		ev.Error = res.Error.Error()
	}
	if res.Plan != nil {
		ev.RunID = res.Plan.RunID
	}
	return ev
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	recs, err := s.store.RecentJobs(limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleRuns(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	runs, err := s.store.RecentRuns(limitParam(r))
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, runs)
}

func (s *Server) handleRun(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	id := mux.Vars(r)["id"]
	run, err := s.store.Run(id)
	if err != nil {
		storeError(w, err)
		return
	}
	skips, err := s.store.Skips(id)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"run": run, "skips": skips})
}

func (s *Server) handleRunPlan(w http.ResponseWriter, r *http.Request) {
	if !s.requireStore(w) {
		return
	}
	plan, err := s.store.Plan(mux.Vars(r)["id"])
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// planRequest is the body of POST /plans. Empty roots fall back to the
// configured ones.
type planRequest struct {
	FlatRoots        []string `json:"flat_roots"`
	DarkRoots        []string `json:"dark_roots"`
	Run              bool     `json:"run"`
	DeleteCalibrated *bool    `json:"delete_calibrated,omitempty"`
	AllowNearest     *bool    `json:"allow_nearest,omitempty"`
}

func (s *Server) handleSubmitPlan(w http.ResponseWriter, r *http.Request) {
	if s.pipeline == nil {
		http.Error(w, "pipeline not running", http.StatusServiceUnavailable)
		return
	}
	var req planRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid request body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}

	job := pipeline.Job{
		ID:      "plan-" + uuid.NewString(),
		Type:    pipeline.JobPlan,
		Options: map[string]any{},
	}
	if req.Run {
		job.ID = "run-" + uuid.NewString()
		job.Type = pipeline.JobRun
	}
	if len(req.FlatRoots) > 0 {
		job.Options["flatRoots"] = req.FlatRoots
	}
	if len(req.DarkRoots) > 0 {
		job.Options["darkRoots"] = req.DarkRoots
	}
	if req.DeleteCalibrated != nil {
		job.Options["deleteCalibrated"] = *req.DeleteCalibrated
	}
	if req.AllowNearest != nil {
		job.Options["allowNearest"] = *req.AllowNearest
	}

	if err := s.pipeline.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"job_id": job.ID, "type": string(job.Type)})
}

func (s *Server) handleLatestPlan(w http.ResponseWriter, r *http.Request) {
	plan, err := s.latestPlan()
	if err != nil {
		storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, plan)
}

// handleCatalog reports the dark inventory of the latest plan, counted by kind.
func (s *Server) handleCatalog(w http.ResponseWriter, r *http.Request) {
	plan, err := s.latestPlan()
	if err != nil {
		storeError(w, err)
		return
	}
	counts := map[string]int{}
	for _, e := range plan.DarkCatalog {
		counts[string(e.Kind)]++
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"run_id":  plan.RunID,
		"counts":  counts,
		"entries": plan.DarkCatalog,
	})
}

func (s *Server) handleStream(w http.ResponseWriter, r *http.Request) {
	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		s.log.Warn("websocket upgrade failed", "error", err)
		return
	}
	if !s.hub.register(r.Context(), conn) {
		conn.Close()
		return
	}

	go func() {
		defer s.hub.unregister(conn)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

// latestPlan prefers the in-memory plan and falls back to the store.
func (s *Server) latestPlan() (*planner.Plan, error) {
	if s.pipeline != nil {
		if plan := s.pipeline.LatestPlan(); plan != nil {
			return plan, nil
		}
	}
	if s.store == nil {
		return nil, storage.ErrNotFound
	}
	return s.store.LatestPlan()
}

func (s *Server) requireStore(w http.ResponseWriter) bool {
	if s.store == nil {
		http.Error(w, "store not configured", http.StatusServiceUnavailable)
		return false
	}
	return true
}

func storeError(w http.ResponseWriter, err error) {
	if errors.Is(err, storage.ErrNotFound) {
		http.Error(w, err.Error(), http.StatusNotFound)
		return
	}
	http.Error(w, err.Error(), http.StatusInternalServerError)
}

func limitParam(r *http.Request) int {
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		return v
	}
	return defaultRunLimit
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}
