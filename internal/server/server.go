package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"timeflow/internal/catalog"
	"timeflow/internal/estimator"
	"timeflow/internal/history"
	"timeflow/internal/ident"
	"timeflow/internal/pipeline"
	"timeflow/internal/session"
	"timeflow/internal/storage"
)

// Editor is the editing session behind the API.
type Editor interface {
	Rotate(ctx context.Context, id string, degrees float64) (history.Result, error)
	AutoAlign(ctx context.Context, id string) (history.Result, error)
	Deflicker(ctx context.Context, id string) (history.Result, error)
	GapFill(ctx context.Context, id string) (history.Result, error)
	Undo(ctx context.Context) (history.Result, bool)
	Redo(ctx context.Context) (history.Result, bool)
	State() session.State
	PoseLandmarks(ctx context.Context, id string) ([]estimator.Point, bool, error)
	Subscribe() (<-chan session.Event, func())
}

// Photos lists the timeline.
type Photos interface {
	Timeline(ctx context.Context) ([]catalog.Photo, error)
	Get(ctx context.Context, id string) (catalog.Photo, error)
}

// Jobs queues background work.
type Jobs interface {
	Submit(job pipeline.Job) error
	Subscribe() (<-chan pipeline.Result, func())
}

// JobHistory reads persisted jobs.
type JobHistory interface {
	RecentJobs(limit int) ([]storage.JobRecord, error)
	JobMeta(id string) (map[string]any, error)
}

// Server exposes one editing session over HTTP plus a websocket event
// stream.
type Server struct {
	addr    string
	photos  Photos
	editor  Editor
	jobs    Jobs
	history JobHistory
	hub     *Hub
	log     *slog.Logger
	server  *http.Server
}

// New creates a server. jobs and hist may be nil, which disables the job
// endpoints.
func New(addr string, photos Photos, editor Editor, jobs Jobs, hist JobHistory, log *slog.Logger) *Server {
	if log == nil {
		log = slog.Default()
	}
	return &Server{
		addr:    addr,
		photos:  photos,
		editor:  editor,
		jobs:    jobs,
		history: hist,
		hub:     NewHub(log),
		log:     log,
	}
}

// Handler returns the route table.
func (s *Server) Handler() http.Handler {
	r := mux.NewRouter()
	s.setupRoutes(r)
	return r
}

// Start serves until ctx ends, forwarding session and job events to the
// websocket hub.
func (s *Server) Start(ctx context.Context) error {
	s.Forward(ctx)

	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		s.log.Info("Shutting down server...")
		ctxShutdown, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.server.Shutdown(ctxShutdown)
	}()

	s.log.Info("Server starting", "addr", s.addr)
	err := s.server.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Forward runs the hub and pumps events into it until ctx ends.
func (s *Server) Forward(ctx context.Context) {
	go s.hub.Run(ctx)

	edits, unsubEdits := s.editor.Subscribe()
	go func() {
		defer unsubEdits()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-edits:
				if !ok {
					return
				}
				s.hub.Publish(Message{Kind: "edit", Data: ev})
			}
		}
	}()

	if s.jobs == nil {
		return
	}
	results, unsubJobs := s.jobs.Subscribe()
	go func() {
		defer unsubJobs()
		for {
			select {
			case <-ctx.Done():
				return
			case res, ok := <-results:
				if !ok {
					return
				}
				s.hub.Publish(Message{Kind: "job", Data: jobPayload(res)})
			}
		}
	}()
}

func (s *Server) setupRoutes(r *mux.Router) {
	r.HandleFunc("/healthz", s.handleHealth).Methods("GET")

	r.HandleFunc("/photos", s.handlePhotos).Methods("GET")
	r.HandleFunc("/photos/{id}", s.handlePhoto).Methods("GET")
	r.HandleFunc("/photos/{id}/proxy", s.handleProxy).Methods("GET")
	r.HandleFunc("/photos/{id}/landmarks", s.handleLandmarks).Methods("GET")
	r.HandleFunc("/photos/{id}/rotate", s.handleRotate).Methods("POST")
	r.HandleFunc("/photos/{id}/align", s.handleEdit(s.editor.AutoAlign)).Methods("POST")
	r.HandleFunc("/photos/{id}/deflicker", s.handleEdit(s.editor.Deflicker)).Methods("POST")
	r.HandleFunc("/photos/{id}/gapfill", s.handleEdit(s.editor.GapFill)).Methods("POST")

	r.HandleFunc("/history", s.handleState).Methods("GET")
	r.HandleFunc("/history/undo", s.handleStep(s.editor.Undo)).Methods("POST")
	r.HandleFunc("/history/redo", s.handleStep(s.editor.Redo)).Methods("POST")

	r.HandleFunc("/exports", s.handleExport).Methods("POST")
	r.HandleFunc("/ingest", s.handleIngest).Methods("POST")
	r.HandleFunc("/jobs", s.handleJobs).Methods("GET")
	r.HandleFunc("/jobs/{id}", s.handleJob).Methods("GET")
	r.HandleFunc("/stream", s.handleJobStream).Methods("GET")
	r.Handle("/ws", s.hub).Methods("GET")
}

// editResponse is the body of every edit and history call.
type editResponse struct {
	Outcome string        `json:"outcome"`
	Detail  string        `json:"detail,omitempty"`
	Error   string        `json:"error,omitempty"`
	State   session.State `json:"state"`
}

func (s *Server) respondResult(w http.ResponseWriter, res history.Result) {
	body := editResponse{Outcome: res.Outcome.String(), Detail: res.Detail, State: s.editor.State()}
	status := http.StatusOK
	if res.Err != nil {
		body.Error = res.Err.Error()
		status = http.StatusUnprocessableEntity
	}
	writeJSON(w, status, body)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

func (s *Server) handlePhotos(w http.ResponseWriter, r *http.Request) {
	photos, err := s.photos.Timeline(r.Context())
	if err != nil {
		writeError(w, err)
		return
	}
	if photos == nil {
		photos = []catalog.Photo{}
	}
	writeJSON(w, http.StatusOK, photos)
}

func (s *Server) handlePhoto(w http.ResponseWriter, r *http.Request) {
	photo, err := s.photos.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, photo)
}

func (s *Server) handleProxy(w http.ResponseWriter, r *http.Request) {
	photo, err := s.photos.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	// proxies are rewritten in place by edits
	w.Header().Set("Cache-Control", "no-store")
	http.ServeFile(w, r, photo.ProxyPath)
}

func (s *Server) handleLandmarks(w http.ResponseWriter, r *http.Request) {
	points, ok, err := s.editor.PoseLandmarks(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	if points == nil {
		points = []estimator.Point{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"found": ok, "points": points})
}

func (s *Server) handleRotate(w http.ResponseWriter, r *http.Request) {
	req := struct {
		Degrees *float64 `json:"degrees"`
	}{}
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "invalid body: "+err.Error(), http.StatusBadRequest)
			return
		}
	}
	degrees := session.DefaultRotation
	if req.Degrees != nil {
		degrees = *req.Degrees
	}
	res, err := s.editor.Rotate(r.Context(), mux.Vars(r)["id"], degrees)
	if err != nil {
		writeError(w, err)
		return
	}
	s.respondResult(w, res)
}

func (s *Server) handleEdit(op func(context.Context, string) (history.Result, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, err := op(r.Context(), mux.Vars(r)["id"])
		if err != nil {
			writeError(w, err)
			return
		}
		s.respondResult(w, res)
	}
}

func (s *Server) handleStep(op func(context.Context) (history.Result, bool)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		res, ok := op(r.Context())
		if !ok {
			writeJSON(w, http.StatusConflict, editResponse{Outcome: "nothing", State: s.editor.State()})
			return
		}
		s.respondResult(w, res)
	}
}

func (s *Server) handleState(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.editor.State())
}

func (s *Server) handleExport(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}
	req := struct {
		Output      string `json:"output"`
		Audio       string `json:"audio"`
		SplitScreen bool   `json:"split_screen"`
		FPS         int    `json:"fps"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Output == "" {
		http.Error(w, "output is required", http.StatusBadRequest)
		return
	}
	job := pipeline.Job{
		ID:     ident.NewID("export"),
		Type:   pipeline.JobExport,
		Output: req.Output,
		Options: map[string]any{
			"audio":       req.Audio,
			"splitScreen": req.SplitScreen,
			"fps":         req.FPS,
		},
	}
	s.submit(w, job)
}

func (s *Server) handleIngest(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}
	req := struct {
		Paths []string `json:"paths"`
	}{}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || len(req.Paths) == 0 {
		http.Error(w, "paths are required", http.StatusBadRequest)
		return
	}
	job := pipeline.Job{
		ID:      ident.NewID("ingest"),
		Type:    pipeline.JobIngest,
		Options: map[string]any{"paths": req.Paths},
	}
	s.submit(w, job)
}

func (s *Server) submit(w http.ResponseWriter, job pipeline.Job) {
	if err := s.jobs.Submit(job); err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"id": job.ID})
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "job history unavailable", http.StatusServiceUnavailable)
		return
	}
	recs, err := s.history.RecentJobs(100)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if recs == nil {
		recs = []storage.JobRecord{}
	}
	writeJSON(w, http.StatusOK, recs)
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if s.history == nil {
		http.Error(w, "job history unavailable", http.StatusServiceUnavailable)
		return
	}
	meta, err := s.history.JobMeta(mux.Vars(r)["id"])
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, meta)
}

func (s *Server) handleJobStream(w http.ResponseWriter, r *http.Request) {
	if s.jobs == nil {
		http.Error(w, "job queue unavailable", http.StatusServiceUnavailable)
		return
	}
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "streaming unsupported", http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	resCh, unsubscribe := s.jobs.Subscribe()
	defer unsubscribe()
	for {
		select {
		case <-r.Context().Done():
			return
		case res, ok := <-resCh:
			if !ok {
				return
			}
			payload, _ := json.Marshal(jobPayload(res))
			_, _ = w.Write([]byte("data: " + string(payload) + "\n\n"))
			flusher.Flush()
		}
	}
}

// jobEvent is the wire form of a pipeline result.
type jobEvent struct {
	pipeline.Result
	Error string `json:"error,omitempty"`
}

func jobPayload(res pipeline.Result) jobEvent {
	return jobEvent{Result: res, Error: res.ErrorText()}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// writeError maps lookup errors to 404 and 409, everything else to 500.
func writeError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errors.Is(err, catalog.ErrNotFound):
		status = http.StatusNotFound
	case errors.Is(err, catalog.ErrNoNeighbor):
		status = http.StatusConflict
	}
	http.Error(w, err.Error(), status)
}
