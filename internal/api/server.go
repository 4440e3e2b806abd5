package api

import (
	"context"
	"encoding/json"
	"log"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"lanlu-tracker/internal/config"
	"lanlu-tracker/internal/history"
	"lanlu-tracker/internal/models"
	"lanlu-tracker/internal/queuestore"
	"lanlu-tracker/internal/ratelimit"
	"lanlu-tracker/internal/taskpool"
	"lanlu-tracker/internal/telemetry"
)

// PollControl is the slice of the poller the HTTP surface drives.
type PollControl interface {
	PollOnce(ctx context.Context)
	UpdateEntries(entries []models.QueueEntry)
}

// Enqueuer is the slice of the task-pool client the enqueue flow needs.
type Enqueuer interface {
	SearchSource(ctx context.Context, token, sourceURL string) (archiveID, title string, found bool, err error)
	EnqueueDownload(ctx context.Context, token string, req taskpool.DownloadRequest) (string, error)
}

// Server wires the UI-facing HTTP handlers: enqueue, queue inspection, and a
// manual poll trigger.
type Server struct {
	cfg     config.Config
	store   *queuestore.Store
	client  Enqueuer
	poll    PollControl
	limiter *ratelimit.TokenBucket
	hist    *history.Sink
}

// New constructs the HTTP surface. limiter and hist may be nil.
func New(cfg config.Config, st *queuestore.Store, client Enqueuer, poll PollControl, limiter *ratelimit.TokenBucket, hist *history.Sink) *Server {
	return &Server{
		cfg:     cfg,
		store:   st,
		client:  client,
		poll:    poll,
		limiter: limiter,
		hist:    hist,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})

	r.Mount("/metrics", telemetry.Handler())

	r.Post("/queue", s.handleEnqueue)
	r.Get("/queue", s.handleList)
	r.Delete("/queue/{id}", s.handleDelete)
	r.Post("/queue/clear", s.handleClear)
	r.Post("/poll", s.handlePoll)
	if s.hist != nil {
		r.Get("/history", s.handleHistory)
	}
	return r
}

type enqueueRequest struct {
	URL        string `json:"url"`
	Title      string `json:"title"`
	CategoryID string `json:"category_id"`
}

func (s *Server) handleEnqueue(w http.ResponseWriter, r *http.Request) {
	var req enqueueRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid json", http.StatusBadRequest)
		return
	}
	if req.URL == "" {
		http.Error(w, "url is required", http.StatusBadRequest)
		return
	}
	if req.CategoryID == "" {
		req.CategoryID = s.cfg.DefaultCategoryID
	}

	if s.limiter != nil {
		allowed, err := s.limiter.Allow(r.Context(), clientKey(r))
		if err != nil {
			http.Error(w, "rate limit error", http.StatusInternalServerError)
			return
		}
		if !allowed {
			telemetry.RateLimitRejects.Inc()
			http.Error(w, "rate limited", http.StatusTooManyRequests)
			return
		}
	}

	now := time.Now().UTC()
	entry := models.QueueEntry{
		ID:        uuid.New().String(),
		URL:       req.URL,
		Title:     req.Title,
		CreatedAt: now,
		UpdatedAt: now,
	}

	// A URL the server already holds becomes an entry with status exists;
	// no download task is created for it.
	archiveID, title, found, err := s.client.SearchSource(r.Context(), s.cfg.ServerAPIKey, req.URL)
	if err != nil {
		log.Printf("api: dedupe search for %s: %v", req.URL, err)
	}
	if found {
		entry.Status = models.StatusExists
		entry.ArchiveID = archiveID
		if entry.Title == "" {
			entry.Title = title
		}
	} else {
		jobID, err := s.client.EnqueueDownload(r.Context(), s.cfg.ServerAPIKey, taskpool.DownloadRequest{
			URL:        req.URL,
			Title:      req.Title,
			CategoryID: req.CategoryID,
		})
		if err != nil {
			http.Error(w, err.Error(), http.StatusBadGateway)
			return
		}
		entry.Status = models.StatusQueued
		entry.DownloadTaskID = jobID
		telemetry.EnqueueCounter.Inc()
	}

	if err := s.store.Upsert(r.Context(), entry); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.refreshSnapshot(r.Context())

	writeJSON(w, http.StatusAccepted, entry)
}

func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	entries, err := s.store.List(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if entries == nil {
		entries = []models.QueueEntry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"entries": entries})
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := s.store.Delete(r.Context(), id); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.refreshSnapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]string{"status": "deleted"})
}

// handleClear removes every entry no longer requiring polling.
func (s *Server) handleClear(w http.ResponseWriter, r *http.Request) {
	n, err := s.store.ClearWhere(r.Context(), func(e models.QueueEntry) bool {
		return !e.Active()
	})
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	s.refreshSnapshot(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"cleared": n})
}

// handlePoll triggers a single tick outside the timer. The poller's own guard
// makes this a no-op while a tick is in flight.
func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	s.poll.PollOnce(r.Context())
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "polled"})
}

func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	limit := 50
	if v := r.URL.Query().Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	records, err := s.hist.Recent(r.Context(), limit)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if records == nil {
		records = []history.Record{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"records": records})
}

func (s *Server) refreshSnapshot(ctx context.Context) {
	entries, err := s.store.List(ctx)
	if err != nil {
		log.Printf("api: refresh snapshot: %v", err)
		return
	}
	s.poll.UpdateEntries(entries)
}

func clientKey(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil || host == "" {
		return r.RemoteAddr
	}
	return host
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}
