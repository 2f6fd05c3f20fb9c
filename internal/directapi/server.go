// Package directapi is the worker's local HTTP surface: submit a job
// without the gateway, query its state, and read queue occupancy.
package directapi

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"peertide/internal/observability/logging"
	"peertide/internal/observability/metrics"
	"peertide/internal/queue"
	"peertide/internal/serverutil"
)

// JobStore is the queue surface the API needs.
type JobStore interface {
	AddDirect(req queue.DirectRequest) queue.Job
	Get(id string) (queue.Job, bool)
	Counts() (total, pending, active int)
}

type Config struct {
	Addr            string
	APIKey          string
	Enabled         bool
	GlobalRPS       float64
	GlobalBurst     int
	TLSCert         string
	TLSKey          string
	ShutdownTimeout time.Duration
	Logger          *slog.Logger
	Metrics         *metrics.Recorder
}

type Server struct {
	cfg     Config
	logger  *slog.Logger
	metrics *metrics.Recorder
	store   JobStore
	limiter *tokenBucket
}

func New(cfg Config, store JobStore) *Server {
	if cfg.Addr == "" {
		cfg.Addr = ":8099"
	}
	if cfg.ShutdownTimeout <= 0 {
		cfg.ShutdownTimeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:     cfg,
		logger:  logger,
		metrics: cfg.Metrics,
		store:   store,
	}
	if cfg.GlobalRPS > 0 {
		burst := cfg.GlobalBurst
		if burst <= 0 {
			burst = int(cfg.GlobalRPS)
			if burst < 1 {
				burst = 1
			}
		}
		s.limiter = newTokenBucket(cfg.GlobalRPS, burst)
	}
	return s
}

func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", s.handleHealth)
	if s.metrics != nil {
		mux.Handle("/metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/encode", s.guard(s.handleEncode))
	mux.HandleFunc("/job/", s.guard(s.handleJob))
	mux.HandleFunc("/jobs", s.guard(s.handleJobs))

	handler := http.Handler(mux)
	if s.metrics != nil {
		handler = s.metrics.Middleware(handler)
	}
	return logging.RequestLogger(logging.RequestLoggerConfig{Logger: s.logger})(handler)
}

// Run serves until the context is cancelled, then shuts down gracefully
// within the configured timeout.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:              s.cfg.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	s.logger.Info("direct api listening",
		"addr", s.cfg.Addr, "enabled", s.cfg.Enabled, "tls", s.cfg.TLSCert != "")
	return serverutil.Run(ctx, serverutil.Config{
		Server:          srv,
		TLS:             serverutil.TLSConfig{CertFile: s.cfg.TLSCert, KeyFile: s.cfg.TLSKey},
		ShutdownTimeout: s.cfg.ShutdownTimeout,
	})
}

// guard applies the disabled gate, rate limit, and API-key check in front
// of an authenticated handler.
func (s *Server) guard(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.cfg.Enabled {
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{
				"error":  "direct api disabled",
				"status": "disabled",
			})
			return
		}
		if s.limiter != nil && !s.limiter.Allow() {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		if !s.authorized(r) {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "invalid api key"})
			return
		}
		next(w, r)
	}
}

func (s *Server) authorized(r *http.Request) bool {
	if s.cfg.APIKey == "" {
		return true
	}
	presented := strings.TrimSpace(r.Header.Get("X-API-Key"))
	if presented == "" {
		auth := r.Header.Get("Authorization")
		if after, ok := strings.CutPrefix(auth, "Bearer "); ok {
			presented = strings.TrimSpace(after)
		}
	}
	if presented == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(presented), []byte(s.cfg.APIKey)) == 1
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"enabled": s.cfg.Enabled,
	})
}

// DirectJobRequest is the POST /encode body.
type DirectJobRequest struct {
	Owner      string   `json:"owner"`
	Permlink   string   `json:"permlink"`
	InputCID   string   `json:"input_cid"`
	InputURI   string   `json:"input_uri"`
	Profiles   []string `json:"profiles"`
	Short      bool     `json:"short"`
	WebhookURL string   `json:"webhook_url"`
}

func (s *Server) handleEncode(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	var req DirectJobRequest
	if err := decodeJSON(r, &req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid request body: " + err.Error()})
		return
	}
	if strings.TrimSpace(req.InputCID) == "" && strings.TrimSpace(req.InputURI) == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "input_cid or input_uri is required"})
		return
	}
	job := s.store.AddDirect(queue.DirectRequest{
		Owner:      req.Owner,
		Permlink:   req.Permlink,
		InputCID:   req.InputCID,
		InputURI:   req.InputURI,
		Profiles:   req.Profiles,
		Short:      req.Short,
		WebhookURL: req.WebhookURL,
	})
	s.logger.Info("direct job accepted", "job_id", job.ID, "owner", req.Owner, "short", req.Short)
	writeJSON(w, http.StatusAccepted, map[string]any{
		"jobId":     job.ID,
		"status":    string(job.Status),
		"createdAt": job.CreatedAt.Format(time.RFC3339),
	})
}

func (s *Server) handleJob(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	id := strings.TrimPrefix(r.URL.Path, "/job/")
	if id == "" || strings.Contains(id, "/") {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "job id required"})
		return
	}
	job, ok := s.store.Get(id)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "job not found", "job_id": id})
		return
	}
	payload := map[string]any{
		"jobId":     job.ID,
		"status":    string(job.Status),
		"progress":  job.ProgressPercent,
		"createdAt": job.CreatedAt.Format(time.RFC3339),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339),
	}
	if job.ResultCID != "" {
		payload["result_cid"] = job.ResultCID
		payload["video_url"] = fmt.Sprintf("ipfs://%s/manifest.m3u8", job.ResultCID)
	}
	if job.LastError != "" {
		payload["error"] = job.LastError
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *Server) handleJobs(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
		return
	}
	total, pending, active := s.store.Counts()
	writeJSON(w, http.StatusOK, map[string]int{
		"total":   total,
		"pending": pending,
		"active":  active,
	})
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if payload == nil {
		return
	}
	_ = json.NewEncoder(w).Encode(payload)
}

func decodeJSON(r *http.Request, dest any) error {
	if r.Body == nil {
		return errors.New("request body is required")
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	return decoder.Decode(dest)
}

// tokenBucket is a simple global limiter refilled continuously.
type tokenBucket struct {
	mu        sync.Mutex
	rate      float64
	capacity  float64
	tokens    float64
	lastCheck time.Time
}

func newTokenBucket(rate float64, burst int) *tokenBucket {
	if rate <= 0 {
		rate = 1
	}
	if burst <= 0 {
		burst = 1
	}
	return &tokenBucket{
		rate:      rate,
		capacity:  float64(burst),
		tokens:    float64(burst),
		lastCheck: time.Now(),
	}
}

func (tb *tokenBucket) Allow() bool {
	tb.mu.Lock()
	defer tb.mu.Unlock()
	now := time.Now()
	tb.tokens += now.Sub(tb.lastCheck).Seconds() * tb.rate
	tb.lastCheck = now
	if tb.tokens > tb.capacity {
		tb.tokens = tb.capacity
	}
	if tb.tokens < 1 {
		return false
	}
	tb.tokens--
	return true
}
