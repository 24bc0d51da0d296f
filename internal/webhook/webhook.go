package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/schaermu/deploysync/internal/config"
	deploysync "github.com/schaermu/deploysync/internal/sync"
)

const (
	debounceDelay = 2 * time.Second
	maxBodyBytes  = 1 << 20
)

// DeployFunc runs a single deployment. The server calls it at most once at a
// time.
type DeployFunc func(ctx context.Context) (deploysync.Result, error)

// GitHubPushEvent represents the relevant fields from a GitHub push webhook
type GitHubPushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Report is the outcome of the most recent deployment, served on /status.
type Report struct {
	Status      deploysync.Status `json:"status"`
	Mode        deploysync.Mode   `json:"mode,omitempty"`
	Stage       string            `json:"stage"`
	Previous    string            `json:"previous,omitempty"`
	Revision    string            `json:"revision,omitempty"`
	Transferred int               `json:"transferred"`
	Deleted     int               `json:"deleted"`
	Skipped     int               `json:"skipped"`
	Error       string            `json:"error,omitempty"`
	FinishedAt  time.Time         `json:"finished_at"`
}

// Server implements the webhook HTTP server
type Server struct {
	cfg    *config.Config
	deploy DeployFunc
	logger *slog.Logger
	secret []byte
	// ctx bounds deployments triggered by webhooks.
	ctx context.Context

	deployMu      sync.Mutex // guards deployRunning and deployPending
	deployRunning bool
	deployPending bool
	debounce      *debouncer

	reportMu sync.RWMutex
	report   *Report
}

// debouncer implements debouncing for webhook events
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

// NewServer creates a new webhook server
func NewServer(cfg *config.Config, deploy DeployFunc, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(cfg.Serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	secret = []byte(strings.TrimSpace(string(secret)))
	if len(secret) == 0 {
		return nil, fmt.Errorf("webhook secret file %s is empty", cfg.Serve.GitHubWebhookSecretFile)
	}

	return &Server{
		cfg:      cfg,
		deploy:   deploy,
		logger:   logger,
		secret:   secret,
		ctx:      context.Background(),
		debounce: &debouncer{delay: debounceDelay},
	}, nil
}

// Router returns the HTTP routes of the server.
func (s *Server) Router() chi.Router {
	r := chi.NewRouter()
	r.Get("/health", s.handleHealth)
	r.Get("/status", s.handleStatus)
	r.Group(func(r chi.Router) {
		r.Use(requireJSON(s.logger), s.requireSignature)
		r.Post("/", s.handleWebhook)
		r.Post("/webhook", s.handleWebhook)
	})
	return r
}

// Start deploys once, then serves webhooks until ctx is cancelled. A
// socket-activated listener is used when present.
func (s *Server) Start(ctx context.Context) error {
	s.ctx = ctx
	s.logger.Info("performing initial deployment before starting webhook server")
	s.performDeploy(ctx)

	ln, err := listen(s.cfg.Serve.ListenAddr)
	if err != nil {
		return err
	}

	server := &http.Server{
		Handler:           s.Router(),
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server starting", "addr", ln.Addr().String())
		if err := server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		s.debounce.stop()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return fmt.Errorf("webhook server failed: %w", err)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte("ok"))
}

func (s *Server) handleStatus(w http.ResponseWriter, _ *http.Request) {
	report := s.LastReport()
	if report == nil {
		respondJSON(w, http.StatusOK, map[string]string{"status": "pending"})
		return
	}
	respondJSON(w, http.StatusOK, report)
}

// handleWebhook handles a GitHub delivery whose signature has already been
// verified.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	eventType := r.Header.Get("X-GitHub-Event")
	s.logger.Info("received webhook", "event", eventType)

	if !s.isEventTypeAllowed(eventType) {
		s.logger.Info("ignoring disallowed event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for deployment\n")
		return
	}

	var event GitHubPushEvent
	if err := json.NewDecoder(r.Body).Decode(&event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !s.isRefAllowed(event.Ref) {
		s.logger.Info("ignoring disallowed ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for deployment\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.performDeploy(s.ctx)
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Deployment triggered\n")
}

func requireJSON(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			contentType := r.Header.Get("Content-Type")
			if contentType != "application/json" {
				logger.Warn("rejecting request with invalid content type", "content_type", contentType)
				http.Error(w, "Invalid content type", http.StatusBadRequest)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

// requireSignature reads the body, checks X-Hub-Signature-256 and hands the
// body on to the next handler.
func (s *Server) requireSignature(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxBodyBytes))
		_ = r.Body.Close()
		if err != nil {
			s.logger.Error("failed to read request body", "error", err)
			http.Error(w, "Failed to read body", http.StatusInternalServerError)
			return
		}

		if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
			s.logger.Warn("rejecting request with invalid signature", "remote", r.RemoteAddr)
			http.Error(w, "Invalid signature", http.StatusForbidden)
			return
		}

		r.Body = io.NopCloser(bytes.NewReader(body))
		next.ServeHTTP(w, r)
	})
}

// verifySignature verifies the GitHub webhook signature
func (s *Server) verifySignature(body []byte, signature string) bool {
	// GitHub signature format: sha256=<hex>
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// isEventTypeAllowed checks if the event type is in the allowed list
func (s *Server) isEventTypeAllowed(eventType string) bool {
	return allowed(s.cfg.Serve.AllowedEventTypes, eventType)
}

// isRefAllowed checks if the ref is in the allowed list
func (s *Server) isRefAllowed(ref string) bool {
	return allowed(s.cfg.Serve.AllowedRefs, ref)
}

// allowed reports whether v is in list. An empty list allows everything.
func allowed(list []string, v string) bool {
	if len(list) == 0 {
		return true
	}
	for _, a := range list {
		if a == v {
			return true
		}
	}
	return false
}

// performDeploy runs deployments with single-flight semantics. While one is
// in progress at most one additional run is queued; further requests are
// folded into it.
func (s *Server) performDeploy(ctx context.Context) {
	s.deployMu.Lock()
	if s.deployRunning {
		s.deployPending = true
		s.deployMu.Unlock()
		s.logger.Info("deployment already in progress, queuing pending re-run")
		return
	}
	s.deployRunning = true
	s.deployMu.Unlock()

	for {
		res, err := s.deploy(ctx)
		if err != nil {
			s.logger.Error("deployment failed", "status", deploysync.StatusOf(err), "error", err)
		}
		s.record(res, err)

		s.deployMu.Lock()
		if !s.deployPending || ctx.Err() != nil {
			s.deployPending = false
			s.deployRunning = false
			s.deployMu.Unlock()
			return
		}
		s.deployPending = false
		s.deployMu.Unlock()

		s.logger.Info("re-running deployment due to pending request")
	}
}

func (s *Server) record(res deploysync.Result, err error) {
	report := &Report{
		Status:      res.Status,
		Mode:        res.Mode,
		Stage:       res.Stage.String(),
		Previous:    string(res.Previous),
		Revision:    string(res.Current),
		Transferred: res.Transferred,
		Deleted:     res.Deleted,
		Skipped:     res.Skipped,
		FinishedAt:  time.Now().UTC(),
	}
	if err != nil {
		report.Error = err.Error()
		if report.Status == "" {
			report.Status = deploysync.StatusOf(err)
		}
	}

	s.reportMu.Lock()
	s.report = report
	s.reportMu.Unlock()
}

// LastReport returns the outcome of the most recent deployment, or nil if
// none has finished yet.
func (s *Server) LastReport() *Report {
	s.reportMu.RLock()
	defer s.reportMu.RUnlock()
	if s.report == nil {
		return nil
	}
	r := *s.report
	return &r
}

func respondJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// trigger schedules the callback to run after the debounce delay
func (d *debouncer) trigger(callback func()) {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.callback = callback

	if d.timer != nil {
		d.timer.Stop()
	}

	d.timer = time.AfterFunc(d.delay, func() {
		d.mu.Lock()
		cb := d.callback
		d.mu.Unlock()

		if cb != nil {
			cb()
		}
	})
}

// stop cancels a scheduled callback.
func (d *debouncer) stop() {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.timer != nil {
		d.timer.Stop()
	}
}
