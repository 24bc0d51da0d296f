package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/schaermu/deploysync/internal/config"
	deploysync "github.com/schaermu/deploysync/internal/sync"
)

// fakeDeployer counts deployments and returns a canned result.
type fakeDeployer struct {
	mu    sync.Mutex
	calls int
	res   deploysync.Result
	err   error
}

func (f *fakeDeployer) deploy(context.Context) (deploysync.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.res, f.err
}

func (f *fakeDeployer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
}

func setupTestConfig(t *testing.T) (*config.Config, string) {
	t.Helper()

	tmpDir := t.TempDir()
	secretPath := filepath.Join(tmpDir, "webhook_secret")
	secret := "test-secret-key"
	if err := os.WriteFile(secretPath, []byte(secret+"\n"), 0600); err != nil {
		t.Fatalf("failed to write secret file: %v", err)
	}

	cfg := &config.Config{
		Source: config.SourceConfig{
			Dir: filepath.Join(tmpDir, "source"),
			URL: "https://github.com/test/site.git",
			Ref: "refs/heads/main",
		},
		Remote: config.RemoteConfig{Root: filepath.Join(tmpDir, "www")},
		Serve: config.ServeConfig{
			Enabled:                 true,
			ListenAddr:              "127.0.0.1:0",
			GitHubWebhookSecretFile: secretPath,
			AllowedEventTypes:       []string{"push"},
			AllowedRefs:             []string{"refs/heads/main"},
		},
	}
	return cfg, secret
}

func newTestServer(t *testing.T, cfg *config.Config, d *fakeDeployer) *Server {
	t.Helper()
	server, err := NewServer(cfg, d.deploy, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	server.debounce.delay = 10 * time.Millisecond
	return server
}

func computeSignature(body []byte, secret string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	return "sha256=" + hex.EncodeToString(mac.Sum(nil))
}

func pushRequest(t *testing.T, body []byte, secret, event string) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, "/", bytes.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-GitHub-Event", event)
	req.Header.Set("X-Hub-Signature-256", computeSignature(body, secret))
	return req
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met before deadline")
}

func TestNewServer(t *testing.T) {
	cfg, secret := setupTestConfig(t)

	server, err := NewServer(cfg, (&fakeDeployer{}).deploy, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}
	if string(server.secret) != secret {
		t.Errorf("secret = %q, want trimmed %q", server.secret, secret)
	}
	if server.debounce.delay != debounceDelay {
		t.Errorf("debounce delay = %v, want %v", server.debounce.delay, debounceDelay)
	}
}

func TestNewServer_SecretErrors(t *testing.T) {
	cfg, _ := setupTestConfig(t)

	cfg.Serve.GitHubWebhookSecretFile = filepath.Join(t.TempDir(), "missing")
	if _, err := NewServer(cfg, nil, testLogger()); err == nil {
		t.Error("expected error for missing secret file")
	}

	empty := filepath.Join(t.TempDir(), "empty")
	if err := os.WriteFile(empty, []byte("  \n"), 0600); err != nil {
		t.Fatal(err)
	}
	cfg.Serve.GitHubWebhookSecretFile = empty
	if _, err := NewServer(cfg, nil, testLogger()); err == nil {
		t.Error("expected error for empty secret file")
	}
}

func TestVerifySignature(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	server := newTestServer(t, cfg, &fakeDeployer{})
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name      string
		body      []byte
		signature string
		want      bool
	}{
		{name: "valid", body: body, signature: computeSignature(body, secret), want: true},
		{name: "wrong secret", body: body, signature: computeSignature(body, "other"), want: false},
		{name: "missing sha256 prefix", body: body, signature: "notsha256", want: false},
		{name: "prefix only", body: body, signature: "sha256=", want: false},
		{name: "empty signature", body: body, signature: "", want: false},
		{
			name:      "wrong body",
			body:      []byte(`{"ref":"refs/heads/other"}`),
			signature: computeSignature(body, secret),
			want:      false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := server.verifySignature(tt.body, tt.signature); got != tt.want {
				t.Errorf("verifySignature() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestAllowed(t *testing.T) {
	tests := []struct {
		name string
		list []string
		v    string
		want bool
	}{
		{name: "listed", list: []string{"push", "release"}, v: "push", want: true},
		{name: "not listed", list: []string{"push"}, v: "pull_request", want: false},
		{name: "empty list allows all", list: nil, v: "anything", want: true},
		{name: "exact match only", list: []string{"refs/heads/main"}, v: "refs/heads/main2", want: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := allowed(tt.list, tt.v); got != tt.want {
				t.Errorf("allowed() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestRouter_ValidPushTriggersDeploy(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	d := &fakeDeployer{}
	server := newTestServer(t, cfg, d)

	body := []byte(`{"ref":"refs/heads/main","after":"abc123","repository":{"full_name":"test/site"}}`)
	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, pushRequest(t, body, secret, "push"))

	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
	waitFor(t, func() bool { return d.count() == 1 })
}

func TestRouter_WebhookPath(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	d := &fakeDeployer{}
	server := newTestServer(t, cfg, d)

	body := []byte(`{"ref":"refs/heads/main"}`)
	req := pushRequest(t, body, secret, "push")
	req.URL.Path = "/webhook"

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, req)
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d", rec.Code)
	}
}

func TestRouter_Rejections(t *testing.T) {
	cfg, secret := setupTestConfig(t)
	body := []byte(`{"ref":"refs/heads/main"}`)

	tests := []struct {
		name     string
		req      func() *http.Request
		wantCode int
		wantBody string
	}{
		{
			name:     "method not allowed",
			req:      func() *http.Request { return httptest.NewRequest(http.MethodGet, "/", nil) },
			wantCode: http.StatusMethodNotAllowed,
		},
		{
			name: "invalid content type",
			req: func() *http.Request {
				r := pushRequest(t, body, secret, "push")
				r.Header.Set("Content-Type", "text/plain")
				return r
			},
			wantCode: http.StatusBadRequest,
		},
		{
			name: "invalid signature",
			req: func() *http.Request {
				r := pushRequest(t, body, secret, "push")
				r.Header.Set("X-Hub-Signature-256", "sha256=invalid")
				return r
			},
			wantCode: http.StatusForbidden,
		},
		{
			name:     "disallowed event type",
			req:      func() *http.Request { return pushRequest(t, body, secret, "pull_request") },
			wantCode: http.StatusOK,
			wantBody: "Event type not configured",
		},
		{
			name: "disallowed ref",
			req: func() *http.Request {
				return pushRequest(t, []byte(`{"ref":"refs/heads/feature"}`), secret, "push")
			},
			wantCode: http.StatusOK,
			wantBody: "Ref not configured",
		},
		{
			name:     "invalid payload",
			req:      func() *http.Request { return pushRequest(t, []byte(`{not json`), secret, "push") },
			wantCode: http.StatusBadRequest,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d := &fakeDeployer{}
			server := newTestServer(t, cfg, d)

			rec := httptest.NewRecorder()
			server.Router().ServeHTTP(rec, tt.req())

			if rec.Code != tt.wantCode {
				t.Errorf("expected status %d, got %d", tt.wantCode, rec.Code)
			}
			if tt.wantBody != "" && !bytes.Contains(rec.Body.Bytes(), []byte(tt.wantBody)) {
				t.Errorf("expected body to contain %q, got %q", tt.wantBody, rec.Body.String())
			}

			time.Sleep(30 * time.Millisecond)
			if d.count() != 0 {
				t.Errorf("rejected request triggered %d deployments", d.count())
			}
		})
	}
}

func TestRouter_Health(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	server := newTestServer(t, cfg, &fakeDeployer{})

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	if rec.Code != http.StatusOK || rec.Body.String() != "ok" {
		t.Errorf("health = %d %q", rec.Code, rec.Body.String())
	}
}

func TestRouter_Status(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	d := &fakeDeployer{res: deploysync.Result{
		Status:      deploysync.StatusSuccess,
		Mode:        deploysync.ModeIncremental,
		Stage:       deploysync.StageDone,
		Current:     "0123456789abcdef0123456789abcdef01234567",
		Transferred: 3,
		Deleted:     1,
	}}
	server := newTestServer(t, cfg, d)

	rec := httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if !bytes.Contains(rec.Body.Bytes(), []byte(`"pending"`)) {
		t.Errorf("expected pending status before first deployment, got %s", rec.Body.String())
	}

	server.performDeploy(context.Background())

	rec = httptest.NewRecorder()
	server.Router().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status", nil))
	if rec.Header().Get("Content-Type") != "application/json" {
		t.Errorf("content type = %q", rec.Header().Get("Content-Type"))
	}

	var report Report
	if err := json.Unmarshal(rec.Body.Bytes(), &report); err != nil {
		t.Fatalf("invalid status body: %v", err)
	}
	if report.Status != deploysync.StatusSuccess || report.Mode != deploysync.ModeIncremental {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Stage != "done" || report.Transferred != 3 || report.Deleted != 1 {
		t.Errorf("unexpected report %+v", report)
	}
}

func TestPerformDeploy_RecordsFailure(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	runErr := &deploysync.RunError{
		Status: deploysync.StatusFailedTransfer,
		Stage:  deploysync.StageTransferring,
		Err:    errors.New("connection reset"),
	}
	d := &fakeDeployer{res: deploysync.Result{Status: deploysync.StatusFailedTransfer, Stage: deploysync.StageTransferring}, err: runErr}
	server := newTestServer(t, cfg, d)

	server.performDeploy(context.Background())

	report := server.LastReport()
	if report == nil {
		t.Fatal("expected a report after a failed deployment")
	}
	if report.Status != deploysync.StatusFailedTransfer || report.Stage != "transferring" {
		t.Errorf("unexpected report %+v", report)
	}
	if report.Error == "" {
		t.Error("expected error message in report")
	}
}

func TestDebouncer(t *testing.T) {
	var callCount int
	var mu sync.Mutex
	d := &debouncer{delay: 50 * time.Millisecond}

	// Trigger multiple times rapidly
	for i := 0; i < 5; i++ {
		d.trigger(func() {
			mu.Lock()
			callCount++
			mu.Unlock()
		})
		time.Sleep(10 * time.Millisecond)
	}

	time.Sleep(100 * time.Millisecond)

	mu.Lock()
	count := callCount
	mu.Unlock()

	if count != 1 {
		t.Errorf("expected callback to be called once, got %d", count)
	}
}

func TestDebouncer_Stop(t *testing.T) {
	called := make(chan struct{}, 1)
	d := &debouncer{delay: 20 * time.Millisecond}

	d.trigger(func() { called <- struct{}{} })
	d.stop()

	select {
	case <-called:
		t.Error("callback ran after stop")
	case <-time.After(60 * time.Millisecond):
	}
}

// blockingDeployer blocks the first deployment until proceed is closed.
type blockingDeployer struct {
	started chan struct{}
	proceed chan struct{}
	once    sync.Once
	mu      sync.Mutex
	calls   int
}

func (b *blockingDeployer) deploy(context.Context) (deploysync.Result, error) {
	b.mu.Lock()
	b.calls++
	b.mu.Unlock()
	b.once.Do(func() { close(b.started) })
	<-b.proceed
	return deploysync.Result{Status: deploysync.StatusSuccess}, nil
}

// TestPerformDeploy_SingleFlight verifies that at most one deployment runs at
// a time and that concurrent requests collapse into one queued re-run.
func TestPerformDeploy_SingleFlight(t *testing.T) {
	cfg, _ := setupTestConfig(t)

	b := &blockingDeployer{started: make(chan struct{}), proceed: make(chan struct{})}
	server, err := NewServer(cfg, b.deploy, testLogger())
	if err != nil {
		t.Fatalf("NewServer() failed: %v", err)
	}

	ctx := context.Background()

	done := make(chan struct{})
	go func() {
		defer close(done)
		server.performDeploy(ctx)
	}()

	<-b.started

	var wg sync.WaitGroup
	for i := 0; i < 3; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			server.performDeploy(ctx)
		}()
	}
	wg.Wait()

	server.deployMu.Lock()
	pending := server.deployPending
	server.deployMu.Unlock()
	if !pending {
		t.Error("expected deployPending to be true after concurrent performDeploy calls")
	}

	close(b.proceed)
	<-done

	server.deployMu.Lock()
	stillRunning := server.deployRunning
	stillPending := server.deployPending
	server.deployMu.Unlock()

	if stillRunning {
		t.Error("expected deployRunning to be false after all deployments completed")
	}
	if stillPending {
		t.Error("expected deployPending to be false after pending re-run was serviced")
	}

	b.mu.Lock()
	calls := b.calls
	b.mu.Unlock()
	if calls != 2 {
		t.Errorf("expected 2 deployments (initial + one queued), got %d", calls)
	}
}

func TestStart_ServesUntilCancelled(t *testing.T) {
	cfg, _ := setupTestConfig(t)
	t.Setenv("LISTEN_PID", "")

	d := &fakeDeployer{res: deploysync.Result{Status: deploysync.StatusSuccess}}
	server := newTestServer(t, cfg, d)

	ctx, cancel := context.WithCancel(context.Background())
	errCh := make(chan error, 1)
	go func() { errCh <- server.Start(ctx) }()

	waitFor(t, func() bool { return d.count() == 1 })
	cancel()

	select {
	case err := <-errCh:
		if err != nil {
			t.Errorf("Start() returned error: %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("Start() did not return after cancellation")
	}
}
