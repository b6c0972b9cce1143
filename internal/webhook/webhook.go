// Package webhook triggers unattended deploys from GitHub push events.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/thiago95macedo/webhost/internal/config"
)

// DefaultDebounce is how long the server waits for a burst of pushes to settle
const DefaultDebounce = 2 * time.Second

// Deployer runs one unattended deploy of every configured client
type Deployer interface {
	Deploy(ctx context.Context) error
}

// PushEvent holds the fields of a GitHub push payload the server logs and
// filters on
type PushEvent struct {
	Ref        string `json:"ref"`
	After      string `json:"after"`
	Repository struct {
		FullName string `json:"full_name"`
	} `json:"repository"`
}

// Server accepts signed webhook deliveries and runs the deployer for them
type Server struct {
	serve    config.ServeConfig
	deployer Deployer
	logger   *slog.Logger
	secret   []byte

	mu      sync.Mutex // guards running and pending
	running bool
	pending bool

	debounce *debouncer
}

// NewServer creates a server. The webhook secret is read once, here.
func NewServer(serve config.ServeConfig, deployer Deployer, logger *slog.Logger) (*Server, error) {
	secret, err := os.ReadFile(serve.GitHubWebhookSecretFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read webhook secret: %w", err)
	}

	return &Server{
		serve:    serve,
		deployer: deployer,
		logger:   logger,
		secret:   []byte(strings.TrimSpace(string(secret))),
		debounce: &debouncer{delay: DefaultDebounce},
	}, nil
}

// Start runs one deploy, then serves deliveries until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.logger.Info("running initial deploy before accepting webhooks")
	s.runDeploy(ctx)

	mux := http.NewServeMux()
	mux.HandleFunc("/", s.handleWebhook)

	server := &http.Server{
		Addr:              s.serve.ListenAddr,
		Handler:           mux,
		ReadTimeout:       10 * time.Second,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
		MaxHeaderBytes:    1 << 20,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("webhook server listening", "addr", s.serve.ListenAddr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("shutting down webhook server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		s.logger.Warn("rejecting non-POST request", "method", r.Method)
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	if ct := r.Header.Get("Content-Type"); ct != "application/json" {
		s.logger.Warn("rejecting request with invalid content type", "content_type", ct)
		http.Error(w, "Invalid content type", http.StatusBadRequest)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		s.logger.Error("failed to read request body", "error", err)
		http.Error(w, "Failed to read body", http.StatusInternalServerError)
		return
	}
	defer func() {
		_ = r.Body.Close()
	}()

	if !s.verifySignature(body, r.Header.Get("X-Hub-Signature-256")) {
		s.logger.Warn("rejecting request with invalid signature")
		http.Error(w, "Invalid signature", http.StatusForbidden)
		return
	}

	eventType := r.Header.Get("X-GitHub-Event")
	if !allowed(s.serve.AllowedEventTypes, eventType) {
		s.logger.Info("ignoring event type", "event", eventType)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Event type not configured for deploy\n")
		return
	}

	var event PushEvent
	if err := json.Unmarshal(body, &event); err != nil {
		s.logger.Error("failed to parse webhook payload", "error", err)
		http.Error(w, "Invalid payload", http.StatusBadRequest)
		return
	}

	if !allowed(s.serve.AllowedRefs, event.Ref) {
		s.logger.Info("ignoring ref", "ref", event.Ref)
		w.WriteHeader(http.StatusOK)
		_, _ = fmt.Fprintf(w, "Ref not configured for deploy\n")
		return
	}

	s.logger.Info("webhook accepted",
		"event", eventType,
		"ref", event.Ref,
		"commit", event.After,
		"repo", event.Repository.FullName)

	s.debounce.trigger(func() {
		s.runDeploy(context.Background())
	})

	w.WriteHeader(http.StatusAccepted)
	_, _ = fmt.Fprintf(w, "Deploy scheduled\n")
}

// verifySignature checks an X-Hub-Signature-256 header ("sha256=<hex>")
func (s *Server) verifySignature(body []byte, signature string) bool {
	hexSig, ok := strings.CutPrefix(signature, "sha256=")
	if !ok || hexSig == "" {
		return false
	}

	mac := hmac.New(sha256.New, s.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))

	return hmac.Equal([]byte(hexSig), []byte(expected))
}

// allowed reports whether value is in list. An empty list allows everything.
func allowed(list []string, value string) bool {
	return len(list) == 0 || slices.Contains(list, value)
}

// runDeploy is single-flight: while a deploy runs, later requests collapse
// into one queued re-run.
func (s *Server) runDeploy(ctx context.Context) {
	s.mu.Lock()
	if s.running {
		s.pending = true
		s.mu.Unlock()
		s.logger.Info("deploy already in progress, queuing one re-run")
		return
	}
	s.running = true
	s.mu.Unlock()

	for {
		if err := s.deployer.Deploy(ctx); err != nil {
			s.logger.Error("unattended deploy finished with errors", "error", err)
		} else {
			s.logger.Info("unattended deploy finished")
		}

		s.mu.Lock()
		if !s.pending {
			s.running = false
			s.mu.Unlock()
			return
		}
		s.pending = false
		s.mu.Unlock()

		s.logger.Info("re-running deploy for queued request")
	}
}

// debouncer runs the most recent callback once no trigger arrived for delay
type debouncer struct {
	mu       sync.Mutex
	timer    *time.Timer
	delay    time.Duration
	callback func()
}

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
