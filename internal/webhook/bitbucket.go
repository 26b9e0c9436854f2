// Package webhook turns Bitbucket pull-request webhook deliveries into
// Review Orchestrator requests: signature verification, payload
// parsing, event-type filtering, and bounded async dispatch.
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
	"runtime/debug"
	"strings"
	"sync"
	"time"

	"github.com/hvo-labs/ai-code-review/internal/metrics"
	"github.com/hvo-labs/ai-code-review/internal/orchestrator"
)

// acceptedEvents are the pull-request lifecycle events worth evaluating;
// every other eventKey is acknowledged and dropped.
var acceptedEvents = map[string]bool{
	"pr:opened":              true,
	"pr:modified":            true,
	"pr:from_ref_updated":    true,
	"pr:reviewer:unapproved": true,
}

// Handler handles incoming Bitbucket webhook events by dispatching them
// to a Review Orchestrator, bounded by a concurrency semaphore.
type Handler struct {
	orch          *orchestrator.Orchestrator
	webhookSecret string
	maxBodySize   int64
	sem           chan struct{}
	wg            sync.WaitGroup
}

// NewHandler constructs a Handler. concurrencyLimit bounds the number of
// PRs processed simultaneously; maxBodySize caps the request body read.
func NewHandler(orch *orchestrator.Orchestrator, webhookSecret string, concurrencyLimit int64, maxBodySize int64) *Handler {
	if concurrencyLimit < 1 {
		concurrencyLimit = 10
	}
	return &Handler{
		orch:          orch,
		webhookSecret: webhookSecret,
		maxBodySize:   maxBodySize,
		sem:           make(chan struct{}, concurrencyLimit),
	}
}

// WaitForCompletion blocks until every in-flight background review has
// finished, for use during graceful shutdown.
func (h *Handler) WaitForCompletion() {
	h.wg.Wait()
}

// payload is the slice of the Bitbucket webhook body this handler reads.
type payload struct {
	EventKey   string `json:"eventKey"`
	Repository struct {
		Slug    string `json:"slug"`
		Project struct {
			Key string `json:"key"`
		} `json:"project"`
	} `json:"repository"`
	PullRequest struct {
		ID int `json:"id"`
	} `json:"pullRequest"`
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	metrics.WebhookRequests.WithLabelValues("received").Inc()

	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.maxBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		slog.Warn("read webhook body failed", "error", err)
		http.Error(w, "error reading request body", http.StatusBadRequest)
		metrics.WebhookRequests.WithLabelValues("error_read").Inc()
		return
	}

	if h.webhookSecret != "" {
		signature := r.Header.Get("X-Hub-Signature")
		if signature == "" || !verifySignature(body, signature, h.webhookSecret) {
			slog.Warn("webhook signature rejected")
			http.Error(w, "invalid signature", http.StatusUnauthorized)
			metrics.WebhookRequests.WithLabelValues("invalid_signature").Inc()
			return
		}
	}

	var p payload
	if err := json.Unmarshal(body, &p); err != nil {
		slog.Warn("parse webhook payload failed", "error", err)
		http.Error(w, "invalid json payload", http.StatusBadRequest)
		metrics.PayloadParseFailures.WithLabelValues("malformed_json").Inc()
		metrics.WebhookRequests.WithLabelValues("invalid_json").Inc()
		return
	}

	if !acceptedEvents[p.EventKey] {
		slog.Debug("ignoring webhook event", "event_key", p.EventKey)
		w.WriteHeader(http.StatusOK)
		fmt.Fprintf(w, "event %s ignored", p.EventKey)
		metrics.WebhookRequests.WithLabelValues("ignored").Inc()
		return
	}

	req := orchestrator.Request{
		Project: p.Repository.Project.Key,
		Repo:    p.Repository.Slug,
		PRID:    p.PullRequest.ID,
	}

	select {
	case h.sem <- struct{}{}:
		h.wg.Add(1)
		go h.process(req)
		metrics.WebhookRequests.WithLabelValues("accepted").Inc()
		w.WriteHeader(http.StatusOK)
		fmt.Fprintln(w, "pull request queued for review")
	default:
		slog.Warn("concurrency limit reached, request dropped", "pr", req.PRID, "repo", req.Repo)
		metrics.WebhookRequests.WithLabelValues("dropped_concurrency").Inc()
		http.Error(w, "server busy, please retry later", http.StatusTooManyRequests)
	}
}

func (h *Handler) process(req orchestrator.Request) {
	defer h.wg.Done()
	defer func() { <-h.sem }()
	defer func() {
		if r := recover(); r != nil {
			slog.Error("panic recovered in webhook dispatch", "panic", r, "stack", string(debug.Stack()))
		}
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	res := h.orch.Handle(ctx, req)
	slog.Info("review handled", "project", req.Project, "repo", req.Repo, "pr", req.PRID, "status", res.Status, "summary", res.Summary)
}

// verifySignature validates the HMAC-SHA256 signature Bitbucket sends in
// the X-Hub-Signature header, formatted "sha256=<hex>".
func verifySignature(body []byte, signature, secret string) bool {
	parts := strings.SplitN(signature, "=", 2)
	if len(parts) != 2 || parts[0] != "sha256" {
		return false
	}
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(parts[1]))
}
