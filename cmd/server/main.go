package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/hvo-labs/ai-code-review/internal/audit"
	"github.com/hvo-labs/ai-code-review/internal/config"
	"github.com/hvo-labs/ai-code-review/internal/consensus"
	"github.com/hvo-labs/ai-code-review/internal/llmreview"
	"github.com/hvo-labs/ai-code-review/internal/mcpclient"
	"github.com/hvo-labs/ai-code-review/internal/orchestrator"
	"github.com/hvo-labs/ai-code-review/internal/provider"
	"github.com/hvo-labs/ai-code-review/internal/ratelimit"
	"github.com/hvo-labs/ai-code-review/internal/statestore"
	"github.com/hvo-labs/ai-code-review/internal/webhook"
)

func main() {
	cfg := config.Load()
	if err := cfg.Validate(); err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		os.Exit(1)
	}

	logger, logCleanup := setupLogger(cfg)
	defer logCleanup()
	slog.SetDefault(logger)

	mcp := mcpclient.New(cfg)
	if err := mcp.Connect(context.Background()); err != nil {
		slog.Error("mcp connect failed, will retry on first request", "error", err)
	}
	defer mcp.Close()

	store := statestore.NewMCPStore(mcp)

	port, err := buildProviderPort(cfg)
	if err != nil {
		slog.Error("init provider failed", "error", err)
		os.Exit(1)
	}
	slog.Info("provider initialized", "name", port.Name())

	var auditLog audit.Log
	if cfg.Storage.Driver == "sqlite" {
		sqliteLog, err := audit.NewSQLiteLog(cfg.Storage.DSN)
		if err != nil {
			slog.Error("init audit log failed", "error", err)
			os.Exit(1)
		}
		defer sqliteLog.Close()
		auditLog = sqliteLog
	} else if cfg.Storage.Driver != "" {
		slog.Warn("unknown storage driver", "driver", cfg.Storage.Driver)
	}

	rateGate := ratelimit.New()
	orch := orchestrator.New(store, port, rateGate, orchestrator.Config{
		CooldownMinutes:    cfg.Orchestration.CooldownMinutes,
		MaxParallelReviews: cfg.Orchestration.MaxParallelReviews,
		AddReviewerVote:    cfg.Orchestration.AddReviewerVote,
		AttributionTag:     cfg.Orchestration.AttributionTag,
		ResolveOnReReview:  cfg.Orchestration.ResolveOnReReview,
	})
	if auditLog != nil {
		orch = orch.WithAuditLog(auditLog)
	}

	webhookHandler := webhook.NewHandler(orch, cfg.Server.WebhookSecret, cfg.Server.ConcurrencyLimit, cfg.Server.MaxBodySize)

	mux := http.NewServeMux()
	mux.Handle("/webhook", webhookHandler)

	// Liveness probe: the process is up, independent of any dependency.
	mux.HandleFunc("/health/live", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	// Readiness probe: the MCP connection this instance drives is usable.
	mux.HandleFunc("/health/ready", func(w http.ResponseWriter, r *http.Request) {
		if !mcp.IsHealthy() {
			slog.Warn("mcp unhealthy")
			http.Error(w, "mcp unavailable", http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("Ready"))
	})

	mux.HandleFunc("/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/" {
			slog.Warn("received request at root path",
				"path", r.URL.Path, "method", r.Method,
				"msg", "please configure the webhook URL to path '/webhook'")
		}
		http.NotFound(w, r)
	})

	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:      mux,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
	}

	go func() {
		slog.Info("server starting", "port", cfg.Server.Port)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("server start failed", "error", err)
			os.Exit(1)
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit
	slog.Info("server stopping")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		slog.Error("server shutdown forced", "error", err)
		os.Exit(1)
	}

	slog.Info("waiting for in-flight reviews")
	done := make(chan struct{})
	go func() {
		webhookHandler.WaitForCompletion()
		close(done)
	}()

	select {
	case <-done:
		slog.Info("in-flight reviews completed")
	case <-time.After(30 * time.Second):
		slog.Warn("in-flight review wait timed out, exiting")
	}

	slog.Info("server stopped")
}

// buildProviderPort constructs the single Provider Port Handle drives,
// either one configured backend (orchestration mode "single") or a
// Consensus Aggregator fanning out across every enabled provider
// (orchestration mode "consensus").
func buildProviderPort(cfg *config.Config) (provider.Port, error) {
	if strings.EqualFold(cfg.Orchestration.Mode, "consensus") {
		ports, err := llmreview.NewAll(cfg.Providers)
		if err != nil {
			return nil, fmt.Errorf("build consensus providers: %w", err)
		}
		if len(ports) == 0 {
			return nil, fmt.Errorf("consensus mode requires at least one enabled provider")
		}
		return consensus.New(ports, cfg.Orchestration.ConsensusThreshold), nil
	}

	for _, pc := range cfg.Providers {
		if !pc.Enabled {
			continue
		}
		if pc.DisplayName == cfg.Orchestration.ActiveProvider || cfg.Orchestration.ActiveProvider == "" {
			return llmreview.New(pc)
		}
	}
	return nil, fmt.Errorf("active provider %q not found among configured providers", cfg.Orchestration.ActiveProvider)
}

// setupLogger builds a slog.Logger writing to cfg.Log.Output ("stdout",
// "stderr", or a file path rotated through lumberjack), formatted as
// configured by cfg.Log.Format.
func setupLogger(cfg *config.Config) (*slog.Logger, func()) {
	var w io.Writer
	var closer io.Closer

	switch cfg.Log.Output {
	case "", "stdout":
		w = os.Stdout
	case "stderr":
		w = os.Stderr
	default:
		l := &lumberjack.Logger{
			Filename:   cfg.Log.Output,
			MaxSize:    cfg.Log.MaxSizeMB,
			MaxBackups: cfg.Log.MaxBackups,
			MaxAge:     cfg.Log.MaxAgeDays,
			Compress:   true,
		}
		w = l
		closer = l
	}

	opts := &slog.HandlerOptions{Level: cfg.GetLogLevel()}
	var handler slog.Handler
	if cfg.Log.Format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}

	cleanup := func() {
		if closer != nil {
			closer.Close()
		}
	}
	return slog.New(handler), cleanup
}
