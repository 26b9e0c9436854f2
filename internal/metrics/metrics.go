// Package metrics exposes Prometheus instrumentation for the review
// engine: webhook intake, orchestration outcomes, MCP tool calls, and the
// validation/consensus pipelines.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// WebhookRequests counts incoming webhooks, labeled by status.
	WebhookRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_code_review_webhook_requests_total",
		Help: "The total number of received webhook requests",
	}, []string{"status"}) // status: received, error_read, invalid_signature, invalid_json, ignored, accepted, dropped_concurrency

	// ProcessingDuration measures end-to-end Orchestrator.Handle latency.
	ProcessingDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_code_review_processing_duration_seconds",
		Help:    "Time taken to process a pull request review request",
		Buckets: prometheus.DefBuckets,
	}, []string{"result"}) // result: reviewed, skipped, rate_limited, error

	// MCPToolCalls counts MCP tool executions against the state store,
	// plus circuit-breaker events that mcpclient records under tool
	// "circuit_breaker" with status rejected or opened.
	MCPToolCalls = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_code_review_mcp_tool_calls_total",
		Help: "The total number of MCP tool calls issued by the state store",
	}, []string{"server", "tool", "status"}) // status: success, error

	// CommentPostFailures counts failed comment posts.
	CommentPostFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_code_review_comment_post_failures_total",
		Help: "Total number of failed comment posts to the platform",
	}, []string{"reason"})

	// PayloadParseFailures counts webhook payloads that failed to parse.
	PayloadParseFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_code_review_webhook_payload_parse_failures_total",
		Help: "Total number of webhook payloads that failed to parse",
	}, []string{"failure_type"})

	// ReviewActionTotal counts each decided action, labeled by the
	// Orchestrator's decision (Full Review, Re-Review, Vote Only, Skipped).
	ReviewActionTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_code_review_action_total",
		Help: "Count of review actions taken by the orchestrator decision",
	}, []string{"action"})

	// ConsensusProvidersTotal counts per-call consensus outcomes.
	ConsensusProvidersTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_code_review_consensus_providers_total",
		Help: "Count of consensus fan-out calls by outcome",
	}, []string{"outcome"}) // outcome: all_succeeded, partial, all_failed

	// CommentsValidatedTotal counts comment validator outcomes.
	CommentsValidatedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "ai_code_review_comments_validated_total",
		Help: "Count of inline comments by validator disposition",
	}, []string{"outcome"}) // outcome: kept, dropped_path, dropped_region, dropped_marker, dropped_false_positive

	// RateGateRejectionsTotal counts preflight rate-limit rejections.
	RateGateRejectionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "ai_code_review_rate_gate_rejections_total",
		Help: "Total number of review requests rejected by the rate gate",
	})

	// ProviderCallDuration measures individual Provider Port call latency.
	ProviderCallDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "ai_code_review_provider_call_duration_seconds",
		Help:    "Time taken by a single Provider Port call",
		Buckets: prometheus.DefBuckets,
	}, []string{"provider", "op"})
)
