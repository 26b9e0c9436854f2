// Package orchestrator implements the Review Orchestrator: the state
// machine that decides what kind of review a PR needs and drives the
// Provider Port and Review State Store to carry it out.
package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/hvo-labs/ai-code-review/internal/audit"
	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
	"github.com/hvo-labs/ai-code-review/internal/provider"
	"github.com/hvo-labs/ai-code-review/internal/ratelimit"
	"github.com/hvo-labs/ai-code-review/internal/statestore"
	"github.com/hvo-labs/ai-code-review/internal/validator"
)

// defaultMaxParallelReviews bounds per-file fan-out when unconfigured
// (spec.md 4.6.2 step 3).
const defaultMaxParallelReviews = 5

// defaultCooldownMinutes is the Rate Gate interval used when the caller
// leaves it unset.
const defaultCooldownMinutes = 5.0

const historyTableStart = "<!-- AI-REVIEW-HISTORY-START -->"
const historyTableEnd = "<!-- AI-REVIEW-HISTORY-END -->"

// Config carries the orchestration-level knobs from spec.md 9
// ("Provider registry" / orchestration-level options).
type Config struct {
	CooldownMinutes     float64
	MaxParallelReviews  int
	AddReviewerVote     bool
	AttributionTag      string
	ResolveOnReReview   bool
}

func (c Config) maxParallel() int {
	if c.MaxParallelReviews < 1 {
		return defaultMaxParallelReviews
	}
	return c.MaxParallelReviews
}

func (c Config) cooldownMinutes() float64 {
	if c.CooldownMinutes <= 0 {
		return defaultCooldownMinutes
	}
	return c.CooldownMinutes
}

// Request identifies one PR to evaluate.
type Request struct {
	Project string
	Repo    string
	PRID    int
}

// Status is the outcome discriminator returned from Handle's top level
// (spec.md 7, "exception-for-control-flow elimination").
type Status string

const (
	StatusReviewed    Status = "Reviewed"
	StatusSkipped     Status = "Skipped"
	StatusRateLimited Status = "RateLimited"
	StatusError       Status = "Error"
)

// Result is the tagged outcome of one Handle call.
type Result struct {
	Status         Status
	ErrorMessage   string
	Recommendation string
	Vote           *domain.Vote
	IssueCount     int
	ErrorCount     int
	WarningCount   int
	InfoCount      int
	Summary        string
}

// Orchestrator drives one Provider Port and one Review State Store. It
// holds no other state besides the process-wide Rate Gate (spec.md 9,
// "No cyclic ownership").
type Orchestrator struct {
	store    statestore.Store
	port     provider.Port
	rateGate *ratelimit.Gate
	cfg      Config
	audit    audit.Log
}

// New constructs an Orchestrator.
func New(store statestore.Store, port provider.Port, rateGate *ratelimit.Gate, cfg Config) *Orchestrator {
	return &Orchestrator{store: store, port: port, rateGate: rateGate, cfg: cfg}
}

// WithAuditLog attaches a local audit mirror. Audit writes are
// best-effort and never affect the Handle outcome (spec.md 9: the
// audit trail is operator tooling, not part of the decision state).
func (o *Orchestrator) WithAuditLog(log audit.Log) *Orchestrator {
	o.audit = log
	return o
}

func (o *Orchestrator) recordAudit(ctx context.Context, req Request, status string, entry domain.ReviewHistoryEntry, durationMs int64) {
	if o.audit == nil {
		return
	}
	err := o.audit.Record(ctx, &audit.Entry{
		ID:           audit.EntryID(req.Project, req.Repo, req.PRID, entry.ReviewNumber),
		Project:      req.Project,
		Repo:         req.Repo,
		PRID:         req.PRID,
		Action:       entry.Action,
		Status:       status,
		HistoryEntry: entry,
		DurationMs:   durationMs,
	})
	if err != nil {
		slog.Warn("audit record failed", "pr", req.PRID, "error", err)
	}
}

// Handle runs the full decision state machine for one request. It never
// panics out of its top-level entry; any uncaught error becomes a
// Status=Error result (spec.md 4.6, "Fatal-path handling").
func (o *Orchestrator) Handle(ctx context.Context, req Request) (result Result) {
	start := time.Now()
	defer func() {
		if r := recover(); r != nil {
			result = Result{Status: StatusError, ErrorMessage: fmt.Sprintf("panic: %v", r)}
		}
		metrics.ProcessingDuration.WithLabelValues(metricsResultLabel(result.Status)).Observe(time.Since(start).Seconds())
	}()

	key := ratelimit.Key{Org: req.Project, Project: req.Project, Repo: req.Repo, PRID: req.PRID}
	check := o.rateGate.Check(key, o.cfg.cooldownMinutes())
	if !check.Allowed {
		metrics.RateGateRejectionsTotal.Inc()
		return Result{
			Status:  StatusRateLimited,
			Summary: fmt.Sprintf("rate limited: next review allowed in %ds (last reviewed %s)", check.SecondsRemaining, check.LastReviewedAt.Format(time.RFC3339)),
		}
	}

	pr, err := o.store.GetPR(ctx, req.Project, req.Repo, req.PRID)
	if err != nil {
		return Result{Status: StatusError, ErrorMessage: fmt.Sprintf("get pull request: %v", err)}
	}
	meta, err := o.store.GetMetadata(ctx, req.Project, req.Repo, req.PRID)
	if err != nil {
		return Result{Status: StatusError, ErrorMessage: fmt.Sprintf("get metadata: %v", err)}
	}

	action := Decide(meta, pr, o.cfg.AddReviewerVote)
	metrics.ReviewActionTotal.WithLabelValues(string(action)).Inc()

	switch action {
	case domain.ActionSkip:
		res, err := o.handleSkip(ctx, req, meta)
		if err != nil {
			return Result{Status: StatusError, ErrorMessage: err.Error()}
		}
		return res
	case domain.ActionVoteOnly:
		res, err := o.handleVoteOnly(ctx, req, meta)
		if err != nil {
			return Result{Status: StatusError, ErrorMessage: err.Error()}
		}
		return res
	default:
		res, err := o.handleFullOrReReview(ctx, req, pr, meta, action)
		if err != nil {
			return Result{Status: StatusError, ErrorMessage: err.Error()}
		}
		return res
	}
}

func metricsResultLabel(s Status) string {
	switch s {
	case StatusReviewed:
		return "reviewed"
	case StatusSkipped:
		return "skipped"
	case StatusRateLimited:
		return "rate_limited"
	default:
		return "error"
	}
}

// Decide implements spec.md 4.6.1. It is a pure function of its inputs
// (invariant 4: decision determinism).
func Decide(m domain.ReviewMetadata, p domain.PullRequestSnapshot, addReviewerVote bool) domain.ReviewAction {
	if !m.HasPreviousReview() {
		return domain.ActionFullReview
	}
	if !strings.EqualFold(m.LastReviewedSourceCommit, p.SourceCommit) {
		return domain.ActionReReview
	}
	if m.WasDraft && !p.IsDraft && !m.VoteSubmitted && addReviewerVote {
		return domain.ActionVoteOnly
	}
	return domain.ActionSkip
}

func (o *Orchestrator) handleSkip(ctx context.Context, req Request, meta domain.ReviewMetadata) (Result, error) {
	start := time.Now()
	history, err := o.store.GetHistory(ctx, req.Project, req.Repo, req.PRID)
	if err != nil {
		return Result{}, fmt.Errorf("get history: %w", err)
	}

	entry := domain.ReviewHistoryEntry{
		ReviewNumber:  len(history) + 1,
		ReviewedAtUTC: time.Now().UTC(),
		Action:        domain.ActionSkip,
		Verdict:       "No Changes",
		SourceCommit:  meta.LastReviewedSourceCommit,
		Iteration:     meta.LastReviewedIteration,
		IsDraft:       meta.WasDraft,
	}
	if err := o.store.AppendHistory(ctx, req.Project, req.Repo, req.PRID, entry); err != nil {
		return Result{}, fmt.Errorf("append history: %w", err)
	}
	if err := o.appendHistoryTableRow(ctx, req, len(history)+1, entry); err != nil {
		slog.Warn("update pr description history table failed", "pr", req.PRID, "error", err)
	}

	o.rateGate.Record(ratelimit.Key{Org: req.Project, Project: req.Project, Repo: req.Repo, PRID: req.PRID})
	o.recordAudit(ctx, req, "skipped", entry, time.Since(start).Milliseconds())

	return Result{Status: StatusSkipped, Summary: "this PR has already been reviewed at its current commit"}, nil
}

func (o *Orchestrator) handleVoteOnly(ctx context.Context, req Request, meta domain.ReviewMetadata) (Result, error) {
	start := time.Now()
	history, err := o.store.GetHistory(ctx, req.Project, req.Repo, req.PRID)
	if err != nil {
		return Result{}, fmt.Errorf("get history: %w", err)
	}

	var votePtr *domain.Vote
	voteErr := o.store.AddReviewerVote(ctx, req.Project, req.Repo, req.PRID, domain.VoteApproveWithNote)
	if voteErr != nil {
		slog.Warn("vote-only vote submission failed", "pr", req.PRID, "error", voteErr)
	} else {
		v := domain.VoteApproveWithNote
		votePtr = &v
	}

	meta.VoteSubmitted = voteErr == nil
	meta.WasDraft = false
	meta.ReviewCount = len(history) + 1
	meta.ReviewedAtUTC = time.Now().UTC()
	if err := o.store.SetMetadata(ctx, req.Project, req.Repo, req.PRID, meta); err != nil {
		return Result{}, fmt.Errorf("set metadata: %w", err)
	}

	entry := domain.ReviewHistoryEntry{
		ReviewNumber:  len(history) + 1,
		ReviewedAtUTC: meta.ReviewedAtUTC,
		Action:        domain.ActionVoteOnly,
		Verdict:       "Draft-to-active, no code change",
		SourceCommit:  meta.LastReviewedSourceCommit,
		Iteration:     meta.LastReviewedIteration,
		IsDraft:       false,
		Vote:          votePtr,
	}
	if err := o.store.AppendHistory(ctx, req.Project, req.Repo, req.PRID, entry); err != nil {
		return Result{}, fmt.Errorf("append history: %w", err)
	}
	if err := o.appendHistoryTableRow(ctx, req, len(history)+1, entry); err != nil {
		slog.Warn("update pr description history table failed", "pr", req.PRID, "error", err)
	}

	o.rateGate.Record(ratelimit.Key{Org: req.Project, Project: req.Project, Repo: req.Repo, PRID: req.PRID})
	o.recordAudit(ctx, req, "reviewed", entry, time.Since(start).Milliseconds())

	return Result{
		Status:         StatusReviewed,
		Recommendation: string(domain.VerdictApprovedWithNotes),
		Vote:           votePtr,
		Summary:        "Draft-to-active transition with no code change; casting a courtesy approval vote.",
	}, nil
}

func (o *Orchestrator) handleFullOrReReview(ctx context.Context, req Request, pr domain.PullRequestSnapshot, meta domain.ReviewMetadata, action domain.ReviewAction) (Result, error) {
	start := time.Now()
	history, err := o.store.GetHistory(ctx, req.Project, req.Repo, req.PRID)
	if err != nil {
		return Result{}, fmt.Errorf("get history: %w", err)
	}
	// Step 1: pre-count existing summary comments; survives a metadata wipe.
	summaryCount, err := o.store.CountSummaryComments(ctx, req.Project, req.Repo, req.PRID)
	if err != nil {
		slog.Warn("count summary comments failed, falling back to history length", "pr", req.PRID, "error", err)
		summaryCount = len(history)
	}
	reviewNumber := summaryCount + 1

	// Step 2: fetch changes.
	files, err := o.store.GetFileChanges(ctx, req.Project, req.Repo, req.PRID, pr)
	if err != nil {
		return Result{}, fmt.Errorf("get file changes: %w", err)
	}
	if len(files) == 0 {
		return o.handleNoFiles(ctx, req, pr, meta, history, reviewNumber, action)
	}

	// Step 3: bounded fan-out per file.
	merged, err := o.reviewAllFiles(ctx, pr, files)
	if err != nil {
		return Result{}, fmt.Errorf("review files: %w", err)
	}
	merged.Summary.FilesChanged = len(files)

	// Step 5: validate.
	validated, _ := validator.Validate(merged.InlineComments, files)

	// Step 6: resolve prior threads (ReReview only).
	if action == domain.ActionReReview && o.cfg.ResolveOnReReview {
		if err := o.resolvePriorThreads(ctx, req, files); err != nil {
			slog.Warn("resolve prior threads failed", "pr", req.PRID, "error", err)
		}
	}

	// Step 7: post inline comments with dedup.
	posted, err := o.postInlineComments(ctx, req, validated)
	if err != nil {
		slog.Warn("post inline comments encountered errors", "pr", req.PRID, "error", err)
	}

	// Step 8: post summary thread.
	summaryBody := buildSummaryThread(action, reviewNumber, req.PRID, merged, files, meta)
	if err := o.store.PostCommentThread(ctx, req.Project, req.Repo, req.PRID, summaryBody, domain.ThreadClosed); err != nil {
		slog.Warn("post summary thread failed", "pr", req.PRID, "error", err)
		metrics.CommentPostFailures.WithLabelValues("summary").Inc()
	}

	// Step 9: vote.
	var votePtr *domain.Vote
	if !pr.IsDraft && o.cfg.AddReviewerVote {
		if err := o.store.AddReviewerVote(ctx, req.Project, req.Repo, req.PRID, merged.RecommendedVote); err != nil {
			slog.Warn("cast vote failed", "pr", req.PRID, "error", err)
		} else {
			v := merged.RecommendedVote
			votePtr = &v
		}
	}

	// Step 10: update metadata and history.
	meta.ReviewCount = len(history) + 1
	meta.LastReviewedSourceCommit = pr.SourceCommit
	meta.LastReviewedTargetCommit = pr.TargetCommit
	meta.WasDraft = pr.IsDraft
	meta.ReviewedAtUTC = time.Now().UTC()
	meta.VoteSubmitted = votePtr != nil
	if err := o.store.SetMetadata(ctx, req.Project, req.Repo, req.PRID, meta); err != nil {
		return Result{}, fmt.Errorf("set metadata: %w", err)
	}
	if tagged, terr := o.store.HasReviewTag(ctx, req.Project, req.Repo, req.PRID); terr == nil && !tagged {
		if err := o.store.AddReviewTag(ctx, req.Project, req.Repo, req.PRID); err != nil {
			slog.Warn("add review tag failed", "pr", req.PRID, "error", err)
		}
	}

	entry := domain.ReviewHistoryEntry{
		ReviewNumber:         reviewNumber,
		ReviewedAtUTC:        meta.ReviewedAtUTC,
		Action:               action,
		Verdict:              string(merged.Summary.Verdict),
		SourceCommit:         pr.SourceCommit,
		Iteration:            meta.LastReviewedIteration,
		IsDraft:              pr.IsDraft,
		InlineCommentsPosted: posted,
		FilesChanged:         len(files),
		Vote:                 votePtr,
		Metrics:              merged.Metrics,
	}
	if err := o.store.AppendHistory(ctx, req.Project, req.Repo, req.PRID, entry); err != nil {
		return Result{}, fmt.Errorf("append history: %w", err)
	}
	if err := o.appendHistoryTableRow(ctx, req, reviewNumber, entry); err != nil {
		slog.Warn("update pr description history table failed", "pr", req.PRID, "error", err)
	}

	// Step 11: record in Rate Gate.
	o.rateGate.Record(ratelimit.Key{Org: req.Project, Project: req.Project, Repo: req.Repo, PRID: req.PRID})
	o.recordAudit(ctx, req, "reviewed", entry, time.Since(start).Milliseconds())

	errorCount, warningCount, infoCount := countSeverities(validated)
	return Result{
		Status:         StatusReviewed,
		Recommendation: string(merged.Summary.Verdict),
		Vote:           votePtr,
		IssueCount:     len(validated),
		ErrorCount:     errorCount,
		WarningCount:   warningCount,
		InfoCount:      infoCount,
		Summary:        merged.Summary.Description,
	}, nil
}

// handleNoFiles implements spec.md 4.6.2 step 2's empty-changes path: an
// auto-approved summary with no LLM call.
func (o *Orchestrator) handleNoFiles(ctx context.Context, req Request, pr domain.PullRequestSnapshot, meta domain.ReviewMetadata, history []domain.ReviewHistoryEntry, reviewNumber int, action domain.ReviewAction) (Result, error) {
	start := time.Now()
	body := fmt.Sprintf("## Code Review (Review %d) -- PR %d\n\n### Summary\nNo file changes detected; automatically approved.\n\n### Verdict: **APPROVED**", reviewNumber, req.PRID)
	if err := o.store.PostCommentThread(ctx, req.Project, req.Repo, req.PRID, body, domain.ThreadClosed); err != nil {
		slog.Warn("post empty-files summary failed", "pr", req.PRID, "error", err)
	}

	v := domain.VoteApprove
	if err := o.store.AddReviewerVote(ctx, req.Project, req.Repo, req.PRID, v); err != nil {
		slog.Warn("auto-approve vote failed", "pr", req.PRID, "error", err)
	}

	meta.ReviewCount = len(history) + 1
	meta.LastReviewedSourceCommit = pr.SourceCommit
	meta.LastReviewedTargetCommit = pr.TargetCommit
	meta.WasDraft = pr.IsDraft
	meta.ReviewedAtUTC = time.Now().UTC()
	meta.VoteSubmitted = true
	if err := o.store.SetMetadata(ctx, req.Project, req.Repo, req.PRID, meta); err != nil {
		return Result{}, fmt.Errorf("set metadata: %w", err)
	}

	entry := domain.ReviewHistoryEntry{
		ReviewNumber:  reviewNumber,
		ReviewedAtUTC: meta.ReviewedAtUTC,
		Action:        action,
		Verdict:       "Approved (auto — no files)",
		SourceCommit:  pr.SourceCommit,
		IsDraft:       pr.IsDraft,
		Vote:          &v,
	}
	if err := o.store.AppendHistory(ctx, req.Project, req.Repo, req.PRID, entry); err != nil {
		return Result{}, fmt.Errorf("append history: %w", err)
	}
	if err := o.appendHistoryTableRow(ctx, req, reviewNumber, entry); err != nil {
		slog.Warn("update pr description history table failed", "pr", req.PRID, "error", err)
	}

	// spec.md 9, open question: the empty-files path IS recorded in the
	// Rate Gate (observed-behavior preserved, not an oversight).
	o.rateGate.Record(ratelimit.Key{Org: req.Project, Project: req.Project, Repo: req.Repo, PRID: req.PRID})
	o.recordAudit(ctx, req, "reviewed", entry, time.Since(start).Milliseconds())

	return Result{Status: StatusReviewed, Recommendation: string(domain.VerdictApproved), Vote: &v}, nil
}

// reviewAllFiles implements spec.md 4.6.2 step 3+4: bounded fan-out with
// per-file failure isolation into a sentinel result, then merge.
func (o *Orchestrator) reviewAllFiles(ctx context.Context, pr domain.PullRequestSnapshot, files []domain.FileChange) (domain.ReviewResult, error) {
	results := make([]domain.ReviewResult, len(files))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(o.cfg.maxParallel())
	for i, f := range files {
		i, f := i, f
		g.Go(func() error {
			res, err := o.port.ReviewOne(gctx, pr, f, len(files))
			if err != nil {
				results[i] = sentinelResult(f.Path, err)
				return nil
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	return mergeFileResults(results), nil
}

func sentinelResult(path string, err error) domain.ReviewResult {
	return domain.ReviewResult{
		Summary: domain.ReviewSummary{Verdict: domain.VerdictApproved},
		FileReviews: []domain.FileReview{
			{Path: path, Verdict: domain.VerdictNeedsWork, ReviewText: fmt.Sprintf("AI review failed: %v", err)},
		},
	}
}

func mergeFileResults(results []domain.ReviewResult) domain.ReviewResult {
	var merged domain.ReviewResult
	var verdicts []domain.Verdict
	var votes []domain.Vote
	seenObs := make(map[string]bool)

	for _, r := range results {
		merged.InlineComments = append(merged.InlineComments, r.InlineComments...)
		merged.FileReviews = append(merged.FileReviews, r.FileReviews...)
		for _, obs := range r.Observations {
			key := strings.ToLower(strings.TrimSpace(obs))
			if !seenObs[key] {
				seenObs[key] = true
				merged.Observations = append(merged.Observations, obs)
			}
		}
		verdicts = append(verdicts, r.Summary.Verdict)
		if r.RecommendedVote.Valid() {
			votes = append(votes, r.RecommendedVote)
		}
		merged.Summary.EditsCount += r.Summary.EditsCount
		merged.Summary.AddsCount += r.Summary.AddsCount
		merged.Summary.DeletesCount += r.Summary.DeletesCount
		merged.Metrics.PromptTokens += r.Metrics.PromptTokens
		merged.Metrics.CompletionTokens += r.Metrics.CompletionTokens
		merged.Metrics.TotalTokens += r.Metrics.TotalTokens
		merged.Metrics.AIDurationMs += r.Metrics.AIDurationMs
	}

	merged.Summary.Verdict = domain.WorstVerdict(verdicts...)
	if len(votes) > 0 {
		min := votes[0]
		for _, v := range votes[1:] {
			if v < min {
				min = v
			}
		}
		merged.RecommendedVote = min
	} else {
		merged.RecommendedVote = domain.VoteApprove
	}
	merged.Summary.Description = summarizeFileReviews(merged.FileReviews)
	merged.Summary.VerdictJustification = merged.Summary.Description
	return merged
}

func summarizeFileReviews(reviews []domain.FileReview) string {
	var concerns []string
	for _, r := range reviews {
		if r.Verdict == domain.VerdictNeedsWork || r.Verdict == domain.VerdictRejected || strings.Contains(r.ReviewText, "AI review failed") {
			concerns = append(concerns, r.Path)
		}
	}
	if len(concerns) == 0 {
		return "All files reviewed with no blocking concerns."
	}
	return fmt.Sprintf("%d file(s) flagged for attention: %s", len(concerns), strings.Join(concerns, ", "))
}

func countSeverities(comments []domain.InlineComment) (errorCount, warningCount, infoCount int) {
	for _, c := range comments {
		switch c.LeadIn.Class() {
		case domain.SeverityError:
			errorCount++
		case domain.SeverityWarn:
			warningCount++
		default:
			infoCount++
		}
	}
	return
}
