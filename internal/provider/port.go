// Package provider defines the Provider Port: the abstract contract the
// Review Orchestrator drives to obtain AI review output, independent of
// which LLM or agent framework answers the call.
package provider

import (
	"context"
	"fmt"
	"strings"

	"github.com/hvo-labs/ai-code-review/internal/domain"
)

// Port is implemented by anything that can produce AI review output for a
// PR: a single concrete LLM backend, or a Consensus Aggregator composing
// several of them.
type Port interface {
	// ReviewAll reviews every file in one call, for backends that support
	// whole-PR context windows.
	ReviewAll(ctx context.Context, pr domain.PullRequestSnapshot, files []domain.FileChange) (domain.ReviewResult, error)

	// ReviewOne reviews a single file, told how many files total are in
	// the PR so it can calibrate comment density.
	ReviewOne(ctx context.Context, pr domain.PullRequestSnapshot, file domain.FileChange, totalFilesInPR int) (domain.ReviewResult, error)

	// VerifyResolutions asks whether each candidate thread's concern has
	// been addressed by the accompanying code context.
	VerifyResolutions(ctx context.Context, candidates []VerifyCandidate) ([]VerifyVerdict, error)

	// Name identifies this port for provenance tagging and metrics.
	Name() string
}

// VerifyCandidate is one previously-posted thread up for re-review, with a
// code context window extracted around its lines.
type VerifyCandidate struct {
	ThreadID    string
	Path        string
	StartLine   int
	EndLine     int
	OriginalText string
	CodeContext string // ±10-line window from the current modifiedContent
}

// VerifyVerdict is one provider's (or the consensus's) opinion on whether
// a candidate was fixed.
type VerifyVerdict struct {
	ThreadID  string
	IsFixed   bool
	Reasoning string
}

// ErrUnknownProviderType is returned by a registry constructor when asked
// to build a provider with an unrecognized type tag (spec.md 9:
// "unknown tags fail construction with a precise message").
type ErrUnknownProviderType struct {
	Tag string
}

func (e *ErrUnknownProviderType) Error() string {
	return fmt.Sprintf("provider: unknown provider type %q", e.Tag)
}

// CallError wraps a single provider call failure with the provider name
// that produced it, so a fan-out can report per-provider causes without
// losing provenance.
type CallError struct {
	Provider string
	Op       string
	Err      error
}

func (e *CallError) Error() string {
	return fmt.Sprintf("%s: %s: %v", e.Provider, e.Op, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// AggregateError collects one CallError per provider that failed the same
// call, surfaced when every provider in a fan-out fails (spec.md 4.4, 7:
// "fatal class").
type AggregateError struct {
	Op     string
	Causes []*CallError
}

func (e *AggregateError) Error() string {
	parts := make([]string, 0, len(e.Causes))
	for _, c := range e.Causes {
		parts = append(parts, c.Error())
	}
	return fmt.Sprintf("%s: all %d providers failed: %s", e.Op, len(e.Causes), strings.Join(parts, "; "))
}

// NormalizeResult enforces the Provider Port output contract (spec.md
// 4.3): illegal verdicts become APPROVED, illegal votes become
// VoteApprove, and comments whose path is outside validPaths are dropped
// before the Orchestrator ever sees them. Concrete backends call this on
// their raw LLM output so every implementor is contract-compliant by
// construction.
func NormalizeResult(r domain.ReviewResult, validPaths map[string]bool) domain.ReviewResult {
	r.Summary.Verdict = domain.ParseVerdict(string(r.Summary.Verdict))
	if !r.RecommendedVote.Valid() {
		r.RecommendedVote = domain.VoteApprove
	}

	kept := r.InlineComments[:0:0]
	for _, c := range r.InlineComments {
		if validPaths != nil && !validPaths[c.Path] {
			continue
		}
		if c.StartLine < 1 {
			c.StartLine = 1
		}
		if c.EndLine < c.StartLine {
			c.EndLine = c.StartLine
		}
		kept = append(kept, c)
	}
	r.InlineComments = kept

	for i := range r.FileReviews {
		r.FileReviews[i].Verdict = domain.ParseVerdict(string(r.FileReviews[i].Verdict))
	}
	return r
}
