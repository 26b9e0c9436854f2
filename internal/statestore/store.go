// Package statestore defines the Review State Store contract consumed by
// the Review Orchestrator, plus an MCP-backed implementation against a
// Bitbucket-shaped tool surface.
package statestore

import (
	"context"

	"github.com/hvo-labs/ai-code-review/internal/domain"
)

// Store is the collaborator contract the Orchestrator drives for all
// platform I/O (spec.md 4.7). Every operation is a suspension point; none
// may be called while the Orchestrator holds a lock.
type Store interface {
	GetPR(ctx context.Context, project, repo string, prID int) (domain.PullRequestSnapshot, error)
	GetIterationCount(ctx context.Context, project, repo string, prID int) (int, error)

	// GetMetadata never raises on "not found"; absent fields default to
	// their zero value.
	GetMetadata(ctx context.Context, project, repo string, prID int) (domain.ReviewMetadata, error)
	SetMetadata(ctx context.Context, project, repo string, prID int, meta domain.ReviewMetadata) error

	GetHistory(ctx context.Context, project, repo string, prID int) ([]domain.ReviewHistoryEntry, error)
	AppendHistory(ctx context.Context, project, repo string, prID int, entry domain.ReviewHistoryEntry) error

	// GetExistingThreads restricts to threads bearing attributionTag when
	// non-empty.
	GetExistingThreads(ctx context.Context, project, repo string, prID int, attributionTag string) ([]domain.ExistingCommentThread, error)
	UpdateThreadStatus(ctx context.Context, project, repo string, prID int, threadID string, status domain.ThreadStatus) error

	CountSummaryComments(ctx context.Context, project, repo string, prID int) (int, error)
	GetFileChanges(ctx context.Context, project, repo string, prID int, pr domain.PullRequestSnapshot) ([]domain.FileChange, error)

	PostCommentThread(ctx context.Context, project, repo string, prID int, content string, status domain.ThreadStatus) error
	PostInlineCommentThread(ctx context.Context, project, repo string, prID int, path string, startLine, endLine int, content string, status domain.ThreadStatus) error

	// AddReviewerVote may fail transiently; callers must tolerate it.
	AddReviewerVote(ctx context.Context, project, repo string, prID int, vote domain.Vote) error
	UpdatePRDescription(ctx context.Context, project, repo string, prID int, newDescription string) error

	HasReviewTag(ctx context.Context, project, repo string, prID int) (bool, error)
	AddReviewTag(ctx context.Context, project, repo string, prID int) error
}
