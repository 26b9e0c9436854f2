package statestore

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvo-labs/ai-code-review/internal/domain"
)

type fakeCaller struct {
	properties map[string]string
	calls      []string
}

func newFakeCaller() *fakeCaller {
	return &fakeCaller{properties: map[string]string{}}
}

func (f *fakeCaller) CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (any, error) {
	f.calls = append(f.calls, toolName)
	switch toolName {
	case toolGetProperty:
		key := args["key"].(string)
		if v, ok := f.properties[key]; ok {
			return map[string]any{"value": v}, nil
		}
		return map[string]any{}, nil
	case toolSetProperty:
		f.properties[args["key"].(string)] = args["value"].(string)
		return map[string]any{"ok": true}, nil
	case toolGetPullRequest:
		return map[string]any{
			"title":   "Add feature",
			"draft":   true,
			"fromRef": map[string]any{"displayId": "feature", "latestCommit": "abc123"},
			"toRef":   map[string]any{"displayId": "main", "latestCommit": "def456"},
		}, nil
	case toolGetComments:
		return map[string]any{"values": []any{
			map[string]any{
				"id":      "1",
				"content": map[string]any{"raw": "## Code Review (Review 1) -- PR 5"},
			},
		}}, nil
	}
	return map[string]any{}, nil
}

func TestGetMetadata_AbsentDefaultsToZeroValue(t *testing.T) {
	store := NewMCPStore(newFakeCaller())
	meta, err := store.GetMetadata(context.Background(), "PROJ", "repo", 5)
	require.NoError(t, err)
	assert.False(t, meta.HasPreviousReview())
	assert.Equal(t, 0, meta.ReviewCount)
}

func TestSetMetadataThenGetMetadata_RoundTrips(t *testing.T) {
	caller := newFakeCaller()
	store := NewMCPStore(caller)
	ctx := context.Background()

	in := domain.ReviewMetadata{
		LastReviewedSourceCommit: "abc123",
		LastReviewedTargetCommit: "def456",
		LastReviewedIteration:    2,
		WasDraft:                 true,
		ReviewedAtUTC:            time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
		VoteSubmitted:            true,
		ReviewCount:              1,
	}
	require.NoError(t, store.SetMetadata(ctx, "PROJ", "repo", 5, in))

	out, err := store.GetMetadata(ctx, "PROJ", "repo", 5)
	require.NoError(t, err)
	assert.Equal(t, in.LastReviewedSourceCommit, out.LastReviewedSourceCommit)
	assert.Equal(t, in.LastReviewedIteration, out.LastReviewedIteration)
	assert.True(t, out.WasDraft)
	assert.True(t, out.VoteSubmitted)
	assert.Equal(t, 1, out.ReviewCount)
}

func TestAppendHistoryThenGetHistory_LastElementMatches(t *testing.T) {
	store := NewMCPStore(newFakeCaller())
	ctx := context.Background()

	entry := domain.ReviewHistoryEntry{Action: domain.ActionFullReview, Verdict: "APPROVED"}
	require.NoError(t, store.AppendHistory(ctx, "PROJ", "repo", 5, entry))

	history, err := store.GetHistory(ctx, "PROJ", "repo", 5)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, 1, history[0].ReviewNumber)
	assert.Equal(t, domain.ActionFullReview, history[0].Action)
}

func TestAppendHistory_SecondEntryGetsIncrementingNumber(t *testing.T) {
	store := NewMCPStore(newFakeCaller())
	ctx := context.Background()

	require.NoError(t, store.AppendHistory(ctx, "PROJ", "repo", 5, domain.ReviewHistoryEntry{Action: domain.ActionFullReview}))
	require.NoError(t, store.AppendHistory(ctx, "PROJ", "repo", 5, domain.ReviewHistoryEntry{Action: domain.ActionSkip}))

	history, err := store.GetHistory(ctx, "PROJ", "repo", 5)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, 1, history[0].ReviewNumber)
	assert.Equal(t, 2, history[1].ReviewNumber)
}

func TestCountSummaryComments_OnlyCountsHeaderedTopLevelThreads(t *testing.T) {
	store := NewMCPStore(newFakeCaller())
	count, err := store.CountSummaryComments(context.Background(), "PROJ", "repo", 5)
	require.NoError(t, err)
	assert.Equal(t, 1, count)
}

func TestGetPR_MapsSnapshotFields(t *testing.T) {
	store := NewMCPStore(newFakeCaller())
	pr, err := store.GetPR(context.Background(), "PROJ", "repo", 5)
	require.NoError(t, err)
	assert.Equal(t, "Add feature", pr.Title)
	assert.True(t, pr.IsDraft)
	assert.Equal(t, "abc123", pr.SourceCommit)
}
