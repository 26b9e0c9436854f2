package audit

import (
	"context"
	"database/sql"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvo-labs/ai-code-review/internal/domain"
)

func newTestLog(t *testing.T) *SQLiteLog {
	t.Helper()
	l, err := NewSQLiteLog("file::memory:?cache=shared")
	require.NoError(t, err)
	t.Cleanup(func() { l.Close() })
	return l
}

func TestRecordThenGet_RoundTrips(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	entry := &Entry{
		ID:      EntryID("PROJ", "repo", 42, 1),
		Project: "PROJ",
		Repo:    "repo",
		PRID:    42,
		Action:  domain.ActionFullReview,
		Status:  "reviewed",
		HistoryEntry: domain.ReviewHistoryEntry{
			ReviewNumber:  1,
			ReviewedAtUTC: time.Now().UTC(),
			Action:        domain.ActionFullReview,
			Verdict:       "Approved",
			SourceCommit:  "abc123",
			FilesChanged:  2,
		},
		DurationMs: 1500,
	}

	require.NoError(t, l.Record(ctx, entry))

	got, err := l.Get(ctx, entry.ID)
	require.NoError(t, err)
	assert.Equal(t, entry.Project, got.Project)
	assert.Equal(t, entry.Action, got.Action)
	assert.Equal(t, "Approved", got.HistoryEntry.Verdict)
	assert.Equal(t, int64(1500), got.DurationMs)
}

func TestRecord_SameIDReplaces(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()
	id := EntryID("PROJ", "repo", 1, 1)

	require.NoError(t, l.Record(ctx, &Entry{ID: id, Project: "PROJ", Repo: "repo", PRID: 1, Action: domain.ActionFullReview, Status: "error"}))
	require.NoError(t, l.Record(ctx, &Entry{ID: id, Project: "PROJ", Repo: "repo", PRID: 1, Action: domain.ActionFullReview, Status: "reviewed"}))

	got, err := l.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "reviewed", got.Status)

	all, err := l.ListByPR(ctx, "PROJ", "repo", 1)
	require.NoError(t, err)
	assert.Len(t, all, 1)
}

func TestListByPR_OrdersOldestFirst(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	require.NoError(t, l.Record(ctx, &Entry{ID: EntryID("PROJ", "repo", 1, 1), Project: "PROJ", Repo: "repo", PRID: 1, Action: domain.ActionFullReview, Status: "reviewed"}))
	require.NoError(t, l.Record(ctx, &Entry{ID: EntryID("PROJ", "repo", 1, 2), Project: "PROJ", Repo: "repo", PRID: 1, Action: domain.ActionReReview, Status: "reviewed"}))

	entries, err := l.ListByPR(ctx, "PROJ", "repo", 1)
	require.NoError(t, err)
	require.Len(t, entries, 2)
	assert.Equal(t, domain.ActionFullReview, entries[0].Action)
	assert.Equal(t, domain.ActionReReview, entries[1].Action)
}

func TestListRecent_RespectsLimit(t *testing.T) {
	l := newTestLog(t)
	ctx := context.Background()

	for i := 1; i <= 3; i++ {
		require.NoError(t, l.Record(ctx, &Entry{ID: EntryID("PROJ", "repo", i, 1), Project: "PROJ", Repo: "repo", PRID: i, Action: domain.ActionFullReview, Status: "reviewed"}))
	}

	entries, err := l.ListRecent(ctx, 2)
	require.NoError(t, err)
	assert.Len(t, entries, 2)
}

func TestGet_UnknownIDReturnsErrNoRows(t *testing.T) {
	l := newTestLog(t)
	_, err := l.Get(context.Background(), "nonexistent")
	assert.ErrorIs(t, err, sql.ErrNoRows)
}
