package consensus

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

type fakePort struct {
	name          string
	reviewAllFn   func() (domain.ReviewResult, error)
	verifyFn      func([]provider.VerifyCandidate) ([]provider.VerifyVerdict, error)
}

func (f *fakePort) Name() string { return f.name }

func (f *fakePort) ReviewAll(ctx context.Context, pr domain.PullRequestSnapshot, files []domain.FileChange) (domain.ReviewResult, error) {
	return f.reviewAllFn()
}

func (f *fakePort) ReviewOne(ctx context.Context, pr domain.PullRequestSnapshot, file domain.FileChange, totalFilesInPR int) (domain.ReviewResult, error) {
	return f.reviewAllFn()
}

func (f *fakePort) VerifyResolutions(ctx context.Context, candidates []provider.VerifyCandidate) ([]provider.VerifyVerdict, error) {
	if f.verifyFn != nil {
		return f.verifyFn(candidates)
	}
	return nil, nil
}

func TestReviewAll_AllProvidersFailReturnsAggregateError(t *testing.T) {
	a := New([]provider.Port{
		&fakePort{name: "A", reviewAllFn: func() (domain.ReviewResult, error) { return domain.ReviewResult{}, errors.New("boom") }},
		&fakePort{name: "B", reviewAllFn: func() (domain.ReviewResult, error) { return domain.ReviewResult{}, errors.New("bust") }},
	}, 1)

	_, err := a.ReviewAll(context.Background(), domain.PullRequestSnapshot{}, nil)
	require.Error(t, err)
	var aggErr *provider.AggregateError
	require.ErrorAs(t, err, &aggErr)
	assert.Len(t, aggErr.Causes, 2)
}

func TestReviewAll_OneProviderSucceedsOthersIsolated(t *testing.T) {
	a := New([]provider.Port{
		&fakePort{name: "A", reviewAllFn: func() (domain.ReviewResult, error) {
			return domain.ReviewResult{Summary: domain.ReviewSummary{Verdict: domain.VerdictApproved}, RecommendedVote: domain.VoteApprove}, nil
		}},
		&fakePort{name: "B", reviewAllFn: func() (domain.ReviewResult, error) { return domain.ReviewResult{}, errors.New("down") }},
	}, 1)

	res, err := a.ReviewAll(context.Background(), domain.PullRequestSnapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictApproved, res.Summary.Verdict)
}

func TestMerge_OverlapClusterSurvivesAtThreshold(t *testing.T) {
	mk := func(name string, start, end int) *fakePort {
		return &fakePort{name: name, reviewAllFn: func() (domain.ReviewResult, error) {
			return domain.ReviewResult{
				Summary:         domain.ReviewSummary{Verdict: domain.VerdictNeedsWork},
				RecommendedVote: domain.VoteNeedsWork,
				InlineComments: []domain.InlineComment{
					{Path: "a.go", StartLine: start, EndLine: end, Comment: "issue here"},
				},
			}, nil
		}}
	}
	a := New([]provider.Port{mk("ProviderA", 5, 10), mk("ProviderB", 6, 11)}, 2)

	res, err := a.ReviewAll(context.Background(), domain.PullRequestSnapshot{}, nil)
	require.NoError(t, err)
	require.Len(t, res.InlineComments, 1)
	assert.Contains(t, res.InlineComments[0].Comment, "ProviderA")
	assert.Contains(t, res.InlineComments[0].Comment, "ProviderB")
}

func TestMerge_BelowThresholdClusterDropped(t *testing.T) {
	mk := func(name string, start, end int) *fakePort {
		return &fakePort{name: name, reviewAllFn: func() (domain.ReviewResult, error) {
			return domain.ReviewResult{
				Summary: domain.ReviewSummary{Verdict: domain.VerdictApproved},
				InlineComments: []domain.InlineComment{
					{Path: "a.go", StartLine: start, EndLine: end, Comment: "only one sees this"},
				},
			}, nil
		}}
	}
	a := New([]provider.Port{mk("ProviderA", 5, 10), mk("ProviderB", 50, 55)}, 2)

	res, err := a.ReviewAll(context.Background(), domain.PullRequestSnapshot{}, nil)
	require.NoError(t, err)
	assert.Empty(t, res.InlineComments)
}

func TestMerge_ThresholdOneKeepsEverySingleComment(t *testing.T) {
	mk := func(name string, start, end int) *fakePort {
		return &fakePort{name: name, reviewAllFn: func() (domain.ReviewResult, error) {
			return domain.ReviewResult{
				Summary: domain.ReviewSummary{Verdict: domain.VerdictApproved},
				InlineComments: []domain.InlineComment{
					{Path: "a.go", StartLine: start, EndLine: end, Comment: "note"},
				},
			}, nil
		}}
	}
	a := New([]provider.Port{mk("ProviderA", 1, 2), mk("ProviderB", 100, 101)}, 1)

	res, err := a.ReviewAll(context.Background(), domain.PullRequestSnapshot{}, nil)
	require.NoError(t, err)
	assert.Len(t, res.InlineComments, 2)
}

func TestMerge_WorstVerdictAndMinVoteWin(t *testing.T) {
	good := &fakePort{name: "A", reviewAllFn: func() (domain.ReviewResult, error) {
		return domain.ReviewResult{Summary: domain.ReviewSummary{Verdict: domain.VerdictApproved}, RecommendedVote: domain.VoteApprove}, nil
	}}
	bad := &fakePort{name: "B", reviewAllFn: func() (domain.ReviewResult, error) {
		return domain.ReviewResult{Summary: domain.ReviewSummary{Verdict: domain.VerdictRejected}, RecommendedVote: domain.VoteReject}, nil
	}}
	a := New([]provider.Port{good, bad}, 1)

	res, err := a.ReviewAll(context.Background(), domain.PullRequestSnapshot{}, nil)
	require.NoError(t, err)
	assert.Equal(t, domain.VerdictRejected, res.Summary.Verdict)
	assert.Equal(t, domain.VoteReject, res.RecommendedVote)
}

func TestVerifyResolutions_MajorityTally(t *testing.T) {
	verdictsFor := func(fixedThread1, fixedThread2 bool) func([]provider.VerifyCandidate) ([]provider.VerifyVerdict, error) {
		return func(cands []provider.VerifyCandidate) ([]provider.VerifyVerdict, error) {
			return []provider.VerifyVerdict{
				{ThreadID: "thread-1", IsFixed: fixedThread1, Reasoning: "r1"},
				{ThreadID: "thread-2", IsFixed: fixedThread2, Reasoning: "r2"},
			}, nil
		}
	}
	a := New([]provider.Port{
		&fakePort{name: "A", verifyFn: verdictsFor(true, false)},
		&fakePort{name: "B", verifyFn: verdictsFor(true, true)},
		&fakePort{name: "C", verifyFn: verdictsFor(false, false)},
	}, 1)

	candidates := []provider.VerifyCandidate{{ThreadID: "thread-1"}, {ThreadID: "thread-2"}}
	results, err := a.VerifyResolutions(context.Background(), candidates)
	require.NoError(t, err)
	require.Len(t, results, 2)

	byID := map[string]provider.VerifyVerdict{}
	for _, r := range results {
		byID[r.ThreadID] = r
	}
	assert.True(t, byID["thread-1"].IsFixed)
	assert.Contains(t, byID["thread-1"].Reasoning, "Consensus: 2/3")
	assert.False(t, byID["thread-2"].IsFixed)
	assert.Contains(t, byID["thread-2"].Reasoning, "Consensus: 1/3")
}

func TestVerifyResolutions_TotalFailureDefaultsToNotFixed(t *testing.T) {
	a := New([]provider.Port{
		&fakePort{name: "A", verifyFn: func([]provider.VerifyCandidate) ([]provider.VerifyVerdict, error) { return nil, errors.New("down") }},
	}, 1)

	results, err := a.VerifyResolutions(context.Background(), []provider.VerifyCandidate{{ThreadID: "t"}})
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.False(t, results[0].IsFixed)
}
