package webhook

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/orchestrator"
	"github.com/hvo-labs/ai-code-review/internal/provider"
	"github.com/hvo-labs/ai-code-review/internal/ratelimit"
)

type nopStore struct{}

func (nopStore) GetPR(ctx context.Context, project, repo string, prID int) (domain.PullRequestSnapshot, error) {
	return domain.PullRequestSnapshot{PRID: prID}, nil
}
func (nopStore) GetIterationCount(ctx context.Context, project, repo string, prID int) (int, error) {
	return 0, nil
}
func (nopStore) GetMetadata(ctx context.Context, project, repo string, prID int) (domain.ReviewMetadata, error) {
	return domain.ReviewMetadata{}, nil
}
func (nopStore) SetMetadata(ctx context.Context, project, repo string, prID int, meta domain.ReviewMetadata) error {
	return nil
}
func (nopStore) GetHistory(ctx context.Context, project, repo string, prID int) ([]domain.ReviewHistoryEntry, error) {
	return nil, nil
}
func (nopStore) AppendHistory(ctx context.Context, project, repo string, prID int, entry domain.ReviewHistoryEntry) error {
	return nil
}
func (nopStore) GetExistingThreads(ctx context.Context, project, repo string, prID int, tag string) ([]domain.ExistingCommentThread, error) {
	return nil, nil
}
func (nopStore) UpdateThreadStatus(ctx context.Context, project, repo string, prID int, threadID string, status domain.ThreadStatus) error {
	return nil
}
func (nopStore) CountSummaryComments(ctx context.Context, project, repo string, prID int) (int, error) {
	return 0, nil
}
func (nopStore) GetFileChanges(ctx context.Context, project, repo string, prID int, pr domain.PullRequestSnapshot) ([]domain.FileChange, error) {
	return nil, nil
}
func (nopStore) PostCommentThread(ctx context.Context, project, repo string, prID int, content string, status domain.ThreadStatus) error {
	return nil
}
func (nopStore) PostInlineCommentThread(ctx context.Context, project, repo string, prID int, path string, startLine, endLine int, content string, status domain.ThreadStatus) error {
	return nil
}
func (nopStore) AddReviewerVote(ctx context.Context, project, repo string, prID int, vote domain.Vote) error {
	return nil
}
func (nopStore) UpdatePRDescription(ctx context.Context, project, repo string, prID int, newDescription string) error {
	return nil
}
func (nopStore) HasReviewTag(ctx context.Context, project, repo string, prID int) (bool, error) {
	return false, nil
}
func (nopStore) AddReviewTag(ctx context.Context, project, repo string, prID int) error { return nil }

type nopPort struct{}

func (nopPort) Name() string { return "nop" }
func (nopPort) ReviewAll(ctx context.Context, pr domain.PullRequestSnapshot, files []domain.FileChange) (domain.ReviewResult, error) {
	return domain.ReviewResult{}, nil
}
func (nopPort) ReviewOne(ctx context.Context, pr domain.PullRequestSnapshot, file domain.FileChange, total int) (domain.ReviewResult, error) {
	return domain.ReviewResult{Summary: domain.ReviewSummary{Verdict: domain.VerdictApproved}}, nil
}
func (nopPort) VerifyResolutions(ctx context.Context, candidates []provider.VerifyCandidate) ([]provider.VerifyVerdict, error) {
	return nil, nil
}

func newTestHandler() *Handler {
	orch := orchestrator.New(nopStore{}, nopPort{}, ratelimit.New(), orchestrator.Config{})
	return NewHandler(orch, "", 10, 2*1024*1024)
}

func TestServeHTTP_RejectsNonPost(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest(http.MethodGet, "/webhook", nil)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusMethodNotAllowed, w.Code)
}

func TestServeHTTP_RejectsInvalidJSON(t *testing.T) {
	h := newTestHandler()
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString("not json"))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestServeHTTP_IgnoresUnlistedEvent(t *testing.T) {
	h := newTestHandler()
	body := `{"eventKey":"pr:comment:added","repository":{"slug":"r","project":{"key":"P"}},"pullRequest":{"id":1}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "ignored")
}

func TestServeHTTP_AcceptsOpenedEventAndQueues(t *testing.T) {
	h := newTestHandler()
	body := `{"eventKey":"pr:opened","repository":{"slug":"r","project":{"key":"P"}},"pullRequest":{"id":7}}`
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewBufferString(body))
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	h.WaitForCompletion()
}

func TestServeHTTP_RejectsBadSignature(t *testing.T) {
	orch := orchestrator.New(nopStore{}, nopPort{}, ratelimit.New(), orchestrator.Config{})
	h := NewHandler(orch, "s3cr3t", 10, 2*1024*1024)
	body := []byte(`{"eventKey":"pr:opened","repository":{"slug":"r","project":{"key":"P"}},"pullRequest":{"id":1}}`)
	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature", "sha256=deadbeef")
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestServeHTTP_AcceptsGoodSignature(t *testing.T) {
	secret := "s3cr3t"
	orch := orchestrator.New(nopStore{}, nopPort{}, ratelimit.New(), orchestrator.Config{})
	h := NewHandler(orch, secret, 10, 2*1024*1024)
	body := []byte(`{"eventKey":"pr:opened","repository":{"slug":"r","project":{"key":"P"}},"pullRequest":{"id":2}}`)

	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write(body)
	sig := "sha256=" + hex.EncodeToString(mac.Sum(nil))

	req := httptest.NewRequest(http.MethodPost, "/webhook", bytes.NewReader(body))
	req.Header.Set("X-Hub-Signature", sig)
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	require.Equal(t, http.StatusOK, w.Code)
	h.WaitForCompletion()
}
