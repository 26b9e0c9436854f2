package statestore

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/tidwall/gjson"
	"github.com/tidwall/sjson"

	"github.com/hvo-labs/ai-code-review/internal/diffmodel"
	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
)

// Property key namespace persisted on the platform (spec.md 6).
const (
	keyLastSourceCommit = "AiCodeReview.LastSourceCommit"
	keyLastTargetCommit = "AiCodeReview.LastTargetCommit"
	keyLastIteration    = "AiCodeReview.LastIteration"
	keyWasDraft         = "AiCodeReview.WasDraft"
	keyReviewedAtUTC    = "AiCodeReview.ReviewedAtUtc"
	keyVoteSubmitted    = "AiCodeReview.VoteSubmitted"
	keyReviewCount      = "AiCodeReview.ReviewCount"
	keyReviewHistory    = "AiCodeReview.ReviewHistory"
)

const (
	mcpServerBitbucket = "bitbucket"

	toolGetPullRequest     = "bitbucket_get_pull_request"
	toolGetChanges         = "bitbucket_get_pull_request_changes"
	toolGetDiff            = "bitbucket_get_pull_request_diff"
	toolGetFileContent     = "bitbucket_get_file_content"
	toolGetComments        = "bitbucket_get_pull_request_comments"
	toolAddComment         = "bitbucket_add_pull_request_comment"
	toolUpdateCommentState = "bitbucket_update_pull_request_comment_status"
	toolAddVote            = "bitbucket_add_pull_request_reviewer_vote"
	toolUpdateDescription  = "bitbucket_update_pull_request_description"
	toolGetProperty        = "bitbucket_get_pull_request_property"
	toolSetProperty        = "bitbucket_set_pull_request_property"
)

// ToolCaller is the narrow seam this package drives. It matches the
// teacher's MCP commenter interface exactly; the retrying,
// circuit-breaking mcpclient.Client implements it for state persistence.
type ToolCaller interface {
	CallTool(ctx context.Context, serverName, toolName string, args map[string]any) (any, error)
}

// MCPStore implements Store by driving a ToolCaller against a
// Bitbucket-shaped MCP tool surface.
type MCPStore struct {
	caller ToolCaller
	now    func() time.Time
}

// NewMCPStore constructs a Store backed by caller.
func NewMCPStore(caller ToolCaller) *MCPStore {
	return &MCPStore{caller: caller, now: time.Now}
}

// call wraps ToolCaller.CallTool with the MCPToolCalls counter, the
// single instrumentation point for every tool invocation this store makes.
func (s *MCPStore) call(ctx context.Context, toolName string, args map[string]any) (any, error) {
	result, err := s.caller.CallTool(ctx, mcpServerBitbucket, toolName, args)
	status := "success"
	if err != nil {
		status = "error"
	}
	metrics.MCPToolCalls.WithLabelValues(mcpServerBitbucket, toolName, status).Inc()
	if err != nil {
		return result, err
	}

	js, jerr := unwrapResult(result)
	if jerr != nil {
		return result, nil
	}
	return pruneResponse(toolName, js), nil
}

// unwrapResult normalizes a raw MCP CallTool result down to its JSON
// payload, following the content[0].text / output wrapping some tools use.
func unwrapResult(result any) (string, error) {
	if s, ok := result.(string); ok && gjson.Valid(s) {
		return s, nil
	}
	b, err := json.Marshal(result)
	if err != nil {
		return "", fmt.Errorf("marshal mcp result: %w", err)
	}
	js := string(b)
	if text := gjson.Get(js, "content.0.text"); text.Exists() && text.String() != "" {
		return text.String(), nil
	}
	if out := gjson.Get(js, "output"); out.Exists() && out.String() != "" {
		return out.String(), nil
	}
	return js, nil
}

func resultJSON(result any) (string, error) {
	if s, ok := result.(string); ok && gjson.Valid(s) {
		return s, nil
	}
	return unwrapResult(result)
}

func (s *MCPStore) GetPR(ctx context.Context, project, repo string, prID int) (domain.PullRequestSnapshot, error) {
	result, err := s.call(ctx, toolGetPullRequest, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID,
	})
	if err != nil {
		return domain.PullRequestSnapshot{}, fmt.Errorf("get pull request: %w", err)
	}
	js, err := resultJSON(result)
	if err != nil {
		return domain.PullRequestSnapshot{}, err
	}

	pr := domain.PullRequestSnapshot{
		PRID:         prID,
		Title:        gjson.Get(js, "title").String(),
		Description:  gjson.Get(js, "description").String(),
		SourceBranch: gjson.Get(js, "fromRef.displayId").String(),
		TargetBranch: gjson.Get(js, "toRef.displayId").String(),
		Author:       gjson.Get(js, "author.user.name").String(),
		IsDraft:      gjson.Get(js, "draft").Bool(),
		SourceCommit: gjson.Get(js, "fromRef.latestCommit").String(),
		TargetCommit: gjson.Get(js, "toRef.latestCommit").String(),
	}
	if created := gjson.Get(js, "createdDate").Int(); created > 0 {
		pr.CreatedAt = time.UnixMilli(created).UTC()
	}
	gjson.Get(js, "reviewers").ForEach(func(_, v gjson.Result) bool {
		pr.Reviewers = append(pr.Reviewers, domain.Reviewer{
			ID:          v.Get("user.name").String(),
			DisplayName: v.Get("user.displayName").String(),
			Vote:        domain.Vote(v.Get("approved").Int()),
		})
		return true
	})
	return pr, nil
}

func (s *MCPStore) GetIterationCount(ctx context.Context, project, repo string, prID int) (int, error) {
	pr, err := s.call(ctx, toolGetPullRequest, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID,
	})
	if err != nil {
		return 0, fmt.Errorf("get iteration count: %w", err)
	}
	js, err := resultJSON(pr)
	if err != nil {
		return 0, err
	}
	return int(gjson.Get(js, "properties.openedIteration").Int()), nil
}

func (s *MCPStore) getProperty(ctx context.Context, project, repo string, prID int, key string) (string, bool, error) {
	result, err := s.call(ctx, toolGetProperty, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID, "key": key,
	})
	if err != nil {
		return "", false, fmt.Errorf("get property %s: %w", key, err)
	}
	js, err := resultJSON(result)
	if err != nil {
		return "", false, err
	}
	v := gjson.Get(js, "value")
	if !v.Exists() {
		return "", false, nil
	}
	return v.String(), true, nil
}

func (s *MCPStore) setProperty(ctx context.Context, project, repo string, prID int, key, value string) error {
	_, err := s.call(ctx, toolSetProperty, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID, "key": key, "value": value,
	})
	if err != nil {
		return fmt.Errorf("set property %s: %w", key, err)
	}
	return nil
}

// GetMetadata never raises on "not found": every property read defaults
// to its zero value when absent (spec.md 4.7).
func (s *MCPStore) GetMetadata(ctx context.Context, project, repo string, prID int) (domain.ReviewMetadata, error) {
	var meta domain.ReviewMetadata

	if v, ok, err := s.getProperty(ctx, project, repo, prID, keyLastSourceCommit); err == nil && ok {
		meta.LastReviewedSourceCommit = v
	}
	if v, ok, err := s.getProperty(ctx, project, repo, prID, keyLastTargetCommit); err == nil && ok {
		meta.LastReviewedTargetCommit = v
	}
	if v, ok, err := s.getProperty(ctx, project, repo, prID, keyLastIteration); err == nil && ok {
		meta.LastReviewedIteration, _ = strconv.Atoi(v)
	}
	if v, ok, err := s.getProperty(ctx, project, repo, prID, keyWasDraft); err == nil && ok {
		meta.WasDraft = strings.EqualFold(v, "True")
	}
	if v, ok, err := s.getProperty(ctx, project, repo, prID, keyReviewedAtUTC); err == nil && ok {
		if t, perr := time.Parse(time.RFC3339, v); perr == nil {
			meta.ReviewedAtUTC = t
		}
	}
	if v, ok, err := s.getProperty(ctx, project, repo, prID, keyVoteSubmitted); err == nil && ok {
		meta.VoteSubmitted = strings.EqualFold(v, "True")
	}
	if v, ok, err := s.getProperty(ctx, project, repo, prID, keyReviewCount); err == nil && ok {
		meta.ReviewCount, _ = strconv.Atoi(v)
	}
	return meta, nil
}

func boolStr(b bool) string {
	if b {
		return "True"
	}
	return "False"
}

func (s *MCPStore) SetMetadata(ctx context.Context, project, repo string, prID int, meta domain.ReviewMetadata) error {
	writes := map[string]string{
		keyLastSourceCommit: meta.LastReviewedSourceCommit,
		keyLastTargetCommit: meta.LastReviewedTargetCommit,
		keyLastIteration:    strconv.Itoa(meta.LastReviewedIteration),
		keyWasDraft:         boolStr(meta.WasDraft),
		keyReviewedAtUTC:    meta.ReviewedAtUTC.UTC().Format(time.RFC3339),
		keyVoteSubmitted:    boolStr(meta.VoteSubmitted),
		keyReviewCount:      strconv.Itoa(meta.ReviewCount),
	}
	for k, v := range writes {
		if err := s.setProperty(ctx, project, repo, prID, k, v); err != nil {
			return err
		}
	}
	return nil
}

func (s *MCPStore) GetHistory(ctx context.Context, project, repo string, prID int) ([]domain.ReviewHistoryEntry, error) {
	v, ok, err := s.getProperty(ctx, project, repo, prID, keyReviewHistory)
	if err != nil {
		return nil, fmt.Errorf("get history: %w", err)
	}
	if !ok || v == "" {
		return nil, nil
	}
	var history []domain.ReviewHistoryEntry
	if err := json.Unmarshal([]byte(v), &history); err != nil {
		return nil, fmt.Errorf("unmarshal history: %w", err)
	}
	return history, nil
}

// AppendHistory is read-modify-write of the stored list, per spec.md 4.7.
func (s *MCPStore) AppendHistory(ctx context.Context, project, repo string, prID int, entry domain.ReviewHistoryEntry) error {
	existing, err := s.GetHistory(ctx, project, repo, prID)
	if err != nil {
		return err
	}
	entry.ReviewNumber = len(existing) + 1
	updated := append(existing, entry)

	raw, err := json.Marshal(updated)
	if err != nil {
		return fmt.Errorf("marshal history: %w", err)
	}
	return s.setProperty(ctx, project, repo, prID, keyReviewHistory, string(raw))
}

func (s *MCPStore) GetExistingThreads(ctx context.Context, project, repo string, prID int, attributionTag string) ([]domain.ExistingCommentThread, error) {
	result, err := s.call(ctx, toolGetComments, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID,
	})
	if err != nil {
		return nil, fmt.Errorf("get existing threads: %w", err)
	}
	js, err := resultJSON(result)
	if err != nil {
		return nil, err
	}

	var threads []domain.ExistingCommentThread
	gjson.Get(js, "values").ForEach(func(_, v gjson.Result) bool {
		content := v.Get("content.raw").String()
		isAI := strings.Contains(content, attributionMarkerPrefix)
		if attributionTag != "" {
			isAI = strings.Contains(content, fmt.Sprintf(attributionMarkerFormat, attributionTag))
			if !isAI {
				return true
			}
		}
		threads = append(threads, domain.ExistingCommentThread{
			ThreadID:      v.Get("id").String(),
			Path:          v.Get("inline.path").String(),
			StartLine:     int(v.Get("inline.from").Int()),
			EndLine:       int(v.Get("inline.to").Int()),
			Content:       content,
			Status:        domain.ParseThreadStatus(v.Get("properties.aiReviewStatus").String()),
			IsAIGenerated: isAI,
		})
		return true
	})
	return threads, nil
}

func (s *MCPStore) UpdateThreadStatus(ctx context.Context, project, repo string, prID int, threadID string, status domain.ThreadStatus) error {
	_, err := s.call(ctx, toolUpdateCommentState, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID,
		"commentId": threadID, "status": int(status),
	})
	if err != nil {
		return fmt.Errorf("update thread status: %w", err)
	}
	return nil
}

func (s *MCPStore) CountSummaryComments(ctx context.Context, project, repo string, prID int) (int, error) {
	result, err := s.call(ctx, toolGetComments, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID,
	})
	if err != nil {
		return 0, fmt.Errorf("count summary comments: %w", err)
	}
	js, err := resultJSON(result)
	if err != nil {
		return 0, err
	}

	count := 0
	gjson.Get(js, "values").ForEach(func(_, v gjson.Result) bool {
		if v.Get("inline").Exists() {
			return true // inline comments are not summary comments
		}
		content := v.Get("content.raw").String()
		if strings.HasPrefix(content, "## Code Review") || strings.HasPrefix(content, "## Re-Review") {
			count++
		}
		return true
	})
	return count, nil
}

func (s *MCPStore) GetFileChanges(ctx context.Context, project, repo string, prID int, pr domain.PullRequestSnapshot) ([]domain.FileChange, error) {
	result, err := s.call(ctx, toolGetChanges, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID,
	})
	if err != nil {
		return nil, fmt.Errorf("get file changes: %w", err)
	}
	js, err := resultJSON(result)
	if err != nil {
		return nil, err
	}

	var changes []domain.FileChange
	gjson.Get(js, "values").ForEach(func(_, v gjson.Result) bool {
		path := v.Get("path.toString").String()
		changeType := mapChangeType(v.Get("type").String())
		fc := domain.FileChange{Path: path, ChangeType: changeType}

		var modified, original string
		if changeType != domain.ChangeDelete {
			if content, cerr := s.fetchFileContent(ctx, project, repo, prID, path, pr.SourceCommit); cerr == nil {
				fc.ModifiedContent = &content
				modified = content
			}
		}
		if changeType != domain.ChangeAdd {
			if content, cerr := s.fetchFileContent(ctx, project, repo, prID, path, pr.TargetCommit); cerr == nil {
				fc.OriginalContent = &content
				original = content
			}
		}

		// Diff Model: derive the unified diff and changed line ranges the
		// review prompt, validator proximity gate, and ReReview thread
		// retention all key off (spec.md 4.2).
		diff := diffmodel.ComputeUnifiedDiff(original, modified, path, diffmodel.DefaultContext)
		fc.UnifiedDiff = &diff
		if diff != diffmodel.NoChanges {
			for _, r := range diffmodel.ParseChangedLineRanges(diff) {
				fc.ChangedLineRanges = append(fc.ChangedLineRanges, domain.LineRange{Start: r.Start, End: r.End})
			}
		}

		changes = append(changes, fc)
		return true
	})
	return changes, nil
}

func mapChangeType(raw string) domain.ChangeType {
	switch strings.ToUpper(raw) {
	case "ADD":
		return domain.ChangeAdd
	case "DELETE":
		return domain.ChangeDelete
	case "RENAME", "MOVE":
		return domain.ChangeRename
	default:
		return domain.ChangeEdit
	}
}

func (s *MCPStore) fetchFileContent(ctx context.Context, project, repo string, prID int, path, commit string) (string, error) {
	result, err := s.call(ctx, toolGetFileContent, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID, "path": path, "commit": commit,
	})
	if err != nil {
		return "", fmt.Errorf("fetch file content: %w", err)
	}
	return resultJSON(result)
}

// buildCommentArgs assembles the tool-call payload with sjson, the same
// JSON-building idiom the teacher uses in reverse (gjson) to read MCP
// results: here it writes one, so a later field (e.g. an inline location)
// can be layered on without hand-building a map literal per call site.
func buildCommentArgs(project, repo string, prID int, content string) (map[string]any, error) {
	doc := "{}"
	var err error
	for k, v := range map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID, "commentText": content,
	} {
		doc, err = sjson.Set(doc, k, v)
		if err != nil {
			return nil, fmt.Errorf("build comment args: %w", err)
		}
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(doc), &args); err != nil {
		return nil, fmt.Errorf("decode comment args: %w", err)
	}
	return args, nil
}

func (s *MCPStore) PostCommentThread(ctx context.Context, project, repo string, prID int, content string, status domain.ThreadStatus) error {
	args, err := buildCommentArgs(project, repo, prID, content)
	if err != nil {
		return err
	}
	if _, err := s.call(ctx, toolAddComment, args); err != nil {
		return fmt.Errorf("post comment thread: %w", err)
	}
	return nil
}

func (s *MCPStore) PostInlineCommentThread(ctx context.Context, project, repo string, prID int, path string, startLine, endLine int, content string, status domain.ThreadStatus) error {
	args, err := buildCommentArgs(project, repo, prID, content)
	if err != nil {
		return err
	}
	doc, err := json.Marshal(args)
	if err != nil {
		return fmt.Errorf("post inline comment thread: %w", err)
	}
	withLocation, err := sjson.SetBytes(doc, "filePath", path)
	if err != nil {
		return fmt.Errorf("post inline comment thread: %w", err)
	}
	withLocation, err = sjson.SetBytes(withLocation, "lineNumber", endLine)
	if err != nil {
		return fmt.Errorf("post inline comment thread: %w", err)
	}
	if err := json.Unmarshal(withLocation, &args); err != nil {
		return fmt.Errorf("post inline comment thread: %w", err)
	}

	if _, err := s.call(ctx, toolAddComment, args); err != nil {
		return fmt.Errorf("post inline comment thread: %w", err)
	}
	return nil
}

func (s *MCPStore) AddReviewerVote(ctx context.Context, project, repo string, prID int, vote domain.Vote) error {
	_, err := s.call(ctx, toolAddVote, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID, "vote": int(vote),
	})
	if err != nil {
		return fmt.Errorf("add reviewer vote: %w", err)
	}
	return nil
}

func (s *MCPStore) UpdatePRDescription(ctx context.Context, project, repo string, prID int, newDescription string) error {
	_, err := s.call(ctx, toolUpdateDescription, map[string]any{
		"projectKey": project, "repoSlug": repo, "pullRequestId": prID, "description": newDescription,
	})
	if err != nil {
		return fmt.Errorf("update pr description: %w", err)
	}
	return nil
}

// attributionMarkerPrefix/Format mirror the trailing marker the
// Orchestrator appends to every AI-posted comment (spec.md 6); used here
// to recognize the core's own prior threads without a tag.
const attributionMarkerPrefix = "_["
const attributionMarkerFormat = "_[%s]_"

const reviewTagPropertyKey = "AiCodeReview.Tagged"

func (s *MCPStore) HasReviewTag(ctx context.Context, project, repo string, prID int) (bool, error) {
	v, ok, err := s.getProperty(ctx, project, repo, prID, reviewTagPropertyKey)
	if err != nil {
		return false, fmt.Errorf("has review tag: %w", err)
	}
	return ok && strings.EqualFold(v, "True"), nil
}

func (s *MCPStore) AddReviewTag(ctx context.Context, project, repo string, prID int) error {
	if err := s.setProperty(ctx, project, repo, prID, reviewTagPropertyKey, "True"); err != nil {
		return fmt.Errorf("add review tag: %w", err)
	}
	return nil
}
