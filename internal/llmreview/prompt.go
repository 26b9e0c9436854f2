// Package llmreview provides concrete Provider Port backends: thin
// adapters over a chat-completions endpoint (openai), an ADK agent run
// with no toolsets (adk-agent), and a direct LangChainGo GenerateContent
// call (langchain). All
// three share the same prompt construction and JSON response contract so
// swapping backends never changes what the Orchestrator sees.
package llmreview

import (
	"fmt"
	"strings"

	"github.com/hvo-labs/ai-code-review/internal/diffmodel"
	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

// outputContract is appended to every review prompt so the model's raw
// text can be parsed as wireResult regardless of backend.
const outputContract = `Output ONLY valid JSON matching this shape, no markdown fences, no prose outside the JSON:
{
  "summary": {
    "files_changed": 0,
    "edits_count": 0,
    "adds_count": 0,
    "deletes_count": 0,
    "description": "one paragraph overview of the change",
    "verdict": "APPROVED|APPROVED WITH SUGGESTIONS|NEEDS WORK|REJECTED",
    "verdict_justification": "why this verdict"
  },
  "file_reviews": [{"path": "a.go", "verdict": "APPROVED", "review_text": "..."}],
  "inline_comments": [{"path": "a.go", "start_line": 1, "end_line": 1, "lead_in": "Bug|Security|Concern|Performance|Suggestion|Good catch|LGTM", "comment": "..."}],
  "observations": ["free-form notes that don't map to a specific line"],
  "recommended_vote": 10
}
recommended_vote is one of 10 (approve), 5 (approve with note), -5 (needs work), -10 (reject).`

// buildReviewPrompt renders a PR (or a single file) plus its diffs into the
// instruction text sent to an LLM backend.
func buildReviewPrompt(pr domain.PullRequestSnapshot, files []domain.FileChange, historical []domain.ExistingCommentThread) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Review PR #%d: %q\n", pr.PRID, pr.Title)
	fmt.Fprintf(&b, "Author: %s | %s -> %s | draft=%t\n\n", pr.Author, pr.SourceBranch, pr.TargetBranch, pr.IsDraft)
	if pr.Description != "" {
		fmt.Fprintf(&b, "Description:\n%s\n\n", pr.Description)
	}

	fmt.Fprintf(&b, "## Changed files (%d)\n", len(files))
	for _, f := range files {
		fmt.Fprintf(&b, "\n### %s (%s)\n", f.Path, f.ChangeType)
		diff := diffmodel.NoChanges
		if f.UnifiedDiff != nil {
			diff = *f.UnifiedDiff
		}
		b.WriteString("```diff\n")
		b.WriteString(truncateDiff(diff))
		b.WriteString("\n```\n")
	}

	if len(historical) > 0 {
		b.WriteString("\n## Already flagged, do not duplicate\n")
		for _, t := range historical {
			content := t.Content
			if len(content) > 80 {
				content = content[:80] + "..."
			}
			fmt.Fprintf(&b, "- %s:%d-%d %s\n", t.Path, t.StartLine, t.EndLine, content)
		}
	}

	b.WriteString("\n")
	b.WriteString(outputContract)
	return b.String()
}

// buildVerifyPrompt renders a batch of previously-posted threads alongside
// the current code at their location, asking whether each was addressed.
func buildVerifyPrompt(candidates []provider.VerifyCandidate) string {
	var b strings.Builder
	b.WriteString("For each candidate below, decide whether the concern described in original_comment has been addressed by the current code in code_context.\n\n")
	for _, c := range candidates {
		fmt.Fprintf(&b, "### thread_id: %s\npath: %s (lines %d-%d)\noriginal_comment: %s\ncode_context:\n```\n%s\n```\n\n",
			c.ThreadID, c.Path, c.StartLine, c.EndLine, c.OriginalText, c.CodeContext)
	}
	b.WriteString(`Output ONLY valid JSON: {"verdicts": [{"thread_id": "...", "is_fixed": true, "reasoning": "..."}]}`)
	return b.String()
}

// maxPromptDiffChars bounds how much of one file's unified diff is embedded
// in a review prompt. A handful of Bitbucket PRs carry single-file diffs of
// tens of thousands of lines (generated code, vendored dependencies,
// lockfiles); embedding those whole would blow past every backend's
// context window for no review value. ChangedLineRanges, computed from the
// untruncated diff before this ever runs, is unaffected.
const maxPromptDiffChars = 12_000

// truncateDiff caps the prompt-embedded size of a single file's diff,
// keeping the head (the part a reviewer reads first) and noting what was
// dropped rather than silently cutting it off.
func truncateDiff(diff string) string {
	if len(diff) <= maxPromptDiffChars {
		return diff
	}
	dropped := len(diff) - maxPromptDiffChars
	return diff[:maxPromptDiffChars] + fmt.Sprintf("\n... (%d additional diff bytes truncated)", dropped)
}
