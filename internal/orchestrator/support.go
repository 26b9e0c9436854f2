package orchestrator

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

// resolvePriorThreads implements spec.md 4.6.2 step 6: classify every
// active, attribution-tagged thread as fixed-by-removal, untouched, or a
// verification candidate, then ask the Provider Port about the
// candidates.
func (o *Orchestrator) resolvePriorThreads(ctx context.Context, req Request, files []domain.FileChange) error {
	threads, err := o.store.GetExistingThreads(ctx, req.Project, req.Repo, req.PRID, o.cfg.AttributionTag)
	if err != nil {
		return fmt.Errorf("get existing threads: %w", err)
	}

	byPath := make(map[string]domain.FileChange, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	var candidates []provider.VerifyCandidate
	var candidateThreads []domain.ExistingCommentThread

	for _, t := range threads {
		if t.Status != domain.ThreadActive {
			continue
		}
		fc, stillTouched := byPath[t.Path]
		if !stillTouched {
			if err := o.store.UpdateThreadStatus(ctx, req.Project, req.Repo, req.PRID, t.ThreadID, domain.ThreadFixed); err != nil {
				slog.Warn("mark thread fixed (file removed) failed", "thread", t.ThreadID, "error", err)
			}
			continue
		}

		if !lineRangesOverlapAny(t.StartLine, t.EndLine, fc.ChangedLineRanges) {
			continue // lines untouched: leave active
		}

		candidates = append(candidates, provider.VerifyCandidate{
			ThreadID:     t.ThreadID,
			Path:         t.Path,
			StartLine:    t.StartLine,
			EndLine:      t.EndLine,
			OriginalText: t.Content,
			CodeContext:  extractContextWindow(fc.ModifiedContent, t.StartLine, t.EndLine, 10),
		})
		candidateThreads = append(candidateThreads, t)
	}

	if len(candidates) == 0 {
		return nil
	}

	verdicts, err := o.port.VerifyResolutions(ctx, candidates)
	if err != nil {
		// best-effort: total failure means every candidate stays active
		// (spec.md 5: "all candidates are treated as not fixed").
		slog.Warn("verify resolutions failed, leaving all candidates active", "pr", req.PRID, "error", err)
		return nil
	}

	fixed := make(map[string]bool, len(verdicts))
	for _, v := range verdicts {
		if v.IsFixed {
			fixed[v.ThreadID] = true
		}
	}
	for _, t := range candidateThreads {
		if !fixed[t.ThreadID] {
			continue
		}
		if err := o.store.UpdateThreadStatus(ctx, req.Project, req.Repo, req.PRID, t.ThreadID, domain.ThreadFixed); err != nil {
			slog.Warn("mark thread fixed (verified) failed", "thread", t.ThreadID, "error", err)
		}
	}
	return nil
}

func lineRangesOverlapAny(start, end int, ranges []domain.LineRange) bool {
	r := domain.LineRange{Start: start, End: end}
	for _, cr := range ranges {
		if r.Overlaps(cr, 0) {
			return true
		}
	}
	return false
}

func extractContextWindow(content *string, start, end, pad int) string {
	if content == nil {
		return ""
	}
	lines := strings.Split(*content, "\n")
	lo := start - pad - 1
	if lo < 0 {
		lo = 0
	}
	hi := end + pad
	if hi > len(lines) {
		hi = len(lines)
	}
	if lo >= hi {
		return ""
	}
	return strings.Join(lines[lo:hi], "\n")
}

// postInlineComments implements spec.md 4.6.2 step 7: per-comment dedup
// against existing threads on path+lines+core-content, then post.
func (o *Orchestrator) postInlineComments(ctx context.Context, req Request, comments []domain.InlineComment) (int, error) {
	existing, err := o.store.GetExistingThreads(ctx, req.Project, req.Repo, req.PRID, "")
	if err != nil {
		return 0, fmt.Errorf("get existing threads: %w", err)
	}

	posted := 0
	var firstErr error
	for _, c := range comments {
		core := fmt.Sprintf("**%s.** %s", c.LeadIn, c.Comment)
		tagged := core
		if o.cfg.AttributionTag != "" {
			tagged = core + fmt.Sprintf("\n\n_[%s]_", o.cfg.AttributionTag)
		}

		if isDuplicate(existing, c, core, tagged) {
			continue
		}

		if err := o.store.PostInlineCommentThread(ctx, req.Project, req.Repo, req.PRID, c.Path, c.StartLine, c.EndLine, tagged, domain.ThreadActive); err != nil {
			slog.Warn("post inline comment failed", "path", c.Path, "line", c.StartLine, "error", err)
			metrics.CommentPostFailures.WithLabelValues("inline").Inc()
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		posted++
	}
	return posted, firstErr
}

func isDuplicate(existing []domain.ExistingCommentThread, c domain.InlineComment, core, tagged string) bool {
	for _, t := range existing {
		if t.Path != c.Path || t.StartLine != c.StartLine || t.EndLine != c.EndLine {
			continue
		}
		if t.Content == core || t.Content == tagged {
			return true
		}
	}
	return false
}

// buildSummaryThread implements spec.md 4.6.2 step 8.
func buildSummaryThread(action domain.ReviewAction, reviewNumber, prID int, merged domain.ReviewResult, files []domain.FileChange, meta domain.ReviewMetadata) string {
	var b strings.Builder

	header := "Code Review"
	if action == domain.ActionReReview {
		header = "Re-Review"
	}
	fmt.Fprintf(&b, "## %s (Review %d) -- PR %d\n\n", header, reviewNumber, prID)

	if action == domain.ActionReReview {
		voteDesc := "no vote"
		if meta.VoteSubmitted {
			voteDesc = "voted"
		}
		draftBadge := "active"
		if meta.WasDraft {
			draftBadge = "draft"
		}
		fmt.Fprintf(&b, "> Previous review: %s, commit `%s`, iteration %d, %s, %s\n\n",
			meta.ReviewedAtUTC.Format("2006-01-02"), shortSHA(meta.LastReviewedSourceCommit), meta.LastReviewedIteration, voteDesc, draftBadge)
	}

	fmt.Fprintf(&b, "### Summary\nFiles changed: %d | Edits: %d | Adds: %d | Deletes: %d\n\n%s\n\n",
		len(files), merged.Summary.EditsCount, merged.Summary.AddsCount, merged.Summary.DeletesCount, merged.Summary.Description)

	b.WriteString("### Code Changes Review\n")
	flagged := false
	for _, fr := range merged.FileReviews {
		if fr.Verdict == domain.VerdictNeedsWork || fr.Verdict == domain.VerdictRejected || strings.Contains(fr.ReviewText, "AI review failed") {
			fmt.Fprintf(&b, "- **%s** (%s): %s\n", fr.Path, fr.Verdict, fr.ReviewText)
			flagged = true
		}
	}
	if !flagged {
		b.WriteString("No files require attention.\n")
	}

	fmt.Fprintf(&b, "\n### Verdict: **%s**\n%s\n", merged.Summary.Verdict, merged.Summary.VerdictJustification)
	return b.String()
}

func shortSHA(sha string) string {
	if len(sha) > 8 {
		return sha[:8]
	}
	return sha
}

// appendHistoryTableRow implements spec.md 6's PR-description convention:
// a pipe-table between literal markers, new rows appended, existing rows
// preserved verbatim.
func (o *Orchestrator) appendHistoryTableRow(ctx context.Context, req Request, reviewNumber int, entry domain.ReviewHistoryEntry) error {
	pr, err := o.store.GetPR(ctx, req.Project, req.Repo, req.PRID)
	if err != nil {
		return fmt.Errorf("get pr for description update: %w", err)
	}

	vote := "-"
	if entry.Vote != nil {
		vote = fmt.Sprintf("%d", *entry.Vote)
	}
	row := fmt.Sprintf("| %d | %s | %s | %s | %s | %d | files=%d, comments=%d, vote=%s |",
		reviewNumber, entry.ReviewedAtUTC.Format("2006-01-02"), entry.Action, entry.Verdict,
		shortSHA(entry.SourceCommit), entry.Iteration, entry.FilesChanged, entry.InlineCommentsPosted, vote)

	newDescription := upsertHistoryTable(pr.Description, row)
	return o.store.UpdatePRDescription(ctx, req.Project, req.Repo, req.PRID, newDescription)
}

const historyTableHeader = "| Review # | Date (UTC) | Action | Verdict | Commit | Iteration | Scope |\n| --- | --- | --- | --- | --- | --- | --- |"

func upsertHistoryTable(description, newRow string) string {
	start := strings.Index(description, historyTableStart)
	end := strings.Index(description, historyTableEnd)

	if start == -1 || end == -1 || end < start {
		block := historyTableStart + "\n" + historyTableHeader + "\n" + newRow + "\n" + historyTableEnd
		if strings.TrimSpace(description) == "" {
			return block
		}
		return description + "\n\n" + block
	}

	before := description[:start]
	after := description[end+len(historyTableEnd):]
	existingBlock := description[start+len(historyTableStart) : end]

	var rows []string
	for _, line := range strings.Split(existingBlock, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "|") && !strings.Contains(trimmed, "---") && !strings.HasPrefix(trimmed, "| Review #") {
			rows = append(rows, trimmed)
		}
	}
	rows = append(rows, newRow)

	block := historyTableStart + "\n" + historyTableHeader + "\n" + strings.Join(rows, "\n") + "\n" + historyTableEnd
	return before + block + after
}
