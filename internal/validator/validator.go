// Package validator implements the Comment Validator: a deterministic
// filter that rebinds, clamps, and drops AI-produced inline comments
// against the actual file content and changed regions of a PR.
package validator

import (
	"regexp"
	"strings"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
)

// proximityTolerance is the ±N line window used by the changed-region
// proximity check (spec.md 4.5 step 4).
const proximityTolerance = 5

// densityWindow and densityThreshold define the alternate density gate
// that admits method-level comments on heavy rewrites.
const densityWindow = 25
const densityThreshold = 0.4

// Counters tallies why comments were dropped, for diagnostics/metrics.
type Counters struct {
	Input            int
	DroppedPath      int
	DroppedRegion    int
	DroppedMarker    int
	DroppedFalsePositive int
	Kept             int
}

// falsePositivePhrases are case-insensitive substrings that indicate the
// AI is claiming a symbol does not exist.
var falsePositivePhrases = []string{
	"not defined",
	"is not defined",
	"not found",
	"not implemented",
	"missing definition",
	"missing implementation",
	"ensure it is implemented",
}

var (
	backtickPattern = regexp.MustCompile("`([^`]+)`")
	// Matches "method foo", "class Bar", etc. and captures the following
	// identifier-like word.
	nounPhrasePattern = regexp.MustCompile(`(?i)\b(?:method|class|function|property|variable|interface)\s+([A-Za-z_][A-Za-z0-9_]*)`)
)

// Validate filters comments against files, returning the surviving subset
// and a diagnostic count of what was dropped and why (spec.md 4.5).
func Validate(comments []domain.InlineComment, files []domain.FileChange) ([]domain.InlineComment, Counters) {
	byPath := make(map[string]domain.FileChange, len(files))
	for _, f := range files {
		byPath[f.Path] = f
	}

	counters := Counters{Input: len(comments)}
	var out []domain.InlineComment

	for _, c := range comments {
		file, ok := byPath[c.Path]
		if !ok {
			counters.DroppedPath++
			metrics.CommentsValidatedTotal.WithLabelValues("dropped_path").Inc()
			continue
		}

		c = resolveSnippet(c, file)
		c = clamp(c, file)

		if len(file.ChangedLineRanges) > 0 && !passesChangedRegionGate(c, file) {
			counters.DroppedRegion++
			metrics.CommentsValidatedTotal.WithLabelValues("dropped_region").Inc()
			continue
		}

		if c.StartLine == 1 && c.EndLine == 1 {
			counters.DroppedMarker++
			metrics.CommentsValidatedTotal.WithLabelValues("dropped_marker").Inc()
			continue
		}

		if isFalsePositive(c, file) {
			counters.DroppedFalsePositive++
			metrics.CommentsValidatedTotal.WithLabelValues("dropped_false_positive").Inc()
			continue
		}

		metrics.CommentsValidatedTotal.WithLabelValues("kept").Inc()
		out = append(out, c)
	}

	counters.Kept = len(out)
	return out, counters
}

// resolveSnippet implements step 2: rebind startLine/endLine to the first
// occurrence of codeSnippet's first line in the modified content.
func resolveSnippet(c domain.InlineComment, file domain.FileChange) domain.InlineComment {
	if c.CodeSnippet == nil || strings.TrimSpace(*c.CodeSnippet) == "" || file.ModifiedContent == nil {
		return c
	}

	snippetLines := strings.Split(*c.CodeSnippet, "\n")
	firstLine := snippetLines[0]
	contentLines := strings.Split(*file.ModifiedContent, "\n")
	totalLines := len(contentLines)

	idx := indexOfLine(contentLines, firstLine, false)
	if idx < 0 {
		idx = indexOfLine(contentLines, firstLine, true)
	}
	if idx < 0 {
		return c
	}

	start := idx + 1 // 1-based
	end := start + len(snippetLines) - 1
	if end > totalLines {
		end = totalLines
	}
	c.StartLine = start
	c.EndLine = end
	return c
}

func indexOfLine(lines []string, needle string, caseInsensitive bool) int {
	target := needle
	if caseInsensitive {
		target = strings.ToLower(target)
	}
	for i, l := range lines {
		candidate := l
		if caseInsensitive {
			candidate = strings.ToLower(candidate)
		}
		if candidate == target {
			return i
		}
	}
	return -1
}

// clamp implements step 3.
func clamp(c domain.InlineComment, file domain.FileChange) domain.InlineComment {
	total := file.TotalLines()
	if total < 1 {
		total = 1
	}
	c.StartLine = clampInt(c.StartLine, 1, total)
	c.EndLine = clampInt(c.EndLine, c.StartLine, total)
	return c
}

func clampInt(v, lo, hi int) int {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// passesChangedRegionGate implements step 4: proximity OR density.
func passesChangedRegionGate(c domain.InlineComment, file domain.FileChange) bool {
	commentRange := domain.LineRange{Start: c.StartLine, End: c.EndLine}
	for _, r := range file.ChangedLineRanges {
		if commentRange.Overlaps(r, proximityTolerance) {
			return true
		}
	}

	winStart := c.StartLine - densityWindow
	if winStart < 1 {
		winStart = 1
	}
	winEnd := c.EndLine + densityWindow
	total := file.TotalLines()
	if total > 0 && winEnd > total {
		winEnd = total
	}
	windowLines := winEnd - winStart + 1
	if windowLines <= 0 {
		return false
	}

	changedCount := 0
	for line := winStart; line <= winEnd; line++ {
		for _, r := range file.ChangedLineRanges {
			if r.Contains(line) {
				changedCount++
				break
			}
		}
	}
	return float64(changedCount)/float64(windowLines) >= densityThreshold
}

// isFalsePositive implements step 6. An identifier counts as existing only
// when it occurs outside the comment's own StartLine..EndLine lines.
func isFalsePositive(c domain.InlineComment, file domain.FileChange) bool {
	lower := strings.ToLower(c.Comment)
	matched := false
	for _, phrase := range falsePositivePhrases {
		if strings.Contains(lower, phrase) {
			matched = true
			break
		}
	}
	if !matched || file.ModifiedContent == nil {
		return false
	}

	var rest []string
	for i, l := range strings.Split(*file.ModifiedContent, "\n") {
		if i+1 >= c.StartLine && i+1 <= c.EndLine {
			continue
		}
		rest = append(rest, l)
	}
	elsewhere := strings.Join(rest, "\n")

	for _, id := range extractIdentifiers(c.Comment) {
		if strings.Contains(elsewhere, id) {
			return true
		}
	}
	return false
}

func extractIdentifiers(comment string) []string {
	var ids []string
	for _, m := range backtickPattern.FindAllStringSubmatch(comment, -1) {
		ids = append(ids, m[1])
	}
	for _, m := range nounPhrasePattern.FindAllStringSubmatch(comment, -1) {
		ids = append(ids, m[1])
	}
	return ids
}
