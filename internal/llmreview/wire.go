package llmreview

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

// wireResult is the JSON shape every backend asks the model for; see
// outputContract in prompt.go. Field names are snake_case to match what
// LLMs reliably produce for JSON-mode output.
type wireResult struct {
	Summary struct {
		FilesChanged          int    `json:"files_changed"`
		EditsCount            int    `json:"edits_count"`
		AddsCount             int    `json:"adds_count"`
		DeletesCount          int    `json:"deletes_count"`
		Description           string `json:"description"`
		Verdict               string `json:"verdict"`
		VerdictJustification string `json:"verdict_justification"`
	} `json:"summary"`
	FileReviews []struct {
		Path       string `json:"path"`
		Verdict    string `json:"verdict"`
		ReviewText string `json:"review_text"`
	} `json:"file_reviews"`
	InlineComments []struct {
		Path        string `json:"path"`
		StartLine   int    `json:"start_line"`
		EndLine     int    `json:"end_line"`
		LeadIn      string `json:"lead_in"`
		Comment     string `json:"comment"`
		CodeSnippet string `json:"code_snippet,omitempty"`
	} `json:"inline_comments"`
	Observations    []string `json:"observations"`
	RecommendedVote int      `json:"recommended_vote"`
}

type wireVerifyResponse struct {
	Verdicts []struct {
		ThreadID  string `json:"thread_id"`
		IsFixed   bool   `json:"is_fixed"`
		Reasoning string `json:"reasoning"`
	} `json:"verdicts"`
}

// cleanJSON strips markdown code fences a model may wrap its JSON in.
func cleanJSON(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "```json")
	s = strings.TrimPrefix(s, "```")
	s = strings.TrimSuffix(s, "```")
	return strings.TrimSpace(s)
}

// parseWireResult decodes a model's raw text response into a wireResult,
// falling back to extracting the outermost {...} span if the text carries
// leading/trailing prose the model wasn't supposed to emit.
func parseWireResult(text string) (wireResult, error) {
	text = cleanJSON(text)
	var w wireResult
	if err := json.Unmarshal([]byte(text), &w); err == nil {
		return w, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return wireResult{}, fmt.Errorf("no json object found in response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &w); err != nil {
		return wireResult{}, fmt.Errorf("parse review response: %w", err)
	}
	return w, nil
}

func parseWireVerify(text string) (wireVerifyResponse, error) {
	text = cleanJSON(text)
	var w wireVerifyResponse
	if err := json.Unmarshal([]byte(text), &w); err == nil {
		return w, nil
	}
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start == -1 || end == -1 || end <= start {
		return wireVerifyResponse{}, fmt.Errorf("no json object found in response")
	}
	if err := json.Unmarshal([]byte(text[start:end+1]), &w); err != nil {
		return wireVerifyResponse{}, fmt.Errorf("parse verify response: %w", err)
	}
	return w, nil
}

// toDomainResult converts a parsed wireResult into domain.ReviewResult,
// stamping provenance on every inline comment and running it through
// provider.NormalizeResult so every backend is contract-compliant by
// construction.
func toDomainResult(w wireResult, providerName string, validPaths map[string]bool, metrics domain.ReviewMetrics) domain.ReviewResult {
	r := domain.ReviewResult{
		Summary: domain.ReviewSummary{
			FilesChanged:         w.Summary.FilesChanged,
			EditsCount:           w.Summary.EditsCount,
			AddsCount:            w.Summary.AddsCount,
			DeletesCount:         w.Summary.DeletesCount,
			Description:          w.Summary.Description,
			Verdict:              domain.ParseVerdict(w.Summary.Verdict),
			VerdictJustification: w.Summary.VerdictJustification,
		},
		Observations:    w.Observations,
		RecommendedVote: domain.Vote(w.RecommendedVote),
		Metrics:         metrics,
	}

	for _, fr := range w.FileReviews {
		r.FileReviews = append(r.FileReviews, domain.FileReview{
			Path:       fr.Path,
			Verdict:    domain.ParseVerdict(fr.Verdict),
			ReviewText: fr.ReviewText,
		})
	}

	for _, c := range w.InlineComments {
		ic := domain.InlineComment{
			Path:      c.Path,
			StartLine: c.StartLine,
			EndLine:   c.EndLine,
			LeadIn:    domain.LeadIn(c.LeadIn),
			Comment:   c.Comment,
			Provider:  providerName,
		}
		if c.CodeSnippet != "" {
			snippet := c.CodeSnippet
			ic.CodeSnippet = &snippet
		}
		r.InlineComments = append(r.InlineComments, ic)
	}

	return provider.NormalizeResult(r, validPaths)
}

func validPathSet(files []domain.FileChange) map[string]bool {
	set := make(map[string]bool, len(files))
	for _, f := range files {
		set[f.Path] = true
	}
	return set
}

func toVerifyVerdicts(w wireVerifyResponse) []provider.VerifyVerdict {
	out := make([]provider.VerifyVerdict, 0, len(w.Verdicts))
	for _, v := range w.Verdicts {
		out = append(out, provider.VerifyVerdict{
			ThreadID:  v.ThreadID,
			IsFixed:   v.IsFixed,
			Reasoning: v.Reasoning,
		})
	}
	return out
}
