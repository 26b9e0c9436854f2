package llmreview

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hvo-labs/ai-code-review/internal/domain"
)

func TestParseWireResult_PlainJSON(t *testing.T) {
	text := `{"summary":{"files_changed":2,"verdict":"needs work","description":"desc","verdict_justification":"why"},
"file_reviews":[{"path":"a.go","verdict":"APPROVED","review_text":"fine"}],
"inline_comments":[{"path":"a.go","start_line":3,"end_line":5,"lead_in":"Bug","comment":"oops"}],
"observations":["note"],
"recommended_vote":-5}`

	w, err := parseWireResult(text)
	require.NoError(t, err)
	assert.Equal(t, "needs work", w.Summary.Verdict)
	assert.Equal(t, -5, w.RecommendedVote)
	require.Len(t, w.InlineComments, 1)
	assert.Equal(t, "a.go", w.InlineComments[0].Path)
}

func TestParseWireResult_StripsMarkdownFences(t *testing.T) {
	text := "```json\n{\"summary\":{\"verdict\":\"APPROVED\"},\"recommended_vote\":10}\n```"
	w, err := parseWireResult(text)
	require.NoError(t, err)
	assert.Equal(t, "APPROVED", w.Summary.Verdict)
}

func TestParseWireResult_ExtractsEmbeddedObject(t *testing.T) {
	text := "Here is my review:\n{\"summary\":{\"verdict\":\"REJECTED\"},\"recommended_vote\":-10}\nThanks!"
	w, err := parseWireResult(text)
	require.NoError(t, err)
	assert.Equal(t, "REJECTED", w.Summary.Verdict)
}

func TestParseWireResult_NoJSONErrors(t *testing.T) {
	_, err := parseWireResult("not json at all")
	assert.Error(t, err)
}

func TestToDomainResult_NormalizesVerdictAndDropsOutOfScopeComments(t *testing.T) {
	w := wireResult{}
	w.Summary.Verdict = "bogus"
	w.InlineComments = append(w.InlineComments, struct {
		Path        string `json:"path"`
		StartLine   int    `json:"start_line"`
		EndLine     int    `json:"end_line"`
		LeadIn      string `json:"lead_in"`
		Comment     string `json:"comment"`
		CodeSnippet string `json:"code_snippet,omitempty"`
	}{Path: "out/of/scope.go", StartLine: 0, EndLine: 0, LeadIn: "Bug", Comment: "x"})

	valid := map[string]bool{"a.go": true}
	r := toDomainResult(w, "prov", valid, domain.ReviewMetrics{})

	assert.Equal(t, domain.VerdictApproved, r.Summary.Verdict)
	assert.Empty(t, r.InlineComments, "comment outside validPaths must be dropped")
}

func TestToVerifyVerdicts(t *testing.T) {
	w := wireVerifyResponse{}
	w.Verdicts = append(w.Verdicts, struct {
		ThreadID  string `json:"thread_id"`
		IsFixed   bool   `json:"is_fixed"`
		Reasoning string `json:"reasoning"`
	}{ThreadID: "t1", IsFixed: true, Reasoning: "fixed"})

	verdicts := toVerifyVerdicts(w)
	require.Len(t, verdicts, 1)
	assert.Equal(t, "t1", verdicts[0].ThreadID)
	assert.True(t, verdicts[0].IsFixed)
}
