package llmreview

import (
	"context"
	"fmt"
	"time"

	"github.com/tmc/langchaingo/llms"
	lcopenai "github.com/tmc/langchaingo/llms/openai"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

// LangChainBackend drives review completions through a langchaingo LLM
// client. Unlike the teacher's LangChainAgent, it never builds an
// agents.Executor with MCP tool bindings: the Orchestrator has already
// resolved every file's diff before the Provider Port is called, so there
// is nothing left for a tool-using loop to fetch.
type LangChainBackend struct {
	llm          llms.Model
	model        string
	name         string
	instructions string
}

// NewLangChainBackend builds a LangChainBackend against an OpenAI-compatible endpoint.
func NewLangChainBackend(displayName, endpoint, apiKey, model, instructions string) (*LangChainBackend, error) {
	opts := []lcopenai.Option{lcopenai.WithModel(model)}
	if endpoint != "" {
		opts = append(opts, lcopenai.WithBaseURL(endpoint))
	}
	if apiKey != "" {
		opts = append(opts, lcopenai.WithToken(apiKey))
	}
	llm, err := lcopenai.New(opts...)
	if err != nil {
		return nil, fmt.Errorf("create langchain llm: %w", err)
	}
	if instructions == "" {
		instructions = defaultSystemInstruction
	}
	return &LangChainBackend{
		llm:          llm,
		model:        model,
		name:         providerName(displayName, "langchain"),
		instructions: instructions,
	}, nil
}

func (b *LangChainBackend) Name() string { return b.name }

func (b *LangChainBackend) ReviewAll(ctx context.Context, pr domain.PullRequestSnapshot, files []domain.FileChange) (domain.ReviewResult, error) {
	return b.review(ctx, buildReviewPrompt(pr, files, nil), validPathSet(files))
}

func (b *LangChainBackend) ReviewOne(ctx context.Context, pr domain.PullRequestSnapshot, file domain.FileChange, totalFilesInPR int) (domain.ReviewResult, error) {
	return b.review(ctx, buildReviewPrompt(pr, []domain.FileChange{file}, nil), validPathSet([]domain.FileChange{file}))
}

func (b *LangChainBackend) review(ctx context.Context, prompt string, validPaths map[string]bool) (domain.ReviewResult, error) {
	start := time.Now()
	text, err := b.complete(ctx, prompt)
	metrics.ProviderCallDuration.WithLabelValues(b.name, "review").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.ReviewResult{}, &provider.CallError{Provider: b.name, Op: "review", Err: err}
	}

	w, err := parseWireResult(text)
	if err != nil {
		return domain.ReviewResult{}, &provider.CallError{Provider: b.name, Op: "review", Err: err}
	}

	rm := domain.ReviewMetrics{ModelName: b.model, AIDurationMs: time.Since(start).Milliseconds()}
	return toDomainResult(w, b.name, validPaths, rm), nil
}

func (b *LangChainBackend) complete(ctx context.Context, prompt string) (string, error) {
	messages := []llms.MessageContent{
		llms.TextParts(llms.ChatMessageTypeSystem, b.instructions),
		llms.TextParts(llms.ChatMessageTypeHuman, prompt),
	}
	resp, err := b.llm.GenerateContent(ctx, messages, llms.WithJSONMode())
	if err != nil {
		return "", fmt.Errorf("generate content: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}
	return resp.Choices[0].Content, nil
}

func (b *LangChainBackend) VerifyResolutions(ctx context.Context, candidates []provider.VerifyCandidate) ([]provider.VerifyVerdict, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	start := time.Now()
	text, err := b.complete(ctx, buildVerifyPrompt(candidates))
	metrics.ProviderCallDuration.WithLabelValues(b.name, "verify").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &provider.CallError{Provider: b.name, Op: "verify", Err: err}
	}
	w, err := parseWireVerify(text)
	if err != nil {
		return nil, &provider.CallError{Provider: b.name, Op: "verify", Err: err}
	}
	return toVerifyVerdicts(w), nil
}

var _ provider.Port = (*LangChainBackend)(nil)
