package llmreview

import (
	"context"
	"fmt"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

// OpenAIBackend talks to a chat-completions endpoint directly, with no
// intermediate agent framework: one system instruction, one user prompt,
// JSON response-format mode, one parse. It is the simplest Provider Port
// implementation.
type OpenAIBackend struct {
	client       openai.Client
	model        string
	name         string
	instructions string
}

// NewOpenAIBackend builds an OpenAIBackend against an OpenAI-compatible
// endpoint.
func NewOpenAIBackend(displayName, endpoint, apiKey, model, instructions string) *OpenAIBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if instructions == "" {
		instructions = defaultSystemInstruction
	}
	return &OpenAIBackend{
		client:       openai.NewClient(opts...),
		model:        model,
		name:         providerName(displayName, "openai"),
		instructions: instructions,
	}
}

const defaultSystemInstruction = "You are a rigorous senior code reviewer. Be specific, cite line numbers, and never invent issues that aren't in the diff."

func providerName(displayName, fallback string) string {
	if displayName != "" {
		return displayName
	}
	return fallback
}

func (b *OpenAIBackend) Name() string { return b.name }

func (b *OpenAIBackend) ReviewAll(ctx context.Context, pr domain.PullRequestSnapshot, files []domain.FileChange) (domain.ReviewResult, error) {
	return b.review(ctx, buildReviewPrompt(pr, files, nil), validPathSet(files))
}

func (b *OpenAIBackend) ReviewOne(ctx context.Context, pr domain.PullRequestSnapshot, file domain.FileChange, totalFilesInPR int) (domain.ReviewResult, error) {
	return b.review(ctx, buildReviewPrompt(pr, []domain.FileChange{file}, nil), validPathSet([]domain.FileChange{file}))
}

func (b *OpenAIBackend) review(ctx context.Context, prompt string, validPaths map[string]bool) (domain.ReviewResult, error) {
	start := time.Now()
	responseFormat := shared.NewResponseFormatJSONObjectParam()
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage(b.instructions),
			openai.UserMessage(prompt),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &responseFormat},
	})
	metrics.ProviderCallDuration.WithLabelValues(b.name, "review").Observe(time.Since(start).Seconds())
	if err != nil {
		return domain.ReviewResult{}, &provider.CallError{Provider: b.name, Op: "review", Err: err}
	}
	if len(resp.Choices) == 0 {
		return domain.ReviewResult{}, &provider.CallError{Provider: b.name, Op: "review", Err: fmt.Errorf("no choices in response")}
	}

	w, err := parseWireResult(resp.Choices[0].Message.Content)
	if err != nil {
		return domain.ReviewResult{}, &provider.CallError{Provider: b.name, Op: "review", Err: err}
	}

	rm := domain.ReviewMetrics{
		ModelName:        b.model,
		PromptTokens:     int(resp.Usage.PromptTokens),
		CompletionTokens: int(resp.Usage.CompletionTokens),
		TotalTokens:      int(resp.Usage.TotalTokens),
		AIDurationMs:     time.Since(start).Milliseconds(),
	}
	return toDomainResult(w, b.name, validPaths, rm), nil
}

func (b *OpenAIBackend) VerifyResolutions(ctx context.Context, candidates []provider.VerifyCandidate) ([]provider.VerifyVerdict, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	start := time.Now()
	responseFormat := shared.NewResponseFormatJSONObjectParam()
	resp, err := b.client.Chat.Completions.New(ctx, openai.ChatCompletionNewParams{
		Model: shared.ChatModel(b.model),
		Messages: []openai.ChatCompletionMessageParamUnion{
			openai.SystemMessage("You verify whether previously raised review comments have been addressed."),
			openai.UserMessage(buildVerifyPrompt(candidates)),
		},
		ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &responseFormat},
	})
	metrics.ProviderCallDuration.WithLabelValues(b.name, "verify").Observe(time.Since(start).Seconds())
	if err != nil {
		return nil, &provider.CallError{Provider: b.name, Op: "verify", Err: err}
	}
	if len(resp.Choices) == 0 {
		return nil, &provider.CallError{Provider: b.name, Op: "verify", Err: fmt.Errorf("no choices in response")}
	}

	w, err := parseWireVerify(resp.Choices[0].Message.Content)
	if err != nil {
		return nil, &provider.CallError{Provider: b.name, Op: "verify", Err: err}
	}
	return toVerifyVerdicts(w), nil
}

var _ provider.Port = (*OpenAIBackend)(nil)
