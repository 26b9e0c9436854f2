package llmreview

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"google.golang.org/adk/agent"
	"google.golang.org/adk/agent/llmagent"
	"google.golang.org/adk/model"
	"google.golang.org/adk/runner"
	"google.golang.org/adk/session"
	"google.golang.org/genai"

	"github.com/hvo-labs/ai-code-review/internal/domain"
	"github.com/hvo-labs/ai-code-review/internal/metrics"
	"github.com/hvo-labs/ai-code-review/internal/provider"
)

// adkModel implements google.golang.org/adk/model.LLM over an OpenAI
// chat-completions client. It carries no tool-calling support: the ADK
// backend never asks the model to invoke anything, since the Orchestrator
// already resolved every file's diff before the Provider Port is called.
type adkModel struct {
	client openai.Client
	model  string
}

func (m *adkModel) GenerateContent(ctx context.Context, req *model.LLMRequest, stream bool) iter.Seq2[*model.LLMResponse, error] {
	return func(yield func(*model.LLMResponse, error) bool) {
		messages := convertADKContents(req.Contents)
		if req.Config != nil && req.Config.SystemInstruction != nil {
			var sys strings.Builder
			for _, p := range req.Config.SystemInstruction.Parts {
				sys.WriteString(p.Text)
			}
			if sys.Len() > 0 {
				messages = append([]openai.ChatCompletionMessageParamUnion{openai.SystemMessage(sys.String())}, messages...)
			}
		}

		// The review and verify agents always want strict JSON back, so
		// JSON mode is forced unconditionally rather than left to the
		// caller's request config (mirrors the teacher's jsonLLM wrapper).
		val := shared.NewResponseFormatJSONObjectParam()
		params := openai.ChatCompletionNewParams{
			Model:          shared.ChatModel(m.model),
			Messages:       messages,
			ResponseFormat: openai.ChatCompletionNewParamsResponseFormatUnion{OfJSONObject: &val},
		}

		resp, err := m.client.Chat.Completions.New(ctx, params)
		if err != nil {
			yield(nil, fmt.Errorf("adk model: chat completion: %w", err))
			return
		}
		if len(resp.Choices) == 0 {
			yield(nil, fmt.Errorf("adk model: no choices in response"))
			return
		}

		yield(&model.LLMResponse{
			Content: &genai.Content{
				Role:  "model",
				Parts: []*genai.Part{genai.NewPartFromText(resp.Choices[0].Message.Content)},
			},
			TurnComplete: true,
		}, nil)
	}
}

// convertADKContents renders genai.Content history into OpenAI chat
// messages, folding every part's text into one message per turn (the
// backend never emits function calls or responses).
func convertADKContents(contents []*genai.Content) []openai.ChatCompletionMessageParamUnion {
	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(contents))
	for _, c := range contents {
		var text strings.Builder
		for _, p := range c.Parts {
			text.WriteString(p.Text)
		}
		switch c.Role {
		case "model":
			messages = append(messages, openai.AssistantMessage(text.String()))
		default:
			messages = append(messages, openai.UserMessage(text.String()))
		}
	}
	return messages
}

// ADKBackend drives a single-turn google.golang.org/adk agent: an
// ephemeral llmagent with no toolsets, fed the already-fetched diff
// content directly in its opening message.
type ADKBackend struct {
	llm            model.LLM
	sessionService session.Service
	model          string
	name           string
	instructions   string
}

// NewADKBackend builds an ADKBackend against an OpenAI-compatible endpoint.
func NewADKBackend(displayName, endpoint, apiKey, modelName, instructions string) *ADKBackend {
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if endpoint != "" {
		opts = append(opts, option.WithBaseURL(endpoint))
	}
	if instructions == "" {
		instructions = defaultSystemInstruction
	}
	return &ADKBackend{
		llm:            &adkModel{client: openai.NewClient(opts...), model: modelName},
		sessionService: session.InMemoryService(),
		model:          modelName,
		name:           providerName(displayName, "adk-agent"),
		instructions:   instructions,
	}
}

func (b *ADKBackend) Name() string { return b.name }

func (b *ADKBackend) ReviewAll(ctx context.Context, pr domain.PullRequestSnapshot, files []domain.FileChange) (domain.ReviewResult, error) {
	return b.run(ctx, buildReviewPrompt(pr, files, nil), pr.PRID, validPathSet(files))
}

func (b *ADKBackend) ReviewOne(ctx context.Context, pr domain.PullRequestSnapshot, file domain.FileChange, totalFilesInPR int) (domain.ReviewResult, error) {
	return b.run(ctx, buildReviewPrompt(pr, []domain.FileChange{file}, nil), pr.PRID, validPathSet([]domain.FileChange{file}))
}

func (b *ADKBackend) run(ctx context.Context, prompt string, prID int, validPaths map[string]bool) (domain.ReviewResult, error) {
	start := time.Now()
	text, err := b.execute(ctx, prID, prompt)
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

// execute runs one ephemeral agent turn and returns its final text.
func (b *ADKBackend) execute(ctx context.Context, prID int, prompt string) (string, error) {
	adkAgent, err := llmagent.New(llmagent.Config{
		Name:        fmt.Sprintf("pr-review-%d", prID),
		Description: "Ephemeral code review agent",
		Model:       b.llm,
		Instruction: b.instructions,
	})
	if err != nil {
		return "", fmt.Errorf("create agent: %w", err)
	}

	r, err := runner.New(runner.Config{AppName: "ai-code-review", Agent: adkAgent, SessionService: b.sessionService})
	if err != nil {
		return "", fmt.Errorf("create runner: %w", err)
	}

	sessionID := fmt.Sprintf("review-%d-%d", prID, time.Now().UnixNano())
	if _, err := b.sessionService.Create(ctx, &session.CreateRequest{AppName: "ai-code-review", UserID: "orchestrator", SessionID: sessionID}); err != nil && !strings.Contains(err.Error(), "already exists") {
		return "", fmt.Errorf("create session: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		b.sessionService.Delete(cleanupCtx, &session.DeleteRequest{AppName: "ai-code-review", UserID: "orchestrator", SessionID: sessionID})
	}()

	msg := &genai.Content{Role: "user", Parts: []*genai.Part{genai.NewPartFromText(prompt)}}

	var finalText strings.Builder
	for event, err := range r.Run(ctx, "orchestrator", sessionID, msg, agent.RunConfig{}) {
		if err != nil {
			return "", fmt.Errorf("agent run: %w", err)
		}
		if event.IsFinalResponse() && event.LLMResponse != nil && event.LLMResponse.Content != nil {
			for _, p := range event.LLMResponse.Content.Parts {
				finalText.WriteString(p.Text)
			}
		}
	}
	if finalText.Len() == 0 {
		return "", fmt.Errorf("no response content from agent")
	}
	return finalText.String(), nil
}

func (b *ADKBackend) VerifyResolutions(ctx context.Context, candidates []provider.VerifyCandidate) ([]provider.VerifyVerdict, error) {
	if len(candidates) == 0 {
		return nil, nil
	}
	start := time.Now()
	text, err := b.execute(ctx, 0, buildVerifyPrompt(candidates))
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

var _ provider.Port = (*ADKBackend)(nil)
var _ model.LLM = (*adkModel)(nil)
