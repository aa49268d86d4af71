package backend

import (
	"context"
	"fmt"

	"github.com/openai/openai-go"
	"github.com/openai/openai-go/option"

	"botticelli/internal/logx"
)

var openaiLog = logx.New("backend.openai")

// OpenAIBackend adapts the OpenAI SDK client to the Backend capability.
type OpenAIBackend struct {
	client       openai.Client
	defaultModel string
	retry        RetryPolicy
}

// NewOpenAIBackend constructs an OpenAI-backed Backend.
func NewOpenAIBackend(apiKey, defaultModel string) *OpenAIBackend {
	return &OpenAIBackend{
		client:       openai.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
		retry:        DefaultRetryPolicy(),
	}
}

// Name implements Backend.
func (b *OpenAIBackend) Name() string { return "openai" }

// Generate implements Backend.
func (b *OpenAIBackend) Generate(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	return b.retry.Do(ctx, func(ctx context.Context) (Response, error) {
		var messages []openai.ChatCompletionMessageParamUnion
		for _, m := range req.Messages {
			text := textOf(m)
			switch m.Role {
			case RoleSystem:
				messages = append(messages, openai.SystemMessage(text))
			case RoleAssistant:
				messages = append(messages, openai.AssistantMessage(text))
			default:
				messages = append(messages, openai.UserMessage(text))
			}
		}

		params := openai.ChatCompletionNewParams{
			Model:    model,
			Messages: messages,
		}
		if req.MaxTokens != nil {
			params.MaxTokens = openai.Int(int64(*req.MaxTokens))
		}
		if req.Temperature != nil {
			params.Temperature = openai.Float(*req.Temperature)
		}

		resp, err := b.client.Chat.Completions.New(ctx, params)
		if err != nil {
			if statusCode, ok := statusCodeFromError(err); ok && IsTransient(statusCode) {
				return Response{}, &TransientError{Cause: err, StatusCode: statusCode}
			}
			return Response{}, fmt.Errorf("openai: generate: %w", err)
		}

		out := Response{}
		for _, choice := range resp.Choices {
			out.Outputs = append(out.Outputs, Output{Text: choice.Message.Content})
		}
		openaiLog.Debug("openai generate ok model=%s outputs=%d", model, len(out.Outputs))
		return out, nil
	})
}

func textOf(m Message) string {
	out := ""
	for i, part := range m.Content {
		if part.Kind != PartText {
			continue
		}
		if i > 0 {
			out += "\n"
		}
		out += part.Text
	}
	return out
}
