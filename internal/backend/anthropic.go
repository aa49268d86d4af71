package backend

import (
	"context"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"botticelli/internal/logx"
)

var anthropicLog = logx.New("backend.anthropic")

// AnthropicBackend adapts the Anthropic SDK client to the Backend
// capability.
type AnthropicBackend struct {
	client       anthropic.Client
	defaultModel string
	retry        RetryPolicy
}

// NewAnthropicBackend constructs an Anthropic-backed Backend.
func NewAnthropicBackend(apiKey, defaultModel string) *AnthropicBackend {
	return &AnthropicBackend{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		defaultModel: defaultModel,
		retry:        DefaultRetryPolicy(),
	}
}

// Name implements Backend.
func (b *AnthropicBackend) Name() string { return "anthropic" }

// Generate implements Backend.
func (b *AnthropicBackend) Generate(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	return b.retry.Do(ctx, func(ctx context.Context) (Response, error) {
		messages := make([]anthropic.MessageParam, 0, len(req.Messages))
		for _, m := range req.Messages {
			if m.Role == RoleSystem {
				// System messages are passed via the top-level System field
				// below; Anthropic's wire format has no System role turn.
				continue
			}
			blocks := make([]anthropic.ContentBlockParamUnion, 0, len(m.Content))
			for _, part := range m.Content {
				if part.Kind == PartText {
					blocks = append(blocks, anthropic.NewTextBlock(part.Text))
				}
			}
			role := anthropic.MessageParamRoleUser
			if m.Role == RoleAssistant {
				role = anthropic.MessageParamRoleAssistant
			}
			messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
		}

		maxTokens := int64(4096)
		if req.MaxTokens != nil {
			maxTokens = int64(*req.MaxTokens)
		}

		params := anthropic.MessageNewParams{
			Model:     anthropic.Model(model),
			Messages:  messages,
			MaxTokens: maxTokens,
		}
		for _, m := range req.Messages {
			if m.Role == RoleSystem {
				for _, part := range m.Content {
					params.System = append(params.System, anthropic.TextBlockParam{Text: part.Text})
				}
			}
		}

		resp, err := b.client.Messages.New(ctx, params)
		if err != nil {
			if statusCode, ok := statusCodeFromError(err); ok && IsTransient(statusCode) {
				return Response{}, &TransientError{Cause: err, StatusCode: statusCode}
			}
			return Response{}, fmt.Errorf("anthropic: generate: %w", err)
		}

		out := Response{}
		for _, block := range resp.Content {
			if text := block.AsAny(); text != nil {
				if tb, ok := text.(anthropic.TextBlock); ok {
					out.Outputs = append(out.Outputs, Output{Text: tb.Text})
				}
			}
		}
		anthropicLog.Debug("anthropic generate ok model=%s outputs=%d", model, len(out.Outputs))
		return out, nil
	})
}
