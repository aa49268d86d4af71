package backend

import (
	"context"
	"fmt"

	"github.com/ollama/ollama/api"

	"botticelli/internal/logx"
)

var ollamaLog = logx.New("backend.ollama")

// OllamaBackend adapts a local/remote Ollama server to the Backend
// capability. Unlike the hosted providers it does not inspect HTTP status
// codes: every Chat error is wrapped as a TransientError and retried under
// the default policy.
type OllamaBackend struct {
	client       *api.Client
	defaultModel string
	retry        RetryPolicy
}

// NewOllamaBackend constructs an Ollama-backed Backend using the client's
// environment-derived default host (OLLAMA_HOST).
func NewOllamaBackend(defaultModel string) (*OllamaBackend, error) {
	client, err := api.ClientFromEnvironment()
	if err != nil {
		return nil, fmt.Errorf("ollama: client from environment: %w", err)
	}
	return &OllamaBackend{client: client, defaultModel: defaultModel, retry: DefaultRetryPolicy()}, nil
}

// Name implements Backend.
func (b *OllamaBackend) Name() string { return "ollama" }

// Generate implements Backend.
func (b *OllamaBackend) Generate(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	return b.retry.Do(ctx, func(ctx context.Context) (Response, error) {
		messages := make([]api.Message, 0, len(req.Messages))
		for _, m := range req.Messages {
			role := "user"
			switch m.Role {
			case RoleAssistant:
				role = "assistant"
			case RoleSystem:
				role = "system"
			}
			messages = append(messages, api.Message{Role: role, Content: textOf(m)})
		}

		stream := false
		var collected string
		chatReq := &api.ChatRequest{
			Model:    model,
			Messages: messages,
			Stream:   &stream,
		}

		err := b.client.Chat(ctx, chatReq, func(resp api.ChatResponse) error {
			collected += resp.Message.Content
			return nil
		})
		if err != nil {
			return Response{}, &TransientError{Cause: err}
		}

		ollamaLog.Debug("ollama generate ok model=%s", model)
		return Response{Outputs: []Output{{Text: collected}}}, nil
	})
}
