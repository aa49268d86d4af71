package backend

import (
	"context"
	"fmt"

	"google.golang.org/genai"

	"botticelli/internal/logx"
)

var geminiLog = logx.New("backend.gemini")

// GeminiBackend adapts Google's genai client to the Backend capability.
type GeminiBackend struct {
	client       *genai.Client
	defaultModel string
	retry        RetryPolicy
}

// NewGeminiBackend constructs a Gemini-backed Backend.
func NewGeminiBackend(ctx context.Context, apiKey, defaultModel string) (*GeminiBackend, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{APIKey: apiKey, Backend: genai.BackendGeminiAPI})
	if err != nil {
		return nil, fmt.Errorf("gemini: new client: %w", err)
	}
	return &GeminiBackend{client: client, defaultModel: defaultModel, retry: DefaultRetryPolicy()}, nil
}

// Name implements Backend.
func (b *GeminiBackend) Name() string { return "gemini" }

// Generate implements Backend.
func (b *GeminiBackend) Generate(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = b.defaultModel
	}

	return b.retry.Do(ctx, func(ctx context.Context) (Response, error) {
		var contents []*genai.Content
		var systemText string
		for _, m := range req.Messages {
			if m.Role == RoleSystem {
				systemText += textOf(m)
				continue
			}
			role := genai.RoleUser
			if m.Role == RoleAssistant {
				role = genai.RoleModel
			}
			contents = append(contents, genai.NewContentFromText(textOf(m), role))
		}

		var cfg *genai.GenerateContentConfig
		if systemText != "" || req.Temperature != nil || req.MaxTokens != nil {
			cfg = &genai.GenerateContentConfig{}
			if systemText != "" {
				cfg.SystemInstruction = genai.NewContentFromText(systemText, genai.RoleUser)
			}
			if req.Temperature != nil {
				t := float32(*req.Temperature)
				cfg.Temperature = &t
			}
			if req.MaxTokens != nil {
				cfg.MaxOutputTokens = int32(*req.MaxTokens)
			}
		}

		resp, err := b.client.Models.GenerateContent(ctx, model, contents, cfg)
		if err != nil {
			if statusCode, ok := statusCodeFromError(err); ok && IsTransient(statusCode) {
				return Response{}, &TransientError{Cause: err, StatusCode: statusCode}
			}
			return Response{}, fmt.Errorf("gemini: generate: %w", err)
		}

		geminiLog.Debug("gemini generate ok model=%s", model)
		return Response{Outputs: []Output{{Text: resp.Text()}}}, nil
	})
}
