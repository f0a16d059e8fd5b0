package ai

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/google/generative-ai-go/genai"
	"github.com/rs/zerolog"
	"google.golang.org/api/option"
)

// GeminiConfig configures the Gemini backend.
type GeminiConfig struct {
	APIKey string
	Logger zerolog.Logger
}

// GeminiBackend implements Backend using Gemini JSON mode. Gemini has no strict schema
// mode, so the schema travels in the system instruction and the client checks the answer.
type GeminiBackend struct {
	client *genai.Client
	logger zerolog.Logger
}

// NewGeminiBackend opens a Gemini client.
func NewGeminiBackend(ctx context.Context, cfg GeminiConfig) (*GeminiBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("gemini api key is required")
	}

	client, err := genai.NewClient(ctx, option.WithAPIKey(cfg.APIKey))
	if err != nil {
		return nil, fmt.Errorf("failed to initialize gemini client: %w", err)
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &GeminiBackend{
		client: client,
		logger: logger.With().Str("component", "gemini_backend").Logger(),
	}, nil
}

// Name identifies the backend in metrics and logs.
func (b *GeminiBackend) Name() string { return "gemini" }

// Close releases the underlying client.
func (b *GeminiBackend) Close() error {
	return b.client.Close()
}

// Complete sends the conversation as chat history and returns the JSON answer.
func (b *GeminiBackend) Complete(ctx context.Context, req Request) (Response, error) {
	model := b.client.GenerativeModel(req.Model)
	model.ResponseMIMEType = "application/json"

	var system []string
	history := make([]*genai.Content, 0, len(req.Messages))
	for _, message := range req.Messages {
		if message.Role == RoleSystem {
			system = append(system, message.Text)
			continue
		}
		history = append(history, toGeminiContent(message))
	}
	if req.Schema != nil {
		system = append(system, "Respond with a single JSON object matching this JSON schema:\n"+string(req.Schema.JSON()))
	}
	if len(system) > 0 {
		model.SystemInstruction = &genai.Content{Parts: []genai.Part{genai.Text(strings.Join(system, "\n\n"))}}
	}

	if len(history) == 0 || history[len(history)-1].Role != "user" {
		return Response{}, transportFailure(b.Name(), errors.New("gemini conversation must end with a user message"), false)
	}

	session := model.StartChat()
	session.History = history[:len(history)-1]
	last := history[len(history)-1]

	resp, err := session.SendMessage(ctx, last.Parts...)
	if err != nil {
		var blocked *genai.BlockedError
		if errors.As(err, &blocked) {
			return Response{Refusal: blocked.Error()}, nil
		}
		return Response{}, transportFailure(b.Name(), err, true)
	}

	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil {
		return Response{}, transportFailure(b.Name(), errors.New("no candidates returned"), true)
	}

	var builder strings.Builder
	for _, part := range resp.Candidates[0].Content.Parts {
		if text, ok := part.(genai.Text); ok {
			builder.WriteString(string(text))
		}
	}

	usage := map[string]int{}
	if resp.UsageMetadata != nil {
		usage["prompt_tokens"] = int(resp.UsageMetadata.PromptTokenCount)
		usage["completion_tokens"] = int(resp.UsageMetadata.CandidatesTokenCount)
		usage["total_tokens"] = int(resp.UsageMetadata.TotalTokenCount)
	}

	return Response{Content: []byte(strings.TrimSpace(builder.String())), Usage: usage}, nil
}

func toGeminiContent(message Message) *genai.Content {
	role := "user"
	if message.Role == RoleAssistant {
		role = "model"
	}

	parts := make([]genai.Part, 0, len(message.Images)+1)
	if message.Text != "" {
		parts = append(parts, genai.Text(message.Text))
	}
	for _, image := range message.Images {
		mimeType := image.MIMEType
		if mimeType == "" {
			mimeType = "image/png"
		}
		parts = append(parts, genai.Blob{MIMEType: mimeType, Data: image.Data})
	}

	return &genai.Content{Role: role, Parts: parts}
}
