package ai

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIConfig defines configuration options for the OpenAI backend.
type OpenAIConfig struct {
	APIKey     string
	BaseURL    string
	HTTPClient *http.Client
	Logger     zerolog.Logger
}

// OpenAIBackend implements Backend against the OpenAI chat completion API using strict
// structured outputs.
type OpenAIBackend struct {
	client *openai.Client
	logger zerolog.Logger
}

// NewOpenAIBackend builds a new backend using the provided configuration.
func NewOpenAIBackend(cfg OpenAIConfig) (*OpenAIBackend, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = strings.TrimRight(cfg.BaseURL, "/")
	}
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &OpenAIBackend{
		client: openai.NewClientWithConfig(config),
		logger: logger.With().Str("component", "openai_backend").Logger(),
	}, nil
}

// Name identifies the backend in metrics and logs.
func (b *OpenAIBackend) Name() string { return "openai" }

// Complete sends the request and returns the raw structured content.
func (b *OpenAIBackend) Complete(ctx context.Context, req Request) (Response, error) {
	request := openai.ChatCompletionRequest{
		Model:    req.Model,
		Messages: toOpenAIMessages(req.Messages),
	}
	if req.Schema != nil {
		request.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
				Name:   req.Schema.Name,
				Schema: req.Schema.Definition(),
				Strict: true,
			},
		}
	}

	resp, err := b.client.CreateChatCompletion(ctx, request)
	if err != nil {
		return Response{}, transportFailure(b.Name(), err, temporaryOpenAIError(err))
	}

	if len(resp.Choices) == 0 {
		return Response{}, transportFailure(b.Name(), errors.New("no choices returned"), true)
	}

	message := resp.Choices[0].Message
	if message.Refusal != "" {
		b.logger.Warn().Str("refusal", message.Refusal).Msg("openai refused request")
	}

	return Response{
		Content: []byte(strings.TrimSpace(message.Content)),
		Refusal: message.Refusal,
		Usage: map[string]int{
			"prompt_tokens":     resp.Usage.PromptTokens,
			"completion_tokens": resp.Usage.CompletionTokens,
			"total_tokens":      resp.Usage.TotalTokens,
		},
	}, nil
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, message := range messages {
		if len(message.Images) == 0 {
			out = append(out, openai.ChatCompletionMessage{Role: message.Role, Content: message.Text})
			continue
		}

		parts := make([]openai.ChatMessagePart, 0, len(message.Images)+1)
		if message.Text != "" {
			parts = append(parts, openai.ChatMessagePart{Type: openai.ChatMessagePartTypeText, Text: message.Text})
		}
		for _, image := range message.Images {
			parts = append(parts, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    dataURL(image),
					Detail: openai.ImageURLDetailHigh,
				},
			})
		}
		out = append(out, openai.ChatCompletionMessage{Role: message.Role, MultiContent: parts})
	}
	return out
}

func dataURL(image Image) string {
	mimeType := image.MIMEType
	if mimeType == "" {
		mimeType = "image/png"
	}
	return "data:" + mimeType + ";base64," + base64.StdEncoding.EncodeToString(image.Data)
}

func temporaryOpenAIError(err error) bool {
	status := 0
	var apiErr *openai.APIError
	var reqErr *openai.RequestError
	switch {
	case errors.As(err, &apiErr):
		status = apiErr.HTTPStatusCode
	case errors.As(err, &reqErr):
		status = reqErr.HTTPStatusCode
	}

	switch {
	case status == 0:
		return true
	case status == http.StatusRequestTimeout, status == http.StatusConflict, status == http.StatusTooManyRequests:
		return true
	case status >= http.StatusInternalServerError:
		return true
	default:
		return false
	}
}
