package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	openai "github.com/sashabaranov/go-openai"
)

// ErrDocumentMedia is returned when a non-image document must be inlined
// but the endpoint is not configured to accept inline documents.
var ErrDocumentMedia = errors.New("endpoint does not accept inline documents")

// OpenAIOptions tune how requests are shaped for an endpoint.
type OpenAIOptions struct {
	// Structured sends schemas as a json_schema response format instead of
	// asking for a plain JSON object.
	Structured bool
	// InlineDocuments sends non-image media (PDFs) as image_url data URLs.
	// Only vision endpoints that accept documents there should enable it.
	InlineDocuments bool
}

// OpenAIGenerator talks to an OpenAI-compatible chat completion API.
type OpenAIGenerator struct {
	api   *openai.Client
	model string
	opts  OpenAIOptions
}

// NewOpenAI creates a generator for the endpoint at baseURL.
func NewOpenAI(baseURL, apiKey, modelName string, opts OpenAIOptions) *OpenAIGenerator {
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	return &OpenAIGenerator{
		api:   openai.NewClientWithConfig(config),
		model: modelName,
		opts:  opts,
	}
}

// Ping checks that the endpoint answers a model listing.
func (g *OpenAIGenerator) Ping(ctx context.Context) error {
	if _, err := g.api.ListModels(ctx); err != nil {
		return fmt.Errorf("list models: %w", err)
	}
	return nil
}

// Generate sends one chat completion request.
func (g *OpenAIGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	var chatMsgs []openai.ChatCompletionMessage
	if req.System != "" {
		chatMsgs = append(chatMsgs, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	user, err := userMessage(req.Parts, g.opts.InlineDocuments)
	if err != nil {
		return GenerateResponse{}, err
	}
	chatMsgs = append(chatMsgs, user)

	modelName := g.model
	if req.ModelHint != "" {
		modelName = req.ModelHint
	}

	chatReq := openai.ChatCompletionRequest{
		Model:       modelName,
		Messages:    chatMsgs,
		Temperature: req.Temperature,
	}
	if req.Schema != nil {
		chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
		if g.opts.Structured && req.Schema.Definition != nil {
			chatReq.ResponseFormat = &openai.ChatCompletionResponseFormat{
				Type: openai.ChatCompletionResponseFormatTypeJSONSchema,
				JSONSchema: &openai.ChatCompletionResponseFormatJSONSchema{
					Name:   req.Schema.Name,
					Schema: req.Schema.Definition,
				},
			}
		}
	}

	resp, err := g.api.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return GenerateResponse{}, fmt.Errorf("LLM API call: %w", err)
	}
	if len(resp.Choices) == 0 {
		return GenerateResponse{}, nil
	}

	raw := resp.Choices[0].Message.Content
	slog.Debug("LLM response", "model", modelName, "raw", truncate(raw, 2000))
	return GenerateResponse{Text: raw}, nil
}

// userMessage builds the user turn. Images travel as image_url parts. Other
// media (PDFs) travel as image_url only with inlineDocs; otherwise a fetchable
// URL is passed as text and inline bytes are refused.
func userMessage(parts []Part, inlineDocs bool) (openai.ChatCompletionMessage, error) {
	hasMedia := false
	for _, p := range parts {
		if p.Media != nil {
			hasMedia = true
			break
		}
	}

	if !hasMedia {
		var texts []string
		for _, p := range parts {
			texts = append(texts, p.Text)
		}
		return openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleUser,
			Content: strings.Join(texts, "\n\n"),
		}, nil
	}

	var multi []openai.ChatMessagePart
	for _, p := range parts {
		switch {
		case p.Media == nil:
			multi = append(multi, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: p.Text,
			})
		case isImage(p.Media.ContentType) || inlineDocs:
			multi = append(multi, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeImageURL,
				ImageURL: &openai.ChatMessageImageURL{
					URL:    p.Media.DataURL(),
					Detail: openai.ImageURLDetailHigh,
				},
			})
		case len(p.Media.Data) == 0 && p.Media.URL != "":
			multi = append(multi, openai.ChatMessagePart{
				Type: openai.ChatMessagePartTypeText,
				Text: fmt.Sprintf("Document (%s): %s", p.Media.ContentType, p.Media.URL),
			})
		default:
			return openai.ChatCompletionMessage{}, fmt.Errorf("%w: %s", ErrDocumentMedia, p.Media.ContentType)
		}
	}
	return openai.ChatCompletionMessage{
		Role:         openai.ChatMessageRoleUser,
		MultiContent: multi,
	}, nil
}

func isImage(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "image/")
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
