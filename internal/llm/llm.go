package llm

import (
	"context"
	"encoding/base64"

	"github.com/sashabaranov/go-openai/jsonschema"
)

// Media references binary prompt content, either by URL or inline.
type Media struct {
	URL         string
	Data        []byte
	ContentType string
}

// DataURL returns the media as a URL the service can fetch or decode.
func (m Media) DataURL() string {
	if len(m.Data) == 0 {
		return m.URL
	}
	return "data:" + m.ContentType + ";base64," + base64.StdEncoding.EncodeToString(m.Data)
}

// Part is one segment of a prompt: either text or media.
type Part struct {
	Text  string
	Media *Media
}

// Text returns a text prompt part.
func Text(s string) Part {
	return Part{Text: s}
}

// Inline returns a media part carrying the bytes themselves.
func Inline(data []byte, contentType string) Part {
	return Part{Media: &Media{Data: data, ContentType: contentType}}
}

// Link returns a media part referencing content by URL.
func Link(url, contentType string) Part {
	return Part{Media: &Media{URL: url, ContentType: contentType}}
}

// Schema names the expected shape of a structured response.
type Schema struct {
	Name       string
	Definition *jsonschema.Definition
}

// GenerateRequest is a single call to the reasoning service.
type GenerateRequest struct {
	System      string
	Parts       []Part
	ModelHint   string
	Temperature float32
	Schema      *Schema
}

// GenerateResponse is the raw output of a reasoning call.
type GenerateResponse struct {
	Text string
}

// Generator is the generative reasoning service. Implementations do not validate output.
type Generator interface {
	Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error)
}
