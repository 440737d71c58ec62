package llm

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/assessor/internal/apperr"
)

type fakeGenerator struct {
	mu       sync.Mutex
	replies  []string
	err      error
	delay    time.Duration
	requests []GenerateRequest
	inFlight atomic.Int32
	maxSeen  atomic.Int32
}

func (f *fakeGenerator) Generate(ctx context.Context, req GenerateRequest) (GenerateResponse, error) {
	n := f.inFlight.Add(1)
	defer f.inFlight.Add(-1)
	for {
		old := f.maxSeen.Load()
		if n <= old || f.maxSeen.CompareAndSwap(old, n) {
			break
		}
	}

	if f.delay > 0 {
		select {
		case <-time.After(f.delay):
		case <-ctx.Done():
			return GenerateResponse{}, ctx.Err()
		}
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, req)
	if f.err != nil {
		return GenerateResponse{}, f.err
	}
	if len(f.replies) == 0 {
		return GenerateResponse{}, nil
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return GenerateResponse{Text: reply}, nil
}

type topicReply struct {
	Topic string   `json:"topic"`
	Score int      `json:"score"`
	Notes []string `json:"notes,omitempty"`
}

func (r *topicReply) Validate() error {
	if r.Score < 0 {
		return errors.New("score must be non-negative")
	}
	return nil
}

func TestUnwrap(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"plain", `{"a":1}`, `{"a":1}`},
		{"fenced json", "```json\n{\"a\":1}\n```", `{"a":1}`},
		{"fenced bare", "```\n[1,2]\n```", `[1,2]`},
		{"prose around", "Here you go: {\"a\":1} hope it helps", `{"a":1}`},
		{"whitespace", "  \n{\"a\":1}\n ", `{"a":1}`},
		{"empty", "   ", ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, Unwrap(tt.in))
		})
	}
}

func TestInferDecodesValidResponse(t *testing.T) {
	gen := &fakeGenerator{replies: []string{"```json\n{\"topic\":\"Optics\",\"score\":3,\"notes\":null}\n```"}}
	c := New(gen, Options{Concurrency: 2})

	var out topicReply
	err := c.Infer(context.Background(), Request{Name: "test", System: "sys", Parts: []Part{Text("hello")}}, &out)
	require.NoError(t, err)
	assert.Equal(t, "Optics", out.Topic)
	assert.Equal(t, 3, out.Score)

	require.Len(t, gen.requests, 1)
	assert.Contains(t, gen.requests[0].System, "JSON schema")
	assert.Contains(t, gen.requests[0].System, `"topic"`)
	require.NotNil(t, gen.requests[0].Schema)
	assert.Equal(t, "test", gen.requests[0].Schema.Name)
}

func TestInferTypedFailures(t *testing.T) {
	tests := []struct {
		name   string
		reply  string
		reason apperr.Reason
	}{
		{"empty", "", apperr.EmptyOutput},
		{"not json", "I cannot help with that", apperr.SchemaMismatch},
		{"missing required", `{"topic":"Optics"}`, apperr.SchemaMismatch},
		{"wrong type", `{"topic":"Optics","score":"high"}`, apperr.SchemaMismatch},
		{"validator rejects", `{"topic":"Optics","score":-1}`, apperr.SchemaMismatch},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			c := New(&fakeGenerator{replies: []string{tt.reply}}, Options{})
			var out topicReply
			err := c.Infer(context.Background(), Request{Name: "test"}, &out)
			require.Error(t, err)
			reason, ok := apperr.ReasonOf(err)
			require.True(t, ok, "expected reasoning error, got %v", err)
			assert.Equal(t, tt.reason, reason)
		})
	}
}

func TestInferTimeout(t *testing.T) {
	c := New(&fakeGenerator{delay: time.Second, replies: []string{`{"topic":"x","score":1}`}}, Options{})
	var out topicReply
	err := c.Infer(context.Background(), Request{Name: "slow", Timeout: 20 * time.Millisecond}, &out)
	reason, ok := apperr.ReasonOf(err)
	require.True(t, ok)
	assert.Equal(t, apperr.Timeout, reason)
	assert.False(t, apperr.RetryableReasoning(err))
}

func TestInferUpstreamError(t *testing.T) {
	c := New(&fakeGenerator{err: errors.New("connection refused")}, Options{})
	var out topicReply
	err := c.Infer(context.Background(), Request{Name: "test"}, &out)
	assert.True(t, apperr.IsUpstream(err))
}

func TestInferRejectsNonPointer(t *testing.T) {
	c := New(&fakeGenerator{}, Options{})
	err := c.Infer(context.Background(), Request{Name: "test"}, topicReply{})
	require.Error(t, err)
	assert.True(t, strings.Contains(err.Error(), "pointer"))
}

func TestInferBoundsConcurrency(t *testing.T) {
	gen := &fakeGenerator{delay: 20 * time.Millisecond, replies: []string{`{"topic":"x","score":1}`}}
	c := New(gen, Options{Concurrency: 2})

	var wg sync.WaitGroup
	for i := 0; i < 6; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			var out topicReply
			assert.NoError(t, c.Infer(context.Background(), Request{Name: "test"}, &out))
		}()
	}
	wg.Wait()
	assert.LessOrEqual(t, gen.maxSeen.Load(), int32(2))
}

func TestUserMessageParts(t *testing.T) {
	text, err := userMessage([]Part{Text("a"), Text("b")}, false)
	require.NoError(t, err)
	assert.Equal(t, "a\n\nb", text.Content)
	assert.Empty(t, text.MultiContent)

	mixed, err := userMessage([]Part{Text("look"), Inline([]byte("png"), "image/png")}, false)
	require.NoError(t, err)
	assert.Empty(t, mixed.Content)
	require.Len(t, mixed.MultiContent, 2)
	assert.Equal(t, "data:image/png;base64,cG5n", mixed.MultiContent[1].ImageURL.URL)
}

func TestUserMessageDocuments(t *testing.T) {
	pdf := Inline([]byte("%PDF"), "application/pdf")

	_, err := userMessage([]Part{Text("extract"), pdf}, false)
	assert.ErrorIs(t, err, ErrDocumentMedia)

	linked, err := userMessage([]Part{Text("extract"), Link("https://docs.example.com/a.pdf", "application/pdf")}, false)
	require.NoError(t, err)
	require.Len(t, linked.MultiContent, 2)
	assert.Equal(t, openai.ChatMessagePartTypeText, linked.MultiContent[1].Type)
	assert.Nil(t, linked.MultiContent[1].ImageURL)
	assert.Contains(t, linked.MultiContent[1].Text, "https://docs.example.com/a.pdf")

	inlined, err := userMessage([]Part{pdf}, true)
	require.NoError(t, err)
	require.Len(t, inlined.MultiContent, 1)
	assert.Equal(t, openai.ChatMessagePartTypeImageURL, inlined.MultiContent[0].Type)
	assert.Equal(t, "data:application/pdf;base64,JVBERg==", inlined.MultiContent[0].ImageURL.URL)
}
