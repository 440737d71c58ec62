package llm

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"reflect"
	"sync"
	"time"

	"github.com/sashabaranov/go-openai/jsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"golang.org/x/time/rate"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/metrics"
	"github.com/pavelanni/assessor/internal/tracing"
)

// Options bounds how hard the client drives the reasoning service.
type Options struct {
	Concurrency       int
	RequestsPerSecond float64
	DefaultTimeout    time.Duration
}

// Client wraps a Generator with schema enforcement, deadlines and admission control.
type Client struct {
	gen            Generator
	sem            chan struct{}
	limiter        *rate.Limiter
	defaultTimeout time.Duration
}

// New creates a reasoning client around gen.
func New(gen Generator, opts Options) *Client {
	if opts.Concurrency <= 0 {
		opts.Concurrency = 4
	}
	if opts.DefaultTimeout <= 0 {
		opts.DefaultTimeout = 2 * time.Minute
	}
	limit := rate.Inf
	if opts.RequestsPerSecond > 0 {
		limit = rate.Limit(opts.RequestsPerSecond)
	}
	return &Client{
		gen:            gen,
		sem:            make(chan struct{}, opts.Concurrency),
		limiter:        rate.NewLimiter(limit, opts.Concurrency),
		defaultTimeout: opts.DefaultTimeout,
	}
}

// Request is one structured reasoning call. Name identifies the call in
// errors, metrics and traces.
type Request struct {
	Name        string
	System      string
	Parts       []Part
	Timeout     time.Duration
	Temperature float32
	ModelHint   string
}

// Validator is implemented by response types with invariants beyond their JSON shape.
type Validator interface {
	Validate() error
}

// Infer runs req and decodes the response into out, which must be a pointer
// to a struct. The response is checked against the schema derived from out
// and, if out implements Validator, against its own invariants.
// Failures are *apperr.ReasoningError or *apperr.UpstreamError.
func (c *Client) Infer(ctx context.Context, req Request, out any) (err error) {
	def, err := SchemaFor(out)
	if err != nil {
		return fmt.Errorf("schema for %s: %w", req.Name, err)
	}

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = c.defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	ctx, span := tracing.Tracer().Start(ctx, "reasoning."+req.Name)
	span.SetAttributes(attribute.String("reasoning.call", req.Name))
	start := time.Now()
	defer func() {
		outcome := "ok"
		if err != nil {
			outcome = "error"
			if reason, ok := apperr.ReasonOf(err); ok {
				outcome = string(reason)
			}
			span.RecordError(err)
			span.SetStatus(codes.Error, outcome)
		}
		metrics.ReasoningCalls.WithLabelValues(req.Name, outcome).Inc()
		metrics.ReasoningDuration.WithLabelValues(req.Name).Observe(time.Since(start).Seconds())
		span.End()
	}()

	select {
	case c.sem <- struct{}{}:
	case <-ctx.Done():
		return c.contextErr(ctx, req.Name)
	}
	defer func() { <-c.sem }()

	if err := c.limiter.Wait(ctx); err != nil {
		return c.contextErr(ctx, req.Name)
	}

	resp, err := c.gen.Generate(ctx, GenerateRequest{
		System:      req.System + "\n\n" + schemaInstruction(def),
		Parts:       req.Parts,
		ModelHint:   req.ModelHint,
		Temperature: req.Temperature,
		Schema:      &Schema{Name: req.Name, Definition: def},
	})
	if err != nil {
		if ctx.Err() != nil {
			return c.contextErr(ctx, req.Name)
		}
		return apperr.Upstream("reasoning service", err)
	}

	raw := Unwrap(resp.Text)
	if raw == "" {
		return apperr.Reasoning(req.Name, apperr.EmptyOutput, resp.Text, nil)
	}
	cleaned, err := dropNulls([]byte(raw))
	if err != nil {
		return apperr.Reasoning(req.Name, apperr.SchemaMismatch, resp.Text, err)
	}
	if err := jsonschema.VerifySchemaAndUnmarshal(*def, cleaned, out); err != nil {
		return apperr.Reasoning(req.Name, apperr.SchemaMismatch, resp.Text, err)
	}
	if v, ok := out.(Validator); ok {
		if err := v.Validate(); err != nil {
			return apperr.Reasoning(req.Name, apperr.SchemaMismatch, resp.Text, err)
		}
	}

	slog.Debug("reasoning call done", "call", req.Name, "duration", time.Since(start))
	return nil
}

func (c *Client) contextErr(ctx context.Context, name string) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return apperr.Reasoning(name, apperr.Timeout, "", ctx.Err())
	}
	return ctx.Err()
}

var schemaCache sync.Map // reflect.Type -> *jsonschema.Definition

// SchemaFor derives the JSON schema of the struct out points to.
func SchemaFor(out any) (*jsonschema.Definition, error) {
	v := reflect.ValueOf(out)
	if v.Kind() != reflect.Pointer || v.IsNil() {
		return nil, errors.New("output must be a non-nil pointer")
	}
	t := v.Elem().Type()
	if cached, ok := schemaCache.Load(t); ok {
		return cached.(*jsonschema.Definition), nil
	}
	def, err := jsonschema.GenerateSchemaForType(reflect.Zero(t).Interface())
	if err != nil {
		return nil, err
	}
	schemaCache.Store(t, def)
	return def, nil
}

func schemaInstruction(def *jsonschema.Definition) string {
	b, err := def.MarshalJSON()
	if err != nil {
		return "Respond with a single JSON object and nothing else."
	}
	return "Respond with a single JSON object and nothing else. It must conform to this JSON schema:\n" + string(b)
}
