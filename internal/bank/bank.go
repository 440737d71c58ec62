// Package bank searches published questions, directly or from a free-text request.
package bank

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// Store is the question persistence the bank reads.
type Store interface {
	SearchQuestions(ctx context.Context, f store.QuestionFilter) ([]model.Question, error)
	ListDistinctTopics(ctx context.Context) ([]string, error)
}

// Reasoner runs structured reasoning calls.
type Reasoner interface {
	Infer(ctx context.Context, req llm.Request, out any) error
}

// Filter selects published questions. Zero values match everything.
type Filter struct {
	Type           model.QuestionType   `json:"type,omitempty" validate:"omitempty,oneof=MCQ_SINGLE MCQ_MULTI FILL_IN_BLANK FREE_RESPONSE PASSAGE_BASED"`
	Topic          string               `json:"topic,omitempty"`
	Domain         string               `json:"domain,omitempty"`
	Curriculum     string               `json:"curriculum,omitempty"`
	CognitiveDepth model.CognitiveDepth `json:"cognitiveDepth,omitempty" validate:"omitempty,oneof=Fluency Conceptual Application Synthesis"`
	ScaffoldLevel  int                  `json:"scaffoldLevel,omitempty" validate:"omitempty,min=1,max=5"`
	MinScaffold    int                  `json:"minScaffold,omitempty" validate:"omitempty,min=1,max=5"`
	MaxScaffold    int                  `json:"maxScaffold,omitempty" validate:"omitempty,min=1,max=5"`
	Text           string               `json:"text,omitempty"`
	Limit          int                  `json:"limit,omitempty" validate:"omitempty,min=1,max=500"`
}

const defaultLimit = 50

type Bank struct {
	store           Store
	llm             Reasoner
	classifyTimeout time.Duration
}

func New(s Store, r Reasoner, classifyTimeout time.Duration) *Bank {
	if classifyTimeout <= 0 {
		classifyTimeout = 15 * time.Second
	}
	return &Bank{store: s, llm: r, classifyTimeout: classifyTimeout}
}

// Search returns published questions matching f, newest first.
func (b *Bank) Search(ctx context.Context, f Filter) ([]model.Question, error) {
	limit := f.Limit
	if limit <= 0 {
		limit = defaultLimit
	}
	qs, err := b.store.SearchQuestions(ctx, store.QuestionFilter{
		Type:           f.Type,
		Topic:          f.Topic,
		Domain:         f.Domain,
		Curriculum:     f.Curriculum,
		CognitiveDepth: f.CognitiveDepth,
		ScaffoldLevel:  f.ScaffoldLevel,
		MinScaffold:    f.MinScaffold,
		MaxScaffold:    f.MaxScaffold,
		Text:           f.Text,
		PublishedOnly:  true,
		Limit:          limit,
	})
	if err != nil {
		return nil, apperr.Upstream("document database", err)
	}
	if qs == nil {
		qs = []model.Question{}
	}
	return qs, nil
}

type filterResponse struct {
	Type           string `json:"type,omitempty"`
	Topic          string `json:"topic,omitempty"`
	Domain         string `json:"domain,omitempty"`
	CognitiveDepth string `json:"cognitive_depth,omitempty"`
	MinScaffold    int    `json:"min_scaffold,omitempty"`
	MaxScaffold    int    `json:"max_scaffold,omitempty"`
	Text           string `json:"text,omitempty"`
}

// Interpret turns a teacher's free-text request into a Filter with a short
// classification call. Values the bank does not know are dropped.
func (b *Bank) Interpret(ctx context.Context, text string) (Filter, error) {
	text = strings.TrimSpace(text)
	if text == "" {
		return Filter{}, apperr.Invalid("text", "must not be empty")
	}

	topics, err := b.store.ListDistinctTopics(ctx)
	if err != nil {
		return Filter{}, apperr.Upstream("document database", err)
	}

	system, err := prompts.BuildFilterPrompt(prompts.FilterData{
		Query:         text,
		Topics:        topics,
		QuestionTypes: typeNames(),
		Depths:        []string{"Fluency", "Conceptual", "Application", "Synthesis"},
	})
	if err != nil {
		return Filter{}, fmt.Errorf("build filter prompt: %w", err)
	}

	var resp filterResponse
	err = b.llm.Infer(ctx, llm.Request{
		Name:    "interpret_filter",
		System:  system,
		Parts:   []llm.Part{llm.Text("Translate the request into filters.")},
		Timeout: b.classifyTimeout,
	}, &resp)
	if err != nil {
		return Filter{}, err
	}
	return toFilter(resp, topics), nil
}

func toFilter(r filterResponse, topics []string) Filter {
	var f Filter
	if t := model.QuestionType(strings.ToUpper(strings.TrimSpace(r.Type))); t.Valid() {
		f.Type = t
	}
	for _, known := range topics {
		if strings.EqualFold(strings.TrimSpace(r.Topic), known) {
			f.Topic = known
			break
		}
	}
	f.Domain = strings.TrimSpace(r.Domain)
	for _, d := range []model.CognitiveDepth{model.DepthFluency, model.DepthConceptual, model.DepthApplication, model.DepthSynthesis} {
		if strings.EqualFold(strings.TrimSpace(r.CognitiveDepth), string(d)) {
			f.CognitiveDepth = d
		}
	}
	f.MinScaffold = scaffoldOrZero(r.MinScaffold)
	f.MaxScaffold = scaffoldOrZero(r.MaxScaffold)
	if f.MinScaffold > 0 && f.MaxScaffold > 0 && f.MinScaffold > f.MaxScaffold {
		f.MinScaffold, f.MaxScaffold = f.MaxScaffold, f.MinScaffold
	}
	f.Text = strings.TrimSpace(r.Text)
	return f
}

func scaffoldOrZero(n int) int {
	if n < model.MinScaffoldLevel || n > model.MaxScaffoldLevel {
		return 0
	}
	return n
}

func typeNames() []string {
	names := make([]string, len(model.QuestionTypes))
	for i, t := range model.QuestionTypes {
		names[i] = string(t)
	}
	return names
}
