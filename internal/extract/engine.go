// Package extract turns source documents into candidate questions and drives
// the content queue through extraction.
package extract

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/storage"
)

// Reasoner runs structured reasoning calls.
type Reasoner interface {
	Infer(ctx context.Context, req llm.Request, out any) error
}

// Document is a source file to extract from.
type Document struct {
	Name        string
	ContentType string
	Data        []byte
}

// Options tag the extracted questions.
type Options struct {
	Curriculum string
	Subject    string
	AutoTag    bool
}

// Output is the result of one extraction.
type Output struct {
	Questions      []model.Question `json:"questions"`
	SourceFilename string           `json:"sourceFilename"`
	SourceURL      string           `json:"sourceUrl"`
}

// Config bounds the reasoning calls made by the engine.
type Config struct {
	ExtractTimeout    time.Duration
	FigureTimeout     time.Duration
	ClassifyTimeout   time.Duration
	FigureConcurrency int
}

type Engine struct {
	llm  Reasoner
	docs storage.Store
	cfg  Config
}

func NewEngine(r Reasoner, docs storage.Store, cfg Config) *Engine {
	if cfg.ExtractTimeout <= 0 {
		cfg.ExtractTimeout = 5 * time.Minute
	}
	if cfg.FigureTimeout <= 0 {
		cfg.FigureTimeout = time.Minute
	}
	if cfg.ClassifyTimeout <= 0 {
		cfg.ClassifyTimeout = 15 * time.Second
	}
	if cfg.FigureConcurrency <= 0 {
		cfg.FigureConcurrency = 4
	}
	return &Engine{llm: r, docs: docs, cfg: cfg}
}

// Extract stores the document, asks the reasoning service for its questions
// and enriches every figure with a description. Figure failures never fail
// the extraction.
func (e *Engine) Extract(ctx context.Context, doc Document, opts Options) (Output, error) {
	if len(doc.Data) == 0 {
		return Output{}, apperr.Invalid("document", "empty content")
	}
	if doc.ContentType == "" {
		doc.ContentType = "application/pdf"
	}

	url, err := e.docs.Put(ctx, doc.Data, storage.ContentPath("documents", doc.Data, doc.Name), doc.ContentType)
	if err != nil {
		return Output{}, apperr.Upstream("document store", err)
	}

	system, err := prompts.BuildExtractPrompt(prompts.ExtractData{
		Curriculum:    opts.Curriculum,
		Subject:       opts.Subject,
		FileName:      doc.Name,
		QuestionTypes: questionTypeNames(),
		Depths:        depthNames(),
		MinScaffold:   model.MinScaffoldLevel,
		MaxScaffold:   model.MaxScaffoldLevel,
		Placeholder:   model.TaxonomyPlaceholder,
	})
	if err != nil {
		return Output{}, fmt.Errorf("build extract prompt: %w", err)
	}

	docPart := documentPart(doc, url)
	var resp extractionResponse
	err = e.llm.Infer(ctx, llm.Request{
		Name:    "extract_questions",
		System:  system,
		Parts:   []llm.Part{llm.Text("Extract the questions from " + doc.Name + "."), docPart},
		Timeout: e.cfg.ExtractTimeout,
	}, &resp)
	if err != nil {
		return Output{}, err
	}

	questions := make([]model.Question, 0, len(resp.Questions))
	for _, eq := range resp.Questions {
		questions = append(questions, toQuestion(eq, url, opts))
	}

	e.describeFigures(ctx, questions, docPart)
	if opts.AutoTag {
		e.classifyUntagged(ctx, questions, opts.Curriculum)
	}

	slog.Info("document extracted", "file", doc.Name, "questions", len(questions), "url", url)
	return Output{Questions: questions, SourceFilename: doc.Name, SourceURL: url}, nil
}

func toQuestion(eq extractedQuestion, url string, opts Options) model.Question {
	q := model.Question{
		StemMarkdown:      strings.TrimSpace(eq.StemMarkdown),
		Type:              model.QuestionType(eq.Type),
		CorrectAnswer:     strings.TrimSpace(eq.CorrectAnswer),
		Marks:             eq.Marks,
		SourceDocumentURL: url,
	}
	if q.Marks <= 0 {
		q.Marks = 1
	}
	for _, o := range eq.Options {
		q.Options = append(q.Options, model.Option{Text: o.Text, IsCorrect: o.IsCorrect, Explanation: o.Explanation})
	}
	for _, f := range eq.Figures {
		q.Figures = append(q.Figures, model.Figure{
			Page:        f.Page,
			BoundingBox: [4]float64{f.BoundingBox[0], f.BoundingBox[1], f.BoundingBox[2], f.BoundingBox[3]},
			Label:       strings.TrimSpace(f.Label),
		})
	}
	if opts.AutoTag {
		q.Taxonomy = taxonomyFrom(eq.Taxonomy, opts.Curriculum)
	} else {
		q.Taxonomy = placeholderTaxonomy(opts.Curriculum)
	}
	return q
}

// describeFigures fills every figure description: the reasoning service's
// description, else the printed label, else "Figure N" where N counts figures
// across the whole document.
func (e *Engine) describeFigures(ctx context.Context, questions []model.Question, docPart llm.Part) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FigureConcurrency)

	n := 0
	for qi := range questions {
		for fi := range questions[qi].Figures {
			n++
			ordinal := n
			q := &questions[qi]
			fig := &q.Figures[fi]
			g.Go(func() error {
				desc, err := e.describeFigure(gctx, q.StemMarkdown, *fig, docPart)
				switch {
				case err == nil:
					fig.Description = desc
				case fig.Label != "":
					fig.Description = fig.Label
				default:
					fig.Description = fmt.Sprintf("Figure %d", ordinal)
				}
				if err != nil {
					slog.Warn("figure description failed, using fallback",
						"figure", ordinal, "page", fig.Page, "fallback", fig.Description, "error", err)
				}
				return nil
			})
		}
	}
	_ = g.Wait()
}

func (e *Engine) describeFigure(ctx context.Context, stem string, fig model.Figure, docPart llm.Part) (string, error) {
	b := fig.BoundingBox
	system, err := prompts.BuildFigurePrompt(prompts.FigureData{
		Page:   fig.Page,
		Region: fmt.Sprintf("[%.2f, %.2f, %.2f, %.2f]", b[0], b[1], b[2], b[3]),
		Label:  fig.Label,
		Stem:   stem,
	})
	if err != nil {
		return "", err
	}
	var resp figureResponse
	err = e.llm.Infer(ctx, llm.Request{
		Name:    "describe_figure",
		System:  system,
		Parts:   []llm.Part{docPart},
		Timeout: e.cfg.FigureTimeout,
	}, &resp)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(resp.Description), nil
}

// classifyUntagged tags questions the extraction left without a topic.
// A failed classification keeps the placeholders for a curator.
func (e *Engine) classifyUntagged(ctx context.Context, questions []model.Question, curriculum string) {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.cfg.FigureConcurrency)
	for i := range questions {
		q := &questions[i]
		if q.Taxonomy.Topic != model.TaxonomyPlaceholder {
			continue
		}
		g.Go(func() error {
			tax, err := e.Classify(gctx, q.StemMarkdown, curriculum)
			if err != nil {
				slog.Warn("auto-tagging failed, keeping placeholders", "error", err)
				return nil
			}
			q.Taxonomy = tax
			return nil
		})
	}
	_ = g.Wait()
}

// Classify proposes a taxonomy for a single question stem.
func (e *Engine) Classify(ctx context.Context, stem, curriculum string) (model.Taxonomy, error) {
	system, err := prompts.BuildClassifyPrompt(prompts.ClassifyData{
		Curriculum:  curriculum,
		Stem:        stem,
		Depths:      depthNames(),
		MinScaffold: model.MinScaffoldLevel,
		MaxScaffold: model.MaxScaffoldLevel,
	})
	if err != nil {
		return model.Taxonomy{}, err
	}
	var resp classifyResponse
	err = e.llm.Infer(ctx, llm.Request{
		Name:    "classify_question",
		System:  system,
		Parts:   []llm.Part{llm.Text(stem)},
		Timeout: e.cfg.ClassifyTimeout,
	}, &resp)
	if err != nil {
		return model.Taxonomy{}, err
	}
	depth, _ := normalizeDepth(resp.CognitiveDepth)
	return model.Taxonomy{
		Domain:         strings.TrimSpace(resp.Domain),
		Topic:          strings.TrimSpace(resp.Topic),
		SubTopic:       strings.TrimSpace(resp.SubTopic),
		MicroSkill:     strings.TrimSpace(resp.MicroSkill),
		CognitiveDepth: depth,
		Curriculum:     curriculum,
		ScaffoldLevel:  resp.ScaffoldLevel,
	}, nil
}

// documentPart references the document by URL when the service can fetch it,
// and inlines it otherwise.
func documentPart(doc Document, url string) llm.Part {
	if strings.HasPrefix(url, "http://") || strings.HasPrefix(url, "https://") {
		return llm.Link(url, doc.ContentType)
	}
	return llm.Inline(doc.Data, doc.ContentType)
}

func questionTypeNames() []string {
	names := make([]string, len(model.QuestionTypes))
	for i, t := range model.QuestionTypes {
		names[i] = string(t)
	}
	return names
}

func depthNames() []string {
	return []string{
		string(model.DepthFluency),
		string(model.DepthConceptual),
		string(model.DepthApplication),
		string(model.DepthSynthesis),
	}
}
