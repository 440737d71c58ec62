// Package export renders assembled papers to documents in the document store.
package export

import (
	"bytes"
	"context"
	"embed"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/storage"
)

//go:embed templates/paper.md.tmpl
var templateFS embed.FS

type Format string

const (
	FormatMarkdown Format = "markdown"
	FormatJSON     Format = "json"
	FormatYAML     Format = "yaml"
)

var formats = map[Format]struct {
	ext         string
	contentType string
}{
	FormatMarkdown: {"md", "text/markdown; charset=utf-8"},
	FormatJSON:     {"json", "application/json"},
	FormatYAML:     {"yaml", "application/yaml"},
}

// Options choose the rendering of an export.
type Options struct {
	Format    Format `json:"format" validate:"omitempty,oneof=markdown json yaml"`
	Lang      string `json:"lang,omitempty"`
	AnswerKey bool   `json:"answerKey,omitempty"`
}

// Artifact is a stored export.
type Artifact struct {
	URL         string     `json:"url"`
	Path        string     `json:"path"`
	ContentType string     `json:"contentType"`
	ExportedAt  *time.Time `json:"exportedAt,omitempty"`
}

// Store is the paper persistence the exporter reads and stamps.
type Store interface {
	GetPaper(ctx context.Context, id string) (model.Paper, error)
	GetQuestionsByIDs(ctx context.Context, ids []string) (map[string]model.Question, error)
	MarkPaperExported(ctx context.Context, id string) (model.Paper, error)
}

type Exporter struct {
	docs  storage.Store
	store Store
	tmpl  *template.Template
}

func New(docs storage.Store, s Store) (*Exporter, error) {
	tmpl, err := template.New("paper.md.tmpl").Funcs(placeholderFuncs).ParseFS(templateFS, "templates/paper.md.tmpl")
	if err != nil {
		return nil, fmt.Errorf("parse paper template: %w", err)
	}
	return &Exporter{docs: docs, store: s, tmpl: tmpl}, nil
}

// ExportByID loads a stored paper and its questions and exports them.
func (e *Exporter) ExportByID(ctx context.Context, paperID string, opts Options) (Artifact, error) {
	paper, err := e.store.GetPaper(ctx, paperID)
	if err != nil {
		return Artifact{}, err
	}
	byID, err := e.store.GetQuestionsByIDs(ctx, paper.QuestionIDs())
	if err != nil {
		return Artifact{}, apperr.Upstream("document database", err)
	}
	questions := make([]model.Question, 0, len(byID))
	for _, id := range paper.QuestionIDs() {
		if q, ok := byID[id]; ok {
			questions = append(questions, q)
		}
	}
	return e.Export(ctx, paper, questions, opts)
}

// Export renders paper with its questions, stores the document and stamps
// the paper's export time. Re-exports overwrite the same object.
func (e *Exporter) Export(ctx context.Context, paper model.Paper, questions []model.Question, opts Options) (Artifact, error) {
	if paper.ID == "" {
		return Artifact{}, apperr.Invalid("paper", "paper has no id")
	}
	if opts.Format == "" {
		opts.Format = FormatMarkdown
	}
	f, ok := formats[opts.Format]
	if !ok {
		return Artifact{}, apperr.Invalid("format", "must be markdown, json or yaml")
	}
	if opts.Lang != "" {
		if !i18n.Supported(opts.Lang) {
			return Artifact{}, apperr.Invalid("lang", "unsupported language "+opts.Lang)
		}
		ctx = i18n.WithLocalizer(ctx, i18n.NewLocalizer(opts.Lang))
	}

	doc := newDocument(ctx, paper, questions, opts.AnswerKey)
	var data []byte
	var err error
	switch opts.Format {
	case FormatMarkdown:
		data, err = e.renderMarkdown(ctx, doc)
	case FormatJSON:
		data, err = json.MarshalIndent(doc, "", "  ")
	case FormatYAML:
		data, err = yaml.Marshal(doc)
	}
	if err != nil {
		return Artifact{}, fmt.Errorf("render %s: %w", opts.Format, err)
	}

	name := "paper"
	if opts.Lang != "" {
		name += "-" + strings.ToLower(opts.Lang)
	}
	if opts.AnswerKey {
		name += "-key"
	}
	objectPath := fmt.Sprintf("papers/%s/%s.%s", paper.ID, name, f.ext)
	url, err := e.docs.Put(ctx, data, objectPath, f.contentType)
	if err != nil {
		return Artifact{}, apperr.Upstream("document store", err)
	}

	art := Artifact{URL: url, Path: objectPath, ContentType: f.contentType}
	if e.store != nil {
		stamped, err := e.store.MarkPaperExported(ctx, paper.ID)
		if err != nil {
			return Artifact{}, fmt.Errorf("mark paper exported: %w", err)
		}
		art.ExportedAt = stamped.ExportedAt
	}
	slog.Info("paper exported", "paper", paper.ID, "format", opts.Format, "url", url)
	return art, nil
}

// placeholderFuncs lets the template parse; renderMarkdown binds the real
// ones to the request's localizer.
var placeholderFuncs = template.FuncMap{
	"t":     func(string) string { return "" },
	"td":    func(string, ...any) string { return "" },
	"marks": func(int) string { return "" },
}

func (e *Exporter) renderMarkdown(ctx context.Context, doc document) ([]byte, error) {
	tmpl, err := e.tmpl.Clone()
	if err != nil {
		return nil, err
	}
	tmpl.Funcs(template.FuncMap{
		"t": func(id string) string { return i18n.T(ctx, id) },
		"td": func(id string, kv ...any) string {
			data := make(map[string]any, len(kv)/2)
			for i := 0; i+1 < len(kv); i += 2 {
				data[fmt.Sprint(kv[i])] = kv[i+1]
			}
			return i18n.Td(ctx, id, data)
		},
		"marks": func(n int) string { return i18n.Tp(ctx, "Marks", n) },
	})
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, markdownView{Paper: doc.paper, Sections: doc.Sections, AnswerKey: doc.answerKey()}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
