// Package evaluate grades scanned answer sheets against a paper's rubric.
package evaluate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"mime"
	"path"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/metrics"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/storage"
	"github.com/pavelanni/assessor/internal/tracing"
)

const callName = "evaluate_sheet"

// Reasoner runs structured reasoning calls.
type Reasoner interface {
	Infer(ctx context.Context, req llm.Request, out any) error
}

// Store is the persistence the evaluator reads papers from and writes records to.
type Store interface {
	GetPaper(ctx context.Context, id string) (model.Paper, error)
	GetQuestionsByIDs(ctx context.Context, ids []string) (map[string]model.Question, error)
	InsertEvaluation(ctx context.Context, rec model.EvaluationRecord) (model.EvaluationRecord, error)
	GetEvaluation(ctx context.Context, id string) (model.EvaluationRecord, error)
	InsertEvaluationFailure(ctx context.Context, f model.EvaluationFailure) (model.EvaluationFailure, error)
}

// Submission asks for one answer sheet to be graded.
type Submission struct {
	PaperID   string `json:"paperId" validate:"required"`
	StudentID string `json:"studentId" validate:"required"`
	SheetURL  string `json:"sheetUrl" validate:"required"`
	Variant   string `json:"variant,omitempty" validate:"omitempty,oneof=strict standard lenient"`
}

type Evaluator struct {
	llm     Reasoner
	store   Store
	docs    storage.Store
	variant prompts.PromptVariant
	timeout time.Duration
}

func New(r Reasoner, s Store, docs storage.Store, variant string, timeout time.Duration) *Evaluator {
	v := prompts.PromptVariant(variant)
	if !prompts.IsValidVariant(variant) {
		v = prompts.PromptStandard
	}
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Evaluator{llm: r, store: s, docs: docs, variant: v, timeout: timeout}
}

// Submit grades a sheet and persists the record. Failures are recorded for a
// human grader and returned.
func (e *Evaluator) Submit(ctx context.Context, sub Submission) (model.EvaluationRecord, error) {
	if strings.TrimSpace(sub.StudentID) == "" {
		return model.EvaluationRecord{}, apperr.Invalid("studentId", "required")
	}
	paper, err := e.store.GetPaper(ctx, sub.PaperID)
	if err != nil {
		return model.EvaluationRecord{}, err
	}

	variant := e.variant
	if sub.Variant != "" {
		if !prompts.IsValidVariant(sub.Variant) {
			return model.EvaluationRecord{}, apperr.Invalid("variant", "must be strict, standard or lenient")
		}
		variant = prompts.PromptVariant(sub.Variant)
	}

	result, err := e.evaluate(ctx, paper, sub.SheetURL, variant)
	if err != nil {
		if !apperr.IsValidation(err) {
			metrics.Evaluations.WithLabelValues("failed").Inc()
			_, ferr := e.store.InsertEvaluationFailure(context.WithoutCancel(ctx), model.EvaluationFailure{
				PaperID:   paper.ID,
				StudentID: sub.StudentID,
				SheetURL:  sub.SheetURL,
				Error:     err.Error(),
			})
			if ferr != nil {
				slog.Error("record evaluation failure", "paper", paper.ID, "student", sub.StudentID, "error", ferr)
			}
		}
		return model.EvaluationRecord{}, err
	}

	rec, err := e.store.InsertEvaluation(ctx, model.EvaluationRecord{
		PaperID:   paper.ID,
		StudentID: sub.StudentID,
		SheetURL:  sub.SheetURL,
		Result:    result,
	})
	if err != nil {
		return model.EvaluationRecord{}, apperr.Upstream("document database", err)
	}
	metrics.Evaluations.WithLabelValues(strconv.FormatBool(result.RequiresReview)).Inc()
	slog.Info("sheet evaluated", "id", rec.ID, "paper", paper.ID, "student", sub.StudentID,
		"score", result.TotalScore, "max", result.MaxScore, "confidence", result.ConfidenceScore,
		"requires_review", result.RequiresReview)
	return rec, nil
}

// Evaluate grades the sheet at sheetURL against paper. Formatting failures
// are retried once with the same input; nothing else is retried.
func (e *Evaluator) Evaluate(ctx context.Context, paper model.Paper, sheetURL string) (model.EvaluationResult, error) {
	return e.evaluate(ctx, paper, sheetURL, e.variant)
}

func (e *Evaluator) evaluate(ctx context.Context, paper model.Paper, sheetURL string, variant prompts.PromptVariant) (model.EvaluationResult, error) {
	ctx, span := tracing.Tracer().Start(ctx, "evaluate.sheet")
	span.SetAttributes(attribute.String("paper.id", paper.ID), attribute.String("prompt.variant", string(variant)))
	defer span.End()

	rubric, err := e.rubric(ctx, paper)
	if err != nil {
		return model.EvaluationResult{}, err
	}
	sheet, err := e.sheetPart(ctx, sheetURL)
	if err != nil {
		return model.EvaluationResult{}, err
	}

	data := prompts.EvalData{Title: paper.Title}
	for _, r := range rubric {
		data.Questions = append(data.Questions, prompts.EvalQuestion{
			ID:        r.ID,
			Type:      string(r.Type),
			Marks:     r.Marks,
			Stem:      r.StemMarkdown,
			Reference: r.ReferenceAnswer(),
		})
	}
	system, err := prompts.BuildEvalPrompt(variant, data)
	if err != nil {
		return model.EvaluationResult{}, fmt.Errorf("build eval prompt: %w", err)
	}
	req := llm.Request{
		Name:    callName,
		System:  system,
		Parts:   []llm.Part{llm.Text("Grade this answer sheet."), sheet},
		Timeout: e.timeout,
	}

	resp, err := e.infer(ctx, req)
	if apperr.RetryableReasoning(err) {
		slog.Warn("evaluation unparseable, retrying once", "paper", paper.ID, "error", err)
		resp, err = e.infer(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		return model.EvaluationResult{}, err
	}
	return score(rubric, resp), nil
}

func (e *Evaluator) infer(ctx context.Context, req llm.Request) (evalResponse, error) {
	var resp evalResponse
	err := e.llm.Infer(ctx, req, &resp)
	if reason, ok := apperr.ReasonOf(err); ok && reason != apperr.Timeout {
		var re *apperr.ReasoningError
		errors.As(err, &re)
		return resp, apperr.Reasoning(callName, apperr.UnparseableEvaluation, re.Raw, err)
	}
	return resp, err
}

// rubric returns the paper's questions in paper order.
func (e *Evaluator) rubric(ctx context.Context, paper model.Paper) ([]model.Question, error) {
	ids := paper.QuestionIDs()
	if len(ids) == 0 {
		return nil, apperr.Invalid("paper", "paper has no questions")
	}
	byID, err := e.store.GetQuestionsByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Upstream("document database", err)
	}
	rubric := make([]model.Question, 0, len(ids))
	for _, id := range ids {
		q, ok := byID[id]
		if !ok {
			return nil, apperr.Conflict("question", id, "missing from the bank")
		}
		rubric = append(rubric, q)
	}
	return rubric, nil
}

// sheetPart inlines sheets held by the document store and links any other
// http(s) URL.
func (e *Evaluator) sheetPart(ctx context.Context, sheetURL string) (llm.Part, error) {
	sheetURL = strings.TrimSpace(sheetURL)
	if sheetURL == "" {
		return llm.Part{}, apperr.Invalid("sheetUrl", "required")
	}
	ct := sheetContentType(sheetURL)
	data, err := e.docs.Get(ctx, sheetURL)
	switch {
	case err == nil:
		return llm.Inline(data, ct), nil
	case errors.Is(err, storage.ErrNotOwned):
		if strings.HasPrefix(sheetURL, "http://") || strings.HasPrefix(sheetURL, "https://") {
			return llm.Link(sheetURL, ct), nil
		}
		return llm.Part{}, apperr.Invalid("sheetUrl", "must be an http(s) URL or a document store URL")
	default:
		return llm.Part{}, apperr.Upstream("document store", err)
	}
}

func sheetContentType(u string) string {
	if i := strings.IndexAny(u, "?#"); i >= 0 {
		u = u[:i]
	}
	if ct := mime.TypeByExtension(strings.ToLower(path.Ext(u))); ct != "" {
		return ct
	}
	return "image/jpeg"
}
