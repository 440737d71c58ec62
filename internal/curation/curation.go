// Package curation turns reviewed candidates into published bank questions.
package curation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/metrics"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// Store is the review-queue persistence.
type Store interface {
	ListReviewItems(ctx context.Context, limit int) ([]model.ReviewItem, error)
	GetReviewItem(ctx context.Context, id string) (model.ReviewItem, error)
	PublishReviewItem(ctx context.Context, reviewID string, q model.Question) (model.Question, error)
	DeleteReviewItem(ctx context.Context, id string) error
}

// Edits are a curator's corrections applied before publishing. Nil fields keep the extracted value.
type Edits struct {
	StemMarkdown  *string         `json:"stemMarkdown,omitempty"`
	Type          *string         `json:"type,omitempty" validate:"omitempty,oneof=MCQ_SINGLE MCQ_MULTI FILL_IN_BLANK FREE_RESPONSE PASSAGE_BASED"`
	Options       []model.Option  `json:"options,omitempty"`
	CorrectAnswer *string         `json:"correctAnswer,omitempty"`
	Taxonomy      *model.Taxonomy `json:"taxonomy,omitempty"`
	Marks         *int            `json:"marks,omitempty" validate:"omitempty,min=1"`
}

type Queue struct {
	store Store
	now   func() time.Time
}

func New(s Store) *Queue {
	return &Queue{store: s, now: func() time.Time { return time.Now().UTC() }}
}

// List returns candidates awaiting a decision, oldest first.
func (q *Queue) List(ctx context.Context, limit int) ([]model.ReviewItem, error) {
	items, err := q.store.ListReviewItems(ctx, limit)
	if err != nil {
		return nil, apperr.Upstream("document database", err)
	}
	return items, nil
}

// Approve publishes a review item as a bank question and removes it from the
// queue, atomically. An item that is already gone is a StateConflict.
func (q *Queue) Approve(ctx context.Context, reviewID string, edits *Edits) (model.Question, error) {
	item, err := q.store.GetReviewItem(ctx, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Question{}, apperr.Conflict("review item", reviewID, "")
	}
	if err != nil {
		return model.Question{}, apperr.Upstream("document database", err)
	}

	question := candidate(item)
	if edits != nil {
		applyEdits(&question, *edits)
	}
	if err := Publishable(question); err != nil {
		return model.Question{}, err
	}

	now := q.now()
	question.ID = ""
	question.IsPublished = true
	question.CreatedAt = now
	question.ApprovedAt = &now

	published, err := q.store.PublishReviewItem(ctx, reviewID, question)
	if errors.Is(err, store.ErrNotFound) {
		return model.Question{}, apperr.Conflict("review item", reviewID, "")
	}
	if err != nil {
		return model.Question{}, apperr.Upstream("document database", err)
	}

	metrics.ReviewDecisions.WithLabelValues("approved").Inc()
	if published.Taxonomy.Topic == model.TaxonomyPlaceholder {
		slog.Warn("published question has placeholder taxonomy", "id", published.ID)
	}
	slog.Info("review item approved", "review_item", reviewID, "question", published.ID)
	return published, nil
}

// Reject discards a review item without a trace.
func (q *Queue) Reject(ctx context.Context, reviewID string) error {
	err := q.store.DeleteReviewItem(ctx, reviewID)
	if errors.Is(err, store.ErrNotFound) {
		return apperr.Conflict("review item", reviewID, "")
	}
	if err != nil {
		return apperr.Upstream("document database", err)
	}
	metrics.ReviewDecisions.WithLabelValues("rejected").Inc()
	slog.Info("review item rejected", "review_item", reviewID)
	return nil
}

// candidate merges the review-level fields a curator may have changed into
// the extracted question payload.
func candidate(item model.ReviewItem) model.Question {
	q := item.Question
	if strings.TrimSpace(q.StemMarkdown) == "" {
		q.StemMarkdown = item.Stem
	}
	if !q.HasAnswerKey() && strings.TrimSpace(item.Answer) != "" {
		q.CorrectAnswer = item.Answer
	}
	if item.Taxonomy != (model.Taxonomy{}) {
		q.Taxonomy = item.Taxonomy
	}
	if q.Marks <= 0 {
		q.Marks = 1
	}
	return q
}

func applyEdits(q *model.Question, e Edits) {
	if e.StemMarkdown != nil {
		q.StemMarkdown = *e.StemMarkdown
	}
	if e.Type != nil {
		q.Type = model.QuestionType(*e.Type)
	}
	if e.Options != nil {
		q.Options = e.Options
	}
	if e.CorrectAnswer != nil {
		q.CorrectAnswer = *e.CorrectAnswer
	}
	if e.Taxonomy != nil {
		q.Taxonomy = *e.Taxonomy
	}
	if e.Marks != nil {
		q.Marks = *e.Marks
	}
}

// Publishable reports every field that keeps q out of the bank.
func Publishable(q model.Question) error {
	var fields []apperr.FieldError
	if strings.TrimSpace(q.StemMarkdown) == "" {
		fields = append(fields, apperr.FieldError{Field: "stemMarkdown", Error: "must not be empty"})
	}
	if !q.Type.Valid() {
		fields = append(fields, apperr.FieldError{Field: "type", Error: fmt.Sprintf("unknown question type %q", q.Type)})
	}
	if !q.HasAnswerKey() {
		fields = append(fields, apperr.FieldError{Field: "correctAnswer", Error: "a published question needs a correct answer or a correct option"})
	}
	if q.Taxonomy.ScaffoldLevel < model.MinScaffoldLevel || q.Taxonomy.ScaffoldLevel > model.MaxScaffoldLevel {
		fields = append(fields, apperr.FieldError{Field: "taxonomy.scaffoldLevel", Error: "must be between 1 and 5"})
	}
	if q.Taxonomy.CognitiveDepth != "" && !q.Taxonomy.CognitiveDepth.Valid() {
		fields = append(fields, apperr.FieldError{Field: "taxonomy.cognitiveDepth", Error: "unknown cognitive depth"})
	}
	if q.Marks <= 0 {
		fields = append(fields, apperr.FieldError{Field: "marks", Error: "must be positive"})
	}
	if len(fields) > 0 {
		return apperr.NewValidationError(errors.New("question cannot be published"), fields...)
	}
	return nil
}
