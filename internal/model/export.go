package model

import (
	"strings"
	"time"
)

// BankExport is the top-level JSON structure for a question-bank export.
type BankExport struct {
	ExportedAt string     `json:"exported_at"`
	Count      int        `json:"count"`
	Questions  []Question `json:"questions"`
}

// QuestionImport is used for loading curated questions from JSON.
type QuestionImport struct {
	StemMarkdown  string       `json:"stemMarkdown"`
	Type          QuestionType `json:"type"`
	Options       []Option     `json:"options,omitempty"`
	CorrectAnswer string       `json:"correctAnswer,omitempty"`
	Taxonomy      Taxonomy     `json:"taxonomy"`
	Marks         int          `json:"marks"`
	SourceURL     string       `json:"sourceDocumentUrl,omitempty"`
}

// ToQuestion converts an imported entry into a published bank question.
func (qi QuestionImport) ToQuestion(now time.Time) Question {
	marks := qi.Marks
	if marks <= 0 {
		marks = 1
	}
	return Question{
		StemMarkdown:      strings.TrimSpace(qi.StemMarkdown),
		Type:              qi.Type,
		Options:           qi.Options,
		CorrectAnswer:     strings.TrimSpace(qi.CorrectAnswer),
		Taxonomy:          qi.Taxonomy,
		Marks:             marks,
		SourceDocumentURL: qi.SourceURL,
		IsPublished:       true,
		CreatedAt:         now,
		ApprovedAt:        &now,
	}
}
