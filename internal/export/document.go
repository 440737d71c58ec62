package export

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/pavelanni/assessor/internal/i18n"
	"github.com/pavelanni/assessor/internal/model"
)

// document is the export shape shared by every format.
type document struct {
	ID              string            `json:"id" yaml:"id"`
	Title           string            `json:"title" yaml:"title"`
	CourseID        string            `json:"courseId,omitempty" yaml:"courseId,omitempty"`
	SubjectID       string            `json:"subjectId,omitempty" yaml:"subjectId,omitempty"`
	DurationMinutes int               `json:"durationMinutes" yaml:"durationMinutes"`
	TotalMarks      int               `json:"totalMarks" yaml:"totalMarks"`
	Instructions    string            `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	Sections        []documentSection `json:"sections" yaml:"sections"`

	paper model.Paper
}

type documentSection struct {
	Title        string             `json:"title" yaml:"title"`
	Instructions string             `json:"instructions,omitempty" yaml:"instructions,omitempty"`
	TotalMarks   int                `json:"totalMarks" yaml:"totalMarks"`
	Questions    []documentQuestion `json:"questions" yaml:"questions"`
}

type documentQuestion struct {
	Number  int      `json:"number" yaml:"number"`
	ID      string   `json:"id" yaml:"id"`
	Type    string   `json:"type" yaml:"type"`
	Stem    string   `json:"stem" yaml:"stem"`
	Marks   int      `json:"marks" yaml:"marks"`
	Options []string `json:"options,omitempty" yaml:"options,omitempty"`
	Figures []string `json:"figures,omitempty" yaml:"figures,omitempty"`
	Answer  string   `json:"answer,omitempty" yaml:"answer,omitempty"`
}

type answerLine struct {
	Number int
	Answer string
}

type markdownView struct {
	Paper     model.Paper
	Sections  []documentSection
	AnswerKey []answerLine
}

func newDocument(ctx context.Context, p model.Paper, questions []model.Question, withAnswers bool) document {
	byID := make(map[string]model.Question, len(questions))
	for _, q := range questions {
		byID[q.ID] = q
	}
	doc := document{
		ID:              p.ID,
		Title:           p.Title,
		CourseID:        p.CourseID,
		SubjectID:       p.SubjectID,
		DurationMinutes: p.DurationMinutes,
		TotalMarks:      p.TotalMarks,
		Instructions:    p.Instructions,
		Sections:        []documentSection{},
		paper:           p,
	}

	number, figure := 0, 0
	for _, s := range p.Sections {
		ds := documentSection{Title: s.Title, Instructions: s.Instructions, TotalMarks: s.TotalMarks, Questions: []documentQuestion{}}
		for _, id := range s.QuestionIDs {
			number++
			q, ok := byID[id]
			if !ok {
				slog.Warn("exported paper references a missing question", "paper", p.ID, "question", id)
				ds.Questions = append(ds.Questions, documentQuestion{
					Number: number,
					ID:     id,
					Stem:   i18n.Td(ctx, "QuestionMissing", map[string]any{"ID": id}),
				})
				continue
			}
			dq := documentQuestion{
				Number: number,
				ID:     q.ID,
				Type:   string(q.Type),
				Stem:   strings.TrimSpace(q.StemMarkdown),
				Marks:  q.Marks,
			}
			for i, o := range q.Options {
				dq.Options = append(dq.Options, fmt.Sprintf("%c) %s", 'A'+i, o.Text))
			}
			for _, f := range q.Figures {
				figure++
				desc := f.Description
				if desc == "" {
					desc = i18n.Td(ctx, "FigureN", map[string]any{"N": figure})
				}
				dq.Figures = append(dq.Figures, desc)
			}
			if withAnswers {
				dq.Answer = answerText(q)
			}
			ds.Questions = append(ds.Questions, dq)
		}
		doc.Sections = append(doc.Sections, ds)
	}
	return doc
}

// answerText prefers option letters for multiple-choice keys.
func answerText(q model.Question) string {
	var letters []string
	for i, o := range q.Options {
		if o.IsCorrect {
			letters = append(letters, string(rune('A'+i)))
		}
	}
	if len(letters) > 0 {
		return strings.Join(letters, ", ")
	}
	return q.ReferenceAnswer()
}

func (d document) answerKey() []answerLine {
	var lines []answerLine
	for _, s := range d.Sections {
		for _, q := range s.Questions {
			if q.Answer != "" {
				lines = append(lines, answerLine{Number: q.Number, Answer: q.Answer})
			}
		}
	}
	return lines
}
