package export

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v3"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/storage"
	"github.com/pavelanni/assessor/internal/store"
)

type fixture struct {
	exp   *Exporter
	st    *store.Store
	dir   string
	paper model.Paper
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	dir := t.TempDir()
	docs, err := storage.NewLocal(dir, "")
	require.NoError(t, err)
	exp, err := New(docs, st)
	require.NoError(t, err)

	ctx := context.Background()
	mcq, err := st.InsertQuestion(ctx, model.Question{
		StemMarkdown: "Which lens converges light?",
		Type:         model.TypeMCQSingle,
		Options:      []model.Option{{Text: "Concave"}, {Text: "Convex", IsCorrect: true}},
		Taxonomy:     model.Taxonomy{Topic: "Optics", CognitiveDepth: model.DepthFluency, ScaffoldLevel: 1},
		Marks:        1,
		Figures:      []model.Figure{{Page: 1}},
		IsPublished:  true,
	})
	require.NoError(t, err)
	free, err := st.InsertQuestion(ctx, model.Question{
		StemMarkdown:  "Explain refraction.",
		Type:          model.TypeFreeResponse,
		CorrectAnswer: "Light bends when its speed changes.",
		Taxonomy:      model.Taxonomy{Topic: "Optics", CognitiveDepth: model.DepthConceptual, ScaffoldLevel: 3},
		Marks:         5,
		IsPublished:   true,
	})
	require.NoError(t, err)

	paper, err := st.InsertPaper(ctx, model.Paper{
		Title:           "Optics quiz",
		CourseID:        "PHY-9",
		DurationMinutes: 30,
		TotalMarks:      6,
		Instructions:    "Answer all questions.",
		Sections: []model.Section{
			{Title: "Section A: Multiple choice (single answer)", QuestionIDs: []string{mcq.ID}, TotalMarks: 1},
			{Title: "Section B: Free response", QuestionIDs: []string{free.ID}, TotalMarks: 5},
		},
	})
	require.NoError(t, err)
	return fixture{exp: exp, st: st, dir: dir, paper: paper}
}

func readArtifact(t *testing.T, dir string, art Artifact) []byte {
	t.Helper()
	data, err := os.ReadFile(filepath.Join(dir, filepath.FromSlash(art.Path)))
	require.NoError(t, err)
	return data
}

func TestExportMarkdown(t *testing.T) {
	f := newFixture(t)

	art, err := f.exp.ExportByID(context.Background(), f.paper.ID, Options{AnswerKey: true})
	require.NoError(t, err)
	assert.Equal(t, "papers/"+f.paper.ID+"/paper-key.md", art.Path)
	assert.Equal(t, "text/markdown; charset=utf-8", art.ContentType)
	require.NotNil(t, art.ExportedAt)

	md := string(readArtifact(t, f.dir, art))
	assert.Contains(t, md, "# Optics quiz")
	assert.Contains(t, md, "Course: PHY-9")
	assert.Contains(t, md, "Duration: 30 minutes | Total marks: 6")
	assert.Contains(t, md, "## Section B: Free response (5 marks)")
	assert.Contains(t, md, "**1.** Which lens converges light? _(1 mark)_")
	assert.Contains(t, md, "> Figure 1")
	assert.Contains(t, md, "B) Convex")
	assert.Contains(t, md, "## Answer key")
	assert.Contains(t, md, "1. B")
	assert.Contains(t, md, "2. Light bends when its speed changes.")

	stored, err := f.st.GetPaper(context.Background(), f.paper.ID)
	require.NoError(t, err)
	assert.NotNil(t, stored.ExportedAt)
}

func TestExportLocalizedHeadings(t *testing.T) {
	f := newFixture(t)

	art, err := f.exp.ExportByID(context.Background(), f.paper.ID, Options{Lang: "ru"})
	require.NoError(t, err)
	assert.Equal(t, "papers/"+f.paper.ID+"/paper-ru.md", art.Path)

	md := string(readArtifact(t, f.dir, art))
	assert.Contains(t, md, "## Инструкции")
	assert.Contains(t, md, "Всего баллов: 6")
	assert.Contains(t, md, "(5 баллов)")
	assert.Contains(t, md, "> Рисунок 1")
	assert.NotContains(t, md, "Ответы")
}

func TestExportStructuredFormats(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	art, err := f.exp.ExportByID(ctx, f.paper.ID, Options{Format: FormatJSON})
	require.NoError(t, err)
	var fromJSON document
	require.NoError(t, json.Unmarshal(readArtifact(t, f.dir, art), &fromJSON))

	art, err = f.exp.ExportByID(ctx, f.paper.ID, Options{Format: FormatYAML})
	require.NoError(t, err)
	assert.Equal(t, "application/yaml", art.ContentType)
	var fromYAML document
	require.NoError(t, yaml.Unmarshal(readArtifact(t, f.dir, art), &fromYAML))

	for _, doc := range []document{fromJSON, fromYAML} {
		assert.Equal(t, "Optics quiz", doc.Title)
		require.Len(t, doc.Sections, 2)
		assert.Equal(t, 5, doc.Sections[1].Questions[0].Marks)
		assert.Equal(t, 2, doc.Sections[1].Questions[0].Number)
		assert.Empty(t, doc.Sections[1].Questions[0].Answer)
	}
}

func TestExportRejectsBadOptions(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	_, err := f.exp.ExportByID(ctx, f.paper.ID, Options{Format: "pdf"})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.exp.ExportByID(ctx, f.paper.ID, Options{Lang: "xx"})
	assert.True(t, apperr.IsValidation(err))

	_, err = f.exp.ExportByID(ctx, "missing", Options{})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestExportMissingQuestion(t *testing.T) {
	f := newFixture(t)
	paper := f.paper
	paper.Sections = append(paper.Sections, model.Section{Title: "Section C", QuestionIDs: []string{"gone"}})

	art, err := f.exp.Export(context.Background(), paper, nil, Options{})
	require.NoError(t, err)
	assert.Contains(t, string(readArtifact(t, f.dir, art)), "Question gone is no longer in the bank.")
}
