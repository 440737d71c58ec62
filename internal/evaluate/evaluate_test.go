package evaluate

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/storage"
	"github.com/pavelanni/assessor/internal/store"
)

type queuedGenerator struct {
	mu      sync.Mutex
	replies []string
	calls   int
	last    llm.GenerateRequest
}

func (g *queuedGenerator) Generate(_ context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.last = req
	reply := g.replies[len(g.replies)-1]
	if g.calls < len(g.replies) {
		reply = g.replies[g.calls]
	}
	g.calls++
	return llm.GenerateResponse{Text: reply}, nil
}

type fixture struct {
	st       *store.Store
	gen      *queuedGenerator
	ev       *Evaluator
	paper    model.Paper
	q1, q2   model.Question
	sheetURL string
}

func newFixture(t *testing.T, replies ...string) fixture {
	t.Helper()
	ctx := context.Background()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	docs, err := storage.NewLocal(t.TempDir(), "")
	require.NoError(t, err)

	q1, err := st.InsertQuestion(ctx, model.Question{
		StemMarkdown: "2 + 2 = ?", Type: model.TypeFillInBlank, CorrectAnswer: "4", Marks: 2, IsPublished: true,
		Taxonomy: model.Taxonomy{Topic: "Arithmetic", CognitiveDepth: model.DepthFluency, ScaffoldLevel: 1},
	})
	require.NoError(t, err)
	q2, err := st.InsertQuestion(ctx, model.Question{
		StemMarkdown: "Explain carrying.", Type: model.TypeFreeResponse, Marks: 3, IsPublished: true,
		Taxonomy: model.Taxonomy{Topic: "Arithmetic", CognitiveDepth: model.DepthConceptual, ScaffoldLevel: 2},
	})
	require.NoError(t, err)
	paper, err := st.InsertPaper(ctx, model.Paper{
		Title:      "Arithmetic check",
		TotalMarks: 5,
		Sections: []model.Section{
			{Title: "Section A", QuestionIDs: []string{q1.ID}, TotalMarks: 2},
			{Title: "Section B", QuestionIDs: []string{q2.ID}, TotalMarks: 3},
		},
	})
	require.NoError(t, err)
	sheetURL, err := docs.Put(ctx, []byte("png bytes"), "sheets/s1.png", "image/png")
	require.NoError(t, err)

	gen := &queuedGenerator{replies: replies}
	ev := New(llm.New(gen, llm.Options{}), st, docs, "standard", 0)
	return fixture{st: st, gen: gen, ev: ev, paper: paper, q1: q1, q2: q2, sheetURL: sheetURL}
}

func reply(q1, q2 string, modelConfidence string) string {
	return `{"scores":[` +
		`{"question_id":"` + q1 + `","marks_awarded":2,"feedback":"correct","confidence":95},` +
		`{"question_id":"` + q2 + `","marks_awarded":2.5,"feedback":"mostly","confidence":95}` +
		`],"total_score":4.5,"confidence_score":` + modelConfidence + `}`
}

func TestSubmitLowConfidenceRequiresReview(t *testing.T) {
	f := newFixture(t, "")
	f.gen.replies = []string{reply(f.q1.ID, f.q2.ID, "82")}

	rec, err := f.ev.Submit(context.Background(), Submission{PaperID: f.paper.ID, StudentID: "s1", SheetURL: f.sheetURL})
	require.NoError(t, err)

	res := rec.Result
	assert.Equal(t, 82.0, res.ConfidenceScore)
	assert.True(t, res.RequiresReview)
	assert.Equal(t, 4.5, res.TotalScore)
	assert.Equal(t, 5.0, res.MaxScore)

	stored, err := f.st.GetEvaluation(context.Background(), rec.ID)
	require.NoError(t, err)
	assert.Equal(t, res, stored.Result)

	media := f.gen.last.Parts[1].Media
	require.NotNil(t, media)
	assert.Equal(t, []byte("png bytes"), media.Data)
	assert.Equal(t, "image/png", media.ContentType)
	assert.Contains(t, f.gen.last.System, "### "+f.q1.ID+" (2 marks, FILL_IN_BLANK)")
	assert.Contains(t, f.gen.last.System, "[none given, grade on correctness]")
}

func TestSubmitHighConfidence(t *testing.T) {
	f := newFixture(t, "")
	f.gen.replies = []string{reply(f.q1.ID, f.q2.ID, "90")}

	rec, err := f.ev.Submit(context.Background(), Submission{PaperID: f.paper.ID, StudentID: "s1", SheetURL: f.sheetURL})
	require.NoError(t, err)
	assert.Equal(t, 90.0, rec.Result.ConfidenceScore)
	assert.False(t, rec.Result.RequiresReview)
}

func TestScoreReconcilesWithRubric(t *testing.T) {
	rubric := []model.Question{
		{ID: "a", Marks: 2},
		{ID: "b", Marks: 3},
		{ID: "c", Marks: 5},
	}
	res := score(rubric, evalResponse{
		Scores: []scoreResponse{
			{QuestionID: "a", MarksAwarded: 7, Confidence: 150},
			{QuestionID: "b", MarksAwarded: -1, Confidence: 90},
			{QuestionID: "zzz", MarksAwarded: 10, Confidence: 100},
		},
		TotalScore:      99,
		ConfidenceScore: 99,
	})

	require.Len(t, res.QuestionScores, 3)
	assert.Equal(t, 2.0, res.QuestionScores[0].MarksAwarded)
	assert.Equal(t, 100.0, res.QuestionScores[0].Confidence)
	assert.Equal(t, 0.0, res.QuestionScores[1].MarksAwarded)
	assert.Equal(t, 0.0, res.QuestionScores[2].MarksAwarded)
	assert.Equal(t, missingFeedback, res.QuestionScores[2].Feedback)
	assert.Equal(t, 2.0, res.TotalScore)
	assert.Equal(t, 10.0, res.MaxScore)
	// (100*2 + 90*3 + 0*5) / 10
	assert.Equal(t, 47.0, res.ConfidenceScore)
	assert.True(t, res.RequiresReview)

	for _, qs := range res.QuestionScores {
		assert.GreaterOrEqual(t, qs.MarksAwarded, 0.0)
		assert.LessOrEqual(t, qs.MarksAwarded, qs.MaxMarks)
	}
}

func TestUnparseableIsRetriedOnceAndRecorded(t *testing.T) {
	f := newFixture(t, "I could not read the sheet, sorry.")

	_, err := f.ev.Submit(context.Background(), Submission{PaperID: f.paper.ID, StudentID: "s1", SheetURL: f.sheetURL})
	reason, ok := apperr.ReasonOf(err)
	require.True(t, ok, "got %v", err)
	assert.Equal(t, apperr.UnparseableEvaluation, reason)
	assert.Equal(t, 2, f.gen.calls)

	failures, err := f.st.ListEvaluationFailures(context.Background())
	require.NoError(t, err)
	require.Len(t, failures, 1)
	assert.Equal(t, "s1", failures[0].StudentID)
	assert.Contains(t, failures[0].Error, "UnparseableEvaluation")
}

func TestRetrySucceeds(t *testing.T) {
	f := newFixture(t, "")
	f.gen.replies = []string{"", reply(f.q1.ID, f.q2.ID, "95")}

	rec, err := f.ev.Submit(context.Background(), Submission{PaperID: f.paper.ID, StudentID: "s1", SheetURL: f.sheetURL})
	require.NoError(t, err)
	assert.Equal(t, 2, f.gen.calls)
	assert.Equal(t, 95.0, rec.Result.ConfidenceScore)
}

func TestSheetLocations(t *testing.T) {
	f := newFixture(t, "")
	f.gen.replies = []string{reply(f.q1.ID, f.q2.ID, "95")}

	_, err := f.ev.Evaluate(context.Background(), f.paper, "https://scans.example.com/s1.jpg?sig=abc")
	require.NoError(t, err)
	media := f.gen.last.Parts[1].Media
	assert.Equal(t, "https://scans.example.com/s1.jpg?sig=abc", media.URL)
	assert.Equal(t, "image/jpeg", media.ContentType)

	_, err = f.ev.Submit(context.Background(), Submission{PaperID: f.paper.ID, StudentID: "s1", SheetURL: "ftp://elsewhere/s1.png"})
	assert.True(t, apperr.IsValidation(err))
	failures, err := f.st.ListEvaluationFailures(context.Background())
	require.NoError(t, err)
	assert.Empty(t, failures)
}

func TestCorrect(t *testing.T) {
	prev := model.EvaluationResult{
		QuestionScores: []model.QuestionScore{
			{QuestionID: "a", MarksAwarded: 1, MaxMarks: 2, Feedback: "partial", Confidence: 60},
			{QuestionID: "b", MarksAwarded: 0, MaxMarks: 3, Feedback: "illegible", Confidence: 20},
		},
		TotalScore: 1, MaxScore: 5, ConfidenceScore: 20, RequiresReview: true,
	}

	got, err := Correct(prev, []Override{{QuestionID: "b", MarksAwarded: 3, Feedback: "read by hand"}})
	require.NoError(t, err)
	assert.Equal(t, 4.0, got.TotalScore)
	assert.Equal(t, 100.0, got.ConfidenceScore)
	assert.False(t, got.RequiresReview)
	assert.Equal(t, "read by hand", got.QuestionScores[1].Feedback)
	assert.Equal(t, "partial", got.QuestionScores[0].Feedback)
	assert.Equal(t, 0.0, prev.QuestionScores[1].MarksAwarded)

	_, err = Correct(prev, []Override{{QuestionID: "b", MarksAwarded: 4}})
	assert.True(t, apperr.IsValidation(err))
	_, err = Correct(prev, []Override{{QuestionID: "zzz", MarksAwarded: 1}})
	assert.True(t, apperr.IsValidation(err))
}

func TestCorrectPersistsSupersedingRecord(t *testing.T) {
	f := newFixture(t, "")
	f.gen.replies = []string{reply(f.q1.ID, f.q2.ID, "82")}
	ctx := context.Background()

	rec, err := f.ev.Submit(ctx, Submission{PaperID: f.paper.ID, StudentID: "s1", SheetURL: f.sheetURL})
	require.NoError(t, err)

	fixed, err := f.ev.Correct(ctx, rec.ID, []Override{{QuestionID: f.q2.ID, MarksAwarded: 3}})
	require.NoError(t, err)
	assert.Equal(t, rec.ID, fixed.SupersedesID)
	assert.Equal(t, 5.0, fixed.Result.TotalScore)

	history, err := f.st.ListStudentEvaluations(ctx, "s1")
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, fixed.ID, history[0].ID)

	_, err = f.ev.Correct(ctx, rec.ID, nil)
	assert.True(t, apperr.IsStateConflict(err))
}
