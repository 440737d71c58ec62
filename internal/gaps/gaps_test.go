package gaps

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/model"
)

type fakeStore struct {
	history   []model.EvaluationRecord
	questions map[string]model.Question
}

func (f *fakeStore) ListStudentEvaluations(context.Context, string) ([]model.EvaluationRecord, error) {
	return f.history, nil
}

func (f *fakeStore) GetQuestionsByIDs(_ context.Context, ids []string) (map[string]model.Question, error) {
	out := make(map[string]model.Question)
	for _, id := range ids {
		if q, ok := f.questions[id]; ok {
			out[id] = q
		}
	}
	return out, nil
}

type staticGenerator struct {
	reply string
	err   error
	calls int
}

func (g *staticGenerator) Generate(context.Context, llm.GenerateRequest) (llm.GenerateResponse, error) {
	g.calls++
	return llm.GenerateResponse{Text: g.reply}, g.err
}

func topicQ(id, topic string) model.Question {
	return model.Question{ID: id, Taxonomy: model.Taxonomy{Topic: topic}}
}

func record(scores ...model.QuestionScore) model.EvaluationRecord {
	var res model.EvaluationResult
	for _, s := range scores {
		res.QuestionScores = append(res.QuestionScores, s)
		res.TotalScore += s.MarksAwarded
		res.MaxScore += s.MaxMarks
	}
	return model.EvaluationRecord{Result: res}
}

func score(id string, got, outOf float64) model.QuestionScore {
	return model.QuestionScore{QuestionID: id, MarksAwarded: got, MaxMarks: outOf}
}

func newStore() *fakeStore {
	return &fakeStore{
		questions: map[string]model.Question{
			"alg": topicQ("alg", "Algebra"),
			"geo": topicQ("geo", "Geometry"),
			"prb": topicQ("prb", "Probability"),
		},
		history: []model.EvaluationRecord{
			record(score("alg", 9, 10), score("geo", 2, 10), score("prb", 6, 10)),
			record(score("alg", 8, 10), score("geo", 3, 10), score("prb", 6, 10)),
			record(score("alg", 10, 10), score("geo", 4, 10), score("prb", 6, 10)),
		},
	}
}

func TestAnalyzeWithRecommendations(t *testing.T) {
	gen := &staticGenerator{reply: `{"recommendations":["Practice triangle proofs.","  ","Redo angle problems."]}`}
	a := New(llm.New(gen, llm.Options{}), newStore(), 0)

	rep, err := a.AnalyzeStudent(context.Background(), "s1")
	require.NoError(t, err)

	assert.Equal(t, 3, rep.Evaluations)
	require.Len(t, rep.Strengths, 1)
	assert.Equal(t, "Algebra", rep.Strengths[0].Topic)
	require.Len(t, rep.Weaknesses, 1)
	assert.Equal(t, "Geometry", rep.Weaknesses[0].Topic)
	assert.Equal(t, 3, rep.Weaknesses[0].Attempts)
	assert.Equal(t, []string{"Practice triangle proofs.", "Redo angle problems."}, rep.Recommendations)
	assert.Equal(t, "reasoning", rep.Source)
	assert.Equal(t, 1, gen.calls)
}

func TestAnalyzeFallsBackToLocalRecommendations(t *testing.T) {
	gen := &staticGenerator{err: errors.New("connection refused")}
	a := New(llm.New(gen, llm.Options{}), newStore(), 0)

	rep, err := a.AnalyzeStudent(context.Background(), "s1")
	require.NoError(t, err)
	assert.Equal(t, "local", rep.Source)
	require.Len(t, rep.Recommendations, 1)
	assert.Contains(t, rep.Recommendations[0], "Review Geometry")
}

func TestMasteryFavorsRecentEvaluations(t *testing.T) {
	history := []model.EvaluationRecord{
		record(score("geo", 0, 10)),
		record(score("geo", 10, 10)),
	}
	stats := mastery(history, map[string]string{"geo": "Geometry"})
	require.Len(t, stats, 1)
	// weights 0.5^(1/3) and 1
	assert.InDelta(t, 1/(1+0.7937), stats[0].Mastery, 0.001)
	assert.Greater(t, stats[0].Mastery, 0.5)
}

func TestPredictGrowth(t *testing.T) {
	tests := []struct {
		name string
		in   []float64
		want float64
	}{
		{"single evaluation", []float64{50}, 0},
		{"steady climb", []float64{40, 50, 60}, 10},
		{"flat", []float64{70, 70, 70}, 0},
		{"capped at 100", []float64{80, 90, 100}, 0},
		{"noisy decline", []float64{80, 60, 70, 50}, -5},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, predictGrowth(tt.in), 0.05)
		})
	}
}

func TestAnalyzeEmptyHistory(t *testing.T) {
	gen := &staticGenerator{}
	a := New(llm.New(gen, llm.Options{}), &fakeStore{}, 0)

	rep, err := a.AnalyzeStudent(context.Background(), "nobody")
	require.NoError(t, err)
	assert.Zero(t, rep.Evaluations)
	assert.Empty(t, rep.Weaknesses)
	assert.Zero(t, gen.calls)

	_, err = a.AnalyzeStudent(context.Background(), " ")
	assert.True(t, apperr.IsValidation(err))
}
