package evaluate

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

type scoreResponse struct {
	QuestionID   string  `json:"question_id"`
	MarksAwarded float64 `json:"marks_awarded"`
	Feedback     string  `json:"feedback,omitempty"`
	Confidence   float64 `json:"confidence"`
}

type evalResponse struct {
	Scores          []scoreResponse `json:"scores"`
	TotalScore      float64         `json:"total_score"`
	ConfidenceScore float64         `json:"confidence_score"`
}

func (r *evalResponse) Validate() error {
	if len(r.Scores) == 0 {
		return errors.New("no question scores")
	}
	return nil
}

const missingFeedback = "No answer provided."

// score reconciles the model's grades with the rubric. Only rubric ids are
// kept, marks come from the rubric, totals and confidence are recomputed.
func score(rubric []model.Question, resp evalResponse) model.EvaluationResult {
	byID := make(map[string]scoreResponse, len(resp.Scores))
	for _, s := range resp.Scores {
		id := strings.TrimSpace(s.QuestionID)
		if _, dup := byID[id]; !dup {
			byID[id] = s
		}
	}

	res := model.EvaluationResult{QuestionScores: make([]model.QuestionScore, 0, len(rubric))}
	var weighted float64
	for _, q := range rubric {
		maxMarks := float64(q.Marks)
		qs := model.QuestionScore{QuestionID: q.ID, MaxMarks: maxMarks, Feedback: missingFeedback}
		if s, ok := byID[q.ID]; ok {
			qs.MarksAwarded = round2(clamp(s.MarksAwarded, 0, maxMarks))
			qs.Confidence = clamp(s.Confidence, 0, 100)
			if fb := strings.TrimSpace(s.Feedback); fb != "" {
				qs.Feedback = fb
			}
		}
		res.QuestionScores = append(res.QuestionScores, qs)
		res.TotalScore += qs.MarksAwarded
		res.MaxScore += maxMarks
		weighted += qs.Confidence * maxMarks
	}
	res.TotalScore = round2(res.TotalScore)

	conf := clamp(resp.ConfidenceScore, 0, 100)
	if res.MaxScore > 0 {
		conf = math.Min(conf, weighted/res.MaxScore)
	}
	res.ConfidenceScore = math.Round(clamp(conf, 0, 100)*10) / 10
	res.RequiresReview = res.ConfidenceScore < model.ReviewThreshold
	return res
}

// Override is a human grader's decision on one question.
type Override struct {
	QuestionID   string  `json:"questionId" validate:"required"`
	MarksAwarded float64 `json:"marksAwarded" validate:"gte=0"`
	Feedback     string  `json:"feedback,omitempty"`
}

// Correct applies a human grader's overrides to prev and returns the
// verified result. prev is not modified.
func Correct(prev model.EvaluationResult, overrides []Override) (model.EvaluationResult, error) {
	idx := make(map[string]int, len(prev.QuestionScores))
	for i, qs := range prev.QuestionScores {
		idx[qs.QuestionID] = i
	}
	scores := make([]model.QuestionScore, len(prev.QuestionScores))
	copy(scores, prev.QuestionScores)

	var fields []apperr.FieldError
	for i, o := range overrides {
		j, ok := idx[o.QuestionID]
		if !ok {
			fields = append(fields, apperr.FieldError{Field: fmt.Sprintf("overrides[%d].questionId", i), Error: "not on this paper"})
			continue
		}
		if o.MarksAwarded < 0 || o.MarksAwarded > scores[j].MaxMarks {
			fields = append(fields, apperr.FieldError{
				Field: fmt.Sprintf("overrides[%d].marksAwarded", i),
				Error: fmt.Sprintf("must be between 0 and %g", scores[j].MaxMarks),
			})
			continue
		}
		scores[j].MarksAwarded = o.MarksAwarded
		if fb := strings.TrimSpace(o.Feedback); fb != "" {
			scores[j].Feedback = fb
		}
	}
	if len(fields) > 0 {
		return model.EvaluationResult{}, apperr.NewValidationError(errors.New("invalid corrections"), fields...)
	}

	res := model.EvaluationResult{QuestionScores: scores, ConfidenceScore: 100}
	for i := range scores {
		scores[i].Confidence = 100
		res.TotalScore += scores[i].MarksAwarded
		res.MaxScore += scores[i].MaxMarks
	}
	res.TotalScore = round2(res.TotalScore)
	return res, nil
}

// Correct records a human-verified correction of the evaluation id as a new
// record superseding it.
func (e *Evaluator) Correct(ctx context.Context, id string, overrides []Override) (model.EvaluationRecord, error) {
	prev, err := e.store.GetEvaluation(ctx, id)
	if err != nil {
		return model.EvaluationRecord{}, err
	}
	res, err := Correct(prev.Result, overrides)
	if err != nil {
		return model.EvaluationRecord{}, err
	}
	return e.store.InsertEvaluation(ctx, model.EvaluationRecord{
		PaperID:      prev.PaperID,
		StudentID:    prev.StudentID,
		SheetURL:     prev.SheetURL,
		Result:       res,
		SupersedesID: prev.ID,
	})
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}

func round2(v float64) float64 {
	return math.Round(v*100) / 100
}
