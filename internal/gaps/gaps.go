// Package gaps turns a student's evaluation history into per-topic strengths,
// weaknesses, study recommendations and a growth prediction.
package gaps

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/model"
)

const (
	// HalfLife is the number of evaluations after which a result counts half.
	HalfLife = 3.0

	StrengthThreshold = 0.75
	WeaknessThreshold = 0.5

	maxRecommendations = 5
)

// Reasoner runs structured reasoning calls.
type Reasoner interface {
	Infer(ctx context.Context, req llm.Request, out any) error
}

// Store supplies evaluation history and the questions it refers to.
type Store interface {
	ListStudentEvaluations(ctx context.Context, studentID string) ([]model.EvaluationRecord, error)
	GetQuestionsByIDs(ctx context.Context, ids []string) (map[string]model.Question, error)
}

// TopicStat is a student's recency-weighted mastery of one topic, in 0..1.
type TopicStat struct {
	Topic    string  `json:"topic"`
	Mastery  float64 `json:"mastery"`
	Attempts int     `json:"attempts"`
}

// Report is advisory output; nothing downstream depends on it.
type Report struct {
	StudentID       string      `json:"studentId"`
	Evaluations     int         `json:"evaluations"`
	Topics          []TopicStat `json:"topics"`
	Strengths       []TopicStat `json:"strengths"`
	Weaknesses      []TopicStat `json:"weaknesses"`
	Recommendations []string    `json:"recommendations"`
	PredictedGrowth float64     `json:"predictedGrowth"`
	Source          string      `json:"source"`
}

type Analyzer struct {
	llm     Reasoner
	store   Store
	timeout time.Duration
}

func New(r Reasoner, s Store, timeout time.Duration) *Analyzer {
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Analyzer{llm: r, store: s, timeout: timeout}
}

// AnalyzeStudent loads the student's current evaluations and analyzes them.
func (a *Analyzer) AnalyzeStudent(ctx context.Context, studentID string) (Report, error) {
	if strings.TrimSpace(studentID) == "" {
		return Report{}, apperr.Invalid("studentId", "required")
	}
	history, err := a.store.ListStudentEvaluations(ctx, studentID)
	if err != nil {
		return Report{}, apperr.Upstream("document database", err)
	}
	return a.Analyze(ctx, studentID, history)
}

// Analyze computes the report for history, oldest evaluation first.
func (a *Analyzer) Analyze(ctx context.Context, studentID string, history []model.EvaluationRecord) (Report, error) {
	rep := Report{
		StudentID:       studentID,
		Evaluations:     len(history),
		Topics:          []TopicStat{},
		Strengths:       []TopicStat{},
		Weaknesses:      []TopicStat{},
		Recommendations: []string{},
		Source:          "local",
	}
	if len(history) == 0 {
		return rep, nil
	}

	topics, err := a.topicsOf(ctx, history)
	if err != nil {
		return Report{}, err
	}
	rep.Topics = mastery(history, topics)
	for _, t := range rep.Topics {
		switch {
		case t.Mastery >= StrengthThreshold:
			rep.Strengths = append(rep.Strengths, t)
		case t.Mastery < WeaknessThreshold:
			rep.Weaknesses = append(rep.Weaknesses, t)
		}
	}
	sort.SliceStable(rep.Strengths, func(i, j int) bool { return rep.Strengths[i].Mastery > rep.Strengths[j].Mastery })
	sort.SliceStable(rep.Weaknesses, func(i, j int) bool { return rep.Weaknesses[i].Mastery < rep.Weaknesses[j].Mastery })

	percents := percentages(history)
	rep.PredictedGrowth = predictGrowth(percents)

	recs, err := a.recommend(ctx, rep.Topics, percents)
	if err != nil {
		slog.Warn("study recommendations unavailable, using local ones", "student", studentID, "error", err)
		rep.Recommendations = localRecommendations(rep.Weaknesses)
	} else {
		rep.Recommendations = recs
		rep.Source = "reasoning"
	}
	return rep, nil
}

func (a *Analyzer) topicsOf(ctx context.Context, history []model.EvaluationRecord) (map[string]string, error) {
	seen := make(map[string]bool)
	var ids []string
	for _, rec := range history {
		for _, qs := range rec.Result.QuestionScores {
			if !seen[qs.QuestionID] {
				seen[qs.QuestionID] = true
				ids = append(ids, qs.QuestionID)
			}
		}
	}
	byID, err := a.store.GetQuestionsByIDs(ctx, ids)
	if err != nil {
		return nil, apperr.Upstream("document database", err)
	}
	topics := make(map[string]string, len(byID))
	for id, q := range byID {
		topics[id] = q.Taxonomy.Topic
	}
	return topics, nil
}

// mastery weighs every evaluation by 0.5^(age/HalfLife), where age counts
// evaluations since the latest one. Questions without a known topic are skipped.
func mastery(history []model.EvaluationRecord, topics map[string]string) []TopicStat {
	type acc struct {
		got, max float64
		attempts int
	}
	sums := make(map[string]*acc)
	n := len(history)
	for i, rec := range history {
		w := math.Pow(0.5, float64(n-1-i)/HalfLife)
		for _, qs := range rec.Result.QuestionScores {
			topic := topics[qs.QuestionID]
			if topic == "" || topic == model.TaxonomyPlaceholder || qs.MaxMarks <= 0 {
				continue
			}
			s, ok := sums[topic]
			if !ok {
				s = &acc{}
				sums[topic] = s
			}
			s.got += w * qs.MarksAwarded
			s.max += w * qs.MaxMarks
			s.attempts++
		}
	}
	stats := make([]TopicStat, 0, len(sums))
	for topic, s := range sums {
		stats = append(stats, TopicStat{Topic: topic, Mastery: math.Round(s.got/s.max*1000) / 1000, Attempts: s.attempts})
	}
	sort.Slice(stats, func(i, j int) bool { return stats[i].Topic < stats[j].Topic })
	return stats
}

func percentages(history []model.EvaluationRecord) []float64 {
	out := make([]float64, 0, len(history))
	for _, rec := range history {
		if rec.Result.MaxScore > 0 {
			out = append(out, rec.Result.TotalScore/rec.Result.MaxScore*100)
		}
	}
	return out
}

// predictGrowth fits a least-squares line through the percentages and returns
// the projected next percentage minus the latest one.
func predictGrowth(p []float64) float64 {
	n := float64(len(p))
	if len(p) < 2 {
		return 0
	}
	var sx, sy, sxx, sxy float64
	for i, y := range p {
		x := float64(i)
		sx += x
		sy += y
		sxx += x * x
		sxy += x * y
	}
	slope := (n*sxy - sx*sy) / (n*sxx - sx*sx)
	intercept := (sy - slope*sx) / n
	next := math.Max(0, math.Min(100, intercept+slope*n))
	return math.Round((next-p[len(p)-1])*10) / 10
}

type gapsResponse struct {
	Recommendations []string `json:"recommendations"`
}

func (r *gapsResponse) Validate() error {
	var kept []string
	for _, s := range r.Recommendations {
		if s = strings.TrimSpace(s); s != "" {
			kept = append(kept, s)
		}
	}
	if len(kept) == 0 {
		return errors.New("no recommendations")
	}
	if len(kept) > maxRecommendations {
		kept = kept[:maxRecommendations]
	}
	r.Recommendations = kept
	return nil
}

func (a *Analyzer) recommend(ctx context.Context, topics []TopicStat, percents []float64) ([]string, error) {
	if a.llm == nil {
		return nil, errors.New("no reasoning service configured")
	}
	data := prompts.GapsData{History: percents}
	for _, t := range topics {
		data.Topics = append(data.Topics, prompts.TopicMastery{Topic: t.Topic, Mastery: t.Mastery * 100, Attempts: t.Attempts})
	}
	system, err := prompts.BuildGapsPrompt(data)
	if err != nil {
		return nil, fmt.Errorf("build gaps prompt: %w", err)
	}
	var resp gapsResponse
	err = a.llm.Infer(ctx, llm.Request{
		Name:    "recommend_study",
		System:  system,
		Parts:   []llm.Part{llm.Text("Recommend what to study next.")},
		Timeout: a.timeout,
	}, &resp)
	if err != nil {
		return nil, err
	}
	return resp.Recommendations, nil
}

func localRecommendations(weak []TopicStat) []string {
	if len(weak) == 0 {
		return []string{"Keep practicing mixed questions; no topic is below 50% mastery."}
	}
	recs := make([]string, 0, maxRecommendations)
	for _, t := range weak {
		if len(recs) == maxRecommendations {
			break
		}
		recs = append(recs, fmt.Sprintf("Review %s: mastery is %.0f%% over %d questions.", t.Topic, t.Mastery*100, t.Attempts))
	}
	return recs
}
