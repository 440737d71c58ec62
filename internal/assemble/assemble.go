// Package assemble builds question papers from the question bank under
// type, marks and chapter-weight constraints.
package assemble

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/llm/prompts"
	"github.com/pavelanni/assessor/internal/metrics"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
	"github.com/pavelanni/assessor/internal/tracing"
)

const (
	StrategyReasoning = "reasoning"
	StrategyGreedy    = "greedy"
)

// TypeConstraint asks for count questions of one type, each worth marksEach.
type TypeConstraint struct {
	Type      model.QuestionType `json:"type" validate:"required,oneof=MCQ_SINGLE MCQ_MULTI FILL_IN_BLANK FREE_RESPONSE PASSAGE_BASED"`
	Count     int                `json:"count" validate:"min=1,max=200"`
	MarksEach int                `json:"marksEach" validate:"min=1,max=100"`
}

// ChapterWeight is a chapter's target share of the paper's marks.
type ChapterWeight struct {
	ChapterID string  `json:"chapterId" validate:"required"`
	WeightPct float64 `json:"weightPct" validate:"gte=0,lte=100"`
}

// Constraints describe the paper to assemble.
type Constraints struct {
	Title            string           `json:"title" validate:"required,max=200"`
	CourseID         string           `json:"courseId"`
	SubjectID        string           `json:"subjectId"`
	TypeConstraints  []TypeConstraint `json:"typeConstraints" validate:"required,min=1,dive"`
	ChapterWeights   []ChapterWeight  `json:"chapterWeights" validate:"dive"`
	DifficultyTarget float64          `json:"difficultyTarget" validate:"omitempty,gte=1,lte=5"`
	DurationMinutes  int              `json:"durationMinutes" validate:"gte=0"`
	Instructions     string           `json:"instructions,omitempty"`
	Strategy         string           `json:"strategy,omitempty" validate:"omitempty,oneof=reasoning greedy"`
}

// Result is an assembled, persisted paper and its distribution report.
type Result struct {
	Paper    model.Paper         `json:"paper"`
	Metadata model.PaperMetadata `json:"metadata"`
}

// Shortfall is a type constraint the pool cannot satisfy.
type Shortfall struct {
	Type      model.QuestionType `json:"type"`
	MarksEach int                `json:"marksEach"`
	Required  int                `json:"required"`
	Eligible  int                `json:"eligible"`
}

// Achieved is the best distribution reachable when constraints cannot be met.
type Achieved struct {
	Shortfalls []Shortfall         `json:"shortfalls,omitempty"`
	Selected   map[string][]string `json:"selected"`
	Metadata   model.PaperMetadata `json:"metadata"`
}

// Reasoner runs structured reasoning calls.
type Reasoner interface {
	Infer(ctx context.Context, req llm.Request, out any) error
}

// Store is the persistence the assembler reads its pool from and writes papers to.
type Store interface {
	SearchQuestions(ctx context.Context, f store.QuestionFilter) ([]model.Question, error)
	InsertPaper(ctx context.Context, p model.Paper) (model.Paper, error)
}

type Assembler struct {
	llm      Reasoner
	store    Store
	strategy string
	timeout  time.Duration
}

// New returns an assembler. A nil reasoner forces the greedy strategy.
func New(r Reasoner, s Store, strategy string, timeout time.Duration) *Assembler {
	if strategy != StrategyGreedy && strategy != StrategyReasoning {
		strategy = StrategyReasoning
	}
	if r == nil {
		strategy = StrategyGreedy
	}
	if timeout <= 0 {
		timeout = time.Minute
	}
	return &Assembler{llm: r, store: s, strategy: strategy, timeout: timeout}
}

// AssembleFromBank assembles a paper from every published question of the
// requested types.
func (a *Assembler) AssembleFromBank(ctx context.Context, c Constraints) (Result, error) {
	var pool []model.Question
	seen := make(map[model.QuestionType]bool)
	for _, tc := range c.TypeConstraints {
		if seen[tc.Type] {
			continue
		}
		seen[tc.Type] = true
		qs, err := a.store.SearchQuestions(ctx, store.QuestionFilter{Type: tc.Type, PublishedOnly: true})
		if err != nil {
			return Result{}, apperr.Upstream("document database", err)
		}
		pool = append(pool, qs...)
	}
	return a.Assemble(ctx, c, pool)
}

// Assemble selects questions from pool, validates the selection against the
// constraints and persists the paper. Pools that cannot satisfy a type
// constraint, and selections that break one, fail with a ConstraintViolation.
func (a *Assembler) Assemble(ctx context.Context, c Constraints, pool []model.Question) (res Result, err error) {
	ctx, span := tracing.Tracer().Start(ctx, "assemble.paper")
	defer span.End()
	defer func() {
		outcome := "ok"
		var cv *apperr.ConstraintViolation
		switch {
		case errors.As(err, &cv):
			outcome = "violation"
		case err != nil:
			outcome = "error"
			span.RecordError(err)
		}
		metrics.PapersAssembled.WithLabelValues(outcome).Inc()
	}()

	if err := checkConstraints(c); err != nil {
		return Result{}, err
	}
	strategy := a.strategy
	if c.Strategy != "" && a.llm != nil {
		strategy = c.Strategy
	}
	span.SetAttributes(attribute.String("assemble.strategy", strategy), attribute.Int("assemble.pool", len(pool)))

	p := newPlanner(c, pool)
	if short := p.shortfalls(); len(short) > 0 {
		return Result{}, p.violation(short, describeShortfalls(short))
	}

	var selected [][]string
	if strategy == StrategyGreedy {
		selected = p.greedy()
	} else {
		selected, err = a.selectWithReasoning(ctx, p)
		if err != nil {
			return Result{}, err
		}
	}
	if problems := p.validate(selected); len(problems) > 0 {
		slog.Warn("selection rejected", "strategy", strategy, "problems", problems)
		return Result{}, p.violation(nil, problems)
	}

	paper, meta := p.build(selected, strategy)
	paper.Metadata = &meta
	paper, err = a.store.InsertPaper(ctx, paper)
	if err != nil {
		return Result{}, apperr.Upstream("document database", err)
	}
	slog.Info("paper assembled", "id", paper.ID, "strategy", strategy, "questions", len(paper.QuestionIDs()), "marks", paper.TotalMarks)
	return Result{Paper: paper, Metadata: meta}, nil
}

type selectResponse struct {
	QuestionIDs []string `json:"question_ids"`
	Rationale   string   `json:"rationale,omitempty"`
}

func (r *selectResponse) Validate() error {
	if len(r.QuestionIDs) == 0 {
		return errors.New("no question ids")
	}
	return nil
}

// selectWithReasoning asks the reasoning service to pick each section in turn.
// Earlier picks are excluded from later sections.
func (a *Assembler) selectWithReasoning(ctx context.Context, p *planner) ([][]string, error) {
	targets := make([]prompts.ChapterTarget, 0, len(p.c.ChapterWeights))
	for _, w := range p.c.ChapterWeights {
		targets = append(targets, prompts.ChapterTarget{Chapter: w.ChapterID, Pct: w.WeightPct})
	}

	selected := make([][]string, len(p.c.TypeConstraints))
	var taken []string
	for i, tc := range p.c.TypeConstraints {
		cands := make([]prompts.Candidate, 0, len(p.eligible[i]))
		for _, q := range p.eligible[i] {
			cands = append(cands, prompts.Candidate{
				ID:       q.ID,
				Chapter:  chapterOf(q),
				Scaffold: q.Taxonomy.ScaffoldLevel,
				Depth:    string(q.Taxonomy.CognitiveDepth),
				Stem:     q.StemMarkdown,
			})
		}
		system, err := prompts.BuildSelectPrompt(prompts.SelectData{
			Section:    sectionTitle(i, tc.Type),
			Type:       string(tc.Type),
			Count:      tc.Count,
			MarksEach:  tc.MarksEach,
			Targets:    targets,
			Difficulty: p.c.DifficultyTarget,
			Exclude:    taken,
			Candidates: cands,
		})
		if err != nil {
			return nil, fmt.Errorf("build select prompt: %w", err)
		}
		var resp selectResponse
		err = a.llm.Infer(ctx, llm.Request{
			Name:    "select_questions",
			System:  system,
			Parts:   []llm.Part{llm.Text(fmt.Sprintf("Choose %d questions.", tc.Count))},
			Timeout: a.timeout,
		}, &resp)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(resp.QuestionIDs))
		for _, id := range resp.QuestionIDs {
			ids = append(ids, strings.TrimSpace(id))
		}
		selected[i] = ids
		taken = append(taken, ids...)
	}
	return selected, nil
}

func checkConstraints(c Constraints) error {
	var fields []apperr.FieldError
	if len(c.TypeConstraints) == 0 {
		fields = append(fields, apperr.FieldError{Field: "typeConstraints", Error: "at least one type constraint is required"})
	}
	for i, tc := range c.TypeConstraints {
		if !tc.Type.Valid() {
			fields = append(fields, apperr.FieldError{Field: fmt.Sprintf("typeConstraints[%d].type", i), Error: "unknown question type"})
		}
		if tc.Count < 1 || tc.MarksEach < 1 {
			fields = append(fields, apperr.FieldError{Field: fmt.Sprintf("typeConstraints[%d]", i), Error: "count and marksEach must be positive"})
		}
	}
	var sum float64
	chapters := make(map[string]bool)
	for i, w := range c.ChapterWeights {
		if chapters[strings.ToLower(w.ChapterID)] {
			fields = append(fields, apperr.FieldError{Field: fmt.Sprintf("chapterWeights[%d].chapterId", i), Error: "duplicate chapter"})
		}
		chapters[strings.ToLower(w.ChapterID)] = true
		if w.WeightPct < 0 || w.WeightPct > 100 {
			fields = append(fields, apperr.FieldError{Field: fmt.Sprintf("chapterWeights[%d].weightPct", i), Error: "must be between 0 and 100"})
		}
		sum += w.WeightPct
	}
	if sum > 100.0001 {
		fields = append(fields, apperr.FieldError{Field: "chapterWeights", Error: "weights add up to more than 100%"})
	}
	if c.DifficultyTarget != 0 && (c.DifficultyTarget < model.MinScaffoldLevel || c.DifficultyTarget > model.MaxScaffoldLevel) {
		fields = append(fields, apperr.FieldError{Field: "difficultyTarget", Error: "must be a scaffold level between 1 and 5"})
	}
	if len(fields) > 0 {
		return apperr.NewValidationError(errors.New("invalid paper constraints"), fields...)
	}
	return nil
}

func describeShortfalls(short []Shortfall) []string {
	out := make([]string, 0, len(short))
	for _, s := range short {
		out = append(out, fmt.Sprintf("%s at %d marks: need %d, only %d eligible", s.Type, s.MarksEach, s.Required, s.Eligible))
	}
	return out
}

var sectionLabels = map[model.QuestionType]string{
	model.TypeMCQSingle:    "Multiple choice (single answer)",
	model.TypeMCQMulti:     "Multiple choice (multiple answers)",
	model.TypeFillInBlank:  "Fill in the blanks",
	model.TypeFreeResponse: "Free response",
	model.TypePassageBased: "Passage-based questions",
}

func sectionTitle(i int, t model.QuestionType) string {
	return fmt.Sprintf("Section %s: %s", sectionLetter(i), sectionLabels[t])
}

func sectionLetter(i int) string {
	if i < 26 {
		return string(rune('A' + i))
	}
	return strconv.Itoa(i + 1)
}

// chapterOf maps a question to its chapter, the taxonomy topic.
func chapterOf(q model.Question) string {
	return q.Taxonomy.Topic
}

// Rough answering time per mark.
var minutesPerMark = map[model.QuestionType]float64{
	model.TypeMCQSingle:    1,
	model.TypeMCQMulti:     1.5,
	model.TypeFillInBlank:  1,
	model.TypeFreeResponse: 2.5,
	model.TypePassageBased: 3,
}

func round1(f float64) float64 {
	return math.Round(f*10) / 10
}

func sortedKeys(m map[string]int) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
