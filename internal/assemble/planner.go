package assemble

import (
	"fmt"
	"math"
	"sort"
	"strconv"
	"strings"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/model"
)

// planner holds one assembly request: the deduplicated pool, the eligible
// candidates of every type constraint and the chapter targets in marks.
type planner struct {
	c          Constraints
	pool       map[string]model.Question
	eligible   [][]model.Question
	totalMarks int
	targets    map[string]float64
}

func newPlanner(c Constraints, pool []model.Question) *planner {
	p := &planner{
		c:       c,
		pool:    make(map[string]model.Question, len(pool)),
		targets: make(map[string]float64, len(c.ChapterWeights)),
	}
	for _, q := range pool {
		if q.ID != "" {
			p.pool[q.ID] = q
		}
	}
	for _, tc := range c.TypeConstraints {
		p.totalMarks += tc.Count * tc.MarksEach
		var el []model.Question
		for _, q := range p.pool {
			if eligible(q, tc) {
				el = append(el, q)
			}
		}
		sort.Slice(el, func(i, j int) bool { return el[i].ID < el[j].ID })
		p.eligible = append(p.eligible, el)
	}
	for _, w := range c.ChapterWeights {
		p.targets[chapterKey(w.ChapterID)] = w.WeightPct / 100 * float64(p.totalMarks)
	}
	return p
}

func eligible(q model.Question, tc TypeConstraint) bool {
	return q.IsPublished && q.Type == tc.Type && q.Marks == tc.MarksEach
}

func chapterKey(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// shortfalls reports type and marks combinations with fewer eligible
// questions than requested. Constraints sharing a combination share its pool.
func (p *planner) shortfalls() []Shortfall {
	type key struct {
		t model.QuestionType
		m int
	}
	var order []key
	need := make(map[key]int)
	have := make(map[key]int)
	for i, tc := range p.c.TypeConstraints {
		k := key{tc.Type, tc.MarksEach}
		if _, ok := need[k]; !ok {
			order = append(order, k)
		}
		need[k] += tc.Count
		have[k] = len(p.eligible[i])
	}
	var out []Shortfall
	for _, k := range order {
		if have[k] < need[k] {
			out = append(out, Shortfall{Type: k.t, MarksEach: k.m, Required: need[k], Eligible: have[k]})
		}
	}
	return out
}

// greedy fills the sections in order. Each pick maximizes the remaining
// chapter deficit, penalized by how far it moves the mean scaffold level from
// the target. Ties go to the lowest id. Sections stay short when their
// candidates run out.
func (p *planner) greedy() [][]string {
	selected := make([][]string, len(p.c.TypeConstraints))
	used := make(map[string]bool)
	achieved := make(map[string]float64)
	var scaffoldSum, picked int

	for i, tc := range p.c.TypeConstraints {
		for n := 0; n < tc.Count; n++ {
			best := -1
			var bestScore float64
			for j, q := range p.eligible[i] {
				if used[q.ID] {
					continue
				}
				s := p.score(q, achieved, scaffoldSum, picked)
				if best < 0 || s > bestScore+1e-9 {
					best, bestScore = j, s
				}
			}
			if best < 0 {
				break
			}
			q := p.eligible[i][best]
			used[q.ID] = true
			achieved[chapterKey(chapterOf(q))] += float64(tc.MarksEach)
			scaffoldSum += q.Taxonomy.ScaffoldLevel
			picked++
			selected[i] = append(selected[i], q.ID)
		}
	}
	return selected
}

func (p *planner) score(q model.Question, achieved map[string]float64, scaffoldSum, picked int) float64 {
	ch := chapterKey(chapterOf(q))
	s := (p.targets[ch] - achieved[ch]) / float64(p.totalMarks)
	if p.c.DifficultyTarget > 0 {
		mean := float64(scaffoldSum+q.Taxonomy.ScaffoldLevel) / float64(picked+1)
		s -= 0.5 * math.Abs(mean-p.c.DifficultyTarget) / float64(model.MaxScaffoldLevel-model.MinScaffoldLevel)
	}
	return s
}

// validate checks a selection against the pool and the type constraints.
func (p *planner) validate(selected [][]string) []string {
	if len(selected) != len(p.c.TypeConstraints) {
		return []string{fmt.Sprintf("expected %d sections, got %d", len(p.c.TypeConstraints), len(selected))}
	}
	var problems []string
	seen := make(map[string]string)
	for i, tc := range p.c.TypeConstraints {
		title := sectionTitle(i, tc.Type)
		if len(selected[i]) != tc.Count {
			problems = append(problems, fmt.Sprintf("%s: expected %d questions, got %d", title, tc.Count, len(selected[i])))
		}
		for _, id := range selected[i] {
			q, ok := p.pool[id]
			switch {
			case !ok:
				problems = append(problems, fmt.Sprintf("%s: unknown question id %q", title, id))
			case !eligible(q, tc):
				problems = append(problems, fmt.Sprintf("%s: question %s is not a published %s worth %d marks", title, id, tc.Type, tc.MarksEach))
			}
			if prev, dup := seen[id]; dup {
				problems = append(problems, fmt.Sprintf("%s: question %s already selected in %s", title, id, prev))
			}
			seen[id] = title
		}
	}
	return problems
}

// violation builds the ConstraintViolation for problems, carrying the best
// distribution the greedy strategy can reach from the same pool.
func (p *planner) violation(short []Shortfall, problems []string) error {
	best := p.greedy()
	_, meta := p.build(best, StrategyGreedy)
	sel := make(map[string][]string, len(best))
	for i, tc := range p.c.TypeConstraints {
		sel[sectionTitle(i, tc.Type)] = nonNil(best[i])
	}
	return &apperr.ConstraintViolation{
		Violations: problems,
		Achieved:   Achieved{Shortfalls: short, Selected: sel, Metadata: meta},
	}
}

// build lays out the sections of a validated selection and reports the
// achieved distribution.
func (p *planner) build(selected [][]string, strategy string) (model.Paper, model.PaperMetadata) {
	paper := model.Paper{
		Title:           p.c.Title,
		CourseID:        p.c.CourseID,
		SubjectID:       p.c.SubjectID,
		DurationMinutes: p.c.DurationMinutes,
		Instructions:    p.c.Instructions,
	}

	chapterMarks := make(map[string]int)
	chapterCount := make(map[string]int)
	chapterName := make(map[string]string)
	levels := make(map[string]int)
	var scaffoldSum, picked int
	var minutes float64

	for i, tc := range p.c.TypeConstraints {
		ids := nonNil(selected[i])
		paper.Sections = append(paper.Sections, model.Section{
			Title:        sectionTitle(i, tc.Type),
			QuestionType: tc.Type,
			QuestionIDs:  ids,
			TotalMarks:   len(ids) * tc.MarksEach,
		})
		paper.TotalMarks += len(ids) * tc.MarksEach
		for _, id := range ids {
			q := p.pool[id]
			ch := chapterKey(chapterOf(q))
			if _, ok := chapterName[ch]; !ok {
				chapterName[ch] = chapterOf(q)
			}
			chapterMarks[ch] += q.Marks
			chapterCount[ch]++
			levels[strconv.Itoa(q.Taxonomy.ScaffoldLevel)]++
			scaffoldSum += q.Taxonomy.ScaffoldLevel
			picked++
			minutes += float64(q.Marks) * minutesPerMark[q.Type]
		}
	}

	meta := model.PaperMetadata{
		ChapterDistribution:    []model.ChapterShare{},
		DifficultyDistribution: levels,
		EstimatedMinutes:       int(math.Ceil(minutes)),
		Strategy:               strategy,
	}
	if picked > 0 {
		meta.MeanScaffoldLevel = math.Round(float64(scaffoldSum)/float64(picked)*100) / 100
	}
	pct := func(marks int) float64 {
		if paper.TotalMarks == 0 {
			return 0
		}
		return round1(float64(marks) * 100 / float64(paper.TotalMarks))
	}

	weighted := make(map[string]bool)
	for _, w := range p.c.ChapterWeights {
		ch := chapterKey(w.ChapterID)
		weighted[ch] = true
		share := model.ChapterShare{
			ChapterID:   w.ChapterID,
			TargetPct:   w.WeightPct,
			AchievedPct: pct(chapterMarks[ch]),
			Marks:       chapterMarks[ch],
			Questions:   chapterCount[ch],
		}
		meta.ChapterDistribution = append(meta.ChapterDistribution, share)
		if share.AchievedPct+5 < share.TargetPct {
			meta.Warnings = append(meta.Warnings,
				fmt.Sprintf("chapter %s under-filled: %.1f%% of a %.0f%% target", w.ChapterID, share.AchievedPct, share.TargetPct))
		}
	}
	for _, ch := range sortedKeys(chapterMarks) {
		if weighted[ch] {
			continue
		}
		meta.ChapterDistribution = append(meta.ChapterDistribution, model.ChapterShare{
			ChapterID:   chapterName[ch],
			AchievedPct: pct(chapterMarks[ch]),
			Marks:       chapterMarks[ch],
			Questions:   chapterCount[ch],
		})
	}

	if p.c.DurationMinutes > 0 && meta.EstimatedMinutes > p.c.DurationMinutes {
		meta.Warnings = append(meta.Warnings,
			fmt.Sprintf("estimated answering time %d min exceeds the %d min duration", meta.EstimatedMinutes, p.c.DurationMinutes))
	}
	if p.c.DifficultyTarget > 0 && picked > 0 && math.Abs(meta.MeanScaffoldLevel-p.c.DifficultyTarget) > 0.5 {
		meta.Warnings = append(meta.Warnings,
			fmt.Sprintf("mean scaffold level %.2f is off the %.1f target", meta.MeanScaffoldLevel, p.c.DifficultyTarget))
	}
	return paper, meta
}

func nonNil(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
