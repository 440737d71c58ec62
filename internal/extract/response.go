package extract

import (
	"errors"
	"fmt"
	"strings"

	"github.com/pavelanni/assessor/internal/model"
)

// Wire types for reasoning responses. They avoid maps, pointers and time
// values so a JSON schema can be derived from them.

type extractedOption struct {
	Text        string `json:"text"`
	IsCorrect   bool   `json:"is_correct"`
	Explanation string `json:"explanation,omitempty"`
}

type extractedFigure struct {
	Page        int       `json:"page"`
	BoundingBox []float64 `json:"bounding_box" description:"[x0, y0, x1, y1] normalized to 0..1"`
	Label       string    `json:"label,omitempty"`
}

type extractedTaxonomy struct {
	Domain         string `json:"domain,omitempty"`
	Topic          string `json:"topic,omitempty"`
	SubTopic       string `json:"sub_topic,omitempty"`
	MicroSkill     string `json:"micro_skill,omitempty"`
	CognitiveDepth string `json:"cognitive_depth,omitempty"`
	ScaffoldLevel  int    `json:"scaffold_level,omitempty"`
}

type extractedQuestion struct {
	StemMarkdown  string            `json:"stem_markdown"`
	Type          string            `json:"type"`
	Options       []extractedOption `json:"options,omitempty"`
	CorrectAnswer string            `json:"correct_answer,omitempty"`
	Marks         int               `json:"marks,omitempty"`
	Figures       []extractedFigure `json:"figures,omitempty"`
	Taxonomy      extractedTaxonomy `json:"taxonomy,omitempty"`
}

type extractionResponse struct {
	Questions []extractedQuestion `json:"questions"`
}

// Validate normalizes question types and rejects shapes the schema cannot express.
func (r *extractionResponse) Validate() error {
	for i := range r.Questions {
		q := &r.Questions[i]
		if strings.TrimSpace(q.StemMarkdown) == "" {
			return fmt.Errorf("question %d: empty stem", i+1)
		}
		t, ok := normalizeType(q.Type)
		if !ok {
			return fmt.Errorf("question %d: unknown type %q", i+1, q.Type)
		}
		q.Type = string(t)
		for j, f := range q.Figures {
			if len(f.BoundingBox) != 4 {
				return fmt.Errorf("question %d figure %d: bounding box needs 4 values, got %d", i+1, j+1, len(f.BoundingBox))
			}
		}
	}
	return nil
}

type figureResponse struct {
	Description string `json:"description"`
}

func (r *figureResponse) Validate() error {
	if strings.TrimSpace(r.Description) == "" {
		return errors.New("empty description")
	}
	return nil
}

type classifyResponse struct {
	Domain         string `json:"domain"`
	Topic          string `json:"topic"`
	SubTopic       string `json:"sub_topic,omitempty"`
	MicroSkill     string `json:"micro_skill,omitempty"`
	CognitiveDepth string `json:"cognitive_depth"`
	ScaffoldLevel  int    `json:"scaffold_level"`
}

func (r *classifyResponse) Validate() error {
	if strings.TrimSpace(r.Topic) == "" {
		return errors.New("empty topic")
	}
	if _, ok := normalizeDepth(r.CognitiveDepth); !ok {
		return fmt.Errorf("unknown cognitive depth %q", r.CognitiveDepth)
	}
	if r.ScaffoldLevel < model.MinScaffoldLevel || r.ScaffoldLevel > model.MaxScaffoldLevel {
		return fmt.Errorf("scaffold level %d out of range", r.ScaffoldLevel)
	}
	return nil
}

func normalizeType(s string) (model.QuestionType, bool) {
	norm := strings.ToUpper(strings.TrimSpace(s))
	norm = strings.NewReplacer("-", "_", " ", "_").Replace(norm)
	switch norm {
	case "MCQ", "MULTIPLE_CHOICE":
		norm = string(model.TypeMCQSingle)
	case "FILL_IN_THE_BLANK", "FILL_BLANK":
		norm = string(model.TypeFillInBlank)
	case "SHORT_ANSWER", "LONG_ANSWER":
		norm = string(model.TypeFreeResponse)
	}
	t := model.QuestionType(norm)
	return t, t.Valid()
}

func normalizeDepth(s string) (model.CognitiveDepth, bool) {
	for _, d := range []model.CognitiveDepth{model.DepthFluency, model.DepthConceptual, model.DepthApplication, model.DepthSynthesis} {
		if strings.EqualFold(strings.TrimSpace(s), string(d)) {
			return d, true
		}
	}
	return "", false
}

func clampScaffold(n int) int {
	if n < model.MinScaffoldLevel {
		return model.MinScaffoldLevel
	}
	if n > model.MaxScaffoldLevel {
		return model.MaxScaffoldLevel
	}
	return n
}

// placeholderTaxonomy is the taxonomy of an untagged question.
func placeholderTaxonomy(curriculum string) model.Taxonomy {
	return model.Taxonomy{
		Domain:         model.TaxonomyPlaceholder,
		Topic:          model.TaxonomyPlaceholder,
		CognitiveDepth: model.DepthFluency,
		Curriculum:     curriculum,
		ScaffoldLevel:  model.MinScaffoldLevel,
	}
}

// taxonomyFrom fills the gaps in a model-proposed taxonomy with placeholders.
func taxonomyFrom(t extractedTaxonomy, curriculum string) model.Taxonomy {
	out := placeholderTaxonomy(curriculum)
	if v := strings.TrimSpace(t.Domain); v != "" {
		out.Domain = v
	}
	if v := strings.TrimSpace(t.Topic); v != "" {
		out.Topic = v
	}
	out.SubTopic = strings.TrimSpace(t.SubTopic)
	out.MicroSkill = strings.TrimSpace(t.MicroSkill)
	if d, ok := normalizeDepth(t.CognitiveDepth); ok {
		out.CognitiveDepth = d
	}
	if t.ScaffoldLevel != 0 {
		out.ScaffoldLevel = clampScaffold(t.ScaffoldLevel)
	}
	return out
}
