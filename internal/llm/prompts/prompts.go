package prompts

import (
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"path"
	"regexp"
	"strings"
	"sync"
	"text/template"
	"unicode/utf8"
)

//go:embed templates/*.txt
var templateFS embed.FS

var (
	userQueryRegex          = regexp.MustCompile(`(?i)</?\s*user-query\b[^>]*>`)
	questionRegex           = regexp.MustCompile(`(?i)</?\s*question\b[^>]*>`)
	systemInstructionsRegex = regexp.MustCompile(`(?i)</?\s*system-instructions\b[^>]*>`)
)

// PromptVariant represents a grading prompt variant.
type PromptVariant string

const (
	// PromptStrict is a strict grading variant for majors.
	PromptStrict PromptVariant = "strict"
	// PromptStandard is the default grading variant.
	PromptStandard PromptVariant = "standard"
	// PromptLenient is a lenient grading variant for electives.
	PromptLenient PromptVariant = "lenient"
)

var validVariants = map[PromptVariant]bool{
	PromptStrict:   true,
	PromptStandard: true,
	PromptLenient:  true,
}

// IsValidVariant checks if a prompt variant name is valid.
func IsValidVariant(v string) bool {
	return validVariants[PromptVariant(v)]
}

var (
	loadOnce  sync.Once
	loadErr   error
	templates map[string]*template.Template
)

var funcs = template.FuncMap{
	"join": strings.Join,
}

// Load parses the embedded templates once.
func Load() error {
	return LoadFS(templateFS)
}

// LoadFS parses templates/*.txt from fsys once. Later calls are no-ops.
func LoadFS(fsys fs.FS) error {
	loadOnce.Do(func() {
		files, err := fs.Glob(fsys, "templates/*.txt")
		if err != nil {
			loadErr = err
			return
		}
		parsed := make(map[string]*template.Template, len(files))
		for _, f := range files {
			content, err := fs.ReadFile(fsys, f)
			if err != nil {
				loadErr = errors.New("failed to read prompt file " + f + ": " + err.Error())
				return
			}
			name := strings.TrimSuffix(path.Base(f), ".txt")
			tmpl, err := template.New(name).Funcs(funcs).Parse(string(content))
			if err != nil {
				loadErr = errors.New("failed to parse prompt template " + f + ": " + err.Error())
				return
			}
			parsed[name] = tmpl
		}
		templates = parsed
	})
	return loadErr
}

func render(name string, data any) (string, error) {
	if err := Load(); err != nil {
		return "", fmt.Errorf("templates load failed: %w", err)
	}
	tmpl, ok := templates[name]
	if !ok {
		return "", errors.New("unknown prompt template: " + name)
	}
	var buf bytes.Buffer
	if err := tmpl.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// ExtractData holds template data for question extraction.
type ExtractData struct {
	Curriculum    string
	Subject       string
	FileName      string
	QuestionTypes []string
	Depths        []string
	MinScaffold   int
	MaxScaffold   int
	Placeholder   string
}

// BuildExtractPrompt builds the system prompt for document extraction.
func BuildExtractPrompt(d ExtractData) (string, error) {
	return render("extract", d)
}

// FigureData holds template data for figure description.
type FigureData struct {
	Page   int
	Region string
	Label  string
	Stem   string
}

// BuildFigurePrompt builds the system prompt for describing one figure.
func BuildFigurePrompt(d FigureData) (string, error) {
	d.Stem = Sanitize(d.Stem, questionRegex)
	return render("figure", d)
}

// ClassifyData holds template data for taxonomy tagging.
type ClassifyData struct {
	Curriculum  string
	Stem        string
	Depths      []string
	MinScaffold int
	MaxScaffold int
}

// BuildClassifyPrompt builds the system prompt for tagging one question.
func BuildClassifyPrompt(d ClassifyData) (string, error) {
	d.Stem = Sanitize(d.Stem, questionRegex)
	return render("classify", d)
}

// FilterData holds template data for natural-language bank search.
type FilterData struct {
	Query         string
	Topics        []string
	QuestionTypes []string
	Depths        []string
}

// BuildFilterPrompt builds the system prompt for interpreting a search request.
func BuildFilterPrompt(d FilterData) (string, error) {
	d.Query = Sanitize(d.Query, userQueryRegex)
	return render("filter", d)
}

// ChapterTarget is a requested chapter share, in percent.
type ChapterTarget struct {
	Chapter string
	Pct     float64
}

// Candidate is one selectable question shown to the model.
type Candidate struct {
	ID       string
	Chapter  string
	Scaffold int
	Depth    string
	Stem     string
}

// SelectData holds template data for section selection.
type SelectData struct {
	Section    string
	Type       string
	Count      int
	MarksEach  int
	Targets    []ChapterTarget
	Difficulty float64
	Exclude    []string
	Candidates []Candidate
}

// BuildSelectPrompt builds the system prompt for choosing a section's questions.
func BuildSelectPrompt(d SelectData) (string, error) {
	cands := make([]Candidate, len(d.Candidates))
	for i, c := range d.Candidates {
		c.Stem = truncateRunes(oneLine(c.Stem), 240)
		cands[i] = c
	}
	d.Candidates = cands
	return render("select", d)
}

// EvalQuestion is one paper question with its reference answer.
type EvalQuestion struct {
	ID        string
	Type      string
	Marks     int
	Stem      string
	Reference string
}

// EvalData holds template data for answer-sheet evaluation.
type EvalData struct {
	Title     string
	Questions []EvalQuestion
}

// BuildEvalPrompt builds an evaluation prompt using the specified variant.
func BuildEvalPrompt(variant PromptVariant, d EvalData) (string, error) {
	if !validVariants[variant] {
		return "", errors.New("invalid prompt variant: " + string(variant))
	}
	return render("evaluate_"+string(variant), d)
}

// TopicMastery is one topic line of a gap-analysis prompt.
type TopicMastery struct {
	Topic    string
	Mastery  float64
	Attempts int
}

// GapsData holds template data for study recommendations.
type GapsData struct {
	Topics  []TopicMastery
	History []float64
}

// BuildGapsPrompt builds the system prompt for study recommendations.
func BuildGapsPrompt(d GapsData) (string, error) {
	return render("gaps", d)
}

// Sanitize strips prompt delimiter tags from untrusted text and bounds its length.
func Sanitize(s string, tags ...*regexp.Regexp) string {
	for _, re := range tags {
		s = re.ReplaceAllString(s, "")
	}
	s = systemInstructionsRegex.ReplaceAllString(s, "")
	s = strings.TrimSpace(s)
	if utf8.RuneCountInString(s) > 10000 {
		s = truncateRunes(s, 10000) + "\n\n[truncated due to length]"
	}
	return s
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	return string([]rune(s)[:n])
}

func oneLine(s string) string {
	return strings.Join(strings.Fields(s), " ")
}
