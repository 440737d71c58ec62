package model

import (
	"strings"
	"time"
)

// QuestionType identifies how a question is answered.
type QuestionType string

const (
	TypeMCQSingle    QuestionType = "MCQ_SINGLE"
	TypeMCQMulti     QuestionType = "MCQ_MULTI"
	TypeFillInBlank  QuestionType = "FILL_IN_BLANK"
	TypeFreeResponse QuestionType = "FREE_RESPONSE"
	TypePassageBased QuestionType = "PASSAGE_BASED"
)

// QuestionTypes lists every supported question type in display order.
var QuestionTypes = []QuestionType{TypeMCQSingle, TypeMCQMulti, TypeFillInBlank, TypeFreeResponse, TypePassageBased}

// Valid reports whether t is one of the known question types.
func (t QuestionType) Valid() bool {
	for _, qt := range QuestionTypes {
		if qt == t {
			return true
		}
	}
	return false
}

// Objective reports whether answers of this type can be checked against a key.
func (t QuestionType) Objective() bool {
	return t == TypeMCQSingle || t == TypeMCQMulti || t == TypeFillInBlank
}

// CognitiveDepth is the cognitive-demand category of a question.
type CognitiveDepth string

const (
	DepthFluency     CognitiveDepth = "Fluency"
	DepthConceptual  CognitiveDepth = "Conceptual"
	DepthApplication CognitiveDepth = "Application"
	DepthSynthesis   CognitiveDepth = "Synthesis"
)

// Valid reports whether d is one of the known depth categories.
func (d CognitiveDepth) Valid() bool {
	switch d {
	case DepthFluency, DepthConceptual, DepthApplication, DepthSynthesis:
		return true
	}
	return false
}

const (
	MinScaffoldLevel = 1
	MaxScaffoldLevel = 5
)

// TaxonomyPlaceholder marks taxonomy fields left for a curator to fill in.
const TaxonomyPlaceholder = "TBD"

// Taxonomy classifies a question within a curriculum.
type Taxonomy struct {
	Domain         string         `json:"domain"`
	Topic          string         `json:"topic"`
	SubTopic       string         `json:"subTopic,omitempty"`
	MicroSkill     string         `json:"microSkill,omitempty"`
	CognitiveDepth CognitiveDepth `json:"cognitiveDepth"`
	Curriculum     string         `json:"curriculum"`
	ScaffoldLevel  int            `json:"scaffoldLevel"`
}

// Option is one answer choice of a multiple-choice question.
type Option struct {
	Text        string `json:"text"`
	IsCorrect   bool   `json:"isCorrect"`
	Explanation string `json:"explanation,omitempty"`
}

// Figure is a region of a source page that belongs to a question.
type Figure struct {
	Page        int        `json:"page"`
	BoundingBox [4]float64 `json:"boundingBox"`
	Label       string     `json:"label,omitempty"`
	Description string     `json:"description,omitempty"`
}

// Question is a question-bank entry.
type Question struct {
	ID                string       `json:"id"`
	StemMarkdown      string       `json:"stemMarkdown"`
	Type              QuestionType `json:"type"`
	Options           []Option     `json:"options,omitempty"`
	CorrectAnswer     string       `json:"correctAnswer,omitempty"`
	Taxonomy          Taxonomy     `json:"taxonomy"`
	Figures           []Figure     `json:"figures,omitempty"`
	Marks             int          `json:"marks"`
	SourceDocumentURL string       `json:"sourceDocumentUrl"`
	IsPublished       bool         `json:"isPublished"`
	CreatedAt         time.Time    `json:"createdAt"`
	ApprovedAt        *time.Time   `json:"approvedAt,omitempty"`
}

// HasAnswerKey reports whether the question carries a correct answer or a correct option.
func (q Question) HasAnswerKey() bool {
	if strings.TrimSpace(q.CorrectAnswer) != "" {
		return true
	}
	for _, o := range q.Options {
		if o.IsCorrect {
			return true
		}
	}
	return false
}

// ReferenceAnswer returns the answer key as text: the correct answer, or the correct options.
func (q Question) ReferenceAnswer() string {
	if strings.TrimSpace(q.CorrectAnswer) != "" {
		return q.CorrectAnswer
	}
	var correct []string
	for _, o := range q.Options {
		if o.IsCorrect {
			correct = append(correct, o.Text)
		}
	}
	return strings.Join(correct, "; ")
}

// QueueStatus is the processing state of a content-queue item.
type QueueStatus string

const (
	QueuePending    QueueStatus = "pending"
	QueueProcessing QueueStatus = "processing"
	QueueCompleted  QueueStatus = "completed"
	QueueFailed     QueueStatus = "failed"
)

// Terminal reports whether no further transitions are allowed from s.
func (s QueueStatus) Terminal() bool {
	return s == QueueCompleted || s == QueueFailed
}

// QueueItem is a source document waiting for, or done with, extraction.
type QueueItem struct {
	ID         string      `json:"id"`
	FileID     string      `json:"fileId"`
	FileName   string      `json:"fileName"`
	SourcePath string      `json:"sourcePath"`
	Curriculum string      `json:"curriculum"`
	Subject    string      `json:"subject"`
	Status     QueueStatus `json:"status"`
	Source     string      `json:"source"`
	Error      string      `json:"error,omitempty"`
	CreatedAt  time.Time   `json:"createdAt"`
	UpdatedAt  time.Time   `json:"updatedAt"`
	ClaimedAt  *time.Time  `json:"claimedAt,omitempty"`
}

// ProcessedFileMarker records that a source file has been enqueued once.
type ProcessedFileMarker struct {
	FileID   string    `json:"fileId"`
	SyncedAt time.Time `json:"syncedAt"`
}

// ReviewItem is an extracted question awaiting a curator's decision.
type ReviewItem struct {
	ID          string    `json:"id"`
	QueueItemID string    `json:"queueItemId,omitempty"`
	Stem        string    `json:"stem"`
	Topic       string    `json:"topic"`
	Answer      string    `json:"answer"`
	Taxonomy    Taxonomy  `json:"taxonomy"`
	Question    Question  `json:"question"`
	CreatedAt   time.Time `json:"createdAt"`
}

// Section is a titled group of questions within a paper.
type Section struct {
	Title        string       `json:"title"`
	Instructions string       `json:"instructions,omitempty"`
	QuestionType QuestionType `json:"questionType,omitempty"`
	QuestionIDs  []string     `json:"questionIds"`
	TotalMarks   int          `json:"totalMarks"`
}

// Paper is an assembled question paper.
type Paper struct {
	ID              string         `json:"id"`
	Title           string         `json:"title"`
	CourseID        string         `json:"courseId"`
	SubjectID       string         `json:"subjectId"`
	Sections        []Section      `json:"sections"`
	TotalMarks      int            `json:"totalMarks"`
	DurationMinutes int            `json:"durationMinutes"`
	Instructions    string         `json:"instructions,omitempty"`
	Metadata        *PaperMetadata `json:"metadata,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	ExportedAt      *time.Time     `json:"exportedAt,omitempty"`
}

// QuestionIDs returns every referenced question id in section order.
func (p Paper) QuestionIDs() []string {
	var ids []string
	for _, s := range p.Sections {
		ids = append(ids, s.QuestionIDs...)
	}
	return ids
}

// ChapterShare is the target and achieved share of one chapter in a paper.
type ChapterShare struct {
	ChapterID   string  `json:"chapterId"`
	TargetPct   float64 `json:"targetPct"`
	AchievedPct float64 `json:"achievedPct"`
	Marks       int     `json:"marks"`
	Questions   int     `json:"questions"`
}

// PaperMetadata reports how an assembled paper compares to its targets.
type PaperMetadata struct {
	ChapterDistribution    []ChapterShare `json:"chapterDistribution"`
	DifficultyDistribution map[string]int `json:"difficultyDistribution"`
	MeanScaffoldLevel      float64        `json:"meanScaffoldLevel"`
	EstimatedMinutes       int            `json:"estimatedMinutes"`
	Strategy               string         `json:"strategy"`
	Warnings               []string       `json:"warnings,omitempty"`
}

// ReviewThreshold is the confidence below which an evaluation goes to a human grader.
const ReviewThreshold = 85.0

// QuestionScore is the grade of a single answer on a sheet.
type QuestionScore struct {
	QuestionID   string  `json:"questionId"`
	MarksAwarded float64 `json:"marksAwarded"`
	MaxMarks     float64 `json:"maxMarks"`
	Feedback     string  `json:"feedback"`
	Confidence   float64 `json:"confidence"`
}

// EvaluationResult is the grade of an answer sheet.
type EvaluationResult struct {
	QuestionScores  []QuestionScore `json:"questionScores"`
	TotalScore      float64         `json:"totalScore"`
	MaxScore        float64         `json:"maxScore"`
	ConfidenceScore float64         `json:"confidenceScore"`
	RequiresReview  bool            `json:"requiresReview"`
}

// EvaluationRecord is a persisted, immutable evaluation.
type EvaluationRecord struct {
	ID           string           `json:"id"`
	PaperID      string           `json:"paperId"`
	StudentID    string           `json:"studentId"`
	SheetURL     string           `json:"sheetUrl"`
	Result       EvaluationResult `json:"result"`
	SupersedesID string           `json:"supersedesId,omitempty"`
	CreatedAt    time.Time        `json:"createdAt"`
}

// EvaluationFailure records an evaluation that needs a human grader.
type EvaluationFailure struct {
	ID        string    `json:"id"`
	PaperID   string    `json:"paperId"`
	StudentID string    `json:"studentId"`
	SheetURL  string    `json:"sheetUrl"`
	Error     string    `json:"error"`
	CreatedAt time.Time `json:"createdAt"`
}

// PipelineConfig holds runtime pipeline parameters set via CLI flags.
type PipelineConfig struct {
	ExtractTimeout   time.Duration
	FigureTimeout    time.Duration
	EvaluateTimeout  time.Duration
	ClassifyTimeout  time.Duration
	StaleAfter       time.Duration
	AutoTag          bool
	AssembleStrategy string // reasoning or greedy
	ExportLang       string
}
