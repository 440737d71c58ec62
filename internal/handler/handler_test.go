package handler

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pavelanni/assessor/internal/assemble"
	"github.com/pavelanni/assessor/internal/bank"
	"github.com/pavelanni/assessor/internal/curation"
	"github.com/pavelanni/assessor/internal/evaluate"
	"github.com/pavelanni/assessor/internal/export"
	"github.com/pavelanni/assessor/internal/extract"
	"github.com/pavelanni/assessor/internal/gaps"
	"github.com/pavelanni/assessor/internal/ingest"
	"github.com/pavelanni/assessor/internal/llm"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/source"
	"github.com/pavelanni/assessor/internal/storage"
	"github.com/pavelanni/assessor/internal/store"
)

type scriptedGenerator struct {
	mu      sync.Mutex
	replies map[string]string
}

func (g *scriptedGenerator) set(call, reply string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.replies[call] = reply
}

func (g *scriptedGenerator) Generate(_ context.Context, req llm.GenerateRequest) (llm.GenerateResponse, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	reply, ok := g.replies[req.Schema.Name]
	if !ok {
		return llm.GenerateResponse{}, fmt.Errorf("no reply scripted for %s", req.Schema.Name)
	}
	return llm.GenerateResponse{Text: reply}, nil
}

type testServer struct {
	srv  *httptest.Server
	st   *store.Store
	gen  *scriptedGenerator
	docs *storage.Local
	root string
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	st, err := store.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	docs, err := storage.NewLocal(t.TempDir(), "")
	require.NoError(t, err)
	root := t.TempDir()
	src := &source.Dir{Root: root}

	gen := &scriptedGenerator{replies: map[string]string{}}
	client := llm.New(gen, llm.Options{})
	engine := extract.NewEngine(client, docs, extract.Config{})
	exp, err := export.New(docs, st)
	require.NoError(t, err)

	h, err := New(Deps{
		Store:     st,
		Syncer:    ingest.New(src, st, ingest.DefaultOptions),
		Engine:    engine,
		Processor: extract.NewProcessor(engine, src, st, extract.ProcessorConfig{}),
		Curation:  curation.New(st),
		Bank:      bank.New(st, client, 0),
		Assembler: assemble.New(nil, st, assemble.StrategyGreedy, 0),
		Exporter:  exp,
		Evaluator: evaluate.New(client, st, docs, "standard", 0),
		Gaps:      gaps.New(client, st, 0),
		Config:    model.PipelineConfig{ExportLang: "en"},
	})
	require.NoError(t, err)
	r := chi.NewRouter()
	h.Routes(r)
	srv := httptest.NewServer(r)
	t.Cleanup(srv.Close)
	return &testServer{srv: srv, st: st, gen: gen, docs: docs, root: root}
}

func (ts *testServer) do(t *testing.T, method, path string, body any) *http.Response {
	t.Helper()
	var rd *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		require.NoError(t, err)
		rd = bytes.NewReader(b)
	} else {
		rd = bytes.NewReader(nil)
	}
	req, err := http.NewRequest(method, ts.srv.URL+path, rd)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decodeBody[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func (ts *testServer) publish(t *testing.T, topic string, n int) []model.Question {
	t.Helper()
	var out []model.Question
	for i := range n {
		q, err := ts.st.InsertQuestion(context.Background(), model.Question{
			StemMarkdown: fmt.Sprintf("%s question %d", topic, i+1),
			Type:         model.TypeMCQSingle,
			Options: []model.Option{
				{Text: "yes", IsCorrect: true},
				{Text: "no"},
			},
			Marks:       1,
			IsPublished: true,
			Taxonomy:    model.Taxonomy{Domain: "Physics", Topic: topic, CognitiveDepth: model.DepthFluency, ScaffoldLevel: 2},
		})
		require.NoError(t, err)
		out = append(out, q)
	}
	return out
}

func TestHealthz(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/healthz", nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSyncEnqueuesOnce(t *testing.T) {
	ts := newTestServer(t)
	dir := filepath.Join(ts.root, "cbse", "physics")
	require.NoError(t, os.MkdirAll(dir, 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "2023.pdf"), []byte("%PDF one"), 0o644))

	body := map[string]string{"location": "cbse/physics", "curriculum": "CBSE", "subject": "Physics"}
	first := decodeBody[ingest.Result](t, ts.do(t, http.MethodPost, "/api/ingest/sync", body))
	assert.Equal(t, 1, first.NewCount)
	second := decodeBody[ingest.Result](t, ts.do(t, http.MethodPost, "/api/ingest/sync", body))
	assert.Equal(t, 0, second.NewCount)

	items := decodeBody[[]model.QueueItem](t, ts.do(t, http.MethodGet, "/api/queue?status=pending", nil))
	require.Len(t, items, 1)
	assert.Equal(t, "CBSE", items[0].Curriculum)
}

func TestValidationErrorsNameJSONFields(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/papers/assemble", map[string]any{
		"typeConstraints": []map[string]any{{"type": "ESSAY", "count": 1, "marksEach": 1}},
	})
	require.Equal(t, http.StatusBadRequest, resp.StatusCode)
	er := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "validation", er.Kind)
	var fields []string
	for _, f := range er.Fields {
		fields = append(fields, f.Field)
	}
	assert.Contains(t, fields, "title")
	assert.Contains(t, fields, "typeConstraints[0].type")
}

func TestUnknownFieldRejected(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodPost, "/api/questions/interpret", map[string]any{"text": "optics", "extra": 1})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestQueueRejectsUnknownStatus(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/queue?status=done", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestExtractUploadFillsReviewQueue(t *testing.T) {
	ts := newTestServer(t)
	ts.gen.set("extract_questions", `{"questions":[{"stem_markdown":"Define refraction.","type":"short answer","marks":2,"correct_answer":"Bending of light"}]}`)

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	fw, err := mw.CreateFormFile("file", "optics.pdf")
	require.NoError(t, err)
	_, err = fw.Write([]byte("%PDF optics"))
	require.NoError(t, err)
	require.NoError(t, mw.WriteField("curriculum", "CBSE"))
	require.NoError(t, mw.Close())

	resp, err := http.Post(ts.srv.URL+"/api/extract", mw.FormDataContentType(), &buf)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	out := decodeBody[extractResponse](t, resp)
	require.Len(t, out.Questions, 1)
	assert.Equal(t, model.TypeFreeResponse, out.Questions[0].Type)
	require.Len(t, out.ReviewItems, 1)

	items := decodeBody[[]model.ReviewItem](t, ts.do(t, http.MethodGet, "/api/review", nil))
	require.Len(t, items, 1)
	assert.Equal(t, "Bending of light", items[0].Answer)
}

func TestApproveWithEditsThenConflict(t *testing.T) {
	ts := newTestServer(t)
	it, err := ts.st.InsertReviewItem(context.Background(), model.ReviewItem{
		Stem:   "Define focal length.",
		Topic:  "Optics",
		Answer: "Distance from the mirror to the focus",
		Question: model.Question{
			StemMarkdown: "Define focal length.",
			Type:         model.TypeFreeResponse,
			Marks:        2,
			Taxonomy:     model.Taxonomy{Domain: "Physics", Topic: "Optics", CognitiveDepth: model.DepthFluency, ScaffoldLevel: 1},
		},
	})
	require.NoError(t, err)

	resp := ts.do(t, http.MethodPost, "/api/review/"+it.ID+"/approve", map[string]any{"marks": 3})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	q := decodeBody[model.Question](t, resp)
	assert.True(t, q.IsPublished)
	assert.Equal(t, 3, q.Marks)

	resp = ts.do(t, http.MethodPost, "/api/review/"+it.ID+"/approve", nil)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
}

func TestSearchQuestions(t *testing.T) {
	ts := newTestServer(t)
	ts.publish(t, "Optics", 2)
	ts.publish(t, "Mechanics", 1)

	qs := decodeBody[[]model.Question](t, ts.do(t, http.MethodGet, "/api/questions?topic=Optics", nil))
	assert.Len(t, qs, 2)

	resp := ts.do(t, http.MethodGet, "/api/questions?minScaffold=9", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestInterpretReturnsFilterAndMatches(t *testing.T) {
	ts := newTestServer(t)
	ts.publish(t, "Optics", 2)
	ts.gen.set("interpret_filter", `{"topic":"optics","type":"MCQ_SINGLE"}`)

	resp := ts.do(t, http.MethodPost, "/api/questions/interpret", map[string]string{"text": "easy optics MCQs"})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	got := decodeBody[interpretResponse](t, resp)
	assert.Equal(t, "Optics", got.Filter.Topic)
	assert.Len(t, got.Questions, 2)
}

func TestAssembleExportAndViolation(t *testing.T) {
	ts := newTestServer(t)
	ts.publish(t, "Optics", 3)

	c := map[string]any{
		"title":           "Optics quiz",
		"durationMinutes": 10,
		"typeConstraints": []map[string]any{{"type": "MCQ_SINGLE", "count": 2, "marksEach": 1}},
	}
	resp := ts.do(t, http.MethodPost, "/api/papers/assemble", c)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	res := decodeBody[assemble.Result](t, resp)
	assert.Equal(t, 2, res.Paper.TotalMarks)

	paper := decodeBody[model.Paper](t, ts.do(t, http.MethodGet, "/api/papers/"+res.Paper.ID, nil))
	assert.Equal(t, "Optics quiz", paper.Title)

	resp = ts.do(t, http.MethodPost, "/api/papers/"+res.Paper.ID+"/export", map[string]any{"format": "markdown", "answerKey": true})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	art := decodeBody[export.Artifact](t, resp)
	assert.Contains(t, art.Path, res.Paper.ID)
	assert.NotNil(t, art.ExportedAt)

	c["typeConstraints"] = []map[string]any{{"type": "MCQ_SINGLE", "count": 5, "marksEach": 1}}
	resp = ts.do(t, http.MethodPost, "/api/papers/assemble", c)
	require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)
	er := decodeBody[errorResponse](t, resp)
	assert.Equal(t, "constraint_violation", er.Kind)
	assert.NotNil(t, er.Achieved)
}

func TestGetPaperNotFound(t *testing.T) {
	ts := newTestServer(t)
	resp := ts.do(t, http.MethodGet, "/api/papers/nope", nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)
}

func TestEvaluateCorrectAndGaps(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	qs := ts.publish(t, "Optics", 2)
	paper, err := ts.st.InsertPaper(ctx, model.Paper{
		Title:      "Optics quiz",
		TotalMarks: 2,
		Sections:   []model.Section{{Title: "Section A", QuestionIDs: []string{qs[0].ID, qs[1].ID}, TotalMarks: 2}},
	})
	require.NoError(t, err)
	sheet, err := ts.docs.Put(ctx, []byte("png"), "sheets/s1.png", "image/png")
	require.NoError(t, err)

	ts.gen.set("evaluate_sheet", fmt.Sprintf(`{"scores":[
		{"question_id":%q,"marks_awarded":1,"feedback":"ok","confidence":95},
		{"question_id":%q,"marks_awarded":0,"feedback":"unclear","confidence":60}
	],"total_score":1,"confidence_score":80}`, qs[0].ID, qs[1].ID))

	resp := ts.do(t, http.MethodPost, "/api/evaluations", map[string]string{
		"paperId": paper.ID, "studentId": "s-1", "sheetUrl": sheet,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	rec := decodeBody[model.EvaluationRecord](t, resp)
	assert.True(t, rec.Result.RequiresReview)

	got := decodeBody[model.EvaluationRecord](t, ts.do(t, http.MethodGet, "/api/evaluations/"+rec.ID, nil))
	assert.Equal(t, rec.ID, got.ID)

	overrides := map[string]any{"overrides": []map[string]any{{"questionId": qs[1].ID, "marksAwarded": 1}}}
	resp = ts.do(t, http.MethodPost, "/api/evaluations/"+rec.ID+"/corrections", overrides)
	require.Equal(t, http.StatusCreated, resp.StatusCode)
	corrected := decodeBody[model.EvaluationRecord](t, resp)
	assert.InDelta(t, 2, corrected.Result.TotalScore, 1e-9)
	assert.False(t, corrected.Result.RequiresReview)

	resp = ts.do(t, http.MethodPost, "/api/evaluations/"+rec.ID+"/corrections", overrides)
	assert.Equal(t, http.StatusConflict, resp.StatusCode)

	ts.gen.set("recommend_study", `{"recommendations":["Review lens formulas"]}`)
	rep := decodeBody[gaps.Report](t, ts.do(t, http.MethodPost, "/api/students/s-1/gaps", nil))
	assert.Equal(t, "s-1", rep.StudentID)
	assert.Equal(t, "reasoning", rep.Source)
	assert.Equal(t, []string{"Review lens formulas"}, rep.Recommendations)
}

func TestEvaluationFailureIsListed(t *testing.T) {
	ts := newTestServer(t)
	ctx := context.Background()
	qs := ts.publish(t, "Optics", 1)
	paper, err := ts.st.InsertPaper(ctx, model.Paper{
		Title:      "Optics quiz",
		TotalMarks: 1,
		Sections:   []model.Section{{Title: "Section A", QuestionIDs: []string{qs[0].ID}, TotalMarks: 1}},
	})
	require.NoError(t, err)
	sheet, err := ts.docs.Put(ctx, []byte("png"), "sheets/s2.png", "image/png")
	require.NoError(t, err)
	ts.gen.set("evaluate_sheet", "not json at all")

	resp := ts.do(t, http.MethodPost, "/api/evaluations", map[string]string{
		"paperId": paper.ID, "studentId": "s-2", "sheetUrl": sheet,
	})
	require.Equal(t, http.StatusBadGateway, resp.StatusCode)

	fails := decodeBody[[]model.EvaluationFailure](t, ts.do(t, http.MethodGet, "/api/evaluations/failures", nil))
	require.Len(t, fails, 1)
	assert.Equal(t, "s-2", fails[0].StudentID)
}
