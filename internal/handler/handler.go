// Package handler exposes the pipeline as a JSON API.
package handler

import (
	"errors"
	"net/http"
	"reflect"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/pavelanni/assessor/internal/assemble"
	"github.com/pavelanni/assessor/internal/bank"
	"github.com/pavelanni/assessor/internal/curation"
	"github.com/pavelanni/assessor/internal/evaluate"
	"github.com/pavelanni/assessor/internal/export"
	"github.com/pavelanni/assessor/internal/extract"
	"github.com/pavelanni/assessor/internal/gaps"
	"github.com/pavelanni/assessor/internal/ingest"
	"github.com/pavelanni/assessor/internal/metrics"
	"github.com/pavelanni/assessor/internal/model"
	"github.com/pavelanni/assessor/internal/store"
)

// Deps are the components behind the API.
type Deps struct {
	Store     *store.Store
	Syncer    *ingest.Syncer
	Engine    *extract.Engine
	Processor *extract.Processor
	Curation  *curation.Queue
	Bank      *bank.Bank
	Assembler *assemble.Assembler
	Exporter  *export.Exporter
	Evaluator *evaluate.Evaluator
	Gaps      *gaps.Analyzer
	Config    model.PipelineConfig
}

// Handler holds shared dependencies for HTTP handlers.
type Handler struct {
	Deps
	validate *validator.Validate
}

// New creates a new Handler.
func New(d Deps) (*Handler, error) {
	if d.Store == nil {
		return nil, errors.New("handler: store is required")
	}
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(fld reflect.StructField) string {
		name := strings.SplitN(fld.Tag.Get("json"), ",", 2)[0]
		if name == "-" {
			return ""
		}
		return name
	})
	return &Handler{Deps: d, validate: v}, nil
}

// Routes registers all HTTP routes.
func (h *Handler) Routes(r chi.Router) {
	r.Get("/healthz", h.handleHealth)
	r.Handle("/metrics", metrics.Handler())

	r.Route("/api", func(r chi.Router) {
		r.Use(metrics.Middleware)

		r.Post("/ingest/sync", h.handleSync)
		r.Post("/extract", h.handleExtract)
		r.Get("/queue", h.handleListQueue)

		r.Get("/review", h.handleListReview)
		r.Post("/review/{id}/approve", h.handleApprove)
		r.Post("/review/{id}/reject", h.handleReject)

		r.Get("/questions", h.handleSearchQuestions)
		r.Post("/questions/interpret", h.handleInterpret)

		r.Post("/papers/assemble", h.handleAssemble)
		r.Get("/papers/{id}", h.handleGetPaper)
		r.Post("/papers/{id}/export", h.handleExport)

		r.Post("/evaluations", h.handleEvaluate)
		r.Get("/evaluations/failures", h.handleListEvaluationFailures)
		r.Get("/evaluations/{id}", h.handleGetEvaluation)
		r.Post("/evaluations/{id}/corrections", h.handleCorrect)

		r.Post("/students/{id}/gaps", h.handleGaps)
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, r *http.Request) {
	if err := h.Store.Ping(r.Context()); err != nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable", "error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}
