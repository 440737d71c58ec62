package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/evaluate"
)

func (h *Handler) handleEvaluate(w http.ResponseWriter, r *http.Request) {
	var sub evaluate.Submission
	if err := h.decode(w, r, &sub); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.Evaluator.Submit(r.Context(), sub)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleGetEvaluation(w http.ResponseWriter, r *http.Request) {
	rec, err := h.Store.GetEvaluation(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleListEvaluationFailures(w http.ResponseWriter, r *http.Request) {
	fails, err := h.Store.ListEvaluationFailures(r.Context())
	if err != nil {
		writeError(w, r, apperr.Upstream("document database", err))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(fails))
}

type correctionRequest struct {
	Overrides []evaluate.Override `json:"overrides" validate:"required,min=1,dive"`
}

func (h *Handler) handleCorrect(w http.ResponseWriter, r *http.Request) {
	var req correctionRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	rec, err := h.Evaluator.Correct(r.Context(), chi.URLParam(r, "id"), req.Overrides)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, rec)
}

func (h *Handler) handleGaps(w http.ResponseWriter, r *http.Request) {
	rep, err := h.Gaps.AnalyzeStudent(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, rep)
}
