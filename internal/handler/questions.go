package handler

import (
	"net/http"
	"strconv"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/bank"
	"github.com/pavelanni/assessor/internal/model"
)

func (h *Handler) handleSearchQuestions(w http.ResponseWriter, r *http.Request) {
	f, err := filterFromQuery(r)
	if err == nil {
		err = h.check(&f)
	}
	if err != nil {
		writeError(w, r, err)
		return
	}
	qs, err := h.Bank.Search(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, qs)
}

func filterFromQuery(r *http.Request) (bank.Filter, error) {
	q := r.URL.Query()
	f := bank.Filter{
		Type:           model.QuestionType(q.Get("type")),
		Topic:          q.Get("topic"),
		Domain:         q.Get("domain"),
		Curriculum:     q.Get("curriculum"),
		CognitiveDepth: model.CognitiveDepth(q.Get("cognitiveDepth")),
		Text:           q.Get("text"),
	}
	ints := []struct {
		name string
		dst  *int
	}{
		{"scaffoldLevel", &f.ScaffoldLevel},
		{"minScaffold", &f.MinScaffold},
		{"maxScaffold", &f.MaxScaffold},
		{"limit", &f.Limit},
	}
	for _, p := range ints {
		v := q.Get(p.name)
		if v == "" {
			continue
		}
		n, err := strconv.Atoi(v)
		if err != nil {
			return bank.Filter{}, apperr.Invalid(p.name, "must be an integer")
		}
		*p.dst = n
	}
	return f, nil
}

type interpretRequest struct {
	Text string `json:"text" validate:"required,max=2000"`
}

type interpretResponse struct {
	Filter    bank.Filter      `json:"filter"`
	Questions []model.Question `json:"questions"`
}

func (h *Handler) handleInterpret(w http.ResponseWriter, r *http.Request) {
	var req interpretRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	f, err := h.Bank.Interpret(r.Context(), req.Text)
	if err != nil {
		writeError(w, r, err)
		return
	}
	qs, err := h.Bank.Search(r.Context(), f)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, interpretResponse{Filter: f, Questions: qs})
}
