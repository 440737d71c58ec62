package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/assessor/internal/assemble"
	"github.com/pavelanni/assessor/internal/export"
)

func (h *Handler) handleAssemble(w http.ResponseWriter, r *http.Request) {
	var c assemble.Constraints
	if err := h.decode(w, r, &c); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Assembler.AssembleFromBank(r.Context(), c)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, res)
}

func (h *Handler) handleGetPaper(w http.ResponseWriter, r *http.Request) {
	p, err := h.Store.GetPaper(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, p)
}

func (h *Handler) handleExport(w http.ResponseWriter, r *http.Request) {
	var opts export.Options
	if _, err := h.decodeOptional(w, r, &opts); err != nil {
		writeError(w, r, err)
		return
	}
	if opts.Lang == "" {
		opts.Lang = h.Config.ExportLang
	}
	art, err := h.Exporter.ExportByID(r.Context(), chi.URLParam(r, "id"), opts)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, art)
}
