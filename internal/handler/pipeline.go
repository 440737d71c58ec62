package handler

import (
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/pavelanni/assessor/internal/apperr"
	"github.com/pavelanni/assessor/internal/curation"
	"github.com/pavelanni/assessor/internal/extract"
	"github.com/pavelanni/assessor/internal/ingest"
	"github.com/pavelanni/assessor/internal/model"
)

const maxUploadBytes = 64 << 20

type syncRequest struct {
	Location   string `json:"location" validate:"required"`
	Curriculum string `json:"curriculum"`
	Subject    string `json:"subject"`
}

func (h *Handler) handleSync(w http.ResponseWriter, r *http.Request) {
	var req syncRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	res, err := h.Syncer.Sync(r.Context(), req.Location, ingest.TagContext{
		Curriculum: req.Curriculum,
		Subject:    req.Subject,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

type processRequest struct {
	QueueItemID string `json:"queueItemId" validate:"required"`
}

type extractResponse struct {
	extract.Output
	ReviewItems []model.ReviewItem `json:"reviewItems,omitempty"`
}

// handleExtract processes a queued document when given a JSON body, and
// extracts an uploaded file straight into the review queue otherwise.
func (h *Handler) handleExtract(w http.ResponseWriter, r *http.Request) {
	if strings.HasPrefix(r.Header.Get("Content-Type"), "multipart/form-data") {
		h.handleExtractUpload(w, r)
		return
	}
	var req processRequest
	if err := h.decode(w, r, &req); err != nil {
		writeError(w, r, err)
		return
	}
	out, err := h.Processor.Process(r.Context(), req.QueueItemID)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, extractResponse{Output: out})
}

func (h *Handler) handleExtractUpload(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxUploadBytes)
	if err := r.ParseMultipartForm(maxUploadBytes); err != nil {
		writeError(w, r, apperr.NewValidationError(err))
		return
	}
	file, hdr, err := r.FormFile("file")
	if err != nil {
		writeError(w, r, apperr.Invalid("file", "multipart field is required"))
		return
	}
	defer file.Close()
	data, err := io.ReadAll(file)
	if err != nil {
		writeError(w, r, apperr.NewValidationError(err))
		return
	}

	autoTag := h.Config.AutoTag
	if v := r.FormValue("autoTag"); v != "" {
		if autoTag, err = strconv.ParseBool(v); err != nil {
			writeError(w, r, apperr.Invalid("autoTag", "must be a boolean"))
			return
		}
	}
	doc := extract.Document{Name: hdr.Filename, ContentType: hdr.Header.Get("Content-Type"), Data: data}
	out, err := h.Engine.Extract(r.Context(), doc, extract.Options{
		Curriculum: r.FormValue("curriculum"),
		Subject:    r.FormValue("subject"),
		AutoTag:    autoTag,
	})
	if err != nil {
		writeError(w, r, err)
		return
	}

	candidates := make([]model.ReviewItem, 0, len(out.Questions))
	for _, q := range out.Questions {
		candidates = append(candidates, model.ReviewItem{
			Stem:     q.StemMarkdown,
			Topic:    q.Taxonomy.Topic,
			Answer:   q.ReferenceAnswer(),
			Taxonomy: q.Taxonomy,
			Question: q,
		})
	}
	items, err := h.Store.InsertReviewItems(r.Context(), candidates)
	if err != nil {
		writeError(w, r, apperr.Upstream("document database", err))
		return
	}
	resp := extractResponse{Output: out, ReviewItems: items}
	writeJSON(w, http.StatusOK, resp)
}

func (h *Handler) handleListQueue(w http.ResponseWriter, r *http.Request) {
	status := model.QueueStatus(r.URL.Query().Get("status"))
	switch status {
	case "", model.QueuePending, model.QueueProcessing, model.QueueCompleted, model.QueueFailed:
	default:
		writeError(w, r, apperr.Invalid("status", "unknown queue status"))
		return
	}
	items, err := h.Store.ListQueue(r.Context(), status)
	if err != nil {
		writeError(w, r, apperr.Upstream("document database", err))
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (h *Handler) handleListReview(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeError(w, r, err)
		return
	}
	items, err := h.Curation.List(r.Context(), limit)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, nonNil(items))
}

func (h *Handler) handleApprove(w http.ResponseWriter, r *http.Request) {
	var edits *curation.Edits
	var body curation.Edits
	present, err := h.decodeOptional(w, r, &body)
	if err != nil {
		writeError(w, r, err)
		return
	}
	if present {
		edits = &body
	}
	q, err := h.Curation.Approve(r.Context(), chi.URLParam(r, "id"), edits)
	if err != nil {
		writeError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, q)
}

func (h *Handler) handleReject(w http.ResponseWriter, r *http.Request) {
	if err := h.Curation.Reject(r.Context(), chi.URLParam(r, "id")); err != nil {
		writeError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func queryInt(r *http.Request, name string) (int, error) {
	v := r.URL.Query().Get(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil || n < 0 {
		return 0, apperr.Invalid(name, "must be a non-negative integer")
	}
	return n, nil
}

func nonNil[T any](s []T) []T {
	if s == nil {
		return []T{}
	}
	return s
}
