package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"hark/internal/audio"
	"hark/internal/domain"
	"hark/internal/repository"
	"hark/internal/service"
)

type createUploadResponse struct {
	Upload *domain.Upload `json:"upload"`
	JobID  int64          `json:"jobId"`
}

// CreateUpload accepts a multipart audio file and queues its transcription.
// The reply is 202: the upload record exists and a job is in the ledger, but
// no inference has happened yet.
func (a *API) CreateUpload(w http.ResponseWriter, r *http.Request) {
	limit := a.maxUploadBytes
	if limit <= 0 {
		limit = 100 << 20
	}
	// Multipart framing and the other form fields ride on top of the file
	// bytes, so the body cap gets a little headroom beyond the file limit.
	r.Body = http.MaxBytesReader(w, r.Body, limit+(1<<20))

	file, header, err := r.FormFile("file")
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds the size limit")
			return
		}
		writeError(w, r, http.StatusBadRequest, "invalid_request", "multipart form must include a \"file\" part")
		return
	}
	defer file.Close()

	summarize := a.autoSummarize
	if raw := r.FormValue("summarize"); raw != "" {
		parsed, err := strconv.ParseBool(raw)
		if err != nil {
			writeError(w, r, http.StatusBadRequest, "invalid_request", "summarize must be a boolean")
			return
		}
		summarize = parsed
	}

	providerKind := domain.ProviderKind(strings.TrimSpace(r.FormValue("provider")))
	if providerKind == "" {
		providerKind = a.defaultProvider
	}

	idempotencyKey := strings.TrimSpace(r.Header.Get("Idempotency-Key"))
	fingerprint := uploadFingerprint(header.Filename, header.Size, string(providerKind), summarize)
	if idempotencyKey != "" {
		if entry, ok := a.idempotency.Get(idempotencyKey); ok {
			if entry.Fingerprint != fingerprint {
				writeError(w, r, http.StatusConflict, "idempotency_key_reused", "Idempotency-Key was already used for a different upload")
				return
			}
			upload, _, err := a.uploads.GetUpload(r.Context(), entry.UploadID)
			if err != nil {
				writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load previous upload")
				return
			}
			writeJSON(w, http.StatusAccepted, createUploadResponse{Upload: upload, JobID: entry.JobID})
			return
		}
	}

	upload, job, err := a.uploads.CreateUpload(r.Context(), service.CreateUploadInput{
		Filename:  header.Filename,
		Size:      header.Size,
		Content:   file,
		Provider:  providerKind,
		Summarize: summarize,
	})
	if err != nil {
		a.writeUploadError(w, r, err)
		return
	}

	if idempotencyKey != "" {
		a.idempotency.Put(idempotencyKey, fingerprint, upload.ID, job.ID)
	}

	writeJSON(w, http.StatusAccepted, createUploadResponse{Upload: upload, JobID: job.ID})
}

func (a *API) writeUploadError(w http.ResponseWriter, r *http.Request, err error) {
	var maxBytesErr *http.MaxBytesError
	switch {
	case errors.Is(err, audio.ErrUnsupportedFormat):
		writeError(w, r, http.StatusUnsupportedMediaType, "unsupported_format", err.Error())
	case errors.Is(err, audio.ErrTooLarge), errors.As(err, &maxBytesErr):
		writeError(w, r, http.StatusRequestEntityTooLarge, "payload_too_large", "upload exceeds the size limit")
	case errors.Is(err, audio.ErrEmptyFile):
		writeError(w, r, http.StatusBadRequest, "empty_file", "uploaded file is empty")
	case errors.Is(err, repository.ErrInvalidSpec):
		writeError(w, r, http.StatusBadRequest, "invalid_request", err.Error())
	default:
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to store upload")
	}
}

func (a *API) ListUploads(w http.ResponseWriter, r *http.Request) {
	uploads, err := a.uploads.ListUploads(r.Context())
	if err != nil {
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to list uploads")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"uploads": uploads,
		"count":   len(uploads),
	})
}

func (a *API) GetUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	upload, submission, err := a.uploads.GetUpload(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "upload not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to load upload")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"upload":     upload,
		"submission": submission,
	})
}

// DeleteUpload removes the stored audio and the upload record. Ledger rows
// stay: job history outlives the file it described.
func (a *API) DeleteUpload(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	if err := a.uploads.DeleteUpload(r.Context(), id); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			writeError(w, r, http.StatusNotFound, "not_found", "upload not found")
			return
		}
		writeError(w, r, http.StatusInternalServerError, "internal_error", "failed to delete upload")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}
