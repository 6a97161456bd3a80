package rest

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"

	"github.com/italolelis/batch_downloader/internal/batch"
	"github.com/italolelis/batch_downloader/internal/downloader"
	"github.com/italolelis/batch_downloader/internal/logctx"
	"github.com/italolelis/batch_downloader/internal/source"
	"github.com/italolelis/batch_downloader/internal/storage"
)

// maxBodySize bounds enqueue payloads.
const maxBodySize = 1 << 20

// BatchService is the host side of the download engine.
type BatchService interface {
	Enqueue(ctx context.Context, req downloader.Request) (int64, error)
	Batches(ctx context.Context) ([]batch.View, error)
	Batch(ctx context.Context, id int64) (batch.View, error)
	Pause(ctx context.Context, batchID int64) error
	Resume(ctx context.Context, batchID int64) error
	Cancel(ctx context.Context, batchID int64) error
	Delete(ctx context.Context, batchID int64) error
	AllowOversize(ctx context.Context, batchID int64) error
}

type HeaderRequest struct {
	Name  string `json:"name" validate:"required,max=256"`
	Value string `json:"value" validate:"max=8192"`
}

type DownloadRequest struct {
	URI          string          `json:"uri" validate:"required,uri"`
	Destination  string          `json:"destination" validate:"omitempty,max=4096"`
	Class        string          `json:"class" validate:"omitempty,oneof=downloads cache"`
	MimeType     string          `json:"mime_type" validate:"omitempty,max=255"`
	Headers      []HeaderRequest `json:"headers" validate:"omitempty,max=32,dive"`
	NoIntegrity  bool            `json:"no_integrity"`
	AlwaysResume bool            `json:"always_resume"`
	AllowRoaming bool            `json:"allow_roaming"`
	AllowMetered bool            `json:"allow_metered"`
}

type CreateBatchRequest struct {
	Title       string            `json:"title" validate:"required,max=255"`
	Description string            `json:"description" validate:"max=2048"`
	Hidden      bool              `json:"hidden"`
	Downloads   []DownloadRequest `json:"downloads" validate:"required,min=1,max=1000,dive"`
}

type DownloadResponse struct {
	ID           int64     `json:"id"`
	URI          string    `json:"uri"`
	Destination  string    `json:"destination"`
	Filename     string    `json:"filename,omitempty"`
	MimeType     string    `json:"mime_type,omitempty"`
	Status       string    `json:"status"`
	StatusCode   int       `json:"status_code"`
	TotalBytes   int64     `json:"total_bytes"`
	CurrentBytes int64     `json:"current_bytes"`
	FailureCount int       `json:"failure_count"`
	Paused       bool      `json:"paused"`
	ErrorMessage string    `json:"error_message,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

type BatchResponse struct {
	ID           int64              `json:"id"`
	Title        string             `json:"title"`
	Description  string             `json:"description,omitempty"`
	Hidden       bool               `json:"hidden"`
	Status       string             `json:"status"`
	StatusCode   int                `json:"status_code"`
	Started      bool               `json:"started"`
	Deleted      bool               `json:"deleted"`
	TotalBytes   int64              `json:"total_bytes"`
	CurrentBytes int64              `json:"current_bytes"`
	Downloads    []DownloadResponse `json:"downloads"`
	CreatedAt    time.Time          `json:"created_at"`
}

type BatchHandler struct {
	svc       BatchService
	validator *validator.Validate
	username  string
	password  string
}

// NewBatchHandler creates the batch API. Empty credentials disable basic
// auth.
func NewBatchHandler(svc BatchService, username, password string) *BatchHandler {
	return &BatchHandler{
		svc:       svc,
		validator: validator.New(),
		username:  username,
		password:  password,
	}
}

func (h *BatchHandler) Routes() http.Handler {
	r := chi.NewRouter()

	if h.username != "" {
		r.Use(h.basicAuthMiddleware)
	}

	r.Post("/batches", h.CreateBatch)
	r.Get("/batches", h.ListBatches)

	r.Route("/batches/{batchID}", func(r chi.Router) {
		r.Get("/", h.GetBatch)
		r.Delete("/", h.control(h.svc.Delete))
		r.Post("/pause", h.control(h.svc.Pause))
		r.Post("/resume", h.control(h.svc.Resume))
		r.Post("/cancel", h.control(h.svc.Cancel))
		r.Post("/allow-oversize", h.control(h.svc.AllowOversize))
	})

	return r
}

// CreateBatch enqueues a new batch.
func (h *BatchHandler) CreateBatch(w http.ResponseWriter, r *http.Request) {
	logger := logctx.LoggerFromContext(r.Context())

	var req CreateBatchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodySize)).Decode(&req); err != nil {
		logger.Debug("failed to decode request", "err", err)
		writeError(r.Context(), w, http.StatusBadRequest, "invalid request body")

		return
	}

	if err := h.validator.Struct(req); err != nil {
		logger.Debug("validation failed", "err", err)
		writeError(r.Context(), w, http.StatusBadRequest, err.Error())

		return
	}

	id, err := h.svc.Enqueue(r.Context(), toRequest(req))
	if err != nil {
		h.fail(w, r, "failed to enqueue batch", err)

		return
	}

	v, err := h.svc.Batch(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to load batch", err)

		return
	}

	writeJSON(r.Context(), w, http.StatusCreated, toBatchResponse(v))
}

// ListBatches returns every batch that is not being deleted.
func (h *BatchHandler) ListBatches(w http.ResponseWriter, r *http.Request) {
	views, err := h.svc.Batches(r.Context())
	if err != nil {
		h.fail(w, r, "failed to list batches", err)

		return
	}

	resp := make([]BatchResponse, 0, len(views))

	for _, v := range views {
		if v.Batch.Deleted {
			continue
		}

		resp = append(resp, toBatchResponse(v))
	}

	writeJSON(r.Context(), w, http.StatusOK, resp)
}

func (h *BatchHandler) GetBatch(w http.ResponseWriter, r *http.Request) {
	id, ok := batchID(w, r)
	if !ok {
		return
	}

	v, err := h.svc.Batch(r.Context(), id)
	if err != nil {
		h.fail(w, r, "failed to get batch", err)

		return
	}

	writeJSON(r.Context(), w, http.StatusOK, toBatchResponse(v))
}

// control adapts a batch operation to a handler answering 204.
func (h *BatchHandler) control(op func(ctx context.Context, batchID int64) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id, ok := batchID(w, r)
		if !ok {
			return
		}

		if err := op(logctx.WithBatch(r.Context(), id), id); err != nil {
			h.fail(w, r, "batch operation failed", err)

			return
		}

		w.WriteHeader(http.StatusNoContent)
	}
}

func (h *BatchHandler) fail(w http.ResponseWriter, r *http.Request, msg string, err error) {
	code, public := errorStatus(err)

	logger := logctx.LoggerFromContext(r.Context())
	if code >= http.StatusInternalServerError {
		logger.Error(msg, "err", err)
	} else {
		logger.Debug(msg, "err", err)
	}

	writeError(r.Context(), w, code, public)
}

func errorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, storage.ErrNotFound):
		return http.StatusNotFound, "batch not found"
	case errors.Is(err, downloader.ErrBatchFinished):
		return http.StatusConflict, err.Error()
	case errors.Is(err, downloader.ErrEmptyBatch),
		errors.Is(err, downloader.ErrUnsupportedURI),
		errors.Is(err, downloader.ErrNoDestination),
		errors.Is(err, source.ErrInvalidURI),
		errors.Is(err, source.ErrUnsupportedScheme):
		return http.StatusBadRequest, err.Error()
	case errors.Is(err, source.ErrNotFound):
		return http.StatusUnprocessableEntity, err.Error()
	}

	return http.StatusInternalServerError, "internal server error"
}

func (h *BatchHandler) basicAuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		username, password, ok := r.BasicAuth()
		if !ok {
			http.Error(w, "invalid authorization format", http.StatusUnauthorized)

			return
		}

		if username != h.username || password != h.password {
			http.Error(w, "invalid username or password", http.StatusUnauthorized)

			return
		}

		next.ServeHTTP(w, r)
	})
}

func batchID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(chi.URLParam(r, "batchID"), 10, 64)
	if err != nil || id <= 0 {
		writeError(r.Context(), w, http.StatusBadRequest, "invalid batch id")

		return 0, false
	}

	return id, true
}

func toRequest(req CreateBatchRequest) downloader.Request {
	out := downloader.Request{
		Title:       req.Title,
		Description: req.Description,
		Visibility:  storage.VisibilityVisible,
	}

	if req.Hidden {
		out.Visibility = storage.VisibilityHidden
	}

	for _, d := range req.Downloads {
		headers := make([]storage.Header, len(d.Headers))
		for i, hdr := range d.Headers {
			headers[i] = storage.Header{Name: hdr.Name, Value: hdr.Value}
		}

		out.Downloads = append(out.Downloads, downloader.DownloadRequest{
			URI:          d.URI,
			Destination:  d.Destination,
			Class:        storage.DestinationClass(d.Class),
			Headers:      headers,
			MimeType:     d.MimeType,
			NoIntegrity:  d.NoIntegrity,
			AlwaysResume: d.AlwaysResume,
			AllowRoaming: d.AllowRoaming,
			AllowMetered: d.AllowMetered,
		})
	}

	return out
}

func toBatchResponse(v batch.View) BatchResponse {
	resp := BatchResponse{
		ID:           v.Batch.ID,
		Title:        v.Batch.Title,
		Description:  v.Batch.Description,
		Hidden:       v.Batch.Visibility == storage.VisibilityHidden,
		Status:       v.Status.String(),
		StatusCode:   int(v.Status),
		Started:      v.Batch.Started,
		Deleted:      v.Batch.Deleted,
		TotalBytes:   v.TotalBytes,
		CurrentBytes: v.CurrentBytes,
		Downloads:    make([]DownloadResponse, 0, len(v.Downloads)),
		CreatedAt:    v.Batch.CreatedAt,
	}

	for _, d := range v.Downloads {
		resp.Downloads = append(resp.Downloads, DownloadResponse{
			ID:           d.ID,
			URI:          d.URI,
			Destination:  d.Destination,
			Filename:     d.Filename,
			MimeType:     d.MimeType,
			Status:       d.Status.String(),
			StatusCode:   int(d.Status),
			TotalBytes:   d.TotalBytes,
			CurrentBytes: d.CurrentBytes,
			FailureCount: d.FailureCount,
			Paused:       d.Control == storage.ControlPaused,
			ErrorMessage: d.ErrorMessage,
			UpdatedAt:    d.LastModified,
		})
	}

	return resp
}

// HealthHandler reports liveness and whether the engine is transferring.
func HealthHandler(active func() bool) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		writeJSON(r.Context(), w, http.StatusOK, map[string]any{
			"status": "ok",
			"active": active(),
		})
	}
}

func writeJSON(ctx context.Context, w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		logctx.LoggerFromContext(ctx).Error("failed to encode response", "err", err)
	}
}

func writeError(ctx context.Context, w http.ResponseWriter, status int, message string) {
	writeJSON(ctx, w, status, map[string]string{"error": message})
}
