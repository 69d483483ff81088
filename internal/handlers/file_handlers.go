// Package handlers provides HTTP handlers for file operations
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/logging"
	"github.com/example/filevault/internal/middleware"
	"github.com/example/filevault/internal/models"
	"github.com/example/filevault/internal/storage"
	"github.com/example/filevault/internal/token"
)

const (
	defaultMaxUploadSize = 512 << 20
	multipartMemory      = 32 << 20
	defaultSignExpiry    = "+1 hour"
)

var providers = []string{storage.ProviderLocal, storage.ProviderS3, storage.ProviderDrive, storage.ProviderGCS}

// FileHandler handles file operations against the active backend
type FileHandler struct {
	backend       storage.Backend
	signer        *token.URLSigner
	factory       *storage.Factory
	uploadsDir    string
	maxUploadSize int64
	now           func() time.Time
	validate      *validator.Validate
	log           zerolog.Logger
}

// Option configures a FileHandler.
type Option func(*FileHandler)

// WithLogger sets the logger.
func WithLogger(l zerolog.Logger) Option {
	return func(h *FileHandler) { h.log = l }
}

// WithUploadsDir sets where incoming uploads are spooled before they are
// handed to the backend. Defaults to the system temp directory.
func WithUploadsDir(dir string) Option {
	return func(h *FileHandler) { h.uploadsDir = dir }
}

// WithMaxUploadSize caps the request body of an upload.
func WithMaxUploadSize(n int64) Option {
	return func(h *FileHandler) {
		if n > 0 {
			h.maxUploadSize = n
		}
	}
}

// WithFactory reports provider availability from f instead of the default
// factory.
func WithFactory(f *storage.Factory) Option {
	return func(h *FileHandler) { h.factory = f }
}

// NewFileHandler creates a new file handler
func NewFileHandler(backend storage.Backend, signer *token.URLSigner, opts ...Option) (*FileHandler, error) {
	if backend == nil || signer == nil {
		return nil, errors.New("handlers: backend and URL signer are required")
	}
	h := &FileHandler{
		backend:       backend,
		signer:        signer,
		factory:       storage.DefaultFactory,
		maxUploadSize: defaultMaxUploadSize,
		now:           time.Now,
		validate:      validator.New(validator.WithRequiredStructEnabled()),
		log:           zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// RegisterRoutes mounts the health check on public and the management API on
// protected.
func (h *FileHandler) RegisterRoutes(public, protected *mux.Router) {
	public.HandleFunc("/health", h.Health).Methods(http.MethodGet)

	protected.HandleFunc("/api/files", h.UploadFile).Methods(http.MethodPost)
	protected.HandleFunc("/api/files", h.DeleteFile).Methods(http.MethodDelete)
	protected.HandleFunc("/api/files/url", h.GetFileURL).Methods(http.MethodGet)
	protected.HandleFunc("/api/sign", h.SignURL).Methods(http.MethodPost)
	protected.HandleFunc("/api/storage/status", h.GetStorageProviderStatus).Methods(http.MethodGet)
}

// Health reports liveness.
func (h *FileHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// GetStorageProviderStatus returns the status of all storage providers
func (h *FileHandler) GetStorageProviderStatus(w http.ResponseWriter, r *http.Request) {
	status := make(map[string]models.ProviderStatus, len(providers))
	for _, p := range providers {
		available, reason := h.factory.IsProviderAvailable(p)
		status[p] = models.ProviderStatus{Available: available, Reason: reason, Active: p == h.backend.Name()}
	}
	sendJSONResponse(w, models.APIResponse{Success: true, Data: status}, http.StatusOK)
}

// UploadFile spools the multipart "file" field to disk and uploads it to the
// backend at the "destination" form value. An empty destination, or one ending
// in "/", takes the client's file name.
func (h *FileHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxUploadSize)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			sendJSONError(w, "File exceeds the maximum upload size", http.StatusRequestEntityTooLarge)
			return
		}
		sendJSONError(w, "Failed to parse form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	file, header, err := r.FormFile("file")
	if err != nil {
		sendJSONError(w, "No file provided", http.StatusBadRequest)
		return
	}
	defer file.Close()

	name := path.Base(filepath.ToSlash(header.Filename))
	if name == "." || name == "/" {
		name = ""
	}
	destination := r.FormValue("destination")
	stored := path.Base(destination)
	if destination == "" || strings.HasSuffix(destination, "/") {
		if name == "" {
			sendJSONError(w, "A destination is required when the upload has no file name", http.StatusBadRequest)
			return
		}
		// Destinations are percent-decoded by the backend; the client's
		// file name is literal.
		destination += url.PathEscape(name)
		stored = name
	} else if u, err := url.PathUnescape(stored); err == nil {
		stored = u
	}

	spooled, size, err := h.spool(file)
	if err != nil {
		h.log.Error().Err(err).Msg("failed to spool upload")
		sendJSONError(w, "Failed to store upload", http.StatusInternalServerError)
		return
	}
	defer os.Remove(spooled)

	id, err := h.backend.Upload(r.Context(), spooled, destination)
	if err != nil {
		h.sendError(w, r, "Failed to store file", err)
		return
	}

	h.log.Info().
		Str(logging.FieldProvider, h.backend.Name()).
		Str("destination", destination).
		Int64("size", size).
		Str(logging.FieldRequestID, middleware.RequestID(r.Context())).
		Msg("file uploaded")

	sendJSONResponse(w, models.APIResponse{
		Success: true,
		Data: &models.File{
			ID:          id,
			Name:        stored,
			Size:        size,
			ContentType: header.Header.Get("Content-Type"),
			UploadedAt:  h.now().UTC(),
			StorageType: h.backend.Name(),
			Destination: destination,
		},
	}, http.StatusCreated)
}

// spool copies the upload to a temporary file so backends always receive a
// regular file path.
func (h *FileHandler) spool(src io.Reader) (string, int64, error) {
	dir := h.uploadsDir
	if dir != "" {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return "", 0, err
		}
	}
	tmp, err := os.CreateTemp(dir, "upload-*")
	if err != nil {
		return "", 0, err
	}
	n, err := io.Copy(tmp, src)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(tmp.Name())
		return "", 0, err
	}
	return tmp.Name(), n, nil
}

// GetFileURL returns a URL for ?id=. Optional parameters: expiry (an expiry
// expression overriding the backend's signed URL lifetime) and public=true
// (confirms that the object may be made world-readable).
func (h *FileHandler) GetFileURL(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	id := q.Get("id")
	if id == "" {
		sendJSONError(w, "File ID is required", http.StatusBadRequest)
		return
	}

	var (
		opts      []storage.URLOption
		expiresAt *time.Time
	)
	if q.Get("public") == "true" {
		opts = append(opts, storage.WithPublicAccessConfirmed())
	}
	if expr := q.Get("expiry"); expr != "" {
		now := h.now()
		exp, err := token.ParseExpiry(expr, now)
		if err != nil {
			h.sendError(w, r, "Invalid expiry", err)
			return
		}
		if !exp.After(now) {
			sendJSONError(w, "Expiry must be in the future", http.StatusBadRequest)
			return
		}
		opts = append(opts, storage.WithExpiry(exp.Sub(now)))
		expiresAt = &exp
	}

	u, err := h.backend.PublicURL(r.Context(), id, opts...)
	if err != nil {
		h.sendError(w, r, "Failed to get file URL", err)
		return
	}
	sendJSONResponse(w, models.APIResponse{
		Success: true,
		Data:    &models.URLResponse{ID: id, URL: u, ExpiresAt: expiresAt},
	}, http.StatusOK)
}

// DeleteFile handles requests to delete files
func (h *FileHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	id := r.URL.Query().Get("id")
	if id == "" {
		sendJSONError(w, "File ID is required", http.StatusBadRequest)
		return
	}

	deleted, err := h.backend.Delete(r.Context(), id)
	if err != nil {
		h.sendError(w, r, "Failed to delete file", err)
		return
	}

	msg := "File deleted successfully"
	if !deleted {
		msg = "File did not exist"
	}
	sendJSONResponse(w, models.APIResponse{
		Success: true,
		Message: msg,
		Data:    &models.DeleteResult{ID: id, Deleted: deleted},
	}, http.StatusOK)
}

// SignURL appends a token to an arbitrary URL so RequireSignedURL accepts it.
func (h *FileHandler) SignURL(w http.ResponseWriter, r *http.Request) {
	var req models.SignRequest
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(&req); err != nil {
		sendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}
	if err := h.validate.Struct(req); err != nil {
		sendJSONError(w, "A valid absolute url is required", http.StatusBadRequest)
		return
	}
	if req.Expiry == "" {
		req.Expiry = defaultSignExpiry
	}

	exp, err := token.ParseExpiry(req.Expiry, h.now())
	if err != nil {
		h.sendError(w, r, "Invalid expiry", err)
		return
	}
	signed, err := h.signer.SignUntil(r.Context(), req.URL, exp)
	if err != nil {
		h.sendError(w, r, "Failed to sign URL", err)
		return
	}
	sendJSONResponse(w, models.APIResponse{
		Success: true,
		Data:    &models.SignResponse{URL: signed, ExpiresAt: exp.UTC()},
	}, http.StatusOK)
}

// sendError maps err to a status. Server-side failures are logged and their
// details withheld from the client.
func (h *FileHandler) sendError(w http.ResponseWriter, r *http.Request, msg string, err error) {
	status := apperr.HTTPStatus(err)
	if status >= http.StatusInternalServerError {
		h.log.Error().Err(err).
			Str("path", r.URL.Path).
			Str(logging.FieldRequestID, middleware.RequestID(r.Context())).
			Msg(msg)
		if status == http.StatusBadGateway {
			sendJSONError(w, fmt.Sprintf("%s: storage provider error", msg), status)
			return
		}
		sendJSONError(w, msg, status)
		return
	}
	sendJSONError(w, fmt.Sprintf("%s: %v", msg, err), status)
}

// sendJSONResponse sends a JSON response to the client
func sendJSONResponse(w http.ResponseWriter, response interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(response)
}

// sendJSONError sends a JSON error response to the client
func sendJSONError(w http.ResponseWriter, message string, status int) {
	sendJSONResponse(w, models.APIResponse{Success: false, Error: message}, status)
}
