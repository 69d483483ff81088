package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/url"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/identifier"
	"github.com/example/filevault/internal/logging"
	"github.com/example/filevault/internal/middleware"
	"github.com/example/filevault/internal/secret"
	"github.com/example/filevault/internal/storage"
	"github.com/example/filevault/internal/token"
)

const baseURL = "http://localhost:8080/files"

type env struct {
	router *mux.Router
	local  *storage.LocalStorage
	signer *token.URLSigner
}

func newSigner(t *testing.T) *token.URLSigner {
	t.Helper()
	sealer, err := secret.NewStaticSealer("master")
	require.NoError(t, err)
	a, err := token.NewAuthority(secret.NewMemoryStore(), sealer)
	require.NoError(t, err)
	return token.NewURLSigner(a)
}

func newEnv(t *testing.T, opts ...Option) *env {
	t.Helper()
	signer := newSigner(t)
	codec, err := identifier.New([]byte("handler test key"))
	require.NoError(t, err)
	local, err := storage.NewLocalStorage(storage.LocalConfig{
		BasePath: filepath.Join(t.TempDir(), "files"),
		BaseURL:  baseURL,
		SignURLs: true,
	}, codec, storage.WithURLSigner(signer))
	require.NoError(t, err)

	opts = append([]Option{WithUploadsDir(t.TempDir()), WithFactory(storage.NewStorageFactory(zerolog.Nop()))}, opts...)
	h, err := NewFileHandler(local, signer, opts...)
	require.NoError(t, err)

	r := mux.NewRouter()
	h.RegisterRoutes(r, r)
	NewDeliveryHandler(local, "/files", zerolog.Nop()).RegisterRoutes(r, middleware.RequireSignedURL(signer, zerolog.Nop()))
	return &env{router: r, local: local, signer: signer}
}

func (e *env) do(t *testing.T, req *http.Request) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	rec := httptest.NewRecorder()
	e.router.ServeHTTP(rec, req)
	var body map[string]any
	if strings.HasPrefix(rec.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	}
	return rec, body
}

func uploadRequest(t *testing.T, filename, content, destination string) *http.Request {
	t.Helper()
	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	if filename != "" {
		fw, err := mw.CreateFormFile("file", filename)
		require.NoError(t, err)
		io.WriteString(fw, content)
	}
	if destination != "" {
		require.NoError(t, mw.WriteField("destination", destination))
	}
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/api/files", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func data(t *testing.T, body map[string]any) map[string]any {
	t.Helper()
	d, ok := body["data"].(map[string]any)
	require.True(t, ok, "response has no data object: %v", body)
	return d
}

func TestUploadURLDeliverDelete(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, uploadRequest(t, "a.txt", "hello vault", "docs/"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := data(t, body)
	id := file["id"].(string)
	assert.True(t, strings.HasSuffix(id, ":docs/a.txt"), id)
	assert.Equal(t, "a.txt", file["name"])
	assert.EqualValues(t, 11, file["size"])
	assert.Equal(t, storage.ProviderLocal, file["storageType"])

	rec, body = e.do(t, httptest.NewRequest(http.MethodGet, "/api/files/url?id="+url.QueryEscape(id), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	signed := data(t, body)["url"].(string)
	assert.True(t, strings.HasPrefix(signed, baseURL+"/docs/a.txt?token="), signed)

	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, signed, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "hello vault", rec.Body.String())
	assert.Equal(t, "text/plain; charset=utf-8", rec.Header().Get("Content-Type"))

	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, baseURL+"/docs/a.txt", nil))
	assert.Equal(t, http.StatusForbidden, rec.Code, "delivery without token")

	rec, body = e.do(t, httptest.NewRequest(http.MethodDelete, "/api/files?id="+url.QueryEscape(id), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, true, data(t, body)["deleted"])

	rec, body = e.do(t, httptest.NewRequest(http.MethodDelete, "/api/files?id="+url.QueryEscape(id), nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, false, data(t, body)["deleted"])

	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, signed, nil))
	assert.Equal(t, http.StatusNotFound, rec.Code, "deleted file")
}

func TestUploadCollisionKeepsBoth(t *testing.T) {
	e := newEnv(t)

	_, first := e.do(t, uploadRequest(t, "a.txt", "one", "a.txt"))
	_, second := e.do(t, uploadRequest(t, "a.txt", "two", "a.txt"))
	assert.NotEqual(t, data(t, first)["id"], data(t, second)["id"])
}

func TestUploadKeepsPercentInFileName(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, uploadRequest(t, "100%.txt", "full", ""))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := data(t, body)
	id := file["id"].(string)
	assert.True(t, strings.HasSuffix(id, ":100%.txt"), id)
	assert.Equal(t, "100%.txt", file["name"])

	_, body = e.do(t, httptest.NewRequest(http.MethodGet, "/api/files/url?id="+url.QueryEscape(id), nil))
	signed := data(t, body)["url"].(string)
	assert.True(t, strings.HasPrefix(signed, baseURL+"/100%25.txt?token="), signed)

	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, signed, nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "full", rec.Body.String())

	rec, body = e.do(t, uploadRequest(t, "a%20b.txt", "x", "docs/"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	id = data(t, body)["id"].(string)
	assert.True(t, strings.HasSuffix(id, ":docs/a%20b.txt"), id)
	assert.Equal(t, "a%20b.txt", data(t, body)["name"])
}

func TestUploadDecodesExplicitDestination(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, uploadRequest(t, "ignored.txt", "x", "docs/a%20b.txt"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	file := data(t, body)
	assert.True(t, strings.HasSuffix(file["id"].(string), ":docs/a b.txt"), file["id"])
	assert.Equal(t, "a b.txt", file["name"])
}

func TestUploadLogsProviderAndRequestID(t *testing.T) {
	var buf bytes.Buffer
	e := newEnv(t, WithLogger(zerolog.New(&buf)))
	h := middleware.Logger(zerolog.Nop())(e.router)

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, uploadRequest(t, "a.txt", "x", "a.txt"))
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	var entry map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &entry))
	assert.Equal(t, storage.ProviderLocal, entry[logging.FieldProvider])
	assert.Equal(t, rec.Header().Get(middleware.RequestIDHeader), entry[logging.FieldRequestID])
}

func TestUploadRejections(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, uploadRequest(t, "", "", "docs/a.txt"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	assert.Equal(t, false, body["success"])

	rec, _ = e.do(t, uploadRequest(t, "a.txt", "x", "../escape.txt"))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	rec, _ = e.do(t, uploadRequest(t, "empty.txt", "", "empty.txt"))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	small := newEnv(t, WithMaxUploadSize(64))
	rec, _ = small.do(t, uploadRequest(t, "big.bin", strings.Repeat("x", 4096), "big.bin"))
	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestGetFileURLErrors(t *testing.T) {
	e := newEnv(t)

	rec, _ := e.do(t, httptest.NewRequest(http.MethodGet, "/api/files/url", nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/api/files/url?id="+url.QueryEscape("deadbeef:docs/a.txt"), nil))
	assert.Equal(t, http.StatusForbidden, rec.Code)

	_, body := e.do(t, uploadRequest(t, "a.txt", "x", "a.txt"))
	id := data(t, body)["id"].(string)

	rec, _ = e.do(t, httptest.NewRequest(http.MethodGet, "/api/files/url?expiry=whenever&id="+url.QueryEscape(id), nil))
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec, body = e.do(t, httptest.NewRequest(http.MethodGet, "/api/files/url?expiry=%2B5+minutes&id="+url.QueryEscape(id), nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.NotEmpty(t, data(t, body)["expiresAt"])
}

func TestSignURL(t *testing.T) {
	e := newEnv(t)

	post := func(body string) (*httptest.ResponseRecorder, map[string]any) {
		req := httptest.NewRequest(http.MethodPost, "/api/sign", strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
		return e.do(t, req)
	}

	rec, body := post(`{"url":"https://cdn.example.com/media/clip.mp4?quality=hd","expiry":"+2 hours"}`)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	signed := data(t, body)["url"].(string)
	assert.Contains(t, signed, "quality=hd")

	req := httptest.NewRequest(http.MethodGet, signed, nil)
	p, err := e.signer.Verify(req)
	require.NoError(t, err)
	assert.Equal(t, token.ResourceID("/media/clip.mp4"), p.ResourceID)
	assert.WithinDuration(t, time.Now().Add(2*time.Hour), p.ExpiresAt(), time.Minute)

	for name, tc := range map[string]string{
		"not json":    `nope`,
		"missing url": `{"expiry":"+1 hour"}`,
		"relative":    `{"url":"/media/clip.mp4"}`,
		"bad expiry":  `{"url":"https://cdn.example.com/a","expiry":"someday"}`,
	} {
		t.Run(name, func(t *testing.T) {
			rec, _ := post(tc)
			assert.Equal(t, http.StatusBadRequest, rec.Code)
		})
	}
}

type failingBackend struct{ storage.Backend }

func (failingBackend) Name() string { return storage.ProviderS3 }

func (failingBackend) Delete(context.Context, string) (bool, error) {
	return false, apperr.Provider("s3.delete", errors.New("AccessDenied: credentials for internal-account-42 rejected"))
}

func TestProviderErrorsAreNotLeaked(t *testing.T) {
	h, err := NewFileHandler(failingBackend{}, newSigner(t))
	require.NoError(t, err)
	r := mux.NewRouter()
	h.RegisterRoutes(r, r)

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodDelete, "/api/files?id=x", nil))
	assert.Equal(t, http.StatusBadGateway, rec.Code)
	assert.NotContains(t, rec.Body.String(), "internal-account-42")
}

func TestStatusAndHealth(t *testing.T) {
	e := newEnv(t)

	rec, body := e.do(t, httptest.NewRequest(http.MethodGet, "/api/storage/status", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	status := data(t, body)
	local := status[storage.ProviderLocal].(map[string]any)
	assert.Equal(t, true, local["active"])
	assert.Equal(t, true, local["available"])
	assert.Contains(t, status, storage.ProviderDrive)

	rec = httptest.NewRecorder()
	e.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "OK", rec.Body.String())
}

func TestNewFileHandlerRequiresCollaborators(t *testing.T) {
	_, err := NewFileHandler(nil, newSigner(t))
	assert.Error(t, err)
}
