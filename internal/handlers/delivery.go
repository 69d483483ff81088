package handlers

import (
	"mime"
	"net/http"
	"path"
	"strings"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/example/filevault/internal/apperr"
	"github.com/example/filevault/internal/middleware"
	"github.com/example/filevault/internal/storage"
)

// DeliveryHandler serves files held by LocalStorage at the URLs PublicURL
// hands out.
type DeliveryHandler struct {
	local  *storage.LocalStorage
	prefix string
	log    zerolog.Logger
}

// NewDeliveryHandler serves local's files under prefix, the path component
// of the backend's base URL.
func NewDeliveryHandler(local *storage.LocalStorage, prefix string, log zerolog.Logger) *DeliveryHandler {
	prefix = "/" + strings.Trim(prefix, "/")
	if prefix == "/" {
		prefix = ""
	}
	return &DeliveryHandler{local: local, prefix: prefix, log: log}
}

// RegisterRoutes mounts the delivery route on r. guard, when non-nil, wraps
// the handler; pass middleware.RequireSignedURL to demand a token.
func (h *DeliveryHandler) RegisterRoutes(r *mux.Router, guard middleware.Middleware) {
	var handler http.Handler = http.HandlerFunc(h.ServeFile)
	if guard != nil {
		handler = guard(handler)
	}
	r.Handle(h.prefix+"/{path:.+}", handler).Methods(http.MethodGet, http.MethodHead)
}

// ServeFile streams the file named by the route's path variable. Range and
// conditional requests are honoured.
func (h *DeliveryHandler) ServeFile(w http.ResponseWriter, r *http.Request) {
	rel := mux.Vars(r)["path"]
	f, info, err := h.local.OpenPath(r.Context(), rel)
	if err != nil {
		status := apperr.HTTPStatus(err)
		if status == http.StatusForbidden || status == http.StatusBadRequest {
			status = http.StatusNotFound
		}
		h.log.Debug().Err(err).Str("path", rel).Msg("delivery refused")
		http.Error(w, http.StatusText(status), status)
		return
	}
	defer f.Close()

	name := path.Base(rel)
	if ct := mime.TypeByExtension(path.Ext(name)); ct != "" {
		w.Header().Set("Content-Type", ct)
	}
	disposition := "inline"
	if r.URL.Query().Get("download") == "1" {
		disposition = "attachment"
	}
	w.Header().Set("Content-Disposition", mime.FormatMediaType(disposition, map[string]string{"filename": name}))
	w.Header().Set("X-Content-Type-Options", "nosniff")
	http.ServeContent(w, r, name, info.ModTime(), f)
}
