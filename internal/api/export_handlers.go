package api

import (
	"net/http"
	"strings"

	"github.com/countryballcards/signup/internal/export"
	"github.com/countryballcards/signup/internal/pkg/httputil"
	"github.com/countryballcards/signup/internal/pkg/logger"
)

// Export handles GET /admin/export?status=&format=csv|json.
func (h *Handlers) Export(w http.ResponseWriter, r *http.Request) {
	status, ok := parseStatus(w, r.URL.Query().Get("status"))
	if !ok {
		return
	}
	format := strings.ToLower(r.URL.Query().Get("format"))
	if format == "" {
		format = "csv"
	}
	if format != "csv" && format != "json" {
		httputil.BadRequest(w, "format must be csv or json")
		return
	}

	subs, err := h.subs.Export(r.Context(), status)
	if err != nil {
		respondServiceError(w, err, "Export failed")
		return
	}

	if format == "json" {
		httputil.Success(w, map[string]any{"subscribers": subs, "count": len(subs)})
		return
	}

	w.Header().Set("Content-Type", "text/csv; charset=utf-8")
	w.Header().Set("Content-Disposition", `attachment; filename="`+export.Filename(h.now())+`"`)
	w.WriteHeader(http.StatusOK)
	if err := export.WriteCSV(w, subs); err != nil {
		// Headers are gone; all we can do is log.
		logger.Error("api: csv export write failed", "error", err)
	}
}

// ArchiveExport handles POST /admin/export/archive?status=.
func (h *Handlers) ArchiveExport(w http.ResponseWriter, r *http.Request) {
	if h.archiver == nil {
		respondUnavailable(w, "Archive storage is not configured")
		return
	}
	status, ok := parseStatus(w, r.URL.Query().Get("status"))
	if !ok {
		return
	}
	subs, err := h.subs.Export(r.Context(), status)
	if err != nil {
		respondServiceError(w, err, "Export failed")
		return
	}
	key, err := h.archiver.Archive(r.Context(), subs, h.now())
	if err != nil {
		httputil.InternalError(w, err, "Archive upload failed")
		return
	}
	httputil.SuccessStatus(w, http.StatusCreated, map[string]any{"key": key, "count": len(subs)})
}
