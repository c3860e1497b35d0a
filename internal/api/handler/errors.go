package handler

import (
	"context"
	"log/slog"
	"net/http"

	"github.com/kiranshivaraju/visionjobs/internal/api/response"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

const maxErrorReports = 100

// ErrorLogReader lists recorded failure reports, most recently seen first.
type ErrorLogReader interface {
	ListErrorLogs(ctx context.Context, limit int) ([]*models.ErrorLog, error)
}

// NewListErrorsHandler returns GET /api/v1/errors.
func NewListErrorsHandler(logs ErrorLogReader) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit, err := queryInt(r, "limit", 50)
		if err != nil {
			response.Error(w, http.StatusBadRequest, "VALIDATION_ERROR", err.Error(), nil)
			return
		}
		limit = min(limit, maxErrorReports)

		entries, err := logs.ListErrorLogs(r.Context(), limit)
		if err != nil {
			slog.Error("list error logs", "error", err)
			writeStoreError(w, err, "")
			return
		}
		response.Collection(w, entries, response.NewPaginationMeta(1, limit, len(entries)))
	}
}
