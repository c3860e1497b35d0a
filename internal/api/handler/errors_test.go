package handler_test

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kiranshivaraju/visionjobs/internal/api/handler"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

type stubErrorLogs struct {
	logs      []*models.ErrorLog
	err       error
	lastLimit int
}

func (s *stubErrorLogs) ListErrorLogs(_ context.Context, limit int) ([]*models.ErrorLog, error) {
	s.lastLimit = limit
	if s.err != nil {
		return nil, s.err
	}
	if len(s.logs) > limit {
		return s.logs[:limit], nil
	}
	return s.logs, nil
}

func TestListErrors(t *testing.T) {
	jobID := int64(7)
	logs := &stubErrorLogs{logs: []*models.ErrorLog{
		{ID: 2, Kind: "ImageNotFound", Message: "Image 8 does not exist.", JobID: &jobID, Count: 3},
		{ID: 1, Kind: "Timeout", Message: "compute timed out", Count: 1},
	}}

	w := httptest.NewRecorder()
	handler.NewListErrorsHandler(logs)(w, httptest.NewRequest(http.MethodGet, "/errors", nil))

	require.Equal(t, http.StatusOK, w.Code)
	got := decode[[]models.ErrorLog](t, w)
	require.Len(t, got, 2)
	assert.Equal(t, "ImageNotFound", got[0].Kind)
	assert.Equal(t, 3, got[0].Count)
	assert.Equal(t, 50, logs.lastLimit)
}

func TestListErrors_Limit(t *testing.T) {
	tests := []struct {
		name      string
		query     string
		wantCode  int
		wantLimit int
	}{
		{"explicit", "?limit=1", http.StatusOK, 1},
		{"capped", "?limit=5000", http.StatusOK, 100},
		{"zero", "?limit=0", http.StatusBadRequest, 0},
		{"not a number", "?limit=abc", http.StatusBadRequest, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			logs := &stubErrorLogs{}
			w := httptest.NewRecorder()
			handler.NewListErrorsHandler(logs)(w, httptest.NewRequest(http.MethodGet, "/errors"+tt.query, nil))

			assert.Equal(t, tt.wantCode, w.Code)
			assert.Equal(t, tt.wantLimit, logs.lastLimit)
		})
	}
}

func TestListErrors_StoreFailure(t *testing.T) {
	w := httptest.NewRecorder()
	handler.NewListErrorsHandler(&stubErrorLogs{err: errors.New("connection reset")})(w,
		httptest.NewRequest(http.MethodGet, "/errors", nil))

	assert.Equal(t, http.StatusInternalServerError, w.Code)
}
