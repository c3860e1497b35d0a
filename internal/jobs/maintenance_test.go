package jobs

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/kiranshivaraju/visionjobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCleanupKind(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	kind := NewCleanupKind(h.store, 30*24*time.Hour, nil).(*cleanupKind)
	kind.now = h.clock.Now
	ctx := context.Background()

	out := kind.Run(ctx, nil)
	assert.Equal(t, Succeeded("No old jobs to clean up"), out)

	old := h.store.Put(&models.Job{JobName: KindCheckSource, Status: models.JobStatusSuccess, ModifyDate: h.clock.Now().Add(-31 * 24 * time.Hour)})
	kept := h.store.Put(&models.Job{JobName: KindCheckSource, Status: models.JobStatusSuccess, ModifyDate: h.clock.Now().Add(-31 * 24 * time.Hour), Persist: true})
	recent := h.store.Put(&models.Job{JobName: KindCheckSource, Status: models.JobStatusFailure, ModifyDate: h.clock.Now().Add(-29 * 24 * time.Hour)})

	out = kind.Run(ctx, nil)
	assert.Equal(t, "Cleaned up 1 old job(s)", out.Message)
	assert.True(t, out.Succeeded())

	_, err := h.store.GetJob(ctx, old.ID)
	assert.Error(t, err)
	for _, id := range []int64{kept.ID, recent.ID} {
		_, err := h.store.GetJob(ctx, id)
		assert.NoError(t, err)
	}
}

func TestStuckReportKind_ReportsOnce(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	kind := NewStuckReportKind(h.store, h.notifier, h.svc.opts, nil).(*stuckReportKind)
	kind.now = h.clock.Now
	ctx := context.Background()

	stuck := h.store.Put(&models.Job{
		JobName:       KindExtractFeatures,
		ArgIdentifier: "12",
		Status:        models.JobStatusInProgress,
		ModifyDate:    h.clock.Now().Add(-(3*24 + 12) * time.Hour),
	})
	// Training gets a longer window, so it is not stuck yet.
	h.store.Put(&models.Job{
		JobName:    KindTrainClassifier,
		Status:     models.JobStatusInProgress,
		ModifyDate: h.clock.Now().Add(-(3*24 + 12) * time.Hour),
	})
	// Completed jobs are never stuck.
	h.store.Put(&models.Job{
		JobName:    KindExtractFeatures,
		Status:     models.JobStatusSuccess,
		ModifyDate: h.clock.Now().Add(-(3*24 + 12) * time.Hour),
	})

	out := kind.Run(ctx, nil)
	assert.Equal(t, "1 job(s) haven't progressed in a while", out.Message)

	sent := h.notifier.Sent()
	require.Len(t, sent, 1)
	assert.Equal(t, "[Test] 1 job(s) haven't progressed in a while", sent[0].Subject)
	assert.Equal(t,
		"The following job(s) haven't progressed in a while:\n\nextract_features / 12 - since "+
			stuck.ModifyDate.UTC().Format("2006-01-02 15:04 UTC"),
		sent[0].Body)

	h.clock.Advance(24 * time.Hour)
	kind.now = h.clock.Now
	out = kind.Run(ctx, nil)
	assert.Equal(t, "No stuck jobs detected", out.Message)
	assert.Len(t, h.notifier.Sent(), 1)
}

func TestStuckReportKind_HighSpecWindow(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	kind := NewStuckReportKind(h.store, h.notifier, h.svc.opts, nil).(*stuckReportKind)
	kind.now = h.clock.Now

	h.store.Put(&models.Job{JobName: KindTrainClassifier, ArgIdentifier: "2", Status: models.JobStatusInProgress,
		ModifyDate: h.clock.Now().Add(-(8*24 + 1) * time.Hour)})
	h.store.Put(&models.Job{JobName: KindClassifyFeatures, ArgIdentifier: "9", Status: models.JobStatusInProgress,
		ModifyDate: h.clock.Now().Add(-(3*24 + 2) * time.Hour)})

	out := kind.Run(context.Background(), nil)
	assert.Equal(t, "2 job(s) haven't progressed in a while", out.Message)

	body := h.notifier.Sent()[0].Body
	lines := strings.Split(body, "\n")
	require.Len(t, lines, 4)
	assert.True(t, strings.HasPrefix(lines[2], "classify_features / 9"), "most recently modified first")
	assert.True(t, strings.HasPrefix(lines[3], "train_classifier / 2"))
}

func TestStuckReportKind_NotifyFailure(t *testing.T) {
	h := newHarness(t, testOptions(), nil)
	h.notifier.err = errors.New("smtp down")
	kind := NewStuckReportKind(h.store, h.notifier, h.svc.opts, nil).(*stuckReportKind)
	kind.now = h.clock.Now
	h.store.Put(&models.Job{JobName: KindCheckSource, Status: models.JobStatusInProgress,
		ModifyDate: h.clock.Now().Add(-(3*24 + 1) * time.Hour)})

	out := kind.Run(context.Background(), nil)
	assert.False(t, out.Succeeded())
	assert.Contains(t, out.Message, "smtp down")
}
