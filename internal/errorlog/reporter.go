// Package errorlog records unexpected job failures as structured,
// deduplicated error reports.
package errorlog

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

const maxMessageBytes = 5000

// Reporter writes error reports to an ErrorLogStore.
type Reporter struct {
	store store.ErrorLogStore
	now   func() time.Time
}

func NewReporter(st store.ErrorLogStore) *Reporter {
	return &Reporter{store: st, now: time.Now}
}

type jobContext struct {
	JobID         int64  `json:"job_id"`
	JobName       string `json:"job_name"`
	ArgIdentifier string `json:"arg_identifier"`
	SourceID      *int64 `json:"source_id,omitempty"`
	AttemptNumber int    `json:"attempt_number"`
}

// Report records detail as an error of the given kind raised by job.
// Repeats of the same normalized message are folded into one entry.
func (r *Reporter) Report(ctx context.Context, kind string, job *models.Job, detail string) error {
	if kind == "" {
		kind = "ComputeError"
	}
	msg := Sanitize(detail, maxMessageBytes)

	entry := &models.ErrorLog{
		Kind:        kind,
		Message:     msg,
		Fingerprint: Fingerprint(kind, msg),
		LastSeenAt:  r.now().UTC(),
	}
	if job != nil {
		raw, err := json.Marshal(jobContext{
			JobID:         job.ID,
			JobName:       job.JobName,
			ArgIdentifier: job.ArgIdentifier,
			SourceID:      job.SourceID,
			AttemptNumber: job.AttemptNumber,
		})
		if err != nil {
			return fmt.Errorf("encode error context: %w", err)
		}
		entry.Context = raw
		id := job.ID
		entry.JobID = &id
	}

	saved, err := r.store.UpsertErrorLog(ctx, entry)
	if err != nil {
		return err
	}
	slog.Debug("error report recorded", "kind", kind, "fingerprint", saved.Fingerprint, "count", saved.Count)
	return nil
}
