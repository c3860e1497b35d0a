package models

import (
	"encoding/json"
	"time"
)

// ErrorLog is a structured failure report kept apart from the job's short message.
type ErrorLog struct {
	ID          int64           `db:"id"          json:"id"`
	Kind        string          `db:"kind"        json:"kind"`
	Message     string          `db:"message"     json:"message"`
	Fingerprint string          `db:"fingerprint" json:"fingerprint"`
	Context     json.RawMessage `db:"context"     json:"context,omitempty"`
	JobID       *int64          `db:"job_id"      json:"job_id,omitempty"`
	Count       int             `db:"count"       json:"count"`
	FirstSeenAt time.Time       `db:"first_seen_at" json:"first_seen_at"`
	LastSeenAt  time.Time       `db:"last_seen_at"  json:"last_seen_at"`
}
