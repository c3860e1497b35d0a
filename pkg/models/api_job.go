package models

import (
	"encoding/json"
	"time"
)

// APIJob groups deploy requests submitted through the classification API.
type APIJob struct {
	ID        int64     `db:"id"         json:"id"`
	Type      string    `db:"type"       json:"type"`
	CreatedAt time.Time `db:"created_at" json:"created_at"`
}

// APIJobUnit is one request of an APIJob. Its internal job is retained as
// long as the unit exists.
type APIJobUnit struct {
	ID            int64           `db:"id"              json:"id"`
	ParentID      int64           `db:"parent_id"       json:"parent_id"`
	Order         int             `db:"order_in_parent" json:"order"`
	InternalJobID *int64          `db:"internal_job_id" json:"internal_job_id,omitempty"`
	Request       json.RawMessage `db:"request_json"    json:"request"`
	Result        json.RawMessage `db:"result_json"     json:"result,omitempty"`
}
