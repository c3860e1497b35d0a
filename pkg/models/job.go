package models

import (
	"fmt"
	"strings"
	"time"
)

const (
	JobStatusPending    = "pending"
	JobStatusInProgress = "in_progress"
	JobStatusSuccess    = "success"
	JobStatusFailure    = "failure"
)

// IncompleteStatuses are the statuses covered by the one-active-job-per-identity rule.
var IncompleteStatuses = []string{JobStatusPending, JobStatusInProgress}

// Job is the durable record of one scheduled unit of work.
//
// (JobName, ArgIdentifier, SourceID) is the job's identity. At most one job
// per identity may be pending or in progress at a time.
type Job struct {
	ID                 int64      `db:"id"                   json:"id"`
	JobName            string     `db:"job_name"             json:"job_name"`
	ArgIdentifier      string     `db:"arg_identifier"       json:"arg_identifier"`
	SourceID           *int64     `db:"source_id"            json:"source_id,omitempty"`
	Status             string     `db:"status"               json:"status"`
	ResultMessage      string     `db:"result_message"       json:"result_message"`
	ErrorMessage       *string    `db:"error_message"        json:"error_message,omitempty"`
	AttemptNumber      int        `db:"attempt_number"       json:"attempt_number"`
	Persist            bool       `db:"persist"              json:"persist"`
	Hidden             bool       `db:"hidden"               json:"hidden"`
	ExternalUnitID     *string    `db:"external_unit_id"     json:"external_unit_id,omitempty"`
	ScheduledStartDate time.Time  `db:"scheduled_start_date" json:"scheduled_start_date"`
	StartDate          *time.Time `db:"start_date"           json:"start_date,omitempty"`
	CreateDate         time.Time  `db:"create_date"          json:"create_date"`
	ModifyDate         time.Time  `db:"modify_date"          json:"modify_date"`
}

// Identity returns the deduplication key of the job.
func (j *Job) Identity() Identity {
	return Identity{JobName: j.JobName, ArgIdentifier: j.ArgIdentifier, SourceID: j.SourceID}
}

// Completed reports whether the job reached a terminal status.
func (j *Job) Completed() bool {
	return j.Status == JobStatusSuccess || j.Status == JobStatusFailure
}

func (j *Job) String() string {
	s := j.JobName
	if j.ArgIdentifier != "" {
		s += " / " + j.ArgIdentifier
	}
	if j.AttemptNumber > 1 {
		s += fmt.Sprintf(", attempt %d", j.AttemptNumber)
	}
	return s
}

// Identity is the (job name, argument identifier, source) tuple used for deduplication.
type Identity struct {
	JobName       string
	ArgIdentifier string
	SourceID      *int64
}

// ArgsToIdentifier joins job arguments into the stored arg_identifier form.
func ArgsToIdentifier(args ...any) string {
	parts := make([]string, len(args))
	for i, a := range args {
		parts[i] = fmt.Sprint(a)
	}
	return strings.Join(parts, ",")
}

// IdentifierToArgs splits an arg_identifier back into its string arguments.
// Arguments containing commas do not round-trip.
func IdentifierToArgs(identifier string) []string {
	if identifier == "" {
		return []string{}
	}
	return strings.Split(identifier, ",")
}
