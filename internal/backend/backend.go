// Package backend submits work units to an external compute pool and
// drains their results.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"
)

// Sentinel errors for compute backend failures.
var (
	ErrUnreachable = errors.New("compute backend unreachable")
	ErrTimeout     = errors.New("compute backend timeout")
	ErrRejected    = errors.New("compute backend rejected work unit")
)

// Work unit states reported by Collect.
const (
	StatusRunning   = "RUNNING"
	StatusSucceeded = "SUCCEEDED"
	StatusFailed    = "FAILED"
	StatusDropped   = "DROPPED"
)

// Failure tiers of a FAILED result.
const (
	ErrorKindInput   = "input"
	ErrorKindCompute = "compute"
)

// WorkUnit is one piece of computation handed to the pool.
type WorkUnit struct {
	Handle      string          `json:"handle"`
	JobID       int64           `json:"job_id"`
	Kind        string          `json:"kind"`
	Payload     json.RawMessage `json:"payload"`
	SubmittedAt time.Time       `json:"submitted_at"`
}

// Result is the state of a submitted unit. Unit is the unit as it was
// submitted, so completion logic can compare it with current data.
type Result struct {
	Unit      WorkUnit        `json:"unit"`
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	Error     string          `json:"error,omitempty"`
	// Ref is the pool's own reference for the unit, if it has one.
	Ref       string          `json:"ref,omitempty"`
}

// Finished reports whether the unit will not change state anymore.
func (r Result) Finished() bool {
	return r.Status != StatusRunning
}

// Backend is the work-unit submission and collection API.
type Backend interface {
	Name() string
	// Submit hands the unit to the pool and returns its handle.
	Submit(ctx context.Context, unit WorkUnit) (string, error)
	// Collect returns up to max units that changed state. Finished units
	// are removed from the pool.
	Collect(ctx context.Context, max int) ([]Result, error)
	// Requeue returns collected but unprocessed results to the pool.
	Requeue(ctx context.Context, results []Result) error
}

// ComputeFunc performs one work unit. Returning an *InputError marks the
// failure as caused by the submitted data.
type ComputeFunc func(ctx context.Context, unit WorkUnit) (json.RawMessage, error)

// InputError is a failure attributable to bad input data.
type InputError struct {
	Type string
	Msg  string
}

func (e *InputError) Error() string {
	return e.Msg
}

// NewInputError creates an InputError of the given type.
func NewInputError(errType, format string, args ...any) *InputError {
	return &InputError{Type: errType, Msg: fmt.Sprintf(format, args...)}
}

type typedError interface {
	ErrorType() string
}

// Run executes compute for unit and converts its return into a Result.
// Panics become compute errors.
func Run(ctx context.Context, unit WorkUnit, compute ComputeFunc) (res Result) {
	res.Unit = unit

	defer func() {
		if r := recover(); r != nil {
			res.Status = StatusFailed
			res.Output = nil
			res.ErrorKind = ErrorKindCompute
			res.ErrorType = "Panic"
			res.Error = fmt.Sprint(r)
		}
	}()

	out, err := compute(ctx, unit)
	if err == nil {
		res.Status = StatusSucceeded
		res.Output = out
		return res
	}

	res.Status = StatusFailed
	res.Error = err.Error()

	var inputErr *InputError
	if errors.As(err, &inputErr) {
		res.ErrorKind = ErrorKindInput
		res.ErrorType = inputErr.Type
		return res
	}

	res.ErrorKind = ErrorKindCompute
	res.ErrorType = "ComputeError"
	var typed typedError
	if errors.As(err, &typed) {
		res.ErrorType = typed.ErrorType()
	}
	return res
}
