package jobs

import (
	"fmt"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// Failure reasons. Only ReasonCompute reaches operators.
const (
	ReasonFailed   = "failed"
	ReasonInput    = "input"
	ReasonStale    = "stale"
	ReasonVanished = "vanished"
	ReasonCompute  = "compute"
)

// Outcome is the result of running or completing a job.
type Outcome struct {
	Status    string
	Reason    string
	Message   string
	ErrorType string
	Hidden    bool
}

// Succeeded completes a job with msg as its result.
func Succeeded(msg string) Outcome {
	return Outcome{Status: models.JobStatusSuccess, Message: msg}
}

// Failed is a local, expected failure such as a missing subject at submission.
func Failed(msg string) Outcome {
	return Outcome{Status: models.JobStatusFailure, Reason: ReasonFailed, Message: msg}
}

// InputError is a failure caused by the submitted data itself.
func InputError(msg string) Outcome {
	return Outcome{Status: models.JobStatusFailure, Reason: ReasonInput, Message: msg}
}

// Stale is a result discarded because its subject changed after submission.
func Stale(msg string) Outcome {
	return Outcome{Status: models.JobStatusFailure, Reason: ReasonStale, Message: msg}
}

// Vanished is a result whose subject was deleted after submission.
func Vanished(msg string) Outcome {
	return Outcome{Status: models.JobStatusFailure, Reason: ReasonVanished, Message: msg}
}

// ComputeError is an unexpected failure. It is recorded in the error log
// and operators are notified.
func ComputeError(errType, detail string) Outcome {
	return Outcome{
		Status:    models.JobStatusFailure,
		Reason:    ReasonCompute,
		Message:   fmt.Sprintf("%s: %s", errType, detail),
		ErrorType: errType,
	}
}

// ResultFailure converts a failed work unit into an Outcome.
func ResultFailure(res backend.Result) Outcome {
	if res.ErrorKind == backend.ErrorKindInput {
		return InputError(res.Error)
	}
	errType := res.ErrorType
	if errType == "" {
		errType = "ComputeError"
	}
	return ComputeError(errType, res.Error)
}

// Alert reports whether operators should hear about this outcome.
func (o Outcome) Alert() bool {
	return o.Reason == ReasonCompute
}

// Succeeded reports whether the outcome finishes the job as SUCCESS.
func (o Outcome) Succeeded() bool {
	return o.Status == models.JobStatusSuccess
}
