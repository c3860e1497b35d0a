package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// Job kinds the scheduler may start.
const (
	KindCheckSource      = "check_source"
	KindExtractFeatures  = "extract_features"
	KindTrainClassifier  = "train_classifier"
	KindClassifyFeatures = "classify_features"
	KindClassifyImage    = "classify_image"
	KindCheckAllSources  = "check_all_sources"
	KindCleanUpOldJobs   = "clean_up_old_jobs"
	KindReportStuckJobs  = "report_stuck_jobs"
)

// Tracked runs are started by the daemon timers, never by the scheduler.
const (
	RunScheduledJobs  = "run_scheduled_jobs"
	CollectResults    = "collect_results"
	QueuePeriodicJobs = "queue_periodic_jobs"
)

var declaredKinds = []string{
	KindCheckSource,
	KindExtractFeatures,
	KindTrainClassifier,
	KindClassifyFeatures,
	KindClassifyImage,
	KindCheckAllSources,
	KindCleanUpOldJobs,
	KindReportStuckJobs,
}

var trackedRuns = []string{RunScheduledJobs, CollectResults, QueuePeriodicJobs}

// highSpecKinds run on larger compute instances and may legitimately
// stay in progress for longer.
var highSpecKinds = []string{KindTrainClassifier}

// ErrUnknownKind is returned for job names outside the declared set.
var ErrUnknownKind = errors.New("unknown job kind")

// IsDeclared reports whether name is a kind the scheduler may start.
func IsDeclared(name string) bool {
	return slices.Contains(declaredKinds, name)
}

// Kind is a handler for one job name.
type Kind interface {
	Name() string
}

// LocalKind runs in-process on the executor pool.
type LocalKind interface {
	Kind
	Run(ctx context.Context, job *models.Job) Outcome
}

// RemoteKind is computed by the work-unit pool.
type RemoteKind interface {
	Kind
	// Prepare builds the payload to submit. An error fails the job with
	// the error text and nothing is submitted.
	Prepare(ctx context.Context, job *models.Job) (json.RawMessage, error)
	// Complete applies a finished result to the job's subject.
	Complete(ctx context.Context, job *models.Job, res backend.Result) Outcome
}

// Registry maps job names to their handlers.
type Registry struct {
	kinds map[string]Kind
}

// NewRegistry builds a registry from kinds. Every kind must have a
// declared name, appear once, and be either local or remote.
func NewRegistry(kinds ...Kind) (*Registry, error) {
	r := &Registry{kinds: make(map[string]Kind, len(kinds))}
	for _, k := range kinds {
		name := k.Name()
		if !IsDeclared(name) {
			return nil, fmt.Errorf("%w: %q", ErrUnknownKind, name)
		}
		if _, dup := r.kinds[name]; dup {
			return nil, fmt.Errorf("kind %q registered twice", name)
		}
		_, local := k.(LocalKind)
		_, remote := k.(RemoteKind)
		if local == remote {
			return nil, fmt.Errorf("kind %q must be exactly one of local or remote", name)
		}
		r.kinds[name] = k
	}
	return r, nil
}

// Lookup returns the handler for name.
func (r *Registry) Lookup(name string) (Kind, bool) {
	k, ok := r.kinds[name]
	return k, ok
}

// Validate reports declared kinds that have no handler.
func (r *Registry) Validate() error {
	var missing []string
	for _, name := range declaredKinds {
		if _, ok := r.kinds[name]; !ok {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return fmt.Errorf("no handler registered for: %s", strings.Join(missing, ", "))
	}
	return nil
}

// Names returns the registered job names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.kinds))
	for name := range r.kinds {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
