// Package vision holds the job kinds that keep a source's features,
// classifiers and classifications up to date.
package vision

import (
	"context"
	"errors"
	"fmt"
	"math/rand/v2"
	"strconv"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/config"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// Options tune the vision kinds.
type Options struct {
	// MaxDuration bounds one check_source run; queueing stops once it passes.
	MaxDuration        time.Duration
	DeadlineCheckEvery int
	TrainingMinImages  int
	// TrainingRatio is how much the training set must grow before retraining.
	TrainingRatio  float64
	MaxImagePixels int
	// CheckSpread is the window over which check_all_sources spreads checks.
	CheckSpread time.Duration
}

// DefaultOptions returns the vision defaults.
func DefaultOptions() Options {
	return Options{
		MaxDuration:        10 * time.Minute,
		DeadlineCheckEvery: 10,
		TrainingMinImages:  5,
		TrainingRatio:      1.1,
		MaxImagePixels:     200_000_000,
		CheckSpread:        time.Hour,
	}
}

// OptionsFromConfig builds Options from the process configuration.
func OptionsFromConfig(cfg *config.Config) Options {
	opts := DefaultOptions()
	opts.MaxDuration = cfg.Jobs.MaxDuration()
	opts.DeadlineCheckEvery = cfg.Jobs.DeadlineCheckEvery
	opts.TrainingMinImages = cfg.Vision.TrainingMinImages
	opts.TrainingRatio = cfg.Vision.TrainingRatio
	opts.MaxImagePixels = cfg.Vision.MaxImagePixels
	return opts
}

// Deps are the collaborators shared by the vision kinds.
type Deps struct {
	Queue   *jobs.Queue
	Catalog store.CatalogStore
	Jobs    store.JobStore
}

// base carries what every vision kind needs.
type base struct {
	queue   *jobs.Queue
	catalog store.CatalogStore
	jobs    store.JobStore
	opts    Options
	now     func() time.Time
	// jitter returns a delay in [0, n).
	jitter func(n time.Duration) time.Duration
}

func newBase(d Deps, opts Options) *base {
	def := DefaultOptions()
	if opts.DeadlineCheckEvery <= 0 {
		opts.DeadlineCheckEvery = def.DeadlineCheckEvery
	}
	if opts.MaxDuration <= 0 {
		opts.MaxDuration = def.MaxDuration
	}
	if opts.CheckSpread <= 0 {
		opts.CheckSpread = def.CheckSpread
	}
	return &base{
		queue:   d.Queue,
		catalog: d.Catalog,
		jobs:    d.Jobs,
		opts:    opts,
		now:     time.Now,
		jitter: func(n time.Duration) time.Duration {
			if n <= 0 {
				return 0
			}
			return rand.N(n)
		},
	}
}

// Kinds returns every vision job kind, ready for jobs.NewRegistry.
func Kinds(d Deps, opts Options) []jobs.Kind {
	b := newBase(d, opts)
	return []jobs.Kind{
		&checkSourceKind{b},
		&checkAllSourcesKind{b},
		&extractFeaturesKind{b},
		&trainClassifierKind{b},
		&classifyFeaturesKind{b},
		&classifyImageKind{b},
	}
}

// queueSourceCheck makes sure a check of the source is pending.
func (b *base) queueSourceCheck(ctx context.Context, sourceID int64, delay time.Duration) (bool, error) {
	_, created, err := b.queue.Enqueue(ctx, jobs.QueueRequest{
		Name:     jobs.KindCheckSource,
		Args:     []any{sourceID},
		SourceID: &sourceID,
		Delay:    delay,
	})
	return created, err
}

// trainingActive reports whether a train_classifier job of the source is
// pending or in progress.
func (b *base) trainingActive(ctx context.Context, sourceID int64) (bool, error) {
	_, err := b.jobs.FindIncompleteJob(ctx, models.Identity{
		JobName:       jobs.KindTrainClassifier,
		ArgIdentifier: models.ArgsToIdentifier(sourceID),
		SourceID:      &sourceID,
	})
	if errors.Is(err, store.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// intArgs decodes a job's arg_identifier into n integer arguments.
func intArgs(job *models.Job, n int) ([]int64, error) {
	raw := models.IdentifierToArgs(job.ArgIdentifier)
	if len(raw) != n {
		return nil, fmt.Errorf("expected %d argument(s), got %q", n, job.ArgIdentifier)
	}
	out := make([]int64, n)
	for i, r := range raw {
		v, err := strconv.ParseInt(r, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid argument %q", r)
		}
		out[i] = v
	}
	return out, nil
}

func imageLabel(img *models.Image) string {
	if img.Filename != "" {
		return img.Filename
	}
	return fmt.Sprintf("image %d", img.ID)
}

func sameRowCols(a, b []models.RowCol) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
