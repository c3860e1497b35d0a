package vision

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"slices"
	"strconv"
	"time"

	"github.com/hashicorp/go-multierror"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// checkSourceKind queues whatever a source needs next: feature
// extractions, then training, then classifications.
type checkSourceKind struct{ *base }

func (k *checkSourceKind) Name() string { return jobs.KindCheckSource }

// deadline tracks the wrap-up time of one check.
type deadline struct {
	k      *base
	job    *models.Job
	wrapUp time.Time
}

// passed is consulted after every queued job; it only looks at the clock
// every DeadlineCheckEvery jobs.
func (d *deadline) passed(ctx context.Context, queued int) bool {
	if queued == 0 || queued%d.k.opts.DeadlineCheckEvery != 0 {
		return false
	}
	if err := d.k.jobs.TouchJob(ctx, d.job.ID); err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Warn("touching job", "job_id", d.job.ID, "error", err)
	}
	return d.k.now().After(d.wrapUp)
}

func (k *checkSourceKind) Run(ctx context.Context, job *models.Job) jobs.Outcome {
	args, err := intArgs(job, 1)
	if err != nil {
		return jobs.Failed(err.Error())
	}
	sourceID := args[0]

	if _, err := k.catalog.GetSource(ctx, sourceID); errors.Is(err, store.ErrNotFound) {
		return jobs.Failed(fmt.Sprintf("Can't find source %d", sourceID))
	} else if err != nil {
		return jobs.Failed(err.Error())
	}

	dl := &deadline{k: k.base, job: job, wrapUp: k.now().Add(k.opts.MaxDuration)}

	// Feature extraction

	notExtracted, err := k.catalog.ListImagesWithoutFeatures(ctx, sourceID)
	if err != nil {
		return jobs.Failed(err.Error())
	}
	var toExtract []*models.Image
	var tooLarge *models.Image
	for _, img := range notExtracted {
		if k.opts.MaxImagePixels > 0 && img.Pixels() > k.opts.MaxImagePixels {
			if tooLarge == nil {
				tooLarge = img
			}
			continue
		}
		toExtract = append(toExtract, img)
	}

	if len(toExtract) > 0 {
		active, err := k.trainingActive(ctx, sourceID)
		if err != nil {
			return jobs.Failed(err.Error())
		}
		// Extracting now could desync the row-cols training was submitted with.
		if active {
			return jobs.Succeeded("Feature extraction(s) ready, but not submitted due to training in progress")
		}

		queued, timedOut, err := k.queueEach(ctx, dl, jobs.KindExtractFeatures, sourceID, toExtract)
		if err != nil {
			return jobs.Failed(err.Error())
		}
		if queued > 0 {
			return jobs.Succeeded(withTimeout(fmt.Sprintf("Queued %d feature extraction(s)", queued), timedOut))
		}
		return jobs.Succeeded("Waiting for feature extraction(s) to finish")
	}

	var caveat string
	if tooLarge != nil {
		caveat = fmt.Sprintf(
			"At least one image has too large of a resolution to extract features (example: image ID %d).", tooLarge.ID)
	}

	// Classifier training

	need, reason, err := k.needTraining(ctx, sourceID)
	if err != nil {
		return jobs.Failed(err.Error())
	}
	if need {
		_, created, err := k.queue.Enqueue(ctx, jobs.QueueRequest{
			Name:     jobs.KindTrainClassifier,
			Args:     []any{sourceID},
			SourceID: &sourceID,
		})
		if err != nil {
			return jobs.Failed(err.Error())
		}
		if created {
			return jobs.Succeeded("Queued training")
		}
		return jobs.Succeeded("Waiting for training to finish")
	}

	// Image classification

	clf, err := k.catalog.GetCurrentClassifier(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Succeeded(fmt.Sprintf("Can't train first classifier: %s", reason))
	}
	if err != nil {
		return jobs.Failed(err.Error())
	}

	toClassify, err := k.catalog.ListImagesToClassify(ctx, sourceID, clf.ID)
	if err != nil {
		return jobs.Failed(err.Error())
	}
	if len(toClassify) > 0 {
		queued, timedOut, err := k.queueEach(ctx, dl, jobs.KindClassifyFeatures, sourceID, toClassify)
		if err != nil {
			return jobs.Failed(err.Error())
		}
		if queued > 0 {
			return jobs.Succeeded(withTimeout(fmt.Sprintf("Queued %d image classification(s)", queued), timedOut))
		}
		return jobs.Succeeded("Waiting for image classification(s) to finish")
	}

	if caveat != "" {
		return jobs.Succeeded(fmt.Sprintf("%s Otherwise, the source seems to be all caught up. %s", caveat, reason))
	}
	return jobs.Succeeded(fmt.Sprintf("Source seems to be all caught up. %s", reason))
}

// queueEach queues one job of kind per image, skipping images that
// already have an incomplete job. It stops early once the deadline passes.
func (k *checkSourceKind) queueEach(ctx context.Context, dl *deadline, kind string, sourceID int64, images []*models.Image) (queued int, timedOut bool, err error) {
	active, err := k.jobs.ListIncompleteArgs(ctx, kind, sourceID)
	if err != nil {
		return 0, false, err
	}

	for _, img := range images {
		if slices.Contains(active, strconv.FormatInt(img.ID, 10)) {
			continue
		}
		_, created, err := k.queue.Enqueue(ctx, jobs.QueueRequest{
			Name:     kind,
			Args:     []any{img.ID},
			SourceID: &sourceID,
		})
		if err != nil {
			return queued, false, err
		}
		if !created {
			continue
		}
		queued++
		if dl.passed(ctx, queued) {
			return queued, true, nil
		}
	}
	return queued, false, nil
}

// needTraining decides whether the source should train a new classifier.
// The reason explains a negative answer.
func (k *checkSourceKind) needTraining(ctx context.Context, sourceID int64) (bool, string, error) {
	images, err := k.catalog.ListTrainingImages(ctx, sourceID)
	if err != nil {
		return false, "", err
	}
	have := len(images)

	latest, err := k.catalog.GetLatestClassifier(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		if have < k.opts.TrainingMinImages {
			return false, fmt.Sprintf(
				"Need %d annotated images for initial training, and currently have %d", k.opts.TrainingMinImages, have), nil
		}
		return true, "", nil
	}
	if err != nil {
		return false, "", err
	}

	threshold := int(math.Ceil(k.opts.TrainingRatio * float64(latest.NbrTrainImages)))
	threshold = max(threshold, k.opts.TrainingMinImages)
	if have < threshold {
		return false, fmt.Sprintf("Need %d annotated images for next training, and currently have %d", threshold, have), nil
	}
	return true, "", nil
}

func withTimeout(msg string, timedOut bool) string {
	if timedOut {
		return msg + " (timed out)"
	}
	return msg
}

// checkAllSourcesKind queues a check of every source, spread over a
// window so the checks don't all start at once.
type checkAllSourcesKind struct{ *base }

func (k *checkAllSourcesKind) Name() string { return jobs.KindCheckAllSources }

func (k *checkAllSourcesKind) Run(ctx context.Context, _ *models.Job) jobs.Outcome {
	ids, err := k.catalog.ListSourceIDs(ctx)
	if err != nil {
		return jobs.Failed(err.Error())
	}

	var errs *multierror.Error
	queued := 0
	for _, id := range ids {
		created, err := k.queueSourceCheck(ctx, id, k.jitter(k.opts.CheckSpread))
		if err != nil {
			errs = multierror.Append(errs, fmt.Errorf("source %d: %w", id, err))
			continue
		}
		if created {
			queued++
		}
	}

	if err := errs.ErrorOrNil(); err != nil {
		return jobs.Failed(fmt.Sprintf("Queued checks for %d source(s), but some failed: %v", queued, err))
	}
	return jobs.Succeeded(fmt.Sprintf("Queued checks for %d source(s)", queued))
}
