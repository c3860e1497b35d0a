package vision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

type trainClassifierKind struct{ *base }

func (k *trainClassifierKind) Name() string { return jobs.KindTrainClassifier }

// Prepare creates the classifier record the result will be written to.
func (k *trainClassifierKind) Prepare(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	args, err := intArgs(job, 1)
	if err != nil {
		return nil, err
	}
	sourceID := args[0]

	source, err := k.catalog.GetSource(ctx, sourceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("Can't find source %d", sourceID)
	}
	if err != nil {
		return nil, err
	}

	images, err := k.catalog.ListTrainingImages(ctx, sourceID)
	if err != nil {
		return nil, err
	}
	if len(images) == 0 {
		return nil, fmt.Errorf("Source %d has no confirmed images with features to train on.", sourceID)
	}

	var previous []int64
	current, err := k.catalog.GetCurrentClassifier(ctx, sourceID)
	switch {
	case err == nil:
		previous = append(previous, current.ID)
	case !errors.Is(err, store.ErrNotFound):
		return nil, err
	}

	clf, err := k.catalog.CreateClassifier(ctx, sourceID, len(images))
	if err != nil {
		return nil, err
	}

	ids := make([]int64, len(images))
	for i, img := range images {
		ids[i] = img.ID
	}
	return json.Marshal(TrainRequest{
		SourceID:            sourceID,
		ClassifierID:        clf.ID,
		Extractor:           source.FeatureExtractor,
		ImageIDs:            ids,
		PreviousClassifiers: previous,
	})
}

// Complete accepts the new classifier unless it is less accurate than the
// current one.
func (k *trainClassifierKind) Complete(ctx context.Context, job *models.Job, res backend.Result) jobs.Outcome {
	var req TrainRequest
	if err := json.Unmarshal(res.Unit.Payload, &req); err != nil {
		return jobs.Failed(fmt.Sprintf("Couldn't decode submitted request: %v", err))
	}
	var resp TrainResponse
	if err := json.Unmarshal(res.Output, &resp); err != nil {
		return jobs.ComputeError("InvalidOutput", err.Error())
	}

	if _, err := k.catalog.GetClassifier(ctx, req.ClassifierID); errors.Is(err, store.ErrNotFound) {
		return jobs.Vanished(fmt.Sprintf("Classifier %d doesn't exist anymore.", req.ClassifierID))
	} else if err != nil {
		return jobs.Failed(err.Error())
	}

	prev, err := k.catalog.GetCurrentClassifier(ctx, req.SourceID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return jobs.Failed(err.Error())
	}

	accuracy := resp.Accuracy
	status := models.ClassifierStatusAccepted
	if prev != nil && prev.Accuracy != nil && accuracy < *prev.Accuracy {
		status = models.ClassifierStatusRejected
	}
	if err := k.catalog.UpdateClassifier(ctx, req.ClassifierID, status, &accuracy); err != nil {
		return jobs.Failed(err.Error())
	}

	if _, err := k.queueSourceCheck(ctx, req.SourceID, 0); err != nil {
		slog.Warn("queueing source check after training", "source_id", req.SourceID, "error", err)
	}

	if status == models.ClassifierStatusRejected {
		return jobs.Succeeded(fmt.Sprintf(
			"Classifier %d not accepted: accuracy %.1f%% doesn't improve on classifier %d's %.1f%%",
			req.ClassifierID, accuracy*100, prev.ID, *prev.Accuracy*100))
	}
	return jobs.Succeeded(fmt.Sprintf("Classifier %d accepted with accuracy %.1f%%", req.ClassifierID, accuracy*100))
}

// Failed marks the classifier so it is never mistaken for one in training.
func (k *trainClassifierKind) Failed(ctx context.Context, job *models.Job, res backend.Result) {
	var req TrainRequest
	if err := json.Unmarshal(res.Unit.Payload, &req); err != nil || req.ClassifierID == 0 {
		return
	}
	err := k.catalog.UpdateClassifier(ctx, req.ClassifierID, models.ClassifierStatusError, nil)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("marking classifier as errored", "job_id", job.ID, "classifier_id", req.ClassifierID, "error", err)
	}
}
