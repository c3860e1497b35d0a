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

type extractFeaturesKind struct{ *base }

func (k *extractFeaturesKind) Name() string { return jobs.KindExtractFeatures }

func (k *extractFeaturesKind) Prepare(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	args, err := intArgs(job, 1)
	if err != nil {
		return nil, err
	}
	imageID := args[0]

	img, err := k.catalog.GetImage(ctx, imageID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("Image %d does not exist.", imageID)
	}
	if err != nil {
		return nil, err
	}
	source, err := k.catalog.GetSource(ctx, img.SourceID)
	if err != nil {
		return nil, fmt.Errorf("loading source of image %d: %w", imageID, err)
	}
	rowcols, err := k.catalog.ListRowCols(ctx, imageID)
	if err != nil {
		return nil, err
	}

	return json.Marshal(ExtractRequest{
		ImageID:    img.ID,
		StorageKey: img.StorageKey,
		Extractor:  source.FeatureExtractor,
		RowCols:    rowcols,
	})
}

func (k *extractFeaturesKind) Complete(ctx context.Context, job *models.Job, res backend.Result) jobs.Outcome {
	var req ExtractRequest
	if err := json.Unmarshal(res.Unit.Payload, &req); err != nil {
		return jobs.Failed(fmt.Sprintf("Couldn't decode submitted request: %v", err))
	}
	var resp ExtractResponse
	if err := json.Unmarshal(res.Output, &resp); err != nil {
		return jobs.ComputeError("InvalidOutput", err.Error())
	}

	img, err := k.catalog.GetImage(ctx, req.ImageID)
	if errors.Is(err, store.ErrNotFound) {
		return jobs.Vanished(fmt.Sprintf("Image %d doesn't exist anymore.", req.ImageID))
	}
	if err != nil {
		return jobs.Failed(err.Error())
	}

	// Features computed for other points would desync classification.
	current, err := k.catalog.ListRowCols(ctx, img.ID)
	if err != nil {
		return jobs.Failed(err.Error())
	}
	if !sameRowCols(current, req.RowCols) {
		return jobs.Stale(fmt.Sprintf("Row-col data for %s has changed since this task was submitted.", imageLabel(img)))
	}

	extractor := resp.Extractor
	if extractor == "" {
		extractor = req.Extractor
	}
	if err := k.catalog.SaveFeatures(ctx, img.ID, extractor); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Vanished(fmt.Sprintf("Image %d doesn't exist anymore.", img.ID))
		}
		return jobs.Failed(err.Error())
	}

	if _, err := k.queueSourceCheck(ctx, img.SourceID, 0); err != nil {
		slog.Warn("queueing source check after extraction", "source_id", img.SourceID, "error", err)
	}
	return jobs.Succeeded(fmt.Sprintf("Extracted features for %d point(s)", len(req.RowCols)))
}
