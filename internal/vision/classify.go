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

type classifyFeaturesKind struct{ *base }

func (k *classifyFeaturesKind) Name() string { return jobs.KindClassifyFeatures }

func (k *classifyFeaturesKind) Prepare(ctx context.Context, job *models.Job) (json.RawMessage, error) {
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
	if !img.FeaturesExtracted {
		return nil, fmt.Errorf("Image %d needs to have features extracted before being classified.", imageID)
	}

	clf, err := k.catalog.GetCurrentClassifier(ctx, img.SourceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("Image %d can't be classified; its source doesn't have a classifier.", imageID)
	}
	if err != nil {
		return nil, err
	}

	rowcols, err := k.catalog.ListRowCols(ctx, imageID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(ClassifyRequest{ImageID: imageID, ClassifierID: clf.ID, RowCols: rowcols})
}

func (k *classifyFeaturesKind) Complete(ctx context.Context, job *models.Job, res backend.Result) jobs.Outcome {
	var req ClassifyRequest
	if err := json.Unmarshal(res.Unit.Payload, &req); err != nil {
		return jobs.Failed(fmt.Sprintf("Couldn't decode submitted request: %v", err))
	}
	var resp ClassifyResponse
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
	if _, err := k.catalog.GetClassifier(ctx, req.ClassifierID); errors.Is(err, store.ErrNotFound) {
		return jobs.Vanished(fmt.Sprintf("Classifier %d doesn't exist anymore.", req.ClassifierID))
	} else if err != nil {
		return jobs.Failed(err.Error())
	}

	current, err := k.catalog.ListRowCols(ctx, img.ID)
	if err != nil {
		return jobs.Failed(err.Error())
	}
	if !sameRowCols(current, req.RowCols) {
		return jobs.Stale(fmt.Sprintf("Row-col data for %s has changed since this task was submitted.", imageLabel(img)))
	}

	if err := k.catalog.SaveClassification(ctx, img.ID, req.ClassifierID, resp.Scores); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Vanished(fmt.Sprintf("Image %d doesn't exist anymore.", img.ID))
		}
		return jobs.Failed(fmt.Sprintf("Failed to save scores for image %d: %v", img.ID, err))
	}

	// The last classification of a pass confirms the source is caught up.
	remaining, err := k.catalog.ListImagesToClassify(ctx, img.SourceID, req.ClassifierID)
	if err != nil {
		slog.Warn("listing images to classify", "source_id", img.SourceID, "error", err)
	} else if len(remaining) == 0 {
		if _, err := k.queueSourceCheck(ctx, img.SourceID, 0); err != nil {
			slog.Warn("queueing source check after classification", "source_id", img.SourceID, "error", err)
		}
	}

	return jobs.Succeeded(fmt.Sprintf("Used classifier %d", req.ClassifierID))
}

// classifyImageKind classifies an image submitted through the deploy API.
// Its arguments are the API job id and the unit's order within it.
type classifyImageKind struct{ *base }

func (k *classifyImageKind) Name() string { return jobs.KindClassifyImage }

func (k *classifyImageKind) Prepare(ctx context.Context, job *models.Job) (json.RawMessage, error) {
	args, err := intArgs(job, 2)
	if err != nil {
		return nil, err
	}
	apiJobID, order := args[0], int(args[1])

	unit, err := k.catalog.GetAPIJobUnit(ctx, apiJobID, order)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("Job unit [%d / %d] does not exist.", apiJobID, order)
	}
	if err != nil {
		return nil, err
	}

	var ureq deployUnitRequest
	if err := json.Unmarshal(unit.Request, &ureq); err != nil {
		return nil, fmt.Errorf("Job unit [%d / %d] has an invalid request: %v", apiJobID, order, err)
	}

	clf, err := k.catalog.GetClassifier(ctx, ureq.ClassifierID)
	if errors.Is(err, store.ErrNotFound) {
		return nil, fmt.Errorf("Classifier of id %d does not exist. Maybe it was deleted.", ureq.ClassifierID)
	}
	if err != nil {
		return nil, err
	}
	source, err := k.catalog.GetSource(ctx, clf.SourceID)
	if err != nil {
		return nil, fmt.Errorf("loading source of classifier %d: %w", clf.ID, err)
	}

	// The unit keeps its job alive through retention cleanup.
	if err := k.catalog.LinkAPIJobUnit(ctx, unit.ID, job.ID); err != nil {
		return nil, err
	}

	rowcols := make([]models.RowCol, len(ureq.Points))
	for i, p := range ureq.Points {
		rowcols[i] = models.RowCol{Row: p.Row, Col: p.Column}
	}
	return json.Marshal(DeployRequest{
		UnitID:       unit.ID,
		ClassifierID: clf.ID,
		URL:          ureq.URL,
		Extractor:    source.FeatureExtractor,
		RowCols:      rowcols,
	})
}

func (k *classifyImageKind) Complete(ctx context.Context, job *models.Job, res backend.Result) jobs.Outcome {
	var req DeployRequest
	if err := json.Unmarshal(res.Unit.Payload, &req); err != nil {
		return jobs.Failed(fmt.Sprintf("Couldn't decode submitted request: %v", err))
	}
	var resp ClassifyResponse
	if err := json.Unmarshal(res.Output, &resp); err != nil {
		return jobs.ComputeError("InvalidOutput", err.Error())
	}

	out, err := json.Marshal(deployUnitResult{URL: req.URL, ClassifierID: req.ClassifierID, Points: resp.Scores})
	if err != nil {
		return jobs.Failed(err.Error())
	}
	if err := k.catalog.SaveAPIJobUnitResult(ctx, req.UnitID, out); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return jobs.Vanished(fmt.Sprintf("Job unit %d doesn't exist anymore.", req.UnitID))
		}
		return jobs.Failed(err.Error())
	}
	return jobs.Succeeded(fmt.Sprintf("Classified %d point(s) with classifier %d", len(resp.Scores), req.ClassifierID))
}

// Failed records the error on the unit so API clients can see it.
func (k *classifyImageKind) Failed(ctx context.Context, job *models.Job, res backend.Result) {
	var req DeployRequest
	if err := json.Unmarshal(res.Unit.Payload, &req); err != nil || req.UnitID == 0 {
		return
	}
	out, err := json.Marshal(deployUnitResult{URL: req.URL, Errors: []string{res.Error}})
	if err != nil {
		return
	}
	err = k.catalog.SaveAPIJobUnitResult(ctx, req.UnitID, out)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		slog.Error("saving api job unit error", "job_id", job.ID, "unit_id", req.UnitID, "error", err)
	}
}
