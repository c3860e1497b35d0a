package vision

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"math"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// placeholderLabels are assigned by Compute.
var placeholderLabels = []string{"CCA", "Porites", "Sand", "Turf"}

type unsupportedKindError struct {
	kind string
}

func (e *unsupportedKindError) Error() string {
	return fmt.Sprintf("no computation for kind %q", e.kind)
}

func (e *unsupportedKindError) ErrorType() string { return "UnsupportedKind" }

// Compute is a deterministic stand-in for the numerical backend. It
// honors the request and response contracts of every remote kind, which
// makes it suitable for the local pool and for development workers.
func Compute(ctx context.Context, unit backend.WorkUnit) (json.RawMessage, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	switch unit.Kind {
	case jobs.KindExtractFeatures:
		var req ExtractRequest
		if err := json.Unmarshal(unit.Payload, &req); err != nil {
			return nil, backend.NewInputError("InvalidRequest", "decoding request: %v", err)
		}
		if req.StorageKey == "" {
			return nil, backend.NewInputError("FileNotFound", "Image %d has no stored file", req.ImageID)
		}
		return json.Marshal(ExtractResponse{Extractor: req.Extractor})

	case jobs.KindTrainClassifier:
		var req TrainRequest
		if err := json.Unmarshal(unit.Payload, &req); err != nil {
			return nil, backend.NewInputError("InvalidRequest", "decoding request: %v", err)
		}
		if len(req.ImageIDs) == 0 {
			return nil, backend.NewInputError("EmptyTrainingSet", "no images to train on")
		}
		// Accuracy grows with the training set and saturates below 95%.
		n := float64(len(req.ImageIDs))
		acc := 0.5 + 0.45*(1-1/(1+n/10))
		return json.Marshal(TrainResponse{Accuracy: math.Round(acc*1000) / 1000})

	case jobs.KindClassifyFeatures:
		var req ClassifyRequest
		if err := json.Unmarshal(unit.Payload, &req); err != nil {
			return nil, backend.NewInputError("InvalidRequest", "decoding request: %v", err)
		}
		return json.Marshal(ClassifyResponse{Scores: scorePoints(req.ClassifierID, req.RowCols)})

	case jobs.KindClassifyImage:
		var req DeployRequest
		if err := json.Unmarshal(unit.Payload, &req); err != nil {
			return nil, backend.NewInputError("InvalidRequest", "decoding request: %v", err)
		}
		if req.URL == "" {
			return nil, backend.NewInputError("URLError", "no image URL given")
		}
		return json.Marshal(ClassifyResponse{Scores: scorePoints(req.ClassifierID, req.RowCols)})
	}

	return nil, &unsupportedKindError{kind: unit.Kind}
}

func scorePoints(classifierID int64, rowcols []models.RowCol) []models.LabelScore {
	scores := make([]models.LabelScore, len(rowcols))
	for i, rc := range rowcols {
		h := fnv.New32a()
		fmt.Fprintf(h, "%d:%d:%d", classifierID, rc.Row, rc.Col)
		sum := h.Sum32()
		scores[i] = models.LabelScore{
			Row:   rc.Row,
			Col:   rc.Col,
			Label: placeholderLabels[sum%uint32(len(placeholderLabels))],
			Score: 0.5 + float64(sum%50)/100,
		}
	}
	return scores
}
