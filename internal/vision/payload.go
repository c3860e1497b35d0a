package vision

import (
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// ExtractRequest is the work unit payload of extract_features.
type ExtractRequest struct {
	ImageID    int64           `json:"image_id"`
	StorageKey string          `json:"storage_key"`
	Extractor  string          `json:"extractor"`
	RowCols    []models.RowCol `json:"rowcols"`
}

type ExtractResponse struct {
	Extractor string  `json:"extractor"`
	Runtime   float64 `json:"runtime,omitempty"`
}

// TrainRequest is the work unit payload of train_classifier.
type TrainRequest struct {
	SourceID            int64   `json:"source_id"`
	ClassifierID        int64   `json:"classifier_id"`
	Extractor           string  `json:"extractor"`
	ImageIDs            []int64 `json:"image_ids"`
	PreviousClassifiers []int64 `json:"previous_classifiers,omitempty"`
}

type TrainResponse struct {
	// Accuracy is measured on the validation set, in [0, 1].
	Accuracy float64 `json:"accuracy"`
}

// ClassifyRequest is the work unit payload of classify_features.
type ClassifyRequest struct {
	ImageID      int64           `json:"image_id"`
	ClassifierID int64           `json:"classifier_id"`
	RowCols      []models.RowCol `json:"rowcols"`
}

type ClassifyResponse struct {
	Scores []models.LabelScore `json:"scores"`
}

// DeployRequest is the work unit payload of classify_image.
type DeployRequest struct {
	UnitID       int64           `json:"unit_id"`
	ClassifierID int64           `json:"classifier_id"`
	URL          string          `json:"url"`
	Extractor    string          `json:"extractor"`
	RowCols      []models.RowCol `json:"rowcols"`
}

// deployUnitRequest is the stored request of an API job unit.
type deployUnitRequest struct {
	ClassifierID int64  `json:"classifier_id"`
	URL          string `json:"url"`
	Points       []struct {
		Row    int `json:"row"`
		Column int `json:"column"`
	} `json:"points"`
}

// deployUnitResult is stored on the API job unit when it finishes.
type deployUnitResult struct {
	URL          string              `json:"url"`
	ClassifierID int64               `json:"classifier_id,omitempty"`
	Points       []models.LabelScore `json:"points,omitempty"`
	Errors       []string            `json:"errors,omitempty"`
}
