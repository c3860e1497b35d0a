package models

import "time"

// Source is a logical partition owning images, classifiers and jobs.
type Source struct {
	ID               int64     `db:"id"                json:"id"`
	Name             string    `db:"name"              json:"name"`
	FeatureExtractor string    `db:"feature_extractor" json:"feature_extractor"`
	CreatedAt        time.Time `db:"created_at"        json:"created_at"`
}

// Image is a subject of feature extraction and classification.
type Image struct {
	ID                int64   `db:"id"                 json:"id"`
	SourceID          int64   `db:"source_id"          json:"source_id"`
	Filename          string  `db:"filename"           json:"filename"`
	StorageKey        string  `db:"storage_key"        json:"storage_key"`
	Width             int     `db:"width"              json:"width"`
	Height            int     `db:"height"             json:"height"`
	Confirmed         bool    `db:"confirmed"          json:"confirmed"`
	FeaturesExtracted bool    `db:"features_extracted" json:"features_extracted"`
	FeaturesExtractor *string `db:"features_extractor" json:"features_extractor,omitempty"`
	ClassifierID      *int64  `db:"classifier_id"      json:"classifier_id,omitempty"`
}

// Pixels returns the image resolution in pixels.
func (i *Image) Pixels() int {
	return i.Width * i.Height
}

// RowCol is one point location on an image.
type RowCol struct {
	Row int `json:"row"`
	Col int `json:"col"`
}

const (
	ClassifierStatusTrainInProgress = "train_in_progress"
	ClassifierStatusAccepted        = "accepted"
	ClassifierStatusRejected        = "rejected"
	ClassifierStatusError           = "error"
)

// Classifier is a trained model for one source.
type Classifier struct {
	ID             int64     `db:"id"               json:"id"`
	SourceID       int64     `db:"source_id"        json:"source_id"`
	Status         string    `db:"status"           json:"status"`
	Accuracy       *float64  `db:"accuracy"         json:"accuracy,omitempty"`
	NbrTrainImages int       `db:"nbr_train_images" json:"nbr_train_images"`
	CreatedAt      time.Time `db:"created_at"       json:"created_at"`
}

// LabelScore is one classified point of an image.
type LabelScore struct {
	Row   int     `json:"row"`
	Col   int     `json:"col"`
	Label string  `json:"label"`
	Score float64 `json:"score"`
}
