package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

// --- Sources ---

func (s *PostgresStore) GetSource(ctx context.Context, id int64) (*models.Source, error) {
	var src models.Source
	err := s.pool.QueryRow(ctx,
		`SELECT id, name, feature_extractor, created_at FROM sources WHERE id = $1`, id,
	).Scan(&src.ID, &src.Name, &src.FeatureExtractor, &src.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get source: %w", err)
	}
	return &src, nil
}

func (s *PostgresStore) ListSourceIDs(ctx context.Context) ([]int64, error) {
	rows, err := s.pool.Query(ctx, `SELECT id FROM sources ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("list source ids: %w", err)
	}
	ids, err := pgx.CollectRows(rows, pgx.RowTo[int64])
	if err != nil {
		return nil, fmt.Errorf("scan source ids: %w", err)
	}
	return ids, nil
}

// --- Images ---

const imageColumns = `id, source_id, filename, storage_key, width, height, confirmed,
	features_extracted, features_extractor, classifier_id`

func scanImage(row rowScanner) (*models.Image, error) {
	var img models.Image
	err := row.Scan(&img.ID, &img.SourceID, &img.Filename, &img.StorageKey, &img.Width, &img.Height,
		&img.Confirmed, &img.FeaturesExtracted, &img.FeaturesExtractor, &img.ClassifierID)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &img, nil
}

func (s *PostgresStore) listImages(ctx context.Context, op, query string, args ...any) ([]*models.Image, error) {
	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", op, err)
	}
	defer rows.Close()

	images := []*models.Image{}
	for rows.Next() {
		img, err := scanImage(rows)
		if err != nil {
			return nil, fmt.Errorf("scan image: %w", err)
		}
		images = append(images, img)
	}
	return images, rows.Err()
}

func (s *PostgresStore) GetImage(ctx context.Context, id int64) (*models.Image, error) {
	img, err := scanImage(s.pool.QueryRow(ctx, `SELECT `+imageColumns+` FROM images WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get image: %w", err)
	}
	return img, err
}

// ListRowCols returns an image's point locations in point order.
func (s *PostgresStore) ListRowCols(ctx context.Context, imageID int64) ([]models.RowCol, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT point_row, point_col FROM points WHERE image_id = $1 ORDER BY id`, imageID)
	if err != nil {
		return nil, fmt.Errorf("list row-cols: %w", err)
	}
	defer rows.Close()

	rowcols := []models.RowCol{}
	for rows.Next() {
		var rc models.RowCol
		if err := rows.Scan(&rc.Row, &rc.Col); err != nil {
			return nil, fmt.Errorf("scan row-col: %w", err)
		}
		rowcols = append(rowcols, rc)
	}
	return rowcols, rows.Err()
}

func (s *PostgresStore) ListImagesWithoutFeatures(ctx context.Context, sourceID int64) ([]*models.Image, error) {
	return s.listImages(ctx, "list images without features",
		`SELECT `+imageColumns+` FROM images
		 WHERE source_id = $1 AND NOT features_extracted ORDER BY id`, sourceID)
}

// ListTrainingImages returns confirmed images that have features.
func (s *PostgresStore) ListTrainingImages(ctx context.Context, sourceID int64) ([]*models.Image, error) {
	return s.listImages(ctx, "list training images",
		`SELECT `+imageColumns+` FROM images
		 WHERE source_id = $1 AND confirmed AND features_extracted ORDER BY id`, sourceID)
}

// ListImagesToClassify returns unconfirmed images with features that the
// given classifier has not classified yet.
func (s *PostgresStore) ListImagesToClassify(ctx context.Context, sourceID int64, classifierID int64) ([]*models.Image, error) {
	return s.listImages(ctx, "list images to classify",
		`SELECT `+imageColumns+` FROM images
		 WHERE source_id = $1 AND features_extracted AND NOT confirmed
		   AND classifier_id IS DISTINCT FROM $2
		 ORDER BY id`, sourceID, classifierID)
}

func (s *PostgresStore) SaveFeatures(ctx context.Context, imageID int64, extractor string) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE images SET features_extracted = TRUE, features_extractor = $2 WHERE id = $1`,
		imageID, extractor)
	if err != nil {
		return fmt.Errorf("save features: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveClassification(ctx context.Context, imageID int64, classifierID int64, scores []models.LabelScore) error {
	payload, err := json.Marshal(scores)
	if err != nil {
		return fmt.Errorf("encode scores: %w", err)
	}

	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx,
			`UPDATE images SET classifier_id = $2 WHERE id = $1`, imageID, classifierID)
		if err != nil {
			return fmt.Errorf("save classification: %w", err)
		}
		if tag.RowsAffected() == 0 {
			return ErrNotFound
		}
		_, err = tx.Exec(ctx,
			`INSERT INTO classifications (image_id, classifier_id, scores, updated_at)
			 VALUES ($1, $2, $3, NOW())
			 ON CONFLICT (image_id) DO UPDATE SET
			   classifier_id = EXCLUDED.classifier_id,
			   scores = EXCLUDED.scores,
			   updated_at = NOW()`,
			imageID, classifierID, payload)
		if err != nil {
			return fmt.Errorf("save classification scores: %w", err)
		}
		return nil
	})
}

// --- Classifiers ---

const classifierColumns = `id, source_id, status, accuracy, nbr_train_images, created_at`

func scanClassifier(row rowScanner) (*models.Classifier, error) {
	var c models.Classifier
	err := row.Scan(&c.ID, &c.SourceID, &c.Status, &c.Accuracy, &c.NbrTrainImages, &c.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &c, nil
}

// GetCurrentClassifier returns the newest accepted classifier of a source.
func (s *PostgresStore) GetCurrentClassifier(ctx context.Context, sourceID int64) (*models.Classifier, error) {
	c, err := scanClassifier(s.pool.QueryRow(ctx,
		`SELECT `+classifierColumns+` FROM classifiers
		 WHERE source_id = $1 AND status = 'accepted'
		 ORDER BY id DESC LIMIT 1`, sourceID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get current classifier: %w", err)
	}
	return c, err
}

func (s *PostgresStore) GetClassifier(ctx context.Context, id int64) (*models.Classifier, error) {
	c, err := scanClassifier(s.pool.QueryRow(ctx,
		`SELECT `+classifierColumns+` FROM classifiers WHERE id = $1`, id))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get classifier: %w", err)
	}
	return c, err
}

func (s *PostgresStore) GetLatestClassifier(ctx context.Context, sourceID int64) (*models.Classifier, error) {
	c, err := scanClassifier(s.pool.QueryRow(ctx,
		`SELECT `+classifierColumns+` FROM classifiers
		 WHERE source_id = $1 ORDER BY id DESC LIMIT 1`, sourceID))
	if err != nil && !errors.Is(err, ErrNotFound) {
		return nil, fmt.Errorf("get latest classifier: %w", err)
	}
	return c, err
}

func (s *PostgresStore) CreateClassifier(ctx context.Context, sourceID int64, nbrTrainImages int) (*models.Classifier, error) {
	c, err := scanClassifier(s.pool.QueryRow(ctx,
		`INSERT INTO classifiers (source_id, status, nbr_train_images, created_at)
		 VALUES ($1, 'train_in_progress', $2, NOW())
		 RETURNING `+classifierColumns, sourceID, nbrTrainImages))
	if err != nil {
		return nil, fmt.Errorf("create classifier: %w", err)
	}
	return c, nil
}

func (s *PostgresStore) UpdateClassifier(ctx context.Context, id int64, status string, accuracy *float64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE classifiers SET status = $2, accuracy = COALESCE($3, accuracy) WHERE id = $1`,
		id, status, accuracy)
	if err != nil {
		return fmt.Errorf("update classifier: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// --- API Job Units ---

func (s *PostgresStore) GetAPIJobUnit(ctx context.Context, parentID int64, order int) (*models.APIJobUnit, error) {
	var u models.APIJobUnit
	err := s.pool.QueryRow(ctx,
		`SELECT id, parent_id, order_in_parent, internal_job_id, request_json, result_json
		 FROM api_job_units WHERE parent_id = $1 AND order_in_parent = $2`, parentID, order,
	).Scan(&u.ID, &u.ParentID, &u.Order, &u.InternalJobID, &u.Request, &u.Result)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get api job unit: %w", err)
	}
	return &u, nil
}

func (s *PostgresStore) LinkAPIJobUnit(ctx context.Context, unitID int64, jobID int64) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_job_units SET internal_job_id = $2 WHERE id = $1`, unitID, jobID)
	if err != nil {
		return fmt.Errorf("link api job unit: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *PostgresStore) SaveAPIJobUnitResult(ctx context.Context, unitID int64, result json.RawMessage) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE api_job_units SET result_json = $2 WHERE id = $1`, unitID, result)
	if err != nil {
		return fmt.Errorf("save api job unit result: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}
