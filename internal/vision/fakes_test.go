package vision

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/internal/testutil"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
)

type fakeCatalog struct {
	mu              sync.Mutex
	sources         map[int64]*models.Source
	images          map[int64]*models.Image
	rowcols         map[int64][]models.RowCol
	classifiers     []*models.Classifier
	units           map[int64]*models.APIJobUnit
	classifications map[int64][]models.LabelScore
	nextID          int64
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{
		sources:         map[int64]*models.Source{},
		images:          map[int64]*models.Image{},
		rowcols:         map[int64][]models.RowCol{},
		units:           map[int64]*models.APIJobUnit{},
		classifications: map[int64][]models.LabelScore{},
		nextID:          100,
	}
}

func (c *fakeCatalog) id() int64 {
	c.nextID++
	return c.nextID
}

func (c *fakeCatalog) addSource(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sources[id] = &models.Source{ID: id, Name: "Reef", FeatureExtractor: "efficientnet_b0"}
}

func (c *fakeCatalog) addImage(img models.Image, rowcols ...models.RowCol) *models.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	if img.ID == 0 {
		img.ID = c.id()
	}
	if img.StorageKey == "" {
		img.StorageKey = "images/" + img.Filename
	}
	c.images[img.ID] = &img
	c.rowcols[img.ID] = rowcols
	return &img
}

func (c *fakeCatalog) addClassifier(sourceID int64, status string, nbr int, accuracy *float64) *models.Classifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	clf := &models.Classifier{ID: c.id(), SourceID: sourceID, Status: status, NbrTrainImages: nbr, Accuracy: accuracy}
	c.classifiers = append(c.classifiers, clf)
	return clf
}

func (c *fakeCatalog) setRowCols(imageID int64, rowcols ...models.RowCol) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rowcols[imageID] = rowcols
}

func (c *fakeCatalog) deleteImage(id int64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.images, id)
}

func (c *fakeCatalog) image(id int64) *models.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	img := *c.images[id]
	return &img
}

func (c *fakeCatalog) classifier(id int64) *models.Classifier {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, clf := range c.classifiers {
		if clf.ID == id {
			cp := *clf
			return &cp
		}
	}
	return nil
}

func (c *fakeCatalog) GetSource(_ context.Context, id int64) (*models.Source, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s, ok := c.sources[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *s
	return &cp, nil
}

func (c *fakeCatalog) ListSourceIDs(_ context.Context) ([]int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	var ids []int64
	for id := range c.sources {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(a, b int) bool { return ids[a] < ids[b] })
	return ids, nil
}

func (c *fakeCatalog) GetImage(_ context.Context, id int64) (*models.Image, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *img
	return &cp, nil
}

func (c *fakeCatalog) ListRowCols(_ context.Context, imageID int64) ([]models.RowCol, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]models.RowCol(nil), c.rowcols[imageID]...), nil
}

func (c *fakeCatalog) filterImages(sourceID int64, keep func(*models.Image) bool) []*models.Image {
	c.mu.Lock()
	defer c.mu.Unlock()
	var out []*models.Image
	for _, img := range c.images {
		if img.SourceID == sourceID && keep(img) {
			cp := *img
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(a, b int) bool { return out[a].ID < out[b].ID })
	return out
}

func (c *fakeCatalog) ListImagesWithoutFeatures(_ context.Context, sourceID int64) ([]*models.Image, error) {
	return c.filterImages(sourceID, func(img *models.Image) bool { return !img.FeaturesExtracted }), nil
}

func (c *fakeCatalog) ListTrainingImages(_ context.Context, sourceID int64) ([]*models.Image, error) {
	return c.filterImages(sourceID, func(img *models.Image) bool {
		return img.Confirmed && img.FeaturesExtracted
	}), nil
}

func (c *fakeCatalog) ListImagesToClassify(_ context.Context, sourceID int64, classifierID int64) ([]*models.Image, error) {
	return c.filterImages(sourceID, func(img *models.Image) bool {
		return img.FeaturesExtracted && !img.Confirmed && (img.ClassifierID == nil || *img.ClassifierID != classifierID)
	}), nil
}

func (c *fakeCatalog) SaveFeatures(_ context.Context, imageID int64, extractor string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[imageID]
	if !ok {
		return store.ErrNotFound
	}
	img.FeaturesExtracted = true
	img.FeaturesExtractor = &extractor
	return nil
}

func (c *fakeCatalog) SaveClassification(_ context.Context, imageID int64, classifierID int64, scores []models.LabelScore) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	img, ok := c.images[imageID]
	if !ok {
		return store.ErrNotFound
	}
	img.ClassifierID = &classifierID
	c.classifications[imageID] = scores
	return nil
}

func (c *fakeCatalog) GetCurrentClassifier(_ context.Context, sourceID int64) (*models.Classifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.classifiers) - 1; i >= 0; i-- {
		clf := c.classifiers[i]
		if clf.SourceID == sourceID && clf.Status == models.ClassifierStatusAccepted {
			cp := *clf
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (c *fakeCatalog) GetClassifier(_ context.Context, id int64) (*models.Classifier, error) {
	if clf := c.classifier(id); clf != nil {
		return clf, nil
	}
	return nil, store.ErrNotFound
}

func (c *fakeCatalog) GetLatestClassifier(_ context.Context, sourceID int64) (*models.Classifier, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i := len(c.classifiers) - 1; i >= 0; i-- {
		if c.classifiers[i].SourceID == sourceID {
			cp := *c.classifiers[i]
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (c *fakeCatalog) CreateClassifier(_ context.Context, sourceID int64, nbrTrainImages int) (*models.Classifier, error) {
	clf := c.addClassifier(sourceID, models.ClassifierStatusTrainInProgress, nbrTrainImages, nil)
	return clf, nil
}

func (c *fakeCatalog) UpdateClassifier(_ context.Context, id int64, status string, accuracy *float64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, clf := range c.classifiers {
		if clf.ID == id {
			clf.Status = status
			if accuracy != nil {
				clf.Accuracy = accuracy
			}
			return nil
		}
	}
	return store.ErrNotFound
}

func (c *fakeCatalog) addUnit(parentID int64, order int, request string) *models.APIJobUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	u := &models.APIJobUnit{ID: c.id(), ParentID: parentID, Order: order, Request: json.RawMessage(request)}
	c.units[u.ID] = u
	return u
}

func (c *fakeCatalog) unit(id int64) *models.APIJobUnit {
	c.mu.Lock()
	defer c.mu.Unlock()
	cp := *c.units[id]
	return &cp
}

func (c *fakeCatalog) GetAPIJobUnit(_ context.Context, parentID int64, order int) (*models.APIJobUnit, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, u := range c.units {
		if u.ParentID == parentID && u.Order == order {
			cp := *u
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (c *fakeCatalog) LinkAPIJobUnit(_ context.Context, unitID int64, jobID int64) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[unitID]
	if !ok {
		return store.ErrNotFound
	}
	u.InternalJobID = &jobID
	return nil
}

func (c *fakeCatalog) SaveAPIJobUnitResult(_ context.Context, unitID int64, result json.RawMessage) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	u, ok := c.units[unitID]
	if !ok {
		return store.ErrNotFound
	}
	u.Result = result
	return nil
}

type fixture struct {
	catalog *fakeCatalog
	jobs    *testutil.MemJobStore
	queue   *jobs.Queue
	base    *base
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	catalog := newFakeCatalog()
	mem := testutil.NewMemJobStore()
	q := jobs.NewQueue(mem, nil)
	opts := DefaultOptions()
	opts.TrainingMinImages = 2
	b := newBase(Deps{Queue: q, Catalog: catalog, Jobs: mem}, opts)
	b.jitter = func(n time.Duration) time.Duration { return n / 2 }
	return &fixture{catalog: catalog, jobs: mem, queue: q, base: b}
}

func (f *fixture) enqueue(t *testing.T, name string, sourceID *int64, args ...any) *models.Job {
	t.Helper()
	job, _, err := f.queue.Enqueue(context.Background(), jobs.QueueRequest{Name: name, Args: args, SourceID: sourceID})
	if err != nil {
		t.Fatalf("enqueue %s: %v", name, err)
	}
	return job
}

func ptr[T any](v T) *T {
	return &v
}
