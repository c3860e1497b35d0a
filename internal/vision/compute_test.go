package vision

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func unit(t *testing.T, kind string, payload any) backend.WorkUnit {
	t.Helper()
	raw, err := json.Marshal(payload)
	require.NoError(t, err)
	return backend.WorkUnit{Handle: "h", Kind: kind, Payload: raw}
}

func TestCompute(t *testing.T) {
	ctx := context.Background()
	rowcols := []models.RowCol{{Row: 1, Col: 1}, {Row: 2, Col: 2}}

	t.Run("extract", func(t *testing.T) {
		res := backend.Run(ctx, unit(t, jobs.KindExtractFeatures, ExtractRequest{ImageID: 1, StorageKey: "k", Extractor: "vgg16"}), Compute)
		require.Equal(t, backend.StatusSucceeded, res.Status)
		var out ExtractResponse
		require.NoError(t, json.Unmarshal(res.Output, &out))
		assert.Equal(t, "vgg16", out.Extractor)
	})

	t.Run("extract without file is an input error", func(t *testing.T) {
		res := backend.Run(ctx, unit(t, jobs.KindExtractFeatures, ExtractRequest{ImageID: 4}), Compute)
		assert.Equal(t, backend.StatusFailed, res.Status)
		assert.Equal(t, backend.ErrorKindInput, res.ErrorKind)
		assert.Equal(t, "FileNotFound", res.ErrorType)
	})

	t.Run("train accuracy grows with images", func(t *testing.T) {
		small := backend.Run(ctx, unit(t, jobs.KindTrainClassifier, TrainRequest{ImageIDs: []int64{1, 2}}), Compute)
		large := backend.Run(ctx, unit(t, jobs.KindTrainClassifier, TrainRequest{ImageIDs: make([]int64, 50)}), Compute)
		var s, l TrainResponse
		require.NoError(t, json.Unmarshal(small.Output, &s))
		require.NoError(t, json.Unmarshal(large.Output, &l))
		assert.Greater(t, l.Accuracy, s.Accuracy)
		assert.Less(t, l.Accuracy, 0.95)
	})

	t.Run("classify is deterministic", func(t *testing.T) {
		u := unit(t, jobs.KindClassifyFeatures, ClassifyRequest{ImageID: 1, ClassifierID: 3, RowCols: rowcols})
		first := backend.Run(ctx, u, Compute)
		second := backend.Run(ctx, u, Compute)
		require.Equal(t, backend.StatusSucceeded, first.Status)
		assert.JSONEq(t, string(first.Output), string(second.Output))

		var out ClassifyResponse
		require.NoError(t, json.Unmarshal(first.Output, &out))
		require.Len(t, out.Scores, 2)
		for _, s := range out.Scores {
			assert.Contains(t, placeholderLabels, s.Label)
			assert.GreaterOrEqual(t, s.Score, 0.5)
		}
	})

	t.Run("deploy requires url", func(t *testing.T) {
		res := backend.Run(ctx, unit(t, jobs.KindClassifyImage, DeployRequest{RowCols: rowcols}), Compute)
		assert.Equal(t, backend.ErrorKindInput, res.ErrorKind)
		assert.Equal(t, "URLError", res.ErrorType)
	})

	t.Run("unsupported kind", func(t *testing.T) {
		res := backend.Run(ctx, unit(t, jobs.KindCheckSource, nil), Compute)
		assert.Equal(t, backend.ErrorKindCompute, res.ErrorKind)
		assert.Equal(t, "UnsupportedKind", res.ErrorType)
	})
}
