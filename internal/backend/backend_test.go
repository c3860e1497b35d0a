package backend

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type oomError struct{}

func (oomError) Error() string     { return "out of memory" }
func (oomError) ErrorType() string { return "MemoryError" }

func TestRun_Success(t *testing.T) {
	unit := WorkUnit{Handle: "h1", JobID: 5, Kind: "extract_features"}
	res := Run(context.Background(), unit, func(context.Context, WorkUnit) (json.RawMessage, error) {
		return json.RawMessage(`{"ok":true}`), nil
	})

	assert.Equal(t, StatusSucceeded, res.Status)
	assert.Equal(t, unit, res.Unit)
	assert.JSONEq(t, `{"ok":true}`, string(res.Output))
	assert.True(t, res.Finished())
}

func TestRun_InputError(t *testing.T) {
	res := Run(context.Background(), WorkUnit{}, func(context.Context, WorkUnit) (json.RawMessage, error) {
		return nil, NewInputError("DecompressionBombError", "Image is too large: %d pixels", 300)
	})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ErrorKindInput, res.ErrorKind)
	assert.Equal(t, "DecompressionBombError", res.ErrorType)
	assert.Equal(t, "Image is too large: 300 pixels", res.Error)
}

func TestRun_ComputeErrors(t *testing.T) {
	tests := []struct {
		name     string
		err      error
		wantType string
	}{
		{"plain", errors.New("boom"), "ComputeError"},
		{"typed", oomError{}, "MemoryError"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			res := Run(context.Background(), WorkUnit{}, func(context.Context, WorkUnit) (json.RawMessage, error) {
				return nil, tt.err
			})
			assert.Equal(t, StatusFailed, res.Status)
			assert.Equal(t, ErrorKindCompute, res.ErrorKind)
			assert.Equal(t, tt.wantType, res.ErrorType)
		})
	}
}

func TestRun_PanicBecomesComputeError(t *testing.T) {
	res := Run(context.Background(), WorkUnit{}, func(context.Context, WorkUnit) (json.RawMessage, error) {
		panic("index out of range")
	})

	assert.Equal(t, StatusFailed, res.Status)
	assert.Equal(t, ErrorKindCompute, res.ErrorKind)
	assert.Equal(t, "Panic", res.ErrorType)
	assert.Equal(t, "index out of range", res.Error)
}

func TestLocalQueue_SubmitCollectRequeue(t *testing.T) {
	ctx := context.Background()
	q := NewLocalQueue(func(_ context.Context, unit WorkUnit) (json.RawMessage, error) {
		return json.Marshal(unit.JobID)
	})

	var handles []string
	for i := int64(1); i <= 3; i++ {
		h, err := q.Submit(ctx, WorkUnit{JobID: i, Kind: "k"})
		require.NoError(t, err)
		require.NotEmpty(t, h)
		handles = append(handles, h)
	}
	assert.Equal(t, 3, q.Pending())

	first, err := q.Collect(ctx, 2)
	require.NoError(t, err)
	require.Len(t, first, 2)
	assert.Equal(t, handles[0], first[0].Unit.Handle)
	assert.False(t, first[0].Unit.SubmittedAt.IsZero())

	require.NoError(t, q.Requeue(ctx, first[1:]))

	rest, err := q.Collect(ctx, 10)
	require.NoError(t, err)
	require.Len(t, rest, 2)
	assert.Equal(t, int64(2), rest[0].Unit.JobID)
	assert.Equal(t, int64(3), rest[1].Unit.JobID)
	assert.Equal(t, 0, q.Pending())
}
