package main

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/google/uuid"
	"github.com/kiranshivaraju/visionjobs/internal/cache"
	"github.com/kiranshivaraju/visionjobs/internal/jobs"
	"github.com/kiranshivaraju/visionjobs/internal/store"
	"github.com/kiranshivaraju/visionjobs/internal/testutil"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type memKeys struct {
	keys []*models.APIKey
}

func (m *memKeys) GetAPIKeyByPrefix(_ context.Context, prefix string) ([]*models.APIKey, error) {
	return nil, nil
}
func (m *memKeys) UpdateAPIKeyLastUsed(_ context.Context, _ uuid.UUID) error { return nil }
func (m *memKeys) CreateAPIKey(_ context.Context, k *models.APIKey) error {
	m.keys = append(m.keys, k)
	return nil
}
func (m *memKeys) ListAPIKeys(_ context.Context) ([]*models.APIKey, error) { return m.keys, nil }
func (m *memKeys) RevokeAPIKey(_ context.Context, id uuid.UUID) error {
	for i, k := range m.keys {
		if k.ID == id {
			m.keys = append(m.keys[:i], m.keys[i+1:]...)
			return nil
		}
	}
	return store.ErrNotFound
}

type harness struct {
	store  *testutil.MemJobStore
	cache  *testutil.MemCache
	keys   *memKeys
	closed bool
}

func newHarness() *harness {
	return &harness{store: testutil.NewMemJobStore(), cache: testutil.NewMemCache(), keys: &memKeys{}}
}

func (h *harness) connect(_ context.Context) (*env, error) {
	registry, err := jobs.NewRegistry()
	if err != nil {
		return nil, err
	}
	svc := jobs.NewService(jobs.Deps{
		Queue:    jobs.NewQueue(h.store, nil),
		Store:    h.store,
		Registry: registry,
		Cache:    h.cache,
	}, jobs.Options{})
	return &env{jobs: svc, keys: h.keys, cache: h.cache, close: func() { h.closed = true }}, nil
}

func (h *harness) run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	root, closeEnv := newRootCmd(h.connect, &out)
	defer closeEnv()
	root.SetArgs(args)
	err := root.ExecuteContext(context.Background())
	return out.String(), err
}

func TestAbort(t *testing.T) {
	h := newHarness()
	job := h.store.Put(&models.Job{JobName: "check_source", Status: models.JobStatusPending})
	require.NoError(t, h.cache.Set(context.Background(), cache.DashboardSummaryKey(), []byte("{}"), 0))

	out, err := h.run(t, "abort", "1")

	require.NoError(t, err)
	assert.Contains(t, out, "Job 1 (check_source) aborted")
	got, err := h.store.GetJob(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobStatusFailure, got.Status)
	assert.False(t, h.cache.Has(cache.DashboardSummaryKey()))
	assert.True(t, h.closed)
}

func TestAbort_AlreadyCompleted(t *testing.T) {
	h := newHarness()
	h.store.Put(&models.Job{JobName: "check_source", Status: models.JobStatusSuccess})

	out, err := h.run(t, "abort", "1")

	require.NoError(t, err)
	assert.Contains(t, out, "has already completed; no action taken")
}

func TestExpedite_NotPending(t *testing.T) {
	h := newHarness()
	h.store.Put(&models.Job{JobName: "check_source", Status: models.JobStatusInProgress})

	out, err := h.run(t, "expedite", "1")

	require.NoError(t, err)
	assert.Contains(t, out, "isn't pending; no action taken")
}

func TestJobAction_Errors(t *testing.T) {
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing job", []string{"abort", "42"}, "job 42 not found"},
		{"bad id", []string{"expedite", "abc"}, `invalid job id "abc"`},
		{"zero id", []string{"abort", "0"}, `invalid job id "0"`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := newHarness().run(t, tt.args...)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestQueue(t *testing.T) {
	h := newHarness()

	out, err := h.run(t, "queue", "extract_features", "17", "--source", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "Queued job 1")

	queued := h.store.Named("extract_features")
	require.Len(t, queued, 1)
	assert.Equal(t, "17", queued[0].ArgIdentifier)
	require.NotNil(t, queued[0].SourceID)
	assert.Equal(t, int64(3), *queued[0].SourceID)

	out, err = h.run(t, "queue", "extract_features", "17", "--source", "3")
	require.NoError(t, err)
	assert.Contains(t, out, "is already pending")
	assert.Len(t, h.store.Named("extract_features"), 1)
}

func TestQueue_Rejects(t *testing.T) {
	h := newHarness()

	_, err := h.run(t, "queue", "make_coffee")
	require.Error(t, err)
	assert.True(t, errors.Is(err, jobs.ErrUnknownKind))

	_, err = h.run(t, "queue", "check_source", "--delay=-1m")
	require.Error(t, err)
	assert.Empty(t, h.store.All())
}

func TestParseArgs(t *testing.T) {
	assert.Equal(t, []any{int64(5), "abc", int64(-2)}, parseArgs([]string{"5", "abc", "-2"}))
	assert.Empty(t, parseArgs(nil))
}

func TestKeys_CreateListRevoke(t *testing.T) {
	h := newHarness()

	out, err := h.run(t, "keys", "create", "--name", "ops", "--scopes", "read,admin")
	require.NoError(t, err)
	require.Len(t, h.keys.keys, 1)
	key := h.keys.keys[0]
	assert.Equal(t, "ops", key.Name)
	assert.Equal(t, []string{models.ScopeRead, models.ScopeAdmin}, key.Scopes)
	assert.Contains(t, out, key.KeyPrefix)

	out, err = h.run(t, "keys", "list")
	require.NoError(t, err)
	assert.Contains(t, out, "ops")
	assert.Contains(t, out, "never")

	out, err = h.run(t, "keys", "revoke", key.ID.String())
	require.NoError(t, err)
	assert.Contains(t, out, "Revoked key")
	assert.Empty(t, h.keys.keys)

	_, err = h.run(t, "keys", "revoke", key.ID.String())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestKeys_CreateRejectsUnknownScope(t *testing.T) {
	h := newHarness()

	_, err := h.run(t, "keys", "create", "--name", "ops", "--scopes", "root")

	require.Error(t, err)
	assert.Empty(t, h.keys.keys)
}

func TestHelpDoesNotConnect(t *testing.T) {
	var out bytes.Buffer
	root, closeEnv := newRootCmd(func(context.Context) (*env, error) {
		t.Fatal("connected")
		return nil, nil
	}, &out)
	defer closeEnv()
	root.SetArgs([]string{"--help"})

	require.NoError(t, root.Execute())
	assert.Contains(t, out.String(), "jobctl")
}

func TestDrain(t *testing.T) {
	h := newHarness()
	h.store.Put(&models.Job{JobName: "check_source", Status: models.JobStatusPending})

	out, err := h.run(t, "drain")

	require.NoError(t, err)
	assert.Contains(t, out, "Drained the schedule in 1 iterations")
	got := h.store.Named("check_source")
	require.Len(t, got, 1)
	assert.Equal(t, models.JobStatusFailure, got[0].Status)
	assert.Equal(t, "Unrecognized job name", got[0].ResultMessage)
}
