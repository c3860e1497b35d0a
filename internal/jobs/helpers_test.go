package jobs

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/kiranshivaraju/visionjobs/internal/backend"
	"github.com/kiranshivaraju/visionjobs/internal/testutil"
	"github.com/kiranshivaraju/visionjobs/pkg/models"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

type notification struct {
	Subject string
	Body    string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []notification
	err  error
}

func (n *fakeNotifier) Notify(_ context.Context, subject, body string) error {
	n.mu.Lock()
	defer n.mu.Unlock()
	if n.err != nil {
		return n.err
	}
	n.sent = append(n.sent, notification{Subject: subject, Body: body})
	return nil
}

func (n *fakeNotifier) Sent() []notification {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]notification(nil), n.sent...)
}

type report struct {
	Kind   string
	JobID  int64
	Detail string
}

type fakeReporter struct {
	mu      sync.Mutex
	reports []report
}

func (r *fakeReporter) Report(_ context.Context, kind string, job *models.Job, detail string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reports = append(r.reports, report{Kind: kind, JobID: job.ID, Detail: detail})
	return nil
}

func (r *fakeReporter) Reports() []report {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]report(nil), r.reports...)
}

// remoteKind submits the job's argument and succeeds with the unit output.
type remoteKind struct {
	name       string
	prepareErr error
	complete   func(job *models.Job, res backend.Result) Outcome

	mu     sync.Mutex
	failed []int64
}

func (k *remoteKind) Name() string { return k.name }

func (k *remoteKind) Prepare(_ context.Context, job *models.Job) (json.RawMessage, error) {
	if k.prepareErr != nil {
		return nil, k.prepareErr
	}
	return json.Marshal(map[string]string{"arg": job.ArgIdentifier})
}

func (k *remoteKind) Complete(_ context.Context, job *models.Job, res backend.Result) Outcome {
	if k.complete != nil {
		return k.complete(job, res)
	}
	return Succeeded("Computed " + job.ArgIdentifier)
}

func (k *remoteKind) Failed(_ context.Context, job *models.Job, _ backend.Result) {
	k.mu.Lock()
	defer k.mu.Unlock()
	k.failed = append(k.failed, job.ID)
}

type localKind struct {
	name string
	run  func(ctx context.Context, job *models.Job) Outcome
}

func (k *localKind) Name() string { return k.name }

func (k *localKind) Run(ctx context.Context, job *models.Job) Outcome {
	if k.run != nil {
		return k.run(ctx, job)
	}
	return Succeeded("Done")
}

type harness struct {
	store    *testutil.MemJobStore
	clock    *testClock
	pool     *backend.LocalQueue
	notifier *fakeNotifier
	reporter *fakeReporter
	svc      *Service
}

func echoCompute(_ context.Context, unit backend.WorkUnit) (json.RawMessage, error) {
	return unit.Payload, nil
}

func newHarness(t *testing.T, opts Options, compute backend.ComputeFunc, kinds ...Kind) *harness {
	t.Helper()
	if compute == nil {
		compute = echoCompute
	}
	clock := newTestClock()
	st := testutil.NewMemJobStore()
	st.Now = clock.Now

	q := NewQueue(st, nil)
	q.now = clock.Now

	reg, err := NewRegistry(kinds...)
	require.NoError(t, err)

	h := &harness{
		store:    st,
		clock:    clock,
		pool:     backend.NewLocalQueue(compute),
		notifier: &fakeNotifier{},
		reporter: &fakeReporter{},
	}
	h.svc = NewService(Deps{
		Queue:    q,
		Store:    st,
		Backend:  h.pool,
		Registry: reg,
		Reporter: h.reporter,
		Notifier: h.notifier,
	}, opts)
	return h
}

func testOptions() Options {
	opts := DefaultOptions()
	opts.Workers = 0
	opts.SubjectPrefix = "[Test] "
	return opts
}

func (h *harness) enqueue(t *testing.T, name string, args ...any) *models.Job {
	t.Helper()
	job, _, err := h.svc.Enqueue(context.Background(), QueueRequest{Name: name, Args: args})
	require.NoError(t, err)
	return job
}

func (h *harness) get(t *testing.T, id int64) *models.Job {
	t.Helper()
	job, err := h.store.GetJob(context.Background(), id)
	require.NoError(t, err)
	return job
}

// failingBackend rejects every submission.
type failingBackend struct{}

func (failingBackend) Name() string { return "failing" }
func (failingBackend) Submit(context.Context, backend.WorkUnit) (string, error) {
	return "", errors.Join(backend.ErrUnreachable, errors.New("connection refused"))
}
func (failingBackend) Collect(context.Context, int) ([]backend.Result, error) { return nil, nil }
func (failingBackend) Requeue(context.Context, []backend.Result) error         { return nil }
