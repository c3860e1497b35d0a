package backend

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"sort"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// BatchClient submits units to an HTTP batch compute service. The service
// returns a token per unit; tokens of in-flight units are kept in a Redis
// hash until their final state is collected.
type BatchClient struct {
	baseURL     string
	token       string
	client      *http.Client
	redis       *redis.Client
	inflightKey string
	maxRetries  uint64
}

// NewBatchClient creates a new batch service client.
func NewBatchClient(baseURL, token string, timeout time.Duration, rdb *redis.Client) *BatchClient {
	return &BatchClient{
		baseURL:     baseURL,
		token:       token,
		client:      &http.Client{Timeout: timeout},
		redis:       rdb,
		inflightKey: "batch:inflight",
		maxRetries:  3,
	}
}

func (c *BatchClient) Name() string { return "batch" }

type inflightEntry struct {
	Token string   `json:"token"`
	Unit  WorkUnit `json:"unit"`
}

func (c *BatchClient) Submit(ctx context.Context, unit WorkUnit) (string, error) {
	if unit.Handle == "" {
		unit.Handle = uuid.NewString()
	}
	if unit.SubmittedAt.IsZero() {
		unit.SubmittedAt = time.Now().UTC()
	}

	body, err := json.Marshal(batchSubmitRequest{JobID: unit.JobID, Kind: unit.Kind, Payload: unit.Payload})
	if err != nil {
		return "", fmt.Errorf("%w: encoding unit: %v", ErrRejected, err)
	}

	var token string
	op := func() error {
		t, err := c.post(ctx, body)
		if err != nil {
			if errors.Is(err, ErrRejected) {
				return backoff.Permanent(err)
			}
			return err
		}
		token = t
		return nil
	}
	bo := backoff.WithContext(backoff.WithMaxRetries(backoff.NewExponentialBackOff(), c.maxRetries), ctx)
	if err := backoff.Retry(op, bo); err != nil {
		return "", err
	}

	entry, err := json.Marshal(inflightEntry{Token: token, Unit: unit})
	if err != nil {
		return "", fmt.Errorf("encoding in-flight entry: %w", err)
	}
	if err := c.redis.HSet(ctx, c.inflightKey, unit.Handle, entry).Err(); err != nil {
		return "", classifyRedisError(err)
	}
	return unit.Handle, nil
}

func (c *BatchClient) post(ctx context.Context, body []byte) (string, error) {
	u := fmt.Sprintf("%s/v1/jobs", c.baseURL)

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, u, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("building request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return "", classifyError(err)
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusOK || resp.StatusCode == http.StatusCreated || resp.StatusCode == http.StatusAccepted:
	case resp.StatusCode >= 400 && resp.StatusCode < 500:
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("%w: status %d: %s", ErrRejected, resp.StatusCode, bytes.TrimSpace(msg))
	default:
		return "", fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	var submitResp batchSubmitResponse
	if err := json.NewDecoder(resp.Body).Decode(&submitResp); err != nil {
		return "", fmt.Errorf("decoding submit response: %w", err)
	}
	if submitResp.Token == "" {
		return "", fmt.Errorf("%w: empty token", ErrRejected)
	}
	return submitResp.Token, nil
}

// Collect polls up to max in-flight units, oldest first. Units still
// running are reported but stay in flight.
func (c *BatchClient) Collect(ctx context.Context, max int) ([]Result, error) {
	raw, err := c.redis.HGetAll(ctx, c.inflightKey).Result()
	if err != nil {
		return nil, classifyRedisError(err)
	}

	entries := make([]inflightEntry, 0, len(raw))
	for _, v := range raw {
		var e inflightEntry
		if err := json.Unmarshal([]byte(v), &e); err != nil {
			continue
		}
		entries = append(entries, e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].Unit.SubmittedAt.Before(entries[j].Unit.SubmittedAt)
	})
	if max > 0 && len(entries) > max {
		entries = entries[:max]
	}

	results := make([]Result, 0, len(entries))
	var finished []string
	for _, e := range entries {
		res, err := c.status(ctx, e)
		if err != nil {
			return nil, err
		}
		results = append(results, res)
		if res.Finished() {
			finished = append(finished, e.Unit.Handle)
		}
	}

	if len(finished) > 0 {
		if err := c.redis.HDel(ctx, c.inflightKey, finished...).Err(); err != nil {
			return nil, classifyRedisError(err)
		}
	}
	return results, nil
}

func (c *BatchClient) status(ctx context.Context, e inflightEntry) (Result, error) {
	u := fmt.Sprintf("%s/v1/jobs/%s", c.baseURL, url.PathEscape(e.Token))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return Result{}, fmt.Errorf("building request: %w", err)
	}
	c.setHeaders(httpReq)

	resp, err := c.client.Do(httpReq)
	if err != nil {
		return Result{}, classifyError(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return Result{
			Unit:      e.Unit,
			Ref:       e.Token,
			Status:    StatusDropped,
			ErrorKind: ErrorKindCompute,
			ErrorType: "Dropped",
			Error:     fmt.Sprintf("Batch job %s is no longer known to the compute service", e.Token),
		}, nil
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("%w: status %d", ErrUnreachable, resp.StatusCode)
	}

	var statusResp batchStatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&statusResp); err != nil {
		return Result{}, fmt.Errorf("decoding status response: %w", err)
	}

	res := Result{
		Unit:      e.Unit,
		Ref:       e.Token,
		Status:    statusResp.Status,
		Output:    statusResp.Output,
		ErrorKind: statusResp.ErrorKind,
		ErrorType: statusResp.ErrorType,
		Error:     statusResp.Error,
	}
	switch res.Status {
	case StatusRunning, StatusSucceeded:
	case StatusFailed:
		if res.ErrorKind != ErrorKindInput {
			res.ErrorKind = ErrorKindCompute
		}
	default:
		// Anything else is treated as not finished yet.
		res.Status = StatusRunning
	}
	return res, nil
}

// Requeue restores the in-flight entries of results so the next Collect
// polls them again.
func (c *BatchClient) Requeue(ctx context.Context, results []Result) error {
	if len(results) == 0 {
		return nil
	}
	values := make([]any, 0, 2*len(results))
	for _, res := range results {
		entry, err := json.Marshal(inflightEntry{Token: res.Ref, Unit: res.Unit})
		if err != nil {
			return fmt.Errorf("encoding in-flight entry: %w", err)
		}
		values = append(values, res.Unit.Handle, entry)
	}
	if err := c.redis.HSet(ctx, c.inflightKey, values...).Err(); err != nil {
		return classifyRedisError(err)
	}
	return nil
}

func (c *BatchClient) setHeaders(req *http.Request) {
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}
}

// classifyError maps transport-level errors to sentinel errors.
func classifyError(err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", ErrTimeout, err)
	}

	return fmt.Errorf("%w: %v", ErrUnreachable, err)
}

type batchSubmitRequest struct {
	JobID   int64           `json:"job_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload"`
}

type batchSubmitResponse struct {
	Token string `json:"token"`
}

type batchStatusResponse struct {
	Status    string          `json:"status"`
	Output    json.RawMessage `json:"output,omitempty"`
	ErrorKind string          `json:"error_kind,omitempty"`
	ErrorType string          `json:"error_type,omitempty"`
	Error     string          `json:"error,omitempty"`
}

var _ Backend = (*BatchClient)(nil)
