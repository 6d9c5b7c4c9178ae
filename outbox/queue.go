package outbox

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/loomnotes/loom/errors"
	"github.com/loomnotes/loom/internal/httpclient"
)

// CorrelationHeader carries the entry's correlation id so the server can
// deduplicate at-least-once replays.
const CorrelationHeader = "X-Loom-Correlation-Id"

// CleanupFunc runs after an entry of its kind replays successfully, to make
// the matching local mutation (clear a pending flag, drop a draft record).
type CleanupFunc func(e *Entry) error

// Queue replays stored entries against the API. One replay pass runs at a
// time; a failing entry is re-appended at the tail and the pass continues
// with the next entry.
type Queue struct {
	store   *Store
	http    *httpclient.SaferClient
	baseURL string
	token   string
	logger  *zap.SugaredLogger

	retention time.Duration
	limiter   *rate.Limiter

	mu       sync.Mutex
	cleanups map[string]CleanupFunc
	running  bool
}

// QueueOptions configures a Queue.
type QueueOptions struct {
	BaseURL   string
	Token     string
	Retention time.Duration // drop entries first enqueued longer ago than this
	PerMinute int           // replay request pacing
	Client    *httpclient.SaferClient
}

// NewQueue creates the replay queue over a store.
func NewQueue(store *Store, opts QueueOptions, logger *zap.SugaredLogger) *Queue {
	client := opts.Client
	if client == nil {
		client = httpclient.NewSaferClient(30 * time.Second)
	}
	perMinute := opts.PerMinute
	if perMinute <= 0 {
		perMinute = 30
	}
	return &Queue{
		store:     store,
		http:      client,
		baseURL:   opts.BaseURL,
		token:     opts.Token,
		logger:    logger,
		retention: opts.Retention,
		limiter:   rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1),
		cleanups:  make(map[string]CleanupFunc),
	}
}

// OnReplay registers the cleanup hook for an entry kind. Registering the
// same kind twice replaces the hook.
func (q *Queue) OnReplay(kind string, fn CleanupFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cleanups[kind] = fn
}

// Enqueue records a failed write for later replay.
func (q *Queue) Enqueue(kind, correlationID, method, path string, payload []byte) error {
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	e := &Entry{
		ID:            uuid.NewString(),
		Kind:          kind,
		CorrelationID: correlationID,
		Method:        method,
		Path:          path,
		Payload:       payload,
		EnqueuedAt:    time.Now().UTC(),
	}
	if err := q.store.Append(e); err != nil {
		return err
	}
	q.logger.Infow("Queued offline write",
		"kind", kind,
		"path", path,
		"correlation_id", correlationID,
	)
	return nil
}

// Send attempts a write immediately, falling back to the queue when the
// network is unreachable. delivered reports whether the server confirmed the
// write; false with a nil error means the write is queued for replay.
func (q *Queue) Send(ctx context.Context, kind, method, path string, payload []byte) (delivered bool, err error) {
	e := &Entry{
		ID:            uuid.NewString(),
		Kind:          kind,
		CorrelationID: uuid.NewString(),
		Method:        method,
		Path:          path,
		Payload:       payload,
		EnqueuedAt:    time.Now().UTC(),
	}
	err = q.issue(ctx, e)
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, errors.ErrServiceUnavailable) {
		return false, err
	}

	q.logger.Infow("Write failed offline, queueing for replay",
		"kind", kind,
		"path", path,
		"correlation_id", e.CorrelationID,
	)
	if appendErr := q.store.Append(e); appendErr != nil {
		return false, errors.CombineErrors(err, appendErr)
	}
	return false, nil
}

// Replay makes one FIFO pass over the queue. Expired entries are evicted
// first. Each remaining entry is reissued; a 2xx response runs the kind's
// cleanup hook and deletes the entry, anything else re-appends the entry at
// the tail and the pass moves on. Returns the number of entries delivered.
func (q *Queue) Replay(ctx context.Context) (int, error) {
	q.mu.Lock()
	if q.running {
		q.mu.Unlock()
		return 0, nil
	}
	q.running = true
	q.mu.Unlock()
	defer func() {
		q.mu.Lock()
		q.running = false
		q.mu.Unlock()
	}()

	if q.retention > 0 {
		evicted, err := q.store.EvictOlderThan(time.Now().Add(-q.retention))
		if err != nil {
			return 0, err
		}
		if evicted > 0 {
			q.logger.Warnw("Evicted expired outbox entries", "count", evicted)
		}
	}

	entries, err := q.store.List()
	if err != nil {
		return 0, err
	}
	if len(entries) == 0 {
		return 0, nil
	}

	q.logger.Infow("Replaying outbox", "entries", len(entries))

	delivered := 0
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return delivered, errors.Wrap(err, "outbox replay interrupted")
		}
		if err := q.limiter.Wait(ctx); err != nil {
			return delivered, errors.Wrap(err, "outbox replay interrupted")
		}

		if err := q.deliver(ctx, e); err != nil {
			q.logger.Warnw("Outbox entry replay failed, re-queued",
				"kind", e.Kind,
				"path", e.Path,
				"attempts", e.Attempts+1,
				"error", err,
			)
			q.requeue(e)
			continue
		}
		delivered++
	}

	q.logger.Infow("Outbox replay finished",
		"delivered", delivered,
		"requeued", len(entries)-delivered,
	)
	return delivered, nil
}

// issue performs the HTTP request for an entry without touching the store.
func (q *Queue) issue(ctx context.Context, e *Entry) error {
	var body io.Reader
	if len(e.Payload) > 0 {
		body = bytes.NewReader(e.Payload)
	}
	req, err := http.NewRequestWithContext(ctx, e.Method, q.baseURL+e.Path, body)
	if err != nil {
		return errors.Wrap(err, "failed to build outbox request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(CorrelationHeader, e.CorrelationID)
	if q.token != "" {
		req.Header.Set("Authorization", "Bearer "+q.token)
	}

	resp, err := q.http.Do(req)
	if err != nil {
		return errors.Wrap(errors.ErrServiceUnavailable, err.Error())
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, resp.Body)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return errors.Newf("write returned %d", resp.StatusCode)
	}
	return nil
}

// deliver reissues one entry and, on success, runs cleanup and deletes it.
func (q *Queue) deliver(ctx context.Context, e *Entry) error {
	if err := q.issue(ctx, e); err != nil {
		return err
	}

	// Success is durable only once the entry is gone; cleanup first, so a
	// crash between the two re-runs cleanup rather than losing it.
	q.mu.Lock()
	cleanup := q.cleanups[e.Kind]
	q.mu.Unlock()
	if cleanup != nil {
		if err := cleanup(e); err != nil {
			q.logger.Errorw("Outbox cleanup hook failed",
				"kind", e.Kind,
				"correlation_id", e.CorrelationID,
				"error", err,
			)
		}
	}
	return q.store.Delete(e.Seq)
}

// requeue moves a failed entry to the tail with its attempt count bumped.
// The retry copy is appended before the original row is deleted: an entry may
// only leave the store after either a 2xx or a durable replacement, so a
// crash or a failed append leaves the original in place. The worst case is a
// duplicate row, which the server deduplicates by correlation id.
func (q *Queue) requeue(e *Entry) {
	retry := *e
	retry.Attempts++
	if err := q.store.Append(&retry); err != nil {
		q.logger.Errorw("Failed to re-append outbox entry, keeping original",
			"id", e.ID, "error", err)
		return
	}
	if err := q.store.Delete(e.Seq); err != nil {
		q.logger.Errorw("Failed to remove outbox entry after requeue", "seq", e.Seq, "error", err)
	}
}

// Pending returns the queued entries in replay order, for operator tooling.
func (q *Queue) Pending() ([]*Entry, error) {
	return q.store.List()
}
