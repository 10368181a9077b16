package opqueue

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/projectsync/internal/retry"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

const (
	defaultCapacity    = 1000
	defaultMaxAttempts = 10
	defaultJitter      = 0.1
)

// DefaultSchedules is the per-priority backoff. The delay before retry n is
// BaseDelay * 2^(n-1), capped at MaxDelay.
func DefaultSchedules() map[Priority]retry.Policy {
	return map[Priority]retry.Policy{
		PriorityHigh:   {BaseDelay: 5 * time.Second, MaxDelay: 2 * time.Minute},
		PriorityNormal: {BaseDelay: 30 * time.Second, MaxDelay: 10 * time.Minute},
		PriorityLow:    {BaseDelay: time.Minute, MaxDelay: 30 * time.Minute},
	}
}

type Options struct {
	Backend     Backend
	Capacity    int
	MaxAttempts int
	Schedules   map[Priority]retry.Policy
	// Jitter is the fraction of each delay added at random. Negative disables it.
	Jitter float64
	Rand   func() float64
	Now    func() time.Time
	Logger zerolog.Logger
}

// Queue is a durable priority queue of deferred sync work. Every mutation is
// persisted to the backend before the call returns.
type Queue struct {
	backend     Backend
	capacity    int
	maxAttempts int
	schedules   map[Priority]retry.Policy
	now         func() time.Time
	logger      zerolog.Logger

	mu      sync.Mutex
	state   *State
	closed  bool
	process sync.Mutex

	listeners []func(DeadLetter)

	trigger chan struct{}
	stop    context.CancelFunc
	wg      sync.WaitGroup
}

func Open(opts Options) (*Queue, error) {
	if opts.Backend == nil {
		opts.Backend = NewMemoryBackend()
	}
	if opts.Capacity <= 0 {
		opts.Capacity = defaultCapacity
	}
	if opts.MaxAttempts <= 0 {
		opts.MaxAttempts = defaultMaxAttempts
	}
	if opts.Jitter == 0 {
		opts.Jitter = defaultJitter
	}
	if opts.Jitter < 0 {
		opts.Jitter = 0
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	schedules := DefaultSchedules()
	for p, policy := range opts.Schedules {
		schedules[p] = policy
	}
	for p, policy := range schedules {
		policy.Jitter = opts.Jitter
		policy.Rand = opts.Rand
		schedules[p] = policy
	}

	loaded, err := opts.Backend.Load()
	if err != nil {
		return nil, fmt.Errorf("load queue state: %w", err)
	}
	if loaded == nil {
		loaded = &State{}
	}
	if len(loaded.Operations) > opts.Capacity {
		opts.Logger.Warn().Int("operations", len(loaded.Operations)).Int("capacity", opts.Capacity).
			Msg("restored queue is above capacity")
	}
	return &Queue{
		backend:     opts.Backend,
		capacity:    opts.Capacity,
		maxAttempts: opts.MaxAttempts,
		schedules:   schedules,
		now:         opts.Now,
		logger:      opts.Logger,
		state:       loaded,
		trigger:     make(chan struct{}, 1),
	}, nil
}

func (q *Queue) Capacity() int { return q.capacity }

// OnDeadLetter registers fn to be called, outside the queue lock, for every
// operation moved to the dead-letter set by processing or eviction.
func (q *Queue) OnDeadLetter(fn func(DeadLetter)) {
	if fn == nil {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.listeners = append(q.listeners, fn)
}

func (q *Queue) notify(dead DeadLetter) {
	q.mu.Lock()
	listeners := slices.Clone(q.listeners)
	q.mu.Unlock()
	for _, fn := range listeners {
		fn(dead)
	}
}

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

// Enqueue persists op at priority. At capacity the oldest LOW operation is
// moved to the dead-letter set to make room; without one ErrQueueFull is
// returned.
func (q *Queue) Enqueue(op Operation, priority Priority) (Operation, error) {
	if priority == "" {
		priority = PriorityNormal
	}
	if !priority.Valid() {
		return Operation{}, fmt.Errorf("%w: priority %q", ErrInvalidOperation, priority)
	}
	if op.Type != TypeDocWrite && op.Type != TypeBlobUpload {
		return Operation{}, fmt.Errorf("%w: type %q", ErrInvalidOperation, op.Type)
	}
	if strings.TrimSpace(op.ProjectID) == "" {
		return Operation{}, fmt.Errorf("%w: project id is required", ErrInvalidOperation)
	}

	q.mu.Lock()
	op, evicted, err := q.enqueueLocked(op, priority)
	q.mu.Unlock()
	if evicted != nil {
		q.notify(*evicted)
	}
	return op, err
}

func (q *Queue) enqueueLocked(op Operation, priority Priority) (Operation, *DeadLetter, error) {
	if q.closed {
		return Operation{}, nil, ErrClosed
	}
	now := q.now().UTC()
	previous := q.state.clone()

	if op.Key != "" {
		if i := q.indexByKeyLocked(op.Key); i >= 0 {
			merged, err := q.coalesceLocked(i, op.Payload, priority)
			return merged, nil, err
		}
	}

	var evicted *DeadLetter
	if len(q.state.Operations) >= q.capacity {
		victim := q.oldestLocked(PriorityLow)
		if victim < 0 {
			return Operation{}, nil, ErrQueueFull
		}
		evicted = &DeadLetter{
			Operation: q.state.Operations[victim],
			FailedAt:  now,
			Reason:    ReasonEvicted,
		}
		q.removeLocked(victim)
		q.state.DeadLetters = append(q.state.DeadLetters, *evicted)
		q.logger.Warn().Str("op_id", evicted.Operation.ID).Str("project_id", evicted.Operation.ProjectID).
			Msg("evicted low priority operation")
	}

	op.ID = uuid.NewString()
	op.Priority = priority
	op.Attempts = 0
	op.CreatedAt = now
	op.NextAttemptAt = now
	op.Payload = append(op.Payload[:0:0], op.Payload...)
	q.state.Operations = append(q.state.Operations, op)
	if err := q.saveLocked(); err != nil {
		q.state = previous
		return Operation{}, nil, err
	}
	q.logger.Debug().Str("op_id", op.ID).Str("project_id", op.ProjectID).Str("type", string(op.Type)).
		Str("priority", string(priority)).Msg("enqueued operation")
	return op, evicted, nil
}

// coalesceLocked replaces the payload of the operation at i and makes it due
// now. The priority only ever moves up.
func (q *Queue) coalesceLocked(i int, payload json.RawMessage, priority Priority) (Operation, error) {
	previous := q.state.clone()
	existing := &q.state.Operations[i]
	existing.Payload = append(existing.Payload[:0:0], payload...)
	if priority.Valid() && priority.rank() < existing.Priority.rank() {
		existing.Priority = priority
	}
	existing.Attempts = 0
	existing.NextAttemptAt = q.now().UTC()
	existing.LastError, existing.LastErrorKind = "", ""
	if err := q.saveLocked(); err != nil {
		q.state = previous
		return Operation{}, err
	}
	q.logger.Debug().Str("op_id", existing.ID).Str("project_id", existing.ProjectID).Msg("coalesced queued operation")
	return *existing, nil
}

// Coalesce folds new work into the pending operation carrying key. merge
// runs under the queue lock with that operation and returns the payload to
// store; a nil payload leaves the operation as it is. The bool is false when
// no operation carries key, in which case merge is not called. An empty
// priority keeps the pending one.
func (q *Queue) Coalesce(key string, priority Priority, merge func(pending Operation) (json.RawMessage, error)) (Operation, bool, error) {
	if priority != "" && !priority.Valid() {
		return Operation{}, false, fmt.Errorf("%w: priority %q", ErrInvalidOperation, priority)
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.closed {
		return Operation{}, false, ErrClosed
	}
	i := q.indexByKeyLocked(key)
	if i < 0 {
		return Operation{}, false, nil
	}
	payload, err := merge(q.state.Operations[i])
	if err != nil {
		return Operation{}, true, err
	}
	if payload == nil {
		return q.state.Operations[i], true, nil
	}
	merged, err := q.coalesceLocked(i, payload, priority)
	return merged, true, err
}

// ProcessQueue attempts every due operation once, in priority order and then
// oldest first.
func (q *Queue) ProcessQueue(ctx context.Context, exec Executor) (Report, error) {
	return q.run(ctx, exec, false)
}

// Flush is ProcessQueue ignoring backoff. It is what an external
// connectivity or auth signal runs.
func (q *Queue) Flush(ctx context.Context, exec Executor) (Report, error) {
	return q.run(ctx, exec, true)
}

func (q *Queue) run(ctx context.Context, exec Executor, ignoreBackoff bool) (Report, error) {
	if exec == nil {
		return Report{}, errors.New("executor is required")
	}
	q.process.Lock()
	defer q.process.Unlock()

	batch := q.dueOperations(ignoreBackoff)
	var report Report
	blocked := map[string]struct{}{}
	for _, op := range batch {
		if _, skip := blocked[op.ProjectID]; skip {
			report.Skipped++
			continue
		}
		if err := ctx.Err(); err != nil {
			report.Remaining = q.Len()
			return report, err
		}
		report.Attempted++
		execErr := exec(ctx, op)
		retried, dead := q.settle(op, execErr)
		switch {
		case execErr == nil:
			report.Succeeded++
		case dead != nil:
			report.DeadLettered = append(report.DeadLettered, *dead)
			q.notify(*dead)
		case retried:
			report.Retried++
			blocked[op.ProjectID] = struct{}{}
		}
	}
	report.Remaining = q.Len()
	return report, nil
}

func (q *Queue) dueOperations(ignoreBackoff bool) []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	now := q.now()
	// A project's operations never overtake an older one still backing off.
	waiting := map[string]time.Time{}
	if !ignoreBackoff {
		for _, op := range q.state.Operations {
			if !op.NextAttemptAt.After(now) {
				continue
			}
			if first, ok := waiting[op.ProjectID]; !ok || op.CreatedAt.Before(first) {
				waiting[op.ProjectID] = op.CreatedAt
			}
		}
	}
	due := make([]Operation, 0, len(q.state.Operations))
	for _, op := range q.state.Operations {
		if !ignoreBackoff && op.NextAttemptAt.After(now) {
			continue
		}
		if first, ok := waiting[op.ProjectID]; ok && op.CreatedAt.After(first) {
			continue
		}
		due = append(due, op)
	}
	sort.SliceStable(due, func(i, j int) bool {
		if due[i].Priority.rank() != due[j].Priority.rank() {
			return due[i].Priority.rank() < due[j].Priority.rank()
		}
		return due[i].CreatedAt.Before(due[j].CreatedAt)
	})
	return due
}

// settle records the outcome of one attempt. It reports whether the
// operation was rescheduled and, when it was dead-lettered, the record.
func (q *Queue) settle(op Operation, execErr error) (bool, *DeadLetter) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.indexLocked(op.ID)
	if i < 0 {
		return false, nil
	}
	current := &q.state.Operations[i]
	if execErr == nil {
		if !bytes.Equal(current.Payload, op.Payload) {
			// Coalesced while in flight; the newer payload still has to go out.
			current.Attempts = 0
			current.NextAttemptAt = q.now().UTC()
			q.persistLocked()
			return false, nil
		}
		q.removeLocked(i)
		q.persistLocked()
		q.logger.Debug().Str("op_id", op.ID).Str("project_id", op.ProjectID).Msg("queued operation succeeded")
		return false, nil
	}

	ce := syncerr.Classify(execErr)
	current.Attempts++
	current.LastError = execErr.Error()
	current.LastErrorKind = ce.Kind
	now := q.now().UTC()

	reason := ""
	switch {
	case ce.Kind == syncerr.KindConflict:
		reason = ReasonConflict
	case !ce.Retryable:
		reason = ReasonPermanent
	case current.Attempts >= q.maxAttempts:
		reason = ReasonMaxAttempts
	}
	if reason != "" {
		dead := DeadLetter{Operation: *current, FailedAt: now, Reason: reason, Kind: ce.Kind}
		q.removeLocked(i)
		q.state.DeadLetters = append(q.state.DeadLetters, dead)
		q.persistLocked()
		q.logger.Warn().Str("op_id", op.ID).Str("project_id", op.ProjectID).Str("kind", string(ce.Kind)).
			Int("attempt", dead.Operation.Attempts).Str("reason", reason).Msg("operation dead-lettered")
		return false, &dead
	}

	current.NextAttemptAt = now.Add(q.backoff(current.Priority, current.Attempts))
	q.persistLocked()
	q.logger.Debug().Str("op_id", op.ID).Str("project_id", op.ProjectID).Str("kind", string(ce.Kind)).
		Int("attempt", current.Attempts).Time("next_attempt_at", current.NextAttemptAt).Msg("operation rescheduled")
	return true, nil
}

// backoff is the wait after the given number of failed attempts.
func (q *Queue) backoff(p Priority, attempts int) time.Duration {
	policy, ok := q.schedules[p]
	if !ok {
		policy = q.schedules[PriorityNormal]
	}
	if attempts < 1 {
		attempts = 1
	}
	return policy.Delay(attempts - 1)
}

func (q *Queue) Stats() Stats {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{
		TotalItems:      len(q.state.Operations),
		ByPriority:      map[Priority]int{PriorityHigh: 0, PriorityNormal: 0, PriorityLow: 0},
		DeadLetterCount: len(q.state.DeadLetters),
		Capacity:        q.capacity,
	}
	var oldest time.Time
	for _, op := range q.state.Operations {
		stats.ByPriority[op.Priority]++
		if oldest.IsZero() || op.CreatedAt.Before(oldest) {
			oldest = op.CreatedAt
		}
	}
	if !oldest.IsZero() {
		stats.OldestAge = q.now().Sub(oldest)
	}
	return stats
}

func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.state.Operations)
}

// Operations returns a copy of the pending operations in insertion order.
func (q *Queue) Operations() []Operation {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]Operation(nil), q.state.Operations...)
}

func (q *Queue) DeadLetters() []DeadLetter {
	q.mu.Lock()
	defer q.mu.Unlock()
	return append([]DeadLetter(nil), q.state.DeadLetters...)
}

// Pending reports whether any operation for projectID is still queued.
func (q *Queue) Pending(projectID string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	for _, op := range q.state.Operations {
		if op.ProjectID == projectID {
			return true
		}
	}
	return false
}

// Lookup returns the pending operation carrying key.
func (q *Queue) Lookup(key string) (Operation, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()
	if i := q.indexByKeyLocked(key); i >= 0 {
		return q.state.Operations[i], true
	}
	return Operation{}, false
}

// RetryDeadLetter moves a dead letter back into the queue with its attempts
// reset. It bypasses coalescing so an older payload never replaces a newer one.
func (q *Queue) RetryDeadLetter(id string) (Operation, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.deadIndexLocked(id)
	if i < 0 {
		return Operation{}, ErrDeadLetterNotFound
	}
	if len(q.state.Operations) >= q.capacity {
		return Operation{}, ErrQueueFull
	}
	previous := q.state.clone()
	op := q.state.DeadLetters[i].Operation
	op.Attempts = 0
	op.NextAttemptAt = q.now().UTC()
	op.LastError, op.LastErrorKind = "", ""
	if q.indexByKeyLocked(op.Key) >= 0 {
		op.Key = ""
	}
	q.state.DeadLetters = append(q.state.DeadLetters[:i], q.state.DeadLetters[i+1:]...)
	q.state.Operations = append(q.state.Operations, op)
	if err := q.saveLocked(); err != nil {
		q.state = previous
		return Operation{}, err
	}
	q.logger.Info().Str("op_id", op.ID).Str("project_id", op.ProjectID).Msg("dead letter requeued")
	return op, nil
}

// AcknowledgeDeadLetter discards a dead letter after operator review.
func (q *Queue) AcknowledgeDeadLetter(id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	i := q.deadIndexLocked(id)
	if i < 0 {
		return ErrDeadLetterNotFound
	}
	previous := q.state.clone()
	q.state.DeadLetters = append(q.state.DeadLetters[:i], q.state.DeadLetters[i+1:]...)
	if err := q.saveLocked(); err != nil {
		q.state = previous
		return err
	}
	return nil
}

// Start runs exec every interval on due operations, and on every Trigger on
// all pending operations, until Close.
func (q *Queue) Start(interval time.Duration, exec Executor) {
	q.mu.Lock()
	if q.closed || q.stop != nil {
		q.mu.Unlock()
		return
	}
	ctx, cancel := context.WithCancel(context.Background())
	q.stop = cancel
	q.mu.Unlock()

	q.wg.Add(1)
	go func() {
		defer q.wg.Done()
		var tick <-chan time.Time
		if interval > 0 {
			ticker := time.NewTicker(interval)
			defer ticker.Stop()
			tick = ticker.C
		}
		for {
			var (
				report Report
				err    error
			)
			select {
			case <-ctx.Done():
				return
			case <-tick:
				report, err = q.ProcessQueue(ctx, exec)
			case <-q.trigger:
				report, err = q.Flush(ctx, exec)
			}
			if err != nil && !errors.Is(err, context.Canceled) {
				q.logger.Warn().Err(err).Msg("queue pass failed")
				continue
			}
			if report.Attempted > 0 {
				q.logger.Info().Int("attempted", report.Attempted).Int("succeeded", report.Succeeded).
					Int("retried", report.Retried).Int("dead_lettered", len(report.DeadLettered)).
					Int("remaining", report.Remaining).Msg("queue pass finished")
			}
		}
	}()
}

// Trigger asks a started worker for an immediate pass. Signals sent while a
// pass is pending are merged.
func (q *Queue) Trigger() {
	select {
	case q.trigger <- struct{}{}:
	default:
	}
}

func (q *Queue) Close() error {
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return nil
	}
	q.closed = true
	stop := q.stop
	q.mu.Unlock()
	if stop != nil {
		stop()
	}
	q.wg.Wait()
	return q.backend.Close()
}

func (q *Queue) saveLocked() error {
	return q.backend.Save(q.state.clone())
}

// persistLocked saves after processing. A failure is logged; the in-memory
// state stays authoritative and the next save catches up.
func (q *Queue) persistLocked() {
	if err := q.saveLocked(); err != nil {
		q.logger.Error().Err(err).Msg("persist queue state")
	}
}

func (q *Queue) indexLocked(id string) int {
	for i, op := range q.state.Operations {
		if op.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) indexByKeyLocked(key string) int {
	if key == "" {
		return -1
	}
	for i, op := range q.state.Operations {
		if op.Key == key {
			return i
		}
	}
	return -1
}

func (q *Queue) deadIndexLocked(id string) int {
	for i, dl := range q.state.DeadLetters {
		if dl.Operation.ID == id {
			return i
		}
	}
	return -1
}

func (q *Queue) oldestLocked(p Priority) int {
	oldest := -1
	for i, op := range q.state.Operations {
		if op.Priority != p {
			continue
		}
		if oldest < 0 || op.CreatedAt.Before(q.state.Operations[oldest].CreatedAt) {
			oldest = i
		}
	}
	return oldest
}

func (q *Queue) removeLocked(i int) {
	q.state.Operations = append(q.state.Operations[:i], q.state.Operations[i+1:]...)
}
