package projectsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/projectsync/internal/blobstore"
	"github.com/agentworkforce/projectsync/internal/cache"
	"github.com/agentworkforce/projectsync/internal/docstore"
	"github.com/agentworkforce/projectsync/internal/opqueue"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

const (
	defaultAuthTimeout     = 5 * time.Second
	defaultProcessInterval = 30 * time.Second
	defaultRemoteTimeout   = 30 * time.Second
	projectKeyPrefix       = "project:"
)

var ErrClosed = errors.New("sync engine is closed")

type Options struct {
	Documents *docstore.Adapter
	Blobs     *blobstore.Adapter
	Queue     *opqueue.Queue
	Cache     *cache.Cache
	Snapshots SnapshotStore
	Auth      Authenticator

	AuthTimeout time.Duration
	// SaveTimeout bounds the inline attempt of a save, identity wait
	// included. Past it the save is queued. Zero uses AuthTimeout.
	SaveTimeout time.Duration
	// CacheTTL applies to cached project records. Zero uses the cache default.
	CacheTTL        time.Duration
	ProcessInterval time.Duration
	RemoteTimeout   time.Duration
	Now             func() time.Time
	Logger          zerolog.Logger
}

type SaveOptions struct {
	Priority opqueue.Priority
	// Validate reads every offloaded field back after upload.
	Validate bool
	// ExpectedRevision overrides the revision the engine would otherwise
	// derive from its cache or the remote store.
	ExpectedRevision *int64
}

// Engine coordinates the cache, the document and blob adapters and the
// offline queue behind the save/load contract.
type Engine struct {
	docs      *docstore.Adapter
	blobs     *blobstore.Adapter
	queue     *opqueue.Queue
	cache     *cache.Cache
	snapshots SnapshotStore
	auth      Authenticator

	authTimeout     time.Duration
	saveTimeout     time.Duration
	cacheTTL        time.Duration
	processInterval time.Duration
	remoteTimeout   time.Duration
	now             func() time.Time
	logger          zerolog.Logger

	// records serializes cache and snapshot updates so neither moves back
	// to an older revision.
	records sync.Mutex

	mu       sync.Mutex
	closed   bool
	started  bool
	subs     map[uint64]func(Status)
	nextSub  uint64
	inflight sync.WaitGroup
}

func Open(opts Options) (*Engine, error) {
	if opts.Documents == nil {
		return nil, errors.New("projectsync: document adapter is required")
	}
	if opts.Blobs == nil {
		return nil, errors.New("projectsync: blob adapter is required")
	}
	if opts.Auth == nil {
		return nil, errors.New("projectsync: authenticator is required")
	}
	if opts.Queue == nil {
		q, err := opqueue.Open(opqueue.Options{Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Queue = q
	}
	if opts.Cache == nil {
		c, err := cache.Open(cache.Options{Logger: opts.Logger})
		if err != nil {
			return nil, err
		}
		opts.Cache = c
	}
	if opts.Snapshots == nil {
		opts.Snapshots = NewMemorySnapshots()
	}
	if opts.AuthTimeout <= 0 {
		opts.AuthTimeout = defaultAuthTimeout
	}
	if opts.SaveTimeout <= 0 {
		opts.SaveTimeout = opts.AuthTimeout
	}
	if opts.ProcessInterval <= 0 {
		opts.ProcessInterval = defaultProcessInterval
	}
	if opts.RemoteTimeout <= 0 {
		opts.RemoteTimeout = defaultRemoteTimeout
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	e := &Engine{
		docs:            opts.Documents,
		blobs:           opts.Blobs,
		queue:           opts.Queue,
		cache:           opts.Cache,
		snapshots:       opts.Snapshots,
		auth:            opts.Auth,
		authTimeout:     opts.AuthTimeout,
		saveTimeout:     opts.SaveTimeout,
		cacheTTL:        opts.CacheTTL,
		processInterval: opts.ProcessInterval,
		remoteTimeout:   opts.RemoteTimeout,
		now:             opts.Now,
		logger:          opts.Logger,
		subs:            map[uint64]func(Status){},
	}
	e.queue.OnDeadLetter(e.deadLettered)
	return e, nil
}

// Start launches the queue worker. Operations restored from a previous run
// are attempted right away.
func (e *Engine) Start() {
	e.mu.Lock()
	if e.closed || e.started {
		e.mu.Unlock()
		return
	}
	e.started = true
	e.mu.Unlock()

	e.queue.Start(e.processInterval, e.execute)
	if e.queue.Len() > 0 {
		e.queue.Trigger()
	}
	e.logger.Info().Dur("interval", e.processInterval).Int("queued", e.queue.Len()).Msg("sync engine started")
}

// Close waits for in-flight saves and loads, then closes the queue, the cache
// and the document adapter.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	e.mu.Unlock()

	e.inflight.Wait()
	return errors.Join(e.queue.Close(), e.cache.Close(), e.docs.Close())
}

// Save writes data as the new content of project id. Remote work continues
// after ctx is canceled; the caller then gets a CANCELED result while the
// outcome still reaches the cache, the queue and status subscribers.
func (e *Engine) Save(ctx context.Context, id string, data map[string]any, opts SaveOptions) SyncResult {
	return await(ctx, "projectsync.save", e.SaveAsync(ctx, id, data, opts))
}

func (e *Engine) SaveAsync(ctx context.Context, id string, data map[string]any, opts SaveOptions) <-chan SyncResult {
	const op = "projectsync.save"
	fields, err := encodeFields(data)
	if err != nil {
		return resolved(failed(syncerr.New(syncerr.KindValidationFailed, op, err)))
	}
	return e.spawn(ctx, op, func(ctx context.Context) SyncResult {
		return e.save(ctx, id, fields, opts)
	})
}

// Load returns the freshest copy of project id the engine can reach.
func (e *Engine) Load(ctx context.Context, id string) SyncResult {
	return await(ctx, "projectsync.load", e.LoadAsync(ctx, id))
}

func (e *Engine) LoadAsync(ctx context.Context, id string) <-chan SyncResult {
	return e.spawn(ctx, "projectsync.load", func(ctx context.Context) SyncResult {
		return e.load(ctx, id)
	})
}

func (e *Engine) spawn(ctx context.Context, op string, fn func(context.Context) SyncResult) <-chan SyncResult {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return resolved(failed(syncerr.New(syncerr.KindUnavailable, op, ErrClosed)))
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	out := make(chan SyncResult, 1)
	go func() {
		defer e.inflight.Done()
		remoteCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), e.remoteTimeout)
		defer cancel()
		out <- fn(remoteCtx)
		close(out)
	}()
	return out
}

func await(ctx context.Context, op string, ch <-chan SyncResult) SyncResult {
	select {
	case res := <-ch:
		return res
	case <-ctx.Done():
		return failed(syncerr.New(syncerr.KindCanceled, op, ctx.Err()))
	}
}

func resolved(res SyncResult) <-chan SyncResult {
	out := make(chan SyncResult, 1)
	out <- res
	close(out)
	return out
}

func (e *Engine) save(ctx context.Context, id string, fields map[string]json.RawMessage, opts SaveOptions) SyncResult {
	const op = "projectsync.save"
	id = strings.TrimSpace(id)
	if id == "" {
		return failed(syncerr.Newf(syncerr.KindValidationFailed, op, "project id is required"))
	}
	priority := opts.Priority
	if priority == "" {
		priority = opqueue.PriorityNormal
	}
	if !priority.Valid() {
		return failed(syncerr.Newf(syncerr.KindValidationFailed, op, "unknown priority %q", priority))
	}
	e.publish(StateSyncing, id, "")

	// A save behind a queued write joins it so the project's writes stay in order.
	caller, _ := IdentityFrom(ctx)
	behind := docWritePayload{ProjectID: id, OwnerID: caller, Fields: fields, Validate: opts.Validate}
	if opts.ExpectedRevision != nil {
		behind.ExpectedRevision = *opts.ExpectedRevision
	}
	if res, ok := e.coalesceWrite(op, behind, priority, ""); ok {
		e.queue.Trigger()
		return res
	}

	expected, known := int64(0), false
	if opts.ExpectedRevision != nil {
		expected, known = *opts.ExpectedRevision, true
	} else if rec, ok := e.cached(id); ok {
		expected, known = rec.Revision, true
	}

	// Past saveTimeout the save is queued and the queue takes over retrying.
	attempt, cancel := context.WithTimeout(ctx, e.saveTimeout)
	defer cancel()

	owner, err := e.identity(attempt)
	if err != nil {
		e.logger.Info().Err(err).Str("project_id", id).Msg("identity unavailable, queuing save")
		if !known {
			expected = e.snapshotRevision(id)
		}
		return e.enqueueWrite(op, id, "", fields, expected, opts.Validate, opqueue.PriorityHigh, syncerr.KindAuthRequired)
	}

	if !known {
		rev, err := e.docs.Revision(attempt, id)
		if err != nil {
			ce := syncerr.ClassifyOp(op, err)
			if !ce.Retryable {
				e.publish(StateError, id, ce.UserMessage)
				return failed(ce)
			}
			return e.enqueueWrite(op, id, owner, fields, e.snapshotRevision(id), opts.Validate, priority, ce.Kind)
		}
		expected = rev
	}

	rec := docstore.ProjectRecord{ID: id, OwnerID: owner, Fields: fields}
	written, err := e.write(attempt, rec, expected, opts.Validate)
	if err != nil {
		ce := syncerr.ClassifyOp(op, err)
		switch {
		case ce.Kind == syncerr.KindConflict:
			return e.conflict(ctx, id, fields, expected, ce)
		case ce.Retryable:
			return e.enqueueWrite(op, id, owner, fields, expected, opts.Validate, priority, ce.Kind)
		default:
			e.publish(StateError, id, ce.UserMessage)
			return failed(ce)
		}
	}
	e.remember(written)
	e.publish(StateSynced, id, "")
	return SyncResult{Success: true, Source: SourceRemote, Revision: written.Revision, Record: &written}
}

func (e *Engine) write(ctx context.Context, rec docstore.ProjectRecord, expected int64, validate bool) (docstore.ProjectRecord, error) {
	write := e.docs.Write
	if validate {
		write = e.docs.WriteValidated
	}
	res, err := write(ctx, rec, expected)
	if err != nil {
		return docstore.ProjectRecord{}, err
	}
	rec.Revision = res.NewRevision
	rec.UpdatedAt = res.UpdatedAt
	return rec, nil
}

func (e *Engine) conflict(ctx context.Context, id string, fields map[string]json.RawMessage, expected int64, ce *syncerr.CloudError) SyncResult {
	e.cache.Invalidate(projectKeyPrefix + id)
	info := &ConflictInfo{Attempted: fields, ExpectedRevision: expected}
	if ce.Conflict != nil {
		info.RemoteRevision = ce.Conflict.CurrentRevision
	}
	if remote, err := e.docs.Read(ctx, id); err == nil {
		info.Remote = &remote
		info.RemoteRevision = remote.Revision
	} else {
		e.logger.Warn().Err(err).Str("project_id", id).Msg("could not read winning record for conflict")
	}
	e.logger.Info().Str("project_id", id).Int64("expected", expected).Int64("revision", info.RemoteRevision).
		Msg("save rejected by concurrent write")
	e.publish(StateError, id, ce.UserMessage)
	return SyncResult{Success: false, Error: ce, Conflict: info, Revision: info.RemoteRevision}
}

func (e *Engine) load(ctx context.Context, id string) SyncResult {
	const op = "projectsync.load"
	id = strings.TrimSpace(id)
	if id == "" {
		return failed(syncerr.Newf(syncerr.KindValidationFailed, op, "project id is required"))
	}
	caller, _ := IdentityFrom(ctx)
	if rec, ok := e.cached(id); ok {
		if denied := ownedBy(op, caller, rec); denied != nil {
			return failed(denied)
		}
		return SyncResult{Success: true, Source: SourceCache, Revision: rec.Revision, Record: &rec}
	}
	rec, err := e.docs.Read(ctx, id)
	if err == nil {
		if denied := ownedBy(op, caller, rec); denied != nil {
			return failed(denied)
		}
		e.remember(rec)
		return SyncResult{Success: true, Source: SourceRemote, Revision: rec.Revision, Record: &rec}
	}
	ce := syncerr.ClassifyOp(op, err)
	snap, ok, serr := e.snapshots.Load(id)
	if serr != nil {
		e.logger.Warn().Err(serr).Str("project_id", id).Msg("offline snapshot unreadable")
	}
	if ok {
		if denied := ownedBy(op, caller, snap.Record); denied != nil {
			return failed(denied)
		}
		e.logger.Info().Str("project_id", id).Str("kind", string(ce.Kind)).Msg("serving offline snapshot")
		return SyncResult{
			Success:  true,
			Source:   SourceOfflineSnapshot,
			Revision: snap.Record.Revision,
			Record:   &snap.Record,
			Error:    ce,
		}
	}
	return failed(ce)
}

// ownedBy rejects a record that belongs to someone other than caller. With no
// caller identity every record is visible, as in a single-user process.
func ownedBy(op, caller string, rec docstore.ProjectRecord) *syncerr.CloudError {
	if caller == "" || rec.OwnerID == "" || rec.OwnerID == caller {
		return nil
	}
	return syncerr.Newf(syncerr.KindPermissionDenied, op, "project %s belongs to another owner", rec.ID)
}

func (e *Engine) identity(ctx context.Context) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, e.authTimeout)
	defer cancel()
	return e.auth.Identity(ctx)
}

func (e *Engine) cached(id string) (docstore.ProjectRecord, bool) {
	raw, ok := e.cache.Get(projectKeyPrefix + id)
	if !ok {
		return docstore.ProjectRecord{}, false
	}
	var rec docstore.ProjectRecord
	if err := json.Unmarshal(raw, &rec); err != nil {
		e.cache.Invalidate(projectKeyPrefix + id)
		return docstore.ProjectRecord{}, false
	}
	return rec, true
}

// remember stores a record the remote store has confirmed. A record older than
// what the cache or the snapshot already hold is dropped, as happens when a
// slow load finishes after a save.
func (e *Engine) remember(rec docstore.ProjectRecord) {
	e.records.Lock()
	defer e.records.Unlock()
	if newest := e.newestRevision(rec.ID); rec.Revision < newest {
		e.logger.Debug().Str("project_id", rec.ID).Int64("revision", rec.Revision).Int64("newest", newest).
			Msg("skipping stale record")
		return
	}
	raw, err := json.Marshal(rec)
	if err == nil {
		err = e.cache.Set(projectKeyPrefix+rec.ID, raw, e.cacheTTL)
	}
	if err != nil {
		e.logger.Warn().Err(err).Str("project_id", rec.ID).Msg("cache write failed")
	}
	e.saveSnapshot(rec)
}

// replayed records a write the queue landed. The cache entry is dropped so the
// next load reads the remote copy.
func (e *Engine) replayed(rec docstore.ProjectRecord) {
	e.records.Lock()
	defer e.records.Unlock()
	e.cache.Invalidate(projectKeyPrefix + rec.ID)
	if rec.Revision >= e.snapshotRevision(rec.ID) {
		e.saveSnapshot(rec)
	}
}

func (e *Engine) newestRevision(id string) int64 {
	newest := e.snapshotRevision(id)
	if raw, ok := e.cache.Peek(projectKeyPrefix + id); ok {
		var rec docstore.ProjectRecord
		if json.Unmarshal(raw, &rec) == nil && rec.Revision > newest {
			newest = rec.Revision
		}
	}
	return newest
}

func (e *Engine) saveSnapshot(rec docstore.ProjectRecord) {
	if err := e.snapshots.Save(Snapshot{Record: rec, SavedAt: e.now().UTC()}); err != nil {
		e.logger.Warn().Err(err).Str("project_id", rec.ID).Msg("offline snapshot write failed")
	}
}

func (e *Engine) snapshotRevision(id string) int64 {
	snap, ok, err := e.snapshots.Load(id)
	if err != nil || !ok {
		return 0
	}
	return snap.Record.Revision
}

// SubscribeStatus registers fn for every status change. The returned func
// removes it.
func (e *Engine) SubscribeStatus(fn func(Status)) func() {
	e.mu.Lock()
	defer e.mu.Unlock()
	id := e.nextSub
	e.nextSub++
	e.subs[id] = fn
	return func() {
		e.mu.Lock()
		defer e.mu.Unlock()
		delete(e.subs, id)
	}
}

func (e *Engine) publish(state State, projectID, message string) {
	status := Status{
		State:      state,
		QueueDepth: e.queue.Len(),
		ProjectID:  projectID,
		Message:    message,
		At:         e.now().UTC(),
	}
	e.mu.Lock()
	subs := make([]func(Status), 0, len(e.subs))
	for _, fn := range e.subs {
		subs = append(subs, fn)
	}
	e.mu.Unlock()
	for _, fn := range subs {
		fn(status)
	}
}

func (e *Engine) QueueStats() opqueue.Stats { return e.queue.Stats() }

func (e *Engine) CacheStats() cache.Stats { return e.cache.Stats() }

func encodeFields(data map[string]any) (map[string]json.RawMessage, error) {
	fields := make(map[string]json.RawMessage, len(data))
	for name, value := range data {
		raw, err := json.Marshal(value)
		if err != nil {
			return nil, fmt.Errorf("field %q: %w", name, err)
		}
		fields[name] = raw
	}
	return fields, nil
}
