package projectsync

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/projectsync/internal/blobstore"
	"github.com/agentworkforce/projectsync/internal/cache"
	"github.com/agentworkforce/projectsync/internal/docstore"
	"github.com/agentworkforce/projectsync/internal/opqueue"
	"github.com/agentworkforce/projectsync/internal/retry"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type harnessOptions struct {
	remote      *docstore.MemoryRemote
	store       *blobstore.MemoryStore
	auth        Authenticator
	authTimeout time.Duration
	// wrap decorates the document remote the engine talks to.
	wrap func(docstore.Remote) docstore.Remote
	// realBackoff keeps the blob adapter's default sleeping retry policy.
	realBackoff bool
}

type harness struct {
	engine *Engine
	docs   *docstore.Adapter
	remote *docstore.MemoryRemote
	store  *blobstore.MemoryStore
	queue  *opqueue.Queue
	cache  *cache.Cache
	snaps  *MemorySnapshots
	clock  *testClock
}

func newHarness(t *testing.T, ho harnessOptions) *harness {
	t.Helper()
	if ho.remote == nil {
		ho.remote = docstore.NewMemoryRemote()
	}
	if ho.store == nil {
		ho.store = blobstore.NewMemoryStore()
	}
	if ho.auth == nil {
		ho.auth = StaticIdentity("owner-1")
	}
	clock := &testClock{now: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
	blobOpts := blobstore.Options{Sleep: noSleep}
	if ho.realBackoff {
		blobOpts = blobstore.Options{}
	}
	blobs := blobstore.NewAdapter(ho.store, blobOpts)
	var remote docstore.Remote = ho.remote
	if ho.wrap != nil {
		remote = ho.wrap(ho.remote)
	}
	docs, err := docstore.NewAdapter(remote, blobs, docstore.Options{Retry: retry.Policy{Sleep: noSleep}})
	require.NoError(t, err)
	q, err := opqueue.Open(opqueue.Options{Jitter: -1, Now: clock.Now})
	require.NoError(t, err)
	c, err := cache.Open(cache.Options{DisableSweep: true})
	require.NoError(t, err)
	snaps := NewMemorySnapshots()
	e, err := Open(Options{
		Documents:   docs,
		Blobs:       blobs,
		Queue:       q,
		Cache:       c,
		Snapshots:   snaps,
		Auth:        ho.auth,
		AuthTimeout: ho.authTimeout,
		Now:         clock.Now,
	})
	require.NoError(t, err)
	t.Cleanup(func() { _ = e.Close() })
	return &harness{engine: e, docs: docs, remote: ho.remote, store: ho.store, queue: q, cache: c, snaps: snaps, clock: clock}
}

type statusLog struct {
	mu       sync.Mutex
	statuses []Status
}

func (l *statusLog) add(s Status) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.statuses = append(l.statuses, s)
}

func (l *statusLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.statuses))
	for _, s := range l.statuses {
		out = append(out, s.State)
	}
	return out
}

func (l *statusLog) last() Status {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.statuses[len(l.statuses)-1]
}

// gateIdentity blocks until release is closed.
type gateIdentity struct{ release chan struct{} }

func (g gateIdentity) Identity(ctx context.Context) (string, error) {
	select {
	case <-g.release:
		return "owner-1", nil
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

// heldRemote parks the next armed Get or Set, after the wrapped remote has
// served it, until the release channel returned by arm is closed.
type heldRemote struct {
	docstore.Remote
	mu      sync.Mutex
	armed   string
	held    chan struct{}
	release chan struct{}
}

func (r *heldRemote) wrap(remote docstore.Remote) docstore.Remote {
	r.Remote = remote
	return r
}

func (r *heldRemote) arm(method string) (held <-chan struct{}, release chan<- struct{}) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.armed = method
	r.held = make(chan struct{})
	r.release = make(chan struct{})
	return r.held, r.release
}

func (r *heldRemote) hold(method string) {
	r.mu.Lock()
	if r.armed != method {
		r.mu.Unlock()
		return
	}
	r.armed = ""
	held, release := r.held, r.release
	r.mu.Unlock()
	close(held)
	<-release
}

func (r *heldRemote) Get(ctx context.Context, path string) (docstore.Document, error) {
	doc, err := r.Remote.Get(ctx, path)
	r.hold("get")
	return doc, err
}

func (r *heldRemote) Set(ctx context.Context, path string, doc docstore.Document, pre docstore.Precondition) error {
	err := r.Remote.Set(ctx, path, doc, pre)
	r.hold("set")
	return err
}

func tenFields(prefix string) map[string]any {
	fields := map[string]any{}
	for i := 0; i < 10; i++ {
		fields[fmt.Sprintf("f%d", i)] = fmt.Sprintf("%s-%d", prefix, i)
	}
	return fields
}

func TestSaveWritesRemoteAndLoadServesCache(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	res := h.engine.Save(ctx, "p1", map[string]any{"title": "Deck", "slides": []string{"intro"}}, SaveOptions{})
	require.True(t, res.Success, "%+v", res.Error)
	assert.Equal(t, SourceRemote, res.Source)
	assert.Equal(t, int64(1), res.Revision)
	assert.False(t, res.Queued)

	loaded := h.engine.Load(ctx, "p1")
	require.True(t, loaded.Success)
	assert.Equal(t, SourceCache, loaded.Source)
	assert.Equal(t, int64(1), loaded.Revision)
	assert.JSONEq(t, `"Deck"`, string(loaded.Record.Fields["title"]))
	assert.Equal(t, uint64(1), h.engine.CacheStats().Hits)

	res = h.engine.Save(ctx, "p1", map[string]any{"title": "Deck v2"}, SaveOptions{})
	require.True(t, res.Success)
	assert.Equal(t, int64(2), res.Revision)

	snap, ok, err := h.snaps.Load("p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Record.Revision)
}

func TestCacheMatchesQuiescentRemote(t *testing.T) {
	remote := docstore.NewMemoryRemote()
	store := blobstore.NewMemoryStore()
	writer := newHarness(t, harnessOptions{remote: remote, store: store})
	reader := newHarness(t, harnessOptions{remote: remote, store: store})
	ctx := context.Background()

	data := tenFields("v1")
	data["slides"] = strings.Repeat("s", 800<<10)
	require.True(t, writer.engine.Save(ctx, "p1", data, SaveOptions{}).Success)

	fromRemote := reader.engine.Load(ctx, "p1")
	require.True(t, fromRemote.Success)
	assert.Equal(t, SourceRemote, fromRemote.Source)
	fromCache := reader.engine.Load(ctx, "p1")
	require.True(t, fromCache.Success)
	assert.Equal(t, SourceCache, fromCache.Source)

	stored, err := reader.docs.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, stored.Revision, fromCache.Record.Revision)
	assert.True(t, sameFields(stored.Fields, fromCache.Record.Fields))
	assert.True(t, sameFields(stored.Fields, fromRemote.Record.Fields))
}

func TestOfflineTwoMegabyteSaveSyncsAfterReconnect(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.remote.SetOffline(true)
	h.store.SetOffline(true)

	slides := strings.Repeat("a", 2<<20)
	start := time.Now()
	res := h.engine.Save(ctx, "p1", map[string]any{"title": "Pitch", "slides": slides}, SaveOptions{})
	elapsed := time.Since(start)

	require.True(t, res.Success, "%+v", res.Error)
	assert.True(t, res.Queued)
	assert.Equal(t, SourceQueued, res.Source)
	assert.Equal(t, syncerr.KindNetworkOffline, res.QueueReason)
	assert.NotEmpty(t, res.OperationID)
	assert.Less(t, elapsed, 5*time.Second)
	assert.Equal(t, 1, h.engine.QueueStats().TotalItems)

	h.remote.SetOffline(false)
	h.store.SetOffline(false)
	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 0, report.Remaining)

	loaded := h.engine.Load(ctx, "p1")
	require.True(t, loaded.Success, "%+v", loaded.Error)
	assert.Equal(t, SourceRemote, loaded.Source)
	assert.Equal(t, int64(1), loaded.Revision)
	want, err := json.Marshal(slides)
	require.NoError(t, err)
	assert.Equal(t, string(want), string(loaded.Record.Fields["slides"]))
	require.Contains(t, loaded.Record.LargeFieldPointers, "slides")
	assert.Equal(t, blobstore.ContentHash(want), loaded.Record.LargeFieldPointers["slides"].ContentHash)
}

func TestConcurrentWritersProduceExactlyOneConflict(t *testing.T) {
	remote := docstore.NewMemoryRemote()
	store := blobstore.NewMemoryStore()
	a := newHarness(t, harnessOptions{remote: remote, store: store})
	b := newHarness(t, harnessOptions{remote: remote, store: store})
	ctx := context.Background()

	require.True(t, a.engine.Save(ctx, "p1", tenFields("v0"), SaveOptions{}).Success)
	require.Equal(t, int64(1), b.engine.Load(ctx, "p1").Revision)

	var (
		wg      sync.WaitGroup
		results [2]SyncResult
	)
	for i, h := range []*harness{a, b} {
		wg.Add(1)
		go func(i int, h *harness) {
			defer wg.Done()
			results[i] = h.engine.Save(ctx, "p1", tenFields(fmt.Sprintf("writer%d", i)), SaveOptions{})
		}(i, h)
	}
	wg.Wait()

	var winner, loser int
	switch {
	case results[0].Success && !results[1].Success:
		winner, loser = 0, 1
	case results[1].Success && !results[0].Success:
		winner, loser = 1, 0
	default:
		t.Fatalf("want exactly one success, got %+v and %+v", results[0], results[1])
	}
	lost := results[loser]
	require.NotNil(t, lost.Error)
	assert.Equal(t, syncerr.KindConflict, lost.Error.Kind)
	require.NotNil(t, lost.Conflict)
	assert.Equal(t, int64(1), lost.Conflict.ExpectedRevision)
	assert.Equal(t, int64(2), lost.Conflict.RemoteRevision)
	require.NotNil(t, lost.Conflict.Remote)
	assert.JSONEq(t, fmt.Sprintf(`"writer%d-3"`, winner), string(lost.Conflict.Remote.Fields["f3"]))
	assert.JSONEq(t, fmt.Sprintf(`"writer%d-3"`, loser), string(lost.Conflict.Attempted["f3"]))

	stored, err := a.docs.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Revision)
	assert.JSONEq(t, fmt.Sprintf(`"writer%d-7"`, winner), string(stored.Fields["f7"]))
}

func TestExpectedRevisionOverrideConflicts(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "Deck"}, SaveOptions{}).Success)

	stale := int64(5)
	res := h.engine.Save(ctx, "p1", map[string]any{"title": "Other"}, SaveOptions{ExpectedRevision: &stale})
	require.False(t, res.Success)
	assert.True(t, errors.Is(res.Error, syncerr.ErrConflict))
	assert.Equal(t, int64(5), res.Conflict.ExpectedRevision)
	assert.Equal(t, int64(1), res.Conflict.RemoteRevision)
	assert.Equal(t, 0, h.queue.Len())
}

func TestPermanentErrorIsReturnedNotQueued(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	log := &statusLog{}
	h.engine.SubscribeStatus(log.add)

	res := h.engine.Save(context.Background(), "p1", map[string]any{
		"a": strings.Repeat("x", 600<<10),
		"b": strings.Repeat("y", 600<<10),
	}, SaveOptions{})
	require.False(t, res.Success)
	assert.Equal(t, syncerr.KindDocTooLarge, res.Error.Kind)
	assert.False(t, res.Queued)
	assert.Equal(t, 0, h.queue.Len())
	assert.Equal(t, StateError, log.last().State)
}

func TestSaveRejectsInvalidInput(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	res := h.engine.Save(ctx, " ", map[string]any{"title": "x"}, SaveOptions{})
	assert.Equal(t, syncerr.KindValidationFailed, res.Error.Kind)

	res = h.engine.Save(ctx, "p1", map[string]any{"title": "x"}, SaveOptions{Priority: "URGENT"})
	assert.Equal(t, syncerr.KindValidationFailed, res.Error.Kind)

	res = h.engine.Save(ctx, "p1", map[string]any{"bad": make(chan int)}, SaveOptions{})
	assert.Equal(t, syncerr.KindValidationFailed, res.Error.Kind)

	res = h.engine.Load(ctx, "")
	assert.Equal(t, syncerr.KindValidationFailed, res.Error.Kind)
}

func TestPendingAuthQueuesAtHighPriority(t *testing.T) {
	identity := NewPendingIdentity()
	h := newHarness(t, harnessOptions{auth: identity, authTimeout: 20 * time.Millisecond})
	ctx := context.Background()

	res := h.engine.Save(ctx, "p1", map[string]any{"title": "Deck"}, SaveOptions{Priority: opqueue.PriorityLow})
	require.True(t, res.Queued)
	assert.Equal(t, syncerr.KindAuthRequired, res.QueueReason)
	ops := h.queue.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, opqueue.PriorityHigh, ops[0].Priority)

	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	identity.Set("owner-1")
	h.engine.NotifyAuthAvailable()
	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)

	loaded := h.engine.Load(ctx, "p1")
	require.True(t, loaded.Success)
	assert.Equal(t, SourceRemote, loaded.Source)
	assert.Equal(t, "owner-1", loaded.Record.OwnerID)
}

func TestCanceledSaveFinishesInBackground(t *testing.T) {
	gate := gateIdentity{release: make(chan struct{})}
	h := newHarness(t, harnessOptions{auth: gate})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan SyncResult, 1)
	go func() { done <- h.engine.Save(ctx, "p1", map[string]any{"title": "Deck"}, SaveOptions{}) }()
	cancel()

	res := <-done
	require.False(t, res.Success)
	assert.Equal(t, syncerr.KindCanceled, res.Error.Kind)

	close(gate.release)
	require.Eventually(t, func() bool {
		rev, err := h.docs.Revision(context.Background(), "p1")
		return err == nil && rev == 1
	}, 2*time.Second, 5*time.Millisecond)
}

func TestStatusSubscription(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	log := &statusLog{}
	unsubscribe := h.engine.SubscribeStatus(log.add)

	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "Deck"}, SaveOptions{}).Success)
	assert.Equal(t, []State{StateSyncing, StateSynced}, log.states())

	h.remote.SetOffline(true)
	require.True(t, h.engine.Save(ctx, "p2", map[string]any{"title": "Offline"}, SaveOptions{}).Queued)
	last := log.last()
	assert.Equal(t, StateQueued, last.State)
	assert.Equal(t, 1, last.QueueDepth)
	assert.Equal(t, "p2", last.ProjectID)

	unsubscribe()
	before := len(log.states())
	h.engine.Save(ctx, "p3", map[string]any{"title": "x"}, SaveOptions{})
	assert.Len(t, log.states(), before)
}

func TestQueuedWriteConflictIsDeadLettered(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	log := &statusLog{}
	h.engine.SubscribeStatus(log.add)

	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "v1"}, SaveOptions{}).Success)
	h.remote.FailNext(docstore.ErrOffline, docstore.ErrOffline, docstore.ErrOffline)
	res := h.engine.Save(ctx, "p1", map[string]any{"title": "mine"}, SaveOptions{})
	require.True(t, res.Queued)

	// Another device wins the race while this one is offline.
	_, err := h.docs.Write(ctx, docstore.ProjectRecord{
		ID: "p1", OwnerID: "owner-1", Fields: map[string]json.RawMessage{"title": json.RawMessage(`"theirs"`)},
	}, 1)
	require.NoError(t, err)

	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Len(t, report.DeadLettered, 1)
	assert.Equal(t, syncerr.KindConflict, report.DeadLettered[0].Kind)
	assert.Equal(t, StateError, log.last().State)

	stored, err := h.docs.Read(ctx, "p1")
	require.NoError(t, err)
	assert.JSONEq(t, `"theirs"`, string(stored.Fields["title"]))

	dead := h.engine.DeadLetters()
	require.Len(t, dead, 1)
	requeued, err := h.engine.RetryDeadLetter(dead[0].Operation.ID)
	require.NoError(t, err)
	assert.Equal(t, 0, requeued.Attempts)
	assert.Equal(t, 1, h.queue.Len())
	assert.ErrorIs(t, h.engine.AcknowledgeDeadLetter("missing"), opqueue.ErrDeadLetterNotFound)
}

func TestReplayOfAlreadyAppliedWriteSucceeds(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.remote.SetOffline(true)
	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "Deck"}, SaveOptions{}).Queued)
	h.remote.SetOffline(false)

	// The write reached the store but its acknowledgement was lost.
	_, err := h.docs.Write(ctx, docstore.ProjectRecord{
		ID: "p1", OwnerID: "owner-1", Fields: map[string]json.RawMessage{"title": json.RawMessage(`"Deck"`)},
	}, 0)
	require.NoError(t, err)

	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, h.engine.DeadLetters())
}

func TestSavesCoalesceBehindPendingWrite(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.remote.SetOffline(true)

	first := h.engine.Save(ctx, "p1", map[string]any{"title": "draft 1"}, SaveOptions{})
	second := h.engine.Save(ctx, "p1", map[string]any{"title": "draft 2"}, SaveOptions{})
	require.True(t, first.Queued)
	require.True(t, second.Queued)
	assert.Equal(t, first.OperationID, second.OperationID)
	assert.Equal(t, 1, h.queue.Len())

	h.remote.SetOffline(false)
	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)

	stored, err := h.docs.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), stored.Revision)
	assert.JSONEq(t, `"draft 2"`, string(stored.Fields["title"]))
}

func TestLoadFallsBackToOfflineSnapshot(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "Deck"}, SaveOptions{}).Success)
	h.cache.Invalidate(projectKeyPrefix + "p1")
	h.remote.SetOffline(true)

	res := h.engine.Load(ctx, "p1")
	require.True(t, res.Success)
	assert.Equal(t, SourceOfflineSnapshot, res.Source)
	assert.Equal(t, int64(1), res.Revision)
	assert.Equal(t, syncerr.KindNetworkOffline, res.Error.Kind)
	assert.JSONEq(t, `"Deck"`, string(res.Record.Fields["title"]))

	res = h.engine.Load(ctx, "unknown")
	require.False(t, res.Success)
	assert.Equal(t, syncerr.KindNetworkOffline, res.Error.Kind)

	h.remote.SetOffline(false)
	res = h.engine.Load(ctx, "unknown")
	require.False(t, res.Success)
	assert.Equal(t, syncerr.KindNotFound, res.Error.Kind)
}

func TestUploadArtifact(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	data := []byte("%PDF-1.4 showcase export")

	res := h.engine.UploadArtifact(ctx, "p1", "export.pdf", data, ArtifactOptions{Validate: true})
	require.True(t, res.Success, "%+v", res.Error)
	require.NotNil(t, res.Pointer)
	assert.True(t, strings.HasPrefix(res.Pointer.Path, "users/owner-1/projects/p1/artifacts/export.pdf/r0-"), res.Pointer.Path)
	assert.Equal(t, 1, h.store.Len())

	h.store.SetOffline(true)
	res = h.engine.UploadArtifact(ctx, "p1", "export.pdf", []byte("%PDF-1.4 second export"), ArtifactOptions{})
	require.True(t, res.Queued)
	ops := h.queue.Operations()
	require.Len(t, ops, 1)
	assert.Equal(t, opqueue.TypeBlobUpload, ops[0].Type)
	assert.Equal(t, opqueue.PriorityLow, ops[0].Priority)

	h.store.SetOffline(false)
	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Equal(t, 2, h.store.Len())

	res = h.engine.UploadArtifact(ctx, "p1", "", data, ArtifactOptions{})
	assert.Equal(t, syncerr.KindValidationFailed, res.Error.Kind)
}

func TestClosedEngineRejectsWork(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	require.NoError(t, h.engine.Close())
	require.NoError(t, h.engine.Close())

	res := h.engine.Save(context.Background(), "p1", map[string]any{"title": "x"}, SaveOptions{})
	require.False(t, res.Success)
	assert.ErrorIs(t, res.Error, ErrClosed)
}

func TestOpenRequiresCollaborators(t *testing.T) {
	_, err := Open(Options{})
	require.Error(t, err)
}

func TestAsyncSaveAndLoad(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()

	saved := <-h.engine.SaveAsync(ctx, "p1", map[string]any{"title": "Deck"}, SaveOptions{})
	require.True(t, saved.Success, "%+v", saved.Error)
	assert.Equal(t, int64(1), saved.Revision)

	loaded := <-h.engine.LoadAsync(ctx, "p1")
	require.True(t, loaded.Success)
	assert.Equal(t, SourceCache, loaded.Source)
	assert.Equal(t, int64(1), loaded.Revision)
}

func TestConnectivityRestoredIgnoresBackoff(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.remote.SetOffline(true)

	res := h.engine.Save(ctx, "p1", map[string]any{"title": "Deck"}, SaveOptions{})
	require.True(t, res.Queued)
	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Retried)

	h.remote.SetOffline(false)
	report, err = h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, report.Attempted, "operation is still backing off")

	h.engine.NotifyConnectivityRestored()
	require.Eventually(t, func() bool { return h.queue.Len() == 0 }, 2*time.Second, 5*time.Millisecond)
	rev, err := h.docs.Revision(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

func TestRequestIdentityFollowsContextOwner(t *testing.T) {
	h := newHarness(t, harnessOptions{auth: RequestIdentity{}})

	res := h.engine.Save(WithIdentity(context.Background(), "owner-2"), "p1", map[string]any{"title": "Deck"}, SaveOptions{})
	require.True(t, res.Success, "%+v", res.Error)
	require.NotNil(t, res.Record)
	assert.Equal(t, "owner-2", res.Record.OwnerID)

	h.remote.SetOffline(true)
	res = h.engine.Save(WithIdentity(context.Background(), "owner-3"), "p2", map[string]any{"title": "Other"}, SaveOptions{})
	require.True(t, res.Queued)
	h.remote.SetOffline(false)

	report, err := h.engine.ProcessQueue(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	loaded := h.engine.Load(context.Background(), "p2")
	require.True(t, loaded.Success)
	assert.Equal(t, "owner-3", loaded.Record.OwnerID)

	anonymous := h.engine.Save(context.Background(), "p3", map[string]any{"title": "x"}, SaveOptions{})
	assert.True(t, anonymous.Queued)
	assert.Equal(t, syncerr.KindAuthRequired, anonymous.QueueReason)

	fallback := RequestIdentity{Fallback: StaticIdentity("owner-9")}
	owner, err := fallback.Identity(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "owner-9", owner)
	_, err = RequestIdentity{}.Identity(context.Background())
	assert.ErrorIs(t, err, ErrNoIdentity)
}

func TestSlowLoadDoesNotRollBackNewerSave(t *testing.T) {
	held := &heldRemote{}
	h := newHarness(t, harnessOptions{wrap: held.wrap})
	ctx := context.Background()
	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "v1"}, SaveOptions{}).Success)
	h.cache.Invalidate(projectKeyPrefix + "p1")

	reading, release := held.arm("get")
	loading := h.engine.LoadAsync(ctx, "p1")
	<-reading

	saved := h.engine.Save(ctx, "p1", map[string]any{"title": "v2"}, SaveOptions{})
	require.True(t, saved.Success, "%+v", saved.Error)
	assert.Equal(t, int64(2), saved.Revision)

	close(release)
	late := <-loading
	require.True(t, late.Success)
	assert.Equal(t, int64(1), late.Revision, "the load read before the save landed")

	cached := h.engine.Load(ctx, "p1")
	require.True(t, cached.Success)
	assert.Equal(t, SourceCache, cached.Source)
	assert.Equal(t, int64(2), cached.Revision)
	assert.JSONEq(t, `"v2"`, string(cached.Record.Fields["title"]))

	snap, ok, err := h.snaps.Load("p1")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, int64(2), snap.Record.Revision)

	next := h.engine.Save(ctx, "p1", map[string]any{"title": "v3"}, SaveOptions{})
	require.True(t, next.Success, "%+v", next.Error)
	assert.Equal(t, int64(3), next.Revision)
}

func TestSaveQueuesWithinSaveTimeoutWhileBlobStoreRetries(t *testing.T) {
	h := newHarness(t, harnessOptions{realBackoff: true, authTimeout: 300 * time.Millisecond})
	ctx := context.Background()
	h.store.SetOffline(true)

	start := time.Now()
	res := h.engine.Save(ctx, "p1", map[string]any{"title": "Pitch", "slides": strings.Repeat("a", 2<<20)}, SaveOptions{})
	elapsed := time.Since(start)

	require.True(t, res.Success, "%+v", res.Error)
	assert.True(t, res.Queued)
	assert.Equal(t, syncerr.KindTimeout, res.QueueReason)
	assert.Less(t, elapsed, 2*time.Second, "save waited out the blob retry schedule")
	assert.Equal(t, 1, h.queue.Len())

	h.store.SetOffline(false)
	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	rev, err := h.docs.Revision(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), rev)
}

func TestSaveAfterQueuedWriteSettlesWritesDirectly(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	h.remote.SetOffline(true)
	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "draft"}, SaveOptions{}).Queued)
	h.remote.SetOffline(false)

	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.Succeeded)
	require.Zero(t, h.queue.Len())

	res := h.engine.Save(ctx, "p1", map[string]any{"title": "final"}, SaveOptions{})
	require.True(t, res.Success, "%+v", res.Error)
	assert.False(t, res.Queued)
	assert.Equal(t, int64(2), res.Revision)
	assert.Empty(t, h.engine.DeadLetters())
}

func TestSaveCoalescedWhileQueuedWriteIsInFlight(t *testing.T) {
	held := &heldRemote{}
	h := newHarness(t, harnessOptions{wrap: held.wrap})
	ctx := context.Background()
	h.remote.SetOffline(true)
	first := h.engine.Save(ctx, "p1", map[string]any{"title": "draft 1"}, SaveOptions{})
	require.True(t, first.Queued)
	h.remote.SetOffline(false)

	writing, release := held.arm("set")
	done := make(chan opqueue.Report, 1)
	go func() {
		report, _ := h.engine.ProcessQueue(ctx)
		done <- report
	}()
	<-writing

	base := int64(0)
	second := h.engine.Save(ctx, "p1", map[string]any{"title": "draft 2"}, SaveOptions{ExpectedRevision: &base})
	require.True(t, second.Queued)
	assert.Equal(t, first.OperationID, second.OperationID)

	close(release)
	report := <-done
	assert.Equal(t, 1, report.Succeeded)
	require.Equal(t, 1, h.queue.Len(), "the coalesced save still has to go out")

	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	assert.Empty(t, report.DeadLettered)
	assert.Empty(t, h.engine.DeadLetters())

	stored, err := h.docs.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Revision)
	assert.JSONEq(t, `"draft 2"`, string(stored.Fields["title"]))
}

func TestCoalescedSaveKeepsQueuedExpectedRevision(t *testing.T) {
	h := newHarness(t, harnessOptions{})
	ctx := context.Background()
	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "v1"}, SaveOptions{}).Success)

	h.remote.SetOffline(true)
	require.True(t, h.engine.Save(ctx, "p1", map[string]any{"title": "offline 1"}, SaveOptions{}).Queued)
	older := int64(0)
	res := h.engine.Save(ctx, "p1", map[string]any{"title": "offline 2"}, SaveOptions{ExpectedRevision: &older})
	require.True(t, res.Queued)

	var queued docWritePayload
	ops := h.queue.Operations()
	require.Len(t, ops, 1)
	require.NoError(t, json.Unmarshal(ops[0].Payload, &queued))
	assert.Equal(t, int64(1), queued.ExpectedRevision)
	assert.Equal(t, "owner-1", queued.OwnerID)

	h.remote.SetOffline(false)
	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	stored, err := h.docs.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), stored.Revision)
	assert.JSONEq(t, `"offline 2"`, string(stored.Fields["title"]))
}

func TestProjectsAreScopedToTheirOwner(t *testing.T) {
	h := newHarness(t, harnessOptions{auth: RequestIdentity{}})
	ctx := context.Background()
	alice := WithIdentity(ctx, "alice")
	bob := WithIdentity(ctx, "bob")
	require.True(t, h.engine.Save(alice, "p1", map[string]any{"secret": "alice-data"}, SaveOptions{}).Success)

	res := h.engine.Load(bob, "p1")
	require.False(t, res.Success)
	assert.Equal(t, syncerr.KindPermissionDenied, res.Error.Kind)
	assert.Nil(t, res.Record)

	h.cache.Invalidate(projectKeyPrefix + "p1")
	res = h.engine.Load(bob, "p1")
	require.False(t, res.Success)
	assert.Equal(t, syncerr.KindPermissionDenied, res.Error.Kind)

	h.remote.SetOffline(true)
	res = h.engine.Load(bob, "p1")
	require.False(t, res.Success, "offline snapshot served to another owner")
	assert.Equal(t, syncerr.KindPermissionDenied, res.Error.Kind)
	h.remote.SetOffline(false)

	res = h.engine.Save(bob, "p1", map[string]any{"secret": "bob-overwrote"}, SaveOptions{})
	require.False(t, res.Success)
	assert.Equal(t, syncerr.KindPermissionDenied, res.Error.Kind)
	assert.False(t, res.Queued)
	assert.Zero(t, h.queue.Len())

	res = h.engine.Load(alice, "p1")
	require.True(t, res.Success)
	assert.Equal(t, "alice", res.Record.OwnerID)
	assert.JSONEq(t, `"alice-data"`, string(res.Record.Fields["secret"]))
	assert.True(t, h.engine.Load(ctx, "p1").Success, "a process without a caller identity sees every record")

	h.remote.SetOffline(true)
	require.True(t, h.engine.Save(alice, "p1", map[string]any{"secret": "alice-2"}, SaveOptions{}).Queued)
	res = h.engine.Save(bob, "p1", map[string]any{"secret": "bob-queued"}, SaveOptions{})
	require.False(t, res.Success)
	assert.Equal(t, syncerr.KindPermissionDenied, res.Error.Kind)
	h.remote.SetOffline(false)

	report, err := h.engine.ProcessQueue(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, report.Succeeded)
	stored, err := h.docs.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "alice", stored.OwnerID)
	assert.JSONEq(t, `"alice-2"`, string(stored.Fields["secret"]))
}
