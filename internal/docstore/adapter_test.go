package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/projectsync/internal/blobstore"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

func noSleep(ctx context.Context, _ time.Duration) error { return ctx.Err() }

type testEnv struct {
	adapter *Adapter
	remote  *MemoryRemote
	store   *blobstore.MemoryStore
}

func newTestEnv(t *testing.T, opts Options) testEnv {
	t.Helper()
	remote := NewMemoryRemote()
	return newTestEnvWithRemote(t, remote, remote, opts)
}

func newTestEnvWithRemote(t *testing.T, memory *MemoryRemote, remote Remote, opts Options) testEnv {
	t.Helper()
	store := blobstore.NewMemoryStore()
	blobs := blobstore.NewAdapter(store, blobstore.Options{Sleep: noSleep})
	opts.Retry.Sleep = noSleep
	if opts.Now == nil {
		opts.Now = func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }
	}
	a, err := NewAdapter(remote, blobs, opts)
	require.NoError(t, err)
	return testEnv{adapter: a, remote: memory, store: store}
}

func record(id string, fields map[string]string) ProjectRecord {
	rec := ProjectRecord{ID: id, OwnerID: "owner-1", Fields: map[string]json.RawMessage{}}
	for k, v := range fields {
		rec.Fields[k] = json.RawMessage(v)
	}
	return rec
}

func bigString(n int, fill string) json.RawMessage {
	return json.RawMessage(strconv.Quote(strings.Repeat(fill, n)))
}

func TestWriteIncrementsRevisionByOne(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()

	res, err := env.adapter.Write(ctx, record("p1", map[string]string{"title": `"Deck"`}), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NewRevision)

	res, err = env.adapter.Write(ctx, record("p1", map[string]string{"title": `"Deck v2"`}), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.NewRevision)

	got, err := env.adapter.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Revision)
	assert.Equal(t, "owner-1", got.OwnerID)
	assert.JSONEq(t, `"Deck v2"`, string(got.Fields["title"]))

	rev, err := env.adapter.Revision(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(2), rev)
}

func TestRevisionOfMissingProjectIsZero(t *testing.T) {
	env := newTestEnv(t, Options{})
	rev, err := env.adapter.Revision(context.Background(), "nope")
	require.NoError(t, err)
	assert.Zero(t, rev)

	_, err = env.adapter.Read(context.Background(), "nope")
	assert.Equal(t, syncerr.KindNotFound, syncerr.KindOf(err))
}

func TestWriteWithStaleRevisionIsConflict(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	_, err := env.adapter.Write(ctx, record("p1", map[string]string{"title": `"A"`}), 0)
	require.NoError(t, err)
	_, err = env.adapter.Write(ctx, record("p1", map[string]string{"title": `"B"`}), 1)
	require.NoError(t, err)
	putsBefore := env.store.PutCalls()

	big := record("p1", nil)
	big.Fields["slides"] = bigString(800<<10, "x")
	_, err = env.adapter.Write(ctx, big, 1)
	require.Error(t, err)
	assert.True(t, syncerr.IsConflict(err))

	var ce *syncerr.CloudError
	require.True(t, errors.As(err, &ce))
	require.NotNil(t, ce.Conflict)
	assert.Equal(t, int64(1), ce.Conflict.ExpectedRevision)
	assert.Equal(t, int64(2), ce.Conflict.CurrentRevision)
	assert.False(t, ce.Retryable)
	assert.Equal(t, putsBefore, env.store.PutCalls(), "conflicting write must not upload blobs")
}

func TestCreateOverExistingProjectIsConflict(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	_, err := env.adapter.Write(ctx, record("p1", map[string]string{"a": `1`}), 0)
	require.NoError(t, err)
	_, err = env.adapter.Write(ctx, record("p1", map[string]string{"a": `2`}), 0)
	assert.True(t, syncerr.IsConflict(err))
}

func TestWriteOverAnotherOwnersProjectIsDenied(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	_, err := env.adapter.Write(ctx, record("p1", map[string]string{"secret": `"alice-data"`}), 0)
	require.NoError(t, err)

	intruder := record("p1", map[string]string{"secret": `"overwritten"`})
	intruder.OwnerID = "owner-2"
	_, err = env.adapter.Write(ctx, intruder, 1)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindPermissionDenied, syncerr.KindOf(err))
	assert.False(t, syncerr.IsRetryable(err))

	_, err = env.adapter.BatchWrite(ctx, []BatchOp{{Record: intruder, ExpectedRevision: 1}})
	assert.Equal(t, syncerr.KindPermissionDenied, syncerr.KindOf(err))

	stored, err := env.adapter.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, "owner-1", stored.OwnerID)
	assert.Equal(t, int64(1), stored.Revision)
	assert.JSONEq(t, `"alice-data"`, string(stored.Fields["secret"]))
}

func TestLargeFieldIsOffloadedAndRehydrated(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	rec := record("p1", map[string]string{"title": `"Showcase"`})
	rec.Fields["slides"] = bigString(2<<20, "s")

	res, err := env.adapter.Write(ctx, rec, 0)
	require.NoError(t, err)
	assert.Equal(t, []string{"slides"}, res.Offloaded)
	assert.Equal(t, 1, env.store.Len())

	doc, err := env.remote.Get(ctx, DocumentPath("p1"))
	require.NoError(t, err)
	assert.Less(t, len(doc.Body), 1<<20)
	assert.NotContains(t, string(doc.Body), strings.Repeat("s", 1024))

	got, err := env.adapter.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(rec.Fields["slides"]), []byte(got.Fields["slides"]))
	assert.JSONEq(t, `"Showcase"`, string(got.Fields["title"]))
	require.Contains(t, got.LargeFieldPointers, "slides")
	ptr := got.LargeFieldPointers["slides"]
	assert.Equal(t, int64(len(rec.Fields["slides"])), ptr.SizeBytes)
	assert.Equal(t, blobstore.ContentHash(rec.Fields["slides"]), ptr.ContentHash)
	assert.True(t, strings.HasPrefix(ptr.Path, "users/owner-1/projects/p1/slides/r1-"))
}

func TestUnchangedLargeFieldReusesPointer(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	rec := record("p1", map[string]string{"title": `"v1"`})
	rec.Fields["slides"] = bigString(900<<10, "s")
	_, err := env.adapter.Write(ctx, rec, 0)
	require.NoError(t, err)
	puts := env.store.PutCalls()

	rec.Fields["title"] = json.RawMessage(`"v2"`)
	res, err := env.adapter.Write(ctx, rec, 1)
	require.NoError(t, err)
	assert.Empty(t, res.Offloaded)
	assert.Equal(t, puts, env.store.PutCalls())

	got, err := env.adapter.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, int64(1), got.LargeFieldPointers["slides"].Revision)
	assert.Equal(t, []byte(rec.Fields["slides"]), []byte(got.Fields["slides"]))
}

func TestSnapshotsAreRotated(t *testing.T) {
	env := newTestEnv(t, Options{SnapshotsKept: 3})
	ctx := context.Background()
	for i := 0; i < 5; i++ {
		rec := record("p1", nil)
		rec.Fields["slides"] = bigString(750<<10, strconv.Itoa(i))
		_, err := env.adapter.Write(ctx, rec, int64(i))
		require.NoError(t, err)
	}
	assert.Equal(t, 3, env.store.Len())

	got, err := env.adapter.Read(ctx, "p1")
	require.NoError(t, err)
	assert.Equal(t, []byte(bigString(750<<10, "4")), []byte(got.Fields["slides"]))
}

func TestInlineRemainderOverHardLimitIsDocTooLarge(t *testing.T) {
	env := newTestEnv(t, Options{})
	rec := record("p1", nil)
	rec.Fields["a"] = bigString(600<<10, "a")
	rec.Fields["b"] = bigString(600<<10, "b")

	_, err := env.adapter.Write(context.Background(), rec, 0)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindDocTooLarge, syncerr.KindOf(err))
	assert.False(t, syncerr.IsRetryable(err))
	assert.Zero(t, env.remote.SetCalls())
}

func TestWriteValidatesInput(t *testing.T) {
	env := newTestEnv(t, Options{
		FieldsSchema: `{"type":"object","required":["title"],"properties":{"title":{"type":"string"}}}`,
	})
	ctx := context.Background()

	_, err := env.adapter.Write(ctx, record("", map[string]string{"title": `"x"`}), 0)
	assert.Equal(t, syncerr.KindValidationFailed, syncerr.KindOf(err))

	noOwner := record("p1", map[string]string{"title": `"x"`})
	noOwner.OwnerID = ""
	_, err = env.adapter.Write(ctx, noOwner, 0)
	assert.Equal(t, syncerr.KindValidationFailed, syncerr.KindOf(err))

	_, err = env.adapter.Write(ctx, record("p1", map[string]string{"title": `42`}), 0)
	assert.Equal(t, syncerr.KindValidationFailed, syncerr.KindOf(err))

	_, err = env.adapter.Write(ctx, record("p1", map[string]string{"other": `"x"`}), 0)
	assert.Equal(t, syncerr.KindValidationFailed, syncerr.KindOf(err))

	_, err = env.adapter.Write(ctx, record("p1", map[string]string{"title": `"ok"`}), 0)
	assert.NoError(t, err)
}

func TestReadRejectsCorruptedBlob(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	rec := record("p1", nil)
	rec.Fields["slides"] = bigString(800<<10, "s")
	_, err := env.adapter.Write(ctx, rec, 0)
	require.NoError(t, err)

	doc, err := env.remote.Get(ctx, DocumentPath("p1"))
	require.NoError(t, err)
	stored, err := decodeStored(doc.Body)
	require.NoError(t, err)
	env.store.Corrupt(stored.LargeFieldPointers["slides"].Path, []byte(`"tampered"`))

	_, err = env.adapter.Read(ctx, "p1")
	assert.Equal(t, syncerr.KindValidationFailed, syncerr.KindOf(err))
}

func TestReadRejectsDocumentFailingSchema(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.remote.Put(DocumentPath("p1"), Document{Revision: 1, Body: []byte(`{"id":"p1"}`)})
	_, err := env.adapter.Read(context.Background(), "p1")
	assert.Equal(t, syncerr.KindValidationFailed, syncerr.KindOf(err))
}

func TestOfflineRemoteIsRetryable(t *testing.T) {
	env := newTestEnv(t, Options{})
	env.remote.SetOffline(true)
	_, err := env.adapter.Write(context.Background(), record("p1", map[string]string{"a": `1`}), 0)
	require.Error(t, err)
	assert.Equal(t, syncerr.KindNetworkOffline, syncerr.KindOf(err))
	assert.True(t, syncerr.IsRetryable(err))
}

// lostAckRemote applies a Set and then reports a dropped connection, as if the
// response never reached the client.
type lostAckRemote struct {
	*MemoryRemote
	lose int
}

func (r *lostAckRemote) Set(ctx context.Context, path string, doc Document, pre Precondition) error {
	if err := r.MemoryRemote.Set(ctx, path, doc, pre); err != nil {
		return err
	}
	if r.lose > 0 {
		r.lose--
		return ErrOffline
	}
	return nil
}

func TestRetriedWriteWhoseFirstAttemptLandedSucceeds(t *testing.T) {
	memory := NewMemoryRemote()
	env := newTestEnvWithRemote(t, memory, &lostAckRemote{MemoryRemote: memory, lose: 1}, Options{})

	res, err := env.adapter.Write(context.Background(), record("p1", map[string]string{"a": `1`}), 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.NewRevision)
	assert.Equal(t, 2, memory.SetCalls())
}

func TestTransientSetFailureIsRetried(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	_, err := env.adapter.Write(ctx, record("p1", map[string]string{"a": `1`}), 0)
	require.NoError(t, err)

	// The first fault is consumed by the pre-write read, the second by Set.
	env.remote.FailNext(nil)
	env.remote.FailNext(ErrOffline)
	res, err := env.adapter.Write(ctx, record("p1", map[string]string{"a": `2`}), 1)
	require.NoError(t, err)
	assert.Equal(t, int64(2), res.NewRevision)
}

func TestBatchWriteIsAllOrNothing(t *testing.T) {
	env := newTestEnv(t, Options{})
	ctx := context.Background()
	_, err := env.adapter.Write(ctx, record("p2", map[string]string{"a": `1`}), 0)
	require.NoError(t, err)

	_, err = env.adapter.BatchWrite(ctx, []BatchOp{
		{Record: record("p1", map[string]string{"a": `1`}), ExpectedRevision: 0},
		{Record: record("p2", map[string]string{"a": `2`}), ExpectedRevision: 0},
	})
	require.Error(t, err)
	assert.True(t, syncerr.IsConflict(err))
	_, err = env.remote.Get(ctx, DocumentPath("p1"))
	assert.ErrorIs(t, err, ErrNotFound)

	results, err := env.adapter.BatchWrite(ctx, []BatchOp{
		{Record: record("p1", map[string]string{"a": `1`}), ExpectedRevision: 0},
		{Record: record("p2", map[string]string{"a": `2`}), ExpectedRevision: 1},
	})
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, int64(1), results[0].NewRevision)
	assert.Equal(t, int64(2), results[1].NewRevision)
}

// racingRemote lets another writer land between the adapter's read and its
// batch commit.
type racingRemote struct {
	*MemoryRemote
	race func()
}

func (r *racingRemote) Batch(ctx context.Context, mutations []Mutation) error {
	if r.race != nil {
		r.race()
		r.race = nil
	}
	return r.MemoryRemote.Batch(ctx, mutations)
}

func TestBatchPreconditionRaceIsConflict(t *testing.T) {
	memory := NewMemoryRemote()
	racing := &racingRemote{MemoryRemote: memory}
	env := newTestEnvWithRemote(t, memory, racing, Options{})
	racing.race = func() {
		memory.Put(DocumentPath("p2"), Document{Revision: 1, Body: []byte(`{}`)})
	}

	_, err := env.adapter.BatchWrite(context.Background(), []BatchOp{
		{Record: record("p1", map[string]string{"a": `1`})},
		{Record: record("p2", map[string]string{"a": `1`})},
	})
	assert.True(t, syncerr.IsConflict(err))
	_, err = memory.Get(context.Background(), DocumentPath("p1"))
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestBatchWriteLimits(t *testing.T) {
	env := newTestEnv(t, Options{BatchLimit: 2})
	ctx := context.Background()

	_, err := env.adapter.BatchWrite(ctx, []BatchOp{
		{Record: record("p1", nil)}, {Record: record("p2", nil)}, {Record: record("p3", nil)},
	})
	assert.Equal(t, syncerr.KindValidationFailed, syncerr.KindOf(err))

	_, err = env.adapter.BatchWrite(ctx, []BatchOp{{Record: record("p1", nil)}, {Record: record("p1", nil)}})
	assert.Equal(t, syncerr.KindValidationFailed, syncerr.KindOf(err))

	results, err := env.adapter.BatchWrite(ctx, nil)
	assert.NoError(t, err)
	assert.Empty(t, results)
}

func TestNewAdapterRejectsBadFieldsSchema(t *testing.T) {
	_, err := NewAdapter(NewMemoryRemote(), blobstore.NewAdapter(blobstore.NewMemoryStore(), blobstore.Options{}),
		Options{FieldsSchema: `{"type":`})
	assert.Error(t, err)
}
