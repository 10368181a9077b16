package projectsync

import (
	"bytes"
	"context"
	"encoding/json"
	"path"
	"strings"

	"github.com/agentworkforce/projectsync/internal/blobstore"
	"github.com/agentworkforce/projectsync/internal/docstore"
	"github.com/agentworkforce/projectsync/internal/opqueue"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

// docWritePayload is the queued form of a save.
type docWritePayload struct {
	ProjectID        string                     `json:"projectId"`
	OwnerID          string                     `json:"ownerId,omitempty"`
	Fields           map[string]json.RawMessage `json:"fields"`
	ExpectedRevision int64                      `json:"expectedRevision"`
	Validate         bool                       `json:"validate,omitempty"`
}

// artifactPayload is the queued form of an artifact upload.
type artifactPayload struct {
	ProjectID   string `json:"projectId"`
	OwnerID     string `json:"ownerId,omitempty"`
	Name        string `json:"name"`
	Data        []byte `json:"data"`
	Revision    int64  `json:"revision"`
	Validate    bool   `json:"validate,omitempty"`
	ContentType string `json:"contentType,omitempty"`
}

type ArtifactOptions struct {
	Priority    opqueue.Priority
	Validate    bool
	Revision    int64
	ContentType string
}

func docWriteKey(projectID string) string { return "doc:" + projectID }

func artifactKey(projectID, name string) string { return "blob:" + projectID + ":" + name }

// enqueueWrite queues a save, joining a write already pending for the
// project when there is one.
func (e *Engine) enqueueWrite(op, id, owner string, fields map[string]json.RawMessage, expected int64, validate bool, priority opqueue.Priority, reason syncerr.Kind) SyncResult {
	p := docWritePayload{ProjectID: id, OwnerID: owner, Fields: fields, ExpectedRevision: expected, Validate: validate}
	if res, ok := e.coalesceWrite(op, p, priority, reason); ok {
		return res
	}
	payload, err := json.Marshal(p)
	if err != nil {
		return failed(syncerr.New(syncerr.KindValidationFailed, op, err))
	}
	return e.enqueue(op, opqueue.Operation{Type: opqueue.TypeDocWrite, ProjectID: id, Key: docWriteKey(id), Payload: payload}, priority, reason)
}

// coalesceWrite folds p into the write pending for its project, in one step
// under the queue lock. The pending expected revision is what the remote held
// when the first write was queued, so it is kept unless p names a newer one.
// A pending write never changes owner. ok is false when nothing is pending.
func (e *Engine) coalesceWrite(op string, p docWritePayload, priority opqueue.Priority, reason syncerr.Kind) (SyncResult, bool) {
	merged, ok, err := e.queue.Coalesce(docWriteKey(p.ProjectID), priority, func(pending opqueue.Operation) (json.RawMessage, error) {
		var prev docWritePayload
		if err := json.Unmarshal(pending.Payload, &prev); err == nil {
			if prev.OwnerID != "" && p.OwnerID != "" && prev.OwnerID != p.OwnerID {
				return nil, syncerr.Newf(syncerr.KindPermissionDenied, op, "project %s has a queued write from another owner", p.ProjectID)
			}
			if p.OwnerID == "" {
				p.OwnerID = prev.OwnerID
			}
			p.ExpectedRevision = max(p.ExpectedRevision, prev.ExpectedRevision)
		}
		if reason == "" {
			reason = pending.LastErrorKind
		}
		return json.Marshal(p)
	})
	if !ok {
		return SyncResult{}, false
	}
	if err != nil {
		ce := syncerr.ClassifyOp(op, err)
		if ce.Kind != syncerr.KindPermissionDenied {
			ce = syncerr.New(syncerr.KindUnavailable, op, err)
			e.logger.Error().Err(err).Str("project_id", p.ProjectID).Msg("could not queue operation")
		}
		e.publish(StateError, p.ProjectID, ce.UserMessage)
		return failed(ce), true
	}
	if reason == "" {
		reason = syncerr.KindTransient
	}
	return e.queued(merged, reason), true
}

func (e *Engine) enqueue(op string, item opqueue.Operation, priority opqueue.Priority, reason syncerr.Kind) SyncResult {
	queued, err := e.queue.Enqueue(item, priority)
	if err != nil {
		ce := syncerr.New(syncerr.KindUnavailable, op, err)
		e.logger.Error().Err(err).Str("project_id", item.ProjectID).Msg("could not queue operation")
		e.publish(StateError, item.ProjectID, ce.UserMessage)
		return failed(ce)
	}
	return e.queued(queued, reason)
}

func (e *Engine) queued(item opqueue.Operation, reason syncerr.Kind) SyncResult {
	e.logger.Info().Str("project_id", item.ProjectID).Str("op_id", item.ID).Str("kind", string(reason)).
		Str("priority", string(item.Priority)).Msg("operation queued")
	e.publish(StateQueued, item.ProjectID, reason.UserMessage())
	return SyncResult{
		Success:     true,
		Source:      SourceQueued,
		Queued:      true,
		QueueReason: reason,
		OperationID: item.ID,
	}
}

// execute is the queue executor.
func (e *Engine) execute(ctx context.Context, op opqueue.Operation) error {
	ctx, cancel := context.WithTimeout(ctx, e.remoteTimeout)
	defer cancel()
	switch op.Type {
	case opqueue.TypeDocWrite:
		return e.replayWrite(ctx, op)
	case opqueue.TypeBlobUpload:
		return e.replayUpload(ctx, op)
	default:
		return syncerr.Newf(syncerr.KindValidationFailed, "projectsync.replay", "unknown operation type %q", op.Type)
	}
}

func (e *Engine) replayWrite(ctx context.Context, op opqueue.Operation) error {
	const name = "projectsync.replay"
	var p docWritePayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return syncerr.New(syncerr.KindValidationFailed, name, err)
	}
	owner, err := e.replayIdentity(ctx, p.OwnerID)
	if err != nil {
		return syncerr.New(syncerr.KindAuthRequired, name, err)
	}

	rec := docstore.ProjectRecord{ID: p.ProjectID, OwnerID: owner, Fields: p.Fields}
	written, err := e.write(ctx, rec, p.ExpectedRevision, p.Validate)
	if err != nil {
		if !syncerr.IsConflict(err) {
			return err
		}
		// An earlier attempt may have landed before its response was lost.
		remote, rerr := e.docs.Read(ctx, p.ProjectID)
		if rerr != nil || remote.Revision != p.ExpectedRevision+1 || !sameFields(remote.Fields, p.Fields) {
			e.cache.Invalidate(projectKeyPrefix + p.ProjectID)
			return err
		}
		e.logger.Info().Str("op_id", op.ID).Str("project_id", p.ProjectID).Int64("revision", remote.Revision).
			Msg("queued write was already applied")
		written = remote
	}

	e.rebase(op, written.Revision)
	e.replayed(written)
	e.logger.Info().Str("op_id", op.ID).Str("project_id", p.ProjectID).Int64("revision", written.Revision).
		Int("attempt", op.Attempts+1).Msg("queued write synced")
	e.publish(StateSynced, p.ProjectID, "")
	return nil
}

// replayIdentity re-authenticates a queued operation. The owner recorded at
// enqueue time is offered to the Authenticator the way a request would.
func (e *Engine) replayIdentity(ctx context.Context, owner string) (string, error) {
	if owner != "" {
		ctx = WithIdentity(ctx, owner)
	}
	return e.identity(ctx)
}

// rebase moves a save that was coalesced into op while op was in flight onto
// the revision op just produced.
func (e *Engine) rebase(op opqueue.Operation, revision int64) {
	_, _, err := e.queue.Coalesce(op.Key, "", func(pending opqueue.Operation) (json.RawMessage, error) {
		if pending.ID != op.ID || bytes.Equal(pending.Payload, op.Payload) {
			return nil, nil
		}
		var next docWritePayload
		if err := json.Unmarshal(pending.Payload, &next); err != nil {
			return nil, nil
		}
		next.ExpectedRevision = revision
		return json.Marshal(next)
	})
	if err != nil {
		e.logger.Warn().Err(err).Str("op_id", op.ID).Msg("could not rebase coalesced write")
	}
}

func (e *Engine) replayUpload(ctx context.Context, op opqueue.Operation) error {
	const name = "projectsync.replay"
	var p artifactPayload
	if err := json.Unmarshal(op.Payload, &p); err != nil {
		return syncerr.New(syncerr.KindValidationFailed, name, err)
	}
	owner, err := e.replayIdentity(ctx, p.OwnerID)
	if err != nil {
		return syncerr.New(syncerr.KindAuthRequired, name, err)
	}
	ptr, err := e.uploadArtifact(ctx, owner, p)
	if err != nil {
		return err
	}
	e.logger.Info().Str("op_id", op.ID).Str("project_id", p.ProjectID).Str("path", ptr.Path).Msg("queued artifact uploaded")
	e.publish(StateSynced, p.ProjectID, "")
	return nil
}

// UploadArtifact stores a standalone payload such as an export next to the
// project. It is queued like a save when the blob store cannot be reached.
func (e *Engine) UploadArtifact(ctx context.Context, id, name string, data []byte, opts ArtifactOptions) SyncResult {
	const op = "projectsync.artifact"
	p := artifactPayload{
		ProjectID:   strings.TrimSpace(id),
		Name:        strings.TrimSpace(name),
		Data:        data,
		Revision:    opts.Revision,
		Validate:    opts.Validate,
		ContentType: opts.ContentType,
	}
	return await(ctx, op, e.spawn(ctx, op, func(ctx context.Context) SyncResult {
		return e.artifact(ctx, p, opts.Priority)
	}))
}

func (e *Engine) artifact(ctx context.Context, p artifactPayload, priority opqueue.Priority) SyncResult {
	const op = "projectsync.artifact"
	if p.ProjectID == "" || p.Name == "" {
		return failed(syncerr.Newf(syncerr.KindValidationFailed, op, "project id and artifact name are required"))
	}
	if priority == "" {
		priority = opqueue.PriorityLow
	}
	if !priority.Valid() {
		return failed(syncerr.Newf(syncerr.KindValidationFailed, op, "unknown priority %q", priority))
	}
	if int64(len(p.Data)) > e.blobs.MaxObjectBytes() {
		return failed(syncerr.Newf(syncerr.KindDocTooLarge, op, "artifact %s is %d bytes, limit is %d",
			p.Name, len(p.Data), e.blobs.MaxObjectBytes()))
	}
	e.publish(StateSyncing, p.ProjectID, "")

	owner, err := e.identity(ctx)
	if err != nil {
		return e.enqueueArtifact(op, p, opqueue.PriorityHigh, syncerr.KindAuthRequired)
	}
	p.OwnerID = owner
	ptr, err := e.uploadArtifact(ctx, owner, p)
	if err != nil {
		ce := syncerr.ClassifyOp(op, err)
		if ce.Retryable {
			return e.enqueueArtifact(op, p, priority, ce.Kind)
		}
		e.publish(StateError, p.ProjectID, ce.UserMessage)
		return failed(ce)
	}
	e.publish(StateSynced, p.ProjectID, "")
	return SyncResult{Success: true, Source: SourceRemote, Revision: p.Revision, Pointer: &ptr}
}

func (e *Engine) enqueueArtifact(op string, p artifactPayload, priority opqueue.Priority, reason syncerr.Kind) SyncResult {
	payload, err := json.Marshal(p)
	if err != nil {
		return failed(syncerr.New(syncerr.KindValidationFailed, op, err))
	}
	return e.enqueue(op, opqueue.Operation{
		Type:      opqueue.TypeBlobUpload,
		ProjectID: p.ProjectID,
		Key:       artifactKey(p.ProjectID, p.Name),
		Payload:   payload,
	}, priority, reason)
}

func (e *Engine) uploadArtifact(ctx context.Context, owner string, p artifactPayload) (blobstore.BlobPointer, error) {
	ns := blobstore.Namespace(owner, p.ProjectID) + "/artifacts"
	target := blobstore.VersionedPath(ns, p.Name, p.Revision, blobstore.ContentHash(p.Data))
	ptr, err := e.blobs.Upload(ctx, target, p.Data, blobstore.UploadOptions{
		Validate:    p.Validate,
		Revision:    p.Revision,
		ContentType: p.ContentType,
	})
	if err != nil {
		return blobstore.BlobPointer{}, err
	}
	if _, err := e.blobs.RotateSnapshots(ctx, path.Dir(ptr.Path), e.blobs.SnapshotsKept(), ptr.Path); err != nil {
		e.logger.Warn().Err(err).Str("path", ptr.Path).Msg("artifact rotation failed")
	}
	return ptr, nil
}

func (e *Engine) deadLettered(dead opqueue.DeadLetter) {
	msg := dead.Reason
	if dead.Kind != "" {
		msg = dead.Kind.UserMessage()
	}
	e.logger.Warn().Str("op_id", dead.Operation.ID).Str("project_id", dead.Operation.ProjectID).
		Str("kind", string(dead.Kind)).Str("reason", dead.Reason).Msg("operation dead-lettered")
	e.publish(StateError, dead.Operation.ProjectID, msg)
}

// ProcessQueue runs one pass over the due operations.
func (e *Engine) ProcessQueue(ctx context.Context) (opqueue.Report, error) {
	return e.queue.ProcessQueue(ctx, e.execute)
}

// NotifyConnectivityRestored retries every queued operation now, regardless
// of backoff.
func (e *Engine) NotifyConnectivityRestored() { e.flush("connectivity restored") }

// NotifyAuthAvailable is NotifyConnectivityRestored for a completed sign-in.
func (e *Engine) NotifyAuthAvailable() { e.flush("auth available") }

func (e *Engine) flush(reason string) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	if e.started {
		e.mu.Unlock()
		e.queue.Trigger()
		return
	}
	e.inflight.Add(1)
	e.mu.Unlock()

	e.logger.Debug().Str("reason", reason).Msg("flushing queue")
	go func() {
		defer e.inflight.Done()
		ctx, cancel := context.WithTimeout(context.Background(), e.remoteTimeout)
		defer cancel()
		if _, err := e.queue.Flush(ctx, e.execute); err != nil {
			e.logger.Warn().Err(err).Str("reason", reason).Msg("queue flush failed")
		}
	}()
}

func (e *Engine) DeadLetters() []opqueue.DeadLetter { return e.queue.DeadLetters() }

func (e *Engine) RetryDeadLetter(id string) (opqueue.Operation, error) {
	op, err := e.queue.RetryDeadLetter(id)
	if err != nil {
		return opqueue.Operation{}, err
	}
	e.publish(StateQueued, op.ProjectID, "")
	e.mu.Lock()
	started := e.started
	e.mu.Unlock()
	if started {
		e.queue.Trigger()
	}
	return op, nil
}

func (e *Engine) AcknowledgeDeadLetter(id string) error { return e.queue.AcknowledgeDeadLetter(id) }

func sameFields(a, b map[string]json.RawMessage) bool {
	if len(a) != len(b) {
		return false
	}
	for name, av := range a {
		bv, ok := b[name]
		if !ok {
			return false
		}
		var ca, cb bytes.Buffer
		if json.Compact(&ca, av) != nil || json.Compact(&cb, bv) != nil {
			return false
		}
		if !bytes.Equal(ca.Bytes(), cb.Bytes()) {
			return false
		}
	}
	return true
}
