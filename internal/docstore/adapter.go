package docstore

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/agentworkforce/projectsync/internal/blobstore"
	"github.com/agentworkforce/projectsync/internal/retry"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

const (
	defaultInlineThresholdBytes = 700 << 10
	defaultHardLimitBytes       = 1 << 20
	defaultBatchLimit           = 500
	defaultRemoteAttempts       = 3
	fieldContentType            = "application/json"
)

type Options struct {
	// InlineThresholdBytes is the serialized size above which a field is
	// moved to the blob store.
	InlineThresholdBytes int
	// HardLimitBytes is the largest inline document the remote accepts.
	HardLimitBytes  int
	BatchLimit      int
	SnapshotsKept   int
	ValidateUploads bool
	// FieldsSchema is an optional JSON schema the fields object must satisfy.
	FieldsSchema string
	Retry        retry.Policy
	Now          func() time.Time
	Logger       zerolog.Logger
}

type WriteResult struct {
	ID          string    `json:"id"`
	NewRevision int64     `json:"newRevision"`
	UpdatedAt   time.Time `json:"updatedAt"`
	Offloaded   []string  `json:"offloaded,omitempty"`
}

type BatchOp struct {
	Record           ProjectRecord
	ExpectedRevision int64
}

// Adapter stores ProjectRecords in a Remote, moving oversized fields to the
// blob store and enforcing revision checks on every write.
type Adapter struct {
	remote          Remote
	blobs           *blobstore.Adapter
	validator       *validator
	inlineThreshold int
	hardLimit       int
	batchLimit      int
	snapshotsKept   int
	validateUploads bool
	policy          retry.Policy
	now             func() time.Time
	logger          zerolog.Logger
}

type plannedUpload struct {
	field   string
	data    []byte
	pointer blobstore.BlobPointer
}

type plannedWrite struct {
	path     string
	expected int64
	stored   storedDocument
	doc      Document
	uploads  []plannedUpload
	previous map[string]blobstore.BlobPointer
	result   WriteResult
}

func NewAdapter(remote Remote, blobs *blobstore.Adapter, opts Options) (*Adapter, error) {
	if remote == nil {
		return nil, errors.New("docstore: remote is required")
	}
	if blobs == nil {
		return nil, errors.New("docstore: blob adapter is required")
	}
	if opts.InlineThresholdBytes <= 0 {
		opts.InlineThresholdBytes = defaultInlineThresholdBytes
	}
	if opts.HardLimitBytes <= 0 {
		opts.HardLimitBytes = defaultHardLimitBytes
	}
	if opts.BatchLimit <= 0 {
		opts.BatchLimit = defaultBatchLimit
	}
	if opts.SnapshotsKept <= 0 {
		opts.SnapshotsKept = blobs.SnapshotsKept()
	}
	if opts.Retry.MaxAttempts <= 0 {
		opts.Retry.MaxAttempts = defaultRemoteAttempts
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	opts.Retry.Logger = opts.Logger
	v, err := newValidator(opts.FieldsSchema)
	if err != nil {
		return nil, err
	}
	return &Adapter{
		remote:          remote,
		blobs:           blobs,
		validator:       v,
		inlineThreshold: opts.InlineThresholdBytes,
		hardLimit:       opts.HardLimitBytes,
		batchLimit:      opts.BatchLimit,
		snapshotsKept:   opts.SnapshotsKept,
		validateUploads: opts.ValidateUploads,
		policy:          opts.Retry,
		now:             opts.Now,
		logger:          opts.Logger,
	}, nil
}

func (a *Adapter) Close() error {
	if closer, ok := a.remote.(io.Closer); ok {
		return closer.Close()
	}
	return nil
}

// Write stores rec if the remote still holds expectedRevision. It returns a
// CONFLICT CloudError when another writer got there first.
func (a *Adapter) Write(ctx context.Context, rec ProjectRecord, expectedRevision int64) (WriteResult, error) {
	return a.write(ctx, rec, expectedRevision, a.validateUploads)
}

// WriteValidated is Write with every offloaded field read back and checked
// after upload.
func (a *Adapter) WriteValidated(ctx context.Context, rec ProjectRecord, expectedRevision int64) (WriteResult, error) {
	return a.write(ctx, rec, expectedRevision, true)
}

func (a *Adapter) write(ctx context.Context, rec ProjectRecord, expectedRevision int64, validate bool) (WriteResult, error) {
	const op = "docstore.write"
	plan, err := a.plan(ctx, op, rec, expectedRevision)
	if err != nil {
		return WriteResult{}, err
	}
	if err := a.upload(ctx, plan, validate); err != nil {
		return WriteResult{}, err
	}

	preconditionFailed := false
	err = a.policy.Do(ctx, op, func(ctx context.Context) error {
		err := a.remote.Set(ctx, plan.path, plan.doc, Precondition{ExpectedRevision: plan.expected})
		if errors.Is(err, ErrPreconditionFailed) {
			preconditionFailed = true
			return nil
		}
		return err
	})
	if err != nil {
		return WriteResult{}, err
	}
	if preconditionFailed {
		applied, err := a.resolvePrecondition(ctx, op, plan)
		if err != nil {
			return WriteResult{}, err
		}
		if !applied {
			return WriteResult{}, syncerr.Newf(syncerr.KindTransient, op, "precondition failed for %s without a newer revision", plan.path)
		}
	}
	a.rotate(ctx, plan)
	a.logger.Debug().Str("project_id", plan.stored.ID).Int64("revision", plan.stored.Revision).
		Strs("offloaded", plan.result.Offloaded).Msg("document written")
	return plan.result, nil
}

// Read returns the current record with offloaded fields rehydrated.
func (a *Adapter) Read(ctx context.Context, id string) (ProjectRecord, error) {
	const op = "docstore.read"
	id = strings.TrimSpace(id)
	if id == "" {
		return ProjectRecord{}, syncerr.Newf(syncerr.KindValidationFailed, op, "project id is required")
	}
	doc, found, err := a.fetch(ctx, op, DocumentPath(id))
	if err != nil {
		return ProjectRecord{}, err
	}
	if !found {
		return ProjectRecord{}, syncerr.Newf(syncerr.KindNotFound, op, "project %s not found", id)
	}
	stored, err := a.decode(op, doc)
	if err != nil {
		return ProjectRecord{}, err
	}

	rec := ProjectRecord{
		ID:        stored.ID,
		OwnerID:   stored.OwnerID,
		Revision:  stored.Revision,
		UpdatedAt: stored.UpdatedAt,
		Fields:    make(map[string]json.RawMessage, len(stored.Fields)+len(stored.LargeFieldPointers)),
	}
	for name, raw := range stored.Fields {
		rec.Fields[name] = raw
	}
	if len(stored.LargeFieldPointers) > 0 {
		rec.LargeFieldPointers = stored.LargeFieldPointers
	}
	for _, name := range sortedKeys(stored.LargeFieldPointers) {
		data, err := a.blobs.DownloadPointer(ctx, stored.LargeFieldPointers[name])
		if err != nil {
			return ProjectRecord{}, err
		}
		rec.Fields[name] = data
	}
	return rec, nil
}

// Revision returns the stored revision without downloading offloaded fields.
// A project that does not exist yet is at revision 0.
func (a *Adapter) Revision(ctx context.Context, id string) (int64, error) {
	const op = "docstore.revision"
	id = strings.TrimSpace(id)
	if id == "" {
		return 0, syncerr.Newf(syncerr.KindValidationFailed, op, "project id is required")
	}
	doc, found, err := a.fetch(ctx, op, DocumentPath(id))
	if err != nil || !found {
		return 0, err
	}
	return doc.Revision, nil
}

// BatchWrite commits every op or none of them.
func (a *Adapter) BatchWrite(ctx context.Context, ops []BatchOp) ([]WriteResult, error) {
	const op = "docstore.batch"
	if len(ops) == 0 {
		return nil, nil
	}
	if len(ops) > a.batchLimit {
		return nil, syncerr.Newf(syncerr.KindValidationFailed, op, "batch has %d operations, limit is %d", len(ops), a.batchLimit)
	}
	seen := make(map[string]struct{}, len(ops))
	plans := make([]*plannedWrite, 0, len(ops))
	for _, o := range ops {
		id := strings.TrimSpace(o.Record.ID)
		if _, dup := seen[id]; dup {
			return nil, syncerr.Newf(syncerr.KindValidationFailed, op, "project %s appears twice in one batch", id)
		}
		seen[id] = struct{}{}
		plan, err := a.plan(ctx, op, o.Record, o.ExpectedRevision)
		if err != nil {
			return nil, err
		}
		plans = append(plans, plan)
	}
	for _, plan := range plans {
		if err := a.upload(ctx, plan, a.validateUploads); err != nil {
			return nil, err
		}
	}

	mutations := make([]Mutation, 0, len(plans))
	for _, plan := range plans {
		mutations = append(mutations, Mutation{
			Path:         plan.path,
			Document:     plan.doc,
			Precondition: Precondition{ExpectedRevision: plan.expected},
		})
	}
	preconditionFailed := false
	err := a.policy.Do(ctx, op, func(ctx context.Context) error {
		err := a.remote.Batch(ctx, mutations)
		if errors.Is(err, ErrPreconditionFailed) {
			preconditionFailed = true
			return nil
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	if preconditionFailed {
		allApplied := true
		for _, plan := range plans {
			applied, err := a.resolvePrecondition(ctx, op, plan)
			if err != nil {
				return nil, err
			}
			allApplied = allApplied && applied
		}
		if !allApplied {
			return nil, syncerr.Newf(syncerr.KindTransient, op, "batch precondition failed without a newer revision")
		}
	}

	results := make([]WriteResult, 0, len(plans))
	for _, plan := range plans {
		a.rotate(ctx, plan)
		results = append(results, plan.result)
	}
	a.logger.Debug().Int("operations", len(plans)).Msg("batch written")
	return results, nil
}

func (a *Adapter) plan(ctx context.Context, op string, rec ProjectRecord, expected int64) (*plannedWrite, error) {
	id := strings.TrimSpace(rec.ID)
	owner := strings.TrimSpace(rec.OwnerID)
	switch {
	case id == "":
		return nil, syncerr.Newf(syncerr.KindValidationFailed, op, "project id is required")
	case owner == "":
		return nil, syncerr.Newf(syncerr.KindValidationFailed, op, "owner id is required for project %s", id)
	case expected < 0:
		return nil, syncerr.Newf(syncerr.KindValidationFailed, op, "expected revision %d is negative", expected)
	}
	if err := a.validator.validateFields(rec.Fields); err != nil {
		return nil, syncerr.New(syncerr.KindValidationFailed, op, err)
	}

	docPath := DocumentPath(id)
	current, found, err := a.fetch(ctx, op, docPath)
	if err != nil {
		return nil, err
	}
	var (
		currentRevision int64
		previous        map[string]blobstore.BlobPointer
	)
	if found {
		currentRevision = current.Revision
		if prev, err := decodeStored(current.Body); err == nil {
			if prev.OwnerID != "" && prev.OwnerID != owner {
				return nil, syncerr.Newf(syncerr.KindPermissionDenied, op, "project %s belongs to another owner", id)
			}
			previous = prev.LargeFieldPointers
		}
	}
	if currentRevision != expected {
		return nil, syncerr.Conflict(op, expected, currentRevision)
	}

	newRevision := expected + 1
	namespace := blobstore.Namespace(owner, id)
	stored := storedDocument{
		ID:                 id,
		OwnerID:            owner,
		Revision:           newRevision,
		UpdatedAt:          a.now().UTC(),
		Fields:             map[string]json.RawMessage{},
		LargeFieldPointers: map[string]blobstore.BlobPointer{},
	}
	plan := &plannedWrite{path: docPath, expected: expected, previous: previous}
	for _, name := range sortedKeys(rec.Fields) {
		raw := rec.Fields[name]
		if !json.Valid(raw) {
			return nil, syncerr.Newf(syncerr.KindValidationFailed, op, "field %q is not valid JSON", name)
		}
		if len(raw) <= a.inlineThreshold {
			stored.Fields[name] = raw
			continue
		}
		hash := blobstore.ContentHash(raw)
		if old, ok := previous[name]; ok && old.ContentHash == hash {
			stored.LargeFieldPointers[name] = old
			continue
		}
		ptr := blobstore.BlobPointer{
			Path:        blobstore.VersionedPath(namespace, name, newRevision, hash),
			SizeBytes:   int64(len(raw)),
			ContentHash: hash,
			Revision:    newRevision,
			ContentType: fieldContentType,
		}
		stored.LargeFieldPointers[name] = ptr
		plan.uploads = append(plan.uploads, plannedUpload{field: name, data: raw, pointer: ptr})
		plan.result.Offloaded = append(plan.result.Offloaded, name)
	}

	body, err := json.Marshal(stored)
	if err != nil {
		return nil, syncerr.New(syncerr.KindValidationFailed, op, err)
	}
	if err := a.validator.validateDocument(body); err != nil {
		return nil, syncerr.New(syncerr.KindValidationFailed, op, err)
	}
	if len(body) > a.hardLimit {
		return nil, syncerr.Newf(syncerr.KindDocTooLarge, op,
			"project %s is %d bytes inline after offloading %d fields, limit is %d",
			id, len(body), len(stored.LargeFieldPointers), a.hardLimit)
	}
	plan.stored = stored
	plan.doc = Document{Revision: newRevision, Body: body}
	plan.result.ID = id
	plan.result.NewRevision = newRevision
	plan.result.UpdatedAt = stored.UpdatedAt
	return plan, nil
}

func (a *Adapter) upload(ctx context.Context, plan *plannedWrite, validate bool) error {
	for _, u := range plan.uploads {
		_, err := a.blobs.Upload(ctx, u.pointer.Path, u.data, blobstore.UploadOptions{
			Validate:    validate,
			Revision:    u.pointer.Revision,
			ContentType: fieldContentType,
		})
		if err != nil {
			return err
		}
	}
	return nil
}

// resolvePrecondition decides whether a rejected write was in fact already
// applied by an earlier attempt whose response was lost.
func (a *Adapter) resolvePrecondition(ctx context.Context, op string, plan *plannedWrite) (bool, error) {
	current, found, err := a.fetch(ctx, op, plan.path)
	if err != nil {
		return false, err
	}
	var currentRevision int64
	if found {
		currentRevision = current.Revision
	}
	if found && currentRevision == plan.doc.Revision && bytes.Equal(current.Body, plan.doc.Body) {
		return true, nil
	}
	if currentRevision != plan.expected {
		return false, syncerr.Conflict(op, plan.expected, currentRevision)
	}
	return false, nil
}

func (a *Adapter) rotate(ctx context.Context, plan *plannedWrite) {
	dirs := map[string]string{}
	for _, ptr := range plan.stored.LargeFieldPointers {
		dirs[path.Dir(ptr.Path)] = ptr.Path
	}
	for name, ptr := range plan.previous {
		if _, still := plan.stored.LargeFieldPointers[name]; !still {
			dirs[path.Dir(ptr.Path)] = ""
		}
	}
	for dir, current := range dirs {
		var protect []string
		if current != "" {
			protect = append(protect, current)
		}
		if _, err := a.blobs.RotateSnapshots(ctx, dir, a.snapshotsKept, protect...); err != nil {
			a.logger.Warn().Err(err).Str("prefix", dir).Msg("snapshot rotation failed")
		}
	}
}

func (a *Adapter) fetch(ctx context.Context, op, docPath string) (Document, bool, error) {
	var (
		doc   Document
		found bool
	)
	err := a.policy.Do(ctx, op, func(ctx context.Context) error {
		got, err := a.remote.Get(ctx, docPath)
		if errors.Is(err, ErrNotFound) {
			found = false
			return nil
		}
		if err != nil {
			return err
		}
		doc, found = got, true
		return nil
	})
	return doc, found, err
}

func (a *Adapter) decode(op string, doc Document) (storedDocument, error) {
	if err := a.validator.validateDocument(doc.Body); err != nil {
		return storedDocument{}, syncerr.New(syncerr.KindValidationFailed, op, err)
	}
	stored, err := decodeStored(doc.Body)
	if err != nil {
		return storedDocument{}, syncerr.New(syncerr.KindValidationFailed, op, err)
	}
	if stored.Revision != doc.Revision {
		return storedDocument{}, syncerr.Newf(syncerr.KindValidationFailed, op,
			"document revision %d does not match store revision %d", stored.Revision, doc.Revision)
	}
	return stored, nil
}

func decodeStored(body []byte) (storedDocument, error) {
	var stored storedDocument
	if err := json.Unmarshal(body, &stored); err != nil {
		return storedDocument{}, err
	}
	return stored, nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
