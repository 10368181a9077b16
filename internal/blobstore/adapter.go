package blobstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/url"
	"path"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/gabriel-vasile/mimetype"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/projectsync/internal/retry"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

const (
	defaultMaxObjectBytes = 50 << 20
	defaultSnapshotsKept  = 3
	uploadJitter          = 0.5
)

type Options struct {
	MaxAttempts    int
	BaseDelay      time.Duration
	MaxDelay       time.Duration
	MaxObjectBytes int64
	SnapshotsKept  int
	// ValidateUploads re-reads every upload, not only those that ask for it.
	ValidateUploads bool
	Rand            func() float64
	Sleep           func(ctx context.Context, d time.Duration) error
	Logger          zerolog.Logger
}

type UploadOptions struct {
	// MaxAttempts overrides the adapter default when positive.
	MaxAttempts int
	Validate    bool
	Revision    int64
	ContentType string
}

// Adapter wraps a Store with retries, size limits, upload validation and
// snapshot rotation. Every error it returns is a *syncerr.CloudError.
type Adapter struct {
	store          Store
	policy         retry.Policy
	maxObjectBytes int64
	snapshotsKept  int
	validate       bool
	logger         zerolog.Logger
}

func NewAdapter(store Store, opts Options) *Adapter {
	if opts.MaxObjectBytes <= 0 {
		opts.MaxObjectBytes = defaultMaxObjectBytes
	}
	if opts.SnapshotsKept <= 0 {
		opts.SnapshotsKept = defaultSnapshotsKept
	}
	return &Adapter{
		store: store,
		policy: retry.Policy{
			MaxAttempts: opts.MaxAttempts,
			BaseDelay:   opts.BaseDelay,
			MaxDelay:    opts.MaxDelay,
			Jitter:      uploadJitter,
			Rand:        opts.Rand,
			Sleep:       opts.Sleep,
			Logger:      opts.Logger,
		},
		maxObjectBytes: opts.MaxObjectBytes,
		snapshotsKept:  opts.SnapshotsKept,
		validate:       opts.ValidateUploads,
		logger:         opts.Logger,
	}
}

func (a *Adapter) MaxObjectBytes() int64 { return a.maxObjectBytes }

func (a *Adapter) SnapshotsKept() int { return a.snapshotsKept }

func (a *Adapter) Upload(ctx context.Context, p string, data []byte, opts UploadOptions) (BlobPointer, error) {
	const op = "blob.upload"
	p, err := cleanPath(p)
	if err != nil {
		return BlobPointer{}, syncerr.New(syncerr.KindValidationFailed, op, err)
	}
	if int64(len(data)) > a.maxObjectBytes {
		return BlobPointer{}, syncerr.Newf(syncerr.KindDocTooLarge, op,
			"object %s is %d bytes, limit is %d", p, len(data), a.maxObjectBytes)
	}
	hash := ContentHash(data)
	contentType := opts.ContentType
	if contentType == "" {
		contentType = mimetype.Detect(data).String()
	}
	policy := a.policy
	if opts.MaxAttempts > 0 {
		policy.MaxAttempts = opts.MaxAttempts
	}
	validate := opts.Validate || a.validate

	var location string
	err = policy.Do(ctx, op, func(ctx context.Context) error {
		loc, err := a.store.Put(ctx, p, data, contentType)
		if err != nil {
			return err
		}
		if validate {
			if err := a.verify(ctx, p, int64(len(data)), hash); err != nil {
				return err
			}
		}
		location = loc
		return nil
	})
	if err != nil {
		return BlobPointer{}, err
	}
	a.logger.Debug().Str("path", p).Int("bytes", len(data)).Bool("validated", validate).Msg("blob uploaded")
	return BlobPointer{
		Path:        p,
		SizeBytes:   int64(len(data)),
		ContentHash: hash,
		Revision:    opts.Revision,
		ContentType: contentType,
		URL:         location,
	}, nil
}

func (a *Adapter) verify(ctx context.Context, p string, size int64, hash string) error {
	got, err := a.store.Get(ctx, p)
	if errors.Is(err, ErrObjectNotFound) {
		return syncerr.Newf(syncerr.KindTransient, "blob.validate", "object %s not readable after upload", p)
	}
	if err != nil {
		return err
	}
	if int64(len(got)) != size || ContentHash(got) != hash {
		return syncerr.Newf(syncerr.KindTransient, "blob.validate",
			"object %s read back %d bytes, wrote %d", p, len(got), size)
	}
	return nil
}

func (a *Adapter) Download(ctx context.Context, p string) ([]byte, error) {
	const op = "blob.download"
	p, err := cleanPath(p)
	if err != nil {
		return nil, syncerr.New(syncerr.KindValidationFailed, op, err)
	}
	var data []byte
	err = a.policy.Do(ctx, op, func(ctx context.Context) error {
		got, err := a.store.Get(ctx, p)
		if errors.Is(err, ErrObjectNotFound) {
			return syncerr.New(syncerr.KindNotFound, op, err)
		}
		if err != nil {
			return err
		}
		data = got
		return nil
	})
	return data, err
}

// DownloadPointer fetches the payload a pointer refers to and checks it
// against the recorded hash.
func (a *Adapter) DownloadPointer(ctx context.Context, ptr BlobPointer) ([]byte, error) {
	data, err := a.Download(ctx, ptr.Path)
	if err != nil {
		return nil, err
	}
	if ptr.ContentHash != "" && ContentHash(data) != ptr.ContentHash {
		return nil, syncerr.Newf(syncerr.KindValidationFailed, "blob.download",
			"object %s does not match content hash %s", ptr.Path, ptr.ContentHash)
	}
	return data, nil
}

func (a *Adapter) Delete(ctx context.Context, p string) error {
	const op = "blob.delete"
	p, err := cleanPath(p)
	if err != nil {
		return syncerr.New(syncerr.KindValidationFailed, op, err)
	}
	return a.policy.Do(ctx, op, func(ctx context.Context) error {
		return a.store.Delete(ctx, p)
	})
}

// RotateSnapshots deletes all but the keep most recent versioned copies under
// prefix. Protected paths are never deleted. It returns how many objects were
// removed.
func (a *Adapter) RotateSnapshots(ctx context.Context, prefix string, keep int, protect ...string) (int, error) {
	const op = "blob.rotate"
	if keep <= 0 {
		keep = a.snapshotsKept
	}
	prefix = strings.Trim(prefix, "/") + "/"
	var objects []ObjectInfo
	err := a.policy.Do(ctx, op, func(ctx context.Context) error {
		listed, err := a.store.List(ctx, prefix)
		if err != nil {
			return err
		}
		objects = listed
		return nil
	})
	if err != nil {
		return 0, err
	}
	sort.SliceStable(objects, func(i, j int) bool {
		ri, rj := snapshotRevision(objects[i].Path), snapshotRevision(objects[j].Path)
		if ri != rj {
			return ri > rj
		}
		if !objects[i].ModifiedAt.Equal(objects[j].ModifiedAt) {
			return objects[i].ModifiedAt.After(objects[j].ModifiedAt)
		}
		return objects[i].Path > objects[j].Path
	})
	protected := make(map[string]struct{}, len(protect))
	for _, p := range protect {
		protected[strings.Trim(p, "/")] = struct{}{}
	}

	deleted := 0
	var errs []error
	for i, obj := range objects {
		if i < keep {
			continue
		}
		if _, ok := protected[obj.Path]; ok {
			continue
		}
		if err := a.Delete(ctx, obj.Path); err != nil {
			errs = append(errs, err)
			continue
		}
		deleted++
	}
	if deleted > 0 {
		a.logger.Debug().Str("prefix", prefix).Int("deleted", deleted).Int("kept", keep).Msg("rotated blob snapshots")
	}
	if len(errs) > 0 {
		return deleted, errors.Join(errs...)
	}
	return deleted, nil
}

func ContentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Namespace is the blob prefix owned by one project of one user.
func Namespace(ownerID, projectID string) string {
	return "users/" + url.PathEscape(ownerID) + "/projects/" + url.PathEscape(projectID)
}

// VersionedPath names one versioned copy of a payload. The content hash keeps
// concurrent writers of the same revision from overwriting each other.
func VersionedPath(namespace, name string, revision int64, hash string) string {
	short := hash
	if len(short) > 12 {
		short = short[:12]
	}
	return fmt.Sprintf("%s/%s/r%d-%s.blob", strings.Trim(namespace, "/"), url.PathEscape(name), revision, short)
}

func snapshotRevision(p string) int64 {
	base := path.Base(p)
	if !strings.HasPrefix(base, "r") {
		return -1
	}
	end := strings.IndexByte(base, '-')
	if end < 0 {
		end = strings.IndexByte(base, '.')
	}
	if end <= 1 {
		return -1
	}
	rev, err := strconv.ParseInt(base[1:end], 10, 64)
	if err != nil {
		return -1
	}
	return rev
}
