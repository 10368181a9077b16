package docstore

import (
	"context"
	"encoding/json"
	"errors"
	"net/url"
	"strings"
	"time"

	"github.com/agentworkforce/projectsync/internal/blobstore"
)

var (
	ErrNotFound           = errors.New("document not found")
	ErrPreconditionFailed = errors.New("document precondition failed")
)

// ProjectRecord is the per-project document. Revision is the optimistic
// concurrency token and grows by exactly one per successful write.
type ProjectRecord struct {
	ID                 string                           `json:"id"`
	OwnerID            string                           `json:"ownerId"`
	Revision           int64                            `json:"revision"`
	UpdatedAt          time.Time                        `json:"updatedAt"`
	Fields             map[string]json.RawMessage       `json:"fields"`
	LargeFieldPointers map[string]blobstore.BlobPointer `json:"largeFieldPointers,omitempty"`
}

func (r ProjectRecord) Clone() ProjectRecord {
	out := r
	out.Fields = make(map[string]json.RawMessage, len(r.Fields))
	for k, v := range r.Fields {
		out.Fields[k] = append(json.RawMessage(nil), v...)
	}
	if r.LargeFieldPointers != nil {
		out.LargeFieldPointers = make(map[string]blobstore.BlobPointer, len(r.LargeFieldPointers))
		for k, v := range r.LargeFieldPointers {
			out.LargeFieldPointers[k] = v
		}
	}
	return out
}

// Document is what the remote store holds at a path. Revision mirrors the
// revision inside Body so stores can enforce preconditions natively.
type Document struct {
	Revision int64
	Body     []byte
}

// Precondition guards a Set. ExpectedRevision 0 means the document must not
// exist yet.
type Precondition struct {
	ExpectedRevision int64
}

type Mutation struct {
	Path         string
	Document     Document
	Precondition Precondition
}

// Remote is the document store collaborator. Set and Batch report a failed
// precondition with ErrPreconditionFailed; Get reports a missing document with
// ErrNotFound.
type Remote interface {
	Get(ctx context.Context, path string) (Document, error)
	Set(ctx context.Context, path string, doc Document, pre Precondition) error
	Batch(ctx context.Context, mutations []Mutation) error
}

// storedDocument is the body layout written to the remote store.
type storedDocument struct {
	ID                 string                           `json:"id"`
	OwnerID            string                           `json:"ownerId"`
	Revision           int64                            `json:"revision"`
	UpdatedAt          time.Time                        `json:"updatedAt"`
	Fields             map[string]json.RawMessage       `json:"fields"`
	LargeFieldPointers map[string]blobstore.BlobPointer `json:"largeFieldPointers"`
}

const documentPrefix = "projects/"

func DocumentPath(projectID string) string {
	return documentPrefix + url.PathEscape(strings.TrimSpace(projectID))
}
