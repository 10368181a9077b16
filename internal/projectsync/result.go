package projectsync

import (
	"encoding/json"
	"time"

	"github.com/agentworkforce/projectsync/internal/blobstore"
	"github.com/agentworkforce/projectsync/internal/docstore"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

type Source string

const (
	SourceRemote          Source = "REMOTE"
	SourceCache           Source = "CACHE"
	SourceOfflineSnapshot Source = "OFFLINE_SNAPSHOT"
	SourceQueued          Source = "QUEUED"
)

// SyncResult is returned by every engine operation. Success with Queued set
// means the data is durably queued but has not reached the remote store.
type SyncResult struct {
	Success     bool                    `json:"success"`
	Source      Source                  `json:"source,omitempty"`
	Revision    int64                   `json:"revision,omitempty"`
	Error       *syncerr.CloudError     `json:"error,omitempty"`
	Queued      bool                    `json:"queued"`
	QueueReason syncerr.Kind            `json:"queueReason,omitempty"`
	OperationID string                  `json:"operationId,omitempty"`
	Record      *docstore.ProjectRecord `json:"record,omitempty"`
	Conflict    *ConflictInfo           `json:"conflict,omitempty"`
	Pointer     *blobstore.BlobPointer  `json:"pointer,omitempty"`
}

// ConflictInfo carries both sides of a rejected save so the caller can decide
// whether to overwrite or merge.
type ConflictInfo struct {
	Attempted        map[string]json.RawMessage `json:"attempted"`
	Remote           *docstore.ProjectRecord    `json:"remote,omitempty"`
	RemoteRevision   int64                      `json:"remoteRevision"`
	ExpectedRevision int64                      `json:"expectedRevision"`
}

type State string

const (
	StateSyncing State = "SYNCING"
	StateSynced  State = "SYNCED"
	StateQueued  State = "QUEUED"
	StateError   State = "ERROR"
)

type Status struct {
	State      State     `json:"state"`
	QueueDepth int       `json:"queueDepth"`
	ProjectID  string    `json:"projectId,omitempty"`
	Message    string    `json:"message,omitempty"`
	At         time.Time `json:"at"`
}

func failed(err *syncerr.CloudError) SyncResult {
	return SyncResult{Success: false, Error: err}
}
