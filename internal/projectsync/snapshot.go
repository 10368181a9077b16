package projectsync

import (
	"encoding/json"
	"errors"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/agentworkforce/projectsync/internal/docstore"
)

// Snapshot is the last copy of a project known to be on the remote store,
// kept locally for offline loads.
type Snapshot struct {
	Record  docstore.ProjectRecord `json:"record"`
	SavedAt time.Time              `json:"savedAt"`
}

type SnapshotStore interface {
	Save(snap Snapshot) error
	Load(projectID string) (Snapshot, bool, error)
}

type MemorySnapshots struct {
	mu    sync.Mutex
	snaps map[string]Snapshot
}

func NewMemorySnapshots() *MemorySnapshots {
	return &MemorySnapshots{snaps: map[string]Snapshot{}}
}

func (m *MemorySnapshots) Save(snap Snapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap.Record = snap.Record.Clone()
	m.snaps[snap.Record.ID] = snap
	return nil
}

func (m *MemorySnapshots) Load(projectID string) (Snapshot, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap, ok := m.snaps[projectID]
	if !ok {
		return Snapshot{}, false, nil
	}
	snap.Record = snap.Record.Clone()
	return snap, true, nil
}

// FileSnapshots writes one JSON file per project under dir.
type FileSnapshots struct {
	dir string
	mu  sync.Mutex
}

func NewFileSnapshots(dir string) (*FileSnapshots, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("snapshot directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	return &FileSnapshots{dir: dir}, nil
}

func (f *FileSnapshots) path(projectID string) string {
	return filepath.Join(f.dir, url.PathEscape(projectID)+".json")
}

func (f *FileSnapshots) Save(snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	return writeFileAtomic(f.path(snap.Record.ID), data, 0o644)
}

func (f *FileSnapshots) Load(projectID string) (Snapshot, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	data, err := os.ReadFile(f.path(projectID))
	if errors.Is(err, os.ErrNotExist) {
		return Snapshot{}, false, nil
	}
	if err != nil {
		return Snapshot{}, false, err
	}
	var snap Snapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		return Snapshot{}, false, err
	}
	return snap, true, nil
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	tmpFile, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
