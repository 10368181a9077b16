// Package mountsync mirrors projects into a local directory, one JSON file
// per project, and pushes local edits back through the sync engine.
package mountsync

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"github.com/agentworkforce/projectsync/internal/opqueue"
	"github.com/agentworkforce/projectsync/internal/projectsync"
	"github.com/agentworkforce/projectsync/internal/syncerr"
)

const (
	projectExt     = ".json"
	conflictExt    = ".conflict.json"
	stateFileName  = ".projectsync-state.json"
	defaultTimeout = 30 * time.Second
)

// Engine is the part of projectsync.Engine the mirror drives.
type Engine interface {
	Save(ctx context.Context, id string, data map[string]any, opts projectsync.SaveOptions) projectsync.SyncResult
	Load(ctx context.Context, id string) projectsync.SyncResult
}

type Options struct {
	LocalRoot string
	// StateFile defaults to .projectsync-state.json inside LocalRoot.
	StateFile string
	// Projects are pulled even before a local file exists for them.
	Projects []string
	Priority opqueue.Priority

	Interval       time.Duration
	IntervalJitter float64
	Debounce       time.Duration
	Timeout        time.Duration
	Logger         zerolog.Logger
}

// Report counts what one SyncOnce pass did.
type Report struct {
	Pushed    int `json:"pushed"`
	Pulled    int `json:"pulled"`
	Queued    int `json:"queued"`
	Conflicts int `json:"conflicts"`
}

type Mirror struct {
	engine    Engine
	localRoot string
	stateFile string
	projects  []string
	priority  opqueue.Priority
	interval  time.Duration
	jitter    float64
	debounce  time.Duration
	timeout   time.Duration
	logger    zerolog.Logger

	mu     sync.Mutex
	state  mirrorState
	loaded bool
}

type mirrorState struct {
	Projects map[string]trackedProject `json:"projects"`
}

// trackedProject is what the mirror last agreed with the remote store.
// Hash is the local file content that Revision corresponds to.
type trackedProject struct {
	Revision int64  `json:"revision"`
	Hash     string `json:"hash"`
	Pending  bool   `json:"pending,omitempty"`
	Conflict bool   `json:"conflict,omitempty"`
}

type localFile struct {
	raw  []byte
	hash string
}

func NewMirror(engine Engine, opts Options) (*Mirror, error) {
	if engine == nil {
		return nil, fmt.Errorf("engine is required")
	}
	localRootRaw := strings.TrimSpace(opts.LocalRoot)
	if localRootRaw == "" {
		return nil, fmt.Errorf("local root is required")
	}
	localRoot := filepath.Clean(localRootRaw)
	stateFile := strings.TrimSpace(opts.StateFile)
	if stateFile == "" {
		stateFile = filepath.Join(localRoot, stateFileName)
	}
	priority := opts.Priority
	if priority == "" {
		priority = opqueue.PriorityNormal
	}
	if !priority.Valid() {
		return nil, fmt.Errorf("unknown priority %q", priority)
	}
	interval := opts.Interval
	if interval <= 0 {
		interval = 2 * time.Second
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = 250 * time.Millisecond
	}
	timeout := opts.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	projects := make([]string, 0, len(opts.Projects))
	for _, id := range opts.Projects {
		if id = strings.TrimSpace(id); id != "" {
			projects = append(projects, id)
		}
	}
	if err := os.MkdirAll(localRoot, 0o755); err != nil {
		return nil, err
	}
	return &Mirror{
		engine:    engine,
		localRoot: localRoot,
		stateFile: stateFile,
		projects:  projects,
		priority:  priority,
		interval:  interval,
		jitter:    clampJitterRatio(opts.IntervalJitter),
		debounce:  debounce,
		timeout:   timeout,
		logger:    opts.Logger,
		state:     mirrorState{Projects: map[string]trackedProject{}},
	}, nil
}

// ProjectPath is where the mirror keeps project id.
func (m *Mirror) ProjectPath(id string) string {
	return filepath.Join(m.localRoot, url.PathEscape(id)+projectExt)
}

// ConflictPath holds the remote side of an unresolved conflict. Deleting it
// tells the mirror the local file is the resolution.
func (m *Mirror) ConflictPath(id string) string {
	return filepath.Join(m.localRoot, url.PathEscape(id)+conflictExt)
}

// SyncOnce pushes changed local files, then pulls newer remote revisions.
// Failures for one project do not stop the others.
func (m *Mirror) SyncOnce(ctx context.Context) (Report, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	var rep Report
	if err := m.loadState(); err != nil {
		return rep, err
	}
	local, err := m.scanLocalFiles()
	if err != nil {
		return rep, err
	}

	seen := map[string]struct{}{}
	for _, id := range m.projects {
		seen[id] = struct{}{}
	}
	for id := range local {
		seen[id] = struct{}{}
	}
	for id := range m.state.Projects {
		seen[id] = struct{}{}
	}
	ids := make([]string, 0, len(seen))
	for id := range seen {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	var errs []error
	for _, id := range ids {
		file, present := local[id]
		if err := m.syncProject(ctx, id, file, present, &rep); err != nil {
			m.logger.Warn().Err(err).Str("project_id", id).Msg("mirror sync failed")
			errs = append(errs, fmt.Errorf("project %s: %w", id, err))
		}
	}
	if err := m.saveState(); err != nil {
		errs = append(errs, err)
	}
	return rep, errors.Join(errs...)
}

func (m *Mirror) syncProject(ctx context.Context, id string, file localFile, present bool, rep *Report) error {
	tracked, known := m.state.Projects[id]
	if tracked.Conflict {
		if _, err := os.Stat(m.ConflictPath(id)); err == nil {
			return nil
		}
		tracked.Conflict = false
		m.state.Projects[id] = tracked
		if present {
			return m.push(ctx, id, file, tracked, rep)
		}
	}
	if present && (!known || file.hash != tracked.Hash) {
		return m.push(ctx, id, file, tracked, rep)
	}
	return m.pull(ctx, id, file, present, tracked, known, rep)
}

func (m *Mirror) push(ctx context.Context, id string, file localFile, tracked trackedProject, rep *Report) error {
	fields, err := decodeFields(file.raw)
	if err != nil {
		return err
	}
	data := make(map[string]any, len(fields))
	for k, v := range fields {
		data[k] = v
	}
	expected := tracked.Revision
	res := m.engine.Save(ctx, id, data, projectsync.SaveOptions{Priority: m.priority, ExpectedRevision: &expected})
	switch {
	case res.Queued:
		m.state.Projects[id] = trackedProject{Revision: tracked.Revision, Hash: file.hash, Pending: true}
		rep.Queued++
		m.logger.Info().Str("project_id", id).Str("reason", string(res.QueueReason)).Msg("local edit queued")
		return nil
	case res.Success:
		m.state.Projects[id] = trackedProject{Revision: res.Revision, Hash: file.hash}
		rep.Pushed++
		return nil
	case res.Conflict != nil:
		return m.recordConflict(id, tracked, res.Conflict, rep)
	case res.Error != nil:
		return res.Error
	default:
		return fmt.Errorf("save of %s failed", id)
	}
}

// recordConflict leaves the local file untouched and writes the winning
// remote record next to it.
func (m *Mirror) recordConflict(id string, tracked trackedProject, info *projectsync.ConflictInfo, rep *Report) error {
	if info.Remote != nil {
		data, err := renderFields(info.Remote.Fields)
		if err != nil {
			return err
		}
		if err := writeFileAtomic(m.ConflictPath(id), data, 0o644); err != nil {
			return err
		}
	}
	tracked.Revision = info.RemoteRevision
	tracked.Conflict = true
	tracked.Pending = false
	m.state.Projects[id] = tracked
	rep.Conflicts++
	m.logger.Warn().Str("project_id", id).Int64("remote_revision", info.RemoteRevision).
		Str("conflict_file", m.ConflictPath(id)).Msg("local edit conflicts with remote")
	return nil
}

func (m *Mirror) pull(ctx context.Context, id string, file localFile, present bool, tracked trackedProject, known bool, rep *Report) error {
	res := m.engine.Load(ctx, id)
	if !res.Success || res.Record == nil {
		if res.Error != nil && res.Error.Kind == syncerr.KindNotFound {
			return nil
		}
		if res.Error != nil && res.Error.Retryable && tracked.Pending {
			return nil
		}
		if res.Error != nil {
			return res.Error
		}
		return fmt.Errorf("load of %s failed", id)
	}
	if res.Source == projectsync.SourceOfflineSnapshot {
		return nil
	}
	rec := res.Record
	if tracked.Pending {
		// The queued write has landed once the remote holds what is on disk.
		if present && sameContent(rec.Fields, file.raw) {
			m.state.Projects[id] = trackedProject{Revision: rec.Revision, Hash: file.hash}
		}
		return nil
	}
	if known && present && rec.Revision == tracked.Revision {
		return nil
	}
	data, err := renderFields(rec.Fields)
	if err != nil {
		return err
	}
	if err := writeFileAtomic(m.ProjectPath(id), data, 0o644); err != nil {
		return err
	}
	m.state.Projects[id] = trackedProject{Revision: rec.Revision, Hash: hashBytes(data)}
	rep.Pulled++
	return nil
}

// Run syncs until ctx ends. Local edits are picked up by a file watcher and
// debounced; the interval poll catches remote changes and watcher gaps.
func (m *Mirror) Run(ctx context.Context) error {
	var events <-chan fsnotify.Event
	var watchErrs <-chan error
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		m.logger.Warn().Err(err).Msg("file watcher unavailable, polling only")
	} else {
		defer watcher.Close()
		if err := watcher.Add(m.localRoot); err != nil {
			m.logger.Warn().Err(err).Str("dir", m.localRoot).Msg("cannot watch mirror directory, polling only")
		} else {
			events, watchErrs = watcher.Events, watcher.Errors
		}
	}

	m.runOnce(ctx)
	rng := rand.New(rand.NewSource(time.Now().UnixNano()))
	timer := time.NewTimer(jitteredInterval(m.interval, m.jitter, rng.Float64()))
	defer timer.Stop()
	debounce := time.NewTimer(time.Hour)
	debounce.Stop()
	defer debounce.Stop()

	for {
		select {
		case <-ctx.Done():
			m.logger.Info().Err(ctx.Err()).Msg("mirror stopping")
			return nil
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			if m.relevant(ev.Name) {
				debounce.Reset(m.debounce)
			}
		case err, ok := <-watchErrs:
			if !ok {
				watchErrs = nil
				continue
			}
			m.logger.Warn().Err(err).Msg("file watcher error")
		case <-debounce.C:
			m.runOnce(ctx)
		case <-timer.C:
			m.runOnce(ctx)
			timer.Reset(jitteredInterval(m.interval, m.jitter, rng.Float64()))
		}
	}
}

func (m *Mirror) runOnce(ctx context.Context) {
	ctx, cancel := context.WithTimeout(ctx, m.timeout)
	defer cancel()
	rep, err := m.SyncOnce(ctx)
	if err != nil {
		m.logger.Warn().Err(err).Msg("mirror sync cycle failed")
		return
	}
	if rep != (Report{}) {
		m.logger.Info().Int("pushed", rep.Pushed).Int("pulled", rep.Pulled).Int("queued", rep.Queued).
			Int("conflicts", rep.Conflicts).Msg("mirror sync cycle completed")
	}
}

// relevant filters watcher events down to project and conflict files.
func (m *Mirror) relevant(name string) bool {
	base := filepath.Base(name)
	return !strings.HasPrefix(base, ".") && strings.HasSuffix(base, projectExt)
}

func (m *Mirror) scanLocalFiles() (map[string]localFile, error) {
	entries, err := os.ReadDir(m.localRoot)
	if err != nil {
		return nil, err
	}
	out := map[string]localFile{}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, projectExt) || strings.HasSuffix(name, conflictExt) {
			continue
		}
		id, err := url.PathUnescape(strings.TrimSuffix(name, projectExt))
		if err != nil || strings.TrimSpace(id) == "" {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(m.localRoot, name))
		if err != nil {
			return nil, err
		}
		out[id] = localFile{raw: raw, hash: hashBytes(raw)}
	}
	return out, nil
}

func (m *Mirror) loadState() error {
	if m.loaded {
		return nil
	}
	data, err := os.ReadFile(m.stateFile)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			m.loaded = true
			return nil
		}
		return err
	}
	var state mirrorState
	if err := json.Unmarshal(data, &state); err != nil {
		return fmt.Errorf("mirror state %s: %w", m.stateFile, err)
	}
	if state.Projects == nil {
		state.Projects = map[string]trackedProject{}
	}
	m.state = state
	m.loaded = true
	return nil
}

func (m *Mirror) saveState() error {
	data, err := json.MarshalIndent(m.state, "", "  ")
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(m.stateFile), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(m.stateFile, data, 0o644)
}

func decodeFields(raw []byte) (map[string]json.RawMessage, error) {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return nil, fmt.Errorf("project file is not a JSON object: %w", err)
	}
	if fields == nil {
		return nil, fmt.Errorf("project file is not a JSON object")
	}
	return fields, nil
}

func renderFields(fields map[string]json.RawMessage) ([]byte, error) {
	if fields == nil {
		fields = map[string]json.RawMessage{}
	}
	data, err := json.MarshalIndent(fields, "", "  ")
	if err != nil {
		return nil, err
	}
	return append(data, '\n'), nil
}

// sameContent compares field values, ignoring formatting and key order.
func sameContent(remote map[string]json.RawMessage, raw []byte) bool {
	local, err := decodeFields(raw)
	if err != nil {
		return false
	}
	a, errA := json.Marshal(remote)
	b, errB := json.Marshal(local)
	return errA == nil && errB == nil && string(a) == string(b)
}

func hashBytes(b []byte) string {
	sum := sha256.Sum256(b)
	return hex.EncodeToString(sum[:])
}

func clampJitterRatio(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

func jitteredInterval(base time.Duration, jitterRatio, sample float64) time.Duration {
	if base <= 0 {
		return 0
	}
	jitterRatio = clampJitterRatio(jitterRatio)
	if jitterRatio == 0 {
		return base
	}
	sample = min(max(sample, 0), 1)
	factor := 1 + ((sample*2)-1)*jitterRatio
	delay := time.Duration(float64(base) * factor)
	if delay < time.Millisecond {
		return time.Millisecond
	}
	return delay
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
