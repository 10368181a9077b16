package docstore

import (
	"context"
	"net"
	"sync"
	"syscall"
)

// ErrOffline is what MemoryRemote returns while simulating a lost connection.
var ErrOffline error = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

// MemoryRemote is an in-process Remote with native revision preconditions and
// fault injection.
type MemoryRemote struct {
	mu       sync.Mutex
	docs     map[string]Document
	failures []error
	offline  bool
	sets     int
}

func NewMemoryRemote() *MemoryRemote {
	return &MemoryRemote{docs: map[string]Document{}}
}

func (m *MemoryRemote) FailNext(errs ...error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failures = append(m.failures, errs...)
}

func (m *MemoryRemote) SetOffline(offline bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.offline = offline
}

func (m *MemoryRemote) SetCalls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sets
}

// Put stores doc unconditionally. It is meant for seeding tests.
func (m *MemoryRemote) Put(path string, doc Document) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.docs[path] = cloneDocument(doc)
}

func (m *MemoryRemote) Get(ctx context.Context, path string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faultLocked(); err != nil {
		return Document{}, err
	}
	doc, ok := m.docs[path]
	if !ok {
		return Document{}, ErrNotFound
	}
	return cloneDocument(doc), nil
}

func (m *MemoryRemote) Set(ctx context.Context, path string, doc Document, pre Precondition) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	if err := m.faultLocked(); err != nil {
		return err
	}
	if !m.satisfiedLocked(path, pre) {
		return ErrPreconditionFailed
	}
	m.docs[path] = cloneDocument(doc)
	return nil
}

func (m *MemoryRemote) Batch(ctx context.Context, mutations []Mutation) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.faultLocked(); err != nil {
		return err
	}
	for _, mut := range mutations {
		if !m.satisfiedLocked(mut.Path, mut.Precondition) {
			return ErrPreconditionFailed
		}
	}
	for _, mut := range mutations {
		m.docs[mut.Path] = cloneDocument(mut.Document)
	}
	return nil
}

func (m *MemoryRemote) satisfiedLocked(path string, pre Precondition) bool {
	current, ok := m.docs[path]
	if pre.ExpectedRevision == 0 {
		return !ok
	}
	return ok && current.Revision == pre.ExpectedRevision
}

func (m *MemoryRemote) faultLocked() error {
	if m.offline {
		return ErrOffline
	}
	if len(m.failures) > 0 {
		err := m.failures[0]
		m.failures = m.failures[1:]
		return err
	}
	return nil
}

func cloneDocument(doc Document) Document {
	return Document{Revision: doc.Revision, Body: append([]byte(nil), doc.Body...)}
}
