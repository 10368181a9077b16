package blobstore

import (
	"context"
	"net"
	"sort"
	"strings"
	"sync"
	"syscall"
	"time"
)

// ErrOffline is what the in-memory drivers return while simulating a lost
// connection. It classifies as NETWORK_OFFLINE.
var ErrOffline error = &net.OpError{Op: "dial", Net: "tcp", Err: syscall.ECONNREFUSED}

type memoryObject struct {
	data       []byte
	modifiedAt time.Time
}

// MemoryStore is an in-process Store. It supports fault injection so callers
// can exercise retry and offline paths.
type MemoryStore struct {
	mu       sync.Mutex
	objects  map[string]memoryObject
	failures []error
	offline  bool
	puts     int
	gets     int
	now      func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		objects: map[string]memoryObject{},
		now:     time.Now,
	}
}

// FailNext queues errors returned by the next calls, one per call.
func (s *MemoryStore) FailNext(errs ...error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failures = append(s.failures, errs...)
}

func (s *MemoryStore) SetOffline(offline bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.offline = offline
}

// Corrupt replaces the stored bytes without going through Put.
func (s *MemoryStore) Corrupt(path string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	obj := s.objects[path]
	obj.data = append([]byte(nil), data...)
	s.objects[path] = obj
}

func (s *MemoryStore) PutCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.puts
}

func (s *MemoryStore) GetCalls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gets
}

func (s *MemoryStore) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *MemoryStore) Put(ctx context.Context, path string, data []byte, contentType string) (string, error) {
	path, err := cleanPath(path)
	if err != nil {
		return "", err
	}
	if err := ctx.Err(); err != nil {
		return "", err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.puts++
	if err := s.faultLocked(); err != nil {
		return "", err
	}
	s.objects[path] = memoryObject{data: append([]byte(nil), data...), modifiedAt: s.now()}
	return "memory://" + path, nil
}

func (s *MemoryStore) Get(ctx context.Context, path string) ([]byte, error) {
	path, err := cleanPath(path)
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.gets++
	if err := s.faultLocked(); err != nil {
		return nil, err
	}
	obj, ok := s.objects[path]
	if !ok {
		return nil, ErrObjectNotFound
	}
	return append([]byte(nil), obj.data...), nil
}

func (s *MemoryStore) Delete(ctx context.Context, path string) error {
	path, err := cleanPath(path)
	if err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(); err != nil {
		return err
	}
	delete(s.objects, path)
	return nil
}

func (s *MemoryStore) List(ctx context.Context, prefix string) ([]ObjectInfo, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix = strings.TrimLeft(prefix, "/")
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.faultLocked(); err != nil {
		return nil, err
	}
	var out []ObjectInfo
	for path, obj := range s.objects {
		if strings.HasPrefix(path, prefix) {
			out = append(out, ObjectInfo{Path: path, Size: int64(len(obj.data)), ModifiedAt: obj.modifiedAt})
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Path < out[j].Path })
	return out, nil
}

func (s *MemoryStore) faultLocked() error {
	if s.offline {
		return ErrOffline
	}
	if len(s.failures) > 0 {
		err := s.failures[0]
		s.failures = s.failures[1:]
		return err
	}
	return nil
}
