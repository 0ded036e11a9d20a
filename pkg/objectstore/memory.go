package objectstore

import (
	"bytes"
	"fmt"
	"io"
	"sync"

	"github.com/nearline/nlds/pkg/types"
)

// MemStore is an in-memory Store for tests and local development.
type MemStore struct {
	mu       sync.RWMutex
	buckets  map[string]map[string][]byte
	policies map[string]string
}

// NewMemStore creates an empty in-memory store.
func NewMemStore() *MemStore {
	return &MemStore{
		buckets:  map[string]map[string][]byte{},
		policies: map[string]string{},
	}
}

// EnsureBucket creates the bucket if needed and records the policy.
func (s *MemStore) EnsureBucket(bucket, policy string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.buckets[bucket]; !ok {
		s.buckets[bucket] = map[string][]byte{}
	}
	if policy != "" {
		s.policies[bucket] = policy
	}
	return nil
}

// Policy returns the recorded bucket policy.
func (s *MemStore) Policy(bucket string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.policies[bucket], nil
}

// Put stores one object.
func (s *MemStore) Put(bucket, object string, r io.Reader, size int64) (int64, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return 0, types.Errorf(types.ErrNotFound, "bucket %s does not exist", bucket)
	}
	b[object] = data
	return int64(len(data)), nil
}

// Get opens one object.
func (s *MemStore) Get(bucket, object string) (io.ReadCloser, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "bucket %s does not exist", bucket)
	}
	data, ok := b[object]
	if !ok {
		return nil, types.Errorf(types.ErrNotFound, "object %s:%s does not exist", bucket, object)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

// Stat returns the object's metadata.
func (s *MemStore) Stat(bucket, object string) (ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	b, ok := s.buckets[bucket]
	if !ok {
		return ObjectInfo{}, types.Errorf(types.ErrNotFound, "bucket %s does not exist", bucket)
	}
	data, ok := b[object]
	if !ok {
		return ObjectInfo{}, types.Errorf(types.ErrNotFound,
			"object %s:%s does not exist", bucket, object)
	}
	return ObjectInfo{Key: object, Size: int64(len(data))}, nil
}

// Remove deletes one object.
func (s *MemStore) Remove(bucket, object string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if b, ok := s.buckets[bucket]; ok {
		delete(b, object)
	}
	return nil
}

// Objects lists a bucket's keys, for tests.
func (s *MemStore) Objects(bucket string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var keys []string
	for k := range s.buckets[bucket] {
		keys = append(keys, k)
	}
	return keys
}

var _ Store = (*MemStore)(nil)

// String names the store for logs.
func (s *MemStore) String() string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return fmt.Sprintf("mem(%d buckets)", len(s.buckets))
}
