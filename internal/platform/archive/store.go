// Package archive keeps a copy of every message bundle submitted during a
// run. Objects are stored under <runID>/row-<n>.json in an S3-compatible
// bucket or, for tests and dry runs, in memory.
package archive

import (
	"bytes"
	"context"
	"crypto/sha256"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ---------------------------------------------------------------------------
// Sentinel errors
// ---------------------------------------------------------------------------

var (
	ErrObjectNotFound = errors.New("archived object not found")
	ErrEmptyKey       = errors.New("object key is required")
)

// ObjectInfo describes a stored object.
type ObjectInfo struct {
	Key          string
	ContentType  string
	Size         int64
	Hash         string
	LastModified time.Time
}

// ---------------------------------------------------------------------------
// BlobStore interface
// ---------------------------------------------------------------------------

// BlobStore is the storage contract the archiver writes through.
type BlobStore interface {
	Put(ctx context.Context, key, contentType string, data []byte) (*ObjectInfo, error)
	Get(ctx context.Context, key string) ([]byte, *ObjectInfo, error)
	List(ctx context.Context, prefix string) ([]ObjectInfo, error)
}

// ---------------------------------------------------------------------------
// In-memory implementation
// ---------------------------------------------------------------------------

type storedObject struct {
	info ObjectInfo
	data []byte
}

// MemoryStore is a thread-safe in-memory BlobStore.
type MemoryStore struct {
	mu      sync.RWMutex
	objects map[string]*storedObject
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{objects: make(map[string]*storedObject)}
}

func (s *MemoryStore) Put(_ context.Context, key, contentType string, data []byte) (*ObjectInfo, error) {
	if key == "" {
		return nil, ErrEmptyKey
	}
	h := sha256.Sum256(data)
	info := ObjectInfo{
		Key:          key,
		ContentType:  contentType,
		Size:         int64(len(data)),
		Hash:         fmt.Sprintf("%x", h),
		LastModified: time.Now().UTC(),
	}

	s.mu.Lock()
	s.objects[key] = &storedObject{info: info, data: bytes.Clone(data)}
	s.mu.Unlock()

	out := info
	return &out, nil
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, *ObjectInfo, error) {
	s.mu.RLock()
	obj, ok := s.objects[key]
	s.mu.RUnlock()
	if !ok {
		return nil, nil, ErrObjectNotFound
	}
	info := obj.info
	return bytes.Clone(obj.data), &info, nil
}

// List returns the objects under prefix ordered by key.
func (s *MemoryStore) List(_ context.Context, prefix string) ([]ObjectInfo, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var out []ObjectInfo
	for key, obj := range s.objects {
		if strings.HasPrefix(key, prefix) {
			out = append(out, obj.info)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out, nil
}
