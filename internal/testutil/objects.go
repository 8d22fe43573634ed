package testutil

import (
	"bytes"
	"context"
	"errors"
	"io"
	"sync"

	"codegrader/internal/common/storage"
)

// ErrObjectNotFound is returned by FakeObjectStorage for unknown keys.
var ErrObjectNotFound = errors.New("object not found")

// FakeObjectStorage keeps objects in memory keyed by bucket and key.
type FakeObjectStorage struct {
	mu      sync.Mutex
	objects map[string][]byte
	PutErr  error
}

// NewFakeObjectStorage creates an empty store.
func NewFakeObjectStorage() *FakeObjectStorage {
	return &FakeObjectStorage{objects: make(map[string][]byte)}
}

// Seed stores an object directly.
func (s *FakeObjectStorage) Seed(bucket, key string, data []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[bucket+"/"+key] = append([]byte(nil), data...)
}

// Object returns a stored object and whether it exists.
func (s *FakeObjectStorage) Object(bucket, key string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, ok := s.objects[bucket+"/"+key]
	return data, ok
}

// Len returns the number of stored objects.
func (s *FakeObjectStorage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}

func (s *FakeObjectStorage) PutObject(ctx context.Context, bucket, objectKey string, reader io.Reader, sizeBytes int64, contentType string) error {
	if s.PutErr != nil {
		return s.PutErr
	}
	data, err := io.ReadAll(reader)
	if err != nil {
		return err
	}
	s.Seed(bucket, objectKey, data)
	return nil
}

func (s *FakeObjectStorage) GetObject(ctx context.Context, bucket, objectKey string) (io.ReadCloser, error) {
	data, ok := s.Object(bucket, objectKey)
	if !ok {
		return nil, ErrObjectNotFound
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (s *FakeObjectStorage) StatObject(ctx context.Context, bucket, objectKey string) (storage.ObjectStat, error) {
	data, ok := s.Object(bucket, objectKey)
	if !ok {
		return storage.ObjectStat{}, ErrObjectNotFound
	}
	return storage.ObjectStat{SizeBytes: int64(len(data))}, nil
}

func (s *FakeObjectStorage) RemoveObject(ctx context.Context, bucket, objectKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, bucket+"/"+objectKey)
	return nil
}

var _ storage.ObjectStorage = (*FakeObjectStorage)(nil)
