package notes

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/google/uuid"
)

type InMemoryBlobStore struct {
	mu    sync.Mutex
	blobs map[string][]byte
}

func NewInMemoryBlobStore() *InMemoryBlobStore {
	return &InMemoryBlobStore{blobs: map[string][]byte{}}
}

func (s *InMemoryBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	body, ok := s.blobs[key]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), body...), nil
}

func (s *InMemoryBlobStore) Put(_ context.Context, key string, body []byte) error {
	if strings.TrimSpace(key) == "" {
		return ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blobs[key] = append([]byte(nil), body...)
	return nil
}

func (s *InMemoryBlobStore) PutIfAbsent(_ context.Context, key string, body []byte) (bool, error) {
	if strings.TrimSpace(key) == "" {
		return false, ErrInvalidInput
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.blobs[key]; exists {
		return false, nil
	}
	s.blobs[key] = append([]byte(nil), body...)
	return true, nil
}

func (s *InMemoryBlobStore) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.blobs, key)
	return nil
}

func (s *InMemoryBlobStore) Keys() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	keys := make([]string, 0, len(s.blobs))
	for key := range s.blobs {
		keys = append(keys, key)
	}
	return keys
}

func (s *InMemoryBlobStore) Close() error {
	return nil
}

// FileBlobStore keeps one file per key below a root directory.
type FileBlobStore struct {
	root string
}

func NewFileBlobStore(root string) (*FileBlobStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &FileBlobStore{root: root}, nil
}

func (s *FileBlobStore) path(key string) (string, error) {
	key = strings.TrimSpace(key)
	if key == "" || hasDotSegment(key) {
		return "", fmt.Errorf("%w: blob key %q", ErrInvalidInput, key)
	}
	return filepath.Join(s.root, filepath.FromSlash(key)), nil
}

func (s *FileBlobStore) Get(_ context.Context, key string) ([]byte, error) {
	path, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, ErrNotFound
	}
	return data, err
}

func (s *FileBlobStore) Put(_ context.Context, key string, body []byte) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	tmp, err := s.writeTemp(path, body)
	if err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func (s *FileBlobStore) PutIfAbsent(_ context.Context, key string, body []byte) (bool, error) {
	path, err := s.path(key)
	if err != nil {
		return false, err
	}
	tmp, err := s.writeTemp(path, body)
	if err != nil {
		return false, err
	}
	defer os.Remove(tmp)
	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, os.ErrExist) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

func (s *FileBlobStore) Delete(_ context.Context, key string) error {
	path, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FileBlobStore) Close() error {
	return nil
}

func (s *FileBlobStore) writeTemp(path string, body []byte) (string, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return "", err
	}
	tmp := path + "." + uuid.NewString() + ".tmp"
	if err := os.WriteFile(tmp, body, 0o644); err != nil {
		return "", err
	}
	return tmp, nil
}
