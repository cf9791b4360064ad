package invoicerelay

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FSObjectStore maps containers to directories below root.
type FSObjectStore struct {
	root string
}

func NewFSObjectStore(root string) (*FSObjectStore, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	return &FSObjectStore{root: filepath.Clean(root)}, nil
}

func (s *FSObjectStore) Root() string {
	return s.root
}

// Path resolves container and key to a file below root.
func (s *FSObjectStore) Path(container, key string) (string, error) {
	container = strings.TrimSpace(container)
	key = strings.TrimSpace(key)
	if container == "" || key == "" {
		return "", ErrInvalidInput
	}
	if strings.ContainsAny(container, `/\`) || container == "." || container == ".." {
		return "", fmt.Errorf("%w: container %q", ErrInvalidInput, container)
	}
	cleaned := filepath.Clean(filepath.FromSlash(key))
	if filepath.IsAbs(cleaned) || cleaned == ".." || strings.HasPrefix(cleaned, ".."+string(filepath.Separator)) {
		return "", fmt.Errorf("%w: key %q escapes container", ErrInvalidInput, key)
	}
	return filepath.Join(s.root, container, cleaned), nil
}

// Locate is the inverse of Path for files below root.
func (s *FSObjectStore) Locate(path string) (container, key string, ok bool) {
	rel, err := filepath.Rel(s.root, path)
	if err != nil || rel == "." || strings.HasPrefix(rel, "..") {
		return "", "", false
	}
	parts := strings.SplitN(filepath.ToSlash(rel), "/", 2)
	if len(parts) != 2 || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

func (s *FSObjectStore) Copy(ctx context.Context, container, sourceKey, destKey string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	src, err := s.Path(container, sourceKey)
	if err != nil {
		return err
	}
	dst, err := s.Path(container, destKey)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(src)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return fmt.Errorf("%w: object %s/%s", ErrNotFound, container, sourceKey)
		}
		return err
	}
	return writeFileAtomic(dst, data)
}

func (s *FSObjectStore) Delete(ctx context.Context, container, key string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	path, err := s.Path(container, key)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return err
	}
	return nil
}

func (s *FSObjectStore) GetContent(ctx context.Context, container, key string) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	path, err := s.Path(container, key)
	if err != nil {
		return "", err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("%w: object %s/%s", ErrNotFound, container, key)
		}
		return "", err
	}
	return string(data), nil
}

func (s *FSObjectStore) Exists(ctx context.Context, container, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	path, err := s.Path(container, key)
	if err != nil {
		return false, err
	}
	info, err := os.Stat(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return false, nil
		}
		return false, err
	}
	return !info.IsDir(), nil
}

type InMemoryObjectStore struct {
	mu      sync.Mutex
	objects map[string]map[string]string
}

func NewInMemoryObjectStore() *InMemoryObjectStore {
	return &InMemoryObjectStore{objects: map[string]map[string]string{}}
}

// Put seeds an object, standing in for an upload.
func (s *InMemoryObjectStore) Put(container, key, content string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	bucket, ok := s.objects[container]
	if !ok {
		bucket = map[string]string{}
		s.objects[container] = bucket
	}
	bucket[key] = content
}

func (s *InMemoryObjectStore) Copy(_ context.Context, container, sourceKey, destKey string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[container][sourceKey]
	if !ok {
		return fmt.Errorf("%w: object %s/%s", ErrNotFound, container, sourceKey)
	}
	s.objects[container][destKey] = content
	return nil
}

func (s *InMemoryObjectStore) Delete(_ context.Context, container, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.objects[container]; ok {
		delete(bucket, key)
	}
	return nil
}

func (s *InMemoryObjectStore) GetContent(_ context.Context, container, key string) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[container][key]
	if !ok {
		return "", fmt.Errorf("%w: object %s/%s", ErrNotFound, container, key)
	}
	return content, nil
}

func (s *InMemoryObjectStore) Exists(_ context.Context, container, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.objects[container][key]
	return ok, nil
}

// Keys lists the object keys in container, for inspection.
func (s *InMemoryObjectStore) Keys(container string) []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.objects[container]))
	for key := range s.objects[container] {
		out = append(out, key)
	}
	sort.Strings(out)
	return out
}
