package notes

import (
	"fmt"
	"net/url"
	"strings"
	"sync"
)

type BlobStoreFactory func(dsn string) (BlobStore, error)
type TaskQueueFactory func(dsn string, capacity int) (TaskQueue, error)

var backendFactoryRegistry = struct {
	mu             sync.RWMutex
	blobFactories  map[string]BlobStoreFactory
	queueFactories map[string]TaskQueueFactory
}{
	blobFactories:  map[string]BlobStoreFactory{},
	queueFactories: map[string]TaskQueueFactory{},
}

func RegisterBlobStoreFactory(scheme string, factory BlobStoreFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.blobFactories[scheme] = factory
}

func RegisterTaskQueueFactory(scheme string, factory TaskQueueFactory) {
	scheme = normalizeBackendScheme(scheme)
	if scheme == "" || factory == nil {
		return
	}
	backendFactoryRegistry.mu.Lock()
	defer backendFactoryRegistry.mu.Unlock()
	backendFactoryRegistry.queueFactories[scheme] = factory
}

func lookupBlobStoreFactory(scheme string) (BlobStoreFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.blobFactories[scheme]
	return factory, ok
}

func lookupTaskQueueFactory(scheme string) (TaskQueueFactory, bool) {
	scheme = normalizeBackendScheme(scheme)
	backendFactoryRegistry.mu.RLock()
	defer backendFactoryRegistry.mu.RUnlock()
	factory, ok := backendFactoryRegistry.queueFactories[scheme]
	return factory, ok
}

func normalizeBackendScheme(scheme string) string {
	return strings.ToLower(strings.TrimSpace(scheme))
}

// BuildBlobStoreFromDSN picks a blob store by DSN scheme. A bare path is
// treated as a file store root.
func BuildBlobStoreFromDSN(dsn string) (BlobStore, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupBlobStoreFactory(scheme); ok {
		return factory(dsn)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileBlobStore(path)
	case "memory", "mem", "inmem":
		return NewInMemoryBlobStore(), nil
	case "postgres", "postgresql":
		return NewPostgresBlobStore(dsn)
	case "sqlite", "sqlite3":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewSQLiteBlobStore(path)
	case "pebble":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewPebbleBlobStore(path)
	case "s3", "gs", "redis", "rediss":
		return nil, fmt.Errorf("%w: blob store backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported blob store scheme: %s", scheme)
	}
}

func BuildTaskQueueFromDSN(dsn string, capacity int) (TaskQueue, error) {
	dsn = strings.TrimSpace(dsn)
	if dsn == "" {
		return nil, ErrInvalidInput
	}
	parsed, err := url.Parse(dsn)
	if err != nil {
		return nil, err
	}
	scheme := normalizeBackendScheme(parsed.Scheme)
	if factory, ok := lookupTaskQueueFactory(scheme); ok {
		return factory(dsn, capacity)
	}
	switch scheme {
	case "", "file":
		path, pathErr := dsnPath(parsed, dsn)
		if pathErr != nil {
			return nil, pathErr
		}
		return NewFileTaskQueue(path, capacity)
	case "memory", "mem", "inmem":
		return NewInMemoryTaskQueue(capacity), nil
	case "postgres", "postgresql":
		return NewPostgresTaskQueue(dsn, capacity)
	case "sqs", "redis", "rediss", "nats", "kafka":
		return nil, fmt.Errorf("%w: task queue backend %s", ErrNotImplemented, scheme)
	default:
		return nil, fmt.Errorf("unsupported task queue scheme: %s", scheme)
	}
}

func dsnPath(parsed *url.URL, raw string) (string, error) {
	if parsed == nil {
		return "", ErrInvalidInput
	}
	if strings.TrimSpace(parsed.Scheme) == "" {
		if strings.TrimSpace(raw) == "" {
			return "", ErrInvalidInput
		}
		return strings.TrimSpace(raw), nil
	}
	path := strings.TrimSpace(parsed.Path)
	if path == "" {
		path = strings.TrimSpace(parsed.Opaque)
	}
	if path == "" {
		path = strings.TrimSpace(parsed.Host)
	}
	if path == "" {
		return "", ErrInvalidInput
	}
	return path, nil
}
