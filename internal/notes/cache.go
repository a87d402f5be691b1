package notes

import (
	"context"
	"errors"
	"fmt"
	"strings"
)

const DefaultCacheNamespace = "datalake/meeting-notes"

// BlobStore is the raw key/value store underneath the cache. Get returns
// ErrNotFound for missing keys. PutIfAbsent reports whether it created the key.
type BlobStore interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, body []byte) error
	PutIfAbsent(ctx context.Context, key string, body []byte) (bool, error)
	Delete(ctx context.Context, key string) error
	Close() error
}

// Cache stores per-document artifacts under <namespace>/<document_id>/<artifact>.txt.
type Cache struct {
	store     BlobStore
	namespace string
}

func NewCache(store BlobStore, namespace string) *Cache {
	namespace = strings.Trim(strings.TrimSpace(namespace), "/")
	if namespace == "" {
		namespace = DefaultCacheNamespace
	}
	return &Cache{store: store, namespace: namespace}
}

func (c *Cache) Namespace() string {
	return c.namespace
}

func (c *Cache) Key(documentID, artifact string) (string, error) {
	documentID = strings.Trim(strings.TrimSpace(documentID), "/")
	artifact = strings.TrimSpace(artifact)
	if documentID == "" || artifact == "" {
		return "", ErrInvalidInput
	}
	if strings.Contains(artifact, "/") || hasDotSegment(documentID) {
		return "", fmt.Errorf("%w: unsafe cache key %s/%s", ErrInvalidInput, documentID, artifact)
	}
	return c.namespace + "/" + documentID + "/" + artifact + ".txt", nil
}

// Get returns the artifact body and whether it exists.
func (c *Cache) Get(ctx context.Context, documentID, artifact string) (string, bool, error) {
	key, err := c.Key(documentID, artifact)
	if err != nil {
		return "", false, err
	}
	body, err := c.store.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("cache get %s: %w", key, err)
	}
	return string(body), true, nil
}

func (c *Cache) Put(ctx context.Context, documentID, artifact, body string) error {
	key, err := c.Key(documentID, artifact)
	if err != nil {
		return err
	}
	if err := c.store.Put(ctx, key, []byte(body)); err != nil {
		return fmt.Errorf("cache put %s: %w", key, err)
	}
	return nil
}

// Create writes the artifact only when it does not exist yet.
func (c *Cache) Create(ctx context.Context, documentID, artifact, body string) (bool, error) {
	key, err := c.Key(documentID, artifact)
	if err != nil {
		return false, err
	}
	created, err := c.store.PutIfAbsent(ctx, key, []byte(body))
	if err != nil {
		return false, fmt.Errorf("cache create %s: %w", key, err)
	}
	return created, nil
}

func (c *Cache) Delete(ctx context.Context, documentID, artifact string) error {
	key, err := c.Key(documentID, artifact)
	if err != nil {
		return err
	}
	if err := c.store.Delete(ctx, key); err != nil && !errors.Is(err, ErrNotFound) {
		return fmt.Errorf("cache delete %s: %w", key, err)
	}
	return nil
}

func (c *Cache) Close() error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Close()
}

func hasDotSegment(path string) bool {
	for _, segment := range strings.Split(path, "/") {
		if segment == "." || segment == ".." || segment == "" {
			return true
		}
	}
	return false
}

func ChunkSummaryArtifact(round, index int) string {
	return fmt.Sprintf("chunk_summary_r%d_%d", round, index)
}

func NotifiedArtifact(participantKey string) string {
	return notifiedArtifactPrefix + participantKey
}
