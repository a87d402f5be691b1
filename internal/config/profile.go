package config

import (
	"fmt"
	"path/filepath"
	"strings"
)

// DSNs resolves the cache and queue DSNs. Explicit DSNs win over the
// profile defaults.
func (s StorageConfig) DSNs() (cacheDSN, queueDSN string, err error) {
	profileCache, profileQueue, err := s.profileDefaults()
	if err != nil {
		return "", "", err
	}
	cacheDSN = firstNonEmpty(s.CacheDSN, profileCache, "memory://")
	queueDSN = firstNonEmpty(s.QueueDSN, profileQueue, "memory://")
	return cacheDSN, queueDSN, nil
}

func (s StorageConfig) profileDefaults() (cacheDSN, queueDSN string, err error) {
	profile := strings.ToLower(strings.TrimSpace(s.Profile))
	dataDir := strings.TrimSpace(s.DataDir)
	if dataDir == "" {
		dataDir = ".meetingnotes"
	}
	switch profile {
	case "", "custom":
		return "", "", nil
	case "memory", "inmemory":
		return "memory://", "memory://", nil
	case "production", "prod":
		dsn := strings.TrimSpace(s.ProductionDSN)
		if dsn == "" {
			return "", "", fmt.Errorf("storage.production_dsn is required when storage.profile=%s", profile)
		}
		return dsn, dsn, nil
	case "durable-local", "local-durable":
		return "file://" + filepath.Join(dataDir, "cache"),
			"file://" + filepath.Join(dataDir, "task-queue.json"),
			nil
	case "embedded":
		return "pebble://" + filepath.Join(dataDir, "cache.pebble"),
			"file://" + filepath.Join(dataDir, "task-queue.json"),
			nil
	default:
		return "", "", fmt.Errorf("unsupported storage.profile: %s", profile)
	}
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if value = strings.TrimSpace(value); value != "" {
			return value
		}
	}
	return ""
}
