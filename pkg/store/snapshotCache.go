package store

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/terracarta/geosync/pkg/models"
)

// SnapshotCache keeps rendered configuration documents on disk keyed by
// (environment, commit), each verified against its recorded digest. Rollback
// reads the last successful document from here instead of the repository, so
// a rollback never depends on repository availability.
type SnapshotCache struct {
	baseDir string
	mu      sync.RWMutex
}

// NewSnapshotCache creates the cache directory if needed.
func NewSnapshotCache(baseDir string) (*SnapshotCache, error) {
	if err := os.MkdirAll(baseDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create snapshot cache directory: %w", err)
	}
	return &SnapshotCache{baseDir: baseDir}, nil
}

// Store persists the document snapshot and returns its content digest.
func (c *SnapshotCache) Store(environment, commit string, doc *models.ConfigurationDocument) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return "", fmt.Errorf("failed to marshal snapshot: %w", err)
	}

	hash := sha256.Sum256(data)
	digest := fmt.Sprintf("sha256:%x", hash)

	dir := filepath.Join(c.baseDir, environment)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create snapshot directory: %w", err)
	}
	if err := os.WriteFile(c.snapshotPath(environment, commit), data, 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot: %w", err)
	}
	if err := os.WriteFile(c.digestPath(environment, commit), []byte(digest), 0644); err != nil {
		return "", fmt.Errorf("failed to write snapshot digest: %w", err)
	}
	return digest, nil
}

// Get retrieves a cached snapshot, verifying its integrity. A corrupted
// snapshot is removed and reported as a miss.
func (c *SnapshotCache) Get(environment, commit string) (*models.ConfigurationDocument, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	data, err := os.ReadFile(c.snapshotPath(environment, commit))
	if err != nil {
		return nil, fmt.Errorf("snapshot miss for %s at %s: %w", environment, commit, err)
	}
	wantDigest, err := os.ReadFile(c.digestPath(environment, commit))
	if err != nil {
		return nil, fmt.Errorf("snapshot digest miss for %s at %s: %w", environment, commit, err)
	}

	hash := sha256.Sum256(data)
	gotDigest := fmt.Sprintf("sha256:%x", hash)
	if gotDigest != string(wantDigest) {
		os.Remove(c.snapshotPath(environment, commit))
		os.Remove(c.digestPath(environment, commit))
		return nil, fmt.Errorf("snapshot corruption detected for %s at %s", environment, commit)
	}

	var doc models.ConfigurationDocument
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to unmarshal snapshot: %w", err)
	}
	return &doc, nil
}

// Exists reports whether a verified snapshot could be served for the commit.
func (c *SnapshotCache) Exists(environment, commit string) bool {
	_, err := c.Get(environment, commit)
	return err == nil
}

func (c *SnapshotCache) snapshotPath(environment, commit string) string {
	return filepath.Join(c.baseDir, environment, commit+".json")
}

func (c *SnapshotCache) digestPath(environment, commit string) string {
	return filepath.Join(c.baseDir, environment, commit+".digest")
}
