package gate

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/terracarta/geosync/pkg/models"
)

// DecisionChannel delivers approval decisions posted by external actors.
// The transport behind it (spool directory, queue, RPC) is interchangeable
// without touching the gate's state machine.
type DecisionChannel interface {
	// Poll drains all decisions posted since the last poll.
	Poll() ([]models.ApprovalDecision, error)
}

// DecisionPoster is the producing side of a channel.
type DecisionPoster interface {
	Post(decision models.ApprovalDecision) error
}

// FileChannel exchanges decisions as JSON files in a spool directory. The
// CLI posts, the gate drains on its next poll. Each decision file is removed
// once consumed.
type FileChannel struct {
	dir string
}

// NewFileChannel creates the spool directory if needed.
func NewFileChannel(dir string) (*FileChannel, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create decision spool directory: %w", err)
	}
	return &FileChannel{dir: dir}, nil
}

// Post writes the decision as a uniquely named spool file. The write goes
// through a temp name so Poll never reads a half-written decision.
func (c *FileChannel) Post(decision models.ApprovalDecision) error {
	if decision.PostedAt.IsZero() {
		decision.PostedAt = time.Now().UTC()
	}
	data, err := json.MarshalIndent(decision, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal decision: %w", err)
	}

	name := fmt.Sprintf("%d-%s.json", decision.PostedAt.UnixNano(), uuid.NewString())
	finalFile := filepath.Join(c.dir, name)
	tempFile := finalFile + ".tmp"
	if err := os.WriteFile(tempFile, data, 0644); err != nil {
		return fmt.Errorf("failed to write decision: %w", err)
	}
	if err := os.Rename(tempFile, finalFile); err != nil {
		return fmt.Errorf("failed to post decision: %w", err)
	}
	return nil
}

// Poll reads and removes every spooled decision, oldest first.
func (c *FileChannel) Poll() ([]models.ApprovalDecision, error) {
	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to scan decision spool: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".json") {
			continue
		}
		names = append(names, entry.Name())
	}
	sort.Strings(names)

	var decisions []models.ApprovalDecision
	for _, name := range names {
		path := filepath.Join(c.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			return decisions, fmt.Errorf("failed to read decision %s: %w", name, err)
		}
		var decision models.ApprovalDecision
		if err := json.Unmarshal(data, &decision); err != nil {
			// A malformed decision file must not wedge the spool.
			os.Remove(path)
			continue
		}
		decisions = append(decisions, decision)
		os.Remove(path)
	}
	return decisions, nil
}
