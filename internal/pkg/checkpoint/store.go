// Package checkpoint persists per-operation progress (spec.md §4.1/C11) so
// a deletion or migration run can resume after a crash without re-doing
// completed work. Grounded on the teacher's practice of writing its
// ImageSetConfiguration/DeleteImageList state to disk as yaml via
// sigs.k8s.io/yaml, with an atomic write-temp-then-rename swapped in for
// crash safety.
package checkpoint

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
)

// Store manages checkpoint files under a single directory, one file per
// (operation_kind, operation_id).
type Store struct {
	dir string
}

func NewStore(dir string) *Store {
	return &Store{dir: dir}
}

func (s *Store) path(kind, operationID string) string {
	return filepath.Join(s.dir, fmt.Sprintf("%s-%s.yaml", kind, operationID))
}

// Load reads the checkpoint for (kind, operationID). If none exists, Load
// returns a fresh checkpoint with TotalItems set to total and ok=false, so
// callers can distinguish "starting fresh" from "resuming".
func (s *Store) Load(kind, operationID string, total int) (v1.Checkpoint, bool, error) {
	data, err := os.ReadFile(s.path(kind, operationID))
	if err != nil {
		if os.IsNotExist(err) {
			return v1.NewCheckpoint(kind, operationID, total), false, nil
		}
		return v1.Checkpoint{}, false, fmt.Errorf("reading checkpoint: %w", err)
	}
	var cp v1.Checkpoint
	if err := yaml.Unmarshal(data, &cp); err != nil {
		return v1.Checkpoint{}, false, fmt.Errorf("parsing checkpoint: %w", err)
	}
	if cp.Completed == nil {
		cp.Completed = map[string]bool{}
	}
	if cp.Failed == nil {
		cp.Failed = map[string]string{}
	}
	if cp.Skipped == nil {
		cp.Skipped = map[string]string{}
	}
	return cp, true, nil
}

// Save persists cp atomically: write to a temp file in the same directory,
// then rename over the target, so a concurrent crash never leaves a
// half-written checkpoint.
func (s *Store) Save(cp v1.Checkpoint) error {
	cp.UpdatedAt = time.Now()
	data, err := yaml.Marshal(cp)
	if err != nil {
		return fmt.Errorf("marshaling checkpoint: %w", err)
	}
	if err := os.MkdirAll(s.dir, 0o755); err != nil {
		return fmt.Errorf("creating checkpoint dir: %w", err)
	}
	tmp, err := os.CreateTemp(s.dir, ".checkpoint-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp checkpoint file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp checkpoint file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp checkpoint file: %w", err)
	}
	if err := os.Rename(tmpName, s.path(cp.OperationKind, cp.OperationID)); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp checkpoint file into place: %w", err)
	}
	return nil
}

// Delete removes the checkpoint for (kind, operationID). Per spec.md §4.1's
// lifecycle rule, callers delete the checkpoint once a run completes with
// zero unprocessed items; deleting an absent checkpoint is not an error.
func (s *Store) Delete(kind, operationID string) error {
	err := os.Remove(s.path(kind, operationID))
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("deleting checkpoint: %w", err)
	}
	return nil
}
