// Package mongostore runs the seven usage-aggregation pipelines against the
// MongoDB control plane described in spec.md §4.3 (C3) and persists their
// consolidated output as a single snapshot, the same way the teacher
// persists its DeleteImageList/ImageSetConfiguration with sigs.k8s.io/yaml.
package mongostore

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"sigs.k8s.io/yaml"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
)

// Snapshot is the consolidated, collection-agnostic usage record produced
// by running every pipeline. Each map is keyed by the normalized
// environment_docker_tag (or model slug tag) the pipeline resolved to.
type Snapshot struct {
	GeneratedAt   time.Time                    `json:"generatedAt"`
	Runs          map[string][]v1.UsageExample `json:"runs"`
	Workspaces    map[string][]v1.UsageExample `json:"workspaces"`
	Models        map[string][]v1.UsageExample `json:"models"`
	SchedulerJobs map[string][]v1.UsageExample `json:"schedulerJobs"`
	Projects      map[string][]v1.UsageExample `json:"projects"`
	Organizations map[string][]v1.UsageExample `json:"organizations"`
	AppVersions   map[string][]v1.UsageExample `json:"appVersions"`
}

func emptySnapshot() *Snapshot {
	return &Snapshot{
		Runs:          map[string][]v1.UsageExample{},
		Workspaces:    map[string][]v1.UsageExample{},
		Models:        map[string][]v1.UsageExample{},
		SchedulerJobs: map[string][]v1.UsageExample{},
		Projects:      map[string][]v1.UsageExample{},
		Organizations: map[string][]v1.UsageExample{},
		AppVersions:   map[string][]v1.UsageExample{},
	}
}

// IsFresh reports whether the snapshot is within maxAge of now.
func (s *Snapshot) IsFresh(now time.Time, maxAge time.Duration) bool {
	return s != nil && now.Sub(s.GeneratedAt) < maxAge
}

// PrefixIndex builds a lookup from ObjectID prefix (the text before the
// first '-') to every tag in the snapshot sharing that prefix, used by the
// usage resolver's extended-tag fallback (spec.md §4.5).
func (s *Snapshot) PrefixIndex() map[string][]string {
	idx := map[string][]string{}
	add := func(tags map[string][]v1.UsageExample) {
		for tag := range tags {
			prefix := tag
			for i, c := range tag {
				if c == '-' {
					prefix = tag[:i]
					break
				}
			}
			idx[prefix] = append(idx[prefix], tag)
		}
	}
	add(s.Runs)
	add(s.Workspaces)
	add(s.Models)
	add(s.SchedulerJobs)
	add(s.Projects)
	add(s.Organizations)
	add(s.AppVersions)
	return idx
}

// SaveAtomic writes the snapshot to path using a write-temp-then-rename so
// a crash mid-write never leaves a corrupt snapshot in place, per spec.md
// §5's atomic-checkpoint-write requirement (the same guarantee applies to
// this single-file report).
func SaveAtomic(path string, snap *Snapshot) error {
	data, err := yaml.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshaling usage snapshot: %w", err)
	}
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("creating snapshot dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".snapshot-*.tmp")
	if err != nil {
		return fmt.Errorf("creating temp snapshot file: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return fmt.Errorf("writing temp snapshot file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("closing temp snapshot file: %w", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return fmt.Errorf("renaming temp snapshot file into place: %w", err)
	}
	return nil
}

// Load reads a snapshot from path. If path does not exist, Load searches
// dir for the most recent timestamped variant matching
// "<base>-*.yaml", per spec.md §4.3's reader fallback.
func Load(path string) (*Snapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			alt, altErr := findMostRecentVariant(path)
			if altErr != nil {
				return nil, altErr
			}
			if alt == "" {
				return nil, nil
			}
			data, err = os.ReadFile(alt)
			if err != nil {
				return nil, fmt.Errorf("reading fallback snapshot %s: %w", alt, err)
			}
		} else {
			return nil, fmt.Errorf("reading snapshot %s: %w", path, err)
		}
	}
	snap := emptySnapshot()
	if err := yaml.Unmarshal(data, snap); err != nil {
		return nil, fmt.Errorf("parsing snapshot %s: %w", path, err)
	}
	return snap, nil
}

func findMostRecentVariant(path string) (string, error) {
	dir := filepath.Dir(path)
	base := filepath.Base(path)
	ext := filepath.Ext(base)
	stem := base[:len(base)-len(ext)]

	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("listing snapshot dir %s: %w", dir, err)
	}

	var best string
	var bestMod time.Time
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !(len(name) > len(stem)+1 && name[:len(stem)+1] == stem+"-" && filepath.Ext(name) == ext) {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		if best == "" || info.ModTime().After(bestMod) {
			best = filepath.Join(dir, name)
			bestMod = info.ModTime()
		}
	}
	return best, nil
}
