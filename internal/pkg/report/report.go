// Package report writes the JSON result documents described in spec.md §6.
// File I/O to on-disk reports is explicitly an external collaborator to the
// core (spec.md §1's Non-goals), so this package is a thin writer the
// cmd/ layer calls after an orchestrator returns its typed result -- no
// orchestrator imports this package directly.
package report

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
)

// Metadata is the common envelope fields every report carries.
type Metadata struct {
	RegistryURL string    `json:"registryUrl"`
	Repository  string    `json:"repository,omitempty"`
	GeneratedAt time.Time `json:"generatedAt"`
}

// Document is the generic {summary, detail, metadata} shape spec.md §6
// describes; the detail payload's concrete type varies by report kind
// (candidate list, deletion result, migration result).
type Document struct {
	Summary  map[string]any `json:"summary"`
	Detail   any            `json:"detail"`
	Metadata Metadata       `json:"metadata"`
}

// WriteDeletionResult emits the deletion orchestrator's report, written
// even when result is empty so downstream tooling can rely on its presence
// (spec.md §5).
func WriteDeletionResult(path string, result v1.DeletionResult, meta Metadata) error {
	doc := Document{
		Summary: map[string]any{
			"imagesBackedUp":      result.ImagesBackedUp,
			"dockerImagesDeleted": result.DockerImagesDeleted,
			"mongoRecordsCleaned": result.MongoRecordsCleaned,
			"failedCount":         len(result.Failed),
			"skippedCount":        len(result.SkippedInUse),
		},
		Detail:   result,
		Metadata: meta,
	}
	return write(path, doc)
}

// WriteMigrationResult emits the migration engine's report.
func WriteMigrationResult(path string, result v1.MigrationResult, meta Metadata) error {
	doc := Document{
		Summary: map[string]any{
			"repositoriesCompleted": len(result.RepositoriesCompleted),
			"failedCount":           len(result.Failed),
			"mongoRecordsRewritten": result.MongoRecordsRewritten,
		},
		Detail:   result,
		Metadata: meta,
	}
	return write(path, doc)
}

// WriteCandidateReport emits a candidate-selection report prior to any
// apply run. Detail is the candidate list as given, not grouped; groupedBy
// is only recorded as a label in the summary.
func WriteCandidateReport(path string, candidates []v1.CandidateItem, groupedBy string, meta Metadata) error {
	doc := Document{
		Summary: map[string]any{
			"candidateCount": len(candidates),
			"groupedBy":      groupedBy,
		},
		Detail:   candidates,
		Metadata: meta,
	}
	return write(path, doc)
}

func write(path string, doc Document) error {
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("writing report to %s: %w", path, err)
	}
	return nil
}
