package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"k8s.io/client-go/kubernetes"
	"k8s.io/client-go/rest"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/clustertoggle"
	"github.com/dominodatalab/registry-gc/internal/pkg/deletion"
	"github.com/dominodatalab/registry-gc/internal/pkg/report"
	"github.com/dominodatalab/registry-gc/internal/pkg/usage"
)

// newDeleteCommand wires C7 (the eleven-stage orchestrator), C8 (backup),
// C9's sibling C10 (cluster toggle) and C11 (checkpointed resume) into the
// apply path. It consumes a candidate report previously written by
// `analyze`, per spec.md §5's "candidates are computed once, applied
// separately" split.
func newDeleteCommand(configPath, logLevel *string) *cobra.Command {
	var candidatesPath string
	var backupEnabled bool
	var clusterToggleEnabled bool
	var resume bool
	var operationID string
	var recencyDays int
	var mongoCleanup bool

	cmd := &cobra.Command{
		Use:   "delete",
		Short: "Apply a previously computed candidate list: backup, delete, clean up",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}

			cands, err := loadCandidates(candidatesPath)
			if err != nil {
				return err
			}

			if operationID == "" {
				operationID = uuid.NewString()
				d.log.Info("no --operation-id given, generated %s", operationID)
			}

			snap, err := d.usageSnapshot(ctx)
			if err != nil {
				return fmt.Errorf("loading usage snapshot: %w", err)
			}
			resolver := usage.NewResolver(snap)

			archiveByID, err := d.archiveRecordIndex(ctx)
			if err != nil {
				return err
			}

			var toggle *clustertoggle.Toggle
			if clusterToggleEnabled && d.cfg.Registry.InCluster {
				toggle, err = d.buildClusterToggle()
				if err != nil {
					return err
				}
			}

			var backuper deletion.Backuper
			if backupEnabled {
				uploader, err := d.s3Uploader(ctx)
				if err != nil {
					return err
				}
				backuper = d.backupAdapter(uploader)
			}

			var mongoCleaner deletion.MongoCleaner
			if mongoCleanup {
				mongoCleaner = d.mongoCleaner()
			}

			var recency *int
			if cmd.Flags().Changed("recency-days") {
				recency = &recencyDays
			}

			orch := &deletion.Orchestrator{
				Registry:     d.client,
				Backup:       backuper,
				Cluster:      toggle,
				LiveChecker:  nil,
				MongoCleaner: mongoCleaner,
				Checkpoints:  d.checks,
				Log:          d.log,
				ResolveUsage: func(tag string) v1.UsageRecord {
					return resolver.Resolve(tag, time.Now(), recency)
				},
			}

			opts := deletion.Options{
				Backup:                  backupEnabled,
				EnableClusterDeleteMode: clusterToggleEnabled,
				RecencyDays:             recency,
				Resume:                  resume,
				OperationID:             operationID,
				Workers:                 d.cfg.DeleteWorkerCount(len(cands)),
				MongoCleanupEnabled:     mongoCleanup,
				RepositoryFor:           d.repositoryFor,
			}

			result, err := orch.Run(ctx, opts, cands, archiveByID)
			if err != nil {
				return fmt.Errorf("running deletion: %w", err)
			}

			reportPath := d.cfg.Reports.Filenames["deletion-result"]
			if reportPath == "" {
				reportPath = d.cfg.Analysis.OutputDir + "/deletion-result.json"
			}
			meta := report.Metadata{RegistryURL: d.cfg.Registry.URL, GeneratedAt: time.Now()}
			if err := report.WriteDeletionResult(reportPath, result, meta); err != nil {
				return err
			}

			d.log.Info("deleted %d images, backed up %d, cleaned %d mongo records, %d failed, %d skipped as in-use",
				result.DockerImagesDeleted, result.ImagesBackedUp, result.MongoRecordsCleaned, len(result.Failed), len(result.SkippedInUse))
			return nil
		},
	}

	cmd.Flags().StringVar(&candidatesPath, "candidates", "", "path to a candidate report written by analyze (required)")
	cmd.Flags().BoolVar(&backupEnabled, "backup", true, "back up each image to object storage before deleting it")
	cmd.Flags().BoolVar(&clusterToggleEnabled, "enable-cluster-delete-mode", true, "flip the in-cluster registry's delete-enabled flag around the run")
	cmd.Flags().BoolVar(&resume, "resume", false, "resume a previous run instead of starting fresh")
	cmd.Flags().StringVar(&operationID, "operation-id", "", "checkpoint identifier (default: a generated UUID; pass --resume's previous value to resume)")
	cmd.Flags().IntVar(&recencyDays, "recency-days", 0, "only treat historical usage within this many days as in-use")
	cmd.Flags().BoolVar(&mongoCleanup, "mongo-cleanup", true, "clean up corresponding MongoDB records after a successful delete")
	_ = cmd.MarkFlagRequired("candidates")

	return cmd
}

func loadCandidates(path string) ([]v1.CandidateItem, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading candidate report %s: %w", path, err)
	}
	var doc struct {
		Detail []v1.CandidateItem `json:"detail"`
	}
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parsing candidate report %s: %w", path, err)
	}
	return doc.Detail, nil
}

func (d *deps) buildClusterToggle() (*clustertoggle.Toggle, error) {
	restCfg, err := rest.InClusterConfig()
	if err != nil {
		return nil, fmt.Errorf("building in-cluster kubernetes config: %w", err)
	}
	clientset, err := kubernetes.NewForConfig(restCfg)
	if err != nil {
		return nil, fmt.Errorf("building kubernetes client: %w", err)
	}
	return &clustertoggle.Toggle{
		Client:        clientset,
		Namespace:     d.cfg.Cluster.Namespace,
		WorkloadKind:  "StatefulSet",
		WorkloadName:  d.cfg.Cluster.RegistryWorkloadName,
		ContainerName: "registry",
		ReadyTimeout:  2 * time.Minute,
		Log:           d.log,
	}, nil
}

// archiveRecordIndex builds the full archive-record index the orchestrator
// needs for the cloned-revision closure and Mongo cleanup guards (spec.md
// §4.7 steps 1 and 9), covering all four record types.
func (d *deps) archiveRecordIndex(ctx context.Context) (map[string]v1.ArchiveRecord, error) {
	index := map[string]v1.ArchiveRecord{}

	environments, err := d.findArchiveRecords(ctx, "environments_v2", v1.RecordTypeEnvironment)
	if err != nil {
		return nil, err
	}
	models, err := d.findArchiveRecords(ctx, "models", v1.RecordTypeModel)
	if err != nil {
		return nil, err
	}
	revisions, err := d.findRevisions(ctx)
	if err != nil {
		return nil, err
	}
	versions, err := d.findVersions(ctx)
	if err != nil {
		return nil, err
	}

	for _, records := range [][]v1.ArchiveRecord{environments, models, revisions, versions} {
		for _, rec := range records {
			index[rec.ID] = rec
		}
	}
	return index, nil
}
