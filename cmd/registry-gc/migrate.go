package main

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/migration"
	"github.com/dominodatalab/registry-gc/internal/pkg/report"
)

// writePlanReport writes a migration plan on its own, without performing
// any copy -- the supplemented dry-run diff report feature (SPEC_FULL.md
// §3) that lets an operator review what --dry-run would do before
// spending a checkpointed apply run.
func writePlanReport(path string, plan v1.MigrationPlan, meta report.Metadata) error {
	toCopy := 0
	filteredOut := 0
	for _, rp := range plan.Repositories {
		toCopy += len(rp.ToCopy)
		filteredOut += len(rp.FilteredOut)
	}
	doc := report.Document{
		Summary: map[string]any{
			"repositories": len(plan.Repositories),
			"tagsToCopy":   toCopy,
			"tagsFiltered": filteredOut,
		},
		Detail:   plan,
		Metadata: meta,
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling migration plan: %w", err)
	}
	return os.WriteFile(path, data, 0o644)
}

// newMigrateCommand wires C9: discover tags under the conventional
// environment/model sub-repositories, optionally filter by archive
// status, and copy them to a destination registry, rewriting MongoDB
// repository-prefix metadata afterward.
func newMigrateCommand(configPath, logLevel *string) *cobra.Command {
	var baseRepository string
	var sourceRegistry string
	var destRegistry string
	var archivedOnly bool
	var unarchivedOnly bool
	var operationID string
	var dryRun bool
	var rewriteMetadata bool
	var oldPrefix string
	var newPrefix string

	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Copy an environment/model image tree to another registry",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}

			if rewriteMetadata && newPrefix == "" {
				return fmt.Errorf("--new-prefix is required when --rewrite-mongo-metadata is set")
			}

			engine := &migration.Engine{
				Source:      d.client,
				Copier:      d.client,
				Checkpoints: d.checks,
				Log:         d.log,
			}
			if archivedOnly || unarchivedOnly {
				engine.Filter = d.archiveFilter()
			}
			if rewriteMetadata {
				engine.Rewriter = d.metadataRewriter()
			}

			opts := migration.Options{
				BaseRepository: baseRepository,
				SourceRegistry: sourceRegistry,
				DestRegistry:   destRegistry,
				ArchivedOnly:   archivedOnly,
				UnarchivedOnly: unarchivedOnly,
				OldPrefix:      oldPrefix,
				NewPrefix:      newPrefix,
				OperationID:    operationID,
			}

			plan, err := engine.Plan(ctx, opts)
			if err != nil {
				return fmt.Errorf("planning migration: %w", err)
			}

			meta := report.Metadata{RegistryURL: destRegistry, Repository: baseRepository, GeneratedAt: time.Now()}

			if operationID == "" && !dryRun {
				operationID = uuid.NewString()
				d.log.Info("no --operation-id given, generated %s", operationID)
				opts.OperationID = operationID
			}

			if dryRun {
				planReportPath := d.cfg.Analysis.OutputDir + "/migration-plan.json"
				if err := writePlanReport(planReportPath, plan, meta); err != nil {
					return err
				}
				d.log.Info("dry run: wrote migration plan for %d repositories to %s", len(plan.Repositories), planReportPath)
				return nil
			}

			result, err := engine.Apply(ctx, opts, plan)
			if err != nil {
				return fmt.Errorf("applying migration: %w", err)
			}

			reportPath := d.cfg.Reports.Filenames["migration-result"]
			if reportPath == "" {
				reportPath = d.cfg.Analysis.OutputDir + "/migration-result.json"
			}
			if err := report.WriteMigrationResult(reportPath, result, meta); err != nil {
				return err
			}

			d.log.Info("migrated %d repositories, %d failed, %d mongo records rewritten",
				len(result.RepositoriesCompleted), len(result.Failed), result.MongoRecordsRewritten)
			return nil
		},
	}

	cmd.Flags().StringVar(&baseRepository, "base-repository", "", "base repository under which environment/ and model/ live (required)")
	cmd.Flags().StringVar(&sourceRegistry, "source-registry", "", "source registry host (required)")
	cmd.Flags().StringVar(&destRegistry, "dest-registry", "", "destination registry host (required)")
	cmd.Flags().BoolVar(&archivedOnly, "archived", false, "only migrate archived environments/models")
	cmd.Flags().BoolVar(&unarchivedOnly, "unarchived", false, "only migrate non-archived environments/models")
	cmd.Flags().StringVar(&operationID, "operation-id", "", "checkpoint identifier (default: a generated UUID, ignored for --dry-run)")
	cmd.Flags().BoolVar(&dryRun, "dry-run", false, "compute and report the plan without copying anything")
	cmd.Flags().BoolVar(&rewriteMetadata, "rewrite-mongo-metadata", false, "after a successful copy, rewrite builds/environment_revisions/model_versions repository fields to new-prefix")
	cmd.Flags().StringVar(&oldPrefix, "old-prefix", "", "repository prefix to match when rewriting (default: --base-repository)")
	cmd.Flags().StringVar(&newPrefix, "new-prefix", "", "repository prefix to rewrite matched documents to (required with --rewrite-mongo-metadata)")
	_ = cmd.MarkFlagRequired("base-repository")
	_ = cmd.MarkFlagRequired("source-registry")
	_ = cmd.MarkFlagRequired("dest-registry")

	return cmd
}
