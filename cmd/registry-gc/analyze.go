package main

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/candidates"
	"github.com/dominodatalab/registry-gc/internal/pkg/report"
	"github.com/dominodatalab/registry-gc/internal/pkg/usage"
)

// newAnalyzeCommand wires C3 (usage snapshot), C6 (candidate scenarios)
// and C5 (usage resolver) into one read-only report, the dry-run half of
// the toolkit spec.md §4.6 and §4.5 describe.
func newAnalyzeCommand(configPath, logLevel *string) *cobra.Command {
	var scenario string
	var repository string
	var outputPath string

	cmd := &cobra.Command{
		Use:   "analyze",
		Short: "Compute deletion candidates and usage facts without deleting anything",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			d, err := buildDeps(ctx, *configPath, *logLevel)
			if err != nil {
				return err
			}

			snap, err := d.usageSnapshot(ctx)
			if err != nil {
				return fmt.Errorf("loading usage snapshot: %w", err)
			}
			resolver := usage.NewResolver(snap)

			registryTags, err := d.client.ListTags(ctx, repository, nil)
			if err != nil {
				return fmt.Errorf("listing tags under %s: %w", repository, err)
			}

			repo, err := d.loadCandidateRepository(ctx, registryTags)
			if err != nil {
				return err
			}

			var orphanRefs []candidates.OrphanReference
			if scenario == "orphan" {
				orphanRefs, err = d.findOrphanReferences(ctx)
				if err != nil {
					return fmt.Errorf("loading orphan references: %w", err)
				}
			}

			items, err := selectCandidates(scenario, repo, orphanRefs)
			if err != nil {
				return err
			}

			items = filterStillInUse(items, resolver)

			meta := report.Metadata{RegistryURL: d.cfg.Registry.URL, Repository: repository, GeneratedAt: time.Now()}
			if outputPath == "" {
				outputPath = d.cfg.Analysis.OutputDir + "/candidates-" + scenario + ".json"
			}
			if err := report.WriteCandidateReport(outputPath, items, scenario, meta); err != nil {
				return err
			}

			d.log.Info("wrote %d %s candidates to %s", len(items), scenario, outputPath)
			return nil
		},
	}

	cmd.Flags().StringVar(&scenario, "scenario", "archived", "one of: archived, unused, deactivated_owner, orphan")
	cmd.Flags().StringVar(&repository, "repository", "", "repository to list registry tags from (required)")
	cmd.Flags().StringVar(&outputPath, "output", "", "report output path (default: <analysis.outputDir>/candidates-<scenario>.json)")
	_ = cmd.MarkFlagRequired("repository")

	return cmd
}

func selectCandidates(scenario string, repo candidates.Repository, orphanRefs []candidates.OrphanReference) ([]v1.CandidateItem, error) {
	switch scenario {
	case "archived":
		return candidates.ArchivedCandidates(repo), nil
	case "unused":
		return candidates.UnusedCandidates(repo), nil
	case "deactivated_owner":
		return candidates.DeactivatedOwnerCandidates(repo, deactivatedOwnerSet(repo)), nil
	case "orphan":
		return candidates.OrphanCandidates(orphanRefs, repo.RegistryTags), nil
	default:
		return nil, fmt.Errorf("unknown scenario %q", scenario)
	}
}

// deactivatedOwnerSet is a placeholder until a `users` collection reader is
// wired in; deactivated-owner detection needs the `users.isDeactivated`
// flag, which the candidate repository loader does not yet populate.
func deactivatedOwnerSet(_ candidates.Repository) map[string]bool {
	return map[string]bool{}
}

// filterStillInUse drops any candidate the usage resolver still finds a
// hit for, so the report only ever lists tags actually safe to delete
// (spec.md §4.5's "gate before delete" role for the resolver).
func filterStillInUse(items []v1.CandidateItem, resolver *usage.Resolver) []v1.CandidateItem {
	out := make([]v1.CandidateItem, 0, len(items))
	for _, item := range items {
		rec := resolver.Resolve(item.Tag, time.Now(), nil)
		if rec.InUse {
			continue
		}
		out = append(out, item)
	}
	return out
}
