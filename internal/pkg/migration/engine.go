// Package migration implements C9: the alternative top-level orchestrator
// that copies a full or filtered image set between registries. Grounded
// on (and substantially adapted from) the teacher's pkg/cli/mirror/copy.go,
// which performs the analogous discover-then-copy sequence for OCP
// release/catalog images; here generalized to Domino's
// environment/model repository layout with optional archive-status
// filtering and idempotent MongoDB metadata rewrite.
package migration

import (
	"context"
	"fmt"
	"strings"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/checkpoint"
	"github.com/dominodatalab/registry-gc/internal/pkg/log"
	"github.com/dominodatalab/registry-gc/internal/pkg/registryclient"
)

// TagLister is the seam onto C1's list-tags operation for both sides.
type TagLister interface {
	ListTags(ctx context.Context, repository string, creds *registryclient.Credentials) ([]string, error)
}

// Copier is the seam onto C1's copy operation.
type Copier interface {
	Copy(ctx context.Context, spec registryclient.CopySpec) (bool, error)
}

// ArchiveFilter resolves the allowed tag set for an archive-status filter.
// Implementations query environments_v2/environment_revisions and
// models/model_versions to build this set; archived=true selects
// archived-only tags, false selects unarchived-only.
type ArchiveFilter interface {
	AllowedTags(ctx context.Context, archived bool) (map[string]bool, error)
}

// MetadataRewriter is the seam for the idempotent MongoDB repository-prefix
// rewrite.
type MetadataRewriter interface {
	RewriteRepositoryPrefix(ctx context.Context, oldPrefix, newPrefix string) (int, error)
}

const (
	environmentSubRepo = "environment"
	modelSubRepo       = "model"
)

// Engine runs discovery, planning and copy for one migration.
type Engine struct {
	Source      TagLister
	Copier      Copier
	Filter      ArchiveFilter // nil disables archive-status filtering
	Rewriter    MetadataRewriter
	Checkpoints *checkpoint.Store
	Log         log.Logger
}

// Options configures one migration run.
type Options struct {
	BaseRepository string
	Repos          []string // explicit override of the conventional sub-repositories
	SourceRegistry string
	DestRegistry   string
	SourceCreds    *registryclient.Credentials
	DestCreds      *registryclient.Credentials
	DestTLSVerify  *bool
	SrcTLSVerify   *bool

	ArchivedOnly   bool
	UnarchivedOnly bool

	// OldPrefix/NewPrefix drive the post-copy MongoDB repository-prefix
	// rewrite (nil Rewriter or empty NewPrefix disables it). OldPrefix
	// defaults to BaseRepository when empty, matching the script this is
	// grounded on (old_prefix = args.old_prefix or repository).
	OldPrefix string
	NewPrefix string

	OperationID string
}

func (o Options) oldPrefix() string {
	if o.OldPrefix != "" {
		return o.OldPrefix
	}
	return o.BaseRepository
}

func joinRegistryRepo(registry, repo string) string {
	return strings.TrimPrefix(registry+"/"+repo, "/")
}

func (o Options) repositories() []string {
	if len(o.Repos) > 0 {
		return o.Repos
	}
	return []string{
		o.BaseRepository,
		o.BaseRepository + "/" + environmentSubRepo,
		o.BaseRepository + "/" + modelSubRepo,
	}
}

// Plan discovers tags and applies any archive-status filter without
// performing any network copy, so the apply path and a dry-run share one
// side-effect-free planning function (SPEC_FULL.md §3).
func (e *Engine) Plan(ctx context.Context, opts Options) (v1.MigrationPlan, error) {
	var allowed map[string]bool
	if e.Filter != nil && (opts.ArchivedOnly || opts.UnarchivedOnly) {
		var err error
		allowed, err = e.Filter.AllowedTags(ctx, opts.ArchivedOnly)
		if err != nil {
			return v1.MigrationPlan{}, fmt.Errorf("resolving archive-status filter: %w", err)
		}
	}

	plan := v1.MigrationPlan{}
	for _, repo := range opts.repositories() {
		tags, err := e.Source.ListTags(ctx, joinRegistryRepo(opts.SourceRegistry, repo), opts.SourceCreds)
		if err != nil {
			e.Log.Warn("listing tags under %s failed, skipping: %v", repo, err)
			continue
		}

		rp := v1.RepositoryPlan{Repository: repo}
		for _, tag := range tags {
			if allowed != nil && !allowed[tag] {
				rp.FilteredOut = append(rp.FilteredOut, tag)
				continue
			}
			rp.ToCopy = append(rp.ToCopy, tag)
		}
		plan.Repositories = append(plan.Repositories, rp)
	}
	return plan, nil
}

// Apply executes a previously computed plan: sequential copy per
// repository, checkpointed per repository so a crash resumes at the next
// uncompleted repository.
func (e *Engine) Apply(ctx context.Context, opts Options, plan v1.MigrationPlan) (v1.MigrationResult, error) {
	result := v1.MigrationResult{CopiedTags: map[string][]string{}}

	cp, _, err := e.Checkpoints.Load("migrate", opts.OperationID, len(plan.Repositories))
	if err != nil {
		return result, fmt.Errorf("loading checkpoint: %w", err)
	}

	for _, rp := range plan.Repositories {
		if cp.Completed[rp.Repository] {
			result.RepositoriesCompleted = append(result.RepositoriesCompleted, rp.Repository)
			continue
		}

		repoFailed := false
		for _, tag := range rp.ToCopy {
			srcRef := fmt.Sprintf("docker://%s/%s:%s", opts.SourceRegistry, rp.Repository, tag)
			destRef := fmt.Sprintf("docker://%s/%s:%s", opts.DestRegistry, rp.Repository, tag)
			_, copyErr := e.Copier.Copy(ctx, registryclient.CopySpec{
				SourceRef:     srcRef,
				DestRef:       destRef,
				SourceCreds:   opts.SourceCreds,
				DestCreds:     opts.DestCreds,
				SrcTLSVerify:  opts.SrcTLSVerify,
				DestTLSVerify: opts.DestTLSVerify,
			})
			if copyErr != nil {
				result.Failed = append(result.Failed, v1.FailedItem{Tag: rp.Repository + ":" + tag, Reason: copyErr.Error()})
				cp.Failed[rp.Repository+":"+tag] = copyErr.Error()
				repoFailed = true
				continue
			}
			result.CopiedTags[rp.Repository] = append(result.CopiedTags[rp.Repository], tag)
		}

		if !repoFailed {
			cp.Completed[rp.Repository] = true
			result.RepositoriesCompleted = append(result.RepositoriesCompleted, rp.Repository)
		}
		if err := e.Checkpoints.Save(cp); err != nil {
			e.Log.Warn("persisting migration checkpoint failed: %v", err)
		}
	}

	if e.Rewriter != nil && opts.NewPrefix != "" && len(result.Failed) > 0 {
		e.Log.Warn("skipping mongodb repository prefix rewrite: %d copies failed", len(result.Failed))
	} else if e.Rewriter != nil && opts.NewPrefix != "" {
		rewritten, err := e.Rewriter.RewriteRepositoryPrefix(ctx, opts.oldPrefix(), opts.NewPrefix)
		if err != nil {
			e.Log.Warn("mongodb repository prefix rewrite failed: %v", err)
		} else {
			result.MongoRecordsRewritten = rewritten
		}
	}

	if len(result.Failed) == 0 {
		_ = e.Checkpoints.Delete("migrate", opts.OperationID)
	}

	return result, nil
}
