// Package deletion implements C7, the apply path: the eleven-stage
// safe-deletion pipeline described in spec.md §4.7. Grounded on the
// teacher's pkg/cli/delete executor (the try/finally around mirroring with
// a checkpoint-backed resumable worker pool), generalized from image
// mirroring to archive-aware registry deletion with MongoDB cleanup.
package deletion

import (
	"context"
	"fmt"
	"sync"

	"golang.org/x/sync/errgroup"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/checkpoint"
	"github.com/dominodatalab/registry-gc/internal/pkg/log"
	"github.com/dominodatalab/registry-gc/internal/pkg/registryclient"
)

// RegistryDeleter is the seam onto C1 this orchestrator needs.
type RegistryDeleter interface {
	Delete(ctx context.Context, repository, tag string, creds *registryclient.Credentials) (bool, error)
}

// Backuper is the seam onto C8.
type Backuper interface {
	BackupOne(ctx context.Context, repository, tag string, creds *registryclient.Credentials) error
}

// ClusterToggle is the seam onto C10.
type ClusterToggle interface {
	Enable(ctx context.Context) error
	Disable(ctx context.Context) error
}

// LiveReferenceChecker re-checks direct workspace/session/userPreferences
// references independent of archive status (stage 2).
type LiveReferenceChecker interface {
	IsLiveReferenced(ctx context.Context, objectID string) (bool, error)
}

// MongoCleaner performs stage 9's conditional cleanup. Each method enforces
// its own referential-integrity guard and returns (deleted, err); a guard
// failure is reported as (false, nil) -- "not an error, log as skip" per
// spec.md §5.
type MongoCleaner interface {
	CleanupVersion(ctx context.Context, id string) (bool, error)
	CleanupRevision(ctx context.Context, id string) (bool, error)
	CleanupModel(ctx context.Context, id string) (bool, error)
	CleanupEnvironment(ctx context.Context, id string) (bool, error)
}

// Options configures one deletion run.
type Options struct {
	Backup                  bool
	EnableClusterDeleteMode bool
	RecencyDays             *int
	Resume                  bool
	OperationID             string
	Workers                 int
	MongoCleanupEnabled     bool
	RepositoryFor           func(v1.ImageType) string
}

// Orchestrator wires together C1/C5/C7/C8/C10/C11 to run one apply pass.
type Orchestrator struct {
	Registry     RegistryDeleter
	Backup       Backuper
	Cluster      ClusterToggle
	LiveChecker  LiveReferenceChecker
	MongoCleaner MongoCleaner
	Checkpoints  *checkpoint.Store
	Log          log.Logger
	ResolveUsage func(tag string) v1.UsageRecord // wraps usage.Resolver.Resolve with `now` and recency bound
	Credentials  *registryclient.Credentials
}

// Run executes the full pipeline over the supplied candidate set and the
// full archive-record index needed for the cloned-revision closure and
// Mongo cleanup guards.
func (o *Orchestrator) Run(ctx context.Context, opts Options, cands []v1.CandidateItem, archiveByID map[string]v1.ArchiveRecord) (v1.DeletionResult, error) {
	cands = closeClonedRevisions(cands, archiveByID)

	cands = o.dropLiveReferenced(ctx, cands)

	unique, objectIDsByKey := dedupByImage(cands)

	cp, _, err := o.Checkpoints.Load(opts.OperationKind(), opts.OperationID, len(unique))
	if err != nil {
		return v1.DeletionResult{}, fmt.Errorf("loading checkpoint: %w", err)
	}
	if opts.Resume {
		ids := make([]string, 0, len(unique))
		for k := range unique {
			ids = append(ids, k.StableItemID())
		}
		remaining := map[string]bool{}
		for _, id := range cp.Remaining(ids) {
			remaining[id] = true
		}
		for k := range unique {
			if !remaining[k.StableItemID()] {
				delete(unique, k)
			}
		}
	} else {
		cp = v1.NewCheckpoint(opts.OperationKind(), opts.OperationID, len(unique))
	}

	result := v1.DeletionResult{}

	toDelete, skipped := o.applyInUseGate(unique)
	for _, s := range skipped {
		result.SkippedInUse = append(result.SkippedInUse, s)
	}
	for key := range unique {
		if _, ok := toDelete[key]; !ok {
			cp.Skipped[key.StableItemID()] = "in_use"
		}
	}

	if opts.Backup {
		for key := range toDelete {
			repo := opts.RepositoryFor(key.Type)
			if err := o.Backup.BackupOne(ctx, repo, key.Tag, o.Credentials); err != nil {
				return result, fmt.Errorf("backup failed for %s, aborting before any deletion: %w", key.Tag, err)
			}
			result.ImagesBackedUp++
		}
	}

	if opts.EnableClusterDeleteMode {
		if err := o.Cluster.Enable(ctx); err != nil {
			o.Log.Warn("cluster delete-mode enable failed: %v", err)
		}
	}
	defer func() {
		if opts.EnableClusterDeleteMode {
			if err := o.Cluster.Disable(ctx); err != nil {
				o.Log.Warn("cluster delete-mode disable failed: %v", err)
			}
		}
		_ = o.Checkpoints.Save(cp)
	}()

	succeededThisRun, failed := o.deleteParallel(ctx, opts, toDelete, &cp)
	result.Failed = append(result.Failed, failed...)
	result.DockerImagesDeleted = len(succeededThisRun)

	if opts.MongoCleanupEnabled {
		eligible := eligibleMongoIDs(objectIDsByKey, cp)
		result.MongoRecordsCleaned = o.cleanupMongo(ctx, eligible, archiveByID)
	}

	return result, nil
}

// OperationKind names the checkpoint namespace for deletion runs.
func (o Options) OperationKind() string { return "delete" }

func (o *Orchestrator) dropLiveReferenced(ctx context.Context, cands []v1.CandidateItem) []v1.CandidateItem {
	if o.LiveChecker == nil {
		return cands
	}
	var out []v1.CandidateItem
	for _, c := range cands {
		live, err := o.LiveChecker.IsLiveReferenced(ctx, c.ObjectID)
		if err != nil {
			o.Log.Warn("live-reference check failed for %s, keeping as candidate: %v", c.ObjectID, err)
			out = append(out, c)
			continue
		}
		if live {
			continue
		}
		out = append(out, c)
	}
	return out
}

// closeClonedRevisions drops a revision (and its parent environment) from
// the candidate set when its cloned-revision closure is incomplete,
// per spec.md §4.7 stage 1. Cycle-safe via a seen-set.
func closeClonedRevisions(cands []v1.CandidateItem, archiveByID map[string]v1.ArchiveRecord) []v1.CandidateItem {
	inSet := map[string]bool{}
	for _, c := range cands {
		inSet[c.ObjectID] = true
	}

	var kept []v1.CandidateItem
	dropParent := map[string]bool{}
candidate:
	for _, c := range cands {
		rec, ok := archiveByID[c.ObjectID]
		if ok && rec.Type == v1.RecordTypeRevision && rec.ClonedRevisionID != "" {
			seen := map[string]bool{}
			cur := rec.ClonedRevisionID
			for cur != "" {
				if seen[cur] {
					break
				}
				seen[cur] = true
				if !inSet[cur] {
					dropParent[rec.ParentID] = true
					continue candidate
				}
				curRec, ok := archiveByID[cur]
				if !ok {
					break
				}
				if curRec.ParentID != "" && !inSet[curRec.ParentID] {
					dropParent[rec.ParentID] = true
					continue candidate
				}
				cur = curRec.ClonedRevisionID
			}
		}
		kept = append(kept, c)
	}

	var out []v1.CandidateItem
	for _, c := range kept {
		if c.RecordType == v1.RecordTypeEnvironment && dropParent[c.ObjectID] {
			continue
		}
		out = append(out, c)
	}
	return out
}

// dedupByImage groups candidates by (image_type, tag), remembering which
// archive IDs map to each unique image (stage 3).
func dedupByImage(cands []v1.CandidateItem) (map[v1.ImageKey]v1.CandidateItem, map[v1.ImageKey][]string) {
	unique := map[v1.ImageKey]v1.CandidateItem{}
	objectIDs := map[v1.ImageKey][]string{}
	for _, c := range cands {
		key := v1.ImageKey{Type: c.ImageType, Tag: c.Tag}
		if _, ok := unique[key]; !ok {
			unique[key] = c
		}
		objectIDs[key] = append(objectIDs[key], c.ObjectID)
	}
	return unique, objectIDs
}

// applyInUseGate is stage 5: the final safety net before any deletion.
func (o *Orchestrator) applyInUseGate(unique map[v1.ImageKey]v1.CandidateItem) (map[v1.ImageKey]v1.CandidateItem, []v1.SkippedItem) {
	toDelete := map[v1.ImageKey]v1.CandidateItem{}
	var skipped []v1.SkippedItem
	for key, c := range unique {
		rec := o.ResolveUsage(key.Tag)
		if rec.InUse {
			skipped = append(skipped, v1.SkippedItem{Tag: key.Tag, Reason: "in_use", UsageSummary: rec.UsageSummary})
			continue
		}
		toDelete[key] = c
	}
	return toDelete, skipped
}

// deleteParallel is stage 8: up to opts.Workers concurrent deletions,
// checkpointing every 10 completions and once more at the end. It reports
// success per image key rather than per archive ID -- an ObjectID can be
// shared by several keys (a revision's plain and timestamped tags), and
// stage 9 needs each key's own outcome to honor the "cleanup only once
// every associated tag is gone" invariant.
func (o *Orchestrator) deleteParallel(ctx context.Context, opts Options, toDelete map[v1.ImageKey]v1.CandidateItem, cp *v1.Checkpoint) (map[v1.ImageKey]bool, []v1.FailedItem) {
	workers := opts.Workers
	if workers < 1 {
		workers = 1
	}

	var mu sync.Mutex
	succeeded := map[v1.ImageKey]bool{}
	var failed []v1.FailedItem
	completed := 0

	eg, egCtx := errgroup.WithContext(ctx)
	sem := make(chan struct{}, workers)
	for key, item := range toDelete {
		key, item := key, item
		sem <- struct{}{}
		eg.Go(func() error {
			defer func() { <-sem }()
			repo := opts.RepositoryFor(key.Type)
			_, err := o.Registry.Delete(egCtx, repo, key.Tag, o.Credentials)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				o.Log.Warn("delete failed for %s (%s): %v", key.Tag, item.Scenario, err)
				failed = append(failed, v1.FailedItem{Tag: key.Tag, Reason: err.Error()})
				cp.Failed[key.StableItemID()] = err.Error()
			} else {
				succeeded[key] = true
				cp.Completed[key.StableItemID()] = true
			}
			completed++
			if completed%10 == 0 {
				_ = o.Checkpoints.Save(*cp)
			}
			return nil
		})
	}
	_ = eg.Wait()

	return succeeded, failed
}

// eligibleMongoIDs computes the archive IDs safe to clean up: an ID is
// eligible only if every key it maps to (per objectIDsByKey, built over the
// full candidate set before the in-use gate) is marked completed in the
// checkpoint -- this run's successes plus anything a prior resumed run
// already finished. An ID that maps to even one key still pending, failed,
// or skipped as in-use is excluded entirely, so a shared ObjectID never
// loses its MongoDB record while any of its registry tags still exist.
func eligibleMongoIDs(objectIDsByKey map[v1.ImageKey][]string, cp v1.Checkpoint) map[string]bool {
	blocked := map[string]bool{}
	for key, ids := range objectIDsByKey {
		if cp.Completed[key.StableItemID()] {
			continue
		}
		for _, id := range ids {
			blocked[id] = true
		}
	}
	eligible := map[string]bool{}
	for key, ids := range objectIDsByKey {
		if !cp.Completed[key.StableItemID()] {
			continue
		}
		for _, id := range ids {
			if !blocked[id] {
				eligible[id] = true
			}
		}
	}
	return eligible
}

// cleanupMongo is stage 9: for every eligible archive ID, attempt the
// appropriate typed cleanup honoring referential-integrity guards internal
// to MongoCleaner. A guard failure or cleanup error is logged and does not
// count toward the returned total.
func (o *Orchestrator) cleanupMongo(ctx context.Context, successIDs map[string]bool, archiveByID map[string]v1.ArchiveRecord) int {
	cleaned := 0
	for id := range successIDs {
		rec, ok := archiveByID[id]
		if !ok {
			continue
		}
		var deleted bool
		var err error
		switch rec.Type {
		case v1.RecordTypeVersion:
			deleted, err = o.MongoCleaner.CleanupVersion(ctx, id)
		case v1.RecordTypeRevision:
			deleted, err = o.MongoCleaner.CleanupRevision(ctx, id)
		case v1.RecordTypeModel:
			deleted, err = o.MongoCleaner.CleanupModel(ctx, id)
		case v1.RecordTypeEnvironment:
			deleted, err = o.MongoCleaner.CleanupEnvironment(ctx, id)
		}
		if err != nil {
			o.Log.Warn("mongo cleanup failed for %s %s: %v", rec.Type, id, err)
			continue
		}
		if deleted {
			cleaned++
		}
	}
	return cleaned
}
