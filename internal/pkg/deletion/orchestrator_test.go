package deletion

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/checkpoint"
	"github.com/dominodatalab/registry-gc/internal/pkg/log"
	"github.com/dominodatalab/registry-gc/internal/pkg/registryclient"
)

type fakeRegistry struct {
	fail map[string]bool
}

func (f *fakeRegistry) Delete(_ context.Context, repository, tag string, _ *registryclient.Credentials) (bool, error) {
	if f.fail[tag] {
		return false, fmt.Errorf("simulated delete failure for %s/%s", repository, tag)
	}
	return true, nil
}

type fakeBackup struct {
	calls   []string
	failTag string
}

func (f *fakeBackup) BackupOne(_ context.Context, _, tag string, _ *registryclient.Credentials) error {
	if tag == f.failTag {
		return fmt.Errorf("simulated backup failure")
	}
	f.calls = append(f.calls, tag)
	return nil
}

type fakeCluster struct{ enabled, disabled int }

func (f *fakeCluster) Enable(context.Context) error  { f.enabled++; return nil }
func (f *fakeCluster) Disable(context.Context) error { f.disabled++; return nil }

type fakeMongoCleaner struct{ cleaned map[string]bool }

func (f *fakeMongoCleaner) CleanupVersion(_ context.Context, id string) (bool, error) {
	return f.cleaned[id], nil
}
func (f *fakeMongoCleaner) CleanupRevision(_ context.Context, id string) (bool, error) {
	return f.cleaned[id], nil
}
func (f *fakeMongoCleaner) CleanupModel(_ context.Context, id string) (bool, error) {
	return f.cleaned[id], nil
}
func (f *fakeMongoCleaner) CleanupEnvironment(_ context.Context, id string) (bool, error) {
	return f.cleaned[id], nil
}

func repoFor(t v1.ImageType) string {
	if t == v1.ImageTypeModel {
		return "model"
	}
	return "environment"
}

func newTestOrchestrator(t *testing.T, reg *fakeRegistry, inUse map[string]bool) *Orchestrator {
	return &Orchestrator{
		Registry:    reg,
		Backup:      &fakeBackup{},
		Cluster:     &fakeCluster{},
		Checkpoints: checkpoint.NewStore(t.TempDir()),
		Log:         log.Discard(),
		ResolveUsage: func(tag string) v1.UsageRecord {
			return v1.UsageRecord{Tag: tag, InUse: inUse[tag]}
		},
		MongoCleaner: &fakeMongoCleaner{cleaned: map[string]bool{}},
	}
}

func TestRun_DeletesAllWhenNotInUse(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRegistry{}, nil)
	cands := []v1.CandidateItem{
		{ObjectID: "rev1", ImageType: v1.ImageTypeEnvironment, Tag: "env1-v1", RecordType: v1.RecordTypeRevision, Scenario: "archived"},
	}
	result, err := o.Run(context.Background(), Options{Workers: 2, RepositoryFor: repoFor, OperationID: "op1"}, cands, map[string]v1.ArchiveRecord{
		"rev1": {ID: "rev1", Type: v1.RecordTypeRevision},
	})
	require.NoError(t, err)
	require.Equal(t, 1, result.DockerImagesDeleted)
	require.Empty(t, result.Failed)
	require.Empty(t, result.SkippedInUse)
}

func TestRun_SkipsInUseImages(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRegistry{}, map[string]bool{"env1-v1": true})
	cands := []v1.CandidateItem{
		{ObjectID: "rev1", ImageType: v1.ImageTypeEnvironment, Tag: "env1-v1", RecordType: v1.RecordTypeRevision, Scenario: "unused"},
	}
	result, err := o.Run(context.Background(), Options{Workers: 2, RepositoryFor: repoFor, OperationID: "op2"}, cands, nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.DockerImagesDeleted)
	require.Len(t, result.SkippedInUse, 1)
	require.Equal(t, "in_use", result.SkippedInUse[0].Reason)
}

func TestRun_FailedDeleteRecordedWithReason(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRegistry{fail: map[string]bool{"env1-v1": true}}, nil)
	cands := []v1.CandidateItem{
		{ObjectID: "rev1", ImageType: v1.ImageTypeEnvironment, Tag: "env1-v1", RecordType: v1.RecordTypeRevision, Scenario: "unused"},
	}
	result, err := o.Run(context.Background(), Options{Workers: 2, RepositoryFor: repoFor, OperationID: "op3"}, cands, nil)
	require.NoError(t, err)
	require.Equal(t, 0, result.DockerImagesDeleted)
	require.Len(t, result.Failed, 1)
	require.Equal(t, "env1-v1", result.Failed[0].Tag)
}

func TestRun_BackupFailureAbortsBeforeAnyDeletion(t *testing.T) {
	reg := &fakeRegistry{}
	o := newTestOrchestrator(t, reg, nil)
	o.Backup = &fakeBackup{failTag: "env1-v1"}

	cands := []v1.CandidateItem{
		{ObjectID: "rev1", ImageType: v1.ImageTypeEnvironment, Tag: "env1-v1", RecordType: v1.RecordTypeRevision, Scenario: "unused"},
	}
	_, err := o.Run(context.Background(), Options{Backup: true, Workers: 2, RepositoryFor: repoFor, OperationID: "op4"}, cands, nil)
	require.Error(t, err)
}

func TestRun_ClonedRevisionClosureDropsIncompleteRevision(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRegistry{}, nil)
	cands := []v1.CandidateItem{
		{ObjectID: "rev1", ImageType: v1.ImageTypeEnvironment, Tag: "env1-v1", RecordType: v1.RecordTypeRevision, Scenario: "unused"},
	}
	archiveByID := map[string]v1.ArchiveRecord{
		"rev1": {ID: "rev1", Type: v1.RecordTypeRevision, ClonedRevisionID: "rev2"}, // rev2 not in candidate set
	}
	result, err := o.Run(context.Background(), Options{Workers: 2, RepositoryFor: repoFor, OperationID: "op5"}, cands, archiveByID)
	require.NoError(t, err)
	require.Equal(t, 0, result.DockerImagesDeleted)
}

func TestRun_MongoCleanupSkippedWhenSharedIDHasAFailedTag(t *testing.T) {
	reg := &fakeRegistry{fail: map[string]bool{"rev1-v1-1699999999_ab12cd": true}}
	o := newTestOrchestrator(t, reg, nil)
	mc := &fakeMongoCleaner{cleaned: map[string]bool{"rev1": true}}
	o.MongoCleaner = mc

	// two tags derived from the same revision ObjectID; one delete fails.
	cands := []v1.CandidateItem{
		{ObjectID: "rev1", ImageType: v1.ImageTypeEnvironment, Tag: "rev1-v1", RecordType: v1.RecordTypeRevision, Scenario: "unused"},
		{ObjectID: "rev1", ImageType: v1.ImageTypeEnvironment, Tag: "rev1-v1-1699999999_ab12cd", RecordType: v1.RecordTypeRevision, Scenario: "unused"},
	}
	archiveByID := map[string]v1.ArchiveRecord{"rev1": {ID: "rev1", Type: v1.RecordTypeRevision}}
	result, err := o.Run(context.Background(), Options{MongoCleanupEnabled: true, Workers: 2, RepositoryFor: repoFor, OperationID: "op7"}, cands, archiveByID)
	require.NoError(t, err)
	require.Equal(t, 1, result.DockerImagesDeleted)
	require.Len(t, result.Failed, 1)
	require.Equal(t, 0, result.MongoRecordsCleaned, "mongo record must survive while a sibling tag still exists")
}

func TestRun_MongoCleanupOnlyForFullyDeletedIDs(t *testing.T) {
	o := newTestOrchestrator(t, &fakeRegistry{}, nil)
	mc := &fakeMongoCleaner{cleaned: map[string]bool{"rev1": true}}
	o.MongoCleaner = mc

	cands := []v1.CandidateItem{
		{ObjectID: "rev1", ImageType: v1.ImageTypeEnvironment, Tag: "env1-v1", RecordType: v1.RecordTypeRevision, Scenario: "unused"},
	}
	archiveByID := map[string]v1.ArchiveRecord{"rev1": {ID: "rev1", Type: v1.RecordTypeRevision}}
	result, err := o.Run(context.Background(), Options{MongoCleanupEnabled: true, Workers: 2, RepositoryFor: repoFor, OperationID: "op6"}, cands, archiveByID)
	require.NoError(t, err)
	require.Equal(t, 1, result.MongoRecordsCleaned)
}
