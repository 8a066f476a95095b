package migration

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

type fakeLister struct {
	tags map[string][]string
}

func (f *fakeLister) ListTags(_ context.Context, repository string, _ *registryclient.Credentials) ([]string, error) {
	return f.tags[repository], nil
}

type fakeCopier struct {
	failTags map[string]bool
	copied   []string
}

func (f *fakeCopier) Copy(_ context.Context, spec registryclient.CopySpec) (bool, error) {
	if f.failTags[spec.DestRef] {
		return false, fmt.Errorf("simulated copy failure")
	}
	f.copied = append(f.copied, spec.DestRef)
	return true, nil
}

type fakeFilter struct{ allowed map[string]bool }

func (f *fakeFilter) AllowedTags(context.Context, bool) (map[string]bool, error) {
	return f.allowed, nil
}

func TestPlan_DiscoversConventionalSubRepositories(t *testing.T) {
	lister := &fakeLister{tags: map[string][]string{
		"src/base":             {"t1"},
		"src/base/environment": {"env1-v1"},
		"src/base/model":       {"model1-v1"},
	}}
	e := &Engine{Source: lister, Log: log.Discard()}

	plan, err := e.Plan(context.Background(), Options{BaseRepository: "base", SourceRegistry: "src"})
	require.NoError(t, err)
	require.Len(t, plan.Repositories, 3)
}

func TestPlan_AppliesArchiveFilter(t *testing.T) {
	lister := &fakeLister{tags: map[string][]string{"src/base": {"keep", "drop"}}}
	e := &Engine{
		Source: lister,
		Filter: &fakeFilter{allowed: map[string]bool{"keep": true}},
		Log:    log.Discard(),
	}

	plan, err := e.Plan(context.Background(), Options{Repos: []string{"base"}, SourceRegistry: "src", UnarchivedOnly: true})
	require.NoError(t, err)
	require.Equal(t, []string{"keep"}, plan.Repositories[0].ToCopy)
	require.Equal(t, []string{"drop"}, plan.Repositories[0].FilteredOut)
}

func TestApply_CopiesAllPlannedTags(t *testing.T) {
	copier := &fakeCopier{failTags: map[string]bool{}}
	e := &Engine{
		Copier:      copier,
		Checkpoints: checkpoint.NewStore(t.TempDir()),
		Log:         log.Discard(),
	}
	plan := planWith("base", []string{"t1", "t2"})

	result, err := e.Apply(context.Background(), Options{SourceRegistry: "src", DestRegistry: "dst", OperationID: "op1"}, plan)
	require.NoError(t, err)
	require.Equal(t, []string{"base"}, result.RepositoriesCompleted)
	require.Len(t, result.CopiedTags["base"], 2)
	require.Empty(t, result.Failed)
}

func TestApply_FailedCopyRecordedAndRepositoryNotMarkedComplete(t *testing.T) {
	copier := &fakeCopier{failTags: map[string]bool{"docker://dst/base:t2": true}}
	e := &Engine{
		Copier:      copier,
		Checkpoints: checkpoint.NewStore(t.TempDir()),
		Log:         log.Discard(),
	}
	plan := planWith("base", []string{"t1", "t2"})

	result, err := e.Apply(context.Background(), Options{SourceRegistry: "src", DestRegistry: "dst", OperationID: "op2"}, plan)
	require.NoError(t, err)
	require.Empty(t, result.RepositoriesCompleted)
	require.Len(t, result.Failed, 1)
}

func TestApply_RewritesMongoMetadataWhenConfigured(t *testing.T) {
	copier := &fakeCopier{failTags: map[string]bool{}}
	rewriter := &fakeRewriter{count: 3}
	e := &Engine{
		Copier:      copier,
		Rewriter:    rewriter,
		Checkpoints: checkpoint.NewStore(t.TempDir()),
		Log:         log.Discard(),
	}
	plan := planWith("base", []string{"t1"})

	result, err := e.Apply(context.Background(), Options{BaseRepository: "base", SourceRegistry: "src", DestRegistry: "dst", OperationID: "op3", NewPrefix: "new-repo"}, plan)
	require.NoError(t, err)
	require.Equal(t, 3, result.MongoRecordsRewritten)
	require.Equal(t, "base", rewriter.gotOld)
	require.Equal(t, "new-repo", rewriter.gotNew)
}

func TestApply_SkipsMongoRewriteWithoutNewPrefix(t *testing.T) {
	copier := &fakeCopier{failTags: map[string]bool{}}
	rewriter := &fakeRewriter{count: 3}
	e := &Engine{
		Copier:      copier,
		Rewriter:    rewriter,
		Checkpoints: checkpoint.NewStore(t.TempDir()),
		Log:         log.Discard(),
	}
	plan := planWith("base", []string{"t1"})

	result, err := e.Apply(context.Background(), Options{SourceRegistry: "src", DestRegistry: "dst", OperationID: "op4"}, plan)
	require.NoError(t, err)
	require.Equal(t, 0, result.MongoRecordsRewritten)
}

type fakeRewriter struct {
	count          int
	gotOld, gotNew string
}

func (f *fakeRewriter) RewriteRepositoryPrefix(_ context.Context, oldPrefix, newPrefix string) (int, error) {
	f.gotOld, f.gotNew = oldPrefix, newPrefix
	return f.count, nil
}

func planWith(repo string, tags []string) v1.MigrationPlan {
	return v1.MigrationPlan{Repositories: []v1.RepositoryPlan{{Repository: repo, ToCopy: tags}}}
}
