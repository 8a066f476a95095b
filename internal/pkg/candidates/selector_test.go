package candidates

import (
	"testing"

	"github.com/stretchr/testify/require"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
)

func baseRepo() Repository {
	return Repository{
		Environments: []v1.ArchiveRecord{
			{ID: "env1", Type: v1.RecordTypeEnvironment, IsArchived: true},
			{ID: "env2", Type: v1.RecordTypeEnvironment, IsArchived: false},
			{ID: "env3", Type: v1.RecordTypeEnvironment, IsArchived: false, IsPrivate: true, OwnerUserID: "user1"},
		},
		Revisions: []v1.ArchiveRecord{
			{ID: "rev1", Type: v1.RecordTypeRevision, ParentID: "env1"},
			{ID: "rev2", Type: v1.RecordTypeRevision, ParentID: "env2"},
			{ID: "rev3", Type: v1.RecordTypeRevision, ParentID: "env3"},
		},
		RevisionTags: map[string]string{
			"rev1": "env1-v1",
			"rev2": "env2-v1",
			"rev3": "env3-v1",
		},
		RegistryTags:             []string{"env1-v1", "env2-v1", "env3-v1"},
		ReferencedEnvironmentIDs: map[string]bool{"env2": true},
	}
}

func TestArchivedCandidates(t *testing.T) {
	out := ArchivedCandidates(baseRepo())
	require.Len(t, out, 1)
	require.Equal(t, "rev1", out[0].ObjectID)
	require.Equal(t, "env1-v1", out[0].Tag)
	require.Equal(t, "archived", out[0].Scenario)
}

func TestArchivedCandidates_SkipsTagsMissingFromRegistry(t *testing.T) {
	repo := baseRepo()
	repo.RegistryTags = []string{"env2-v1", "env3-v1"} // env1-v1 already gone
	out := ArchivedCandidates(repo)
	require.Empty(t, out)
}

func TestUnusedCandidates_ExcludesReferencedEnvironments(t *testing.T) {
	out := UnusedCandidates(baseRepo())
	// env2 is referenced, env3 is private (not part of this scenario but
	// still non-archived and unreferenced) -- both env2 and env3 appear
	// unless referenced; env2 is referenced so excluded, env3 unreferenced
	// so included.
	var tags []string
	for _, c := range out {
		tags = append(tags, c.Tag)
	}
	require.NotContains(t, tags, "env2-v1")
	require.Contains(t, tags, "env3-v1")
}

func TestDeactivatedOwnerCandidates(t *testing.T) {
	out := DeactivatedOwnerCandidates(baseRepo(), map[string]bool{"user1": true})
	require.Len(t, out, 1)
	require.Equal(t, "env3-v1", out[0].Tag)
	require.Equal(t, "deactivated_owner", out[0].Scenario)
}

func TestDeactivatedOwnerCandidates_IgnoresActiveOwners(t *testing.T) {
	out := DeactivatedOwnerCandidates(baseRepo(), map[string]bool{"someone-else": true})
	require.Empty(t, out)
}

func TestOrphanCandidates_RetainsOnlyTagsAbsentFromRegistry(t *testing.T) {
	refs := []OrphanReference{
		{ID: "rev9", RecordType: v1.RecordTypeRevision, Repository: "environment", Tag: "env9-v1"},
		{ID: "rev1", RecordType: v1.RecordTypeRevision, Repository: "environment", Tag: "env1-v1"},
	}
	out := OrphanCandidates(refs, []string{"env1-v1"})
	require.Len(t, out, 1)
	require.Equal(t, "rev9", out[0].ObjectID)
	require.Equal(t, "orphan_reference", out[0].Scenario)
}
