// Package candidates implements C6: the four deletion scenarios, each
// producing a list of registry tags nominated for deletion. Grounded on
// the teacher's declarative image-set filtering (catalog/operator
// selection by criteria), generalized to archive-record selection over
// Domino's environment/model hierarchy.
package candidates

import (
	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/tagresolver"
)

// Repository is the set of archive records and registry facts a scenario
// needs. Populating it is the caller's job (a thin MongoDB + registry
// adapter); the scenario logic itself is pure and mongo-agnostic so it can
// be tested without a database.
type Repository struct {
	// Environments and Models hold every non-archived-filtered record; the
	// scenario methods below do their own archived/non-archived split.
	Environments []v1.ArchiveRecord // RecordTypeEnvironment
	Revisions    []v1.ArchiveRecord // RecordTypeRevision, ParentID = environment ID
	Models       []v1.ArchiveRecord // RecordTypeModel
	Versions     []v1.ArchiveRecord // RecordTypeVersion, ParentID = model ID

	// RevisionTags/VersionTags map a revision/version ID to its own
	// registry tag, used to resolve archived parent matches down to the
	// specific child per C4.
	RevisionTags map[string]string
	VersionTags  map[string]string

	// RegistryTags is the full current tag universe for the repositories in
	// scope, used to intersect candidate IDs with what actually exists.
	RegistryTags []string

	// ReferencedEnvironmentIDs holds every environment ID touched by a
	// configuration source, a workspace/session direct reference, or a
	// user's defaultEnvironmentId -- the "used" side of the Unused scenario.
	ReferencedEnvironmentIDs map[string]bool
}

func (r Repository) revisionsOf(environmentID string) []v1.ArchiveRecord {
	var out []v1.ArchiveRecord
	for _, rev := range r.Revisions {
		if rev.ParentID == environmentID {
			out = append(out, rev)
		}
	}
	return out
}

func (r Repository) versionsOf(modelID string) []v1.ArchiveRecord {
	var out []v1.ArchiveRecord
	for _, v := range r.Versions {
		if v.ParentID == modelID {
			out = append(out, v)
		}
	}
	return out
}

func registryTagSet(tags []string) map[string]bool {
	set := make(map[string]bool, len(tags))
	for _, t := range tags {
		set[t] = true
	}
	return set
}

// ArchivedCandidates implements the "archived envs/models" scenario: for
// every archived environment/model, expand to revisions/versions and
// intersect with the current registry tag universe.
func ArchivedCandidates(repo Repository) []v1.CandidateItem {
	tagSet := registryTagSet(repo.RegistryTags)
	var out []v1.CandidateItem

	for _, env := range repo.Environments {
		if !env.IsArchived {
			continue
		}
		for _, rev := range repo.revisionsOf(env.ID) {
			tag := repo.RevisionTags[rev.ID]
			if tag == "" || !tagSet[tag] {
				continue
			}
			out = append(out, v1.CandidateItem{
				ObjectID:   rev.ID,
				ImageType:  v1.ImageTypeEnvironment,
				Tag:        tag,
				RecordType: v1.RecordTypeRevision,
				Scenario:   "archived",
			})
		}
	}

	for _, model := range repo.Models {
		if !model.IsArchived {
			continue
		}
		for _, ver := range repo.versionsOf(model.ID) {
			tag := repo.VersionTags[ver.ID]
			if tag == "" || !tagSet[tag] {
				continue
			}
			out = append(out, v1.CandidateItem{
				ObjectID:   ver.ID,
				ImageType:  v1.ImageTypeModel,
				Tag:        tag,
				RecordType: v1.RecordTypeVersion,
				Scenario:   "archived",
			})
		}
	}

	return out
}

// UnusedCandidates implements the "unused envs" scenario: among
// non-archived environments, any environment ID not present in
// ReferencedEnvironmentIDs is unused.
func UnusedCandidates(repo Repository) []v1.CandidateItem {
	tagSet := registryTagSet(repo.RegistryTags)
	var out []v1.CandidateItem

	for _, env := range repo.Environments {
		if env.IsArchived {
			continue
		}
		if repo.ReferencedEnvironmentIDs[env.ID] {
			continue
		}
		for _, rev := range repo.revisionsOf(env.ID) {
			tag := repo.RevisionTags[rev.ID]
			if tag == "" || !tagSet[tag] {
				continue
			}
			out = append(out, v1.CandidateItem{
				ObjectID:   rev.ID,
				ImageType:  v1.ImageTypeEnvironment,
				Tag:        tag,
				RecordType: v1.RecordTypeRevision,
				Scenario:   "unused",
			})
		}
	}

	return out
}

// DeactivatedOwnerCandidates implements the "deactivated-owner private
// envs" scenario: among private environments owned by a deactivated user,
// expand to revisions present in the registry.
func DeactivatedOwnerCandidates(repo Repository, deactivatedUserIDs map[string]bool) []v1.CandidateItem {
	tagSet := registryTagSet(repo.RegistryTags)
	var out []v1.CandidateItem

	for _, env := range repo.Environments {
		if !env.IsPrivate || !deactivatedUserIDs[env.OwnerUserID] {
			continue
		}
		for _, rev := range repo.revisionsOf(env.ID) {
			tag := repo.RevisionTags[rev.ID]
			if tag == "" || !tagSet[tag] {
				continue
			}
			out = append(out, v1.CandidateItem{
				ObjectID:   rev.ID,
				ImageType:  v1.ImageTypeEnvironment,
				Tag:        tag,
				RecordType: v1.RecordTypeRevision,
				Scenario:   "deactivated_owner",
			})
		}
	}

	return out
}

// OrphanReference is a registry tag/repository pair found embedded in a
// MongoDB document's image-reference fields (environment_revisions'
// dockerImageName, or model_versions' build slug image).
type OrphanReference struct {
	ID         string
	RecordType v1.RecordType
	Repository string
	Tag        string
}

// OrphanCandidates implements the "orphan MongoDB references" scenario:
// retain references whose tag is absent from the registry's current tag
// universe -- the registry blob is already gone, but the MongoDB metadata
// field still names it, so there is nothing to delete in the registry but
// the stale reference is reported for Mongo-side cleanup.
func OrphanCandidates(refs []OrphanReference, registryTags []string) []v1.CandidateItem {
	tagSet := registryTagSet(registryTags)
	var out []v1.CandidateItem
	for _, ref := range refs {
		if tagSet[ref.Tag] {
			continue
		}
		imgType := v1.ImageTypeEnvironment
		if ref.RecordType == v1.RecordTypeVersion {
			imgType = v1.ImageTypeModel
		}
		out = append(out, v1.CandidateItem{
			ObjectID:   ref.ID,
			ImageType:  imgType,
			Tag:        ref.Tag,
			FullImage:  ref.Repository + ":" + ref.Tag,
			RecordType: ref.RecordType,
			Scenario:   "orphan_reference",
		})
	}
	return out
}

// ResolveToChild narrows a parent-ID candidate match down to its specific
// revision/version using C4, when the caller has only a parent-level
// archive record and the full child list.
func ResolveToChild(tag string, parentID string, revisions []tagresolver.Revision, versions []tagresolver.Version, isModel bool) string {
	if isModel {
		return tagresolver.ResolveModelMatch(tag, parentID, versions)
	}
	return tagresolver.ResolveEnvironmentMatch(tag, parentID, revisions)
}
