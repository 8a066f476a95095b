package main

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/candidates"
)

// loadCandidateRepository reads the four archive-record collections plus
// the registry's current tag universe and assembles the pure,
// Mongo-agnostic candidates.Repository the scenario functions consume.
// Grounded on the same bson.D + cursor-decode shape as the usage
// aggregator's pipeline jobs (internal/pkg/mongostore/pipelines.go), one
// level simpler since these are plain finds rather than aggregations.
func (d *deps) loadCandidateRepository(ctx context.Context, registryTags []string) (candidates.Repository, error) {
	repo := candidates.Repository{
		RevisionTags: map[string]string{},
		VersionTags:  map[string]string{},
		RegistryTags: registryTags,
	}

	environments, err := d.findArchiveRecords(ctx, "environments_v2", v1.RecordTypeEnvironment)
	if err != nil {
		return repo, err
	}
	repo.Environments = environments

	revisions, err := d.findRevisions(ctx)
	if err != nil {
		return repo, err
	}
	repo.Revisions = revisions

	models, err := d.findArchiveRecords(ctx, "models", v1.RecordTypeModel)
	if err != nil {
		return repo, err
	}
	repo.Models = models

	versions, err := d.findVersions(ctx)
	if err != nil {
		return repo, err
	}
	repo.Versions = versions

	referenced, err := d.findReferencedEnvironmentIDs(ctx)
	if err != nil {
		return repo, err
	}
	repo.ReferencedEnvironmentIDs = referenced

	return repo, nil
}

// idRef decodes MongoDB's wrapped identifier fields. The control-plane
// schema stores every cross-collection reference as a {value: "..."}
// subdocument rather than a bare string -- internal/pkg/mongostore's
// aggregation pipelines already read them that way (ownerId.value,
// modelId.value, activeRevisionId.value, ...); archiveDoc follows the same
// convention so a real document actually populates these fields.
type idRef struct {
	Value string `bson:"value"`
}

type archiveDoc struct {
	ID               string `bson:"_id"`
	IsArchived       bool   `bson:"isArchived"`
	OwnerUserID      idRef  `bson:"ownerId,omitempty"`
	IsPrivate        bool   `bson:"isPrivate,omitempty"`
	EnvironmentID    idRef  `bson:"environmentId,omitempty"`
	ModelID          idRef  `bson:"modelId,omitempty"`
	ClonedRevisionID idRef  `bson:"clonedFrom,omitempty"`
}

func (d *deps) findArchiveRecords(ctx context.Context, collection string, kind v1.RecordType) ([]v1.ArchiveRecord, error) {
	cur, err := d.mongo.Collection(collection).Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("querying %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	var out []v1.ArchiveRecord
	for cur.Next(ctx) {
		var doc archiveDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding %s document: %w", collection, err)
		}
		out = append(out, v1.ArchiveRecord{
			ID:               doc.ID,
			Type:             kind,
			IsArchived:       doc.IsArchived,
			OwnerUserID:      doc.OwnerUserID.Value,
			IsPrivate:        doc.IsPrivate,
			ClonedRevisionID: doc.ClonedRevisionID.Value,
		})
	}
	return out, cur.Err()
}

func (d *deps) findRevisions(ctx context.Context) ([]v1.ArchiveRecord, error) {
	cur, err := d.mongo.Collection("environment_revisions").Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("querying environment_revisions: %w", err)
	}
	defer cur.Close(ctx)

	var out []v1.ArchiveRecord
	for cur.Next(ctx) {
		var doc archiveDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding environment_revisions document: %w", err)
		}
		out = append(out, v1.ArchiveRecord{
			ID:               doc.ID,
			Type:             v1.RecordTypeRevision,
			ParentID:         doc.EnvironmentID.Value,
			ClonedRevisionID: doc.ClonedRevisionID.Value,
			IsArchived:       doc.IsArchived,
		})
	}
	return out, cur.Err()
}

func (d *deps) findVersions(ctx context.Context) ([]v1.ArchiveRecord, error) {
	cur, err := d.mongo.Collection("model_versions").Find(ctx, bson.D{})
	if err != nil {
		return nil, fmt.Errorf("querying model_versions: %w", err)
	}
	defer cur.Close(ctx)

	var out []v1.ArchiveRecord
	for cur.Next(ctx) {
		var doc archiveDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding model_versions document: %w", err)
		}
		if doc.ModelID.Value == "" {
			continue // orphaned version, no parent to anchor a candidate on -- SPEC_FULL.md §4
		}
		out = append(out, v1.ArchiveRecord{
			ID:       doc.ID,
			Type:     v1.RecordTypeVersion,
			ParentID: doc.ModelID.Value,
		})
	}
	return out, cur.Err()
}

// findReferencedEnvironmentIDs collects every environment ID touched by a
// direct workspace/session reference or a user's defaultEnvironmentId, the
// "used" side of the unused-candidate scenario (spec.md §4.6). Only these
// three direct sources are read; configuration-source references (projects,
// scheduler jobs, organizations, app versions) are not collected here.
func (d *deps) findReferencedEnvironmentIDs(ctx context.Context) (map[string]bool, error) {
	referenced := map[string]bool{}
	sources := []struct {
		collection string
		field      string
	}{
		{"workspace", "environmentId.value"},
		{"workspace_session", "environmentId.value"},
		{"userPreferences", "defaultEnvironmentId.value"},
	}
	for _, s := range sources {
		ids, err := d.mongo.Collection(s.collection).Distinct(ctx, s.field, bson.D{})
		if err != nil {
			return nil, fmt.Errorf("collecting referenced environment ids from %s: %w", s.collection, err)
		}
		for _, id := range ids {
			if s, ok := id.(string); ok && s != "" {
				referenced[s] = true
			}
		}
	}
	return referenced, nil
}

type imageRef struct {
	Tag        string `bson:"tag"`
	Repository string `bson:"repository"`
}

type revisionImageDoc struct {
	ID       string `bson:"_id"`
	Metadata struct {
		DockerImageName imageRef `bson:"dockerImageName"`
	} `bson:"metadata"`
}

// modelVersionImageDoc projects metadata.builds[].slug.image, the array
// field migrate_registry.py's _update_model_versions also iterates one
// element at a time rather than assuming a single build.
type modelVersionImageDoc struct {
	ID       string `bson:"_id"`
	Metadata struct {
		Builds []struct {
			Slug struct {
				Image imageRef `bson:"image"`
			} `bson:"slug"`
		} `bson:"builds"`
	} `bson:"metadata"`
}

// findOrphanReferences scans environment_revisions' dockerImageName and
// model_versions' build slug images for every embedded tag/repository
// pair, grounded on delete_unused_references.py's
// extract_image_references_from_collection (original_source/python
// delete_unused_references.py:72-144), which walks exactly these two
// collection/field-path pairs to build its orphan candidate set.
func (d *deps) findOrphanReferences(ctx context.Context) ([]candidates.OrphanReference, error) {
	var out []candidates.OrphanReference

	revCur, err := d.mongo.Collection("environment_revisions").Find(ctx, bson.M{
		"metadata.dockerImageName.tag": bson.M{"$exists": true, "$ne": ""},
	})
	if err != nil {
		return nil, fmt.Errorf("querying environment_revisions image references: %w", err)
	}
	defer revCur.Close(ctx)
	for revCur.Next(ctx) {
		var doc revisionImageDoc
		if err := revCur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding environment_revisions image reference: %w", err)
		}
		img := doc.Metadata.DockerImageName
		if img.Tag == "" {
			continue
		}
		out = append(out, candidates.OrphanReference{
			ID:         doc.ID,
			RecordType: v1.RecordTypeRevision,
			Repository: img.Repository,
			Tag:        img.Tag,
		})
	}
	if err := revCur.Err(); err != nil {
		return nil, fmt.Errorf("iterating environment_revisions image references: %w", err)
	}

	verCur, err := d.mongo.Collection("model_versions").Find(ctx, bson.M{
		"metadata.builds.slug.image.tag": bson.M{"$exists": true, "$ne": ""},
	})
	if err != nil {
		return nil, fmt.Errorf("querying model_versions image references: %w", err)
	}
	defer verCur.Close(ctx)
	for verCur.Next(ctx) {
		var doc modelVersionImageDoc
		if err := verCur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding model_versions image reference: %w", err)
		}
		for _, build := range doc.Metadata.Builds {
			img := build.Slug.Image
			if img.Tag == "" {
				continue
			}
			out = append(out, candidates.OrphanReference{
				ID:         doc.ID,
				RecordType: v1.RecordTypeVersion,
				Repository: img.Repository,
				Tag:        img.Tag,
			})
		}
	}
	if err := verCur.Err(); err != nil {
		return nil, fmt.Errorf("iterating model_versions image references: %w", err)
	}

	return out, nil
}
