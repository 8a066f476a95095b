package main

import (
	"context"
	"fmt"

	"go.mongodb.org/mongo-driver/bson"
)

// mongoCleaner implements deletion.MongoCleaner directly against the
// control-plane database, enforcing the referential-integrity guards
// spec.md §4.7 step 9 names for each record type: a guard failure is
// reported as (false, nil), "not an error, log as skip" rather than a
// cleanup failure.
type mongoCleaner struct {
	d *deps
}

func (d *deps) mongoCleaner() *mongoCleaner { return &mongoCleaner{d: d} }

func (c *mongoCleaner) CleanupVersion(ctx context.Context, id string) (bool, error) {
	return c.deleteByID(ctx, "model_versions", id)
}

func (c *mongoCleaner) CleanupRevision(ctx context.Context, id string) (bool, error) {
	stillClonedFrom, err := c.d.mongo.Collection("model_versions").CountDocuments(ctx, bson.D{{Key: "environmentRevisionId.value", Value: id}})
	if err != nil {
		return false, fmt.Errorf("checking model_versions referencing revision %s: %w", id, err)
	}
	if stillClonedFrom > 0 {
		return false, nil
	}
	return c.deleteByID(ctx, "environment_revisions", id)
}

func (c *mongoCleaner) CleanupModel(ctx context.Context, id string) (bool, error) {
	stillReferenced, err := c.d.mongo.Collection("model_versions").CountDocuments(ctx, bson.D{{Key: "modelId.value", Value: id}})
	if err != nil {
		return false, fmt.Errorf("checking model_versions referencing model %s: %w", id, err)
	}
	if stillReferenced > 0 {
		return false, nil
	}
	return c.deleteByID(ctx, "models", id)
}

func (c *mongoCleaner) CleanupEnvironment(ctx context.Context, id string) (bool, error) {
	revisionsRemain, err := c.d.mongo.Collection("environment_revisions").CountDocuments(ctx, bson.D{{Key: "environmentId.value", Value: id}})
	if err != nil {
		return false, fmt.Errorf("checking environment_revisions referencing environment %s: %w", id, err)
	}
	if revisionsRemain > 0 {
		return false, nil
	}
	modelsRemain, err := c.d.mongo.Collection("models").CountDocuments(ctx, bson.D{{Key: "isArchived", Value: false}, {Key: "defaultEnvironmentId.value", Value: id}})
	if err != nil {
		return false, fmt.Errorf("checking non-archived models referencing environment %s: %w", id, err)
	}
	if modelsRemain > 0 {
		return false, nil
	}
	return c.deleteByID(ctx, "environments_v2", id)
}

func (c *mongoCleaner) deleteByID(ctx context.Context, collection, id string) (bool, error) {
	res, err := c.d.mongo.Collection(collection).DeleteOne(ctx, bson.D{{Key: "_id", Value: id}})
	if err != nil {
		return false, fmt.Errorf("deleting %s %s: %w", collection, id, err)
	}
	return res.DeletedCount > 0, nil
}
