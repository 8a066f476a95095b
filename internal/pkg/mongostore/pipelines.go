package mongostore

import (
	"context"
	"fmt"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"

	v1 "github.com/dominodatalab/registry-gc/internal/pkg/api/v1"
	"github.com/dominodatalab/registry-gc/internal/pkg/log"
)

// Aggregator runs the seven usage pipelines against a MongoDB database,
// grounded on the teacher's use of a single typed client wrapper around
// *mongo.Client for its catalog lookups, generalized here to Domino's
// control-plane collections.
type Aggregator struct {
	db  *mongo.Database
	log log.Logger
}

func NewAggregator(db *mongo.Database, logger log.Logger) *Aggregator {
	return &Aggregator{db: db, log: logger}
}

// Run executes all seven pipelines and returns the consolidated snapshot.
// Pipelines are independent and read-only; a failure in one is logged and
// that source is left empty rather than aborting the whole run, since a
// partial snapshot is still useful to the usage resolver's other sources.
func (a *Aggregator) Run(ctx context.Context) (*Snapshot, error) {
	snap := emptySnapshot()
	snap.GeneratedAt = time.Now()

	type job struct {
		name string
		fn   func(context.Context) (map[string][]v1.UsageExample, error)
	}
	jobs := []job{
		{"models", a.runModels},
		{"workspace", a.runWorkspace},
		{"runs", a.runRuns},
		{"projects", a.runProjects},
		{"scheduler_jobs", a.runSchedulerJobs},
		{"organizations", a.runOrganizations},
		{"app_versions", a.runAppVersions},
	}

	for _, j := range jobs {
		records, err := j.fn(ctx)
		if err != nil {
			a.log.Warn("usage pipeline %s failed, leaving source empty: %v", j.name, err)
			continue
		}
		switch j.name {
		case "models":
			snap.Models = records
		case "workspace":
			snap.Workspaces = records
		case "runs":
			snap.Runs = records
		case "projects":
			snap.Projects = records
		case "scheduler_jobs":
			snap.SchedulerJobs = records
		case "organizations":
			snap.Organizations = records
		case "app_versions":
			snap.AppVersions = records
		}
	}

	return snap, nil
}

// EnsureFresh loads the snapshot at path, re-running the pipelines and
// persisting the result if it is absent or older than maxAge.
func (a *Aggregator) EnsureFresh(ctx context.Context, path string, maxAge time.Duration) (*Snapshot, error) {
	existing, err := Load(path)
	if err != nil {
		return nil, fmt.Errorf("loading existing usage snapshot: %w", err)
	}
	if existing.IsFresh(time.Now(), maxAge) {
		return existing, nil
	}
	a.log.Info("usage snapshot at %s stale or absent, re-running pipelines", path)
	fresh, err := a.Run(ctx)
	if err != nil {
		return nil, err
	}
	if err := SaveAtomic(path, fresh); err != nil {
		return nil, fmt.Errorf("persisting usage snapshot: %w", err)
	}
	return fresh, nil
}

// runModels: for each non-archived model, join to its versions, then to
// orchestration sagas. The latest terminal saga per version is computed
// but not used by the projection; every joined version yields a record.
func (a *Aggregator) runModels(ctx context.Context) (map[string][]v1.UsageExample, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"isArchived": bson.M{"$ne": true}}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         "model_versions",
			"localField":   "_id",
			"foreignField": "modelId.value",
			"as":           "versions",
		}}},
		{{Key: "$unwind", Value: "$versions"}},
		{{Key: "$lookup", Value: bson.M{
			"from":         "sagas",
			"localField":   "versions._id",
			"foreignField": "resourceId.value",
			"as":           "sagas",
		}}},
		{{Key: "$addFields", Value: bson.M{
			"latestTerminalSaga": bson.M{"$last": bson.M{
				"$filter": bson.M{
					"input": "$sagas",
					"as":    "s",
					"cond":  bson.M{"$in": bson.A{"$$s.status", bson.A{"succeeded", "failed"}}},
				},
			}},
		}}},
		{{Key: "$project", Value: bson.M{
			"slugTag":     "$versions.metadata.builds.slug.image.tag",
			"revisionTag": "$versions.metadata.builds.environmentRevision.dockerImageName.tag",
			"owner":       "$ownerId.value",
			"createdAt":   "$versions.created",
		}}},
	}
	return a.aggregateToExamples(ctx, "models", pipeline, func(raw bson.M) (string, v1.UsageExample, bool) {
		tag, _ := raw["slugTag"].(string)
		if tag == "" {
			tag, _ = raw["revisionTag"].(string)
		}
		if tag == "" {
			return "", v1.UsageExample{}, false
		}
		return tag, exampleFrom(raw, "owner", "createdAt"), true
	})
}

// runWorkspace: for each stopped/deleted workspace, emit the session and
// project-default environment tags plus workspace_last_change. No other
// tag fields (such as compute-cluster images) are read.
func (a *Aggregator) runWorkspace(ctx context.Context) (map[string][]v1.UsageExample, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$match", Value: bson.M{"status": bson.M{"$in": bson.A{"Stopped", "Deleted"}}}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         "workspace_session",
			"localField":   "_id",
			"foreignField": "workspaceId.value",
			"as":           "sessions",
		}}},
		{{Key: "$project", Value: bson.M{
			"sessionTag": "$environment.revisionImage.tag",
			"projectTag": "$environment.defaultEnvironment.revisionImage.tag",
			"owner":      "$ownerId.value",
			"lastChange": "$workspaceLastChange",
		}}},
	}
	merged := map[string][]v1.UsageExample{}
	for _, field := range []string{"sessionTag", "projectTag"} {
		field := field
		out, err := a.aggregateToExamples(ctx, "workspace", pipeline, func(raw bson.M) (string, v1.UsageExample, bool) {
			tag, _ := raw[field].(string)
			if tag == "" {
				return "", v1.UsageExample{}, false
			}
			return tag, exampleFrom(raw, "owner", "lastChange"), true
		})
		if err != nil {
			return nil, err
		}
		for tag, exs := range out {
			merged[tag] = append(merged[tag], exs...)
		}
	}
	return merged, nil
}

// runRuns: resolve the concrete environment revision used per execution
// record and emit started/completed/last_used timestamps.
func (a *Aggregator) runRuns(ctx context.Context) (map[string][]v1.UsageExample, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$project", Value: bson.M{
			"revisionTag": "$environment.revision.dockerImageName.tag",
			"owner":       "$startedBy.value",
			"started":     "$started",
			"completed":   "$completed",
			"lastUsed":    "$lastUsed",
		}}},
	}
	return a.aggregateToExamples(ctx, "runs", pipeline, func(raw bson.M) (string, v1.UsageExample, bool) {
		tag, _ := raw["revisionTag"].(string)
		if tag == "" {
			return "", v1.UsageExample{}, false
		}
		ts := firstNonZero(raw, "lastUsed", "completed", "started")
		return tag, v1.UsageExample{ID: stringField(raw, "owner"), Owner: stringField(raw, "owner"), Timestamp: ts}, true
	})
}

func (a *Aggregator) runProjects(ctx context.Context) (map[string][]v1.UsageExample, error) {
	return a.runConfigSource(ctx, "projects", "defaultEnvironmentId.value", "ownerId.value")
}

func (a *Aggregator) runSchedulerJobs(ctx context.Context) (map[string][]v1.UsageExample, error) {
	return a.runConfigSource(ctx, "scheduler_jobs", "environmentId.value", "userId.value")
}

func (a *Aggregator) runOrganizations(ctx context.Context) (map[string][]v1.UsageExample, error) {
	return a.runConfigSource(ctx, "organizations", "defaultEnvironmentId.value", "ownerId.value")
}

func (a *Aggregator) runAppVersions(ctx context.Context) (map[string][]v1.UsageExample, error) {
	return a.runConfigSource(ctx, "app_versions", "environmentRevisionId.value", "ownerId.value")
}

// runConfigSource resolves a referenced environment to its active revision's
// image tag; these sources have no timestamps and are always in-use.
func (a *Aggregator) runConfigSource(ctx context.Context, collection, envIDField, ownerField string) (map[string][]v1.UsageExample, error) {
	pipeline := mongo.Pipeline{
		{{Key: "$lookup", Value: bson.M{
			"from":         "environments_v2",
			"localField":   envIDField,
			"foreignField": "_id",
			"as":           "env",
		}}},
		{{Key: "$unwind", Value: bson.M{"path": "$env", "preserveNullAndEmptyArrays": false}}},
		{{Key: "$lookup", Value: bson.M{
			"from":         "environment_revisions",
			"localField":   "env.activeRevisionId.value",
			"foreignField": "_id",
			"as":           "revision",
		}}},
		{{Key: "$unwind", Value: bson.M{"path": "$revision", "preserveNullAndEmptyArrays": true}}},
		{{Key: "$project", Value: bson.M{
			"tag":   "$revision.metadata.dockerImageName.tag",
			"owner": "$" + ownerField,
		}}},
	}
	return a.aggregateToExamples(ctx, collection, pipeline, func(raw bson.M) (string, v1.UsageExample, bool) {
		tag, _ := raw["tag"].(string)
		if tag == "" {
			return "", v1.UsageExample{}, false
		}
		return tag, v1.UsageExample{ID: stringField(raw, "owner"), Owner: stringField(raw, "owner")}, true
	})
}

func (a *Aggregator) aggregateToExamples(
	ctx context.Context,
	collection string,
	pipeline mongo.Pipeline,
	project func(bson.M) (tag string, ex v1.UsageExample, ok bool),
) (map[string][]v1.UsageExample, error) {
	cur, err := a.db.Collection(collection).Aggregate(ctx, pipeline)
	if err != nil {
		return nil, fmt.Errorf("aggregating %s: %w", collection, err)
	}
	defer cur.Close(ctx)

	out := map[string][]v1.UsageExample{}
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return nil, fmt.Errorf("decoding %s record: %w", collection, err)
		}
		tag, ex, ok := project(raw)
		if !ok {
			continue
		}
		out[tag] = append(out[tag], ex)
	}
	if err := cur.Err(); err != nil {
		return nil, fmt.Errorf("iterating %s cursor: %w", collection, err)
	}
	return out, nil
}

func stringField(raw bson.M, key string) string {
	s, _ := raw[key].(string)
	return s
}

func firstNonZero(raw bson.M, keys ...string) time.Time {
	for _, k := range keys {
		if t, ok := raw[k].(time.Time); ok && !t.IsZero() {
			return t
		}
	}
	return time.Time{}
}

func exampleFrom(raw bson.M, ownerKey, tsKey string) v1.UsageExample {
	ts, _ := raw[tsKey].(time.Time)
	return v1.UsageExample{ID: stringField(raw, ownerKey), Owner: stringField(raw, ownerKey), Timestamp: ts}
}
