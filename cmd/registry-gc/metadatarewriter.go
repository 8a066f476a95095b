package main

import (
	"context"
	"fmt"
	"strings"

	"go.mongodb.org/mongo-driver/bson"
)

// metadataRewriter implements migration.MetadataRewriter against the
// control-plane database, grounded on migrate_registry.py's
// update_mongodb_metadata/_update_model_versions/_replace_prefix
// (original_source/python/scripts/migrate_registry.py:295-453): three
// collection/field targets, an idempotent "doesn't already start with the
// new prefix" selector, and an unconditional newPrefix+"/"+value rewrite
// once a document is selected.
type metadataRewriter struct {
	d *deps
}

func (d *deps) metadataRewriter() *metadataRewriter { return &metadataRewriter{d: d} }

func rewritePrefix(value, newPrefix string) string {
	if strings.HasPrefix(value, newPrefix+"/") {
		return value
	}
	return newPrefix + "/" + value
}

// RewriteRepositoryPrefix rewrites the repository field every copied
// image's metadata is reachable through, across builds, environment
// revisions and model version builds. oldPrefix is accepted for parity
// with the script this is grounded on but, like _replace_prefix, does not
// gate the rewrite itself -- any value not already carrying newPrefix gets
// it prepended.
func (r *metadataRewriter) RewriteRepositoryPrefix(ctx context.Context, oldPrefix, newPrefix string) (int, error) {
	total := 0

	flat := []struct {
		collection string
		field      string
	}{
		{"builds", "image.repository"},
		{"environment_revisions", "metadata.dockerImageName.repository"},
	}
	for _, target := range flat {
		n, err := r.rewriteFlatField(ctx, target.collection, target.field, newPrefix)
		if err != nil {
			return total, err
		}
		total += n
	}

	n, err := r.rewriteModelVersionBuilds(ctx, newPrefix)
	if err != nil {
		return total, err
	}
	total += n

	return total, nil
}

func (r *metadataRewriter) rewriteFlatField(ctx context.Context, collection, field, newPrefix string) (int, error) {
	coll := r.d.mongo.Collection(collection)
	query := bson.M{field: bson.M{"$exists": true, "$not": bson.M{"$regex": "^" + regexpQuoteMeta(newPrefix)}}}

	cur, err := coll.Find(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("querying %s.%s: %w", collection, field, err)
	}
	defer cur.Close(ctx)

	modified := 0
	for cur.Next(ctx) {
		var doc bson.M
		if err := cur.Decode(&doc); err != nil {
			return modified, fmt.Errorf("decoding %s document: %w", collection, err)
		}
		current, _ := nestedString(doc, field)
		if current == "" {
			continue
		}
		updated := rewritePrefix(current, newPrefix)
		if updated == current {
			continue
		}
		if _, err := coll.UpdateOne(ctx, bson.M{"_id": doc["_id"]}, bson.M{"$set": bson.M{field: updated}}); err != nil {
			return modified, fmt.Errorf("updating %s.%s on %v: %w", collection, field, doc["_id"], err)
		}
		modified++
	}
	return modified, cur.Err()
}

func (r *metadataRewriter) rewriteModelVersionBuilds(ctx context.Context, newPrefix string) (int, error) {
	coll := r.d.mongo.Collection("model_versions")
	query := bson.M{
		"metadata.builds": bson.M{"$exists": true},
		"metadata.builds.slug.image.repository": bson.M{
			"$exists": true,
			"$not":    bson.M{"$regex": "^" + regexpQuoteMeta(newPrefix)},
		},
	}

	cur, err := coll.Find(ctx, query)
	if err != nil {
		return 0, fmt.Errorf("querying model_versions builds: %w", err)
	}
	defer cur.Close(ctx)

	modified := 0
	for cur.Next(ctx) {
		var raw bson.M
		if err := cur.Decode(&raw); err != nil {
			return modified, fmt.Errorf("decoding model_versions document: %w", err)
		}
		metadata, ok := raw["metadata"].(bson.M)
		if !ok {
			continue
		}
		builds, ok := metadata["builds"].(bson.A)
		if !ok {
			continue
		}
		changed := false
		for i, b := range builds {
			build, ok := b.(bson.M)
			if !ok {
				continue
			}
			slug, _ := build["slug"].(bson.M)
			if slug == nil {
				continue
			}
			image, _ := slug["image"].(bson.M)
			if image == nil {
				continue
			}
			repoVal, _ := image["repository"].(string)
			if repoVal == "" {
				continue
			}
			updated := rewritePrefix(repoVal, newPrefix)
			if updated == repoVal {
				continue
			}
			image["repository"] = updated
			slug["image"] = image
			build["slug"] = slug
			builds[i] = build
			changed = true
		}
		if !changed {
			continue
		}
		if _, err := coll.UpdateOne(ctx, bson.M{"_id": raw["_id"]}, bson.M{"$set": bson.M{"metadata.builds": builds}}); err != nil {
			return modified, fmt.Errorf("updating model_versions builds on %v: %w", raw["_id"], err)
		}
		modified++
	}
	return modified, cur.Err()
}

// archiveFilter implements migration.ArchiveFilter, resolving --archived /
// --unarchived to the set of registry tags belonging to environments or
// models in that archive state, via environments_v2/environment_revisions
// and models/model_versions.
type archiveFilter struct {
	d *deps
}

func (d *deps) archiveFilter() *archiveFilter { return &archiveFilter{d: d} }

func (a *archiveFilter) AllowedTags(ctx context.Context, archived bool) (map[string]bool, error) {
	allowed := map[string]bool{}

	envIDs, err := a.matchingIDs(ctx, "environments_v2", archived)
	if err != nil {
		return nil, err
	}
	if len(envIDs) > 0 {
		tags, err := a.revisionTagsFor(ctx, envIDs)
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			allowed[t] = true
		}
	}

	modelIDs, err := a.matchingIDs(ctx, "models", archived)
	if err != nil {
		return nil, err
	}
	if len(modelIDs) > 0 {
		tags, err := a.versionTagsFor(ctx, modelIDs)
		if err != nil {
			return nil, err
		}
		for _, t := range tags {
			allowed[t] = true
		}
	}

	return allowed, nil
}

func (a *archiveFilter) matchingIDs(ctx context.Context, collection string, archived bool) ([]string, error) {
	ids, err := a.d.mongo.Collection(collection).Distinct(ctx, "_id", bson.M{"isArchived": archived})
	if err != nil {
		return nil, fmt.Errorf("collecting %s ids for archived=%v: %w", collection, archived, err)
	}
	out := make([]string, 0, len(ids))
	for _, id := range ids {
		if s, ok := id.(string); ok {
			out = append(out, s)
		}
	}
	return out, nil
}

func (a *archiveFilter) revisionTagsFor(ctx context.Context, envIDs []string) ([]string, error) {
	cur, err := a.d.mongo.Collection("environment_revisions").Find(ctx, bson.M{"environmentId.value": bson.M{"$in": toAnySlice(envIDs)}})
	if err != nil {
		return nil, fmt.Errorf("querying environment_revisions for archive filter: %w", err)
	}
	defer cur.Close(ctx)

	var out []string
	for cur.Next(ctx) {
		var doc revisionImageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding environment_revisions document: %w", err)
		}
		if doc.Metadata.DockerImageName.Tag != "" {
			out = append(out, doc.Metadata.DockerImageName.Tag)
		}
	}
	return out, cur.Err()
}

func (a *archiveFilter) versionTagsFor(ctx context.Context, modelIDs []string) ([]string, error) {
	cur, err := a.d.mongo.Collection("model_versions").Find(ctx, bson.M{"modelId.value": bson.M{"$in": toAnySlice(modelIDs)}})
	if err != nil {
		return nil, fmt.Errorf("querying model_versions for archive filter: %w", err)
	}
	defer cur.Close(ctx)

	var out []string
	for cur.Next(ctx) {
		var doc modelVersionImageDoc
		if err := cur.Decode(&doc); err != nil {
			return nil, fmt.Errorf("decoding model_versions document: %w", err)
		}
		for _, build := range doc.Metadata.Builds {
			if build.Slug.Image.Tag != "" {
				out = append(out, build.Slug.Image.Tag)
			}
		}
	}
	return out, cur.Err()
}

func toAnySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func nestedString(doc bson.M, dotted string) (string, bool) {
	parts := strings.Split(dotted, ".")
	var cur any = doc
	for _, part := range parts {
		m, ok := cur.(bson.M)
		if !ok {
			return "", false
		}
		cur, ok = m[part]
		if !ok {
			return "", false
		}
	}
	s, ok := cur.(string)
	return s, ok
}

// regexpQuoteMeta escapes newPrefix for use as a Mongo $regex anchor, the
// same literal-prefix-match the python source builds with an f-string
// (which is itself not escaped -- repository prefixes are operator
// supplied path segments, not untrusted regex).
func regexpQuoteMeta(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch r {
		case '.', '*', '+', '?', '(', ')', '[', ']', '{', '}', '^', '$', '|', '\\':
			b.WriteByte('\\')
		}
		b.WriteRune(r)
	}
	return b.String()
}
