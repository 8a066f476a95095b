// Package tagresolver implements C4: mapping between registry tag strings
// and MongoDB identifiers. Grounded on, and reusing, the teacher's
// docker/distribution reference-parsing dependency for tag syntax
// validation, generalized from parsing image references to matching
// ObjectID-shaped tag fragments.
package tagresolver

import (
	"strings"

	"github.com/docker/distribution/reference"
)

// Shape classifies a registry tag by its canonical form (spec.md §4.4).
type Shape int

const (
	ShapeUnknown Shape = iota
	ShapeBareObjectID
	ShapeObjectIDPrefixed
	ShapeModelSlug
)

const objectIDLen = 24

// IsObjectID reports whether s looks like a 24-character hex MongoDB
// ObjectID.
func IsObjectID(s string) bool {
	if len(s) != objectIDLen {
		return false
	}
	for _, c := range s {
		if !((c >= '0' && c <= '9') || (c >= 'a' && c <= 'f') || (c >= 'A' && c <= 'F')) {
			return false
		}
	}
	return true
}

// IsValidTagSyntax reports whether tag is syntactically a valid Docker
// registry tag, using the teacher's own reference-parsing dependency
// rather than hand-rolling the character-class rule it already encodes.
func IsValidTagSyntax(tag string) bool {
	// TagRegexp is unanchored, so require the match to cover the whole tag.
	loc := reference.TagRegexp.FindStringIndex(tag)
	return loc != nil && loc[0] == 0 && loc[1] == len(tag)
}

// ClassifyTag reports which canonical shape a registry tag takes. A tag
// that fails Docker's own tag syntax is always ShapeUnknown, regardless of
// how its characters happen to line up with an ObjectID shape.
func ClassifyTag(tag string) Shape {
	if !IsValidTagSyntax(tag) {
		return ShapeUnknown
	}
	if IsObjectID(tag) {
		return ShapeBareObjectID
	}
	if len(tag) > objectIDLen && tag[objectIDLen] == '-' && IsObjectID(tag[:objectIDLen]) {
		if strings.Contains(tag[objectIDLen+1:], "_") {
			return ShapeModelSlug
		}
		return ShapeObjectIDPrefixed
	}
	return ShapeUnknown
}

// Matches reports whether tag belongs to archive id, using the shape-
// specific rule from spec.md §4.4. An ObjectID is never substring-matched
// against a tag — it must be the tag in full, or the tag's leading
// "<id>-" prefix.
func Matches(tag, id string) bool {
	if !IsObjectID(id) {
		return false
	}
	if tag == id {
		return true
	}
	return strings.HasPrefix(tag, id+"-")
}

// ObjectIDPrefix returns the ObjectID-shaped prefix of tag (the text before
// the first '-'), or "" if tag has no such prefix.
func ObjectIDPrefix(tag string) string {
	idx := strings.IndexByte(tag, '-')
	var candidate string
	if idx < 0 {
		candidate = tag
	} else {
		candidate = tag[:idx]
	}
	if IsObjectID(candidate) {
		return candidate
	}
	return ""
}

// Revision is the minimal projection of an environment_revisions document
// the resolver needs to rewrite an environment match to a revision match.
type Revision struct {
	ID  string
	Tag string // this revision's own dockerImageName.tag
}

// Version is the minimal projection of a model_versions document the
// resolver needs to rewrite a model match to a version match.
type Version struct {
	ID      string
	SlugTag string // this version's build metadata slug image tag
}

// ResolveEnvironmentMatch attempts to narrow a tag that matched an
// environment ID down to the specific revision ID whose own tag the
// registry tag corresponds to. If no revision matches, the environment ID
// is returned unchanged.
func ResolveEnvironmentMatch(tag, environmentID string, revisions []Revision) string {
	for _, r := range revisions {
		if r.Tag == tag || Matches(tag, r.ID) {
			return r.ID
		}
	}
	return environmentID
}

// ResolveModelMatch attempts to narrow a tag that matched a model ID down
// to the specific version ID whose stored slug tag equals the registry
// tag. If no version matches, the model ID is returned unchanged.
func ResolveModelMatch(tag, modelID string, versions []Version) string {
	for _, v := range versions {
		if v.SlugTag == tag {
			return v.ID
		}
	}
	return modelID
}

// MatchingTags returns every tag in allTags matched by archive id per the
// shape rule above.
func MatchingTags(allTags []string, id string) []string {
	var out []string
	for _, t := range allTags {
		if Matches(t, id) {
			out = append(out, t)
		}
	}
	return out
}
