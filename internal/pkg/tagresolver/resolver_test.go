package tagresolver

import "testing"

func TestIsObjectID(t *testing.T) {
	cases := map[string]bool{
		"507f1f77bcf86cd799439011": true,
		"507F1F77BCF86CD799439011": true,
		"507f1f77bcf86cd79943901":  false, // 23 chars
		"zzzf1f77bcf86cd799439011": false, // non-hex
		"":                         false,
	}
	for tag, want := range cases {
		if got := IsObjectID(tag); got != want {
			t.Errorf("IsObjectID(%q) = %v, want %v", tag, got, want)
		}
	}
}

func TestClassifyTag(t *testing.T) {
	cases := map[string]Shape{
		"507f1f77bcf86cd799439011":                      ShapeBareObjectID,
		"507f1f77bcf86cd799439011-v2":                   ShapeObjectIDPrefixed,
		"507f1f77bcf86cd799439011-v2-1699999999_ab12cd": ShapeModelSlug,
		"totally-unrelated-tag":                         ShapeUnknown,
	}
	for tag, want := range cases {
		if got := ClassifyTag(tag); got != want {
			t.Errorf("ClassifyTag(%q) = %v, want %v", tag, got, want)
		}
	}
}

func TestIsValidTagSyntax(t *testing.T) {
	cases := map[string]bool{
		"507f1f77bcf86cd799439011": true,
		"v2-1699999999_ab12cd":     true,
		"":                         false,
		"has a space":              false,
		"-leading-dash":            false,
	}
	for tag, want := range cases {
		if got := IsValidTagSyntax(tag); got != want {
			t.Errorf("IsValidTagSyntax(%q) = %v, want %v", tag, got, want)
		}
	}
}

func TestMatches_NeverSubstringMatches(t *testing.T) {
	id := "507f1f77bcf86cd799439011"
	// id embedded in the middle of a longer string must not match.
	if Matches("prefix-"+id+"-suffix", id) {
		t.Fatal("embedded ObjectID must not match")
	}
	if !Matches(id, id) {
		t.Fatal("exact equality must match")
	}
	if !Matches(id+"-v2", id) {
		t.Fatal("id + '-' prefix must match")
	}
}

func TestMatches_RejectsNonObjectIDQuery(t *testing.T) {
	if Matches("anything-v2", "not-an-object-id") {
		t.Fatal("a non-ObjectID query must never match")
	}
}

func TestObjectIDPrefix(t *testing.T) {
	id := "507f1f77bcf86cd799439011"
	if got := ObjectIDPrefix(id + "-v2-1699999999_ab12cd"); got != id {
		t.Errorf("got %q, want %q", got, id)
	}
	if got := ObjectIDPrefix("not-an-id-at-all"); got != "" {
		t.Errorf("expected empty prefix, got %q", got)
	}
}

func TestResolveEnvironmentMatch_NarrowsToRevision(t *testing.T) {
	env := "507f1f77bcf86cd799439011"
	revisions := []Revision{
		{ID: "revA", Tag: env + "-v1"},
		{ID: "revB", Tag: env + "-v2"},
	}
	got := ResolveEnvironmentMatch(env+"-v2", env, revisions)
	if got != "revB" {
		t.Errorf("got %q, want revB", got)
	}
}

func TestResolveEnvironmentMatch_FallsBackToEnvironmentID(t *testing.T) {
	env := "507f1f77bcf86cd799439011"
	got := ResolveEnvironmentMatch(env, env, nil)
	if got != env {
		t.Errorf("got %q, want %q", got, env)
	}
}

func TestResolveModelMatch_NarrowsToVersion(t *testing.T) {
	model := "507f1f77bcf86cd799439011"
	versions := []Version{
		{ID: "v1", SlugTag: model + "-v1-1699999999_ab12cd"},
		{ID: "v2", SlugTag: model + "-v2-1700000000_ef34gh"},
	}
	got := ResolveModelMatch(model+"-v2-1700000000_ef34gh", model, versions)
	if got != "v2" {
		t.Errorf("got %q, want v2", got)
	}
}

func TestMatchingTags(t *testing.T) {
	id := "507f1f77bcf86cd799439011"
	all := []string{id, id + "-v1", "unrelated", "other" + id}
	got := MatchingTags(all, id)
	want := []string{id, id + "-v1"}
	if len(got) != len(want) {
		t.Fatalf("got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Fatalf("got %v, want %v", got, want)
		}
	}
}
