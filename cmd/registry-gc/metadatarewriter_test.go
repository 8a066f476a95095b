package main

import "testing"

func TestRewritePrefix(t *testing.T) {
	cases := []struct {
		value, newPrefix, want string
	}{
		{"domino-abc123", "my-ecr-repo/dominodatalab", "my-ecr-repo/dominodatalab/domino-abc123"},
		{"dominodatalab/environment", "my-ecr-repo/dominodatalab", "my-ecr-repo/dominodatalab/dominodatalab/environment"},
		{"my-ecr-repo/dominodatalab/domino-abc123", "my-ecr-repo/dominodatalab", "my-ecr-repo/dominodatalab/domino-abc123"},
	}
	for _, c := range cases {
		if got := rewritePrefix(c.value, c.newPrefix); got != c.want {
			t.Errorf("rewritePrefix(%q, %q) = %q, want %q", c.value, c.newPrefix, got, c.want)
		}
	}
}

func TestRegexpQuoteMeta(t *testing.T) {
	if got := regexpQuoteMeta("my-ecr.repo/domino+data"); got != `my-ecr\.repo/domino\+data` {
		t.Errorf("got %q", got)
	}
}
