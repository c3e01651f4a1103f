package contextpack

import "testing"

func TestMatchGlobSingleStar(t *testing.T) {
	if !MatchGlob("pkg/*.go", "pkg/foo.go") {
		t.Error("expected pkg/*.go to match pkg/foo.go")
	}
	if MatchGlob("pkg/*.go", "pkg/sub/foo.go") {
		t.Error("expected pkg/*.go NOT to match pkg/sub/foo.go")
	}
}

func TestMatchGlobDoubleStar(t *testing.T) {
	if !MatchGlob("pkg/**/*.go", "pkg/sub/deep/foo.go") {
		t.Error("expected pkg/**/*.go to match pkg/sub/deep/foo.go")
	}
	if !MatchGlob("pkg/**", "pkg/sub/deep/foo.go") {
		t.Error("expected pkg/** to match any depth under pkg/")
	}
	if !MatchGlob("**/*.go", "foo.go") {
		t.Error("expected **/*.go to match a top-level file")
	}
}

func TestMatchGlobExactPath(t *testing.T) {
	if !MatchGlob("a/b/c.go", "a/b/c.go") {
		t.Error("expected exact path to match itself")
	}
	if MatchGlob("a/b/c.go", "a/b/d.go") {
		t.Error("expected exact path not to match a different file")
	}
}

func TestMatchAny(t *testing.T) {
	patterns := []string{"**/.git/**", "vendor/**"}
	if !MatchAny(patterns, "vendor/foo/bar.go") {
		t.Error("expected vendor/** to match vendor/foo/bar.go")
	}
	if MatchAny(patterns, "pkg/foo.go") {
		t.Error("expected pkg/foo.go not to match any exclude pattern")
	}
}
