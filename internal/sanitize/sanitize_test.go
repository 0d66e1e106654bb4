package sanitize

import "testing"

func TestIdempotent(t *testing.T) {
	inputs := []string{
		"Hello [1] world [source] (Source: nowhere) http://example.com **bold** # Header\n- bullet\nSources:\n",
		"Plain sentence with no artifacts.",
		"【citation】text 〔more〕 done.",
		"Multiple\n\n\nblank lines here",
	}
	for _, in := range inputs {
		once := Clean(in)
		twice := Clean(once)
		if once != twice {
			t.Errorf("not idempotent for %q: once=%q twice=%q", in, once, twice)
		}
	}
}

func TestStripsMarkdownLinkKeepingLabel(t *testing.T) {
	got := Clean("See [the docs](https://example.com/docs) for more.")
	if got != "See the docs for more." {
		t.Fatalf("got %q", got)
	}
}

func TestStripsBareURL(t *testing.T) {
	got := Clean("Visit https://example.com/path now.")
	if containsAny(got, "http://", "https://") {
		t.Fatalf("expected URL stripped, got %q", got)
	}
}

func TestStripsNumericCitations(t *testing.T) {
	got := Clean("This is a fact [1] and another [2, 3].")
	if containsAny(got, "[1]", "[2") {
		t.Fatalf("expected citations stripped, got %q", got)
	}
}

func TestStripsCJKBrackets(t *testing.T) {
	got := Clean("值得注意的是【来源1】这件事")
	if containsAny(got, "【", "】") {
		t.Fatalf("expected CJK brackets stripped, got %q", got)
	}
}

func TestStripsSourceHeaderOnlyLines(t *testing.T) {
	got := Clean("Answer text.\nSources:\n1. http://example.com\n")
	if containsAny(got, "Sources:", "Quellen:") {
		t.Fatalf("expected source header stripped, got %q", got)
	}
}

func TestStripsMarkdownBulletsAndHeaders(t *testing.T) {
	got := Clean("# Title\n- item one\n* item two\n")
	if containsAny(got, "#", "- ", "* ") {
		t.Fatalf("expected markdown markers stripped, got %q", got)
	}
}

func TestCollapsesDuplicatePunctuation(t *testing.T) {
	got := Clean("Really??  Yes!!")
	if containsAny(got, "??", "!!") {
		t.Fatalf("expected duplicated punctuation collapsed, got %q", got)
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if len(sub) > 0 && indexOf(s, sub) >= 0 {
			return true
		}
	}
	return false
}

func indexOf(s, sub string) int {
	for i := 0; i+len(sub) <= len(s); i++ {
		if s[i:i+len(sub)] == sub {
			return i
		}
	}
	return -1
}
