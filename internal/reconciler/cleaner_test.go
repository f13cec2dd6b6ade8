package reconciler

import (
	"reflect"
	"strings"
	"testing"
	"unicode/utf8"

	"spoken-eval-platform/internal/config"
)

func newTestCleaner() *cleaner {
	return &cleaner{rules: config.DefaultRuleTables()}
}

func TestCleanRemovesBoilerplate(t *testing.T) {
	t.Parallel()

	c := newTestCleaner()
	got := c.Clean("I enjoy reading books. Thanks for watching")
	want := "I enjoy reading books."
	if got != want {
		t.Fatalf("Clean() = %q, want %q", got, want)
	}
}

func TestRemoveBoilerplateHandlesCaseLengthChangingRunes(t *testing.T) {
	t.Parallel()

	c := newTestCleaner()
	// İ (U+0130) shrinks and Ⱥ (U+023A) grows when lowercased, so phrase
	// offsets must come from the original text, not a lowered copy.
	for _, prefix := range []string{"İ ", "Ⱥ "} {
		in := strings.Repeat(prefix, 20) + "THANKS FOR WATCHING"
		got := c.removeBoilerplate(in)
		if !utf8.ValidString(got) {
			t.Fatalf("removeBoilerplate(%q prefix) produced invalid UTF-8: %q", prefix, got)
		}
		if strings.Contains(strings.ToLower(got), "thanks for watching") {
			t.Fatalf("removeBoilerplate(%q prefix) left the phrase in place: %q", prefix, got)
		}
		if got != strings.Repeat(prefix, 20) {
			t.Fatalf("removeBoilerplate(%q prefix) = %q, want the prefix untouched", prefix, got)
		}
	}
}

func TestCleanStripsForeignScript(t *testing.T) {
	t.Parallel()

	c := newTestCleaner()
	got := c.Clean("my hobby is 日本語のテキスト reading")
	want := "my hobby is reading"
	if got != want {
		t.Fatalf("Clean() = %q, want %q", got, want)
	}
}

func TestCleanCollapsesWordStutter(t *testing.T) {
	t.Parallel()

	c := newTestCleaner()
	// A single repeat is legitimate emphasis and stays; a run of four is
	// recognition stutter and collapses to one.
	got := c.Clean("it was very very good good good good indeed")
	want := "it was very very good indeed"
	if got != want {
		t.Fatalf("Clean() = %q, want %q", got, want)
	}
}

func TestCleanCollapsesPhraseRepeat(t *testing.T) {
	t.Parallel()

	c := newTestCleaner()
	got := c.Clean("I went to the park I went to the park with my friends")
	want := "I went to the park with my friends"
	if got != want {
		t.Fatalf("Clean() = %q, want %q", got, want)
	}
}

func TestCleanNormalizesWhitespace(t *testing.T) {
	t.Parallel()

	c := newTestCleaner()
	got := c.Clean("  hello   world \t again ")
	if got != "hello world again" {
		t.Fatalf("Clean() = %q", got)
	}
}

func TestCountImmediateRepeats(t *testing.T) {
	t.Parallel()

	if n := countImmediateRepeats("the the cat sat sat sat down"); n != 3 {
		t.Fatalf("countImmediateRepeats = %d, want 3", n)
	}
	if n := countImmediateRepeats("no repeats here"); n != 0 {
		t.Fatalf("countImmediateRepeats = %d, want 0", n)
	}
}

func TestDetectFillers(t *testing.T) {
	t.Parallel()

	c := newTestCleaner()
	got := c.detectFillers("um I think uh you know it is um fine")
	want := []string{"um", "um", "uh", "you know"}
	if !reflect.DeepEqual(got, want) {
		t.Fatalf("detectFillers = %v, want %v", got, want)
	}
}

func TestCountHallucinationMarkers(t *testing.T) {
	t.Parallel()

	c := newTestCleaner()
	if n := c.countHallucinationMarkers("thank you thank you for the answer"); n != 2 {
		t.Fatalf("countHallucinationMarkers = %d, want 2", n)
	}
}
