package filter_test

import (
	"errors"
	"testing"

	"github.com/theia-log/theia/event"
	"github.com/theia-log/theia/filter"
)

func strp(s string) *string { return &s }
func i64p(v int64) *int64   { return &v }

func TestCompileEmptyDescriptorMatchesEverything(t *testing.T) {
	pred, err := filter.Compile(filter.Descriptor{})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	e := event.Event{ID: "x", Source: "y", Timestamp: 12345, Content: []byte("anything")}
	if !pred(e) {
		t.Fatalf("expected empty filter to match everything")
	}
}

func TestCompileInvalidRegex(t *testing.T) {
	_, err := filter.Compile(filter.Descriptor{ID: strp("[")})
	if err == nil {
		t.Fatalf("expected CompileError for invalid regex")
	}
	var ce *filter.CompileError
	if !errors.As(err, &ce) {
		t.Fatalf("expected *CompileError, got %T", err)
	}
}

// S2/S3 — tag regex and time window filtering, per spec scenarios.
func TestTagRegexAndTimeWindow(t *testing.T) {
	events := []event.Event{
		{ID: "1", Timestamp: 100, Tags: []string{"web"}},
		{ID: "2", Timestamp: 200, Tags: []string{"web", "prod"}},
		{ID: "3", Timestamp: 300, Tags: []string{"db"}},
	}

	tagPred, err := filter.Compile(filter.Descriptor{Tags: []string{"web.*"}})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	var matched []string
	for _, e := range events {
		if tagPred(e) {
			matched = append(matched, e.ID)
		}
	}
	if len(matched) != 2 || matched[0] != "1" || matched[1] != "2" {
		t.Fatalf("tag filter matched = %v, want [1 2]", matched)
	}

	windowPred, err := filter.Compile(filter.Descriptor{Start: i64p(150), End: i64p(250)})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	matched = nil
	for _, e := range events {
		if windowPred(e) {
			matched = append(matched, e.ID)
		}
	}
	if len(matched) != 1 || matched[0] != "2" {
		t.Fatalf("window filter matched = %v, want [2]", matched)
	}
}

func TestContentRegexMultiline(t *testing.T) {
	pred, err := filter.Compile(filter.Descriptor{Content: strp(`\[ERR\]`)})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	cases := map[string]bool{
		"ok":       false,
		"[ERR] a":  true,
		"a\n[ERR]": true,
	}
	for content, want := range cases {
		got := pred(event.Event{Content: []byte(content)})
		if got != want {
			t.Errorf("content %q: matched = %v, want %v", content, got, want)
		}
	}
}

func TestUnanchoredMatch(t *testing.T) {
	pred, err := filter.Compile(filter.Descriptor{ID: strp("bc")})
	if err != nil {
		t.Fatalf("Compile: %v", err)
	}
	if !pred(event.Event{ID: "abcd"}) {
		t.Fatalf("expected unanchored substring match")
	}
}

func TestEffectiveOrderDefaultsAscending(t *testing.T) {
	d := filter.Descriptor{}
	if d.EffectiveOrder() != filter.Asc {
		t.Fatalf("default order = %v, want asc", d.EffectiveOrder())
	}
	d.Order = filter.Desc
	if d.EffectiveOrder() != filter.Desc {
		t.Fatalf("order = %v, want desc", d.EffectiveOrder())
	}
}
