// Package filter compiles a JSON filter descriptor into a pure,
// concurrency-safe Predicate shared by the historical store.search path
// and the live broker dispatch path.
//
// Regex flavor: Go's regexp package (RE2 — linear time, no backreferences
// or lookaround). All patterns are matched unanchored, i.e. "find"
// semantics, never implicitly anchored to the full string.
package filter

import (
	"fmt"
	"math"
	"regexp"

	"github.com/theia-log/theia/event"
)

// Order selects the direction a find query walks historical events in.
type Order string

const (
	Asc  Order = "asc"
	Desc Order = "desc"
)

// Descriptor is the wire shape of a filter, decoded straight from filter
// JSON (spec §6). All present fields are conjunctive (AND); absent
// fields match everything.
type Descriptor struct {
	ID      *string  `json:"id,omitempty"`
	Source  *string  `json:"source,omitempty"`
	Content *string  `json:"content,omitempty"`
	Tags    []string `json:"tags,omitempty"`
	Start   *int64   `json:"start,omitempty"`
	End     *int64   `json:"end,omitempty"`
	Order   Order    `json:"order,omitempty"`
}

// EffectiveOrder returns the descriptor's order, defaulting to ascending.
func (d Descriptor) EffectiveOrder() Order {
	if d.Order == Desc {
		return Desc
	}
	return Asc
}

// CompileError indicates a filter descriptor's regex fields failed to
// compile.
type CompileError struct {
	Field  string
	Reason string
}

func (e *CompileError) Error() string {
	return fmt.Sprintf("filter: compile %s: %s", e.Field, e.Reason)
}

// Predicate is the compiled, pure form of a filter. It retains no state
// between calls and is safe for concurrent invocation.
type Predicate func(e event.Event) bool

// Compile compiles a descriptor's regex fields once and returns a
// Predicate. Each present regex is compiled exactly once; a bad pattern
// is reported as a CompileError naming the offending field.
func Compile(d Descriptor) (Predicate, error) {
	idRE, err := compileField("id", d.ID)
	if err != nil {
		return nil, err
	}
	sourceRE, err := compileField("source", d.Source)
	if err != nil {
		return nil, err
	}
	contentRE, err := compileField("content", d.Content)
	if err != nil {
		return nil, err
	}
	tagREs := make([]*regexp.Regexp, 0, len(d.Tags))
	for i, pattern := range d.Tags {
		re, err := regexp.Compile(pattern)
		if err != nil {
			return nil, &CompileError{Field: fmt.Sprintf("tags[%d]", i), Reason: err.Error()}
		}
		tagREs = append(tagREs, re)
	}

	start, end := boundsOf(d)

	return func(e event.Event) bool {
		// 1. start/end timestamp bounds (inclusive, integer floor).
		ts := int64(math.Floor(e.Timestamp))
		if ts < start || ts > end {
			return false
		}
		// 2. id regex.
		if idRE != nil && !idRE.MatchString(e.ID) {
			return false
		}
		// 3. source regex.
		if sourceRE != nil && !sourceRE.MatchString(e.Source) {
			return false
		}
		// 4. tags: OR across regexes and across tags, stop at first hit.
		if len(tagREs) > 0 {
			if !anyTagMatches(tagREs, e.Tags) {
				return false
			}
		}
		// 5. content regex (checked last — most expensive).
		if contentRE != nil && !contentRE.Match(e.Content) {
			return false
		}
		return true
	}, nil
}

func compileField(name string, pattern *string) (*regexp.Regexp, error) {
	if pattern == nil {
		return nil, nil
	}
	re, err := regexp.Compile(*pattern)
	if err != nil {
		return nil, &CompileError{Field: name, Reason: err.Error()}
	}
	return re, nil
}

func anyTagMatches(res []*regexp.Regexp, tags []string) bool {
	for _, re := range res {
		for _, tag := range tags {
			if re.MatchString(tag) {
				return true
			}
		}
	}
	return false
}

// boundsOf returns the inclusive [start, end] integer-second window a
// descriptor restricts to, defaulting to the full range of int64 when a
// bound is absent.
func boundsOf(d Descriptor) (start, end int64) {
	start = math.MinInt64
	end = math.MaxInt64
	if d.Start != nil {
		start = *d.Start
	}
	if d.End != nil {
		end = *d.End
	}
	return start, end
}
