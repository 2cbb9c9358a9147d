// Package event implements the textual wire codec for Theia log events:
// a fixed four-header preamble (id, timestamp, source, tags), any number
// of extra headers, and a verbatim content body.
package event

import (
	"bytes"
	"fmt"
	"strconv"
	"strings"
)

// Header is a single extra (non-well-known) header, preserved in the
// order it was first seen.
type Header struct {
	Name  string
	Value string
}

// Event is the atomic unit shipped from a Watcher to the Collector.
type Event struct {
	ID        string
	Timestamp float64 // fractional seconds since epoch; float64, so present-day values resolve to about 0.25µs, not to nanoseconds
	Source    string
	Tags      []string
	Content   []byte
	Extra     []Header
}

// ExtraValue returns the value of a named extra header and whether it
// was present.
func (e Event) ExtraValue(name string) (string, bool) {
	for _, h := range e.Extra {
		if h.Name == name {
			return h.Value, true
		}
	}
	return "", false
}

// ParseError indicates the input could not be decoded as an event.
type ParseError struct {
	Reason string
}

func (e *ParseError) Error() string {
	return "event: parse: " + e.Reason
}

const (
	headerID        = "id"
	headerTimestamp = "timestamp"
	headerSource    = "source"
	headerTags      = "tags"
)

// Serialize renders an event in wire format: id, timestamp, source, tags
// headers (in that fixed order), then extra headers in insertion order,
// then the content verbatim with no trailing newline added.
func Serialize(e Event) []byte {
	var b bytes.Buffer

	b.WriteString(headerID)
	b.WriteByte(':')
	b.WriteString(e.ID)
	b.WriteByte('\n')

	b.WriteString(headerTimestamp)
	b.WriteByte(':')
	b.WriteString(formatTimestamp(e.Timestamp))
	b.WriteByte('\n')

	b.WriteString(headerSource)
	b.WriteByte(':')
	b.WriteString(e.Source)
	b.WriteByte('\n')

	b.WriteString(headerTags)
	b.WriteByte(':')
	b.WriteString(JoinTags(e.Tags))
	b.WriteByte('\n')

	for _, h := range e.Extra {
		b.WriteString(h.Name)
		b.WriteByte(':')
		b.WriteString(h.Value)
		b.WriteByte('\n')
	}

	b.Write(e.Content)
	return b.Bytes()
}

// Parse decodes a wire-format event. Lines are read from the start and
// split at the first ':'; the first line without a colon (and everything
// after it, raw) becomes the content. Missing id or a missing/non-numeric
// timestamp are errors; missing source and tags are tolerated.
func Parse(data []byte) (Event, error) {
	if len(data) == 0 {
		return Event{}, &ParseError{Reason: "empty input"}
	}

	var (
		e          Event
		haveID     bool
		haveTS     bool
		extraIndex = make(map[string]int)
		pos        int
		n          = len(data)
	)

	for pos < n {
		lineStart := pos
		nl := bytes.IndexByte(data[pos:], '\n')
		var line []byte
		if nl == -1 {
			line = data[pos:]
			pos = n
		} else {
			line = data[pos : pos+nl]
			pos += nl + 1
		}

		ci := bytes.IndexByte(line, ':')
		if ci == -1 {
			e.Content = data[lineStart:]
			pos = n
			break
		}

		name := string(line[:ci])
		value := string(line[ci+1:])

		switch name {
		case headerID:
			e.ID = value
			haveID = true
		case headerTimestamp:
			ts, err := parseTimestamp(value)
			if err != nil {
				return Event{}, &ParseError{Reason: fmt.Sprintf("timestamp: %v", err)}
			}
			e.Timestamp = ts
			haveTS = true
		case headerSource:
			e.Source = value
		case headerTags:
			e.Tags = SplitTags(value)
		default:
			if i, ok := extraIndex[name]; ok {
				e.Extra[i].Value = value
			} else {
				extraIndex[name] = len(e.Extra)
				e.Extra = append(e.Extra, Header{Name: name, Value: value})
			}
		}
	}

	if !haveID {
		return Event{}, &ParseError{Reason: "missing id header"}
	}
	if !haveTS {
		return Event{}, &ParseError{Reason: "missing timestamp header"}
	}

	return e, nil
}

// parseTimestamp parses a decimal fractional-seconds value, tolerating a
// single leading space (observed from some producers).
func parseTimestamp(value string) (float64, error) {
	value = strings.TrimPrefix(value, " ")
	return strconv.ParseFloat(value, 64)
}

// SplitTags splits a comma-separated tag value, discarding empty
// elements. Shared by the wire codec and the relational store backend,
// which persists tags in the same comma-joined form.
func SplitTags(value string) []string {
	if value == "" {
		return nil
	}
	parts := strings.Split(value, ",")
	tags := make([]string, 0, len(parts))
	for _, p := range parts {
		if p == "" {
			continue
		}
		tags = append(tags, p)
	}
	return tags
}

// JoinTags renders tags back into the comma-joined wire/storage form.
func JoinTags(tags []string) string {
	return strings.Join(tags, ",")
}

// formatTimestamp renders a timestamp using the shortest decimal
// representation that round-trips exactly back to the same float64.
func formatTimestamp(ts float64) string {
	return strconv.FormatFloat(ts, 'f', -1, 64)
}
