// Package shaper reduces a raw Loki query_range result into one of four
// response shapes bounded for an agent's token budget: raw, truncated,
// summary, or an automatically selected "smart" combination of the three.
package shaper

import (
	"sort"
	"strconv"
	"strings"
	"time"
)

// Mode selects how a raw result is shaped.
type Mode string

const (
	ModeRaw       Mode = "raw"
	ModeTruncated Mode = "truncated"
	ModeSummary   Mode = "summary"
	ModeSmart     Mode = "smart"
)

// ParseMode parses a mode string case-insensitively, returning ModeSmart
// for an empty or unrecognized input.
func ParseMode(s string) Mode {
	switch Mode(strings.ToLower(s)) {
	case ModeRaw:
		return ModeRaw
	case ModeTruncated:
		return ModeTruncated
	case ModeSummary:
		return ModeSummary
	default:
		return ModeSmart
	}
}

// resolveForLineCount applies the smart-mode thresholds: raw at <=50,
// truncated at 51-500, summary beyond that. Non-smart modes pass through.
func resolveForLineCount(requested Mode, lineCount int) Mode {
	if requested != ModeSmart {
		return requested
	}
	switch {
	case lineCount <= 50:
		return ModeRaw
	case lineCount <= 500:
		return ModeTruncated
	default:
		return ModeSummary
	}
}

// LogEntry is a single flattened log line pulled from a Loki stream.
type LogEntry struct {
	Timestamp string            `json:"timestamp"`
	Line      string            `json:"line"`
	Stream    map[string]string `json:"stream"`
}

// RawResult is the subset of a Loki query_range response the shaper reads.
type RawResult struct {
	Result []RawStream `json:"result"`
}

// RawStream is one stream entry within a Loki query_range response.
type RawStream struct {
	Stream map[string]string `json:"stream"`
	Values [][2]string       `json:"values"`
}

// Shaped is the artifact returned by Format: the mode actually used and its
// JSON-serializable body.
type Shaped struct {
	Mode Mode
	Body map[string]any
}

// Format shapes raw according to requested, resolving Smart against the
// flattened line count. The result is deterministic in raw and requested:
// equal inputs always produce an equal Shaped value, which is what makes
// shaped artifacts safe to cache.
func Format(requested Mode, raw RawResult, rawEnvelope any) Shaped {
	entries := flattenLogEntries(raw)
	applied := resolveForLineCount(requested, len(entries))

	switch applied {
	case ModeRaw:
		return Shaped{Mode: ModeRaw, Body: map[string]any{
			"mode":        "raw",
			"total_lines": len(entries),
			"result":      rawEnvelope,
		}}

	case ModeTruncated:
		edge := 10
		if requested == ModeSmart {
			edge = 15
		}
		lines, omitted := truncateLines(entries, edge)
		body := map[string]any{
			"mode":          "truncated",
			"total_lines":   len(entries),
			"shown_lines":   len(lines),
			"omitted_lines": omitted,
			"lines":         lines,
		}
		if requested == ModeSmart {
			summary := summaryPayload(entries, false)
			body["pattern_summary"] = summary["top_patterns"]
		}
		return Shaped{Mode: ModeTruncated, Body: body}

	case ModeSummary:
		includeSamples := requested == ModeSmart
		return Shaped{Mode: ModeSummary, Body: summaryPayload(entries, includeSamples)}

	default:
		return Shaped{Mode: ModeRaw, Body: map[string]any{
			"mode":        "raw",
			"total_lines": len(entries),
			"result":      rawEnvelope,
		}}
	}
}

func flattenLogEntries(raw RawResult) []LogEntry {
	entries := make([]LogEntry, 0, len(raw.Result))

	for _, stream := range raw.Result {
		for _, pair := range stream.Values {
			timestampNanos, line := pair[0], pair[1]
			timestamp := timestampNanos
			if converted, ok := nanosToRFC3339(timestampNanos); ok {
				timestamp = converted
			}

			entries = append(entries, LogEntry{
				Timestamp: timestamp,
				Line:      line,
				Stream:    stream.Stream,
			})
		}
	}

	return entries
}

func truncateLines(entries []LogEntry, edgeCount int) ([]LogEntry, int) {
	if len(entries) <= edgeCount*2 {
		return entries, 0
	}

	lines := make([]LogEntry, 0, edgeCount*2)
	lines = append(lines, entries[:edgeCount]...)
	lines = append(lines, entries[len(entries)-edgeCount:]...)

	omitted := len(entries) - len(lines)
	return lines, omitted
}

type patternEntry struct {
	pattern string
	count   int
	sample  LogEntry
}

func summaryPayload(entries []LogEntry, includeSamples bool) map[string]any {
	levelCounts := map[string]int{}
	patternCounts := map[string]int{}
	patternSample := map[string]LogEntry{}
	timeBuckets := map[string]int{}

	var first, last time.Time
	haveFirst, haveLast := false, false

	for _, e := range entries {
		levelCounts[detectLevel(e.Line)]++

		pattern := normalizePattern(e.Line)
		patternCounts[pattern]++
		if _, ok := patternSample[pattern]; !ok {
			patternSample[pattern] = e
		}

		if ts, ok := parseEntryTimestamp(e.Timestamp); ok {
			if !haveFirst || ts.Before(first) {
				first = ts
				haveFirst = true
			}
			if !haveLast || ts.After(last) {
				last = ts
				haveLast = true
			}
			timeBuckets[timeBucket5m(ts)]++
		}
	}

	type kv struct {
		pattern string
		count   int
	}
	sorted := make([]kv, 0, len(patternCounts))
	for p, c := range patternCounts {
		sorted = append(sorted, kv{p, c})
	}
	sort.Slice(sorted, func(i, j int) bool {
		if sorted[i].count != sorted[j].count {
			return sorted[i].count > sorted[j].count
		}
		return sorted[i].pattern < sorted[j].pattern
	})
	if len(sorted) > 10 {
		sorted = sorted[:10]
	}

	patterns := make([]map[string]any, 0, len(sorted))
	for _, entry := range sorted {
		item := map[string]any{"pattern": entry.pattern, "count": entry.count}
		if includeSamples {
			sample := patternSample[entry.pattern]
			item["sample"] = map[string]any{"timestamp": sample.Timestamp, "line": sample.Line}
		}
		patterns = append(patterns, item)
	}

	var firstOut, lastOut any
	if haveFirst {
		firstOut = first.Format(time.RFC3339Nano)
	}
	if haveLast {
		lastOut = last.Format(time.RFC3339Nano)
	}

	return map[string]any{
		"mode":                "summary",
		"total_lines":         len(entries),
		"first_timestamp":     firstOut,
		"last_timestamp":      lastOut,
		"level_breakdown":     levelCounts,
		"top_patterns":        patterns,
		"time_distribution_5m": timeBuckets,
	}
}

func nanosToRFC3339(timestampNanos string) (string, bool) {
	nanos, err := strconv.ParseInt(timestampNanos, 10, 64)
	if err != nil {
		return "", false
	}
	seconds := nanos / 1_000_000_000
	nsec := nanos % 1_000_000_000
	if nsec < 0 {
		nsec += 1_000_000_000
		seconds--
	}
	return time.Unix(seconds, nsec).UTC().Format(time.RFC3339Nano), true
}

func parseEntryTimestamp(timestamp string) (time.Time, bool) {
	if t, err := time.Parse(time.RFC3339Nano, timestamp); err == nil {
		return t.UTC(), true
	}
	if converted, ok := nanosToRFC3339(timestamp); ok {
		if t, err := time.Parse(time.RFC3339Nano, converted); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func timeBucket5m(t time.Time) string {
	seconds := t.Unix()
	bucket := seconds - (seconds % 300)
	if seconds < 0 && seconds%300 != 0 {
		bucket -= 300
	}
	return time.Unix(bucket, 0).UTC().Format(time.RFC3339Nano)
}

var levels = []string{"error", "warn", "info", "debug", "trace"}

// detectLevel checks the five known level keywords in priority order,
// defaulting to "unknown" so every line is counted in level_breakdown.
func detectLevel(line string) string {
	lower := strings.ToLower(line)
	for _, level := range levels {
		if strings.Contains(lower, level) {
			return level
		}
	}
	return "unknown"
}

// normalizePattern collapses digit runs to a single '#' and repeated
// whitespace to single spaces, so structurally identical log lines with
// different numeric payloads (ids, durations, counts) group together.
func normalizePattern(line string) string {
	var b strings.Builder
	b.Grow(len(line))
	previousWasDigit := false

	for _, r := range line {
		if r >= '0' && r <= '9' {
			if !previousWasDigit {
				b.WriteRune('#')
			}
			previousWasDigit = true
			continue
		}
		previousWasDigit = false
		b.WriteRune(r)
	}

	return strings.Join(strings.Fields(b.String()), " ")
}
