// Package timeref resolves time references and time ranges accepted by
// tool arguments into concrete UTC instants.
//
// Recognized forms, tried in order: RFC3339 absolute timestamps, symbolic
// keywords ("now", "today", "yesterday"), a small natural-language grammar
// ("since 2pm", "since 14:30"), and signed relative durations ("15m",
// "-2h") anchored at a reference instant.
package timeref

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DefaultLookback is the width of the default query window when both
// endpoints of a range are omitted.
const DefaultLookback = 30 * time.Minute

// ErrInvalidTimeReference is wrapped into every parse failure so callers can
// classify the outcome without string matching.
var ErrInvalidTimeReference = fmt.Errorf("invalid-time-reference")

// Parse resolves a single time reference relative to now, in the given
// location.
func Parse(input string, loc *time.Location, now time.Time) (time.Time, error) {
	normalized := strings.TrimSpace(input)
	if normalized == "" {
		return time.Time{}, fmt.Errorf("%w: time reference must not be empty", ErrInvalidTimeReference)
	}

	if parsed, err := time.Parse(time.RFC3339, normalized); err == nil {
		return parsed.UTC(), nil
	}

	lower := strings.ToLower(normalized)

	switch lower {
	case "now":
		return now.UTC(), nil
	case "today":
		return localMidnight(now, loc, 0)
	case "yesterday":
		return localMidnight(now, loc, -1)
	}

	if since, ok := strings.CutPrefix(lower, "since "); ok {
		return parseSince(since, loc, now)
	}

	if d, err := parseRelativeDuration(lower); err == nil {
		return now.Add(-d).UTC(), nil
	}

	return time.Time{}, fmt.Errorf("%w: %q", ErrInvalidTimeReference, input)
}

// Range resolves an optional (start, end) pair of references into a
// concrete UTC range. A missing end defaults to now; a missing start
// defaults to end - DefaultLookback. start must not be after end.
func Range(start, end *string, loc *time.Location, now time.Time) (time.Time, time.Time, error) {
	endTime := now.UTC()
	if end != nil {
		t, err := Parse(*end, loc, now)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		endTime = t
	}

	startTime := endTime.Add(-DefaultLookback)
	if start != nil {
		t, err := Parse(*start, loc, endTime)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		startTime = t
	}

	if startTime.After(endTime) {
		return time.Time{}, time.Time{}, fmt.Errorf("start time must be less than or equal to end time: start=%s end=%s",
			startTime.Format(time.RFC3339), endTime.Format(time.RFC3339))
	}

	return startTime, endTime, nil
}

func localMidnight(now time.Time, loc *time.Location, dayOffset int) (time.Time, error) {
	local := now.In(loc)
	y, m, d := local.Date()
	midnight, err := resolveLocal(y, m, d+dayOffset, 0, 0, 0, loc)
	if err != nil {
		return time.Time{}, err
	}
	return midnight.UTC(), nil
}

func parseSince(input string, loc *time.Location, now time.Time) (time.Time, error) {
	hour, minute, err := parseTimeOfDay(input)
	if err != nil {
		return time.Time{}, err
	}

	local := now.In(loc)
	y, m, d := local.Date()
	candidate, err := resolveLocal(y, m, d, hour, minute, 0, loc)
	if err != nil {
		return time.Time{}, err
	}

	if candidate.After(now) {
		candidate, err = resolveLocal(y, m, d-1, hour, minute, 0, loc)
		if err != nil {
			return time.Time{}, err
		}
	}

	return candidate.UTC(), nil
}

// resolveLocal builds a local wall-clock time and rejects or disambiguates
// daylight-saving transitions instead of letting time.Date silently
// normalize them: a wall clock that a spring-forward gap skips entirely is
// an error, and a wall clock a fall-back repeats resolves to the earlier
// of its two possible UTC instants, mirroring the reference
// implementation's LocalResult::Ambiguous(first, _)/LocalResult::None
// handling.
func resolveLocal(y int, m time.Month, d, hour, minute, sec int, loc *time.Location) (time.Time, error) {
	candidate := time.Date(y, m, d, hour, minute, sec, 0, loc)

	cy, cm, cd := candidate.Date()
	ch, cmin, cs := candidate.Clock()
	if cy != y || cm != m || cd != d || ch != hour || cmin != minute || cs != sec {
		return time.Time{}, fmt.Errorf("%w: %04d-%02d-%02d %02d:%02d:%02d does not exist in %s (daylight saving time gap)",
			ErrInvalidTimeReference, y, int(m), d, hour, minute, sec, loc)
	}

	if start, _ := candidate.ZoneBounds(); !start.IsZero() {
		prevInstant := start.Add(-time.Nanosecond)
		_, prevOffset := prevInstant.Zone()
		alt := time.Date(y, m, d, hour, minute, sec, 0, time.FixedZone("prev", prevOffset))
		if alt.Before(start) && alt.Before(candidate) {
			return alt, nil
		}
	}

	return candidate, nil
}

// parseTimeOfDay accepts "2pm", "2:30pm", "14:30", or "14".
func parseTimeOfDay(input string) (hour, minute int, err error) {
	compact := strings.ToLower(strings.ReplaceAll(strings.TrimSpace(input), " ", ""))
	if compact == "" {
		return 0, 0, fmt.Errorf("%w: unsupported time-of-day format: %q", ErrInvalidTimeReference, input)
	}

	if strings.HasSuffix(compact, "am") || strings.HasSuffix(compact, "pm") {
		meridiem := compact[len(compact)-2:]
		timePart := compact[:len(compact)-2]

		hourText, minuteText := timePart, "0"
		if idx := strings.IndexByte(timePart, ':'); idx >= 0 {
			hourText, minuteText = timePart[:idx], timePart[idx+1:]
		}

		hour12, herr := strconv.Atoi(hourText)
		min, merr := strconv.Atoi(minuteText)
		if herr != nil || merr != nil || hour12 < 1 || hour12 > 12 || min < 0 || min > 59 {
			return 0, 0, fmt.Errorf("%w: unsupported time-of-day format: %q", ErrInvalidTimeReference, input)
		}

		hour24 := hour12 % 12
		if meridiem == "pm" {
			hour24 += 12
		}
		return hour24, min, nil
	}

	if idx := strings.IndexByte(compact, ':'); idx >= 0 {
		h, herr := strconv.Atoi(compact[:idx])
		min, merr := strconv.Atoi(compact[idx+1:])
		if herr != nil || merr != nil || h < 0 || h > 23 || min < 0 || min > 59 {
			return 0, 0, fmt.Errorf("%w: unsupported time-of-day format: %q", ErrInvalidTimeReference, input)
		}
		return h, min, nil
	}

	h, herr := strconv.Atoi(compact)
	if herr != nil || h < 0 || h > 23 {
		return 0, 0, fmt.Errorf("%w: unsupported time-of-day format: %q", ErrInvalidTimeReference, input)
	}
	return h, 0, nil
}

// parseRelativeDuration parses a signed magnitude+unit string ("15m",
// "-2h", "250ms") into a positive duration to subtract from the reference
// instant. A leading "-" is accepted for parity with absolute-offset
// notation but does not change direction: this grammar only expresses
// "ago", matching how every caller of a relative time reference uses it.
func parseRelativeDuration(input string) (time.Duration, error) {
	compact := strings.TrimSpace(input)
	compact = strings.TrimPrefix(compact, "-")
	compact = strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, compact)

	if compact == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}

	splitIdx := -1
	for i, r := range compact {
		if r < '0' || r > '9' {
			splitIdx = i
			break
		}
	}
	if splitIdx <= 0 {
		return 0, fmt.Errorf("duration must include a numeric value and a unit suffix")
	}

	valueText, unit := compact[:splitIdx], strings.ToLower(compact[splitIdx:])
	amount, err := strconv.ParseInt(valueText, 10, 64)
	if err != nil || amount <= 0 {
		return 0, fmt.Errorf("invalid duration value: %s", valueText)
	}

	switch unit {
	case "ms":
		return time.Duration(amount) * time.Millisecond, nil
	case "s":
		return time.Duration(amount) * time.Second, nil
	case "m":
		return time.Duration(amount) * time.Minute, nil
	case "h":
		return time.Duration(amount) * time.Hour, nil
	case "d":
		return time.Duration(amount) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported duration unit: %s", unit)
	}
}

// ParseStdDuration parses an unsigned magnitude+unit string used in
// configuration values (ttl, timeout fields), supporting the same
// ms/s/m/h/d unit set as relative time references.
func ParseStdDuration(input string) (time.Duration, error) {
	compact := strings.Map(func(r rune) rune {
		if r == ' ' || r == '\t' {
			return -1
		}
		return r
	}, strings.TrimSpace(input))

	if compact == "" {
		return 0, fmt.Errorf("duration must not be empty")
	}

	splitIdx := -1
	for i, r := range compact {
		if r < '0' || r > '9' {
			splitIdx = i
			break
		}
	}
	if splitIdx <= 0 {
		return 0, fmt.Errorf("duration must include a numeric value and a unit suffix")
	}

	valueText, unit := compact[:splitIdx], strings.ToLower(compact[splitIdx:])
	amount, err := strconv.ParseUint(valueText, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("invalid duration value: %s", valueText)
	}

	switch unit {
	case "ms":
		return time.Duration(amount) * time.Millisecond, nil
	case "s":
		return time.Duration(amount) * time.Second, nil
	case "m":
		return time.Duration(amount) * time.Minute, nil
	case "h":
		return time.Duration(amount) * time.Hour, nil
	case "d":
		return time.Duration(amount) * 24 * time.Hour, nil
	default:
		return 0, fmt.Errorf("unsupported duration unit: %s", unit)
	}
}
