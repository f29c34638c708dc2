package chat

import (
	"encoding/json"
	"math"
	"regexp"
	"strings"
	"time"
)

// ISOLayout is the canonical rendering of normalized instants (millisecond UTC).
const ISOLayout = "2006-01-02T15:04:05.000Z"

// minPlausibleYear rejects sentinel dates such as 0001-01-01.
const minPlausibleYear = 2000

// timestampFields are probed in order; the first present field wins.
var timestampFields = []string{
	"createdAt", "created_at",
	"sentAt", "sent_at",
	"messageTime", "message_time",
	"timestamp", "time",
	"createdDate", "created_date",
}

var tzSuffix = regexp.MustCompile(`(?i)(z|[+-]\d{2}:?\d{2})$`)

var parseLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999Z0700",
	"2006-01-02T15:04Z07:00",
}

// NormalizeTimestamp extracts the creation instant of rec.
func NormalizeTimestamp(rec Record) (time.Time, bool) {
	return normalizeFields(rec, timestampFields)
}

// NormalizeTimestampString is NormalizeTimestamp rendered with ISOLayout.
func NormalizeTimestampString(rec Record) (string, bool) {
	t, ok := NormalizeTimestamp(rec)
	if !ok {
		return "", false
	}
	return FormatISO(t), true
}

// FormatISO renders t in the canonical UTC form.
func FormatISO(t time.Time) string { return t.UTC().Format(ISOLayout) }

func normalizeFields(rec Record, fields []string) (time.Time, bool) {
	v, ok := rec.first(fields)
	if !ok {
		return time.Time{}, false
	}
	return CoerceTime(v)
}

// CoerceTime converts a raw JSON value into an instant.
//
// Strings without a zone designator are taken as UTC. Numbers are epoch
// milliseconds (epoch seconds below 1e11). Results before the year 2000
// are rejected.
func CoerceTime(v any) (time.Time, bool) {
	var t time.Time
	switch x := v.(type) {
	case string:
		pt, ok := ParseTime(x)
		if !ok {
			return time.Time{}, false
		}
		t = pt
	case float64:
		t = fromEpoch(x)
	case json.Number:
		f, err := x.Float64()
		if err != nil {
			return time.Time{}, false
		}
		t = fromEpoch(f)
	case int64:
		t = fromEpoch(float64(x))
	case int:
		t = fromEpoch(float64(x))
	case time.Time:
		t = x
	default:
		return time.Time{}, false
	}
	if t.IsZero() || t.UTC().Year() < minPlausibleYear {
		return time.Time{}, false
	}
	return t.UTC(), true
}

// ParseTime parses one ISO-8601 timestamp string, assuming UTC when the
// string carries no zone designator.
func ParseTime(raw string) (time.Time, bool) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return time.Time{}, false
	}
	// "2024-01-01 10:00:00" -> "2024-01-01T10:00:00"
	if len(s) > 10 && s[10] == ' ' {
		s = s[:10] + "T" + s[11:]
	}
	if len(s) == len("2006-01-02") {
		t, err := time.Parse("2006-01-02", s)
		if err != nil {
			return time.Time{}, false
		}
		return t.UTC(), true
	}
	if strings.HasSuffix(s, "z") {
		s = s[:len(s)-1] + "Z"
	}
	if !tzSuffix.MatchString(s) {
		s += "Z"
	}
	for _, layout := range parseLayouts {
		if t, err := time.Parse(layout, s); err == nil {
			return t.UTC(), true
		}
	}
	return time.Time{}, false
}

func fromEpoch(f float64) time.Time {
	if f <= 0 {
		return time.Time{}
	}
	if f < 1e11 {
		sec, frac := math.Modf(f)
		return time.Unix(int64(sec), int64(frac*1e9)).UTC()
	}
	return time.UnixMilli(int64(f)).UTC()
}
