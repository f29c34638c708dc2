package chat

import (
	"encoding/json"
	"testing"
	"time"
)

func TestNormalizeTimestampVariants(t *testing.T) {
	t.Parallel()
	want := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	tests := []struct {
		name string
		rec  Record
		want time.Time
		ok   bool
	}{
		{name: "naive is utc", rec: Record{"createdAt": "2024-01-01T00:00:00"}, want: want, ok: true},
		{name: "explicit z", rec: Record{"createdAt": "2024-01-01T00:00:00Z"}, want: want, ok: true},
		{name: "lowercase z", rec: Record{"createdAt": "2024-01-01T00:00:00z"}, want: want, ok: true},
		{name: "offset", rec: Record{"created_at": "2024-01-01T02:00:00+02:00"}, want: want, ok: true},
		{name: "offset no colon", rec: Record{"created_at": "2024-01-01T02:00:00+0200"}, want: want, ok: true},
		{name: "space separator", rec: Record{"sentAt": " 2024-01-01 00:00:00 "}, want: want, ok: true},
		{name: "fraction", rec: Record{"sent_at": "2024-01-01T00:00:00.250"}, want: want.Add(250 * time.Millisecond), ok: true},
		{name: "epoch millis", rec: Record{"timestamp": float64(want.UnixMilli())}, want: want, ok: true},
		{name: "epoch seconds", rec: Record{"time": json.Number("1704067200")}, want: want, ok: true},
		{name: "epoch seconds fraction", rec: Record{"time": json.Number("1704067200.5")}, want: want.Add(500 * time.Millisecond), ok: true},
		{name: "epoch seconds past int64 nanos", rec: Record{"time": json.Number("10000000000")}, want: time.Unix(10_000_000_000, 0).UTC(), ok: true},
		{name: "date only", rec: Record{"createdDate": "2024-01-01"}, want: want, ok: true},
		{name: "sentinel year", rec: Record{"createdAt": "0001-01-01T00:00:00"}},
		{name: "pre 2000", rec: Record{"createdAt": "1999-12-31T23:59:59Z"}},
		{name: "garbage", rec: Record{"createdAt": "yesterday"}},
		{name: "empty", rec: Record{"createdAt": ""}},
		{name: "no fields", rec: Record{"content": "hi"}},
		{name: "nil record", rec: nil},
		{name: "wrong type", rec: Record{"createdAt": []any{1, 2}}},
		{name: "null skipped", rec: Record{"createdAt": nil, "sentAt": "2024-01-01T00:00:00Z"}, want: want, ok: true},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			got, ok := NormalizeTimestamp(tt.rec)
			if ok != tt.ok {
				t.Fatalf("ok = %v, want %v (got %v)", ok, tt.ok, got)
			}
			if ok && !got.Equal(tt.want) {
				t.Fatalf("NormalizeTimestamp = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestNormalizeFirstPresentFieldWins(t *testing.T) {
	t.Parallel()
	// createdAt is unparseable; later candidates are not consulted.
	rec := Record{"createdAt": "not a date", "sentAt": "2024-01-01T00:00:00Z"}
	if _, ok := NormalizeTimestamp(rec); ok {
		t.Fatal("expected no result when the first present field is invalid")
	}
}

func TestNaiveAndExplicitUTCAgree(t *testing.T) {
	t.Parallel()
	a, ok := NormalizeTimestampString(Record{"createdAt": "2024-05-06T07:08:09.123"})
	if !ok {
		t.Fatal("naive timestamp rejected")
	}
	b, ok := NormalizeTimestampString(Record{"createdAt": "2024-05-06T07:08:09.123Z"})
	if !ok {
		t.Fatal("explicit utc timestamp rejected")
	}
	if a != b || a != "2024-05-06T07:08:09.123Z" {
		t.Fatalf("naive=%q explicit=%q", a, b)
	}
}
