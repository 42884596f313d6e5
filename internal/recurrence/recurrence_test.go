package recurrence

import (
	"testing"
	"time"
)

func TestNextAfter_DailyRRule(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, ok, err := NextAfter("FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0", after, time.UTC)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	if !ok {
		t.Fatal("NextAfter() ok = false, want true")
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", next, want)
	}
}

func TestNextAfter_StrictlyAfter(t *testing.T) {
	// An occurrence exactly at the reference instant must not be returned.
	after := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	next, ok, err := NextAfter("FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0", after, time.UTC)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	if !ok {
		t.Fatal("NextAfter() ok = false, want true")
	}
	if !next.After(after) {
		t.Errorf("NextAfter() = %v, not strictly after %v", next, after)
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", next, want)
	}
}

func TestNextAfter_RRulePrefixAccepted(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, ok, err := NextAfter("RRULE:FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0", after, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextAfter() = %v, %v, %v", next, ok, err)
	}
}

func TestNextAfter_Exhausted(t *testing.T) {
	after := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	_, ok, err := NextAfter("FREQ=DAILY;UNTIL=20260101T000000Z", after, time.UTC)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	if ok {
		t.Error("NextAfter() ok = true for exhausted rule, want false")
	}
}

func TestNextAfter_Cron(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, ok, err := NextAfter("cron:0 9 * * *", after, time.UTC)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	if !ok {
		t.Fatal("NextAfter() ok = false, want true")
	}
	want := time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", next, want)
	}
}

func TestNextAfter_Every(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, ok, err := NextAfter("every:30m", after, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextAfter() = %v, %v, %v", next, ok, err)
	}
	if want := after.Add(30 * time.Minute); !next.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", next, want)
	}
}

func TestNextAfter_At(t *testing.T) {
	after := time.Date(2026, 3, 1, 10, 0, 0, 0, time.UTC)

	next, ok, err := NextAfter("at:2026-03-05T08:00:00Z", after, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextAfter() = %v, %v, %v", next, ok, err)
	}
	if want := time.Date(2026, 3, 5, 8, 0, 0, 0, time.UTC); !next.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", next, want)
	}

	// Once the instant has passed there is no further occurrence.
	_, ok, err = NextAfter("at:2026-03-05T08:00:00Z", next, time.UTC)
	if err != nil {
		t.Fatalf("NextAfter() error = %v", err)
	}
	if ok {
		t.Error("NextAfter() ok = true after the at instant, want false")
	}
}

func TestNextAfter_Timezone(t *testing.T) {
	loc, err := time.LoadLocation("America/New_York")
	if err != nil {
		t.Skipf("tzdata unavailable: %v", err)
	}
	// 13:00 UTC on 2026-03-01 is 08:00 in New York; the 09:00 local
	// occurrence is still ahead on the same day.
	after := time.Date(2026, 3, 1, 13, 0, 0, 0, time.UTC)

	next, ok, err := NextAfter("FREQ=DAILY;BYHOUR=9;BYMINUTE=0;BYSECOND=0", after, loc)
	if err != nil || !ok {
		t.Fatalf("NextAfter() = %v, %v, %v", next, ok, err)
	}
	want := time.Date(2026, 3, 1, 9, 0, 0, 0, loc)
	if !next.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", next, want)
	}
}

func TestParse_Invalid(t *testing.T) {
	tests := []string{
		"",
		"FREQ=NEVERLY",
		"cron:not a cron",
		"every:fast",
		"every:-5m",
		"at:yesterday",
	}
	for _, raw := range tests {
		t.Run(raw, func(t *testing.T) {
			if err := Validate(raw); err == nil {
				t.Errorf("Validate(%q) = nil, want error", raw)
			}
		})
	}
}

func TestNextAfter_WeeklyByDay(t *testing.T) {
	// 2026-03-02 is a Monday.
	after := time.Date(2026, 3, 3, 0, 0, 0, 0, time.UTC)

	next, ok, err := NextAfter("FREQ=WEEKLY;BYDAY=MO;BYHOUR=9;BYMINUTE=0;BYSECOND=0", after, time.UTC)
	if err != nil || !ok {
		t.Fatalf("NextAfter() = %v, %v, %v", next, ok, err)
	}
	want := time.Date(2026, 3, 9, 9, 0, 0, 0, time.UTC)
	if !next.Equal(want) {
		t.Errorf("NextAfter() = %v, want %v", next, want)
	}
}
