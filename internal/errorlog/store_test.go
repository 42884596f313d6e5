package errorlog

import (
	"context"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/storage"
)

type fakeClock struct {
	current time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{current: time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time          { return c.current }
func (c *fakeClock) Advance(d time.Duration) { c.current = c.current.Add(d) }

func newStores(t *testing.T, clock *fakeClock) map[string]Store {
	t.Helper()

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(WithMemoryNow(clock.Now)),
		"sql":    NewSQLStore(db, WithSQLNow(clock.Now)),
	}
}

func TestStore_AppendDefaults(t *testing.T) {
	clock := newFakeClock()
	for name, store := range newStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			entry := &Entry{LoggerName: "worker", Message: "no handler registered"}

			if err := store.Append(ctx, entry); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if entry.ID == 0 {
				t.Error("Append() did not assign an id")
			}
			if !entry.Timestamp.Equal(clock.Now()) {
				t.Errorf("Timestamp = %v, want clock time", entry.Timestamp)
			}
			if entry.Level != LevelError {
				t.Errorf("Level = %q, want error default", entry.Level)
			}

			second := &Entry{Level: LevelWarning, LoggerName: "worker", Message: "slow handler"}
			if err := store.Append(ctx, second); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if second.ID <= entry.ID {
				t.Errorf("ids not increasing: %d then %d", entry.ID, second.ID)
			}
		})
	}
}

func TestStore_ListFilters(t *testing.T) {
	clock := newFakeClock()
	for name, store := range newStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			seed := []Entry{
				{Level: LevelError, LoggerName: "worker", Message: "first"},
				{Level: LevelWarning, LoggerName: "dispatcher", Message: "second"},
				{Level: LevelError, LoggerName: "automation", Message: "third"},
			}
			var cut time.Time
			for i := range seed {
				if err := store.Append(ctx, &seed[i]); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
				clock.Advance(time.Hour)
				if i == 0 {
					cut = clock.Now()
				}
			}

			all, err := store.List(ctx, ListFilter{})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(all) != 3 || all[0].Message != "third" || all[2].Message != "first" {
				t.Errorf("List() order wrong: %+v", messages(all))
			}

			errorsOnly, err := store.List(ctx, ListFilter{Level: LevelError})
			if err != nil {
				t.Fatalf("List(level) error = %v", err)
			}
			if len(errorsOnly) != 2 {
				t.Errorf("List(level=error) returned %d entries, want 2", len(errorsOnly))
			}

			recent, err := store.List(ctx, ListFilter{Since: cut})
			if err != nil {
				t.Fatalf("List(since) error = %v", err)
			}
			if len(recent) != 2 || recent[0].Message != "third" {
				t.Errorf("List(since) = %v", messages(recent))
			}

			limited, err := store.List(ctx, ListFilter{Limit: 1})
			if err != nil {
				t.Fatalf("List(limit) error = %v", err)
			}
			if len(limited) != 1 || limited[0].Message != "third" {
				t.Errorf("List(limit 1) = %v", messages(limited))
			}
		})
	}
}

func TestStore_Prune(t *testing.T) {
	clock := newFakeClock()
	for name, store := range newStores(t, clock) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			old := &Entry{LoggerName: "worker", Message: "old"}
			if err := store.Append(ctx, old); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			clock.Advance(72 * time.Hour)
			fresh := &Entry{LoggerName: "worker", Message: "fresh"}
			if err := store.Append(ctx, fresh); err != nil {
				t.Fatalf("Append() error = %v", err)
			}

			pruned, err := store.Prune(ctx, 24*time.Hour)
			if err != nil {
				t.Fatalf("Prune() error = %v", err)
			}
			if pruned != 1 {
				t.Errorf("Prune() removed %d entries, want 1", pruned)
			}

			left, err := store.List(ctx, ListFilter{})
			if err != nil {
				t.Fatalf("List() error = %v", err)
			}
			if len(left) != 1 || left[0].Message != "fresh" {
				t.Errorf("surviving entries = %v", messages(left))
			}
		})
	}
}

func TestRecordSwallowsNilStore(t *testing.T) {
	// Must not panic.
	Record(context.Background(), nil, nil, Entry{Message: "ignored"})
}

func messages(entries []*Entry) []string {
	out := make([]string, len(entries))
	for i, e := range entries {
		out[i] = e.Message
	}
	return out
}
