package a2a

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/storage"
)

func newStores(t *testing.T, now func() time.Time) map[string]Store {
	t.Helper()

	db, err := storage.Open(":memory:")
	if err != nil {
		t.Fatalf("failed to open database: %v", err)
	}
	t.Cleanup(func() { db.Close() })

	return map[string]Store{
		"memory": NewMemoryStore(WithMemoryNow(now)),
		"sql":    NewSQLStore(db, WithSQLNow(now)),
	}
}

func TestStore_RoundTrip(t *testing.T) {
	fixed := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	for name, store := range newStores(t, func() time.Time { return fixed }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &TaskRecord{
				TaskID:         "t1",
				ProfileID:      "default",
				ConversationID: "a2a_ctx1",
				ContextID:      "ctx1",
				Status:         StateSubmitted,
			}
			if err := store.Insert(ctx, rec); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}
			if err := store.Insert(ctx, &TaskRecord{TaskID: "t1", Status: StateSubmitted}); !errors.Is(err, storage.ErrAlreadyExists) {
				t.Errorf("duplicate Insert() error = %v, want ErrAlreadyExists", err)
			}

			got, err := store.Get(ctx, "t1")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Status != StateSubmitted || got.ProfileID != "default" || got.ContextID != "ctx1" {
				t.Errorf("Get() = %+v", got)
			}
			if !got.CreatedAt.Equal(fixed) {
				t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, fixed)
			}
		})
	}
}

func TestStore_Update(t *testing.T) {
	fixed := time.Date(2026, 4, 2, 9, 30, 0, 0, time.UTC)
	for name, store := range newStores(t, func() time.Time { return fixed }) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			rec := &TaskRecord{TaskID: "t2", Status: StateSubmitted, ContextID: "c"}
			if err := store.Insert(ctx, rec); err != nil {
				t.Fatalf("Insert() error = %v", err)
			}

			artifacts := json.RawMessage(`[{"artifactId":"a1","parts":[{"kind":"text","text":"hi"}]}]`)
			if err := store.Update(ctx, "t2", StateCompleted, artifacts, nil); err != nil {
				t.Fatalf("Update() error = %v", err)
			}

			got, err := store.Get(ctx, "t2")
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Status != StateCompleted {
				t.Errorf("Status = %q, want completed", got.Status)
			}
			task, err := wireTask(got)
			if err != nil {
				t.Fatalf("wireTask() error = %v", err)
			}
			if len(task.Artifacts) != 1 || task.Artifacts[0].Parts[0].Text != "hi" {
				t.Errorf("Artifacts = %+v", task.Artifacts)
			}

			if err := store.Update(ctx, "missing", StateFailed, nil, nil); !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("Update(missing) error = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestTaskState_Terminal(t *testing.T) {
	tests := []struct {
		state TaskState
		want  bool
	}{
		{StateSubmitted, false},
		{StateWorking, false},
		{StateCompleted, true},
		{StateFailed, true},
		{StateCanceled, true},
	}
	for _, tt := range tests {
		if got := tt.state.Terminal(); got != tt.want {
			t.Errorf("%s.Terminal() = %v, want %v", tt.state, got, tt.want)
		}
	}
}
