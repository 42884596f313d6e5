package history

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stewardhq/steward/internal/storage"
	"github.com/stewardhq/steward/pkg/models"
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

func userMsg(conversationID, content string) *models.Message {
	return &models.Message{
		InterfaceType:  models.InterfaceAPI,
		ConversationID: conversationID,
		Role:           models.RoleUser,
		Content:        content,
	}
}

func TestStore_AppendAssignsIDAndTimestamp(t *testing.T) {
	for name, store := range newStores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			msg := userMsg("conv-1", "hello")
			id, err := store.Append(ctx, msg)
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			if id == 0 {
				t.Error("Append() assigned id 0")
			}
			if msg.InternalID != id {
				t.Errorf("msg.InternalID = %d, want %d", msg.InternalID, id)
			}
			if msg.Timestamp.IsZero() {
				t.Error("Append() left timestamp zero")
			}

			got, err := store.Get(ctx, id)
			if err != nil {
				t.Fatalf("Get() error = %v", err)
			}
			if got.Content != "hello" {
				t.Errorf("Content = %q, want %q", got.Content, "hello")
			}
			if got.Role != models.RoleUser {
				t.Errorf("Role = %q, want user", got.Role)
			}
		})
	}
}

func TestStore_AppendValidation(t *testing.T) {
	tests := []struct {
		name string
		msg  *models.Message
	}{
		{
			name: "tool role without tool_call_id",
			msg: &models.Message{
				InterfaceType:  models.InterfaceAPI,
				ConversationID: "conv-1",
				Role:           models.RoleTool,
				Content:        "result",
			},
		},
		{
			name: "tool_call_id on user role",
			msg: &models.Message{
				InterfaceType:  models.InterfaceAPI,
				ConversationID: "conv-1",
				Role:           models.RoleUser,
				Content:        "hi",
				ToolCallID:     "call-1",
			},
		},
		{
			name: "tool_calls on user role",
			msg: &models.Message{
				InterfaceType:  models.InterfaceAPI,
				ConversationID: "conv-1",
				Role:           models.RoleUser,
				ToolCalls:      []models.ToolCall{{ID: "call-1", Name: "search"}},
			},
		},
		{
			name: "missing conversation",
			msg: &models.Message{
				InterfaceType: models.InterfaceAPI,
				Role:          models.RoleUser,
				Content:       "hi",
			},
		},
		{
			name: "invalid role",
			msg: &models.Message{
				InterfaceType:  models.InterfaceAPI,
				ConversationID: "conv-1",
				Role:           "robot",
			},
		},
	}

	for name, store := range newStores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			for _, tt := range tests {
				t.Run(tt.name, func(t *testing.T) {
					if _, err := store.Append(context.Background(), tt.msg); err == nil {
						t.Error("Append() succeeded, want validation error")
					}
				})
			}
		})
	}
}

func TestStore_ThreadRootMustExist(t *testing.T) {
	for name, store := range newStores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			missing := int64(999)
			msg := userMsg("conv-1", "reply")
			msg.ThreadRootID = &missing
			if _, err := store.Append(ctx, msg); err == nil {
				t.Fatal("Append() succeeded with dangling thread root")
			}

			rootID, err := store.Append(ctx, userMsg("conv-1", "root"))
			if err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			reply := userMsg("conv-1", "reply")
			reply.ThreadRootID = &rootID
			if _, err := store.Append(ctx, reply); err != nil {
				t.Errorf("Append() with existing root error = %v", err)
			}
		})
	}
}

func TestStore_RecentOrderAndLimit(t *testing.T) {
	for name, store := range newStores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			for _, content := range []string{"one", "two", "three"} {
				if _, err := store.Append(ctx, userMsg("conv-1", content)); err != nil {
					t.Fatalf("Append() error = %v", err)
				}
			}
			// A different conversation must not leak in.
			if _, err := store.Append(ctx, userMsg("conv-2", "other")); err != nil {
				t.Fatalf("Append() error = %v", err)
			}

			got, err := store.Recent(ctx, models.InterfaceAPI, "conv-1", RecentOptions{MaxMessages: 2})
			if err != nil {
				t.Fatalf("Recent() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("Recent() returned %d messages, want 2", len(got))
			}
			if got[0].Content != "two" || got[1].Content != "three" {
				t.Errorf("Recent() = [%q, %q], want chronological [two, three]", got[0].Content, got[1].Content)
			}
		})
	}
}

func TestStore_RecentMaxAge(t *testing.T) {
	current := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := func() time.Time { return current }

	for name, store := range newStores(t, now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			old := userMsg("conv-1", "stale")
			old.Timestamp = current.Add(-48 * time.Hour)
			if _, err := store.Append(ctx, old); err != nil {
				t.Fatalf("Append() error = %v", err)
			}
			fresh := userMsg("conv-1", "fresh")
			fresh.Timestamp = current.Add(-1 * time.Hour)
			if _, err := store.Append(ctx, fresh); err != nil {
				t.Fatalf("Append() error = %v", err)
			}

			got, err := store.Recent(ctx, models.InterfaceAPI, "conv-1", RecentOptions{MaxAge: 24 * time.Hour})
			if err != nil {
				t.Fatalf("Recent() error = %v", err)
			}
			if len(got) != 1 || got[0].Content != "fresh" {
				t.Errorf("Recent() = %d messages, want only the fresh one", len(got))
			}
		})
	}
}

func TestStore_ByTurn(t *testing.T) {
	for name, store := range newStores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()

			first := userMsg("conv-1", "question")
			first.TurnID = "turn-1"
			if _, err := store.Append(ctx, first); err != nil {
				t.Fatalf("Append() error = %v", err)
			}

			reply := &models.Message{
				InterfaceType:  models.InterfaceAPI,
				ConversationID: "conv-1",
				TurnID:         "turn-1",
				Role:           models.RoleAssistant,
				Content:        "answer",
				ToolCalls:      []models.ToolCall{{ID: "call-1", Name: "search", Input: []byte(`{"q":"x"}`)}},
			}
			if _, err := store.Append(ctx, reply); err != nil {
				t.Fatalf("Append() error = %v", err)
			}

			unrelated := userMsg("conv-1", "later")
			unrelated.TurnID = "turn-2"
			if _, err := store.Append(ctx, unrelated); err != nil {
				t.Fatalf("Append() error = %v", err)
			}

			got, err := store.ByTurn(ctx, "turn-1")
			if err != nil {
				t.Fatalf("ByTurn() error = %v", err)
			}
			if len(got) != 2 {
				t.Fatalf("ByTurn() returned %d messages, want 2", len(got))
			}
			if got[1].Role != models.RoleAssistant || len(got[1].ToolCalls) != 1 {
				t.Errorf("ByTurn() lost tool calls: %+v", got[1])
			}
			if got[1].ToolCalls[0].Name != "search" {
				t.Errorf("ToolCalls[0].Name = %q, want search", got[1].ToolCalls[0].Name)
			}
		})
	}
}

func TestStore_GetMissing(t *testing.T) {
	for name, store := range newStores(t, time.Now) {
		t.Run(name, func(t *testing.T) {
			_, err := store.Get(context.Background(), 12345)
			if !errors.Is(err, storage.ErrNotFound) {
				t.Errorf("Get() error = %v, want ErrNotFound", err)
			}
		})
	}
}
