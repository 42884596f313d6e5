// Package history persists the append-only, turn-structured message log.
package history

import (
	"context"
	"fmt"
	"time"

	"github.com/stewardhq/steward/pkg/models"
)

// Store is the interface for message-history persistence.
type Store interface {
	// Append validates and stores a message, assigning its internal id.
	// The assigned id and defaulted timestamp are reflected back onto msg.
	Append(ctx context.Context, msg *models.Message) (int64, error)

	// Get returns a single message by internal id.
	Get(ctx context.Context, internalID int64) (*models.Message, error)

	// Recent returns the most recent messages for a conversation in
	// chronological order, bounded by opts.
	Recent(ctx context.Context, interfaceType models.InterfaceType, conversationID string, opts RecentOptions) ([]*models.Message, error)

	// ByTurn returns all messages that share a turn id, in insert order.
	ByTurn(ctx context.Context, turnID string) ([]*models.Message, error)
}

// RecentOptions bounds a Recent query.
type RecentOptions struct {
	// MaxMessages caps the number of returned messages. Zero means the
	// default of 50.
	MaxMessages int
	// MaxAge excludes messages older than now-MaxAge. Zero disables the
	// age filter.
	MaxAge time.Duration
}

const defaultMaxMessages = 50

func (o RecentOptions) limit() int {
	if o.MaxMessages <= 0 {
		return defaultMaxMessages
	}
	return o.MaxMessages
}

// validate enforces the structural invariants of a history row.
func validate(msg *models.Message) error {
	if msg == nil {
		return fmt.Errorf("message is required")
	}
	if msg.ConversationID == "" {
		return fmt.Errorf("conversation id is required")
	}
	if msg.InterfaceType == "" {
		return fmt.Errorf("interface type is required")
	}
	switch msg.Role {
	case models.RoleUser, models.RoleAssistant, models.RoleTool, models.RoleSystem:
	default:
		return fmt.Errorf("invalid role %q", msg.Role)
	}
	if msg.Role == models.RoleTool && msg.ToolCallID == "" {
		return fmt.Errorf("tool message requires tool_call_id")
	}
	if msg.Role != models.RoleTool && msg.ToolCallID != "" {
		return fmt.Errorf("tool_call_id is only valid on tool messages")
	}
	if len(msg.ToolCalls) > 0 && msg.Role != models.RoleAssistant {
		return fmt.Errorf("tool_calls are only valid on assistant messages")
	}
	return nil
}
