package models

import (
	"encoding/json"
	"time"
)

// InterfaceType identifies the surface a conversation runs on.
type InterfaceType string

const (
	InterfaceAPI       InterfaceType = "api"
	InterfaceA2A       InterfaceType = "a2a"
	InterfaceCLI       InterfaceType = "cli"
	InterfaceScheduler InterfaceType = "scheduler"
)

// Role indicates the message author type.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleSystem    Role = "system"
	RoleTool      Role = "tool"
)

// Message is one row of the append-only conversation history.
//
// Messages produced within a single orchestrator invocation share a TurnID.
// Tool messages carry the ToolCallID they answer; assistant messages carry
// the ToolCalls they requested.
type Message struct {
	InternalID         int64           `json:"internal_id,omitempty"`
	InterfaceType      InterfaceType   `json:"interface_type"`
	ConversationID     string          `json:"conversation_id"`
	InterfaceMessageID string          `json:"interface_message_id,omitempty"` // transport-native id
	TurnID             string          `json:"turn_id,omitempty"`
	ThreadRootID       *int64          `json:"thread_root_id,omitempty"`
	Timestamp          time.Time       `json:"timestamp"`
	Role               Role            `json:"role"`
	Content            string          `json:"content"`
	ToolCalls          []ToolCall      `json:"tool_calls,omitempty"`
	ToolCallID         string          `json:"tool_call_id,omitempty"`
	ReasoningInfo      json.RawMessage `json:"reasoning_info,omitempty"` // provider-opaque
	ErrorTraceback     string          `json:"error_traceback,omitempty"`
	Attachments        []Attachment    `json:"attachments,omitempty"`
}

// ToolCall represents an LLM's request to execute a tool.
type ToolCall struct {
	ID    string          `json:"id"`
	Name  string          `json:"name"`
	Input json.RawMessage `json:"input"`
}

// Attachment is the message-facing view of a registry entry.
type Attachment struct {
	ID          string `json:"id"`
	MimeType    string `json:"mime_type,omitempty"`
	Filename    string `json:"filename,omitempty"`
	Description string `json:"description,omitempty"`
	Size        int64  `json:"size,omitempty"`
	URL         string `json:"url,omitempty"`
}

// ContentPart is one piece of a trigger: plain text or inline binary data.
type ContentPart struct {
	Type     string `json:"type"` // "text" or "data"
	Text     string `json:"text,omitempty"`
	Data     []byte `json:"data,omitempty"`
	MimeType string `json:"mime_type,omitempty"`
	Filename string `json:"filename,omitempty"`
}

// TextPart builds a text content part.
func TextPart(text string) ContentPart {
	return ContentPart{Type: "text", Text: text}
}

// DataPart builds an inline-binary content part.
func DataPart(data []byte, mimeType, filename string) ContentPart {
	return ContentPart{Type: "data", Data: data, MimeType: mimeType, Filename: filename}
}

// JoinText concatenates the text parts, newline separated.
func JoinText(parts []ContentPart) string {
	var out string
	for _, p := range parts {
		if p.Type != "text" || p.Text == "" {
			continue
		}
		if out != "" {
			out += "\n"
		}
		out += p.Text
	}
	return out
}
