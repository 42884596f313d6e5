// Package a2a implements the agent-to-agent wire protocol: JSON-RPC 2.0
// over HTTP with SSE streaming, agent-card discovery, and a durable task
// store mirroring the protocol task states.
package a2a

import (
	"encoding/json"
	"fmt"
)

// JSON-RPC 2.0 error codes, plus the A2A-specific range.
const (
	CodeParseError     = -32700
	CodeInvalidRequest = -32600
	CodeMethodNotFound = -32601
	CodeInvalidParams  = -32602
	CodeInternalError  = -32603

	CodeTaskNotFound      = -32001
	CodeTaskNotCancelable = -32002
)

// RPC method names.
const (
	MethodMessageSend   = "message/send"
	MethodMessageStream = "message/stream"
	MethodTasksGet      = "tasks/get"
	MethodTasksCancel   = "tasks/cancel"
)

// Request is a JSON-RPC 2.0 request envelope.
type Request struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// Response is a JSON-RPC 2.0 response envelope.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *Error          `json:"error,omitempty"`
}

// Error is a JSON-RPC 2.0 error object.
type Error struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *Error) Error() string {
	return fmt.Sprintf("a2a error %d: %s", e.Code, e.Message)
}

// Errorf builds an Error with a formatted message.
func Errorf(code int, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// TaskState is the lifecycle state of a protocol task.
type TaskState string

const (
	StateSubmitted TaskState = "submitted"
	StateWorking   TaskState = "working"
	StateCompleted TaskState = "completed"
	StateFailed    TaskState = "failed"
	StateCanceled  TaskState = "canceled"
)

// Terminal reports whether a task in this state will never change again.
func (s TaskState) Terminal() bool {
	return s == StateCompleted || s == StateFailed || s == StateCanceled
}

// Task is the wire representation of a protocol task.
type Task struct {
	ID        string     `json:"id"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Artifacts []Artifact `json:"artifacts,omitempty"`
	History   []Message  `json:"history,omitempty"`
	Kind      string     `json:"kind"`
}

// TaskStatus carries the state plus an optional explanatory message.
type TaskStatus struct {
	State     TaskState `json:"state"`
	Message   *Message  `json:"message,omitempty"`
	Timestamp string    `json:"timestamp,omitempty"`
}

// Message roles on the wire.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
)

// Message is a protocol message: a role plus content parts.
type Message struct {
	Role      string `json:"role"`
	Parts     []Part `json:"parts"`
	MessageID string `json:"messageId,omitempty"`
	TaskID    string `json:"taskId,omitempty"`
	ContextID string `json:"contextId,omitempty"`
	Kind      string `json:"kind,omitempty"`
}

// Part kinds.
const (
	PartText = "text"
	PartFile = "file"
	PartData = "data"
)

// Part is one piece of message or artifact content.
type Part struct {
	Kind string `json:"kind"`

	// Text part.
	Text string `json:"text,omitempty"`

	// File part: inline bytes or a reference.
	File *FilePart `json:"file,omitempty"`

	// Data part: structured payload.
	Data any `json:"data,omitempty"`
}

// FilePart is an inline or referenced binary.
type FilePart struct {
	Name     string `json:"name,omitempty"`
	MimeType string `json:"mimeType,omitempty"`
	Bytes    []byte `json:"bytes,omitempty"`
	URI      string `json:"uri,omitempty"`
}

// TextPart builds a text part.
func TextPart(text string) Part {
	return Part{Kind: PartText, Text: text}
}

// Artifact is a task output.
type Artifact struct {
	ArtifactID string `json:"artifactId"`
	Name       string `json:"name,omitempty"`
	Parts      []Part `json:"parts"`
}

// MessageSendParams are the parameters of message/send and message/stream.
type MessageSendParams struct {
	Message  Message        `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// TaskQueryParams are the parameters of tasks/get.
type TaskQueryParams struct {
	ID string `json:"id"`
}

// TaskCancelParams are the parameters of tasks/cancel.
type TaskCancelParams struct {
	ID string `json:"id"`
}

// StatusUpdateEvent is the streaming status envelope. Final marks the last
// event of the stream.
type StatusUpdateEvent struct {
	TaskID    string     `json:"taskId"`
	ContextID string     `json:"contextId"`
	Status    TaskStatus `json:"status"`
	Final     bool       `json:"final"`
	Kind      string     `json:"kind"`
}

// ArtifactUpdateEvent is the streaming artifact envelope. Append chunks
// extend the artifact; LastChunk carries the consolidated result.
type ArtifactUpdateEvent struct {
	TaskID    string   `json:"taskId"`
	ContextID string   `json:"contextId"`
	Artifact  Artifact `json:"artifact"`
	Append    bool     `json:"append,omitempty"`
	LastChunk bool     `json:"lastChunk,omitempty"`
	Kind      string   `json:"kind"`
}

// AgentCard is the discovery document served under /.well-known.
type AgentCard struct {
	Name               string            `json:"name"`
	Description        string            `json:"description"`
	URL                string            `json:"url"`
	Version            string            `json:"version"`
	Capabilities       AgentCapabilities `json:"capabilities"`
	Skills             []AgentSkill      `json:"skills"`
	DefaultInputModes  []string          `json:"defaultInputModes"`
	DefaultOutputModes []string          `json:"defaultOutputModes"`
}

// AgentCapabilities advertises optional protocol features.
type AgentCapabilities struct {
	Streaming              bool `json:"streaming"`
	PushNotifications      bool `json:"pushNotifications"`
	StateTransitionHistory bool `json:"stateTransitionHistory"`
}

// AgentSkill is one advertised capability, derived from a processing
// profile.
type AgentSkill struct {
	ID          string   `json:"id"`
	Name        string   `json:"name"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
}
