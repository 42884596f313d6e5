package a2a

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// messageStream serves message/stream over SSE: a working status event,
// artifact-update chunks as content arrives, a consolidated last chunk,
// and a terminal status event with final=true.
func (s *Server) messageStream(w http.ResponseWriter, r *http.Request, req *Request) {
	params, rpcErr := decodeSendParams(req.Params)
	if rpcErr != nil {
		s.countRequest(req.Method, rpcErr)
		writeRPCError(w, req.ID, rpcErr)
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		rpcErr := Errorf(CodeInternalError, "streaming unsupported by transport")
		s.countRequest(req.Method, rpcErr)
		writeRPCError(w, req.ID, rpcErr)
		return
	}

	rec, turnReq := s.newTaskRecord(params)
	if err := s.store.Insert(r.Context(), rec); err != nil {
		rpcErr := Errorf(CodeInternalError, "failed to persist task: %v", err)
		s.countRequest(req.Method, rpcErr)
		writeRPCError(w, req.ID, rpcErr)
		return
	}
	s.countRequest(req.Method, nil)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	sse := &sseWriter{w: w, flusher: flusher, id: req.ID}

	turnCtx, cancel := context.WithCancel(r.Context())
	s.track(rec.TaskID, cancel)
	defer s.untrack(rec.TaskID)

	s.setState(rec, StateWorking, nil, nil)
	sse.status(s.statusEvent(rec, StateWorking, nil, false))

	events, err := s.runner.HandleInteractionStream(turnCtx, turnReq)
	if err != nil {
		s.finishFailed(sse, rec, params, err)
		return
	}

	artifactID := s.newID()
	var text string
	var result *TurnResultEnvelope
	for evt := range events {
		switch evt.Type {
		case "content":
			first := text == ""
			text += evt.Content
			sse.artifact(ArtifactUpdateEvent{
				TaskID:    rec.TaskID,
				ContextID: rec.ContextID,
				Artifact:  Artifact{ArtifactID: artifactID, Parts: []Part{TextPart(evt.Content)}},
				Append:    !first,
				Kind:      "artifact-update",
			})
		case "tool_call":
			if evt.ToolCall != nil {
				msg := &Message{Role: RoleAgent, Parts: []Part{TextPart("Executing tool: " + evt.ToolCall.Name)}, Kind: "message"}
				sse.status(s.statusEvent(rec, StateWorking, msg, false))
			}
		case "error":
			s.finishFailed(sse, rec, params, evt.Error)
			return
		case "done":
			if evt.Result != nil {
				result = &TurnResultEnvelope{Content: evt.Result.Content}
				for _, att := range evt.Result.Attachments {
					result.Attachments = append(result.Attachments, att.ID)
				}
				artifact := s.buildArtifact(r.Context(), rec.TaskID, evt.Result)
				artifact.ArtifactID = artifactID
				history := []Message{params.Message, {
					Role:      RoleAgent,
					Parts:     artifact.Parts,
					MessageID: s.newID(),
					TaskID:    rec.TaskID,
					ContextID: rec.ContextID,
					Kind:      "message",
				}}
				sse.artifact(ArtifactUpdateEvent{
					TaskID:    rec.TaskID,
					ContextID: rec.ContextID,
					Artifact:  artifact,
					LastChunk: true,
					Kind:      "artifact-update",
				})
				s.setState(rec, StateCompleted, mustJSON([]Artifact{artifact}), mustJSON(history))
			}
		}
	}

	if result == nil {
		// Stream ended without a done event; the turn was cancelled or
		// the runner dropped the channel.
		if s.currentState(rec.TaskID) != StateCanceled {
			s.setState(rec, StateFailed, nil, mustJSON([]Message{params.Message}))
		} else {
			rec.Status = StateCanceled
		}
	}
	sse.status(s.statusEvent(rec, rec.Status, nil, true))
}

// TurnResultEnvelope is the reduced shape kept while draining a stream.
type TurnResultEnvelope struct {
	Content     string
	Attachments []string
}

func (s *Server) finishFailed(sse *sseWriter, rec *TaskRecord, params *MessageSendParams, cause error) {
	msg := "turn failed"
	if cause != nil {
		msg = cause.Error()
	}
	if s.currentState(rec.TaskID) == StateCanceled {
		rec.Status = StateCanceled
		sse.status(s.statusEvent(rec, StateCanceled, nil, true))
		return
	}
	s.logger.Error(context.Background(), "a2a stream turn failed",
		"task_id", rec.TaskID, "error", cause)
	s.setState(rec, StateFailed, nil, mustJSON([]Message{params.Message}))
	failure := &Message{Role: RoleAgent, Parts: []Part{TextPart("Turn failed: " + msg)}, Kind: "message"}
	sse.status(s.statusEvent(rec, StateFailed, failure, true))
}

func (s *Server) statusEvent(rec *TaskRecord, state TaskState, msg *Message, final bool) StatusUpdateEvent {
	return StatusUpdateEvent{
		TaskID:    rec.TaskID,
		ContextID: rec.ContextID,
		Status: TaskStatus{
			State:     state,
			Message:   msg,
			Timestamp: s.now().UTC().Format(time.RFC3339),
		},
		Final: final,
		Kind:  "status-update",
	}
}

// sseWriter frames JSON-RPC envelopes as SSE events, flushing per event.
type sseWriter struct {
	w       http.ResponseWriter
	flusher http.Flusher
	id      json.RawMessage
}

func (s *sseWriter) status(evt StatusUpdateEvent) {
	s.write("status", evt)
}

func (s *sseWriter) artifact(evt ArtifactUpdateEvent) {
	s.write("artifact", evt)
}

func (s *sseWriter) write(event string, result any) {
	data, err := json.Marshal(Response{JSONRPC: "2.0", ID: s.id, Result: result})
	if err != nil {
		return
	}
	_, _ = s.w.Write([]byte("event: " + event + "\n"))
	_, _ = s.w.Write([]byte("data: "))
	_, _ = s.w.Write(data)
	_, _ = s.w.Write([]byte("\n\n"))
	s.flusher.Flush()
}
