// Package answer is the streaming state machine behind every chat
// response: tool choice, tool execution, citation-annotated token
// streaming, and the chunked-processing fallback for oversized input.
package answer

import "encoding/json"

// StopReason terminates a stream.
type StopReason string

const (
	StopDone      StopReason = "done"
	StopCancelled StopReason = "cancelled"
)

// Event is one item of the outbound stream. Exactly one of the concrete
// types below.
type Event interface{ isEvent() }

// AnswerPiece is a chunk of answer text, citations already rewritten.
type AnswerPiece struct {
	Text string `json:"text"`
}

// CitationInfo is emitted once per newly cited document, before or with
// the answer piece containing the citation.
type CitationInfo struct {
	CitationNum int    `json:"citationNum"` // the number the user sees
	DocumentID  string `json:"documentId"`
}

// ToolKickoff announces a tool invocation.
type ToolKickoff struct {
	ToolName  string          `json:"toolName"`
	Arguments json.RawMessage `json:"arguments"`
}

// ToolResponse carries a tool's result; Err is set when the tool failed
// (the LLM is then given a chance to recover).
type ToolResponse struct {
	ToolName string `json:"toolName"`
	Response string `json:"response"`
	Err      string `json:"error,omitempty"`
}

// StreamStopInfo terminates the stream.
type StreamStopInfo struct {
	Reason StopReason `json:"reason"`
}

// StreamingError surfaces a non-recoverable failure, then the stream ends.
type StreamingError struct {
	Message string `json:"message"`
}

func (AnswerPiece) isEvent()    {}
func (CitationInfo) isEvent()   {}
func (ToolKickoff) isEvent()    {}
func (ToolResponse) isEvent()   {}
func (StreamStopInfo) isEvent() {}
func (StreamingError) isEvent() {}
