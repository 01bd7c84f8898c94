package transport

import (
	"encoding/json"

	"github.com/callpilot/callpilot/internal/callerr"
	"github.com/callpilot/callpilot/internal/pronounce"
	"github.com/callpilot/callpilot/pkg/types"
)

// EventType names one message on the websocket event channel.
type EventType string

// Client-to-server events.
const (
	// EventStartRecognition begins a call: it fixes the mode and optional
	// lead reference and opens the recognition sessions.
	EventStartRecognition EventType = "start-recognition"

	// EventAudioChunk carries base64 mono PCM for one call role, the fallback
	// for clients without an aggregate capture device. Binary websocket frames
	// carrying interleaved PCM are the preferred audio path.
	EventAudioChunk EventType = "audio-chunk"

	// EventSuggest is the operator's manual suggestion trigger.
	EventSuggest EventType = "suggest"

	// EventSaveConversation persists the finished conversation.
	EventSaveConversation EventType = "save-conversation"

	// EventEndRecognition stops capture and recognition without closing the
	// connection, so the operator can still save.
	EventEndRecognition EventType = "end-recognition"
)

// Server-to-client events.
const (
	// EventRecognitionStarted acknowledges a successful start.
	EventRecognitionStarted EventType = "recognition-started"

	// EventTranscript carries one interim or final transcript line.
	EventTranscript EventType = "transcript"

	// EventOperatorResponse carries one suggestion-pipeline result.
	EventOperatorResponse EventType = "operator-response"

	// EventPronunciationScore carries the per-utterance operator score.
	EventPronunciationScore EventType = "pronunciation-score"

	// EventPronunciationSummary carries the once-per-session aggregate.
	EventPronunciationSummary EventType = "pronunciation-summary"

	// EventStreamRestarted signals a transparent recognition restart.
	EventStreamRestarted EventType = "stream-restarted"

	// EventConversationSaved acknowledges a successful save with the durable
	// identifier.
	EventConversationSaved EventType = "conversation-saved"

	// EventRecognitionEnded acknowledges end-recognition.
	EventRecognitionEnded EventType = "recognition-ended"

	// EventError carries a typed error.
	EventError EventType = "error"
)

// Envelope is the wire format of every text frame: a type tag plus a
// type-specific payload.
type Envelope struct {
	Type    EventType       `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// StartRecognitionPayload is the client payload for start-recognition.
type StartRecognitionPayload struct {
	// Mode is "sales" or "vendor".
	Mode types.Mode `json:"mode"`

	// LeadRef optionally links the call to an external entity (CRM lead,
	// purchase order).
	LeadRef string `json:"lead_ref,omitempty"`
}

// AudioChunkPayload is the per-source audio fallback for clients without an
// aggregate capture device: one chunk of mono PCM belonging to a single call
// role. Fallback chunks bypass the demultiplexer and go straight to the named
// role's recognition session. Data is base64-decoded by encoding/json.
type AudioChunkPayload struct {
	// Source is the call role the chunk belongs to ("operator" or
	// "counterparty"). Required.
	Source types.Role `json:"audio_source"`

	Data []byte `json:"data"`
}

// SaveConversationPayload is the client payload for save-conversation.
type SaveConversationPayload struct {
	Outcome   string `json:"outcome,omitempty"`
	Feedback  string `json:"feedback,omitempty"`
	AIHelpful *bool  `json:"ai_helpful,omitempty"`
}

// TranscriptPayload is one interim or final transcript line for display.
type TranscriptPayload struct {
	Role    types.Role `json:"role"`
	Speaker string     `json:"speaker"`
	Text    string     `json:"text"`
	Final   bool       `json:"final"`
}

// NoticePayload carries a human-readable notice (stream-restarted).
type NoticePayload struct {
	Notice string `json:"notice"`
}

// ConversationSavedPayload acknowledges a save.
type ConversationSavedPayload struct {
	ID string `json:"id"`
}

// ErrorPayload is the wire form of a typed error. Every error sent to the
// client carries the full classification so the console can decide how to
// present it.
type ErrorPayload struct {
	Type     callerr.Type     `json:"type"`
	Code     string           `json:"code"`
	Message  string           `json:"message"`
	Severity callerr.Severity `json:"severity"`
	Details  map[string]any   `json:"details,omitempty"`
}

// errorPayload converts a typed error to its wire form.
func errorPayload(e *callerr.Error) ErrorPayload {
	return ErrorPayload{
		Type:     e.Type,
		Code:     e.Code,
		Message:  e.Message,
		Severity: e.Severity,
		Details:  e.Details,
	}
}

// PronunciationScorePayload wraps the per-utterance sample.
type PronunciationScorePayload = pronounce.Sample

// PronunciationSummaryPayload wraps the session aggregate.
type PronunciationSummaryPayload = pronounce.Summary
