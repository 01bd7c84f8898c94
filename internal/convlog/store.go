// Package convlog persists finished conversations and learns reusable
// negotiation phrasing from vendor calls.
//
// Sales and vendor conversations land in separate stores. Vendor records
// additionally carry a processed flag: a detached background task extracts
// phrase/tactic lists from the transcript after the save, and the flag keeps
// a manual re-run from extracting twice.
package convlog

import (
	"context"
	"time"

	"github.com/callpilot/callpilot/pkg/types"
)

// Record is the durable conversation-log record written at session end.
type Record struct {
	// ID is the durable identifier, assigned by the caller before save.
	ID string

	// Mode selects the target store (sales vs. vendor).
	Mode types.Mode

	// OperatorID identifies the operator who ran the call.
	OperatorID string

	// LeadRef is the optional external-entity reference passed at
	// start-recognition (CRM lead, purchase order, ...).
	LeadRef string

	// Transcript is the full durable transcript.
	Transcript []types.TranscriptLine

	// Extracted is the final merged structured info.
	Extracted types.ExtractedInfo

	// FinalQuote is the last quote presented, sales mode only.
	FinalQuote *types.PriceQuote

	// Outcome is the operator-reported result ("booked", "callback", ...).
	Outcome string

	// Feedback is optional free-text operator feedback.
	Feedback string

	// AIHelpful is the operator's thumbs-up/down on the suggestions. Nil when
	// not answered.
	AIHelpful *bool

	// Duration is the call length.
	Duration time.Duration

	// CreatedAt is when the record was saved.
	CreatedAt time.Time
}

// VendorInsights are the phrase/tactic lists the learner extracts from a
// processed vendor conversation.
type VendorInsights struct {
	// Phrases are verbatim negotiation phrases worth reusing.
	Phrases []string `json:"phrases"`

	// Tactics are one-line descriptions of negotiation tactics observed.
	Tactics []string `json:"tactics"`
}

// Phrase is one stored negotiation phrase with its similarity distance to a
// query, as returned by SimilarPhrases.
type Phrase struct {
	// Text is the phrase.
	Text string

	// ConversationID is the vendor conversation it came from.
	ConversationID string

	// Distance is the cosine distance to the query embedding; smaller is more
	// similar.
	Distance float64
}

// Store is the durable conversation-log boundary. The postgres subpackage
// provides the production implementation.
type Store interface {
	// Save writes rec to the store selected by rec.Mode and returns the
	// durable identifier.
	Save(ctx context.Context, rec Record) (string, error)

	// MarkProcessed records the learner's extracted insights on a vendor
	// conversation and flips its processed flag. Returns false without
	// writing when the conversation was already processed, making manual
	// re-runs idempotent.
	MarkProcessed(ctx context.Context, conversationID string, insights VendorInsights) (bool, error)

	// InsertPhrases stores pre-embedded negotiation phrases for similarity
	// retrieval. embeddings[i] corresponds to phrases[i].
	InsertPhrases(ctx context.Context, conversationID string, phrases []string, embeddings [][]float32) error

	// SimilarPhrases returns up to topK stored phrases nearest to the query
	// embedding, most similar first.
	SimilarPhrases(ctx context.Context, embedding []float32, topK int) ([]Phrase, error)
}
