// Package types defines the shared types used across all CallPilot packages.
//
// These types form the lingua franca between the capture layer, the STT
// providers, the conversation state, and the suggestion pipeline. Each package
// defines its own domain types; cross-cutting data structures live here to
// avoid circular imports.
package types

import "time"

// Role identifies which side of the call an audio stream or transcript line
// belongs to.
type Role string

const (
	// RoleOperator is the person using the console (always the same label in
	// both conversation modes).
	RoleOperator Role = "operator"

	// RoleCounterparty is the person on the other end of the call — a
	// prospective customer in sales mode, a supplier in vendor mode.
	RoleCounterparty Role = "counterparty"
)

// IsValid reports whether r is a recognised role.
func (r Role) IsValid() bool {
	return r == RoleOperator || r == RoleCounterparty
}

// Mode selects the conversation strategy for a connection. It changes the
// prompt strategy of the suggestion pipeline and which durable log a finished
// conversation is written to. Immutable for the life of a session.
type Mode string

const (
	// ModeSales is operator vs. prospective customer. The pipeline produces
	// price quotes in this mode.
	ModeSales Mode = "sales"

	// ModeVendor is operator vs. supplier. No quote is produced (pricing comes
	// from the vendor); finished conversations feed the negotiation-phrase
	// learner.
	ModeVendor Mode = "vendor"
)

// IsValid reports whether m is a recognised mode.
func (m Mode) IsValid() bool {
	return m == ModeSales || m == ModeVendor
}

// CounterpartyLabel returns the transcript label used for the counter-party
// role in this mode.
func (m Mode) CounterpartyLabel() string {
	if m == ModeVendor {
		return "Vendor"
	}
	return "Customer"
}

// AudioFrame represents a chunk of raw linear PCM flowing through the
// pipeline: fixed sample rate, 16-bit little-endian samples, one or more
// interleaved channels. Immutable once captured.
type AudioFrame struct {
	// PCM audio data.
	Data []byte

	// SampleRate in Hz (16000 for the STT-optimised capture path).
	SampleRate int

	// Channels is the interleaved channel count of Data.
	Channels int

	// Timestamp marks when this frame was captured, relative to stream start.
	Timestamp time.Duration
}

// Transcript represents a speech-to-text result from an STT provider.
// Both partial (interim) and final transcripts use this type.
type Transcript struct {
	// Text is the transcribed speech content.
	Text string

	// IsFinal indicates whether this is a final (authoritative) or partial
	// (interim) transcript.
	IsFinal bool

	// Confidence is the overall confidence score (0.0–1.0). May be zero if the
	// provider does not report confidence.
	Confidence float64

	// Words contains per-word detail when available. May be nil for providers
	// that don't support word-level output.
	Words []WordDetail

	// Timestamp marks when the utterance started, relative to session start.
	Timestamp time.Duration

	// Duration is the length of the utterance.
	Duration time.Duration
}

// WordDetail holds per-word metadata from STT providers that support it.
type WordDetail struct {
	Word       string
	Start      time.Duration
	End        time.Duration
	Confidence float64
}

// TranscriptLine is one durable, role-tagged line of the conversation
// transcript. Interim results are never stored as TranscriptLines; they are
// surfaced to the transport and discarded.
type TranscriptLine struct {
	// Role identifies the speaker's side of the call.
	Role Role

	// Speaker is the display label used when rendering the transcript
	// ("Operator", "Customer", "Vendor").
	Speaker string

	// Text is the literal transcribed text.
	Text string

	// Confidence is the provider-reported recognition confidence (0.0–1.0).
	Confidence float64

	// Timestamp is when the final result was received.
	Timestamp time.Time
}

// ExtractedInfo holds the structured fields the extraction stage pulls out of
// the transcript. Zero values mean "not yet known"; later extractions merge
// over earlier ones without clearing known fields.
type ExtractedInfo struct {
	// Location is where the units are needed (city, address, or ZIP).
	Location string `json:"location,omitempty"`

	// ZIP is the 5-digit postal code when one was mentioned.
	ZIP string `json:"zip,omitempty"`

	// EventType categorises the engagement (e.g. "event", "construction",
	// "wedding"). Drives the pricing multiplier.
	EventType string `json:"event_type,omitempty"`

	// Quantity is the number of units requested.
	Quantity int `json:"quantity,omitempty"`

	// StartDate and EndDate are the target rental dates, free-form as spoken
	// ("this weekend", "June 3rd").
	StartDate string `json:"start_date,omitempty"`
	EndDate   string `json:"end_date,omitempty"`

	// Intent is a one-line statement of what the counter-party wants.
	Intent string `json:"intent,omitempty"`

	// Summary is a running free-text summary of the conversation so far.
	Summary string `json:"summary,omitempty"`
}

// Merge overlays non-zero fields of other onto a copy of e and returns it.
// Known fields are never cleared by an extraction that failed to re-detect
// them.
func (e ExtractedInfo) Merge(other ExtractedInfo) ExtractedInfo {
	if other.Location != "" {
		e.Location = other.Location
	}
	if other.ZIP != "" {
		e.ZIP = other.ZIP
	}
	if other.EventType != "" {
		e.EventType = other.EventType
	}
	if other.Quantity > 0 {
		e.Quantity = other.Quantity
	}
	if other.StartDate != "" {
		e.StartDate = other.StartDate
	}
	if other.EndDate != "" {
		e.EndDate = other.EndDate
	}
	if other.Intent != "" {
		e.Intent = other.Intent
	}
	if other.Summary != "" {
		e.Summary = other.Summary
	}
	return e
}

// PriceQuote is an itemised price breakdown produced by the response stage in
// sales mode.
type PriceQuote struct {
	// Quantity is the number of units quoted.
	Quantity int `json:"quantity"`

	// UnitRate is the quoted per-unit rate after the margin correction.
	UnitRate float64 `json:"unit_rate"`

	// UnitsSubtotal is Quantity × UnitRate.
	UnitsSubtotal float64 `json:"units_subtotal"`

	// Delivery is the flat delivery charge.
	Delivery float64 `json:"delivery"`

	// Surcharge is the fuel/regional surcharge.
	Surcharge float64 `json:"surcharge"`

	// Subtotal is UnitsSubtotal + Delivery + Surcharge.
	Subtotal float64 `json:"subtotal"`

	// TaxRate is the applied sales-tax rate (e.g. 0.0825). Looked up by
	// region; a flat estimate when the region is unknown.
	TaxRate float64 `json:"tax_rate"`

	// TaxAmount is Subtotal × TaxRate.
	TaxAmount float64 `json:"tax_amount"`

	// Margin is the fixed per-unit margin guaranteed to be present in
	// UnitRate above the estimated underlying cost.
	Margin float64 `json:"margin"`

	// Total is the grand total.
	Total float64 `json:"total"`

	// Rationale explains how the quote was computed. Annotated when the
	// margin correction adjusted the generated rate upward.
	Rationale string `json:"rationale,omitempty"`
}

// ConfidenceTier buckets how certain the pipeline is about a suggestion.
type ConfidenceTier string

const (
	ConfidenceHigh   ConfidenceTier = "high"
	ConfidenceMedium ConfidenceTier = "medium"
	ConfidenceLow    ConfidenceTier = "low"
)

// SuggestionResult is the output of one suggestion-pipeline run: a literal
// reply for the operator to read aloud, an optional quote (sales mode only),
// and a next-action hint.
type SuggestionResult struct {
	// Response is the ready-to-read reply text.
	Response string `json:"response"`

	// Quote is the itemised price breakdown. Nil in vendor mode and whenever
	// the transcript does not yet support a quote.
	Quote *PriceQuote `json:"quote,omitempty"`

	// NextAction is a free-text hint about what the operator should do next.
	NextAction string `json:"next_action,omitempty"`

	// Confidence buckets the pipeline's certainty.
	Confidence ConfidenceTier `json:"confidence"`

	// Extracted is the merged structured info the response was based on.
	Extracted ExtractedInfo `json:"extracted"`
}
