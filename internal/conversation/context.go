// Package conversation holds the live state of one call and orchestrates the
// components around it: recognition events in, transcript and suggestions
// out, a durable record at the end.
package conversation

import (
	"sync"
	"time"

	"github.com/callpilot/callpilot/pkg/types"
)

// Context is the live state of one call. The transcript is append-only and
// time-monotonic; the mode is fixed at creation and never changes for the
// life of the session.
type Context struct {
	mode       types.Mode
	leadRef    string
	operatorID string
	startedAt  time.Time

	mu         sync.Mutex
	transcript []types.TranscriptLine
	known      types.ExtractedInfo
	lastQuote  *types.PriceQuote
}

// NewContext creates the state for a freshly started call. leadRef is the
// optional external-entity reference (CRM lead, purchase order) passed at
// start; operatorID identifies the authenticated operator.
func NewContext(mode types.Mode, leadRef, operatorID string) *Context {
	return &Context{
		mode:       mode,
		leadRef:    leadRef,
		operatorID: operatorID,
		startedAt:  time.Now(),
	}
}

// Mode returns the conversation mode fixed at creation.
func (c *Context) Mode() types.Mode { return c.mode }

// LeadRef returns the external-entity reference, if any.
func (c *Context) LeadRef() string { return c.leadRef }

// OperatorID returns the authenticated operator's identifier.
func (c *Context) OperatorID() string { return c.operatorID }

// Duration returns how long the call has been running.
func (c *Context) Duration() time.Duration { return time.Since(c.startedAt) }

// AppendFinal converts one finalized transcript into a durable line, appends
// it, and returns it. The line's timestamp is taken at append time, so the
// stored transcript is ordered by arrival even when providers report utterance
// offsets out of order.
func (c *Context) AppendFinal(role types.Role, t types.Transcript) types.TranscriptLine {
	speaker := "Operator"
	if role == types.RoleCounterparty {
		speaker = c.mode.CounterpartyLabel()
	}
	line := types.TranscriptLine{
		Role:       role,
		Speaker:    speaker,
		Text:       t.Text,
		Confidence: t.Confidence,
		Timestamp:  time.Now(),
	}

	c.mu.Lock()
	c.transcript = append(c.transcript, line)
	c.mu.Unlock()
	return line
}

// Transcript returns a copy of the durable transcript so far.
func (c *Context) Transcript() []types.TranscriptLine {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make([]types.TranscriptLine, len(c.transcript))
	copy(out, c.transcript)
	return out
}

// TranscriptLen returns the number of durable lines without copying.
func (c *Context) TranscriptLen() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.transcript)
}

// Known returns the structured info extracted so far.
func (c *Context) Known() types.ExtractedInfo {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.known
}

// MergeKnown overlays the non-zero fields of info onto the accumulated
// structured info.
func (c *Context) MergeKnown(info types.ExtractedInfo) {
	c.mu.Lock()
	c.known = c.known.Merge(info)
	c.mu.Unlock()
}

// SetQuote records the most recently presented quote.
func (c *Context) SetQuote(q *types.PriceQuote) {
	c.mu.Lock()
	c.lastQuote = q
	c.mu.Unlock()
}

// LastQuote returns the most recently presented quote, nil if none.
func (c *Context) LastQuote() *types.PriceQuote {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lastQuote
}
