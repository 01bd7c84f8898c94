package suggest

import (
	"fmt"
	"strings"

	"github.com/callpilot/callpilot/pkg/types"
)

// extractionSystemPrompt instructs the extraction stage. The same fields are
// requested in both modes; what differs is who the counter-party is.
const extractionSystemPrompt = `You extract structured facts from a live phone call transcript about portable unit rentals.
Return a JSON object with these keys, omitting any you cannot determine:
  "location": where the units are needed (city, address, or ZIP as spoken)
  "zip": the 5-digit ZIP code, only if one was mentioned
  "event_type": one word category such as "construction", "event", "wedding", "festival"
  "quantity": integer number of units requested
  "start_date": target start date as spoken
  "end_date": target end date as spoken
  "intent": one sentence stating what the caller wants
  "summary": two sentences summarising the conversation so far
Never invent values. Omit unknown keys entirely.`

// salesResponseSystemPrompt instructs the response stage in sales mode.
const salesResponseSystemPrompt = `You assist a rental-company phone operator live during a sales call with a prospective customer.
Write the exact words the operator should say next: short, natural, spoken English. Move the sale forward; ask for at most one missing detail at a time.
Return a JSON object:
  "response": the literal reply to read aloud
  "next_action": one short imperative hint for the operator
  "confidence": "high", "medium", or "low"
  "unit_rate": your suggested per-unit dollar rate as a number, if the conversation supports quoting; omit otherwise
  "quote_ready": true only when quantity and location are known well enough to present a price`

// vendorResponseSystemPrompt instructs the response stage in vendor mode.
// No quote: pricing comes from the vendor, and the goal is negotiating it
// down.
const vendorResponseSystemPrompt = `You assist a rental-company phone operator live during a call with a supplier (vendor).
Write the exact words the operator should say next: short, natural, spoken English. The goal is favourable pricing and terms from the vendor. Never volunteer the company's internal numbers.
Return a JSON object:
  "response": the literal reply to read aloud
  "next_action": one short imperative hint for the operator
  "confidence": "high", "medium", or "low"`

// responseSystemPrompt returns the stage-2 system prompt for the mode,
// appending any retrieved negotiation-phrase style hints in vendor mode.
func responseSystemPrompt(mode types.Mode, styleHints []string) string {
	if mode != types.ModeVendor {
		return salesResponseSystemPrompt
	}
	if len(styleHints) == 0 {
		return vendorResponseSystemPrompt
	}
	var b strings.Builder
	b.WriteString(vendorResponseSystemPrompt)
	b.WriteString("\n\nPhrasing that worked in past vendor negotiations, for style only (do not quote verbatim):\n")
	for _, h := range styleHints {
		b.WriteString("- ")
		b.WriteString(h)
		b.WriteString("\n")
	}
	return b.String()
}

// renderTranscript flattens the durable transcript into the speaker-labelled
// form both stages consume.
func renderTranscript(lines []types.TranscriptLine) string {
	var b strings.Builder
	for _, l := range lines {
		b.WriteString(l.Speaker)
		b.WriteString(": ")
		b.WriteString(l.Text)
		b.WriteString("\n")
	}
	return b.String()
}

// renderKnownInfo summarises already-extracted facts for the response stage
// so it does not re-ask for details the caller has given.
func renderKnownInfo(info types.ExtractedInfo) string {
	var parts []string
	if info.Quantity > 0 {
		parts = append(parts, fmt.Sprintf("quantity=%d", info.Quantity))
	}
	if info.Location != "" {
		parts = append(parts, "location="+info.Location)
	}
	if info.ZIP != "" {
		parts = append(parts, "zip="+info.ZIP)
	}
	if info.EventType != "" {
		parts = append(parts, "event_type="+info.EventType)
	}
	if info.StartDate != "" {
		parts = append(parts, "start_date="+info.StartDate)
	}
	if info.EndDate != "" {
		parts = append(parts, "end_date="+info.EndDate)
	}
	if info.Intent != "" {
		parts = append(parts, "intent="+info.Intent)
	}
	if len(parts) == 0 {
		return "nothing extracted yet"
	}
	return strings.Join(parts, ", ")
}
