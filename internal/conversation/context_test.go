package conversation

import (
	"testing"

	"github.com/callpilot/callpilot/pkg/types"
)

func TestContext_AppendFinalSpeakerLabels(t *testing.T) {
	sales := NewContext(types.ModeSales, "", "op-1")
	if got := sales.AppendFinal(types.RoleOperator, types.Transcript{Text: "hi"}); got.Speaker != "Operator" {
		t.Errorf("operator speaker = %q, want Operator", got.Speaker)
	}
	if got := sales.AppendFinal(types.RoleCounterparty, types.Transcript{Text: "hello"}); got.Speaker != "Customer" {
		t.Errorf("sales counterparty speaker = %q, want Customer", got.Speaker)
	}

	vendor := NewContext(types.ModeVendor, "", "op-1")
	if got := vendor.AppendFinal(types.RoleCounterparty, types.Transcript{Text: "hello"}); got.Speaker != "Vendor" {
		t.Errorf("vendor counterparty speaker = %q, want Vendor", got.Speaker)
	}
}

func TestContext_TranscriptIsOrderedAndCopied(t *testing.T) {
	c := NewContext(types.ModeSales, "", "op-1")
	c.AppendFinal(types.RoleOperator, types.Transcript{Text: "first"})
	c.AppendFinal(types.RoleCounterparty, types.Transcript{Text: "second"})

	got := c.Transcript()
	if len(got) != 2 || got[0].Text != "first" || got[1].Text != "second" {
		t.Fatalf("transcript = %+v, want append order preserved", got)
	}
	if got[1].Timestamp.Before(got[0].Timestamp) {
		t.Error("timestamps are not monotonic")
	}

	// Mutating the returned slice must not touch the stored transcript.
	got[0].Text = "tampered"
	if c.Transcript()[0].Text != "first" {
		t.Error("Transcript() returned a shared backing slice")
	}
}

func TestContext_MergeKnownNeverClears(t *testing.T) {
	c := NewContext(types.ModeSales, "", "op-1")
	c.MergeKnown(types.ExtractedInfo{Location: "Dallas", ZIP: "75201"})
	c.MergeKnown(types.ExtractedInfo{Quantity: 3})

	got := c.Known()
	if got.Location != "Dallas" || got.ZIP != "75201" {
		t.Errorf("Known = %+v, earlier fields were cleared", got)
	}
	if got.Quantity != 3 {
		t.Errorf("Quantity = %d, want 3", got.Quantity)
	}
}

func TestContext_LastQuote(t *testing.T) {
	c := NewContext(types.ModeSales, "", "op-1")
	if c.LastQuote() != nil {
		t.Error("LastQuote non-nil before any quote")
	}
	q := &types.PriceQuote{Total: 812.5}
	c.SetQuote(q)
	if got := c.LastQuote(); got == nil || got.Total != 812.5 {
		t.Errorf("LastQuote = %+v, want the stored quote", got)
	}
}
