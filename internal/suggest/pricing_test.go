package suggest

import (
	"math"
	"strings"
	"testing"

	"github.com/callpilot/callpilot/internal/config"
	"github.com/callpilot/callpilot/pkg/types"
)

func testPricingConfig() config.PricingConfig {
	return config.PricingConfig{
		BaseRate:          175,
		EstimatedUnitCost: 95,
		MinimumMargin:     50,
		Delivery:          50,
		Surcharge:         25,
		DefaultTaxRate:    0.0825,
		Multipliers: map[string]float64{
			"construction": 1.0,
			"event":        1.15,
			"wedding":      1.35,
		},
	}
}

func almostEqual(a, b float64) bool {
	return math.Abs(a-b) < 1e-9
}

func TestTaxRate_KnownZIP(t *testing.T) {
	p := NewPricer(testPricingConfig())

	rate, state, known := p.TaxRate("75201")
	if !known {
		t.Fatal("75201 should resolve to a known state")
	}
	if state != "TX" {
		t.Errorf("state = %q, want TX", state)
	}
	if !almostEqual(rate, 0.0825) {
		t.Errorf("rate = %v, want 0.0825", rate)
	}
}

func TestTaxRate_UnknownZIPUsesDefault(t *testing.T) {
	p := NewPricer(testPricingConfig())

	tests := []string{"", "12", "99999", "abcde"}
	for _, zip := range tests {
		rate, state, known := p.TaxRate(zip)
		if known {
			t.Errorf("TaxRate(%q) known = true, want false", zip)
		}
		if state != "" {
			t.Errorf("TaxRate(%q) state = %q, want empty", zip, state)
		}
		if !almostEqual(rate, 0.0825) {
			t.Errorf("TaxRate(%q) = %v, want default 0.0825", zip, rate)
		}
	}
}

func TestMultiplier_CaseInsensitive(t *testing.T) {
	p := NewPricer(testPricingConfig())

	if got := p.Multiplier("Wedding"); !almostEqual(got, 1.35) {
		t.Errorf("Multiplier(Wedding) = %v, want 1.35", got)
	}
	if got := p.Multiplier("unknown thing"); !almostEqual(got, 1.0) {
		t.Errorf("Multiplier(unknown) = %v, want 1.0", got)
	}
}

func TestQuote_TableRateAndBreakdown(t *testing.T) {
	p := NewPricer(testPricingConfig())

	q := p.Quote(types.ExtractedInfo{Quantity: 4, EventType: "wedding", ZIP: "75201"}, 0, "")

	wantRate := 175 * 1.35
	if !almostEqual(q.UnitRate, wantRate) {
		t.Errorf("UnitRate = %v, want %v", q.UnitRate, wantRate)
	}
	if q.Quantity != 4 {
		t.Errorf("Quantity = %d, want 4", q.Quantity)
	}
	if !almostEqual(q.UnitsSubtotal, 4*wantRate) {
		t.Errorf("UnitsSubtotal = %v, want %v", q.UnitsSubtotal, 4*wantRate)
	}
	wantSubtotal := 4*wantRate + 50 + 25
	if !almostEqual(q.Subtotal, wantSubtotal) {
		t.Errorf("Subtotal = %v, want %v", q.Subtotal, wantSubtotal)
	}
	if !almostEqual(q.TaxAmount, wantSubtotal*0.0825) {
		t.Errorf("TaxAmount = %v, want %v", q.TaxAmount, wantSubtotal*0.0825)
	}
	if !almostEqual(q.Total, wantSubtotal*1.0825) {
		t.Errorf("Total = %v, want %v", q.Total, wantSubtotal*1.0825)
	}
	if q.Rationale != "" {
		t.Errorf("Rationale = %q, want empty for an uncorrected known-region quote", q.Rationale)
	}
}

func TestQuote_MarginFloorCorrectsLowRate(t *testing.T) {
	p := NewPricer(testPricingConfig())

	// The generated rate undercuts cost + margin; it must be raised to the
	// floor and the correction noted.
	q := p.Quote(types.ExtractedInfo{Quantity: 2, ZIP: "75201"}, 100, "")

	floor := 95.0 + 50.0
	if !almostEqual(q.UnitRate, floor) {
		t.Errorf("UnitRate = %v, want floor %v", q.UnitRate, floor)
	}
	if !strings.Contains(q.Rationale, "minimum margin") {
		t.Errorf("Rationale = %q, want margin-correction note", q.Rationale)
	}
}

func TestQuote_MarginFloorHoldsForEveryMultiplier(t *testing.T) {
	cfg := testPricingConfig()
	cfg.BaseRate = 60 // below cost on purpose
	p := NewPricer(cfg)
	floor := p.MinimumUnitRate()

	for _, eventType := range []string{"construction", "event", "wedding", "unknown"} {
		q := p.Quote(types.ExtractedInfo{Quantity: 1, EventType: eventType, ZIP: "75201"}, 0, "")
		if q.UnitRate < floor {
			t.Errorf("UnitRate(%s) = %v below floor %v", eventType, q.UnitRate, floor)
		}
	}
}

func TestQuote_UnknownRegionNotesEstimate(t *testing.T) {
	p := NewPricer(testPricingConfig())

	q := p.Quote(types.ExtractedInfo{Quantity: 1}, 200, "")
	if !strings.Contains(q.Rationale, "region unknown") {
		t.Errorf("Rationale = %q, want tax-estimate note", q.Rationale)
	}
	if !almostEqual(q.TaxRate, 0.0825) {
		t.Errorf("TaxRate = %v, want default 0.0825", q.TaxRate)
	}
}

func TestQuote_ZeroQuantityQuotesOneUnit(t *testing.T) {
	p := NewPricer(testPricingConfig())

	q := p.Quote(types.ExtractedInfo{ZIP: "75201"}, 200, "")
	if q.Quantity != 1 {
		t.Errorf("Quantity = %d, want 1", q.Quantity)
	}
}
