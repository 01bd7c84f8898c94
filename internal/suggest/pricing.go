package suggest

import (
	"fmt"
	"strings"

	"github.com/callpilot/callpilot/internal/config"
	"github.com/callpilot/callpilot/pkg/types"
)

// stateTaxRates holds combined state+average-local sales tax rates for the
// states the business operates in. Regions not listed fall back to the
// configured default estimate.
var stateTaxRates = map[string]float64{
	"TX": 0.0825,
	"OK": 0.0895,
	"LA": 0.0956,
	"AR": 0.0947,
	"NM": 0.0772,
	"CO": 0.0781,
	"KS": 0.0870,
	"MO": 0.0830,
	"AZ": 0.0838,
	"TN": 0.0955,
	"FL": 0.0700,
	"GA": 0.0738,
	"NV": 0.0823,
	"UT": 0.0720,
	"CA": 0.0882,
}

// zipPrefixStates maps 3-digit ZIP prefixes to states, covering the operating
// region. Sparse on purpose; unknown prefixes use the default tax estimate.
var zipPrefixStates = map[string]string{
	"750": "TX", "751": "TX", "752": "TX", "753": "TX", "754": "TX",
	"755": "TX", "756": "TX", "757": "TX", "758": "TX", "759": "TX",
	"760": "TX", "761": "TX", "762": "TX", "763": "TX", "764": "TX",
	"765": "TX", "766": "TX", "767": "TX", "768": "TX", "769": "TX",
	"770": "TX", "772": "TX", "773": "TX", "774": "TX", "775": "TX",
	"776": "TX", "777": "TX", "778": "TX", "779": "TX",
	"780": "TX", "781": "TX", "782": "TX", "783": "TX", "784": "TX",
	"785": "TX", "786": "TX", "787": "TX", "788": "TX", "789": "TX",
	"790": "TX", "791": "TX", "792": "TX", "793": "TX", "794": "TX",
	"795": "TX", "796": "TX", "797": "TX", "798": "TX", "799": "TX",
	"730": "OK", "731": "OK", "734": "OK", "735": "OK", "736": "OK",
	"737": "OK", "738": "OK", "739": "OK", "740": "OK", "741": "OK",
	"743": "OK", "744": "OK", "745": "OK", "746": "OK", "747": "OK",
	"748": "OK", "749": "OK",
	"700": "LA", "701": "LA", "703": "LA", "704": "LA", "705": "LA",
	"706": "LA", "707": "LA", "708": "LA", "710": "LA", "711": "LA",
	"712": "LA", "713": "LA", "714": "LA",
	"716": "AR", "717": "AR", "718": "AR", "719": "AR", "720": "AR",
	"721": "AR", "722": "AR", "723": "AR", "724": "AR", "725": "AR",
	"726": "AR", "727": "AR", "728": "AR", "729": "AR",
	"870": "NM", "871": "NM", "873": "NM", "874": "NM", "875": "NM",
	"877": "NM", "878": "NM", "879": "NM", "880": "NM", "881": "NM",
	"882": "NM", "883": "NM", "884": "NM",
	"800": "CO", "801": "CO", "802": "CO", "803": "CO", "804": "CO",
	"805": "CO", "806": "CO", "807": "CO", "808": "CO", "809": "CO",
	"810": "CO", "811": "CO", "812": "CO", "813": "CO", "814": "CO",
	"815": "CO", "816": "CO",
	"660": "KS", "661": "KS", "662": "KS", "664": "KS", "665": "KS",
	"666": "KS", "667": "KS", "668": "KS", "669": "KS", "670": "KS",
	"671": "KS", "672": "KS", "673": "KS", "674": "KS", "675": "KS",
	"676": "KS", "677": "KS", "678": "KS", "679": "KS",
	"630": "MO", "631": "MO", "633": "MO", "634": "MO", "635": "MO",
	"636": "MO", "637": "MO", "638": "MO", "639": "MO", "640": "MO",
	"641": "MO", "644": "MO", "645": "MO", "646": "MO", "647": "MO",
	"648": "MO", "649": "MO", "650": "MO", "651": "MO", "652": "MO",
	"653": "MO", "654": "MO", "655": "MO", "656": "MO", "657": "MO",
	"658": "MO",
	"850": "AZ", "851": "AZ", "852": "AZ", "853": "AZ", "855": "AZ",
	"856": "AZ", "857": "AZ", "859": "AZ", "860": "AZ", "863": "AZ",
	"864": "AZ", "865": "AZ",
}

// Pricer applies the static pricing rules of the business to produce an
// itemised PriceQuote. It holds read-only configuration and is safe for
// concurrent use across connections.
type Pricer struct {
	cfg config.PricingConfig
}

// NewPricer creates a Pricer over the configured pricing table.
func NewPricer(cfg config.PricingConfig) *Pricer {
	return &Pricer{cfg: cfg}
}

// TaxRate returns the sales-tax rate for a 5-digit ZIP, the resolved state
// code, and whether the lookup hit the table. Unknown or malformed ZIPs
// return the configured default estimate.
func (p *Pricer) TaxRate(zip string) (rate float64, state string, known bool) {
	zip = strings.TrimSpace(zip)
	if len(zip) >= 3 {
		if st, ok := zipPrefixStates[zip[:3]]; ok {
			if r, ok := stateTaxRates[st]; ok {
				return r, st, true
			}
		}
	}
	return p.cfg.DefaultTaxRate, "", false
}

// Multiplier returns the engagement-type rate multiplier. Unknown types use
// 1.0. Matching is case-insensitive on the configured keys.
func (p *Pricer) Multiplier(eventType string) float64 {
	et := strings.ToLower(strings.TrimSpace(eventType))
	for name, m := range p.cfg.Multipliers {
		if strings.ToLower(name) == et {
			return m
		}
	}
	return 1.0
}

// MinimumUnitRate is the floor every quoted unit rate must clear: estimated
// underlying cost plus the configured minimum margin.
func (p *Pricer) MinimumUnitRate() float64 {
	return p.cfg.EstimatedUnitCost + p.cfg.MinimumMargin
}

// Quote builds the full itemised breakdown for the given extracted info.
//
// proposedRate is the unit rate suggested by the response stage; zero means
// "use the table rate" (base rate × engagement multiplier). Whatever the
// source, the rate is corrected upward to MinimumUnitRate when it falls
// short, and the rationale notes the adjustment.
func (p *Pricer) Quote(info types.ExtractedInfo, proposedRate float64, rationale string) types.PriceQuote {
	qty := info.Quantity
	if qty < 1 {
		qty = 1
	}

	rate := proposedRate
	if rate <= 0 {
		rate = p.cfg.BaseRate * p.Multiplier(info.EventType)
	}

	if floor := p.MinimumUnitRate(); rate < floor {
		rate = floor
		note := fmt.Sprintf("unit rate adjusted to $%.2f to preserve the $%.2f minimum margin", rate, p.cfg.MinimumMargin)
		if rationale == "" {
			rationale = note
		} else {
			rationale += "; " + note
		}
	}

	taxRate, _, known := p.TaxRate(info.ZIP)
	if !known {
		note := fmt.Sprintf("tax estimated at %.2f%% (region unknown)", taxRate*100)
		if rationale == "" {
			rationale = note
		} else {
			rationale += "; " + note
		}
	}

	unitsSubtotal := float64(qty) * rate
	subtotal := unitsSubtotal + p.cfg.Delivery + p.cfg.Surcharge
	taxAmount := subtotal * taxRate

	return types.PriceQuote{
		Quantity:      qty,
		UnitRate:      rate,
		UnitsSubtotal: unitsSubtotal,
		Delivery:      p.cfg.Delivery,
		Surcharge:     p.cfg.Surcharge,
		Subtotal:      subtotal,
		TaxRate:       taxRate,
		TaxAmount:     taxAmount,
		Margin:        p.cfg.MinimumMargin,
		Total:         subtotal + taxAmount,
		Rationale:     rationale,
	}
}
