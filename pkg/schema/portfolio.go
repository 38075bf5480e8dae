package schema

import "github.com/shopspring/decimal"

// Position is the current holding in one instrument, in shares. Long and
// short legs are tracked separately; the books never net them. MarkPrice is
// the caller's valuation price for net-liquidation math; the run's live
// price overrides it for the instrument under analysis.
type Position struct {
	Long      decimal.Decimal `json:"long"`
	Short     decimal.Decimal `json:"short"`
	MarkPrice decimal.Decimal `json:"mark_price,omitempty"`
}

// Portfolio is the caller-supplied portfolio context an aggregator sizes
// against. It is part of the run seed and never mutated by the run.
type Portfolio struct {
	Cash      decimal.Decimal     `json:"cash"`
	Positions map[string]Position `json:"positions,omitempty"`
}

// PositionFor returns the position held in the given instrument, zero when
// none exists.
func (p Portfolio) PositionFor(instrumentID string) Position {
	return p.Positions[instrumentID]
}

// SeedKeyPortfolio is the conventional seed key the portfolio context rides
// under when a graph declares it.
const SeedKeyPortfolio = "portfolio"
