// Package precision rounds and validates order quantities and prices against
// exchange step rules. All functions are pure; float64 at the edges, decimal
// internally so step math does not accumulate binary rounding error.
package precision

import (
	"fmt"

	"github.com/shopspring/decimal"

	"leverbot/internal/ports"
)

// Validator applies one symbol's exchange filters.
type Validator struct {
	filters ports.SymbolFilters
}

// NewValidator builds a validator from exchange-reported symbol filters.
func NewValidator(filters ports.SymbolFilters) (*Validator, error) {
	if filters.QtyStep <= 0 {
		return nil, fmt.Errorf("%w: quantity step must be positive for %s", ports.ErrConfigurationError, filters.Symbol)
	}
	if filters.PriceTick <= 0 {
		return nil, fmt.Errorf("%w: price tick must be positive for %s", ports.ErrConfigurationError, filters.Symbol)
	}
	return &Validator{filters: filters}, nil
}

// Filters returns the underlying symbol filters.
func (v *Validator) Filters() ports.SymbolFilters { return v.filters }

// QtyEpsilon is the rounding epsilon for "remaining quantity is zero" checks:
// anything below one quantity step cannot be closed on the exchange.
func (v *Validator) QtyEpsilon() float64 { return v.filters.QtyStep }

// SnapQuantity rounds a quantity down to the symbol's step size. Rounding
// down never increases exposure beyond what the caller sized.
func (v *Validator) SnapQuantity(qty float64) float64 {
	step := decimal.NewFromFloat(v.filters.QtyStep)
	d := decimal.NewFromFloat(qty)
	snapped, _ := d.Div(step).Floor().Mul(step).Float64()
	return snapped
}

// SnapPrice rounds a price to the nearest tick.
func (v *Validator) SnapPrice(price float64) float64 {
	tick := decimal.NewFromFloat(v.filters.PriceTick)
	d := decimal.NewFromFloat(price)
	snapped, _ := d.Div(tick).Round(0).Mul(tick).Float64()
	return snapped
}

// ValidateOrder snaps the quantity and checks it against the symbol minimums.
// Correction by rounding is applied where safe; an order whose snapped size
// falls below the exchange minimums is rejected rather than silently grown,
// since growing it would change the order's risk semantics.
func (v *Validator) ValidateOrder(qty, price float64) (float64, error) {
	if price <= 0 {
		return 0, fmt.Errorf("%w: price %v is not positive", ports.ErrInvalidRequest, price)
	}
	snapped := v.SnapQuantity(qty)
	if snapped < v.filters.MinQty || snapped <= 0 {
		return 0, fmt.Errorf("%w: quantity %v below minimum %v for %s",
			ports.ErrBelowMinNotional, snapped, v.filters.MinQty, v.filters.Symbol)
	}
	if notional := snapped * price; notional < v.filters.MinNotional {
		return 0, fmt.Errorf("%w: notional %.8f below minimum %v for %s",
			ports.ErrBelowMinNotional, notional, v.filters.MinNotional, v.filters.Symbol)
	}
	return snapped, nil
}

// FormatQuantity renders a quantity with the precision implied by the step size.
func (v *Validator) FormatQuantity(qty float64) string {
	step := decimal.NewFromFloat(v.filters.QtyStep)
	return decimal.NewFromFloat(qty).Round(-step.Exponent()).String()
}

// FormatPrice renders a price with the precision implied by the tick size.
func (v *Validator) FormatPrice(price float64) string {
	tick := decimal.NewFromFloat(v.filters.PriceTick)
	return decimal.NewFromFloat(price).Round(-tick.Exponent()).String()
}
