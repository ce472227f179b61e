package settlement

import "github.com/shopspring/decimal"

// Structure is the shape of the futures curve between two contract months.
type Structure string

const (
	Contango      Structure = "contango"
	Backwardation Structure = "backwardation"
	Flat          Structure = "flat"
)

// Spread compares a nearer and a farther contract month.
type Spread struct {
	Near      decimal.Decimal `json:"near"`
	Far       decimal.Decimal `json:"far"`
	Value     decimal.Decimal `json:"value"`   // far - near
	Percent   decimal.Decimal `json:"percent"` // of near, 4 dp
	Structure Structure       `json:"structure"`
}

var hundred = decimal.NewFromInt(100)

// ComputeSpread returns the spread of far over near. A positive spread
// (farther more expensive) is contango.
func ComputeSpread(near, far decimal.Decimal) Spread {
	s := Spread{
		Near:      near,
		Far:       far,
		Value:     far.Sub(near),
		Percent:   decimal.Zero,
		Structure: Flat,
	}
	if !near.IsZero() {
		s.Percent = s.Value.Div(near).Mul(hundred).Round(4)
	}
	switch s.Value.Sign() {
	case 1:
		s.Structure = Contango
	case -1:
		s.Structure = Backwardation
	}
	return s
}

// LandedCost converts a price into local currency with the duty factor
// applied.
func LandedCost(price, rate, duty decimal.Decimal) decimal.Decimal {
	return price.Mul(rate).Mul(duty)
}
