package settlement

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestComputeSpread(t *testing.T) {
	tests := []struct {
		name      string
		near, far string
		value     string
		percent   string
		structure Structure
	}{
		{"contango", "2250", "2275", "25", "1.1111", Contango},
		{"backwardation", "2275", "2250", "-25", "-1.0989", Backwardation},
		{"flat", "2250", "2250.00", "0", "0", Flat},
		{"zero near", "0", "10", "10", "0", Contango},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := ComputeSpread(decimal.RequireFromString(tt.near), decimal.RequireFromString(tt.far))
			if !s.Value.Equal(decimal.RequireFromString(tt.value)) {
				t.Errorf("Value = %s, want %s", s.Value, tt.value)
			}
			if !s.Percent.Equal(decimal.RequireFromString(tt.percent)) {
				t.Errorf("Percent = %s, want %s", s.Percent, tt.percent)
			}
			if s.Structure != tt.structure {
				t.Errorf("Structure = %s, want %s", s.Structure, tt.structure)
			}
		})
	}
}

func TestLandedCost(t *testing.T) {
	got := LandedCost(
		decimal.RequireFromString("2250.5"),
		decimal.RequireFromString("83.2"),
		decimal.RequireFromString("1.15"),
	)
	want := decimal.RequireFromString("215327.84")
	if !got.Equal(want) {
		t.Errorf("LandedCost = %s, want %s", got, want)
	}
}
