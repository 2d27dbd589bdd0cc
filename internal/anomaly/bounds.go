package anomaly

import (
	"fmt"
	"maps"
	"slices"

	"quoteresolver/internal/quote"
)

// Bound is an inclusive validity range for one field.
type Bound struct {
	Min float64 `mapstructure:"min" json:"min"`
	Max float64 `mapstructure:"max" json:"max"`
}

// DefaultBounds are the ranges values are checked against after a merge.
func DefaultBounds() map[quote.Field]Bound {
	return map[quote.Field]Bound{
		quote.FieldFScore:      {Min: 0, Max: 9},
		quote.FieldTargetPrice: {Min: 0, Max: 5000},
	}
}

// CheckBounds logs an out-of-range anomaly for every present field outside
// its bound, in field name order. Values are kept as they are.
func CheckBounds(l interface {
	LogAnomaly(Category, quote.Symbol, string)
}, rec *quote.Record, bounds map[quote.Field]Bound) int {
	n := 0
	for _, f := range slices.Sorted(maps.Keys(bounds)) {
		b := bounds[f]
		v, ok := rec.Get(f)
		if !ok || (v >= b.Min && v <= b.Max) {
			continue
		}
		l.LogAnomaly(OutOfRange, rec.Symbol, fmt.Sprintf("%s=%g outside [%g, %g]", f, v, b.Min, b.Max))
		n++
	}
	return n
}
