// Package metrics derives labels, radar scores and a price projection from a
// resolved record. Everything here is pure and deterministic.
package metrics

import (
	"math"

	"github.com/shopspring/decimal"

	"quoteresolver/internal/quote"
)

const (
	HealthStrong   = "strong"
	HealthAdequate = "adequate"
	HealthWeak     = "weak"

	GrowthAccelerating = "accelerating"
	GrowthModerate     = "moderate"
	GrowthFlat         = "flat"
	GrowthDeclining    = "declining"

	ConfidenceMedium = "medium"
	ConfidenceLow    = "low"
)

// Radar dimensions in output order.
const (
	DimMomentum = "momentum"
	DimTrend    = "trend"
	DimScale    = "scale"
	DimSafety   = "safety"
	DimValue    = "value"
)

// Params holds the breakpoints used by Enrich.
type Params struct {
	StrongROE       float64 `mapstructure:"strong_roe"`
	StrongZ         float64 `mapstructure:"strong_z"`
	AdequateROE     float64 `mapstructure:"adequate_roe"`
	AdequateZ       float64 `mapstructure:"adequate_z"`
	WeakZ           float64 `mapstructure:"weak_z"`
	WeakDebt        float64 `mapstructure:"weak_debt"`
	FastGrowth      float64 `mapstructure:"fast_growth"`
	FastFScore      float64 `mapstructure:"fast_fscore"`
	ModerateGrowth  float64 `mapstructure:"moderate_growth"`
	DeclineGrowth   float64 `mapstructure:"decline_growth"`
	ConfidentFScore float64 `mapstructure:"confident_fscore"`
	BandK           float64 `mapstructure:"band_k"`
	BandDays        int     `mapstructure:"band_days"`
	RadarMin        float64 `mapstructure:"radar_min"`
	RadarMax        float64 `mapstructure:"radar_max"`
}

func DefaultParams() Params {
	return Params{
		StrongROE:       15,
		StrongZ:         2.5,
		AdequateROE:     8,
		AdequateZ:       1.2,
		WeakZ:           0.5,
		WeakDebt:        150,
		FastGrowth:      20,
		FastFScore:      6,
		ModerateGrowth:  5,
		DeclineGrowth:   -10,
		ConfidentFScore: 4,
		BandK:           2,
		BandDays:        14,
		RadarMin:        15,
		RadarMax:        100,
	}
}

// Enrich returns a copy of rec with Derived filled in. rec is not modified.
func Enrich(rec *quote.Record, p Params) *quote.Record {
	out := rec.Clone()
	if out == nil {
		return nil
	}
	price := out.Value(quote.FieldPrice, 1)

	d := &quote.Derived{
		Health: health(out, p),
		Growth: growth(out, p),
		Radar:  radar(out, price, p),
	}
	if target, ok := out.Get(quote.FieldTargetPrice); ok && target > 0 && price > 0 {
		u := round((target-price)/price*100, 2)
		d.Upside = &u
	}
	d.Projection = projection(out, price, p)
	out.Derived = d
	return out
}

func health(r *quote.Record, p Params) string {
	_, hasROE := r.Get(quote.FieldROE)
	_, hasZ := r.Get(quote.FieldZScore)
	if !hasROE && !hasZ {
		return ""
	}
	roe := r.Value(quote.FieldROE, 0)
	z := r.Value(quote.FieldZScore, 0)
	debt := r.Value(quote.FieldDebtToEquity, 100)
	switch {
	case roe > p.StrongROE && z > p.StrongZ:
		return HealthStrong
	case roe > p.AdequateROE && z > p.AdequateZ:
		return HealthAdequate
	case roe < 0 || z < p.WeakZ || debt > p.WeakDebt:
		return HealthWeak
	default:
		return HealthAdequate
	}
}

func growth(r *quote.Record, p Params) string {
	rev, ok := r.Get(quote.FieldRevGrowth)
	if !ok {
		return ""
	}
	switch {
	case rev > p.FastGrowth && r.Value(quote.FieldFScore, 0) >= p.FastFScore:
		return GrowthAccelerating
	case rev > p.ModerateGrowth:
		return GrowthModerate
	case rev < p.DeclineGrowth:
		return GrowthDeclining
	default:
		return GrowthFlat
	}
}

func radar(r *quote.Record, price float64, p Params) []quote.RadarPoint {
	momentum := 50 + r.Value(quote.FieldTechnicalRating, 0)*30 + r.Value(quote.FieldRevGrowth, 0)*0.5

	sma50 := r.Value(quote.FieldSMA50, price)
	trend := 50 + (price-sma50)/math.Max(1, sma50)*150

	scale := 60.0
	if mcap, ok := r.Get(quote.FieldMarketCap); ok {
		scale = 40 + math.Log10(math.Max(1e9, mcap))/12*40
	}

	safety := r.Value(quote.FieldFScore, 3)*10 + math.Max(0, 30-r.Value(quote.FieldDebtToEquity, 100)/4)

	value := 50.0
	if price > 0 {
		value = r.Value(quote.FieldGrahamNumber, 0)/price*60 + r.Value(quote.FieldGrossMargin, 0)*0.4
	}

	return []quote.RadarPoint{
		{Dimension: DimMomentum, Score: clamp(momentum, p)},
		{Dimension: DimTrend, Score: clamp(trend, p)},
		{Dimension: DimScale, Score: clamp(scale, p)},
		{Dimension: DimSafety, Score: clamp(safety, p)},
		{Dimension: DimValue, Score: clamp(value, p)},
	}
}

func projection(r *quote.Record, price float64, p Params) quote.Projection {
	atr := r.Value(quote.FieldATR, price*0.02)
	pr := quote.Projection{
		Upper:         round(price+atr*p.BandK, 4),
		Lower:         round(price-atr*p.BandK, 4),
		Days:          p.BandDays,
		Confidence:    ConfidenceLow,
		ConfidencePct: 45,
	}
	if r.Value(quote.FieldFScore, 0) > p.ConfidentFScore {
		pr.Confidence, pr.ConfidencePct = ConfidenceMedium, 68
	}
	return pr
}

// clamp bounds v to the radar range; NaN maps to the floor.
func clamp(v float64, p Params) float64 {
	if math.IsNaN(v) {
		return p.RadarMin
	}
	return round(math.Max(p.RadarMin, math.Min(p.RadarMax, v)), 2)
}

func round(v float64, places int32) float64 {
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return v
	}
	return decimal.NewFromFloat(v).Round(places).InexactFloat64()
}
