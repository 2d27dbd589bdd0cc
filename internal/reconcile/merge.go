package reconcile

import (
	"maps"
	"math"
	"slices"

	"quoteresolver/internal/quote"
)

// Thresholds are relative deviations from the current price.
type Thresholds struct {
	// PriceDivergence aborts a merge when the providers' prices differ by more.
	PriceDivergence float64 `mapstructure:"price_divergence"`
	// TargetSuspicion marks a target price as suspicious.
	TargetSuspicion float64 `mapstructure:"target_suspicion"`
	// TargetRejection rejects a target price outright.
	TargetRejection float64 `mapstructure:"target_rejection"`
}

func DefaultThresholds() Thresholds {
	return Thresholds{PriceDivergence: 0.5, TargetSuspicion: 0.5, TargetRejection: 0.8}
}

type grade int

const (
	gradeMissing grade = iota
	gradeOK
	gradeSuspicious
	gradeRejected
)

func gradeTarget(price float64, v *float64, th Thresholds) grade {
	if v == nil || *v == 0 {
		return gradeMissing
	}
	dev := math.Abs(*v-price) / price
	switch {
	case dev <= th.TargetSuspicion:
		return gradeOK
	case dev <= th.TargetRejection:
		return gradeSuspicious
	default:
		return gradeRejected
	}
}

// ReconcileTarget picks a target price from the primary and secondary
// candidates given the resolved price. A nil result means the target is
// unknown. rejected reports whether a candidate was discarded as implausible.
func ReconcileTarget(price float64, primary, secondary *float64, th Thresholds) (v *float64, rejected bool) {
	if price <= 0 {
		return pick(primary, secondary), false
	}
	gp, gs := gradeTarget(price, primary, th), gradeTarget(price, secondary, th)
	rejected = gp == gradeRejected || gs == gradeRejected
	switch {
	case gp == gradeOK:
		return primary, rejected
	case gs == gradeOK:
		return secondary, rejected
	case gp == gradeSuspicious && gs != gradeSuspicious:
		return primary, rejected
	case gp == gradeMissing && gs == gradeMissing:
		return pick(primary, secondary), false
	default:
		// both suspicious, or nothing better than a rejected value
		return nil, rejected
	}
}

// pick applies the general precedence: the primary's non-zero value, then the
// secondary's non-zero value, then a reported zero.
func pick(primary, secondary *float64) *float64 {
	switch {
	case primary != nil && *primary != 0:
		return primary
	case secondary != nil && *secondary != 0:
		return secondary
	case primary != nil:
		return primary
	default:
		return secondary
	}
}

func ptr(r *quote.Record, f quote.Field) *float64 {
	if v, ok := r.Get(f); ok {
		return &v
	}
	return nil
}

// MergeResult describes the outcome of Merge.
type MergeResult struct {
	Record *quote.Record
	// Diverged is set when the prices disagree and the secondary was ignored.
	Diverged bool
	// TargetRejected is set when a target candidate was discarded.
	TargetRejected bool
	// Contributed is set when the secondary supplied at least one value.
	Contributed bool
}

// Merge combines two records field by field, preferring the primary. A nil
// secondary still runs the target price check. Neither input is modified.
func Merge(primary, secondary *quote.Record, th Thresholds) MergeResult {
	out := primary.Clone()
	if secondary == nil {
		secondary = &quote.Record{}
	}
	res := MergeResult{Record: out}
	pa, aok := primary.Get(quote.FieldPrice)
	pb, bok := secondary.Get(quote.FieldPrice)
	if aok && bok && pa > 0 && pb > 0 && math.Abs(pb-pa)/pa > th.PriceDivergence {
		// the secondary is describing something else; only sanity-check the primary
		res.Diverged = true
		secondary = &quote.Record{}
	}

	keys := slices.Sorted(maps.Keys(secondary.Fields))
	for _, f := range keys {
		if f == quote.FieldTargetPrice {
			continue
		}
		a, b := ptr(primary, f), ptr(secondary, f)
		if v := pick(a, b); v == b && (a == nil || *a != *b) {
			out.Set(f, *v)
			res.Contributed = true
		}
	}

	price := out.Value(quote.FieldPrice, 0)
	pt, st := ptr(primary, quote.FieldTargetPrice), ptr(secondary, quote.FieldTargetPrice)
	target, rejected := ReconcileTarget(price, pt, st, th)
	res.TargetRejected = rejected
	switch {
	case target == nil:
		out.Unset(quote.FieldTargetPrice)
	default:
		out.Set(quote.FieldTargetPrice, *target)
		if target == st && (pt == nil || *pt != *st) {
			res.Contributed = true
		}
	}

	for _, filled := range []bool{
		fill(&out.Name, secondary.Name),
		fill(&out.Exchange, secondary.Exchange),
		fill(&out.Sector, secondary.Sector),
		fill(&out.Industry, secondary.Industry),
		fill(&out.Currency, secondary.Currency),
	} {
		res.Contributed = res.Contributed || filled
	}

	if res.Contributed {
		for _, p := range secondary.Provenance {
			if !slices.Contains(out.Provenance, p) {
				out.Provenance = append(out.Provenance, p)
			}
		}
	}
	return res
}

func fill(dst *string, src string) bool {
	if *dst != "" || src == "" {
		return false
	}
	*dst = src
	return true
}
