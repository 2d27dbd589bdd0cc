package quote

import (
	"math"
	"slices"
	"time"
)

// Field names a numeric attribute of a Record.
type Field string

const (
	FieldPrice           Field = "price"
	FieldChange          Field = "change"
	FieldChangePercent   Field = "changePercent"
	FieldVolume          Field = "volume"
	FieldMarketCap       Field = "marketCap"
	FieldTechnicalRating Field = "technicalRating"
	FieldAnalystRating   Field = "analystRating"
	FieldRelativeVolume  Field = "relativeVolume"
	FieldRSI             Field = "rsi"
	FieldATR             Field = "atr"
	FieldSMA20           Field = "sma20"
	FieldSMA50           Field = "sma50"
	FieldSMA200          Field = "sma200"
	FieldFScore          Field = "fScore"
	FieldZScore          Field = "zScore"
	FieldGrahamNumber    Field = "grahamNumber"
	FieldEPS             Field = "eps"
	FieldTargetPrice     Field = "targetPrice"
	FieldGrossMargin     Field = "grossMargin"
	FieldOperatingMargin Field = "operatingMargin"
	FieldNetMargin       Field = "netMargin"
	FieldROE             Field = "roe"
	FieldROA             Field = "roa"
	FieldDebtToEquity    Field = "debtToEquity"
	FieldRevGrowth       Field = "revGrowth"
	FieldNetGrowth       Field = "netGrowth"
	FieldEPSGrowth       Field = "epsGrowth"
	FieldPERatio         Field = "peRatio"
	FieldPBRatio         Field = "pbRatio"
	FieldPEGRatio        Field = "pegRatio"
	FieldDividendYield   Field = "yield"
	FieldCurrentRatio    Field = "currentRatio"
	FieldQuickRatio      Field = "quickRatio"
	FieldFreeCashFlow    Field = "freeCashFlow"
)

// CriticalFields must be present for downstream scoring. Zero is a valid value.
var CriticalFields = []Field{FieldFScore, FieldEPS, FieldZScore, FieldTargetPrice}

// Record is the normalized result for one Symbol.
//
// Numeric values live in Fields; a missing key means unknown. Records are
// treated as immutable once they leave the reconciliation engine: produce a
// new version with Clone instead of patching a cached one.
type Record struct {
	Symbol     Symbol            `json:"symbol"`
	Name       string            `json:"name,omitempty"`
	Market     Market            `json:"market"`
	Exchange   string            `json:"exchange,omitempty"`
	Sector     string            `json:"sector,omitempty"`
	Industry   string            `json:"industry,omitempty"`
	Currency   string            `json:"currency,omitempty"`
	Fields     map[Field]float64 `json:"fields"`
	Provenance []string          `json:"provenance"`
	ResolvedAt time.Time         `json:"resolvedAt"`
	Derived    *Derived          `json:"derived,omitempty"`
	History    []Bar             `json:"history,omitempty"`
	HistoryKey string            `json:"historyKey,omitempty"`
	HistoryAt  time.Time         `json:"historyAt,omitzero"`
}

// Derived holds values computed from the resolved fields.
type Derived struct {
	Health     string       `json:"health,omitempty"`
	Growth     string       `json:"growth,omitempty"`
	Radar      []RadarPoint `json:"radar"`
	Upside     *float64     `json:"upside,omitempty"`
	Projection Projection   `json:"projection"`
}

type RadarPoint struct {
	Dimension string  `json:"dimension"`
	Score     float64 `json:"score"`
}

type Projection struct {
	Upper         float64 `json:"upper"`
	Lower         float64 `json:"lower"`
	Days          int     `json:"days"`
	Confidence    string  `json:"confidence"`
	ConfidencePct int     `json:"confidencePct"`
}

// Bar is one OHLCV sample.
type Bar struct {
	Time   time.Time `json:"time"`
	Open   float64   `json:"open"`
	High   float64   `json:"high"`
	Low    float64   `json:"low"`
	Close  float64   `json:"close"`
	Volume float64   `json:"volume"`
}

// Get returns the value of f and whether it is known.
func (r *Record) Get(f Field) (float64, bool) {
	if r == nil || r.Fields == nil {
		return 0, false
	}
	v, ok := r.Fields[f]
	return v, ok
}

// Value returns the value of f or def when unknown.
func (r *Record) Value(f Field, def float64) float64 {
	if v, ok := r.Get(f); ok {
		return v
	}
	return def
}

// Set stores v for f. Non-finite values clear the field.
func (r *Record) Set(f Field, v float64) {
	if r.Fields == nil {
		r.Fields = make(map[Field]float64)
	}
	if math.IsNaN(v) || math.IsInf(v, 0) {
		delete(r.Fields, f)
		return
	}
	r.Fields[f] = v
}

// Unset marks f as unknown.
func (r *Record) Unset(f Field) { delete(r.Fields, f) }

// Usable reports whether the record identifies an instrument at all.
func (r *Record) Usable() bool {
	if r == nil {
		return false
	}
	if r.Name != "" {
		return true
	}
	p, ok := r.Get(FieldPrice)
	return ok && p > 0
}

// MissingCritical lists the critical fields that are unknown.
func (r *Record) MissingCritical() []Field {
	var out []Field
	for _, f := range CriticalFields {
		if _, ok := r.Get(f); !ok {
			out = append(out, f)
		}
	}
	return out
}

// Clone returns a deep copy.
func (r *Record) Clone() *Record {
	if r == nil {
		return nil
	}
	c := *r
	if r.Fields != nil {
		c.Fields = make(map[Field]float64, len(r.Fields))
		for k, v := range r.Fields {
			c.Fields[k] = v
		}
	}
	c.Provenance = slices.Clone(r.Provenance)
	c.History = slices.Clone(r.History)
	if r.Derived != nil {
		d := *r.Derived
		d.Radar = slices.Clone(r.Derived.Radar)
		if r.Derived.Upside != nil {
			u := *r.Derived.Upside
			d.Upside = &u
		}
		c.Derived = &d
	}
	return &c
}
