// Package fieldbag normalizes loosely typed provider payloads into record
// fields using declarative label tables.
package fieldbag

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"github.com/shopspring/decimal"

	"quoteresolver/internal/quote"
)

// DefaultLimit bounds the magnitude of any accepted value unless a Spec
// overrides it.
const DefaultLimit = 1e12

// Bag is a provider payload keyed by the provider's own field labels.
type Bag map[string]any

// Spec maps one canonical field to the labels a provider may use for it.
// Labels are tried in order; the first present, parseable value wins.
type Spec struct {
	Field   quote.Field
	Labels  []string
	Default *float64
	Limit   float64
}

// ErrAbsent reports a missing or blank value.
var ErrAbsent = errors.New("fieldbag: absent")

var ratings = map[string]float64{
	"strong buy":  1,
	"buy":         0.5,
	"neutral":     0,
	"sell":        -0.5,
	"strong sell": -1,
}

// Parse converts v to a finite float64. Blank values return ErrAbsent;
// non-finite, oversized or unparseable values return quote.ErrMalformedValue.
func Parse(v any, limit float64) (float64, error) {
	if limit <= 0 {
		limit = DefaultLimit
	}
	var f float64
	switch x := v.(type) {
	case nil:
		return 0, ErrAbsent
	case float64:
		f = x
	case float32:
		f = float64(x)
	case int:
		f = float64(x)
	case int32:
		f = float64(x)
	case int64:
		f = float64(x)
	case uint:
		f = float64(x)
	case uint64:
		f = float64(x)
	case json.Number:
		d, err := decimal.NewFromString(x.String())
		if err != nil {
			return 0, quote.Wrap(quote.KindMalformedValue, "parse", "", err)
		}
		f = d.InexactFloat64()
	case string:
		return parseString(x, limit)
	default:
		return 0, quote.Wrap(quote.KindMalformedValue, "parse", "", fmt.Errorf("unsupported type %T", v))
	}
	return check(f, limit)
}

func parseString(s string, limit float64) (float64, error) {
	s = strings.TrimSpace(s)
	switch strings.ToLower(s) {
	case "", "-", "n/a", "na", "none", "null", "nan":
		return 0, ErrAbsent
	}
	if r, ok := ratings[strings.ToLower(s)]; ok {
		return r, nil
	}
	clean := strings.NewReplacer(",", "", "%", "", "+", "", " ", "").Replace(s)
	d, err := decimal.NewFromString(clean)
	if err != nil {
		return 0, quote.Wrap(quote.KindMalformedValue, "parse", "", fmt.Errorf("%q: %w", s, err))
	}
	return check(d.InexactFloat64(), limit)
}

func check(f, limit float64) (float64, error) {
	if math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, quote.Wrap(quote.KindMalformedValue, "parse", "", errors.New("non-finite"))
	}
	if math.Abs(f) > limit {
		return 0, quote.Wrap(quote.KindMalformedValue, "parse", "", fmt.Errorf("%g exceeds %g", f, limit))
	}
	return f, nil
}

// Number looks up the first usable value among labels.
func (b Bag) Number(limit float64, labels ...string) (float64, bool) {
	for _, l := range labels {
		v, ok := b[l]
		if !ok {
			continue
		}
		if f, err := Parse(v, limit); err == nil {
			return f, true
		}
	}
	return 0, false
}

// Text returns the first non-blank string among labels.
func (b Bag) Text(labels ...string) string {
	for _, l := range labels {
		if s, ok := b[l].(string); ok {
			s = strings.TrimSpace(s)
			if s != "" && s != "-" {
				return s
			}
		}
	}
	return ""
}

// Apply resolves every spec against b. Fields with neither a value nor a
// default are left out. Malformed values are reported through onMalformed
// when it is non-nil and are otherwise treated as absent.
func Apply(b Bag, specs []Spec, onMalformed func(quote.Field, string, error)) map[quote.Field]float64 {
	out := make(map[quote.Field]float64, len(specs))
	for _, s := range specs {
		found := false
		for _, l := range s.Labels {
			v, ok := b[l]
			if !ok {
				continue
			}
			f, err := Parse(v, s.Limit)
			if err != nil {
				if onMalformed != nil && !errors.Is(err, ErrAbsent) {
					onMalformed(s.Field, l, err)
				}
				continue
			}
			out[s.Field] = f
			found = true
			break
		}
		if !found && s.Default != nil {
			out[s.Field] = *s.Default
		}
	}
	return out
}

// Labels is a small constructor for spec tables: the canonical field name is
// always accepted as the first label.
func Labels(f quote.Field, labels ...string) Spec {
	return Spec{Field: f, Labels: append([]string{string(f)}, labels...)}
}

// WithDefault returns s with a default value.
func (s Spec) WithDefault(v float64) Spec {
	s.Default = &v
	return s
}

// WithLimit returns s with a magnitude limit.
func (s Spec) WithLimit(limit float64) Spec {
	s.Limit = limit
	return s
}
