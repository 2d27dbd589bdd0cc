package quote

import (
	"regexp"
	"strings"
	"unicode"

	"golang.org/x/text/cases"
	"golang.org/x/text/language"
)

// Symbol is a normalized instrument identifier and the key for all caching.
type Symbol string

// Market is the listing venue family a symbol belongs to.
type Market string

const (
	MarketTW Market = "TW"
	MarketUS Market = "US"
)

var twSuffix = regexp.MustCompile(`(?i)\.TWO?$`)

// NormalizeSymbol trims, strips a Taiwan market suffix and uppercases raw.
// Alias resolution from display names happens in the store.
func NormalizeSymbol(raw string) Symbol {
	s := strings.TrimSpace(raw)
	s = twSuffix.ReplaceAllString(s, "")
	return Symbol(cases.Upper(language.Und).String(s))
}

// Market infers the market from the symbol shape: CJK names and short
// numeric codes are Taiwanese listings, everything else is US.
func (s Symbol) Market() Market {
	str := string(s)
	if str == "" {
		return MarketUS
	}
	digits := true
	for _, r := range str {
		if unicode.Is(unicode.Han, r) {
			return MarketTW
		}
		if !unicode.IsDigit(r) {
			digits = false
		}
	}
	if digits && len(str) <= 6 {
		return MarketTW
	}
	return MarketUS
}

func (s Symbol) String() string { return string(s) }
