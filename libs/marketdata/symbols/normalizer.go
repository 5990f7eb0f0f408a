// Package symbols implements the symbol normalizer and FIGI resolver (C1):
// translating a canonical symbol into vendor-specific wire form, and
// resolving ticker/ISIN/CUSIP/SEDOL identifiers to FIGI records via
// OpenFIGI, subject to the rate-limit governor.
package symbols

import "strings"

// Rule describes how a vendor's wire form diverges from the canonical
// symbol. Fields are applied in order: uppercase/strip first, then the
// share-class separator swap, then the exchange suffix.
type Rule struct {
	Uppercase        bool
	StripWhitespace  bool
	ShareClassFrom   string // e.g. "." in "BRK.B"
	ShareClassTo     string // e.g. "/" for some vendors' "BRK/B"
	ExchangeSuffixes map[string]string // market code -> suffix, e.g. "UK" -> ".L"
}

// Normalizer holds one Rule per vendor. Vendors with no registered rule
// pass symbols through unchanged.
type Normalizer struct {
	rules map[string]Rule
}

// NewNormalizer builds a Normalizer pre-seeded with the rulesets for the
// vendors in the registered provider set.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		rules: map[string]Rule{
			"polygon": {Uppercase: true, StripWhitespace: true},
			"alpaca":  {Uppercase: true, StripWhitespace: true},
			"yahoo": {
				Uppercase:       true,
				StripWhitespace: true,
				ExchangeSuffixes: map[string]string{
					"UK": ".L",
					"JP": ".T",
				},
			},
		},
	}
}

// SetRule registers or replaces the rule for vendor.
func (n *Normalizer) SetRule(vendor string, rule Rule) {
	n.rules[vendor] = rule
}

// Normalize translates symbol to vendor's wire form for a symbol traded
// on marketCode (empty if not applicable). Unknown vendors are returned
// unchanged.
func (n *Normalizer) Normalize(symbol, vendor, marketCode string) string {
	rule, ok := n.rules[vendor]
	if !ok {
		return symbol
	}

	out := symbol
	if rule.StripWhitespace {
		out = strings.TrimSpace(out)
		out = strings.ReplaceAll(out, " ", "")
	}
	if rule.Uppercase {
		out = strings.ToUpper(out)
	}
	if rule.ShareClassFrom != "" {
		out = strings.ReplaceAll(out, rule.ShareClassFrom, rule.ShareClassTo)
	}
	if suffix, ok := rule.ExchangeSuffixes[marketCode]; ok && !strings.HasSuffix(out, suffix) {
		out += suffix
	}
	return out
}
