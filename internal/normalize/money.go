package normalize

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

// numberPattern matches a number with optional grouping and decimal separators
var numberPattern = regexp.MustCompile(`\d(?:[\d.,' \x{00A0}\x{202F}]*\d)?`)

var isoCodePattern = regexp.MustCompile(`\b[A-Z]{3}\b`)

var knownCurrencies = map[string]bool{
	"USD": true, "EUR": true, "GBP": true, "RUB": true, "UAH": true, "KZT": true, "BYN": true,
	"JPY": true, "CNY": true, "CHF": true, "PLN": true, "CZK": true, "TRY": true, "CAD": true,
	"AUD": true, "SEK": true, "NOK": true, "DKK": true, "GEL": true, "AMD": true, "INR": true,
}

// currencySymbols is checked in order, so longer symbols come first
var currencySymbols = []struct {
	symbol string
	code   string
}{
	{"us$", "USD"},
	{"руб", "RUB"},
	{"zł", "PLN"},
	{"$", "USD"},
	{"€", "EUR"},
	{"£", "GBP"},
	{"₽", "RUB"},
	{"₴", "UAH"},
	{"₸", "KZT"},
	{"₺", "TRY"},
	{"¥", "JPY"},
	{"₹", "INR"},
}

// totalKeywords mark lines that carry the receipt total
var totalKeywords = []string{"grand total", "total", "amount due", "sum", "итого", "итог", "всего", "к оплате", "сумма"}

// subtotalKeywords mark lines that look like totals but are not
var subtotalKeywords = []string{"subtotal", "sub total", "sub-total", "подытог"}

// parseAmount reads the last number in s. A lone separator followed by exactly three
// digits is a grouping separator unless the locale writes that separator as decimal.
func parseAmount(s string, decimalComma bool) (decimal.Decimal, error) {
	matches := numberPattern.FindAllString(s, -1)
	if len(matches) == 0 {
		return decimal.Zero, fmt.Errorf("no number in %q", s)
	}
	canonical := canonicalNumber(matches[len(matches)-1], decimalComma)
	v, err := decimal.NewFromString(canonical)
	if err != nil {
		return decimal.Zero, fmt.Errorf("parsing amount %q: %w", s, err)
	}
	return v, nil
}

func canonicalNumber(raw string, decimalComma bool) string {
	s := strings.Map(func(r rune) rune {
		switch r {
		case ' ', '\u00a0', '\u202f', '\'':
			return -1
		}
		return r
	}, raw)

	lastComma := strings.LastIndexByte(s, ',')
	lastDot := strings.LastIndexByte(s, '.')
	sep := -1
	switch {
	case lastComma >= 0 && lastDot >= 0:
		sep = max(lastComma, lastDot)
	case lastComma >= 0:
		sep = decimalIndex(s, ',', decimalComma)
	case lastDot >= 0:
		sep = decimalIndex(s, '.', !decimalComma)
	}

	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= '0' && c <= '9':
			b.WriteByte(c)
		case i == sep:
			b.WriteByte('.')
		}
	}
	return b.String()
}

// decimalIndex returns the index of c when it acts as the decimal separator, or -1
func decimalIndex(s string, c byte, localeDecimal bool) int {
	if strings.Count(s, string(c)) > 1 {
		return -1
	}
	i := strings.LastIndexByte(s, c)
	switch frac := len(s) - i - 1; {
	case frac == 0:
		return -1
	case frac == 3:
		if localeDecimal {
			return i
		}
		return -1
	}
	return i
}

// rawTotals collects the distinct amounts printed on total lines of the raw text
func rawTotals(raw string, decimalComma bool) []decimal.Decimal {
	var totals []decimal.Decimal
	for _, line := range strings.Split(raw, "\n") {
		if !isTotalLine(line) {
			continue
		}
		v, err := parseAmount(line, decimalComma)
		if err != nil {
			continue
		}
		seen := false
		for _, t := range totals {
			if t.Equal(v) {
				seen = true
				break
			}
		}
		if !seen {
			totals = append(totals, v)
		}
	}
	sort.Slice(totals, func(i, j int) bool { return totals[i].LessThan(totals[j]) })
	return totals
}

func isTotalLine(line string) bool {
	lower := strings.ToLower(line)
	for _, k := range subtotalKeywords {
		if strings.Contains(lower, k) {
			return false
		}
	}
	for _, k := range totalKeywords {
		if strings.Contains(lower, k) {
			return true
		}
	}
	return false
}

// normalizeCurrency maps a currency field to an ISO 4217 code
func normalizeCurrency(s string) string {
	s = strings.TrimSpace(s)
	if s == "" {
		return ""
	}
	if upper := strings.ToUpper(s); knownCurrencies[upper] {
		return upper
	}
	return detectCurrency(s)
}

// detectCurrency finds an ISO code or currency symbol in free text
func detectCurrency(s string) string {
	for _, code := range isoCodePattern.FindAllString(s, -1) {
		if knownCurrencies[code] {
			return code
		}
	}
	lower := strings.ToLower(s)
	for _, cs := range currencySymbols {
		if strings.Contains(lower, cs.symbol) {
			return cs.code
		}
	}
	return ""
}
