// Package util provides parsing helpers for the broker's loosely typed
// numeric fields.
package util

import (
	"strconv"
	"strings"
)

// ParseInt converts a broker numeric string to an int. The API prefixes
// prices with "+"/"-" to indicate direction and inserts thousands commas;
// the leading "+" and commas are stripped, a leading "-" is preserved.
// Empty, blank, or unparseable input yields 0.
func ParseInt(s string) int {
	clean := strings.TrimSpace(s)
	clean = strings.ReplaceAll(clean, ",", "")
	clean = strings.TrimPrefix(clean, "+")
	if clean == "" {
		return 0
	}
	n, err := strconv.Atoi(clean)
	if err != nil {
		return 0
	}
	return n
}

// ParseFloat is ParseInt for fractional fields such as profit rates.
func ParseFloat(s string) float64 {
	clean := strings.TrimSpace(s)
	clean = strings.ReplaceAll(clean, ",", "")
	clean = strings.TrimPrefix(clean, "+")
	if clean == "" {
		return 0
	}
	f, err := strconv.ParseFloat(clean, 64)
	if err != nil {
		return 0
	}
	return f
}

// ParseAbsInt parses like ParseInt but drops the sign entirely. Tick
// prices arrive signed by direction while the magnitude is the price.
func ParseAbsInt(s string) int {
	n := ParseInt(s)
	if n < 0 {
		return -n
	}
	return n
}

// FirstNonEmpty returns the first non-blank string in vals. Broker
// responses name the same field inconsistently across TRs.
func FirstNonEmpty(vals ...string) string {
	for _, v := range vals {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}

// StripSymbolPrefix removes the exchange prefix ("A" for KOSPI/KOSDAQ,
// "J" for ELW) that some feeds prepend to six-digit symbol codes.
func StripSymbolPrefix(code string) string {
	return strings.TrimLeft(code, "AJ")
}
