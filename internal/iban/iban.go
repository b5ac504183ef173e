// Package iban validates International Bank Account Numbers and resolves
// the bank behind them.
package iban

import (
	"regexp"
	"strings"
)

// ibanLengths is the expected IBAN length per country (common European
// countries). Unknown countries fall back to the 15..34 range from the
// standard.
var ibanLengths = map[string]int{
	"DE": 22, "AT": 20, "CH": 21, "FR": 27, "IT": 27, "ES": 24,
	"NL": 18, "BE": 16, "LU": 20, "PT": 25, "PL": 28, "CZ": 24,
	"GB": 22, "IE": 22, "DK": 18, "SE": 24, "NO": 15, "FI": 18,
}

var ibanPattern = regexp.MustCompile(`^[A-Z]{2}[0-9]{2}[A-Z0-9]+$`)

// Normalize removes whitespace and uppercases an IBAN.
func Normalize(iban string) string {
	return strings.ToUpper(strings.Join(strings.Fields(iban), ""))
}

// Validate checks an IBAN using the ISO 7064 Mod 97-10 checksum. It is a
// pure, total function: malformed input returns false, never an error.
func Validate(iban string) bool {
	iban = Normalize(iban)
	if iban == "" || !ibanPattern.MatchString(iban) {
		return false
	}

	country := iban[:2]
	if want, ok := ibanLengths[country]; ok {
		if len(iban) != want {
			return false
		}
	} else if len(iban) < 15 || len(iban) > 34 {
		return false
	}

	// Move the first four characters to the end, then map letters to
	// two-digit numbers (A=10 .. Z=35)
	rearranged := iban[4:] + iban[:4]

	// Compute the numeric string mod 97 incrementally to avoid big integers
	remainder := 0
	for _, c := range rearranged {
		switch {
		case c >= '0' && c <= '9':
			remainder = (remainder*10 + int(c-'0')) % 97
		case c >= 'A' && c <= 'Z':
			n := int(c-'A') + 10
			remainder = (remainder*100 + n) % 97
		default:
			return false
		}
	}
	return remainder == 1
}

// CountryCode returns the two-letter country prefix of an IBAN.
func CountryCode(iban string) string {
	iban = Normalize(iban)
	if len(iban) < 2 {
		return ""
	}
	return iban[:2]
}

// BankCode extracts the national bank-code segment of an IBAN. Currently
// only German IBANs carry a locally resolvable code (the 8-digit
// Bankleitzahl at positions 4-12); other countries return "".
func BankCode(iban string) string {
	iban = Normalize(iban)
	if !strings.HasPrefix(iban, "DE") || len(iban) != 22 {
		return ""
	}
	return iban[4:12]
}
