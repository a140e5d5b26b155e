package dispatch

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
)

// AddressSuffix is appended to normalized numbers to form a user address.
const AddressSuffix = "@s.whatsapp.net"

// DefaultCountryCode replaces the leading national trunk digit.
const DefaultCountryCode = "62"

// Target is one message recipient of a blast. ID is opaque and echoed back
// verbatim in the sent_success event.
type Target struct {
	ID       json.RawMessage `json:"id"`
	Name     string          `json:"nama"`
	Number   string          `json:"nomor"`
	Template string          `json:"pesan"`
	Address  string          `json:"alamat,omitempty"`
}

var (
	nonDigit    = regexp.MustCompile(`\D`)
	namePH      = regexp.MustCompile(`(?i)\[name\]`)
	addressPH   = regexp.MustCompile(`(?i)\[address\]`)
	lineBreakPH = "[enter]"
)

// NormalizeAddress turns a phone-like string into a destination address.
// Non-digits are stripped, a leading 0 becomes countryCode and the network
// suffix is appended. Applying it to its own output is a no-op.
func NormalizeAddress(raw, countryCode string) (string, error) {
	if countryCode == "" {
		countryCode = DefaultCountryCode
	}
	digits := nonDigit.ReplaceAllString(raw, "")
	if digits == "" {
		return "", fmt.Errorf("%w: %q", ErrInvalidDestination, raw)
	}
	if strings.HasPrefix(digits, "0") {
		digits = countryCode + digits[1:]
	}
	return digits + AddressSuffix, nil
}

// RenderTemplate fills [Name] and [Address] (any case) and turns [enter]
// into a newline. A missing address renders as empty.
func RenderTemplate(tpl, name, address string) string {
	out := namePH.ReplaceAllLiteralString(tpl, name)
	out = addressPH.ReplaceAllLiteralString(out, address)
	return strings.ReplaceAll(out, lineBreakPH, "\n")
}
