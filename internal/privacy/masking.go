package privacy

import (
	"strings"

	"courier/internal/constants"
)

// MaskAddress masks a participant address for logging, keeping only the
// trailing characters so two log lines about the same conversation can
// still be correlated.
// Example: "05a1b2c3...d4e5f6a7" -> "****f6a7"
func MaskAddress(address string) string {
	return maskTail(address, constants.DefaultAddressMaskLength)
}

// MaskBody replaces message content entirely; bodies never reach logs.
func MaskBody(body string) string {
	if body == "" {
		return ""
	}
	return "[redacted]"
}

func maskTail(s string, visible int) string {
	if s == "" {
		return ""
	}
	if len(s) <= visible {
		return strings.Repeat("*", len(s))
	}
	// Cap the run of asterisks so very long identifiers stay readable.
	masked := len(s) - visible
	if masked > 4 {
		masked = 4
	}
	return strings.Repeat("*", masked) + s[len(s)-visible:]
}
