package validate

import (
	"strings"
	"unicode"
)

const MaxKeyLength = 128

func Required(value string) bool {
	return strings.TrimSpace(value) != ""
}

// Key accepts a non-empty token of printable, non-space characters up to
// MaxKeyLength bytes.
func Key(value string) bool {
	if value == "" || len(value) > MaxKeyLength {
		return false
	}
	for _, r := range value {
		if unicode.IsSpace(r) || !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}
