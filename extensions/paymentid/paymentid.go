// Package paymentid generates and validates the opaque identifiers the
// engine attaches to verified payments.
package paymentid

import (
	"regexp"
	"strings"

	"github.com/google/uuid"
)

const (
	// MinLength is the minimum accepted payment ID length.
	MinLength = 16
	// MaxLength is the maximum accepted payment ID length.
	MaxLength = 128
)

var idPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// New generates a unique payment identifier with the given prefix.
// If prefix is empty, "pay_" is used as the default prefix.
//
// The generated ID format is: prefix + UUID v4 without hyphens (32 hex chars)
// Example: "pay_7d5d747be160e280504c099d984bcfe0"
func New(prefix string) string {
	if prefix == "" {
		prefix = "pay_"
	}
	uuidStr := strings.ReplaceAll(uuid.New().String(), "-", "")
	return prefix + uuidStr
}

// IsValid reports whether id meets the format requirements: 16 to 128
// characters of alphanumerics, hyphens, and underscores.
func IsValid(id string) bool {
	if len(id) < MinLength || len(id) > MaxLength {
		return false
	}
	return idPattern.MatchString(id)
}
