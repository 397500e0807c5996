// Package util provides small helpers shared across LFGQueue components.
package util

import (
	"math/rand/v2"
	"strings"
)

// GenerateRandomID generates a random ID with the specified prefix and hex length.
// The returned ID will be in the format: "{prefix}{hex_string}".
func GenerateRandomID(prefix string, hexLength int) string {
	return prefix + GenerateRandomHex(hexLength)
}

// GenerateRandomHex generates a random hexadecimal string of the specified length.
// Not for cryptographic use.
func GenerateRandomHex(length int) string {
	if length <= 0 {
		return ""
	}

	const hexChars = "0123456789abcdef"
	var builder strings.Builder
	builder.Grow(length)

	for i := 0; i < length; i++ {
		builder.WriteByte(hexChars[rand.IntN(16)])
	}

	return builder.String()
}

// GenerateRequestID generates an HTTP request ID with "req_" prefix.
func GenerateRequestID() string {
	return GenerateRandomID("req_", 16)
}

// GenerateWorkerID generates a classification worker ID with "w_" prefix.
func GenerateWorkerID() string {
	return GenerateRandomID("w_", 8)
}
