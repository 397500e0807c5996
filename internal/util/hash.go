package util

import (
	"hash/fnv"
	"strconv"
)

// StableInt63 maps an external string identifier to a positive int64 that is
// the same on every run. Zero is never returned.
func StableInt63(s string) int64 {
	h := fnv.New64a()
	h.Write([]byte(s))
	v := int64(h.Sum64() & (1<<63 - 1))
	if v == 0 {
		return 1
	}
	return v
}

// NumericOrStableInt63 returns s parsed as a positive integer when it is one,
// and StableInt63(s) otherwise.
func NumericOrStableInt63(s string) int64 {
	if n, err := strconv.ParseInt(s, 10, 64); err == nil && n > 0 {
		return n
	}
	return StableInt63(s)
}
