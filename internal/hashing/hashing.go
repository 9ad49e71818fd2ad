// Package hashing provides the polynomial string hash used for shard routing
// and modulo server placement.
package hashing

import "unicode/utf16"

// String computes h = h*31 + c over the UTF-16 code units of s, wrapping at
// 32 bits.
func String(s string) int32 {
	var h int32
	for _, c := range utf16.Encode([]rune(s)) {
		h = h*31 + int32(c)
	}
	return h
}

// Index maps s onto [0, n). The absolute value is taken in 64 bits so that
// math.MinInt32 does not stay negative. n must be positive.
func Index(s string, n int) int {
	h := int64(String(s))
	if h < 0 {
		h = -h
	}
	return int(h % int64(n))
}
