// Package util provides shared utility functions.
package util

import (
	"hash/fnv"
)

// Digest computes a 4-byte hash of an encoded description or candidate.
// It is used solely to correlate log lines on both sides of an exchange
// and does not need to be collision resistant.
func Digest(b []byte) uint32 {
	h := fnv.New32a()
	h.Write(b)
	return h.Sum32()
}
