// Package id generates opaque identifiers for rows created by the engine
// (sessions, turns, memory events, usage records).
package id

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// New returns a 32-character hex identifier. Falls back to a timestamp-based
// id if the system random source is unavailable.
func New() string {
	b := make([]byte, 16)
	if _, err := rand.Read(b); err != nil {
		return fmt.Sprintf("t%d", time.Now().UnixNano())
	}
	return hex.EncodeToString(b)
}
