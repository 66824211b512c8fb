// Package idgen mints the random identifiers used across the service.
//
// Each object class carries its own prefix so an ID names its type on
// sight: sess_ sessions, ovr_ override rules, rec_ history records,
// wh_ webhook subscriptions, evt_ delivery events.
package idgen

import (
	"crypto/rand"
	"encoding/hex"
)

// randHex returns n random bytes hex-encoded, 2n characters.
func randHex(n int) string {
	b := make([]byte, n)
	if _, err := rand.Read(b); err != nil {
		panic("idgen: crypto/rand failed: " + err.Error())
	}
	return hex.EncodeToString(b)
}

// Session returns a new session ID (sess_ plus 24 hex chars).
func Session() string { return "sess_" + randHex(12) }

// Override returns a new override rule ID.
func Override() string { return "ovr_" + randHex(12) }

// Record returns a new call-history record ID.
func Record() string { return "rec_" + randHex(12) }

// Webhook returns a new webhook subscription ID.
func Webhook() string { return "wh_" + randHex(12) }

// Event returns a new delivery event ID.
func Event() string { return "evt_" + randHex(12) }

// Secret returns a random hex secret with numBytes of entropy, used for
// webhook signing keys.
func Secret(numBytes int) string { return randHex(numBytes) }
