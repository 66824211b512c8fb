// Package auth guards the HTTP surface with static API keys.
//
// Two scopes exist:
//   - Device keys (DEVICE_API_KEYS): issued to phone clients, guard session
//     creation, the audio stream, and number checks. An empty key set puts
//     the device surface in open mode.
//   - Admin key (ADMIN_API_KEY): a single operator key guarding the admin
//     surface, the event feed, and history listing. An empty admin key
//     disables that surface entirely.
//
// Configured keys are held as SHA-256 digests and presented keys are hashed
// before lookup, so raw secrets are never compared directly.
package auth

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
)

// Errors
var (
	ErrNoAPIKey      = errors.New("API key required")
	ErrInvalidAPIKey = errors.New("invalid API key")
)

// Keyring holds the configured key digests.
type Keyring struct {
	deviceHashes map[string]struct{}
	adminHash    string
}

// NewKeyring builds a keyring from raw configured keys.
// Blank entries in deviceKeys are ignored.
func NewKeyring(deviceKeys []string, adminKey string) *Keyring {
	k := &Keyring{
		deviceHashes: make(map[string]struct{}),
	}
	for _, raw := range deviceKeys {
		raw = strings.TrimSpace(raw)
		if raw == "" {
			continue
		}
		k.deviceHashes[hashKey(raw)] = struct{}{}
	}
	if adminKey = strings.TrimSpace(adminKey); adminKey != "" {
		k.adminHash = hashKey(adminKey)
	}
	return k
}

// DeviceOpen reports whether no device keys are configured, meaning the
// device-facing endpoints accept unauthenticated requests.
func (k *Keyring) DeviceOpen() bool {
	return len(k.deviceHashes) == 0
}

// AdminConfigured reports whether an admin key is set.
func (k *Keyring) AdminConfigured() bool {
	return k.adminHash != ""
}

// VerifyDevice checks a presented key against the device key set.
func (k *Keyring) VerifyDevice(rawKey string) error {
	rawKey = cleanKey(rawKey)
	if rawKey == "" {
		return ErrNoAPIKey
	}
	if _, ok := k.deviceHashes[hashKey(rawKey)]; !ok {
		return ErrInvalidAPIKey
	}
	return nil
}

// VerifyAdmin checks a presented key against the admin key.
func (k *Keyring) VerifyAdmin(rawKey string) error {
	rawKey = cleanKey(rawKey)
	if rawKey == "" {
		return ErrNoAPIKey
	}
	if k.adminHash == "" || hashKey(rawKey) != k.adminHash {
		return ErrInvalidAPIKey
	}
	return nil
}

func cleanKey(raw string) string {
	raw = strings.TrimPrefix(raw, "Bearer ")
	return strings.TrimSpace(raw)
}

func hashKey(raw string) string {
	h := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(h[:])
}
