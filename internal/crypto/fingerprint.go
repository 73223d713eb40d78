// Package crypto holds the small set of cryptographic primitives the
// server itself needs. It never decrypts or inspects client content —
// that stays entirely client-side — it only verifies session membership
// and mints opaque tokens.
package crypto

import "crypto/subtle"

// MinFingerprintSize is the smallest fingerprint the server will accept.
// Clients derive fingerprints from a passphrase using their own KDF; the
// server only ever compares raw bytes.
const MinFingerprintSize = 16

// FingerprintsEqual reports whether two fingerprints are identical using a
// constant-time comparison. Length is checked first (subtle.ConstantTimeCompare
// requires equal-length inputs and otherwise reports unequal), which leaks
// only the length, never the content.
func FingerprintsEqual(a, b []byte) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare(a, b) == 1
}

// ValidFingerprint reports whether a fingerprint meets the minimum size
// the server is willing to store as a session credential.
func ValidFingerprint(fp []byte) bool {
	return len(fp) >= MinFingerprintSize
}
