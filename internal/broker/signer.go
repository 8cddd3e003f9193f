package broker

import (
	"crypto/sha256"
	"encoding/hex"
)

// sign computes the signature the broker expects in the "sign" header of
// every private REST call. The scheme is a double SHA-256: the nonce,
// timestamp and api key are hashed, the hex digest is concatenated with the
// account secret and hashed again. The nonce and timestamp must be the same
// values sent in the "nonce" and "timestamp" headers or the broker rejects
// the request as unauthenticated.
func sign(secret, nonce, apiKey, ts string) string {
	inner := sha256.Sum256([]byte(nonce + ts + apiKey))
	outer := sha256.Sum256([]byte(hex.EncodeToString(inner[:]) + secret))
	return hex.EncodeToString(outer[:])
}
