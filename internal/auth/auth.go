// Package auth extracts and hashes API key credentials.
package auth

import (
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"net/http"
	"strings"
)

// HeaderAPIKey is the alternative to a bearer Authorization header.
const HeaderAPIKey = "X-API-Key"

var (
	// ErrMissingCredential is returned when the request carries no API key.
	ErrMissingCredential = errors.New("missing API key")
	// ErrInvalidCredential is returned for an unknown or malformed API key.
	ErrInvalidCredential = errors.New("invalid API key")
)

// ExtractAPIKey returns the API key from "Authorization: Bearer <key>" or
// from the X-API-Key header.
func ExtractAPIKey(r *http.Request) (string, error) {
	if h := r.Header.Get("Authorization"); h != "" {
		scheme, key, ok := strings.Cut(h, " ")
		if !ok || !strings.EqualFold(scheme, "bearer") {
			return "", ErrInvalidCredential
		}
		key = strings.TrimSpace(key)
		if key == "" {
			return "", ErrInvalidCredential
		}
		return key, nil
	}
	if key := strings.TrimSpace(r.Header.Get(HeaderAPIKey)); key != "" {
		return key, nil
	}
	return "", ErrMissingCredential
}

// HashAPIKey creates a SHA-256 hash of an API key for storage.
func HashAPIKey(apiKey string) string {
	hash := sha256.Sum256([]byte(apiKey))
	return hex.EncodeToString(hash[:])
}

// MatchesHash reports whether apiKey hashes to keyHash, in constant time.
func MatchesHash(apiKey, keyHash string) bool {
	if keyHash == "" {
		return false
	}
	got := HashAPIKey(apiKey)
	return subtle.ConstantTimeCompare([]byte(got), []byte(strings.ToLower(keyHash))) == 1
}
