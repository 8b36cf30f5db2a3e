// Package state correlates OAuth state values with the redirect target of
// the login that issued them.
package state

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"fmt"
	"time"
)

// DefaultTTL bounds the authorize to callback round trip
const DefaultTTL = 60 * time.Second

// Store keeps single-use state entries. RetrieveAndRemove returns a stored
// payload at most once; every other caller sees ok == false.
type Store interface {
	Store(ctx context.Context, state, payload string, ttl time.Duration) error
	RetrieveAndRemove(ctx context.Context, state string) (payload string, ok bool, err error)
	Close() error
}

// Generate returns 32 random bytes encoded as unpadded base64url.
func Generate() (string, error) {
	buf := make([]byte, 32)
	if _, err := rand.Read(buf); err != nil {
		return "", fmt.Errorf("failed to generate state: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(buf), nil
}

func valid(state, payload string, ttl time.Duration) bool {
	return state != "" && payload != "" && ttl > 0
}
