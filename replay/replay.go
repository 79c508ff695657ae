// Package replay remembers consumed payment authorizations so that each
// signed authorization pays for exactly one call.
package replay

import (
	"context"
	"strings"
	"time"
)

// Store records claimed authorization keys until they expire.
type Store interface {
	// Claim marks key as used until the given time. It reports false when
	// key is already claimed.
	Claim(ctx context.Context, key string, until time.Time) (bool, error)

	// Release forgets key so the authorization can be presented again.
	Release(ctx context.Context, key string) error
}

// Key identifies one EIP-3009 authorization. Nonces are scoped to the
// token contract and the payer, so all four parts are needed.
func Key(network, asset, from, nonce string) string {
	return strings.ToLower(network + "|" + asset + "|" + from + "|" + nonce)
}
