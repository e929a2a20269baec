// Package collab declares the contracts of the external collaborators
// spec §6 names but explicitly excludes from this module's scope: the
// Signer, Chain Tracker, Document Store, Authorization Dialog, and Key
// Derivation Service. The core depends only on these interfaces; no
// implementation lives here.
package collab

import (
	"context"
	"time"
)

// Signer takes an assembled transaction and returns a signed one.
type Signer interface {
	Sign(ctx context.Context, tx []byte) (signed []byte, err error)
}

// ChainTracker returns the best-known height for an endpoint identifier;
// used only for status polling, never required for correctness.
type ChainTracker interface {
	BestHeight(ctx context.Context, endpoint string) (uint64, error)
}

// DocumentStore is the audit/persistence contract: insert, find, and
// update-one over opaque documents, matching spec §6's minimum
// Document Store API.
type DocumentStore interface {
	InsertOne(ctx context.Context, collection string, doc any) error
	Find(ctx context.Context, collection string, filter any) ([]any, error)
	UpdateOne(ctx context.Context, collection string, filter, update any) error
}

// AuthorizationDialog returns a time-bounded grant for a purpose and
// checks it against a requested amount.
type AuthorizationDialog interface {
	Authorize(ctx context.Context, userID, purpose string, amount uint64) (AuthorizationGrant, error)
}

// AuthorizationGrant mirrors spec §3's value type for callers that need
// to inspect a grant already obtained from the dialog.
type AuthorizationGrant struct {
	GrantToken      string
	UserID          string
	MaxAmount       uint64
	AllowedPurposes []string
	IssuedAt        time.Time
	ExpiresAt       time.Time
}

// Expired reports whether the grant is no longer usable at t.
func (g AuthorizationGrant) Expired(t time.Time) bool { return !t.Before(g.ExpiresAt) }

// KeyDerivation returns per-content session/encryption keys by path,
// consumed by the Script Composer when building streaming locks.
type KeyDerivation interface {
	DeriveKey(ctx context.Context, path string) ([]byte, error)
}
