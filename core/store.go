package core

import (
	"context"
)

// Persisted keys
const (
	KeyCorrelationID           = "correlation.id"
	KeyCorrelationCreatedAt    = "correlation.createdAt"
	KeyCorrelationExpiresAfter = "correlation.expiresAfter"

	KeySessionToken       = "session.token"
	KeySessionObtainedAt  = "session.obtainedAt"
	KeySessionExpiresAt   = "session.expiresAt"
	KeySessionCorrelation = "session.correlation"
	// Fingerprints of every token a session was built from; outlives the session.
	KeyUsedTokens = "session.usedTokens"

	KeyPostponedReleaseID = "postponed.releaseId"
	KeyPostponedUntil     = "postponed.until"

	KeyLastReleaseID = "release.lastId"
	KeyLastCheckedAt = "release.lastCheckedAt"

	KeyInstallID = "install.id"
)

// StateStore is the durable key/value persistence used by the update flow.
// Writes must be durable when Set or Remove returns.
type StateStore interface {
	// Get returns ok=false when the key is absent.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	Set(ctx context.Context, key, value string) error

	// Remove deletes key; removing an absent key is not an error.
	Remove(ctx context.Context, key string) error
}
