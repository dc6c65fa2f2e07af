package core

import (
	"context"
	"fmt"
	"slices"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

const indefinite = "indefinite"

// maxUsedTokens bounds how many token fingerprints are remembered.
const maxUsedTokens = 32

// storedCorrelation is what survives of a CorrelationRequest at rest: the
// plaintext ID is never persisted.
type storedCorrelation struct {
	IDHash       string
	CreatedAt    time.Time
	ExpiresAfter time.Duration
}

func (c *storedCorrelation) request() *CorrelationRequest {
	return &CorrelationRequest{CreatedAt: c.CreatedAt, ExpiresAfter: c.ExpiresAfter}
}

// stateRepo maps the flow's durable fields onto StateStore keys. Multi-key
// records are written with their presence key last and removed with it first,
// so a crash part-way leaves either the old record or nothing.
type stateRepo struct {
	store  StateStore
	crypto *CryptoService
}

func newStateRepo(store StateStore, crypto *CryptoService) *stateRepo {
	return &stateRepo{store: store, crypto: crypto}
}

func (r *stateRepo) loadCorrelation(ctx context.Context) (*storedCorrelation, error) {
	hash, ok, err := r.store.Get(ctx, KeyCorrelationID)
	if err != nil {
		return nil, fmt.Errorf("failed to load correlation: %w", err)
	}
	if !ok || hash == "" {
		return nil, nil
	}

	// A correlation with unreadable metadata is treated as already expired.
	stored := &storedCorrelation{IDHash: hash}
	if createdAt, ok, err := r.getTime(ctx, KeyCorrelationCreatedAt); err != nil {
		return nil, err
	} else if ok {
		stored.CreatedAt = createdAt
	}
	if raw, ok, err := r.store.Get(ctx, KeyCorrelationExpiresAfter); err != nil {
		return nil, fmt.Errorf("failed to load correlation expiry: %w", err)
	} else if ok {
		if d, err := time.ParseDuration(raw); err == nil {
			stored.ExpiresAfter = d
		}
	}
	return stored, nil
}

func (r *stateRepo) saveCorrelation(ctx context.Context, req *CorrelationRequest) error {
	hash, err := r.crypto.HashToken(req.ID)
	if err != nil {
		return err
	}
	if err := r.setTime(ctx, KeyCorrelationCreatedAt, req.CreatedAt); err != nil {
		return err
	}
	if err := r.store.Set(ctx, KeyCorrelationExpiresAfter, req.ExpiresAfter.String()); err != nil {
		return fmt.Errorf("failed to save correlation expiry: %w", err)
	}
	if err := r.store.Set(ctx, KeyCorrelationID, hash); err != nil {
		return fmt.Errorf("failed to save correlation: %w", err)
	}
	return nil
}

func (r *stateRepo) deleteCorrelation(ctx context.Context) error {
	return r.removeAll(ctx, KeyCorrelationID, KeyCorrelationCreatedAt, KeyCorrelationExpiresAfter)
}

func (r *stateRepo) loadSession(ctx context.Context) (*Session, error) {
	sealed, ok, err := r.store.Get(ctx, KeySessionToken)
	if err != nil {
		return nil, fmt.Errorf("failed to load session: %w", err)
	}
	if !ok || sealed == "" {
		return nil, nil
	}

	token, err := r.crypto.DecryptToken(sealed)
	if err != nil {
		return nil, fmt.Errorf("failed to decrypt session token: %w", err)
	}

	session := &Session{Token: token}
	if session.ObtainedAt, _, err = r.getTime(ctx, KeySessionObtainedAt); err != nil {
		return nil, err
	}
	if session.ExpiresAt, _, err = r.getTime(ctx, KeySessionExpiresAt); err != nil {
		return nil, err
	}
	if session.Correlation, _, err = r.store.Get(ctx, KeySessionCorrelation); err != nil {
		return nil, fmt.Errorf("failed to load session binding: %w", err)
	}
	return session, nil
}

func (r *stateRepo) saveSession(ctx context.Context, session *Session) error {
	sealed, err := r.crypto.EncryptToken(session.Token)
	if err != nil {
		return fmt.Errorf("failed to encrypt session token: %w", err)
	}

	if err := r.rememberToken(ctx, session.Token); err != nil {
		return err
	}

	// Drop the old token first so a half-written session is never loadable.
	if err := r.store.Remove(ctx, KeySessionToken); err != nil {
		return fmt.Errorf("failed to replace session: %w", err)
	}
	if err := r.setTime(ctx, KeySessionObtainedAt, session.ObtainedAt); err != nil {
		return err
	}
	if err := r.setTime(ctx, KeySessionExpiresAt, session.ExpiresAt); err != nil {
		return err
	}
	if err := r.store.Set(ctx, KeySessionCorrelation, session.Correlation); err != nil {
		return fmt.Errorf("failed to save session binding: %w", err)
	}
	if err := r.store.Set(ctx, KeySessionToken, sealed); err != nil {
		return fmt.Errorf("failed to save session: %w", err)
	}
	return nil
}

// deleteSession keeps KeyUsedTokens so a dropped token cannot come back.
func (r *stateRepo) deleteSession(ctx context.Context) error {
	return r.removeAll(ctx, KeySessionToken, KeySessionObtainedAt, KeySessionExpiresAt, KeySessionCorrelation)
}

func (r *stateRepo) usedTokens(ctx context.Context) ([]string, error) {
	raw, ok, err := r.store.Get(ctx, KeyUsedTokens)
	if err != nil {
		return nil, fmt.Errorf("failed to load used tokens: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	return strings.Split(raw, ","), nil
}

// tokenUsed reports whether a session was ever built from token.
func (r *stateRepo) tokenUsed(ctx context.Context, token string) (bool, error) {
	used, err := r.usedTokens(ctx)
	if err != nil {
		return false, err
	}
	return slices.Contains(used, Fingerprint(token)), nil
}

func (r *stateRepo) rememberToken(ctx context.Context, token string) error {
	used, err := r.usedTokens(ctx)
	if err != nil {
		return err
	}
	fp := Fingerprint(token)
	if slices.Contains(used, fp) {
		return nil
	}
	used = append(used, fp)
	if len(used) > maxUsedTokens {
		used = used[len(used)-maxUsedTokens:]
	}
	if err := r.store.Set(ctx, KeyUsedTokens, strings.Join(used, ",")); err != nil {
		return fmt.Errorf("failed to save used tokens: %w", err)
	}
	return nil
}

func (r *stateRepo) loadPostponed(ctx context.Context) (*PostponeMarker, error) {
	raw, ok, err := r.store.Get(ctx, KeyPostponedReleaseID)
	if err != nil {
		return nil, fmt.Errorf("failed to load postpone marker: %w", err)
	}
	if !ok || raw == "" {
		return nil, nil
	}
	releaseID, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return nil, fmt.Errorf("corrupt postpone marker %q: %w", raw, err)
	}

	marker := &PostponeMarker{ReleaseID: releaseID}
	until, ok, err := r.store.Get(ctx, KeyPostponedUntil)
	if err != nil {
		return nil, fmt.Errorf("failed to load postpone marker: %w", err)
	}
	if ok && until != indefinite && until != "" {
		t, err := time.Parse(time.RFC3339Nano, until)
		if err != nil {
			return nil, fmt.Errorf("corrupt postpone deadline %q: %w", until, err)
		}
		marker.Until = t
	}
	return marker, nil
}

func (r *stateRepo) savePostponed(ctx context.Context, marker *PostponeMarker) error {
	until := indefinite
	if !marker.Indefinite() {
		until = marker.Until.UTC().Format(time.RFC3339Nano)
	}
	if err := r.store.Remove(ctx, KeyPostponedReleaseID); err != nil {
		return fmt.Errorf("failed to replace postpone marker: %w", err)
	}
	if err := r.store.Set(ctx, KeyPostponedUntil, until); err != nil {
		return fmt.Errorf("failed to save postpone deadline: %w", err)
	}
	if err := r.store.Set(ctx, KeyPostponedReleaseID, strconv.FormatInt(marker.ReleaseID, 10)); err != nil {
		return fmt.Errorf("failed to save postpone marker: %w", err)
	}
	return nil
}

func (r *stateRepo) deletePostponed(ctx context.Context) error {
	return r.removeAll(ctx, KeyPostponedReleaseID, KeyPostponedUntil)
}

func (r *stateRepo) recordCheck(ctx context.Context, releaseID int64, at time.Time) error {
	if releaseID > 0 {
		if err := r.store.Set(ctx, KeyLastReleaseID, strconv.FormatInt(releaseID, 10)); err != nil {
			return fmt.Errorf("failed to save last release: %w", err)
		}
	}
	return r.setTime(ctx, KeyLastCheckedAt, at)
}

func (r *stateRepo) lastCheckedAt(ctx context.Context) (time.Time, error) {
	t, _, err := r.getTime(ctx, KeyLastCheckedAt)
	return t, err
}

// installID returns the persistent install identifier, creating it on first use.
func (r *stateRepo) installID(ctx context.Context) (string, error) {
	id, ok, err := r.store.Get(ctx, KeyInstallID)
	if err != nil {
		return "", fmt.Errorf("failed to load install ID: %w", err)
	}
	if ok {
		if parsed, err := uuid.Parse(id); err == nil {
			return parsed.String(), nil
		}
	}

	id = uuid.New().String()
	if err := r.store.Set(ctx, KeyInstallID, id); err != nil {
		return "", fmt.Errorf("failed to save install ID: %w", err)
	}
	return id, nil
}

func (r *stateRepo) getTime(ctx context.Context, key string) (time.Time, bool, error) {
	raw, ok, err := r.store.Get(ctx, key)
	if err != nil {
		return time.Time{}, false, fmt.Errorf("failed to load %s: %w", key, err)
	}
	if !ok || raw == "" {
		return time.Time{}, false, nil
	}
	t, err := time.Parse(time.RFC3339Nano, raw)
	if err != nil {
		return time.Time{}, false, nil
	}
	return t, true, nil
}

func (r *stateRepo) setTime(ctx context.Context, key string, t time.Time) error {
	if err := r.store.Set(ctx, key, t.UTC().Format(time.RFC3339Nano)); err != nil {
		return fmt.Errorf("failed to save %s: %w", key, err)
	}
	return nil
}

func (r *stateRepo) removeAll(ctx context.Context, keys ...string) error {
	for _, key := range keys {
		if err := r.store.Remove(ctx, key); err != nil {
			return fmt.Errorf("failed to remove %s: %w", key, err)
		}
	}
	return nil
}
