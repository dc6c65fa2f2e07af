package core

import (
	"context"
	"fmt"
	"testing"
	"time"

	"distribute/storage"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"
)

func newTestRepo(t *testing.T) (*stateRepo, *storage.MockStore) {
	t.Helper()
	store := storage.NewMockStore()
	crypto, err := NewCryptoService("", bcrypt.MinCost)
	require.NoError(t, err)
	return newStateRepo(store, crypto), store
}

func TestStateRepo_CorrelationWriteOrder(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.saveCorrelation(ctx, &CorrelationRequest{ID: "abc123", CreatedAt: now, ExpiresAfter: 10 * time.Minute}))
	assert.Equal(t, []string{
		"set " + KeyCorrelationCreatedAt,
		"set " + KeyCorrelationExpiresAfter,
		"set " + KeyCorrelationID,
	}, store.Writes)

	stored, err := repo.loadCorrelation(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.CreatedAt.Equal(now))
	assert.Equal(t, 10*time.Minute, stored.ExpiresAfter)

	store.ResetWrites()
	require.NoError(t, repo.deleteCorrelation(ctx))
	assert.Equal(t, "remove "+KeyCorrelationID, store.Writes[0])

	stored, err = repo.loadCorrelation(ctx)
	require.NoError(t, err)
	assert.Nil(t, stored)
}

func TestStateRepo_PartialCorrelationIsExpired(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()
	require.NoError(t, store.Set(ctx, KeyCorrelationID, "hash"))

	stored, err := repo.loadCorrelation(ctx)
	require.NoError(t, err)
	require.NotNil(t, stored)
	assert.True(t, stored.request().Expired(time.Now()))
}

func TestStateRepo_FailedSessionWriteLeavesNoSession(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.saveSession(ctx, &Session{Token: "tok1", ObtainedAt: now, ExpiresAt: now.Add(time.Hour)}))

	store.FailOn[KeySessionCorrelation] = true
	err := repo.saveSession(ctx, &Session{Token: "tok2", ObtainedAt: now, ExpiresAt: now.Add(time.Hour)})
	require.Error(t, err)

	session, err := repo.loadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)
}

func TestStateRepo_UsedTokensOutliveSession(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, repo.saveSession(ctx, &Session{Token: "tok1", ObtainedAt: now, ExpiresAt: now.Add(time.Hour)}))
	require.NoError(t, repo.deleteSession(ctx))

	session, err := repo.loadSession(ctx)
	require.NoError(t, err)
	assert.Nil(t, session)

	used, err := repo.tokenUsed(ctx, "tok1")
	require.NoError(t, err)
	assert.True(t, used)
	assert.NotContains(t, store.Snapshot()[KeyUsedTokens], "tok1")

	used, err = repo.tokenUsed(ctx, "tok2")
	require.NoError(t, err)
	assert.False(t, used)
}

func TestStateRepo_UsedTokensAreBounded(t *testing.T) {
	repo, _ := newTestRepo(t)
	ctx := context.Background()

	for i := 0; i <= maxUsedTokens; i++ {
		require.NoError(t, repo.rememberToken(ctx, fmt.Sprintf("tok%d", i)))
	}
	require.NoError(t, repo.rememberToken(ctx, "tok5"))

	fps, err := repo.usedTokens(ctx)
	require.NoError(t, err)
	assert.Len(t, fps, maxUsedTokens)

	oldest, err := repo.tokenUsed(ctx, "tok0")
	require.NoError(t, err)
	assert.False(t, oldest)
	newest, err := repo.tokenUsed(ctx, fmt.Sprintf("tok%d", maxUsedTokens))
	require.NoError(t, err)
	assert.True(t, newest)
}

func TestStateRepo_PostponeMarkerRoundTrip(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()
	until := time.Date(2026, 3, 8, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.savePostponed(ctx, &PostponeMarker{ReleaseID: 42, Until: until}))
	marker, err := repo.loadPostponed(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(42), marker.ReleaseID)
	assert.True(t, marker.Until.Equal(until))

	require.NoError(t, repo.savePostponed(ctx, &PostponeMarker{ReleaseID: 43}))
	assert.Equal(t, indefinite, store.Snapshot()[KeyPostponedUntil])
	marker, err = repo.loadPostponed(ctx)
	require.NoError(t, err)
	assert.True(t, marker.Indefinite())

	require.NoError(t, store.Set(ctx, KeyPostponedReleaseID, "forty-two"))
	_, err = repo.loadPostponed(ctx)
	assert.Error(t, err)

	require.NoError(t, repo.deletePostponed(ctx))
	marker, err = repo.loadPostponed(ctx)
	require.NoError(t, err)
	assert.Nil(t, marker)
}

func TestStateRepo_InstallIDIsStable(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()

	first, err := repo.installID(ctx)
	require.NoError(t, err)
	_, err = uuid.Parse(first)
	assert.NoError(t, err)

	second, err := repo.installID(ctx)
	require.NoError(t, err)
	assert.Equal(t, first, second)

	require.NoError(t, store.Set(ctx, KeyInstallID, "garbage"))
	replaced, err := repo.installID(ctx)
	require.NoError(t, err)
	assert.NotEqual(t, "garbage", replaced)
}

func TestStateRepo_RecordCheck(t *testing.T) {
	repo, store := newTestRepo(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	require.NoError(t, repo.recordCheck(ctx, 42, now))
	assert.Equal(t, "42", store.Snapshot()[KeyLastReleaseID])

	last, err := repo.lastCheckedAt(ctx)
	require.NoError(t, err)
	assert.True(t, last.Equal(now))
}

func TestDecision_Until(t *testing.T) {
	now := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

	assert.True(t, PostponeFor(time.Hour).until(now).Equal(now.Add(time.Hour)))
	assert.True(t, PostponeUntil(now.Add(time.Minute)).until(now).Equal(now.Add(time.Minute)))
	assert.True(t, PostponeIndefinitely().until(now).IsZero())

	assert.Error(t, PostponeFor(-time.Hour).validate())
	assert.Error(t, Decision{Action: "skip"}.validate())
	assert.NoError(t, Install().validate())
}
