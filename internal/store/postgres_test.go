package store

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/arstudios/otp-service/internal/db"
	"github.com/arstudios/otp-service/internal/model"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newTestPostgresStore connects to the database from DATABASE_URL, runs
// migrations, and starts from an empty challenges table. Skips when no
// database is configured, like the rest of the integration suite.
func newTestPostgresStore(t *testing.T) (*PostgresStore, *testClock) {
	t.Helper()

	databaseURL := os.Getenv("DATABASE_URL")
	if databaseURL == "" {
		t.Skip("DATABASE_URL not set; skipping postgres store test")
	}

	ctx := context.Background()
	database, err := db.Open(ctx, databaseURL)
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	require.NoError(t, db.Migrate(database))
	_, err = database.ExecContext(ctx, "TRUNCATE TABLE challenges")
	require.NoError(t, err)

	clock := newTestClock()
	return NewPostgresStoreWithClock(database, clock.Now), clock
}

func TestPostgresStore_PutGetSupersede(t *testing.T) {
	s, clock := newTestPostgresStore(t)
	ctx := context.Background()

	first := newChallenge(clock, "user-1")
	require.NoError(t, s.Put(ctx, first))

	got, err := s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusActive, got.Status)
	assert.Equal(t, first.CodeDigest, got.CodeDigest)

	second := newChallenge(clock, "user-1")
	require.NoError(t, s.Put(ctx, second))

	got, err = s.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusSuperseded, got.Status)

	active, err := s.GetActiveBySubject(ctx, "user-1")
	require.NoError(t, err)
	assert.Equal(t, second.ID, active.ID)
}

func TestPostgresStore_Transitions(t *testing.T) {
	s, clock := newTestPostgresStore(t)
	ctx := context.Background()

	ch := newChallenge(clock, "user-2")
	require.NoError(t, s.Put(ctx, ch))

	got, applied, err := s.RecordFailedAttempt(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, 1, got.AttemptsUsed)

	got, applied, err = s.MarkVerified(ctx, ch.ID)
	require.NoError(t, err)
	assert.True(t, applied)
	assert.Equal(t, model.StatusVerified, got.Status)
	require.NotNil(t, got.VerifiedAt)

	// Terminal: neither transition applies again.
	_, applied, err = s.MarkVerified(ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, applied)
	_, applied, err = s.RecordFailedAttempt(ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, applied)
}

func TestPostgresStore_Exhaustion(t *testing.T) {
	s, clock := newTestPostgresStore(t)
	ctx := context.Background()

	ch := newChallenge(clock, "user-3")
	require.NoError(t, s.Put(ctx, ch))

	var got model.Challenge
	var err error
	for i := 0; i < 3; i++ {
		var applied bool
		got, applied, err = s.RecordFailedAttempt(ctx, ch.ID)
		require.NoError(t, err)
		assert.True(t, applied)
	}
	assert.Equal(t, model.StatusExhausted, got.Status)
	assert.Equal(t, 3, got.AttemptsUsed)
}

func TestPostgresStore_ExpiryAndRetention(t *testing.T) {
	s, clock := newTestPostgresStore(t)
	ctx := context.Background()

	ch := newChallenge(clock, "user-4")
	require.NoError(t, s.Put(ctx, ch))

	clock.Advance(61 * time.Second)

	got, err := s.Get(ctx, ch.ID)
	require.NoError(t, err)
	assert.Equal(t, model.StatusExpired, got.Status)

	_, applied, err := s.MarkVerified(ctx, ch.ID)
	require.NoError(t, err)
	assert.False(t, applied)

	clock.Advance(RetentionWindow)
	_, err = s.Get(ctx, ch.ID)
	assert.ErrorIs(t, err, ErrNotFound)

	n, err := s.PurgeExpired(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)
}
