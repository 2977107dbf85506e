package otp

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/arstudios/otp-service/internal/model"
	"github.com/arstudios/otp-service/internal/store"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func newTestVerifier(t *testing.T) (*Verifier, *fakeClock) {
	t.Helper()

	server, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: server.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		server.Close()
	})

	clock := &fakeClock{now: time.Now()}
	challenges := store.NewRedisStoreWithClock(rdb, clock.Now)
	return NewVerifierWithClock(challenges, NewHasher("test-salt"), clock.Now), clock
}

func TestVerifier_StartReturnsActiveChallenge(t *testing.T) {
	v, clock := newTestVerifier(t)
	ctx := context.Background()

	ch, code, err := v.Start(ctx, "user-1")
	require.NoError(t, err)
	assert.Len(t, code, 6)
	assert.Equal(t, "user-1", ch.SubjectID)
	assert.Equal(t, model.StatusActive, ch.Status)
	assert.Equal(t, 0, ch.AttemptsUsed)
	assert.Equal(t, MaxAttempts, ch.MaxAttempts)
	assert.Equal(t, clock.Now().Add(ChallengeTTL).Unix(), ch.ExpiresAt.Unix())
}

func TestVerifier_SuccessExactlyOnce(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	ch, code, err := v.Start(ctx, "user-1")
	require.NoError(t, err)

	result, err := v.Verify(ctx, ch.ID, code)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
	assert.Equal(t, "user-1", result.SubjectID)

	// One-time use: the same code never validates twice.
	result, err = v.Verify(ctx, ch.ID, code)
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyUsed, result.Outcome)

	result, err = v.Verify(ctx, ch.ID, "000000")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyUsed, result.Outcome)
}

func TestVerifier_ExhaustionAfterThreeFailures(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	ch, code, err := v.Start(ctx, "user-1")
	require.NoError(t, err)

	wrong := "000000"
	if wrong == code {
		wrong = "111111"
	}

	result, err := v.Verify(ctx, ch.ID, wrong)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, result.Outcome)
	assert.Equal(t, 2, result.AttemptsRemaining)

	result, err = v.Verify(ctx, ch.ID, wrong)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, result.Outcome)
	assert.Equal(t, 1, result.AttemptsRemaining)

	result, err = v.Verify(ctx, ch.ID, wrong)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, result.Outcome)

	// The correct code never succeeds post-exhaustion.
	result, err = v.Verify(ctx, ch.ID, code)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExhausted, result.Outcome)
}

func TestVerifier_ExpiryWithoutSweep(t *testing.T) {
	v, clock := newTestVerifier(t)
	ctx := context.Background()

	ch, code, err := v.Start(ctx, "user-2")
	require.NoError(t, err)

	clock.Advance(61 * time.Second)

	result, err := v.Verify(ctx, ch.ID, code)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, result.Outcome, "correct code past ttl must report expired")
}

func TestVerifier_ExpiryAtExactInstantFailsClosed(t *testing.T) {
	v, clock := newTestVerifier(t)
	ctx := context.Background()

	ch, code, err := v.Start(ctx, "user-2")
	require.NoError(t, err)

	clock.Advance(ChallengeTTL)

	result, err := v.Verify(ctx, ch.ID, code)
	require.NoError(t, err)
	assert.Equal(t, OutcomeExpired, result.Outcome)
}

func TestVerifier_ResendSupersedes(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	first, firstCode, err := v.Start(ctx, "user-3")
	require.NoError(t, err)

	second, secondCode, err := v.Resend(ctx, "user-3")
	require.NoError(t, err)
	require.NotEqual(t, first.ID, second.ID)

	result, err := v.Verify(ctx, first.ID, firstCode)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuperseded, result.Outcome)

	result, err = v.Verify(ctx, second.ID, secondCode)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestVerifier_UnknownChallenge(t *testing.T) {
	v, _ := newTestVerifier(t)

	result, err := v.Verify(context.Background(), uuid.New(), "123456")
	require.NoError(t, err)
	assert.Equal(t, OutcomeNotFound, result.Outcome)
}

func TestVerifier_FailedAttemptsDoNotCarryOverResend(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	first, firstCode, err := v.Start(ctx, "user-4")
	require.NoError(t, err)

	wrong := "999999"
	if wrong == firstCode {
		wrong = "888888"
	}
	result, err := v.Verify(ctx, first.ID, wrong)
	require.NoError(t, err)
	assert.Equal(t, OutcomeInvalid, result.Outcome)

	second, secondCode, err := v.Resend(ctx, "user-4")
	require.NoError(t, err)

	result, err = v.Verify(ctx, second.ID, secondCode)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSuccess, result.Outcome)
}

func TestVerifier_ConcurrentVerifySingleSuccess(t *testing.T) {
	v, _ := newTestVerifier(t)
	ctx := context.Background()

	ch, code, err := v.Start(ctx, "user-5")
	require.NoError(t, err)

	const callers = 10
	results := make(chan Outcome, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := v.Verify(ctx, ch.ID, code)
			if err != nil {
				t.Errorf("concurrent verify failed: %v", err)
				return
			}
			results <- result.Outcome
		}()
	}
	wg.Wait()
	close(results)

	successes := 0
	for outcome := range results {
		switch outcome {
		case OutcomeSuccess:
			successes++
		case OutcomeAlreadyUsed:
			// losers observe the terminal state
		default:
			t.Errorf("unexpected outcome %q", outcome)
		}
	}
	assert.Equal(t, 1, successes, "exactly one caller may win the verification race")
}

func TestVerifier_PendingChallenge(t *testing.T) {
	v, clock := newTestVerifier(t)
	ctx := context.Background()

	_, pending, err := v.PendingChallenge(ctx, "user-6")
	require.NoError(t, err)
	assert.False(t, pending)

	ch, _, err := v.Start(ctx, "user-6")
	require.NoError(t, err)

	got, pending, err := v.PendingChallenge(ctx, "user-6")
	require.NoError(t, err)
	assert.True(t, pending)
	assert.Equal(t, ch.ID, got.ID)

	clock.Advance(61 * time.Second)
	_, pending, err = v.PendingChallenge(ctx, "user-6")
	require.NoError(t, err)
	assert.False(t, pending, "expired challenge is not pending")
}
