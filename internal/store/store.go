package store

import (
	"context"
	"errors"
	"time"

	"github.com/arstudios/otp-service/internal/model"
	"github.com/google/uuid"
)

// ErrNotFound is returned when no challenge exists for the given id, or the
// record is already past its retention window.
var ErrNotFound = errors.New("challenge not found")

// RetentionWindow is how long a terminal challenge stays readable after its
// expiry, so that duplicate verification calls get a deterministic answer
// (AlreadyUsed, Superseded, Exhausted) instead of NotFound.
const RetentionWindow = 60 * time.Second

// ChallengeStore owns challenge records. Implementations must make Put and
// the two transitions atomic with respect to concurrent calls for the same
// subject/challenge, so that exactly one writer wins each race. Any read of
// a record past its ExpiresAt reports StatusExpired regardless of the stored
// status; no background sweep is required for correctness.
//
// Transition methods return the post-call record plus whether this call
// applied the mutation; losers of a race observe applied=false and the
// terminal state the winner left behind.
type ChallengeStore interface {
	// Put inserts a new active challenge, atomically marking any prior
	// active challenge for the same subject as superseded.
	Put(ctx context.Context, ch model.Challenge) error

	// Get returns the current record for the challenge id.
	Get(ctx context.Context, id uuid.UUID) (model.Challenge, error)

	// GetActiveBySubject returns the subject's current active challenge.
	GetActiveBySubject(ctx context.Context, subjectID string) (model.Challenge, error)

	// MarkVerified transitions Active -> Verified if the challenge is still
	// active and unexpired.
	MarkVerified(ctx context.Context, id uuid.UUID) (model.Challenge, bool, error)

	// RecordFailedAttempt increments AttemptsUsed if the challenge is still
	// active and unexpired, transitioning to Exhausted when the attempt
	// budget is spent.
	RecordFailedAttempt(ctx context.Context, id uuid.UUID) (model.Challenge, bool, error)
}

// Purger is implemented by backends that need periodic eviction of terminal
// rows (the Redis backend expires keys on its own).
type Purger interface {
	PurgeExpired(ctx context.Context) (int64, error)
}
