package otp

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/arstudios/otp-service/internal/model"
	"github.com/arstudios/otp-service/internal/store"
	"github.com/google/uuid"
)

const (
	// ChallengeTTL is how long a challenge stays verifiable.
	ChallengeTTL = 60 * time.Second
	// MaxAttempts is the failed-attempt budget per challenge.
	MaxAttempts = 3
)

// Outcome is the closed set of verification results. Outcomes are values,
// not errors; only transient store failures travel as errors.
type Outcome string

const (
	OutcomeSuccess     Outcome = "success"
	OutcomeInvalid     Outcome = "invalid_code"
	OutcomeExpired     Outcome = "expired"
	OutcomeAlreadyUsed Outcome = "already_used"
	OutcomeSuperseded  Outcome = "superseded"
	OutcomeExhausted   Outcome = "exhausted"
	OutcomeNotFound    Outcome = "not_found"
)

// VerifyResult is the answer to a single verification attempt.
// AttemptsRemaining is meaningful only for OutcomeInvalid; SubjectID is set
// only on OutcomeSuccess.
type VerifyResult struct {
	Outcome           Outcome
	AttemptsRemaining int
	SubjectID         string
}

// Success reports whether the attempt consumed the challenge.
func (r VerifyResult) Success() bool { return r.Outcome == OutcomeSuccess }

// Verifier owns the challenge state machine: Active -> Verified | Expired |
// Exhausted | Superseded, all terminal. It never caches challenge records;
// every operation re-reads through the store so concurrent instances agree.
type Verifier struct {
	store  store.ChallengeStore
	hasher *Hasher
	now    func() time.Time
}

// NewVerifier creates a Verifier using the wall clock.
func NewVerifier(s store.ChallengeStore, hasher *Hasher) *Verifier {
	return NewVerifierWithClock(s, hasher, time.Now)
}

// NewVerifierWithClock creates a Verifier with an injected clock.
func NewVerifierWithClock(s store.ChallengeStore, hasher *Hasher, now func() time.Time) *Verifier {
	return &Verifier{store: s, hasher: hasher, now: now}
}

// Start creates a fresh challenge for the subject, superseding any prior
// active one, and returns the record plus the plaintext code. The code must
// go straight to the notification dispatcher and nowhere else.
func (v *Verifier) Start(ctx context.Context, subjectID string) (model.Challenge, string, error) {
	code, err := GenerateCode()
	if err != nil {
		return model.Challenge{}, "", fmt.Errorf("generate code: %w", err)
	}

	now := v.now()
	ch := model.Challenge{
		ID:          uuid.New(),
		SubjectID:   subjectID,
		CodeDigest:  v.hasher.Digest(subjectID, code),
		Status:      model.StatusActive,
		MaxAttempts: MaxAttempts,
		CreatedAt:   now,
		ExpiresAt:   now.Add(ChallengeTTL),
	}
	if err := v.store.Put(ctx, ch); err != nil {
		return model.Challenge{}, "", fmt.Errorf("store challenge: %w", err)
	}
	return ch, code, nil
}

// Resend issues a new challenge for the subject. Cooldown between resends is
// the caller's policy; the store still guarantees at most one active
// challenge per subject.
func (v *Verifier) Resend(ctx context.Context, subjectID string) (model.Challenge, string, error) {
	return v.Start(ctx, subjectID)
}

// Verify checks a candidate code against the challenge. Exactly one call per
// challenge can ever return OutcomeSuccess; every other path is terminal and
// deterministic, including races between concurrent callers.
func (v *Verifier) Verify(ctx context.Context, challengeID uuid.UUID, candidate string) (VerifyResult, error) {
	ch, err := v.store.Get(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return VerifyResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("load challenge: %w", err)
	}

	if ch.Terminal() {
		return VerifyResult{Outcome: terminalOutcome(ch.Status)}, nil
	}

	if !v.hasher.Verify(ch.SubjectID, candidate, ch.CodeDigest) {
		updated, applied, err := v.store.RecordFailedAttempt(ctx, challengeID)
		if errors.Is(err, store.ErrNotFound) {
			return VerifyResult{Outcome: OutcomeNotFound}, nil
		}
		if err != nil {
			return VerifyResult{}, fmt.Errorf("record failed attempt: %w", err)
		}
		if !applied || updated.Status == model.StatusExhausted {
			return VerifyResult{Outcome: terminalOutcome(updated.Status)}, nil
		}
		return VerifyResult{Outcome: OutcomeInvalid, AttemptsRemaining: updated.AttemptsRemaining()}, nil
	}

	updated, applied, err := v.store.MarkVerified(ctx, challengeID)
	if errors.Is(err, store.ErrNotFound) {
		return VerifyResult{Outcome: OutcomeNotFound}, nil
	}
	if err != nil {
		return VerifyResult{}, fmt.Errorf("mark verified: %w", err)
	}
	if !applied {
		// Lost the race: another caller transitioned first.
		return VerifyResult{Outcome: terminalOutcome(updated.Status)}, nil
	}
	return VerifyResult{Outcome: OutcomeSuccess, SubjectID: updated.SubjectID}, nil
}

// PendingChallenge reports the subject's active challenge, if one exists.
func (v *Verifier) PendingChallenge(ctx context.Context, subjectID string) (model.Challenge, bool, error) {
	ch, err := v.store.GetActiveBySubject(ctx, subjectID)
	if errors.Is(err, store.ErrNotFound) {
		return model.Challenge{}, false, nil
	}
	if err != nil {
		return model.Challenge{}, false, fmt.Errorf("load active challenge: %w", err)
	}
	return ch, true, nil
}

func terminalOutcome(status model.ChallengeStatus) Outcome {
	switch status {
	case model.StatusVerified:
		return OutcomeAlreadyUsed
	case model.StatusExpired:
		return OutcomeExpired
	case model.StatusSuperseded:
		return OutcomeSuperseded
	case model.StatusExhausted:
		return OutcomeExhausted
	default:
		return OutcomeNotFound
	}
}
