package store

import (
	"context"
	"database/sql"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/arstudios/otp-service/internal/model"
	"github.com/google/uuid"
)

// PostgresStore keeps challenges in a challenges table. Atomicity comes from
// the database: an advisory transaction lock serializes Put per subject, and
// the transitions are conditional UPDATEs so concurrent verifiers get a
// single winner.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

// NewPostgresStore creates a PostgresStore using the wall clock.
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return NewPostgresStoreWithClock(db, time.Now)
}

// NewPostgresStoreWithClock creates a PostgresStore with an injected clock.
func NewPostgresStoreWithClock(db *sql.DB, now func() time.Time) *PostgresStore {
	return &PostgresStore{db: db, now: now}
}

// Put inserts the challenge, atomically superseding any active challenge for
// the same subject. The advisory lock serializes concurrent Puts per subject
// so the partial unique index on active challenges never trips.
func (s *PostgresStore) Put(ctx context.Context, ch model.Challenge) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(1, hashtext($1))`, ch.SubjectID); err != nil {
		return fmt.Errorf("advisory lock: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE challenges
		SET status = 'superseded'
		WHERE subject_id = $1 AND status = 'active'
	`, ch.SubjectID); err != nil {
		return fmt.Errorf("supersede active challenges: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO challenges (id, subject_id, code_digest, status, attempts_used, max_attempts, created_at, expires_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, ch.ID.String(), ch.SubjectID, hex.EncodeToString(ch.CodeDigest), string(ch.Status),
		ch.AttemptsUsed, ch.MaxAttempts, ch.CreatedAt, ch.ExpiresAt); err != nil {
		return fmt.Errorf("insert challenge: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit: %w", err)
	}
	return nil
}

// Get returns the current record for the challenge id.
func (s *PostgresStore) Get(ctx context.Context, id uuid.UUID) (model.Challenge, error) {
	return s.getWhere(ctx, `WHERE id = $1`, id.String())
}

// GetActiveBySubject returns the subject's active challenge, if any.
func (s *PostgresStore) GetActiveBySubject(ctx context.Context, subjectID string) (model.Challenge, error) {
	ch, err := s.getWhere(ctx, `WHERE subject_id = $1 AND status = 'active' ORDER BY created_at DESC LIMIT 1`, subjectID)
	if err != nil {
		return model.Challenge{}, err
	}
	if ch.Status != model.StatusActive {
		return model.Challenge{}, ErrNotFound
	}
	return ch, nil
}

func (s *PostgresStore) getWhere(ctx context.Context, where string, arg interface{}) (model.Challenge, error) {
	query := `
		SELECT id, subject_id, code_digest, status, attempts_used, max_attempts, created_at, expires_at, verified_at
		FROM challenges
	` + where
	var ch model.Challenge
	var idStr, digestHex, status string
	err := s.db.QueryRowContext(ctx, query, arg).Scan(
		&idStr,
		&ch.SubjectID,
		&digestHex,
		&status,
		&ch.AttemptsUsed,
		&ch.MaxAttempts,
		&ch.CreatedAt,
		&ch.ExpiresAt,
		&ch.VerifiedAt,
	)
	if err != nil {
		if err == sql.ErrNoRows {
			return model.Challenge{}, ErrNotFound
		}
		return model.Challenge{}, fmt.Errorf("query challenge: %w", err)
	}
	if ch.ID, err = uuid.Parse(idStr); err != nil {
		return model.Challenge{}, fmt.Errorf("parse challenge id: %w", err)
	}
	if ch.CodeDigest, err = hex.DecodeString(digestHex); err != nil {
		return model.Challenge{}, fmt.Errorf("decode code_digest: %w", err)
	}
	ch.Status = model.ChallengeStatus(status)
	return s.normalize(ch)
}

// MarkVerified transitions active -> verified; the conditional UPDATE makes
// concurrent verifiers race to a single winner.
func (s *PostgresStore) MarkVerified(ctx context.Context, id uuid.UUID) (model.Challenge, bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE challenges
		SET status = 'verified', verified_at = $2
		WHERE id = $1 AND status = 'active' AND expires_at > $2
	`, id.String(), now)
	if err != nil {
		return model.Challenge{}, false, fmt.Errorf("mark verified: %w", err)
	}
	n, _ := result.RowsAffected()
	ch, err := s.Get(ctx, id)
	if err != nil {
		return model.Challenge{}, false, err
	}
	return ch, n == 1, nil
}

// RecordFailedAttempt burns one attempt, exhausting the challenge when the
// budget is spent.
func (s *PostgresStore) RecordFailedAttempt(ctx context.Context, id uuid.UUID) (model.Challenge, bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		UPDATE challenges
		SET attempts_used = attempts_used + 1,
		    status = CASE WHEN attempts_used + 1 >= max_attempts THEN 'exhausted' ELSE status END
		WHERE id = $1 AND status = 'active' AND expires_at > $2
	`, id.String(), now)
	if err != nil {
		return model.Challenge{}, false, fmt.Errorf("record failed attempt: %w", err)
	}
	n, _ := result.RowsAffected()
	ch, err := s.Get(ctx, id)
	if err != nil {
		return model.Challenge{}, false, err
	}
	return ch, n == 1, nil
}

// PurgeExpired deletes rows past their retention window. Correctness never
// depends on this; it only keeps the table small.
func (s *PostgresStore) PurgeExpired(ctx context.Context) (int64, error) {
	result, err := s.db.ExecContext(ctx, `
		DELETE FROM challenges WHERE expires_at < $1
	`, s.now().Add(-RetentionWindow))
	if err != nil {
		return 0, fmt.Errorf("purge expired challenges: %w", err)
	}
	n, _ := result.RowsAffected()
	return n, nil
}

// normalize applies read-side expiry and retention rules.
func (s *PostgresStore) normalize(ch model.Challenge) (model.Challenge, error) {
	now := s.now()
	if now.Sub(ch.ExpiresAt) >= RetentionWindow {
		return model.Challenge{}, ErrNotFound
	}
	if ch.Status == model.StatusActive && ch.ExpiredAt(now) {
		ch.Status = model.StatusExpired
	}
	return ch, nil
}
