package store

import (
	"context"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"

	"github.com/arstudios/otp-service/internal/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const (
	challengeKeyPrefix = "otp:challenge:"
	subjectKeyPrefix   = "otp:subject:"
)

// putScript atomically supersedes the subject's prior active challenge (if
// any), writes the new challenge hash, and points the subject index at it.
var putScript = redis.NewScript(`
local prev = redis.call("GET", KEYS[1])
if prev then
  local prevKey = ARGV[1] .. prev
  if redis.call("HGET", prevKey, "status") == "active" then
    redis.call("HSET", prevKey, "status", "superseded")
    redis.call("PEXPIRE", prevKey, ARGV[2])
  end
end
redis.call("HSET", KEYS[2],
  "id", ARGV[5], "subject_id", ARGV[6], "code_digest", ARGV[7],
  "status", ARGV[8], "attempts_used", ARGV[9], "max_attempts", ARGV[10],
  "created_at", ARGV[11], "expires_at", ARGV[12])
redis.call("PEXPIRE", KEYS[2], ARGV[3])
redis.call("SET", KEYS[1], ARGV[5], "PX", ARGV[4])
return 1
`)

// markVerifiedScript transitions active -> verified, single winner. A read
// past expiry flips the record to expired instead.
var markVerifiedScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return "notfound"
end
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "active" then
  return status
end
if tonumber(ARGV[1]) >= tonumber(redis.call("HGET", KEYS[1], "expires_at")) then
  redis.call("HSET", KEYS[1], "status", "expired")
  return "expired"
end
redis.call("HSET", KEYS[1], "status", "verified", "verified_at", ARGV[1])
return "applied"
`)

// recordFailureScript increments the attempt counter under the same guards,
// exhausting the challenge when the budget is spent.
var recordFailureScript = redis.NewScript(`
if redis.call("EXISTS", KEYS[1]) == 0 then
  return "notfound"
end
local status = redis.call("HGET", KEYS[1], "status")
if status ~= "active" then
  return status
end
if tonumber(ARGV[1]) >= tonumber(redis.call("HGET", KEYS[1], "expires_at")) then
  redis.call("HSET", KEYS[1], "status", "expired")
  return "expired"
end
local attempts = redis.call("HINCRBY", KEYS[1], "attempts_used", 1)
if attempts >= tonumber(redis.call("HGET", KEYS[1], "max_attempts")) then
  redis.call("HSET", KEYS[1], "status", "exhausted")
end
return "applied"
`)

// RedisStore keeps challenges in Redis, one hash per challenge plus a
// per-subject index key holding the active challenge id. Key TTLs cover the
// challenge lifetime plus the retention window; expiry is still checked on
// every read so correctness never depends on Redis eviction timing.
type RedisStore struct {
	rdb *redis.Client
	now func() time.Time
}

// NewRedisStore creates a RedisStore using the wall clock.
func NewRedisStore(rdb *redis.Client) *RedisStore {
	return NewRedisStoreWithClock(rdb, time.Now)
}

// NewRedisStoreWithClock creates a RedisStore with an injected clock.
func NewRedisStoreWithClock(rdb *redis.Client, now func() time.Time) *RedisStore {
	return &RedisStore{rdb: rdb, now: now}
}

func challengeKey(id uuid.UUID) string   { return challengeKeyPrefix + id.String() }
func subjectKey(subjectID string) string { return subjectKeyPrefix + subjectID }

// Put inserts the challenge and supersedes any prior active challenge for
// the same subject in a single script execution.
func (s *RedisStore) Put(ctx context.Context, ch model.Challenge) error {
	ttl := ch.ExpiresAt.Sub(ch.CreatedAt)
	if ttl <= 0 {
		return fmt.Errorf("challenge ttl must be positive")
	}
	keys := []string{subjectKey(ch.SubjectID), challengeKey(ch.ID)}
	args := []interface{}{
		challengeKeyPrefix,
		RetentionWindow.Milliseconds(),
		(ttl + RetentionWindow).Milliseconds(),
		ttl.Milliseconds(),
		ch.ID.String(),
		ch.SubjectID,
		hex.EncodeToString(ch.CodeDigest),
		string(ch.Status),
		ch.AttemptsUsed,
		ch.MaxAttempts,
		ch.CreatedAt.UnixMilli(),
		ch.ExpiresAt.UnixMilli(),
	}
	if err := putScript.Run(ctx, s.rdb, keys, args...).Err(); err != nil {
		return fmt.Errorf("put challenge: %w", err)
	}
	return nil
}

// Get returns the current record for the challenge id. Records past expiry
// read as expired; records past retention read as not found.
func (s *RedisStore) Get(ctx context.Context, id uuid.UUID) (model.Challenge, error) {
	fields, err := s.rdb.HGetAll(ctx, challengeKey(id)).Result()
	if err != nil {
		return model.Challenge{}, fmt.Errorf("get challenge: %w", err)
	}
	if len(fields) == 0 {
		return model.Challenge{}, ErrNotFound
	}
	ch, err := parseChallengeFields(fields)
	if err != nil {
		return model.Challenge{}, fmt.Errorf("decode challenge %s: %w", id, err)
	}
	return s.normalize(ch)
}

// GetActiveBySubject resolves the subject index to its current challenge.
func (s *RedisStore) GetActiveBySubject(ctx context.Context, subjectID string) (model.Challenge, error) {
	idStr, err := s.rdb.Get(ctx, subjectKey(subjectID)).Result()
	if err == redis.Nil {
		return model.Challenge{}, ErrNotFound
	}
	if err != nil {
		return model.Challenge{}, fmt.Errorf("get subject index: %w", err)
	}
	id, err := uuid.Parse(idStr)
	if err != nil {
		return model.Challenge{}, fmt.Errorf("parse challenge id %q: %w", idStr, err)
	}
	ch, err := s.Get(ctx, id)
	if err != nil {
		return model.Challenge{}, err
	}
	if ch.Status != model.StatusActive {
		return model.Challenge{}, ErrNotFound
	}
	return ch, nil
}

// MarkVerified transitions active -> verified if this caller wins the race.
func (s *RedisStore) MarkVerified(ctx context.Context, id uuid.UUID) (model.Challenge, bool, error) {
	return s.transition(ctx, id, markVerifiedScript)
}

// RecordFailedAttempt burns one attempt if this caller wins the race.
func (s *RedisStore) RecordFailedAttempt(ctx context.Context, id uuid.UUID) (model.Challenge, bool, error) {
	return s.transition(ctx, id, recordFailureScript)
}

func (s *RedisStore) transition(ctx context.Context, id uuid.UUID, script *redis.Script) (model.Challenge, bool, error) {
	res, err := script.Run(ctx, s.rdb, []string{challengeKey(id)}, s.now().UnixMilli()).Result()
	if err != nil {
		return model.Challenge{}, false, fmt.Errorf("challenge transition: %w", err)
	}
	outcome, ok := res.(string)
	if !ok {
		return model.Challenge{}, false, fmt.Errorf("challenge transition: unexpected reply %v", res)
	}
	if outcome == "notfound" {
		return model.Challenge{}, false, ErrNotFound
	}
	ch, err := s.Get(ctx, id)
	if err != nil {
		return model.Challenge{}, false, err
	}
	return ch, outcome == "applied", nil
}

// normalize applies read-side expiry and retention rules.
func (s *RedisStore) normalize(ch model.Challenge) (model.Challenge, error) {
	now := s.now()
	if now.Sub(ch.ExpiresAt) >= RetentionWindow {
		return model.Challenge{}, ErrNotFound
	}
	if ch.Status == model.StatusActive && ch.ExpiredAt(now) {
		ch.Status = model.StatusExpired
	}
	return ch, nil
}

func parseChallengeFields(fields map[string]string) (model.Challenge, error) {
	var ch model.Challenge
	var err error

	if ch.ID, err = uuid.Parse(fields["id"]); err != nil {
		return ch, fmt.Errorf("id: %w", err)
	}
	ch.SubjectID = fields["subject_id"]
	if ch.CodeDigest, err = hex.DecodeString(fields["code_digest"]); err != nil {
		return ch, fmt.Errorf("code_digest: %w", err)
	}
	ch.Status = model.ChallengeStatus(fields["status"])
	if ch.AttemptsUsed, err = strconv.Atoi(fields["attempts_used"]); err != nil {
		return ch, fmt.Errorf("attempts_used: %w", err)
	}
	if ch.MaxAttempts, err = strconv.Atoi(fields["max_attempts"]); err != nil {
		return ch, fmt.Errorf("max_attempts: %w", err)
	}
	createdAt, err := strconv.ParseInt(fields["created_at"], 10, 64)
	if err != nil {
		return ch, fmt.Errorf("created_at: %w", err)
	}
	ch.CreatedAt = time.UnixMilli(createdAt)
	expiresAt, err := strconv.ParseInt(fields["expires_at"], 10, 64)
	if err != nil {
		return ch, fmt.Errorf("expires_at: %w", err)
	}
	ch.ExpiresAt = time.UnixMilli(expiresAt)
	if raw, present := fields["verified_at"]; present {
		verifiedAt, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			return ch, fmt.Errorf("verified_at: %w", err)
		}
		t := time.UnixMilli(verifiedAt)
		ch.VerifiedAt = &t
	}
	return ch, nil
}
