package otp

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// verificationTokenTTL bounds how long the calling layer has to act on a
// successful verification before the proof goes stale.
const verificationTokenTTL = 5 * time.Minute

// VerificationClaims prove to the account collaborator that the subject
// completed second-factor verification for the named challenge.
type VerificationClaims struct {
	SubjectID   string    `json:"sub"`
	ChallengeID uuid.UUID `json:"challenge_id"`
	jwt.RegisteredClaims
}

// TokenService signs and verifies short-lived verification tokens.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a new token service.
func NewTokenService(secret string) *TokenService {
	return &TokenService{secret: []byte(secret)}
}

// SignVerification mints a token asserting that the challenge was verified.
func (s *TokenService) SignVerification(subjectID string, challengeID uuid.UUID) (string, error) {
	now := time.Now()
	claims := &VerificationClaims{
		SubjectID:   subjectID,
		ChallengeID: challengeID,
		RegisteredClaims: jwt.RegisteredClaims{
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(verificationTokenTTL)),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("sign verification token: %w", err)
	}
	return signed, nil
}

// VerifyToken parses and validates a verification token.
func (s *TokenService) VerifyToken(tokenString string) (*VerificationClaims, error) {
	token, err := jwt.ParseWithClaims(tokenString, &VerificationClaims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("parse verification token: %w", err)
	}

	claims, ok := token.Claims.(*VerificationClaims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid verification token")
	}
	return claims, nil
}
