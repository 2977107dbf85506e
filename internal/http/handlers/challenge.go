package handlers

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/arstudios/otp-service/internal/middleware"
	"github.com/arstudios/otp-service/internal/notify"
	"github.com/arstudios/otp-service/internal/otp"
	"github.com/google/uuid"
)

// ChallengeHandler exposes the verification core over HTTP. Rate limiting
// and the resend cooldown live here, at the boundary, never in the core.
type ChallengeHandler struct {
	verifier    *otp.Verifier
	dispatcher  notify.Dispatcher
	tokens      *otp.TokenService
	ipLimiter   *middleware.RateLimiter
	sendLimiter *middleware.RateLimiter
	devMode     bool
}

// NewChallengeHandler creates a challenge handler. The per-subject send
// limiter allows one dispatch per challenge lifetime, which is the cooldown
// the spec requires the boundary to enforce.
func NewChallengeHandler(verifier *otp.Verifier, dispatcher notify.Dispatcher, tokens *otp.TokenService, devMode bool) *ChallengeHandler {
	return &ChallengeHandler{
		verifier:    verifier,
		dispatcher:  dispatcher,
		tokens:      tokens,
		ipLimiter:   middleware.NewRateLimiter(10*time.Minute, 20),
		sendLimiter: middleware.NewRateLimiter(otp.ChallengeTTL, 1),
		devMode:     devMode,
	}
}

// startRequest is the request body for POST /challenge/start and /challenge/resend
type startRequest struct {
	SubjectID string `json:"subject_id"`
	Email     string `json:"email"`
	Purpose   string `json:"purpose"`
}

// startResponse is the JSON response for start/resend
type startResponse struct {
	ChallengeID string    `json:"challenge_id"`
	ExpiresAt   time.Time `json:"expires_at"`
	Dispatched  bool      `json:"dispatched"`
	DevCode     string    `json:"dev_code,omitempty"`
}

// verifyRequest is the request body for POST /challenge/verify
type verifyRequest struct {
	ChallengeID string `json:"challenge_id"`
	Code        string `json:"code"`
}

// verifyResponse is the JSON response for verify
type verifyResponse struct {
	Success           bool   `json:"success"`
	Reason            string `json:"reason,omitempty"`
	AttemptsRemaining *int   `json:"attempts_remaining,omitempty"`
	VerificationToken string `json:"verification_token,omitempty"`
}

// statusResponse is the JSON response for GET /challenge/status
type statusResponse struct {
	Pending   bool       `json:"pending"`
	ExpiresAt *time.Time `json:"expires_at,omitempty"`
}

// HandleStart handles POST /challenge/start
func (h *ChallengeHandler) HandleStart(w http.ResponseWriter, r *http.Request) {
	h.startChallenge(w, r)
}

// HandleResend handles POST /challenge/resend. Identical to start; the
// shared per-subject cooldown is what makes resend abuse-safe.
func (h *ChallengeHandler) HandleResend(w http.ResponseWriter, r *http.Request) {
	h.startChallenge(w, r)
}

func (h *ChallengeHandler) startChallenge(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.SubjectID = strings.TrimSpace(req.SubjectID)
	req.Email = strings.TrimSpace(req.Email)
	if req.SubjectID == "" || req.Email == "" {
		respondWithError(w, http.StatusBadRequest, "subject_id and email are required")
		return
	}
	purpose := notify.PurposeLogin
	if req.Purpose == string(notify.PurposeSignup) {
		purpose = notify.PurposeSignup
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	subjectKey := middleware.GetSubjectKey(req.SubjectID)
	if !h.sendLimiter.Allow(subjectKey) {
		middleware.RespondRateLimited(w, h.sendLimiter.RetryAfter(subjectKey))
		return
	}

	ch, code, err := h.verifier.Start(r.Context(), req.SubjectID)
	if err != nil {
		log.Printf("challenge start failed: subject=%s: %v", req.SubjectID, err)
		respondWithError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	// A dispatch failure does not invalidate the challenge; the caller may
	// retry with resend once the cooldown passes.
	dispatched := true
	if err := h.dispatcher.Send(r.Context(), req.SubjectID, req.Email, code, purpose); err != nil {
		log.Printf("dispatch failed: subject=%s address=%s: %v", req.SubjectID, notify.MaskAddress(req.Email), err)
		dispatched = false
	}

	response := startResponse{
		ChallengeID: ch.ID.String(),
		ExpiresAt:   ch.ExpiresAt,
		Dispatched:  dispatched,
	}
	if h.devMode {
		response.DevCode = code
	}

	respondWithJSON(w, http.StatusOK, response)
}

// HandleVerify handles POST /challenge/verify
func (h *ChallengeHandler) HandleVerify(w http.ResponseWriter, r *http.Request) {
	var req verifyRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondWithError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	req.ChallengeID = strings.TrimSpace(req.ChallengeID)
	req.Code = strings.TrimSpace(req.Code)
	if req.ChallengeID == "" || req.Code == "" {
		respondWithError(w, http.StatusBadRequest, "challenge_id and code are required")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	challengeID, err := uuid.Parse(req.ChallengeID)
	if err != nil {
		// Unknown and malformed ids answer identically to real expired ones.
		respondWithJSON(w, http.StatusUnauthorized, verifyResponse{Success: false, Reason: string(otp.OutcomeExpired)})
		return
	}

	result, err := h.verifier.Verify(r.Context(), challengeID, req.Code)
	if err != nil {
		log.Printf("challenge verify failed: id=%s: %v", challengeID, err)
		respondWithError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	if result.Success() {
		token, err := h.tokens.SignVerification(result.SubjectID, challengeID)
		if err != nil {
			log.Printf("sign verification token failed: id=%s: %v", challengeID, err)
			respondWithError(w, http.StatusInternalServerError, "failed to issue verification token")
			return
		}
		respondWithJSON(w, http.StatusOK, verifyResponse{Success: true, VerificationToken: token})
		return
	}

	response := verifyResponse{Success: false, Reason: boundaryReason(result.Outcome)}
	if result.Outcome == otp.OutcomeInvalid {
		remaining := result.AttemptsRemaining
		response.AttemptsRemaining = &remaining
	}
	respondWithJSON(w, http.StatusUnauthorized, response)
}

// HandleStatus handles GET /challenge/status
func (h *ChallengeHandler) HandleStatus(w http.ResponseWriter, r *http.Request) {
	subjectID := strings.TrimSpace(r.URL.Query().Get("subject_id"))
	if subjectID == "" {
		respondWithError(w, http.StatusBadRequest, "subject_id is required")
		return
	}

	if !h.ipLimiter.Allow(middleware.GetIPKey(r)) {
		respondWithError(w, http.StatusTooManyRequests, "rate limit exceeded")
		return
	}

	ch, pending, err := h.verifier.PendingChallenge(r.Context(), subjectID)
	if err != nil {
		log.Printf("challenge status failed: subject=%s: %v", subjectID, err)
		respondWithError(w, http.StatusServiceUnavailable, "temporarily unavailable")
		return
	}

	response := statusResponse{Pending: pending}
	if pending {
		response.ExpiresAt = &ch.ExpiresAt
	}
	respondWithJSON(w, http.StatusOK, response)
}

// boundaryReason maps core outcomes to wire reasons. NotFound is reported as
// expired so responses never reveal whether a challenge (or subject) exists.
func boundaryReason(outcome otp.Outcome) string {
	if outcome == otp.OutcomeNotFound {
		return string(otp.OutcomeExpired)
	}
	return string(outcome)
}

// respondWithJSON writes a JSON response
func respondWithJSON(w http.ResponseWriter, statusCode int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		log.Printf("failed to encode response: %v", err)
	}
}

// respondWithError sends a JSON error response
func respondWithError(w http.ResponseWriter, statusCode int, message string) {
	respondWithJSON(w, statusCode, map[string]string{"error": message})
}
