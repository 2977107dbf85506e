package tests

import (
	"context"
	"fmt"
	"net/http/httptest"
	"sync"
	"testing"

	"github.com/alicebob/miniredis/v2"
	httphandler "github.com/arstudios/otp-service/internal/http"
	"github.com/arstudios/otp-service/internal/http/handlers"
	"github.com/arstudios/otp-service/internal/notify"
	"github.com/arstudios/otp-service/internal/otp"
	"github.com/arstudios/otp-service/internal/store"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
)

// capturingDispatcher records dispatched codes instead of sending email.
// With fail set it reports a delivery failure while still recording, so
// tests can exercise the dispatch-failure-keeps-challenge-valid path.
type capturingDispatcher struct {
	mu    sync.Mutex
	codes map[string]string
	fail  bool
}

func newCapturingDispatcher() *capturingDispatcher {
	return &capturingDispatcher{codes: make(map[string]string)}
}

func (d *capturingDispatcher) Send(_ context.Context, _, address, code string, _ notify.Purpose) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.codes[address] = code
	if d.fail {
		return fmt.Errorf("smtp unavailable")
	}
	return nil
}

// CodeFor returns the last code dispatched to the address.
func (d *capturingDispatcher) CodeFor(address string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.codes[address]
}

// SetFail toggles simulated delivery failure.
func (d *capturingDispatcher) SetFail(fail bool) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.fail = fail
}

// testServer holds the full stack for end-to-end tests: miniredis-backed
// store, verifier, capturing dispatcher, and an httptest server.
type testServer struct {
	Server     *httptest.Server
	Dispatcher *capturingDispatcher
	Tokens     *otp.TokenService
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	redisServer, err := miniredis.Run()
	require.NoError(t, err)

	rdb := redis.NewClient(&redis.Options{Addr: redisServer.Addr()})
	t.Cleanup(func() {
		_ = rdb.Close()
		redisServer.Close()
	})

	challengeStore := store.NewRedisStore(rdb)
	hasher := otp.NewHasher("test-otp-salt")
	verifier := otp.NewVerifier(challengeStore, hasher)
	tokens := otp.NewTokenService("test-jwt-secret-at-least-32-characters-long")
	dispatcher := newCapturingDispatcher()

	challengeHandler := handlers.NewChallengeHandler(verifier, dispatcher, tokens, false)
	router := httphandler.NewRouter(challengeHandler)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testServer{Server: server, Dispatcher: dispatcher, Tokens: tokens}
}

func (s *testServer) BaseURL() string { return s.Server.URL }
