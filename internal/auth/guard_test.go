package auth

import (
	"net/http"
	"net/http/httptest"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGuardAuthenticate(t *testing.T) {
	g := NewGuard("alpha", " ", "beta")
	require.True(t, g.Enabled())

	assert.NoError(t, g.Authenticate("Bearer alpha"))
	assert.NoError(t, g.Authenticate("bearer beta"))
	assert.ErrorIs(t, g.Authenticate(""), ErrMissingToken)
	assert.ErrorIs(t, g.Authenticate("Basic alpha"), ErrMissingToken)
	assert.ErrorIs(t, g.Authenticate("Bearer gamma"), ErrInvalidToken)
}

func TestGuardDisabledAllowsEverything(t *testing.T) {
	g := NewGuard()
	assert.False(t, g.Enabled())
	assert.NoError(t, g.Authenticate(""))

	var nilGuard *Guard
	assert.False(t, nilGuard.Enabled())
}

func TestFromEnvClearsVariable(t *testing.T) {
	t.Setenv("HYPERFLEET_TEST_TOKENS", "one,two")
	g := FromEnv("HYPERFLEET_TEST_TOKENS")
	assert.NoError(t, g.Authenticate("Bearer two"))
	_, ok := os.LookupEnv("HYPERFLEET_TEST_TOKENS")
	assert.False(t, ok)
}

func TestMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTeapot)
	})
	handler := NewGuard("secret").Middleware("agents")(ok)

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil))
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/agents", nil)
	req.Header.Set("Authorization", "Bearer secret")
	rec = httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusTeapot, rec.Code)
}
