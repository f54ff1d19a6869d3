package httputil

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/matrix-org/util"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/10thony/Campaignion-sub010/clientapi/auth"
	"github.com/10thony/Campaignion-sub010/setup/config"
	"github.com/10thony/Campaignion-sub010/types"
)

// newTestLimits builds limits with a budget of max requests over a window
// long enough that no refill happens mid-test.
func newTestLimits(t *testing.T, max int) *RateLimits {
	t.Helper()
	l := NewRateLimits(&config.RateLimiting{WindowMS: 60000, MaxRequests: max})
	t.Cleanup(l.Stop)
	return l
}

// staticVerifier accepts one token and maps it to one identity.
type staticVerifier struct {
	token    string
	identity auth.Identity
}

func (v *staticVerifier) VerifyToken(_ context.Context, token string) (*auth.Identity, error) {
	if token != v.token {
		return nil, types.NewError(types.ErrUnauthenticated, "invalid token")
	}
	id := v.identity
	return &id, nil
}

func TestMakeAuthAPI(t *testing.T) {
	verifier := &staticVerifier{token: "good-token", identity: auth.Identity{UserID: "u1", SessionID: "s1"}}
	var seen *auth.Identity
	h := MakeAuthAPI("test", verifier, nil, func(_ *http.Request, identity *auth.Identity) util.JSONResponse {
		seen = identity
		return util.JSONResponse{Code: http.StatusOK, JSON: map[string]bool{"success": true}}
	})

	// No credentials.
	w := httptest.NewRecorder()
	h.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/test", nil))
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Wrong token.
	w = httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer bad-token")
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
	assert.Nil(t, seen)

	// Valid token reaches the handler with the verified identity.
	w = httptest.NewRecorder()
	req = httptest.NewRequest(http.MethodGet, "/test", nil)
	req.Header.Set("Authorization", "Bearer good-token")
	h.ServeHTTP(w, req)
	assert.Equal(t, http.StatusOK, w.Code)
	require.NotNil(t, seen)
	assert.Equal(t, "u1", seen.UserID)
}

func TestErrorResponseMapsCodes(t *testing.T) {
	resp := ErrorResponse(types.NewError(types.ErrRoomNotFound, "no such room"))
	assert.Equal(t, http.StatusNotFound, resp.Code)

	resp = ErrorResponse(types.NewError(types.ErrDMOnly, "dm only"))
	assert.Equal(t, http.StatusForbidden, resp.Code)

	// Unknown errors never leak details.
	resp = ErrorResponse(assert.AnError)
	assert.Equal(t, http.StatusInternalServerError, resp.Code)
}

func TestUnmarshalJSONRequest(t *testing.T) {
	var out struct {
		EntityID string `json:"entityId"`
	}

	req := httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(`{"entityId":"p1"}`))
	require.Nil(t, UnmarshalJSONRequest(req, &out))
	assert.Equal(t, "p1", out.EntityID)

	// Empty bodies are allowed; the handler's defaults apply.
	req = httptest.NewRequest(http.MethodPost, "/test", strings.NewReader(""))
	assert.Nil(t, UnmarshalJSONRequest(req, &out))

	req = httptest.NewRequest(http.MethodPost, "/test", strings.NewReader("{not json"))
	resp := UnmarshalJSONRequest(req, &out)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.Code)
}

func TestRateLimitByIdentity(t *testing.T) {
	limits := newTestLimits(t, 3)

	identity := &auth.Identity{UserID: "u1"}
	req := httptest.NewRequest(http.MethodPost, "/rooms/int-1/turn", nil)
	for i := 0; i < 3; i++ {
		assert.Nil(t, limits.Limit(req, identity), "request %d within budget", i)
	}

	rejected := limits.Limit(req, identity)
	require.NotNil(t, rejected)
	assert.Equal(t, http.StatusTooManyRequests, rejected.Code)

	body, err := json.Marshal(rejected.JSON)
	require.NoError(t, err)
	assert.Contains(t, string(body), string(types.ErrRateLimited))

	// A different caller has their own bucket.
	assert.Nil(t, limits.Limit(req, &auth.Identity{UserID: "u2"}))
}

func TestRateLimitByRemoteIPWhenAnonymous(t *testing.T) {
	limits := newTestLimits(t, 2)

	reqA := httptest.NewRequest(http.MethodGet, "/rooms/int-1/updates", nil)
	reqA.RemoteAddr = "203.0.113.7:41000"
	reqB := httptest.NewRequest(http.MethodGet, "/rooms/int-1/updates", nil)
	reqB.RemoteAddr = "203.0.113.8:41000"

	assert.Nil(t, limits.Limit(reqA, nil))
	assert.Nil(t, limits.Limit(reqA, nil))
	assert.NotNil(t, limits.Limit(reqA, nil))

	// The other address is unaffected, even on the same endpoint.
	assert.Nil(t, limits.Limit(reqB, nil))
}

func TestRateLimitHonoursForwardedFor(t *testing.T) {
	limits := newTestLimits(t, 1)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.RemoteAddr = "10.0.0.1:80" // the proxy
	req.Header.Set("X-Forwarded-For", "198.51.100.4, 10.0.0.1")
	assert.Nil(t, limits.Limit(req, nil))
	assert.NotNil(t, limits.Limit(req, nil))

	other := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	other.RemoteAddr = "10.0.0.1:80"
	other.Header.Set("X-Forwarded-For", "198.51.100.5, 10.0.0.1")
	assert.Nil(t, limits.Limit(other, nil), "clients behind the same proxy are limited separately")
}
