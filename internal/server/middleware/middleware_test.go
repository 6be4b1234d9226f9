package middleware

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alanyoungcy/collectex/internal/crypto"
	"github.com/alanyoungcy/collectex/internal/domain"
)

const devKey = "0xac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

var discard = slog.New(slog.NewTextHandler(io.Discard, nil))

// echoCaller writes the caller and the body it received.
func echoCaller(w http.ResponseWriter, r *http.Request) {
	body, _ := io.ReadAll(r.Body)
	caller, ok := CallerFrom(r.Context())
	if !ok {
		w.Write([]byte("anonymous|" + string(body)))
		return
	}
	w.Write([]byte(caller.Hex() + "|" + string(body)))
}

func signedRequest(t *testing.T, method, path, body string) *http.Request {
	t.Helper()
	s, err := crypto.NewSigner(devKey)
	require.NoError(t, err)
	headers, err := s.Headers(method, path, []byte(body), time.Now())
	require.NoError(t, err)
	r := httptest.NewRequest(method, path, strings.NewReader(body))
	for k, v := range headers {
		r.Header.Set(k, v)
	}
	return r
}

func TestIdentityAcceptsValidSignature(t *testing.T) {
	h := Identity(crypto.NewVerifier(0), true, nil)(http.HandlerFunc(echoCaller))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/orders", `{"amount":"1"}`))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266|{\"amount\":\"1\"}", rec.Body.String())
}

func TestIdentityRejectsTamperedBody(t *testing.T) {
	h := Identity(crypto.NewVerifier(0), true, nil)(http.HandlerFunc(echoCaller))
	r := signedRequest(t, http.MethodPost, "/api/orders", `{"amount":"1"}`)
	r.Body = io.NopCloser(strings.NewReader(`{"amount":"9"}`))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentityRejectsMissingSignature(t *testing.T) {
	h := Identity(crypto.NewVerifier(0), true, nil)(http.HandlerFunc(echoCaller))
	r := httptest.NewRequest(http.MethodPost, "/api/orders", nil)
	r.Header.Set(crypto.HeaderAddress, "0xf39Fd6e51aad88F6F4ce6aB8827279cffFb92266")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "authorization_error")
}

func TestIdentityRejectsReusedSignature(t *testing.T) {
	h := Identity(crypto.NewVerifier(0), true, NewMemoryReplayGuard())(http.HandlerFunc(echoCaller))
	first := signedRequest(t, http.MethodPost, "/api/orders", `{"amount":"1"}`)
	again := httptest.NewRequest(http.MethodPost, "/api/orders", strings.NewReader(`{"amount":"1"}`))
	again.Header = first.Header.Clone()

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, again)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Contains(t, rec.Body.String(), "already used")
}

func TestIdentityRejectsReencodedSignature(t *testing.T) {
	h := Identity(crypto.NewVerifier(0), true, nil)(http.HandlerFunc(echoCaller))
	first := signedRequest(t, http.MethodPost, "/api/staking/withdraw", `{"amount":"5"}`)
	again := httptest.NewRequest(http.MethodPost, "/api/staking/withdraw", strings.NewReader(`{"amount":"5"}`))
	again.Header = first.Header.Clone()
	// Same signature with v as 0/1 instead of 27/28 still verifies.
	sig := common.FromHex(first.Header.Get(crypto.HeaderSignature))
	require.Len(t, sig, 65)
	if sig[64] >= 27 {
		sig[64] -= 27
	} else {
		sig[64] += 27
	}
	again.Header.Set(crypto.HeaderSignature, hexutil.Encode(sig))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, first)
	require.Equal(t, http.StatusOK, rec.Code)
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, again)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestIdentityAllowsRepeatedSignedReads(t *testing.T) {
	h := Identity(crypto.NewVerifier(0), true, nil)(http.HandlerFunc(echoCaller))
	first := signedRequest(t, http.MethodGet, "/api/orders", "")
	for range 2 {
		r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
		r.Header = first.Header.Clone()
		rec := httptest.NewRecorder()
		h.ServeHTTP(rec, r)
		assert.Equal(t, http.StatusOK, rec.Code)
	}
}

type failingGuard struct{}

func (failingGuard) Claim(context.Context, string, time.Duration) (bool, error) {
	return false, errors.New("connection refused")
}

func TestIdentityFailsClosedWithoutReplayGuard(t *testing.T) {
	h := Identity(crypto.NewVerifier(0), true, failingGuard{})(http.HandlerFunc(echoCaller))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, signedRequest(t, http.MethodPost, "/api/orders", `{}`))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), `"code":"unavailable"`)
}

func (g *MemoryReplayGuard) size() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.seen)
}

func TestMemoryReplayGuardExpires(t *testing.T) {
	now := time.Date(2026, 10, 19, 12, 0, 0, 0, time.UTC)
	g := NewMemoryReplayGuard()
	g.now = func() time.Time { return now }
	ctx := context.Background()

	ok, err := g.Claim(ctx, "a", time.Minute)
	require.NoError(t, err)
	assert.True(t, ok)
	ok, _ = g.Claim(ctx, "a", time.Minute)
	assert.False(t, ok)

	now = now.Add(time.Minute)
	ok, _ = g.Claim(ctx, "b", time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 1, g.size(), "expired key swept")
	ok, _ = g.Claim(ctx, "a", time.Minute)
	assert.True(t, ok)
}

func TestIdentityAnonymousAndUnsignedModes(t *testing.T) {
	rec := httptest.NewRecorder()
	Identity(crypto.NewVerifier(0), true, nil)(http.HandlerFunc(echoCaller)).
		ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/health", nil))
	assert.Equal(t, "anonymous|", rec.Body.String())

	r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	r.Header.Set(crypto.HeaderAddress, "0x0000000000000000000000000000000000000011")
	rec = httptest.NewRecorder()
	Identity(nil, false, nil)(http.HandlerFunc(echoCaller)).ServeHTTP(rec, r)
	assert.Equal(t, common.HexToAddress("0x11").Hex()+"|", rec.Body.String())

	r = httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	r.Header.Set(crypto.HeaderAddress, "not-an-address")
	rec = httptest.NewRecorder()
	Identity(nil, false, nil)(http.HandlerFunc(echoCaller)).ServeHTTP(rec, r)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCORS(t *testing.T) {
	h := CORS([]string{"https://app.example"})(http.HandlerFunc(echoCaller))

	r := httptest.NewRequest(http.MethodOptions, "/api/orders", nil)
	r.Header.Set("Origin", "https://app.example")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "https://app.example", rec.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, rec.Header().Get("Access-Control-Allow-Headers"), crypto.HeaderSignature)

	r = httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	r.Header.Set("Origin", "https://evil.example")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Empty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestLoggingAssignsRequestID(t *testing.T) {
	var seen string
	h := Logging(discard)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		seen = RequestID(r.Context())
	}))

	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))
	assert.NotEmpty(t, seen)
	assert.Equal(t, seen, rec.Header().Get(RequestIDHeader))

	r := httptest.NewRequest(http.MethodGet, "/", nil)
	r.Header.Set(RequestIDHeader, "abc")
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, "abc", seen)
}

type fixedLimiter struct {
	decision domain.RateDecision
	keys     []string
}

func (f *fixedLimiter) Allow(_ context.Context, key string, _ int, _ time.Duration) (domain.RateDecision, error) {
	f.keys = append(f.keys, key)
	return f.decision, nil
}

func TestRateLimit(t *testing.T) {
	lim := &fixedLimiter{decision: domain.RateDecision{RetryAfter: 2500 * time.Millisecond}}
	h := RateLimit(lim, 10, time.Minute, discard)(http.HandlerFunc(echoCaller))

	r := httptest.NewRequest(http.MethodGet, "/api/orders", nil)
	r.Header.Set("X-Forwarded-For", "203.0.113.7, 10.0.0.1")
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, r)
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.Equal(t, []string{"api:203.0.113.7"}, lim.keys)
	assert.Equal(t, "3", rec.Header().Get("Retry-After"))
	assert.Equal(t, "0", rec.Header().Get("X-RateLimit-Remaining"))

	lim.decision = domain.RateDecision{Allowed: true, Remaining: 4}
	rec = httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/orders", nil))
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, "10", rec.Header().Get("X-RateLimit-Limit"))
	assert.Equal(t, "4", rec.Header().Get("X-RateLimit-Remaining"))
}
