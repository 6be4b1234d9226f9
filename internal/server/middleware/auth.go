package middleware

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"strconv"

	"github.com/ethereum/go-ethereum/common"

	"github.com/alanyoungcy/collectex/internal/crypto"
	"github.com/alanyoungcy/collectex/internal/domain"
)

// maxSignedBody bounds how much of a request body is buffered for signature
// verification.
const maxSignedBody = 1 << 20

type callerKey struct{}

// WithCaller returns a copy of ctx carrying the authenticated caller.
func WithCaller(ctx context.Context, caller common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, caller)
}

// CallerFrom returns the authenticated caller stored by Identity.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	caller, ok := ctx.Value(callerKey{}).(common.Address)
	return caller, ok
}

// Identity returns middleware that establishes the caller of a request.
//
// When requireSignatures is true the X-Collectex-Address header must be
// accompanied by a valid timestamp and signature over the method, path,
// timestamp and body, and a signed mutation is accepted once: guard keeps
// its digest for twice the verifier's skew window, covering every timestamp
// the verifier would still accept. A nil guard is replaced by a
// MemoryReplayGuard. When requireSignatures is false the address header is
// trusted as is. Requests without an address header pass through
// anonymously; handlers that mutate state reject them.
func Identity(verifier *crypto.Verifier, requireSignatures bool, guard domain.ReplayGuard) func(http.Handler) http.Handler {
	if requireSignatures && guard == nil {
		guard = NewMemoryReplayGuard()
	}
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			addr := r.Header.Get(crypto.HeaderAddress)
			if addr == "" {
				next.ServeHTTP(w, r)
				return
			}
			if !common.IsHexAddress(addr) {
				writeUnauthorized(w, "invalid caller address")
				return
			}
			caller := common.HexToAddress(addr)

			if requireSignatures {
				body, err := io.ReadAll(io.LimitReader(r.Body, maxSignedBody))
				if err != nil {
					writeUnauthorized(w, "unreadable request body")
					return
				}
				r.Body.Close()
				r.Body = io.NopCloser(bytes.NewReader(body))

				sig := r.Header.Get(crypto.HeaderSignature)
				if sig == "" {
					writeUnauthorized(w, "missing request signature")
					return
				}
				ts := r.Header.Get(crypto.HeaderTimestamp)
				if err := verifier.Verify(caller, r.Method, r.URL.Path, ts, body, sig); err != nil {
					writeUnauthorized(w, "invalid request signature")
					return
				}
				if mutates(r.Method) {
					// Verify has already parsed ts.
					unix, _ := strconv.ParseInt(ts, 10, 64)
					key := caller.Hex() + ":" + crypto.RequestDigest(r.Method, r.URL.Path, unix, body)
					fresh, err := guard.Claim(r.Context(), key, 2*verifier.MaxSkew)
					if err != nil {
						writeJSONError(w, http.StatusServiceUnavailable, "replay guard unavailable", "unavailable")
						return
					}
					if !fresh {
						writeUnauthorized(w, "request signature already used")
						return
					}
				}
			}

			next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
		})
	}
}

// mutates reports whether method can change state. Reads may be repeated.
func mutates(method string) bool {
	switch method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return false
	}
	return true
}

func writeUnauthorized(w http.ResponseWriter, msg string) {
	writeJSONError(w, http.StatusUnauthorized, msg, "authorization_error")
}

// writeJSONError sends status with a {"error","code"} body. msg and code
// are fixed strings.
func writeJSONError(w http.ResponseWriter, status int, msg, code string) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	w.Write([]byte(`{"error":"` + msg + `","code":"` + code + `"}`))
}
