package api

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const testKID = "test-key"

// testIssuer signs RS256 session tokens and serves the matching JWKS.
type testIssuer struct {
	key     *rsa.PrivateKey
	server  *httptest.Server
	fetches atomic.Int32
}

func newTestIssuer(t *testing.T) *testIssuer {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	issuer := &testIssuer{key: key}
	issuer.server = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		issuer.fetches.Add(1)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"keys": []map[string]string{{
				"kid": testKID,
				"kty": "RSA",
				"alg": "RS256",
				"use": "sig",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	t.Cleanup(issuer.server.Close)
	return issuer
}

func (i *testIssuer) sign(t *testing.T, claims jwt.MapClaims, kid string) string {
	t.Helper()
	token := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	token.Header["kid"] = kid
	signed, err := token.SignedString(i.key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

func (i *testIssuer) token(t *testing.T, sub string) string {
	return i.sign(t, jwt.MapClaims{"sub": sub, "exp": time.Now().Add(time.Hour).Unix()}, testKID)
}

func echoUser() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		userID, _ := UserFromContext(r.Context())
		w.Write([]byte(userID))
	})
}

func serveWithAuth(handler http.Handler, authorization string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if authorization != "" {
		req.Header.Set("Authorization", authorization)
	}
	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, req)
	return rec
}

func TestClerkAuthMiddlewareAcceptsValidToken(t *testing.T) {
	issuer := newTestIssuer(t)
	handler := ClerkAuthMiddleware(AuthConfig{JWKSURL: issuer.server.URL})(echoUser())

	for i := 0; i < 3; i++ {
		rec := serveWithAuth(handler, "Bearer "+issuer.token(t, "user_parent"))
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if rec.Body.String() != "user_parent" {
			t.Fatalf("expected user id in context, got %q", rec.Body.String())
		}
	}
	if got := issuer.fetches.Load(); got != 1 {
		t.Fatalf("expected keys to be fetched once, got %d", got)
	}
}

func TestClerkAuthMiddlewareRejectsBadCredentials(t *testing.T) {
	issuer := newTestIssuer(t)
	handler := ClerkAuthMiddleware(AuthConfig{
		JWKSURL:  issuer.server.URL,
		Audience: "allowance",
	})(echoUser())

	valid := jwt.MapClaims{"sub": "user_parent", "aud": "allowance", "exp": time.Now().Add(time.Hour).Unix()}
	tests := []struct {
		name          string
		authorization string
	}{
		{name: "missing header", authorization: ""},
		{name: "not bearer", authorization: "Token abc"},
		{name: "garbage", authorization: "Bearer not-a-jwt"},
		{name: "expired", authorization: "Bearer " + issuer.sign(t, jwt.MapClaims{"sub": "user_parent", "aud": "allowance", "exp": time.Now().Add(-time.Hour).Unix()}, testKID)},
		{name: "no expiry", authorization: "Bearer " + issuer.sign(t, jwt.MapClaims{"sub": "user_parent", "aud": "allowance"}, testKID)},
		{name: "unknown kid", authorization: "Bearer " + issuer.sign(t, valid, "rotated-away")},
		{name: "wrong audience", authorization: "Bearer " + issuer.sign(t, jwt.MapClaims{"sub": "user_parent", "aud": "other", "exp": time.Now().Add(time.Hour).Unix()}, testKID)},
		{name: "missing subject", authorization: "Bearer " + issuer.sign(t, jwt.MapClaims{"aud": "allowance", "exp": time.Now().Add(time.Hour).Unix()}, testKID)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rec := serveWithAuth(handler, tt.authorization)
			if rec.Code != http.StatusUnauthorized {
				t.Fatalf("expected 401, got %d", rec.Code)
			}
		})
	}

	if rec := serveWithAuth(handler, "Bearer "+issuer.sign(t, valid, testKID)); rec.Code != http.StatusOK {
		t.Fatalf("expected matching audience to pass, got %d", rec.Code)
	}
}

func TestInternalAuthMiddleware(t *testing.T) {
	ok := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(http.StatusNoContent) })

	tests := []struct {
		name     string
		required string
		provided string
		want     int
	}{
		{name: "disabled", required: "", provided: "", want: http.StatusNoContent},
		{name: "missing", required: "secret", provided: "", want: http.StatusUnauthorized},
		{name: "wrong", required: "secret", provided: "guess", want: http.StatusUnauthorized},
		{name: "match", required: "secret", provided: "secret", want: http.StatusNoContent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", nil)
			if tt.provided != "" {
				req.Header.Set("X-Internal-API-Key", tt.provided)
			}
			rec := httptest.NewRecorder()
			InternalAuthMiddleware(tt.required)(ok).ServeHTTP(rec, req)
			if rec.Code != tt.want {
				t.Fatalf("expected %d, got %d", tt.want, rec.Code)
			}
		})
	}
}

func TestParseRSAPublicKeyRejectsBadEncoding(t *testing.T) {
	if _, err := parseRSAPublicKey("!!", "AQAB"); err == nil {
		t.Fatal("expected modulus decode error")
	}
	if _, err := parseRSAPublicKey("AQAB", ""); err == nil {
		t.Fatal("expected empty exponent error")
	}
}

func TestClerkAuthMiddlewareThrottlesUnknownKidRefetch(t *testing.T) {
	issuer := newTestIssuer(t)
	handler := ClerkAuthMiddleware(AuthConfig{JWKSURL: issuer.server.URL})(echoUser())

	forged := issuer.sign(t, jwt.MapClaims{"sub": "user_parent", "exp": time.Now().Add(time.Hour).Unix()}, "forged-kid")
	for i := 0; i < 5; i++ {
		if rec := serveWithAuth(handler, "Bearer "+forged); rec.Code != http.StatusUnauthorized {
			t.Fatalf("expected 401 for unknown kid, got %d", rec.Code)
		}
	}
	if got := issuer.fetches.Load(); got != 1 {
		t.Fatalf("expected a single jwks fetch for repeated unknown kids, got %d", got)
	}

	if rec := serveWithAuth(handler, "Bearer "+issuer.token(t, "user_parent")); rec.Code != http.StatusOK {
		t.Fatalf("expected known kid to be served from cache, got %d", rec.Code)
	}
	if got := issuer.fetches.Load(); got != 1 {
		t.Fatalf("expected no extra fetch for a cached kid, got %d", got)
	}
}
