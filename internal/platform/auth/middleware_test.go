package auth

import (
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/labstack/echo/v4"
)

var testSigningKey = []byte("test-secret-key-for-unit-tests-only")

func signHS256(t *testing.T, claims Claims, key []byte) string {
	t.Helper()
	s, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func validClaims() Claims {
	return Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   "clerk-7",
			Issuer:    "https://idp.example",
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
		TenantID: "main",
		Roles:    []string{RoleBilling},
	}
}

func runJWT(t *testing.T, cfg JWTConfig, header string) (echo.Context, Principal, error) {
	t.Helper()
	e := echo.New()
	req := httptest.NewRequest(http.MethodGet, "/", nil)
	if header != "" {
		req.Header.Set("Authorization", header)
	}
	c := e.NewContext(req, httptest.NewRecorder())

	var got Principal
	h := JWTMiddleware(cfg)(func(c echo.Context) error {
		got, _ = PrincipalFromContext(c.Request().Context())
		return c.NoContent(http.StatusOK)
	})
	return c, got, h(c)
}

func expectStatus(t *testing.T, err error, code int) {
	t.Helper()
	he, ok := err.(*echo.HTTPError)
	if !ok {
		t.Fatalf("expected *echo.HTTPError, got %T (%v)", err, err)
	}
	if he.Code != code {
		t.Errorf("expected %d, got %d", code, he.Code)
	}
}

func TestJWTMiddleware_MalformedHeader(t *testing.T) {
	for _, h := range []string{"", "Token abc", "Bearer", "Bearer ", "Basic dXNlcjpwYXNz"} {
		_, _, err := runJWT(t, JWTConfig{SigningKey: testSigningKey}, h)
		expectStatus(t, err, http.StatusUnauthorized)
	}
}

func TestJWTMiddleware_ValidHS256(t *testing.T) {
	tok := signHS256(t, validClaims(), testSigningKey)
	c, p, err := runJWT(t, JWTConfig{SigningKey: testSigningKey, Issuer: "https://idp.example"}, "Bearer "+tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserID != "clerk-7" || len(p.Roles) != 1 || p.Roles[0] != RoleBilling {
		t.Errorf("unexpected principal %+v", p)
	}
	if c.Get("jwt_tenant_id") != "main" {
		t.Errorf("expected tenant main, got %v", c.Get("jwt_tenant_id"))
	}
}

func TestJWTMiddleware_Rejects(t *testing.T) {
	expired := validClaims()
	expired.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute))

	noExp := validClaims()
	noExp.ExpiresAt = nil

	tests := []struct {
		name  string
		token string
		cfg   JWTConfig
	}{
		{"wrong key", signHS256(t, validClaims(), []byte("other")), JWTConfig{SigningKey: testSigningKey}},
		{"expired", signHS256(t, expired, testSigningKey), JWTConfig{SigningKey: testSigningKey}},
		{"missing exp", signHS256(t, noExp, testSigningKey), JWTConfig{SigningKey: testSigningKey}},
		{"wrong issuer", signHS256(t, validClaims(), testSigningKey), JWTConfig{SigningKey: testSigningKey, Issuer: "https://other"}},
		{"wrong audience", signHS256(t, validClaims(), testSigningKey), JWTConfig{SigningKey: testSigningKey, Audience: "billing-api"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, _, err := runJWT(t, tt.cfg, "Bearer "+tt.token)
			expectStatus(t, err, http.StatusUnauthorized)
		})
	}
}

func TestJWTMiddleware_RS256ViaJWKS(t *testing.T) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]interface{}{
			"keys": []map[string]string{{
				"kty": "RSA",
				"kid": "k1",
				"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
				"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
			}},
		})
	}))
	defer srv.Close()

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, validClaims())
	tok.Header["kid"] = "k1"
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatal(err)
	}

	_, p, err := runJWT(t, JWTConfig{JWKSURL: srv.URL}, "Bearer "+signed)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.UserID != "clerk-7" {
		t.Errorf("unexpected principal %+v", p)
	}

	// HS256 tokens must not be accepted when verifying against JWKS.
	_, _, err = runJWT(t, JWTConfig{JWKSURL: srv.URL}, "Bearer "+signHS256(t, validClaims(), testSigningKey))
	expectStatus(t, err, http.StatusUnauthorized)
}

func TestDevAuthMiddleware(t *testing.T) {
	e := echo.New()
	c := e.NewContext(httptest.NewRequest(http.MethodGet, "/", nil), httptest.NewRecorder())

	var p Principal
	h := DevAuthMiddleware("main")(func(c echo.Context) error {
		p, _ = PrincipalFromContext(c.Request().Context())
		return nil
	})
	if err := h(c); err != nil {
		t.Fatal(err)
	}
	if !HasAnyRole(p, RoleBilling) {
		t.Error("dev principal should pass every role check")
	}
	if c.Get("jwt_tenant_id") != "main" {
		t.Errorf("unexpected tenant %v", c.Get("jwt_tenant_id"))
	}
}

func TestUserIDFromContext_DefaultsToSystem(t *testing.T) {
	if got := UserIDFromContext(httptest.NewRequest(http.MethodGet, "/", nil).Context()); got != "system" {
		t.Errorf("expected system, got %s", got)
	}
}
