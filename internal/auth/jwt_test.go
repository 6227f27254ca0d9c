package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const (
	testIssuer   = "harborrelay"
	testAudience = "harborrelay-admin"
)

func newKey(t *testing.T) *rsa.PrivateKey {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}
	return key
}

func pkixPEM(t *testing.T, pub any) string {
	t.Helper()
	der, err := x509.MarshalPKIXPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: der}))
}

func sign(t *testing.T, key *rsa.PrivateKey, mutate func(*Claims)) string {
	t.Helper()
	c := Claims{
		ClinicID: "clinic-1",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			Subject:   "ops@example.com",
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}
	if mutate != nil {
		mutate(&c)
	}
	s, err := jwt.NewWithClaims(jwt.SigningMethodRS256, c).SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return s
}

func newValidator(t *testing.T, key *rsa.PrivateKey) *JWTValidator {
	t.Helper()
	v, err := NewJWTValidator(pkixPEM(t, &key.PublicKey), testIssuer, testAudience)
	if err != nil {
		t.Fatalf("NewJWTValidator() error: %v", err)
	}
	return v
}

func TestParsePublicKey(t *testing.T) {
	key := newKey(t)
	ec, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	if err != nil {
		t.Fatal(err)
	}

	tests := []struct {
		name    string
		pem     string
		wantErr bool
	}{
		{"pkix", pkixPEM(t, &key.PublicKey), false},
		{"pkcs1", string(pem.EncodeToMemory(&pem.Block{Type: "RSA PUBLIC KEY", Bytes: x509.MarshalPKCS1PublicKey(&key.PublicKey)})), false},
		{"not pem", "not-a-key", true},
		{"garbage der", string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: []byte("junk")})), true},
		{"ecdsa", pkixPEM(t, &ec.PublicKey), true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParsePublicKey(tt.pem)
			if (err != nil) != tt.wantErr {
				t.Errorf("ParsePublicKey() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestValidateToken(t *testing.T) {
	key := newKey(t)
	other := newKey(t)
	v := newValidator(t, key)

	tests := []struct {
		name    string
		token   string
		wantErr bool
	}{
		{"valid", sign(t, key, nil), false},
		{"wrong issuer", sign(t, key, func(c *Claims) { c.Issuer = "someone-else" }), true},
		{"wrong audience", sign(t, key, func(c *Claims) { c.Audience = jwt.ClaimStrings{"other"} }), true},
		{"expired", sign(t, key, func(c *Claims) { c.ExpiresAt = jwt.NewNumericDate(time.Now().Add(-time.Minute)) }), true},
		{"no expiry", sign(t, key, func(c *Claims) { c.ExpiresAt = nil }), true},
		{"other key", sign(t, other, nil), true},
		{"malformed", "a.b.c", true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			claims, err := v.ValidateToken(tt.token)
			if tt.wantErr {
				if !errors.Is(err, ErrUnauthorized) {
					t.Errorf("ValidateToken() error = %v, want ErrUnauthorized", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ValidateToken() error: %v", err)
			}
			if claims.ClinicID != "clinic-1" || claims.Subject != "ops@example.com" {
				t.Errorf("claims = %+v", claims)
			}
		})
	}
}

func TestValidateToken_RejectsHMAC(t *testing.T) {
	key := newKey(t)
	v := newValidator(t, key)
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, Claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    testIssuer,
			Audience:  jwt.ClaimStrings{testAudience},
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		},
	}).SignedString([]byte("shared"))
	if err != nil {
		t.Fatal(err)
	}
	if _, err := v.ValidateToken(tok); err == nil {
		t.Error("HS256 token accepted")
	}
}

func TestHTTPMiddleware(t *testing.T) {
	key := newKey(t)
	v := newValidator(t, key)

	var gotClaims Claims
	var gotOK bool
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotClaims, gotOK = ClaimsFromContext(r.Context())
		w.WriteHeader(http.StatusNoContent)
	})
	h := v.HTTPMiddleware(next, "/healthz", "/metrics")

	tests := []struct {
		name       string
		path       string
		header     string
		wantStatus int
		wantClaims bool
	}{
		{"public path", "/healthz", "", http.StatusNoContent, false},
		{"missing header", "/v1/deliveries", "", http.StatusUnauthorized, false},
		{"not bearer", "/v1/deliveries", "Basic abc", http.StatusUnauthorized, false},
		{"bad token", "/v1/deliveries", "Bearer nope", http.StatusUnauthorized, false},
		{"valid", "/v1/deliveries", "Bearer " + sign(t, key, nil), http.StatusNoContent, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			gotOK = false
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			rec := httptest.NewRecorder()
			h.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("status = %d, want %d", rec.Code, tt.wantStatus)
			}
			if gotOK != tt.wantClaims {
				t.Errorf("claims in context = %v, want %v", gotOK, tt.wantClaims)
			}
			if tt.wantClaims && gotClaims.ClinicID != "clinic-1" {
				t.Errorf("ClinicID = %q", gotClaims.ClinicID)
			}
		})
	}
}

func TestClaimsCanActFor(t *testing.T) {
	if !(Claims{}).CanActFor("clinic-9") {
		t.Error("unscoped claims should act for any clinic")
	}
	scoped := Claims{ClinicID: "clinic-1"}
	if !scoped.CanActFor("clinic-1") || scoped.CanActFor("clinic-2") {
		t.Error("scoped claims must act only for their own clinic")
	}
}

func TestClaimsFromContext_Empty(t *testing.T) {
	if _, ok := ClaimsFromContext(context.Background()); ok {
		t.Error("ClaimsFromContext() ok on a bare context")
	}
}
