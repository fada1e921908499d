package jwks

import (
	"context"
	"crypto/ed25519"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

type keyServer struct {
	priv    ed25519.PrivateKey
	kid     string
	fetches atomic.Int32
	srv     *httptest.Server
}

func newKeyServer(t *testing.T) *keyServer {
	t.Helper()
	pub, priv, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}
	ks := &keyServer{priv: priv, kid: "k1"}
	ks.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ks.fetches.Add(1)
		json.NewEncoder(w).Encode(JWKS{Keys: []JWK{{
			Kty: "OKP", Crv: "Ed25519", Alg: "EdDSA", Use: "sig", Kid: ks.kid,
			X: base64.RawURLEncoding.EncodeToString(pub),
		}}})
	}))
	t.Cleanup(ks.srv.Close)
	return ks
}

func (ks *keyServer) sign(t *testing.T, kid string, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodEdDSA, claims)
	tok.Header["kid"] = kid
	s, err := tok.SignedString(ks.priv)
	if err != nil {
		t.Fatal(err)
	}
	return s
}

func validClaims() jwt.MapClaims {
	return jwt.MapClaims{
		"iss": "https://id.example",
		"aud": "telemetry",
		"sub": "scheduler",
		"exp": time.Now().Add(time.Hour).Unix(),
	}
}

func TestValidateJWT(t *testing.T) {
	ks := newKeyServer(t)
	c := NewClient(ks.srv.URL)

	claims, err := c.ValidateJWT(context.Background(), ks.sign(t, "k1", validClaims()), "https://id.example", "telemetry")
	if err != nil {
		t.Fatalf("ValidateJWT() error = %v", err)
	}
	if claims["sub"] != "scheduler" {
		t.Errorf("sub = %v, want scheduler", claims["sub"])
	}

	// cached
	if _, err := c.ValidateJWT(context.Background(), ks.sign(t, "k1", validClaims()), "https://id.example", "telemetry"); err != nil {
		t.Fatal(err)
	}
	if got := ks.fetches.Load(); got != 1 {
		t.Errorf("fetches = %d, want 1", got)
	}
}

func TestValidateJWTRejects(t *testing.T) {
	ks := newKeyServer(t)
	c := NewClient(ks.srv.URL)

	expired := validClaims()
	expired["exp"] = time.Now().Add(-time.Minute).Unix()
	noExp := validClaims()
	delete(noExp, "exp")
	wrongAud := validClaims()
	wrongAud["aud"] = "other"
	wrongIss := validClaims()
	wrongIss["iss"] = "https://evil.example"

	tests := []struct {
		name  string
		token string
		want  error
	}{
		{"expired", ks.sign(t, "k1", expired), jwt.ErrTokenExpired},
		{"no expiry", ks.sign(t, "k1", noExp), jwt.ErrTokenRequiredClaimMissing},
		{"audience", ks.sign(t, "k1", wrongAud), jwt.ErrTokenInvalidAudience},
		{"issuer", ks.sign(t, "k1", wrongIss), jwt.ErrTokenInvalidIssuer},
		{"unknown kid", ks.sign(t, "k2", validClaims()), ErrUnknownKey},
		{"garbage", "not-a-token", jwt.ErrTokenMalformed},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := c.ValidateJWT(context.Background(), tt.token, "https://id.example", "telemetry")
			if !errors.Is(err, tt.want) {
				t.Errorf("ValidateJWT() error = %v, want %v", err, tt.want)
			}
		})
	}
}

func TestKeyRotationRefetches(t *testing.T) {
	ks := newKeyServer(t)
	c := NewClient(ks.srv.URL)
	if _, err := c.ValidateJWT(context.Background(), ks.sign(t, "k1", validClaims()), "https://id.example", "telemetry"); err != nil {
		t.Fatal(err)
	}

	ks.kid = "k2"
	if _, err := c.ValidateJWT(context.Background(), ks.sign(t, "k2", validClaims()), "https://id.example", "telemetry"); err != nil {
		t.Fatalf("rotated key rejected: %v", err)
	}
	if got := ks.fetches.Load(); got != 2 {
		t.Errorf("fetches = %d, want 2", got)
	}
}
