package forge

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/lestrrat-go/jwx/v2/jwk"
	"github.com/lestrrat-go/jwx/v2/jwt"

	"github.com/labci/dispatcher/internal/logger"
)

func writeTestKey(t *testing.T) string {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatal(err)
	}
	der := x509.MarshalPKCS1PrivateKey(key)
	block := &pem.Block{Type: "RSA PRIVATE KEY", Bytes: der}

	dir := t.TempDir()
	path := filepath.Join(dir, "app.pem")
	if err := os.WriteFile(path, pem.EncodeToMemory(block), 0o600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestSignedJWTIsVerifiable(t *testing.T) {
	path := writeTestKey(t)

	c, err := New(Config{AppID: "99", PrivateKeyPath: path}, logger.NewBuffer())
	if err != nil {
		t.Fatalf("New: %v", err)
	}

	signed, err := c.signedJWT()
	if err != nil {
		t.Fatalf("signedJWT: %v", err)
	}

	pub, err := jwk.PublicKeyOf(c.privateKey)
	if err != nil {
		t.Fatalf("PublicKeyOf: %v", err)
	}

	tok, err := jwt.Parse([]byte(signed), jwt.WithKey(jwt.SignatureAlgorithm("RS256"), pub))
	if err != nil {
		t.Fatalf("parsing signed jwt: %v", err)
	}
	if tok.Issuer() != "99" {
		t.Errorf("expected issuer 99, got %q", tok.Issuer())
	}
}

func TestUpdateStatusRejectsMissingSHA(t *testing.T) {
	path := writeTestKey(t)
	c, err := New(Config{AppID: "99", PrivateKeyPath: path}, logger.NewBuffer())
	if err != nil {
		t.Fatal(err)
	}

	err = c.UpdateStatus(nil, "o", "r", "", "success", "d", "ci", "", 140)
	if err == nil {
		t.Fatal("expected error for missing sha")
	}
	if _, ok := err.(*APIError); !ok {
		t.Fatalf("expected *APIError, got %T", err)
	}
}

func TestUpdateStatusRejectsInvalidStatus(t *testing.T) {
	path := writeTestKey(t)
	c, err := New(Config{AppID: "99", PrivateKeyPath: path}, logger.NewBuffer())
	if err != nil {
		t.Fatal(err)
	}

	err = c.UpdateStatus(nil, "o", "r", "abc123", "bogus", "d", "ci", "", 140)
	if err == nil {
		t.Fatal("expected error for invalid status")
	}
}

func TestTokenCacheExpiry(t *testing.T) {
	var tc TokenCache
	if _, ok := tc.Get(); ok {
		t.Fatal("expected empty cache to report not ok")
	}

	tc.Set("abc", time.Now().Add(10*time.Minute))
	if tok, ok := tc.Get(); !ok || tok != "abc" {
		t.Fatalf("expected cached token, got %q ok=%v", tok, ok)
	}

	tc.Set("expiring", time.Now().Add(30*time.Second))
	if _, ok := tc.Get(); ok {
		t.Fatal("expected token within the 1-minute safety margin to be treated as expired")
	}
}
