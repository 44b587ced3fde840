package util

import (
	"crypto/x509"
	"encoding/pem"
	"path/filepath"
	"testing"
	"time"
)

func TestStableHash(t *testing.T) {
	h1 := StableHash("notifier", `{"a":1}`)
	h2 := StableHash("notifier", `{"a":1}`)
	if h1 != h2 {
		t.Errorf("Hash should be consistent: %s != %s", h1, h2)
	}
	if len(h1) != 64 {
		t.Errorf("Expected hash length 64, got %d", len(h1))
	}
	// the separator keeps part boundaries significant
	if StableHash("ab", "c") == StableHash("a", "bc") {
		t.Error("Different part boundaries should produce different hashes")
	}
}

func TestGetNameAndVersion(t *testing.T) {
	if GetVersion() == "" {
		t.Error("Expected embedded version to be set")
	}
	if GetNameAndVersion() != "fedhub / "+GetVersion() {
		t.Errorf("Unexpected name and version %s", GetNameAndVersion())
	}
}

func TestGeneratePemKeypair(t *testing.T) {
	kp, err := GeneratePemKeypair(1024)
	if err != nil {
		t.Fatalf("GeneratePemKeypair failed: %v", err)
	}

	block, _ := pem.Decode([]byte(kp.Public))
	if block == nil || block.Type != "PUBLIC KEY" {
		t.Fatal("Expected a PUBLIC KEY PEM block")
	}
	if _, err := x509.ParsePKIXPublicKey(block.Bytes); err != nil {
		t.Errorf("Public key is not PKIX: %v", err)
	}

	block, _ = pem.Decode([]byte(kp.Private))
	if block == nil || block.Type != "PRIVATE KEY" {
		t.Fatal("Expected a PRIVATE KEY PEM block")
	}
}

func TestLoadOrCreateKeyAt(t *testing.T) {
	path := filepath.Join(t.TempDir(), "keys", SiteKeyFile)

	first, err := loadOrCreateKeyAt(path)
	if err != nil {
		t.Fatalf("first load failed: %v", err)
	}
	second, err := loadOrCreateKeyAt(path)
	if err != nil {
		t.Fatalf("second load failed: %v", err)
	}
	if first.Public != second.Public {
		t.Error("Expected the stored key to be reused")
	}
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	c := &FixedClock{T: start}
	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("Unexpected clock time %s", c.Now())
	}
}
