package util

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	_ "embed"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

//go:embed version.txt
var embeddedVersion string

const SiteKeyFile = "sitekey.pem"

type RsaKeyPair struct {
	Private string
	Public  string
}

// StableHash is the hex sha256 of the given parts joined by NUL bytes.
func StableHash(parts ...string) string {
	h := sha256.New()
	for i, p := range parts {
		if i > 0 {
			h.Write([]byte{0})
		}
		h.Write([]byte(p))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func GetVersion() string {
	return strings.TrimSpace(embeddedVersion)
}

func GetNameAndVersion() string {
	return fmt.Sprintf("%s / %s", Name, GetVersion())
}

func PrettyPrint(i interface{}) string {
	s, _ := json.MarshalIndent(i, "", " ")
	return string(s)
}

// GeneratePemKeypair returns a PKCS#8 private key and a PKIX public key, the encodings
// federated peers expect in actor documents.
func GeneratePemKeypair(bitSize int) (*RsaKeyPair, error) {
	key, err := rsa.GenerateKey(rand.Reader, bitSize)
	if err != nil {
		return nil, err
	}
	privBytes, err := x509.MarshalPKCS8PrivateKey(key)
	if err != nil {
		return nil, err
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}

	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "PRIVATE KEY", Bytes: privBytes})
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})

	return &RsaKeyPair{Private: string(keyPEM), Public: string(pubPEM)}, nil
}

// LoadOrCreateSiteKey reads the site key from the keys directory, creating it on first start.
func LoadOrCreateSiteKey() (*RsaKeyPair, error) {
	path := ResolveFilePathWithSubdir("keys", SiteKeyFile)
	return loadOrCreateKeyAt(path)
}

func loadOrCreateKeyAt(path string) (*RsaKeyPair, error) {
	buf, err := os.ReadFile(path)
	if err == nil {
		return keyPairFromPrivatePem(buf)
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, err
	}

	Logger().Info().Msgf("Generating site key at %s", path)
	kp, err := GeneratePemKeypair(4096)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, []byte(kp.Private), 0600); err != nil {
		return nil, err
	}
	return kp, nil
}

func keyPairFromPrivatePem(buf []byte) (*RsaKeyPair, error) {
	block, _ := pem.Decode(buf)
	if block == nil {
		return nil, errors.New("site key: no PEM block")
	}
	var key *rsa.PrivateKey
	if k, err := x509.ParsePKCS8PrivateKey(block.Bytes); err == nil {
		rk, ok := k.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.New("site key: not an RSA key")
		}
		key = rk
	} else if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		key = k
	} else {
		return nil, fmt.Errorf("site key: %w", err)
	}
	pubBytes, err := x509.MarshalPKIXPublicKey(&key.PublicKey)
	if err != nil {
		return nil, err
	}
	pubPEM := pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: pubBytes})
	return &RsaKeyPair{Private: string(buf), Public: string(pubPEM)}, nil
}
