package zot

import (
	"crypto/ed25519"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"

	"github.com/mr-tron/base58"
)

// multicodec prefix for ed25519-pub
var ed25519Prefix = []byte{0xed, 0x01}

// ParsePublicKey accepts PKIX ("PUBLIC KEY") and PKCS#1 ("RSA PUBLIC KEY") PEM.
func ParsePublicKey(pemString string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemString)))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	if block.Type == "RSA PUBLIC KEY" {
		return x509.ParsePKCS1PublicKey(block.Bytes)
	}

	pub, err := x509.ParsePKIXPublicKey(block.Bytes)
	if err != nil {
		if k, err1 := x509.ParsePKCS1PublicKey(block.Bytes); err1 == nil {
			return k, nil
		}
		return nil, err
	}
	rsaPub, ok := pub.(*rsa.PublicKey)
	if !ok {
		return nil, errors.New("not an RSA public key")
	}
	return rsaPub, nil
}

// ParsePrivateKey accepts PKCS#8 and PKCS#1 PEM.
func ParsePrivateKey(pemString string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(strings.TrimSpace(pemString)))
	if block == nil {
		return nil, errors.New("failed to parse PEM block")
	}

	if k, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return k, nil
	}
	k, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	rsaKey, ok := k.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("not an RSA private key")
	}
	return rsaKey, nil
}

// EncodeMultikey renders an Ed25519 public key as a base58btc multibase string (z6Mk...).
func EncodeMultikey(pub ed25519.PublicKey) string {
	buf := append(append([]byte{}, ed25519Prefix...), pub...)
	return "z" + base58.Encode(buf)
}

// DecodeMultikey is the inverse of EncodeMultikey.
func DecodeMultikey(s string) (ed25519.PublicKey, error) {
	if !strings.HasPrefix(s, "z") {
		return nil, fmt.Errorf("unsupported multibase prefix in %q", s)
	}
	raw, err := base58.Decode(s[1:])
	if err != nil {
		return nil, fmt.Errorf("multikey: %w", err)
	}
	if len(raw) != len(ed25519Prefix)+ed25519.PublicKeySize || raw[0] != ed25519Prefix[0] || raw[1] != ed25519Prefix[1] {
		return nil, errors.New("multikey: not an ed25519 public key")
	}
	return ed25519.PublicKey(raw[len(ed25519Prefix):]), nil
}

// EncodeMultibase renders raw bytes (such as a signature) as base58btc multibase.
func EncodeMultibase(b []byte) string {
	return "z" + base58.Encode(b)
}

func DecodeMultibase(s string) ([]byte, error) {
	if !strings.HasPrefix(s, "z") {
		return nil, fmt.Errorf("unsupported multibase prefix in %q", s)
	}
	return base58.Decode(s[1:])
}
