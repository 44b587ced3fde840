package zot

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"fmt"
	"hash"
	"strings"
)

const (
	AlgSHA256 = "sha256"
	AlgSHA512 = "sha512"
)

// SupportedAlgorithms lists the channel signature algorithms in order of preference.
var SupportedAlgorithms = []string{AlgSHA512, AlgSHA256}

func algorithm(alg string) (crypto.Hash, hash.Hash, error) {
	switch alg {
	case AlgSHA256:
		return crypto.SHA256, sha256.New(), nil
	case AlgSHA512:
		return crypto.SHA512, sha512.New(), nil
	}
	return 0, nil, fmt.Errorf("unsupported signature algorithm %q", alg)
}

// Sign produces "alg.base64url(signature)" over data.
func Sign(data []byte, key *rsa.PrivateKey, alg string) (string, error) {
	ch, h, err := algorithm(alg)
	if err != nil {
		return "", err
	}
	h.Write(data)
	sig, err := rsa.SignPKCS1v15(rand.Reader, key, ch, h.Sum(nil))
	if err != nil {
		return "", err
	}
	return alg + "." + base64.RawURLEncoding.EncodeToString(sig), nil
}

// Verify checks an algorithm tagged signature. Untagged signatures are treated as sha256.
func Verify(data []byte, signature string, pub *rsa.PublicKey) bool {
	if pub == nil || signature == "" {
		return false
	}
	alg, encoded := AlgSHA256, signature
	if i := strings.IndexByte(signature, '.'); i > 0 {
		alg, encoded = signature[:i], signature[i+1:]
	}
	ch, h, err := algorithm(alg)
	if err != nil {
		return false
	}
	sig, err := decodeBase64(encoded)
	if err != nil {
		return false
	}
	h.Write(data)
	return rsa.VerifyPKCS1v15(pub, ch, h.Sum(nil), sig) == nil
}

// NegotiateAlgorithm picks our most preferred algorithm the remote site also supports.
// An empty offer means the remote predates negotiation and only speaks sha256.
func NegotiateAlgorithm(offered []string) string {
	if len(offered) == 0 {
		return AlgSHA256
	}
	for _, ours := range SupportedAlgorithms {
		for _, theirs := range offered {
			if strings.EqualFold(strings.TrimSpace(theirs), ours) {
				return ours
			}
		}
	}
	return ""
}

// decodeBase64 tolerates both url-safe and standard alphabets, padded or not.
func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimRight(s, "=")
	if strings.ContainsAny(s, "+/") {
		return base64.RawStdEncoding.DecodeString(s)
	}
	return base64.RawURLEncoding.DecodeString(s)
}
