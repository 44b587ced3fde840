package activitypub

import (
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"code.superseriousbusiness.org/httpsig"
	"github.com/deemkeen/fedhub/metrics"
	"github.com/deemkeen/fedhub/zot"
)

var (
	requestHeaders  = []string{"(request-target)", "host", "date", "digest"}
	fetchHeaders    = []string{"(request-target)", "host", "date"}
	responseHeaders = []string{"date", "digest", "content-type"}
)

// Signer identifies the local key used for outbound transport signatures.
type Signer struct {
	KeyId string
	Key   *rsa.PrivateKey
}

// Digest returns the SHA-256 Digest header value for body.
func Digest(body []byte) string {
	hash := sha256.Sum256(body)
	return "SHA-256=" + base64.StdEncoding.EncodeToString(hash[:])
}

// SignRequest signs an outgoing request. A nil body signs a GET without a digest.
func SignRequest(req *http.Request, s Signer, body []byte) error {
	if s.Key == nil {
		return errors.New("no signing key")
	}
	if req.Header.Get("Date") == "" {
		req.Header.Set("Date", time.Now().UTC().Format(http.TimeFormat))
	}
	headers := fetchHeaders
	if body != nil {
		req.Header.Set("Digest", Digest(body))
		headers = requestHeaders
	}

	signer, err := newSigner(headers)
	if err != nil {
		return err
	}
	return signer.SignRequest(s.Key, s.KeyId, req, body)
}

func newSigner(headers []string) (httpsig.Signer, error) {
	signer, _, err := httpsig.NewSigner([]httpsig.Algorithm{httpsig.RSA_SHA256}, httpsig.DigestSha256, headers, httpsig.Signature, 0)
	if err != nil {
		return nil, fmt.Errorf("httpsig signer: %w", err)
	}
	return signer, nil
}

// SignResponse signs a discovery response so the requester can tie it to the identity it asked for.
func SignResponse(w http.ResponseWriter, s Signer, body []byte) error {
	w.Header().Set("Date", time.Now().UTC().Format(http.TimeFormat))
	w.Header().Set("Digest", Digest(body))
	signer, err := newSigner(responseHeaders)
	if err != nil {
		return err
	}
	return signer.SignResponse(s.Key, s.KeyId, w, body)
}

// KeyLookup returns the PEM public key for a signature keyId.
type KeyLookup func(keyId string) (string, error)

// VerifyRequest verifies the HTTP signature on an incoming request and
// returns the keyId and the actor URL it belongs to.
func VerifyRequest(req *http.Request, body []byte, lookup KeyLookup) (keyId, actorURL string, err error) {
	defer func() { metrics.ObserveSignature("http-request", err == nil) }()

	if req.Header.Get("Signature") == "" && req.Header.Get("Authorization") == "" {
		return "", "", errors.New("missing signature")
	}
	if d := req.Header.Get("Digest"); d != "" && body != nil && d != Digest(body) {
		return "", "", errors.New("digest mismatch")
	}

	verifier, err := httpsig.NewVerifier(req)
	if err != nil {
		return "", "", fmt.Errorf("failed to create verifier: %w", err)
	}
	pemKey, err := lookup(verifier.KeyId())
	if err != nil {
		return "", "", fmt.Errorf("key lookup: %w", err)
	}
	pub, err := zot.ParsePublicKey(pemKey)
	if err != nil {
		return "", "", err
	}
	if err = verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return "", "", fmt.Errorf("signature verification failed: %w", err)
	}
	keyId = verifier.KeyId()
	return keyId, KeyIdActor(keyId), nil
}

// VerifyResponse checks a signed response against the expected public key.
func VerifyResponse(resp *http.Response, body []byte, publicKeyPem string) (keyId string, err error) {
	defer func() { metrics.ObserveSignature("http-response", err == nil) }()

	if d := resp.Header.Get("Digest"); d != "" && d != Digest(body) {
		return "", errors.New("digest mismatch")
	}
	verifier, err := httpsig.NewResponseVerifier(resp)
	if err != nil {
		return "", fmt.Errorf("failed to create verifier: %w", err)
	}
	pub, err := zot.ParsePublicKey(publicKeyPem)
	if err != nil {
		return "", err
	}
	if err = verifier.Verify(pub, httpsig.RSA_SHA256); err != nil {
		return "", fmt.Errorf("signature verification failed: %w", err)
	}
	return verifier.KeyId(), nil
}

// ResponseKeyId returns the keyId a response claims to be signed with, without verifying it.
func ResponseKeyId(resp *http.Response) string {
	verifier, err := httpsig.NewResponseVerifier(resp)
	if err != nil {
		return ""
	}
	return verifier.KeyId()
}

// KeyIdActor strips the fragment from a keyId:
// "https://example.com/channel/alice#main-key" -> "https://example.com/channel/alice"
func KeyIdActor(keyId string) string {
	return strings.Split(keyId, "#")[0]
}
