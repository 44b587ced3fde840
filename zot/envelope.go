package zot

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"

	"golang.org/x/crypto/chacha20poly1305"
)

const ProtocolVersion = "6.0"

const (
	TypeActivity = "activity"
	TypeResponse = "response"
	TypeSync     = "sync"
	TypeRefresh  = "refresh"
	TypePurge    = "purge"
)

const EncodingActivityStreams = "activitystreams"

const sealAlgorithm = "xchacha20poly1305"

// Envelope is the site-to-site transport wrapper. Data is either the raw activity
// or a sealed payload when Encrypted is set.
type Envelope struct {
	Type       string          `json:"type"`
	Encoding   string          `json:"encoding"`
	Sender     string          `json:"sender"`
	SiteID     string          `json:"site_id"`
	Version    string          `json:"version"`
	Recipients []string        `json:"recipients,omitempty"`
	Encrypted  bool            `json:"encrypted,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
}

type sealed struct {
	Alg  string `json:"alg"`
	Key  string `json:"key"`
	IV   string `json:"iv"`
	Data string `json:"data"`
}

func NewEnvelope(typ, sender, siteID string, recipients []string) *Envelope {
	return &Envelope{
		Type:       typ,
		Encoding:   EncodingActivityStreams,
		Sender:     sender,
		SiteID:     siteID,
		Version:    ProtocolVersion,
		Recipients: recipients,
	}
}

// Encapsulate stores payload in the envelope. With a recipient key the payload is
// sealed under a fresh symmetric key wrapped with RSA-OAEP.
func (e *Envelope) Encapsulate(payload []byte, recipient *rsa.PublicKey) error {
	if recipient == nil {
		if !json.Valid(payload) {
			return errors.New("envelope: payload is not JSON")
		}
		e.Encrypted = false
		e.Data = payload
		return nil
	}

	key := make([]byte, chacha20poly1305.KeySize)
	if _, err := rand.Read(key); err != nil {
		return err
	}
	aead, err := chacha20poly1305.NewX(key)
	if err != nil {
		return err
	}
	nonce := make([]byte, aead.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return err
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, recipient, key, nil)
	if err != nil {
		return fmt.Errorf("envelope: wrap key: %w", err)
	}

	s := sealed{
		Alg:  sealAlgorithm,
		Key:  base64.RawURLEncoding.EncodeToString(wrapped),
		IV:   base64.RawURLEncoding.EncodeToString(nonce),
		Data: base64.RawURLEncoding.EncodeToString(aead.Seal(nil, nonce, payload, []byte(e.Sender))),
	}
	buf, err := json.Marshal(s)
	if err != nil {
		return err
	}
	e.Encrypted = true
	e.Data = buf
	return nil
}

// Decapsulate returns the payload, opening it with key when sealed.
func (e *Envelope) Decapsulate(key *rsa.PrivateKey) ([]byte, error) {
	if !e.Encrypted {
		return e.Data, nil
	}
	if key == nil {
		return nil, errors.New("envelope: sealed payload without a key")
	}

	var s sealed
	if err := json.Unmarshal(e.Data, &s); err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	if s.Alg != sealAlgorithm {
		return nil, fmt.Errorf("envelope: unsupported algorithm %q", s.Alg)
	}
	wrapped, err := decodeBase64(s.Key)
	if err != nil {
		return nil, err
	}
	nonce, err := decodeBase64(s.IV)
	if err != nil {
		return nil, err
	}
	ct, err := decodeBase64(s.Data)
	if err != nil {
		return nil, err
	}

	symmetric, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, key, wrapped, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: unwrap key: %w", err)
	}
	aead, err := chacha20poly1305.NewX(symmetric)
	if err != nil {
		return nil, err
	}
	if len(nonce) != aead.NonceSize() {
		return nil, errors.New("envelope: bad nonce")
	}
	plain, err := aead.Open(nil, nonce, ct, []byte(e.Sender))
	if err != nil {
		return nil, fmt.Errorf("envelope: %w", err)
	}
	return plain, nil
}
