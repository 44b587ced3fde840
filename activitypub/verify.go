package activitypub

import (
	"context"
	"crypto"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/metrics"
	"github.com/deemkeen/fedhub/util"
	"github.com/deemkeen/fedhub/zot"
	"github.com/gowebpki/jcs"
	"github.com/piprate/json-gold/ld"
	"github.com/rs/zerolog"
)

const (
	SchemeEdDSAJCS = "eddsa-jcs-2022"
	SchemeLDRSA    = "RsaSignature2017"
	SchemeNone     = "none"

	identityContext = "https://w3id.org/identity/v1"
)

// Verification is the outcome of message level signature checks. It is never an error.
type Verification struct {
	Verified bool
	Signer   string // actor URL of the signing key's owner
	Scheme   string
}

// SignedBy reports whether the document was verifiably signed by actorURL.
func (v Verification) SignedBy(actorURL string) bool {
	return v.Verified && actorURL != "" && v.Signer == actorURL
}

// ActorKeys are the public keys an actor declares.
type ActorKeys struct {
	Owner        string
	PublicKeyPem string
	Multikeys    []string // Ed25519 multibase
}

// KeyResolver finds the keys of an actor, from the local cache or by fetching its document.
type KeyResolver interface {
	ResolveKeys(ctx context.Context, actorURL string) (*ActorKeys, error)
}

// Verifier checks data integrity proofs and linked data signatures.
type Verifier struct {
	keys   KeyResolver
	loader ld.DocumentLoader
	log    zerolog.Logger
}

// NewVerifier uses loader to fetch JSON-LD contexts. A nil loader fetches and caches them over http.
func NewVerifier(keys KeyResolver, loader ld.DocumentLoader) *Verifier {
	if loader == nil {
		loader = ld.NewCachingDocumentLoader(ld.NewDefaultDocumentLoader(nil))
	}
	return &Verifier{keys: keys, loader: loader, log: util.ComponentLogger("verifier")}
}

// Verify tries each supported scheme in turn.
func (v *Verifier) Verify(ctx context.Context, doc map[string]any) Verification {
	for _, proof := range objects(doc["proof"]) {
		if str(proof, "cryptosuite") != SchemeEdDSAJCS {
			continue
		}
		signer, err := v.verifyProof(ctx, doc, proof)
		metrics.ObserveSignature(SchemeEdDSAJCS, err == nil)
		if err == nil {
			return Verification{Verified: true, Signer: signer, Scheme: SchemeEdDSAJCS}
		}
		v.log.Debug().Err(err).Str("id", str(doc, "id")).Msg("Verifier: proof rejected")
	}

	if sig, ok := doc["signature"].(map[string]any); ok {
		signer, err := v.verifyLD(ctx, doc, sig)
		metrics.ObserveSignature(SchemeLDRSA, err == nil)
		if err == nil {
			return Verification{Verified: true, Signer: signer, Scheme: SchemeLDRSA}
		}
		v.log.Debug().Err(err).Str("id", str(doc, "id")).Msg("Verifier: ld signature rejected")
		return Verification{Scheme: SchemeLDRSA}
	}

	if doc["proof"] != nil {
		return Verification{Scheme: SchemeEdDSAJCS}
	}
	return Verification{Scheme: SchemeNone}
}

func (v *Verifier) resolve(ctx context.Context, owner string) (*ActorKeys, error) {
	if v.keys == nil {
		return nil, errors.New("no key resolver")
	}
	keys, err := v.keys.ResolveKeys(ctx, owner)
	if err != nil {
		return nil, err
	}
	if keys == nil {
		return nil, fmt.Errorf("no keys for %s", owner)
	}
	return keys, nil
}

func (v *Verifier) verifyProof(ctx context.Context, doc, proof map[string]any) (string, error) {
	sig, err := zot.DecodeMultibase(str(proof, "proofValue"))
	if err != nil {
		return "", fmt.Errorf("proofValue: %w", err)
	}
	method := str(proof, "verificationMethod")
	owner := KeyIdActor(method)
	keys, err := v.resolve(ctx, owner)
	if err != nil {
		return "", err
	}

	fragment := ""
	if i := strings.IndexByte(method, '#'); i >= 0 {
		fragment = method[i+1:]
	}
	digest, err := proofDigest(doc, proof)
	if err != nil {
		return "", err
	}
	for _, mk := range keys.Multikeys {
		if strings.HasPrefix(fragment, "z") && fragment != mk {
			continue
		}
		pub, err := zot.DecodeMultikey(mk)
		if err != nil {
			continue
		}
		if ed25519.Verify(pub, digest, sig) {
			return owner, nil
		}
	}
	return "", domain.ErrSignature
}

// proofDigest is sha256(jcs(proof options)) || sha256(jcs(document without proof)).
func proofDigest(doc, proof map[string]any) ([]byte, error) {
	options := copyMap(proof, "proofValue")
	if c, ok := doc["@context"]; ok {
		options["@context"] = c
	}
	optHash, err := canonicalHash(options)
	if err != nil {
		return nil, err
	}
	docHash, err := canonicalHash(copyMap(doc, "proof"))
	if err != nil {
		return nil, err
	}
	return append(optHash, docHash...), nil
}

func canonicalHash(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	canon, err := jcs.Transform(b)
	if err != nil {
		return nil, fmt.Errorf("jcs: %w", err)
	}
	h := sha256.Sum256(canon)
	return h[:], nil
}

// SignProof attaches an eddsa-jcs-2022 data integrity proof to a copy of doc.
func SignProof(doc map[string]any, key ed25519.PrivateKey, verificationMethod string, created time.Time) (map[string]any, error) {
	proof := map[string]any{
		"type":               "DataIntegrityProof",
		"cryptosuite":        SchemeEdDSAJCS,
		"verificationMethod": verificationMethod,
		"proofPurpose":       "assertionMethod",
		"created":            formatTime(created),
	}
	unsecured := copyMap(doc, "proof")
	digest, err := proofDigest(unsecured, proof)
	if err != nil {
		return nil, err
	}
	proof["proofValue"] = zot.EncodeMultibase(ed25519.Sign(key, digest))
	out := copyMap(unsecured)
	out["proof"] = proof
	return out, nil
}

func (v *Verifier) verifyLD(ctx context.Context, doc, sig map[string]any) (string, error) {
	if t := str(sig, "type"); t != SchemeLDRSA {
		return "", fmt.Errorf("unsupported signature type %q", t)
	}
	value, err := base64.StdEncoding.DecodeString(str(sig, "signatureValue"))
	if err != nil {
		return "", fmt.Errorf("signatureValue: %w", err)
	}
	creator := str(sig, "creator")
	owner := KeyIdActor(creator)
	keys, err := v.resolve(ctx, owner)
	if err != nil {
		return "", err
	}
	pub, err := zot.ParsePublicKey(keys.PublicKeyPem)
	if err != nil {
		return "", err
	}
	digest, err := v.ldDigest(doc, sig)
	if err != nil {
		return "", err
	}
	if err := rsa.VerifyPKCS1v15(pub, crypto.SHA256, digest, value); err != nil {
		return "", domain.ErrSignature
	}
	return owner, nil
}

// ldDigest is sha256(hex(sha256(nquads(options))) + hex(sha256(nquads(document)))).
func (v *Verifier) ldDigest(doc, sig map[string]any) ([]byte, error) {
	options := map[string]any{
		"@context": identityContext,
		"creator":  str(sig, "creator"),
		"created":  str(sig, "created"),
	}
	if nonce := str(sig, "nonce"); nonce != "" {
		options["nonce"] = nonce
	}
	optNorm, err := v.normalize(options)
	if err != nil {
		return nil, err
	}
	docNorm, err := v.normalize(copyMap(doc, "signature"))
	if err != nil {
		return nil, err
	}
	optHash := sha256.Sum256([]byte(optNorm))
	docHash := sha256.Sum256([]byte(docNorm))
	h := sha256.Sum256([]byte(hex.EncodeToString(optHash[:]) + hex.EncodeToString(docHash[:])))
	return h[:], nil
}

func (v *Verifier) normalize(doc map[string]any) (string, error) {
	proc := ld.NewJsonLdProcessor()
	opts := ld.NewJsonLdOptions("")
	opts.Format = "application/n-quads"
	opts.Algorithm = "URDNA2015"
	opts.DocumentLoader = v.loader
	out, err := proc.Normalize(doc, opts)
	if err != nil {
		return "", fmt.Errorf("normalize: %w", err)
	}
	s, _ := out.(string)
	return s, nil
}

// SignLD attaches an RsaSignature2017 linked data signature to a copy of doc.
func (v *Verifier) SignLD(doc map[string]any, key *rsa.PrivateKey, creator string, created time.Time) (map[string]any, error) {
	sig := map[string]any{
		"type":    SchemeLDRSA,
		"creator": creator,
		"created": formatTime(created),
	}
	unsigned := copyMap(doc, "signature")
	digest, err := v.ldDigest(unsigned, sig)
	if err != nil {
		return nil, err
	}
	value, err := rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest)
	if err != nil {
		return nil, err
	}
	sig["signatureValue"] = base64.StdEncoding.EncodeToString(value)
	out := copyMap(unsigned)
	out["signature"] = sig
	return out, nil
}
