package activitypub

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"testing"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/zot"
)

// generateTestKeyPair generates an RSA key pair for testing
func generateTestKeyPair(t *testing.T) (*rsa.PrivateKey, string) {
	t.Helper()
	privateKey, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("Failed to generate key pair: %v", err)
	}
	keyBytes, err := x509.MarshalPKIXPublicKey(&privateKey.PublicKey)
	if err != nil {
		t.Fatalf("Failed to marshal public key: %v", err)
	}
	return privateKey, string(pem.EncodeToMemory(&pem.Block{Type: "PUBLIC KEY", Bytes: keyBytes}))
}

// mapResolver serves documents from memory and counts fetches.
type mapResolver struct {
	docs  map[string]map[string]any
	calls map[string]int
}

func newMapResolver() *mapResolver {
	return &mapResolver{docs: map[string]map[string]any{}, calls: map[string]int{}}
}

func (r *mapResolver) add(m map[string]any) {
	r.docs[m["id"].(string)] = m
}

func (r *mapResolver) Resolve(ctx context.Context, id string) (map[string]any, error) {
	r.calls[id]++
	if m, ok := r.docs[id]; ok {
		return m, nil
	}
	return nil, fmt.Errorf("%s: %w", id, domain.ErrNotFound)
}

// actorTable resolves identities and keys from memory.
type actorTable struct {
	actors map[string]*domain.Actor
	keys   map[string]*ActorKeys
}

func newActorTable() *actorTable {
	return &actorTable{actors: map[string]*domain.Actor{}, keys: map[string]*ActorKeys{}}
}

func (a *actorTable) addActor(url, name, pubPem string) *domain.Actor {
	actor := &domain.Actor{Hash: zot.PortableHash(url, pubPem), Guid: url, URL: url, Name: name, PublicKey: pubPem}
	a.actors[url] = actor
	a.keys[url] = &ActorKeys{Owner: url, PublicKeyPem: pubPem}
	return actor
}

func (a *actorTable) LookupActor(ctx context.Context, url string) (*domain.Actor, error) {
	if actor, ok := a.actors[url]; ok {
		return actor, nil
	}
	return nil, domain.ErrNotFound
}

func (a *actorTable) ResolveKeys(ctx context.Context, url string) (*ActorKeys, error) {
	if k, ok := a.keys[url]; ok {
		return k, nil
	}
	return nil, domain.ErrNotFound
}
