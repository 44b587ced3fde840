package activitypub

import (
	"fmt"
	"net/url"
	"strings"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/zot"
)

// IRIKind selects one of a local channel's endpoints.
type IRIKind uint

const (
	IRIId IRIKind = iota
	IRIInbox
	IRIOutbox
	IRIFollowers
	IRIFeed
	IRIKey
)

// IRI builds the URL of a local channel endpoint.
func IRI(baseURL, nick string, kind IRIKind) string {
	base := strings.TrimRight(baseURL, "/") + "/channel/" + nick
	switch kind {
	case IRIInbox:
		return base + "/inbox"
	case IRIOutbox:
		return base + "/outbox"
	case IRIFollowers:
		return base + "/followers"
	case IRIFeed:
		return strings.TrimRight(baseURL, "/") + "/feed/" + nick
	case IRIKey:
		return base + "#main-key"
	}
	return base
}

// SharedInbox is the site wide inbox.
func SharedInbox(baseURL string) string {
	return strings.TrimRight(baseURL, "/") + "/inbox"
}

// ActorDocument is a remote actor as declared in its JSON document.
type ActorDocument struct {
	ID                string
	Type              string
	PreferredUsername string
	Name              string
	Summary           string
	Inbox             string
	SharedInbox       string
	Outbox            string
	Followers         string
	URL               string
	IconURL           string
	IconMediaType     string
	PublicKeyId       string
	PublicKeyPem      string
	Multikeys         []string
	Raw               map[string]any
}

var actorTypes = map[string]bool{
	"Person": true, "Group": true, "Service": true, "Application": true, "Organization": true,
}

// IsActorType reports whether an object type names an identity.
func IsActorType(t string) bool {
	return actorTypes[t]
}

// ParseActorDocument extracts the fields the directory needs. An actor must
// declare an id, an inbox and an RSA key.
func ParseActorDocument(m map[string]any) (*ActorDocument, error) {
	a := &ActorDocument{
		ID:                str(m, "id"),
		Type:              primaryType(m["type"]),
		PreferredUsername: str(m, "preferredUsername"),
		Name:              str(m, "name"),
		Summary:           str(m, "summary"),
		Inbox:             str(m, "inbox"),
		Outbox:            str(m, "outbox"),
		Followers:         str(m, "followers"),
		URL:               idOf(m["url"]),
		Raw:               m,
	}
	if endpoints, ok := m["endpoints"].(map[string]any); ok {
		a.SharedInbox = str(endpoints, "sharedInbox")
	}
	if icon := objects(m["icon"]); len(icon) > 0 {
		a.IconURL = idOf(icon[0]["url"])
		a.IconMediaType = str(icon[0], "mediaType")
	}
	for _, key := range objects(m["publicKey"]) {
		if pem := str(key, "publicKeyPem"); pem != "" {
			a.PublicKeyId = str(key, "id")
			a.PublicKeyPem = pem
			break
		}
	}
	for _, method := range objects(m["assertionMethod"]) {
		if str(method, "type") == "Multikey" {
			if mk := str(method, "publicKeyMultibase"); mk != "" {
				a.Multikeys = append(a.Multikeys, mk)
			}
		}
	}

	if a.ID == "" || a.Inbox == "" || a.PublicKeyPem == "" {
		return nil, fmt.Errorf("%w: actor missing required fields", domain.ErrInvalidDocument)
	}
	if !IsActorType(a.Type) {
		return nil, fmt.Errorf("%w: %q is not an actor type", domain.ErrInvalidDocument, a.Type)
	}
	if _, err := zot.ParsePublicKey(a.PublicKeyPem); err != nil {
		return nil, fmt.Errorf("%w: public key: %v", domain.ErrInvalidDocument, err)
	}
	if a.PublicKeyId != "" && KeyIdActor(a.PublicKeyId) != a.ID {
		return nil, fmt.Errorf("%w: key %s not owned by %s", domain.ErrInvalidDocument, a.PublicKeyId, a.ID)
	}
	return a, nil
}

// ToActor projects the document onto a cached actor. The hash is computed here, never read from the wire.
func (a *ActorDocument) ToActor() *domain.Actor {
	name := a.Name
	if name == "" {
		name = a.PreferredUsername
	}
	address := ""
	if a.PreferredUsername != "" {
		if host := hostOf(a.ID); host != "" {
			address = a.PreferredUsername + "@" + host
		}
	}
	return &domain.Actor{
		Hash:      zot.PortableHash(a.ID, a.PublicKeyPem),
		Guid:      a.ID,
		Address:   address,
		Name:      name,
		URL:       a.ID,
		Inbox:     a.DeliveryInbox(),
		PublicKey: a.PublicKeyPem,
		EdKeys:    a.Multikeys,
		Protocols: []string{domain.NetworkActivityPub},
		Photo:     a.IconURL,
		PhotoMime: a.IconMediaType,
		Network:   domain.NetworkActivityPub,
	}
}

// DeliveryInbox prefers the shared inbox.
func (a *ActorDocument) DeliveryInbox() string {
	if a.SharedInbox != "" {
		return a.SharedInbox
	}
	return a.Inbox
}

func (a *ActorDocument) Keys() *ActorKeys {
	return &ActorKeys{Owner: a.ID, PublicKeyPem: a.PublicKeyPem, Multikeys: a.Multikeys}
}

func hostOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil {
		return ""
	}
	return parsed.Host
}

// LocalActor renders a local channel as an actor document.
func LocalActor(ch *domain.Channel, baseURL string) map[string]any {
	name := ch.Name
	if name == "" {
		name = ch.Address
	}
	id := IRI(baseURL, ch.Address, IRIId)
	return map[string]any{
		"@context": []any{
			"https://www.w3.org/ns/activitystreams",
			"https://w3id.org/security/v1",
		},
		"id":                        id,
		"type":                      "Person",
		"preferredUsername":         ch.Address,
		"name":                      name,
		"inbox":                     IRI(baseURL, ch.Address, IRIInbox),
		"outbox":                    IRI(baseURL, ch.Address, IRIOutbox),
		"followers":                 IRI(baseURL, ch.Address, IRIFollowers),
		"url":                       id,
		"manuallyApprovesFollowers": !ch.AutoAccept,
		"discoverable":              true,
		"endpoints": map[string]any{
			"sharedInbox": SharedInbox(baseURL),
		},
		"publicKey": map[string]any{
			"id":           IRI(baseURL, ch.Address, IRIKey),
			"owner":        id,
			"publicKeyPem": ch.PublicKey,
		},
	}
}
