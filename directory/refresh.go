package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/domain"
)

// RefreshPayload is the job payload of the refresh command.
type RefreshPayload struct {
	Ref       string `json:"ref"`
	ChannelId int64  `json:"channel_id,omitempty"`
}

// Refresh performs a signed discovery round trip for ref (a hash, an address or a URL).
// The response must carry a valid signature by the very identity being refreshed.
// With a local channel, the connection between the two is created or updated.
func (d *Directory) Refresh(ctx context.Context, ref string, ch *domain.Channel) (*domain.Actor, error) {
	target, expectHash, err := d.discoveryURL(ref)
	if err != nil {
		return nil, err
	}

	signer := d.signer
	if ch != nil {
		s, err := activitypub.ChannelSigner(ch, d.baseURL)
		if err != nil {
			return nil, err
		}
		signer = &s
	}
	res, err := d.fetcher.FetchSigned(ctx, target, signer)
	if err != nil {
		return nil, fmt.Errorf("discovery of %s: %w", target, err)
	}

	var m map[string]any
	if err := json.Unmarshal(res.Body, &m); err != nil {
		return nil, fmt.Errorf("%w: discovery of %s: %v", domain.ErrInvalidDocument, target, err)
	}

	// Parse and check everything before the first write.
	var (
		rec      *DiscoveryRecord
		doc      *activitypub.ActorDocument
		identity string
		keyPem   string
		hash     string
	)
	if _, ok := m["guid_sig"]; ok {
		rec = &DiscoveryRecord{}
		if err := json.Unmarshal(res.Body, rec); err != nil {
			return nil, fmt.Errorf("%w: %v", domain.ErrInvalidDocument, err)
		}
		if _, hash, err = rec.verify(); err != nil {
			return nil, err
		}
		identity, keyPem = rec.URL, rec.PublicKey
	} else {
		if doc, err = activitypub.ParseActorDocument(m); err != nil {
			return nil, err
		}
		identity, keyPem = doc.ID, doc.PublicKeyPem
		hash = doc.ToActor().Hash
	}

	keyId, err := activitypub.VerifyResponse(res.Response(), res.Body, keyPem)
	if err != nil {
		return nil, fmt.Errorf("%w: discovery response of %s: %v", domain.ErrSignature, target, err)
	}
	if activitypub.KeyIdActor(keyId) != identity {
		return nil, fmt.Errorf("%w: discovery of %s signed by %s", domain.ErrSignature, identity, keyId)
	}
	if expectHash != "" && expectHash != hash {
		return nil, fmt.Errorf("%w: %s now resolves to a different identity", domain.ErrSignature, ref)
	}

	var actor *domain.Actor
	var perms []domain.Capability
	if rec != nil {
		if actor, _, err = d.Import(ctx, rec); err != nil {
			return nil, err
		}
		perms = rec.Permissions
	} else {
		if actor, err = d.Store(ctx, doc, true); err != nil {
			return nil, err
		}
	}

	if ch != nil {
		if err := d.connect(ch, actor, perms); err != nil {
			return actor, err
		}
	}
	return actor, nil
}

// discoveryURL maps a reference to the URL answering discovery for it, and the
// identity hash the answer must match when ref named one.
func (d *Directory) discoveryURL(ref string) (string, string, error) {
	switch {
	case strings.HasPrefix(ref, "http://"), strings.HasPrefix(ref, "https://"):
		return activitypub.KeyIdActor(ref), "", nil
	case strings.Contains(ref, "@"):
		actor, err := d.db.ReadActorByAddress(strings.TrimPrefix(ref, "@"))
		if err != nil {
			return "", "", fmt.Errorf("%s: %w", ref, err)
		}
		return d.preferredDiscovery(actor), actor.Hash, nil
	}
	actor, err := d.db.ReadActor(ref)
	if err != nil {
		return "", "", fmt.Errorf("%s: %w", ref, err)
	}
	return d.preferredDiscovery(actor), actor.Hash, nil
}

func (d *Directory) preferredDiscovery(a *domain.Actor) string {
	if a.Network == domain.NetworkZot {
		if locs, err := d.db.ReadHublocs(a.Hash); err == nil {
			for _, h := range locs {
				if h.Primary && !h.Deleted && h.IdURL != "" {
					return h.IdURL
				}
			}
		}
	}
	return a.URL
}

// connect records the permission grant between ch and actor: pending when new,
// active straight away when the channel accepts connections automatically.
func (d *Directory) connect(ch *domain.Channel, actor *domain.Actor, theirCaps []domain.Capability) error {
	conn, err := d.db.ReadConnection(ch.Id, actor.Hash)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		conn = &domain.Connection{ChannelId: ch.Id, Hash: actor.Hash, Pending: true}
	case err != nil:
		return err
	}
	if theirCaps != nil {
		conn.TheirCaps = theirCaps
	}
	if conn.Pending && ch.AutoAccept && !conn.Blocked {
		conn.Pending = false
		if len(conn.Caps) == 0 {
			conn.Caps = domain.DefaultConnectionCaps
		}
		d.log.Info().Str("channel", ch.Address).Str("actor", actor.URL).Msg("Directory: connection auto-accepted")
	}
	return d.db.UpsertConnection(conn)
}

// Connect is connect for callers outside the package, such as the inbox handling Follow.
func (d *Directory) Connect(ch *domain.Channel, actor *domain.Actor) (*domain.Connection, error) {
	if err := d.connect(ch, actor, nil); err != nil {
		return nil, err
	}
	return d.db.ReadConnection(ch.Id, actor.Hash)
}
