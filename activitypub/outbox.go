package activitypub

import (
	"context"
	"fmt"

	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/util"
	"github.com/deemkeen/fedhub/zot"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// ChannelSigner returns the transport signer of a local channel.
func ChannelSigner(ch *domain.Channel, baseURL string) (Signer, error) {
	key, err := zot.ParsePrivateKey(ch.PrivateKey)
	if err != nil {
		return Signer{}, fmt.Errorf("failed to parse private key: %w", err)
	}
	return Signer{KeyId: IRI(baseURL, ch.Address, IRIKey), Key: key}, nil
}

// Outbox posts signed activities to remote inboxes.
type Outbox struct {
	fetcher *Fetcher
	log     zerolog.Logger
}

func NewOutbox(fetcher *Fetcher) *Outbox {
	return &Outbox{fetcher: fetcher, log: util.ComponentLogger("outbox")}
}

// Send delivers one serialized activity. Non-2xx responses are errors so the job is retried.
func (o *Outbox) Send(ctx context.Context, inbox string, activity []byte, signer Signer) (*FetchResult, error) {
	res, err := o.fetcher.Post(ctx, inbox, activity, ContentTypeActivity, &signer)
	if err != nil {
		return res, err
	}
	o.log.Debug().Str("inbox", inbox).Int("status", res.Status).Msg("Outbox: delivered")
	return res, nil
}

// AcceptActivity answers a Follow addressed to a local channel.
func AcceptActivity(ch *domain.Channel, baseURL string, follow map[string]any) map[string]any {
	actor := IRI(baseURL, ch.Address, IRIId)
	return map[string]any{
		"@context": activityContext,
		"id":       fmt.Sprintf("%s/activity/%s", baseURL, uuid.NewString()),
		"type":     "Accept",
		"actor":    actor,
		"object":   follow,
		"to":       []any{idOf(follow["actor"])},
	}
}

// FollowActivity asks a remote actor to connect with a local channel.
func FollowActivity(ch *domain.Channel, baseURL, remoteActor string) map[string]any {
	return map[string]any{
		"@context": activityContext,
		"id":       fmt.Sprintf("%s/activity/%s", baseURL, uuid.NewString()),
		"type":     "Follow",
		"actor":    IRI(baseURL, ch.Address, IRIId),
		"object":   remoteActor,
		"to":       []any{remoteActor},
	}
}
