package web

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/delivery"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/queue"
	"github.com/gin-gonic/gin"
)

// Outcome summarizes what an inbound activity did.
type Outcome struct {
	Kind    string                  `json:"kind"`
	Reports []domain.DeliveryReport `json:"-"`
}

const (
	OutcomeDelivered    = "delivered"
	OutcomeRelationship = "relationship"
	OutcomeActorUpdate  = "actor update"
	OutcomeActorDeleted = "actor deleted"
	OutcomeIgnored      = "ignored"
)

func (s *Server) handleInbox(c *gin.Context, to []*domain.Channel) {
	body, err := c.GetRawData()
	if err != nil {
		c.Status(http.StatusBadRequest)
		return
	}
	ctx := c.Request.Context()
	_, actorURL, err := activitypub.VerifyRequest(c.Request, body, s.dir.KeyLookup(ctx))
	if err != nil {
		s.log.Warn().Err(err).Str("path", c.Request.URL.Path).Msg("Inbox: rejected unsigned or badly signed request")
		c.JSON(http.StatusUnauthorized, gin.H{"error": "signature verification failed"})
		return
	}
	out, err := s.Receive(ctx, actorURL, body, to)
	s.respond(c, actorURL, out, err)
}

func (s *Server) respond(c *gin.Context, actorURL string, out *Outcome, err error) {
	if err != nil {
		status := http.StatusBadRequest
		if errors.Is(err, domain.ErrPermission) {
			status = http.StatusForbidden
		}
		s.log.Info().Err(err).Str("sender", actorURL).Msg("Inbox: activity refused")
		c.JSON(status, gin.H{"error": err.Error()})
		return
	}
	c.JSON(http.StatusAccepted, out)
}

// Receive processes one authenticated activity. senderURL is the actor whose key
// signed the transport; to lists the addressed channels, empty for the shared inbox.
func (s *Server) Receive(ctx context.Context, senderURL string, body []byte, to []*domain.Channel) (*Outcome, error) {
	doc, err := s.parser.Parse(ctx, body)
	if err != nil {
		return nil, err
	}

	if doc.DeletedActor() {
		if doc.ActorID() != senderURL {
			return nil, fmt.Errorf("%w: actor delete not signed by the actor", domain.ErrPermission)
		}
		if err := s.dir.MarkDeleted(ctx, senderURL); err != nil && !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		return &Outcome{Kind: OutcomeActorDeleted}, nil
	}

	sender, err := s.dir.LookupActor(ctx, senderURL)
	if err != nil {
		return nil, fmt.Errorf("%w: unknown sender %s", domain.ErrPermission, senderURL)
	}

	if activitypub.IsActorUpdate(doc) {
		if doc.ObjectID() != senderURL {
			return nil, fmt.Errorf("%w: profile update for another actor", domain.ErrPermission)
		}
		ad, err := activitypub.ParseActorDocument(doc.Object)
		if err != nil {
			return nil, err
		}
		if _, err := s.dir.Store(ctx, ad, true); err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomeActorUpdate}, nil
	}

	if activitypub.IsRelationship(doc) {
		if doc.ActorID() != senderURL {
			return nil, fmt.Errorf("%w: relationship activity relayed by %s", domain.ErrPermission, senderURL)
		}
		if err := s.relationship(ctx, sender, doc); err != nil {
			return nil, err
		}
		return &Outcome{Kind: OutcomeRelationship}, nil
	}

	item, err := s.translator.Decode(ctx, doc)
	if errors.Is(err, activitypub.ErrUnsupported) {
		s.log.Debug().Str("type", doc.Type).Msg("Inbox: unsupported activity ignored")
		return &Outcome{Kind: OutcomeIgnored}, nil
	}
	if err != nil {
		return nil, err
	}
	if item, err = s.authenticate(ctx, senderURL, doc, item); err != nil {
		return nil, err
	}

	d := delivery.Delivery{
		Sender: sender.Hash,
		Item:   item,
		Relay:  sender.Hash != item.AuthorHash && sender.Hash != item.OwnerHash,
	}
	recipients := to
	if len(recipients) == 0 {
		if recipients, err = s.engine.ComputeRecipients(ctx, sender.Hash, item); err != nil {
			return nil, err
		}
	}
	reports := s.engine.ProcessDelivery(ctx, d, recipients)
	return &Outcome{Kind: OutcomeDelivered, Reports: reports}, nil
}

// authenticate checks the identities an activity claims against who signed it. The
// activity's actor (or announcer) must be the transport signer or have signed the
// activity. An author other than that must have signed it as well; otherwise the
// object is fetched again from the author's host and decoded from there.
func (s *Server) authenticate(ctx context.Context, senderURL string, doc *activitypub.Document, item *domain.Item) (*domain.Item, error) {
	vouched := func(url string) bool {
		return url == senderURL || doc.Verification.SignedBy(url)
	}
	actor := doc.ActorID()
	if doc.Announcer != nil {
		actor = idOf(doc.Announcer)
	}
	if !vouched(actor) {
		return nil, fmt.Errorf("%w: %s forwarded an activity of %s without its signature", domain.ErrPermission, senderURL, actor)
	}
	if item.AuthorURL == actor || vouched(item.AuthorURL) {
		return item, nil
	}
	if item.Deleted || item.Verb.IsResponse() {
		return nil, fmt.Errorf("%w: %s acts for %s", domain.ErrPermission, actor, item.AuthorURL)
	}
	if err := s.parser.FromOrigin(ctx, doc, item.AuthorURL); err != nil {
		s.log.Info().Err(err).Str("sender", senderURL).Str("author", item.AuthorURL).Msg("Inbox: unverified attribution")
		return nil, fmt.Errorf("%w: %s is not signed by its author", domain.ErrPermission, item.Mid)
	}
	fetched, err := s.translator.Decode(ctx, doc)
	if err != nil {
		return nil, err
	}
	if fetched.AuthorURL != item.AuthorURL {
		return nil, fmt.Errorf("%w: %s changed author at its origin", domain.ErrPermission, item.Mid)
	}
	return fetched, nil
}

func (s *Server) relationship(ctx context.Context, sender *domain.Actor, doc *activitypub.Document) error {
	switch {
	case doc.Type == "Follow":
		return s.follow(ctx, sender, doc)
	case doc.Type == "Undo" && doc.ObjectType() == "Follow":
		conn, err := s.db.ReadConnectionByFollowURI(doc.ObjectID())
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		if err != nil {
			return err
		}
		if conn.Hash != sender.Hash {
			return fmt.Errorf("%w: undo of someone else's follow", domain.ErrPermission)
		}
		return s.db.DeleteConnection(conn.ChannelId, conn.Hash)
	case doc.Type == "Accept" && doc.ObjectType() == "Follow":
		conn, err := s.followOf(sender, doc)
		if err != nil || conn == nil {
			return err
		}
		conn.TheirCaps = domain.DefaultConnectionCaps
		return s.db.UpsertConnection(conn)
	case doc.Type == "Reject" && doc.ObjectType() == "Follow":
		conn, err := s.followOf(sender, doc)
		if err != nil || conn == nil {
			return err
		}
		conn.TheirCaps = nil
		return s.db.UpsertConnection(conn)
	case doc.Type == "Block":
		ch, err := s.localChannel(doc.ObjectID())
		if err != nil {
			return nil
		}
		conn, err := s.db.ReadConnection(ch.Id, sender.Hash)
		if err != nil {
			return nil
		}
		conn.TheirCaps = nil
		return s.db.UpsertConnection(conn)
	}
	s.log.Debug().Str("type", doc.Type).Str("object", doc.ObjectType()).Msg("Inbox: relationship activity ignored")
	return nil
}

// followOf finds the connection our Follow created, by its id or by the
// channel the follow targeted.
func (s *Server) followOf(sender *domain.Actor, doc *activitypub.Document) (*domain.Connection, error) {
	conn, err := s.db.ReadConnectionByFollowURI(doc.ObjectID())
	if err == nil {
		if conn.Hash != sender.Hash {
			return nil, fmt.Errorf("%w: answer to a follow of someone else", domain.ErrPermission)
		}
		return conn, nil
	}
	if !errors.Is(err, domain.ErrNotFound) {
		return nil, err
	}
	ch, err := s.localChannel(idOf(doc.Object["actor"]))
	if err != nil {
		return nil, nil
	}
	conn, err = s.db.ReadConnection(ch.Id, sender.Hash)
	if errors.Is(err, domain.ErrNotFound) {
		return nil, nil
	}
	return conn, err
}

func idOf(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case map[string]any:
		id, _ := t["id"].(string)
		return id
	}
	return ""
}

// follow creates the connection and answers with an Accept once it is active.
func (s *Server) follow(ctx context.Context, sender *domain.Actor, doc *activitypub.Document) error {
	ch, err := s.localChannel(doc.ObjectID())
	if err != nil {
		return err
	}
	conn, err := s.dir.Connect(ch, sender)
	if err != nil {
		return err
	}
	conn.FollowURI = doc.ID
	if err := s.db.UpsertConnection(conn); err != nil {
		return err
	}
	if conn.Pending || conn.Blocked {
		s.log.Info().Str("channel", ch.Address).Str("actor", sender.URL).Msg("Inbox: follow awaiting approval")
		return nil
	}
	return s.accept(ch, sender, doc.Raw)
}

func (s *Server) accept(ch *domain.Channel, sender *domain.Actor, follow map[string]any) error {
	if s.queue == nil || sender.Inbox == "" {
		return nil
	}
	activity, err := json.Marshal(activitypub.AcceptActivity(ch, s.baseURL, follow))
	if err != nil {
		return err
	}
	payload := delivery.DeliverPayload{ChannelId: ch.Id, Inbox: sender.Inbox, Mid: idOf(follow["id"]), Activity: activity}
	_, err = s.queue.Enqueue(domain.CmdDeliver, payload, queue.PriorityHigh)
	return err
}

// Follow asks a remote actor to accept ch as a follower. The connection comes from a
// signed discovery round trip; the Follow itself is queued for delivery.
func (s *Server) Follow(ctx context.Context, ch *domain.Channel, ref string) (*domain.Actor, error) {
	actor, err := s.dir.Refresh(ctx, ref, ch)
	if err != nil {
		return nil, err
	}
	conn, err := s.db.ReadConnection(ch.Id, actor.Hash)
	if err != nil {
		return nil, err
	}
	follow := activitypub.FollowActivity(ch, s.baseURL, actor.URL)
	conn.FollowURI = idOf(follow["id"])
	if err := s.db.UpsertConnection(conn); err != nil {
		return nil, err
	}
	if s.queue == nil || actor.Inbox == "" {
		return actor, nil
	}
	activity, err := json.Marshal(follow)
	if err != nil {
		return nil, err
	}
	payload := delivery.DeliverPayload{ChannelId: ch.Id, Inbox: actor.Inbox, Mid: conn.FollowURI, Activity: activity}
	if _, err := s.queue.Enqueue(domain.CmdDeliver, payload, queue.PriorityNormal); err != nil {
		return nil, err
	}
	s.log.Info().Str("channel", ch.Address).Str("actor", actor.URL).Msg("Follow queued")
	return actor, nil
}
