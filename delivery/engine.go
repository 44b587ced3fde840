// Package delivery decides which local channels receive an inbound item and
// applies it to each of them, recording one report per recipient.
package delivery

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/kv"
	"github.com/deemkeen/fedhub/metrics"
	"github.com/deemkeen/fedhub/queue"
	"github.com/deemkeen/fedhub/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	// kv scope of per-author settings
	ScopeAuthor = "author"
	// KeyNoFirehose marks an author who opted out of site-wide redistribution.
	KeyNoFirehose = "no_firehose"

	DefaultMaxRelay      = 500
	DefaultMaxFetchDepth = 4
)

// Enqueuer schedules background work. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(command string, payload any, priority int) (bool, error)
}

// Hooks are the extension points fired during delivery. A nil hook is a no-op.
type Hooks struct {
	ItemStored       func(ctx context.Context, item *domain.Item, updated bool)
	ItemDeleted      func(ctx context.Context, channelId int64, mid string)
	DeliveryRejected func(ctx context.Context, report domain.DeliveryReport)
}

type Options struct {
	BaseURL       string
	Queue         Enqueuer
	Permissions   Permissions
	Filter        ContentFilter
	Cache         kv.Cache
	Hooks         Hooks
	MaxRelay      int
	MaxFetchDepth int
	Clock         util.Clock
}

type Engine struct {
	db            *db.DB
	baseURL       string
	queue         Enqueuer
	perms         Permissions
	filter        ContentFilter
	cache         kv.Cache
	hooks         Hooks
	maxRelay      int
	maxFetchDepth int
	clock         util.Clock
	log           zerolog.Logger
}

func New(database *db.DB, opts Options) *Engine {
	if opts.Permissions == nil {
		opts.Permissions = ConnectionPermissions{DB: database}
	}
	if opts.Filter == nil {
		opts.Filter = KeywordFilter
	}
	if opts.Cache == nil {
		opts.Cache = kv.NewSQL(database)
	}
	if opts.MaxRelay <= 0 {
		opts.MaxRelay = DefaultMaxRelay
	}
	if opts.MaxFetchDepth <= 0 {
		opts.MaxFetchDepth = DefaultMaxFetchDepth
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	return &Engine{
		db:            database,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		queue:         opts.Queue,
		perms:         opts.Permissions,
		filter:        opts.Filter,
		cache:         opts.Cache,
		hooks:         opts.Hooks,
		maxRelay:      opts.MaxRelay,
		maxFetchDepth: opts.MaxFetchDepth,
		clock:         opts.Clock,
		log:           util.ComponentLogger("delivery"),
	}
}

// Delivery is one inbound item together with how it reached us.
type Delivery struct {
	Sender string // portable hash of the transport level sender
	Item   *domain.Item
	// Relay marks content forwarded by a thread owner on behalf of its author.
	Relay bool
	// Public marks deliveries to the site stream, which skip the sender check.
	Public bool
	// Request marks content this hub fetched itself, such as a missing parent.
	Request bool
	// Depth counts the parent fetches that led to this delivery.
	Depth int
}

// ComputeRecipients returns the local channels eligible to receive item from sender.
func (e *Engine) ComputeRecipients(ctx context.Context, sender string, item *domain.Item) ([]*domain.Channel, error) {
	channels, err := e.db.ReadChannels()
	if err != nil {
		return nil, err
	}
	byId := make(map[int64]*domain.Channel, len(channels))
	for i := range channels {
		byId[channels[i].Id] = &channels[i]
	}

	var out []*domain.Channel
	seen := map[int64]bool{}
	add := func(ch *domain.Channel) {
		if ch != nil && !seen[ch.Id] {
			seen[ch.Id] = true
			out = append(out, ch)
		}
	}

	if item.Deleted {
		copies, err := e.db.ReadItemsByMid(item.Mid)
		if err != nil {
			return nil, err
		}
		for _, c := range copies {
			add(byId[c.ChannelId])
		}
		return out, nil
	}

	if !item.IsTopLevel() {
		for _, mid := range []string{item.ParentMid, item.ThrParent} {
			if mid == "" {
				continue
			}
			ids, err := e.db.ReadThreadHolders(mid)
			if err != nil {
				return nil, err
			}
			for _, id := range ids {
				add(byId[id])
			}
		}
		return out, nil
	}

	for i := range channels {
		ch := &channels[i]
		switch {
		case e.addressed(ch, item):
			add(ch)
		case item.Visibility != domain.VisibilityDirect && e.perms.Allowed(ch, sender, domain.CapSendStream):
			add(ch)
		case e.mentions(ch, item):
			add(ch)
		case ch.Firehose && item.IsPublic():
			add(ch)
		}
	}
	return out, nil
}

func (e *Engine) channelURL(ch *domain.Channel) string {
	return activitypub.IRI(e.baseURL, ch.Address, activitypub.IRIId)
}

func (e *Engine) addressed(ch *domain.Channel, item *domain.Item) bool {
	return slices.Contains(item.Recipients, e.channelURL(ch))
}

func (e *Engine) mentions(ch *domain.Channel, item *domain.Item) bool {
	return slices.Contains(item.Mentions(), e.channelURL(ch))
}

// ProcessDelivery applies the item to every recipient and returns one report per
// recipient. A failure for one recipient never stops the others.
func (e *Engine) ProcessDelivery(ctx context.Context, d Delivery, recipients []*domain.Channel) []domain.DeliveryReport {
	reports := make([]domain.DeliveryReport, 0, len(recipients))
	for _, ch := range recipients {
		status, detail := e.deliverTo(ctx, d, ch)
		r := domain.DeliveryReport{
			Id:        uuid.NewString(),
			Recipient: ch.Hash,
			ChannelId: ch.Id,
			Sender:    d.Sender,
			Status:    status,
			Detail:    detail,
			CreatedAt: e.clock.Now(),
		}
		if d.Item != nil {
			r.Mid = d.Item.Mid
		}
		if err := e.db.InsertReport(&r); err != nil {
			e.log.Error().Err(err).Str("mid", r.Mid).Msg("Delivery: failed to record report")
		}
		metrics.DeliveryReports.WithLabelValues(string(status)).Inc()
		e.log.Debug().Str("mid", r.Mid).Str("channel", ch.Address).Str("status", string(status)).Str("detail", detail).Msg("Delivery: processed")
		if rejected(status) && e.hooks.DeliveryRejected != nil {
			e.hooks.DeliveryRejected(ctx, r)
		}
		reports = append(reports, r)
	}
	return reports
}

func rejected(s domain.ReportStatus) bool {
	switch s {
	case domain.StatusPermissionDenied, domain.StatusSenderMismatch, domain.StatusRouteMismatch, domain.StatusFiltered:
		return true
	}
	return false
}

func (e *Engine) deliverTo(ctx context.Context, d Delivery, ch *domain.Channel) (domain.ReportStatus, string) {
	item := d.Item
	if item == nil || item.Mid == "" {
		return domain.StatusError, "no item"
	}

	if !d.Public && !d.Request && !e.senderMayDeliver(ch, d) {
		return domain.StatusSenderMismatch, "sender is neither owner nor author"
	}
	if item.AuthorHash == ch.Hash && !item.Origin {
		return domain.StatusSelfEcho, ""
	}
	if item.Deleted {
		return e.deleteFor(ctx, d, ch)
	}
	if ch.Firehose {
		if !e.filter(item, ch.FilterInclude, ch.FilterExclude) {
			return domain.StatusFiltered, "content filter"
		}
		if e.optedOut(ctx, item.AuthorHash) {
			return domain.StatusFiltered, "author opted out"
		}
	}

	stored := item.Clone()
	stored.ChannelId = ch.Id
	stored.Origin = false
	stored.Route = appendHop(item.Route, d.Sender)

	var parent *domain.Item
	if !item.IsTopLevel() {
		p, err := e.readParent(ch, item)
		if errors.Is(err, domain.ErrNotFound) {
			e.fetchParent(ch, d)
			return domain.StatusParentMissing, item.ThrParent
		}
		if err != nil {
			return domain.StatusError, err.Error()
		}
		if p.Deleted {
			return domain.StatusNotFound, "parent deleted"
		}
		parent = p
		stored.ParentMid = p.ParentMid
	}

	moderated, ok := e.allowed(ch, d, stored)
	if !ok {
		return domain.StatusPermissionDenied, ""
	}

	// fetched content came from its origin, not through a relay
	if parent != nil && !d.Request && !e.ownsThread(ch, parent) {
		expected := parent.LastHop()
		if expected == "" {
			return domain.StatusRouteMismatch, "parent provenance unknown"
		}
		if expected != stored.LastHop() {
			return domain.StatusRouteMismatch, fmt.Sprintf("expected hop %s", expected)
		}
	}

	stored.Moderated = moderated
	stored.Changed = e.clock.Now()
	inserted, err := e.db.InsertItem(stored)
	if err != nil {
		return domain.StatusError, err.Error()
	}
	if inserted {
		if e.hooks.ItemStored != nil {
			e.hooks.ItemStored(ctx, stored, false)
		}
		if moderated {
			return domain.StatusModerated, ""
		}
		e.relay(ch, stored, parent, d.Sender)
		return domain.StatusPosted, ""
	}

	existing, err := e.db.ReadItem(ch.Id, stored.Mid)
	if err != nil {
		return domain.StatusError, err.Error()
	}
	if existing.Deleted {
		return domain.StatusUpdateIgnored, "item deleted"
	}
	if existing.AuthorHash != stored.AuthorHash {
		return domain.StatusPermissionDenied, "author changed"
	}
	updated, err := e.db.UpdateItemIfNewer(stored)
	if err != nil {
		return domain.StatusError, err.Error()
	}
	if !updated {
		return domain.StatusUpdateIgnored, ""
	}
	if e.hooks.ItemStored != nil {
		e.hooks.ItemStored(ctx, stored, true)
	}
	if !stored.Moderated {
		e.relay(ch, stored, parent, d.Sender)
	}
	return domain.StatusUpdated, ""
}

// Approve releases a held item. Comments on threads the channel owns are then relayed.
func (e *Engine) Approve(ctx context.Context, ch *domain.Channel, mid string) error {
	item, err := e.db.ReadItem(ch.Id, mid)
	if err != nil {
		return err
	}
	if item.Deleted {
		return fmt.Errorf("%w: %s is deleted", domain.ErrNotFound, mid)
	}
	if !item.Moderated {
		return nil
	}
	if err := e.db.SetItemModerated(ch.Id, mid, false); err != nil {
		return err
	}
	item.Moderated = false

	var parent *domain.Item
	if !item.IsTopLevel() {
		if parent, err = e.db.ReadItem(ch.Id, item.ParentMid); err != nil {
			return err
		}
	}
	if e.hooks.ItemStored != nil {
		e.hooks.ItemStored(ctx, item, false)
	}
	e.relay(ch, item, parent, item.LastHop())
	e.log.Info().Str("channel", ch.Address).Str("mid", mid).Msg("Delivery: held item approved")
	return nil
}

// senderMayDeliver accepts the owner or author, and a thread owner relaying a comment.
func (e *Engine) senderMayDeliver(ch *domain.Channel, d Delivery) bool {
	item := d.Item
	if d.Sender == "" {
		return false
	}
	if d.Sender == item.OwnerHash || d.Sender == item.AuthorHash {
		return true
	}
	if !d.Relay {
		return false
	}
	mid := item.ThrParent
	if item.IsTopLevel() || item.Deleted {
		existing, err := e.db.ReadItem(ch.Id, item.Mid)
		if err != nil {
			return false
		}
		mid = existing.ParentMid
	}
	parent, err := e.db.ReadItem(ch.Id, mid)
	if err != nil {
		return false
	}
	return parent.OwnerHash == d.Sender
}

func (e *Engine) readParent(ch *domain.Channel, item *domain.Item) (*domain.Item, error) {
	p, err := e.db.ReadItem(ch.Id, item.ThrParent)
	if errors.Is(err, domain.ErrNotFound) && item.ParentMid != item.ThrParent {
		return e.db.ReadItem(ch.Id, item.ParentMid)
	}
	return p, err
}

// allowed checks capabilities against the author. It returns whether the item
// must be held for moderation.
func (e *Engine) allowed(ch *domain.Channel, d Delivery, item *domain.Item) (bool, bool) {
	if item.IsTopLevel() {
		if d.Request {
			return false, true
		}
		if e.perms.Allowed(ch, item.AuthorHash, domain.CapSendStream) {
			return false, true
		}
		// shared into the stream by a group or announcer the channel follows
		if item.OwnerHash != item.AuthorHash && e.perms.Allowed(ch, item.OwnerHash, domain.CapSendStream) {
			return false, true
		}
		if ch.AcceptMentions && e.mentions(ch, item) {
			return false, true
		}
		if ch.Firehose && item.IsPublic() {
			return false, true
		}
		return false, false
	}
	if e.perms.Allowed(ch, item.AuthorHash, domain.CapPostComments) {
		return false, true
	}
	if ch.AcceptMentions && e.mentions(ch, item) {
		return false, true
	}
	if ch.Moderated {
		return true, true
	}
	return false, false
}

// ownsThread reports whether ch is the authoritative copy of the thread parent belongs to.
func (e *Engine) ownsThread(ch *domain.Channel, parent *domain.Item) bool {
	return parent.Origin || parent.OwnerHash == ch.Hash
}

func (e *Engine) optedOut(ctx context.Context, authorHash string) bool {
	v, ok, err := e.cache.Get(ctx, ScopeAuthor+":"+authorHash, KeyNoFirehose)
	if err != nil {
		e.log.Warn().Err(err).Str("author", authorHash).Msg("Delivery: failed to read opt-out")
		return false
	}
	return ok && v != "" && v != "0"
}

// SetFirehoseOptOut records whether an author's content may be redistributed by the firehose.
func (e *Engine) SetFirehoseOptOut(ctx context.Context, authorHash string, optOut bool) error {
	if !optOut {
		return e.cache.Delete(ctx, ScopeAuthor+":"+authorHash, KeyNoFirehose)
	}
	return e.cache.Set(ctx, ScopeAuthor+":"+authorHash, KeyNoFirehose, "1")
}

func (e *Engine) deleteFor(ctx context.Context, d Delivery, ch *domain.Channel) (domain.ReportStatus, string) {
	item := d.Item
	existing, err := e.db.ReadItem(ch.Id, item.Mid)
	if errors.Is(err, domain.ErrNotFound) {
		return domain.StatusNotFound, ""
	}
	if err != nil {
		return domain.StatusError, err.Error()
	}
	if item.AuthorHash != existing.AuthorHash && item.AuthorHash != existing.OwnerHash && d.Sender != existing.OwnerHash {
		return domain.StatusPermissionDenied, "not the author"
	}
	changed, err := e.db.MarkItemDeleted(ch.Id, item.Mid, e.clock.Now())
	if err != nil {
		return domain.StatusError, err.Error()
	}
	if !changed {
		return domain.StatusDeleted, "already deleted"
	}
	if e.hooks.ItemDeleted != nil {
		e.hooks.ItemDeleted(ctx, ch.Id, item.Mid)
	}

	if existing.IsTopLevel() {
		if existing.Origin || existing.OwnerHash == ch.Hash {
			e.relay(ch, existing, nil, d.Sender)
		}
	} else if parent, err := e.db.ReadItem(ch.Id, existing.ParentMid); err == nil && e.ownsThread(ch, parent) {
		e.relay(ch, existing, parent, d.Sender)
	}
	return domain.StatusDeleted, ""
}

// relay schedules redistribution to the channel's subscribers when this hub owns the thread.
func (e *Engine) relay(ch *domain.Channel, item, parent *domain.Item, sender string) {
	if e.queue == nil {
		return
	}
	if parent == nil {
		if item.OwnerHash != ch.Hash {
			return
		}
	} else if !e.ownsThread(ch, parent) {
		return
	}
	payload := NotifierPayload{ChannelId: ch.Id, Mid: item.Mid, Exclude: []string{sender, item.AuthorHash}, Limit: e.maxRelay}
	if _, err := e.queue.Enqueue(domain.CmdNotifier, payload, queue.PriorityNormal); err != nil {
		e.log.Error().Err(err).Str("mid", item.Mid).Msg("Delivery: failed to enqueue relay")
	}
}

func (e *Engine) fetchParent(ch *domain.Channel, d Delivery) {
	if e.queue == nil || d.Depth >= e.maxFetchDepth {
		return
	}
	payload := FetchParentPayload{
		ChannelId: ch.Id,
		ParentMid: d.Item.ThrParent,
		ChildMid:  d.Item.Mid,
		Sender:    d.Sender,
		Depth:     d.Depth + 1,
	}
	if _, err := e.queue.Enqueue(domain.CmdFetchParent, payload, queue.PriorityNormal); err != nil {
		e.log.Error().Err(err).Str("mid", payload.ParentMid).Msg("Delivery: failed to enqueue parent fetch")
	}
}

func appendHop(route []string, hop string) []string {
	r := append([]string(nil), route...)
	if hop != "" && (len(r) == 0 || r[len(r)-1] != hop) {
		r = append(r, hop)
	}
	return r
}

// Expire purges tombstones older than grace and reports older than reportTTL.
func (e *Engine) Expire(grace, reportTTL time.Duration) (int64, int64, error) {
	now := e.clock.Now()
	items, err := e.db.PurgeDeletedItems(now.Add(-grace))
	if err != nil {
		return 0, 0, err
	}
	reports, err := e.db.PurgeReports(now.Add(-reportTTL))
	return items, reports, err
}
