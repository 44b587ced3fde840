package delivery

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"slices"
	"time"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/queue"
	"github.com/deemkeen/fedhub/util"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const (
	DefaultGrace     = 7 * 24 * time.Hour
	DefaultReportTTL = 30 * 24 * time.Hour
	DefaultDeadAfter = 30 * 24 * time.Hour
)

// NotifierPayload asks for an item to be redistributed to a channel's subscribers.
type NotifierPayload struct {
	ChannelId int64    `json:"channel_id"`
	Mid       string   `json:"mid"`
	Exclude   []string `json:"exclude,omitempty"`
	Limit     int      `json:"limit,omitempty"`
}

// DeliverPayload is one signed POST of a serialized activity.
type DeliverPayload struct {
	ChannelId int64           `json:"channel_id"`
	Inbox     string          `json:"inbox"`
	Mid       string          `json:"mid"`
	Activity  json.RawMessage `json:"activity"`
}

// FetchParentPayload asks for a missing thread parent and, once stored, the
// child that was waiting for it.
type FetchParentPayload struct {
	ChannelId int64  `json:"channel_id"`
	ParentMid string `json:"parent_mid"`
	ChildMid  string `json:"child_mid,omitempty"`
	Sender    string `json:"sender,omitempty"`
	Depth     int    `json:"depth"`
}

type ExpirePayload struct{}

type CommandOptions struct {
	BaseURL    string
	Translator *activitypub.Translator
	Verifier   *activitypub.Verifier
	Fetcher    *activitypub.Fetcher
	Outbox     *activitypub.Outbox
	Queue      Enqueuer
	Grace      time.Duration
	ReportTTL  time.Duration
	DeadAfter  time.Duration
	Clock      util.Clock
}

// Commands are the queue handlers for outbound and maintenance work.
type Commands struct {
	engine     *Engine
	db         *db.DB
	baseURL    string
	translator *activitypub.Translator
	verifier   *activitypub.Verifier
	fetcher    *activitypub.Fetcher
	outbox     *activitypub.Outbox
	queue      Enqueuer
	grace      time.Duration
	reportTTL  time.Duration
	deadAfter  time.Duration
	clock      util.Clock
	log        zerolog.Logger
}

func NewCommands(engine *Engine, opts CommandOptions) *Commands {
	if opts.Fetcher == nil {
		opts.Fetcher = activitypub.NewFetcher(0)
	}
	if opts.Outbox == nil {
		opts.Outbox = activitypub.NewOutbox(opts.Fetcher)
	}
	if opts.Queue == nil {
		opts.Queue = engine.queue
	}
	if opts.Grace <= 0 {
		opts.Grace = DefaultGrace
	}
	if opts.ReportTTL <= 0 {
		opts.ReportTTL = DefaultReportTTL
	}
	if opts.DeadAfter <= 0 {
		opts.DeadAfter = DefaultDeadAfter
	}
	if opts.Clock == nil {
		opts.Clock = engine.clock
	}
	if opts.BaseURL == "" {
		opts.BaseURL = engine.baseURL
	}
	return &Commands{
		engine:     engine,
		db:         engine.db,
		baseURL:    opts.BaseURL,
		translator: opts.Translator,
		verifier:   opts.Verifier,
		fetcher:    opts.Fetcher,
		outbox:     opts.Outbox,
		queue:      opts.Queue,
		grace:      opts.Grace,
		reportTTL:  opts.ReportTTL,
		deadAfter:  opts.DeadAfter,
		clock:      opts.Clock,
		log:        util.ComponentLogger("commands"),
	}
}

// Register wires every delivery command into the runner.
func (c *Commands) Register(r *queue.Runner) {
	r.Register(domain.CmdNotifier, queue.HandlerFunc(c.HandleNotifier))
	r.Register(domain.CmdDeliver, queue.HandlerFunc(c.HandleDeliver))
	r.Register(domain.CmdFetchParent, queue.HandlerFunc(c.HandleFetchParent))
	r.Register(domain.CmdExpire, queue.HandlerFunc(c.HandleExpire))
}

func decodePayload(job *domain.Job, v any) error {
	if err := json.Unmarshal(job.Payload, v); err != nil {
		return fmt.Errorf("bad %s payload: %w", job.Command, err)
	}
	return nil
}

// HandleNotifier fans an item out to the inboxes of the channel's subscribers,
// one deliver job per distinct inbox.
func (c *Commands) HandleNotifier(ctx context.Context, job *domain.Job) error {
	var p NotifierPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	ch, err := c.db.ReadChannelById(p.ChannelId)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	item, err := c.db.ReadItem(ch.Id, p.Mid)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	activity, err := c.translator.EncodeJSON(item)
	if err != nil {
		return err
	}
	conns, err := c.db.ReadConnectionsByChannel(ch.Id)
	if err != nil {
		return err
	}

	limit := p.Limit
	if limit <= 0 {
		limit = c.engine.maxRelay
	}
	seen := map[string]bool{}
	for _, conn := range conns {
		if conn.Pending || conn.Blocked || slices.Contains(p.Exclude, conn.Hash) {
			continue
		}
		actor, err := c.db.ReadActor(conn.Hash)
		if err != nil || actor.Deleted || actor.Inbox == "" || seen[actor.Inbox] {
			continue
		}
		if len(seen) >= limit {
			c.log.Warn().Str("mid", item.Mid).Int("limit", limit).Msg("Commands: relay fan-out truncated")
			break
		}
		seen[actor.Inbox] = true
		payload := DeliverPayload{ChannelId: ch.Id, Inbox: actor.Inbox, Mid: item.Mid, Activity: activity}
		if _, err := c.queue.Enqueue(domain.CmdDeliver, payload, queue.PriorityNormal); err != nil {
			return err
		}
	}
	c.log.Debug().Str("mid", item.Mid).Int("inboxes", len(seen)).Msg("Commands: relay scheduled")
	return nil
}

// HandleDeliver posts one activity. Transport failures are retried through lease
// expiry until the site has been silent for longer than the dead threshold.
func (c *Commands) HandleDeliver(ctx context.Context, job *domain.Job) error {
	var p DeliverPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	ch, err := c.db.ReadChannelById(p.ChannelId)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	site := siteOf(p.Inbox)
	if s, err := c.db.ReadSite(site); err == nil && s.Dead {
		c.report(ch, p, domain.StatusNotFound, "site marked dead")
		return nil
	}

	signer, err := activitypub.ChannelSigner(ch, c.baseURL)
	if err != nil {
		return err
	}
	_, err = c.outbox.Send(ctx, p.Inbox, p.Activity, signer)
	var se *activitypub.StatusError
	switch {
	case err == nil:
		c.report(ch, p, domain.StatusDelivered, "")
		return c.db.TouchSite(site, c.clock.Now())
	case errors.As(err, &se) && se.Gone():
		c.report(ch, p, domain.StatusNotFound, err.Error())
		return nil
	case errors.As(err, &se) && (se.Status == http.StatusUnauthorized || se.Status == http.StatusForbidden):
		c.report(ch, p, domain.StatusPermissionDenied, err.Error())
		return nil
	case errors.As(err, &se) && se.Status < 500 && se.Status != http.StatusTooManyRequests:
		c.report(ch, p, domain.StatusFiltered, err.Error())
		return nil
	}

	s, serr := c.db.ReadSite(site)
	if serr == nil && !s.LastContact.IsZero() && c.clock.Now().Sub(s.LastContact) > c.deadAfter {
		c.log.Warn().Str("site", site).Time("last_contact", s.LastContact).Msg("Commands: marking site dead")
		c.report(ch, p, domain.StatusNotFound, "site marked dead")
		return c.db.MarkSiteDead(site, c.clock.Now())
	}
	return err
}

func (c *Commands) report(ch *domain.Channel, p DeliverPayload, status domain.ReportStatus, detail string) {
	r := domain.DeliveryReport{
		Id:        uuid.NewString(),
		Mid:       p.Mid,
		Recipient: p.Inbox,
		ChannelId: ch.Id,
		Sender:    ch.Hash,
		Status:    status,
		Detail:    detail,
		CreatedAt: c.clock.Now(),
	}
	if err := c.db.InsertReport(&r); err != nil {
		c.log.Error().Err(err).Str("mid", p.Mid).Msg("Commands: failed to record report")
	}
}

func siteOf(u string) string {
	parsed, err := url.Parse(u)
	if err != nil || parsed.Host == "" {
		return u
	}
	return parsed.Scheme + "://" + parsed.Host
}

// HandleFetchParent retrieves a missing parent on behalf of the channel, then
// retries the child that could not be stored without it.
func (c *Commands) HandleFetchParent(ctx context.Context, job *domain.Job) error {
	var p FetchParentPayload
	if err := decodePayload(job, &p); err != nil {
		return err
	}
	ch, err := c.db.ReadChannelById(p.ChannelId)
	if errors.Is(err, domain.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	signer, err := activitypub.ChannelSigner(ch, c.baseURL)
	if err != nil {
		return err
	}
	resolver := &activitypub.JSONResolver{Fetcher: c.fetcher, Signer: &signer}
	parser := activitypub.NewParser(resolver, c.verifier, 0)

	if _, err := c.db.ReadItem(ch.Id, p.ParentMid); errors.Is(err, domain.ErrNotFound) {
		status, err := c.fetchInto(ctx, ch, resolver, parser, p.ParentMid, p.Depth)
		if err != nil {
			return err
		}
		switch status {
		case domain.StatusPosted, domain.StatusUpdated, domain.StatusUpdateIgnored, domain.StatusModerated:
		default:
			c.log.Info().Str("mid", p.ParentMid).Str("status", string(status)).Msg("Commands: parent not stored")
			return nil
		}
	} else if err != nil {
		return err
	}

	if p.ChildMid == "" {
		return nil
	}
	_, err = c.fetchInto(ctx, ch, resolver, parser, p.ChildMid, p.Depth)
	return err
}

// fetchInto fetches id and delivers it to ch. Only transport failures are
// returned as errors; anything wrong with the content is terminal.
func (c *Commands) fetchInto(ctx context.Context, ch *domain.Channel, resolver activitypub.Resolver, parser *activitypub.Parser, id string, depth int) (domain.ReportStatus, error) {
	m, err := resolver.Resolve(ctx, id)
	if err != nil {
		var se *activitypub.StatusError
		if errors.As(err, &se) && se.Status < 500 {
			c.log.Info().Err(err).Str("mid", id).Msg("Commands: fetch refused")
			return domain.StatusNotFound, nil
		}
		return domain.StatusError, err
	}
	doc, err := parser.ParseValue(ctx, m)
	if err != nil || (doc.ID != id && doc.ObjectID() != id) {
		c.log.Warn().Err(err).Str("mid", id).Msg("Commands: fetched document rejected")
		return domain.StatusNotFound, nil
	}
	item, err := c.translator.Decode(ctx, doc)
	if err != nil {
		c.log.Warn().Err(err).Str("mid", id).Msg("Commands: fetched document not decodable")
		return domain.StatusNotFound, nil
	}
	d := Delivery{Sender: item.OwnerHash, Item: item, Request: true, Depth: depth}
	reports := c.engine.ProcessDelivery(ctx, d, []*domain.Channel{ch})
	return reports[0].Status, nil
}

// HandleExpire purges expired tombstones and old delivery reports.
func (c *Commands) HandleExpire(ctx context.Context, job *domain.Job) error {
	items, reports, err := c.engine.Expire(c.grace, c.reportTTL)
	if err != nil {
		return err
	}
	c.log.Info().Int64("items", items).Int64("reports", reports).Msg("Commands: expired")
	return nil
}

// ScheduleExpire enqueues the expire command every interval until ctx is done.
func ScheduleExpire(ctx context.Context, q Enqueuer, interval time.Duration) {
	log := util.ComponentLogger("commands")
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		if _, err := q.Enqueue(domain.CmdExpire, ExpirePayload{}, queue.PriorityLow); err != nil {
			log.Error().Err(err).Msg("Commands: failed to schedule expire")
		}
		select {
		case <-ctx.Done():
			return
		case <-t.C:
		}
	}
}
