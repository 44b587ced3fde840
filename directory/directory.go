// Package directory resolves, verifies and caches remote identities and their
// hub locations. Nothing is written before the record it came from verified.
package directory

import (
	"context"
	"encoding/json"
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
	"github.com/rs/zerolog"
)

// Enqueuer schedules background work. *queue.Queue implements it.
type Enqueuer interface {
	Enqueue(command string, payload any, priority int) (bool, error)
}

type Options struct {
	BaseURL       string
	Fetcher       *activitypub.Fetcher
	Signer        *activitypub.Signer // site key for fetches made on nobody's behalf
	Queue         Enqueuer
	Cache         kv.Cache
	Publisher     Publisher
	DirectoryNode bool
	StaleAfter    time.Duration
	Clock         util.Clock
}

// Directory is the actor cache. It implements activitypub.IdentityResolver and
// activitypub.KeyResolver.
type Directory struct {
	db            *db.DB
	baseURL       string
	fetcher       *activitypub.Fetcher
	signer        *activitypub.Signer
	queue         Enqueuer
	cache         kv.Cache
	publisher     Publisher
	directoryNode bool
	staleAfter    time.Duration
	clock         util.Clock
	log           zerolog.Logger
}

func New(database *db.DB, opts Options) *Directory {
	if opts.StaleAfter <= 0 {
		opts.StaleAfter = domain.ActorStaleAfter
	}
	if opts.Clock == nil {
		opts.Clock = util.RealClock{}
	}
	if opts.Fetcher == nil {
		opts.Fetcher = activitypub.NewFetcher(0)
	}
	if opts.Cache == nil {
		opts.Cache = kv.NewSQL(database)
	}
	return &Directory{
		db:            database,
		baseURL:       strings.TrimRight(opts.BaseURL, "/"),
		fetcher:       opts.Fetcher,
		signer:        opts.Signer,
		queue:         opts.Queue,
		cache:         opts.Cache,
		publisher:     opts.Publisher,
		directoryNode: opts.DirectoryNode,
		staleAfter:    opts.StaleAfter,
		clock:         opts.Clock,
		log:           util.ComponentLogger("directory"),
	}
}

func (d *Directory) stale(a *domain.Actor) bool {
	return d.clock.Now().Sub(a.UpdatedAt) > d.staleAfter
}

// isLocal reports URLs served by this hub.
func (d *Directory) isLocal(u string) bool {
	return d.baseURL != "" && (u == d.baseURL || strings.HasPrefix(u, d.baseURL+"/"))
}

// Probe and photo jobs carry these payloads.
type ProbePayload struct {
	Hash    string `json:"hash"`
	Address string `json:"address"`
}

type PhotoPayload struct {
	Hash string `json:"hash"`
	URL  string `json:"url"`
}

// Store upserts the actor a document describes. A cached record younger than the
// staleness window is returned untouched unless force is set.
func (d *Directory) Store(ctx context.Context, doc *activitypub.ActorDocument, force bool) (*domain.Actor, error) {
	if doc == nil || doc.Inbox == "" {
		return nil, fmt.Errorf("%w: actor without inbox", domain.ErrInvalidDocument)
	}
	if d.isLocal(doc.ID) || d.isLocal(doc.Inbox) || d.isLocal(doc.SharedInbox) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSelfReference, doc.ID)
	}

	candidate := doc.ToActor()
	now := d.clock.Now()
	candidate.UpdatedAt = now

	existing, err := d.db.ReadActor(candidate.Hash)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		existing = nil
	case err != nil:
		return nil, err
	}

	if existing != nil && !force && !d.stale(existing) {
		metrics.ActorCache.WithLabelValues("fresh").Inc()
		return existing, nil
	}

	imp := db.ActorImport{
		Hash: candidate.Hash,
		At:   now,
		Hublocs: []domain.HubLocation{{
			Hash:      candidate.Hash,
			Guid:      candidate.Guid,
			URL:       siteOf(doc.ID),
			Address:   candidate.Address,
			Callback:  candidate.Inbox,
			IdURL:     doc.ID,
			Primary:   true,
			UpdatedAt: now,
		}},
	}
	if existing == nil {
		imp.Insert = candidate
	} else {
		imp.Columns = actorDiff(existing, candidate)
		imp.Columns["updated_at"] = now
	}
	if err := d.db.ApplyActorImport(imp); err != nil {
		return nil, fmt.Errorf("failed to store actor %s: %w", doc.ID, err)
	}
	if existing == nil {
		d.log.Info().Str("actor", doc.ID).Str("hash", candidate.Hash).Msg("Directory: new actor")
	} else if len(imp.Columns) > 1 {
		d.log.Debug().Str("actor", doc.ID).Int("columns", len(imp.Columns)-1).Msg("Directory: actor changed")
	}

	if existing == nil && candidate.Address != "" {
		d.enqueue(domain.CmdGProbe, ProbePayload{Hash: candidate.Hash, Address: candidate.Address})
	}
	if candidate.Photo != "" && (existing == nil || existing.Photo != candidate.Photo) {
		d.enqueue(domain.CmdPhoto, PhotoPayload{Hash: candidate.Hash, URL: candidate.Photo})
	}
	return candidate, nil
}

func (d *Directory) enqueue(command string, payload any) {
	if d.queue == nil {
		return
	}
	if _, err := d.queue.Enqueue(command, payload, queue.PriorityLow); err != nil {
		d.log.Warn().Err(err).Str("command", command).Msg("Directory: failed to queue background job")
	}
}

// actorDiff returns the updatable columns whose values differ.
func actorDiff(old, next *domain.Actor) map[string]any {
	diff := map[string]any{}
	set := func(col string, changed bool, v any) {
		if changed {
			diff[col] = v
		}
	}
	set("guid_sig", next.GuidSig != "" && old.GuidSig != next.GuidSig, next.GuidSig)
	set("address", old.Address != next.Address, next.Address)
	set("name", old.Name != next.Name, next.Name)
	set("url", old.URL != next.URL, next.URL)
	set("inbox", old.Inbox != next.Inbox, next.Inbox)
	set("ed_keys", !slices.Equal(old.EdKeys, next.EdKeys), next.EdKeys)
	set("protocols", !slices.Equal(old.Protocols, next.Protocols), next.Protocols)
	set("photo", old.Photo != next.Photo, next.Photo)
	set("photo_mime", old.PhotoMime != next.PhotoMime, next.PhotoMime)
	set("network", old.Network != next.Network, next.Network)
	set("deleted", old.Deleted != next.Deleted, next.Deleted)
	return diff
}

func siteOf(u string) string {
	if i := strings.Index(u, "://"); i > 0 {
		if j := strings.IndexByte(u[i+3:], '/'); j >= 0 {
			return u[:i+3+j]
		}
	}
	return u
}

// FetchActor dereferences an actor URL (or a key id) and parses the document.
func (d *Directory) FetchActor(ctx context.Context, ref string) (*activitypub.ActorDocument, error) {
	u := activitypub.KeyIdActor(ref)
	res, err := d.fetcher.FetchSigned(ctx, u, d.signer)
	if err != nil {
		return nil, err
	}
	var m map[string]any
	if err := json.Unmarshal(res.Body, &m); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", domain.ErrInvalidDocument, u, err)
	}
	doc, err := activitypub.ParseActorDocument(m)
	if err != nil {
		return nil, err
	}
	if doc.ID != u {
		return nil, fmt.Errorf("%w: fetched %s but document claims %s", domain.ErrInvalidDocument, u, doc.ID)
	}
	return doc, nil
}

// LookupActor returns the cached actor for url, fetching it when unknown or stale.
// A stale record is still returned when the refetch fails.
func (d *Directory) LookupActor(ctx context.Context, url string) (*domain.Actor, error) {
	url = activitypub.KeyIdActor(url)
	cached, err := d.db.ReadActorByURL(url)
	switch {
	case err == nil && cached.Deleted:
		return nil, fmt.Errorf("%s: %w", url, domain.ErrNotFound)
	case err == nil && !d.stale(cached):
		metrics.ActorCache.WithLabelValues("hit").Inc()
		return cached, nil
	case err != nil && !errors.Is(err, domain.ErrNotFound):
		return nil, err
	}
	if d.isLocal(url) {
		return nil, fmt.Errorf("%w: %s", domain.ErrSelfReference, url)
	}

	metrics.ActorCache.WithLabelValues("miss").Inc()
	doc, err := d.FetchActor(ctx, url)
	if err == nil {
		var actor *domain.Actor
		if actor, err = d.Store(ctx, doc, cached != nil); err == nil {
			return actor, nil
		}
	}
	if cached != nil {
		d.log.Warn().Err(err).Str("actor", url).Msg("Directory: refetch failed, using stale record")
		return cached, nil
	}
	return nil, err
}

// ResolveKeys returns the keys of the actor owning ref, which may be a key id.
func (d *Directory) ResolveKeys(ctx context.Context, ref string) (*activitypub.ActorKeys, error) {
	actor, err := d.LookupActor(ctx, ref)
	if err != nil {
		return nil, err
	}
	return &activitypub.ActorKeys{Owner: actor.URL, PublicKeyPem: actor.PublicKey, Multikeys: actor.EdKeys}, nil
}

// KeyLookup adapts the directory for HTTP signature verification.
func (d *Directory) KeyLookup(ctx context.Context) activitypub.KeyLookup {
	return func(keyId string) (string, error) {
		keys, err := d.ResolveKeys(ctx, keyId)
		if err != nil {
			return "", err
		}
		return keys.PublicKeyPem, nil
	}
}

// MarkDeleted handles the actor-delete signal: the actor and all of its locations are tombstoned.
func (d *Directory) MarkDeleted(ctx context.Context, actorURL string) error {
	actor, err := d.db.ReadActorByURL(activitypub.KeyIdActor(actorURL))
	if err != nil {
		return err
	}
	d.log.Info().Str("actor", actor.URL).Msg("Directory: actor deleted")
	return d.db.MarkActorDeleted(actor.Hash, d.clock.Now())
}
