package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/deemkeen/fedhub/activitypub"
	"github.com/deemkeen/fedhub/domain"
	"github.com/deemkeen/fedhub/kv"
)

// Link relations advertised in webfinger answers.
const (
	RelZot6     = "http://purl.org/zot/protocol/6.0"
	RelSelf     = "self"
	probeKey    = "probe"
	photoKey    = "photo"
	probeScheme = "https"
)

// ProbeResult is what the alternate protocol probe found, cached per actor.
type ProbeResult struct {
	Protocols    []string  `json:"protocols"`
	DiscoveryURL string    `json:"discovery_url,omitempty"`
	CheckedAt    time.Time `json:"checked_at"`
}

type jrd struct {
	Subject string `json:"subject"`
	Links   []struct {
		Rel  string `json:"rel"`
		Type string `json:"type"`
		Href string `json:"href"`
	} `json:"links"`
}

// HandleProbe runs the gprobe command: it looks the actor's address up via
// webfinger to learn whether the same identity also speaks the zot protocol.
func (d *Directory) HandleProbe(ctx context.Context, job *domain.Job) error {
	var p ProbePayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("bad probe payload: %w", err)
	}
	actor, err := d.db.ReadActor(p.Hash)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			return nil
		}
		return err
	}
	user, host, ok := strings.Cut(strings.TrimPrefix(p.Address, "@"), "@")
	if !ok || user == "" || host == "" {
		return nil
	}
	scheme := probeScheme
	if u, err := url.Parse(actor.URL); err == nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	wf := fmt.Sprintf("%s://%s/.well-known/webfinger?resource=%s", scheme, host, url.QueryEscape("acct:"+user+"@"+host))

	result := ProbeResult{Protocols: actor.Protocols, CheckedAt: d.clock.Now()}
	res, err := d.fetcher.FetchSigned(ctx, wf, nil)
	if err != nil {
		var se *activitypub.StatusError
		if errors.As(err, &se) && se.Gone() {
			return kv.SetJSON(ctx, d.cache, p.Hash, probeKey, result)
		}
		return err
	}
	var answer jrd
	if err := json.Unmarshal(res.Body, &answer); err != nil {
		return kv.SetJSON(ctx, d.cache, p.Hash, probeKey, result)
	}
	for _, link := range answer.Links {
		if link.Rel == RelZot6 && link.Href != "" {
			result.DiscoveryURL = link.Href
			if !slices.Contains(result.Protocols, domain.NetworkZot) {
				result.Protocols = append(slices.Clone(result.Protocols), domain.NetworkZot)
			}
		}
	}
	if !slices.Equal(result.Protocols, actor.Protocols) {
		if err := d.db.UpdateActorColumns(p.Hash, map[string]any{"protocols": result.Protocols}); err != nil {
			return err
		}
		d.log.Info().Str("actor", actor.URL).Strs("protocols", result.Protocols).Msg("Directory: probe found another protocol")
	}
	return kv.SetJSON(ctx, d.cache, p.Hash, probeKey, result)
}

// ProbeResultFor returns the cached probe outcome of an actor.
func (d *Directory) ProbeResultFor(ctx context.Context, hash string) (*ProbeResult, bool, error) {
	var r ProbeResult
	ok, err := kv.GetJSON(ctx, d.cache, hash, probeKey, &r)
	if err != nil || !ok {
		return nil, ok, err
	}
	return &r, true, nil
}

// HandlePhoto runs the xchan_photo command. Image storage is not ours; the
// command checks the image is reachable and records its media type.
func (d *Directory) HandlePhoto(ctx context.Context, job *domain.Job) error {
	var p PhotoPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("bad photo payload: %w", err)
	}
	last, _, err := d.cache.Get(ctx, p.Hash, photoKey)
	if err != nil {
		return err
	}
	if last == p.URL {
		return nil
	}
	res, err := d.fetcher.FetchSigned(ctx, p.URL, nil)
	if err != nil {
		var se *activitypub.StatusError
		if errors.As(err, &se) && se.Gone() {
			d.log.Debug().Str("photo", p.URL).Msg("Directory: photo gone")
			return nil
		}
		return err
	}
	mime := res.Header.Get("Content-Type")
	if i := strings.IndexByte(mime, ';'); i > 0 {
		mime = strings.TrimSpace(mime[:i])
	}
	if !strings.HasPrefix(mime, "image/") {
		d.log.Debug().Str("photo", p.URL).Str("type", mime).Msg("Directory: photo is not an image")
		return nil
	}
	if err := d.db.UpdateActorPhoto(p.Hash, p.URL, mime); err != nil {
		return err
	}
	return d.cache.Set(ctx, p.Hash, photoKey, p.URL)
}

// HandleRefresh runs the refresh command.
func (d *Directory) HandleRefresh(ctx context.Context, job *domain.Job) error {
	var p RefreshPayload
	if err := json.Unmarshal(job.Payload, &p); err != nil {
		return fmt.Errorf("bad refresh payload: %w", err)
	}
	var ch *domain.Channel
	if p.ChannelId != 0 {
		c, err := d.db.ReadChannelById(p.ChannelId)
		if err != nil {
			return err
		}
		ch = c
	}
	_, err := d.Refresh(ctx, p.Ref, ch)
	if errors.Is(err, domain.ErrSignature) || errors.Is(err, domain.ErrInvalidDocument) {
		// retrying will not make a bad signature good
		d.log.Warn().Err(err).Str("ref", p.Ref).Msg("Directory: refresh rejected")
		return nil
	}
	return err
}
