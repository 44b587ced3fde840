package directory

import (
	"context"
	"errors"
	"fmt"

	"github.com/deemkeen/fedhub/db"
	"github.com/deemkeen/fedhub/domain"
)

// Import verifies a discovery record and applies only the fields that changed.
// It reports whether anything was written.
func (d *Directory) Import(ctx context.Context, rec *DiscoveryRecord) (*domain.Actor, bool, error) {
	pub, hash, err := rec.verify()
	if err != nil {
		return nil, false, err
	}
	if rec.Hash != "" && rec.Hash != hash {
		d.log.Warn().Str("declared", rec.Hash).Str("computed", hash).Msg("Directory: ignoring declared identity hash")
	}

	locations, rejected := rec.verifiedLocations(pub)
	if rejected > 0 {
		d.log.Warn().Str("guid", rec.Guid).Int("rejected", rejected).Msg("Directory: dropped unsigned locations")
	}
	var primary *Location
	for i := range locations {
		if locations[i].Primary && !locations[i].Deleted {
			primary = &locations[i]
			break
		}
	}
	if primary == nil && len(locations) > 0 && !locations[0].Deleted {
		primary = &locations[0]
	}
	if primary == nil && !rec.Deleted {
		return nil, false, fmt.Errorf("%w: no verified location for %s", domain.ErrSignature, rec.Guid)
	}
	for _, loc := range locations {
		if d.isLocal(loc.URL) {
			return nil, false, fmt.Errorf("%w: %s", domain.ErrSelfReference, rec.Guid)
		}
	}

	now := d.clock.Now()
	candidate := &domain.Actor{
		Hash:      hash,
		Guid:      rec.Guid,
		GuidSig:   rec.GuidSig,
		Address:   rec.Address,
		Name:      rec.Name,
		URL:       rec.URL,
		PublicKey: rec.PublicKey,
		EdKeys:    rec.EdKeys,
		Protocols: rec.Protocols,
		Photo:     rec.Photo,
		PhotoMime: rec.PhotoMime,
		Network:   domain.NetworkZot,
		Deleted:   rec.Deleted,
		UpdatedAt: now,
	}
	if len(candidate.Protocols) == 0 {
		candidate.Protocols = []string{domain.NetworkZot}
	}
	if primary != nil {
		candidate.Inbox = primary.Callback
	}

	imp := db.ActorImport{Hash: hash, At: now}
	existing, err := d.db.ReadActor(hash)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		imp.Insert = candidate
		existing = nil
	case err != nil:
		return nil, false, err
	default:
		if diff := actorDiff(existing, candidate); len(diff) > 0 {
			diff["updated_at"] = now
			imp.Columns = diff
		}
	}

	if err := d.planLocations(&imp, rec.Guid, locations); err != nil {
		return nil, false, err
	}
	changed := imp.Insert != nil || len(imp.Columns) > 0 || len(imp.Hublocs) > 0 || len(imp.Tombstones) > 0
	if changed {
		if err := d.db.ApplyActorImport(imp); err != nil {
			return nil, false, err
		}
	}

	if existing == nil || existing.Photo != candidate.Photo {
		if candidate.Photo != "" {
			d.enqueue(domain.CmdPhoto, PhotoPayload{Hash: hash, URL: candidate.Photo})
		}
	}
	if changed {
		d.publish(ctx, candidate)
	}

	actor, err := d.db.ReadActor(hash)
	if err != nil {
		return nil, changed, err
	}
	return actor, changed, nil
}

// planLocations adds the location writes that bring the stored hublocs of
// imp.Hash in line with locations.
func (d *Directory) planLocations(imp *db.ActorImport, guid string, locations []Location) error {
	known, err := d.db.ReadHublocs(imp.Hash)
	if err != nil {
		return err
	}
	byURL := map[string]domain.HubLocation{}
	for _, h := range known {
		byURL[h.URL] = h
	}

	for _, loc := range locations {
		old, exists := byURL[loc.URL]
		if loc.Deleted {
			if exists && !old.Deleted {
				imp.Tombstones = append(imp.Tombstones, old.Id)
			}
			continue
		}
		h := domain.HubLocation{
			Hash:      imp.Hash,
			Guid:      guid,
			URL:       loc.URL,
			Address:   loc.Address,
			Callback:  loc.Callback,
			IdURL:     loc.IdURL,
			SiteID:    loc.SiteID,
			Sitekey:   loc.Sitekey,
			URLSig:    loc.URLSig,
			Primary:   loc.Primary,
			UpdatedAt: imp.At,
		}
		if exists && sameLocation(old, h) {
			continue
		}
		imp.Hublocs = append(imp.Hublocs, h)
	}
	return nil
}

func sameLocation(a, b domain.HubLocation) bool {
	return a.Address == b.Address && a.Callback == b.Callback && a.IdURL == b.IdURL && a.SiteID == b.SiteID &&
		a.Sitekey == b.Sitekey && a.URLSig == b.URLSig && a.Primary == b.Primary && !a.Deleted
}

func (d *Directory) publish(ctx context.Context, a *domain.Actor) {
	if !d.directoryNode || d.publisher == nil {
		return
	}
	update := DirectoryUpdate{Hash: a.Hash, Guid: a.Guid, Address: a.Address, URL: a.URL, Deleted: a.Deleted, UpdatedAt: a.UpdatedAt}
	if err := d.publisher.Publish(ctx, update); err != nil {
		d.log.Warn().Err(err).Str("hash", a.Hash).Msg("Directory: publication failed")
	}
}
