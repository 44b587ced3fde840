package db

import (
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/deemkeen/fedhub/domain"
)

// Actor queries
const (
	actorColumns         = `hash, guid, guid_sig, address, name, url, inbox, public_key, ed_keys, protocols, photo, photo_mime, network, deleted, updated_at`
	sqlSelectActorByHash = `SELECT ` + actorColumns + ` FROM actors WHERE hash = ?`
	sqlSelectActorByURL  = `SELECT ` + actorColumns + ` FROM actors WHERE url = ? ORDER BY updated_at DESC LIMIT 1`
	sqlSelectActorByAddr = `SELECT ` + actorColumns + ` FROM actors WHERE address = ? AND deleted = 0 ORDER BY updated_at DESC LIMIT 1`
	sqlUpsertActor       = `INSERT INTO actors(` + actorColumns + `) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash) DO UPDATE SET guid = excluded.guid, guid_sig = excluded.guid_sig, address = excluded.address,
		name = excluded.name, url = excluded.url, inbox = excluded.inbox, public_key = excluded.public_key,
		ed_keys = excluded.ed_keys, protocols = excluded.protocols, photo = excluded.photo, photo_mime = excluded.photo_mime,
		network = excluded.network, deleted = excluded.deleted, updated_at = excluded.updated_at`
	sqlMarkActorDeleted = `UPDATE actors SET deleted = 1, updated_at = ? WHERE hash = ?`
	sqlUpdateActorPhoto = `UPDATE actors SET photo = ?, photo_mime = ? WHERE hash = ?`
	sqlCountActors      = `SELECT COUNT(*) FROM actors WHERE deleted = 0`
)

// Columns an import may update individually.
var actorUpdatable = map[string]bool{
	"guid_sig": true, "address": true, "name": true, "url": true, "inbox": true,
	"ed_keys": true, "protocols": true, "photo": true, "photo_mime": true, "network": true,
	"deleted": true, "updated_at": true,
}

type scanner interface {
	Scan(dest ...any) error
}

func scanActor(row scanner) (*domain.Actor, error) {
	var a domain.Actor
	var edKeys, protocols string
	var deleted int
	var updated int64
	err := row.Scan(&a.Hash, &a.Guid, &a.GuidSig, &a.Address, &a.Name, &a.URL, &a.Inbox, &a.PublicKey,
		&edKeys, &protocols, &a.Photo, &a.PhotoMime, &a.Network, &deleted, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	a.EdKeys = splitList(edKeys)
	a.Protocols = splitList(protocols)
	a.Deleted = deleted == 1
	a.UpdatedAt = fromMillis(updated)
	return &a, nil
}

func (db *DB) ReadActor(hash string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRow(sqlSelectActorByHash, hash))
}

// ReadActorByURL looks an actor up by its document id.
func (db *DB) ReadActorByURL(url string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRow(sqlSelectActorByURL, url))
}

func (db *DB) ReadActorByAddress(address string) (*domain.Actor, error) {
	return scanActor(db.db.QueryRow(sqlSelectActorByAddr, address))
}

// UpsertActor writes the full record. Concurrent writers of the same hash converge: last write wins.
func (db *DB) UpsertActor(a *domain.Actor) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		return upsertActor(tx, a)
	})
}

func upsertActor(tx *sql.Tx, a *domain.Actor) error {
	_, err := tx.Exec(sqlUpsertActor,
		a.Hash, a.Guid, a.GuidSig, a.Address, a.Name, a.URL, a.Inbox, a.PublicKey,
		joinList(a.EdKeys), joinList(a.Protocols), a.Photo, a.PhotoMime, a.Network,
		boolInt(a.Deleted), toMillis(a.UpdatedAt))
	return err
}

// UpdateActorColumns writes only the given columns. Unknown column names are rejected.
func (db *DB) UpdateActorColumns(hash string, cols map[string]any) error {
	if len(cols) == 0 {
		return nil
	}
	query, args, err := actorUpdate(hash, cols)
	if err != nil {
		return err
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(query, args...)
		return err
	})
}

func actorUpdate(hash string, cols map[string]any) (string, []any, error) {
	sets := make([]string, 0, len(cols))
	args := make([]any, 0, len(cols)+1)
	for _, name := range sortedKeys(cols) {
		if !actorUpdatable[name] {
			return "", nil, fmt.Errorf("actors: column %q is not updatable", name)
		}
		sets = append(sets, name+" = ?")
		args = append(args, normalizeArg(cols[name]))
	}
	args = append(args, hash)
	return `UPDATE actors SET ` + strings.Join(sets, ", ") + ` WHERE hash = ?`, args, nil
}

// ActorImport is one directory write: the actor record and the changes to its locations.
type ActorImport struct {
	// Insert is the full record of a new actor. When nil, Columns update Hash.
	Insert  *domain.Actor
	Hash    string
	Columns map[string]any

	Hublocs    []domain.HubLocation
	Tombstones []int64
	At         time.Time
}

// ApplyActorImport writes an import in one transaction, so an actor is never
// stored without its locations.
func (db *DB) ApplyActorImport(imp ActorImport) error {
	var query string
	var args []any
	if imp.Insert == nil && len(imp.Columns) > 0 {
		var err error
		if query, args, err = actorUpdate(imp.Hash, imp.Columns); err != nil {
			return err
		}
	}
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if imp.Insert != nil {
			if err := upsertActor(tx, imp.Insert); err != nil {
				return err
			}
		} else if query != "" {
			if _, err := tx.Exec(query, args...); err != nil {
				return err
			}
		}
		for _, id := range imp.Tombstones {
			if _, err := tx.Exec(sqlTombstoneHubloc, toMillis(imp.At), id); err != nil {
				return err
			}
		}
		for i := range imp.Hublocs {
			if err := upsertHubloc(tx, &imp.Hublocs[i]); err != nil {
				return err
			}
		}
		return nil
	})
}

func (db *DB) MarkActorDeleted(hash string, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlMarkActorDeleted, toMillis(at), hash); err != nil {
			return err
		}
		_, err := tx.Exec(sqlTombstoneHublocsByHash, toMillis(at), hash)
		return err
	})
}

func (db *DB) UpdateActorPhoto(hash, photo, mime string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateActorPhoto, photo, mime, hash)
		return err
	})
}

func (db *DB) CountActors() (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountActors).Scan(&n)
	return n, err
}

// Hub location queries
const (
	hublocColumns             = `id, hash, guid, url, address, callback, id_url, site_id, sitekey, url_sig, is_primary, deleted, updated_at`
	sqlSelectHublocsByHash    = `SELECT ` + hublocColumns + ` FROM hublocs WHERE hash = ? ORDER BY is_primary DESC, id`
	sqlUpsertHubloc           = `INSERT INTO hublocs(hash, guid, url, address, callback, id_url, site_id, sitekey, url_sig, is_primary, deleted, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(hash, url) DO UPDATE SET guid = excluded.guid, address = excluded.address, callback = excluded.callback,
		id_url = excluded.id_url, site_id = excluded.site_id, sitekey = excluded.sitekey, url_sig = excluded.url_sig,
		is_primary = excluded.is_primary, deleted = excluded.deleted, updated_at = excluded.updated_at`
	sqlTombstoneHubloc        = `UPDATE hublocs SET deleted = 1, is_primary = 0, updated_at = ? WHERE id = ?`
	sqlTombstoneHublocsByHash = `UPDATE hublocs SET deleted = 1, updated_at = ? WHERE hash = ?`
	sqlTombstoneHublocsBySite = `UPDATE hublocs SET deleted = 1, updated_at = ? WHERE url = ?`
)

func scanHubloc(row scanner) (*domain.HubLocation, error) {
	var h domain.HubLocation
	var primary, deleted int
	var updated int64
	err := row.Scan(&h.Id, &h.Hash, &h.Guid, &h.URL, &h.Address, &h.Callback, &h.IdURL, &h.SiteID,
		&h.Sitekey, &h.URLSig, &primary, &deleted, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	h.Primary = primary == 1
	h.Deleted = deleted == 1
	h.UpdatedAt = fromMillis(updated)
	return &h, nil
}

// ReadHublocs returns every location of hash, tombstoned ones included.
func (db *DB) ReadHublocs(hash string) ([]domain.HubLocation, error) {
	rows, err := db.db.Query(sqlSelectHublocsByHash, hash)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var hublocs []domain.HubLocation
	for rows.Next() {
		h, err := scanHubloc(rows)
		if err != nil {
			return hublocs, err
		}
		hublocs = append(hublocs, *h)
	}
	return hublocs, rows.Err()
}

func upsertHubloc(tx *sql.Tx, h *domain.HubLocation) error {
	_, err := tx.Exec(sqlUpsertHubloc, h.Hash, h.Guid, h.URL, h.Address, h.Callback, h.IdURL, h.SiteID,
		h.Sitekey, h.URLSig, boolInt(h.Primary), boolInt(h.Deleted), toMillis(h.UpdatedAt))
	return err
}

// Site queries
const (
	sqlSelectSite   = `SELECT url, last_contact, dead FROM sites WHERE url = ?`
	sqlTouchSite    = `INSERT INTO sites(url, last_contact, dead) VALUES (?, ?, 0) ON CONFLICT(url) DO UPDATE SET last_contact = excluded.last_contact, dead = 0`
	sqlMarkSiteDead = `INSERT INTO sites(url, last_contact, dead) VALUES (?, 0, 1) ON CONFLICT(url) DO UPDATE SET dead = 1`
	sqlSelectSites  = `SELECT url, last_contact, dead FROM sites ORDER BY url`
)

func (db *DB) ReadSite(url string) (*domain.Site, error) {
	var s domain.Site
	var last int64
	var dead int
	if err := db.db.QueryRow(sqlSelectSite, url).Scan(&s.URL, &last, &dead); err != nil {
		return nil, notFound(err)
	}
	s.LastContact = fromMillis(last)
	s.Dead = dead == 1
	return &s, nil
}

func (db *DB) ReadSites() ([]domain.Site, error) {
	rows, err := db.db.Query(sqlSelectSites)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var sites []domain.Site
	for rows.Next() {
		var s domain.Site
		var last int64
		var dead int
		if err := rows.Scan(&s.URL, &last, &dead); err != nil {
			return sites, err
		}
		s.LastContact = fromMillis(last)
		s.Dead = dead == 1
		sites = append(sites, s)
	}
	return sites, rows.Err()
}

// TouchSite records successful contact and revives a dead site.
func (db *DB) TouchSite(url string, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlTouchSite, url, toMillis(at))
		return err
	})
}

// MarkSiteDead flags the site and tombstones every hub location hosted there.
func (db *DB) MarkSiteDead(url string, at time.Time) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		if _, err := tx.Exec(sqlMarkSiteDead, url); err != nil {
			return err
		}
		_, err := tx.Exec(sqlTombstoneHublocsBySite, toMillis(at), url)
		return err
	})
}

func splitList(s string) []string {
	if s == "" {
		return nil
	}
	var out []string
	for _, part := range strings.Split(s, " ") {
		if part != "" {
			out = append(out, part)
		}
	}
	return out
}

func joinList(l []string) string {
	return strings.Join(l, " ")
}

func normalizeArg(v any) any {
	switch t := v.(type) {
	case bool:
		return boolInt(t)
	case time.Time:
		return toMillis(t)
	case []string:
		return joinList(t)
	}
	return v
}
