package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/fedhub/domain"
	"github.com/google/uuid"
)

// Item queries
const (
	itemColumns = `id, uuid, channel_id, mid, parent_mid, thr_parent, author_hash, owner_hash, author_url, owner_url, author_name,
		title, summary, body, mimetype, verb, obj_type, obj, target, visibility, language, created, edited, expires, changed,
		attachments, terms, recipients, route, deleted, origin, moderated`
	sqlInsertItem = `INSERT INTO items(uuid, channel_id, mid, parent_mid, thr_parent, author_hash, owner_hash, author_url, owner_url, author_name,
		title, summary, body, mimetype, verb, obj_type, obj, target, visibility, language, created, edited, expires, changed,
		attachments, terms, recipients, route, deleted, origin, moderated)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, mid) DO NOTHING`
	// edited must strictly increase for an update to apply
	sqlUpdateItemIfNewer = `UPDATE items SET title = ?, summary = ?, body = ?, mimetype = ?, obj = ?, target = ?, language = ?,
		edited = ?, expires = ?, changed = ?, attachments = ?, terms = ?, recipients = ?
		WHERE channel_id = ? AND mid = ? AND edited < ?`
	sqlSelectItem          = `SELECT ` + itemColumns + ` FROM items WHERE channel_id = ? AND mid = ?`
	sqlSelectItemsByMid    = `SELECT ` + itemColumns + ` FROM items WHERE mid = ? ORDER BY channel_id`
	sqlSelectThreadHolders = `SELECT DISTINCT channel_id FROM items WHERE (mid = ? OR parent_mid = ?) AND deleted = 0 ORDER BY channel_id`
	sqlSelectPublicItems   = `SELECT ` + itemColumns + ` FROM items WHERE channel_id = ? AND visibility = 0 AND deleted = 0 AND moderated = 0 AND mid = parent_mid ORDER BY created DESC LIMIT ?`
	sqlMarkItemDeleted     = `UPDATE items SET deleted = 1, changed = ? WHERE channel_id = ? AND mid = ? AND deleted = 0`
	sqlMarkThreadDeleted   = `UPDATE items SET deleted = 1, changed = ? WHERE channel_id = ? AND parent_mid = ? AND deleted = 0`
	sqlPurgeDeletedItems   = `DELETE FROM items WHERE deleted = 1 AND changed < ?`
	sqlSetItemModerated    = `UPDATE items SET moderated = ? WHERE channel_id = ? AND mid = ?`
	sqlCountItemsByChannel = `SELECT COUNT(*) FROM items WHERE channel_id = ? AND deleted = 0`
	sqlSelectOutboxItems   = `SELECT ` + itemColumns + ` FROM items WHERE channel_id = ? AND origin = 1 AND visibility = 0 AND deleted = 0 AND mid = parent_mid ORDER BY created DESC LIMIT ? OFFSET ?`
	sqlCountOutboxItems    = `SELECT COUNT(*) FROM items WHERE channel_id = ? AND origin = 1 AND visibility = 0 AND deleted = 0 AND mid = parent_mid`
)

func scanItem(row scanner) (*domain.Item, error) {
	var it domain.Item
	var verb, objType, attachments, terms, recipients, route string
	var visibility, deleted, origin, moderated int
	var created, edited, expires, changed int64
	err := row.Scan(&it.Id, &it.Uuid, &it.ChannelId, &it.Mid, &it.ParentMid, &it.ThrParent, &it.AuthorHash, &it.OwnerHash,
		&it.AuthorURL, &it.OwnerURL, &it.AuthorName, &it.Title, &it.Summary, &it.Body, &it.MimeType, &verb, &objType, &it.Obj,
		&it.Target, &visibility, &it.Language, &created, &edited, &expires, &changed,
		&attachments, &terms, &recipients, &route, &deleted, &origin, &moderated)
	if err != nil {
		return nil, notFound(err)
	}
	it.Verb = domain.Verb(verb)
	it.ObjType = domain.ObjectType(objType)
	it.Visibility = domain.Visibility(visibility)
	it.Created = fromMillis(created)
	it.Edited = fromMillis(edited)
	it.Expires = fromMillis(expires)
	it.Changed = fromMillis(changed)
	it.Deleted = deleted == 1
	it.Origin = origin == 1
	it.Moderated = moderated == 1
	for _, col := range []struct {
		raw string
		dst any
	}{{attachments, &it.Attachments}, {terms, &it.Terms}, {recipients, &it.Recipients}, {route, &it.Route}} {
		if err := fromJSON(col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	return &it, nil
}

func (db *DB) queryItems(query string, args ...any) ([]domain.Item, error) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var items []domain.Item
	for rows.Next() {
		it, err := scanItem(rows)
		if err != nil {
			return items, err
		}
		items = append(items, *it)
	}
	return items, rows.Err()
}

func (db *DB) ReadItem(channelId int64, mid string) (*domain.Item, error) {
	return scanItem(db.db.QueryRow(sqlSelectItem, channelId, mid))
}

// ReadItemsByMid returns every local copy of mid.
func (db *DB) ReadItemsByMid(mid string) ([]domain.Item, error) {
	return db.queryItems(sqlSelectItemsByMid, mid)
}

// ReadThreadHolders returns the channels holding any copy of the thread rooted at parentMid.
func (db *DB) ReadThreadHolders(parentMid string) ([]int64, error) {
	rows, err := db.db.Query(sqlSelectThreadHolders, parentMid, parentMid)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var ids []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, rows.Err()
}

func (db *DB) ReadPublicItems(channelId int64, limit int) ([]domain.Item, error) {
	return db.queryItems(sqlSelectPublicItems, channelId, limit)
}

// ReadOutboxItems pages through the public top level posts the channel wrote itself.
func (db *DB) ReadOutboxItems(channelId int64, limit, offset int) ([]domain.Item, error) {
	return db.queryItems(sqlSelectOutboxItems, channelId, limit, offset)
}

func (db *DB) CountOutboxItems(channelId int64) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountOutboxItems, channelId).Scan(&n)
	return n, err
}

func (db *DB) CountItems(channelId int64) (int, error) {
	var n int
	err := db.db.QueryRow(sqlCountItemsByChannel, channelId).Scan(&n)
	return n, err
}

// InsertItem stores it unless (channel, mid) already exists. It reports whether a row was created.
func (db *DB) InsertItem(it *domain.Item) (bool, error) {
	if it.Uuid == "" {
		it.Uuid = uuid.New().String()
	}
	if it.Changed.IsZero() {
		it.Changed = time.Now()
	}
	var inserted bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertItem, it.Uuid, it.ChannelId, it.Mid, it.ParentMid, it.ThrParent, it.AuthorHash, it.OwnerHash,
			it.AuthorURL, it.OwnerURL, it.AuthorName, it.Title, it.Summary, it.Body, it.MimeType, string(it.Verb), string(it.ObjType),
			it.Obj, it.Target, int(it.Visibility), it.Language, toMillis(it.Created), toMillis(it.Edited), toMillis(it.Expires),
			toMillis(it.Changed), toJSON(it.Attachments), toJSON(it.Terms), toJSON(it.Recipients), toJSON(it.Route),
			boolInt(it.Deleted), boolInt(it.Origin), boolInt(it.Moderated))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		inserted = n == 1
		if inserted {
			it.Id, err = res.LastInsertId()
		}
		return err
	})
	return inserted, err
}

// UpdateItemIfNewer applies it over the stored copy only when it.Edited is strictly later.
func (db *DB) UpdateItemIfNewer(it *domain.Item) (bool, error) {
	if it.Changed.IsZero() {
		it.Changed = time.Now()
	}
	var updated bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlUpdateItemIfNewer, it.Title, it.Summary, it.Body, it.MimeType, it.Obj, it.Target, it.Language,
			toMillis(it.Edited), toMillis(it.Expires), toMillis(it.Changed), toJSON(it.Attachments), toJSON(it.Terms),
			toJSON(it.Recipients), it.ChannelId, it.Mid, toMillis(it.Edited))
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		updated = n == 1
		return err
	})
	return updated, err
}

// MarkItemDeleted tombstones the item and, for a thread root, its replies. Rows stay until purged.
func (db *DB) MarkItemDeleted(channelId int64, mid string, at time.Time) (bool, error) {
	var deleted bool
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlMarkItemDeleted, toMillis(at), channelId, mid)
		if err != nil {
			return err
		}
		n, err := res.RowsAffected()
		if err != nil {
			return err
		}
		deleted = n == 1
		_, err = tx.Exec(sqlMarkThreadDeleted, toMillis(at), channelId, mid)
		return err
	})
	return deleted, err
}

// PurgeDeletedItems physically removes tombstones older than cutoff.
func (db *DB) PurgeDeletedItems(cutoff time.Time) (int64, error) {
	var n int64
	err := db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlPurgeDeletedItems, toMillis(cutoff))
		if err != nil {
			return err
		}
		n, err = res.RowsAffected()
		return err
	})
	return n, err
}

func (db *DB) SetItemModerated(channelId int64, mid string, moderated bool) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlSetItemModerated, boolInt(moderated), channelId, mid)
		return err
	})
}
