package db

import (
	"database/sql"
	"time"

	"github.com/deemkeen/fedhub/domain"
)

// Channel queries
const (
	channelColumns           = `id, hash, guid, guid_sig, address, name, public_key, private_key, public_caps, accept_mentions, moderated, auto_accept, firehose, filter_include, filter_exclude, created_at`
	sqlInsertChannel         = `INSERT INTO channels(hash, guid, guid_sig, address, name, public_key, private_key, public_caps, accept_mentions, moderated, auto_accept, firehose, filter_include, filter_exclude, created_at) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`
	sqlSelectChannelById     = `SELECT ` + channelColumns + ` FROM channels WHERE id = ?`
	sqlSelectChannelByHash   = `SELECT ` + channelColumns + ` FROM channels WHERE hash = ?`
	sqlSelectChannelByAddr   = `SELECT ` + channelColumns + ` FROM channels WHERE address = ?`
	sqlSelectChannels        = `SELECT ` + channelColumns + ` FROM channels ORDER BY id`
	sqlUpdateChannelSettings = `UPDATE channels SET name = ?, public_caps = ?, accept_mentions = ?, moderated = ?, auto_accept = ?, firehose = ?, filter_include = ?, filter_exclude = ? WHERE id = ?`
)

func scanChannel(row scanner) (*domain.Channel, error) {
	var ch domain.Channel
	var caps string
	var acceptMentions, moderated, autoAccept, firehose int
	var created int64
	err := row.Scan(&ch.Id, &ch.Hash, &ch.Guid, &ch.GuidSig, &ch.Address, &ch.Name, &ch.PublicKey, &ch.PrivateKey,
		&caps, &acceptMentions, &moderated, &autoAccept, &firehose, &ch.FilterInclude, &ch.FilterExclude, &created)
	if err != nil {
		return nil, notFound(err)
	}
	ch.PublicCaps = domain.SplitCaps(caps)
	ch.AcceptMentions = acceptMentions == 1
	ch.Moderated = moderated == 1
	ch.AutoAccept = autoAccept == 1
	ch.Firehose = firehose == 1
	ch.CreatedAt = fromMillis(created)
	return &ch, nil
}

// CreateChannel inserts ch and sets its Id.
func (db *DB) CreateChannel(ch *domain.Channel) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		res, err := tx.Exec(sqlInsertChannel, ch.Hash, ch.Guid, ch.GuidSig, ch.Address, ch.Name, ch.PublicKey, ch.PrivateKey,
			domain.JoinCaps(ch.PublicCaps), boolInt(ch.AcceptMentions), boolInt(ch.Moderated), boolInt(ch.AutoAccept),
			boolInt(ch.Firehose), ch.FilterInclude, ch.FilterExclude, toMillis(ch.CreatedAt))
		if err != nil {
			return err
		}
		ch.Id, err = res.LastInsertId()
		return err
	})
}

func (db *DB) UpdateChannelSettings(ch *domain.Channel) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpdateChannelSettings, ch.Name, domain.JoinCaps(ch.PublicCaps), boolInt(ch.AcceptMentions),
			boolInt(ch.Moderated), boolInt(ch.AutoAccept), boolInt(ch.Firehose), ch.FilterInclude, ch.FilterExclude, ch.Id)
		return err
	})
}

func (db *DB) ReadChannelById(id int64) (*domain.Channel, error) {
	return scanChannel(db.db.QueryRow(sqlSelectChannelById, id))
}

func (db *DB) ReadChannelByHash(hash string) (*domain.Channel, error) {
	return scanChannel(db.db.QueryRow(sqlSelectChannelByHash, hash))
}

func (db *DB) ReadChannelByAddress(address string) (*domain.Channel, error) {
	return scanChannel(db.db.QueryRow(sqlSelectChannelByAddr, address))
}

func (db *DB) ReadChannels() ([]domain.Channel, error) {
	rows, err := db.db.Query(sqlSelectChannels)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var channels []domain.Channel
	for rows.Next() {
		ch, err := scanChannel(rows)
		if err != nil {
			return channels, err
		}
		channels = append(channels, *ch)
	}
	return channels, rows.Err()
}

// Connection queries
const (
	connectionColumns           = `id, channel_id, hash, caps, their_caps, pending, blocked, follow_uri, created_at, updated_at`
	sqlSelectConnection         = `SELECT ` + connectionColumns + ` FROM connections WHERE channel_id = ? AND hash = ?`
	sqlSelectConnectionsByHash  = `SELECT ` + connectionColumns + ` FROM connections WHERE hash = ? ORDER BY channel_id`
	sqlSelectConnectionsByChan  = `SELECT ` + connectionColumns + ` FROM connections WHERE channel_id = ? ORDER BY id`
	sqlSelectConnectionByFollow = `SELECT ` + connectionColumns + ` FROM connections WHERE follow_uri = ?`
	sqlUpsertConnection         = `INSERT INTO connections(channel_id, hash, caps, their_caps, pending, blocked, follow_uri, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(channel_id, hash) DO UPDATE SET caps = excluded.caps, their_caps = excluded.their_caps,
		pending = excluded.pending, blocked = excluded.blocked, follow_uri = excluded.follow_uri, updated_at = excluded.updated_at`
	sqlDeleteConnection = `DELETE FROM connections WHERE channel_id = ? AND hash = ?`
)

func scanConnection(row scanner) (*domain.Connection, error) {
	var c domain.Connection
	var caps, theirCaps string
	var pending, blocked int
	var created, updated int64
	err := row.Scan(&c.Id, &c.ChannelId, &c.Hash, &caps, &theirCaps, &pending, &blocked, &c.FollowURI, &created, &updated)
	if err != nil {
		return nil, notFound(err)
	}
	c.Caps = domain.SplitCaps(caps)
	c.TheirCaps = domain.SplitCaps(theirCaps)
	c.Pending = pending == 1
	c.Blocked = blocked == 1
	c.CreatedAt = fromMillis(created)
	c.UpdatedAt = fromMillis(updated)
	return &c, nil
}

func (db *DB) queryConnections(query string, args ...any) ([]domain.Connection, error) {
	rows, err := db.db.Query(query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var conns []domain.Connection
	for rows.Next() {
		c, err := scanConnection(rows)
		if err != nil {
			return conns, err
		}
		conns = append(conns, *c)
	}
	return conns, rows.Err()
}

func (db *DB) ReadConnection(channelId int64, hash string) (*domain.Connection, error) {
	return scanConnection(db.db.QueryRow(sqlSelectConnection, channelId, hash))
}

func (db *DB) ReadConnectionByFollowURI(uri string) (*domain.Connection, error) {
	return scanConnection(db.db.QueryRow(sqlSelectConnectionByFollow, uri))
}

// ReadConnectionsByHash returns the grant records every local channel holds for a remote actor.
func (db *DB) ReadConnectionsByHash(hash string) ([]domain.Connection, error) {
	return db.queryConnections(sqlSelectConnectionsByHash, hash)
}

func (db *DB) ReadConnectionsByChannel(channelId int64) ([]domain.Connection, error) {
	return db.queryConnections(sqlSelectConnectionsByChan, channelId)
}

func (db *DB) UpsertConnection(c *domain.Connection) error {
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlUpsertConnection, c.ChannelId, c.Hash, domain.JoinCaps(c.Caps), domain.JoinCaps(c.TheirCaps),
			boolInt(c.Pending), boolInt(c.Blocked), c.FollowURI, toMillis(c.CreatedAt), toMillis(c.UpdatedAt))
		return err
	})
}

func (db *DB) DeleteConnection(channelId int64, hash string) error {
	return db.wrapTransaction(func(tx *sql.Tx) error {
		_, err := tx.Exec(sqlDeleteConnection, channelId, hash)
		return err
	})
}
