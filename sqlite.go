package cachekit

import (
	"context"
	"database/sql"
	"fmt"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	_ "modernc.org/sqlite"
)

// durableSchemaVersion is the schema this package writes. Opening a
// database with an older version runs the upgrade path; a newer version is
// refused.
const durableSchemaVersion = 2

// durableStore is the durable transactional backend: a SQLite database
// holding one row per entry with the value as a msgpack BLOB. Structured
// values round-trip without a text encoding. Writes run in explicit
// transactions; any transactional error surfaces as the operation's error.
type durableStore struct {
	db        *sql.DB
	ctx       context.Context
	cancel    context.CancelFunc
	waitGroup sync.WaitGroup
	once      sync.Once
	cfg       config
}

var _ Store = (*durableStore)(nil)

// NewDurable returns a durable Store backed by SQLite. If dbPath is empty
// or ":memory:", an in-memory database is used. A background goroutine
// cleans up expired rows at the WithExpiryCheck interval.
func NewDurable(ctx context.Context, dbPath string, opts ...Option) (Store, error) {
	cfg := applyOptions(opts)
	if dbPath == "" {
		dbPath = ":memory:"
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// Every pooled connection to ":memory:" gets its own database.
	if dbPath == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	// WAL mode for concurrent read performance.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}

	if err := migrateDurable(db); err != nil {
		db.Close()
		return nil, err
	}

	childCtx, cancel := context.WithCancel(ctx)
	s := &durableStore{
		db:     db,
		ctx:    childCtx,
		cancel: cancel,
		cfg:    cfg,
	}
	s.waitGroup.Add(1)
	go s.run()
	return s, nil
}

// migrateDurable brings the database to durableSchemaVersion. Version 1
// predates the size and metadata columns.
func migrateDurable(db *sql.DB) error {
	var version int
	if err := db.QueryRow("PRAGMA user_version").Scan(&version); err != nil {
		return err
	}
	if version > durableSchemaVersion {
		return errors.Newf("cachekit: database schema version %d is newer than supported %d", version, durableSchemaVersion)
	}

	switch version {
	case 0:
		if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS entries (
			key TEXT PRIMARY KEY,
			value BLOB NOT NULL,
			timestamp INTEGER NOT NULL,
			ttl INTEGER NOT NULL DEFAULT 0,
			hits INTEGER NOT NULL DEFAULT 0,
			size INTEGER NOT NULL DEFAULT 0,
			metadata BLOB
		)`); err != nil {
			return err
		}
		if _, err := db.Exec(`CREATE INDEX IF NOT EXISTS idx_entries_timestamp ON entries(timestamp)`); err != nil {
			return err
		}
	case 1:
		if _, err := db.Exec(`ALTER TABLE entries ADD COLUMN size INTEGER NOT NULL DEFAULT 0`); err != nil {
			return err
		}
		if _, err := db.Exec(`ALTER TABLE entries ADD COLUMN metadata BLOB`); err != nil {
			return err
		}
	}

	if version != durableSchemaVersion {
		if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", durableSchemaVersion)); err != nil {
			return err
		}
	}
	return nil
}

func (s *durableStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

func (s *durableStore) Get(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var (
		data      []byte
		meta      []byte
		timestamp int64
		ttl       int64
		hits      int
		size      int64
	)
	err := s.db.QueryRowContext(qctx,
		`SELECT value, timestamp, ttl, hits, size, metadata FROM entries WHERE key = ?`, key,
	).Scan(&data, &timestamp, &ttl, &hits, &size, &meta)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	e := &Entry{
		Key:       key,
		Timestamp: time.Unix(0, timestamp),
		TTL:       time.Duration(ttl),
		Hits:      hits,
		Size:      size,
	}
	if err := msgpack.Unmarshal(data, &e.Value); err != nil {
		return nil, errors.Wrapf(err, "cachekit: corrupt entry for %q", key)
	}
	if len(meta) > 0 {
		if err := msgpack.Unmarshal(meta, &e.Metadata); err != nil {
			return nil, errors.Wrapf(err, "cachekit: corrupt metadata for %q", key)
		}
	}
	return e, nil
}

func (s *durableStore) Set(ctx context.Context, key string, e *Entry) error {
	data, err := msgpack.Marshal(e.Value)
	if err != nil {
		return err
	}
	var meta []byte
	if e.Metadata != nil {
		meta, err = msgpack.Marshal(e.Metadata)
		if err != nil {
			return err
		}
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	tx, err := s.db.BeginTx(qctx, nil)
	if err != nil {
		return err
	}
	if _, err := tx.ExecContext(qctx,
		`INSERT INTO entries (key, value, timestamp, ttl, hits, size, metadata) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, timestamp = excluded.timestamp,
			ttl = excluded.ttl, hits = excluded.hits, size = excluded.size, metadata = excluded.metadata`,
		key, data, e.Timestamp.UnixNano(), int64(e.TTL), e.Hits, e.Size, meta,
	); err != nil {
		tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (s *durableStore) Delete(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM entries WHERE key = ?`, key)
	return err
}

func (s *durableStore) Clear(ctx context.Context, prefix string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx,
		`DELETE FROM entries WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	return err
}

func (s *durableStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx,
		`SELECT key FROM entries WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var keys []string
	for rows.Next() {
		var key string
		if err := rows.Scan(&key); err != nil {
			return nil, err
		}
		keys = append(keys, key)
	}
	return keys, rows.Err()
}

func (s *durableStore) Entries(ctx context.Context, prefix string) ([]*Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx,
		`SELECT key, value, timestamp, ttl, hits, size, metadata FROM entries WHERE substr(key, 1, ?) = ? ORDER BY timestamp`,
		len(prefix), prefix)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var entries []*Entry
	for rows.Next() {
		var (
			data      []byte
			meta      []byte
			timestamp int64
			ttl       int64
		)
		e := &Entry{}
		if err := rows.Scan(&e.Key, &data, &timestamp, &ttl, &e.Hits, &e.Size, &meta); err != nil {
			return nil, err
		}
		e.Timestamp = time.Unix(0, timestamp)
		e.TTL = time.Duration(ttl)
		if err := msgpack.Unmarshal(data, &e.Value); err != nil {
			// Corrupt records behave as absent.
			continue
		}
		if len(meta) > 0 {
			if err := msgpack.Unmarshal(meta, &e.Metadata); err != nil {
				continue
			}
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func (s *durableStore) Touch(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `UPDATE entries SET hits = hits + 1 WHERE key = ?`, key)
	return err
}

func (s *durableStore) MemoryUsage(ctx context.Context, prefix string) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var total sql.NullInt64
	err := s.db.QueryRowContext(qctx,
		`SELECT SUM(length(value) + length(key)) FROM entries WHERE substr(key, 1, ?) = ?`,
		len(prefix), prefix).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (s *durableStore) Close() error {
	var dbErr error
	s.once.Do(func() {
		s.cancel()
		s.waitGroup.Wait()
		dbErr = s.db.Close()
	})
	return dbErr
}

func (s *durableStore) run() {
	defer s.waitGroup.Done()
	ticker := time.NewTicker(s.cfg.expiryCheck)
	defer ticker.Stop()
	for {
		select {
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			now := time.Now().UnixNano()
			_, _ = s.db.Exec(`DELETE FROM entries WHERE ttl > 0 AND timestamp + ttl < ?`, now)
		}
	}
}
