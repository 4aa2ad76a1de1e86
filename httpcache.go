package cachekit

import (
	"context"
	"database/sql"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/vmihailenco/msgpack/v5"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"
)

// maxResponseBody caps the body size the network path will cache.
const maxResponseBody = 10 << 20

// Response is the stored unit of the response store: the parts of an HTTP
// response worth replaying, keyed by the resource URL.
type Response struct {
	URL       string      `json:"url" msgpack:"url"`
	Status    int         `json:"status" msgpack:"status"`
	Header    http.Header `json:"header" msgpack:"header"`
	Body      []byte      `json:"body" msgpack:"body"`
	FetchedAt time.Time   `json:"fetched_at" msgpack:"fetched_at"`
}

// responseStore keeps full response records in its own durable area, a
// SQLite `responses` table separate from any entry store. With an HTTP
// client configured, a Get miss fetches the resource and caches the
// result; without one, a miss is a miss. Storage and network failures on
// the fetch path degrade to absent rather than surfacing.
type responseStore struct {
	db   *sql.DB
	ctx  context.Context
	cfg  config
	once sync.Once
}

var _ Store = (*responseStore)(nil)

// NewResponseStore returns a response-oriented Store backed by SQLite at
// dbPath (":memory:" or empty for ephemeral). WithHTTPClient enables the
// network path; WithExpires sets the TTL given to fetched responses.
func NewResponseStore(ctx context.Context, dbPath string, opts ...Option) (Store, error) {
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
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, err
	}
	if _, err := db.Exec(`CREATE TABLE IF NOT EXISTS responses (
		key TEXT PRIMARY KEY,
		response BLOB NOT NULL,
		timestamp INTEGER NOT NULL,
		ttl INTEGER NOT NULL DEFAULT 0,
		hits INTEGER NOT NULL DEFAULT 0,
		size INTEGER NOT NULL DEFAULT 0
	)`); err != nil {
		db.Close()
		return nil, err
	}

	return &responseStore{db: db, ctx: ctx, cfg: cfg}, nil
}

func (s *responseStore) queryCtx(parent context.Context) (context.Context, context.CancelFunc) {
	return context.WithTimeout(parent, s.cfg.queryTimeout)
}

// Get returns the stored response entry for key. On a miss with a
// configured HTTP client, the resource is fetched from key (treated as the
// resource URL), cached, and returned; fetch or storage failures return
// absent, never an error.
func (s *responseStore) Get(ctx context.Context, key string) (*Entry, error) {
	e, err := s.load(ctx, key)
	if err != nil {
		return nil, err
	}
	if e != nil {
		return e, nil
	}
	if s.cfg.httpClient == nil {
		return nil, nil
	}
	return s.fetch(ctx, key), nil
}

func (s *responseStore) load(ctx context.Context, key string) (*Entry, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var (
		data      []byte
		timestamp int64
		ttl       int64
		hits      int
		size      int64
	)
	err := s.db.QueryRowContext(qctx,
		`SELECT response, timestamp, ttl, hits, size FROM responses WHERE key = ?`, key,
	).Scan(&data, &timestamp, &ttl, &hits, &size)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var resp Response
	if err := msgpack.Unmarshal(data, &resp); err != nil {
		return nil, errors.Wrapf(err, "cachekit: corrupt response for %q", key)
	}
	return &Entry{
		Key:       key,
		Value:     &resp,
		Timestamp: time.Unix(0, timestamp),
		TTL:       time.Duration(ttl),
		Hits:      hits,
		Size:      size,
	}, nil
}

// fetch performs the network path. Every failure degrades to absent.
func (s *responseStore) fetch(ctx context.Context, url string) *Entry {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		s.cfg.logger.Debug("response fetch request failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	httpResp, err := s.cfg.httpClient.Do(req)
	if err != nil {
		s.cfg.logger.Debug("response fetch failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	defer httpResp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBody))
	if err != nil {
		s.cfg.logger.Debug("response body read failed", zap.String("url", url), zap.Error(err))
		return nil
	}
	resp := &Response{
		URL:       url,
		Status:    httpResp.StatusCode,
		Header:    httpResp.Header.Clone(),
		Body:      body,
		FetchedAt: time.Now(),
	}
	e := NewEntry(url, resp, s.cfg.defaultExpires)
	if err := s.Set(ctx, url, e); err != nil {
		// Storage limits must not cost the caller the response.
		s.cfg.logger.Debug("fetched response not cached", zap.String("url", url), zap.Error(err))
	}
	return e
}

func (s *responseStore) Set(ctx context.Context, key string, e *Entry) error {
	resp, err := asResponse(e.Value)
	if err != nil {
		return err
	}
	data, err := msgpack.Marshal(resp)
	if err != nil {
		return err
	}
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err = s.db.ExecContext(qctx,
		`INSERT INTO responses (key, response, timestamp, ttl, hits, size) VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET response = excluded.response, timestamp = excluded.timestamp,
			ttl = excluded.ttl, hits = excluded.hits, size = excluded.size`,
		key, data, e.Timestamp.UnixNano(), int64(e.TTL), e.Hits, e.Size)
	return err
}

// asResponse narrows an entry value to a Response. The response store only
// persists response records.
func asResponse(val any) (*Response, error) {
	switch v := val.(type) {
	case *Response:
		return v, nil
	case Response:
		return &v, nil
	default:
		return nil, errors.Newf("cachekit: response store requires Response values, got %T", val)
	}
}

func (s *responseStore) Delete(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `DELETE FROM responses WHERE key = ?`, key)
	return err
}

func (s *responseStore) Clear(ctx context.Context, prefix string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx,
		`DELETE FROM responses WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
	return err
}

func (s *responseStore) Keys(ctx context.Context, prefix string) ([]string, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	rows, err := s.db.QueryContext(qctx,
		`SELECT key FROM responses WHERE substr(key, 1, ?) = ?`, len(prefix), prefix)
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

func (s *responseStore) Entries(ctx context.Context, prefix string) ([]*Entry, error) {
	keys, err := s.Keys(ctx, prefix)
	if err != nil {
		return nil, err
	}
	entries := make([]*Entry, 0, len(keys))
	for _, key := range keys {
		e, err := s.load(ctx, key)
		if err != nil {
			// Corrupt records behave as absent.
			continue
		}
		if e != nil {
			entries = append(entries, e)
		}
	}
	return entries, nil
}

func (s *responseStore) Touch(ctx context.Context, key string) error {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	_, err := s.db.ExecContext(qctx, `UPDATE responses SET hits = hits + 1 WHERE key = ?`, key)
	return err
}

func (s *responseStore) MemoryUsage(ctx context.Context, prefix string) (int64, error) {
	qctx, cancel := s.queryCtx(ctx)
	defer cancel()
	var total sql.NullInt64
	err := s.db.QueryRowContext(qctx,
		`SELECT SUM(length(response) + length(key)) FROM responses WHERE substr(key, 1, ?) = ?`,
		len(prefix), prefix).Scan(&total)
	if err != nil {
		return 0, err
	}
	return total.Int64, nil
}

func (s *responseStore) Close() error {
	var dbErr error
	s.once.Do(func() {
		dbErr = s.db.Close()
	})
	return dbErr
}
