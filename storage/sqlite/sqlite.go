// Package sqlite registers the "sqlite" storage, a persistent backend on
// modernc.org/sqlite. Values survive restarts of the proxy.
//
// Arguments:
//
//	path   database file (default ":memory:")
//	sweep  interval of the expiry sweep (default: hard TTL, off when hard TTL is 0)
package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	_ "modernc.org/sqlite"

	"github.com/unkn0wn-root/querycache/storage"
)

const Name = "sqlite"

func init() {
	storage.Register(storage.Module{
		Name:         Name,
		Capabilities: storage.CapTTL | storage.CapMaxCount | storage.CapPersistent,
		Create:       func(cfg storage.Config) (storage.Storage, error) { return New(context.Background(), cfg) },
	})
}

const schema = `CREATE TABLE IF NOT EXISTS qc_entries (
	name        TEXT    NOT NULL,
	key         BLOB    NOT NULL,
	value       BLOB    NOT NULL,
	inserted_ms INTEGER NOT NULL,
	PRIMARY KEY (name, key)
)`

type Storage struct {
	cfg storage.Config
	db  *sql.DB

	ticker clockwork.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
	once   sync.Once
	err    error
}

var _ storage.Storage = (*Storage)(nil)

func New(ctx context.Context, cfg storage.Config) (*Storage, error) {
	cfg = cfg.WithDefaults()

	sweep := cfg.HardTTL
	if v := cfg.Argument("sweep", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("sqlite: invalid sweep %q: %w", v, err)
		}
		sweep = d
	}

	db, err := sql.Open("sqlite", cfg.Argument("path", ":memory:"))
	if err != nil {
		return nil, fmt.Errorf("sqlite: open: %w", err)
	}
	// one connection: an in-memory database is private to its connection,
	// and sqlite serializes writers anyway
	db.SetMaxOpenConns(1)

	for _, stmt := range []string{
		"PRAGMA journal_mode=WAL",
		schema,
		"CREATE INDEX IF NOT EXISTS qc_entries_inserted ON qc_entries(inserted_ms)",
	} {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("sqlite: init: %w", err)
		}
	}

	s := &Storage{cfg: cfg, db: db}
	if sweep > 0 && cfg.HardTTL > 0 {
		s.ticker = cfg.Clock.NewTicker(sweep)
		s.stopCh = make(chan struct{})
		s.wg.Add(1)
		go s.run()
	}
	return s, nil
}

func (s *Storage) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.ticker.Chan():
			if _, err := s.Sweep(context.Background()); err != nil {
				s.cfg.ReportError(err)
			}
		case <-s.stopCh:
			return
		}
	}
}

func (s *Storage) GetValue(ctx context.Context, key storage.Key, flags storage.Flags, softTTL, hardTTL time.Duration) ([]byte, storage.Result) {
	var (
		value    []byte
		inserted int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT value, inserted_ms FROM qc_entries WHERE name = ? AND key = ?`,
		s.cfg.Name, key[:],
	).Scan(&value, &inserted)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, storage.NotFound
	}
	if err != nil {
		s.cfg.ReportError(fmt.Errorf("sqlite: get %s: %w", key, err))
		return nil, storage.Error
	}
	age := s.cfg.Clock.Now().Sub(time.UnixMilli(inserted))
	if age < 0 {
		age = 0
	}
	res := s.cfg.Evaluate(age, flags, softTTL, hardTTL)
	if !res.IsOK() {
		return nil, res
	}
	return value, res
}

func (s *Storage) PutValue(ctx context.Context, key storage.Key, value []byte) storage.Result {
	if value == nil {
		value = []byte{}
	}
	now := s.cfg.Clock.Now().UnixMilli()

	if s.cfg.MaxCount <= 0 {
		if err := s.upsert(ctx, s.db, key, value, now); err != nil {
			s.cfg.ReportError(fmt.Errorf("sqlite: put %s: %w", key, err))
			return storage.Error
		}
		return storage.OK
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		s.cfg.ReportError(fmt.Errorf("sqlite: begin: %w", err))
		return storage.Error
	}
	defer func() { _ = tx.Rollback() }()

	var exists, count int64
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*), COALESCE(SUM(key = ?), 0) FROM qc_entries WHERE name = ?`,
		key[:], s.cfg.Name,
	).Scan(&count, &exists)
	if err != nil {
		s.cfg.ReportError(fmt.Errorf("sqlite: count: %w", err))
		return storage.Error
	}
	if exists == 0 && count >= s.cfg.MaxCount {
		return storage.OutOfResources
	}
	if err := s.upsert(ctx, tx, key, value, now); err != nil {
		s.cfg.ReportError(fmt.Errorf("sqlite: put %s: %w", key, err))
		return storage.Error
	}
	if err := tx.Commit(); err != nil {
		s.cfg.ReportError(fmt.Errorf("sqlite: commit: %w", err))
		return storage.Error
	}
	return storage.OK
}

type execer interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

func (s *Storage) upsert(ctx context.Context, db execer, key storage.Key, value []byte, now int64) error {
	_, err := db.ExecContext(ctx,
		`INSERT INTO qc_entries (name, key, value, inserted_ms) VALUES (?, ?, ?, ?)
		ON CONFLICT(name, key) DO UPDATE SET value = excluded.value, inserted_ms = excluded.inserted_ms`,
		s.cfg.Name, key[:], value, now,
	)
	return err
}

func (s *Storage) DelValue(ctx context.Context, key storage.Key) storage.Result {
	_, err := s.db.ExecContext(ctx, `DELETE FROM qc_entries WHERE name = ? AND key = ?`, s.cfg.Name, key[:])
	if err != nil {
		s.cfg.ReportError(fmt.Errorf("sqlite: del %s: %w", key, err))
		return storage.Error
	}
	return storage.OK
}

func (s *Storage) GetInfo(ctx context.Context, what storage.Info) (map[string]any, storage.Result) {
	info := make(map[string]any)
	if what&storage.InfoBasic != 0 {
		info["module"] = Name
		info["path"] = s.cfg.Argument("path", ":memory:")
	}
	if what&storage.InfoStats != 0 {
		var items, size int64
		err := s.db.QueryRowContext(ctx,
			`SELECT COUNT(*), COALESCE(SUM(LENGTH(value)), 0) FROM qc_entries WHERE name = ?`,
			s.cfg.Name,
		).Scan(&items, &size)
		if err != nil {
			s.cfg.ReportError(fmt.Errorf("sqlite: stats: %w", err))
			return info, storage.Error
		}
		info["items"] = items
		info["size"] = size
	}
	return info, storage.OK
}

// Sweep deletes entries older than the configured hard TTL and returns
// how many were removed.
func (s *Storage) Sweep(ctx context.Context) (int64, error) {
	if s.cfg.HardTTL <= 0 {
		return 0, nil
	}
	cutoff := s.cfg.Clock.Now().Add(-s.cfg.HardTTL).UnixMilli()
	res, err := s.db.ExecContext(ctx,
		`DELETE FROM qc_entries WHERE name = ? AND inserted_ms < ?`, s.cfg.Name, cutoff)
	if err != nil {
		return 0, fmt.Errorf("sqlite: sweep: %w", err)
	}
	return res.RowsAffected()
}

func (s *Storage) Close(_ context.Context) error {
	s.once.Do(func() {
		if s.stopCh != nil {
			close(s.stopCh)
			s.ticker.Stop()
			s.wg.Wait()
		}
		s.err = s.db.Close()
	})
	return s.err
}
