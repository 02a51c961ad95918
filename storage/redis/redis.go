// Package redis registers the "redis" storage backed by redis/go-redis.
// Entries are written with the hard TTL as their expiry, so Redis drops
// them natively; the soft TTL is applied on read.
//
// Arguments:
//
//	addr      comma separated addresses (default "127.0.0.1:6379")
//	password  AUTH password
//	db        database number (default 0)
//	prefix    key prefix (default "qc")
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/querycache/internal/util"
	"github.com/unkn0wn-root/querycache/storage"
)

const Name = "redis"

var ErrNilClient = errors.New("redis storage: nil client")

func init() {
	storage.Register(storage.Module{
		Name:         Name,
		Capabilities: storage.CapTTL | storage.CapEviction | storage.CapPersistent | storage.CapShared,
		Create:       create,
	})
}

type Storage struct {
	cfg         storage.Config
	rdb         goredis.UniversalClient
	prefix      string
	closeClient bool
}

var _ storage.Storage = (*Storage)(nil)

func create(cfg storage.Config) (storage.Storage, error) {
	db, err := strconv.Atoi(cfg.Argument("db", "0"))
	if err != nil {
		return nil, fmt.Errorf("redis storage: invalid db: %w", err)
	}
	rdb := goredis.NewUniversalClient(&goredis.UniversalOptions{
		Addrs:    strings.Split(cfg.Argument("addr", "127.0.0.1:6379"), ","),
		Password: cfg.Argument("password", ""),
		DB:       db,
	})
	s, err := New(rdb, cfg, true)
	if err != nil {
		_ = rdb.Close()
		return nil, err
	}
	// fail construction rather than the first query
	if err := rdb.Ping(context.Background()).Err(); err != nil {
		_ = rdb.Close()
		return nil, fmt.Errorf("redis storage: ping: %w", err)
	}
	return s, nil
}

// New wraps an existing client. Set closeClient only if the storage
// exclusively owns the client.
func New(client goredis.UniversalClient, cfg storage.Config, closeClient bool) (*Storage, error) {
	if client == nil {
		return nil, ErrNilClient
	}
	return &Storage{
		cfg:         cfg.WithDefaults(),
		rdb:         client,
		prefix:      cfg.Argument("prefix", "qc"),
		closeClient: closeClient,
	}, nil
}

func (s *Storage) key(k storage.Key) string { return util.NamespacedKey(s.prefix, s.cfg.Name, k) }

func (s *Storage) GetValue(ctx context.Context, key storage.Key, flags storage.Flags, softTTL, hardTTL time.Duration) ([]byte, storage.Result) {
	raw, err := s.rdb.Get(ctx, s.key(key)).Bytes()
	if err == goredis.Nil {
		return nil, storage.NotFound
	}
	if err != nil {
		s.cfg.ReportError(fmt.Errorf("redis storage: get %s: %w", key, err))
		return nil, storage.Error
	}
	value, res, err := util.Unframe(s.cfg, raw, flags, softTTL, hardTTL)
	if err != nil {
		_ = s.rdb.Del(ctx, s.key(key)).Err()
		s.cfg.ReportError(fmt.Errorf("redis storage: key %s: %w", key, err))
	}
	return value, res
}

func (s *Storage) PutValue(ctx context.Context, key storage.Key, value []byte) storage.Result {
	err := s.rdb.Set(ctx, s.key(key), util.Frame(s.cfg, value), s.cfg.HardTTL).Err()
	if err != nil {
		s.cfg.ReportError(fmt.Errorf("redis storage: set %s: %w", key, err))
		if strings.HasPrefix(err.Error(), "OOM") {
			return storage.OutOfResources
		}
		return storage.Error
	}
	return storage.OK
}

func (s *Storage) DelValue(ctx context.Context, key storage.Key) storage.Result {
	if err := s.rdb.Del(ctx, s.key(key)).Err(); err != nil {
		s.cfg.ReportError(fmt.Errorf("redis storage: del %s: %w", key, err))
		return storage.Error
	}
	return storage.OK
}

func (s *Storage) GetInfo(ctx context.Context, what storage.Info) (map[string]any, storage.Result) {
	info := make(map[string]any)
	if what&storage.InfoBasic != 0 {
		info["module"] = Name
		info["prefix"] = s.prefix
	}
	if what&storage.InfoStats != 0 {
		n, err := s.rdb.DBSize(ctx).Result()
		if err != nil {
			s.cfg.ReportError(fmt.Errorf("redis storage: dbsize: %w", err))
			return info, storage.Error
		}
		info["db_keys"] = n
	}
	return info, storage.OK
}

// Close releases the client only when this storage owns it.
// Safe to call multiple times.
func (s *Storage) Close(context.Context) error {
	if s.closeClient {
		if err := s.rdb.Close(); err != nil && !errors.Is(err, goredis.ErrClosed) {
			return err
		}
	}
	return nil
}
