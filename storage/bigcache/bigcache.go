// Package bigcache registers the "bigcache" storage backed by
// allegro/bigcache. BigCache has one global life window; it is set to the
// hard TTL (or 24h when values never expire) and per-read TTLs are applied
// on top of it. Config.MaxSize is rounded up to whole megabytes.
//
// Arguments:
//
//	shards       number of shards, power of two (default 1024)
//	clean        clean window, e.g. "1m" (default: the life window)
//	max_entry    expected max entry size in bytes (default 4096)
package bigcache

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	bc "github.com/allegro/bigcache/v3"

	"github.com/unkn0wn-root/querycache/internal/util"
	"github.com/unkn0wn-root/querycache/storage"
)

const (
	Name = "bigcache"

	defaultLifeWindow = 24 * time.Hour
)

func init() {
	storage.Register(storage.Module{
		Name:         Name,
		Capabilities: storage.CapTTL | storage.CapMaxSize | storage.CapEviction,
		Create:       func(cfg storage.Config) (storage.Storage, error) { return New(cfg) },
	})
}

type Storage struct {
	cfg storage.Config
	c   *bc.BigCache
}

var _ storage.Storage = (*Storage)(nil)

func New(cfg storage.Config) (*Storage, error) {
	cfg = cfg.WithDefaults()

	life := cfg.HardTTL
	if life <= 0 {
		life = defaultLifeWindow
	}
	conf := bc.DefaultConfig(life)
	conf.CleanWindow = life
	conf.Verbose = false

	if v := cfg.Argument("shards", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bigcache: invalid shards: %w", err)
		}
		conf.Shards = n
	}
	if v := cfg.Argument("clean", ""); v != "" {
		d, err := time.ParseDuration(v)
		if err != nil {
			return nil, fmt.Errorf("bigcache: invalid clean: %w", err)
		}
		conf.CleanWindow = d
	}
	if v := cfg.Argument("max_entry", ""); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return nil, fmt.Errorf("bigcache: invalid max_entry: %w", err)
		}
		conf.MaxEntrySize = n
	}
	if cfg.MaxSize > 0 {
		mb := int((cfg.MaxSize + 1<<20 - 1) >> 20)
		conf.HardMaxCacheSize = mb
	}

	c, err := bc.New(context.Background(), conf)
	if err != nil {
		return nil, err
	}
	return &Storage{cfg: cfg, c: c}, nil
}

func (s *Storage) GetValue(_ context.Context, key storage.Key, flags storage.Flags, softTTL, hardTTL time.Duration) ([]byte, storage.Result) {
	raw, err := s.c.Get(key.String())
	if errors.Is(err, bc.ErrEntryNotFound) {
		return nil, storage.NotFound
	}
	if err != nil {
		s.cfg.ReportError(fmt.Errorf("bigcache: get %s: %w", key, err))
		return nil, storage.Error
	}
	value, res, err := util.Unframe(s.cfg, raw, flags, softTTL, hardTTL)
	if err != nil {
		_ = s.c.Delete(key.String())
		s.cfg.ReportError(fmt.Errorf("bigcache: key %s: %w", key, err))
	}
	return value, res
}

func (s *Storage) PutValue(_ context.Context, key storage.Key, value []byte) storage.Result {
	if err := s.c.Set(key.String(), util.Frame(s.cfg, value)); err != nil {
		// the only Set failure is an entry larger than a shard
		s.cfg.ReportError(fmt.Errorf("bigcache: set %s: %w", key, err))
		return storage.OutOfResources
	}
	return storage.OK
}

func (s *Storage) DelValue(_ context.Context, key storage.Key) storage.Result {
	err := s.c.Delete(key.String())
	if err != nil && !errors.Is(err, bc.ErrEntryNotFound) {
		s.cfg.ReportError(fmt.Errorf("bigcache: delete %s: %w", key, err))
		return storage.Error
	}
	return storage.OK
}

func (s *Storage) GetInfo(_ context.Context, what storage.Info) (map[string]any, storage.Result) {
	info := make(map[string]any)
	if what&storage.InfoBasic != 0 {
		info["module"] = Name
		info["capacity"] = s.c.Capacity()
	}
	if what&storage.InfoStats != 0 {
		st := s.c.Stats()
		info["items"] = s.c.Len()
		info["hits"] = st.Hits
		info["misses"] = st.Misses
		info["collisions"] = st.Collisions
	}
	return info, storage.OK
}

func (s *Storage) Close(_ context.Context) error {
	return s.c.Close()
}
