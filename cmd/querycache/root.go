package main

import (
	"errors"
	"fmt"
	"io"

	goredis "github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/config"
	qczap "github.com/unkn0wn-root/querycache/log/zap"
	"github.com/unkn0wn-root/querycache/pending"

	// storage modules selectable from the configuration
	_ "github.com/unkn0wn-root/querycache/storage/bigcache"
	_ "github.com/unkn0wn-root/querycache/storage/redis"
	_ "github.com/unkn0wn-root/querycache/storage/ristretto"
	_ "github.com/unkn0wn-root/querycache/storage/sqlite"
)

type globalFlags struct {
	config       string
	cache        string
	rules        string
	logLevel     string
	pendingRedis string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "querycache",
		Short:         "Inspect and exercise query result caches",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	pf := root.PersistentFlags()
	pf.StringVarP(&g.config, "config", "c", "", "cache configuration file")
	pf.StringVar(&g.cache, "cache", "", "cache name in the configuration (default: the only one)")
	pf.StringVar(&g.rules, "rules", "", "inline rules source, used without --config")
	pf.StringVar(&g.logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	pf.StringVar(&g.pendingRedis, "pending-redis", "", "share refresh claims through the Redis server at this address")

	root.AddCommand(
		newKeyCmd(g),
		newRulesCmd(g),
		newInfoCmd(g),
		newQueryCmd(g),
	)
	return root
}

func newLogger(level string, w io.Writer) (*zap.Logger, error) {
	lvl, err := zapcore.ParseLevel(level)
	if err != nil {
		return nil, err
	}
	enc := zapcore.NewConsoleEncoder(zap.NewDevelopmentEncoderConfig())
	return zap.New(zapcore.NewCore(enc, zapcore.AddSync(w), lvl)), nil
}

// options resolves the cache options from the global flags.
func (g *globalFlags) options() (querycache.Options, error) {
	if g.config == "" {
		return querycache.Options{Config: querycache.Config{Name: "querycache", Rules: g.rules}}, nil
	}
	if g.rules != "" {
		return querycache.Options{}, errors.New("--rules cannot be combined with --config")
	}
	f, err := config.Load(g.config)
	if err != nil {
		return querycache.Options{}, err
	}
	var c config.Cache
	switch {
	case g.cache != "":
		var ok bool
		if c, ok = f.Lookup(g.cache); !ok {
			return querycache.Options{}, fmt.Errorf("cache %q not found in %s", g.cache, g.config)
		}
	case len(f.Caches) == 1:
		c = f.Caches[0]
	default:
		return querycache.Options{}, fmt.Errorf("%s defines %d caches; select one with --cache", g.config, len(f.Caches))
	}
	return c.Options()
}

// open builds the cache selected by the flags, logging to w.
func (g *globalFlags) open(w io.Writer) (querycache.Cache, *zap.Logger, error) {
	opts, err := g.options()
	if err != nil {
		return nil, nil, err
	}
	zl, err := newLogger(g.logLevel, w)
	if err != nil {
		return nil, nil, err
	}
	opts.Logger = qczap.New(zl)
	if g.pendingRedis != "" {
		rdb := goredis.NewClient(&goredis.Options{Addr: g.pendingRedis})
		opts.Pending = pending.NewRedis(rdb, opts.Config.Name, opts.PendingLease)
	}
	c, err := querycache.New(opts)
	if err != nil {
		return nil, nil, err
	}
	return c, zl, nil
}
