package main

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/jackc/pgx/v5/stdlib"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"gopkg.in/yaml.v3"
	"modernc.org/sqlite"

	"github.com/unkn0wn-root/querycache"
	"github.com/unkn0wn-root/querycache/codec"
	"github.com/unkn0wn-root/querycache/interceptor"
)

func newKeyCmd(g *globalFlags) *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "key <statement>",
		Short: "Print the cache key of a statement",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if g.config == "" {
				k, err := querycache.DefaultKey(db, args[0])
				if err != nil {
					return err
				}
				fmt.Fprintln(cmd.OutOrStdout(), k)
				return nil
			}
			c, _, err := g.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close(cmd.Context())
			k, err := c.GetKey(db, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), k)
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "default database of the session")
	return cmd
}

func newRulesCmd(g *globalFlags) *cobra.Command {
	var db string
	cmd := &cobra.Command{
		Use:   "rules <statement>...",
		Short: "Report which statements the cache rules admit",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := g.options()
			if err != nil {
				return err
			}
			rs, _, err := querycache.Create(opts.Config)
			if err != nil {
				return err
			}
			w := cmd.OutOrStdout()
			for _, stmt := range args {
				verdict := "skip"
				for i, r := range rs {
					if r.ShouldStore(db, stmt) {
						verdict = fmt.Sprintf("cache[%d]", i)
						break
					}
				}
				fmt.Fprintf(w, "%s\t%s\n", verdict, stmt)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&db, "db", "", "default database of the session")
	return cmd
}

func newInfoCmd(g *globalFlags) *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "info",
		Short: "Print the diagnostics of a cache",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, _, err := g.open(cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer c.Close(cmd.Context())
			out, err := encodeInfo(c.GetInfo(cmd.Context(), querycache.InfoAll), format)
			if err != nil {
				return err
			}
			_, err = cmd.OutOrStdout().Write(out)
			return err
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "yaml", "output format: yaml, json, msgpack, cbor or proto")
	return cmd
}

func encodeInfo(d querycache.Diagnostics, format string) ([]byte, error) {
	switch format {
	case "yaml":
		return yaml.Marshal(d.Map())
	case "json":
		b, err := codec.JSON[querycache.Diagnostics]{Indent: "  "}.Encode(d)
		if err != nil {
			return nil, err
		}
		return append(b, '\n'), nil
	case "msgpack":
		return codec.Msgpack[querycache.Diagnostics]{}.Encode(d)
	case "cbor":
		return codec.MustCBOR[querycache.Diagnostics](true).Encode(d)
	case "proto":
		return codec.Struct{}.Encode(d.Map())
	default:
		return nil, fmt.Errorf("unknown format %q", format)
	}
}

type queryFlags struct {
	driver string
	dsn    string
	db     string
	repeat int
	soft   time.Duration
	hard   time.Duration
}

func newQueryCmd(g *globalFlags) *cobra.Command {
	q := &queryFlags{}
	cmd := &cobra.Command{
		Use:   "query <statement> [arg]...",
		Short: "Run a statement through the cache",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return runQuery(cmd, g, q, args[0], args[1:])
		},
	}
	f := cmd.Flags()
	f.StringVar(&q.driver, "driver", "pgx", "database driver: pgx or sqlite")
	f.StringVar(&q.dsn, "dsn", "", "data source name")
	f.StringVar(&q.db, "db", "", "default database reported to the cache rules")
	f.IntVarP(&q.repeat, "repeat", "n", 1, "run the statement n times")
	f.DurationVar(&q.soft, "soft-ttl", 0, "soft TTL of reads (default: configured)")
	f.DurationVar(&q.hard, "hard-ttl", 0, "hard TTL of reads (default: configured)")
	_ = cmd.MarkFlagRequired("dsn")
	return cmd
}

func baseDriver(name string) (driver.Driver, error) {
	switch name {
	case "pgx", "postgres":
		return stdlib.GetDefaultDriver(), nil
	case "sqlite":
		return &sqlite.Driver{}, nil
	default:
		return nil, fmt.Errorf("unknown driver %q", name)
	}
}

// connector opens connections of a wrapped driver without registering it.
type connector struct {
	dsn string
	drv driver.Driver
}

func (c connector) Connect(context.Context) (driver.Conn, error) { return c.drv.Open(c.dsn) }
func (c connector) Driver() driver.Driver                        { return c.drv }

func runQuery(cmd *cobra.Command, g *globalFlags, q *queryFlags, stmt string, args []string) error {
	if q.repeat < 1 {
		return fmt.Errorf("--repeat must be positive, got %d", q.repeat)
	}
	base, err := baseDriver(q.driver)
	if err != nil {
		return err
	}
	c, zl, err := g.open(cmd.ErrOrStderr())
	if err != nil {
		return err
	}
	defer c.Close(context.Background())

	ic, err := interceptor.New(interceptor.Config{
		Cache:    c,
		Database: q.db,
		SoftTTL:  q.soft,
		HardTTL:  q.hard,
		OnError:  func(err error) { zl.Warn("cache error", zap.Error(err)) },
	})
	if err != nil {
		return err
	}
	db := sql.OpenDB(connector{dsn: q.dsn, drv: ic.Driver(base)})
	defer db.Close()

	qargs := make([]any, len(args))
	for i, a := range args {
		qargs[i] = a
	}
	ctx := cmd.Context()
	for i := 0; i < q.repeat; i++ {
		start := time.Now()
		n, err := printRows(ctx, db, cmd.OutOrStdout(), i == 0, stmt, qargs)
		if err != nil {
			return err
		}
		zl.Info("query done", zap.Int("run", i+1), zap.Int("rows", n), zap.Duration("took", time.Since(start)))
	}
	s := ic.Stats()
	zl.Info("interceptor stats",
		zap.Uint64("hits", s.Hits),
		zap.Uint64("stale_hits", s.StaleHits),
		zap.Uint64("misses", s.Misses),
		zap.Uint64("refreshes", s.Refreshes),
		zap.Uint64("bypassed", s.Bypassed),
		zap.Uint64("errors", s.Errors),
	)
	return nil
}

// printRows runs stmt and writes its rows tab separated, with a header
// when header is set. It returns the number of rows.
func printRows(ctx context.Context, db *sql.DB, w io.Writer, header bool, stmt string, args []any) (int, error) {
	rows, err := db.QueryContext(ctx, stmt, args...)
	if err != nil {
		return 0, err
	}
	defer rows.Close()

	cols, err := rows.Columns()
	if err != nil {
		return 0, err
	}
	if header {
		fmt.Fprintln(w, strings.Join(cols, "\t"))
	}
	vals := make([]any, len(cols))
	ptrs := make([]any, len(cols))
	for i := range vals {
		ptrs[i] = &vals[i]
	}
	cells := make([]string, len(cols))
	n := 0
	for rows.Next() {
		if err := rows.Scan(ptrs...); err != nil {
			return n, err
		}
		for i, v := range vals {
			if b, ok := v.([]byte); ok {
				v = string(b)
			}
			cells[i] = fmt.Sprint(v)
		}
		if header {
			fmt.Fprintln(w, strings.Join(cells, "\t"))
		}
		n++
	}
	return n, rows.Err()
}
