/*
Package interceptor runs the querycache session protocol in front of a
database/sql driver, using ngrok/sqlmw. Programs see the wrapped driver as
a read-through cache.

Usage:

	import (
		"database/sql"

		"github.com/jackc/pgx/v5/stdlib"
		"github.com/unkn0wn-root/querycache"
		"github.com/unkn0wn-root/querycache/interceptor"
	)

	func main() {
		...
		c, err := querycache.New(querycache.Options{Config: cfg})
		...
		ic, err := interceptor.New(interceptor.Config{Cache: c, Database: "shop"})
		...
		// wrap the pgx driver with the interceptor and register it
		sql.Register("pgx-with-cache", ic.Driver(stdlib.GetDefaultDriver()))

		db, err := sql.Open("pgx-with-cache", dsn)
		...
	}

Per query: statements rejected by the cache rules run live. Otherwise a
fresh cached result is replayed; a stale one is replayed when another
query is already refreshing it. The query that wins MustRefresh runs live,
its rows are recorded while the caller reads them and stored when the rows
are exhausted without error. Refreshed is called exactly once, also when
the query fails or the caller closes the rows early.
*/
package interceptor
