// Package querycache is the result cache of a database proxy.
//
// It decides whether the result of a statement may be cached, derives a
// fixed-width key for it, serves cached results and coordinates sessions
// asking for the same missing result, so that only one of them runs the
// query against the backend (stampede protection).
//
// Components:
//   - rules: match/exclude predicates over (default database, statement).
//   - storage: pluggable byte stores with TTL-aware reads (memory,
//     ristretto, bigcache, redis, sqlite).
//   - pending: the registry of in-flight refreshes. Local (in-process) by
//     default, optional Redis implementation for several proxies sharing
//     one storage.
//
// Session protocol:
//
//	if c.ShouldStore(db, stmt) == nil {
//		return runLive()
//	}
//	key, err := c.GetKey(db, stmt)
//	if err != nil {
//		return runLive()
//	}
//	v, res := c.GetValue(ctx, key, querycache.FlagIncludeStale, querycache.UseConfigTTL, querycache.UseConfigTTL)
//	if res.IsOK() && !res.IsStale() {
//		return v
//	}
//	if !c.MustRefresh(ctx, key, me) {
//		// someone else is fetching: serve the stale value or run live
//	}
//	rows := runLive()
//	c.PutValue(ctx, key, rows)
//	_ = c.Refreshed(ctx, key, me) // exactly once per MustRefresh == true
//
// The interceptor package runs this protocol for database/sql.
package querycache
