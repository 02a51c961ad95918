package pending

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/unkn0wn-root/querycache/internal/util"
	"github.com/unkn0wn-root/querycache/storage"
)

// release deletes the claim only if ARGV[1] still owns it.
// Returns 1 on delete, 0 when absent, the current owner otherwise.
var release = redis.NewScript(`
local v = redis.call("GET", KEYS[1])
if not v then
	return 0
end
if v == ARGV[1] then
	redis.call("DEL", KEYS[1])
	return 1
end
return v
`)

// Redis shares claims between processes. A claim is a key set with NX;
// with a lease it also carries PX, and Redis expires abandoned claims.
type Redis struct {
	rdb   redis.UniversalClient
	ns    string
	lease time.Duration
}

var _ Registry = (*Redis)(nil)

// NewRedis creates a registry whose keys live under "pending:<namespace>:".
// Use the cache name as namespace. lease <= 0 disables expiry.
func NewRedis(client redis.UniversalClient, namespace string, lease time.Duration) *Redis {
	return &Redis{rdb: client, ns: namespace, lease: lease}
}

func (r *Redis) key(k storage.Key) string { return util.NamespacedKey("pending", r.ns, k) }

func (r *Redis) Claim(ctx context.Context, key storage.Key, owner string) (bool, error) {
	ttl := r.lease
	if ttl < 0 {
		ttl = 0
	}
	ok, err := r.rdb.SetNX(ctx, r.key(key), owner, ttl).Result()
	if err != nil {
		return false, fmt.Errorf("pending: claim: %w", err)
	}
	return ok, nil
}

func (r *Redis) Release(ctx context.Context, key storage.Key, owner string) error {
	v, err := release.Run(ctx, r.rdb, []string{r.key(key)}, owner).Result()
	if err != nil {
		return fmt.Errorf("pending: release: %w", err)
	}
	switch vv := v.(type) {
	case int64:
		if vv == 1 {
			return nil
		}
		return ErrNotPending
	case string:
		return &MismatchError{Owner: vv}
	default:
		return fmt.Errorf("pending: release: unexpected reply %T", v)
	}
}

// Len counts claims with SCAN; the result is approximate under churn.
func (r *Redis) Len(ctx context.Context) (int, error) {
	pattern := "pending:" + r.ns + ":*"
	if r.ns == "" {
		pattern = "pending:*"
	}
	n := 0
	iter := r.rdb.Scan(ctx, 0, pattern, 256).Iterator()
	for iter.Next(ctx) {
		n++
	}
	if err := iter.Err(); err != nil {
		return n, fmt.Errorf("pending: scan: %w", err)
	}
	return n, nil
}

// Close closes the underlying Redis client.
func (r *Redis) Close(context.Context) error {
	if err := r.rdb.Close(); err != nil && !errors.Is(err, redis.ErrClosed) {
		return err
	}
	return nil
}
