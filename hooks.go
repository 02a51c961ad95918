package querycache

// Hooks lightweight callbacks for high-signal events.
// Implementations MUST be cheap and non-blocking.
// The cache calls them on hot paths.
type Hooks interface {
	// MustRefresh made r the owner of key.
	RefreshClaimed(key Key, r Requester)
	// MustRefresh found key already being refreshed.
	RefreshContended(key Key, r Requester)
	// The owner reported completion.
	RefreshReleased(key Key, r Requester)
	// Refreshed was called by a non-owner or for a key that is not pending.
	RefreshRejected(key Key, r Requester, err error)
	// A refresh was abandoned by owner and its lease ran out.
	LeaseExpired(key Key, owner Requester)
	// The pending registry or the storage backend failed.
	BackendError(cache string, err error)
}

// NopHooks is the default no-op
type NopHooks struct{}

func (NopHooks) RefreshClaimed(Key, Requester)         {}
func (NopHooks) RefreshContended(Key, Requester)       {}
func (NopHooks) RefreshReleased(Key, Requester)        {}
func (NopHooks) RefreshRejected(Key, Requester, error) {}
func (NopHooks) LeaseExpired(Key, Requester)           {}
func (NopHooks) BackendError(string, error)            {}
