// Package pending tracks which requester is fetching the value of a key.
// At most one claim exists per key; only its owner may release it.
//
// Local keeps claims in-process (default). Redis shares them between proxy
// processes that use the same shared storage.
package pending

import (
	"context"
	"errors"
	"fmt"

	"github.com/unkn0wn-root/querycache/storage"
)

var (
	// ErrNotPending is returned by Release for a key without a claim.
	ErrNotPending = errors.New("pending: key is not pending")
	// ErrNotOwner is matched by *MismatchError.
	ErrNotOwner = errors.New("pending: requester does not own the refresh")
	// ErrFull is returned by Claim when the registry refuses new claims.
	ErrFull = errors.New("pending: registry full")
)

// MismatchError reports a Release by someone other than the claim owner.
// The claim is left in place.
type MismatchError struct {
	Owner string
}

func (e *MismatchError) Error() string {
	return fmt.Sprintf("pending: claim is owned by %q", e.Owner)
}

func (e *MismatchError) Unwrap() error { return ErrNotOwner }

// Registry is the pending-request table.
type Registry interface {
	// Claim makes owner responsible for refreshing key. It reports false
	// when a live claim by anyone, owner included, already exists.
	Claim(ctx context.Context, key storage.Key, owner string) (bool, error)
	// Release drops the claim held by owner. It returns ErrNotPending when
	// no claim exists and a *MismatchError when another owner holds it.
	Release(ctx context.Context, key storage.Key, owner string) error
	// Len returns the number of live claims.
	Len(ctx context.Context) (int, error)
	Close(ctx context.Context) error
}
