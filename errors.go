package querycache

import (
	"errors"
	"fmt"
)

var (
	// ErrEmptyStatement is returned by GetKey/DefaultKey for a statement
	// that is empty after normalization.
	ErrEmptyStatement = errors.New("querycache: empty statement")
	// ErrNotOwner is matched by *OwnershipError.
	ErrNotOwner = errors.New("querycache: requester does not own the refresh")
	// ErrNotPending is returned by Refreshed for a key nobody is refreshing.
	ErrNotPending = errors.New("querycache: key is not pending")
)

// OwnershipError is returned by Refreshed when the caller is not the
// requester that MustRefresh granted the refresh to. The pending entry is
// left untouched; the owner still has to call Refreshed.
type OwnershipError struct {
	Key       Key
	Owner     Requester
	Requester Requester
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("querycache: refreshed %s by %q: refresh is owned by %q", e.Key, e.Requester, e.Owner)
}

func (e *OwnershipError) Unwrap() error { return ErrNotOwner }

// CreateError reports why a cache could not be constructed. Either or
// both causes may be set.
type CreateError struct {
	Name       string
	RulesErr   error
	StorageErr error
}

func (e *CreateError) Error() string {
	switch {
	case e.RulesErr != nil && e.StorageErr != nil:
		return fmt.Sprintf("querycache: create %q failed: rules=%v; storage=%v",
			e.Name, e.RulesErr, e.StorageErr)
	case e.RulesErr != nil:
		return fmt.Sprintf("querycache: create %q: rules: %v", e.Name, e.RulesErr)
	case e.StorageErr != nil:
		return fmt.Sprintf("querycache: create %q: storage: %v", e.Name, e.StorageErr)
	default:
		return fmt.Sprintf("querycache: create %q: unknown error", e.Name)
	}
}

func (e *CreateError) Unwrap() []error {
	errs := make([]error, 0, 2)
	if e.RulesErr != nil {
		errs = append(errs, e.RulesErr)
	}
	if e.StorageErr != nil {
		errs = append(errs, e.StorageErr)
	}
	return errs
}
