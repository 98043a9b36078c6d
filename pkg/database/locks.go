package database

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/Gobusters/ectoerror/httperror"
)

const (
	lockMaxAttempts = 5
	lockRetryDelay  = 200 * time.Millisecond
)

// AcquireKeyLock takes a transaction-scoped advisory lock on an arbitrary
// string key. The lock is released when the transaction commits or rolls
// back. Used to serialize check-then-insert races on identifier values.
// Acquisition is non-blocking with bounded retries so a wedged holder
// surfaces as a transient failure instead of stalling the caller.
func AcquireKeyLock(ctx context.Context, tx Tx, namespace, key string) error {
	for attempt := 1; attempt <= lockMaxAttempts; attempt++ {
		var acquired bool
		err := tx.GetContext(ctx, &acquired, "SELECT pg_try_advisory_xact_lock(hashtext($1), hashtext($2))", namespace, key)
		if err != nil {
			return fmt.Errorf("error while acquiring advisory lock for %s: %w", namespace, err)
		}
		if acquired {
			return nil
		}
		if attempt == lockMaxAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(lockRetryDelay):
		}
	}
	return httperror.NewHTTPError(http.StatusServiceUnavailable, fmt.Sprintf("timed out waiting for %s lock", namespace))
}

// AcquireEntityLocks takes transaction-scoped advisory locks on a set of
// entity ids. Ids are locked in sorted order so concurrent merges touching
// the same entities cannot deadlock.
func AcquireEntityLocks(ctx context.Context, tx Tx, entityIDs ...string) error {
	ids := make([]string, len(entityIDs))
	copy(ids, entityIDs)
	sort.Strings(ids)

	for _, id := range ids {
		if err := AcquireKeyLock(ctx, tx, "entity", id); err != nil {
			return err
		}
	}
	return nil
}
