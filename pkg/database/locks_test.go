package database

import (
	"context"
	"net/http"
	"testing"

	"github.com/Gobusters/ectoerror/httperror"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type lockTx struct {
	Tx
	grantAfter int // attempts that report the lock as held elsewhere
	calls      int
}

func (t *lockTx) GetContext(_ context.Context, dest any, _ string, _ ...any) error {
	t.calls++
	if acquired, ok := dest.(*bool); ok {
		*acquired = t.calls > t.grantAfter
	}
	return nil
}

func TestAcquireKeyLockRetriesUntilGranted(t *testing.T) {
	tx := &lockTx{grantAfter: 2}

	err := AcquireKeyLock(context.Background(), tx, "email", "a@example.com")
	require.NoError(t, err)
	assert.Equal(t, 3, tx.calls)
}

func TestAcquireKeyLockGivesUpAfterBoundedAttempts(t *testing.T) {
	tx := &lockTx{grantAfter: lockMaxAttempts + 1}

	err := AcquireKeyLock(context.Background(), tx, "email", "a@example.com")
	require.Error(t, err)
	assert.Equal(t, lockMaxAttempts, tx.calls)
	require.True(t, httperror.IsHTTPError(err))
	assert.Equal(t, http.StatusServiceUnavailable, httperror.GetStatusCode(err))
}

func TestAcquireEntityLocksOrdersIDs(t *testing.T) {
	tx := &lockTx{}

	err := AcquireEntityLocks(context.Background(), tx, "b", "a", "c")
	require.NoError(t, err)
	assert.Equal(t, 3, tx.calls)
}
