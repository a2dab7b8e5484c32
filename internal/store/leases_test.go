package store_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/testutil"
)

func TestTryAcquireLeaderLeaseFirstClaimSucceeds(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	gen, err := store.TryAcquireLeaderLease(context.Background(), pool, "worker-a", time.Minute)
	require.NoError(t, err)
	assert.EqualValues(t, 1, gen)
}

func TestTryAcquireLeaderLeaseBlocksOtherHolderUntilExpiry(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	_, err := store.TryAcquireLeaderLease(ctx, pool, "worker-a", time.Hour)
	require.NoError(t, err)

	_, err = store.TryAcquireLeaderLease(ctx, pool, "worker-b", time.Hour)
	assert.ErrorIs(t, err, store.ErrNotLeader)

	// A near-zero TTL means the existing holder's heartbeat is immediately
	// stale, so a different worker can take over.
	gen, err := store.TryAcquireLeaderLease(ctx, pool, "worker-b", time.Nanosecond)
	require.NoError(t, err)
	assert.EqualValues(t, 2, gen)
}

func TestTryAcquireLeaderLeaseRenewalBySameWorkerKeepsGeneration(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	gen1, err := store.TryAcquireLeaderLease(ctx, pool, "worker-a", time.Hour)
	require.NoError(t, err)

	gen2, err := store.TryAcquireLeaderLease(ctx, pool, "worker-a", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, gen1, gen2)
}

func TestUpsertAndGetWorkerLease(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	lease := &models.WorkerLease{
		WorkerID:    "worker-a",
		HeartbeatAt: time.Now(),
		AccountIDs:  []int64{1, 2, 3},
		Generation:  1,
	}
	require.NoError(t, store.UpsertWorkerLease(ctx, pool, lease))

	got, err := store.GetWorkerLease(ctx, pool, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{1, 2, 3}, got.AccountIDs)

	lease.AccountIDs = []int64{4}
	require.NoError(t, store.UpsertWorkerLease(ctx, pool, lease))

	got, err = store.GetWorkerLease(ctx, pool, "worker-a")
	require.NoError(t, err)
	assert.Equal(t, []int64{4}, got.AccountIDs)
}

func TestGetWorkerLeaseNotFound(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	_, err := store.GetWorkerLease(context.Background(), pool, "nobody")
	assert.ErrorIs(t, err, store.ErrLeaseNotFound)
}

func TestDeleteWorkerLeaseRemovesRow(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, store.UpsertWorkerLease(ctx, pool, &models.WorkerLease{
		WorkerID: "worker-a", HeartbeatAt: time.Now(), Generation: 1,
	}))
	require.NoError(t, store.DeleteWorkerLease(ctx, pool, "worker-a"))

	_, err := store.GetWorkerLease(ctx, pool, "worker-a")
	assert.ErrorIs(t, err, store.ErrLeaseNotFound)
}

func TestListWorkerLeasesReturnsAll(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	require.NoError(t, store.UpsertWorkerLease(ctx, pool, &models.WorkerLease{
		WorkerID: "worker-a", HeartbeatAt: time.Now(), Generation: 1,
	}))
	require.NoError(t, store.UpsertWorkerLease(ctx, pool, &models.WorkerLease{
		WorkerID: "worker-b", HeartbeatAt: time.Now(), Generation: 1,
	}))

	leases, err := store.ListWorkerLeases(ctx, pool)
	require.NoError(t, err)
	assert.Len(t, leases, 2)
}
