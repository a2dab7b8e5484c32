package worker

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/syncengine/internal/config"
	"github.com/vdavid/syncengine/internal/imapconn"
	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/supervisor"
	"github.com/vdavid/syncengine/internal/telemetry"
	"github.com/vdavid/syncengine/internal/testutil"
)

type fixedCredentials struct {
	username, secret string
}

func (f fixedCredentials) IMAPCredentials(context.Context, int64) (string, string, error) {
	return f.username, f.secret, nil
}

func newWorkerTestAccount(t *testing.T, imapAddr string, applicationID string) *models.Account {
	t.Helper()
	host, portStr, err := net.SplitHostPort(imapAddr)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	return &models.Account{
		IMAPHost:      host,
		IMAPPort:      port,
		TLSMode:       models.TLSModeInsecure,
		ApplicationID: applicationID,
		State:         models.AccountActive,
	}
}

func newTestWorker(t *testing.T, imapServer *testutil.TestIMAPServer) (*Worker, func()) {
	t.Helper()
	pool := testutil.NewTestDB(t)

	imapPool := imapconn.NewPool(imapconn.Config{
		Capacity:                2,
		IdleTTL:                 time.Minute,
		HealthCheckAfter:        time.Minute,
		DialTimeout:             5 * time.Second,
		MaxConcurrentPerHost:    10,
		MaxNewConnPerSecPerHost: 100,
	}, fixedCredentials{imapServer.Username(), imapServer.Password()}, telemetry.NewLogger("error"))

	w := New(pool, imapPool, Config{
		Mode:                  config.ModeSingle,
		SupervisorCap:         10,
		HeartbeatInterval:     time.Hour,
		LeaseTTL:              time.Minute,
		ReconcileInterval:     time.Hour,
		ShutdownGraceDeadline: time.Second,
		Supervisor: supervisor.Config{
			BackoffInitial:    time.Millisecond,
			BackoffMax:        10 * time.Millisecond,
			BackfillBatchSize: 10,
			IMAPIdleRenewal:   time.Minute,
			DiscoveryInterval: time.Hour,
		},
	}, telemetry.NewLogger("error"))

	return w, func() {
		imapPool.Close()
		pool.Close()
	}
}

func TestApplyAssignmentStartsAndStopsSupervisors(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	defer imapServer.Close()
	imapServer.EnsureINBOX(t)

	w, cleanup := newTestWorker(t, imapServer)
	defer cleanup()
	ctx := context.Background()

	account := newWorkerTestAccount(t, imapServer.Address, "app-1")
	accountID, err := store.InsertAccount(ctx, w.db, account)
	require.NoError(t, err)
	account.ID = accountID

	lookup := func(id int64) (*models.Account, error) {
		if id == accountID {
			return account, nil
		}
		return nil, store.ErrAccountNotFound
	}

	w.ApplyAssignment(ctx, []int64{accountID}, lookup)
	assert.Equal(t, 1, w.LeasesHeld())

	w.ApplyAssignment(ctx, nil, lookup)
	require.Eventually(t, func() bool { return w.LeasesHeld() == 0 }, time.Second, 10*time.Millisecond)
}

func TestApplyAssignmentRespectsSupervisorCap(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	defer imapServer.Close()
	imapServer.EnsureINBOX(t)

	w, cleanup := newTestWorker(t, imapServer)
	defer cleanup()
	w.cfg.SupervisorCap = 1
	ctx := context.Background()

	acctA := newWorkerTestAccount(t, imapServer.Address, "app-a")
	idA, err := store.InsertAccount(ctx, w.db, acctA)
	require.NoError(t, err)
	acctA.ID = idA

	acctB := newWorkerTestAccount(t, imapServer.Address, "app-b")
	idB, err := store.InsertAccount(ctx, w.db, acctB)
	require.NoError(t, err)
	acctB.ID = idB

	byID := map[int64]*models.Account{idA: acctA, idB: acctB}
	lookup := func(id int64) (*models.Account, error) { return byID[id], nil }

	w.ApplyAssignment(ctx, []int64{idA, idB}, lookup)
	assert.Equal(t, 1, w.LeasesHeld())
}

func TestHeartbeatPersistsAssignedAccounts(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	defer imapServer.Close()
	imapServer.EnsureINBOX(t)

	w, cleanup := newTestWorker(t, imapServer)
	defer cleanup()
	ctx := context.Background()

	w.mu.Lock()
	w.assigned[42] = 1
	w.mu.Unlock()

	require.NoError(t, w.heartbeat(ctx))

	lease, err := store.GetWorkerLease(ctx, w.db, w.ID)
	require.NoError(t, err)
	assert.Equal(t, []int64{42}, lease.AccountIDs)
}

func TestShutdownDeletesWorkerLease(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	defer imapServer.Close()
	imapServer.EnsureINBOX(t)

	w, cleanup := newTestWorker(t, imapServer)
	defer cleanup()
	ctx := context.Background()

	require.NoError(t, w.heartbeat(ctx))
	_, err := store.GetWorkerLease(ctx, w.db, w.ID)
	require.NoError(t, err)

	require.NoError(t, w.shutdown())

	_, err = store.GetWorkerLease(ctx, w.db, w.ID)
	assert.ErrorIs(t, err, store.ErrLeaseNotFound)
}
