package syncunit

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/syncengine/internal/imapconn"
	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/telemetry"
	"github.com/vdavid/syncengine/internal/testutil"
)

// fixedCredentials returns the test IMAP server's fixed username/password
// for every account, standing in for internal/credentials.Provider.
type fixedCredentials struct {
	username, secret string
}

func (f fixedCredentials) IMAPCredentials(context.Context, int64) (string, string, error) {
	return f.username, f.secret, nil
}

func newTestAccount(t *testing.T, imapAddr string, applicationID string) *models.Account {
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

func TestUnitDiscoverThenBackfillIndexesExistingMessages(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	defer imapServer.Close()
	imapServer.EnsureINBOX(t)

	now := time.Now()
	imapServer.AddMessage(t, "INBOX", "<m1@test>", "one", "a@example.com", "t@example.com", now.Add(-3*time.Hour))
	imapServer.AddMessage(t, "INBOX", "<m2@test>", "two", "b@example.com", "t@example.com", now.Add(-2*time.Hour))
	imapServer.AddMessage(t, "INBOX", "<m3@test>", "three", "c@example.com", "t@example.com", now.Add(-1*time.Hour))

	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	account := newTestAccount(t, imapServer.Address, "app-1")
	accountID, err := store.InsertAccount(ctx, pool, account)
	require.NoError(t, err)
	account.ID = accountID

	_, err = pool.Exec(ctx, `
		INSERT INTO webhook_subscriptions (application_id, target_url, signing_secret, trigger_kinds, enabled)
		VALUES ('app-1', 'https://example.com/hook', 'secret', ARRAY['message.created'], true)
	`)
	require.NoError(t, err)

	imapPool := imapconn.NewPool(imapconn.Config{
		Capacity:                2,
		IdleTTL:                 time.Minute,
		HealthCheckAfter:        time.Minute,
		DialTimeout:             5 * time.Second,
		MaxConcurrentPerHost:    10,
		MaxNewConnPerSecPerHost: 100,
	}, fixedCredentials{imapServer.Username(), imapServer.Password()}, telemetry.NewLogger("error"))
	defer imapPool.Close()

	folder := &models.Folder{AccountID: accountID, Name: "INBOX", State: models.FolderNew}
	unit := New(account, folder, Dependencies{
		Pool: imapPool,
		DB:   pool,
		Config: UnitConfig{
			BackfillBatchSize: 10,
			IMAPIdleRenewal:   time.Minute,
		},
	}, telemetry.NewLogger("error"))

	for i := 0; i < 10 && folder.State != models.FolderLive; i++ {
		stepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		err := unit.step(stepCtx)
		cancel()
		require.NoError(t, err)
	}
	require.Equal(t, models.FolderLive, folder.State)

	// The memory backend's INBOX already holds one seeded message, so the
	// index holds it plus the three appended above.
	uids, err := store.UIDsInFolder(ctx, pool, folder.ID)
	require.NoError(t, err)
	assert.Len(t, uids, 4)

	due, err := store.DueDeliveries(ctx, pool, 10)
	require.NoError(t, err)
	assert.Len(t, due, 4)
	for _, d := range due {
		assert.Equal(t, models.TriggerMessageCreated, d.Kind)
	}
}

func TestUnitDiscoverEmptyFolderGoesStraightToLive(t *testing.T) {
	imapServer := testutil.NewTestIMAPServer(t)
	defer imapServer.Close()
	imapServer.EnsureINBOX(t)
	// The memory backend's INBOX is seeded with a message, so the empty
	// folder is created here.
	c, done := imapServer.Connect(t)
	require.NoError(t, c.Create("Empty"))
	done()

	pool := testutil.NewTestDB(t)
	defer pool.Close()
	ctx := context.Background()

	account := newTestAccount(t, imapServer.Address, "app-2")
	accountID, err := store.InsertAccount(ctx, pool, account)
	require.NoError(t, err)
	account.ID = accountID

	imapPool := imapconn.NewPool(imapconn.Config{
		Capacity:                1,
		IdleTTL:                 time.Minute,
		HealthCheckAfter:        time.Minute,
		DialTimeout:             5 * time.Second,
		MaxConcurrentPerHost:    10,
		MaxNewConnPerSecPerHost: 100,
	}, fixedCredentials{imapServer.Username(), imapServer.Password()}, telemetry.NewLogger("error"))
	defer imapPool.Close()

	folder := &models.Folder{AccountID: accountID, Name: "Empty", State: models.FolderNew}
	unit := New(account, folder, Dependencies{
		Pool: imapPool, DB: pool,
		Config: UnitConfig{BackfillBatchSize: 10, IMAPIdleRenewal: time.Minute},
	}, telemetry.NewLogger("error"))

	stepCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	require.NoError(t, unit.step(stepCtx))
	assert.Equal(t, models.FolderLive, folder.State)
}
