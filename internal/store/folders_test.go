package store_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/vdavid/syncengine/internal/models"
	"github.com/vdavid/syncengine/internal/store"
	"github.com/vdavid/syncengine/internal/testutil"
)

func TestUpsertFolderCreatesThenUpdatesUIDNext(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g1", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)

	id, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 100, UIDNext: 5,
	})
	require.NoError(t, err)

	id2, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 100, UIDNext: 9,
	})
	require.NoError(t, err)
	assert.Equal(t, id, id2)

	got, err := store.GetFolder(ctx, pool, id)
	require.NoError(t, err)
	assert.EqualValues(t, 9, got.UIDNext)
}

func TestAdvanceBackfillPersistsHighWaterMark(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g2", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)

	id, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 100,
	})
	require.NoError(t, err)

	require.NoError(t, store.AdvanceBackfill(ctx, pool, id, 42))

	got, err := store.GetFolder(ctx, pool, id)
	require.NoError(t, err)
	require.NotNil(t, got.LastSyncedUID)
	assert.EqualValues(t, 42, *got.LastSyncedUID)
}

func TestResetForUIDValidityChangeClearsBackfillPosition(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g3", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)

	id, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 100,
	})
	require.NoError(t, err)
	require.NoError(t, store.AdvanceBackfill(ctx, pool, id, 50))
	require.NoError(t, store.SetFolderState(ctx, pool, id, models.FolderLive, ""))

	require.NoError(t, store.ResetForUIDValidityChange(ctx, pool, id, 2, 1))

	got, err := store.GetFolder(ctx, pool, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, got.UIDValidity)
	assert.Nil(t, got.LastSyncedUID)
	assert.Equal(t, models.FolderBackfilling, got.State)
}
