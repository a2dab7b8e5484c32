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

func TestUpsertMessageInsertThenUpdateFlagsPreservesFirstSeenAt(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g1", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)
	folderID, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 10,
	})
	require.NoError(t, err)

	entry := &models.MessageIndexEntry{
		AccountID:    accountID,
		FolderID:     folderID,
		UID:          1,
		InternalDate: time.Now(),
		From:         []string{"a@example.com"},
		Subject:      "hello",
		Flags:        []string{"\\Seen"},
	}

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	inserted, err := store.UpsertMessage(ctx, tx, entry)
	require.NoError(t, err)
	assert.True(t, inserted)
	require.NoError(t, tx.Commit(ctx))

	first, err := store.GetMessageByUID(ctx, pool, folderID, 1)
	require.NoError(t, err)

	entry.Flags = []string{"\\Seen", "\\Flagged"}
	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	inserted, err = store.UpsertMessage(ctx, tx, entry)
	require.NoError(t, err)
	assert.False(t, inserted)
	require.NoError(t, tx.Commit(ctx))

	second, err := store.GetMessageByUID(ctx, pool, folderID, 1)
	require.NoError(t, err)
	assert.Equal(t, []string{"\\Seen", "\\Flagged"}, second.Flags)
	assert.WithinDuration(t, first.FirstSeenAt, second.FirstSeenAt, time.Millisecond)
}

func TestHighestSyncedUIDReturnsZeroWhenEmpty(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g2", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)
	folderID, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 10,
	})
	require.NoError(t, err)

	uid, err := store.HighestSyncedUID(ctx, pool, folderID)
	require.NoError(t, err)
	assert.Zero(t, uid)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = store.UpsertMessage(ctx, tx, &models.MessageIndexEntry{
		AccountID: accountID, FolderID: folderID, UID: 7, InternalDate: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	uid, err = store.HighestSyncedUID(ctx, pool, folderID)
	require.NoError(t, err)
	assert.EqualValues(t, 7, uid)
}

func TestPurgeFolderMessagesRemovesAllEntries(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g3", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)
	folderID, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 10,
	})
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	for _, uid := range []uint32{1, 2, 3} {
		_, err = store.UpsertMessage(ctx, tx, &models.MessageIndexEntry{
			AccountID: accountID, FolderID: folderID, UID: uid, InternalDate: time.Now(),
		})
		require.NoError(t, err)
	}
	require.NoError(t, tx.Commit(ctx))

	uids, err := store.UIDsInFolder(ctx, pool, folderID)
	require.NoError(t, err)
	require.Len(t, uids, 3)

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.PurgeFolderMessages(ctx, tx, folderID))
	require.NoError(t, tx.Commit(ctx))

	uids, err = store.UIDsInFolder(ctx, pool, folderID)
	require.NoError(t, err)
	assert.Empty(t, uids)
}

func TestDeleteMessageRemovesSingleEntry(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g4", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)
	folderID, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 10,
	})
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = store.UpsertMessage(ctx, tx, &models.MessageIndexEntry{
		AccountID: accountID, FolderID: folderID, UID: 5, InternalDate: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.DeleteMessage(ctx, tx, folderID, 5))
	require.NoError(t, tx.Commit(ctx))

	_, err = store.GetMessageByUID(ctx, pool, folderID, 5)
	assert.ErrorIs(t, err, store.ErrMessageNotFound)
}

func TestDeleteMessageLeavesTombstone(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g5", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)
	folderID, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 10,
	})
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = store.UpsertMessage(ctx, tx, &models.MessageIndexEntry{
		AccountID: accountID, FolderID: folderID, UID: 9, InternalDate: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, store.DeleteMessage(ctx, tx, folderID, 9))
	require.NoError(t, tx.Commit(ctx))

	tombstones, err := store.ListTombstones(ctx, pool, folderID)
	require.NoError(t, err)
	assert.Contains(t, tombstones, uint32(9))

	// A UIDVALIDITY purge invalidates the tombstones along with the index.
	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	require.NoError(t, store.PurgeFolderMessages(ctx, tx, folderID))
	require.NoError(t, tx.Commit(ctx))

	tombstones, err = store.ListTombstones(ctx, pool, folderID)
	require.NoError(t, err)
	assert.Empty(t, tombstones)
}

func TestUpsertMessageEmptyThreadIDKeepsStoredOne(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g6", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)
	folderID, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 10,
	})
	require.NoError(t, err)

	entry := &models.MessageIndexEntry{
		AccountID: accountID, FolderID: folderID, UID: 3,
		InternalDate: time.Now(), ThreadID: "subj:hello|a@example.com",
	}
	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = store.UpsertMessage(ctx, tx, entry)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	entry.ThreadID = ""
	entry.Flags = []string{"\\Seen"}
	tx, err = pool.Begin(ctx)
	require.NoError(t, err)
	_, err = store.UpsertMessage(ctx, tx, entry)
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	got, err := store.GetMessageByUID(ctx, pool, folderID, 3)
	require.NoError(t, err)
	assert.Equal(t, "subj:hello|a@example.com", got.ThreadID)
	assert.Equal(t, []string{"\\Seen"}, got.Flags)
}

func TestFolderFlagsReturnsIndexedFlagSets(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	ctx := context.Background()
	accountID, err := store.InsertAccount(ctx, pool, &models.Account{
		GrantID: "g7", IMAPHost: "h", IMAPPort: 993, TLSMode: models.TLSModeTLS,
		ApplicationID: "app", State: models.AccountActive,
	})
	require.NoError(t, err)
	folderID, err := store.UpsertFolder(ctx, pool, &models.Folder{
		AccountID: accountID, Name: "INBOX", UIDValidity: 1, UIDNext: 10,
	})
	require.NoError(t, err)

	tx, err := pool.Begin(ctx)
	require.NoError(t, err)
	_, err = store.UpsertMessage(ctx, tx, &models.MessageIndexEntry{
		AccountID: accountID, FolderID: folderID, UID: 1,
		InternalDate: time.Now(), Flags: []string{"\\Seen"},
	})
	require.NoError(t, err)
	_, err = store.UpsertMessage(ctx, tx, &models.MessageIndexEntry{
		AccountID: accountID, FolderID: folderID, UID: 2, InternalDate: time.Now(),
	})
	require.NoError(t, err)
	require.NoError(t, tx.Commit(ctx))

	flags, err := store.FolderFlags(ctx, pool, folderID)
	require.NoError(t, err)
	require.Len(t, flags, 2)
	assert.Equal(t, []string{"\\Seen"}, flags[1])
	assert.Empty(t, flags[2])
}
