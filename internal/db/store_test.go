package db_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/mailtide/mailtide/internal/db"
	"github.com/mailtide/mailtide/internal/models"
	"github.com/mailtide/mailtide/internal/testutil"
)

func seedAccount(t *testing.T, store *db.Store, id string) *models.Account {
	t.Helper()

	account := &models.Account{
		ID:                id,
		Email:             id + "@example.com",
		EncryptedPassword: []byte{0x01, 0x02, 0x03},
		IMAPHost:          "imap.example.com",
		IMAPPort:          993,
	}
	if err := store.SaveAccount(context.Background(), account); err != nil {
		t.Fatalf("SaveAccount failed: %v", err)
	}
	return account
}

func seedFolder(t *testing.T, store *db.Store, accountID, path string) *models.Folder {
	t.Helper()

	folder := &models.Folder{
		ID:        models.FolderID(accountID, path),
		AccountID: accountID,
		Name:      path,
		Path:      path,
		Type:      models.FolderInbox,
	}
	if err := store.UpsertFolder(context.Background(), folder); err != nil {
		t.Fatalf("UpsertFolder failed: %v", err)
	}
	return folder
}

func TestAccounts(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	store := db.NewStore(pool)
	ctx := context.Background()

	t.Run("save and get round-trips", func(t *testing.T) {
		saved := seedAccount(t, store, "acc-roundtrip")

		account, err := store.GetAccount(ctx, saved.ID)
		require.NoError(t, err)
		assert.Equal(t, saved.Email, account.Email)
		assert.Equal(t, saved.EncryptedPassword, account.EncryptedPassword)
		assert.Equal(t, saved.IMAPHost, account.IMAPHost)
		assert.Equal(t, saved.IMAPPort, account.IMAPPort)
	})

	t.Run("unknown account", func(t *testing.T) {
		_, err := store.GetAccount(ctx, "missing")
		assert.ErrorIs(t, err, db.ErrAccountNotFound)
	})

	t.Run("save twice updates in place", func(t *testing.T) {
		account := seedAccount(t, store, "acc-update")
		account.IMAPHost = "imap2.example.com"
		require.NoError(t, store.SaveAccount(ctx, account))

		got, err := store.GetAccount(ctx, account.ID)
		require.NoError(t, err)
		assert.Equal(t, "imap2.example.com", got.IMAPHost)
	})

	t.Run("list returns all accounts", func(t *testing.T) {
		accounts, err := store.ListAccounts(ctx)
		require.NoError(t, err)
		assert.GreaterOrEqual(t, len(accounts), 2)
	})
}

func TestFolders(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	store := db.NewStore(pool)
	ctx := context.Background()

	seedAccount(t, store, "acc1")

	t.Run("upsert twice yields one row", func(t *testing.T) {
		seedFolder(t, store, "acc1", "INBOX")
		seedFolder(t, store, "acc1", "INBOX")

		folders, err := store.ListFolders(ctx, "acc1")
		require.NoError(t, err)
		assert.Len(t, folders, 1)
	})

	t.Run("upsert refreshes name and type", func(t *testing.T) {
		folder := seedFolder(t, store, "acc1", "Old")
		folder.Name = "Renamed"
		folder.Type = models.FolderArchive
		require.NoError(t, store.UpsertFolder(ctx, folder))

		got, err := store.GetFolder(ctx, folder.ID)
		require.NoError(t, err)
		require.NotNil(t, got)
		assert.Equal(t, "Renamed", got.Name)
		assert.Equal(t, models.FolderArchive, got.Type)
	})

	t.Run("unknown folder is nil, not an error", func(t *testing.T) {
		folder, err := store.GetFolder(ctx, "acc1_Nope")
		require.NoError(t, err)
		assert.Nil(t, folder)
	})
}

func TestInsertMessage(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	store := db.NewStore(pool)
	ctx := context.Background()

	seedAccount(t, store, "acc1")
	folder := seedFolder(t, store, "acc1", "INBOX")

	newMessage := func(uid uint32) *models.Message {
		return &models.Message{
			ID:          models.MessageID("acc1", uid),
			AccountID:   "acc1",
			FolderID:    folder.ID,
			UID:         uid,
			Subject:     "hello",
			FromAddress: "alice@example.com",
			ToAddress:   "bob@example.com",
			Snippet:     "hello there",
			BodyText:    "hello there",
			SentAt:      time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
		}
	}

	t.Run("first insert reports newly inserted", func(t *testing.T) {
		inserted, err := store.InsertMessage(ctx, newMessage(1), nil)
		require.NoError(t, err)
		assert.True(t, inserted)
	})

	t.Run("duplicate insert is a silent no-op", func(t *testing.T) {
		msg := newMessage(2)
		inserted, err := store.InsertMessage(ctx, msg, nil)
		require.NoError(t, err)
		require.True(t, inserted)

		msg.Subject = "changed"
		inserted, err = store.InsertMessage(ctx, msg, nil)
		require.NoError(t, err)
		assert.False(t, inserted)

		// The original row is untouched.
		var subject string
		err = pool.QueryRow(ctx, `SELECT subject FROM messages WHERE id = $1`, msg.ID).Scan(&subject)
		require.NoError(t, err)
		assert.Equal(t, "hello", subject)
	})

	t.Run("attachments land in the same transaction", func(t *testing.T) {
		msg := newMessage(3)
		msg.HasAttachments = true
		attachments := []models.Attachment{
			{
				ID:         models.AttachmentID(msg.ID, "2"),
				MessageID:  msg.ID,
				PartNumber: "2",
				Filename:   "report.pdf",
				MimeType:   "application/pdf",
				SizeBytes:  2048,
			},
			{
				ID:         models.AttachmentID(msg.ID, "3"),
				MessageID:  msg.ID,
				PartNumber: "3",
				Filename:   "logo.png",
				MimeType:   "image/png",
				SizeBytes:  512,
				IsInline:   true,
				ContentID:  "logo@mailer",
			},
		}

		inserted, err := store.InsertMessage(ctx, msg, attachments)
		require.NoError(t, err)
		require.True(t, inserted)

		var count int
		err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE message_id = $1`, msg.ID).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 2, count)

		// Re-inserting the message must not duplicate attachment rows.
		inserted, err = store.InsertMessage(ctx, msg, attachments)
		require.NoError(t, err)
		require.False(t, inserted)

		err = pool.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE message_id = $1`, msg.ID).Scan(&count)
		require.NoError(t, err)
		assert.Equal(t, 2, count)
	})
}

func TestSyncCursor(t *testing.T) {
	pool := testutil.NewTestDB(t)
	defer pool.Close()

	store := db.NewStore(pool)
	ctx := context.Background()

	seedAccount(t, store, "acc1")

	t.Run("absent cursor", func(t *testing.T) {
		uid, ok, err := store.LastSeenUID(ctx, "acc1", "INBOX")
		require.NoError(t, err)
		assert.False(t, ok)
		assert.Equal(t, uint32(0), uid)
	})

	t.Run("advance creates and moves the cursor", func(t *testing.T) {
		require.NoError(t, store.AdvanceLastSeenUID(ctx, "acc1", "INBOX", 10))

		uid, ok, err := store.LastSeenUID(ctx, "acc1", "INBOX")
		require.NoError(t, err)
		assert.True(t, ok)
		assert.Equal(t, uint32(10), uid)

		require.NoError(t, store.AdvanceLastSeenUID(ctx, "acc1", "INBOX", 25))

		uid, _, err = store.LastSeenUID(ctx, "acc1", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(25), uid)
	})

	t.Run("cursor never decreases", func(t *testing.T) {
		require.NoError(t, store.AdvanceLastSeenUID(ctx, "acc1", "INBOX", 5))

		uid, _, err := store.LastSeenUID(ctx, "acc1", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(25), uid)
	})

	t.Run("cursors are independent per mailbox", func(t *testing.T) {
		require.NoError(t, store.AdvanceLastSeenUID(ctx, "acc1", "Sent", 3))

		uid, _, err := store.LastSeenUID(ctx, "acc1", "Sent")
		require.NoError(t, err)
		assert.Equal(t, uint32(3), uid)

		uid, _, err = store.LastSeenUID(ctx, "acc1", "INBOX")
		require.NoError(t, err)
		assert.Equal(t, uint32(25), uid)
	})
}
