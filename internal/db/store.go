package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mailtide/mailtide/internal/models"
)

// ErrAccountNotFound is returned when a requested account cannot be found.
var ErrAccountNotFound = errors.New("account not found")

// Store wraps the connection pool with the read/write contracts the sync
// engine needs: account reads, idempotent folder upserts, insert-if-absent
// messages and attachments, and a monotonic sync cursor.
type Store struct {
	pool *pgxpool.Pool
}

func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// GetAccount loads a single account row.
func (s *Store) GetAccount(ctx context.Context, accountID string) (*models.Account, error) {
	var account models.Account

	err := s.pool.QueryRow(ctx, `
		SELECT id, email, encrypted_password, imap_host, imap_port
		FROM accounts
		WHERE id = $1
	`, accountID).Scan(
		&account.ID,
		&account.Email,
		&account.EncryptedPassword,
		&account.IMAPHost,
		&account.IMAPPort,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrAccountNotFound
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get account: %w", err)
	}

	return &account, nil
}

// ListAccounts returns all configured accounts.
func (s *Store) ListAccounts(ctx context.Context) ([]*models.Account, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, email, encrypted_password, imap_host, imap_port
		FROM accounts
		ORDER BY email
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list accounts: %w", err)
	}
	defer rows.Close()

	var accounts []*models.Account
	for rows.Next() {
		var account models.Account
		if err := rows.Scan(
			&account.ID,
			&account.Email,
			&account.EncryptedPassword,
			&account.IMAPHost,
			&account.IMAPPort,
		); err != nil {
			return nil, fmt.Errorf("failed to scan account: %w", err)
		}
		accounts = append(accounts, &account)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating accounts: %w", err)
	}

	return accounts, nil
}

// SaveAccount inserts or updates an account. The id is caller-chosen.
func (s *Store) SaveAccount(ctx context.Context, account *models.Account) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO accounts (id, email, encrypted_password, imap_host, imap_port)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			email = EXCLUDED.email,
			encrypted_password = EXCLUDED.encrypted_password,
			imap_host = EXCLUDED.imap_host,
			imap_port = EXCLUDED.imap_port
	`, account.ID, account.Email, account.EncryptedPassword, account.IMAPHost, account.IMAPPort)

	if err != nil {
		return fmt.Errorf("failed to save account: %w", err)
	}

	return nil
}

// UpsertFolder inserts a folder or refreshes its name and type. The id is a
// pure function of account and path, so re-syncing the same mailbox is a
// no-op update.
func (s *Store) UpsertFolder(ctx context.Context, folder *models.Folder) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO folders (id, account_id, name, path, folder_type)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (id) DO UPDATE SET
			name = EXCLUDED.name,
			folder_type = EXCLUDED.folder_type
	`, folder.ID, folder.AccountID, folder.Name, folder.Path, folder.Type)

	if err != nil {
		return fmt.Errorf("failed to upsert folder: %w", err)
	}

	return nil
}

// GetFolder returns the folder with the given id, or nil if it does not
// exist. Absence is not an error: the syncer treats an unknown mailbox as
// "nothing to do".
func (s *Store) GetFolder(ctx context.Context, folderID string) (*models.Folder, error) {
	var folder models.Folder

	err := s.pool.QueryRow(ctx, `
		SELECT id, account_id, name, path, folder_type
		FROM folders
		WHERE id = $1
	`, folderID).Scan(
		&folder.ID,
		&folder.AccountID,
		&folder.Name,
		&folder.Path,
		&folder.Type,
	)

	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}

	if err != nil {
		return nil, fmt.Errorf("failed to get folder: %w", err)
	}

	return &folder, nil
}

// ListFolders returns all folders for an account.
func (s *Store) ListFolders(ctx context.Context, accountID string) ([]*models.Folder, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, account_id, name, path, folder_type
		FROM folders
		WHERE account_id = $1
		ORDER BY path
	`, accountID)
	if err != nil {
		return nil, fmt.Errorf("failed to list folders: %w", err)
	}
	defer rows.Close()

	var folders []*models.Folder
	for rows.Next() {
		var folder models.Folder
		if err := rows.Scan(&folder.ID, &folder.AccountID, &folder.Name, &folder.Path, &folder.Type); err != nil {
			return nil, fmt.Errorf("failed to scan folder: %w", err)
		}
		folders = append(folders, &folder)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating folders: %w", err)
	}

	return folders, nil
}

// InsertMessage stores a message and its attachment metadata in one
// transaction. Returns whether the message row was newly inserted: a
// duplicate id is a no-op, not an error, and its attachments are left
// untouched.
func (s *Store) InsertMessage(ctx context.Context, message *models.Message, attachments []models.Attachment) (bool, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	tag, err := tx.Exec(ctx, `
		INSERT INTO messages (
			id, account_id, folder_id, uid, subject,
			from_name, from_address, to_address,
			snippet, body_text, sent_at, has_attachments
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		ON CONFLICT (id) DO NOTHING
	`,
		message.ID,
		message.AccountID,
		message.FolderID,
		message.UID,
		message.Subject,
		message.FromName,
		message.FromAddress,
		message.ToAddress,
		message.Snippet,
		message.BodyText,
		message.SentAt,
		message.HasAttachments,
	)
	if err != nil {
		return false, fmt.Errorf("failed to insert message: %w", err)
	}

	inserted := tag.RowsAffected() > 0
	if !inserted {
		return false, nil
	}

	for i := range attachments {
		att := &attachments[i]
		_, err := tx.Exec(ctx, `
			INSERT INTO attachments (id, message_id, part_number, filename, mime_type, size_bytes, is_inline, content_id)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (id) DO NOTHING
		`, att.ID, att.MessageID, att.PartNumber, att.Filename, att.MimeType, att.SizeBytes, att.IsInline, att.ContentID)
		if err != nil {
			return false, fmt.Errorf("failed to insert attachment: %w", err)
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return false, fmt.Errorf("failed to commit message: %w", err)
	}

	return true, nil
}

// LastSeenUID reads the sync cursor for an account+mailbox. The boolean
// reports whether a cursor exists yet.
func (s *Store) LastSeenUID(ctx context.Context, accountID, folderPath string) (uint32, bool, error) {
	var lastUID uint32

	err := s.pool.QueryRow(ctx, `
		SELECT last_uid
		FROM sync_state
		WHERE account_id = $1 AND folder_path = $2
	`, accountID, folderPath).Scan(&lastUID)

	if errors.Is(err, pgx.ErrNoRows) {
		return 0, false, nil
	}

	if err != nil {
		return 0, false, fmt.Errorf("failed to get sync cursor: %w", err)
	}

	return lastUID, true, nil
}

// AdvanceLastSeenUID moves the sync cursor forward. GREATEST makes the
// cursor monotonic even if callers race: it never decreases.
func (s *Store) AdvanceLastSeenUID(ctx context.Context, accountID, folderPath string, uid uint32) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO sync_state (account_id, folder_path, last_uid)
		VALUES ($1, $2, $3)
		ON CONFLICT (account_id, folder_path) DO UPDATE SET
			last_uid = GREATEST(sync_state.last_uid, EXCLUDED.last_uid)
	`, accountID, folderPath, uid)

	if err != nil {
		return fmt.Errorf("failed to advance sync cursor: %w", err)
	}

	return nil
}
