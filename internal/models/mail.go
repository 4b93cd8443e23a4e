package models

import (
	"fmt"
	"time"
)

// FolderType is the canonical role of a mailbox, independent of the name the
// server advertises for it.
type FolderType string

const (
	FolderInbox   FolderType = "inbox"
	FolderSent    FolderType = "sent"
	FolderDrafts  FolderType = "drafts"
	FolderTrash   FolderType = "trash"
	FolderJunk    FolderType = "junk"
	FolderArchive FolderType = "archive"
	FolderStarred FolderType = "starred"
	FolderOther   FolderType = "other"
)

// Account is a configured mail account. The password is stored encrypted and
// only ever decrypted right before opening a connection.
type Account struct {
	ID                string `json:"id"`
	Email             string `json:"email"`
	EncryptedPassword []byte `json:"-"`
	IMAPHost          string `json:"imap_host"`
	IMAPPort          int    `json:"imap_port"`
}

type Folder struct {
	ID        string     `json:"id"`
	AccountID string     `json:"account_id"`
	Name      string     `json:"name"`
	Path      string     `json:"path"`
	Type      FolderType `json:"type"`
}

type Message struct {
	ID             string    `json:"id"`
	AccountID      string    `json:"account_id"`
	FolderID       string    `json:"folder_id"`
	UID            uint32    `json:"uid"`
	Subject        string    `json:"subject"`
	FromName       string    `json:"from_name"`
	FromAddress    string    `json:"from_address"`
	ToAddress      string    `json:"to_address"`
	Snippet        string    `json:"snippet"`
	BodyText       string    `json:"body_text"`
	SentAt         time.Time `json:"sent_at"`
	HasAttachments bool      `json:"has_attachments"`
}

// Attachment describes one fetchable MIME part of a stored message. It is
// derived from the body structure at ingestion time and never updated.
type Attachment struct {
	ID         string `json:"id"`
	MessageID  string `json:"message_id"`
	PartNumber string `json:"part_number"`
	Filename   string `json:"filename"`
	MimeType   string `json:"mime_type"`
	SizeBytes  int64  `json:"size_bytes"`
	IsInline   bool   `json:"is_inline"`
	ContentID  string `json:"content_id,omitempty"`
}

// SyncState is the per-account, per-mailbox incremental sync cursor.
// LastUID only ever increases.
type SyncState struct {
	AccountID  string `json:"account_id"`
	FolderPath string `json:"folder_path"`
	LastUID    uint32 `json:"last_uid"`
}

// FolderID derives the deterministic folder id. Re-syncing the same mailbox
// always maps to the same row.
func FolderID(accountID, path string) string {
	return accountID + "_" + path
}

// MessageID derives the deterministic message id from the account and the
// server-assigned UID, making retried inserts idempotent.
func MessageID(accountID string, uid uint32) string {
	return fmt.Sprintf("%s_%d", accountID, uid)
}

// AttachmentID derives the deterministic attachment id.
func AttachmentID(messageID, partNumber string) string {
	return messageID + "_" + partNumber
}
