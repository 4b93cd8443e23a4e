package imapengine

import (
	"context"
	"fmt"
	"strings"

	"github.com/emersion/go-imap"
	"github.com/mailtide/mailtide/internal/models"
)

// Special-use mailbox attributes (RFC 6154) as advertised by servers that
// support SPECIAL-USE.
const (
	attrAll      = "\\All"
	attrArchive  = "\\Archive"
	attrDrafts   = "\\Drafts"
	attrFlagged  = "\\Flagged"
	attrJunk     = "\\Junk"
	attrSent     = "\\Sent"
	attrTrash    = "\\Trash"
	attrNoSelect = "\\Noselect"
)

var specialUseTypes = map[string]models.FolderType{
	attrArchive: models.FolderArchive,
	attrDrafts:  models.FolderDrafts,
	attrFlagged: models.FolderStarred,
	attrJunk:    models.FolderJunk,
	attrSent:    models.FolderSent,
	attrTrash:   models.FolderTrash,
	attrAll:     models.FolderArchive,
}

// ListAndSyncFolders lists the account's remote mailboxes, classifies each
// into a canonical folder type, persists them idempotently, and returns the
// full list. Non-selectable hierarchy nodes are skipped.
func (e *Engine) ListAndSyncFolders(ctx context.Context, accountID string) ([]*models.Folder, error) {
	conn := e.getConn(accountID)
	if conn == nil {
		return nil, ErrNotConnected
	}

	// LIST is mailbox-independent, so only the command slot is taken; an
	// in-flight idle wait must still have been terminated first.
	conn.addWaiter()
	defer conn.removeWaiter()
	conn.breakIdle()
	conn.cmdMu.Lock()
	defer conn.cmdMu.Unlock()

	mailboxes := make(chan *imap.MailboxInfo, 16)
	done := make(chan error, 1)
	go func() {
		done <- conn.client.List("", "*", mailboxes)
	}()

	var infos []*imap.MailboxInfo
	for m := range mailboxes {
		infos = append(infos, m)
	}

	if err := <-done; err != nil {
		return nil, fmt.Errorf("failed to list mailboxes: %w", err)
	}

	var folders []*models.Folder
	for _, m := range infos {
		if hasAttribute(m.Attributes, attrNoSelect) {
			continue
		}

		folder := &models.Folder{
			ID:        models.FolderID(accountID, m.Name),
			AccountID: accountID,
			Name:      displayName(m.Name, m.Delimiter),
			Path:      m.Name,
			Type:      classifyFolder(m.Name, m.Attributes),
		}

		if err := e.store.UpsertFolder(ctx, folder); err != nil {
			return nil, fmt.Errorf("failed to persist folder %s: %w", folder.Path, err)
		}
		folders = append(folders, folder)
	}

	return folders, nil
}

// classifyFolder maps a mailbox to its canonical type: server-advertised
// special-use attributes win, then name heuristics, else "other".
func classifyFolder(path string, attributes []string) models.FolderType {
	if strings.EqualFold(path, "INBOX") {
		return models.FolderInbox
	}

	for _, attr := range attributes {
		if folderType, ok := specialUseTypes[attr]; ok {
			return folderType
		}
	}

	lower := strings.ToLower(path)
	switch {
	case strings.Contains(lower, "inbox"):
		return models.FolderInbox
	case strings.Contains(lower, "sent"):
		return models.FolderSent
	case strings.Contains(lower, "draft"):
		return models.FolderDrafts
	case strings.Contains(lower, "trash"), strings.Contains(lower, "deleted"):
		return models.FolderTrash
	case strings.Contains(lower, "junk"), strings.Contains(lower, "spam"):
		return models.FolderJunk
	case strings.Contains(lower, "archive"):
		return models.FolderArchive
	default:
		return models.FolderOther
	}
}

func hasAttribute(attributes []string, want string) bool {
	for _, attr := range attributes {
		if strings.EqualFold(attr, want) {
			return true
		}
	}
	return false
}

func displayName(path, delimiter string) string {
	if delimiter == "" {
		return path
	}
	segments := strings.Split(path, delimiter)
	return segments[len(segments)-1]
}
