package imapengine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"time"

	"github.com/emersion/go-imap"
	"github.com/jhillyerd/enmime"
	"github.com/mailtide/mailtide/internal/models"
)

const snippetLength = 200

// SyncNewEmails ingests every message newer than the stored cursor for the
// given mailbox. Concurrent calls for the same account collapse to one
// execution: the second returns immediately. A message that fails to parse
// or store is logged and skipped; the rest of the range still syncs. The
// cursor only moves forward, and the new-mail callback fires at most once
// per completed sync that inserted something.
func (e *Engine) SyncNewEmails(ctx context.Context, accountID, mailbox string) error {
	if !e.beginSync(accountID) {
		return nil
	}
	defer e.endSync(accountID)

	folder, err := e.store.GetFolder(ctx, models.FolderID(accountID, mailbox))
	if err != nil {
		return fmt.Errorf("failed to resolve folder for %s: %w", mailbox, err)
	}
	if folder == nil {
		// Unknown mailbox: nothing to sync into.
		return nil
	}

	lastUID, _, err := e.store.LastSeenUID(ctx, accountID, mailbox)
	if err != nil {
		return err
	}

	// (last+1):* when a cursor exists, 1:* for a first-time sync.
	seqSet := new(imap.SeqSet)
	seqSet.AddRange(lastUID+1, 0)

	section := &imap.BodySectionName{Peek: true}
	items := []imap.FetchItem{
		imap.FetchEnvelope,
		imap.FetchBodyStructure,
		imap.FetchUid,
		section.FetchItem(),
	}

	inserted := 0
	maxUID := lastUID

	err = e.withMailbox(accountID, mailbox, func(c mailClient) error {
		messages := make(chan *imap.Message, 16)
		done := make(chan error, 1)
		go func() {
			done <- c.UidFetch(seqSet, items, messages)
		}()

		for msg := range messages {
			// Servers answer (last+1):* with the last existing message when
			// nothing is newer; only UIDs strictly above the cursor count.
			if msg == nil || msg.Uid <= lastUID {
				continue
			}

			message, attachments := buildMessage(accountID, folder.ID, msg, section)
			novel, err := e.store.InsertMessage(ctx, message, attachments)
			if err != nil {
				log.Printf("imap: failed to store message uid %d for account %s: %v", msg.Uid, accountID, err)
				continue
			}
			if novel {
				inserted++
			}
			if msg.Uid > maxUID {
				maxUID = msg.Uid
			}
		}

		if err := <-done; err != nil {
			return fmt.Errorf("failed to fetch new messages in %s: %w", mailbox, err)
		}
		return nil
	})
	if err != nil {
		return err
	}

	if maxUID > lastUID {
		if err := e.store.AdvanceLastSeenUID(ctx, accountID, mailbox, maxUID); err != nil {
			return err
		}
	}

	if inserted > 0 {
		e.notifyNewMail(accountID, folder.ID, inserted)
	}

	return nil
}

// beginSync marks an account's sync as in flight. Returns false when one is
// already running.
func (e *Engine) beginSync(accountID string) bool {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	if e.syncing[accountID] {
		return false
	}
	e.syncing[accountID] = true
	return true
}

func (e *Engine) endSync(accountID string) {
	e.syncMu.Lock()
	delete(e.syncing, accountID)
	e.syncMu.Unlock()
}

// buildMessage converts a fetched message into the stored model plus its
// attachment metadata. Envelope fields the server omitted get safe
// fallbacks.
func buildMessage(accountID, folderID string, msg *imap.Message, section *imap.BodySectionName) (*models.Message, []models.Attachment) {
	message := &models.Message{
		ID:        models.MessageID(accountID, msg.Uid),
		AccountID: accountID,
		FolderID:  folderID,
		UID:       msg.Uid,
		Subject:   "(no subject)",
		SentAt:    time.Now(),
	}

	if env := msg.Envelope; env != nil {
		if env.Subject != "" {
			message.Subject = env.Subject
		}
		if len(env.From) > 0 && env.From[0] != nil {
			message.FromName = env.From[0].PersonalName
			message.FromAddress = mailAddress(env.From[0])
		}
		if len(env.To) > 0 && env.To[0] != nil {
			message.ToAddress = mailAddress(env.To[0])
		}
		if !env.Date.IsZero() {
			message.SentAt = env.Date
		}
	}

	if body := msg.GetBody(section); body != nil {
		envelope, err := enmime.ReadEnvelope(body)
		if err != nil {
			log.Printf("imap: failed to parse body of message uid %d: %v", msg.Uid, err)
		} else {
			message.BodyText = envelope.Text
			message.Snippet = makeSnippet(envelope.Text)
		}
	}

	attachments := CollectAttachments(msg.BodyStructure)
	for i := range attachments {
		attachments[i].MessageID = message.ID
		attachments[i].ID = models.AttachmentID(message.ID, attachments[i].PartNumber)
	}
	message.HasAttachments = len(attachments) > 0

	return message, attachments
}

func mailAddress(address *imap.Address) string {
	if address.MailboxName == "" && address.HostName == "" {
		return ""
	}
	return address.MailboxName + "@" + address.HostName
}

// makeSnippet collapses whitespace and truncates the body for list views.
func makeSnippet(text string) string {
	collapsed := strings.Join(strings.Fields(text), " ")
	runes := []rune(collapsed)
	if len(runes) <= snippetLength {
		return collapsed
	}
	return string(runes[:snippetLength])
}
