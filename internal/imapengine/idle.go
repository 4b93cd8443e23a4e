package imapengine

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	idle "github.com/emersion/go-imap-idle"
	imapclient "github.com/emersion/go-imap/client"
)

// idlePollInterval is the poll cadence used when the server does not
// support IDLE and the watcher falls back to NOOP polling.
const idlePollInterval = time.Minute

// idleRetryInterval is how long the watcher sleeps after an idle error or
// while waiting for a replacement connection.
const idleRetryInterval = 5 * time.Second

// idleFunc runs one idle command on the session until stop is closed.
// Tests substitute a fake; production uses go-imap-idle's fallback runner.
type idleFunc func(c *imapclient.Client, stop <-chan struct{}, poll time.Duration) error

func runIdleWithFallback(c *imapclient.Client, stop <-chan struct{}, poll time.Duration) error {
	return idle.NewClient(c).IdleWithFallback(stop, poll)
}

// StartIdle watches a mailbox for server push notifications and triggers an
// incremental sync whenever the mailbox changes. Any previously registered
// watcher for the account is stopped first, so repeated calls never stack
// subscriptions. The watcher survives connection loss: it waits out
// reconnects and re-attaches to the replacement session. Blocks until ctx
// is canceled, Disconnect is called, or the account's reconnects are
// exhausted; errors while idling are logged and retried, not propagated.
func (e *Engine) StartIdle(ctx context.Context, accountID, mailbox string) {
	for {
		if ctx.Err() != nil {
			return
		}

		conn := e.getConn(accountID)
		if conn == nil {
			if !e.accountActive(accountID) {
				log.Printf("imap idle: account %s is not connected", accountID)
				return
			}
			// A reconnect is pending; wait for the replacement session.
			if !sleepIdle(ctx, nil, e.idleRetry) {
				return
			}
			continue
		}

		e.watchMailbox(ctx, conn, accountID, mailbox)
	}
}

// watchMailbox idles on one connection until it stops being the account's
// current session, the watcher is stopped, or ctx is canceled.
func (e *Engine) watchMailbox(ctx context.Context, conn *accountConn, accountID, mailbox string) {
	stop, done := conn.startIdleSession()
	defer conn.endIdleSession(stop, done)

	lock := e.locks.get(accountID, mailbox)
	for {
		select {
		case <-ctx.Done():
			return
		case <-stop:
			return
		default:
		}

		if e.getConn(accountID) != conn {
			return
		}

		// Yield while operations are waiting for the connection, so the
		// watcher cannot re-enter an open-ended wait ahead of them.
		if conn.hasWaiters() {
			if !sleepIdle(ctx, stop, time.Millisecond) {
				return
			}
			continue
		}

		changed, err := e.idleOnce(conn, mailbox, lock, stop)
		if err != nil {
			log.Printf("imap idle: account %s: %v", accountID, err)
			if !sleepIdle(ctx, stop, e.idleRetry) {
				return
			}
			continue
		}

		if changed {
			if err := e.SyncNewEmails(ctx, accountID, mailbox); err != nil {
				log.Printf("imap idle: sync of %s failed for account %s: %v", mailbox, accountID, err)
			}
		}
	}
}

// sleepIdle waits for d, returning false when ctx or stop fires first. A
// nil stop channel is legal and never fires.
func sleepIdle(ctx context.Context, stop <-chan struct{}, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-stop:
		return false
	case <-t.C:
		return true
	}
}

// idleOnce runs a single idle wait while holding the mailbox lock and the
// connection's command slot. It returns when the mailbox changed, when
// another operation needs the connection, when the watcher is stopped, or
// on error. Syncing happens in the caller, after the locks have been
// released.
func (e *Engine) idleOnce(conn *accountConn, mailbox string, lock *sync.Mutex, stop <-chan struct{}) (bool, error) {
	lock.Lock()
	defer lock.Unlock()
	conn.cmdMu.Lock()
	defer conn.cmdMu.Unlock()

	// An operation may have slipped in between our waiter check and the
	// lock acquisition; let it go first.
	if conn.hasWaiters() {
		return false, nil
	}

	if conn.raw == nil {
		return false, fmt.Errorf("connection does not support idle")
	}

	if _, err := conn.client.Select(mailbox, false); err != nil {
		return false, fmt.Errorf("failed to select %s: %w", mailbox, err)
	}

	updates := make(chan imapclient.Update, 16)
	conn.raw.Updates = updates
	defer func() {
		// Leaving a writer-less channel installed would wedge the client's
		// read loop once it fills up.
		conn.raw.Updates = nil
	}()

	brk := conn.armBreak()
	defer conn.disarmBreak()

	idleStop := make(chan struct{})
	done := make(chan error, 1)
	go func() {
		done <- e.runIdle(conn.raw, idleStop, idlePollInterval)
	}()

	for {
		select {
		case <-stop:
			_ = awaitIdleEnd(idleStop, done, updates)
			return false, nil
		case <-brk:
			// Another operation wants the mailbox; hand the locks over and
			// resume idling afterwards.
			_ = awaitIdleEnd(idleStop, done, updates)
			return false, nil
		case err := <-done:
			return false, err
		case update := <-updates:
			if isMailboxChange(update, mailbox) {
				_ = awaitIdleEnd(idleStop, done, updates)
				return true, nil
			}
		}
	}
}

// awaitIdleEnd terminates the idle command and drains pending updates until
// the idle goroutine has returned, so the connection is quiet before the
// next command is issued.
func awaitIdleEnd(idleStop chan struct{}, done <-chan error, updates <-chan imapclient.Update) error {
	close(idleStop)
	for {
		select {
		case <-updates:
		case err := <-done:
			return err
		}
	}
}

func isMailboxChange(update imapclient.Update, mailbox string) bool {
	mboxUpdate, ok := update.(*imapclient.MailboxUpdate)
	if !ok || mboxUpdate.Mailbox == nil {
		return false
	}
	if !strings.EqualFold(mboxUpdate.Mailbox.Name, mailbox) {
		return false
	}
	return mboxUpdate.Mailbox.Messages > 0
}
