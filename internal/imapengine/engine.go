// Package imapengine owns the per-account IMAP synchronization engine: one
// live connection per account, IDLE-driven incremental ingestion keyed by
// server UIDs, attachment metadata extraction from body structures, and
// reconnection with bounded exponential backoff.
package imapengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/mailtide/mailtide/internal/models"
)

var (
	// ErrConfiguration marks caller misuse (unknown account, undecryptable
	// credential) as opposed to a transient network fault.
	ErrConfiguration = errors.New("configuration error")

	// ErrNotConnected is returned by operations that need a live connection
	// for an account that has none.
	ErrNotConnected = errors.New("account is not connected")
)

// Store is the narrow persistence contract the engine consumes. Implemented
// by db.Store. GetFolder reports an unknown folder as (nil, nil); every
// write is idempotent.
type Store interface {
	GetAccount(ctx context.Context, accountID string) (*models.Account, error)
	UpsertFolder(ctx context.Context, folder *models.Folder) error
	GetFolder(ctx context.Context, folderID string) (*models.Folder, error)
	InsertMessage(ctx context.Context, message *models.Message, attachments []models.Attachment) (bool, error)
	LastSeenUID(ctx context.Context, accountID, folderPath string) (uint32, bool, error)
	AdvanceLastSeenUID(ctx context.Context, accountID, folderPath string, uid uint32) error
}

// Decrypter recovers the account password from its stored blob. Implemented
// by crypto.Encryptor.
type Decrypter interface {
	Decrypt(ciphertext []byte) (string, error)
}

// NewMailHandler is invoked at most once per completed sync that inserted
// new messages.
type NewMailHandler func(accountID, folderID string, inserted int)

// Engine is the public surface of the sync engine. All entry points are safe
// for concurrent use; callers never manage locks or timers themselves.
type Engine struct {
	store   Store
	secrets Decrypter

	mu      sync.Mutex
	conns   map[string]*accountConn
	retries map[string]*retryState
	gens    map[string]uint64 // bumped by Disconnect; stale connects abort

	syncMu  sync.Mutex
	syncing map[string]bool

	locks *mailboxLocks

	handlerMu sync.RWMutex
	onNewMail NewMailHandler

	// Injection points for tests.
	dial        dialFunc
	newBackOff  func() backoff.BackOff
	runIdle     idleFunc
	idleRetry   time.Duration
	testTimeout time.Duration
}

// New creates an Engine backed by the given store and secret store.
func New(store Store, secrets Decrypter) *Engine {
	return &Engine{
		store:       store,
		secrets:     secrets,
		conns:       make(map[string]*accountConn),
		retries:     make(map[string]*retryState),
		gens:        make(map[string]uint64),
		syncing:     make(map[string]bool),
		locks:       newMailboxLocks(),
		dial:        dialAndLogin,
		newBackOff:  newReconnectBackOff,
		runIdle:     runIdleWithFallback,
		idleRetry:   idleRetryInterval,
		testTimeout: testConnectionTimeout,
	}
}

// SetNewMailHandler registers the callback for newly synced messages.
func (e *Engine) SetNewMailHandler(handler NewMailHandler) {
	e.handlerMu.Lock()
	e.onNewMail = handler
	e.handlerMu.Unlock()
}

func (e *Engine) notifyNewMail(accountID, folderID string, inserted int) {
	e.handlerMu.RLock()
	handler := e.onNewMail
	e.handlerMu.RUnlock()

	if handler != nil {
		handler(accountID, folderID, inserted)
	}
}

func (e *Engine) getConn(accountID string) *accountConn {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.conns[accountID]
}

// withMailbox runs fn with the mailbox selected, its lock held, and the
// session's command mutex held. Any idle wait on the connection is
// interrupted first, and the registered waiter keeps the watcher from
// re-arming until the operation is through; the watcher resumes on its own
// afterwards.
func (e *Engine) withMailbox(accountID, mailbox string, fn func(c mailClient) error) error {
	conn := e.getConn(accountID)
	if conn == nil {
		return ErrNotConnected
	}

	conn.addWaiter()
	defer conn.removeWaiter()
	conn.breakIdle()

	lock := e.locks.get(accountID, mailbox)
	lock.Lock()
	defer lock.Unlock()

	conn.cmdMu.Lock()
	defer conn.cmdMu.Unlock()

	if _, err := conn.client.Select(mailbox, false); err != nil {
		return fmt.Errorf("failed to select mailbox %s: %w", mailbox, err)
	}

	return fn(conn.client)
}

// Close shuts the engine down, disconnecting every account.
func (e *Engine) Close() {
	e.DisconnectAll()
}

const (
	dialTimeout           = 10 * time.Second
	testConnectionTimeout = 10 * time.Second
)
