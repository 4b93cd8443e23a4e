package imapengine

import (
	"context"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
)

// maxReconnectAttempts is how many consecutive reconnect failures are
// tolerated before the engine gives up on an account until the next explicit
// Connect call.
const maxReconnectAttempts = 5

// retryState tracks reconnection for one account. At most one timer is
// pending at a time; arming a new one always cancels the previous.
type retryState struct {
	failures int
	bo       backoff.BackOff
	timer    *time.Timer
}

// newReconnectBackOff builds the reconnect delay schedule: 1s doubling up to
// a 30s cap, with no jitter so the schedule is predictable.
func newReconnectBackOff() backoff.BackOff {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = time.Second
	bo.RandomizationFactor = 0
	bo.Multiplier = 2
	bo.MaxInterval = 30 * time.Second
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Connect opens the connection for an account: loads the account row,
// decrypts its credential, dials, authenticates, and stores the handle.
// A successful connect resets the account's reconnect state. Failures are
// logged and reported as false; Connect never panics. A Disconnect issued
// while the dial is in flight wins: the fresh session is torn down instead
// of stored, so an explicitly closed account cannot be resurrected by a
// slow connect.
func (e *Engine) Connect(ctx context.Context, accountID string) bool {
	e.mu.Lock()
	gen := e.gens[accountID]
	e.mu.Unlock()

	account, err := e.store.GetAccount(ctx, accountID)
	if err != nil {
		log.Printf("imap: %v", fmt.Errorf("%w: loading account %s: %v", ErrConfiguration, accountID, err))
		return false
	}

	password, err := e.secrets.Decrypt(account.EncryptedPassword)
	if err != nil {
		log.Printf("imap: %v", fmt.Errorf("%w: decrypting credential for account %s: %v", ErrConfiguration, accountID, err))
		return false
	}

	c, loggedOut, err := e.dial(account.IMAPHost, account.IMAPPort, account.Email, password, dialTimeout)
	if err != nil {
		log.Printf("imap: failed to connect account %s: %v", accountID, err)
		return false
	}

	conn := newAccountConn(accountID, c, loggedOut)

	e.mu.Lock()
	if e.gens[accountID] != gen {
		e.mu.Unlock()
		log.Printf("imap: dropping connection for account %s, disconnected while dialing", accountID)
		e.teardown(conn)
		return false
	}
	old := e.conns[accountID]
	e.conns[accountID] = conn
	if rs := e.retries[accountID]; rs != nil {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(e.retries, accountID)
	}
	e.mu.Unlock()

	// There is at most one live connection per account: a stale handle is
	// torn down before the new one takes over.
	if old != nil {
		e.teardown(old)
	}

	go e.watchClose(conn)

	log.Printf("imap: connected account %s (%s)", accountID, account.Email)
	return true
}

// watchClose waits for the server connection to go away and schedules a
// reconnect unless the close was requested by Disconnect. The retry state
// is created in the same critical section that removes the handle, so the
// account is never observably neither-connected-nor-retrying.
func (e *Engine) watchClose(conn *accountConn) {
	if conn.loggedOut == nil {
		return
	}
	<-conn.loggedOut

	closing := conn.isClosing()

	e.mu.Lock()
	current := e.conns[conn.accountID] == conn
	if current {
		delete(e.conns, conn.accountID)
		if !closing && e.retries[conn.accountID] == nil {
			e.retries[conn.accountID] = &retryState{bo: e.newBackOff()}
		}
	}
	e.mu.Unlock()

	if !current || closing {
		return
	}

	log.Printf("imap: lost connection for account %s", conn.accountID)
	e.scheduleReconnect(conn.accountID)
}

// Disconnect closes the account's connection, cancels any pending reconnect
// timer, and stops its idle watcher. Safe to call when already disconnected.
// Bumping the generation invalidates any dial still in flight for this
// account.
func (e *Engine) Disconnect(accountID string) {
	e.mu.Lock()
	e.gens[accountID]++
	conn := e.conns[accountID]
	delete(e.conns, accountID)
	if rs := e.retries[accountID]; rs != nil {
		if rs.timer != nil {
			rs.timer.Stop()
		}
		delete(e.retries, accountID)
	}
	e.mu.Unlock()

	if conn == nil {
		return
	}

	e.teardown(conn)
}

// accountActive reports whether the account is either connected or has a
// reconnect pending. Idle watchers use this to decide between waiting for a
// replacement connection and exiting.
func (e *Engine) accountActive(accountID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if _, ok := e.conns[accountID]; ok {
		return true
	}
	_, ok := e.retries[accountID]
	return ok
}

func (e *Engine) teardown(conn *accountConn) {
	conn.markClosing()
	conn.stopIdle()
	if err := conn.client.Logout(); err != nil {
		log.Printf("imap: logout failed for account %s: %v", conn.accountID, err)
	}
}

// DisconnectAll disconnects every known account in parallel and waits for
// all of them, regardless of individual failures.
func (e *Engine) DisconnectAll() {
	e.mu.Lock()
	accountIDs := make([]string, 0, len(e.conns))
	for accountID := range e.conns {
		accountIDs = append(accountIDs, accountID)
	}
	e.mu.Unlock()

	var wg sync.WaitGroup
	for _, accountID := range accountIDs {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			e.Disconnect(id)
		}(accountID)
	}
	wg.Wait()
}

// scheduleReconnect arms the backoff timer for an account. After
// maxReconnectAttempts consecutive failures the state is cleared and no
// further retry happens until an explicit Connect.
func (e *Engine) scheduleReconnect(accountID string) {
	e.mu.Lock()
	rs := e.retries[accountID]
	if rs == nil {
		rs = &retryState{bo: e.newBackOff()}
		e.retries[accountID] = rs
	}
	if rs.timer != nil {
		rs.timer.Stop()
		rs.timer = nil
	}
	if rs.failures >= maxReconnectAttempts {
		delete(e.retries, accountID)
		e.mu.Unlock()
		log.Printf("imap: giving up on account %s after %d reconnect attempts", accountID, maxReconnectAttempts)
		return
	}
	delay := rs.bo.NextBackOff()
	rs.timer = time.AfterFunc(delay, func() { e.attemptReconnect(accountID) })
	e.mu.Unlock()

	log.Printf("imap: reconnecting account %s in %s", accountID, delay)
}

func (e *Engine) attemptReconnect(accountID string) {
	if e.Connect(context.Background(), accountID) {
		return
	}

	e.mu.Lock()
	rs := e.retries[accountID]
	if rs == nil {
		// Disconnect was called while we were dialing; stay down.
		e.mu.Unlock()
		return
	}
	rs.failures++
	e.mu.Unlock()

	e.scheduleReconnect(accountID)
}

// TestParams describe a connection to check without storing anything.
type TestParams struct {
	Host     string `json:"host"`
	Port     int    `json:"port"`
	Username string `json:"username"`
	Password string `json:"password"`
}

// TestResult reports a connection test outcome. Error is sanitized and
// bounded so a hostile server banner can be shown to a user as-is.
type TestResult struct {
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// TestConnection opens a transient session, logs out immediately, and
// reports the outcome. The whole attempt, dial and login together, is
// bounded by a single 10-second deadline; a connection that completes after
// the deadline is logged out and discarded. The connection is never
// retained.
func (e *Engine) TestConnection(ctx context.Context, params TestParams) TestResult {
	if err := ctx.Err(); err != nil {
		return TestResult{Error: sanitizeServerError(err.Error())}
	}

	ctx, cancel := context.WithTimeout(ctx, e.testTimeout)
	defer cancel()

	type dialResult struct {
		client mailClient
		err    error
	}
	resCh := make(chan dialResult, 1)

	go func() {
		c, _, err := e.dial(params.Host, params.Port, params.Username, params.Password, e.testTimeout)
		resCh <- dialResult{client: c, err: err}
	}()

	select {
	case <-ctx.Done():
		// A dial that succeeds after the deadline still gets cleaned up.
		go func() {
			res := <-resCh
			if res.err == nil {
				if err := res.client.Logout(); err != nil {
					log.Printf("imap: logout after late connection test failed: %v", err)
				}
			}
		}()
		return TestResult{Error: sanitizeServerError(ctx.Err().Error())}
	case res := <-resCh:
		if res.err != nil {
			return TestResult{Error: sanitizeServerError(res.err.Error())}
		}
		if err := res.client.Logout(); err != nil {
			log.Printf("imap: logout after connection test failed: %v", err)
		}
		return TestResult{Success: true}
	}
}
