package imapengine

import (
	"fmt"
	"net"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/emersion/go-imap"
	"github.com/emersion/go-imap/client"
)

// implicitTLSPort is the standard IMAPS port; connections to it are opened
// with TLS from the first byte.
const implicitTLSPort = 993

// mailClient is the slice of go-imap's client the engine issues commands
// through. Tests substitute a fake; production always uses *client.Client.
type mailClient interface {
	Select(name string, readOnly bool) (*imap.MailboxStatus, error)
	List(ref, name string, ch chan *imap.MailboxInfo) error
	UidFetch(seqset *imap.SeqSet, items []imap.FetchItem, ch chan *imap.Message) error
	UidMove(seqset *imap.SeqSet, dest string) error
	Logout() error
	State() imap.ConnState
}

var _ mailClient = (*client.Client)(nil)

// dialFunc opens and authenticates a session. The returned channel closes
// when the server connection goes away; a nil channel means closure is not
// observable (used by test fakes).
type dialFunc func(host string, port int, username, password string, timeout time.Duration) (mailClient, <-chan struct{}, error)

// dialAndLogin connects to host:port (TLS when the port indicates implicit
// TLS) and authenticates. The timeout bounds the dial and every subsequent
// command on the session.
func dialAndLogin(host string, port int, username, password string, timeout time.Duration) (mailClient, <-chan struct{}, error) {
	dialer := &net.Dialer{Timeout: timeout}
	addr := net.JoinHostPort(host, strconv.Itoa(port))

	var c *client.Client
	var err error
	if port == implicitTLSPort {
		c, err = client.DialWithDialerTLS(dialer, addr, nil)
	} else {
		c, err = client.DialWithDialer(dialer, addr)
	}
	if err != nil {
		return nil, nil, fmt.Errorf("failed to dial %s: %w", addr, err)
	}

	c.Timeout = timeout

	if err := c.Login(username, password); err != nil {
		_ = c.Logout()
		return nil, nil, fmt.Errorf("failed to authenticate: %w", err)
	}

	return c, c.LoggedOut(), nil
}

// accountConn is the single live session for an account, together with the
// bookkeeping that lets other operations interrupt an open-ended idle wait.
type accountConn struct {
	accountID string
	client    mailClient
	raw       *client.Client // nil when tests inject a fake
	loggedOut <-chan struct{}

	// cmdMu serializes wire commands on the session. IDLE holds it for the
	// whole round, so no other command can go out mid-IDLE.
	cmdMu sync.Mutex

	// pending counts operations that have interrupted idle and are waiting
	// for the connection. The idle watcher yields while it is non-zero.
	pending int32

	mu           sync.Mutex
	closing      bool
	idleStop     chan struct{} // closed to stop the idle watcher loop
	idleDone     chan struct{} // closed by the watcher once it has exited
	idleBreak    chan struct{} // closed to interrupt the current idle wait
	breakPending bool          // a break arrived while no wait was armed
}

func newAccountConn(accountID string, c mailClient, loggedOut <-chan struct{}) *accountConn {
	conn := &accountConn{
		accountID: accountID,
		client:    c,
		loggedOut: loggedOut,
	}
	if raw, ok := c.(*client.Client); ok {
		conn.raw = raw
	}
	return conn
}

func (c *accountConn) markClosing() {
	c.mu.Lock()
	c.closing = true
	c.mu.Unlock()
}

func (c *accountConn) isClosing() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closing
}

// startIdleSession registers a new idle watcher, stopping any previous one
// first so repeated StartIdle calls never stack subscriptions.
func (c *accountConn) startIdleSession() (stop, done chan struct{}) {
	c.stopIdle()

	stop = make(chan struct{})
	done = make(chan struct{})
	c.mu.Lock()
	c.idleStop = stop
	c.idleDone = done
	c.mu.Unlock()
	return stop, done
}

func (c *accountConn) endIdleSession(stop, done chan struct{}) {
	c.mu.Lock()
	if c.idleStop == stop {
		c.idleStop = nil
		c.idleDone = nil
	}
	c.mu.Unlock()
	close(done)
}

// stopIdle tells the current idle watcher (if any) to exit and waits until
// it has.
func (c *accountConn) stopIdle() {
	c.mu.Lock()
	stop := c.idleStop
	done := c.idleDone
	c.idleStop = nil
	c.mu.Unlock()

	if stop == nil {
		return
	}
	close(stop)
	c.breakIdle()
	if done != nil {
		<-done
	}
}

// addWaiter announces an operation that wants the connection. Must be
// called before breakIdle so the watcher cannot re-arm in between.
func (c *accountConn) addWaiter() {
	atomic.AddInt32(&c.pending, 1)
}

func (c *accountConn) removeWaiter() {
	atomic.AddInt32(&c.pending, -1)
}

func (c *accountConn) hasWaiters() bool {
	return atomic.LoadInt32(&c.pending) > 0
}

// armBreak installs the interrupt channel for one idle round. A break that
// arrived while no wait was armed fires immediately, so interrupts are
// never lost to the gap between rounds.
func (c *accountConn) armBreak() chan struct{} {
	ch := make(chan struct{})
	c.mu.Lock()
	if c.breakPending {
		// Fire immediately and leave nothing armed, so a later break is
		// remembered rather than closing the same channel twice.
		c.breakPending = false
		c.mu.Unlock()
		close(ch)
		return ch
	}
	c.idleBreak = ch
	c.mu.Unlock()
	return ch
}

func (c *accountConn) disarmBreak() {
	c.mu.Lock()
	c.idleBreak = nil
	c.mu.Unlock()
}

// breakIdle interrupts the current idle wait so a competing operation can
// take the mailbox lock. When no wait is armed the break is remembered and
// fires on the next armBreak. Safe to call at any time.
func (c *accountConn) breakIdle() {
	c.mu.Lock()
	ch := c.idleBreak
	c.idleBreak = nil
	if ch == nil {
		c.breakPending = true
	}
	c.mu.Unlock()

	if ch != nil {
		close(ch)
	}
}
