package imapengine

import "sync"

// mailboxLocks is an arena of per-(account, mailbox) mutexes. Every wire
// operation against a mailbox holds its lock for the duration of the
// protocol exchange, serializing idle, sync, move, and download against the
// single connection.
type mailboxLocks struct {
	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

func newMailboxLocks() *mailboxLocks {
	return &mailboxLocks{locks: make(map[string]*sync.Mutex)}
}

func (l *mailboxLocks) get(accountID, mailbox string) *sync.Mutex {
	key := accountID + "\x00" + mailbox

	l.mu.Lock()
	defer l.mu.Unlock()

	lock, ok := l.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		l.locks[key] = lock
	}
	return lock
}
