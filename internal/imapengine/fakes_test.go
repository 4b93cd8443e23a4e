package imapengine

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/emersion/go-imap"
	"github.com/mailtide/mailtide/internal/models"
)

// fakeStore is an in-memory Store that mirrors the db package's contracts:
// idempotent folder upserts, insert-if-absent messages, monotonic cursor.
type fakeStore struct {
	mu          sync.Mutex
	accounts    map[string]*models.Account
	folders     map[string]*models.Folder
	messages    map[string]*models.Message
	attachments map[string][]models.Attachment
	cursors     map[string]uint32

	insertErr error

	// When set, GetFolder signals folderEntered and blocks until
	// folderRelease closes. Used to hold a sync in flight.
	folderEntered chan struct{}
	folderRelease chan struct{}
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		accounts:    make(map[string]*models.Account),
		folders:     make(map[string]*models.Folder),
		messages:    make(map[string]*models.Message),
		attachments: make(map[string][]models.Attachment),
		cursors:     make(map[string]uint32),
	}
}

func (s *fakeStore) addAccount(account *models.Account) {
	s.mu.Lock()
	s.accounts[account.ID] = account
	s.mu.Unlock()
}

func (s *fakeStore) addFolder(folder *models.Folder) {
	s.mu.Lock()
	s.folders[folder.ID] = folder
	s.mu.Unlock()
}

func (s *fakeStore) GetAccount(_ context.Context, accountID string) (*models.Account, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	account, ok := s.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("account not found")
	}
	return account, nil
}

func (s *fakeStore) UpsertFolder(_ context.Context, folder *models.Folder) error {
	s.mu.Lock()
	s.folders[folder.ID] = folder
	s.mu.Unlock()
	return nil
}

func (s *fakeStore) GetFolder(_ context.Context, folderID string) (*models.Folder, error) {
	if s.folderEntered != nil {
		s.folderEntered <- struct{}{}
		<-s.folderRelease
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	return s.folders[folderID], nil
}

func (s *fakeStore) InsertMessage(_ context.Context, message *models.Message, attachments []models.Attachment) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.insertErr != nil {
		return false, s.insertErr
	}
	if _, ok := s.messages[message.ID]; ok {
		return false, nil
	}
	s.messages[message.ID] = message
	s.attachments[message.ID] = attachments
	return true, nil
}

func (s *fakeStore) LastSeenUID(_ context.Context, accountID, folderPath string) (uint32, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	uid, ok := s.cursors[accountID+"\x00"+folderPath]
	return uid, ok, nil
}

func (s *fakeStore) AdvanceLastSeenUID(_ context.Context, accountID, folderPath string, uid uint32) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := accountID + "\x00" + folderPath
	if uid > s.cursors[key] {
		s.cursors[key] = uid
	}
	return nil
}

func (s *fakeStore) setCursor(accountID, folderPath string, uid uint32) {
	s.mu.Lock()
	s.cursors[accountID+"\x00"+folderPath] = uid
	s.mu.Unlock()
}

func (s *fakeStore) cursor(accountID, folderPath string) uint32 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.cursors[accountID+"\x00"+folderPath]
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

var _ Store = (*fakeStore)(nil)

// passthroughDecrypter treats the stored blob as the plaintext password.
type passthroughDecrypter struct{}

func (passthroughDecrypter) Decrypt(ciphertext []byte) (string, error) {
	return string(ciphertext), nil
}

// failingDecrypter always fails, as a wrong-key Encryptor would.
type failingDecrypter struct{}

func (failingDecrypter) Decrypt([]byte) (string, error) {
	return "", fmt.Errorf("cipher: message authentication failed")
}

type moveCall struct {
	uids []uint32
	dest string
}

// fakeClient implements mailClient in memory. UidFetch sends the configured
// messages for the selected mailbox and closes the channel, the way the
// real client does.
type fakeClient struct {
	mu sync.Mutex

	mailboxes []*imap.MailboxInfo
	messages  map[string][]*imap.Message

	// listHook, when set, runs at the start of every List call.
	listHook func()

	selected    string
	selectCalls []string
	selectErr   error

	fetchCalls int
	fetchErr   error

	moves   []moveCall
	moveErr error

	loggedOut bool
}

func newFakeClient() *fakeClient {
	return &fakeClient{messages: make(map[string][]*imap.Message)}
}

func (c *fakeClient) Select(name string, _ bool) (*imap.MailboxStatus, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.selectErr != nil {
		return nil, c.selectErr
	}
	c.selected = name
	c.selectCalls = append(c.selectCalls, name)
	return &imap.MailboxStatus{Name: name}, nil
}

func (c *fakeClient) List(_, _ string, ch chan *imap.MailboxInfo) error {
	defer close(ch)
	c.mu.Lock()
	mailboxes := c.mailboxes
	hook := c.listHook
	c.mu.Unlock()

	if hook != nil {
		hook()
	}

	for _, m := range mailboxes {
		ch <- m
	}
	return nil
}

func (c *fakeClient) UidFetch(seqset *imap.SeqSet, _ []imap.FetchItem, ch chan *imap.Message) error {
	defer close(ch)

	c.mu.Lock()
	c.fetchCalls++
	err := c.fetchErr
	msgs := c.messages[c.selected]
	c.mu.Unlock()

	if err != nil {
		return err
	}
	for _, msg := range msgs {
		if seqset.Contains(msg.Uid) {
			ch <- msg
		}
	}
	return nil
}

func (c *fakeClient) UidMove(seqset *imap.SeqSet, dest string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.moveErr != nil {
		return c.moveErr
	}

	var uids []uint32
	for _, seq := range seqset.Set {
		for uid := seq.Start; uid <= seq.Stop; uid++ {
			uids = append(uids, uid)
		}
	}
	c.moves = append(c.moves, moveCall{uids: uids, dest: dest})
	return nil
}

func (c *fakeClient) Logout() error {
	c.mu.Lock()
	c.loggedOut = true
	c.mu.Unlock()
	return nil
}

func (c *fakeClient) State() imap.ConnState {
	return imap.AuthenticatedState
}

func (c *fakeClient) isLoggedOut() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.loggedOut
}

func (c *fakeClient) selectedCalls() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]string(nil), c.selectCalls...)
}

var _ mailClient = (*fakeClient)(nil)

func testAccount(id string) *models.Account {
	return &models.Account{
		ID:                id,
		Email:             id + "@example.com",
		EncryptedPassword: []byte("hunter2"),
		IMAPHost:          "imap.example.com",
		IMAPPort:          993,
	}
}

// newTestEngine wires an engine to the fake store and a dial function that
// hands out the given clients in order, failing once they run out.
func newTestEngine(store Store, clients ...mailClient) *Engine {
	e := New(store, passthroughDecrypter{})
	var mu sync.Mutex
	i := 0
	e.dial = func(_ string, _ int, _, _ string, _ time.Duration) (mailClient, <-chan struct{}, error) {
		mu.Lock()
		defer mu.Unlock()
		if i >= len(clients) {
			return nil, nil, fmt.Errorf("connection refused")
		}
		c := clients[i]
		i++
		return c, nil, nil
	}
	return e
}
