package imap

import (
	"cmp"
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"slices"
	"strconv"
	"strings"
	"sync"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"

	"github.com/dhcgn/mail-dl/mailbox"
	"github.com/dhcgn/mail-dl/model"
	"github.com/dhcgn/mail-dl/rfc822"
)

const backendName = "imap"

var (
	ErrInvalidMessageID = errors.New("invalid imap message id")
	ErrUIDValidity      = errors.New("mailbox uid validity changed")
)

type Options struct {
	Host               string
	Port               int
	Username           string
	Password           string
	UseTLS             bool
	InsecureSkipVerify bool
	Folder             string
	DialTimeout        time.Duration
}

// imapClient is the subset of imapclient.Client used by Mailbox.
type imapClient interface {
	Login(username, password string) commandWaiter
	Logout() commandWaiter
	Close() error
	Select(mailbox string, options *imapv2.SelectOptions) selectWaiter
	UIDSearch(criteria *imapv2.SearchCriteria, options *imapv2.SearchOptions) searchWaiter
	Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter
	Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, options *imapv2.StoreOptions) fetchWaiter
	UIDExpunge(uids imapv2.UIDSet) expungeWaiter
}

type commandWaiter interface{ Wait() error }
type selectWaiter interface {
	Wait() (*imapv2.SelectData, error)
}
type searchWaiter interface {
	Wait() (*imapv2.SearchData, error)
}
type fetchWaiter interface {
	Collect() ([]*imapclient.FetchMessageBuffer, error)
	Close() error
}
type expungeWaiter interface{ Close() error }

// Mailbox drains one IMAP folder. It keeps a single session open across
// calls and dials a new one after a transport failure.
type Mailbox struct {
	opts      Options
	logger    *slog.Logger
	newClient func(Options) (imapClient, error)

	mu          sync.Mutex
	client      imapClient
	uidValidity uint32
	raw         map[imapv2.UID][]byte
}

// Option customizes a Mailbox.
type Option func(*Mailbox)

func withClientFactory(factory func(Options) (imapClient, error)) Option {
	return func(m *Mailbox) {
		m.newClient = factory
	}
}

func New(opts Options, logger *slog.Logger, options ...Option) (*Mailbox, error) {
	if opts.Host == "" {
		return nil, fmt.Errorf("imap host is empty")
	}
	if opts.Port <= 0 {
		return nil, fmt.Errorf("imap port must be positive")
	}
	if opts.Username == "" {
		return nil, fmt.Errorf("imap user is empty")
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = 10 * time.Second
	}

	m := &Mailbox{
		opts:   opts,
		logger: logger,
		raw:    make(map[imapv2.UID][]byte),
	}
	m.newClient = dial
	for _, opt := range options {
		opt(m)
	}
	return m, nil
}

// List returns the oldest top undeleted messages by INTERNALDATE.
func (m *Mailbox) List(ctx context.Context, top int) ([]model.RawMessage, error) {
	if top < 1 {
		return nil, fmt.Errorf("list top must be positive, got %d", top)
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.session()
	if err != nil {
		return nil, err
	}
	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	search, err := client.UIDSearch(&imapv2.SearchCriteria{NotFlag: []imapv2.Flag{imapv2.FlagDeleted}}, nil).Wait()
	if err != nil {
		m.reset()
		return nil, fmt.Errorf("imap search: %w", err)
	}
	uids := search.AllUIDs()
	clear(m.raw)
	if len(uids) == 0 {
		return nil, nil
	}

	dates, err := client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{UID: true, InternalDate: true}).Collect()
	if err != nil {
		m.reset()
		return nil, fmt.Errorf("imap fetch dates: %w", err)
	}
	slices.SortFunc(dates, func(a, b *imapclient.FetchMessageBuffer) int {
		if c := a.InternalDate.Compare(b.InternalDate); c != 0 {
			return c
		}
		return cmp.Compare(a.UID, b.UID)
	})
	if len(dates) > top {
		dates = dates[:top]
	}

	selected := make([]imapv2.UID, 0, len(dates))
	for _, buf := range dates {
		selected = append(selected, buf.UID)
	}

	bodies, err := m.fetchBodies(client, selected)
	if err != nil {
		m.reset()
		return nil, err
	}

	messages := make([]model.RawMessage, 0, len(dates))
	for _, buf := range dates {
		body, ok := bodies[buf.UID]
		if !ok {
			continue
		}
		id := formatID(m.uidValidity, buf.UID)
		msg, err := rfc822.Parse(id, body)
		if err != nil && m.logger != nil {
			m.logger.Warn("message structure is damaged, using what could be parsed", "messageID", id, "err", err)
		}
		if !buf.InternalDate.IsZero() {
			msg.ReceivedAt = buf.InternalDate
		}
		m.raw[buf.UID] = body
		messages = append(messages, msg)
	}

	if m.logger != nil {
		m.logger.Debug("listed messages", "folder", m.folder(), "undeleted", len(uids), "returned", len(messages))
	}
	return messages, nil
}

// OpenAttachment serves the attachment from the message bytes fetched by
// the last List, fetching them again if they are not cached.
func (m *Mailbox) OpenAttachment(ctx context.Context, messageID, attachmentID string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.session()
	if err != nil {
		return nil, err
	}
	uid, err := m.resolve(messageID)
	if err != nil {
		return nil, err
	}

	raw, ok := m.raw[uid]
	if !ok {
		stop := context.AfterFunc(ctx, func() { _ = client.Close() })
		defer stop()

		bodies, err := m.fetchBodies(client, []imapv2.UID{uid})
		if err != nil {
			m.reset()
			return nil, err
		}
		raw, ok = bodies[uid]
		if !ok {
			return nil, fmt.Errorf("%w: %s", mailbox.ErrMessageNotFound, messageID)
		}
		m.raw[uid] = raw
	}

	return rfc822.OpenAttachment(raw, attachmentID)
}

// Delete flags the message \Deleted and expunges exactly that UID.
func (m *Mailbox) Delete(ctx context.Context, messageID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	client, err := m.session()
	if err != nil {
		return err
	}
	uid, err := m.resolve(messageID)
	if err != nil {
		return err
	}

	stop := context.AfterFunc(ctx, func() { _ = client.Close() })
	defer stop()

	uidSet := imapv2.UIDSetNum(uid)
	store := &imapv2.StoreFlags{Op: imapv2.StoreFlagsAdd, Silent: true, Flags: []imapv2.Flag{imapv2.FlagDeleted}}
	if err := client.Store(uidSet, store, nil).Close(); err != nil {
		m.reset()
		return fmt.Errorf("imap store deleted flag: %w", err)
	}
	if err := client.UIDExpunge(uidSet).Close(); err != nil {
		m.reset()
		return fmt.Errorf("imap expunge: %w", err)
	}
	delete(m.raw, uid)

	if m.logger != nil {
		m.logger.Debug("message expunged", "messageID", messageID, "folder", m.folder())
	}
	return nil
}

// Close logs out and closes the session, if any.
func (m *Mailbox) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.client == nil {
		return nil
	}
	if err := m.client.Logout().Wait(); err != nil && m.logger != nil {
		m.logger.Warn("imap logout failed", "err", err)
	}
	err := m.client.Close()
	m.client = nil
	return err
}

func (m *Mailbox) fetchBodies(client imapClient, uids []imapv2.UID) (map[imapv2.UID][]byte, error) {
	section := &imapv2.FetchItemBodySection{Peek: true}
	bufs, err := client.Fetch(imapv2.UIDSetNum(uids...), &imapv2.FetchOptions{
		UID:         true,
		BodySection: []*imapv2.FetchItemBodySection{section},
	}).Collect()
	if err != nil {
		return nil, fmt.Errorf("imap fetch bodies: %w", err)
	}

	bodies := make(map[imapv2.UID][]byte, len(bufs))
	for _, buf := range bufs {
		body := buf.FindBodySection(section)
		if body == nil {
			continue
		}
		bodies[buf.UID] = body
	}
	return bodies, nil
}

// session returns the open client, dialling, logging in and selecting the
// folder first if needed. Callers hold m.mu.
func (m *Mailbox) session() (imapClient, error) {
	if m.client != nil {
		return m.client, nil
	}

	client, err := m.newClient(m.opts)
	if err != nil {
		return nil, fmt.Errorf("imap connect: %w", err)
	}

	if err := client.Login(m.opts.Username, m.opts.Password).Wait(); err != nil {
		_ = client.Close()
		var respErr *imapv2.Error
		if errors.As(err, &respErr) {
			return nil, &mailbox.AuthError{Backend: backendName, Err: err}
		}
		return nil, fmt.Errorf("imap login failed: %w", err)
	}

	data, err := client.Select(m.folder(), nil).Wait()
	if err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("imap select %s: %w", m.folder(), err)
	}

	var validity uint32
	if data != nil {
		validity = data.UIDValidity
	}
	if m.uidValidity != 0 && validity != m.uidValidity {
		clear(m.raw)
		if m.logger != nil {
			m.logger.Warn("uid validity changed, previously listed ids are stale", "folder", m.folder(), "old", m.uidValidity, "new", validity)
		}
	}
	m.uidValidity = validity
	m.client = client

	if m.logger != nil {
		m.logger.Debug("imap session established", "host", m.opts.Host, "user", m.opts.Username, "folder", m.folder(), "tls", m.opts.UseTLS)
	}
	return client, nil
}

// reset drops the session after a transport failure.
func (m *Mailbox) reset() {
	if m.client == nil {
		return
	}
	if err := m.client.Close(); err != nil && m.logger != nil {
		m.logger.Debug("imap connection closed", "err", err)
	}
	m.client = nil
}

func (m *Mailbox) resolve(messageID string) (imapv2.UID, error) {
	validity, uid, err := parseID(messageID)
	if err != nil {
		return 0, err
	}
	if validity != m.uidValidity {
		return 0, fmt.Errorf("%w: %s: %w", mailbox.ErrMessageNotFound, messageID, ErrUIDValidity)
	}
	return uid, nil
}

func (m *Mailbox) folder() string {
	if m.opts.Folder == "" {
		return "INBOX"
	}
	return m.opts.Folder
}

// Message ids carry UIDVALIDITY so that a recreated folder never maps an
// old id onto a new message.
func formatID(validity uint32, uid imapv2.UID) string {
	return fmt.Sprintf("%d:%d", validity, uid)
}

func parseID(id string) (uint32, imapv2.UID, error) {
	validityText, uidText, ok := strings.Cut(id, ":")
	if !ok {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, id)
	}
	validity, err := strconv.ParseUint(validityText, 10, 32)
	if err != nil {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, id)
	}
	uid, err := strconv.ParseUint(uidText, 10, 32)
	if err != nil || uid == 0 {
		return 0, 0, fmt.Errorf("%w: %q", ErrInvalidMessageID, id)
	}
	return uint32(validity), imapv2.UID(uid), nil
}

func dial(opts Options) (imapClient, error) {
	address := net.JoinHostPort(opts.Host, strconv.Itoa(opts.Port))
	options := &imapclient.Options{Dialer: &net.Dialer{Timeout: opts.DialTimeout}}

	if opts.UseTLS {
		options.TLSConfig = &tls.Config{
			ServerName:         opts.Host,
			InsecureSkipVerify: opts.InsecureSkipVerify,
		}
	}

	var (
		client *imapclient.Client
		err    error
	)

	if opts.UseTLS {
		client, err = imapclient.DialTLS(address, options)
	} else {
		client, err = imapclient.DialInsecure(address, options)
	}
	if err != nil {
		return nil, fmt.Errorf("dial imap %s: %w", address, err)
	}
	return &clientWrapper{Client: client}, nil
}

type clientWrapper struct{ *imapclient.Client }

func (w *clientWrapper) Login(username, password string) commandWaiter {
	return w.Client.Login(username, password)
}
func (w *clientWrapper) Logout() commandWaiter { return w.Client.Logout() }
func (w *clientWrapper) Select(mailbox string, options *imapv2.SelectOptions) selectWaiter {
	return w.Client.Select(mailbox, options)
}
func (w *clientWrapper) UIDSearch(criteria *imapv2.SearchCriteria, options *imapv2.SearchOptions) searchWaiter {
	return w.Client.UIDSearch(criteria, options)
}
func (w *clientWrapper) Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter {
	return w.Client.Fetch(numSet, options)
}
func (w *clientWrapper) Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, options *imapv2.StoreOptions) fetchWaiter {
	return w.Client.Store(numSet, store, options)
}
func (w *clientWrapper) UIDExpunge(uids imapv2.UIDSet) expungeWaiter {
	return w.Client.UIDExpunge(uids)
}
