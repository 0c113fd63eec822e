package imap

import (
	"context"
	"errors"
	"io"
	"testing"
	"time"

	imapv2 "github.com/emersion/go-imap/v2"
	"github.com/emersion/go-imap/v2/imapclient"
	"github.com/stretchr/testify/require"

	"github.com/dhcgn/mail-dl/mailbox"
)

const photoMessage = "From: Line Lead <lead@example.com>\r\n" +
	"Subject: ZPW 1234\r\n" +
	"MIME-Version: 1.0\r\n" +
	"Content-Type: multipart/mixed; boundary=\"b\"\r\n" +
	"\r\n" +
	"--b\r\n" +
	"Content-Type: text/plain\r\n" +
	"\r\n" +
	"see photo\r\n" +
	"--b\r\n" +
	"Content-Type: image/png\r\n" +
	"Content-Disposition: attachment; filename=\"photo.png\"\r\n" +
	"Content-Transfer-Encoding: base64\r\n" +
	"\r\n" +
	"UE5H\r\n" +
	"--b--\r\n"

type fakeIMAPClient struct {
	uids         []imapv2.UID
	bodies       map[imapv2.UID][]byte
	internalDate map[imapv2.UID]time.Time
	uidValidity  uint32

	loginErr   error
	selectErr  error
	searchErr  error
	fetchErr   error
	storeErr   error
	expungeErr error

	bodyFetches  int
	storeUIDs    []imapv2.UID
	storeFlags   []*imapv2.StoreFlags
	expungeCalls int
	logoutCalls  int
	closed       bool
}

func (c *fakeIMAPClient) Login(_, _ string) commandWaiter { return &fakeCommand{err: c.loginErr} }
func (c *fakeIMAPClient) Logout() commandWaiter {
	c.logoutCalls++
	return &fakeCommand{}
}
func (c *fakeIMAPClient) Close() error { c.closed = true; return nil }
func (c *fakeIMAPClient) Select(_ string, _ *imapv2.SelectOptions) selectWaiter {
	return &fakeSelect{err: c.selectErr, data: &imapv2.SelectData{UIDValidity: c.uidValidity}}
}
func (c *fakeIMAPClient) UIDSearch(_ *imapv2.SearchCriteria, _ *imapv2.SearchOptions) searchWaiter {
	data := &imapv2.SearchData{All: imapv2.UIDSetNum(c.uids...)}
	return &fakeSearch{err: c.searchErr, data: data}
}
func (c *fakeIMAPClient) Fetch(numSet imapv2.NumSet, options *imapv2.FetchOptions) fetchWaiter {
	if c.fetchErr != nil {
		return &fakeFetch{err: c.fetchErr}
	}
	set := numSet.(imapv2.UIDSet)
	withBody := len(options.BodySection) > 0
	if withBody {
		c.bodyFetches++
	}

	var bufs []*imapclient.FetchMessageBuffer
	for _, uid := range c.uids {
		if !set.Contains(uid) {
			continue
		}
		buf := &imapclient.FetchMessageBuffer{
			SeqNum:       uint32(uid),
			UID:          uid,
			InternalDate: c.internalDate[uid],
		}
		if withBody {
			buf.BodySection = []imapclient.FetchBodySectionBuffer{{
				Section: options.BodySection[0],
				Bytes:   append([]byte(nil), c.bodies[uid]...),
			}}
		}
		bufs = append(bufs, buf)
	}
	return &fakeFetch{bufs: bufs}
}
func (c *fakeIMAPClient) Store(numSet imapv2.NumSet, store *imapv2.StoreFlags, _ *imapv2.StoreOptions) fetchWaiter {
	set := numSet.(imapv2.UIDSet)
	for _, uid := range c.uids {
		if set.Contains(uid) {
			c.storeUIDs = append(c.storeUIDs, uid)
		}
	}
	c.storeFlags = append(c.storeFlags, store)
	return &fakeFetch{err: c.storeErr}
}
func (c *fakeIMAPClient) UIDExpunge(_ imapv2.UIDSet) expungeWaiter {
	c.expungeCalls++
	return &fakeExpunge{err: c.expungeErr}
}

type fakeCommand struct{ err error }

func (c *fakeCommand) Wait() error { return c.err }

type fakeSelect struct {
	err  error
	data *imapv2.SelectData
}

func (s *fakeSelect) Wait() (*imapv2.SelectData, error) { return s.data, s.err }

type fakeSearch struct {
	err  error
	data *imapv2.SearchData
}

func (s *fakeSearch) Wait() (*imapv2.SearchData, error) { return s.data, s.err }

type fakeFetch struct {
	err  error
	bufs []*imapclient.FetchMessageBuffer
}

func (f *fakeFetch) Collect() ([]*imapclient.FetchMessageBuffer, error) { return f.bufs, f.err }
func (f *fakeFetch) Close() error                                       { return f.err }

type fakeExpunge struct{ err error }

func (e *fakeExpunge) Close() error { return e.err }

func newTestMailbox(t *testing.T, clients ...*fakeIMAPClient) *Mailbox {
	t.Helper()
	dials := 0
	m, err := New(Options{Host: "mail.example", Port: 993, Username: "agent", Password: "secret"}, nil,
		withClientFactory(func(Options) (imapClient, error) {
			if dials >= len(clients) {
				return nil, errors.New("no more connections")
			}
			c := clients[dials]
			dials++
			return c, nil
		}))
	require.NoError(t, err)
	return m
}

func threeMessages() *fakeIMAPClient {
	base := time.Date(2024, 5, 1, 6, 0, 0, 0, time.UTC)
	return &fakeIMAPClient{
		uidValidity: 7,
		uids:        []imapv2.UID{30, 10, 20},
		bodies: map[imapv2.UID][]byte{
			10: []byte(photoMessage),
			20: []byte("Subject: second\r\n\r\nbody\r\n"),
			30: []byte("Subject: oldest\r\n\r\nbody\r\n"),
		},
		internalDate: map[imapv2.UID]time.Time{
			30: base,
			10: base.Add(time.Minute),
			20: base.Add(time.Minute),
		},
	}
}

func TestListOrdersByInternalDate(t *testing.T) {
	client := threeMessages()
	m := newTestMailbox(t, client)

	msgs, err := m.List(context.Background(), 2)
	require.NoError(t, err)
	require.Len(t, msgs, 2)
	require.Equal(t, "7:30", msgs[0].ID)
	require.Equal(t, "oldest", msgs[0].Subject)
	require.Equal(t, "7:10", msgs[1].ID)
	require.Equal(t, "ZPW 1234", msgs[1].Subject)
	require.Equal(t, time.Date(2024, 5, 1, 6, 1, 0, 0, time.UTC), msgs[1].ReceivedAt)
	require.Len(t, msgs[1].Attachments, 1)
	require.Equal(t, "photo.png", msgs[1].Attachments[0].Name)
}

func TestListEmptyMailbox(t *testing.T) {
	m := newTestMailbox(t, &fakeIMAPClient{uidValidity: 1})
	msgs, err := m.List(context.Background(), 11)
	require.NoError(t, err)
	require.Empty(t, msgs)
}

func TestOpenAttachmentUsesCachedMessage(t *testing.T) {
	client := threeMessages()
	m := newTestMailbox(t, client)

	_, err := m.List(context.Background(), 3)
	require.NoError(t, err)
	require.Equal(t, 1, client.bodyFetches)

	rc, err := m.OpenAttachment(context.Background(), "7:10", "1")
	require.NoError(t, err)
	data, err := io.ReadAll(rc)
	require.NoError(t, err)
	require.NoError(t, rc.Close())
	require.Equal(t, "PNG", string(data))
	require.Equal(t, 1, client.bodyFetches)
}

func TestOpenAttachmentFetchesUncachedMessage(t *testing.T) {
	client := threeMessages()
	m := newTestMailbox(t, client)

	rc, err := m.OpenAttachment(context.Background(), "7:10", "1")
	require.NoError(t, err)
	rc.Close()
	require.Equal(t, 1, client.bodyFetches)
}

func TestDeleteStoresAndExpungesSingleUID(t *testing.T) {
	client := threeMessages()
	m := newTestMailbox(t, client)

	_, err := m.List(context.Background(), 3)
	require.NoError(t, err)
	require.NoError(t, m.Delete(context.Background(), "7:20"))

	require.Equal(t, []imapv2.UID{20}, client.storeUIDs)
	require.Len(t, client.storeFlags, 1)
	require.Equal(t, imapv2.StoreFlagsAdd, client.storeFlags[0].Op)
	require.True(t, client.storeFlags[0].Silent)
	require.Equal(t, []imapv2.Flag{imapv2.FlagDeleted}, client.storeFlags[0].Flags)
	require.Equal(t, 1, client.expungeCalls)
}

func TestDeleteRejectsStaleUIDValidity(t *testing.T) {
	client := threeMessages()
	m := newTestMailbox(t, client)

	_, err := m.List(context.Background(), 3)
	require.NoError(t, err)

	err = m.Delete(context.Background(), "6:20")
	require.ErrorIs(t, err, mailbox.ErrMessageNotFound)
	require.ErrorIs(t, err, ErrUIDValidity)
	require.Empty(t, client.storeUIDs)
}

func TestDeleteInvalidID(t *testing.T) {
	m := newTestMailbox(t, threeMessages())
	for _, id := range []string{"", "20", "x:1", "7:0", "7:y"} {
		err := m.Delete(context.Background(), id)
		require.ErrorIs(t, err, ErrInvalidMessageID, "id %q", id)
	}
}

func TestLoginRejectionIsAuthError(t *testing.T) {
	client := &fakeIMAPClient{loginErr: &imapv2.Error{Type: imapv2.StatusResponseTypeNo, Text: "bad creds"}}
	m := newTestMailbox(t, client)

	_, err := m.List(context.Background(), 1)
	require.True(t, mailbox.IsAuthError(err), "got %v", err)
	require.True(t, client.closed)
}

func TestTransportFailureRedials(t *testing.T) {
	broken := threeMessages()
	broken.searchErr = errors.New("connection reset")
	healthy := threeMessages()
	m := newTestMailbox(t, broken, healthy)

	_, err := m.List(context.Background(), 3)
	require.ErrorContains(t, err, "imap search")
	require.True(t, broken.closed)

	msgs, err := m.List(context.Background(), 3)
	require.NoError(t, err)
	require.Len(t, msgs, 3)
}

func TestSelectError(t *testing.T) {
	m := newTestMailbox(t, &fakeIMAPClient{selectErr: errors.New("no inbox")})
	_, err := m.List(context.Background(), 1)
	require.ErrorContains(t, err, "imap select")
	require.False(t, mailbox.IsAuthError(err))
}

func TestCloseLogsOut(t *testing.T) {
	client := threeMessages()
	m := newTestMailbox(t, client)
	_, err := m.List(context.Background(), 1)
	require.NoError(t, err)

	require.NoError(t, m.Close())
	require.Equal(t, 1, client.logoutCalls)
	require.True(t, client.closed)
	require.NoError(t, m.Close())
}

func TestNewValidation(t *testing.T) {
	cases := []Options{
		{Port: 993, Username: "u"},
		{Host: "h", Username: "u"},
		{Host: "h", Port: 993},
	}
	for _, opts := range cases {
		_, err := New(opts, nil)
		require.Error(t, err, "options %+v", opts)
	}
}
