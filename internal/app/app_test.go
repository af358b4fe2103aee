package app

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/RPwnage/EA-Software-sub005/internal/config"
	"github.com/RPwnage/EA-Software-sub005/internal/events"
	"github.com/RPwnage/EA-Software-sub005/internal/storage/sqlite"
	engine "github.com/RPwnage/EA-Software-sub005/internal/xmpp"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/chat"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

const (
	rosterResult  = `<query xmlns='jabber:iq:roster'><item jid='a@example.com' name='Alpha' subscription='both'><group>Squad</group></item><item jid='b@example.com' subscription='to' ask='subscribe'/></query>`
	privacyResult = `<query xmlns='jabber:iq:privacy'><list name='global'><item type='jid' value='troll@example.com' action='deny' order='1'/></list></query>`
)

type tokenRW struct {
	xml.TokenReader
	enc *xml.Encoder
}

func (rw tokenRW) EncodeToken(t xml.Token) error { return rw.enc.EncodeToken(t) }
func (rw tokenRW) Encode(v interface{}) error    { return rw.enc.Encode(v) }
func (rw tokenRW) EncodeElement(v interface{}, start xml.StartElement) error {
	return rw.enc.EncodeElement(v, start)
}

type nopCloser struct {
	xml.TokenReader
}

func (nopCloser) Close() error { return nil }

// server answers IQs with canned payloads and feeds stanzas to the client
type server struct {
	addr   jid.JID
	in     chan string
	done   chan error
	closed chan struct{}
	once   sync.Once

	mu   sync.Mutex
	sent []*wire.Stanza
}

func newServer() *server {
	return &server{
		in:     make(chan string),
		done:   make(chan error),
		closed: make(chan struct{}),
	}
}

func (s *server) Dial(_ context.Context, _ string, addr jid.JID, _ string) (engine.Transport, error) {
	s.addr = addr
	return s, nil
}

func (s *server) Serve(h xmpp.Handler) error {
	for {
		select {
		case raw := <-s.in:
			s.done <- s.handle(h, raw)
		case <-s.closed:
			return nil
		}
	}
}

func (s *server) handle(h xmpp.Handler, raw string) error {
	d := xml.NewDecoder(strings.NewReader(raw))
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		if start, ok := tok.(xml.StartElement); ok {
			rw := tokenRW{
				TokenReader: xmlstream.MultiReader(xmlstream.Inner(d), xmlstream.Token(start.End())),
				enc:         xml.NewEncoder(io.Discard),
			}
			return h.HandleXMPP(rw, &start)
		}
	}
}

func (s *server) deliver(t *testing.T, raw string) {
	t.Helper()
	select {
	case s.in <- raw:
	case <-time.After(2 * time.Second):
		t.Fatalf("stanza was not read: %s", raw)
	}
	require.NoError(t, <-s.done)
}

func (s *server) Send(_ context.Context, r xml.TokenReader) error {
	st, err := capture(r)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.sent = append(s.sent, st)
	s.mu.Unlock()
	return nil
}

func (s *server) SendIQ(_ context.Context, r xml.TokenReader) (xmlstream.TokenReadCloser, error) {
	req, err := capture(r)
	if err != nil {
		return nil, err
	}
	payload := ""
	if req.Type() == "get" {
		switch {
		case req.Child(wire.NSRoster, "query") != nil:
			payload = rosterResult
		case req.Child(wire.NSPrivacy, "query") != nil:
			payload = privacyResult
		}
	}
	resp := fmt.Sprintf(`<iq xmlns='jabber:client' type='result' id='%s'>%s</iq>`, req.ID(), payload)
	return nopCloser{xml.NewDecoder(strings.NewReader(resp))}, nil
}

func (s *server) LocalAddr() jid.JID { return s.addr }

func (s *server) Close() error {
	s.once.Do(func() { close(s.closed) })
	return nil
}

func (s *server) presences() []*wire.Stanza {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*wire.Stanza
	for _, st := range s.sent {
		if st.Is("", "presence") {
			out = append(out, st)
		}
	}
	return out
}

func capture(r xml.TokenReader) (*wire.Stanza, error) {
	var buf strings.Builder
	e := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return nil, err
	}
	if err := e.Flush(); err != nil {
		return nil, err
	}
	return wire.Parse(buf.String())
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	cfg := config.DefaultConfig()
	cfg.Account.JID = "me@example.com"
	cfg.Account.Password = "secret"
	cfg.Account.Priority = 5
	cfg.Storage.Path = filepath.Join(t.TempDir(), "presenced.db")
	return cfg
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	assert.Eventually(t, cond, 2*time.Second, 5*time.Millisecond)
}

func TestConnectMirrorsEngineState(t *testing.T) {
	srv := newServer()
	a, err := New(testConfig(t), WithDialer(srv))
	require.NoError(t, err)
	require.NotNil(t, a.Storage())

	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	assert.True(t, a.Connected())
	assert.Equal(t, "me@example.com", a.Account())

	stored, err := a.Storage().GetRoster("me@example.com")
	require.NoError(t, err)
	require.Len(t, stored, 2)
	assert.Equal(t, "Alpha", stored[0].Name)
	assert.Equal(t, []string{"Squad"}, stored[0].Groups)
	assert.True(t, stored[1].Pending)

	eventually(t, func() bool {
		blocked, err := a.Storage().GetBlocked("me@example.com")
		return err == nil && len(blocked) == 1 && blocked[0] == "troll@example.com"
	})

	pres := srv.presences()
	require.Len(t, pres, 1)
	require.NotNil(t, pres[0].Child("", "priority"))
	assert.Equal(t, "5", pres[0].Child("", "priority").Text())

	srv.deliver(t, `<presence xmlns='jabber:client' from='a@example.com/game'><show>away</show><activity>Half-Life 3;PID123;JOINABLE</activity></presence>`)
	eventually(t, func() bool {
		p, err := a.LastPresence("a@example.com/game")
		return err == nil && p != nil && p.GameTitle == "Half-Life 3"
	})
	p, err := a.LastPresence("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "away", p.Show)
	assert.True(t, p.Joinable)
	assert.True(t, a.Presence().IsOnline("a@example.com"))

	srv.deliver(t, `<message xmlns='jabber:client' type='chat' id='m1' from='a@example.com/game' to='me@example.com/presenced'><body>hi</body></message>`)
	eventually(t, func() bool {
		n, err := a.Storage().GetUnreadCount("me@example.com", "a@example.com")
		return err == nil && n == 1
	})

	id, err := a.SendMessage(ctx, "a@example.com", "hello")
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	history, err := a.History("a@example.com", 0)
	require.NoError(t, err)
	require.Len(t, history, 2)
	assert.Equal(t, "hi", history[0].Body)
	assert.False(t, history[0].Sent)
	assert.Equal(t, "hello", history[1].Body)
	assert.True(t, history[1].Sent)
	assert.Equal(t, "a@example.com", history[1].To)

	a.MarkRead("a@example.com/game")
	n, err := a.Storage().GetUnreadCount("me@example.com", "a@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)

	srv.deliver(t, `<iq xmlns='jabber:client' type='set' id='push1'><query xmlns='jabber:iq:roster'><item jid='a@example.com' subscription='remove'/></query></iq>`)
	eventually(t, func() bool {
		entries, err := a.Storage().GetRoster("me@example.com")
		return err == nil && len(entries) == 1 && entries[0].JID == "b@example.com"
	})

	require.NoError(t, a.Close())
	assert.False(t, a.Presence().IsOnline("a@example.com"))
}

// gatedDialer holds Dial until gate is closed
type gatedDialer struct {
	*server
	gate  chan struct{}
	mu    sync.Mutex
	dials int
}

func (d *gatedDialer) Dial(ctx context.Context, endpoint string, addr jid.JID, password string) (engine.Transport, error) {
	d.mu.Lock()
	d.dials++
	d.mu.Unlock()
	<-d.gate
	return d.server.Dial(ctx, endpoint, addr, password)
}

func TestConnectWhileConnecting(t *testing.T) {
	srv := newServer()
	d := &gatedDialer{server: srv, gate: make(chan struct{})}
	a, err := New(testConfig(t), WithDialer(d))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ctx := context.Background()
	first := make(chan error, 1)
	go func() { first <- a.Connect(ctx) }()
	eventually(t, func() bool { return a.Client().State() == events.StateConnecting })

	assert.NoError(t, a.Connect(ctx))

	close(d.gate)
	require.NoError(t, <-first)
	assert.True(t, a.Connected())
	d.mu.Lock()
	assert.Equal(t, 1, d.dials)
	d.mu.Unlock()
	assert.Len(t, srv.presences(), 1)
}

func TestLastPresenceFollowsRemainingResource(t *testing.T) {
	srv := newServer()
	a, err := New(testConfig(t), WithDialer(srv))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Connect(context.Background()))

	srv.deliver(t, `<presence xmlns='jabber:client' from='a@example.com/game'><activity>Half-Life 3;PID123;JOINABLE</activity></presence>`)
	srv.deliver(t, `<presence xmlns='jabber:client' from='a@example.com/mobile'><priority>1</priority><show>away</show></presence>`)
	eventually(t, func() bool { return len(a.Presence().GetResources("a@example.com")) == 2 })

	srv.deliver(t, `<presence xmlns='jabber:client' type='unavailable' from='a@example.com/game'/>`)
	eventually(t, func() bool {
		p, err := a.LastPresence("a@example.com")
		return err == nil && p != nil && p.Resource == "mobile"
	})
	p, err := a.LastPresence("a@example.com")
	require.NoError(t, err)
	assert.Equal(t, "available", p.Type)
	assert.Equal(t, "away", p.Show)
	assert.Empty(t, p.GameTitle)

	srv.deliver(t, `<presence xmlns='jabber:client' type='unavailable' from='a@example.com/mobile'/>`)
	eventually(t, func() bool {
		p, err := a.LastPresence("a@example.com")
		return err == nil && p != nil && p.Type == "unavailable"
	})
	assert.False(t, a.Presence().IsOnline("a@example.com"))
}

func TestSetPresenceRemembersOwnPresence(t *testing.T) {
	srv := newServer()
	a, err := New(testConfig(t), WithDialer(srv))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	ctx := context.Background()
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.SetPresence(ctx, "dnd", "raiding", "Half-Life 3;PID123;JOINABLE", false))

	own := a.Presence().GetOwn()
	require.NotNil(t, own)
	assert.Equal(t, "raiding", own.Status)

	pres := srv.presences()
	require.Len(t, pres, 2)
	last := pres[1]
	assert.Equal(t, "dnd", last.Child("", "show").Text())
	assert.Equal(t, "raiding", last.Child("", "status").Text())
	assert.Equal(t, "Half-Life 3;PID123;JOINABLE", last.Child("", "activity").Text())
}

func TestPresenceRestoredOnNextRun(t *testing.T) {
	cfg := testConfig(t)
	ctx := context.Background()

	a, err := New(cfg, WithDialer(newServer()))
	require.NoError(t, err)
	require.NoError(t, a.Connect(ctx))
	require.NoError(t, a.SetPresence(ctx, "dnd", "raiding", "", false))
	require.NoError(t, a.Close())

	srv := newServer()
	a, err = New(cfg, WithDialer(srv))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Connect(ctx))

	pres := srv.presences()
	require.Len(t, pres, 1)
	require.NotNil(t, pres[0].Child("", "show"))
	assert.Equal(t, "dnd", pres[0].Child("", "show").Text())
	assert.Equal(t, "raiding", pres[0].Child("", "status").Text())

	require.NoError(t, a.SetPresence(ctx, "", "", "", false))
	saved, err := a.Storage().State("me@example.com", presenceKey)
	require.NoError(t, err)
	assert.Empty(t, saved)
}

func TestClearHistory(t *testing.T) {
	srv := newServer()
	a, err := New(testConfig(t), WithDialer(srv))
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	require.NoError(t, a.Connect(context.Background()))

	srv.deliver(t, `<message xmlns='jabber:client' type='chat' id='m1' from='a@example.com/game' to='me@example.com/presenced'><body>hi</body></message>`)
	eventually(t, func() bool {
		n, err := a.Storage().GetUnreadCount("me@example.com", "a@example.com")
		return err == nil && n == 1
	})

	removed, err := a.ClearHistory("a@example.com/game")
	require.NoError(t, err)
	assert.Equal(t, int64(1), removed)

	history, err := a.History("a@example.com", 0)
	require.NoError(t, err)
	assert.Empty(t, history)
	assert.Empty(t, a.Chats().GetHistory("a@example.com", 0))
	n, err := a.Storage().GetUnreadCount("me@example.com", "a@example.com")
	require.NoError(t, err)
	assert.Zero(t, n)
}

func TestRosterFromStorageWhileOffline(t *testing.T) {
	cfg := testConfig(t)

	db, err := sqlite.New(cfg.Storage.Path)
	require.NoError(t, err)
	require.NoError(t, db.SaveRoster("me@example.com", []sqlite.RosterEntry{
		{JID: "a@example.com", Name: "Alpha", Subscription: "both"},
	}))
	require.NoError(t, db.SaveBlocked("me@example.com", []string{"troll@example.com"}))
	require.NoError(t, db.Close())

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })

	entries, err := a.Roster(context.Background())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "Alpha", entries[0].Nickname)
	assert.Equal(t, "both", string(entries[0].Subscription))

	blocked, err := a.BlockedContacts()
	require.NoError(t, err)
	assert.Equal(t, []string{"troll@example.com"}, blocked)
}

func TestWithoutStorage(t *testing.T) {
	cfg := testConfig(t)
	cfg.Storage.Enabled = false

	a, err := New(cfg)
	require.NoError(t, err)
	t.Cleanup(func() { a.Close() })
	assert.Nil(t, a.Storage())

	_, err = a.Roster(context.Background())
	assert.ErrorIs(t, err, engine.ErrNotConnected)

	a.handleEvent(events.IncomingMessage{Message: chat.Message{
		From: "a@example.com/pc", To: "me@example.com/presenced", Body: "hi", Type: "chat",
	}})
	a.handleEvent(events.ChatStateChanged{
		From: "me@example.com/other", To: "a@example.com", State: chat.StateComposing,
	})

	history, err := a.History("a@example.com", 10)
	require.NoError(t, err)
	require.Len(t, history, 1)
	assert.Equal(t, "hi", history[0].Body)
	assert.Equal(t, chat.StateComposing, a.Chats().GetSession("a@example.com").State)
	assert.Equal(t, 1, a.Chats().GetUnreadCount())

	p, err := a.LastPresence("a@example.com")
	assert.NoError(t, err)
	assert.Nil(t, p)
}

func TestEngineConfig(t *testing.T) {
	cfg := testConfig(t)
	cfg.Account.RedirectorURL = "https://redirector.example.com"
	cfg.Engine.TypingRate = time.Second

	ec := engineConfig(cfg, options{})
	assert.Equal(t, "presenced", ec.Resource)
	assert.Equal(t, "https://redirector.example.com", ec.RedirectorURL)
	assert.Equal(t, "global", ec.BlockList)
	assert.Equal(t, "invisible", ec.InvisibleList)
	assert.Equal(t, "origin", ec.ClientResourcePrefix)
	assert.Equal(t, -1, ec.InvisiblePriority)
	assert.Equal(t, time.Second, ec.TypingInterval)

	nd, ok := ec.Dialer.(engine.NetDialer)
	require.True(t, ok)
	assert.Equal(t, "https://localhost", nd.Origin)
}

func TestNewRejectsNilConfig(t *testing.T) {
	_, err := New(nil)
	assert.Error(t, err)
}
