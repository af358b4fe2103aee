// Package xmpp is the presence and messaging engine. A Client owns one XMPP
// stream at a time, turns the stanzas it receives into typed events on an
// events.Bus and exposes the outbound operations of the social hub.
package xmpp

import (
	"context"
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/RPwnage/EA-Software-sub005/internal/events"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/blocklist"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/roster"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

// Defaults applied by New to zero Config fields
const (
	DefaultBlockList            = "global"
	DefaultInvisibleList        = "invisible"
	DefaultClientResourcePrefix = "origin"
	DefaultRequestTimeout       = 30 * time.Second
)

// Config contains configuration for the engine
type Config struct {
	// Resource is requested when the identity passed to Connect has none
	Resource string

	// Endpoint is a ws:// or wss:// URL, or host:port for a TCP stream.
	// It is used when RedirectorURL is empty.
	Endpoint      string
	RedirectorURL string

	BlockList     string
	InvisibleList string

	// ClientResourcePrefix identifies resources of the user's native client
	ClientResourcePrefix string

	// InvisiblePriority is sent with presence while invisible
	InvisiblePriority int

	RequestTimeout time.Duration
	// TypingInterval is the minimum delay between two composing
	// notifications to the same contact
	TypingInterval time.Duration

	Dialer     Dialer
	HTTPClient *http.Client
	Bus        *events.Bus
	Logger     zerolog.Logger
}

// Client is the engine. It is safe for concurrent use.
type Client struct {
	cfg        Config
	dialer     Dialer
	http       *http.Client
	bus        *events.Bus
	log        zerolog.Logger
	dispatcher *Dispatcher

	mu       sync.RWMutex
	state    events.ConnectionState
	sess     *session
	endpoint string
}

// session is the state owned by one live stream
type session struct {
	t      Transport
	addr   jid.JID
	roster *roster.Manager
	blocks *blocklist.List
	served chan struct{}

	mu             sync.Mutex
	clientResource string
	typing         map[string]*rate.Limiter
	invisible      bool
	defaultList    bool
	closing        bool
	conflict       bool
}

// New creates a disconnected client
func New(cfg Config) *Client {
	if cfg.BlockList == "" {
		cfg.BlockList = DefaultBlockList
	}
	if cfg.InvisibleList == "" {
		cfg.InvisibleList = DefaultInvisibleList
	}
	if cfg.ClientResourcePrefix == "" {
		cfg.ClientResourcePrefix = DefaultClientResourcePrefix
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = DefaultRequestTimeout
	}

	c := &Client{
		cfg:    cfg,
		dialer: cfg.Dialer,
		http:   cfg.HTTPClient,
		bus:    cfg.Bus,
		log:    cfg.Logger,
	}
	if c.dialer == nil {
		c.dialer = NetDialer{Timeout: cfg.RequestTimeout}
	}
	if c.http == nil {
		c.http = &http.Client{Timeout: cfg.RequestTimeout}
	}
	if c.bus == nil {
		c.bus = events.NewBus(c.log)
	}
	c.dispatcher = NewDispatcher(c.log)
	c.registerHandlers()
	return c
}

// Bus returns the bus events are published on
func (c *Client) Bus() *events.Bus { return c.bus }

// Handle registers an additional stanza handler, see Dispatcher.Register
func (c *Client) Handle(kind, space, typ string, h HandlerFunc) func() {
	return c.dispatcher.Register(kind, space, typ, h)
}

// State returns the connection state
func (c *Client) State() events.ConnectionState {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.state
}

// IsConnected returns whether a session is ready for use
func (c *Client) IsConnected() bool {
	s := c.State()
	return s == events.StateConnected || s == events.StateAttached
}

// JID returns the bound address of the live session
func (c *Client) JID() jid.JID {
	if s := c.live(); s != nil {
		return s.addr
	}
	return jid.JID{}
}

// ClientResource returns the resource of the user's native client, or ""
func (c *Client) ClientResource() string {
	s := c.live()
	if s == nil {
		return ""
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.clientResource
}

func (c *Client) live() *session {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.sess
}

func (c *Client) require() (*session, error) {
	if s := c.live(); s != nil {
		return s, nil
	}
	return nil, ErrNotConnected
}

func (c *Client) setState(state events.ConnectionState, err error) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
	c.bus.Publish(events.StatusChanged{State: state, Err: err})
}

// begin moves to Connecting unless a connection exists or is underway. A
// session that is still closing refuses with ErrDisconnecting.
func (c *Client) begin() (bool, error) {
	c.mu.Lock()
	switch c.state {
	case events.StateConnecting, events.StateConnected, events.StateAttached:
		c.mu.Unlock()
		return false, nil
	case events.StateDisconnecting:
		c.mu.Unlock()
		return false, ErrDisconnecting
	}
	c.state = events.StateConnecting
	c.mu.Unlock()
	c.bus.Publish(events.StatusChanged{State: events.StateConnecting})
	return true, nil
}

func (c *Client) fail(state events.ConnectionState, err error) error {
	c.log.Error().Err(err).Str("state", state.String()).Msg("connect failed")
	c.setState(state, err)
	return err
}

// Connect opens a session for identity. It blocks until the session is
// ready or failed and does nothing while a session exists or is being
// opened. No initial presence is sent.
func (c *Client) Connect(ctx context.Context, identity, password string) error {
	if ok, err := c.begin(); !ok {
		return err
	}

	addr, err := jid.Parse(identity)
	if err != nil {
		return c.fail(events.StateError, fmt.Errorf("invalid JID: %w", err))
	}
	if addr.Resourcepart() == "" && c.cfg.Resource != "" {
		addr, err = addr.WithResource(c.cfg.Resource)
		if err != nil {
			return c.fail(events.StateError, fmt.Errorf("invalid resource: %w", err))
		}
	}

	endpoint, err := c.resolveEndpoint(ctx, addr)
	if err != nil {
		return c.fail(events.StateError, err)
	}

	t, err := c.dialer.Dial(ctx, endpoint, addr, password)
	if err != nil {
		if errors.Is(err, ErrAuthFailed) {
			return c.fail(events.StateAuthFailed, err)
		}
		c.mu.Lock()
		c.endpoint = ""
		c.mu.Unlock()
		return c.fail(events.StateError, err)
	}
	return c.start(ctx, t, false)
}

// Attach adopts an already negotiated transport
func (c *Client) Attach(ctx context.Context, t Transport) error {
	if ok, err := c.begin(); !ok {
		return err
	}
	return c.start(ctx, t, true)
}

func (c *Client) start(ctx context.Context, t Transport, attached bool) error {
	s := c.newSession(t)
	c.mu.Lock()
	c.sess = s
	c.mu.Unlock()
	go c.serve(s)

	if err := c.enableCarbons(ctx, s); err != nil {
		c.log.Warn().Err(err).Msg("failed to enable carbons")
	}

	state := events.StateConnected
	if attached {
		state = events.StateAttached
	}
	c.mu.Lock()
	if c.sess != s {
		c.mu.Unlock()
		return fmt.Errorf("session ended during setup: %w", ErrNotConnected)
	}
	c.state = state
	c.mu.Unlock()

	c.log.Info().Str("jid", s.addr.String()).Bool("attached", attached).Msg("connected")
	c.bus.Publish(events.StatusChanged{State: state})
	c.bus.Publish(events.Connected{JID: s.addr.String(), Attached: attached})
	return nil
}

func (c *Client) newSession(t Transport) *session {
	s := &session{
		t:      t,
		addr:   t.LocalAddr(),
		roster: roster.NewManager(),
		served: make(chan struct{}),
		typing: make(map[string]*rate.Limiter),
	}
	s.blocks = blocklist.New(c.cfg.BlockList, privacyStore{c: c, s: s},
		blocklist.WithLogger(c.log),
		blocklist.WithTimeout(c.cfg.RequestTimeout),
		blocklist.OnLoaded(func() { c.bus.Publish(events.BlockListLoaded{}) }),
		blocklist.OnChanged(func() { c.bus.Publish(events.BlockListChanged{}) }),
	)
	return s
}

func (c *Client) enableCarbons(ctx context.Context, s *session) error {
	_, err := c.request(ctx, s, stanza.SetIQ, wire.CarbonsEnable())
	return err
}

// sessionHandler feeds the stanzas of one session to the dispatcher
type sessionHandler struct {
	c *Client
	s *session
}

func (h sessionHandler) HandleXMPP(t xmlstream.TokenReadEncoder, start *xml.StartElement) error {
	st, err := wire.Read(*start, t)
	if err != nil {
		return err
	}
	if h.c.live() != h.s {
		return nil
	}
	h.c.dispatcher.Dispatch(t, st)
	return nil
}

func (c *Client) serve(s *session) {
	defer close(s.served)

	err := s.t.Serve(sessionHandler{c: c, s: s})

	s.mu.Lock()
	closing := s.closing
	conflict := s.conflict
	s.mu.Unlock()
	if closing {
		return
	}

	if isConflict(err) {
		if !conflict {
			c.bus.Publish(events.UserConflict{})
		}
		conflict = true
	}

	state := events.StateDisconnected
	switch {
	case conflict:
		state = events.StateError
		if err == nil {
			err = ErrConflict
		} else if !errors.Is(err, ErrConflict) {
			err = fmt.Errorf("%w: %v", ErrConflict, err)
		}
	case err != nil && !errors.Is(err, io.EOF):
		state = events.StateError
	default:
		err = nil
	}
	c.log.Info().Err(err).Str("state", state.String()).Msg("stream ended")
	c.teardown(s, state, err)
}

// teardown releases the resources of s. State and events are only updated
// while s is still the live session.
func (c *Client) teardown(s *session, state events.ConnectionState, err error) {
	c.mu.Lock()
	current := c.sess == s
	if current {
		c.sess = nil
		c.state = state
	}
	c.mu.Unlock()

	s.blocks.Close(ErrNotConnected)
	s.roster.Clear()
	if !current {
		return
	}

	c.bus.Publish(events.StatusChanged{State: state, Err: err})
	c.bus.Publish(events.Disconnected{Err: err})
}

// Disconnect sends unavailable presence, closes the stream and waits for the
// server to close its side or for ctx to expire.
func (c *Client) Disconnect(ctx context.Context) error {
	c.mu.Lock()
	s := c.sess
	if s == nil {
		c.mu.Unlock()
		return nil
	}
	c.state = events.StateDisconnecting
	c.mu.Unlock()

	s.mu.Lock()
	s.closing = true
	s.mu.Unlock()
	c.bus.Publish(events.StatusChanged{State: events.StateDisconnecting})

	p := stanza.Presence{Type: stanza.UnavailablePresence}
	if err := s.t.Send(ctx, p.Wrap(nil)); err != nil {
		c.log.Debug().Err(err).Msg("failed to send unavailable presence")
	}
	if err := s.t.Close(); err != nil {
		c.log.Debug().Err(err).Msg("failed to close stream")
	}

	select {
	case <-s.served:
	case <-ctx.Done():
		if a, ok := s.t.(interface{ Abort() error }); ok {
			_ = a.Abort()
		}
		c.log.Warn().Msg("stream did not close in time")
	}

	c.teardown(s, events.StateDisconnected, nil)
	return nil
}

// Close disconnects and then drains and stops the event bus
func (c *Client) Close() error {
	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.RequestTimeout)
	defer cancel()

	err := c.Disconnect(ctx)
	c.bus.Close()
	return err
}
