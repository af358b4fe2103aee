package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"

	"github.com/RPwnage/EA-Software-sub005/internal/events"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

const (
	testJID      = "me@example.com/app"
	testPassword = "secret"
	waitTimeout  = 2 * time.Second
)

func encode(r xml.TokenReader) (string, error) {
	var buf strings.Builder
	e := xml.NewEncoder(&buf)
	if _, err := xmlstream.Copy(e, r); err != nil {
		return "", err
	}
	if err := e.Flush(); err != nil {
		return "", err
	}
	return buf.String(), nil
}

type fakeRW struct {
	xml.TokenReader
	enc *xml.Encoder
}

func (rw fakeRW) EncodeToken(t xml.Token) error { return rw.enc.EncodeToken(t) }
func (rw fakeRW) Encode(v interface{}) error    { return rw.enc.Encode(v) }
func (rw fakeRW) EncodeElement(v interface{}, start xml.StartElement) error {
	return rw.enc.EncodeElement(v, start)
}

type readCloser struct {
	xml.TokenReader
}

func (readCloser) Close() error { return nil }

type delivery struct {
	raw  string
	done chan error
}

// fakeTransport plays the server side of a negotiated stream
type fakeTransport struct {
	addr      jid.JID
	in        chan delivery
	closed    chan struct{}
	closeOnce sync.Once
	serveErr  error

	mu      sync.Mutex
	sent    []*wire.Stanza
	iqs     []*wire.Stanza
	written []*wire.Stanza
	respond func(req *wire.Stanza) (string, bool)
}

func newFakeTransport(addr jid.JID) *fakeTransport {
	return &fakeTransport{
		addr:   addr,
		in:     make(chan delivery),
		closed: make(chan struct{}),
	}
}

func (f *fakeTransport) Serve(h xmpp.Handler) error {
	for {
		select {
		case d := <-f.in:
			d.done <- f.handle(h, d.raw)
		case <-f.closed:
			return f.serveErr
		}
	}
}

func (f *fakeTransport) handle(h xmpp.Handler, raw string) error {
	d := xml.NewDecoder(strings.NewReader(raw))
	var start xml.StartElement
	for {
		tok, err := d.Token()
		if err != nil {
			return err
		}
		if s, ok := tok.(xml.StartElement); ok {
			start = s
			break
		}
	}

	var buf strings.Builder
	enc := xml.NewEncoder(&buf)
	rw := fakeRW{
		TokenReader: xmlstream.MultiReader(xmlstream.Inner(d), xmlstream.Token(start.End())),
		enc:         enc,
	}
	err := h.HandleXMPP(rw, &start)
	if ferr := enc.Flush(); ferr != nil && err == nil {
		err = ferr
	}
	if buf.Len() > 0 {
		st, perr := wire.Parse(buf.String())
		if perr != nil {
			return perr
		}
		f.mu.Lock()
		f.written = append(f.written, st)
		f.mu.Unlock()
	}
	return err
}

func (f *fakeTransport) Send(ctx context.Context, r xml.TokenReader) error {
	select {
	case <-f.closed:
		return io.ErrClosedPipe
	default:
	}
	raw, err := encode(r)
	if err != nil {
		return err
	}
	st, err := wire.Parse(raw)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.sent = append(f.sent, st)
	f.mu.Unlock()
	return nil
}

func (f *fakeTransport) SendIQ(ctx context.Context, r xml.TokenReader) (xmlstream.TokenReadCloser, error) {
	raw, err := encode(r)
	if err != nil {
		return nil, err
	}
	req, err := wire.Parse(raw)
	if err != nil {
		return nil, err
	}

	f.mu.Lock()
	f.iqs = append(f.iqs, req)
	respond := f.respond
	f.mu.Unlock()

	resp, ok := result(req), true
	if respond != nil {
		resp, ok = respond(req)
	}
	if !ok {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-f.closed:
			return nil, io.EOF
		}
	}
	return readCloser{xml.NewDecoder(strings.NewReader(resp))}, nil
}

func (f *fakeTransport) LocalAddr() jid.JID { return f.addr }

func (f *fakeTransport) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

func (f *fakeTransport) setResponder(fn func(req *wire.Stanza) (string, bool)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.respond = fn
}

// deliver hands raw to the client as if the server had sent it and waits
// until it was handled.
func (f *fakeTransport) deliver(t *testing.T, raw string) {
	t.Helper()
	d := delivery{raw: raw, done: make(chan error, 1)}
	select {
	case f.in <- d:
	case <-time.After(waitTimeout):
		t.Fatalf("stanza was not read: %s", raw)
	}
	select {
	case err := <-d.done:
		if err != nil {
			t.Fatalf("handling %s failed: %v", raw, err)
		}
	case <-time.After(waitTimeout):
		t.Fatalf("stanza was not handled: %s", raw)
	}
}

func (f *fakeTransport) sentStanzas() []*wire.Stanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Stanza(nil), f.sent...)
}

func (f *fakeTransport) iqStanzas() []*wire.Stanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Stanza(nil), f.iqs...)
}

func (f *fakeTransport) writtenStanzas() []*wire.Stanza {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*wire.Stanza(nil), f.written...)
}

// iqsWith returns the IQs of the given type carrying a payload in space
func (f *fakeTransport) iqsWith(typ, space string) []*wire.Stanza {
	var out []*wire.Stanza
	for _, iq := range f.iqStanzas() {
		if iq.Type() != typ {
			continue
		}
		for _, c := range iq.Children() {
			if c.Name.Space == space {
				out = append(out, iq)
				break
			}
		}
	}
	return out
}

func result(req *wire.Stanza) string {
	return fmt.Sprintf(`<iq xmlns='jabber:client' type='result' id='%s'/>`, req.ID())
}

func resultWith(req *wire.Stanza, payload string) string {
	return fmt.Sprintf(`<iq xmlns='jabber:client' type='result' id='%s'>%s</iq>`, req.ID(), payload)
}

func errorResult(req *wire.Stanza, condition string) string {
	return fmt.Sprintf(`<iq xmlns='jabber:client' type='error' id='%s'><error type='cancel'><%s xmlns='urn:ietf:params:xml:ns:xmpp-stanzas'/></error></iq>`, req.ID(), condition)
}

type fakeDialer struct {
	mu        sync.Mutex
	dials     int
	endpoints []string
	last      *fakeTransport
	err       error
	gate      chan struct{}
}

func (d *fakeDialer) Dial(ctx context.Context, endpoint string, addr jid.JID, password string) (Transport, error) {
	if d.gate != nil {
		<-d.gate
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	d.dials++
	d.endpoints = append(d.endpoints, endpoint)
	if d.err != nil {
		return nil, d.err
	}
	d.last = newFakeTransport(addr)
	return d.last, nil
}

func (d *fakeDialer) transport() *fakeTransport {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.last
}

func (d *fakeDialer) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.dials
}

func newTestClient(t *testing.T, cfg Config) (*Client, *fakeDialer, <-chan events.Event) {
	t.Helper()

	bus := events.NewBus(zerolog.Nop())
	d := &fakeDialer{}
	cfg.Dialer = d
	cfg.Bus = bus
	cfg.Logger = zerolog.Nop()
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = waitTimeout
	}
	c := New(cfg)

	ch := make(chan events.Event, 256)
	bus.SubscribeAll(func(e events.Event) { ch <- e })
	t.Cleanup(func() { c.Close() })
	return c, d, ch
}

// connect opens a session on a fake transport
func connect(t *testing.T, c *Client, d *fakeDialer) *fakeTransport {
	t.Helper()
	if err := c.Connect(context.Background(), testJID, testPassword); err != nil {
		t.Fatalf("Connect failed: %v", err)
	}
	f := d.transport()
	if f == nil {
		t.Fatalf("no transport dialed")
	}
	return f
}

func expect[T events.Event](t *testing.T, ch <-chan events.Event) T {
	t.Helper()
	timeout := time.After(waitTimeout)
	for {
		select {
		case e := <-ch:
			if v, ok := e.(T); ok {
				return v
			}
		case <-timeout:
			var zero T
			t.Fatalf("timed out waiting for %T", zero)
			return zero
		}
	}
}

// drain returns the events already delivered, waiting briefly for stragglers
func drain(ch <-chan events.Event) []events.Event {
	var out []events.Event
	for {
		select {
		case e := <-ch:
			out = append(out, e)
		case <-time.After(50 * time.Millisecond):
			return out
		}
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(waitTimeout)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func mustJID(t *testing.T, s string) jid.JID {
	t.Helper()
	j, err := jid.Parse(s)
	if err != nil {
		t.Fatalf("invalid JID %q: %v", s, err)
	}
	return j
}
