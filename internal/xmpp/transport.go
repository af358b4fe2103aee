package xmpp

import (
	"context"
	"crypto/tls"
	"encoding/xml"
	"fmt"
	"net"
	"strings"
	"time"

	"mellium.im/sasl"
	"mellium.im/xmlstream"
	"mellium.im/xmpp"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/websocket"
)

// Transport is a negotiated XMPP stream. *xmpp.Session satisfies it.
type Transport interface {
	// Serve reads stanzas and hands them to h until the stream ends
	Serve(h xmpp.Handler) error
	Send(ctx context.Context, r xml.TokenReader) error
	// SendIQ sends an IQ and returns a reader over the matching response
	SendIQ(ctx context.Context, r xml.TokenReader) (xmlstream.TokenReadCloser, error)
	LocalAddr() jid.JID
	// Close ends the output stream
	Close() error
}

// Dialer opens and negotiates a transport for addr at endpoint
type Dialer interface {
	Dial(ctx context.Context, endpoint string, addr jid.JID, password string) (Transport, error)
}

// NetDialer dials WebSocket endpoints (ws:// and wss:// URLs) and falls back
// to TCP with StartTLS for host:port endpoints.
type NetDialer struct {
	// Origin is sent in the WebSocket handshake
	Origin    string
	TLSConfig *tls.Config
	Timeout   time.Duration
}

// Dial satisfies the Dialer interface
func (d NetDialer) Dial(ctx context.Context, endpoint string, addr jid.JID, password string) (Transport, error) {
	if d.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d.Timeout)
		defer cancel()
	}

	tlsConfig := d.TLSConfig
	if tlsConfig == nil {
		tlsConfig = &tls.Config{
			ServerName: addr.Domain().String(),
			MinVersion: tls.VersionTLS12,
		}
	}

	features := []xmpp.StreamFeature{
		xmpp.SASL("", password, sasl.ScramSha256Plus, sasl.ScramSha256, sasl.ScramSha1Plus, sasl.ScramSha1, sasl.Plain),
		xmpp.BindResource(),
	}

	var (
		conn       net.Conn
		negotiator xmpp.Negotiator
		err        error
	)
	if strings.HasPrefix(endpoint, "ws://") || strings.HasPrefix(endpoint, "wss://") {
		origin := d.Origin
		if origin == "" {
			origin = "https://" + addr.Domain().String()
		}
		wd := websocket.Dialer{Origin: origin, TLSConfig: tlsConfig}
		conn, err = wd.DialDirect(ctx, endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to dial websocket: %w", err)
		}
		negotiator = websocket.Negotiator(func(*xmpp.Session, *xmpp.StreamConfig) xmpp.StreamConfig {
			return xmpp.StreamConfig{Features: features}
		})
	} else {
		if endpoint == "" {
			endpoint = net.JoinHostPort(addr.Domain().String(), "5222")
		}
		var nd net.Dialer
		conn, err = nd.DialContext(ctx, "tcp", endpoint)
		if err != nil {
			return nil, fmt.Errorf("failed to dial server: %w", err)
		}
		negotiator = xmpp.NewNegotiator(func(*xmpp.Session, *xmpp.StreamConfig) xmpp.StreamConfig {
			return xmpp.StreamConfig{
				Features: append([]xmpp.StreamFeature{xmpp.StartTLS(tlsConfig)}, features...),
			}
		})
	}

	session, err := xmpp.NewSession(ctx, addr.Domain(), addr, conn, 0, negotiator)
	if err != nil {
		conn.Close()
		return nil, classifyDialError(fmt.Errorf("failed to negotiate session: %w", err))
	}
	return &sessionTransport{Session: session, conn: conn}, nil
}

// sessionTransport releases the connection once the input stream ends
type sessionTransport struct {
	*xmpp.Session
	conn net.Conn
}

func (t *sessionTransport) Serve(h xmpp.Handler) error {
	defer t.conn.Close()
	return t.Session.Serve(h)
}

// Abort drops the connection without waiting for the server
func (t *sessionTransport) Abort() error {
	return t.conn.Close()
}
