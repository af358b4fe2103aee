package xmpp

import (
	"encoding/xml"
	"strings"
	"time"

	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/RPwnage/EA-Software-sub005/internal/events"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/chat"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/disco"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/presence"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/roster"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

func (c *Client) registerHandlers() {
	c.dispatcher.Register(wire.KindPresence, "", "", c.handlePresence)
	c.dispatcher.Register(wire.KindMessage, "", "", c.handleMessage)
	c.dispatcher.Register(wire.KindIQ, wire.NSRoster, string(stanza.SetIQ), c.handleRosterPush)
	c.dispatcher.Register(wire.KindIQ, wire.NSPrivacy, string(stanza.SetIQ), c.handlePrivacyPush)
	c.dispatcher.Register(wire.KindIQ, disco.NSInfo, string(stanza.GetIQ), c.handleDiscoInfo)
	c.dispatcher.Register("error", wire.NSStreamErr, "", c.handleStreamError)
}

func (s *session) bare() string {
	return s.addr.Bare().String()
}

// own reports whether addr is empty (the server on behalf of the account) or
// belongs to the account
func (s *session) own(addr string) bool {
	if addr == "" {
		return true
	}
	bare, _ := presence.SplitJID(addr)
	return bare == s.bare()
}

func (c *Client) handlePresence(_ xmlstream.TokenWriter, st *wire.Stanza) bool {
	s := c.live()
	if s == nil {
		return true
	}

	rec := presence.FromStanza(wire.ParsePresence(st))
	c.trackClientResource(s, rec)
	c.bus.Publish(events.PresenceChanged{Record: rec})
	return true
}

// trackClientResource follows the presence of the user's native client, a
// resource of our own account whose name starts with the configured prefix.
func (c *Client) trackClientResource(s *session, rec presence.Record) {
	if rec.SubjectID != s.bare() || rec.Resource == s.addr.Resourcepart() {
		return
	}
	if !strings.HasPrefix(rec.Resource, c.cfg.ClientResourcePrefix) {
		return
	}

	s.mu.Lock()
	prev := s.clientResource
	switch rec.Type {
	case presence.TypeAvailable:
		s.clientResource = rec.Resource
	case presence.TypeUnavailable, presence.TypeError:
		if prev == rec.Resource {
			s.clientResource = ""
		}
	}
	next := s.clientResource
	s.mu.Unlock()

	if prev == next {
		return
	}
	c.log.Debug().Str("resource", next).Bool("available", next != "").Msg("native client changed")
	resource := next
	if resource == "" {
		resource = prev
	}
	c.bus.Publish(events.RemoteClientAvailability{Available: next != "", Resource: resource})
}

func (c *Client) handleMessage(_ xmlstream.TokenWriter, st *wire.Stanza) bool {
	s := c.live()
	if s == nil {
		return true
	}

	m := wire.ParseMessage(st)
	carbon, sent := false, false
	if m.Carbon != nil {
		if !s.own(m.From) {
			c.log.Warn().Str("jid", m.From).Msg("ignoring carbon from foreign address")
			return true
		}
		sent = m.Carbon.Sent
		m = wire.ParseMessage(m.Carbon.Message)
		// Only one level is unwrapped.
		m.Carbon = nil
		carbon = true
	}

	if m.Type == string(stanza.ErrorMessage) {
		c.log.Debug().Str("jid", m.From).Str("id", m.ID).Msg("message error")
		return true
	}

	if m.HasJSON {
		c.handleRemote(s, m)
		return true
	}

	if state, ok := chat.ParseState(m.ChatState); ok {
		c.bus.Publish(events.ChatStateChanged{From: m.From, To: m.To, State: state})
	}
	if m.Body != "" {
		c.bus.Publish(events.IncomingMessage{Message: chat.Message{
			ID:        m.ID,
			From:      m.From,
			To:        m.To,
			Body:      m.Body,
			Type:      m.Type,
			Thread:    m.Thread,
			Timestamp: time.Now(),
			Carbon:    carbon,
			Sent:      sent,
		}})
	}
	return true
}

// handleRemote relays JSON payloads exchanged with the user's own clients
func (c *Client) handleRemote(s *session, m wire.Message) {
	if !s.own(m.From) {
		c.log.Warn().Str("jid", m.From).Msg("ignoring remote payload from foreign address")
		return
	}

	r, repaired, err := wire.DecodeRemote(m.JSON)
	if err != nil {
		c.log.Warn().Err(err).Str("jid", m.From).Msg("dropping malformed remote payload")
		return
	}
	if repaired {
		c.log.Debug().Str("jid", m.From).Msg("repaired remote payload")
	}

	switch r.Type {
	case wire.RemoteTypeStatus:
		c.bus.Publish(events.RemoteStatus{From: m.From, Payload: r})
	case wire.RemoteTypeAction:
		c.bus.Publish(events.RemoteAction{From: m.From, Payload: r})
	default:
		c.log.Debug().Str("type", r.Type).Msg("unknown remote payload type")
	}
}

func (c *Client) handleRosterPush(w xmlstream.TokenWriter, st *wire.Stanza) bool {
	s := c.live()
	if s == nil {
		return true
	}
	if !s.own(st.From()) {
		c.log.Warn().Str("jid", st.From()).Msg("ignoring roster push from foreign address")
		return true
	}

	var q wire.RosterQuery
	if err := st.Child(wire.NSRoster, "query").Decode(&q); err != nil || len(q.Items) != 1 {
		c.log.Warn().Err(err).Str("id", st.ID()).Int("items", len(q.Items)).Msg("malformed roster push")
	} else {
		entry := roster.FromItem(q.Items[0])
		s.roster.Apply(entry)
		c.bus.Publish(events.RosterChanged{Entry: entry})
	}

	c.ack(w, st)
	return true
}

func (c *Client) handlePrivacyPush(w xmlstream.TokenWriter, st *wire.Stanza) bool {
	s := c.live()
	if s == nil {
		return true
	}
	if !s.own(st.From()) {
		c.log.Warn().Str("jid", st.From()).Msg("ignoring privacy push from foreign address")
		return true
	}
	c.ack(w, st)

	var q wire.PrivacyQuery
	if err := st.Child(wire.NSPrivacy, "query").Decode(&q); err != nil {
		c.log.Warn().Err(err).Str("id", st.ID()).Msg("malformed privacy push")
		return true
	}
	for _, l := range q.Lists {
		if l.Name == s.blocks.Name() {
			// Reload runs on the block list worker, never on the read loop.
			s.blocks.Reload()
			break
		}
	}
	return true
}

func (c *Client) handleStreamError(_ xmlstream.TokenWriter, st *wire.Stanza) bool {
	s := c.live()
	if s == nil {
		return true
	}

	cond := wire.StreamErrorCondition(st)
	c.log.Warn().Str("condition", cond).Msg("stream error")
	if cond != "conflict" {
		return true
	}

	s.mu.Lock()
	seen := s.conflict
	s.conflict = true
	s.mu.Unlock()
	if !seen {
		c.bus.Publish(events.UserConflict{})
	}
	return true
}

// handleDiscoInfo tells whoever asks which features the engine implements
func (c *Client) handleDiscoInfo(w xmlstream.TokenWriter, st *wire.Stanza) bool {
	if c.live() == nil {
		return true
	}
	c.reply(w, st, disco.ClientInfo(c.cfg.Resource).TokenReader())
	return true
}

// ack answers an IQ with an empty result carrying the same id
func (c *Client) ack(w xmlstream.TokenWriter, st *wire.Stanza) {
	c.reply(w, st, nil)
}

func (c *Client) reply(w xmlstream.TokenWriter, st *wire.Stanza, payload xml.TokenReader) {
	iq := stanza.IQ{ID: st.ID(), Type: stanza.ResultIQ}
	if from := st.From(); from != "" {
		if j, err := jid.Parse(from); err == nil {
			iq.To = j
		}
	}
	if _, err := xmlstream.Copy(w, iq.Wrap(payload)); err != nil {
		c.log.Error().Err(err).Str("id", st.ID()).Msg("failed to answer iq")
	}
}
