package wire

import (
	"mellium.im/xmpp/carbons"
	"mellium.im/xmpp/forward"
	"mellium.im/xmpp/roster"
	"mellium.im/xmpp/stanza"
)

// Namespaces used by the engine
const (
	NSClient     = stanza.NSClient
	NSRoster     = roster.NS
	NSPrivacy    = "jabber:iq:privacy"
	NSCarbons    = carbons.NS
	NSForward    = forward.NS
	NSChatStates = "http://jabber.org/protocol/chatstates"
	NSJSON       = "urn:xmpp:json:0"
	NSStream     = "http://etherx.jabber.org/streams"
	NSStreamErr  = "urn:ietf:params:xml:ns:xmpp-streams"
	NSStanzaErr  = "urn:ietf:params:xml:ns:xmpp-stanzas"
)

// Stanza kinds as they appear on the wire
const (
	KindPresence = "presence"
	KindMessage  = "message"
	KindIQ       = "iq"
)
