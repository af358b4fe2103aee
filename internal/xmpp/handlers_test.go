package xmpp

import (
	"testing"
	"time"

	"github.com/RPwnage/EA-Software-sub005/internal/events"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/chat"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/disco"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/presence"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/roster"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

func TestPresenceWithGameActivity(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<presence xmlns='jabber:client' from='friend@example.com/game' to='me@example.com/app'><show>away</show><activity>Half-Life 3;PID123;JOINABLE</activity></presence>`)

	ev := expect[events.PresenceChanged](t, ch)
	if ev.Type != presence.TypeAvailable {
		t.Fatalf("expected available, got %s", ev.Type)
	}
	if ev.Show != presence.ShowAway {
		t.Fatalf("expected away, got %q", ev.Show)
	}
	if ev.SubjectID != "friend@example.com" || ev.Resource != "game" {
		t.Fatalf("unexpected subject %q resource %q", ev.SubjectID, ev.Resource)
	}
	if ev.Game == nil {
		t.Fatalf("expected game activity")
	}
	if ev.Game.Title != "Half-Life 3" || ev.Game.ProductID != "PID123" || !ev.Game.Joinable {
		t.Fatalf("unexpected game %+v", *ev.Game)
	}
	if ev.RoutingTo != "me@example.com/app" || ev.RoutingFrom != "friend@example.com/game" {
		t.Fatalf("unexpected routing %q -> %q", ev.RoutingFrom, ev.RoutingTo)
	}
}

func TestPresenceUnknownValuesFallBack(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<presence xmlns='jabber:client' from='friend@example.com/pc' type='sideways'><show>sleepy</show><priority>lots</priority></presence>`)

	ev := expect[events.PresenceChanged](t, ch)
	if ev.Type != presence.TypeAvailable || ev.Show != presence.ShowOnline {
		t.Fatalf("expected baseline state, got %s/%q", ev.Type, ev.Show)
	}
	if ev.Priority != 0 {
		t.Fatalf("expected priority 0, got %d", ev.Priority)
	}
}

func TestUnavailablePresenceHasNoGame(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<presence xmlns='jabber:client' from='friend@example.com/pc' type='unavailable'><activity>garbage;;;</activity></presence>`)

	ev := expect[events.PresenceChanged](t, ch)
	if ev.Type != presence.TypeUnavailable {
		t.Fatalf("expected unavailable, got %s", ev.Type)
	}
	if ev.Game != nil {
		t.Fatalf("expected no game on unavailable, got %+v", *ev.Game)
	}
}

func TestPresenceItemNickname(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<presence xmlns='jabber:client' from='room@conf.example.com/nick'><x xmlns='http://jabber.org/protocol/muc#user'><item jid='friend@example.com/pc' nick='Friendly'/></x></presence>`)

	ev := expect[events.PresenceChanged](t, ch)
	if ev.Nickname != "Friendly" || ev.ItemJID != "friend@example.com/pc" {
		t.Fatalf("unexpected item %q %q", ev.Nickname, ev.ItemJID)
	}
}

func TestNativeClientDetection(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<presence xmlns='jabber:client' from='me@example.com/origin_42'/>`)
	ev := expect[events.RemoteClientAvailability](t, ch)
	if !ev.Available || ev.Resource != "origin_42" {
		t.Fatalf("unexpected availability %+v", ev)
	}
	if got := c.ClientResource(); got != "origin_42" {
		t.Fatalf("expected client resource origin_42, got %q", got)
	}

	// Repeated presence from the same resource is not a change.
	f.deliver(t, `<presence xmlns='jabber:client' from='me@example.com/origin_42'><show>away</show></presence>`)
	// Other resources of ours and foreign contacts are ignored.
	f.deliver(t, `<presence xmlns='jabber:client' from='me@example.com/phone'/>`)
	f.deliver(t, `<presence xmlns='jabber:client' from='friend@example.com/origin_1'/>`)

	f.deliver(t, `<presence xmlns='jabber:client' from='me@example.com/origin_42' type='unavailable'/>`)
	ev = expect[events.RemoteClientAvailability](t, ch)
	if ev.Available {
		t.Fatalf("expected native client to go away")
	}
	if got := c.ClientResource(); got != "" {
		t.Fatalf("expected no client resource, got %q", got)
	}
}

func TestIncomingChatMessage(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<message xmlns='jabber:client' from='friend@example.com/pc' to='me@example.com/app' type='chat' id='m1'><body>hello</body><composing xmlns='http://jabber.org/protocol/chatstates'/><paused xmlns='http://jabber.org/protocol/chatstates'/></message>`)

	state := expect[events.ChatStateChanged](t, ch)
	if state.State != chat.StateComposing {
		t.Fatalf("expected first chat state to win, got %q", state.State)
	}
	msg := expect[events.IncomingMessage](t, ch)
	if msg.Body != "hello" || msg.ID != "m1" || msg.From != "friend@example.com/pc" {
		t.Fatalf("unexpected message %+v", msg.Message)
	}
	if msg.Carbon {
		t.Fatalf("plain message flagged as carbon")
	}
}

func TestCarbonUnwrapsOnce(t *testing.T) {
	const inner = `<message xmlns='jabber:client' from='friend@example.com/pc' to='me@example.com/other' type='chat' id='m2'><body>hi there</body></message>`

	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, inner)
	plain := expect[events.IncomingMessage](t, ch)

	f.deliver(t, `<message xmlns='jabber:client' from='me@example.com' to='me@example.com/app'><received xmlns='urn:xmpp:carbons:2'><forwarded xmlns='urn:xmpp:forward:0'>`+inner+`</forwarded></received></message>`)
	carbon := expect[events.IncomingMessage](t, ch)

	if carbon.From != plain.From || carbon.To != plain.To || carbon.Body != plain.Body || carbon.ID != plain.ID {
		t.Fatalf("carbon %+v differs from plain %+v", carbon.Message, plain.Message)
	}
	if !carbon.Carbon || carbon.Sent {
		t.Fatalf("expected received carbon, got carbon=%v sent=%v", carbon.Carbon, carbon.Sent)
	}
}

func TestSentCarbon(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<message xmlns='jabber:client' from='me@example.com' to='me@example.com/app'><sent xmlns='urn:xmpp:carbons:2'><forwarded xmlns='urn:xmpp:forward:0'><message xmlns='jabber:client' from='me@example.com/phone' to='friend@example.com' type='chat'><body>from my phone</body></message></forwarded></sent></message>`)

	msg := expect[events.IncomingMessage](t, ch)
	if !msg.Sent || msg.Peer() != "friend@example.com" {
		t.Fatalf("unexpected sent carbon %+v", msg.Message)
	}
}

func TestForeignCarbonIgnored(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<message xmlns='jabber:client' from='mallory@example.com' to='me@example.com/app'><received xmlns='urn:xmpp:carbons:2'><forwarded xmlns='urn:xmpp:forward:0'><message xmlns='jabber:client' from='friend@example.com/pc' type='chat'><body>forged</body></message></forwarded></received></message>`)
	f.deliver(t, `<message xmlns='jabber:client' from='friend@example.com/pc' type='chat'><body>real</body></message>`)

	if msg := expect[events.IncomingMessage](t, ch); msg.Body != "real" {
		t.Fatalf("forged carbon was delivered: %+v", msg.Message)
	}
}

func TestRemotePayloads(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<message xmlns='jabber:client' from='me@example.com/origin_1' type='chat'><json xmlns='urn:xmpp:json:0'>{"type":"status","show":"away","status":"In a match"}</json></message>`)
	st := expect[events.RemoteStatus](t, ch)
	if st.Payload.Show != "away" || st.Payload.Status != "In a match" {
		t.Fatalf("unexpected status payload %+v", st.Payload)
	}

	// Dropped: unrepairable, then foreign sender.
	f.deliver(t, `<message xmlns='jabber:client' from='me@example.com/origin_1' type='chat'><json xmlns='urn:xmpp:json:0'>{{{</json></message>`)
	f.deliver(t, `<message xmlns='jabber:client' from='friend@example.com/pc' type='chat'><json xmlns='urn:xmpp:json:0'>{"type":"action","action":"evil"}</json></message>`)

	f.deliver(t, `<message xmlns='jabber:client' from='me@example.com/origin_1' type='chat'><json xmlns='urn:xmpp:json:0'>{'type': 'action', 'action': 'join'}</json></message>`)
	act := expect[events.RemoteAction](t, ch)
	if act.Payload.Action != "join" {
		t.Fatalf("expected repaired join action, got %+v", act.Payload)
	}
}

func TestRosterPushAcknowledged(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<iq xmlns='jabber:client' type='set' id='push1'><query xmlns='jabber:iq:roster'><item jid='a@example.com' name='Alpha' subscription='both'/></query></iq>`)

	written := f.writtenStanzas()
	if len(written) != 1 {
		t.Fatalf("expected one acknowledgement, got %d", len(written))
	}
	if written[0].Name.Local != "iq" || written[0].Type() != "result" || written[0].ID() != "push1" {
		t.Fatalf("unexpected acknowledgement %s", written[0])
	}

	ev := expect[events.RosterChanged](t, ch)
	if ev.ContactID != "a@example.com" || ev.Subscription != roster.SubscriptionBoth || ev.Nickname != "Alpha" {
		t.Fatalf("unexpected roster entry %+v", ev.Entry)
	}
	if got := c.Roster(); len(got) != 1 || got[0].ContactID != "a@example.com" {
		t.Fatalf("unexpected cached roster %+v", got)
	}

	f.deliver(t, `<iq xmlns='jabber:client' type='set' id='push2' from='me@example.com'><query xmlns='jabber:iq:roster'><item jid='a@example.com' subscription='remove'/></query></iq>`)
	if ev := expect[events.RosterChanged](t, ch); ev.Subscription != roster.SubscriptionRemove {
		t.Fatalf("expected remove, got %q", ev.Subscription)
	}
	if got := c.Roster(); len(got) != 0 {
		t.Fatalf("expected empty roster, got %+v", got)
	}
	if written := f.writtenStanzas(); len(written) != 2 || written[1].ID() != "push2" {
		t.Fatalf("expected second acknowledgement")
	}
}

func TestMalformedRosterPushStillAcknowledged(t *testing.T) {
	c, d, _ := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<iq xmlns='jabber:client' type='set' id='bad'><query xmlns='jabber:iq:roster'/></iq>`)
	written := f.writtenStanzas()
	if len(written) != 1 || written[0].ID() != "bad" {
		t.Fatalf("expected acknowledgement of malformed push")
	}
}

func TestForeignRosterPushIgnored(t *testing.T) {
	c, d, _ := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<iq xmlns='jabber:client' type='set' id='evil' from='mallory@example.com'><query xmlns='jabber:iq:roster'><item jid='x@example.com'/></query></iq>`)
	if len(f.writtenStanzas()) != 0 {
		t.Fatalf("foreign push was acknowledged")
	}
	if len(c.Roster()) != 0 {
		t.Fatalf("foreign push changed the roster")
	}
}

func TestPrivacyPushReloadsBlockList(t *testing.T) {
	c, d, ch := newTestClient(t, Config{})
	f := connect(t, c, d)
	f.setResponder(func(req *wire.Stanza) (string, bool) {
		if req.Type() == "get" && req.Child(wire.NSPrivacy, "query") != nil {
			return resultWith(req, `<query xmlns='jabber:iq:privacy'><list name='global'><item type='jid' value='x@example.com' action='deny' order='1'/></list></query>`), true
		}
		return result(req), true
	})

	f.deliver(t, `<iq xmlns='jabber:client' type='set' id='pp1'><query xmlns='jabber:iq:privacy'><list name='global'/></query></iq>`)
	written := f.writtenStanzas()
	if len(written) != 1 || written[0].ID() != "pp1" || written[0].Type() != "result" {
		t.Fatalf("expected acknowledgement of privacy push")
	}

	expect[events.BlockListChanged](t, ch)
	blocked, err := c.BlockedContacts()
	if err != nil {
		t.Fatalf("BlockedContacts failed: %v", err)
	}
	if len(blocked) != 1 || blocked[0] != "x@example.com" {
		t.Fatalf("unexpected blocked contacts %v", blocked)
	}
}

func TestPrivacyPushForOtherListIgnored(t *testing.T) {
	c, d, _ := newTestClient(t, Config{})
	f := connect(t, c, d)

	f.deliver(t, `<iq xmlns='jabber:client' type='set' id='pp2'><query xmlns='jabber:iq:privacy'><list name='invisible'/></query></iq>`)
	if len(f.writtenStanzas()) != 1 {
		t.Fatalf("expected acknowledgement of privacy push")
	}
	time.Sleep(20 * time.Millisecond)
	if n := len(f.iqsWith("get", wire.NSPrivacy)); n != 0 {
		t.Fatalf("expected no privacy fetch, got %d", n)
	}
}

func TestDiscoInfoAnswered(t *testing.T) {
	c, d, _ := newTestClient(t, Config{Resource: "app"})
	f := connect(t, c, d)

	f.deliver(t, `<iq xmlns='jabber:client' type='get' id='disco1' from='example.com'><query xmlns='http://jabber.org/protocol/disco#info'/></iq>`)

	written := f.writtenStanzas()
	if len(written) != 1 {
		t.Fatalf("expected one answer, got %d", len(written))
	}
	iq := written[0]
	if iq.Type() != "result" || iq.ID() != "disco1" || iq.To() != "example.com" {
		t.Fatalf("unexpected answer %s", iq)
	}
	q := iq.Child(disco.NSInfo, "query")
	if q == nil {
		t.Fatalf("answer carries no query: %s", iq)
	}

	var features []string
	for _, child := range q.Children() {
		switch child.Name.Local {
		case "identity":
			if child.AttrValue("category") != "client" || child.AttrValue("name") != "app" {
				t.Fatalf("unexpected identity %s", child)
			}
		case "feature":
			features = append(features, child.AttrValue("var"))
		}
	}
	if len(features) != 6 {
		t.Fatalf("expected 6 features, got %v", features)
	}
	for i := 1; i < len(features); i++ {
		if features[i-1] > features[i] {
			t.Fatalf("features are not sorted: %v", features)
		}
	}
}
