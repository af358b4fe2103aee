package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
	"golang.org/x/time/rate"
	"mellium.im/xmlstream"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/blocklist"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/chat"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/presence"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/roster"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

// RemoteActionPresence asks the native client to change the user's presence
const RemoteActionPresence = "presence"

// SendChatMessage sends a message and returns its id. An empty kind sends a
// chat message.
func (c *Client) SendChatMessage(ctx context.Context, to, body string, kind stanza.MessageType) (string, error) {
	s, err := c.require()
	if err != nil {
		return "", err
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return "", fmt.Errorf("invalid JID: %w", err)
	}
	if kind == "" {
		kind = stanza.ChatMessage
	}

	msg := stanza.Message{ID: uuid.NewString(), To: toJID, Type: kind}
	payload := wire.Body(body)
	if kind == stanza.ChatMessage {
		payload = xmlstream.MultiReader(payload, wire.ChatState(string(chat.StateActive)))
	}
	if err := s.t.Send(ctx, msg.Wrap(payload)); err != nil {
		return "", fmt.Errorf("failed to send message: %w", err)
	}
	return msg.ID, nil
}

// SendTypingState sends a chat state notification. Composing notifications
// to the same contact are throttled to one per TypingInterval; throttled
// ones are dropped silently.
func (c *Client) SendTypingState(ctx context.Context, state chat.State, to string) error {
	if _, ok := chat.ParseState(string(state)); !ok {
		return fmt.Errorf("unknown chat state %q", state)
	}
	s, err := c.require()
	if err != nil {
		return err
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}
	if state == chat.StateComposing && !c.allowTyping(s, toJID.Bare().String()) {
		return nil
	}

	msg := stanza.Message{To: toJID, Type: stanza.ChatMessage}
	if err := s.t.Send(ctx, msg.Wrap(wire.ChatState(string(state)))); err != nil {
		return fmt.Errorf("failed to send chat state: %w", err)
	}
	return nil
}

func (c *Client) allowTyping(s *session, target string) bool {
	if c.cfg.TypingInterval <= 0 {
		return true
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	l, ok := s.typing[target]
	if !ok {
		l = rate.NewLimiter(rate.Every(c.cfg.TypingInterval), 1)
		s.typing[target] = l
	}
	return l.Allow()
}

func (c *Client) sendPresence(ctx context.Context, to string, typ stanza.PresenceType) error {
	s, err := c.require()
	if err != nil {
		return err
	}
	toJID, err := jid.Parse(to)
	if err != nil {
		return fmt.Errorf("invalid JID: %w", err)
	}

	p := stanza.Presence{ID: uuid.NewString(), To: toJID.Bare(), Type: typ}
	if err := s.t.Send(ctx, p.Wrap(nil)); err != nil {
		return fmt.Errorf("failed to send %s presence: %w", typ, err)
	}
	return nil
}

// SendFriendRequest asks contact for a presence subscription
func (c *Client) SendFriendRequest(ctx context.Context, contact string) error {
	return c.sendPresence(ctx, contact, stanza.SubscribePresence)
}

// AcceptFriendRequest approves a subscription request from contact
func (c *Client) AcceptFriendRequest(ctx context.Context, contact string) error {
	return c.sendPresence(ctx, contact, stanza.SubscribedPresence)
}

// RejectFriendRequest denies a subscription request from contact
func (c *Client) RejectFriendRequest(ctx context.Context, contact string) error {
	return c.sendPresence(ctx, contact, stanza.UnsubscribedPresence)
}

// RevokeFriendRequest withdraws our pending request to contact
func (c *Client) RevokeFriendRequest(ctx context.Context, contact string) error {
	return c.sendPresence(ctx, contact, stanza.UnsubscribePresence)
}

// RemoveFriend deletes contact from the roster, which also cancels the
// subscriptions in both directions.
func (c *Client) RemoveFriend(ctx context.Context, contact string) error {
	s, err := c.require()
	if err != nil {
		return err
	}
	item := wire.RosterItem{JID: contact, Subscription: string(roster.SubscriptionRemove)}
	if _, err := c.request(ctx, s, stanza.SetIQ, wire.RosterPayload(item)); err != nil {
		return fmt.Errorf("failed to remove %s: %w", contact, err)
	}
	return nil
}

// RequestRoster fetches the full roster and replaces the cached copy
func (c *Client) RequestRoster(ctx context.Context) ([]roster.Entry, error) {
	s, err := c.require()
	if err != nil {
		return nil, err
	}

	st, err := c.request(ctx, s, stanza.GetIQ, wire.RosterPayload())
	if err != nil {
		return nil, fmt.Errorf("failed to fetch roster: %w", err)
	}

	var q wire.RosterQuery
	if child := st.Child(wire.NSRoster, "query"); child != nil {
		if err := child.Decode(&q); err != nil {
			return nil, fmt.Errorf("failed to decode roster: %w", err)
		}
	}

	entries := make([]roster.Entry, 0, len(q.Items))
	for _, item := range q.Items {
		entries = append(entries, roster.FromItem(item))
	}
	s.roster.Replace(entries)
	return s.roster.All(), nil
}

// Roster returns the cached roster of the live session
func (c *Client) Roster() []roster.Entry {
	s := c.live()
	if s == nil {
		return nil
	}
	return s.roster.All()
}

func wait(ctx context.Context, errc <-chan error) error {
	select {
	case err := <-errc:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// LoadBlockList loads the block list if it is not loaded yet
func (c *Client) LoadBlockList(ctx context.Context) error {
	s, err := c.require()
	if err != nil {
		return err
	}
	return wait(ctx, s.blocks.Load())
}

// Block adds contact to the block list. Blocking a blocked contact does
// nothing.
func (c *Client) Block(ctx context.Context, contact string) error {
	s, err := c.require()
	if err != nil {
		return err
	}
	return wait(ctx, s.blocks.Block(contact))
}

// Unblock removes contact from the block list
func (c *Client) Unblock(ctx context.Context, contact string) error {
	s, err := c.require()
	if err != nil {
		return err
	}
	return wait(ctx, s.blocks.Unblock(contact))
}

// CancelAndBlock withdraws our friend request to contact and blocks them
func (c *Client) CancelAndBlock(ctx context.Context, contact string) error {
	if err := c.RevokeFriendRequest(ctx, contact); err != nil {
		return err
	}
	return c.Block(ctx, contact)
}

// IgnoreAndBlock rejects the friend request of contact and blocks them
func (c *Client) IgnoreAndBlock(ctx context.Context, contact string) error {
	if err := c.RejectFriendRequest(ctx, contact); err != nil {
		return err
	}
	return c.Block(ctx, contact)
}

// IsBlocked reports whether contact is blocked, loading the list first if
// needed.
func (c *Client) IsBlocked(ctx context.Context, contact string) (bool, error) {
	s, err := c.require()
	if err != nil {
		return false, err
	}
	select {
	case r := <-s.blocks.IsBlocked(contact):
		return r.Blocked, r.Err
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// BlockedContacts returns the blocked contacts once the list is loaded
func (c *Client) BlockedContacts() ([]string, error) {
	s, err := c.require()
	if err != nil {
		return nil, err
	}
	if st := s.blocks.State(); st != blocklist.Loaded {
		return nil, fmt.Errorf("block list is %s", st)
	}
	return s.blocks.Blocked(), nil
}

// OwnPresence is the presence the user publishes
type OwnPresence struct {
	Show     presence.Show
	Status   string
	Activity string
	Priority int
	// Invisible hides the presence from contacts through a privacy list
	Invisible bool
}

// UpdatePresence publishes the user's presence. Going invisible activates a
// privacy list that denies outgoing presence and sends the presence with the
// configured low priority; leaving it deactivates the list again.
func (c *Client) UpdatePresence(ctx context.Context, p OwnPresence) error {
	s, err := c.require()
	if err != nil {
		return err
	}

	s.mu.Lock()
	wasInvisible := s.invisible
	s.mu.Unlock()

	priority := p.Priority
	switch {
	case p.Invisible:
		select {
		case err := <-s.blocks.Load():
			if err != nil {
				c.log.Warn().Err(err).Msg("going invisible without the block list")
			}
		case <-ctx.Done():
			return ctx.Err()
		}
		list := c.invisibleList(s.blocks.Entries())
		if _, err := c.request(ctx, s, stanza.SetIQ, wire.PrivacyPayload(list)); err != nil {
			return fmt.Errorf("failed to store invisible list: %w", err)
		}
		if _, err := c.request(ctx, s, stanza.SetIQ, wire.PrivacyActivePayload(list.Name)); err != nil {
			return fmt.Errorf("failed to activate invisible list: %w", err)
		}
		priority = c.cfg.InvisiblePriority
	case wasInvisible:
		if _, err := c.request(ctx, s, stanza.SetIQ, wire.PrivacyActivePayload("")); err != nil {
			return fmt.Errorf("failed to deactivate invisible list: %w", err)
		}
	}

	s.mu.Lock()
	s.invisible = p.Invisible
	s.mu.Unlock()

	var payload []xml.TokenReader
	if p.Show != presence.ShowOnline {
		payload = append(payload, wire.Show(string(p.Show)))
	}
	if p.Status != "" {
		payload = append(payload, wire.Status(p.Status))
	}
	if priority != 0 {
		payload = append(payload, wire.Priority(priority))
	}
	if p.Activity != "" {
		payload = append(payload, wire.Activity(p.Activity))
	}

	out := stanza.Presence{ID: uuid.NewString()}
	if err := s.t.Send(ctx, out.Wrap(xmlstream.MultiReader(payload...))); err != nil {
		return fmt.Errorf("failed to send presence: %w", err)
	}
	return nil
}

// RequestPresence changes the user's show state. When the native client is
// online the change is delegated to it, otherwise it is published directly.
func (c *Client) RequestPresence(ctx context.Context, show presence.Show) error {
	if c.ClientResource() != "" {
		return c.SendRemoteAction(ctx, wire.Remote{
			Type:   wire.RemoteTypeAction,
			Action: RemoteActionPresence,
			Show:   presence.ShowToString(show),
		})
	}
	return c.UpdatePresence(ctx, OwnPresence{Show: show})
}

// SendRemoteAction sends a JSON payload to the user's native client
func (c *Client) SendRemoteAction(ctx context.Context, r wire.Remote) error {
	s, err := c.require()
	if err != nil {
		return err
	}

	s.mu.Lock()
	resource := s.clientResource
	s.mu.Unlock()
	if resource == "" {
		return ErrNoRemoteClient
	}
	to, err := s.addr.Bare().WithResource(resource)
	if err != nil {
		return fmt.Errorf("invalid client resource: %w", err)
	}
	if r.Type == "" {
		r.Type = wire.RemoteTypeAction
	}

	msg := stanza.Message{ID: uuid.NewString(), To: to, Type: stanza.ChatMessage}
	if err := s.t.Send(ctx, msg.Wrap(r.TokenReader())); err != nil {
		return fmt.Errorf("failed to send remote action: %w", err)
	}
	return nil
}
