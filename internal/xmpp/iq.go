package xmpp

import (
	"context"
	"encoding/xml"
	"fmt"

	"github.com/google/uuid"
	"mellium.im/xmpp/stanza"

	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/blocklist"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

// request sends an IQ to the server and waits for its answer. Error answers
// are returned as *RequestError along with the stanza.
func (c *Client) request(ctx context.Context, s *session, typ stanza.IQType, payload xml.TokenReader) (*wire.Stanza, error) {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	iq := stanza.IQ{ID: uuid.NewString(), Type: typ}
	resp, err := s.t.SendIQ(ctx, iq.Wrap(payload))
	if err != nil {
		return nil, fmt.Errorf("iq %s: %w", iq.ID, err)
	}
	defer resp.Close()

	st, err := wire.ReadStanza(resp)
	if err != nil {
		return nil, fmt.Errorf("iq %s: failed to read response: %w", iq.ID, err)
	}
	if st.Type() == string(stanza.ErrorIQ) {
		return st, requestError(st)
	}
	return st, nil
}

// privacyStore keeps a block list in a server privacy list
type privacyStore struct {
	c *Client
	s *session
}

func (p privacyStore) Fetch(ctx context.Context, name string) (map[string]blocklist.Action, error) {
	st, err := p.c.request(ctx, p.s, stanza.GetIQ, wire.PrivacyGetPayload(name))
	if err != nil {
		if IsCondition(err, "item-not-found") {
			return nil, blocklist.ErrListNotFound
		}
		return nil, err
	}

	q := st.Child(wire.NSPrivacy, "query")
	if q == nil {
		return map[string]blocklist.Action{}, nil
	}
	var query wire.PrivacyQuery
	if err := q.Decode(&query); err != nil {
		return nil, fmt.Errorf("failed to decode privacy list: %w", err)
	}
	for _, l := range query.Lists {
		if l.Name == name {
			p.c.makeDefault(ctx, p.s, name)
			return blocklist.FromItems(l.Items), nil
		}
	}
	return map[string]blocklist.Action{}, nil
}

func (p privacyStore) Submit(ctx context.Context, name string, entries map[string]blocklist.Action) error {
	list := wire.PrivacyList{Name: name, Items: blocklist.Items(entries)}
	if _, err := p.c.request(ctx, p.s, stanza.SetIQ, wire.PrivacyPayload(list)); err != nil {
		return err
	}
	p.c.makeDefault(ctx, p.s, name)

	p.s.mu.Lock()
	invisible := p.s.invisible
	p.s.mu.Unlock()
	if invisible {
		// the invisible list is the active one and carries the blocks too
		inv := p.c.invisibleList(entries)
		if _, err := p.c.request(ctx, p.s, stanza.SetIQ, wire.PrivacyPayload(inv)); err != nil {
			p.c.log.Warn().Err(err).Str("list", inv.Name).Msg("failed to update invisible list")
		}
	}
	return nil
}

// makeDefault makes the block list the default privacy list of the account
// once per session so that it applies whenever no list is active.
func (c *Client) makeDefault(ctx context.Context, s *session, name string) {
	s.mu.Lock()
	done := s.defaultList
	s.defaultList = true
	s.mu.Unlock()
	if done {
		return
	}

	if _, err := c.request(ctx, s, stanza.SetIQ, wire.PrivacyDefaultPayload(name)); err != nil {
		c.log.Warn().Err(err).Str("list", name).Msg("failed to make block list the default")
		s.mu.Lock()
		s.defaultList = false
		s.mu.Unlock()
	}
}

// invisibleList denies everything to blocked contacts, then outgoing
// presence to everyone else.
func (c *Client) invisibleList(entries map[string]blocklist.Action) wire.PrivacyList {
	denied := make(map[string]blocklist.Action, len(entries))
	for id, action := range entries {
		if action == blocklist.Deny {
			denied[id] = action
		}
	}
	items := blocklist.Items(denied)
	items = append(items, wire.PrivacyItem{
		Action:      wire.ActionDeny,
		Order:       uint(len(items) + 1),
		PresenceOut: &struct{}{},
	})
	return wire.PrivacyList{Name: c.cfg.InvisibleList, Items: items}
}
