package wire

import (
	"strconv"
	"strings"
)

// Presence is the flattened content of a presence stanza. Every field is
// optional; absent elements leave the zero value.
type Presence struct {
	ID   string
	Type string
	From string
	To   string

	Show     string
	Status   string
	Priority int

	// HasStatus is set when a status element was present, even if empty
	HasStatus bool

	Activity    string
	HasActivity bool

	// ItemJID and ItemNick come from the first item element found at any
	// depth (MUC user info and similar extensions carry one).
	ItemJID  string
	ItemNick string
}

// ParsePresence flattens a presence stanza. Malformed children are ignored.
func ParsePresence(s *Stanza) Presence {
	p := Presence{
		ID:   s.ID(),
		Type: s.Type(),
		From: s.From(),
		To:   s.To(),
	}

	for _, c := range s.Children() {
		switch c.Name.Local {
		case "show":
			p.Show = strings.TrimSpace(c.Text())
		case "status":
			p.Status = c.Text()
			p.HasStatus = true
		case "priority":
			if n, err := strconv.Atoi(strings.TrimSpace(c.Text())); err == nil {
				p.Priority = n
			}
		case "activity":
			p.Activity = c.Text()
			p.HasActivity = true
		}
	}

	s.Walk(func(c *Stanza) bool {
		if c.Name.Local != "item" {
			return true
		}
		p.ItemJID = c.AttrValue("jid")
		p.ItemNick = c.AttrValue("nick")
		return false
	})
	return p
}
