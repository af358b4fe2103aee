package wire

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmlstream"
)

// RosterQuery is the payload of roster get results and roster pushes
type RosterQuery struct {
	XMLName xml.Name     `xml:"jabber:iq:roster query"`
	Ver     string       `xml:"ver,attr,omitempty"`
	Items   []RosterItem `xml:"item"`
}

// RosterItem is a single contact in a roster query
type RosterItem struct {
	JID          string   `xml:"jid,attr"`
	Name         string   `xml:"name,attr,omitempty"`
	Subscription string   `xml:"subscription,attr,omitempty"`
	Ask          string   `xml:"ask,attr,omitempty"`
	Groups       []string `xml:"group"`
}

// TokenReader satisfies the xmlstream.Marshaler interface
func (i RosterItem) TokenReader() xml.TokenReader {
	attrs := []xml.Attr{{Name: xml.Name{Local: "jid"}, Value: i.JID}}
	if i.Name != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "name"}, Value: i.Name})
	}
	if i.Subscription != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "subscription"}, Value: i.Subscription})
	}

	var groups []xml.TokenReader
	for _, g := range i.Groups {
		groups = append(groups, text("group", g))
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(groups...),
		xml.StartElement{Name: xml.Name{Local: "item"}, Attr: attrs},
	)
}

// RosterPayload wraps items in a roster query element. With no items it is
// suitable for a roster get.
func RosterPayload(items ...RosterItem) xml.TokenReader {
	var inner []xml.TokenReader
	for _, i := range items {
		inner = append(inner, i.TokenReader())
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: xml.Name{Space: NSRoster, Local: "query"}},
	)
}

// Privacy list item actions
const (
	ActionDeny  = "deny"
	ActionAllow = "allow"
)

// PrivacyQuery is the payload of privacy list IQs
type PrivacyQuery struct {
	XMLName xml.Name      `xml:"jabber:iq:privacy query"`
	Active  *PrivacyRef   `xml:"active"`
	Default *PrivacyRef   `xml:"default"`
	Lists   []PrivacyList `xml:"list"`
}

// PrivacyRef names a list in active and default elements
type PrivacyRef struct {
	Name string `xml:"name,attr"`
}

// PrivacyList is a named, ordered set of privacy rules
type PrivacyList struct {
	Name  string        `xml:"name,attr"`
	Items []PrivacyItem `xml:"item"`
}

// PrivacyItem is a single privacy rule. Type and Value are empty for the
// fall-through rule.
type PrivacyItem struct {
	Type        string    `xml:"type,attr,omitempty"`
	Value       string    `xml:"value,attr,omitempty"`
	Action      string    `xml:"action,attr"`
	Order       uint      `xml:"order,attr"`
	Message     *struct{} `xml:"message"`
	PresenceIn  *struct{} `xml:"presence-in"`
	PresenceOut *struct{} `xml:"presence-out"`
	IQ          *struct{} `xml:"iq"`
}

// TokenReader satisfies the xmlstream.Marshaler interface
func (i PrivacyItem) TokenReader() xml.TokenReader {
	var attrs []xml.Attr
	if i.Type != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "type"}, Value: i.Type})
	}
	if i.Value != "" {
		attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "value"}, Value: i.Value})
	}
	attrs = append(attrs,
		xml.Attr{Name: xml.Name{Local: "action"}, Value: i.Action},
		xml.Attr{Name: xml.Name{Local: "order"}, Value: strconv.FormatUint(uint64(i.Order), 10)},
	)

	var inner []xml.TokenReader
	if i.Message != nil {
		inner = append(inner, empty("message"))
	}
	if i.PresenceIn != nil {
		inner = append(inner, empty("presence-in"))
	}
	if i.PresenceOut != nil {
		inner = append(inner, empty("presence-out"))
	}
	if i.IQ != nil {
		inner = append(inner, empty("iq"))
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: xml.Name{Local: "item"}, Attr: attrs},
	)
}

// TokenReader satisfies the xmlstream.Marshaler interface
func (l PrivacyList) TokenReader() xml.TokenReader {
	var inner []xml.TokenReader
	for _, i := range l.Items {
		inner = append(inner, i.TokenReader())
	}
	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{
			Name: xml.Name{Local: "list"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "name"}, Value: l.Name}},
		},
	)
}

// PrivacyPayload wraps a list in a privacy query element
func PrivacyPayload(l PrivacyList) xml.TokenReader {
	return privacyQuery(l.TokenReader())
}

// PrivacyGetPayload asks for the named list
func PrivacyGetPayload(name string) xml.TokenReader {
	return privacyQuery(PrivacyList{Name: name}.TokenReader())
}

// PrivacyActivePayload makes the named list the active one for the session.
// An empty name declines the use of any active list.
func PrivacyActivePayload(name string) xml.TokenReader {
	start := xml.StartElement{Name: xml.Name{Local: "active"}}
	if name != "" {
		start.Attr = []xml.Attr{{Name: xml.Name{Local: "name"}, Value: name}}
	}
	return privacyQuery(xmlstream.Wrap(nil, start))
}

// PrivacyDefaultPayload makes the named list the account's default, the list
// that applies to sessions without an active one.
func PrivacyDefaultPayload(name string) xml.TokenReader {
	return privacyQuery(xmlstream.Wrap(nil, xml.StartElement{
		Name: xml.Name{Local: "default"},
		Attr: []xml.Attr{{Name: xml.Name{Local: "name"}, Value: name}},
	}))
}

func privacyQuery(inner xml.TokenReader) xml.TokenReader {
	return xmlstream.Wrap(inner, xml.StartElement{Name: xml.Name{Space: NSPrivacy, Local: "query"}})
}

// StanzaError is the error child of a stanza of type error
type StanzaError struct {
	Type      string
	Condition string
	Text      string
}

// ParseError extracts the error child of s, or returns nil when there is none
func ParseError(s *Stanza) *StanzaError {
	e := s.Child("", "error")
	if e == nil {
		return nil
	}
	se := &StanzaError{Type: e.AttrValue("type")}
	for _, c := range e.Children() {
		if c.Name.Local == "text" {
			se.Text = c.Text()
			continue
		}
		if se.Condition == "" && c.Name.Space == NSStanzaErr {
			se.Condition = c.Name.Local
		}
	}
	return se
}

// StreamErrorCondition returns the defined condition of a stream error
// element, or "" if none is present.
func StreamErrorCondition(s *Stanza) string {
	for _, c := range s.Children() {
		if c.Name.Space == NSStreamErr && c.Name.Local != "text" {
			return c.Name.Local
		}
	}
	return ""
}

func text(local, s string) xml.TokenReader {
	return xmlstream.Wrap(
		xmlstream.Token(xml.CharData(s)),
		xml.StartElement{Name: xml.Name{Local: local}},
	)
}

func empty(local string) xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Local: local}})
}
