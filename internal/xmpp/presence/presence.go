package presence

import (
	"strings"
	"sync"

	"mellium.im/xmpp/jid"

	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/activity"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

// Type is the presence type
type Type int

const (
	TypeAvailable Type = iota
	TypeUnavailable
	TypeSubscribe
	TypeSubscribed
	TypeUnsubscribe
	TypeUnsubscribed
	TypeProbe
	TypeError
)

var types = map[string]Type{
	"":             TypeAvailable,
	"unavailable":  TypeUnavailable,
	"subscribe":    TypeSubscribe,
	"subscribed":   TypeSubscribed,
	"unsubscribe":  TypeUnsubscribe,
	"unsubscribed": TypeUnsubscribed,
	"probe":        TypeProbe,
	"error":        TypeError,
}

// ParseType maps a type attribute to a Type. Unknown values are Available.
func ParseType(s string) Type {
	if t, ok := types[s]; ok {
		return t
	}
	return TypeAvailable
}

func (t Type) String() string {
	for s, v := range types {
		if v == t {
			if s == "" {
				return "available"
			}
			return s
		}
	}
	return "available"
}

// Show represents the presence show state
type Show string

const (
	ShowOnline Show = ""
	ShowAway   Show = "away"
	ShowChat   Show = "chat"
	ShowDND    Show = "dnd"
	ShowXA     Show = "xa"
)

// ParseShow maps a show element to a Show. Unknown values are Online.
func ParseShow(s string) Show {
	switch Show(strings.TrimSpace(s)) {
	case ShowAway:
		return ShowAway
	case ShowChat:
		return ShowChat
	case ShowDND:
		return ShowDND
	case ShowXA:
		return ShowXA
	default:
		return ShowOnline
	}
}

// ShowToString converts a Show value to a human-readable string
func ShowToString(show Show) string {
	switch show {
	case ShowOnline:
		return "online"
	case ShowAway:
		return "away"
	case ShowChat:
		return "chat"
	case ShowDND:
		return "dnd"
	case ShowXA:
		return "xa"
	default:
		return string(show)
	}
}

// StringToShow converts user input such as "online" to a Show value
func StringToShow(s string) Show {
	if s == "online" {
		return ShowOnline
	}
	return ParseShow(s)
}

// Group is the group a contact is active in
type Group struct {
	ID   string
	Name string
}

// Record is the decoded content of one presence stanza
type Record struct {
	SubjectID string
	Resource  string
	Type      Type
	Show      Show
	Status    string
	Priority  int

	// Game is nil when the stanza carried no activity or went offline
	Game  *activity.Game
	Group Group

	RoutingTo   string
	RoutingFrom string
	Nickname    string
	ItemJID     string
}

// FromStanza builds a Record from a flattened presence stanza
func FromStanza(p wire.Presence) Record {
	r := Record{
		Type:        ParseType(p.Type),
		Show:        ParseShow(p.Show),
		Status:      p.Status,
		Priority:    p.Priority,
		RoutingTo:   p.To,
		RoutingFrom: p.From,
		Nickname:    p.ItemNick,
		ItemJID:     p.ItemJID,
	}
	r.SubjectID, r.Resource = SplitJID(p.From)

	if r.Type == TypeUnavailable || !p.HasActivity {
		return r
	}
	g := activity.Decode(p.Activity)
	if p.HasStatus {
		g.ApplyLegacyStatus(p.Status)
	}
	r.Game = &g
	r.Group = Group{ID: g.GroupID, Name: g.GroupName}
	return r
}

// SplitJID returns the bare JID and resource of addr. Addresses that do not
// parse are split on the first slash.
func SplitJID(addr string) (bare, resource string) {
	if j, err := jid.Parse(addr); err == nil {
		return j.Bare().String(), j.Resourcepart()
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i], addr[i+1:]
	}
	return addr, ""
}

// Manager keeps the latest presence per contact resource
type Manager struct {
	mu      sync.RWMutex
	records map[string]map[string]*Record // bare JID -> resource -> record
	own     *Record
}

// NewManager creates a new presence manager
func NewManager() *Manager {
	return &Manager{
		records: make(map[string]map[string]*Record),
	}
}

// Apply stores an available presence or drops the resource on unavailable.
// Subscription and probe presences are ignored.
func (m *Manager) Apply(r Record) {
	switch r.Type {
	case TypeAvailable:
		m.Set(r)
	case TypeUnavailable, TypeError:
		m.Remove(r.SubjectID, r.Resource)
	}
}

// Set sets the presence for a resource
func (m *Manager) Set(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.records[r.SubjectID] == nil {
		m.records[r.SubjectID] = make(map[string]*Record)
	}
	m.records[r.SubjectID][r.Resource] = &r
}

// Remove removes presence for a contact, all resources when resource is ""
func (m *Manager) Remove(bare, resource string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if resource == "" {
		delete(m.records, bare)
	} else if m.records[bare] != nil {
		delete(m.records[bare], resource)
		if len(m.records[bare]) == 0 {
			delete(m.records, bare)
		}
	}
}

// Get returns the highest priority presence for a bare JID
func (m *Manager) Get(bare string) *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var best *Record
	for _, r := range m.records[bare] {
		if best == nil || r.Priority > best.Priority {
			best = r
		}
	}
	return best
}

// GetResources returns all resources for a bare JID
func (m *Manager) GetResources(bare string) []*Record {
	m.mu.RLock()
	defer m.mu.RUnlock()

	resources := m.records[bare]
	if resources == nil {
		return nil
	}
	result := make([]*Record, 0, len(resources))
	for _, r := range resources {
		result = append(result, r)
	}
	return result
}

// IsOnline returns whether a contact has any online resources
func (m *Manager) IsOnline(bare string) bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.records[bare]) > 0
}

// SetOwn sets our own presence
func (m *Manager) SetOwn(r Record) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.own = &r
}

// GetOwn returns our own presence
func (m *Manager) GetOwn() *Record {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.own
}

// Clear clears all presence information
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = make(map[string]map[string]*Record)
}
