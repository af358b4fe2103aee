package roster

import (
	"sort"
	"sync"

	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

// Subscription represents the subscription state
type Subscription string

const (
	SubscriptionNone   Subscription = "none"
	SubscriptionTo     Subscription = "to"
	SubscriptionFrom   Subscription = "from"
	SubscriptionBoth   Subscription = "both"
	SubscriptionRemove Subscription = "remove"
)

// ParseSubscription maps a subscription attribute, defaulting to none
func ParseSubscription(s string) Subscription {
	switch Subscription(s) {
	case SubscriptionTo, SubscriptionFrom, SubscriptionBoth, SubscriptionRemove:
		return Subscription(s)
	default:
		return SubscriptionNone
	}
}

// Entry represents a roster entry
type Entry struct {
	ContactID    string
	Nickname     string
	Subscription Subscription
	// Pending is set while an outbound subscription request awaits approval
	Pending bool
	Groups  []string
}

// FromItem converts a roster item as sent by the server
func FromItem(item wire.RosterItem) Entry {
	return Entry{
		ContactID:    item.JID,
		Nickname:     item.Name,
		Subscription: ParseSubscription(item.Subscription),
		Pending:      item.Ask == "subscribe",
		Groups:       item.Groups,
	}
}

// Manager manages the roster
type Manager struct {
	mu      sync.RWMutex
	entries map[string]*Entry
}

// NewManager creates a new roster manager
func NewManager() *Manager {
	return &Manager{
		entries: make(map[string]*Entry),
	}
}

// Replace swaps the whole roster for a fresh snapshot
func (m *Manager) Replace(entries []Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.entries = make(map[string]*Entry, len(entries))
	for i := range entries {
		e := entries[i]
		m.entries[e.ContactID] = &e
	}
}

// Apply merges a pushed entry. A remove subscription deletes the contact.
func (m *Manager) Apply(e Entry) {
	if e.Subscription == SubscriptionRemove {
		m.Remove(e.ContactID)
		return
	}
	m.Set(e)
}

// Set sets or updates a roster entry
func (m *Manager) Set(e Entry) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries[e.ContactID] = &e
}

// Get returns a roster entry by contact id
func (m *Manager) Get(contactID string) *Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.entries[contactID]
}

// Remove removes a roster entry
func (m *Manager) Remove(contactID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.entries, contactID)
}

// All returns all roster entries ordered by contact id
func (m *Manager) All() []Entry {
	m.mu.RLock()
	defer m.mu.RUnlock()

	entries := make([]Entry, 0, len(m.entries))
	for _, e := range m.entries {
		entries = append(entries, *e)
	}
	sort.Slice(entries, func(i, j int) bool {
		return entries[i].ContactID < entries[j].ContactID
	})
	return entries
}

// Clear removes all roster entries
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.entries = make(map[string]*Entry)
}

// Count returns the number of roster entries
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.entries)
}

// Friends returns the entries with a mutual subscription
func (m *Manager) Friends() []Entry {
	var friends []Entry
	for _, e := range m.All() {
		if e.Subscription == SubscriptionBoth {
			friends = append(friends, e)
		}
	}
	return friends
}

// Groups returns all unique groups
func (m *Manager) Groups() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	groupSet := make(map[string]bool)
	for _, e := range m.entries {
		for _, group := range e.Groups {
			groupSet[group] = true
		}
	}

	groups := make([]string, 0, len(groupSet))
	for group := range groupSet {
		groups = append(groups, group)
	}
	sort.Strings(groups)
	return groups
}
