package chat

import (
	"strings"
	"sync"
	"time"

	"mellium.im/xmpp/jid"
)

// Message represents a chat message
type Message struct {
	ID        string
	From      string
	To        string
	Body      string
	Type      string // chat, groupchat, headline, normal, error
	Thread    string
	Timestamp time.Time

	// Carbon is set for copies of messages handled by another resource of
	// the account; Sent tells whether that resource sent or received it.
	Carbon bool
	Sent   bool
}

// Peer returns the bare JID of the other side of the conversation
func (m Message) Peer() string {
	if m.Sent {
		return bare(m.To)
	}
	return bare(m.From)
}

// State represents the chat state (typing, etc.)
type State string

const (
	StateActive    State = "active"
	StateComposing State = "composing"
	StatePaused    State = "paused"
	StateInactive  State = "inactive"
	StateGone      State = "gone"
)

// ParseState returns the State for a chat state element name
func ParseState(s string) (State, bool) {
	switch State(s) {
	case StateActive, StateComposing, StatePaused, StateInactive, StateGone:
		return State(s), true
	}
	return "", false
}

// Session represents a conversation with a contact
type Session struct {
	Peer     string
	Thread   string
	State    State
	Messages []Message
	Unread   int
	LastRead time.Time
}

// Manager keeps chat history per contact
type Manager struct {
	mu       sync.RWMutex
	sessions map[string]*Session
	limit    int
}

// NewManager creates a new chat manager keeping at most limit messages per
// conversation; zero keeps everything.
func NewManager(limit int) *Manager {
	return &Manager{
		sessions: make(map[string]*Session),
		limit:    limit,
	}
}

func (m *Manager) session(peer string) *Session {
	if s, ok := m.sessions[peer]; ok {
		return s
	}
	s := &Session{
		Peer:     peer,
		State:    StateActive,
		Messages: []Message{},
	}
	m.sessions[peer] = s
	return s
}

// GetSession gets or creates a session for a contact
func (m *Manager) GetSession(addr string) *Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session(bare(addr))
}

// AddMessage adds a message to the conversation it belongs to. Messages
// we sent do not count as unread.
func (m *Manager) AddMessage(msg Message) {
	m.mu.Lock()
	defer m.mu.Unlock()

	s := m.session(msg.Peer())
	s.Messages = append(s.Messages, msg)
	if m.limit > 0 && len(s.Messages) > m.limit {
		s.Messages = s.Messages[len(s.Messages)-m.limit:]
	}
	if msg.Thread != "" {
		s.Thread = msg.Thread
	}
	if !msg.Sent {
		s.Unread++
	}
}

// MarkRead marks all messages as read
func (m *Manager) MarkRead(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if s, ok := m.sessions[bare(addr)]; ok {
		s.Unread = 0
		s.LastRead = time.Now()
	}
}

// SetChatState records the chat state a contact last sent
func (m *Manager) SetChatState(addr string, state State) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.session(bare(addr)).State = state
}

// GetHistory returns the message history for a contact
func (m *Manager) GetHistory(addr string, limit int) []Message {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[bare(addr)]
	if !ok {
		return nil
	}

	messages := s.Messages
	if limit > 0 && len(messages) > limit {
		messages = messages[len(messages)-limit:]
	}
	out := make([]Message, len(messages))
	copy(out, messages)
	return out
}

// GetUnreadCount returns the total unread count
func (m *Manager) GetUnreadCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()

	count := 0
	for _, s := range m.sessions {
		count += s.Unread
	}
	return count
}

// Forget drops the conversation with addr
func (m *Manager) Forget(addr string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, bare(addr))
}

// Clear drops every conversation
func (m *Manager) Clear() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions = make(map[string]*Session)
}

func bare(addr string) string {
	if j, err := jid.Parse(addr); err == nil {
		return j.Bare().String()
	}
	if i := strings.IndexByte(addr, '/'); i >= 0 {
		return addr[:i]
	}
	return addr
}
