// Package app ties the engine to configuration and storage. It consumes the
// engine's events the way a front end would: it keeps presence and chat
// caches and mirrors roster, block list, last presence and messages into
// SQLite when storage is enabled.
package app

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"mellium.im/xmpp/jid"
	"mellium.im/xmpp/stanza"

	"github.com/RPwnage/EA-Software-sub005/internal/config"
	"github.com/RPwnage/EA-Software-sub005/internal/events"
	"github.com/RPwnage/EA-Software-sub005/internal/storage/sqlite"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/chat"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/presence"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/roster"
)

// App is the main application
type App struct {
	cfg      *config.Config
	log      zerolog.Logger
	client   *xmpp.Client
	presence *presence.Manager
	chats    *chat.Manager
	storage  *sqlite.DB

	mu      sync.RWMutex
	account string
	own     xmpp.OwnPresence
}

type options struct {
	dialer xmpp.Dialer
	log    zerolog.Logger
}

// Option configures New
type Option func(*options)

// WithDialer replaces the network dialer of the engine
func WithDialer(d xmpp.Dialer) Option {
	return func(o *options) { o.dialer = d }
}

// WithLogger sets the logger handed to the app and the engine
func WithLogger(l zerolog.Logger) Option {
	return func(o *options) { o.log = l }
}

// New creates a new application instance. A storage that cannot be opened
// is logged and the app runs without it.
func New(cfg *config.Config, opts ...Option) (*App, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is nil")
	}
	o := options{log: zerolog.Nop()}
	for _, opt := range opts {
		opt(&o)
	}

	a := &App{
		cfg:      cfg,
		log:      o.log.With().Str("component", "app").Logger(),
		presence: presence.NewManager(),
		chats:    chat.NewManager(cfg.Engine.HistoryLimit),
		own:      xmpp.OwnPresence{Priority: cfg.Account.Priority},
	}
	if addr, err := jid.Parse(cfg.Account.JID); err == nil {
		a.account = addr.Bare().String()
	}

	if cfg.Storage.Enabled {
		db, err := sqlite.New(cfg.Storage.Path)
		if err != nil {
			a.log.Warn().Err(err).Str("path", cfg.Storage.Path).Msg("failed to open storage")
		} else {
			a.storage = db
			a.pruneMessages()
			a.restorePresence()
		}
	}

	a.client = xmpp.New(engineConfig(cfg, o))
	a.client.Bus().SubscribeAll(a.handleEvent)
	return a, nil
}

// engineConfig converts the file configuration into the engine's
func engineConfig(cfg *config.Config, o options) xmpp.Config {
	dialer := o.dialer
	if dialer == nil {
		dialer = xmpp.NetDialer{
			Origin:  cfg.Account.Origin,
			Timeout: cfg.Engine.RequestTimeout,
		}
	}
	return xmpp.Config{
		Resource:             cfg.Account.Resource,
		Endpoint:             cfg.Account.Endpoint,
		RedirectorURL:        cfg.Account.RedirectorURL,
		BlockList:            cfg.Engine.BlockList,
		InvisibleList:        cfg.Engine.InvisibleList,
		ClientResourcePrefix: cfg.Account.ClientResourcePrefix,
		InvisiblePriority:    cfg.Engine.InvisiblePriority,
		RequestTimeout:       cfg.Engine.RequestTimeout,
		TypingInterval:       cfg.Engine.TypingRate,
		Dialer:               dialer,
		Logger:               o.log.With().Str("component", "xmpp").Logger(),
	}
}

func (a *App) pruneMessages() {
	days := a.cfg.Storage.MessageRetentionDays
	if days <= 0 {
		return
	}
	n, err := a.storage.DeleteOldMessages(days)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to prune messages")
		return
	}
	if n == 0 {
		return
	}
	a.log.Info().Int64("count", n).Msg("pruned old messages")
	if err := a.storage.Vacuum(); err != nil {
		a.log.Warn().Err(err).Msg("failed to compact storage")
	}
	if left, err := a.storage.CountMessages(a.account); err == nil {
		a.log.Debug().Int64("count", left).Msg("messages kept")
	}
}

// Connect signs in with the configured account, fetches the roster and the
// block list and publishes the initial presence.
func (a *App) Connect(ctx context.Context) error {
	if err := a.client.Connect(ctx, a.cfg.Account.JID, a.cfg.Account.Password); err != nil {
		return err
	}
	if !a.client.IsConnected() {
		if a.client.State() == events.StateConnecting {
			// the connect already underway finishes the setup
			return nil
		}
		return fmt.Errorf("connect did not complete: %w", xmpp.ErrNotConnected)
	}

	a.mu.Lock()
	a.account = a.client.JID().Bare().String()
	own := a.own
	a.mu.Unlock()

	if _, err := a.Roster(ctx); err != nil {
		a.log.Warn().Err(err).Msg("failed to fetch roster")
	}
	if err := a.client.LoadBlockList(ctx); err != nil {
		a.log.Warn().Err(err).Msg("failed to load block list")
	}
	return a.client.UpdatePresence(ctx, own)
}

// Close disconnects, delivers the pending events and closes storage
func (a *App) Close() error {
	err := a.client.Close()
	if a.storage != nil {
		if cerr := a.storage.Close(); cerr != nil && err == nil {
			err = cerr
		}
	}
	return err
}

// Client returns the engine
func (a *App) Client() *xmpp.Client { return a.client }

// Presence returns the contact presence cache
func (a *App) Presence() *presence.Manager { return a.presence }

// Chats returns the chat history cache
func (a *App) Chats() *chat.Manager { return a.chats }

// Storage returns the database, nil when storage is disabled
func (a *App) Storage() *sqlite.DB { return a.storage }

// Config returns the configuration
func (a *App) Config() *config.Config { return a.cfg }

// Account returns the bare JID of the account
func (a *App) Account() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.account
}

// Connected returns whether we're connected
func (a *App) Connected() bool {
	return a.client.IsConnected()
}

// SetPresence publishes a new own presence and remembers it for the next
// connection.
func (a *App) SetPresence(ctx context.Context, show presence.Show, status, activity string, invisible bool) error {
	p := xmpp.OwnPresence{
		Show:      show,
		Status:    status,
		Activity:  activity,
		Priority:  a.cfg.Account.Priority,
		Invisible: invisible,
	}
	a.mu.Lock()
	a.own = p
	a.mu.Unlock()

	if err := a.client.UpdatePresence(ctx, p); err != nil {
		return err
	}
	a.presence.SetOwn(presence.Record{
		SubjectID: a.Account(),
		Show:      show,
		Status:    status,
		Priority:  p.Priority,
	})
	a.savePresence(p)
	return nil
}

// ClearHistory forgets the conversation with peer and deletes its stored
// messages. It returns how many stored messages were removed.
func (a *App) ClearHistory(peer string) (int64, error) {
	bare, _ := presence.SplitJID(peer)
	a.chats.Forget(bare)
	if a.storage == nil {
		return 0, nil
	}
	return a.storage.ClearConversation(a.Account(), bare)
}

// SendMessage sends a chat message and records it in the history
func (a *App) SendMessage(ctx context.Context, to, body string) (string, error) {
	id, err := a.client.SendChatMessage(ctx, to, body, stanza.ChatMessage)
	if err != nil {
		return "", err
	}
	a.recordMessage(chat.Message{
		ID:        id,
		From:      a.client.JID().String(),
		To:        to,
		Body:      body,
		Type:      string(stanza.ChatMessage),
		Timestamp: time.Now(),
		Sent:      true,
	})
	return id, nil
}

// Roster fetches the roster from the server when connected and from storage
// otherwise.
func (a *App) Roster(ctx context.Context) ([]roster.Entry, error) {
	if !a.client.IsConnected() {
		return a.storedRoster()
	}

	entries, err := a.client.RequestRoster(ctx)
	if err != nil {
		return nil, err
	}
	if a.storage != nil {
		stored := make([]sqlite.RosterEntry, 0, len(entries))
		for _, e := range entries {
			stored = append(stored, toStoredEntry(e))
		}
		if err := a.storage.SaveRoster(a.Account(), stored); err != nil {
			a.log.Warn().Err(err).Msg("failed to save roster")
		}
	}
	return entries, nil
}

func (a *App) storedRoster() ([]roster.Entry, error) {
	if a.storage == nil {
		return nil, xmpp.ErrNotConnected
	}
	stored, err := a.storage.GetRoster(a.Account())
	if err != nil {
		return nil, fmt.Errorf("failed to load roster: %w", err)
	}
	entries := make([]roster.Entry, 0, len(stored))
	for _, s := range stored {
		entries = append(entries, roster.Entry{
			ContactID:    s.JID,
			Nickname:     s.Name,
			Subscription: roster.ParseSubscription(s.Subscription),
			Pending:      s.Pending,
			Groups:       s.Groups,
		})
	}
	return entries, nil
}

// BlockedContacts returns the block list of the live session, or the last
// stored one while offline.
func (a *App) BlockedContacts() ([]string, error) {
	if a.client.IsConnected() || a.storage == nil {
		return a.client.BlockedContacts()
	}
	return a.storage.GetBlocked(a.Account())
}

// History returns up to limit messages exchanged with peer, oldest first
func (a *App) History(peer string, limit int) ([]chat.Message, error) {
	if a.storage == nil || !a.cfg.Storage.SaveMessages {
		return a.chats.GetHistory(peer, limit), nil
	}

	if limit <= 0 {
		limit = -1
	}
	bare, _ := presence.SplitJID(peer)
	stored, err := a.storage.GetMessages(a.Account(), bare, limit, 0)
	if err != nil {
		return nil, fmt.Errorf("failed to load history: %w", err)
	}
	out := make([]chat.Message, 0, len(stored))
	for _, m := range stored {
		msg := chat.Message{
			ID:        m.ID,
			From:      m.From,
			Body:      m.Body,
			Type:      m.Type,
			Thread:    m.Thread,
			Timestamp: m.Timestamp,
			Carbon:    m.Carbon,
			Sent:      m.Outgoing,
		}
		if m.Outgoing {
			msg.To = m.Peer
		} else {
			msg.To = a.Account()
		}
		out = append(out, msg)
	}
	return out, nil
}

// MarkRead clears the unread counter of a conversation
func (a *App) MarkRead(peer string) {
	a.chats.MarkRead(peer)
	if a.storage == nil {
		return
	}
	bare, _ := presence.SplitJID(peer)
	if err := a.storage.MarkRead(a.Account(), bare); err != nil {
		a.log.Warn().Err(err).Str("jid", bare).Msg("failed to mark read")
	}
}

// LastPresence returns the last stored presence of a contact, nil if none
func (a *App) LastPresence(contact string) (*sqlite.ContactPresence, error) {
	if a.storage == nil {
		return nil, nil
	}
	bare, _ := presence.SplitJID(contact)
	return a.storage.GetContactLastPresence(a.Account(), bare)
}

func toStoredEntry(e roster.Entry) sqlite.RosterEntry {
	return sqlite.RosterEntry{
		JID:          e.ContactID,
		Name:         e.Nickname,
		Groups:       e.Groups,
		Subscription: string(e.Subscription),
		Pending:      e.Pending,
	}
}
