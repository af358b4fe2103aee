package app

import (
	"time"

	"github.com/google/uuid"

	"github.com/RPwnage/EA-Software-sub005/internal/events"
	"github.com/RPwnage/EA-Software-sub005/internal/storage/sqlite"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/chat"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/presence"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/roster"
)

// handleEvent runs on the bus goroutine for every engine event
func (a *App) handleEvent(ev events.Event) {
	switch e := ev.(type) {
	case events.StatusChanged:
		a.log.Debug().Err(e.Err).Str("state", e.State.String()).Msg("connection state")
	case events.PresenceChanged:
		a.onPresence(e.Record)
	case events.IncomingMessage:
		a.recordMessage(e.Message)
	case events.ChatStateChanged:
		peer := e.From
		if bare, _ := presence.SplitJID(e.From); bare == a.Account() {
			peer = e.To
		}
		a.chats.SetChatState(peer, e.State)
	case events.RosterChanged:
		a.onRosterPush(e.Entry)
	case events.BlockListLoaded, events.BlockListChanged:
		a.saveBlocked()
	case events.Disconnected:
		a.presence.Clear()
	case events.UserConflict:
		a.log.Warn().Msg("signed in from another location")
	case events.RemoteClientAvailability:
		a.log.Info().Bool("available", e.Available).Str("resource", e.Resource).Msg("native client")
	}
}

func (a *App) onPresence(r presence.Record) {
	switch r.Type {
	case presence.TypeAvailable, presence.TypeUnavailable, presence.TypeError:
	default:
		return
	}
	if r.SubjectID == a.Account() {
		return
	}
	a.presence.Apply(r)

	if a.storage == nil || r.Type == presence.TypeError {
		return
	}
	if r.Type == presence.TypeUnavailable && len(a.presence.GetResources(r.SubjectID)) > 0 {
		// another resource is still online
		if best := a.presence.Get(r.SubjectID); best != nil {
			r = *best
		}
	}
	p := sqlite.ContactPresence{
		ContactJID:  r.SubjectID,
		Resource:    r.Resource,
		Type:        r.Type.String(),
		Show:        presence.ShowToString(r.Show),
		StatusMsg:   r.Status,
		LastUpdated: time.Now(),
	}
	if r.Game != nil {
		p.GameTitle = r.Game.Title
		p.ProductID = r.Game.ProductID
		p.Joinable = r.Game.Joinable
		p.RichPresence = r.Game.RichPresence
	}
	if err := a.storage.SaveContactLastPresence(a.Account(), p); err != nil {
		a.log.Warn().Err(err).Str("jid", r.SubjectID).Msg("failed to save presence")
	}
}

// recordMessage adds a message to the history cache and, when enabled, to
// the database. Received messages bump the unread counter.
func (a *App) recordMessage(m chat.Message) {
	a.chats.AddMessage(m)

	if a.storage == nil || !a.cfg.Storage.SaveMessages {
		return
	}
	if limit := a.cfg.Storage.MaxMessageSize; limit > 0 && len(m.Body) > limit {
		a.log.Debug().Str("id", m.ID).Int("size", len(m.Body)).Msg("message too large to store")
		return
	}

	id := m.ID
	if id == "" {
		id = uuid.NewString()
	}
	peer := m.Peer()
	err := a.storage.SaveMessage(a.Account(), sqlite.Message{
		ID:        id,
		Peer:      peer,
		From:      m.From,
		Body:      m.Body,
		Type:      m.Type,
		Thread:    m.Thread,
		Timestamp: m.Timestamp,
		Outgoing:  m.Sent,
		Carbon:    m.Carbon,
	})
	if err != nil {
		a.log.Warn().Err(err).Str("jid", peer).Msg("failed to save message")
		return
	}
	if !m.Sent {
		if err := a.storage.IncrementUnread(a.Account(), peer); err != nil {
			a.log.Warn().Err(err).Str("jid", peer).Msg("failed to update unread count")
		}
	}
}

func (a *App) onRosterPush(e roster.Entry) {
	if a.storage == nil {
		return
	}
	var err error
	if e.Subscription == roster.SubscriptionRemove {
		err = a.storage.DeleteRosterEntry(a.Account(), e.ContactID)
	} else {
		err = a.storage.SaveRosterEntry(a.Account(), toStoredEntry(e))
	}
	if err != nil {
		a.log.Warn().Err(err).Str("jid", e.ContactID).Msg("failed to save roster entry")
	}
}

func (a *App) saveBlocked() {
	if a.storage == nil {
		return
	}
	blocked, err := a.client.BlockedContacts()
	if err != nil {
		a.log.Debug().Err(err).Msg("block list unavailable")
		return
	}
	if err := a.storage.SaveBlocked(a.Account(), blocked); err != nil {
		a.log.Warn().Err(err).Msg("failed to save block list")
	}
}
