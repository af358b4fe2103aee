package app

import (
	"encoding/json"

	"github.com/RPwnage/EA-Software-sub005/internal/xmpp"
	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/presence"
)

const presenceKey = "presence"

// savedPresence is the own presence kept between runs
type savedPresence struct {
	Show      string `json:"show,omitempty"`
	Status    string `json:"status,omitempty"`
	Activity  string `json:"activity,omitempty"`
	Invisible bool   `json:"invisible,omitempty"`
}

// restorePresence picks up the presence chosen in an earlier run so that
// Connect announces it again.
func (a *App) restorePresence() {
	if a.account == "" {
		return
	}
	raw, err := a.storage.State(a.account, presenceKey)
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to read saved presence")
		return
	}
	if raw == "" {
		return
	}

	var saved savedPresence
	if err := json.Unmarshal([]byte(raw), &saved); err != nil {
		a.log.Warn().Err(err).Msg("ignoring malformed saved presence")
		return
	}
	a.own.Show = presence.ParseShow(saved.Show)
	a.own.Status = saved.Status
	a.own.Activity = saved.Activity
	a.own.Invisible = saved.Invisible
}

func (a *App) savePresence(p xmpp.OwnPresence) {
	if a.storage == nil {
		return
	}
	account := a.Account()
	saved := savedPresence{
		Show:      string(p.Show),
		Status:    p.Status,
		Activity:  p.Activity,
		Invisible: p.Invisible,
	}

	var err error
	if saved == (savedPresence{}) {
		err = a.storage.DeleteState(account, presenceKey)
	} else {
		var data []byte
		if data, err = json.Marshal(saved); err == nil {
			err = a.storage.SetState(account, presenceKey, string(data))
		}
	}
	if err != nil {
		a.log.Warn().Err(err).Msg("failed to save presence")
	}
}
