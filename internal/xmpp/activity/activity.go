// Package activity decodes the semicolon separated game activity text that
// presence stanzas carry in their activity element.
package activity

import "strings"

// Separator splits the positional fields
const Separator = ";"

// Join states of field 2
const (
	Joinable           = "JOINABLE"
	JoinableInviteOnly = "JOINABLE_INVITE_ONLY"
)

// Field positions. Extend this list, never reorder it, when the format grows
// a field.
const (
	FieldTitle = iota
	FieldProductID
	FieldJoinState
	FieldTwitchPresenceURL
	FieldRichPresence
	FieldMultiplayerID
	FieldGroupName
	FieldGroupID
	FieldPlatform

	// FieldCount is the number of fields this decoder understands
	FieldCount
)

// FieldNames documents the meaning of each position
var FieldNames = [FieldCount]string{
	FieldTitle:             "title",
	FieldProductID:         "product-id",
	FieldJoinState:         "join-state",
	FieldTwitchPresenceURL: "twitch-presence-url",
	FieldRichPresence:      "rich-presence",
	FieldMultiplayerID:     "multiplayer-id",
	FieldGroupName:         "group-name",
	FieldGroupID:           "group-id",
	FieldPlatform:          "platform",
}

// Game is a decoded activity. Empty strings mean the field was absent.
type Game struct {
	Title             string
	ProductID         string
	Joinable          bool
	InviteOnly        bool
	TwitchPresenceURL string
	RichPresence      string
	MultiplayerID     string
	GroupName         string
	GroupID           string
	Platform          string

	// Fields is the number of positional fields present in the text,
	// including ones this decoder does not know about.
	Fields int
}

// Decode reads the positional fields of text. Missing trailing fields stay
// empty and unknown extra fields are ignored; it never fails.
func Decode(text string) Game {
	if text == "" {
		return Game{}
	}

	parts := strings.Split(text, Separator)
	g := Game{Fields: len(parts)}
	field := func(i int) string {
		if i < len(parts) {
			return parts[i]
		}
		return ""
	}

	g.Title = field(FieldTitle)
	g.ProductID = field(FieldProductID)
	switch strings.TrimSpace(field(FieldJoinState)) {
	case Joinable:
		g.Joinable = true
	case JoinableInviteOnly:
		g.Joinable = true
		g.InviteOnly = true
	}
	g.TwitchPresenceURL = field(FieldTwitchPresenceURL)
	g.RichPresence = field(FieldRichPresence)
	g.MultiplayerID = field(FieldMultiplayerID)
	g.GroupName = field(FieldGroupName)
	g.GroupID = field(FieldGroupID)
	g.Platform = field(FieldPlatform)
	return g
}

// ApplyLegacyStatus fills RichPresence from an old style status text when
// the activity names a game but carried no rich presence. The game title is
// removed from the status along with the separators left around it.
func (g *Game) ApplyLegacyStatus(status string) {
	if g.RichPresence != "" || g.Title == "" {
		return
	}
	status = strings.Replace(status, g.Title, "", 1)
	g.RichPresence = strings.Trim(status, " :-")
}

// IsZero reports whether no field was decoded
func (g Game) IsZero() bool {
	return g == Game{}
}

// InGame reports whether the activity names a game
func (g Game) InGame() bool {
	return g.Title != "" || g.ProductID != ""
}
