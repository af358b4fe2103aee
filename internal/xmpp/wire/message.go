package wire

// Chat state element names, in the order they are matched
var ChatStates = []string{"active", "inactive", "composing", "paused", "gone"}

// Carbon is a forwarded copy of a message sent or received by another
// resource of the same account.
type Carbon struct {
	Sent    bool
	Message *Stanza
}

// Message is the flattened content of a message stanza
type Message struct {
	ID     string
	Type   string
	From   string
	To     string
	Body   string
	Thread string

	// ChatState is the first chat state notification found, or ""
	ChatState string

	// JSON is the text of the private client-to-client payload
	JSON    string
	HasJSON bool

	Carbon *Carbon
}

// ParseMessage flattens a message stanza. Carbon wrappers are recognised but
// not unwrapped; callers decide whether to trust them.
func ParseMessage(s *Stanza) Message {
	m := Message{
		ID:   s.ID(),
		Type: s.Type(),
		From: s.From(),
		To:   s.To(),
	}

	for _, c := range s.Children() {
		switch {
		case c.Name.Local == "body" && m.Body == "":
			m.Body = c.Text()
		case c.Name.Local == "thread":
			m.Thread = c.Text()
		case c.Name.Space == NSChatStates:
			if m.ChatState == "" && isChatState(c.Name.Local) {
				m.ChatState = c.Name.Local
			}
		case c.Is(NSJSON, "json"):
			m.JSON = c.Text()
			m.HasJSON = true
		case c.Is(NSCarbons, "sent"), c.Is(NSCarbons, "received"):
			if m.Carbon != nil {
				continue
			}
			if inner := forwardedMessage(c); inner != nil {
				m.Carbon = &Carbon{Sent: c.Name.Local == "sent", Message: inner}
			}
		}
	}
	return m
}

func forwardedMessage(wrapper *Stanza) *Stanza {
	fwd := wrapper.Child(NSForward, "forwarded")
	if fwd == nil {
		return nil
	}
	return fwd.Child("", KindMessage)
}

func isChatState(local string) bool {
	for _, s := range ChatStates {
		if s == local {
			return true
		}
	}
	return false
}
