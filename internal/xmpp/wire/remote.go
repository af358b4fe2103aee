package wire

import (
	"encoding/json"
	"encoding/xml"
	"fmt"

	"github.com/kaptinlin/jsonrepair"
	"mellium.im/xmlstream"
)

// Remote payload types carried in the private JSON sub-protocol
const (
	RemoteTypeStatus = "status"
	RemoteTypeAction = "action"
)

// Remote is the JSON object exchanged between the user's own clients. It
// travels in a json element of a chat message addressed to the other
// client's full JID.
type Remote struct {
	Type   string            `json:"type"`
	Action string            `json:"action,omitempty"`
	Show   string            `json:"show,omitempty"`
	Status string            `json:"status,omitempty"`
	Params map[string]string `json:"params,omitempty"`
}

// DecodeRemote parses a remote payload. Text that is not valid JSON is run
// through a repair pass before giving up. The second return value reports
// whether a repair was needed.
func DecodeRemote(text string) (Remote, bool, error) {
	var r Remote
	err := json.Unmarshal([]byte(text), &r)
	if err == nil {
		return r, false, nil
	}

	fixed, rerr := jsonrepair.JSONRepair(text)
	if rerr != nil {
		return Remote{}, false, fmt.Errorf("decode remote payload: %w", err)
	}
	r = Remote{}
	if err := json.Unmarshal([]byte(fixed), &r); err != nil {
		return Remote{}, true, fmt.Errorf("decode repaired remote payload: %w", err)
	}
	return r, true, nil
}

// TokenReader encodes the payload as a json element
func (r Remote) TokenReader() xml.TokenReader {
	b, err := json.Marshal(r)
	if err != nil {
		// Only string fields; Marshal cannot fail.
		panic(err)
	}
	return xmlstream.Wrap(
		xmlstream.Token(xml.CharData(b)),
		xml.StartElement{Name: xml.Name{Space: NSJSON, Local: "json"}},
	)
}
