package wire

import (
	"encoding/xml"
	"strconv"

	"mellium.im/xmlstream"
)

// Body is a message body element
func Body(s string) xml.TokenReader { return text("body", s) }

// Show is a presence show element
func Show(s string) xml.TokenReader { return text("show", s) }

// Status is a presence status element
func Status(s string) xml.TokenReader { return text("status", s) }

// Priority is a presence priority element
func Priority(n int) xml.TokenReader { return text("priority", strconv.Itoa(n)) }

// ChatState is an empty chat state notification element
func ChatState(state string) xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: NSChatStates, Local: state}})
}

// CarbonsEnable is the payload of the IQ that turns on message carbons
func CarbonsEnable() xml.TokenReader {
	return xmlstream.Wrap(nil, xml.StartElement{Name: xml.Name{Space: NSCarbons, Local: "enable"}})
}

// Activity is a presence activity element holding game activity text
func Activity(s string) xml.TokenReader { return text("activity", s) }
