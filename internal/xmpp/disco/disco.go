// Package disco describes what the engine supports in answer to service
// discovery queries.
package disco

import (
	"encoding/xml"
	"sort"

	"mellium.im/xmlstream"
)

// NSInfo is the namespace of disco#info queries
const NSInfo = "http://jabber.org/protocol/disco#info"

// Identity represents a disco identity
type Identity struct {
	Category string
	Type     string
	Name     string
}

// Feature represents a disco feature
type Feature string

// Features the engine implements
const (
	FeatureDisco      Feature = NSInfo
	FeatureChatStates Feature = "http://jabber.org/protocol/chatstates"
	FeatureCarbons    Feature = "urn:xmpp:carbons:2"
	FeatureJSON       Feature = "urn:xmpp:json:0"
	FeatureRoster     Feature = "jabber:iq:roster"
	FeaturePrivacy    Feature = "jabber:iq:privacy"
)

// Info represents disco info response
type Info struct {
	Identities []Identity
	Features   []Feature
}

// ClientInfo is the answer of a client identified by name
func ClientInfo(name string) Info {
	return Info{
		Identities: []Identity{{Category: "client", Type: "pc", Name: name}},
		Features: []Feature{
			FeatureDisco,
			FeatureChatStates,
			FeatureCarbons,
			FeatureJSON,
			FeatureRoster,
			FeaturePrivacy,
		},
	}
}

// HasFeature reports whether f is advertised
func (i Info) HasFeature(f Feature) bool {
	for _, have := range i.Features {
		if have == f {
			return true
		}
	}
	return false
}

// TokenReader returns the query element carrying the identities and the
// features, the latter sorted as the protocol requires for hashing.
func (i Info) TokenReader() xml.TokenReader {
	var inner []xml.TokenReader
	for _, id := range i.Identities {
		attrs := []xml.Attr{
			{Name: xml.Name{Local: "category"}, Value: id.Category},
			{Name: xml.Name{Local: "type"}, Value: id.Type},
		}
		if id.Name != "" {
			attrs = append(attrs, xml.Attr{Name: xml.Name{Local: "name"}, Value: id.Name})
		}
		inner = append(inner, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "identity"},
			Attr: attrs,
		}))
	}

	features := make([]string, 0, len(i.Features))
	for _, f := range i.Features {
		features = append(features, string(f))
	}
	sort.Strings(features)
	for _, f := range features {
		inner = append(inner, xmlstream.Wrap(nil, xml.StartElement{
			Name: xml.Name{Local: "feature"},
			Attr: []xml.Attr{{Name: xml.Name{Local: "var"}, Value: f}},
		}))
	}

	return xmlstream.Wrap(
		xmlstream.MultiReader(inner...),
		xml.StartElement{Name: xml.Name{Space: NSInfo, Local: "query"}},
	)
}
