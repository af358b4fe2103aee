// Package wire holds the typed representations of the stanzas the engine
// exchanges with the server and the token-level helpers used to capture and
// build them.
package wire

import (
	"encoding/xml"
	"errors"
	"fmt"
	"io"
	"strings"
)

// Stanza is a captured top level element (or a child of one) together with
// every token it contains, start and end element included.
type Stanza struct {
	Name xml.Name
	Attr []xml.Attr

	tokens []xml.Token
}

// Read captures the element that begins with start from r. Elements left
// open when r runs out are closed so that the capture is always balanced.
func Read(start xml.StartElement, r xml.TokenReader) (*Stanza, error) {
	start = start.Copy()
	s := &Stanza{
		Name:   start.Name,
		Attr:   start.Attr,
		tokens: []xml.Token{start},
	}
	open := []xml.Name{start.Name}

	for len(open) > 0 {
		tok, err := r.Token()
		if tok != nil {
			switch t := tok.(type) {
			case xml.StartElement:
				open = append(open, t.Name)
			case xml.EndElement:
				open = open[:len(open)-1]
			}
			s.tokens = append(s.tokens, xml.CopyToken(tok))
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
	}

	for i := len(open) - 1; i >= 0; i-- {
		s.tokens = append(s.tokens, xml.EndElement{Name: open[i]})
	}
	return s, nil
}

// ReadStanza skips to the first start element in r and captures it
func ReadStanza(r xml.TokenReader) (*Stanza, error) {
	for {
		tok, err := r.Token()
		if start, ok := tok.(xml.StartElement); ok {
			return Read(start, r)
		}
		if err == io.EOF {
			return nil, io.ErrUnexpectedEOF
		}
		if err != nil {
			return nil, err
		}
	}
}

// Parse captures the first element of a serialized stanza
func Parse(s string) (*Stanza, error) {
	return ReadStanza(xml.NewDecoder(strings.NewReader(s)))
}

// MustParse is like Parse but panics on error
func MustParse(s string) *Stanza {
	st, err := Parse(s)
	if err != nil {
		panic(fmt.Sprintf("wire: cannot parse stanza: %v", err))
	}
	return st
}

// AttrValue returns the value of the named attribute or "" if absent
func (s *Stanza) AttrValue(local string) string {
	for _, a := range s.Attr {
		if a.Name.Local == local && a.Name.Space == "" {
			return a.Value
		}
	}
	return ""
}

func (s *Stanza) ID() string   { return s.AttrValue("id") }
func (s *Stanza) Type() string { return s.AttrValue("type") }
func (s *Stanza) From() string { return s.AttrValue("from") }
func (s *Stanza) To() string   { return s.AttrValue("to") }

// Is reports whether the element has the given local name and, when space is
// non-empty, the given namespace.
func (s *Stanza) Is(space, local string) bool {
	return s.Name.Local == local && (space == "" || s.Name.Space == space)
}

// TokenReader returns a fresh reader over the captured tokens
func (s *Stanza) TokenReader() xml.TokenReader {
	return &sliceReader{tokens: s.tokens}
}

// Decode unmarshals the captured element into v
func (s *Stanza) Decode(v interface{}) error {
	return xml.NewTokenDecoder(s.TokenReader()).Decode(v)
}

// Children returns the direct child elements in document order
func (s *Stanza) Children() []*Stanza {
	var children []*Stanza
	depth := 0
	begin := 0
	for i := 1; i < len(s.tokens)-1; i++ {
		switch s.tokens[i].(type) {
		case xml.StartElement:
			if depth == 0 {
				begin = i
			}
			depth++
		case xml.EndElement:
			depth--
			if depth == 0 {
				start := s.tokens[begin].(xml.StartElement)
				children = append(children, &Stanza{
					Name:   start.Name,
					Attr:   start.Attr,
					tokens: s.tokens[begin : i+1],
				})
			}
		}
	}
	return children
}

// Child returns the first direct child matching space and local
func (s *Stanza) Child(space, local string) *Stanza {
	for _, c := range s.Children() {
		if c.Is(space, local) {
			return c
		}
	}
	return nil
}

// Walk calls fn for every descendant element, depth first, until fn returns
// false.
func (s *Stanza) Walk(fn func(*Stanza) bool) bool {
	for _, c := range s.Children() {
		if !fn(c) {
			return false
		}
		if !c.Walk(fn) {
			return false
		}
	}
	return true
}

// Text returns the character data directly inside the element
func (s *Stanza) Text() string {
	var sb strings.Builder
	depth := 0
	for i := 1; i < len(s.tokens)-1; i++ {
		switch t := s.tokens[i].(type) {
		case xml.StartElement:
			depth++
		case xml.EndElement:
			depth--
		case xml.CharData:
			if depth == 0 {
				sb.Write(t)
			}
		}
	}
	return sb.String()
}

// String serializes the captured element. It is meant for logs and tests.
func (s *Stanza) String() string {
	var sb strings.Builder
	e := xml.NewEncoder(&sb)
	for _, tok := range s.tokens {
		if err := e.EncodeToken(stripNSAttr(tok)); err != nil {
			return fmt.Sprintf("<!-- %v -->", err)
		}
	}
	if err := e.Flush(); err != nil {
		return fmt.Sprintf("<!-- %v -->", err)
	}
	return sb.String()
}

// stripNSAttr drops namespace declarations that the encoder would otherwise
// emit twice next to the resolved element namespace.
func stripNSAttr(tok xml.Token) xml.Token {
	start, ok := tok.(xml.StartElement)
	if !ok {
		return tok
	}
	attrs := start.Attr[:0:0]
	for _, a := range start.Attr {
		if a.Name.Space == "xmlns" || (a.Name.Space == "" && a.Name.Local == "xmlns") {
			continue
		}
		attrs = append(attrs, a)
	}
	start.Attr = attrs
	return start
}

type sliceReader struct {
	tokens []xml.Token
}

func (r *sliceReader) Token() (xml.Token, error) {
	if len(r.tokens) == 0 {
		return nil, io.EOF
	}
	tok := r.tokens[0]
	r.tokens = r.tokens[1:]
	return tok, nil
}

// ErrNotStanza is returned when a captured element is not the expected stanza
var ErrNotStanza = errors.New("wire: unexpected element")
