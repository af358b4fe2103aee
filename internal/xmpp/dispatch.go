package xmpp

import (
	"sync"

	"github.com/rs/zerolog"
	"mellium.im/xmlstream"

	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

// HandlerFunc handles one stanza. w writes to the stream and is only valid
// during the call. Returning false removes the handler.
type HandlerFunc func(w xmlstream.TokenWriter, st *wire.Stanza) bool

type registration struct {
	id    uint64
	kind  string
	space string
	typ   string
	h     HandlerFunc
}

func (r *registration) matches(st *wire.Stanza) bool {
	if r.kind != "" && st.Name.Local != r.kind {
		return false
	}
	if r.typ != "" && st.Type() != r.typ {
		return false
	}
	if r.space == "" {
		return true
	}
	for _, c := range st.Children() {
		if c.Name.Space == r.space {
			return true
		}
	}
	return false
}

// Dispatcher routes stanzas to the handlers registered for their kind,
// payload namespace and type. Empty criteria match anything.
type Dispatcher struct {
	mu     sync.Mutex
	regs   []*registration
	nextID uint64
	log    zerolog.Logger
}

// NewDispatcher creates an empty dispatcher
func NewDispatcher(log zerolog.Logger) *Dispatcher {
	return &Dispatcher{log: log}
}

// Register adds a handler. The returned function removes it.
func (d *Dispatcher) Register(kind, space, typ string, h HandlerFunc) func() {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.nextID++
	r := &registration{id: d.nextID, kind: kind, space: space, typ: typ, h: h}
	d.regs = append(d.regs, r)
	return func() { d.remove(r.id) }
}

func (d *Dispatcher) remove(id uint64) {
	d.mu.Lock()
	defer d.mu.Unlock()

	kept := d.regs[:0:0]
	for _, r := range d.regs {
		if r.id != id {
			kept = append(kept, r)
		}
	}
	d.regs = kept
}

// Dispatch runs every matching handler in registration order and returns
// how many ran.
func (d *Dispatcher) Dispatch(w xmlstream.TokenWriter, st *wire.Stanza) int {
	d.mu.Lock()
	var matched []*registration
	for _, r := range d.regs {
		if r.matches(st) {
			matched = append(matched, r)
		}
	}
	d.mu.Unlock()

	for _, r := range matched {
		if !r.h(w, st) {
			d.remove(r.id)
		}
	}
	if len(matched) == 0 {
		d.log.Debug().
			Str("kind", st.Name.Local).
			Str("id", st.ID()).
			Msg("unhandled stanza")
	}
	return len(matched)
}

// Len returns the number of registered handlers
func (d *Dispatcher) Len() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.regs)
}
