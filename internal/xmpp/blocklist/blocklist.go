// Package blocklist mirrors a server side privacy list used to block
// contacts.
//
// All operations go through one FIFO queue served by a single worker, so a
// block or unblock issued before the list is loaded runs after the load, in
// call order.
package blocklist

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/RPwnage/EA-Software-sub005/internal/xmpp/wire"
)

// Action is what the list does with a contact's traffic
type Action string

const (
	Deny  Action = wire.ActionDeny
	Allow Action = wire.ActionAllow
)

// State is the load state of the list
type State int

const (
	NotLoaded State = iota
	Loading
	Loaded
)

func (s State) String() string {
	switch s {
	case NotLoaded:
		return "not-loaded"
	case Loading:
		return "loading"
	case Loaded:
		return "loaded"
	default:
		return "unknown"
	}
}

var (
	// ErrListNotFound is returned by a Store when the server has no list
	// with the requested name. The list then loads as empty.
	ErrListNotFound = errors.New("privacy list not found")

	// ErrClosed is returned for operations issued after Close
	ErrClosed = errors.New("block list closed")
)

// Store fetches and replaces the server copy of a privacy list
type Store interface {
	Fetch(ctx context.Context, name string) (map[string]Action, error)
	Submit(ctx context.Context, name string, entries map[string]Action) error
}

// Lookup is the answer to IsBlocked
type Lookup struct {
	Blocked bool
	Err     error
}

type opKind int

const (
	opLoad opKind = iota
	opBlock
	opUnblock
	opQuery
)

type op struct {
	kind    opKind
	id      string
	force   bool
	started bool
	errc    []chan error
	found   chan Lookup
}

func (o *op) finish(blocked bool, err error) {
	for _, c := range o.errc {
		c <- err
	}
	if o.found != nil {
		o.found <- Lookup{Blocked: blocked, Err: err}
	}
}

// Option configures a List
type Option func(*List)

// WithLogger sets the logger
func WithLogger(log zerolog.Logger) Option {
	return func(l *List) { l.log = log }
}

// WithTimeout bounds each Fetch and Submit
func WithTimeout(d time.Duration) Option {
	return func(l *List) { l.timeout = d }
}

// OnLoaded is called after every successful load
func OnLoaded(fn func()) Option {
	return func(l *List) { l.onLoaded = fn }
}

// OnChanged is called after the list changed, either by a submitted
// mutation or by a reload requested with Reload.
func OnChanged(fn func()) Option {
	return func(l *List) { l.onChanged = fn }
}

// List is the local copy of one privacy list
type List struct {
	name  string
	store Store

	mu       sync.Mutex
	state    State
	entries  map[string]Action
	queue    []*op
	loadOp   *op
	closed   bool
	closeErr error

	ctx    context.Context
	cancel context.CancelFunc
	wake   chan struct{}
	done   chan struct{}

	timeout   time.Duration
	onLoaded  func()
	onChanged func()
	log       zerolog.Logger
}

// New creates a list backed by store and starts its worker
func New(name string, store Store, opts ...Option) *List {
	ctx, cancel := context.WithCancel(context.Background())
	l := &List{
		name:    name,
		store:   store,
		entries: make(map[string]Action),
		ctx:     ctx,
		cancel:  cancel,
		wake:    make(chan struct{}, 1),
		done:    make(chan struct{}),
		timeout: 30 * time.Second,
		log:     zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(l)
	}
	go l.run()
	return l
}

// Name returns the privacy list name
func (l *List) Name() string { return l.name }

// State returns the current load state
func (l *List) State() State {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.state
}

// Load fetches the list unless it is already loaded or being loaded
func (l *List) Load() <-chan error {
	return l.load(false)
}

// Reload fetches the list again, for instance after the server pushed a
// change to it.
func (l *List) Reload() <-chan error {
	return l.load(true)
}

func (l *List) load(force bool) <-chan error {
	c := make(chan error, 1)

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		c <- l.closeErr
		return c
	}
	if !force && l.state == Loaded {
		c <- nil
		return c
	}
	if l.loadOp != nil && (!force || !l.loadOp.started) {
		l.loadOp.errc = append(l.loadOp.errc, c)
		l.loadOp.force = l.loadOp.force || force
		return c
	}

	o := &op{kind: opLoad, force: force, errc: []chan error{c}}
	l.loadOp = o
	if l.state == NotLoaded {
		l.state = Loading
	}
	l.push(o)
	return c
}

// Block denies all traffic from id
func (l *List) Block(id string) <-chan error {
	c := make(chan error, 1)
	l.enqueue(&op{kind: opBlock, id: id, errc: []chan error{c}})
	return c
}

// Unblock removes id from the list
func (l *List) Unblock(id string) <-chan error {
	c := make(chan error, 1)
	l.enqueue(&op{kind: opUnblock, id: id, errc: []chan error{c}})
	return c
}

// IsBlocked reports whether id is denied once the list is loaded
func (l *List) IsBlocked(id string) <-chan Lookup {
	c := make(chan Lookup, 1)
	l.enqueue(&op{kind: opQuery, id: id, found: c})
	return c
}

// Entries returns a copy of the loaded entries
func (l *List) Entries() map[string]Action {
	l.mu.Lock()
	defer l.mu.Unlock()

	out := make(map[string]Action, len(l.entries))
	for k, v := range l.entries {
		out[k] = v
	}
	return out
}

// Blocked returns the denied ids in order
func (l *List) Blocked() []string {
	l.mu.Lock()
	defer l.mu.Unlock()

	var ids []string
	for id, a := range l.entries {
		if a == Deny {
			ids = append(ids, id)
		}
	}
	sort.Strings(ids)
	return ids
}

// Close stops the worker and fails every queued operation with err
func (l *List) Close(err error) {
	if err == nil {
		err = ErrClosed
	}

	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.closeErr = err
	pending := l.queue
	l.queue = nil
	l.loadOp = nil
	l.state = NotLoaded
	l.mu.Unlock()

	l.cancel()
	for _, o := range pending {
		o.finish(false, err)
	}
	<-l.done
}

// enqueue queues a block, unblock or query, scheduling a load first when the
// list was never loaded.
func (l *List) enqueue(o *op) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		o.finish(false, l.closeErr)
		return
	}
	if l.state == NotLoaded && l.loadOp == nil {
		l.loadOp = &op{kind: opLoad}
		l.state = Loading
		l.push(l.loadOp)
	}
	l.push(o)
}

// push must be called with l.mu held
func (l *List) push(o *op) {
	l.queue = append(l.queue, o)
	select {
	case l.wake <- struct{}{}:
	default:
	}
}

func (l *List) next() *op {
	for {
		l.mu.Lock()
		if len(l.queue) > 0 {
			o := l.queue[0]
			l.queue[0] = nil
			l.queue = l.queue[1:]
			o.started = true
			l.mu.Unlock()
			return o
		}
		l.mu.Unlock()

		select {
		case <-l.wake:
		case <-l.ctx.Done():
			return nil
		}
	}
}

func (l *List) run() {
	defer close(l.done)

	for {
		o := l.next()
		if o == nil {
			return
		}
		switch o.kind {
		case opLoad:
			l.runLoad(o)
		case opQuery:
			l.runQuery(o)
		default:
			l.runMutation(o)
		}
	}
}

func (l *List) runLoad(o *op) {
	l.mu.Lock()
	if !o.force && l.state == Loaded {
		if l.loadOp == o {
			l.loadOp = nil
		}
		l.mu.Unlock()
		o.finish(false, nil)
		return
	}
	l.state = Loading
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	entries, err := l.store.Fetch(ctx, l.name)
	cancel()
	if errors.Is(err, ErrListNotFound) {
		entries, err = map[string]Action{}, nil
	}

	l.mu.Lock()
	if l.loadOp == o {
		l.loadOp = nil
	}
	if l.closed {
		l.mu.Unlock()
		o.finish(false, l.closeErr)
		return
	}
	if err != nil {
		err = fmt.Errorf("load block list %q: %w", l.name, err)
		l.state = NotLoaded
		var failed []*op
		kept := l.queue[:0:0]
		for _, q := range l.queue {
			if q.kind == opLoad {
				kept = append(kept, q)
				continue
			}
			failed = append(failed, q)
		}
		l.queue = kept
		l.mu.Unlock()

		l.log.Warn().Err(err).Str("list", l.name).Msg("block list load failed")
		o.finish(false, err)
		for _, q := range failed {
			q.finish(false, err)
		}
		return
	}

	if entries == nil {
		entries = map[string]Action{}
	}
	l.entries = entries
	l.state = Loaded
	l.mu.Unlock()

	l.log.Debug().Str("list", l.name).Int("entries", len(entries)).Msg("block list loaded")
	o.finish(false, nil)
	if l.onLoaded != nil {
		l.onLoaded()
	}
	if o.force && l.onChanged != nil {
		l.onChanged()
	}
}

func (l *List) runQuery(o *op) {
	l.mu.Lock()
	loaded := l.state == Loaded
	blocked := l.entries[o.id] == Deny
	l.mu.Unlock()

	if !loaded {
		o.finish(false, fmt.Errorf("block list %q is %s", l.name, l.State()))
		return
	}
	o.finish(blocked, nil)
}

func (l *List) runMutation(o *op) {
	l.mu.Lock()
	if l.state != Loaded {
		state := l.state
		l.mu.Unlock()
		o.finish(false, fmt.Errorf("block list %q is %s", l.name, state))
		return
	}

	current, present := l.entries[o.id]
	if (o.kind == opBlock && present && current == Deny) || (o.kind == opUnblock && !present) {
		l.mu.Unlock()
		o.finish(false, nil)
		return
	}

	next := make(map[string]Action, len(l.entries)+1)
	for k, v := range l.entries {
		next[k] = v
	}
	if o.kind == opBlock {
		next[o.id] = Deny
	} else {
		delete(next, o.id)
	}
	l.mu.Unlock()

	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	err := l.store.Submit(ctx, l.name, next)
	cancel()
	if err != nil {
		l.log.Warn().Err(err).Str("list", l.name).Str("jid", o.id).Msg("block list update failed")
		o.finish(false, fmt.Errorf("update block list %q: %w", l.name, err))
		return
	}

	l.mu.Lock()
	l.entries = next
	l.mu.Unlock()

	o.finish(false, nil)
	if l.onChanged != nil {
		l.onChanged()
	}
}

// Items converts entries to privacy list items ordered by contact id. A
// trailing allow rule is not added; the server default applies.
func Items(entries map[string]Action) []wire.PrivacyItem {
	ids := make([]string, 0, len(entries))
	for id := range entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	items := make([]wire.PrivacyItem, 0, len(ids))
	for i, id := range ids {
		items = append(items, wire.PrivacyItem{
			Type:   "jid",
			Value:  id,
			Action: string(entries[id]),
			Order:  uint(i + 1),
		})
	}
	return items
}

// FromItems converts privacy list items to entries, keeping only rules that
// match a single JID.
func FromItems(items []wire.PrivacyItem) map[string]Action {
	entries := make(map[string]Action, len(items))
	for _, i := range items {
		if i.Type != "jid" || i.Value == "" {
			continue
		}
		switch Action(i.Action) {
		case Deny, Allow:
			entries[i.Value] = Action(i.Action)
		}
	}
	return entries
}
