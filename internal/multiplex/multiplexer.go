// Package multiplex implements livequery.Multiplexer: a fan-out point
// that forwards added/changed/removed callbacks to every live subscriber.
// The subscriber list is guarded by a mutex the way
// core/watcher/multinotify.go guards its watcher list, but delivery here
// is a direct synchronous call per subscriber rather than a channel send,
// since each subscriber is itself a lightweight callback (typically
// feeding a session's outgoing message queue) rather than a goroutine.
package multiplex

import (
	"sync"

	"github.com/joephuz/meteor/livequery"
)

// ID, Fields alias the livequery package's own definitions so a Subscriber
// satisfies livequery.Multiplexer's exact method signatures.
type (
	ID     = livequery.ID
	Fields = livequery.Fields
)

// Subscriber receives the callbacks for one subscriber of a Multiplexer.
// Any field may be nil to ignore that callback kind.
type Subscriber struct {
	Added   func(id ID, fields Fields)
	Changed func(id ID, fields Fields)
	Removed func(id ID)
	Ready   func()
}

// Multiplexer fans livequery.Driver's added/changed/removed/ready
// callbacks out to every registered Subscriber.
type Multiplexer struct {
	mu   sync.Mutex
	subs map[*Subscriber]struct{}
}

// New returns an empty Multiplexer.
func New() *Multiplexer {
	return &Multiplexer{subs: make(map[*Subscriber]struct{})}
}

// AddSubscriber registers sub and returns a function that removes it.
func (m *Multiplexer) AddSubscriber(sub *Subscriber) (unsubscribe func()) {
	m.mu.Lock()
	m.subs[sub] = struct{}{}
	m.mu.Unlock()
	return func() {
		m.mu.Lock()
		delete(m.subs, sub)
		m.mu.Unlock()
	}
}

// HandleCount reports how many subscribers are currently registered; a
// Driver's owner uses this to decide when to call Driver.Stop.
func (m *Multiplexer) HandleCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.subs)
}

func (m *Multiplexer) snapshot() []*Subscriber {
	m.mu.Lock()
	defer m.mu.Unlock()
	subs := make([]*Subscriber, 0, len(m.subs))
	for s := range m.subs {
		subs = append(subs, s)
	}
	return subs
}

// Added is part of livequery.Multiplexer.
func (m *Multiplexer) Added(id ID, fields Fields) {
	for _, s := range m.snapshot() {
		if s.Added != nil {
			s.Added(id, fields)
		}
	}
}

// Changed is part of livequery.Multiplexer.
func (m *Multiplexer) Changed(id ID, fields Fields) {
	for _, s := range m.snapshot() {
		if s.Changed != nil {
			s.Changed(id, fields)
		}
	}
}

// Removed is part of livequery.Multiplexer.
func (m *Multiplexer) Removed(id ID) {
	for _, s := range m.snapshot() {
		if s.Removed != nil {
			s.Removed(id)
		}
	}
}

// Ready is part of livequery.Multiplexer.
func (m *Multiplexer) Ready() {
	for _, s := range m.snapshot() {
		if s.Ready != nil {
			s.Ready()
		}
	}
}

// OnFlush is part of livequery.Multiplexer. Delivery above is synchronous,
// so by the time OnFlush is called every prior Added/Changed/Removed call
// has already reached every subscriber; cb runs immediately rather than
// waiting for a batching boundary that doesn't exist in this
// implementation.
func (m *Multiplexer) OnFlush(cb func()) {
	cb()
}
