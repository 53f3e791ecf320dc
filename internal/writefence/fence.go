// Package writefence implements livequery.WriteFence: a way to delay a
// client's write acknowledgement until every interested Driver has
// observed the write's effect through the oplog, grounded on
// state/watcher/txnwatcher.go's catacomb-run worker shape and on the
// pending-write bookkeeping in livequery/fence.go that consumes the
// tokens this package hands out.
package writefence

import (
	"sync"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/worker/v4/catacomb"

	"github.com/joephuz/meteor/livequery"
)

// Logger is the subset of loggo.Logger the manager needs.
type Logger interface {
	Warningf(string, ...interface{})
}

// Config configures a Manager.
type Config struct {
	Clock clock.Clock
	// LeakTimeout bounds how long a Fence may sit with outstanding
	// (uncommitted) writes before the manager logs a leak warning; a Fence
	// that is merely unarmed with nothing pending is not reported. It never
	// forces a Fence closed: only Arm and enough Committed calls do that.
	LeakTimeout time.Duration
	Logger      Logger
}

// Validate is part of the standard Config contract used across this
// module's workers.
func (config Config) Validate() error {
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.LeakTimeout <= 0 {
		return errors.NotValidf("non-positive LeakTimeout")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

// Manager tracks every live Fence so a background sweep can warn about
// ones that never drain, the way a leaked watcher shows up in
// txnwatcher's request-backlog logging.
type Manager struct {
	catacomb catacomb.Catacomb
	config   Config

	mu     sync.Mutex
	fences map[*Fence]time.Time
}

// New starts a Manager.
func New(config Config) (*Manager, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new writefence.Manager invalid config")
	}
	m := &Manager{
		config: config,
		fences: make(map[*Fence]time.Time),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &m.catacomb,
		Work: m.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return m, nil
}

// Kill is part of the worker.Worker interface.
func (m *Manager) Kill() { m.catacomb.Kill(nil) }

// Wait is part of the worker.Worker interface.
func (m *Manager) Wait() error { return m.catacomb.Wait() }

// NewFence returns a fresh, unarmed Fence tracked by this manager, for
// callers that need to register more than one BeginWrite against the same
// write before arming it.
func (m *Manager) NewFence() *Fence {
	f := &Fence{manager: m}
	m.mu.Lock()
	m.fences[f] = m.config.Clock.Now()
	m.mu.Unlock()
	return f
}

// BeginWrite is part of livequery.WriteFence: it lets a Manager stand in
// directly as the write fence for a single-observer write, creating a
// one-shot Fence that is already armed. The returned token's Committed
// fires the fence as soon as it is called.
func (m *Manager) BeginWrite() livequery.WriteToken {
	f := m.NewFence()
	tok := f.BeginWrite()
	f.Arm()
	return tok
}

func (m *Manager) forget(f *Fence) {
	m.mu.Lock()
	delete(m.fences, f)
	m.mu.Unlock()
}

func (m *Manager) loop() error {
	sweep := m.config.Clock.After(m.config.LeakTimeout)
	for {
		select {
		case <-m.catacomb.Dying():
			return m.catacomb.ErrDying()
		case <-sweep:
			m.sweepOnce()
			sweep = m.config.Clock.After(m.config.LeakTimeout)
		}
	}
}

// sweepOnce snapshots the fence list under m.mu and releases it before
// touching any Fence's own lock. The commit path takes the locks in the
// opposite order (a Fence's f.mu, then m.mu via forget), so holding both at
// once here would deadlock against a concurrently-committing token.
func (m *Manager) sweepOnce() {
	now := m.config.Clock.Now()
	m.mu.Lock()
	snapshot := make(map[*Fence]time.Time, len(m.fences))
	for f, started := range m.fences {
		snapshot[f] = started
	}
	m.mu.Unlock()

	for f, started := range snapshot {
		if now.Sub(started) < m.config.LeakTimeout {
			continue
		}
		f.mu.Lock()
		pending, armed := f.pending, f.armed
		f.mu.Unlock()
		if pending > 0 {
			m.config.Logger.Warningf("writefence: fence started at %s still has %d uncommitted write(s), armed=%v", started, pending, armed)
		}
	}
}

// Fence coordinates one client write. The application calls BeginWrite
// once per interested Driver before performing the write, calls Arm once
// the write's own database operation has been durably applied, and each
// Driver calls the returned token's Committed once its cache reflects the
// write. OnAllCommitted callbacks run once both conditions hold.
type Fence struct {
	manager *Manager

	mu             sync.Mutex
	pending        int
	armed          bool
	onAllCommitted []func()
	fired          bool
}

// BeginWrite is part of livequery.WriteFence. Each call registers one more
// outstanding observer; the fence cannot fire until every one of them has
// called Committed.
func (f *Fence) BeginWrite() livequery.WriteToken {
	f.mu.Lock()
	f.pending++
	f.mu.Unlock()
	return &token{fence: f}
}

// Arm records that no further BeginWrite calls will register against this
// fence, so it may fire as soon as the current pending count reaches zero.
func (f *Fence) Arm() {
	f.mu.Lock()
	f.armed = true
	fired, callbacks := f.checkFireLocked()
	f.mu.Unlock()
	f.finish(fired, callbacks)
}

// OnAllCommitted registers cb to run once the fence is armed and every
// registered write has committed. If that has already happened, cb runs
// immediately from the calling goroutine.
func (f *Fence) OnAllCommitted(cb func()) {
	f.mu.Lock()
	if f.fired {
		f.mu.Unlock()
		cb()
		return
	}
	f.onAllCommitted = append(f.onAllCommitted, cb)
	f.mu.Unlock()
}

// checkFireLocked must be called with f.mu held. It reports whether the
// fence just fired and, if so, the callbacks to run; the caller must
// unlock f.mu and then call finish with the result. Doing the manager
// bookkeeping and callback dispatch here, under f.mu, would take f.mu then
// m.mu, the opposite order sweepOnce uses (m.mu then f.mu), and deadlock
// against a concurrent leak sweep.
func (f *Fence) checkFireLocked() (fired bool, callbacks []func()) {
	if f.fired || !f.armed || f.pending > 0 {
		return false, nil
	}
	f.fired = true
	callbacks = f.onAllCommitted
	f.onAllCommitted = nil
	return true, callbacks
}

// finish performs the work checkFireLocked deferred: forgetting the fence
// with its manager and running its callbacks, both outside f.mu. It is a
// no-op if fired is false.
func (f *Fence) finish(fired bool, callbacks []func()) {
	if !fired {
		return
	}
	if f.manager != nil {
		f.manager.forget(f)
	}
	for _, cb := range callbacks {
		cb()
	}
}

type token struct {
	fence *Fence
	once  sync.Once
}

// Committed is part of livequery.WriteToken.
func (t *token) Committed() {
	t.once.Do(func() {
		t.fence.mu.Lock()
		t.fence.pending--
		fired, callbacks := t.fence.checkFireLocked()
		t.fence.mu.Unlock()
		t.fence.finish(fired, callbacks)
	})
}
