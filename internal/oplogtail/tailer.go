// Package oplogtail implements livequery.OplogHandle by tailing a MongoDB
// replica set's local.oplog.rs collection, grounded on
// state/watcher/txnwatcher.go's TxnWatcher: a catacomb-run loop, an
// exponential poll/retry backoff (gopkg.in/retry.v1), and pubsub fan-out of
// observed entries (github.com/juju/pubsub/v2) instead of per-watcher
// channels.
package oplogtail

import (
	"strings"
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/pubsub/v2"
	"github.com/juju/worker/v4/catacomb"
	"gopkg.in/retry.v1"

	"github.com/joephuz/meteor/livequery"
)

const (
	shortWait  = 10 * time.Millisecond
	errorShort = 500 * time.Millisecond
)

var (
	// PollStrategy governs the delay between successive polls of the oplog
	// when a poll finds no new data.
	PollStrategy retry.Strategy = retry.Exponential{
		Initial:  shortWait,
		Factor:   1.5,
		MaxDelay: 2 * time.Second,
	}

	// ErrorStrategy governs the delay after an oplog read error.
	ErrorStrategy retry.Strategy = retry.Exponential{
		Initial:  errorShort,
		Factor:   2.0,
		MaxDelay: 30 * time.Second,
	}
)

// Logger is the subset of loggo.Logger the tailer needs.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Config configures a Tailer.
type Config struct {
	Session *mgo.Session
	DBName  string
	Clock   clock.Clock
	Logger  Logger
}

// Validate is part of the standard Config contract used across this
// module's workers.
func (config Config) Validate() error {
	if config.Session == nil {
		return errors.NotValidf("nil Session")
	}
	if config.DBName == "" {
		return errors.NotValidf("empty DBName")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	return nil
}

type rawOplogEntry struct {
	Op string        `bson:"op"`
	NS string        `bson:"ns"`
	O  bson.M        `bson:"o"`
	O2 bson.M        `bson:"o2"`
	TS bson.MongoTimestamp `bson:"ts"`
}

// Tailer tails local.oplog.rs and republishes matching entries to
// per-collection subscribers. It implements livequery.OplogHandle.
type Tailer struct {
	catacomb catacomb.Catacomb
	config   Config
	hub      *pubsub.SimpleHub

	caughtUpReqs chan caughtUpRequest
	lastTS       bson.MongoTimestamp
}

type caughtUpRequest struct {
	atLeast bson.MongoTimestamp
	done    chan struct{}
}

// New starts a Tailer.
func New(config Config) (*Tailer, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new oplogtail.Tailer invalid config")
	}
	t := &Tailer{
		config:       config,
		hub:          pubsub.NewSimpleHub(&pubsub.SimpleHubConfig{}),
		caughtUpReqs: make(chan caughtUpRequest),
	}
	err := catacomb.Invoke(catacomb.Plan{
		Site: &t.catacomb,
		Work: t.loop,
	})
	if err != nil {
		return nil, errors.Trace(err)
	}
	return t, nil
}

// Kill is part of the worker.Worker interface.
func (t *Tailer) Kill() { t.catacomb.Kill(nil) }

// Wait is part of the worker.Worker interface.
func (t *Tailer) Wait() error { return t.catacomb.Wait() }

// OnOplogEntry is part of livequery.OplogHandle.
func (t *Tailer) OnOplogEntry(filter livequery.OplogFilter, cb func(livequery.OplogEntry)) livequery.OplogSubscription {
	ns := t.config.DBName + "." + filter.CollectionName
	unsub := t.hub.Subscribe(ns, func(topic string, data interface{}) {
		entry, ok := data.(livequery.OplogEntry)
		if !ok {
			return
		}
		cb(entry)
	})
	return subscription{unsub: unsub}
}

type subscription struct {
	unsub func()
}

func (s subscription) Stop() { s.unsub() }

// WaitUntilCaughtUp is part of livequery.OplogHandle. It blocks until the
// tailer's loop has processed every entry that existed in the oplog at the
// time of the call.
func (t *Tailer) WaitUntilCaughtUp() error {
	target := t.latestOplogTimestamp()
	done := make(chan struct{})
	select {
	case t.caughtUpReqs <- caughtUpRequest{atLeast: target, done: done}:
	case <-t.catacomb.Dying():
		return errors.Trace(t.catacomb.ErrDying())
	}
	select {
	case <-done:
		return nil
	case <-t.catacomb.Dying():
		return errors.Trace(t.catacomb.ErrDying())
	}
}

// latestOplogTimestamp reads the newest entry currently in local.oplog.rs.
// A read failure here silently yielding a zero timestamp would make
// WaitUntilCaughtUp report "caught up" when it isn't, so any error besides
// an empty oplog is logged rather than discarded.
func (t *Tailer) latestOplogTimestamp() bson.MongoTimestamp {
	var entry rawOplogEntry
	err := t.config.Session.DB("local").C("oplog.rs").Find(nil).Sort("-$natural").One(&entry)
	if err != nil && err != mgo.ErrNotFound {
		t.config.Logger.Warningf("oplogtail: read latest oplog timestamp: %v", err)
	}
	return entry.TS
}

func (t *Tailer) loop() error {
	oplog := t.config.Session.DB("local").C("oplog.rs")
	t.lastTS = t.latestOplogTimestamp()

	var pending []caughtUpRequest
	backoff := PollStrategy.NewTimer(t.config.Clock.Now())
	var errBackoff retry.Timer
	next := t.config.Clock.After(shortWait)

	for {
		select {
		case <-t.catacomb.Dying():
			return t.catacomb.ErrDying()

		case req := <-t.caughtUpReqs:
			if req.atLeast <= t.lastTS {
				close(req.done)
			} else {
				pending = append(pending, req)
			}
			continue

		case <-next:
			entries, err := t.pollOnce(oplog)
			if err != nil {
				t.config.Logger.Warningf("oplogtail: poll error: %v", err)
				now := t.config.Clock.Now()
				if errBackoff == nil {
					errBackoff = ErrorStrategy.NewTimer(now)
				}
				d, _ := errBackoff.NextSleep(now)
				next = t.config.Clock.After(d)
				continue
			}
			errBackoff = nil
			for _, e := range entries {
				t.hub.Publish(e.NS, e.Entry)
				t.lastTS = e.Entry.TS
			}
			remaining := pending[:0]
			for _, req := range pending {
				if req.atLeast <= t.lastTS {
					close(req.done)
					continue
				}
				remaining = append(remaining, req)
			}
			pending = remaining

			now := t.config.Clock.Now()
			d, ok := backoff.NextSleep(now)
			if !ok {
				backoff = PollStrategy.NewTimer(now)
				d, _ = backoff.NextSleep(now)
			}
			next = t.config.Clock.After(d)
		}
	}
}

type namespacedEntry struct {
	NS    string
	Entry livequery.OplogEntry
}

// pollOnce reads every oplog.rs document newer than lastTS.
func (t *Tailer) pollOnce(oplog *mgo.Collection) ([]namespacedEntry, error) {
	iter := oplog.Find(bson.M{"ts": bson.M{"$gt": t.lastTS}}).Sort("$natural").Iter()
	var raw rawOplogEntry
	var results []namespacedEntry
	for iter.Next(&raw) {
		entry, ns, ok := t.toOplogEntry(raw)
		if !ok {
			continue
		}
		results = append(results, namespacedEntry{NS: ns, Entry: entry})
	}
	if err := iter.Close(); err != nil {
		return nil, errors.Trace(err)
	}
	return results, nil
}

// toOplogEntry translates one raw oplog.rs document into the entry to
// publish and the namespace to publish it under. For i/u/d ops that
// namespace is just raw.NS. A "c" (command) entry logs a drop or rename
// against <db>.$cmd, not the affected collection's own namespace, so its
// target has to be parsed out of the command payload and the synthetic
// DropCollection notification republished under <db>.<collection> to
// reach the subscriber OnOplogEntry actually registered.
func (t *Tailer) toOplogEntry(raw rawOplogEntry) (livequery.OplogEntry, string, bool) {
	switch raw.Op {
	case "i":
		return livequery.OplogEntry{Op: livequery.OpInsert, ID: raw.O["_id"], O: raw.O, TS: raw.TS}, raw.NS, true
	case "u":
		id := raw.O2["_id"]
		return livequery.OplogEntry{Op: livequery.OpUpdate, ID: id, O: raw.O, TS: raw.TS}, raw.NS, true
	case "d":
		return livequery.OplogEntry{Op: livequery.OpDelete, ID: raw.O["_id"], TS: raw.TS}, raw.NS, true
	case "c":
		ns, ok := dropTargetNamespace(raw)
		if !ok {
			return livequery.OplogEntry{}, "", false
		}
		return livequery.OplogEntry{DropCollection: true, TS: raw.TS}, ns, true
	default:
		return livequery.OplogEntry{}, "", false
	}
}

// dropTargetNamespace extracts the <db>.<collection> namespace a drop or
// rename command entry affects. A drop command's o is {drop: "<collection>"}
// within raw.NS's own database; a rename command's o is
// {renameCollection: "<db>.<collection>", to: "..."} and already names the
// source namespace in full.
func dropTargetNamespace(raw rawOplogEntry) (string, bool) {
	if coll, ok := raw.O["drop"].(string); ok && coll != "" {
		dbName := raw.NS
		if i := strings.Index(raw.NS, "."); i >= 0 {
			dbName = raw.NS[:i]
		}
		return dbName + "." + coll, true
	}
	if from, ok := raw.O["renameCollection"].(string); ok && from != "" {
		return from, true
	}
	return "", false
}
