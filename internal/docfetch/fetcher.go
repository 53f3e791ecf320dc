// Package docfetch implements livequery.DocFetcher with point lookups
// against mgo/v3, grounded on the session-copy-per-request pattern used
// throughout the state package (each fetch takes its own copied session so
// concurrent fetches don't contend on one socket) and on state/unit.go's
// use of retry.Call to ride out a transient socket error instead of
// failing the whole fetch batch.
package docfetch

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/mgo/v3"
	"github.com/juju/retry"

	"github.com/joephuz/meteor/livequery"
)

// Fetcher performs async point lookups by id against a database.
type Fetcher struct {
	session *mgo.Session
	dbName  string
	clock   clock.Clock
	logger  Logger
}

// Logger is the subset of loggo.Logger the fetcher needs.
type Logger interface {
	Warningf(string, ...interface{})
}

// New returns a Fetcher that queries the named database using copies of
// session.
func New(session *mgo.Session, dbName string, clk clock.Clock, logger Logger) *Fetcher {
	return &Fetcher{session: session, dbName: dbName, clock: clk, logger: logger}
}

// Fetch is part of livequery.DocFetcher. It always resolves on a fresh
// goroutine, never synchronously, retrying a handful of times on a
// transient (non-ErrNotFound) error before giving up.
func (f *Fetcher) Fetch(collection string, id livequery.ID, cacheKey livequery.CacheKey, cb func(doc livequery.Document, err error)) {
	go func() {
		session := f.session.Copy()
		defer session.Close()

		var doc livequery.Document
		var notFound bool
		err := retry.Call(retry.CallArgs{
			Attempts: 3,
			Delay:    50 * time.Millisecond,
			Clock:    f.clock,
			Func: func() error {
				doc = nil
				err := session.DB(f.dbName).C(collection).FindId(id).One(&doc)
				if err == mgo.ErrNotFound {
					notFound = true
					return nil
				}
				return err
			},
			NotifyFunc: func(err error, attempt int) {
				f.logger.Warningf("docfetch: fetch %s/%v failed (attempt %d): %v", collection, id, attempt, err)
			},
		})
		if err != nil {
			cb(nil, err)
			return
		}
		if notFound {
			cb(nil, nil)
			return
		}
		cb(doc, nil)
	}()
}
