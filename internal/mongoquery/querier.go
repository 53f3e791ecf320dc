// Package mongoquery implements livequery.Querier by running mgo/v3 finds
// directly against a collection, grounded on state/watcher.go's use of
// session.Copy() per query and *mgo.Iter as the cursor abstraction.
package mongoquery

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3"
	"github.com/juju/mgo/v3/bson"

	"github.com/joephuz/meteor/livequery"
)

// Querier runs the full-collection queries a Driver's poll loop needs.
type Querier struct {
	session *mgo.Session
	dbName  string
}

// New returns a Querier that runs queries against dbName using copies of
// session.
func New(session *mgo.Session, dbName string) *Querier {
	return &Querier{session: session, dbName: dbName}
}

// Query is part of livequery.Querier. It copies the session so the
// returned Cursor can be iterated concurrently with other work on the
// shared session.
func (q *Querier) Query(desc livequery.CursorDescription, projection bson.D, limit int) (livequery.Cursor, error) {
	session := q.session.Copy()
	coll := session.DB(q.dbName).C(desc.CollectionName)

	query := coll.Find(desc.Selector)
	if len(projection) > 0 {
		query = query.Select(projection)
	}
	if len(desc.Options.Sort) > 0 {
		fields := make([]string, 0, len(desc.Options.Sort))
		for _, s := range desc.Options.Sort {
			name := s.Name
			if asc, ok := s.Value.(int); ok && asc < 0 {
				name = "-" + name
			}
			fields = append(fields, name)
		}
		query = query.Sort(fields...)
	}
	if limit > 0 {
		query = query.Limit(limit)
	}

	return &cursor{session: session, iter: query.Iter()}, nil
}

type cursor struct {
	session *mgo.Session
	iter    *mgo.Iter
}

// Next is part of livequery.Cursor.
func (c *cursor) Next(doc *livequery.Document) bool {
	return c.iter.Next(doc)
}

// Close is part of livequery.Cursor.
func (c *cursor) Close() error {
	err := c.iter.Close()
	c.session.Close()
	return errors.Trace(err)
}
