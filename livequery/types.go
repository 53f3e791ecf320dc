// Package livequery implements a driver that keeps a client-visible query
// result set continuously synchronized with a MongoDB collection by tailing
// its oplog, emitting a monotonic added/changed/removed callback stream.
package livequery

import (
	"time"

	"github.com/juju/mgo/v3/bson"
)

// ID is a document's _id, as stored: an ObjectId, a string, an int, or any
// other comparable value mgo can round-trip.
type ID = interface{}

// Document is an opaque map keyed by "_id" plus whatever fields the shared
// projection retained.
type Document = bson.M

// Fields is a publish-projected document, or a diff between two of them.
type Fields = bson.M

// CursorOptions mirrors the options a Mongo find() accepts, restricted to
// what the driver can serve from the oplog.
type CursorOptions struct {
	Sort   bson.D
	Limit  int
	Skip   int
	Fields bson.D

	// Transform, when set, is applied by the caller after projection; the
	// driver never calls it, and neither the driver nor CanUseOplogForQuery
	// inspects it.
	Transform func(Document) interface{}

	// DisableOplog corresponds to the cursor option `_disableOplog`.
	DisableOplog bool
}

// CursorDescription is an immutable description of the query being observed.
type CursorDescription struct {
	CollectionName string
	Selector       bson.D
	Options        CursorOptions
}

// Comparator orders two documents the same way the cursor's sort would.
// It returns a negative number if a sorts before b, zero if equal, and a
// positive number if a sorts after b.
type Comparator func(a, b Document) int

// Matcher is a precompiled selector predicate. Implementations are supplied
// by the selector/matcher engine, which is out of scope for this package.
type Matcher interface {
	// DocumentMatches reports whether doc satisfies the selector.
	DocumentMatches(doc Document) bool

	// CanBecomeTrueByModifier reports whether applying mod to some
	// document that currently doesn't match could make it match.
	CanBecomeTrueByModifier(mod bson.M) bool

	// HasWhere reports whether the selector uses a $where clause.
	HasWhere() bool

	// HasGeoQuery reports whether the selector uses a geo predicate.
	HasGeoQuery() bool
}

// Projector maps a full document down to a projected view (either the
// publish projection or the shared projection).
type Projector func(Document) Document

// OplogEntry is the shape of a single operation-log record, as consumed by
// the driver's oplog entry handler (spec.md §4.E, §6).
type OplogEntry struct {
	// Op is one of 'i' (insert), 'u' (update), 'd' (delete).
	Op byte

	// ID is the affected document's _id.
	ID ID

	// O is the insert payload, the update modifier, or the full
	// replacement document, depending on Op.
	O bson.M

	// TS is the entry's timestamp; used verbatim as the DocFetcher cache
	// key so a fetch can detect it raced a more recent write.
	TS bson.MongoTimestamp

	// DropCollection is set on a synthetic notification meaning the whole
	// collection was dropped or renamed away.
	DropCollection bool
}

const (
	// OpInsert marks an OplogEntry as an insert.
	OpInsert byte = 'i'
	// OpUpdate marks an OplogEntry as an update (replacement or modifier).
	OpUpdate byte = 'u'
	// OpDelete marks an OplogEntry as a delete.
	OpDelete byte = 'd'
)

// OplogHandle is the live feed of oplog entries matching a filter, and the
// means to wait for the tailer to have drained everything observed so far.
// A concrete implementation lives in internal/oplogtail.
type OplogHandle interface {
	// OnOplogEntry registers cb to be called, on the caller's own
	// goroutine, for every entry matching filter. It returns a handle
	// that stops the subscription when its Stop method is called.
	OnOplogEntry(filter OplogFilter, cb func(OplogEntry)) OplogSubscription

	// WaitUntilCaughtUp blocks until every oplog entry observed by the
	// tailer at the time of the call has been delivered to subscribers.
	WaitUntilCaughtUp() error
}

// OplogFilter narrows an OplogHandle subscription to one collection.
type OplogFilter struct {
	CollectionName string
}

// OplogSubscription is returned by OplogHandle.OnOplogEntry.
type OplogSubscription interface {
	Stop()
}

// CacheKey is opaque state a DocFetcher uses to detect a stale result; the
// driver always passes the OplogEntry.TS that triggered the fetch.
type CacheKey = bson.MongoTimestamp

// DocFetcher performs an asynchronous point lookup by id. Fetch never
// invokes cb synchronously; it always defers to another goroutine.
type DocFetcher interface {
	Fetch(collection string, id ID, cacheKey CacheKey, cb func(doc Document, err error))
}

// Multiplexer fans added/changed/removed callbacks out to subscribers and
// offers ordered flush notifications. A concrete implementation lives in
// internal/multiplex.
type Multiplexer interface {
	Added(id ID, fields Fields)
	Changed(id ID, fields Fields)
	Removed(id ID)
	Ready()
	OnFlush(cb func())
}

// WriteToken is returned by WriteFence.BeginWrite; Committed must be called
// exactly once.
type WriteToken interface {
	Committed()
}

// WriteFence coordinates delaying a write acknowledgement until every live
// subscriber has observed its effect.
type WriteFence interface {
	BeginWrite() WriteToken
}

// PhaseMetrics receives the phase-controller's counters (spec.md §4.A,
// §6). A concrete implementation lives in internal/metrics.
type PhaseMetrics interface {
	ObservePhaseDuration(phase Phase, d time.Duration)
	ObserveOplogEntry(op byte)
}

// ModifierApplier applies an update modifier to a document, returning the
// new document. The oplog entry handler (oplogentry.go) only calls it for
// modifiers that pass CanApplyModifierLocally, so custom-type-encoded fields
// (matching the EJSON$ marker pattern) never reach it from there. This is a
// sibling capability to the selector/matcher engine
// and, like it, is treated as external per spec.md's non-goals.
type ModifierApplier interface {
	Apply(doc Document, mod bson.M) (Document, error)
}

// Logger is the subset of a loggo.Logger the driver needs. A *loggo.Logger
// satisfies this directly.
type Logger interface {
	Debugf(string, ...interface{})
	Infof(string, ...interface{})
	Warningf(string, ...interface{})
	Tracef(string, ...interface{})
}

// Querier runs the full collection queries the poll loop needs
// (spec.md §4.G). A concrete implementation lives in internal/mongoquery.
type Querier interface {
	Query(desc CursorDescription, projection bson.D, limit int) (Cursor, error)
}

// Cursor iterates query results one shared-projection document at a time.
type Cursor interface {
	Next(doc *Document) bool
	Close() error
}

// ejsonFieldPrefix marks a field name as a custom-type encoding
// (spec.md §6): modifiers that touch such fields can never be applied
// locally and force a refetch.
const ejsonFieldPrefix = "EJSON$"
