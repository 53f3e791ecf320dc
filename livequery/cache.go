package livequery

import (
	"reflect"

	"github.com/juju/errors"
)

// addPublished stores doc (already shared-projected) as published under id
// and emits multiplexer.Added. If the query is limited and this insertion
// overflows it, the largest published document is evicted into the buffer.
// Implements spec.md §4.C's "Cache mutators" addPublished.
func (d *Driver) addPublished(id ID, doc Document) error {
	if d.published.has(id) {
		return errors.Errorf("livequery: addPublished: id %v is already published", id)
	}
	d.published.set(id, doc)
	d.config.Multiplexer.Added(id, d.config.PublishProjection(doc))

	if d.limit <= 0 || d.published.size() <= d.limit {
		return nil
	}
	overflow := d.published.size() - d.limit
	if overflow > 1 {
		return errors.Errorf("livequery: addPublished: published overflowed limit %d by %d", d.limit, overflow)
	}
	evictID, ok := d.published.maxElementID()
	if !ok {
		return errors.Errorf("livequery: addPublished: overflow with no elements to evict")
	}
	if evictID == id {
		return errors.Errorf("livequery: addPublished: evicted id %v is the id just added", id)
	}
	evictDoc, _ := d.published.get(evictID)
	d.published.remove(evictID)
	d.config.Multiplexer.Removed(evictID)
	return errors.Trace(d.addBuffered(evictID, evictDoc))
}

// removePublished removes id from published and emits multiplexer.Removed.
// For limited queries, if the buffer holds a replacement it is promoted.
// The empty-buffer requery path belongs to removeBuffered, not here
// (spec.md §4.C).
func (d *Driver) removePublished(id ID) error {
	if !d.published.has(id) {
		return errors.Errorf("livequery: removePublished: id %v is not published", id)
	}
	d.published.remove(id)
	d.config.Multiplexer.Removed(id)

	if d.limit <= 0 || d.published.size() >= d.limit {
		return nil
	}
	if d.unpublishedBuffer == nil || d.unpublishedBuffer.size() == 0 {
		return nil
	}
	promoteID, ok := d.unpublishedBuffer.minElementID()
	if !ok {
		return nil
	}
	promoteDoc, _ := d.unpublishedBuffer.get(promoteID)
	if err := d.removeBuffered(promoteID); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.addPublished(promoteID, promoteDoc))
}

// changePublished updates the stored doc for a published id and emits
// multiplexer.Changed with the diff of publish-projected fields, if any.
func (d *Driver) changePublished(id ID, oldDoc, newDoc Document) error {
	if !d.published.has(id) {
		return errors.Errorf("livequery: changePublished: id %v is not published", id)
	}
	d.published.set(id, newDoc)
	diff := diffFields(d.config.PublishProjection(oldDoc), d.config.PublishProjection(newDoc))
	if len(diff) > 0 {
		d.config.Multiplexer.Changed(id, diff)
	}
	return nil
}

// addBuffered inserts doc into the unpublished buffer. If this overflows
// the buffer, the largest buffered document is evicted from cache entirely
// and safeAppendToBuffer is cleared (spec.md §4.C).
func (d *Driver) addBuffered(id ID, doc Document) error {
	if d.unpublishedBuffer == nil {
		return errors.Errorf("livequery: addBuffered: unlimited query has no buffer")
	}
	if d.unpublishedBuffer.has(id) {
		return errors.Errorf("livequery: addBuffered: id %v is already buffered", id)
	}
	d.unpublishedBuffer.set(id, doc)
	if d.unpublishedBuffer.size() <= d.limit {
		return nil
	}
	evictID, ok := d.unpublishedBuffer.maxElementID()
	if !ok {
		return errors.Errorf("livequery: addBuffered: overflow with no elements to evict")
	}
	d.unpublishedBuffer.remove(evictID)
	d.safeAppendToBuffer = false
	return nil
}

// removeBuffered removes id from the buffer. If this empties the buffer
// while safeAppendToBuffer is false, invariant 3 requires a repoll, which
// is scheduled here (spec.md §4.C).
func (d *Driver) removeBuffered(id ID) error {
	if d.unpublishedBuffer == nil || !d.unpublishedBuffer.has(id) {
		return errors.Errorf("livequery: removeBuffered: id %v is not buffered", id)
	}
	d.unpublishedBuffer.remove(id)
	if d.unpublishedBuffer.size() == 0 && !d.safeAppendToBuffer {
		d.needToPollQuery()
	}
	return nil
}

// diffFields returns the subset of fields that differ between oldDoc and
// newDoc: added or changed keys map to their new value; keys present in
// oldDoc but absent from newDoc map to nil, matching the convention used
// by Multiplexer.Changed callers for "field removed".
func diffFields(oldDoc, newDoc Fields) Fields {
	diff := Fields{}
	for k, newV := range newDoc {
		oldV, existed := oldDoc[k]
		if !existed || !bsonEqual(oldV, newV) {
			diff[k] = newV
		}
	}
	for k := range oldDoc {
		if _, stillThere := newDoc[k]; !stillThere {
			diff[k] = nil
		}
	}
	return diff
}

// bsonEqual reports whether two projected field values are identical.
// bson.M values decode to plain Go types (maps, slices, scalars), so
// reflect.DeepEqual is sufficient and is the comparison the rest of the
// mgo-based corpus reaches for (e.g. docker/auth.go, seclist.go).
func bsonEqual(a, b interface{}) bool {
	return reflect.DeepEqual(a, b)
}
