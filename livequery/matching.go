package livequery

import "github.com/juju/errors"

// addMatching is called when doc is newly known to satisfy the selector.
// It classifies doc against limit, the max of published, and the max of
// buffer, per spec.md §4.C:
//   - publish if unlimited, published isn't full, or doc sorts ahead of
//     the current worst published element;
//   - else buffer if the buffer is known-complete and has room, or doc
//     sorts no worse than the buffer's current worst element;
//   - else drop, and clear safeAppendToBuffer since a matching document is
//     now missing from cache.
func (d *Driver) addMatching(id ID, doc Document) error {
	if d.limit <= 0 || d.published.size() < d.limit {
		return errors.Trace(d.addPublished(id, doc))
	}

	maxPublishedID, ok := d.published.maxElementID()
	if !ok {
		return errors.Errorf("livequery: addMatching: full published set has no max element")
	}
	maxPublishedDoc, _ := d.published.get(maxPublishedID)
	if d.config.Comparator(doc, maxPublishedDoc) < 0 {
		return errors.Trace(d.addPublished(id, doc))
	}

	bufferSize, maxBufferedDoc, haveMaxBuffered := 0, Document(nil), false
	if d.unpublishedBuffer != nil {
		bufferSize = d.unpublishedBuffer.size()
		if maxBufferedID, ok := d.unpublishedBuffer.maxElementID(); ok {
			maxBufferedDoc, _ = d.unpublishedBuffer.get(maxBufferedID)
			haveMaxBuffered = true
		}
	}

	canAppend := d.safeAppendToBuffer && bufferSize < d.limit
	fitsBeforeWorstBuffered := haveMaxBuffered && d.config.Comparator(doc, maxBufferedDoc) <= 0
	if canAppend || fitsBeforeWorstBuffered {
		return errors.Trace(d.addBuffered(id, doc))
	}

	d.safeAppendToBuffer = false
	return nil
}

// removeMatching is called when doc (previously known to match) no longer
// satisfies the selector, or has been deleted. cachedBefore is always true
// for a caller that reached this point, so id must be in published or the
// buffer (spec.md §4.C, §4.D's "F | T" row).
func (d *Driver) removeMatching(id ID) error {
	if d.published.has(id) {
		return errors.Trace(d.removePublished(id))
	}
	if d.unpublishedBuffer != nil && d.unpublishedBuffer.has(id) {
		return errors.Trace(d.removeBuffered(id))
	}
	return errors.Errorf("livequery: removeMatching: id %v was cached but is in neither published nor buffer", id)
}
