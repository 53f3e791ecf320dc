package livequery

import "github.com/juju/errors"

// handleDoc reclassifies id after a fetch or a locally-applied direct
// update. newDoc is the shared-projection document as it now stands, or
// nil if the document is known to be gone (deleted, or dropped from the
// projection). This is spec.md §4.D's four-row table.
func (d *Driver) handleDoc(id ID, newDoc Document) error {
	matchesNow := newDoc != nil && d.config.Matcher.DocumentMatches(newDoc)
	publishedBefore := d.published.has(id)
	bufferedBefore := d.unpublishedBuffer != nil && d.unpublishedBuffer.has(id)
	cachedBefore := publishedBefore || bufferedBefore

	switch {
	case matchesNow && !cachedBefore:
		return errors.Trace(d.addMatching(id, newDoc))
	case !matchesNow && cachedBefore:
		return errors.Trace(d.removeMatching(id))
	case !matchesNow && !cachedBefore:
		return nil
	case publishedBefore:
		return errors.Trace(d.reclassifyPublished(id, newDoc))
	default:
		return errors.Trace(d.reclassifyBuffered(id, newDoc))
	}
}

// reclassifyPublished handles the "T | T, publishedBefore" row: newDoc
// stays published if it still sorts ahead of the buffer's best candidate;
// otherwise it's evicted to make room, and either re-buffered or dropped.
func (d *Driver) reclassifyPublished(id ID, newDoc Document) error {
	oldDoc, _ := d.published.get(id)

	minBuffered, haveMinBuffered := d.bufferExtreme((*idHeap).minElementID)
	if d.limit <= 0 || !haveMinBuffered || d.config.Comparator(newDoc, minBuffered) <= 0 {
		return errors.Trace(d.changePublished(id, oldDoc, newDoc))
	}

	if err := d.removePublished(id); err != nil {
		return errors.Trace(err)
	}

	maxBuffered, haveMaxBuffered := d.bufferExtreme((*idHeap).maxElementID)
	if d.safeAppendToBuffer || (haveMaxBuffered && d.config.Comparator(newDoc, maxBuffered) <= 0) {
		return errors.Trace(d.addBuffered(id, newDoc))
	}
	d.safeAppendToBuffer = false
	return nil
}

// reclassifyBuffered handles the "T | T, bufferedBefore" row: newDoc is
// pulled out of the buffer, then either promoted to published, re-buffered,
// or dropped.
func (d *Driver) reclassifyBuffered(id ID, newDoc Document) error {
	d.unpublishedBuffer.remove(id)

	maxPublished, havePublished := d.publishedExtreme()
	if havePublished && d.config.Comparator(newDoc, maxPublished) < 0 {
		return errors.Trace(d.addPublished(id, newDoc))
	}

	maxBuffered, haveMaxBuffered := d.bufferExtreme((*idHeap).maxElementID)
	if d.safeAppendToBuffer || (haveMaxBuffered && d.config.Comparator(newDoc, maxBuffered) <= 0) {
		return errors.Trace(d.addBuffered(id, newDoc))
	}

	d.safeAppendToBuffer = false
	if d.unpublishedBuffer.size() == 0 {
		d.needToPollQuery()
	}
	return nil
}

// bufferExtreme reads an extreme element (min or max, chosen by which) out
// of the buffer without going through removeBuffered's side effects.
func (d *Driver) bufferExtreme(which func(*idHeap) (ID, bool)) (Document, bool) {
	if d.unpublishedBuffer == nil {
		return nil, false
	}
	id, ok := which(d.unpublishedBuffer)
	if !ok {
		return nil, false
	}
	doc, _ := d.unpublishedBuffer.get(id)
	return doc, true
}

func (d *Driver) publishedExtreme() (Document, bool) {
	id, ok := d.published.maxElementID()
	if !ok {
		return nil, false
	}
	doc, _ := d.published.get(id)
	return doc, true
}
