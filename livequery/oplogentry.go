package livequery

import (
	"strings"

	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// handleOplogEntry runs synchronously on the actor loop and must never
// suspend; anything that needs to (a fetch) is enqueued into needToFetch
// and picked up by the fetch loop instead (spec.md §4.E).
func (d *Driver) handleOplogEntry(entry OplogEntry) error {
	if entry.DropCollection {
		d.needToPollQuery()
		return nil
	}

	if d.phase == PhaseQuerying {
		d.needToFetch[entry.ID] = entry.TS
		return nil
	}

	if d.bumpIfAlreadyPending(entry.ID, entry.TS) {
		return nil
	}

	switch entry.Op {
	case OpDelete:
		if d.isCached(entry.ID) {
			return errors.Trace(d.removeMatching(entry.ID))
		}
		return nil

	case OpInsert:
		if d.isCached(entry.ID) {
			return errors.Errorf("livequery: handleOplogEntry: insert of already-cached id %v", entry.ID)
		}
		if d.config.Matcher.DocumentMatches(entry.O) {
			inserted := bson.M{"_id": entry.ID}
			for k, v := range entry.O {
				inserted[k] = v
			}
			return errors.Trace(d.addMatching(entry.ID, d.config.SharedProjection(inserted)))
		}
		return nil

	case OpUpdate:
		return errors.Trace(d.handleUpdate(entry))

	default:
		return errors.Errorf("livequery: handleOplogEntry: unsupported op %q", entry.Op)
	}
}

// handleUpdate implements the three-way split of spec.md §4.E's update
// handling: apply a full replacement directly, apply a local modifier
// against a cached copy directly, or fall back to a refetch.
func (d *Driver) handleUpdate(entry OplogEntry) error {
	if !isModifier(entry.O) {
		replacement := bson.M{"_id": entry.ID}
		for k, v := range entry.O {
			replacement[k] = v
		}
		return errors.Trace(d.handleDoc(entry.ID, d.config.SharedProjection(replacement)))
	}

	if CanApplyModifierLocally(entry.O) {
		if cached, ok := d.cachedDoc(entry.ID); ok {
			updated, err := d.config.ModifierApplier.Apply(cached, entry.O)
			if err != nil {
				return errors.Trace(d.forceRefetch(entry))
			}
			return errors.Trace(d.handleDoc(entry.ID, d.config.SharedProjection(updated)))
		}
	}

	if d.config.Matcher.CanBecomeTrueByModifier(entry.O) || !CanApplyModifierLocally(entry.O) {
		return errors.Trace(d.forceRefetch(entry))
	}
	return nil
}

func (d *Driver) forceRefetch(entry OplogEntry) error {
	d.needToFetch[entry.ID] = entry.TS
	if d.phase == PhaseSteady {
		d.setPhase(PhaseFetching)
		d.startFetchLoop()
	}
	return nil
}

// bumpIfAlreadyPending reports whether id is already queued for or in the
// middle of a fetch; if so no further optimization is possible once a
// refetch is already committed, and this entry's timestamp must still
// reach needToFetch so the id gets refetched again. currentlyFetching is
// immutable for the duration of the in-flight batch (fetch.go's
// startFetchLoop snapshots it), so an id found there can't be bumped in
// place: the in-flight fetch result is already stale, and the only way to
// see this write is to queue it for the next batch.
func (d *Driver) bumpIfAlreadyPending(id ID, ts bson.MongoTimestamp) bool {
	if _, ok := d.needToFetch[id]; ok {
		d.needToFetch[id] = ts
		return true
	}
	if _, ok := d.currentlyFetching[id]; ok {
		d.needToFetch[id] = ts
		return true
	}
	return false
}

func (d *Driver) isCached(id ID) bool {
	return d.published.has(id) || (d.unpublishedBuffer != nil && d.unpublishedBuffer.has(id))
}

func (d *Driver) cachedDoc(id ID) (Document, bool) {
	if doc, ok := d.published.get(id); ok {
		return doc, true
	}
	if d.unpublishedBuffer != nil {
		if doc, ok := d.unpublishedBuffer.get(id); ok {
			return doc, true
		}
	}
	return nil, false
}

func isModifier(o bson.M) bool {
	for k := range o {
		if strings.HasPrefix(k, "$") {
			return true
		}
	}
	return false
}
