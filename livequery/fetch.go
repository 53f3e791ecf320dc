package livequery

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// fetchResult is one resolved point lookup within a batch.
type fetchResult struct {
	id  ID
	doc Document
}

// fetchBatchResult is what a fetch batch's goroutine hands back to the
// actor loop over Driver.fetchResults. generation ties it to the
// needToFetch/currentlyFetching snapshot it was issued against, so a
// batch superseded by a repoll is discarded rather than applied
// (spec.md §4.F step 6, invariant 6).
type fetchBatchResult struct {
	generation uint64
	results    []fetchResult
	err        error
}

// startFetchLoop captures the current needToFetch set as a new generation
// and issues it as a concurrent fetch batch. It is a no-op if there's
// nothing to fetch, or if a concurrent repoll has already moved the phase
// away from FETCHING (spec.md §4.F step 1).
func (d *Driver) startFetchLoop() {
	if d.phase != PhaseFetching {
		return
	}
	if len(d.needToFetch) == 0 {
		return
	}

	batch := d.needToFetch
	d.needToFetch = make(map[ID]bson.MongoTimestamp)
	for id, ts := range batch {
		d.currentlyFetching[id] = ts
	}
	d.fetchGeneration++
	generation := d.fetchGeneration

	go d.runFetchBatch(generation, batch)

	if d.config.FetchTimeout > 0 {
		generation := generation
		go func() {
			select {
			case <-d.config.Clock.After(d.config.FetchTimeout):
				select {
				case d.fetchTimeouts <- generation:
				case <-d.catacomb.Dying():
				}
			case <-d.catacomb.Dying():
			}
		}()
	}
}

// handleFetchTimeout implements SPEC_FULL.md's open question decision 1:
// a batch that hasn't drained within Config.FetchTimeout forces a full
// requery rather than waiting indefinitely on a slow or wedged fetch.
func (d *Driver) handleFetchTimeout(generation uint64) {
	if generation != d.fetchGeneration {
		return
	}
	if d.phase != PhaseFetching {
		return
	}
	d.needToPollQuery()
}

// runFetchBatch issues one Fetch per (id, cacheKey) concurrently, waits for
// all of them, and reports the outcome back to the actor loop. It never
// touches Driver state directly; that's handleFetchBatch's job.
func (d *Driver) runFetchBatch(generation uint64, batch map[ID]bson.MongoTimestamp) {
	type rawResult struct {
		id  ID
		doc Document
		err error
	}
	rawResults := make(chan rawResult, len(batch))
	for id, ts := range batch {
		id, ts := id, ts
		d.config.DocFetcher.Fetch(d.config.CursorDescription.CollectionName, id, ts, func(doc Document, err error) {
			rawResults <- rawResult{id: id, doc: doc, err: err}
		})
	}

	results := make([]fetchResult, 0, len(batch))
	var firstErr error
	for i := 0; i < len(batch); i++ {
		r := <-rawResults
		if r.err != nil {
			if firstErr == nil {
				firstErr = errors.Trace(r.err)
			}
			continue
		}
		results = append(results, fetchResult{id: r.id, doc: r.doc})
	}

	batchResult := fetchBatchResult{generation: generation, results: results, err: firstErr}
	select {
	case d.fetchResults <- batchResult:
	case <-d.catacomb.Dying():
	}
}

// handleFetchBatch applies a completed fetch batch to the caches and
// decides whether another batch is needed or the driver has drained into
// STEADY (spec.md §4.F steps 2–7).
func (d *Driver) handleFetchBatch(batch fetchBatchResult) error {
	if batch.generation != d.fetchGeneration {
		// Superseded by a repoll; the repoll already reset our state.
		return nil
	}
	if batch.err != nil {
		return errors.Trace(batch.err)
	}
	if d.phase != PhaseFetching {
		return nil
	}

	for _, r := range batch.results {
		delete(d.currentlyFetching, r.id)
		doc := r.doc
		if doc != nil {
			doc = d.config.SharedProjection(doc)
		}
		if err := d.handleDoc(r.id, doc); err != nil {
			return errors.Trace(err)
		}
	}

	if len(d.needToFetch) > 0 {
		d.startFetchLoop()
		return nil
	}
	if d.phase == PhaseFetching {
		d.setPhase(PhaseSteady)
	}
	return nil
}
