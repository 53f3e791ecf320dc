package livequery

import (
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
)

// pollQueryResult is what a pollQuery's goroutine hands back to the actor
// loop. generation ties it to the fetchGeneration in effect when the query
// was issued, so a poll superseded by a later repoll is discarded.
type pollQueryResult struct {
	generation uint64
	newResults []fetchResult
	newBuffer  []fetchResult
	err        error
}

// caughtUpResult is what waiting on OplogHandle.WaitUntilCaughtUp hands
// back after a query completes (spec.md §4.G's doneQuerying).
type caughtUpResult struct {
	generation uint64
	err        error
}

// pollLimit is the 2×limit cap spec.md §4.G runs both the initial query
// and every requery with, or 0 (unlimited) for an unlimited query.
func (d *Driver) pollLimit() int {
	if d.limit <= 0 {
		return 0
	}
	return d.limit * 2
}

// runInitialQuery runs once, synchronously, before the actor loop starts
// selecting: the loop goroutine has nothing else to do yet, so blocking on
// cursor iteration here doesn't violate the no-suspend-in-handlers rule.
func (d *Driver) runInitialQuery() error {
	limit := d.pollLimit()
	cur, err := d.config.Querier.Query(d.config.CursorDescription, d.config.CursorDescription.Options.Fields, limit)
	if err != nil {
		return errors.Trace(err)
	}

	fetchedCount := 0
	var doc Document
	for cur.Next(&doc) {
		fetchedCount++
		projected := d.config.SharedProjection(doc)
		if err := d.addMatching(projected["_id"], projected); err != nil {
			cur.Close()
			return errors.Trace(err)
		}
		doc = nil
	}
	if err := cur.Close(); err != nil {
		return errors.Trace(err)
	}

	if d.limit > 0 {
		d.safeAppendToBuffer = fetchedCount < limit
	} else {
		d.safeAppendToBuffer = true
	}

	d.config.Multiplexer.Ready()
	return errors.Trace(d.doneQuerying())
}

// pollQuery resets the fetch bookkeeping, moves to QUERYING, and schedules
// a fresh 2×limit query asynchronously (spec.md §4.G).
func (d *Driver) pollQuery() {
	d.needToFetch = make(map[ID]bson.MongoTimestamp)
	d.currentlyFetching = make(map[ID]bson.MongoTimestamp)
	d.fetchGeneration++
	generation := d.fetchGeneration
	d.setPhase(PhaseQuerying)

	go d.runPollQuery(generation)
}

func (d *Driver) runPollQuery(generation uint64) {
	limit := d.pollLimit()
	cur, err := d.config.Querier.Query(d.config.CursorDescription, d.config.CursorDescription.Options.Fields, limit)
	if err != nil {
		d.sendPollResult(pollQueryResult{generation: generation, err: errors.Trace(err)})
		return
	}

	var newResults, newBuffer []fetchResult
	var doc Document
	for cur.Next(&doc) {
		projected := d.config.SharedProjection(doc)
		item := fetchResult{id: projected["_id"], doc: projected}
		if d.limit > 0 && len(newResults) >= d.limit {
			newBuffer = append(newBuffer, item)
		} else {
			newResults = append(newResults, item)
		}
		doc = nil
	}
	if err := cur.Close(); err != nil {
		d.sendPollResult(pollQueryResult{generation: generation, err: errors.Trace(err)})
		return
	}
	d.sendPollResult(pollQueryResult{generation: generation, newResults: newResults, newBuffer: newBuffer})
}

func (d *Driver) sendPollResult(result pollQueryResult) {
	select {
	case d.pollResults <- result:
	case <-d.catacomb.Dying():
	}
}

// handlePollResult applies a completed poll's results, per spec.md §4.G
// pollQuery step 2-3.
func (d *Driver) handlePollResult(result pollQueryResult) error {
	if result.generation != d.fetchGeneration {
		return nil
	}
	if result.err != nil {
		return errors.Trace(result.err)
	}
	if err := d.publishNewResults(result.newResults, result.newBuffer); err != nil {
		return errors.Trace(err)
	}
	return errors.Trace(d.doneQuerying())
}

// publishNewResults reconciles the cache against a fresh query result,
// exactly as spec.md §4.G describes: clear the buffer, drop published ids
// absent from newResults, reclassify every surviving or newly-matching id,
// then repopulate the buffer.
func (d *Driver) publishNewResults(newResults, newBuffer []fetchResult) error {
	if d.limit > 0 && d.unpublishedBuffer != nil {
		d.unpublishedBuffer.clear()
	}

	inNewResults := make(map[ID]bool, len(newResults))
	for _, r := range newResults {
		inNewResults[r.id] = true
	}
	var stale []ID
	d.published.forEach(func(id ID, _ Document) {
		if !inNewResults[id] {
			stale = append(stale, id)
		}
	})
	for _, id := range stale {
		if err := d.removePublished(id); err != nil {
			return errors.Trace(err)
		}
	}

	for _, r := range newResults {
		if err := d.handleDoc(r.id, r.doc); err != nil {
			return errors.Trace(err)
		}
	}

	if d.published.size() != len(newResults) {
		return errors.Errorf("livequery: publishNewResults: published has %d elements, want %d", d.published.size(), len(newResults))
	}
	for _, r := range newResults {
		if !d.published.has(r.id) {
			return errors.Errorf("livequery: publishNewResults: id %v missing from published set after reconciliation", r.id)
		}
	}

	for _, r := range newBuffer {
		if err := d.addBuffered(r.id, r.doc); err != nil {
			return errors.Trace(err)
		}
	}
	if d.limit > 0 {
		d.safeAppendToBuffer = len(newBuffer) < d.limit
	} else {
		d.safeAppendToBuffer = true
	}
	return nil
}

// needToPollQuery schedules a requery: immediately if we're not already
// mid-query, or deferred until the in-flight one finishes.
func (d *Driver) needToPollQuery() {
	if d.phase != PhaseQuerying {
		d.pollQuery()
		return
	}
	d.requeryWhenDoneThis = true
}

// doneQuerying waits for the oplog tailer to drain everything it observed
// up to this point before deciding the next phase (spec.md §4.G). The wait
// suspends, so it always runs off the actor goroutine.
func (d *Driver) doneQuerying() error {
	generation := d.fetchGeneration
	go d.waitCaughtUp(generation)
	return nil
}

func (d *Driver) waitCaughtUp(generation uint64) {
	err := d.config.OplogHandle.WaitUntilCaughtUp()
	select {
	case d.caughtUp <- caughtUpResult{generation: generation, err: err}:
	case <-d.catacomb.Dying():
	}
}

// handleCaughtUp is doneQuerying's continuation once the oplog wait
// resolves: repoll again if one was requested in the meantime, otherwise
// go steady or start resolving ambiguous fetches.
func (d *Driver) handleCaughtUp(result caughtUpResult) error {
	if result.generation != d.fetchGeneration {
		return nil
	}
	if result.err != nil {
		return errors.Trace(result.err)
	}
	if d.requeryWhenDoneThis {
		d.requeryWhenDoneThis = false
		d.pollQuery()
		return nil
	}
	if len(d.needToFetch) == 0 {
		d.setPhase(PhaseSteady)
		return nil
	}
	d.fetchModifiedDocuments()
	return nil
}

// fetchModifiedDocuments transitions QUERYING → FETCHING and kicks off the
// fetch loop for whatever accumulated in needToFetch during the query.
func (d *Driver) fetchModifiedDocuments() {
	d.setPhase(PhaseFetching)
	d.startFetchLoop()
}
