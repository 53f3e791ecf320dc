package livequery

import (
	"time"

	"github.com/juju/clock"
	"github.com/juju/errors"
	"github.com/juju/mgo/v3/bson"
	"github.com/juju/worker/v4/catacomb"
)

// Config holds everything a Driver needs to observe a query. Every
// collaborator is injected, following state/watcher.TxnWatcherConfig and
// worker/secretexpire.Config.
type Config struct {
	CursorDescription CursorDescription
	Matcher           Matcher
	Comparator        Comparator
	PublishProjection Projector
	SharedProjection  Projector

	OplogHandle     OplogHandle
	DocFetcher      DocFetcher
	Multiplexer     Multiplexer
	WriteFence      WriteFence
	Querier         Querier
	ModifierApplier ModifierApplier
	Metrics         PhaseMetrics
	Logger          Logger
	Clock           clock.Clock

	// FetchTimeout, if non-zero, forces a repoll if a single fetch batch
	// doesn't drain within the given duration. See SPEC_FULL.md's open
	// question decision 1.
	FetchTimeout time.Duration
}

// Validate returns an error if config cannot drive a Driver.
func (config Config) Validate() error {
	if config.Matcher == nil {
		return errors.NotValidf("nil Matcher")
	}
	if config.Comparator == nil {
		return errors.NotValidf("nil Comparator")
	}
	if config.PublishProjection == nil {
		return errors.NotValidf("nil PublishProjection")
	}
	if config.SharedProjection == nil {
		return errors.NotValidf("nil SharedProjection")
	}
	if config.OplogHandle == nil {
		return errors.NotValidf("nil OplogHandle")
	}
	if config.DocFetcher == nil {
		return errors.NotValidf("nil DocFetcher")
	}
	if config.Multiplexer == nil {
		return errors.NotValidf("nil Multiplexer")
	}
	if config.WriteFence == nil {
		return errors.NotValidf("nil WriteFence")
	}
	if config.Querier == nil {
		return errors.NotValidf("nil Querier")
	}
	if config.ModifierApplier == nil {
		return errors.NotValidf("nil ModifierApplier")
	}
	if config.Metrics == nil {
		return errors.NotValidf("nil Metrics")
	}
	if config.Logger == nil {
		return errors.NotValidf("nil Logger")
	}
	if config.Clock == nil {
		return errors.NotValidf("nil Clock")
	}
	if config.CursorDescription.Options.Skip > 0 {
		return errors.NotSupportedf("skip > 0")
	}
	if config.CursorDescription.Options.Limit > 0 && len(config.CursorDescription.Options.Sort) == 0 {
		return errors.NotSupportedf("limit without sort")
	}
	return nil
}

// Driver is a single-goroutine actor that keeps a query's result set
// synchronized with a collection by tailing the oplog. All of its state is
// owned exclusively by the loop goroutine; every exported method either
// sends on a channel the loop reads, or is safe to call from any goroutine
// per its own doc comment.
type Driver struct {
	catacomb catacomb.Catacomb
	config   Config
	limit    int

	// oplogEntries carries entries handed off from the OplogHandle
	// subscription; the callback that feeds it must never block for long,
	// so the channel is unbuffered and the loop drains it promptly.
	oplogEntries  chan OplogEntry
	fetchResults  chan fetchBatchResult
	pollResults   chan pollQueryResult
	caughtUp      chan caughtUpResult
	writeBegins   chan WriteToken
	reportReqs    chan chan map[string]interface{}
	fetchTimeouts chan uint64

	oplogSub OplogSubscription

	// --- state owned by loop(), per spec.md §3 "Driver state" ---
	phase               Phase
	phaseStartTime      time.Time
	published           *idHeap
	unpublishedBuffer   *idHeap
	safeAppendToBuffer  bool
	needToFetch         map[ID]bson.MongoTimestamp
	currentlyFetching   map[ID]bson.MongoTimestamp
	fetchGeneration     uint64
	requeryWhenDoneThis bool
	pendingWriteTokens  []WriteToken
	stopped             bool
}

// New validates config and starts a Driver observing it. The oplog usage
// admissibility check (CanUseOplogForQuery) must have already been done by
// the caller; New does not repeat it.
func New(config Config) (*Driver, error) {
	if err := config.Validate(); err != nil {
		return nil, errors.Annotate(err, "new livequery.Driver invalid config")
	}
	d := &Driver{
		config:            config,
		limit:             config.CursorDescription.Options.Limit,
		oplogEntries:      make(chan OplogEntry),
		fetchResults:      make(chan fetchBatchResult),
		pollResults:       make(chan pollQueryResult),
		caughtUp:          make(chan caughtUpResult),
		writeBegins:       make(chan WriteToken),
		reportReqs:        make(chan chan map[string]interface{}),
		fetchTimeouts:     make(chan uint64),
		phase:             PhaseQuerying,
		needToFetch:       make(map[ID]bson.MongoTimestamp),
		currentlyFetching: make(map[ID]bson.MongoTimestamp),
	}
	d.published = newIDHeap(config.Comparator)
	if d.limit > 0 {
		d.unpublishedBuffer = newIDHeap(config.Comparator)
	}
	// Nothing has been dropped yet, so it's safe to append into the buffer
	// until runInitialQuery proves otherwise.
	d.safeAppendToBuffer = true
	d.phaseStartTime = config.Clock.Now()

	filter := OplogFilter{CollectionName: config.CursorDescription.CollectionName}
	d.oplogSub = config.OplogHandle.OnOplogEntry(filter, func(e OplogEntry) {
		select {
		case d.oplogEntries <- e:
		case <-d.catacomb.Dying():
		}
	})

	err := catacomb.Invoke(catacomb.Plan{
		Site: &d.catacomb,
		Work: d.loop,
	})
	if err != nil {
		d.oplogSub.Stop()
		return nil, errors.Trace(err)
	}
	return d, nil
}

// Kill is part of the worker.Worker interface.
func (d *Driver) Kill() {
	d.catacomb.Kill(nil)
}

// Wait is part of the worker.Worker interface.
func (d *Driver) Wait() error {
	return d.catacomb.Wait()
}

// Stop kills the driver and waits for it to finish. It is idempotent: a
// second call observes the same terminal error.
func (d *Driver) Stop() error {
	d.Kill()
	return d.Wait()
}

// Report exposes runtime diagnostics, mirroring
// state/watcher.TxnWatcher.Report.
func (d *Driver) Report() map[string]interface{} {
	resCh := make(chan map[string]interface{})
	select {
	case <-d.catacomb.Dying():
		return nil
	case d.reportReqs <- resCh:
	}
	select {
	case <-d.catacomb.Dying():
		return nil
	case res := <-resCh:
		return res
	}
}

func (d *Driver) loop() error {
	defer d.oplogSub.Stop()
	defer d.commitAllPendingWrites()

	if err := d.runInitialQuery(); err != nil {
		return errors.Trace(err)
	}

	for {
		select {
		case <-d.catacomb.Dying():
			d.stopped = true
			return d.catacomb.ErrDying()

		case entry := <-d.oplogEntries:
			d.config.Metrics.ObserveOplogEntry(entry.Op)
			if err := d.handleOplogEntry(entry); err != nil {
				return errors.Trace(err)
			}

		case batch := <-d.fetchResults:
			if err := d.handleFetchBatch(batch); err != nil {
				return errors.Trace(err)
			}

		case result := <-d.pollResults:
			if err := d.handlePollResult(result); err != nil {
				return errors.Trace(err)
			}

		case result := <-d.caughtUp:
			if err := d.handleCaughtUp(result); err != nil {
				return errors.Trace(err)
			}

		case token := <-d.writeBegins:
			d.handleWriteBegin(token)

		case generation := <-d.fetchTimeouts:
			d.handleFetchTimeout(generation)

		case resCh := <-d.reportReqs:
			report := d.buildReport()
			select {
			case resCh <- report:
			case <-d.catacomb.Dying():
				d.stopped = true
				return d.catacomb.ErrDying()
			}
		}
	}
}

func (d *Driver) buildReport() map[string]interface{} {
	return map[string]interface{}{
		"phase":                d.phase.String(),
		"published-size":       d.published.size(),
		"buffer-size":          bufferSize(d.unpublishedBuffer),
		"need-to-fetch":        len(d.needToFetch),
		"currently-fetching":   len(d.currentlyFetching),
		"fetch-generation":     d.fetchGeneration,
		"safe-append":          d.safeAppendToBuffer,
		"pending-write-tokens": len(d.pendingWriteTokens),
	}
}

func bufferSize(h *idHeap) int {
	if h == nil {
		return 0
	}
	return h.size()
}
