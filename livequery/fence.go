package livequery

// CaptureWrite is called by the collection driver when a write occurs under
// an outer write fence (spec.md §4.H). token must have come from
// config.WriteFence.BeginWrite(). It waits for the oplog to catch up to the
// write on a fresh goroutine (a suspension point) before handing the token
// to the actor loop for release.
func (d *Driver) CaptureWrite(token WriteToken) {
	go func() {
		if err := d.config.OplogHandle.WaitUntilCaughtUp(); err != nil {
			d.config.Logger.Warningf("livequery: wait for oplog catch-up before committing write: %v", err)
		}
		select {
		case d.writeBegins <- token:
		case <-d.catacomb.Dying():
			token.Committed()
		}
	}()
}

// handleWriteBegin runs on the actor loop once a captured write's wait for
// catch-up resolves: commit immediately if already stopped or already
// steady, otherwise queue it for beSteady to release later.
func (d *Driver) handleWriteBegin(token WriteToken) {
	if d.stopped {
		token.Committed()
		return
	}
	if d.phase == PhaseSteady {
		d.config.Multiplexer.OnFlush(token.Committed)
		return
	}
	d.pendingWriteTokens = append(d.pendingWriteTokens, token)
}

// beSteady is the STEADY phase entry action: take the pending write-fence
// tokens, clear them, and register a single multiplexer.onFlush that
// commits all of them at once. This guarantees a write is acknowledged
// only after every subscriber has observed it.
func (d *Driver) beSteady() {
	pending := d.pendingWriteTokens
	d.pendingWriteTokens = nil
	if len(pending) == 0 {
		return
	}
	d.config.Multiplexer.OnFlush(func() {
		for _, tok := range pending {
			tok.Committed()
		}
	})
}

// commitAllPendingWrites is called once, on the way out of loop, per
// spec.md §5's "Cancellation" note: stop() immediately commits any
// captured write tokens because the multiplexer is already tearing down.
func (d *Driver) commitAllPendingWrites() {
	pending := d.pendingWriteTokens
	d.pendingWriteTokens = nil
	for _, tok := range pending {
		tok.Committed()
	}
}
