package livequery

// Phase is one of the driver's three states (spec.md §4.A).
type Phase int

const (
	// PhaseQuerying means a full collection query is in flight.
	PhaseQuerying Phase = iota
	// PhaseFetching means the driver is resolving ambiguous updates by id.
	PhaseFetching
	// PhaseSteady means the driver is doing nothing but tailing the oplog.
	PhaseSteady
)

func (p Phase) String() string {
	switch p {
	case PhaseQuerying:
		return "QUERYING"
	case PhaseFetching:
		return "FETCHING"
	case PhaseSteady:
		return "STEADY"
	default:
		return "UNKNOWN"
	}
}

// setPhase transitions to newPhase, reporting the time spent in the
// previous phase to the metrics sink (spec.md §4.A: "On every transition
// the time spent in the previous phase is reported as a counter"), and
// runs whatever entry action the new phase requires.
func (d *Driver) setPhase(newPhase Phase) {
	now := d.config.Clock.Now()
	elapsed := now.Sub(d.phaseStartTime)
	d.config.Metrics.ObservePhaseDuration(d.phase, elapsed)
	d.phase = newPhase
	d.phaseStartTime = now

	if newPhase == PhaseSteady {
		d.beSteady()
	}
}
