package livequery

import (
	"github.com/juju/mgo/v3/bson"
	gc "gopkg.in/check.v1"
)

type CacheSuite struct{}

var _ = gc.Suite(&CacheSuite{})

// newBareDriver builds a Driver with just enough state for the cache/
// matching/classify mutators to run, without starting the actor loop:
// those methods only ever touch config and the fields set up here, never
// the catacomb or the channels a running Driver owns.
func newBareDriver(limit int) (*Driver, *fakeMultiplexer) {
	mux := &fakeMultiplexer{}
	cfg := testConfig(nil)
	cfg.Multiplexer = mux
	cfg.CursorDescription.Options.Limit = limit
	d := &Driver{
		config:             cfg,
		limit:              limit,
		published:          newIDHeap(cfg.Comparator),
		needToFetch:        make(map[ID]bson.MongoTimestamp),
		currentlyFetching:  make(map[ID]bson.MongoTimestamp),
		phase:              PhaseSteady,
		safeAppendToBuffer: true,
	}
	if limit > 0 {
		d.unpublishedBuffer = newIDHeap(cfg.Comparator)
	}
	return d, mux
}

func newBareDriverUnlimited() (*Driver, *fakeMultiplexer) { return newBareDriver(0) }

func newBareDriverLimited(limit int) (*Driver, *fakeMultiplexer) { return newBareDriver(limit) }

func (s *CacheSuite) TestAddPublishedUnlimited(c *gc.C) {
	d, mux := newBareDriverUnlimited()
	err := d.addPublished("a", doc("a", 1))
	c.Assert(err, gc.IsNil)
	c.Check(d.published.has("a"), gc.Equals, true)
	c.Assert(mux.added, gc.HasLen, 1)
	c.Check(mux.added[0].id, gc.Equals, ID("a"))
}

func (s *CacheSuite) TestAddPublishedDuplicateErrors(c *gc.C) {
	d, _ := newBareDriverUnlimited()
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	err := d.addPublished("a", doc("a", 2))
	c.Check(err, gc.ErrorMatches, ".*already published.*")
}

func (s *CacheSuite) TestAddPublishedEvictsWorstIntoBuffer(c *gc.C) {
	d, mux := newBareDriverLimited(2)
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.addPublished("b", doc("b", 2)), gc.IsNil)
	// Adding a third, worse element overflows the limit of 2: the worst
	// published element (b, n=2) is evicted into the buffer.
	c.Assert(d.addPublished("c", doc("c", 3)), gc.IsNil)

	c.Check(d.published.size(), gc.Equals, 2)
	c.Check(d.published.has("b"), gc.Equals, false)
	c.Check(d.unpublishedBuffer.has("b"), gc.Equals, true)
	c.Check(mux.removed, gc.DeepEquals, []ID{ID("b")})
}

func (s *CacheSuite) TestRemovePublishedPromotesFromBuffer(c *gc.C) {
	d, mux := newBareDriverLimited(1)
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.addBuffered("b", doc("b", 2)), gc.IsNil)

	c.Assert(d.removePublished("a"), gc.IsNil)

	c.Check(d.published.has("b"), gc.Equals, true)
	c.Check(d.unpublishedBuffer.has("b"), gc.Equals, false)
	c.Check(mux.added[len(mux.added)-1].id, gc.Equals, ID("b"))
}

func (s *CacheSuite) TestChangePublishedEmitsDiff(c *gc.C) {
	d, mux := newBareDriverUnlimited()
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.changePublished("a", doc("a", 1), doc("a", 2)), gc.IsNil)

	c.Assert(mux.changed, gc.HasLen, 1)
	c.Check(mux.changed[0].fields["n"], gc.Equals, 2)
}

func (s *CacheSuite) TestChangePublishedNoDiffEmitsNothing(c *gc.C) {
	d, mux := newBareDriverUnlimited()
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.changePublished("a", doc("a", 1), doc("a", 1)), gc.IsNil)
	c.Check(mux.changed, gc.HasLen, 0)
}

func (s *CacheSuite) TestAddBufferedOverflowEvictsAndClearsSafeAppend(c *gc.C) {
	d, _ := newBareDriverLimited(1)
	d.safeAppendToBuffer = true
	c.Assert(d.addBuffered("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.addBuffered("b", doc("b", 2)), gc.IsNil)

	c.Check(d.unpublishedBuffer.size(), gc.Equals, 1)
	c.Check(d.unpublishedBuffer.has("b"), gc.Equals, false)
	c.Check(d.safeAppendToBuffer, gc.Equals, false)
}

func (s *CacheSuite) TestRemoveBufferedEmptyDeferredRepollWhenMidQuery(c *gc.C) {
	d, _ := newBareDriverLimited(1)
	d.safeAppendToBuffer = false
	// While a query is already in flight, needToPollQuery just marks a
	// requery for when it finishes rather than starting another one.
	d.phase = PhaseQuerying
	c.Assert(d.addBuffered("a", doc("a", 1)), gc.IsNil)

	c.Assert(d.removeBuffered("a"), gc.IsNil)
	c.Check(d.requeryWhenDoneThis, gc.Equals, true)
	c.Check(d.phase, gc.Equals, PhaseQuerying)
}

func (s *CacheSuite) TestRemoveBufferedNonEmptyDoesNotRepoll(c *gc.C) {
	d, _ := newBareDriverLimited(2)
	d.safeAppendToBuffer = false
	d.phase = PhaseQuerying
	c.Assert(d.addBuffered("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.addBuffered("b", doc("b", 2)), gc.IsNil)

	c.Assert(d.removeBuffered("a"), gc.IsNil)
	c.Check(d.requeryWhenDoneThis, gc.Equals, false)
}

func (s *CacheSuite) TestRemovePublishedNotPresentErrors(c *gc.C) {
	d, _ := newBareDriverUnlimited()
	err := d.removePublished("missing")
	c.Check(err, gc.ErrorMatches, ".*is not published.*")
}

func (s *CacheSuite) TestRemoveBufferedNotPresentErrors(c *gc.C) {
	d, _ := newBareDriverLimited(1)
	err := d.removeBuffered("missing")
	c.Check(err, gc.ErrorMatches, ".*is not buffered.*")
}

func (s *CacheSuite) TestAddBufferedUnlimitedErrors(c *gc.C) {
	d, _ := newBareDriverUnlimited()
	err := d.addBuffered("a", doc("a", 1))
	c.Check(err, gc.ErrorMatches, ".*unlimited query has no buffer.*")
}

func (s *CacheSuite) TestDiffFieldsAddsChangesAndRemovals(c *gc.C) {
	old := Fields{"a": 1, "b": 2}
	new := Fields{"a": 1, "b": 3, "c": 4}
	diff := diffFields(old, new)
	c.Check(diff, gc.DeepEquals, Fields{"b": 3, "c": 4})
}
