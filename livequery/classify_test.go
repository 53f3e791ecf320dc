package livequery

import (
	gc "gopkg.in/check.v1"
)

type ClassifySuite struct{}

var _ = gc.Suite(&ClassifySuite{})

func (s *ClassifySuite) TestHandleDocNewMatchAddsMatching(c *gc.C) {
	d, _ := newBareDriverUnlimited()
	c.Assert(d.handleDoc(ID("a"), doc("a", 1)), gc.IsNil)
	c.Check(d.published.has("a"), gc.Equals, true)
}

func (s *ClassifySuite) TestHandleDocNoLongerMatchesRemovesMatching(c *gc.C) {
	d, mux := newBareDriverUnlimited()
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.handleDoc(ID("a"), nil), gc.IsNil)
	c.Check(d.published.has("a"), gc.Equals, false)
	c.Check(mux.removed, gc.DeepEquals, []ID{ID("a")})
}

func (s *ClassifySuite) TestHandleDocNeverMatchedIsNoop(c *gc.C) {
	d, mux := newBareDriverUnlimited()
	d.config.Matcher = funcMatcher{matchFn: func(Document) bool { return false }}
	c.Assert(d.handleDoc(ID("a"), doc("a", 1)), gc.IsNil)
	c.Check(mux.added, gc.HasLen, 0)
	c.Check(mux.removed, gc.HasLen, 0)
}

func (s *ClassifySuite) TestReclassifyPublishedStaysPublishedWhenNoBufferBeatsIt(c *gc.C) {
	d, mux := newBareDriverLimited(2)
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)

	c.Assert(d.handleDoc(ID("a"), doc("a", 5)), gc.IsNil)

	c.Check(d.published.has("a"), gc.Equals, true)
	got, _ := d.published.get("a")
	c.Check(got["n"], gc.Equals, 5)
	c.Assert(mux.changed, gc.HasLen, 1)
}

func (s *ClassifySuite) TestReclassifyPublishedEvictsAndPromotesFromBuffer(c *gc.C) {
	d, _ := newBareDriverLimited(2)
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.addPublished("c", doc("c", 2)), gc.IsNil)
	c.Assert(d.addBuffered("b", doc("b", 5)), gc.IsNil)
	d.safeAppendToBuffer = true

	c.Assert(d.handleDoc(ID("c"), doc("c", 10)), gc.IsNil)

	c.Check(d.published.has("a"), gc.Equals, true)
	c.Check(d.published.has("b"), gc.Equals, true)
	c.Check(d.published.has("c"), gc.Equals, false)
	c.Check(d.unpublishedBuffer.has("c"), gc.Equals, true)
}

func (s *ClassifySuite) TestReclassifyPublishedEvictsAndDropsWhenUnsafe(c *gc.C) {
	d, _ := newBareDriverLimited(1)
	d.phase = PhaseQuerying
	c.Assert(d.addPublished("a", doc("a", 5)), gc.IsNil)
	c.Assert(d.addBuffered("b", doc("b", 3)), gc.IsNil)
	d.safeAppendToBuffer = false

	c.Assert(d.handleDoc(ID("a"), doc("a", 10)), gc.IsNil)

	c.Check(d.published.has("b"), gc.Equals, true)
	c.Check(d.published.has("a"), gc.Equals, false)
	c.Check(d.unpublishedBuffer.size(), gc.Equals, 0)
	c.Check(d.requeryWhenDoneThis, gc.Equals, true)
}

func (s *ClassifySuite) TestReclassifyBufferedPromotesToPublished(c *gc.C) {
	d, _ := newBareDriverLimited(2)
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.addBuffered("b", doc("b", 10)), gc.IsNil)

	c.Assert(d.handleDoc(ID("b"), doc("b", 0)), gc.IsNil)

	c.Check(d.published.has("b"), gc.Equals, true)
	c.Check(d.unpublishedBuffer.has("b"), gc.Equals, false)
}

func (s *ClassifySuite) TestReclassifyBufferedStaysBufferedWhenSafeAppend(c *gc.C) {
	d, _ := newBareDriverLimited(2)
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.addPublished("c", doc("c", 2)), gc.IsNil)
	c.Assert(d.addBuffered("b", doc("b", 10)), gc.IsNil)
	d.safeAppendToBuffer = true

	c.Assert(d.handleDoc(ID("b"), doc("b", 5)), gc.IsNil)

	c.Check(d.unpublishedBuffer.has("b"), gc.Equals, true)
	got, _ := d.unpublishedBuffer.get("b")
	c.Check(got["n"], gc.Equals, 5)
}

func (s *ClassifySuite) TestReclassifyBufferedDropsAndTriggersRepoll(c *gc.C) {
	d, _ := newBareDriverLimited(2)
	d.phase = PhaseQuerying
	c.Assert(d.addPublished("a", doc("a", 1)), gc.IsNil)
	c.Assert(d.addPublished("c", doc("c", 2)), gc.IsNil)
	c.Assert(d.addBuffered("b", doc("b", 10)), gc.IsNil)
	d.safeAppendToBuffer = false

	c.Assert(d.handleDoc(ID("b"), doc("b", 20)), gc.IsNil)

	c.Check(d.unpublishedBuffer.has("b"), gc.Equals, false)
	c.Check(d.unpublishedBuffer.size(), gc.Equals, 0)
	c.Check(d.requeryWhenDoneThis, gc.Equals, true)
}
