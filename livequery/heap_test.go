package livequery

import (
	gc "gopkg.in/check.v1"
)

type HeapSuite struct{}

var _ = gc.Suite(&HeapSuite{})

func (s *HeapSuite) TestEmpty(c *gc.C) {
	h := newIDHeap(intFieldComparator("n"))
	c.Check(h.size(), gc.Equals, 0)
	c.Check(h.has("a"), gc.Equals, false)
	_, ok := h.minElementID()
	c.Check(ok, gc.Equals, false)
	_, ok = h.maxElementID()
	c.Check(ok, gc.Equals, false)
}

func (s *HeapSuite) TestSetGetHas(c *gc.C) {
	h := newIDHeap(intFieldComparator("n"))
	h.set("a", doc("a", 3))
	c.Check(h.size(), gc.Equals, 1)
	c.Check(h.has("a"), gc.Equals, true)
	got, ok := h.get("a")
	c.Assert(ok, gc.Equals, true)
	c.Check(got["n"], gc.Equals, 3)
}

func (s *HeapSuite) TestMinMaxOrdering(c *gc.C) {
	h := newIDHeap(intFieldComparator("n"))
	h.set("a", doc("a", 5))
	h.set("b", doc("b", 1))
	h.set("c", doc("c", 3))

	min, ok := h.minElementID()
	c.Assert(ok, gc.Equals, true)
	c.Check(min, gc.Equals, ID("b"))

	max, ok := h.maxElementID()
	c.Assert(ok, gc.Equals, true)
	c.Check(max, gc.Equals, ID("a"))
}

func (s *HeapSuite) TestSetUpdatesExistingAndReheapifies(c *gc.C) {
	h := newIDHeap(intFieldComparator("n"))
	h.set("a", doc("a", 1))
	h.set("b", doc("b", 5))

	min, _ := h.minElementID()
	c.Check(min, gc.Equals, ID("a"))

	h.set("a", doc("a", 9))
	c.Check(h.size(), gc.Equals, 2)
	min, _ = h.minElementID()
	c.Check(min, gc.Equals, ID("b"))
}

func (s *HeapSuite) TestRemove(c *gc.C) {
	h := newIDHeap(intFieldComparator("n"))
	h.set("a", doc("a", 1))
	h.set("b", doc("b", 2))

	h.remove("a")
	c.Check(h.size(), gc.Equals, 1)
	c.Check(h.has("a"), gc.Equals, false)

	// removing an absent id is a no-op
	h.remove("a")
	c.Check(h.size(), gc.Equals, 1)
}

func (s *HeapSuite) TestClear(c *gc.C) {
	h := newIDHeap(intFieldComparator("n"))
	h.set("a", doc("a", 1))
	h.set("b", doc("b", 2))
	h.clear()
	c.Check(h.size(), gc.Equals, 0)
	c.Check(h.has("a"), gc.Equals, false)
}

func (s *HeapSuite) TestForEachVisitsEverything(c *gc.C) {
	h := newIDHeap(intFieldComparator("n"))
	h.set("a", doc("a", 1))
	h.set("b", doc("b", 2))
	h.set("c", doc("c", 3))

	seen := map[ID]bool{}
	h.forEach(func(id ID, d Document) {
		seen[id] = true
	})
	c.Check(seen, gc.HasLen, 3)
	c.Check(seen["a"] && seen["b"] && seen["c"], gc.Equals, true)
}
