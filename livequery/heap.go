package livequery

import "container/heap"

// idHeap is simultaneously a priority heap over a Comparator and an
// id-indexed map, the way spec.md §9 asks for. It is grounded on
// worker/storageprovisioner/internal/schedule.Schedule: a container/heap
// slice of pointer nodes, each tracking its own index, paired with a side
// map for O(1) has/get/remove.
//
// The heap always keeps its smallest element (under cmp) at the root, so
// minElementID is O(1). Both published and buffer are bounded by the
// query's limit, so maxElementID's O(n) scan is cheap in practice; a
// balanced order-statistic tree (spec.md §9's other suggested
// implementation) would make both ends O(log n), at the cost of a data
// structure this package's other components don't otherwise need.
type idHeap struct {
	cmp   Comparator
	items heapItems
	byID  map[ID]*heapNode
}

type heapNode struct {
	i   int
	id  ID
	doc Document
}

// newIDHeap returns an empty heap ordered by cmp.
func newIDHeap(cmp Comparator) *idHeap {
	return &idHeap{
		cmp:   cmp,
		items: heapItems{cmp: cmp},
		byID:  make(map[ID]*heapNode),
	}
}

func (h *idHeap) size() int { return len(h.items.nodes) }

func (h *idHeap) has(id ID) bool {
	_, ok := h.byID[id]
	return ok
}

func (h *idHeap) get(id ID) (Document, bool) {
	n, ok := h.byID[id]
	if !ok {
		return nil, false
	}
	return n.doc, true
}

// set inserts a new id or updates an existing one's document, re-heapifying
// as needed.
func (h *idHeap) set(id ID, doc Document) {
	if n, ok := h.byID[id]; ok {
		n.doc = doc
		heap.Fix(&h.items, n.i)
		return
	}
	n := &heapNode{id: id, doc: doc}
	h.byID[id] = n
	heap.Push(&h.items, n)
}

// remove deletes id from the heap. It is a no-op if id isn't present.
func (h *idHeap) remove(id ID) {
	n, ok := h.byID[id]
	if !ok {
		return
	}
	heap.Remove(&h.items, n.i)
	delete(h.byID, id)
}

func (h *idHeap) clear() {
	h.items.nodes = h.items.nodes[:0]
	h.byID = make(map[ID]*heapNode)
}

// minElementID returns the id of the smallest element under cmp.
func (h *idHeap) minElementID() (ID, bool) {
	if len(h.items.nodes) == 0 {
		return nil, false
	}
	return h.items.nodes[0].id, true
}

// maxElementID returns the id of the largest element under cmp.
func (h *idHeap) maxElementID() (ID, bool) {
	if len(h.items.nodes) == 0 {
		return nil, false
	}
	best := h.items.nodes[0]
	for _, n := range h.items.nodes[1:] {
		if h.cmp(n.doc, best.doc) > 0 {
			best = n
		}
	}
	return best.id, true
}

func (h *idHeap) forEach(f func(id ID, doc Document)) {
	for _, n := range h.items.nodes {
		f(n.id, n.doc)
	}
}

// heapItems adapts a slice of *heapNode to container/heap, ordering by an
// embedded Comparator rather than a fixed field the way
// schedule.scheduleItems orders by t.Before.
type heapItems struct {
	nodes []*heapNode
	cmp   Comparator
}

func (s heapItems) Len() int { return len(s.nodes) }

func (s heapItems) Less(i, j int) bool {
	return s.cmp(s.nodes[i].doc, s.nodes[j].doc) < 0
}

func (s heapItems) Swap(i, j int) {
	s.nodes[i], s.nodes[j] = s.nodes[j], s.nodes[i]
	s.nodes[i].i = i
	s.nodes[j].i = j
}

func (s *heapItems) Push(x interface{}) {
	n := x.(*heapNode)
	n.i = len(s.nodes)
	s.nodes = append(s.nodes, n)
}

func (s *heapItems) Pop() interface{} {
	n := len(s.nodes) - 1
	x := s.nodes[n]
	s.nodes = s.nodes[:n]
	return x
}
