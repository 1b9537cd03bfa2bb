package rpc

import (
	"container/heap"
)

// idgen hands out the lowest free id, so ids of finished entries are reused.
type idgen[ID ~uint32] struct {
	next ID
	free idHeap[ID]
}

func (g *idgen[ID]) get() ID {
	if len(g.free) > 0 {
		return heap.Pop(&g.free).(ID)
	}

	id := g.next
	g.next++
	return id
}

func (g *idgen[ID]) put(id ID) {
	heap.Push(&g.free, id)
}

type idHeap[ID ~uint32] []ID

func (h idHeap[ID]) Len() int           { return len(h) }
func (h idHeap[ID]) Less(i, j int) bool { return h[i] < h[j] }
func (h idHeap[ID]) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *idHeap[ID]) Push(x any) {
	*h = append(*h, x.(ID))
}

func (h *idHeap[ID]) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}
