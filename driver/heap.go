package driver

import (
	"container/heap"
)

// retryHeap orders scheduled retries by (readyAt, id).
type retryHeap []*attempt

var _ heap.Interface = &retryHeap{}

func (h retryHeap) Len() int      { return len(h) }
func (h retryHeap) Swap(i, j int) { h[i], h[j] = h[j], h[i] }
func (h retryHeap) Less(i, j int) bool {
	if !h[i].readyAt.Equal(h[j].readyAt) {
		return h[i].readyAt.Before(h[j].readyAt)
	}
	return h[i].id < h[j].id
}

func (h *retryHeap) Push(itm any) { *h = append(*h, itm.(*attempt)) }
func (h *retryHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	old[n-1] = nil
	*h = old[:n-1]
	return x
}

func (h *retryHeap) push(a *attempt) { heap.Push(h, a) }
func (h *retryHeap) pop() *attempt   { return heap.Pop(h).(*attempt) }

// peek returns the earliest retry, or nil.
func (h retryHeap) peek() *attempt {
	if len(h) == 0 {
		return nil
	}
	return h[0]
}
