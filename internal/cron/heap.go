package cron

import (
	"container/heap"
	"time"
)

// firing is one pending run of a job.
type firing struct {
	job *job
	at  time.Time
}

// firingHeap orders firings earliest first.
type firingHeap []firing

func (h firingHeap) Len() int           { return len(h) }
func (h firingHeap) Less(i, j int) bool { return h[i].at.Before(h[j].at) }
func (h firingHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }

func (h *firingHeap) Push(x any) {
	*h = append(*h, x.(firing))
}

func (h *firingHeap) Pop() any {
	old := *h
	n := len(old)
	x := old[n-1]
	*h = old[:n-1]
	return x
}

func heapPush(h *firingHeap, f firing) {
	heap.Push(h, f)
}

// heapPop panics on an empty heap.
func heapPop(h *firingHeap) firing {
	return heap.Pop(h).(firing)
}

// heapRemove drops the pending firing of the named job.
func heapRemove(h *firingHeap, name string) bool {
	for i, f := range *h {
		if f.job.name == name {
			heap.Remove(h, i)
			return true
		}
	}
	return false
}
