package cron

import (
	"testing"
	"time"
)

func TestHeapOrdering(t *testing.T) {
	h := &firingHeap{}
	base := time.Now()
	heapPush(h, firing{job: &job{name: "late"}, at: base.Add(3 * time.Hour)})
	heapPush(h, firing{job: &job{name: "early"}, at: base.Add(time.Hour)})
	heapPush(h, firing{job: &job{name: "mid"}, at: base.Add(2 * time.Hour)})

	for _, want := range []string{"early", "mid", "late"} {
		if got := heapPop(h).job.name; got != want {
			t.Fatalf("expected %s, got %s", want, got)
		}
	}
	if h.Len() != 0 {
		t.Fatalf("expected empty heap, got %d", h.Len())
	}
}

func TestHeapRemove(t *testing.T) {
	h := &firingHeap{}
	base := time.Now()
	heapPush(h, firing{job: &job{name: "a"}, at: base.Add(time.Minute)})
	heapPush(h, firing{job: &job{name: "b"}, at: base.Add(2 * time.Minute)})

	if !heapRemove(h, "a") {
		t.Fatal("expected a to be removed")
	}
	if heapRemove(h, "missing") {
		t.Fatal("unexpected removal of unknown job")
	}
	if got := heapPop(h).job.name; got != "b" {
		t.Fatalf("expected b, got %s", got)
	}
}
