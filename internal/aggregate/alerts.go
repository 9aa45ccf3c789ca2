package aggregate

import (
	"container/heap"
	"fmt"
	"sort"
)

// Alert is one fraud-predicted event kept for reporting.
type Alert struct {
	Time       float64  `json:"time"`
	Amount     float64  `json:"amount"`
	Actual     *int     `json:"actual"`
	Predicted  int      `json:"predicted"`
	Confidence *float64 `json:"confidence"`

	// seq is the arrival order, used to break confidence ties.
	seq uint64
}

// rank orders alerts; a missing confidence ranks lowest.
func (a Alert) rank() float64 {
	if a.Confidence == nil {
		return -1
	}
	return *a.Confidence
}

// outranks reports whether a sorts before b: higher confidence first, then
// earlier arrival.
func (a Alert) outranks(b Alert) bool {
	if a.rank() != b.rank() {
		return a.rank() > b.rank()
	}
	return a.seq < b.seq
}

// Policy names an alert retention policy.
type Policy string

const (
	// PolicyTop keeps the K highest-confidence alerts seen since the stream
	// started.
	PolicyTop Policy = "top"
	// PolicyRecent keeps the last K alerts and ranks only those.
	PolicyRecent Policy = "recent"
)

// ParsePolicy validates a policy name.
func ParsePolicy(s string) (Policy, error) {
	switch Policy(s) {
	case PolicyTop, PolicyRecent:
		return Policy(s), nil
	case "":
		return PolicyTop, nil
	}
	return "", fmt.Errorf("aggregate: unknown alert policy %q", s)
}

// AlertSet is a bounded collection of alerts.
type AlertSet interface {
	Add(Alert)
	// Top returns at most Cap alerts, highest confidence first.
	Top() []Alert
	Len() int
	Cap() int
}

// NewAlertSet builds the set for a policy.
func NewAlertSet(p Policy, n int) AlertSet {
	if p == PolicyRecent {
		return NewRecentWindow(n)
	}
	return NewTopConfidence(n)
}

// TopConfidence is a fixed-size min-heap of the best alerts seen so far.
type TopConfidence struct {
	h alertHeap
	n int
}

// NewTopConfidence creates a set holding at most n alerts.
func NewTopConfidence(n int) *TopConfidence {
	return &TopConfidence{h: make(alertHeap, 0, n), n: n}
}

// Add inserts a, or replaces the weakest alert when a outranks it. On a
// confidence tie the earlier alert stays.
func (t *TopConfidence) Add(a Alert) {
	if t.n <= 0 {
		return
	}
	if len(t.h) < t.n {
		heap.Push(&t.h, a)
		return
	}
	if a.outranks(t.h[0]) {
		t.h[0] = a
		heap.Fix(&t.h, 0)
	}
}

func (t *TopConfidence) Top() []Alert { return sortedCopy(t.h) }
func (t *TopConfidence) Len() int     { return len(t.h) }
func (t *TopConfidence) Cap() int     { return t.n }

// alertHeap keeps the weakest alert at index 0.
type alertHeap []Alert

func (h alertHeap) Len() int           { return len(h) }
func (h alertHeap) Less(i, j int) bool { return h[j].outranks(h[i]) }
func (h alertHeap) Swap(i, j int)      { h[i], h[j] = h[j], h[i] }
func (h *alertHeap) Push(x any)        { *h = append(*h, x.(Alert)) }
func (h *alertHeap) Pop() any {
	old := *h
	n := len(old)
	it := old[n-1]
	*h = old[:n-1]
	return it
}

// RecentWindow keeps the last n alerts by arrival and ranks them on read.
type RecentWindow struct {
	buf  []Alert
	next int
	full bool
}

// NewRecentWindow creates a window of the last n alerts.
func NewRecentWindow(n int) *RecentWindow {
	if n < 0 {
		n = 0
	}
	return &RecentWindow{buf: make([]Alert, n)}
}

func (r *RecentWindow) Add(a Alert) {
	if len(r.buf) == 0 {
		return
	}
	r.buf[r.next] = a
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

func (r *RecentWindow) Top() []Alert {
	if r.full {
		return sortedCopy(r.buf)
	}
	return sortedCopy(r.buf[:r.next])
}

func (r *RecentWindow) Len() int {
	if r.full {
		return len(r.buf)
	}
	return r.next
}

func (r *RecentWindow) Cap() int { return len(r.buf) }

func sortedCopy(in []Alert) []Alert {
	out := make([]Alert, len(in))
	copy(out, in)
	sort.Slice(out, func(i, j int) bool { return out[i].outranks(out[j]) })
	return out
}
