package stream

import "github.com/mbd888/fraudwatch/internal/model"

// batch holds the outcome of each event since the last snapshot. Only the
// labels are kept; that is all batch accuracy needs.
type batch struct {
	size     int
	n        int
	labelled int
	correct  int
}

func newBatch(size int) *batch { return &batch{size: size} }

func (b *batch) add(ev model.ScoredEvent) {
	b.n++
	if ev.TrueLabel == nil {
		return
	}
	b.labelled++
	if *ev.TrueLabel == ev.Label {
		b.correct++
	}
}

func (b *batch) len() int   { return b.n }
func (b *batch) full() bool { return b.n >= b.size }

func (b *batch) reset() {
	b.n, b.labelled, b.correct = 0, 0, 0
}

// accuracy is the share of labelled events in the batch whose prediction
// matched the label, or nil when no event in the batch carries a label.
func (b *batch) accuracy() *float64 {
	if b.labelled == 0 {
		return nil
	}
	acc := float64(b.correct) / float64(b.labelled)
	return &acc
}
