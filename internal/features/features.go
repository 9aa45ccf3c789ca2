// Package features maps raw transaction rows onto the fixed-order numeric
// vector the scoring pipeline expects.
package features

import (
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/mbd888/fraudwatch/internal/source"
)

// Column names of the transaction log.
const (
	ColumnTime   = "Time"
	ColumnAmount = "Amount"
	ColumnClass  = "Class"
)

// PCAComponents is the number of anonymised V-columns in the log.
const PCAComponents = 28

var ErrWidthMismatch = errors.New("features: vector width does not match model input width")

// CanonicalNames returns the model input order: V1..V28 followed by Amount.
func CanonicalNames() []string {
	names := make([]string, 0, PCAComponents+1)
	for i := 1; i <= PCAComponents; i++ {
		names = append(names, "V"+strconv.Itoa(i))
	}
	return append(names, ColumnAmount)
}

// Outcome classifies how a row made it through extraction.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeDefaulted Outcome = "defaulted" // at least one field replaced by 0.0
	OutcomeSkipped   Outcome = "skipped"   // row could not be used at all
)

// Event is one transaction ready for scoring. It is never mutated after
// extraction.
type Event struct {
	Index  int
	Time   float64
	Amount float64
	// Vector holds the model inputs in the extractor's name order.
	Vector []float64
	// TrueLabel is the ground-truth class when the log carries one.
	TrueLabel *int
}

// PCA returns the V1..V28 slice of the vector when the extractor uses the
// canonical order.
func (e Event) PCA() []float64 {
	n := PCAComponents
	if len(e.Vector) < n {
		n = len(e.Vector)
	}
	out := make([]float64, n)
	copy(out, e.Vector[:n])
	return out
}

// Minute is the integer minute bucket of the event timestamp.
func (e Event) Minute() int64 {
	return int64(math.Floor(e.Time / 60))
}

// Result carries an extracted event plus the fields that fell back to 0.0.
type Result struct {
	Event     Event
	Outcome   Outcome
	Defaulted []string
}

// Extractor turns rows into events. It is immutable and safe for
// concurrent use.
type Extractor struct {
	names []string
	// amountPos is the index of Amount in names, or -1.
	amountPos int
}

// NewExtractor builds an extractor over names and checks the result against
// the width the model was fitted with. A mismatch is a configuration error.
func NewExtractor(names []string, modelWidth int) (*Extractor, error) {
	if len(names) != modelWidth {
		return nil, fmt.Errorf("%w: extractor has %d features, model expects %d",
			ErrWidthMismatch, len(names), modelWidth)
	}
	e := &Extractor{names: append([]string(nil), names...), amountPos: -1}
	for i, n := range e.names {
		if n == ColumnAmount {
			e.amountPos = i
		}
	}
	return e, nil
}

// Names returns the feature order.
func (x *Extractor) Names() []string {
	return append([]string(nil), x.names...)
}

// Width is the vector length every event will have.
func (x *Extractor) Width() int { return len(x.names) }

// Extract never fails: missing or non-numeric values become 0.0 and the
// result is marked defaulted. A negative amount is treated the same way.
func (x *Extractor) Extract(row source.Row) Result {
	res := Result{Outcome: OutcomeOK}
	ev := Event{Index: row.Index, Vector: make([]float64, len(x.names))}

	ev.Time = x.number(row, ColumnTime, &res)
	ev.Amount = x.number(row, ColumnAmount, &res)
	if ev.Amount < 0 {
		ev.Amount = 0
		res.markDefaulted(ColumnAmount)
	}

	for i, name := range x.names {
		if i == x.amountPos {
			ev.Vector[i] = ev.Amount
			continue
		}
		ev.Vector[i] = x.number(row, name, &res)
	}

	if raw := strings.TrimSpace(row.Get(ColumnClass)); raw != "" {
		if f, ok := parse(raw); ok {
			label := 0
			if f >= 0.5 {
				label = 1
			}
			ev.TrueLabel = &label
		} else {
			res.markDefaulted(ColumnClass)
		}
	}

	res.Event = ev
	return res
}

func (x *Extractor) number(row source.Row, name string, res *Result) float64 {
	raw, present := row.Fields[name]
	if !present {
		res.markDefaulted(name)
		return 0
	}
	raw = strings.TrimSpace(raw)
	if raw == "" {
		// An empty cell reads as zero in the log, same as the original export.
		return 0
	}
	f, ok := parse(raw)
	if !ok {
		res.markDefaulted(name)
		return 0
	}
	return f
}

func (r *Result) markDefaulted(name string) {
	for _, n := range r.Defaulted {
		if n == name {
			return
		}
	}
	r.Defaulted = append(r.Defaulted, name)
	r.Outcome = OutcomeDefaulted
}

func parse(raw string) (float64, bool) {
	f, err := strconv.ParseFloat(raw, 64)
	if err != nil || math.IsNaN(f) || math.IsInf(f, 0) {
		return 0, false
	}
	return f, true
}
