package report

import (
	"math"
	"sort"
)

// computeMetrics derives the confusion matrix and the scores built on it.
// Precision, recall and F1 are 0 when their denominator is 0.
func computeMetrics(labels, preds []int, scores []float64) Metrics {
	var m Metrics
	for i, y := range labels {
		switch {
		case y == 1 && preds[i] == 1:
			m.TP++
		case y == 0 && preds[i] == 1:
			m.FP++
		case y == 1 && preds[i] == 0:
			m.FN++
		default:
			m.TN++
		}
	}
	m.Precision = ratio(m.TP, m.TP+m.FP)
	m.Recall = ratio(m.TP, m.TP+m.FN)
	if m.Precision+m.Recall > 0 {
		m.F1 = 2 * m.Precision * m.Recall / (m.Precision + m.Recall)
	}
	m.Accuracy = ratio(m.TP+m.TN, int64(len(labels)))

	if scores != nil {
		m.AUC = rocAUC(labels, scores)
		m.AveragePrecision = averagePrecision(labels, scores)
	}
	return m
}

func ratio(num, den int64) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}

type scored struct {
	score float64
	label int
}

func byScoreDesc(labels []int, scores []float64) []scored {
	out := make([]scored, len(labels))
	for i := range labels {
		out[i] = scored{score: scores[i], label: labels[i]}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].score > out[j].score })
	return out
}

// rocAUC is the Mann-Whitney statistic with tied scores sharing their
// average rank. It is nil unless both classes are present.
func rocAUC(labels []int, scores []float64) *float64 {
	pts := byScoreDesc(labels, scores)
	n := len(pts)

	var pos, neg int
	var rankSum float64
	for i := 0; i < n; {
		j := i
		for j < n && pts[j].score == pts[i].score {
			j++
		}
		// ascending ranks n-j+1 .. n-i share their mean
		avg := float64((n-j+1)+(n-i)) / 2
		for k := i; k < j; k++ {
			if pts[k].label == 1 {
				pos++
				rankSum += avg
			} else {
				neg++
			}
		}
		i = j
	}
	if pos == 0 || neg == 0 {
		return nil
	}
	auc := (rankSum - float64(pos)*float64(pos+1)/2) / (float64(pos) * float64(neg))
	return &auc
}

// averagePrecision sums precision at each distinct threshold weighted by
// the recall gained there. It is nil when there are no positives.
func averagePrecision(labels []int, scores []float64) *float64 {
	pts := byScoreDesc(labels, scores)
	var total int
	for _, p := range pts {
		total += p.label
	}
	if total == 0 {
		return nil
	}

	var tp, fp int
	var ap, prevRecall float64
	for i := 0; i < len(pts); {
		j := i
		for j < len(pts) && pts[j].score == pts[i].score {
			if pts[j].label == 1 {
				tp++
			} else {
				fp++
			}
			j++
		}
		recall := float64(tp) / float64(total)
		precision := float64(tp) / float64(tp+fp)
		ap += (recall - prevRecall) * precision
		prevRecall = recall
		i = j
	}
	return &ap
}

// describe summarises amounts. Std is the sample deviation (n-1) and is 0
// for fewer than two values.
func describe(xs []float64) AmountStats {
	n := len(xs)
	if n == 0 {
		return AmountStats{}
	}
	sorted := append([]float64(nil), xs...)
	sort.Float64s(sorted)

	var sum float64
	for _, x := range sorted {
		sum += x
	}
	mean := sum / float64(n)

	var std float64
	if n > 1 {
		var ss float64
		for _, x := range sorted {
			d := x - mean
			ss += d * d
		}
		std = math.Sqrt(ss / float64(n-1))
	}

	median := sorted[n/2]
	if n%2 == 0 {
		median = (sorted[n/2-1] + sorted[n/2]) / 2
	}

	return AmountStats{
		Count:  int64(n),
		Mean:   mean,
		Median: median,
		Std:    std,
		Min:    sorted[0],
		Max:    sorted[n-1],
	}
}
