// Package baseline keeps a bounded rolling window of observations and derives
// mean, standard deviation and z-scores from it.
package baseline

import "math"

// DefaultSize is the default number of retained points.
const DefaultSize = 100

// MaxScore is reported when the window has no spread and the value differs
// from the mean.
const MaxScore = 1000.0

// Window is a bounded FIFO of values. Not safe for concurrent use; owners
// guard it with their own lock.
type Window struct {
	size   int
	values []float64
	mean   float64
	stddev float64
}

// New returns a window retaining at most size points.
func New(size int) *Window {
	if size <= 0 {
		size = DefaultSize
	}
	return &Window{size: size}
}

// Restore rebuilds a window from persisted values, keeping the newest size.
func Restore(size int, values []float64) *Window {
	w := New(size)
	if len(values) > w.size {
		values = values[len(values)-w.size:]
	}
	w.values = append(w.values, values...)
	w.recompute()
	return w
}

// Add appends v, evicting the oldest point when full, and recomputes stats.
func (w *Window) Add(v float64) {
	if len(w.values) == w.size {
		copy(w.values, w.values[1:])
		w.values = w.values[:len(w.values)-1]
	}
	w.values = append(w.values, v)
	w.recompute()
}

func (w *Window) recompute() {
	w.mean, w.stddev = Stats(w.values)
}

// Len is the number of retained points.
func (w *Window) Len() int { return len(w.values) }

// Mean of the retained points.
func (w *Window) Mean() float64 { return w.mean }

// StdDev is the population standard deviation of the retained points.
func (w *Window) StdDev() float64 { return w.stddev }

// Values returns a copy of the retained points, oldest first.
func (w *Window) Values() []float64 {
	return append([]float64(nil), w.values...)
}

// ZScore returns |v - mean| / stddev. With zero spread it returns 0 when v
// equals the mean and MaxScore otherwise.
func (w *Window) ZScore(v float64) float64 {
	return ZScore(v, w.mean, w.stddev)
}

// Check reports the z-score of v and whether it exceeds threshold. Fewer than
// minPoints retained points never produce an anomaly.
func (w *Window) Check(v float64, minPoints int, threshold float64) (float64, bool) {
	if len(w.values) == 0 || len(w.values) < minPoints {
		return 0, false
	}
	z := w.ZScore(v)
	if w.stddev == 0 {
		return z, z > 0
	}
	return z, z > threshold
}

// Stats returns mean and population standard deviation.
func Stats(values []float64) (mean, stddev float64) {
	if len(values) == 0 {
		return 0, 0
	}
	var sum float64
	for _, v := range values {
		sum += v
	}
	mean = sum / float64(len(values))
	var sq float64
	for _, v := range values {
		d := v - mean
		sq += d * d
	}
	return mean, math.Sqrt(sq / float64(len(values)))
}

// ZScore computes |v - mean| / stddev with the zero-spread convention of Window.ZScore.
func ZScore(v, mean, stddev float64) float64 {
	if stddev == 0 {
		if v == mean {
			return 0
		}
		return MaxScore
	}
	return math.Abs(v-mean) / stddev
}
