// Latency smoothing primitives: rolling windows, an order-1
// Savitzky–Golay filter, and the Wilder RSI.
//
// The Savitzky–Golay filter at polynomial order 1 is, per output point, a
// linear least-squares fit over the surrounding window evaluated at that
// point; the fit itself is gonum's simple linear regression. Windows are
// clamped at the series edges rather than padded, so the filtered series
// has the same length as the input.

package congestion

import (
	"sync"

	"gonum.org/v1/gonum/stat"
)

// windowCapacity bounds the rolling latency windows.
const windowCapacity = 100

// Window is a fixed-capacity rolling sequence of float64 samples; the
// oldest sample is dropped on overflow.
type Window struct {
	mu   sync.Mutex
	data []float64
}

// NewWindow creates an empty rolling window.
func NewWindow() *Window {
	return &Window{data: make([]float64, 0, windowCapacity)}
}

// Append adds a sample, evicting the oldest when full.
func (w *Window) Append(v float64) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if len(w.data) == windowCapacity {
		copy(w.data, w.data[1:])
		w.data = w.data[:windowCapacity-1]
	}
	w.data = append(w.data, v)
}

// Values returns a copy of the samples, oldest first.
func (w *Window) Values() []float64 {
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]float64, len(w.data))
	copy(out, w.data)
	return out
}

// Len returns the number of samples held.
func (w *Window) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.data)
}

// SavitzkyGolay smooths the series with an order-1 fit over the given
// window length. Series shorter than two samples are returned unchanged.
func SavitzkyGolay(data []float64, window int) []float64 {
	n := len(data)
	out := make([]float64, n)
	if n < 2 || window < 2 {
		copy(out, data)
		return out
	}

	half := window / 2
	for i := 0; i < n; i++ {
		lo := i - half
		if lo < 0 {
			lo = 0
		}
		hi := lo + window
		if hi > n {
			hi = n
			if lo = hi - window; lo < 0 {
				lo = 0
			}
		}
		if hi-lo < 2 {
			out[i] = data[i]
			continue
		}
		xs := make([]float64, hi-lo)
		for j := range xs {
			xs[j] = float64(lo + j)
		}
		alpha, beta := stat.LinearRegression(xs, data[lo:hi], nil, false)
		out[i] = alpha + beta*float64(i)
	}
	return out
}

// RSI computes the classical Wilder relative strength index of the series
// and returns the latest value. Returns 50 when the series is too short to
// hold one full period, and 100 when there are gains but no losses.
func RSI(data []float64, period int) float64 {
	if len(data) <= period || period < 1 {
		return 50
	}

	var gain, loss float64
	for i := 1; i <= period; i++ {
		d := data[i] - data[i-1]
		if d > 0 {
			gain += d
		} else {
			loss -= d
		}
	}
	avgGain := gain / float64(period)
	avgLoss := loss / float64(period)

	// Wilder smoothing over the remainder of the series.
	for i := period + 1; i < len(data); i++ {
		d := data[i] - data[i-1]
		var g, l float64
		if d > 0 {
			g = d
		} else {
			l = -d
		}
		avgGain = (avgGain*float64(period-1) + g) / float64(period)
		avgLoss = (avgLoss*float64(period-1) + l) / float64(period)
	}

	if avgLoss == 0 {
		if avgGain == 0 {
			return 50
		}
		return 100
	}
	rs := avgGain / avgLoss
	return 100 - 100/(1+rs)
}
