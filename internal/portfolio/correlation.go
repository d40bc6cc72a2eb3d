package portfolio

import (
	"math"
	"sort"
	"sync"
)

// CorrelationTracker keeps a rolling return series per instrument and computes
// pairwise Pearson correlation over the overlapping tail.
type CorrelationTracker struct {
	mu         sync.RWMutex
	lookback   int
	minSamples int
	series     map[string][]float64
}

// NewCorrelationTracker creates a tracker with the given window
func NewCorrelationTracker(lookback, minSamples int) *CorrelationTracker {
	if lookback < 2 {
		lookback = 2
	}
	if minSamples < 2 {
		minSamples = 2
	}
	if minSamples > lookback {
		minSamples = lookback
	}
	return &CorrelationTracker{
		lookback:   lookback,
		minSamples: minSamples,
		series:     make(map[string][]float64),
	}
}

// Observe replaces the stored series with the latest lookback window of returns.
// Non-finite returns are kept as gaps so the series stays aligned bar for bar
// with its peers.
func (c *CorrelationTracker) Observe(instrument string, returns []float64) {
	if len(returns) == 0 {
		return
	}
	start := 0
	if len(returns) > c.lookback {
		start = len(returns) - c.lookback
	}
	window := make([]float64, 0, c.lookback)
	for _, r := range returns[start:] {
		window = append(window, gap(r))
	}

	c.mu.Lock()
	c.series[instrument] = window
	c.mu.Unlock()
}

// Append adds one return to an instrument's series
func (c *CorrelationTracker) Append(instrument string, r float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := append(c.series[instrument], gap(r))
	if len(s) > c.lookback {
		s = s[len(s)-c.lookback:]
	}
	c.series[instrument] = s
}

func gap(r float64) float64 {
	if math.IsInf(r, 0) {
		return math.NaN()
	}
	return r
}

// Correlation returns the correlation of a and b and whether enough samples overlapped
func (c *CorrelationTracker) Correlation(a, b string) (float64, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.correlationLocked(c.series[a], c.series[b])
}

// correlationLocked aligns the tails of x and y and drops every bar where
// either side is a gap before computing the correlation
func (c *CorrelationTracker) correlationLocked(x, y []float64) (float64, bool) {
	n := len(x)
	if len(y) < n {
		n = len(y)
	}
	x, y = x[len(x)-n:], y[len(y)-n:]

	xs := make([]float64, 0, n)
	ys := make([]float64, 0, n)
	for i := 0; i < n; i++ {
		if !finite(x[i]) || !finite(y[i]) {
			continue
		}
		xs = append(xs, x[i])
		ys = append(ys, y[i])
	}
	if len(xs) < c.minSamples {
		return 0, false
	}
	return pearson(xs, ys)
}

func finite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// AverageWith is the mean correlation of candidate returns against each
// instrument in book that has enough history. Pairs that cannot be computed
// are skipped; ok is false when none could be.
func (c *CorrelationTracker) AverageWith(candidate []float64, book []string) (float64, int, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	cand := candidate
	if len(cand) > c.lookback {
		cand = cand[len(cand)-c.lookback:]
	}

	sum := 0.0
	n := 0
	for _, name := range book {
		rho, ok := c.correlationLocked(cand, c.series[name])
		if !ok {
			continue
		}
		sum += rho
		n++
	}
	if n == 0 {
		return 0, 0, false
	}
	return sum / float64(n), n, true
}

// Matrix returns the full correlation matrix over every tracked instrument.
// Pairs without enough overlap are omitted.
func (c *CorrelationTracker) Matrix() map[string]map[string]float64 {
	c.mu.RLock()
	defer c.mu.RUnlock()

	names := make([]string, 0, len(c.series))
	for name := range c.series {
		names = append(names, name)
	}
	sort.Strings(names)

	out := make(map[string]map[string]float64, len(names))
	for i, a := range names {
		for _, b := range names[i:] {
			rho, ok := c.correlationLocked(c.series[a], c.series[b])
			if !ok {
				continue
			}
			if out[a] == nil {
				out[a] = make(map[string]float64)
			}
			if out[b] == nil {
				out[b] = make(map[string]float64)
			}
			out[a][b] = rho
			out[b][a] = rho
		}
	}
	return out
}

// pearson returns false when either series has no variance
func pearson(x, y []float64) (float64, bool) {
	n := float64(len(x))
	var mx, my float64
	for i := range x {
		mx += x[i]
		my += y[i]
	}
	mx /= n
	my /= n

	var sxy, sxx, syy float64
	for i := range x {
		dx := x[i] - mx
		dy := y[i] - my
		sxy += dx * dy
		sxx += dx * dx
		syy += dy * dy
	}
	if sxx == 0 || syy == 0 {
		return 0, false
	}
	rho := sxy / math.Sqrt(sxx*syy)
	if !finite(rho) {
		return 0, false
	}
	if rho > 1 {
		rho = 1
	} else if rho < -1 {
		rho = -1
	}
	return rho, true
}
