package oracle

import (
	"context"
	"math"
	"sync"
)

// WindowStore keeps bounded, per-key lists of observations. Append must be
// atomic per key: concurrent appends to the same key may not lose values.
type WindowStore interface {
	// Append adds value, trims the list to the newest limit entries and
	// returns the resulting window, oldest first.
	Append(ctx context.Context, key string, value float64, limit int) ([]float64, error)
	Values(ctx context.Context, key string) ([]float64, error)
}

// MemoryWindows is a WindowStore with one lock per key.
type MemoryWindows struct {
	windows sync.Map // string -> *window
}

type window struct {
	mu     sync.Mutex
	values []float64
}

func NewMemoryWindows() *MemoryWindows {
	return &MemoryWindows{}
}

func (m *MemoryWindows) get(key string) *window {
	v, _ := m.windows.LoadOrStore(key, &window{})
	return v.(*window)
}

func (m *MemoryWindows) Append(_ context.Context, key string, value float64, limit int) ([]float64, error) {
	w := m.get(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	w.values = append(w.values, value)
	if limit > 0 && len(w.values) > limit {
		w.values = append(w.values[:0:0], w.values[len(w.values)-limit:]...)
	}
	out := make([]float64, len(w.values))
	copy(out, w.values)
	return out, nil
}

func (m *MemoryWindows) Values(_ context.Context, key string) ([]float64, error) {
	w := m.get(key)
	w.mu.Lock()
	defer w.mu.Unlock()
	out := make([]float64, len(w.values))
	copy(out, w.values)
	return out, nil
}

// DeviationTracker scores how unusual a deviation is for its (category, region)
// segment, against the last Size observations of that segment.
type DeviationTracker struct {
	store      WindowStore
	size       int
	minSamples int
}

func NewDeviationTracker(store WindowStore, size, minSamples int) *DeviationTracker {
	if size <= 0 {
		size = 100
	}
	if minSamples <= 0 {
		minSamples = 10
	}
	return &DeviationTracker{store: store, size: size, minSamples: minSamples}
}

func trackerKey(category, region string) string {
	return "deviation:" + category + ":" + region
}

// Observe records deviation in the segment window and returns its anomaly score
// against the updated window.
func (t *DeviationTracker) Observe(ctx context.Context, category, region string, deviation float64) (float64, error) {
	window, err := t.store.Append(ctx, trackerKey(category, region), deviation, t.size)
	if err != nil {
		return 0, err
	}
	return AnomalyScore(window, deviation, t.minSamples), nil
}

// Window returns the current observations for a segment.
func (t *DeviationTracker) Window(ctx context.Context, category, region string) ([]float64, error) {
	return t.store.Values(ctx, trackerKey(category, region))
}

// AnomalyScore returns value itself while the window holds fewer than
// minSamples observations. Otherwise it is the z-score of value, clamped to
// [0,3] and scaled to [0,1]. A window with no variance scores 0.
func AnomalyScore(window []float64, value float64, minSamples int) float64 {
	if len(window) < minSamples {
		return clamp01(value)
	}
	mean, variance := MeanVariance(window)
	if variance <= 0 {
		return 0
	}
	z := math.Abs(value-mean) / math.Sqrt(variance)
	if z > 3 {
		z = 3
	}
	return clamp01(z / 3)
}

// MeanVariance returns the mean and population variance of values.
func MeanVariance(values []float64) (mean, variance float64) {
	if len(values) == 0 {
		return 0, 0
	}
	for _, v := range values {
		mean += v
	}
	mean /= float64(len(values))
	for _, v := range values {
		d := v - mean
		variance += d * d
	}
	variance /= float64(len(values))
	return mean, variance
}

func clamp01(v float64) float64 {
	switch {
	case math.IsNaN(v), v < 0:
		return 0
	case v > 1:
		return 1
	default:
		return v
	}
}
