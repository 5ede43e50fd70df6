package downsample

import (
	"errors"
	"math"
	"testing"
	"time"
)

// lineSeries builds a line series of n points, one minute apart, with values
// from the given generator.
func lineSeries(n int, value func(i int) float64) Series {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := Series{
		Kind:       KindLine,
		Timestamps: make([]time.Time, n),
		Values:     make([]float64, n),
	}

	for i := 0; i < n; i++ {
		s.Timestamps[i] = base.Add(time.Duration(i) * time.Minute)
		s.Values[i] = value(i)
	}

	return s
}

func TestDownsample_NoOpWhenSmallEnough(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name   string
		series Series
		target int
	}{
		{"line shorter than target", lineSeries(10, func(i int) float64 { return float64(i) }), 50},
		{"line equal to target", lineSeries(50, func(i int) float64 { return float64(i) }), 50},
		{
			"categorical within target",
			Series{Kind: KindCategorical, Labels: []string{"a", "b"}, Values: []float64{2, 1}},
			5,
		},
		{"empty series", Series{Kind: KindLine}, 5},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			result, err := Downsample(tt.series, tt.target)
			if err != nil {
				t.Fatalf("Downsample() error = %v, want nil", err)
			}

			if result.Processed {
				t.Error("expected Processed=false for series within target")
			}

			if result.Series.Len() != tt.series.Len() {
				t.Errorf("no-op changed length: got %d, want %d", result.Series.Len(), tt.series.Len())
			}
		})
	}
}

func TestDownsample_Malformed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)

	tests := []struct {
		name   string
		series Series
		target int
	}{
		{
			name:   "zero target",
			series: lineSeries(10, func(i int) float64 { return float64(i) }),
			target: 0,
		},
		{
			name:   "negative target",
			series: lineSeries(10, func(i int) float64 { return float64(i) }),
			target: -3,
		},
		{
			name: "line arrays not parallel",
			series: Series{
				Kind:       KindLine,
				Timestamps: []time.Time{base, base.Add(time.Minute)},
				Values:     []float64{1},
			},
			target: 5,
		},
		{
			name: "non-finite line value",
			series: Series{
				Kind:       KindLine,
				Timestamps: []time.Time{base, base.Add(time.Minute)},
				Values:     []float64{1, math.NaN()},
			},
			target: 5,
		},
		{
			name: "ohlc arrays not parallel",
			series: Series{
				Kind:       KindOHLC,
				Timestamps: []time.Time{base, base.Add(time.Minute)},
				Open:       []float64{1, 2},
				High:       []float64{1},
				Low:        []float64{1, 2},
				Close:      []float64{1, 2},
			},
			target: 5,
		},
		{
			name: "non-finite ohlc price",
			series: Series{
				Kind:       KindOHLC,
				Timestamps: []time.Time{base},
				Open:       []float64{1},
				High:       []float64{math.Inf(1)},
				Low:        []float64{1},
				Close:      []float64{1},
			},
			target: 5,
		},
		{
			name: "categorical arrays not parallel",
			series: Series{
				Kind:   KindCategorical,
				Labels: []string{"a", "b", "c"},
				Values: []float64{1, 2},
			},
			target: 5,
		},
		{
			name: "metadata not parallel",
			series: Series{
				Kind:       KindLine,
				Timestamps: []time.Time{base, base.Add(time.Minute)},
				Values:     []float64{1, 2},
				Metadata:   []map[string]interface{}{{"a": 1}},
			},
			target: 5,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Downsample(tt.series, tt.target)
			if err == nil {
				t.Fatal("Downsample() = nil error, want ErrMalformedSeries")
			}

			if !errors.Is(err, ErrMalformedSeries) {
				t.Errorf("expected ErrMalformedSeries, got %v", err)
			}
		})
	}
}

func TestKindFor(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		kpiType string
		want    Kind
	}{
		{"line", KindLine},
		{"ohlc", KindOHLC},
		{"candlestick", KindOHLC},
		{"bar", KindCategorical},
		{"categorical", KindCategorical},
		{"pie", KindCategorical},
		{"percentage", KindLine},
		{"", KindLine},
		{"anything-else", KindLine},
	}

	for _, tt := range tests {
		t.Run(tt.kpiType, func(t *testing.T) {
			if got := KindFor(tt.kpiType); got != tt.want {
				t.Errorf("KindFor(%q) = %s, want %s", tt.kpiType, got, tt.want)
			}
		})
	}
}

func TestDownsample_HasNoSideEffects(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	input := lineSeries(100, func(i int) float64 { return float64(i % 7) })
	before := make([]float64, len(input.Values))
	copy(before, input.Values)

	if _, err := Downsample(input, 10); err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	for i, v := range input.Values {
		if v != before[i] {
			t.Fatalf("input mutated at %d: %v != %v", i, v, before[i])
		}
	}
}
