// Package downsample reduces chart series to a bounded number of points for
// rendering: LTTB for line series, fixed-factor aggregation for OHLC series,
// and top-N bucketing for categorical series.
//
// Everything here is a pure function over the input arrays. There are no side
// effects and no failure modes beyond malformed input; callers that hold a
// series small enough to render get it back untouched with Processed=false.
package downsample

import (
	"errors"
	"fmt"
	"math"
	"time"
)

// ErrMalformedSeries indicates a series that violates the input invariants:
// mismatched parallel array lengths, non-finite values, or a non-positive
// point target. A malformed series is rejected outright, never partially
// rendered.
var ErrMalformedSeries = errors.New("malformed series")

// Kind selects the downsampling algorithm for a series.
type Kind string

const (
	// KindLine selects LTTB shape-preserving reduction.
	KindLine Kind = "line"

	// KindOHLC selects fixed-factor bar aggregation.
	KindOHLC Kind = "ohlc"

	// KindCategorical selects top-N bucketing with an "Others" remainder.
	KindCategorical Kind = "categorical"
)

// OthersLabel is the synthetic category holding the folded remainder of a
// categorical series.
const OthersLabel = "Others"

// KindFor maps a free-form KPI type tag to the algorithm that renders it.
// Unrecognized tags fall back to line: LTTB degrades gracefully on any
// scalar series, the other two algorithms do not.
func KindFor(kpiType string) Kind {
	switch kpiType {
	case "ohlc", "candlestick":
		return KindOHLC
	case "bar", "categorical", "pie":
		return KindCategorical
	default:
		return KindLine
	}
}

type (
	// Series is a columnar chart series: parallel arrays indexed by point.
	//
	// Line series carry Timestamps and Values. OHLC series carry Timestamps
	// plus the four price arrays instead of scalar values. Categorical
	// series carry Labels and Values. Metadata is optional for every kind;
	// when present it must be parallel to the points.
	Series struct {
		Kind       Kind
		Timestamps []time.Time
		Values     []float64
		Labels     []string
		Open       []float64
		High       []float64
		Low        []float64
		Close      []float64
		Metadata   []map[string]interface{}
	}

	// Result is a downsampled series plus whether any reduction happened.
	// Processed=false means the input was returned unchanged.
	Result struct {
		Series    Series
		Processed bool
	}
)

// Len returns the number of points in the series.
func (s Series) Len() int {
	if s.Kind == KindCategorical {
		return len(s.Labels)
	}

	return len(s.Timestamps)
}

// Downsample reduces s to at most targetPoints points.
//
// A series with Len() <= targetPoints is returned unchanged with
// Processed=false. For line series the output length is exactly targetPoints
// and the first and last input points survive verbatim. OHLC output has
// ceil(n/ceil(n/targetPoints)) bars, at most targetPoints. Categorical output
// has the top targetPoints-1 categories plus an "Others" remainder bucket.
func Downsample(s Series, targetPoints int) (Result, error) {
	if targetPoints <= 0 {
		return Result{}, fmt.Errorf("%w: targetPoints must be positive, got %d", ErrMalformedSeries, targetPoints)
	}

	if err := validate(s); err != nil {
		return Result{}, err
	}

	if s.Len() <= targetPoints {
		return Result{Series: s, Processed: false}, nil
	}

	var (
		out Series
		err error
	)

	switch s.Kind {
	case KindOHLC:
		out, err = aggregateOHLC(s, targetPoints)
	case KindCategorical:
		out, err = bucketCategories(s, targetPoints)
	default:
		out, err = lttb(s, targetPoints)
	}

	if err != nil {
		return Result{}, err
	}

	return Result{Series: out, Processed: true}, nil
}

// validate checks the parallel-array and finiteness invariants for the
// series kind.
func validate(s Series) error {
	switch s.Kind {
	case KindOHLC:
		n := len(s.Timestamps)
		if len(s.Open) != n || len(s.High) != n || len(s.Low) != n || len(s.Close) != n {
			return fmt.Errorf(
				"%w: ohlc arrays must be parallel (timestamps=%d open=%d high=%d low=%d close=%d)",
				ErrMalformedSeries, n, len(s.Open), len(s.High), len(s.Low), len(s.Close),
			)
		}

		for i := 0; i < n; i++ {
			if !isFinite(s.Open[i]) || !isFinite(s.High[i]) || !isFinite(s.Low[i]) || !isFinite(s.Close[i]) {
				return fmt.Errorf("%w: non-finite price at index %d", ErrMalformedSeries, i)
			}
		}

		if s.Metadata != nil && len(s.Metadata) != n {
			return fmt.Errorf("%w: metadata length %d does not match %d points", ErrMalformedSeries, len(s.Metadata), n)
		}
	case KindCategorical:
		if len(s.Values) != len(s.Labels) {
			return fmt.Errorf(
				"%w: categorical arrays must be parallel (labels=%d values=%d)",
				ErrMalformedSeries, len(s.Labels), len(s.Values),
			)
		}

		for i, v := range s.Values {
			if !isFinite(v) {
				return fmt.Errorf("%w: non-finite value at index %d", ErrMalformedSeries, i)
			}
		}

		if s.Metadata != nil && len(s.Metadata) != len(s.Labels) {
			return fmt.Errorf(
				"%w: metadata length %d does not match %d categories",
				ErrMalformedSeries, len(s.Metadata), len(s.Labels),
			)
		}
	default:
		if len(s.Values) != len(s.Timestamps) {
			return fmt.Errorf(
				"%w: line arrays must be parallel (timestamps=%d values=%d)",
				ErrMalformedSeries, len(s.Timestamps), len(s.Values),
			)
		}

		for i, v := range s.Values {
			if !isFinite(v) {
				return fmt.Errorf("%w: non-finite value at index %d", ErrMalformedSeries, i)
			}
		}

		if s.Metadata != nil && len(s.Metadata) != len(s.Timestamps) {
			return fmt.Errorf(
				"%w: metadata length %d does not match %d points",
				ErrMalformedSeries, len(s.Metadata), len(s.Timestamps),
			)
		}
	}

	return nil
}

// pick materializes a new scalar series from selected point indexes,
// carrying metadata along when present.
func pick(s Series, indexes []int) Series {
	out := Series{
		Kind:       s.Kind,
		Timestamps: make([]time.Time, len(indexes)),
		Values:     make([]float64, len(indexes)),
	}

	if s.Metadata != nil {
		out.Metadata = make([]map[string]interface{}, len(indexes))
	}

	for i, idx := range indexes {
		out.Timestamps[i] = s.Timestamps[idx]
		out.Values[i] = s.Values[idx]

		if s.Metadata != nil {
			out.Metadata[i] = s.Metadata[idx]
		}
	}

	return out
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}
