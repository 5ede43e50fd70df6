package downsample

import "time"

// aggregateOHLC reduces an OHLC series by fixed-factor aggregation: bars are
// grouped into consecutive runs of ceil(n/target), and each run collapses to
// one bar with open from its first bar, close from its last, high and low
// spanning the run, and the first bar's timestamp. Metadata, when present,
// follows the first bar of each run.
//
// Called with n > target. The output holds ceil(n/factor) bars, never more
// than target.
func aggregateOHLC(s Series, target int) (Series, error) {
	n := s.Len()
	factor := (n + target - 1) / target
	bars := (n + factor - 1) / factor

	out := Series{
		Kind:       KindOHLC,
		Timestamps: make([]time.Time, 0, bars),
		Open:       make([]float64, 0, bars),
		High:       make([]float64, 0, bars),
		Low:        make([]float64, 0, bars),
		Close:      make([]float64, 0, bars),
	}

	if s.Metadata != nil {
		out.Metadata = make([]map[string]interface{}, 0, bars)
	}

	for start := 0; start < n; start += factor {
		end := start + factor
		if end > n {
			end = n
		}

		high := s.High[start]
		low := s.Low[start]

		for i := start + 1; i < end; i++ {
			if s.High[i] > high {
				high = s.High[i]
			}

			if s.Low[i] < low {
				low = s.Low[i]
			}
		}

		out.Timestamps = append(out.Timestamps, s.Timestamps[start])
		out.Open = append(out.Open, s.Open[start])
		out.Close = append(out.Close, s.Close[end-1])
		out.High = append(out.High, high)
		out.Low = append(out.Low, low)

		if s.Metadata != nil {
			out.Metadata = append(out.Metadata, s.Metadata[start])
		}
	}

	return out, nil
}
