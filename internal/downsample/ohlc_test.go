package downsample

import (
	"testing"
	"time"
)

// ohlcSeries builds n bars, one hour apart, with a deterministic price walk.
func ohlcSeries(n int) Series {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	s := Series{
		Kind:       KindOHLC,
		Timestamps: make([]time.Time, n),
		Open:       make([]float64, n),
		High:       make([]float64, n),
		Low:        make([]float64, n),
		Close:      make([]float64, n),
	}

	price := 100.0

	for i := 0; i < n; i++ {
		delta := float64((i*7)%13) - 6
		open := price
		close := price + delta

		high := open
		if close > high {
			high = close
		}

		low := open
		if close < low {
			low = close
		}

		s.Timestamps[i] = base.Add(time.Duration(i) * time.Hour)
		s.Open[i] = open
		s.High[i] = high + 1
		s.Low[i] = low - 1
		s.Close[i] = close

		price = close
	}

	return s
}

func TestAggregateOHLC_ThousandToHundred(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	input := ohlcSeries(1000)

	result, err := Downsample(input, 100)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series
	if out.Len() != 100 {
		t.Fatalf("output length = %d, want 100", out.Len())
	}

	// factor = ceil(1000/100) = 10: bar i covers input [i*10, i*10+10).
	for i := 0; i < out.Len(); i++ {
		start := i * 10
		end := start + 10

		wantHigh := input.High[start]
		wantLow := input.Low[start]

		for j := start + 1; j < end; j++ {
			if input.High[j] > wantHigh {
				wantHigh = input.High[j]
			}

			if input.Low[j] < wantLow {
				wantLow = input.Low[j]
			}
		}

		if out.Open[i] != input.Open[start] {
			t.Errorf("bar %d: open = %v, want first of run %v", i, out.Open[i], input.Open[start])
		}

		if out.Close[i] != input.Close[end-1] {
			t.Errorf("bar %d: close = %v, want last of run %v", i, out.Close[i], input.Close[end-1])
		}

		if out.High[i] != wantHigh {
			t.Errorf("bar %d: high = %v, want run max %v", i, out.High[i], wantHigh)
		}

		if out.Low[i] != wantLow {
			t.Errorf("bar %d: low = %v, want run min %v", i, out.Low[i], wantLow)
		}

		if !out.Timestamps[i].Equal(input.Timestamps[start]) {
			t.Errorf("bar %d: timestamp must come from first of run", i)
		}
	}
}

func TestAggregateOHLC_UnevenRuns(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// 10 bars at target 3: factor = ceil(10/3) = 4, runs of 4, 4, 2.
	input := ohlcSeries(10)

	result, err := Downsample(input, 3)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series
	if out.Len() != 3 {
		t.Fatalf("output length = %d, want 3", out.Len())
	}

	// The trailing short run still aggregates correctly.
	if out.Open[2] != input.Open[8] {
		t.Errorf("last bar open = %v, want %v", out.Open[2], input.Open[8])
	}

	if out.Close[2] != input.Close[9] {
		t.Errorf("last bar close = %v, want %v", out.Close[2], input.Close[9])
	}
}

func TestAggregateOHLC_HighLowEnvelope(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	input := ohlcSeries(333)

	result, err := Downsample(input, 20)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series

	for i := 0; i < out.Len(); i++ {
		if out.Low[i] > out.High[i] {
			t.Errorf("bar %d: low %v above high %v", i, out.Low[i], out.High[i])
		}

		if out.Open[i] > out.High[i] || out.Open[i] < out.Low[i] {
			t.Errorf("bar %d: open %v outside [low, high]", i, out.Open[i])
		}

		if out.Close[i] > out.High[i] || out.Close[i] < out.Low[i] {
			t.Errorf("bar %d: close %v outside [low, high]", i, out.Close[i])
		}
	}
}

func TestAggregateOHLC_MetadataFirstOfRun(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	input := ohlcSeries(20)
	input.Metadata = make([]map[string]interface{}, 20)

	for i := range input.Metadata {
		input.Metadata[i] = map[string]interface{}{"idx": i}
	}

	result, err := Downsample(input, 5)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series
	if len(out.Metadata) != out.Len() {
		t.Fatalf("metadata length %d does not match %d bars", len(out.Metadata), out.Len())
	}

	// factor = 4: metadata follows the first bar of each run.
	for i := 0; i < out.Len(); i++ {
		if out.Metadata[i]["idx"] != i*4 {
			t.Errorf("bar %d: metadata idx = %v, want %d", i, out.Metadata[i]["idx"], i*4)
		}
	}
}
