package downsample

import (
	"testing"
)

func TestBucketCategories_TopNPlusOthers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	input := Series{
		Kind:   KindCategorical,
		Labels: []string{"search", "direct", "email", "social", "referral", "ads"},
		Values: []float64{500, 300, 120, 80, 40, 10},
	}

	result, err := Downsample(input, 4)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series
	if out.Len() != 4 {
		t.Fatalf("output length = %d, want 4", out.Len())
	}

	wantLabels := []string{"search", "direct", "email", OthersLabel}
	for i, label := range wantLabels {
		if out.Labels[i] != label {
			t.Errorf("label %d = %q, want %q", i, out.Labels[i], label)
		}
	}

	// Others = social + referral + ads.
	if out.Values[3] != 130 {
		t.Errorf("Others = %v, want 130 (sum of the folded remainder)", out.Values[3])
	}

	// Total is conserved.
	var inTotal, outTotal float64
	for _, v := range input.Values {
		inTotal += v
	}

	for _, v := range out.Values {
		outTotal += v
	}

	if inTotal != outTotal {
		t.Errorf("bucketing changed the total: %v != %v", outTotal, inTotal)
	}
}

func TestBucketCategories_SortsByValueDescending(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	input := Series{
		Kind:   KindCategorical,
		Labels: []string{"low", "high", "mid", "tiny", "huge"},
		Values: []float64{10, 100, 50, 1, 1000},
	}

	result, err := Downsample(input, 3)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series
	if out.Labels[0] != "huge" || out.Labels[1] != "high" {
		t.Errorf("expected descending order (huge, high, Others), got %v", out.Labels)
	}

	if out.Labels[2] != OthersLabel {
		t.Errorf("last bucket = %q, want %q", out.Labels[2], OthersLabel)
	}

	if out.Values[2] != 61 {
		t.Errorf("Others = %v, want 61", out.Values[2])
	}
}

func TestBucketCategories_StableOnTies(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	input := Series{
		Kind:   KindCategorical,
		Labels: []string{"a", "b", "c", "d"},
		Values: []float64{5, 5, 5, 5},
	}

	result, err := Downsample(input, 3)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series

	// Equal values keep input order, so the fold is deterministic.
	if out.Labels[0] != "a" || out.Labels[1] != "b" || out.Labels[2] != OthersLabel {
		t.Errorf("tie handling not stable: %v", out.Labels)
	}

	if out.Values[2] != 10 {
		t.Errorf("Others = %v, want 10", out.Values[2])
	}
}

func TestBucketCategories_NegativeValues(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// Net-change style series can go negative; the fold must still sum.
	input := Series{
		Kind:   KindCategorical,
		Labels: []string{"gain", "flat", "loss", "worse"},
		Values: []float64{10, 0, -5, -20},
	}

	result, err := Downsample(input, 2)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series
	if out.Labels[0] != "gain" {
		t.Errorf("top category = %q, want gain", out.Labels[0])
	}

	if out.Values[1] != -25 {
		t.Errorf("Others = %v, want -25", out.Values[1])
	}
}

func TestBucketCategories_MetadataKeptForTopCategories(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	input := Series{
		Kind:   KindCategorical,
		Labels: []string{"a", "b", "c", "d"},
		Values: []float64{4, 3, 2, 1},
		Metadata: []map[string]interface{}{
			{"label": "a"}, {"label": "b"}, {"label": "c"}, {"label": "d"},
		},
	}

	result, err := Downsample(input, 3)
	if err != nil {
		t.Fatalf("Downsample() error = %v", err)
	}

	out := result.Series
	if len(out.Metadata) != 3 {
		t.Fatalf("metadata length = %d, want 3", len(out.Metadata))
	}

	if out.Metadata[0]["label"] != "a" || out.Metadata[1]["label"] != "b" {
		t.Errorf("kept categories lost their metadata: %v", out.Metadata)
	}

	if out.Metadata[2] != nil {
		t.Errorf("Others carries no metadata, got %v", out.Metadata[2])
	}
}
