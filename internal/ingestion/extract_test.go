package ingestion

import (
	"encoding/json"
	"errors"
	"math"
	"testing"
)

func TestExtractValue_BareNumbers(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		data interface{}
		want float64
	}{
		{"float64", 42.5, 42.5},
		{"negative float64", -17.25, -17.25},
		{"zero", 0.0, 0},
		{"int", 7, 7},
		{"int64", int64(9000000000), 9000000000},
		{"uint", uint(12), 12},
		{"json.Number", json.Number("3.14"), 3.14},
		{"numeric string", "42.5", 42.5},
		{"integer string", "100", 100},
		{"scientific notation string", "1e3", 1000},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractValue(tt.data)
			if err != nil {
				t.Fatalf("ExtractValue() error = %v, want nil", err)
			}

			if got != tt.want {
				t.Errorf("ExtractValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractValue_PriorityFields(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		data map[string]interface{}
		want float64
	}{
		{
			name: "value field",
			data: map[string]interface{}{"value": 10.0, "note": "x"},
			want: 10,
		},
		{
			name: "value wins over price",
			data: map[string]interface{}{"price": 99.0, "value": 10.0},
			want: 10,
		},
		{
			name: "price wins over amount",
			data: map[string]interface{}{"amount": 5.0, "price": 99.0},
			want: 99,
		},
		{
			name: "count",
			data: map[string]interface{}{"count": 1234.0},
			want: 1234,
		},
		{
			name: "percentage",
			data: map[string]interface{}{"percentage": 87.5},
			want: 87.5,
		},
		{
			name: "ratio",
			data: map[string]interface{}{"ratio": 0.42},
			want: 0.42,
		},
		{
			name: "numeric string in priority field",
			data: map[string]interface{}{"value": "55.5"},
			want: 55.5,
		},
		{
			name: "non-numeric priority field falls through to next",
			data: map[string]interface{}{"value": "n/a", "price": 12.0},
			want: 12,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := ExtractValue(tt.data)
			if err != nil {
				t.Fatalf("ExtractValue() error = %v, want nil", err)
			}

			if got != tt.want {
				t.Errorf("ExtractValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestExtractValue_FirstNumericFallback(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// No priority field present: the first numeric field in sorted key
	// order wins, so extraction does not depend on map iteration order.
	data := map[string]interface{}{
		"zebra":   1.0,
		"alpha":   "not numeric",
		"bravo":   2.5,
		"charlie": 7.0,
	}

	got, err := ExtractValue(data)
	if err != nil {
		t.Fatalf("ExtractValue() error = %v, want nil", err)
	}

	if got != 2.5 {
		t.Errorf("ExtractValue() = %v, want 2.5 (first numeric in sorted key order)", got)
	}
}

func TestExtractValue_Malformed(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	tests := []struct {
		name string
		data interface{}
	}{
		{"nil", nil},
		{"non-numeric string", "hello"},
		{"bool", true},
		{"array", []interface{}{1.0, 2.0}},
		{"object with no numeric fields", map[string]interface{}{"a": "x", "b": true}},
		{"empty object", map[string]interface{}{}},
		{"NaN", math.NaN()},
		{"positive infinity", math.Inf(1)},
		{"negative infinity", math.Inf(-1)},
		{"infinity inside object", map[string]interface{}{"value": math.Inf(1)}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ExtractValue(tt.data)
			if err == nil {
				t.Fatal("ExtractValue() = nil, want error")
			}

			if !errors.Is(err, ErrMalformedValue) {
				t.Errorf("expected ErrMalformedValue, got %v", err)
			}
		})
	}
}

func TestExtractValue_NoDefaultToZero(t *testing.T) {
	if !testing.Short() {
		t.Skip("skipping unit test in non-short mode")
	}

	// A payload with no extractable value must error, never silently
	// produce 0: a fabricated zero would poison downsampled aggregates.
	_, err := ExtractValue(map[string]interface{}{"status": "ok"})
	if err == nil {
		t.Fatal("expected error for non-numeric payload, got nil")
	}
}
