package sample

import (
	"math"
	"math/rand/v2"
	"testing"
)

func compareLogits(t *testing.T, name string, want, got []float64) {
	t.Helper()
	if len(want) != len(got) {
		t.Errorf("%s: length mismatch: want %d, got %d", name, len(want), len(got))
		return
	}
	for i := range want {
		if math.IsInf(want[i], -1) && math.IsInf(got[i], -1) {
			continue
		}
		if math.Abs(got[i]-want[i]) > 1e-6 {
			t.Errorf("%s: index %d: want %f, got %f", name, i, want[i], got[i])
		}
	}
}

func kept(logits []float64) int {
	var n int
	for _, v := range logits {
		if !math.IsInf(v, -1) {
			n++
		}
	}
	return n
}

func TestTemperature(t *testing.T) {
	got, err := Temperature(0.5).Apply([]float64{1, 4, -2, 0})
	if err != nil {
		t.Fatal(err)
	}
	compareLogits(t, "temperature(0.5)", []float64{-6, 0, -12, -8}, got)

	got, err = Temperature(1).Apply([]float64{1, 4, -2, 0})
	if err != nil {
		t.Fatal(err)
	}
	compareLogits(t, "temperature(1)", []float64{-3, 0, -6, -4}, got)

	for _, temp := range []Temperature{0, -1, 3} {
		if _, err := temp.Apply([]float64{1, 2}); err == nil {
			t.Errorf("expected error for temperature %v", temp)
		}
	}
}

func TestSoftmax(t *testing.T) {
	tests := []struct {
		name     string
		input    []float64
		expected []float64
	}{
		{
			name:     "correctness softmax",
			input:    []float64{1, -2, 3, 0},
			expected: []float64{0.113550, 0.005653, 0.839024, 0.041773},
		},
		{
			name:  "single value",
			input: []float64{1.0},
		},
		{
			name:  "identical values",
			input: []float64{0.9, 0.9, 0.9},
		},
		{
			name:  "large values",
			input: []float64{1000.0, 2000.0, 3000.0},
		},
		{
			name:  "masked values",
			input: []float64{math.Inf(-1), 2, math.Inf(-1)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := softmax(tt.input)

			if tt.expected != nil {
				compareLogits(t, tt.name, tt.expected, got)
				return
			}

			var sum float64
			for _, p := range got {
				sum += p
				if p < 0 || p > 1 {
					t.Errorf("probability out of range [0,1]: got %f", p)
				}
			}
			if math.Abs(sum-1.0) > 1e-6 {
				t.Errorf("probabilities don't sum to 1: got %f", sum)
			}
		})
	}
}

func TestTopK(t *testing.T) {
	inf := math.Inf(-1)

	got, err := TopK(2).Apply([]float64{1, 4, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	compareLogits(t, "topK(2)", []float64{inf, 4, inf, 3}, got)

	got, err = TopK(10).Apply([]float64{1, 4, 2, 3})
	if err != nil {
		t.Fatal(err)
	}
	compareLogits(t, "topK(10)", []float64{1, 4, 2, 3}, got)

	// masked logits never come back
	got, err = TopK(3).Apply([]float64{inf, 4, inf, 3})
	if err != nil {
		t.Fatal(err)
	}
	compareLogits(t, "topK(3) masked", []float64{inf, 4, inf, 3}, got)

	if _, err := TopK(0).Apply([]float64{1}); err == nil {
		t.Error("expected error for k=0")
	}
}

func TestTopP(t *testing.T) {
	got, err := TopP(0.95).Apply([]float64{-3, -2, -1, 0, 1, 2, 4})
	if err != nil {
		t.Fatal(err)
	}

	// should keep tokens until cumsum > 0.95
	if n := kept(got); n != 3 {
		t.Errorf("topP(0.95): want 3 tokens, got %d: %v", n, got)
	}

	for _, p := range []TopP{0, 1, -0.5} {
		if _, err := p.Apply([]float64{1, 2}); err == nil {
			t.Errorf("expected error for p=%v", p)
		}
	}
}

func TestMinP(t *testing.T) {
	got, err := MinP(0.2).Apply([]float64{-3, -2, -1, 0, 1, 2, 4, 3})
	if err != nil {
		t.Fatal(err)
	}

	// should keep tokens with prob >= 0.2 * max_prob
	if n := kept(got); n != 2 {
		t.Errorf("minP(0.2): want 2 tokens, got %d: %v", n, got)
	}
}

func TestRepeatPenalty(t *testing.T) {
	got, err := RepeatPenalty{Penalty: 2, Recent: []int32{0, 1, 0, 7}}.Apply([]float64{2, -2, 1})
	if err != nil {
		t.Fatal(err)
	}
	compareLogits(t, "repeat penalty", []float64{1, -4, 1}, got)

	got, err = RepeatPenalty{Penalty: 1, Recent: []int32{0}}.Apply([]float64{2})
	if err != nil {
		t.Fatal(err)
	}
	compareLogits(t, "no penalty", []float64{2}, got)

	if _, err := (RepeatPenalty{Penalty: 0}).Apply([]float64{1}); err == nil {
		t.Error("expected error for zero penalty")
	}
}

func BenchmarkTransforms(b *testing.B) {
	logits := make([]float64, 1<<16)
	for i := range logits {
		logits[i] = rand.Float64()
	}
	work := make([]float64, len(logits))

	transforms := map[string]Transform{
		"Temperature":   Temperature(0.5),
		"TopK":          TopK(10),
		"TopP":          TopP(0.9),
		"MinP":          MinP(0.2),
		"RepeatPenalty": RepeatPenalty{Penalty: 1.1, Recent: []int32{1, 2, 3, 4, 5}},
	}

	for name, tr := range transforms {
		b.Run(name, func(b *testing.B) {
			for b.Loop() {
				copy(work, logits)
				if _, err := tr.Apply(work); err != nil {
					b.Fatal(err)
				}
			}
		})
	}
}
