package sample

import (
	"fmt"
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestWeighted(t *testing.T) {
	inf := float32(math.Inf(-1))

	idx, err := Weighted(nil).Sample([]float32{inf, 2, inf, inf})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(int32(1), idx); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	idx, err = Weighted(nil).Sample([]float32{inf, inf, inf})
	if err == nil {
		t.Error("expected error for no valid tokens, got index", idx)
	}

	seed := int64(42)
	a, b := Weighted(&seed), Weighted(&seed)
	for range 20 {
		x, err := a.Sample([]float32{1, 2, 3, 4})
		if err != nil {
			t.Fatal(err)
		}
		y, err := b.Sample([]float32{1, 2, 3, 4})
		if err != nil {
			t.Fatal(err)
		}
		if x != y {
			t.Fatalf("seeded samplers diverged: %d != %d", x, y)
		}
	}
}

func TestGreedy(t *testing.T) {
	inf := float32(math.Inf(-1))

	idx, err := Greedy().Sample([]float32{1, 5, inf, 3})
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(int32(1), idx); diff != "" {
		t.Errorf("index mismatch (-want +got):\n%s", diff)
	}

	if _, err := Greedy().Sample([]float32{inf, inf}); err == nil {
		t.Error("expected error when every logit is masked")
	}
	if _, err := Greedy().Sample(nil); err == nil {
		t.Error("expected error for empty logits")
	}
}

func TestSample(t *testing.T) {
	input := []float32{1, 2, 3, 4}

	var callOrder []int
	mock1 := &testTransform{id: 1, callOrder: &callOrder}
	mock2 := &testTransform{id: 2, callOrder: &callOrder}
	mock3 := &testTransform{id: 3, callOrder: &callOrder}

	got, err := Greedy(mock1, mock2, mock3).Sample(input)
	if err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff(int32(3), got); diff != "" {
		t.Errorf("sampled index mismatch (-want +got):\n%s", diff)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}
	callOrder = nil

	if _, err := Weighted(nil, mock1, mock2, mock3).Sample(input); err != nil {
		t.Fatal(err)
	}
	if diff := cmp.Diff([]int{1, 2, 3}, callOrder); diff != "" {
		t.Errorf("call order mismatch (-want +got):\n%s", diff)
	}

	errMock := &testTransform{returnErr: fmt.Errorf("mock error")}
	if _, err := Weighted(nil, mock1, errMock, mock2).Sample(input); err == nil {
		t.Error("expected error from sampler")
	}
}

func TestNew(t *testing.T) {
	if _, ok := New(Options{}).(greedy); !ok {
		t.Error("zero temperature should sample greedily")
	}

	seed := int64(7)
	s, ok := New(Options{Temperature: 0.8, TopK: 40, TopP: 0.9, MinP: 1.5, Seed: &seed}).(weighted)
	if !ok {
		t.Fatal("expected a weighted sampler")
	}
	want := []Transform{Temperature(0.8), TopK(40), TopP(0.9)}
	if diff := cmp.Diff(want, s.transforms); diff != "" {
		t.Errorf("transforms mismatch (-want +got):\n%s", diff)
	}
}

type testTransform struct {
	id        int
	callOrder *[]int
	returnErr error
}

func (ts *testTransform) Apply(logits []float64) ([]float64, error) {
	if ts.callOrder != nil {
		*ts.callOrder = append(*ts.callOrder, ts.id)
	}
	if ts.returnErr != nil {
		return nil, ts.returnErr
	}
	return logits, nil
}
