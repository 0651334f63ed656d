package sample

import (
	"math"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/google/go-cmp/cmp/cmpopts"
)

var inf = math.Inf(-1)

func TestTemperature(t *testing.T) {
	got, err := Temperature(0.5).Apply([]float64{2, -1, 0, 3})
	if err != nil {
		t.Fatal(err)
	}

	want := []float64{-2, -8, -6, 0}
	if diff := cmp.Diff(want, got, cmpopts.EquateApprox(0, 1e-9)); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	if _, err := Temperature(0).Apply([]float64{1}); err == nil {
		t.Error("expected error for zero temperature")
	}
}

func TestTopK(t *testing.T) {
	got, err := TopK(2).Apply([]float64{-3, -2, -1, 0})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{inf, inf, -1, 0}, got); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	got, err = TopK(5).Apply([]float64{-3, -2, -1, 0})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{-3, -2, -1, 0}, got); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	if _, err := TopK(0).Apply([]float64{1}); err == nil {
		t.Error("expected error for k=0")
	}
}

func TestTopP(t *testing.T) {
	// probabilities are roughly 0.64, 0.24, 0.09, 0.03
	got, err := TopP(0.8).Apply([]float64{-3, -2, -1, 0})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{inf, inf, -1, 0}, got); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	if _, err := TopP(0).Apply([]float64{1}); err == nil {
		t.Error("expected error for p=0")
	}
}

func TestSuppress(t *testing.T) {
	got, err := Suppress{0, 2, 7, -1}.Apply([]float64{1, 2, 3})
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{inf, 2, inf}, got); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}
}

func TestForce(t *testing.T) {
	logits := []float64{1, inf, 3}
	got, err := Force(1).Apply(logits)
	if err != nil {
		t.Fatal(err)
	}

	if diff := cmp.Diff([]float64{inf, 0, inf}, got); diff != "" {
		t.Errorf("logits mismatch (-want +got):\n%s", diff)
	}

	if _, err := Force(3).Apply([]float64{1, 2, 3}); err == nil {
		t.Error("expected error for a token outside the vocabulary")
	}
}
