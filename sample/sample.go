package sample

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type Transform interface {
	Apply([]float64) ([]float64, error)
}

type Sampler interface {
	Sample([]float32, ...Transform) (int32, error)
}

func softmax(logits []float64) []float64 {
	maxLogit := floats.Max(logits)

	var sum float64
	probs := make([]float64, len(logits))
	for i, v := range logits {
		probs[i] = math.Exp(v - maxLogit)
		sum += probs[i]
	}

	floats.Scale(1/sum, probs)
	return probs
}

func apply(logits []float32, transforms []Transform) ([]float64, error) {
	if len(logits) == 0 {
		return nil, errors.New("sample: no logits provided to sample")
	}

	logits64 := make([]float64, len(logits))
	for i, v := range logits {
		logits64[i] = float64(v)
	}

	var err error
	for _, t := range transforms {
		logits64, err = t.Apply(logits64)
		if err != nil {
			return nil, err
		}
	}

	return logits64, nil
}

type greedy struct{}

func Greedy() Sampler {
	return greedy{}
}

func (s greedy) Sample(logits []float32, transforms ...Transform) (int32, error) {
	logits64, err := apply(logits, transforms)
	if err != nil {
		return -1, err
	}

	idx := floats.MaxIdx(logits64)
	if math.IsInf(logits64[idx], -1) || math.IsNaN(logits64[idx]) {
		return -1, errors.New("sample: no valid logits found for greedy sampling")
	}

	return int32(idx), nil
}

type weighted struct {
	src rand.Source
}

// Weighted draws a token in proportion to the softmax of its logit. A nil
// seed draws from the global source.
func Weighted(seed *int64) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(uint64(*seed))
	}
	return weighted{src: src}
}

func (s weighted) Sample(logits []float32, transforms ...Transform) (int32, error) {
	logits64, err := apply(logits, transforms)
	if err != nil {
		return -1, err
	}

	valid := make([]float64, 0, len(logits64))
	indices := make([]int, 0, len(logits64))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) && !math.IsNaN(logit) {
			valid = append(valid, logit)
			indices = append(indices, i)
		}
	}

	if len(valid) == 0 {
		return -1, errors.New("sample: no valid logits found for weighted sampling")
	}

	w := sampleuv.NewWeighted(softmax(valid), s.src)
	if idx, ok := w.Take(); ok {
		return int32(indices[idx]), nil
	}

	return -1, errors.New("sample: weighted sampler failed, no valid token found")
}
