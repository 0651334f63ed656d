package sample

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
)

type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t <= 0 {
		return nil, errors.New("use Greedy sampler instead of Temperature(0)")
	}

	// subtracting max logit to avoid under/overflow
	maxLogit := slices.Max(logits)
	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / float64(t)
	}

	return logits, nil
}

type logitMap struct {
	index int
	logit float64
}

func logitMapComparator(a, b logitMap) int {
	return -cmp.Compare(a.logit, b.logit)
}

type TopK int

func (k TopK) Apply(logits []float64) ([]float64, error) {
	if k <= 0 {
		return nil, errors.New("k must be greater than 0")
	}
	if int(k) >= len(logits) {
		return logits, nil
	}

	q := pq.NewWith(logitMapComparator)
	for i, logit := range logits {
		q.Enqueue(logitMap{index: i, logit: logit})
	}

	keep := make(map[int]bool, k)
	for range k {
		m, _ := q.Dequeue()
		keep[m.index] = true
	}

	for i := range logits {
		if !keep[i] {
			logits[i] = math.Inf(-1)
		}
	}

	return logits, nil
}

type TopP float64

func (p TopP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p > 1 {
		return nil, errors.New("p must be between 0 and 1")
	}

	probs := softmax(logits)
	indices := make([]int, len(probs))
	for i := range indices {
		indices[i] = i
	}

	// sort in descending order
	slices.SortStableFunc(indices, func(i, j int) int {
		return cmp.Compare(probs[j], probs[i])
	})

	var cumSum float64
	for i, idx := range indices {
		cumSum += probs[idx]
		if cumSum >= float64(p) {
			for _, idx := range indices[i+1:] {
				logits[idx] = math.Inf(-1)
			}
			break
		}
	}

	return logits, nil
}

// Suppress removes the listed tokens from the candidates. Ids outside the
// vocabulary are ignored.
type Suppress []int32

func (s Suppress) Apply(logits []float64) ([]float64, error) {
	for _, id := range s {
		if id >= 0 && int(id) < len(logits) {
			logits[id] = math.Inf(-1)
		}
	}

	return logits, nil
}

// Force leaves a single candidate
type Force int32

func (f Force) Apply(logits []float64) ([]float64, error) {
	if f < 0 || int(f) >= len(logits) {
		return nil, errors.New("forced token is outside the vocabulary")
	}

	for i := range logits {
		if i != int(f) {
			logits[i] = math.Inf(-1)
		}
	}

	// a forced token may have been suppressed
	logits[f] = 0
	return logits, nil
}
