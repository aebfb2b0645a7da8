package sample

import (
	"cmp"
	"errors"
	"math"
	"slices"

	pq "github.com/emirpasic/gods/v2/queues/priorityqueue"
	"gonum.org/v1/gonum/floats"
)

// Transform rewrites logits before a token is picked. Masked tokens carry
// -Inf and must stay masked.
type Transform interface {
	Apply([]float64) ([]float64, error)
}

// softmax normalizes logits into probabilities. The maximum is subtracted
// first so large logits do not overflow.
func softmax(logits []float64) []float64 {
	probs := make([]float64, len(logits))
	if len(logits) == 0 {
		return probs
	}

	m := floats.Max(logits)
	for i, v := range logits {
		probs[i] = math.Exp(v - m)
	}
	floats.Scale(1/floats.Sum(probs), probs)
	return probs
}

type Temperature float64

func (t Temperature) Apply(logits []float64) ([]float64, error) {
	if t == 0 {
		return nil, errors.New("use Greedy sampler instead of Temperature(0)")
	}
	if t < 0 || t > 2 {
		return nil, errors.New("temperature must be between 0 and 2")
	}
	temp := math.Max(float64(t), 1e-7)

	// subtracting max logit to avoid under/overflow
	maxLogit := slices.Max(logits)
	for i := range logits {
		logits[i] = (logits[i] - maxLogit) / temp
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
		if !math.IsInf(logit, -1) {
			q.Enqueue(logitMap{index: i, logit: logit})
		}
	}

	keep := make(map[int]bool, int(k))
	for range k {
		m, ok := q.Dequeue()
		if !ok {
			break
		}
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
	if p <= 0 || p >= 1 {
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
		if cumSum > float64(p) {
			for _, idx := range indices[i+1:] {
				logits[idx] = math.Inf(-1)
			}
			break
		}
	}
	return logits, nil
}

type MinP float64

func (p MinP) Apply(logits []float64) ([]float64, error) {
	if p <= 0 || p >= 1 {
		return nil, errors.New("p must be between 0 and 1")
	}

	probs := softmax(logits)
	threshold := slices.Max(probs) * float64(p)

	for i, prob := range probs {
		if prob < threshold {
			logits[i] = math.Inf(-1)
		}
	}

	return logits, nil
}

// RepeatPenalty dampens tokens seen in Recent: positive logits are divided by
// Penalty and negative logits multiplied by it. Each distinct token is
// penalized once.
type RepeatPenalty struct {
	Penalty float64
	Recent  []int32
}

func (r RepeatPenalty) Apply(logits []float64) ([]float64, error) {
	if r.Penalty <= 0 {
		return nil, errors.New("repeat penalty must be greater than 0")
	}
	if r.Penalty == 1 {
		return logits, nil
	}

	seen := make(map[int32]bool, len(r.Recent))
	for _, id := range r.Recent {
		if seen[id] || id < 0 || int(id) >= len(logits) {
			continue
		}
		seen[id] = true

		if logits[id] > 0 {
			logits[id] /= r.Penalty
		} else {
			logits[id] *= r.Penalty
		}
	}
	return logits, nil
}
