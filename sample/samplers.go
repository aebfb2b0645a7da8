package sample

import (
	"errors"
	"math"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/floats"
	"gonum.org/v1/gonum/stat/sampleuv"
)

type Sampler interface {
	Sample([]float32) (int32, error)
}

func apply(logits []float32, transforms []Transform) ([]float64, error) {
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

type greedy struct {
	transforms []Transform
}

// Greedy picks the highest logit after transforms.
func Greedy(transforms ...Transform) Sampler {
	return greedy{transforms: transforms}
}

func (s greedy) Sample(logits []float32) (int32, error) {
	if len(logits) == 0 {
		return -1, errors.New("sample: no logits provided to sample")
	}

	logits64, err := apply(logits, s.transforms)
	if err != nil {
		return -1, err
	}

	idx := floats.MaxIdx(logits64)
	if math.IsInf(logits64[idx], -1) {
		return -1, errors.New("no valid logits found for greedy sampling")
	}
	return int32(idx), nil
}

type weighted struct {
	src        rand.Source
	transforms []Transform
}

// Weighted draws a token in proportion to its probability after transforms.
// A nil seed uses the global source.
func Weighted(seed *int64, transforms ...Transform) Sampler {
	var src rand.Source
	if seed != nil {
		src = rand.NewSource(uint64(*seed))
	}
	return weighted{src: src, transforms: transforms}
}

func (s weighted) Sample(logits []float32) (int32, error) {
	logits64, err := apply(logits, s.transforms)
	if err != nil {
		return -1, err
	}

	logitsCopy := make([]float64, 0, len(logits))
	indices := make([]int, 0, len(logits))
	for i, logit := range logits64 {
		if !math.IsInf(logit, -1) {
			logitsCopy = append(logitsCopy, logit)
			indices = append(indices, i)
		}
	}

	if len(logitsCopy) == 0 {
		return -1, errors.New("no valid logits found for weighed sampling")
	}

	probs := softmax(logitsCopy)
	if math.IsNaN(floats.Sum(probs)) {
		return -1, errors.New("sample: logits sum to NaN, check model output")
	}

	w := sampleuv.NewWeighted(probs, s.src)
	if idx, ok := w.Take(); ok {
		return int32(indices[idx]), nil
	}
	return -1, errors.New("weighed sampler failed, no valid token found")
}

// Options configures a sampler. A zero Temperature samples greedily.
type Options struct {
	Temperature float64 `json:"temperature"`
	TopK        int     `json:"top_k"`
	TopP        float64 `json:"top_p"`
	MinP        float64 `json:"min_p"`
	Seed        *int64  `json:"seed,omitempty"`

	RepeatPenalty float64 `json:"repeat_penalty"`
	RepeatLastN   int     `json:"repeat_last_n"`
}

// New returns the sampler described by o. Out of range values disable the
// corresponding transform.
func New(o Options) Sampler {
	if o.Temperature <= 0 {
		return Greedy()
	}

	transforms := []Transform{Temperature(min(o.Temperature, 2))}
	if o.TopK > 0 {
		transforms = append(transforms, TopK(o.TopK))
	}
	if o.TopP > 0 && o.TopP < 1 {
		transforms = append(transforms, TopP(o.TopP))
	}
	if o.MinP > 0 && o.MinP < 1 {
		transforms = append(transforms, MinP(o.MinP))
	}
	return Weighted(o.Seed, transforms...)
}
