// Sample selection for the echo and ready phases.
//
// Three algorithms, selected by config: normal (default) draws indices
// from Normal(mean=(n-1)/2, stddev=sqrt(n)); poisson draws from
// Poisson(rate=5); random is uniform without replacement. Draws are
// floored, reduced modulo the peer count, and mapped onto the stable
// (sorted) peer id list. Distribution draws can collide, so selection
// loops until the set holds exactly the requested size — the returned
// sample size is an invariant the thresholds depend on.

package broadcast

import (
	"math"
	mrand "math/rand"
	"time"

	exprand "golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distuv"

	"github.com/quorumcast/quorumcast/internal/config"
)

// poissonRate is the fixed rate parameter of the poisson sampler.
const poissonRate = 5

// Sampler draws peer sub-samples for the broadcast phases.
type Sampler struct {
	algorithm string
	src       exprand.Source
	uniform   *mrand.Rand
}

// NewSampler creates a Sampler for the configured algorithm, seeded from
// the wall clock.
func NewSampler(algorithm string) *Sampler {
	seed := uint64(time.Now().UnixNano())
	return NewSeededSampler(algorithm, seed)
}

// NewSeededSampler creates a Sampler with an explicit seed.
func NewSeededSampler(algorithm string, seed uint64) *Sampler {
	return &Sampler{
		algorithm: algorithm,
		src:       exprand.NewSource(seed),
		uniform:   mrand.New(mrand.NewSource(int64(seed))),
	}
}

// Select draws `size` distinct peers from ids. ids must be in stable
// order (Registry.NodeIDs is sorted). If the peer set is not larger than
// the requested size, every peer is returned.
func (s *Sampler) Select(ids []string, size int) []string {
	n := len(ids)
	if n <= size {
		out := make([]string, n)
		copy(out, ids)
		return out
	}

	switch s.algorithm {
	case config.SampleRandom:
		perm := s.uniform.Perm(n)
		out := make([]string, size)
		for i := 0; i < size; i++ {
			out[i] = ids[perm[i]]
		}
		return out
	case config.SamplePoisson:
		dist := distuv.Poisson{Lambda: poissonRate, Src: s.src}
		return s.drawUntilFull(ids, size, func() int {
			return int(dist.Rand()) % n
		})
	default: // config.SampleNormal
		dist := distuv.Normal{
			Mu:    float64(n-1) / 2,
			Sigma: math.Sqrt(float64(n)),
			Src:   s.src,
		}
		return s.drawUntilFull(ids, size, func() int {
			idx := int(math.Floor(dist.Rand())) % n
			if idx < 0 {
				idx += n
			}
			return idx
		})
	}
}

// drawUntilFull repeats draws until the sample holds exactly `size`
// distinct peers.
func (s *Sampler) drawUntilFull(ids []string, size int, draw func() int) []string {
	chosen := make(map[int]bool, size)
	out := make([]string, 0, size)
	for len(out) < size {
		idx := draw()
		if chosen[idx] {
			continue
		}
		chosen[idx] = true
		out = append(out, ids[idx])
	}
	return out
}
