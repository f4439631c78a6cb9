package broadcast

import (
	"fmt"
	"testing"

	"github.com/quorumcast/quorumcast/internal/config"
)

func tenPeers() []string {
	ids := make([]string, 10)
	for i := range ids {
		ids[i] = fmt.Sprintf("peer-%02d", i)
	}
	return ids
}

func assertSample(t *testing.T, ids, sample []string, size int) {
	t.Helper()
	if len(sample) != size {
		t.Fatalf("sample size %d, want %d", len(sample), size)
	}
	known := make(map[string]bool, len(ids))
	for _, id := range ids {
		known[id] = true
	}
	seen := make(map[string]bool, len(sample))
	for _, id := range sample {
		if !known[id] {
			t.Fatalf("sample contains unknown peer %q", id)
		}
		if seen[id] {
			t.Fatalf("sample contains duplicate peer %q", id)
		}
		seen[id] = true
	}
}

func TestSampleSizeInvariantUnderDenseDraws(t *testing.T) {
	ids := tenPeers()
	for _, algo := range []string{config.SampleNormal, config.SampleRandom, config.SamplePoisson} {
		s := NewSeededSampler(algo, 42)
		for i := 0; i < 10000; i++ {
			assertSample(t, ids, s.Select(ids, 6), 6)
		}
	}
}

func TestSampleReturnsAllWhenPeersScarce(t *testing.T) {
	ids := []string{"a", "b", "c"}
	s := NewSeededSampler(config.SampleNormal, 7)

	got := s.Select(ids, 6)
	assertSample(t, ids, got, 3)

	got = s.Select(ids, 3)
	assertSample(t, ids, got, 3)
}

func TestSampleEmptyPeerSet(t *testing.T) {
	s := NewSeededSampler(config.SampleNormal, 7)
	if got := s.Select(nil, 6); len(got) != 0 {
		t.Fatalf("empty peer set must yield empty sample, got %v", got)
	}
}
