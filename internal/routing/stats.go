package routing

import (
	"math/big"
	"sync"
)

// NetworkStatistics keeps a running estimate of the network-wide
// average XOR distance between node ids. Samples arrive piggybacked on
// node-level responses; the estimate feeds group-range guesses for ids
// outside the local neighbourhood.
type NetworkStatistics struct {
	localID NodeID

	mu      sync.Mutex
	average NodeID
	samples uint64
}

// NewNetworkStatistics starts with no samples.
func NewNetworkStatistics(localID NodeID) *NetworkStatistics {
	return &NetworkStatistics{localID: localID}
}

// UpdateNetworkAverageDistance folds one sampled distance into the
// running mean.
func (s *NetworkStatistics) UpdateNetworkAverageDistance(sample NodeID) {
	if sample.IsZero() {
		return
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	total := new(big.Int).SetBytes(s.average[:])
	total.Mul(total, new(big.Int).SetUint64(s.samples))
	total.Add(total, new(big.Int).SetBytes(sample[:]))
	s.samples++
	total.Div(total, new(big.Int).SetUint64(s.samples))

	raw := total.Bytes()
	var next NodeID
	copy(next[IDSize-len(raw):], raw)
	s.average = next
}

// AverageDistance returns the current estimate; zero until the first
// sample arrives.
func (s *NetworkStatistics) AverageDistance() NodeID {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.average
}

// EstimateInGroup guesses whether info lies within sender's group using
// the average-distance estimate scaled by the group proximity factor.
func (s *NetworkStatistics) EstimateInGroup(sender, info NodeID) bool {
	s.mu.Lock()
	average := s.average
	samples := s.samples
	s.mu.Unlock()
	if samples == 0 {
		return false
	}
	d := sender.Distance(info)
	distance := new(big.Int).SetBytes(d[:])
	bound := new(big.Int).SetBytes(average[:])
	// Proximity factor: a group member should sit well inside the
	// average inter-node distance.
	bound.Mul(bound, big.NewInt(2))
	return distance.Cmp(bound) <= 0
}
