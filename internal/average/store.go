package average

import (
	"slices"
	"sync"
)

// ConditionID is the stable handle of a trigger condition.
type ConditionID uint32

// Store owns one Accumulator per condition.
//
// The map itself is guarded by a single coarse lock, taken for writing only when an accumulator is
// created, reshaped or removed. A missing key means no data yet.
type Store struct {
	mu   sync.RWMutex
	accs map[ConditionID]*Accumulator
}

// NewStore returns an empty store.
func NewStore() *Store {
	return &Store{accs: make(map[ConditionID]*Accumulator)}
}

// GetOrCreate returns the accumulator for id with the required shape, creating it or resetting
// its shape when the stored one disagrees.
func (s *Store) GetOrCreate(id ConditionID, channels, samples int) *Accumulator {
	s.mu.RLock()
	acc, ok := s.accs[id]
	s.mu.RUnlock()
	if ok && acc.matches(channels, samples) {
		return acc
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acc, ok = s.accs[id]
	if !ok {
		acc = NewAccumulator(channels, samples)
		s.accs[id] = acc
		return acc
	}
	if !acc.matches(channels, samples) {
		acc.ResetShape(channels, samples)
	}
	return acc
}

// Fold reconciles the accumulator shape with block and folds it in. It returns the trial count
// after the fold; 1 means the accumulator was just created or reset.
func (s *Store) Fold(id ConditionID, block [][]float32) (int, error) {
	if len(block) == 0 || len(block[0]) == 0 {
		return 0, ErrEmptyBlock
	}
	acc := s.GetOrCreate(id, len(block), len(block[0]))
	if err := acc.Fold(block); err != nil {
		return 0, err
	}
	return acc.Trials(), nil
}

func (s *Store) get(id ConditionID) (*Accumulator, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	acc, ok := s.accs[id]
	return acc, ok
}

// Mean returns the condition's mean, or false when the condition has no data yet.
func (s *Store) Mean(id ConditionID) ([][]float64, bool) {
	acc, ok := s.get(id)
	if !ok {
		return nil, false
	}
	return acc.Mean(), true
}

// StandardDeviation returns the condition's standard deviation, or false when it has no data yet.
func (s *Store) StandardDeviation(id ConditionID) ([][]float64, bool) {
	acc, ok := s.get(id)
	if !ok {
		return nil, false
	}
	return acc.StandardDeviation(), true
}

// TrialCount returns zero for conditions without data.
func (s *Store) TrialCount(id ConditionID) int {
	acc, ok := s.get(id)
	if !ok {
		return 0
	}
	return acc.Trials()
}

// Snapshot returns a consistent copy of one condition's statistics.
func (s *Store) Snapshot(id ConditionID) (Stats, bool) {
	acc, ok := s.get(id)
	if !ok {
		return Stats{}, false
	}
	return acc.Snapshot(), true
}

// Conditions lists the conditions holding an accumulator, in ascending order.
func (s *Store) Conditions() []ConditionID {
	s.mu.RLock()
	ids := make([]ConditionID, 0, len(s.accs))
	for id := range s.accs {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	slices.Sort(ids)
	return ids
}

// Clear drops the accumulator of one condition.
func (s *Store) Clear(id ConditionID) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.accs, id)
}

// ClearAll drops every accumulator.
func (s *Store) ClearAll() {
	s.mu.Lock()
	defer s.mu.Unlock()
	clear(s.accs)
}
