package memory

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cespare/xxhash/v2"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/correlation"
	"github.com/xraph/flowbridge/outcome"
)

const defaultShardCount = 32

// shard owns the forward entries of the job ids and the reverse entries and
// outcomes of the instance ids that hash to it.
type shard struct {
	mu       sync.Mutex
	forward  map[string]correlation.Mapping // jobID -> mapping
	reverse  map[string]string              // instanceID -> jobID
	outcomes map[string]*outcome.Outcome    // instanceID -> outcome
}

type shards struct {
	list []*shard
}

func newShards(n int) *shards {
	s := &shards{list: make([]*shard, n)}
	for i := range s.list {
		s.list[i] = &shard{
			forward:  make(map[string]correlation.Mapping),
			reverse:  make(map[string]string),
			outcomes: make(map[string]*outcome.Outcome),
		}
	}
	return s
}

func (s *shards) index(key string) int {
	return int(xxhash.Sum64String(key) % uint64(len(s.list)))
}

func (s *shards) of(key string) *shard { return s.list[s.index(key)] }

// lock takes the shards of keys in ascending index order and returns the
// set of held indexes with its unlock func.
func (s *shards) lock(keys []string) (map[int]bool, func()) {
	held := make(map[int]bool, len(keys))
	var order []int
	for _, k := range keys {
		i := s.index(k)
		if !held[i] {
			held[i] = true
			order = append(order, i)
		}
	}
	slices.Sort(order)
	for _, i := range order {
		s.list[i].mu.Lock()
	}
	return held, func() {
		for j := len(order) - 1; j >= 0; j-- {
			s.list[order[j]].mu.Unlock()
		}
	}
}

// settle locks the shards of keys plus every key that related reports
// while those shards are held. It retries until the related keys are
// covered and returns the unlock func.
func (s *shards) settle(keys []string, related func() []string) func() {
	for {
		held, unlock := s.lock(keys)
		extra := related()
		covered := true
		for _, k := range extra {
			if !held[s.index(k)] {
				covered = false
				break
			}
		}
		if covered {
			return unlock
		}
		unlock()
		keys = append(keys, extra...)
	}
}

// unlinkJob drops jobID's forward entry and, when it still points back,
// the reverse entry and outcome of its instance. Both shards must be held.
func (s *shards) unlinkJob(jobID string) (correlation.Mapping, bool) {
	js := s.of(jobID)
	m, ok := js.forward[jobID]
	if !ok {
		return m, false
	}
	delete(js.forward, jobID)
	is := s.of(m.InstanceID)
	if is.reverse[m.InstanceID] == jobID {
		delete(is.reverse, m.InstanceID)
	}
	return m, true
}

// ──────────────────────────────────────────────────
// Correlation Store
// ──────────────────────────────────────────────────

// PutMapping records that jobID launched instanceID.
func (m *Store) PutMapping(_ context.Context, jobID, instanceID string) error {
	if err := correlation.CheckMapping(jobID, instanceID); err != nil {
		return err
	}

	c := m.corr
	unlock := c.settle([]string{jobID, instanceID}, func() []string {
		var extra []string
		if prev, ok := c.of(jobID).forward[jobID]; ok {
			extra = append(extra, prev.InstanceID)
		}
		if owner, ok := c.of(instanceID).reverse[instanceID]; ok {
			extra = append(extra, owner)
		}
		return extra
	})
	defer unlock()

	if prev, ok := c.of(jobID).forward[jobID]; ok && prev.InstanceID != instanceID {
		c.unlinkJob(jobID)
	}
	if owner, ok := c.of(instanceID).reverse[instanceID]; ok && owner != jobID {
		delete(c.of(owner).forward, owner)
	}

	c.of(jobID).forward[jobID] = correlation.Mapping{
		JobID:      jobID,
		InstanceID: instanceID,
		CreatedAt:  time.Now().UTC(),
	}
	c.of(instanceID).reverse[instanceID] = jobID
	return nil
}

// InstanceIDFor returns the instance mapped to jobID, or "".
func (m *Store) InstanceIDFor(_ context.Context, jobID string) (string, error) {
	sh := m.corr.of(jobID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.forward[jobID].InstanceID, nil
}

// JobIDFor returns the job mapped to instanceID, or "".
func (m *Store) JobIDFor(_ context.Context, instanceID string) (string, error) {
	sh := m.corr.of(instanceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.reverse[instanceID], nil
}

// PutResult stores the outcome of instanceID unless a terminal one is
// already there.
func (m *Store) PutResult(_ context.Context, instanceID string, o *outcome.Outcome) error {
	if err := correlation.CheckResult(instanceID, o); err != nil {
		return err
	}

	sh := m.corr.of(instanceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()

	if existing, ok := sh.outcomes[instanceID]; ok && existing.Terminal() {
		return fmt.Errorf("%w: instance %s is %s", flowbridge.ErrOutcomeSealed, instanceID, existing.Status)
	}
	sh.outcomes[instanceID] = o.Clone()
	return nil
}

// ResultFor returns a copy of the stored outcome of instanceID, or nil.
func (m *Store) ResultFor(_ context.Context, instanceID string) (*outcome.Outcome, error) {
	sh := m.corr.of(instanceID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	return sh.outcomes[instanceID].Clone(), nil
}

// RemoveMapping deletes jobID's mapping in both directions and the
// instance's outcome.
func (m *Store) RemoveMapping(_ context.Context, jobID string) (bool, error) {
	return m.removeMapping(jobID, func(correlation.Mapping) bool { return true }), nil
}

func (m *Store) removeMapping(jobID string, match func(correlation.Mapping) bool) bool {
	c := m.corr
	unlock := c.settle([]string{jobID}, func() []string {
		if prev, ok := c.of(jobID).forward[jobID]; ok {
			return []string{prev.InstanceID}
		}
		return nil
	})
	defer unlock()

	prev, ok := c.of(jobID).forward[jobID]
	if !ok || !match(prev) {
		return false
	}
	c.unlinkJob(jobID)
	delete(c.of(prev.InstanceID).outcomes, prev.InstanceID)
	return true
}

// Mappings returns a copy of every mapping. Shards are read one at a time,
// so concurrent writers may or may not be reflected.
func (m *Store) Mappings(_ context.Context) (map[string]string, error) {
	out := make(map[string]string)
	for _, sh := range m.corr.list {
		sh.mu.Lock()
		for jobID, mp := range sh.forward {
			out[jobID] = mp.InstanceID
		}
		sh.mu.Unlock()
	}
	return out, nil
}

// PurgeOlderThan removes every mapping created before cutoff together with
// its reverse entry and outcome.
func (m *Store) PurgeOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	var candidates []string
	for _, sh := range m.corr.list {
		sh.mu.Lock()
		for jobID, mp := range sh.forward {
			if mp.CreatedAt.Before(cutoff) {
				candidates = append(candidates, jobID)
			}
		}
		sh.mu.Unlock()
	}

	removed := 0
	for _, jobID := range candidates {
		// The mapping may have been rewritten since it was collected.
		if m.removeMapping(jobID, func(mp correlation.Mapping) bool { return mp.CreatedAt.Before(cutoff) }) {
			removed++
		}
	}
	return removed, nil
}
