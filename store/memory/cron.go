package memory

import (
	"context"
	"sort"
	"time"

	"github.com/xraph/flowbridge"
	"github.com/xraph/flowbridge/cron"
	"github.com/xraph/flowbridge/id"
)

func copyEntry(e *cron.Entry) *cron.Entry {
	cp := *e
	if e.Payload != nil {
		cp.Payload = append([]byte(nil), e.Payload...)
	}
	for _, t := range []**time.Time{&cp.LastRunAt, &cp.NextRunAt, &cp.LockedUntil} {
		if *t != nil {
			v := **t
			*t = &v
		}
	}
	return &cp
}

// RegisterCron persists a new recurring entry. Returns
// flowbridge.ErrDuplicateCron if the name is taken.
func (m *Store) RegisterCron(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range m.crons {
		if e.Name == entry.Name {
			return flowbridge.ErrDuplicateCron
		}
	}
	m.crons[entry.ID.String()] = copyEntry(entry)
	return nil
}

// GetCron retrieves a recurring entry by ID.
func (m *Store) GetCron(_ context.Context, entryID id.CronID) (*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return nil, flowbridge.ErrCronNotFound
	}
	return copyEntry(e), nil
}

// GetCronByName retrieves a recurring entry by its recurring id.
func (m *Store) GetCronByName(_ context.Context, name string) (*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	for _, e := range m.crons {
		if e.Name == name {
			return copyEntry(e), nil
		}
	}
	return nil, flowbridge.ErrCronNotFound
}

// ListCrons returns all recurring entries, oldest first.
func (m *Store) ListCrons(_ context.Context) ([]*cron.Entry, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*cron.Entry, 0, len(m.crons))
	for _, e := range m.crons {
		result = append(result, copyEntry(e))
	}
	sort.SliceStable(result, func(i, k int) bool {
		if !result[i].CreatedAt.Equal(result[k].CreatedAt) {
			return result[i].CreatedAt.Before(result[k].CreatedAt)
		}
		return result[i].Name < result[k].Name
	})
	return result, nil
}

// AcquireCronLock takes the firing lock of an entry unless another worker
// holds an unexpired one.
func (m *Store) AcquireCronLock(_ context.Context, entryID id.CronID, workerID id.WorkerID, ttl time.Duration) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return false, flowbridge.ErrCronNotFound
	}

	now := time.Now().UTC()
	if e.LockedBy != "" && e.LockedBy != workerID.String() &&
		e.LockedUntil != nil && e.LockedUntil.After(now) {
		return false, nil
	}

	e.LockedBy = workerID.String()
	until := now.Add(ttl)
	e.LockedUntil = &until
	return true, nil
}

// ReleaseCronLock releases the lock if workerID holds it.
func (m *Store) ReleaseCronLock(_ context.Context, entryID id.CronID, workerID id.WorkerID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return flowbridge.ErrCronNotFound
	}
	if e.LockedBy != workerID.String() {
		return nil
	}
	e.LockedBy = ""
	e.LockedUntil = nil
	return nil
}

// UpdateCronLastRun records when an entry last fired and which job it
// produced.
func (m *Store) UpdateCronLastRun(_ context.Context, entryID id.CronID, at time.Time, jobID id.JobID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	e, ok := m.crons[entryID.String()]
	if !ok {
		return flowbridge.ErrCronNotFound
	}
	e.LastRunAt = &at
	e.LastJobID = jobID
	e.UpdatedAt = time.Now().UTC()
	return nil
}

// UpdateCronEntry replaces the mutable fields of an entry. Lock fields are
// owned by AcquireCronLock and ReleaseCronLock and are left alone.
func (m *Store) UpdateCronEntry(_ context.Context, entry *cron.Entry) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entry.ID.String()
	existing, ok := m.crons[key]
	if !ok {
		return flowbridge.ErrCronNotFound
	}
	next := copyEntry(entry)
	next.LockedBy = existing.LockedBy
	next.LockedUntil = existing.LockedUntil
	next.CreatedAt = existing.CreatedAt
	next.UpdatedAt = time.Now().UTC()
	m.crons[key] = next
	return nil
}

// DeleteCron removes a recurring entry by ID.
func (m *Store) DeleteCron(_ context.Context, entryID id.CronID) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := entryID.String()
	if _, ok := m.crons[key]; !ok {
		return flowbridge.ErrCronNotFound
	}
	delete(m.crons, key)
	return nil
}
