package locktable

import (
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/pixperk/mutexd/pkg/clock"
	"github.com/pixperk/mutexd/pkg/types"
)

// shared map from lock id to holder, the single source of truth for lock state
// critical :
// - at most one owner per id at any instant
// - a record exists only while the lock is held, release deletes it
// - every operation runs under one mutex so they are linearizable
type Table struct {
	mu sync.Mutex

	locks map[string]*types.Lock            // lock id -> Lock
	owned map[uuid.UUID]map[string]struct{} // owner -> ids it holds

	clock clock.Clock
}

func New() *Table {
	return NewWithClock(clock.Real{})
}

func NewWithClock(c clock.Clock) *Table {
	if c == nil {
		c = clock.Real{}
	}
	return &Table{
		locks: make(map[string]*types.Lock),
		owned: make(map[uuid.UUID]map[string]struct{}),
		clock: c,
	}
}

// marks id as held by owner if nobody holds it
// returns false without side effects when id is held, including by owner itself
func (t *Table) TryAcquire(id string, owner uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	if _, held := t.locks[id]; held {
		return false
	}

	t.locks[id] = &types.Lock{
		ID:         id,
		Owner:      owner,
		AcquiredAt: t.clock.Now(),
	}

	ids, ok := t.owned[owner]
	if !ok {
		ids = make(map[string]struct{})
		t.owned[owner] = ids
	}
	ids[id] = struct{}{}

	return true
}

// frees id if owner holds it
// returns false if id is free or held by someone else
func (t *Table) Release(id string, owner uuid.UUID) bool {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, held := t.locks[id]
	if !held || lock.Owner != owner {
		return false
	}

	t.drop(id, owner)
	return true
}

// frees every id held by owner and returns them sorted
// safe to call for an owner that holds nothing
func (t *Table) ReleaseAll(owner uuid.UUID) []string {
	t.mu.Lock()
	defer t.mu.Unlock()

	ids := t.owned[owner]
	if len(ids) == 0 {
		return nil
	}

	released := make([]string, 0, len(ids))
	for id := range ids {
		released = append(released, id)
	}
	for _, id := range released {
		t.drop(id, owner)
	}

	sort.Strings(released)
	return released
}

// caller must hold t.mu
func (t *Table) drop(id string, owner uuid.UUID) {
	delete(t.locks, id)

	ids := t.owned[owner]
	delete(ids, id)
	if len(ids) == 0 {
		delete(t.owned, owner)
	}
}

// returns the owner of id if it is held
func (t *Table) Holder(id string) (uuid.UUID, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()

	lock, held := t.locks[id]
	if !held {
		return uuid.Nil, false
	}
	return lock.Owner, true
}

// copies of every held lock, sorted by id
func (t *Table) Snapshot() []types.Lock {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := make([]types.Lock, 0, len(t.locks))
	for _, lock := range t.locks {
		out = append(out, *lock)
	}

	sort.Slice(out, func(i, j int) bool {
		return out[i].ID < out[j].ID
	})
	return out
}

func (t *Table) Stats() types.Stats {
	t.mu.Lock()
	defer t.mu.Unlock()

	return types.Stats{
		Locks:  len(t.locks),
		Owners: len(t.owned),
	}
}
