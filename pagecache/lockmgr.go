package pagecache

import (
	"fmt"
	"sync"
)

// waiter is one entry in a slot's FIFO wait queue.
type waiter struct {
	tid  TransactionID
	mode LockMode
}

// lockState is the per-slot lock table entry: a slot is unlocked,
// shared by a set of transactions, or exclusive to one, plus an
// ordered queue of transactions blocked on it.
type lockState struct {
	shared    map[TransactionID]struct{}
	exclusive TransactionID
	isExcl    bool
	waiters   []waiter
}

func newLockState() *lockState {
	return &lockState{shared: make(map[TransactionID]struct{})}
}

// LockManager grants, queues, and detects deadlocks among per-slot
// shared/exclusive locks keyed by transaction identity. Locks are keyed
// by buffer-slot index, not by PageID: the buffer pool is responsible
// for mapping a PageID to its current slot before calling in here.
//
// A single mutex guards the whole lock table; a sync.Cond broadcasts on
// every state change so blocked Acquire calls can re-check their own
// condition instead of busy-polling.
type LockManager struct {
	mu      sync.Mutex
	cond    *sync.Cond
	slots   map[int]*lockState
	waitFor map[TransactionID]map[TransactionID]struct{}
}

// NewLockManager constructs an empty lock table.
func NewLockManager() *LockManager {
	lm := &LockManager{
		slots:   make(map[int]*lockState),
		waitFor: make(map[TransactionID]map[TransactionID]struct{}),
	}
	lm.cond = sync.NewCond(&lm.mu)
	return lm
}

func (lm *LockManager) stateFor(slot int) *lockState {
	st, ok := lm.slots[slot]
	if !ok {
		st = newLockState()
		lm.slots[slot] = st
	}
	return st
}

// Acquire blocks the calling goroutine until tid is granted mode on
// slot, or until a deadlock cycle involving tid is detected, in which
// case it returns a DeadlockAborted CacheError and tid holds nothing new
// on slot. Acquiring a lock tid already holds at an equal or stronger
// mode is a no-op. A transaction that solely holds shared on slot
// upgrades to exclusive atomically.
func (lm *LockManager) Acquire(tid TransactionID, slot int, mode LockMode) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()

	st := lm.stateFor(slot)
	lm.enqueue(st, tid, mode)

	for {
		granted, conflicts := lm.tryGrant(st, tid, mode)
		if granted {
			lm.grant(st, tid, mode)
			lm.dequeue(st, tid)
			delete(lm.waitFor, tid)
			lm.cond.Broadcast()
			return nil
		}
		lm.waitFor[tid] = conflicts
		if lm.hasCycle(tid) {
			lm.dequeue(st, tid)
			delete(lm.waitFor, tid)
			lm.cond.Broadcast()
			return newCacheError(DeadlockAborted,
				fmt.Sprintf("%v acquiring %v on slot %d would deadlock", tid, mode, slot))
		}
		lm.cond.Wait()
	}
}

// tryGrant reports whether mode can be granted to tid right now. When it
// cannot, it returns the transactions tid is now waiting on: the holders
// of the slot in a conflicting mode, or the exclusive waiter at the
// head of the queue when the writer-priority rule is the only obstacle.
// Queued waiters get an edge too so that deadlock chains running
// through a queued writer stay visible to cycle detection.
func (lm *LockManager) tryGrant(st *lockState, tid TransactionID, mode LockMode) (granted bool, conflicts map[TransactionID]struct{}) {
	if mode == ReadPerm {
		if st.isExcl {
			if st.exclusive == tid {
				return true, nil
			}
			return false, map[TransactionID]struct{}{st.exclusive: {}}
		}
		if _, already := st.shared[tid]; already {
			return true, nil
		}
		if head, blocked := lm.headExclusiveWaiter(st, tid); blocked {
			return false, map[TransactionID]struct{}{head: {}}
		}
		return true, nil
	}

	// WritePerm
	if st.isExcl {
		if st.exclusive == tid {
			return true, nil
		}
		return false, map[TransactionID]struct{}{st.exclusive: {}}
	}
	if len(st.shared) == 0 {
		return true, nil
	}
	if _, solo := st.shared[tid]; solo && len(st.shared) == 1 {
		return true, nil // atomic shared -> exclusive upgrade
	}
	conflicts = make(map[TransactionID]struct{}, len(st.shared))
	for h := range st.shared {
		if h != tid {
			conflicts[h] = struct{}{}
		}
	}
	return false, conflicts
}

// headExclusiveWaiter reports whether a different transaction's
// exclusive request sits at the head of the queue, blocking new shared
// grants (the anti-starvation rule of the compatibility table).
func (lm *LockManager) headExclusiveWaiter(st *lockState, tid TransactionID) (TransactionID, bool) {
	if len(st.waiters) == 0 {
		return 0, false
	}
	head := st.waiters[0]
	if head.mode == WritePerm && head.tid != tid {
		return head.tid, true
	}
	return 0, false
}

func (lm *LockManager) grant(st *lockState, tid TransactionID, mode LockMode) {
	if mode == ReadPerm {
		if st.isExcl && st.exclusive == tid {
			return
		}
		st.shared[tid] = struct{}{}
		return
	}
	delete(st.shared, tid)
	st.isExcl = true
	st.exclusive = tid
}

func (lm *LockManager) enqueue(st *lockState, tid TransactionID, mode LockMode) {
	for _, w := range st.waiters {
		if w.tid == tid {
			return
		}
	}
	st.waiters = append(st.waiters, waiter{tid: tid, mode: mode})
}

func (lm *LockManager) dequeue(st *lockState, tid TransactionID) {
	for i, w := range st.waiters {
		if w.tid == tid {
			st.waiters = append(st.waiters[:i], st.waiters[i+1:]...)
			return
		}
	}
}

// hasCycle performs a DFS over the wait-for graph starting at start,
// reporting whether any path leads back to start. Only edges rooted at
// currently blocked transactions exist in the graph, so a cycle found
// here always still includes start by construction.
func (lm *LockManager) hasCycle(start TransactionID) bool {
	visited := make(map[TransactionID]bool)
	var dfs func(tid TransactionID) bool
	dfs = func(tid TransactionID) bool {
		for next := range lm.waitFor[tid] {
			if next == start {
				return true
			}
			if visited[next] {
				continue
			}
			visited[next] = true
			if dfs(next) {
				return true
			}
		}
		return false
	}
	return dfs(start)
}

// Release drops tid's interest in slot, waking any queued waiter that
// now fits. Releasing a slot tid does not hold is an InvariantViolation.
func (lm *LockManager) Release(tid TransactionID, slot int) error {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	return lm.releaseLocked(tid, slot)
}

func (lm *LockManager) releaseLocked(tid TransactionID, slot int) error {
	st, ok := lm.slots[slot]
	if !ok {
		return newCacheError(InvariantViolation, fmt.Sprintf("%v does not hold slot %d", tid, slot))
	}
	held := false
	if st.isExcl && st.exclusive == tid {
		st.isExcl = false
		st.exclusive = 0
		held = true
	}
	if _, ok := st.shared[tid]; ok {
		delete(st.shared, tid)
		held = true
	}
	if !held {
		return newCacheError(InvariantViolation, fmt.Sprintf("%v does not hold slot %d", tid, slot))
	}
	if !st.isExcl && len(st.shared) == 0 && len(st.waiters) == 0 {
		delete(lm.slots, slot)
	}
	lm.cond.Broadcast()
	return nil
}

// IsHolding reports, without blocking, whether tid currently holds any
// lock (shared or exclusive) on slot.
func (lm *LockManager) IsHolding(tid TransactionID, slot int) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st, ok := lm.slots[slot]
	if !ok {
		return false
	}
	if st.isExcl && st.exclusive == tid {
		return true
	}
	_, ok = st.shared[tid]
	return ok
}

// HasHolders reports whether any transaction currently holds or is
// queued for slot. The buffer pool consults this before evicting a
// clean slot, so a slot never changes PageID out from under a
// transaction that is still using it.
func (lm *LockManager) HasHolders(slot int) bool {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	st, ok := lm.slots[slot]
	if !ok {
		return false
	}
	return st.isExcl || len(st.shared) != 0 || len(st.waiters) != 0
}

// HeldSlots returns every slot index tid currently holds a lock on.
func (lm *LockManager) HeldSlots(tid TransactionID) []int {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	var slots []int
	for slot, st := range lm.slots {
		if st.isExcl && st.exclusive == tid {
			slots = append(slots, slot)
			continue
		}
		if _, ok := st.shared[tid]; ok {
			slots = append(slots, slot)
		}
	}
	return slots
}

// ReleaseAll removes tid from every slot's holder set and waiters list,
// and clears any wait-for edges naming it. Safe to call for a tid that
// holds nothing.
func (lm *LockManager) ReleaseAll(tid TransactionID) {
	lm.mu.Lock()
	defer lm.mu.Unlock()
	for slot, st := range lm.slots {
		released := false
		if st.isExcl && st.exclusive == tid {
			st.isExcl = false
			st.exclusive = 0
			released = true
		}
		if _, ok := st.shared[tid]; ok {
			delete(st.shared, tid)
			released = true
		}
		lm.dequeue(st, tid)
		if released && !st.isExcl && len(st.shared) == 0 && len(st.waiters) == 0 {
			delete(lm.slots, slot)
		}
	}
	delete(lm.waitFor, tid)
	for _, edges := range lm.waitFor {
		delete(edges, tid)
	}
	lm.cond.Broadcast()
}
