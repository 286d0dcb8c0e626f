package pagecache

import (
	"fmt"
	"sync"
)

// slotState tracks one resident buffer slot. The before-image is the
// byte snapshot of the page as of its last known-clean state, used as
// the WAL undo image the next time the page is dirtied.
type slotState struct {
	page        Page
	beforeImage []byte
}

// BufferPool is a fixed-capacity cache of pages, demand-paged from a
// Catalog of storage backends and guarded by a LockManager keyed by
// slot index. It enforces NO-STEAL eviction and commit-time,
// write-ahead-logged durability.
type BufferPool struct {
	mu       sync.Mutex
	cond     *sync.Cond
	numPages int
	catalog  Catalog
	log      Log
	locks    *LockManager

	// slots[i] == nil means the slot is empty. slots[i] != nil with
	// page == nil means the slot is reserved and Loading: a filler
	// holds the slot's lock and is reading it from disk. byPageID
	// tracks both Loading and Resident slots, so a second GetPage for
	// the same PageID finds the reservation and queues on the lock
	// manager instead of loading the page into a second slot.
	slots    []*slotState
	byPageID map[PageID]int
	evictIdx int
}

// NewBufferPool constructs a pool with a fixed capacity of numPages
// slots. catalog resolves table_id to storage backend; log is the WAL
// collaborator flush_page appends to before writing a dirty page
// through. Both may be swapped in tests via SetCatalog/SetLog.
func NewBufferPool(numPages int, catalog Catalog, log Log) *BufferPool {
	bp := &BufferPool{
		numPages: numPages,
		catalog:  catalog,
		log:      log,
		locks:    NewLockManager(),
		slots:    make([]*slotState, numPages),
		byPageID: make(map[PageID]int),
	}
	bp.cond = sync.NewCond(&bp.mu)
	return bp
}

// SetCatalog swaps the catalog collaborator, e.g. to point at a test
// double.
func (bp *BufferPool) SetCatalog(c Catalog) { bp.mu.Lock(); defer bp.mu.Unlock(); bp.catalog = c }

// SetLog swaps the WAL collaborator.
func (bp *BufferPool) SetLog(l Log) { bp.mu.Lock(); defer bp.mu.Unlock(); bp.log = l }

// GetPage returns the cached page for pid, loading it from the
// catalog's storage backend on a miss and evicting a clean slot if the
// pool is full. The requested lock is acquired before the slot is
// filled, so a concurrent filler is never observed half-written by
// another transaction.
func (bp *BufferPool) GetPage(tid TransactionID, pid PageID, perm LockMode) (Page, error) {
retry:
	for {
		bp.mu.Lock()
		if slot, ok := bp.byPageID[pid]; ok {
			bp.mu.Unlock()
			if err := bp.locks.Acquire(tid, slot, perm); err != nil {
				return nil, err
			}
			bp.mu.Lock()
			for {
				st := bp.slots[slot]
				if st == nil || (st.page != nil && st.page.ID() != pid) {
					// Reservation was dropped (filler failed) or the
					// slot was fully evicted and reused while we
					// waited on the lock; our lock on this slot index
					// is now stale, drop it and retry from scratch.
					bp.mu.Unlock()
					bp.locks.Release(tid, slot)
					continue retry
				}
				if st.page != nil {
					bp.mu.Unlock()
					return st.page, nil
				}
				// Still Loading by whichever transaction reserved the
				// slot (reachable only when our own compatible shared
				// lock was granted alongside theirs); wait for the
				// fill to finish or fail.
				bp.cond.Wait()
			}
		}

		slot, err := bp.findFreeSlotLocked()
		if err != nil {
			bp.mu.Unlock()
			return nil, err
		}
		bp.mu.Unlock()

		// Lock the chosen slot before reserving it, so any transaction
		// that later finds the reservation queues on the lock manager
		// instead of holding a grant on a page that cannot be filled.
		if err := bp.locks.Acquire(tid, slot, perm); err != nil {
			return nil, err
		}

		bp.mu.Lock()
		if winner, ok := bp.byPageID[pid]; ok {
			// Another transaction reserved pid while we acquired. If it
			// chose our very slot our lock is already right; either way
			// go back around to the hit path.
			bp.mu.Unlock()
			if winner != slot {
				bp.locks.Release(tid, slot)
			}
			continue retry
		}
		if bp.slots[slot] != nil {
			// The slot was claimed for a different page while we
			// acquired; drop our now-pointless lock and start over.
			bp.mu.Unlock()
			bp.locks.Release(tid, slot)
			continue retry
		}
		bp.slots[slot] = &slotState{} // reserve: Loading, page == nil
		bp.byPageID[pid] = slot
		cat := bp.catalog
		bp.mu.Unlock()

		dbFile, err := cat.DatabaseFile(pid.TableID)
		if err != nil {
			bp.abandonLoad(pid, slot)
			bp.locks.Release(tid, slot)
			return nil, wrapIoError("resolving catalog entry", err)
		}

		page, err := dbFile.ReadPage(pid.PageNumber)
		if err != nil {
			bp.abandonLoad(pid, slot)
			bp.locks.Release(tid, slot)
			return nil, wrapIoError(fmt.Sprintf("reading %v", pid), err)
		}
		before, err := page.Bytes()
		if err != nil {
			bp.abandonLoad(pid, slot)
			bp.locks.Release(tid, slot)
			return nil, wrapIoError("snapshotting before-image", err)
		}

		bp.mu.Lock()
		bp.slots[slot] = &slotState{page: page, beforeImage: before}
		bp.cond.Broadcast()
		bp.mu.Unlock()
		return page, nil
	}
}

// abandonLoad clears a reserved-but-never-filled slot after a failed
// fill attempt (catalog miss or I/O error), waking any waiters so they
// retry instead of blocking on a reservation that will never complete.
func (bp *BufferPool) abandonLoad(pid PageID, slot int) {
	bp.mu.Lock()
	if bp.slots[slot] != nil && bp.slots[slot].page == nil {
		bp.slots[slot] = nil
		delete(bp.byPageID, pid)
	}
	bp.cond.Broadcast()
	bp.mu.Unlock()
}

// findFreeSlotLocked returns the index of an empty slot, running
// eviction first if the pool is full. Caller must hold bp.mu.
func (bp *BufferPool) findFreeSlotLocked() (int, error) {
	for i, st := range bp.slots {
		if st == nil {
			return i, nil
		}
	}
	return bp.evictLocked()
}

// evictLocked runs the NO-STEAL clock: advance evictIdx, skipping dirty
// or still-held slots, until a clean unheld resident slot is found
// (flush it, a no-op for a clean page, and empty it) or the cursor
// completes a full rotation without finding one, in which case
// NoEvictablePage is returned. Caller must hold bp.mu.
func (bp *BufferPool) evictLocked() (int, error) {
	n := len(bp.slots)
	for scanned := 0; scanned < n; scanned++ {
		idx := bp.evictIdx
		bp.evictIdx = (bp.evictIdx + 1) % n
		st := bp.slots[idx]
		if st == nil {
			return idx, nil
		}
		if st.page == nil {
			continue // Loading: not evictable until its filler finishes
		}
		if _, dirty := st.page.Dirtier(); dirty {
			continue
		}
		if bp.locks.HasHolders(idx) {
			continue // still in use; evicting would strand a live lock holder
		}
		if err := bp.flushSlotLocked(idx); err != nil {
			return 0, err
		}
		bp.emptySlotLocked(idx)
		return idx, nil
	}
	return 0, newCacheError(NoEvictablePage, "no resident slot is clean and unlocked")
}

func (bp *BufferPool) emptySlotLocked(slot int) {
	st := bp.slots[slot]
	if st == nil || st.page == nil {
		return
	}
	delete(bp.byPageID, st.page.ID())
	bp.slots[slot] = nil
	bp.cond.Broadcast()
}

// UnsafeRelease locates the slot holding pid and releases tid's lock on
// it. Intended only for controlled release such as read-only index
// probes that must not hold a page lock for the lifetime of the
// transaction.
func (bp *BufferPool) UnsafeRelease(tid TransactionID, pid PageID) error {
	bp.mu.Lock()
	slot, ok := bp.byPageID[pid]
	bp.mu.Unlock()
	if !ok {
		return newCacheError(InvariantViolation, fmt.Sprintf("%v not resident", pid))
	}
	return bp.locks.Release(tid, slot)
}

// HoldsLock reports whether pid is resident and tid holds any lock on
// its slot.
func (bp *BufferPool) HoldsLock(tid TransactionID, pid PageID) bool {
	bp.mu.Lock()
	slot, ok := bp.byPageID[pid]
	bp.mu.Unlock()
	if !ok {
		return false
	}
	return bp.locks.IsHolding(tid, slot)
}

// InsertTuple delegates to the storage backend for t's table, which
// fetches (with write permission) and marks dirty every page it
// touches; the pool records each as dirty-by tid.
func (bp *BufferPool) InsertTuple(tid TransactionID, tableID int, t *Tuple) ([]Page, error) {
	file, err := bp.catalog.DatabaseFile(tableID)
	if err != nil {
		return nil, wrapIoError("resolving catalog entry", err)
	}
	pages, err := file.InsertTuple(tid, bp, t)
	if err != nil {
		return nil, err
	}
	bp.markDirty(tid, pages)
	return pages, nil
}

// DeleteTuple is symmetric to InsertTuple, selecting the backend from
// the tuple's own record ID.
func (bp *BufferPool) DeleteTuple(tid TransactionID, t Tuple) ([]Page, error) {
	file, err := bp.catalog.DatabaseFile(t.RecordID.PageID.TableID)
	if err != nil {
		return nil, wrapIoError("resolving catalog entry", err)
	}
	pages, err := file.DeleteTuple(tid, bp, t)
	if err != nil {
		return nil, err
	}
	bp.markDirty(tid, pages)
	return pages, nil
}

func (bp *BufferPool) markDirty(tid TransactionID, pages []Page) {
	for _, p := range pages {
		p.SetDirty(tid, true)
	}
}

// TransactionComplete ends tid. If commit is true, every slot tid locks
// is flushed (WAL record appended and forced, then the page written)
// and its before-image refreshed to the now-clean contents. If commit
// is false, every slot tid locks that is dirty-by tid is emptied,
// discarding its in-memory changes. Either way every lock tid holds is
// released only once the per-slot pass completes: the set of slots tid
// locks is how the pool knows which pages tid touched, so releasing
// first would lose track of them.
func (bp *BufferPool) TransactionComplete(tid TransactionID, commit bool) error {
	slots := bp.locks.HeldSlots(tid)

	var firstErr error
	for _, slot := range slots {
		bp.mu.Lock()
		st := bp.slots[slot]
		if st == nil || st.page == nil {
			bp.mu.Unlock()
			continue
		}
		dirtier, isDirty := st.page.Dirtier()
		if commit {
			if isDirty && dirtier == tid {
				if err := bp.flushSlotLocked(slot); err != nil && firstErr == nil {
					firstErr = err
				}
			}
		} else if isDirty && dirtier == tid {
			bp.emptySlotLocked(slot)
		}
		bp.mu.Unlock()
	}

	if bp.log != nil {
		if commit {
			bp.log.LogCommit(tid)
		} else {
			bp.log.LogAbort(tid)
		}
		if err := bp.log.Force(); err != nil && firstErr == nil {
			firstErr = wrapIoError("forcing WAL", err)
		}
	}

	bp.locks.ReleaseAll(tid)
	return firstErr
}

// FlushPage locates pid's slot and, if dirty, appends a WAL record of
// its before/after images, forces the log, writes the page through its
// storage backend, and marks the slot clean. It never releases locks.
func (bp *BufferPool) FlushPage(pid PageID) error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	slot, ok := bp.byPageID[pid]
	if !ok {
		return newCacheError(InvariantViolation, fmt.Sprintf("%v not resident", pid))
	}
	return bp.flushSlotLocked(slot)
}

// flushSlotLocked does the actual WAL-then-write for a single slot.
// No-op for a clean page (satisfying NO-STEAL: evicting a clean page
// needs no WAL record). Caller must hold bp.mu.
func (bp *BufferPool) flushSlotLocked(slot int) error {
	st := bp.slots[slot]
	if st == nil || st.page == nil {
		return nil
	}
	dirtier, isDirty := st.page.Dirtier()
	if !isDirty {
		return nil
	}

	after, err := st.page.Bytes()
	if err != nil {
		return wrapIoError("serializing page for flush", err)
	}

	if bp.log != nil {
		beforePage := rawPage{id: st.page.ID(), data: st.beforeImage, file: st.page.File()}
		afterPage := rawPage{id: st.page.ID(), data: after, file: st.page.File()}
		if err := bp.log.LogUpdate(dirtier, beforePage, afterPage); err != nil {
			return wrapIoError("appending WAL update record", err)
		}
		if err := bp.log.Force(); err != nil {
			return wrapIoError("forcing WAL", err)
		}
	}

	if err := st.page.File().WritePage(st.page); err != nil {
		return wrapIoError(fmt.Sprintf("writing %v", st.page.ID()), err)
	}

	st.page.SetDirty(0, false)
	st.beforeImage = after
	return nil
}

// FlushAllPages flushes every resident dirty slot. For testing and
// checkpoint use only: invoking it while uncommitted transactions are
// running violates NO-STEAL, since it writes uncommitted data to disk
// without waiting for commit.
func (bp *BufferPool) FlushAllPages() error {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	for i, st := range bp.slots {
		if st == nil {
			continue
		}
		if err := bp.flushSlotLocked(i); err != nil {
			return err
		}
	}
	return nil
}

// RemovePage forcibly empties pid's slot without flushing. Required by
// the recovery manager to discard a rolled-back page, and by index
// maintenance to reclaim a deleted page's slot. Does not touch locks:
// the caller must have externally ensured no other transaction holds
// them.
func (bp *BufferPool) RemovePage(pid PageID) {
	bp.mu.Lock()
	defer bp.mu.Unlock()
	if slot, ok := bp.byPageID[pid]; ok {
		bp.emptySlotLocked(slot)
	}
}

// rawPage is a minimal Page used only to hand raw before/after byte
// images to the Log collaborator; it is never inserted into the pool's
// own slot table.
type rawPage struct {
	id   PageID
	data []byte
	file DBFile
}

func (r rawPage) ID() PageID                     { return r.id }
func (r rawPage) Dirtier() (TransactionID, bool) { return 0, false }
func (r rawPage) SetDirty(TransactionID, bool)   {}
func (r rawPage) Bytes() ([]byte, error)         { return r.data, nil }
func (r rawPage) File() DBFile                   { return r.file }
