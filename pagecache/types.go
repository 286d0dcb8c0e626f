// Package pagecache implements the transactional page cache that sits
// between query-side callers and an on-disk heap of fixed-size pages: a
// bounded buffer pool with demand-paged read-through, per-slot
// shared/exclusive locking with deadlock detection, and commit-time
// write-ahead-logged durability under a NO-STEAL eviction policy.
package pagecache

import (
	"fmt"
	"sync/atomic"
)

// PageSize is the process-wide size, in bytes, of every page. It is a
// var rather than a const so tests can shrink it to exercise eviction
// and WAL paths without allocating real disk files.
var PageSize = 4096

// TransactionID is an opaque, comparable transaction identity with a
// total order used only to break ties deterministically (e.g. in tests
// that need a stable victim).
type TransactionID int64

var nextTID int64

// NewTID allocates a fresh TransactionID. Transactions have no explicit
// create step in this package; a TID comes into existence the first
// time it is passed to Acquire or GetPage. Safe to call from any
// goroutine.
func NewTID() TransactionID {
	return TransactionID(atomic.AddInt64(&nextTID, 1))
}

func (t TransactionID) String() string {
	return fmt.Sprintf("tid(%d)", int64(t))
}

// PageID addresses a page within a table's heap file. Two PageIDs with
// equal fields compare equal, which is what makes PageID usable as a
// map key.
type PageID struct {
	TableID    int
	PageNumber int
}

func (p PageID) String() string {
	return fmt.Sprintf("page(%d,%d)", p.TableID, p.PageNumber)
}

// RecordID locates a single tuple within a page.
type RecordID struct {
	PageID PageID
	Slot   int
}

// Tuple is an opaque fixed-size record. Typed field layout is outside
// this package's scope; callers that care about field types live above
// the storage backend.
type Tuple struct {
	RecordID RecordID
	Data     []byte
}

// Page is the unit the buffer pool caches. Implementations are supplied
// by a storage backend (e.g. HeapFile); the pool only needs to be able
// to identify a page, read/write its dirty-by bit, serialize it for the
// WAL and for on-disk writes, and find the file that owns it.
type Page interface {
	ID() PageID
	// Dirtier reports whether the page has in-memory modifications not
	// yet flushed, and if so which transaction made them. A page is
	// never "dirty by nobody": ok is false exactly when the page is
	// clean.
	Dirtier() (tid TransactionID, ok bool)
	// SetDirty marks (or clears, when dirty is false) the page as
	// modified by tid.
	SetDirty(tid TransactionID, dirty bool)
	// Bytes serializes the page to a PageSize buffer, suitable both for
	// an on-disk write and for a WAL before/after image.
	Bytes() ([]byte, error)
	// File returns the storage backend that owns this page.
	File() DBFile
}

// DBFile is the per-table storage backend the buffer pool reads through
// and writes back to. Selected by the Catalog from a table_id.
type DBFile interface {
	// TableID returns the identifier this file is registered under.
	TableID() int
	// ReadPage reads and deserializes a single page from disk.
	ReadPage(pageNo int) (Page, error)
	// WritePage writes a page's current bytes back to disk at its page
	// number. Called only by the pool's flush path, never directly by
	// callers.
	WritePage(p Page) error
	// InsertTuple adds t to some page of the file (allocating a new one
	// if needed), fetching any page it touches through the supplied
	// pool with write permission, and returns every page it modified.
	// On success t.RecordID is set to the tuple's new location.
	InsertTuple(tid TransactionID, pool *BufferPool, t *Tuple) ([]Page, error)
	// DeleteTuple removes the tuple named by t.RecordID, fetching the
	// owning page through the supplied pool with write permission, and
	// returns every page it modified.
	DeleteTuple(tid TransactionID, pool *BufferPool, t Tuple) ([]Page, error)
	// NumPages reports the current size of the file in pages.
	NumPages() int
}

// Catalog resolves a table_id to the storage backend that owns it.
type Catalog interface {
	DatabaseFile(tableID int) (DBFile, error)
}

// Log is the write-ahead log collaborator. Implementations must make
// LogUpdate's effects durable only once Force returns.
type Log interface {
	LogBegin(tid TransactionID)
	LogUpdate(tid TransactionID, before, after Page) error
	LogCommit(tid TransactionID)
	LogAbort(tid TransactionID)
	Force() error
}

// LockMode is the permission a caller requests on a page/slot.
type LockMode int

const (
	// ReadPerm requests a shared lock.
	ReadPerm LockMode = iota
	// WritePerm requests an exclusive lock.
	WritePerm
)

func (m LockMode) String() string {
	if m == WritePerm {
		return "exclusive"
	}
	return "shared"
}
