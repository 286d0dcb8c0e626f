package pagecache

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/d4l3k/messagediff"
)

func newTestHeapFile(t *testing.T, recordSize int) (*HeapFile, *BufferPool) {
	t.Helper()
	dir := t.TempDir()
	file, err := NewHeapFile(1, filepath.Join(dir, "table.dat"), recordSize)
	if err != nil {
		t.Fatalf("NewHeapFile: %v", err)
	}
	catalog := NewMapCatalog()
	catalog.Register(1, file)
	pool := NewBufferPool(16, catalog, nil)
	return file, pool
}

func TestHeapFileInsertAssignsRecordID(t *testing.T) {
	file, pool := newTestHeapFile(t, 32)
	tid := NewTID()

	tup := &Tuple{Data: []byte("hello world")}
	pages, err := file.InsertTuple(tid, pool, tup)
	if err != nil {
		t.Fatalf("InsertTuple: %v", err)
	}
	if len(pages) != 1 {
		t.Fatalf("expected exactly 1 modified page, got %d", len(pages))
	}
	if tup.RecordID.PageID.TableID != 1 || tup.RecordID.PageID.PageNumber != 0 {
		t.Fatalf("expected RecordID on page (1,0), got %v", tup.RecordID.PageID)
	}
}

func TestHeapFileInsertThenReadBack(t *testing.T) {
	file, pool := newTestHeapFile(t, 32)
	tid := NewTID()

	tup := &Tuple{Data: []byte("round trip")}
	if _, err := file.InsertTuple(tid, pool, tup); err != nil {
		t.Fatalf("InsertTuple: %v", err)
	}
	if err := pool.TransactionComplete(tid, true); err != nil {
		t.Fatalf("commit: %v", err)
	}

	page, err := file.ReadPage(tup.RecordID.PageID.PageNumber)
	if err != nil {
		t.Fatalf("ReadPage: %v", err)
	}
	hp := page.(*heapPage)
	got := bytes.TrimRight(hp.tuples[tup.RecordID.Slot], "\x00")
	if string(got) != "round trip" {
		t.Fatalf("expected %q, got %q", "round trip", got)
	}
}

func TestHeapFileDeleteFreesSlot(t *testing.T) {
	file, pool := newTestHeapFile(t, 32)
	tid := NewTID()

	tup := &Tuple{Data: []byte("to be deleted")}
	if _, err := file.InsertTuple(tid, pool, tup); err != nil {
		t.Fatalf("InsertTuple: %v", err)
	}
	if _, err := file.DeleteTuple(tid, pool, *tup); err != nil {
		t.Fatalf("DeleteTuple: %v", err)
	}

	other := &Tuple{Data: []byte("reuses the freed slot")}
	if _, err := file.InsertTuple(tid, pool, other); err != nil {
		t.Fatalf("InsertTuple after delete: %v", err)
	}
	if other.RecordID.Slot != tup.RecordID.Slot {
		t.Fatalf("expected the freed slot %d to be reused, got %d", tup.RecordID.Slot, other.RecordID.Slot)
	}
}

func TestHeapFileDeleteUnknownSlotIsInvariantViolation(t *testing.T) {
	file, pool := newTestHeapFile(t, 32)
	tid := NewTID()

	bogus := Tuple{RecordID: RecordID{PageID: PageID{TableID: 1, PageNumber: 0}, Slot: 3}}
	_, err := file.DeleteTuple(tid, pool, bogus)
	cerr, ok := err.(CacheError)
	if !ok || cerr.Code != InvariantViolation {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestHeapFileAllocatesNewPageWhenFull(t *testing.T) {
	// A tiny record size packs many slots per page; force exactly that
	// many inserts to fill page 0, then confirm the next insert lands on
	// page 1.
	file, pool := newTestHeapFile(t, 16)
	tid := NewTID()

	slotsPerPage := file.slotsPerPage()
	for i := 0; i < slotsPerPage; i++ {
		tup := &Tuple{Data: []byte("x")}
		if _, err := file.InsertTuple(tid, pool, tup); err != nil {
			t.Fatalf("insert %d: %v", i, err)
		}
		if tup.RecordID.PageID.PageNumber != 0 {
			t.Fatalf("insert %d: expected page 0, landed on %v", i, tup.RecordID.PageID)
		}
	}

	overflow := &Tuple{Data: []byte("overflow")}
	if _, err := file.InsertTuple(tid, pool, overflow); err != nil {
		t.Fatalf("overflow insert: %v", err)
	}
	if overflow.RecordID.PageID.PageNumber != 1 {
		t.Fatalf("expected overflow tuple on page 1, got %v", overflow.RecordID.PageID)
	}
}

func TestHeapFileInsertRejectsOversizedRecord(t *testing.T) {
	file, pool := newTestHeapFile(t, 8)
	tid := NewTID()

	tup := &Tuple{Data: []byte("this record is far too long")}
	_, err := file.InsertTuple(tid, pool, tup)
	cerr, ok := err.(CacheError)
	if !ok || cerr.Code != InvariantViolation {
		t.Fatalf("expected InvariantViolation for oversized record, got %v", err)
	}
}

func TestHeapPageSerializationRoundTrip(t *testing.T) {
	f := &HeapFile{tableID: 1, recordSize: 16}
	id := PageID{TableID: 1, PageNumber: 0}
	p := newHeapPage(id, f)
	if _, ok := p.insertTuple([]byte("first record")); !ok {
		t.Fatal("expected room for first record")
	}
	if _, ok := p.insertTuple([]byte("second record")); !ok {
		t.Fatal("expected room for second record")
	}

	data, err := p.Bytes()
	if err != nil {
		t.Fatalf("Bytes: %v", err)
	}
	if len(data) != PageSize {
		t.Fatalf("expected serialized page of %d bytes, got %d", PageSize, len(data))
	}

	reread := newHeapPage(id, f)
	if err := reread.initFromBuffer(data); err != nil {
		t.Fatalf("initFromBuffer: %v", err)
	}
	if reread.numUsedSlots != p.numUsedSlots {
		t.Fatalf("expected %d used slots after round trip, got %d", p.numUsedSlots, reread.numUsedSlots)
	}
	if diff, equal := messagediff.PrettyDiff(p.tuples, reread.tuples); !equal {
		t.Fatalf("tuple slots did not survive the serialization round trip:\n%s", diff)
	}
}

func TestHeapFileNumPagesGrowsWithWrites(t *testing.T) {
	file, pool := newTestHeapFile(t, 16)
	if file.NumPages() != 0 {
		t.Fatalf("expected empty file to report 0 pages, got %d", file.NumPages())
	}
	tid := NewTID()
	tup := &Tuple{Data: []byte("one record")}
	if _, err := file.InsertTuple(tid, pool, tup); err != nil {
		t.Fatalf("InsertTuple: %v", err)
	}
	if err := pool.TransactionComplete(tid, true); err != nil {
		t.Fatalf("commit: %v", err)
	}
	if file.NumPages() != 1 {
		t.Fatalf("expected 1 page after a flushed insert, got %d", file.NumPages())
	}
}
