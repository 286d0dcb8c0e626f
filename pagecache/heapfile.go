package pagecache

/*
heapfile.go is a minimal DBFile: an unordered flat file of fixed-size
opaque tuple records, one table per file. Typed field layout belongs to
the layers above; every record here is a raw byte blob capped at a
fixed record size. Every page is laid out as

	+--------------------------------------------------+
	| num slots (4 bytes) | num used (4 bytes)          |
	+--------------------------------------------------+
	| slot 0: used-flag (1 byte) + record (RecordSize)  |
	| slot 1: ...                                        |
	| ...                                                |
	+--------------------------------------------------+

padded with zeros to PageSize.
*/

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

const slotHeaderSize = 8

// HeapFile is an unordered collection of fixed-size tuples backed by a
// single flat file. numPages counts allocated pages, which can run
// ahead of the on-disk size while newly allocated pages sit unflushed
// in the buffer pool; lastEmpty is a scan-start hint, not a guarantee.
type HeapFile struct {
	mu         sync.Mutex
	tableID    int
	path       string
	recordSize int
	numPages   int
	lastEmpty  int
	stats      *TableStats
}

// NewHeapFile opens (creating if necessary) the backing file for a
// table. recordSize bounds every tuple's Data to that many bytes.
func NewHeapFile(tableID int, path string, recordSize int) (*HeapFile, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, wrapIoError("creating heap file", err)
	}
	file.Close()
	info, err := os.Stat(path)
	if err != nil {
		return nil, wrapIoError("sizing heap file", err)
	}
	numPages := int((info.Size() + int64(PageSize) - 1) / int64(PageSize))
	return &HeapFile{tableID: tableID, path: path, recordSize: recordSize, numPages: numPages, stats: NewTableStats()}, nil
}

// TableID implements DBFile.
func (f *HeapFile) TableID() int { return f.tableID }

// Stats returns the file's incrementally maintained cardinality
// estimates.
func (f *HeapFile) Stats() *TableStats { return f.stats }

func (f *HeapFile) slotsPerPage() int {
	return (PageSize - slotHeaderSize) / (1 + f.recordSize)
}

// withFile opens the backing file, takes a scoped advisory flock in
// the requested mode, runs fn, and guarantees both are released/closed
// on every exit path, including error.
func (f *HeapFile) withFile(flockMode int, fn func(*os.File) error) error {
	file, err := os.OpenFile(f.path, os.O_RDWR, 0644)
	if err != nil {
		return wrapIoError("opening heap file", err)
	}
	defer file.Close()
	if err := unix.Flock(int(file.Fd()), flockMode); err != nil {
		return wrapIoError("locking heap file", err)
	}
	defer unix.Flock(int(file.Fd()), unix.LOCK_UN)
	return fn(file)
}

// NumPages reports the current size of the file in pages, counting
// pages allocated in memory but not yet flushed.
func (f *HeapFile) NumPages() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.numPages
}

// ReadPage reads and deserializes page pageNo. Reading a page that was
// allocated but never flushed (or one at or beyond the end of file)
// returns a freshly initialized empty page rather than an error,
// matching the InsertTuple path's need to materialize a brand-new page.
func (f *HeapFile) ReadPage(pageNo int) (Page, error) {
	if pageNo < 0 {
		return nil, newCacheError(InvariantViolation, fmt.Sprintf("negative page number %d", pageNo))
	}
	hp := newHeapPage(PageID{TableID: f.tableID, PageNumber: pageNo}, f)
	if pageNo >= f.NumPages() {
		return hp, nil
	}
	err := f.withFile(unix.LOCK_SH, func(file *os.File) error {
		buf := make([]byte, PageSize)
		if _, err := file.ReadAt(buf, int64(pageNo)*int64(PageSize)); err != nil && err != io.EOF {
			return err
		}
		return hp.initFromBuffer(buf)
	})
	if err != nil {
		return nil, wrapIoError(fmt.Sprintf("reading page %d of %s", pageNo, f.path), err)
	}
	return hp, nil
}

// WritePage writes p's current bytes to disk at its page number.
func (f *HeapFile) WritePage(p Page) error {
	hp, ok := p.(*heapPage)
	if !ok {
		return newCacheError(InvariantViolation, fmt.Sprintf("unsupported page type %T", p))
	}
	data, err := hp.Bytes()
	if err != nil {
		return wrapIoError("serializing page for write", err)
	}
	err = f.withFile(unix.LOCK_EX, func(file *os.File) error {
		_, err := file.WriteAt(data, int64(hp.pageNumber)*int64(PageSize))
		return err
	})
	if err != nil {
		return wrapIoError(fmt.Sprintf("writing page %d of %s", hp.pageNumber, f.path), err)
	}
	return nil
}

// InsertTuple finds (or allocates) a page with a free slot for t,
// fetching it through pool with write permission, and returns the one
// page it modified. The scan starts at the last page known to have had
// room and falls back to extending the file by one page.
func (f *HeapFile) InsertTuple(tid TransactionID, pool *BufferPool, t *Tuple) ([]Page, error) {
	if len(t.Data) > f.recordSize {
		return nil, newCacheError(InvariantViolation, fmt.Sprintf("record of %d bytes exceeds RecordSize %d", len(t.Data), f.recordSize))
	}
	f.mu.Lock()
	start, n := f.lastEmpty, f.numPages
	f.mu.Unlock()
	if start >= n {
		start = 0
	}
	for pageNo := start; pageNo < n; pageNo++ {
		page, err := pool.GetPage(tid, PageID{TableID: f.tableID, PageNumber: pageNo}, WritePerm)
		if err != nil {
			return nil, err
		}
		hp := page.(*heapPage)
		if slot, ok := hp.insertTuple(t.Data); ok {
			hp.SetDirty(tid, true)
			t.RecordID = RecordID{PageID: hp.id, Slot: slot}
			f.mu.Lock()
			f.lastEmpty = pageNo
			f.mu.Unlock()
			f.stats.Observe(t.Data)
			return []Page{page}, nil
		}
	}

	// every scanned page is full; extend the file by one page
	f.mu.Lock()
	pageNo := f.numPages
	f.numPages++
	f.lastEmpty = pageNo
	f.mu.Unlock()
	page, err := pool.GetPage(tid, PageID{TableID: f.tableID, PageNumber: pageNo}, WritePerm)
	if err != nil {
		return nil, err
	}
	hp := page.(*heapPage)
	slot, ok := hp.insertTuple(t.Data)
	if !ok {
		return nil, newCacheError(InvariantViolation, "freshly allocated page rejected insert")
	}
	hp.SetDirty(tid, true)
	t.RecordID = RecordID{PageID: hp.id, Slot: slot}
	f.stats.Observe(t.Data)
	return []Page{page}, nil
}

// DeleteTuple removes the tuple named by t.RecordID, fetching its page
// through pool with write permission.
func (f *HeapFile) DeleteTuple(tid TransactionID, pool *BufferPool, t Tuple) ([]Page, error) {
	page, err := pool.GetPage(tid, t.RecordID.PageID, WritePerm)
	if err != nil {
		return nil, err
	}
	hp := page.(*heapPage)
	if !hp.deleteTuple(t.RecordID.Slot) {
		return nil, newCacheError(InvariantViolation, fmt.Sprintf("slot %d does not exist", t.RecordID.Slot))
	}
	hp.SetDirty(tid, true)
	return []Page{page}, nil
}

// heapPage implements Page for HeapFile's fixed-record layout.
type heapPage struct {
	id           PageID
	file         *HeapFile
	pageNumber   int
	numSlots     int
	numUsedSlots int
	tuples       [][]byte // nil entry == empty slot
	dirtyBy      TransactionID
	dirty        bool
}

func newHeapPage(id PageID, f *HeapFile) *heapPage {
	n := f.slotsPerPage()
	return &heapPage{
		id:         id,
		file:       f,
		pageNumber: id.PageNumber,
		numSlots:   n,
		tuples:     make([][]byte, n),
	}
}

func (p *heapPage) ID() PageID { return p.id }

func (p *heapPage) Dirtier() (TransactionID, bool) {
	return p.dirtyBy, p.dirty
}

func (p *heapPage) SetDirty(tid TransactionID, dirty bool) {
	p.dirty = dirty
	if dirty {
		p.dirtyBy = tid
	} else {
		p.dirtyBy = 0
	}
}

func (p *heapPage) File() DBFile { return p.file }

// insertTuple places data into the first free slot, returning its slot
// index, or ok=false if the page is full.
func (p *heapPage) insertTuple(data []byte) (slot int, ok bool) {
	for slot, existing := range p.tuples {
		if existing != nil {
			continue
		}
		rec := make([]byte, p.file.recordSize)
		copy(rec, data)
		p.tuples[slot] = rec
		p.numUsedSlots++
		return slot, true
	}
	return 0, false
}

// deleteTuple frees the given slot, reporting false if it was already
// empty or out of range.
func (p *heapPage) deleteTuple(slot int) bool {
	if slot < 0 || slot >= len(p.tuples) || p.tuples[slot] == nil {
		return false
	}
	p.tuples[slot] = nil
	p.numUsedSlots--
	return true
}

// Bytes serializes the page header and every occupied slot, padded to
// PageSize.
func (p *heapPage) Bytes() ([]byte, error) {
	buf := new(bytes.Buffer)
	if err := binary.Write(buf, binary.LittleEndian, int32(p.numSlots)); err != nil {
		return nil, err
	}
	if err := binary.Write(buf, binary.LittleEndian, int32(p.numUsedSlots)); err != nil {
		return nil, err
	}
	for _, rec := range p.tuples {
		if rec == nil {
			buf.WriteByte(0)
			buf.Write(make([]byte, p.file.recordSize))
			continue
		}
		buf.WriteByte(1)
		buf.Write(rec)
	}
	out := buf.Bytes()
	if len(out) < PageSize {
		out = append(out, make([]byte, PageSize-len(out))...)
	}
	return out, nil
}

// initFromBuffer reads the page header and every slot back from a
// PageSize buffer previously produced by Bytes. A zero header means the
// on-disk bytes were never written (a hole left by an aborted
// allocation); the page keeps its fresh empty layout.
func (p *heapPage) initFromBuffer(data []byte) error {
	r := bytes.NewReader(data)
	var numSlots, numUsed int32
	if err := binary.Read(r, binary.LittleEndian, &numSlots); err != nil {
		return err
	}
	if err := binary.Read(r, binary.LittleEndian, &numUsed); err != nil {
		return err
	}
	if numSlots == 0 {
		return nil
	}
	p.numSlots = int(numSlots)
	p.numUsedSlots = int(numUsed)
	p.tuples = make([][]byte, p.numSlots)
	for i := 0; i < p.numSlots; i++ {
		used, err := r.ReadByte()
		if err != nil {
			return err
		}
		rec := make([]byte, p.file.recordSize)
		if _, err := io.ReadFull(r, rec); err != nil {
			return err
		}
		if used == 1 {
			p.tuples[i] = rec
		}
	}
	return nil
}
