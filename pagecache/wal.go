package pagecache

/*
wal.go implements the write-ahead log collaborator the buffer pool
appends to and forces before writing a dirty page through. Records are
variable length, laid out as

	+------------------------------------------+
	| record type (1 byte)                     |
	+------------------------------------------+
	| transaction id (8 bytes)                 |
	+------------------------------------------+
	| body (variable, empty for Begin/Commit/   |
	| Abort; for Update, the before image then  |
	| the after image, each preceded by its     |
	| table id and page number, 8 bytes each)   |
	+------------------------------------------+
	| offset of this record (8 bytes)           |
	+------------------------------------------+

Recovery replay (REDO/UNDO on startup) is handled by the surrounding
engine; this file only implements the write path TransactionComplete
depends on, plus a forward iterator for tests that want to assert on
record ordering.
*/

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"
	"log"
	"os"
	"sync"

	"golang.org/x/sys/unix"
)

// LogRecordType distinguishes the four record kinds this WAL writes.
type LogRecordType int8

const (
	BeginRecord LogRecordType = iota
	CommitRecord
	UpdateRecord
	AbortRecord
)

func (t LogRecordType) String() string {
	switch t {
	case BeginRecord:
		return "begin"
	case CommitRecord:
		return "commit"
	case UpdateRecord:
		return "update"
	case AbortRecord:
		return "abort"
	default:
		return "unknown"
	}
}

// LogEntry is one record read back by ForwardIterator.
type LogEntry struct {
	Offset int64
	Type   LogRecordType
	Tid    TransactionID
	Before PageID
	After  PageID
}

// FileLog is a Log backed by a single append-mostly file, advisory
// flocked for the process's exclusive use while open. Safe for
// concurrent use: the buffer pool
// serializes flushes through its own mutex, but commit/abort records
// are appended outside it.
type FileLog struct {
	mu     sync.Mutex
	file   *os.File
	buf    bytes.Buffer
	offset int64
}

// NewFileLog opens (creating if necessary) the log file at path and
// takes a non-blocking exclusive advisory lock on it, so a second
// process cannot also open it for writing.
func NewFileLog(path string) (*FileLog, error) {
	file, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return nil, wrapIoError("opening log file", err)
	}
	if err := unix.Flock(int(file.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		file.Close()
		return nil, wrapIoError(fmt.Sprintf("locking log file %s", path), err)
	}
	offset, err := file.Seek(0, io.SeekEnd)
	if err != nil {
		file.Close()
		return nil, wrapIoError("seeking to end of log file", err)
	}
	if offset > 0 {
		log.Printf("wal: reopened %s at offset %d; recovery replay is not performed", path, offset)
	}
	return &FileLog{file: file, offset: offset}, nil
}

// Close releases the advisory lock and closes the backing file.
func (f *FileLog) Close() error {
	unix.Flock(int(f.file.Fd()), unix.LOCK_UN)
	if err := f.file.Close(); err != nil {
		return wrapIoError("closing log file", err)
	}
	return nil
}

func (f *FileLog) write(data any) {
	binary.Write(&f.buf, binary.LittleEndian, data)
	f.offset += int64(binary.Size(data))
}

func (f *FileLog) writeHeader(typ LogRecordType, tid TransactionID) {
	f.write(int8(typ))
	f.write(int64(tid))
}

func (f *FileLog) writeFooter(offset int64) {
	f.write(offset)
}

func (f *FileLog) writePageImage(p Page) error {
	data, err := p.Bytes()
	if err != nil {
		return err
	}
	id := p.ID()
	f.write(int64(id.TableID))
	f.write(int64(id.PageNumber))
	f.write(data)
	return nil
}

// LogBegin records that tid has started.
func (f *FileLog) LogBegin(tid TransactionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	offset := f.offset
	f.writeHeader(BeginRecord, tid)
	f.writeFooter(offset)
}

// LogCommit records that tid has committed.
func (f *FileLog) LogCommit(tid TransactionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	offset := f.offset
	f.writeHeader(CommitRecord, tid)
	f.writeFooter(offset)
}

// LogAbort records that tid has aborted.
func (f *FileLog) LogAbort(tid TransactionID) {
	f.mu.Lock()
	defer f.mu.Unlock()
	offset := f.offset
	f.writeHeader(AbortRecord, tid)
	f.writeFooter(offset)
}

// LogUpdate records tid's before and after images of a single page.
// Does not force the log to disk; the caller (BufferPool.flushSlotLocked)
// is responsible for calling Force before writing the page through.
func (f *FileLog) LogUpdate(tid TransactionID, before, after Page) error {
	if before == nil || after == nil {
		return newCacheError(InvariantViolation, "before and after images must be non-nil")
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	offset := f.offset
	f.writeHeader(UpdateRecord, tid)
	if err := f.writePageImage(before); err != nil {
		return wrapIoError("writing before-image", err)
	}
	if err := f.writePageImage(after); err != nil {
		return wrapIoError("writing after-image", err)
	}
	f.writeFooter(offset)
	return nil
}

// Force flushes buffered records to the file and fsyncs it. A no-op
// when nothing is buffered.
func (f *FileLog) Force() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.forceLocked()
}

func (f *FileLog) forceLocked() error {
	if f.buf.Len() == 0 {
		return nil
	}
	if _, err := f.file.Write(f.buf.Bytes()); err != nil {
		return wrapIoError("writing log buffer", err)
	}
	f.buf.Reset()
	if err := f.file.Sync(); err != nil {
		return wrapIoError("syncing log file", err)
	}
	return nil
}

// ForwardIterator returns a function that yields successive LogEntry
// records from the start of the file, for tests that want to assert on
// WAL ordering. Returns (nil, nil) at end of file.
func (f *FileLog) ForwardIterator() (func() (*LogEntry, error), error) {
	f.mu.Lock()
	err := f.forceLocked()
	f.mu.Unlock()
	if err != nil {
		return nil, err
	}
	r, err := os.Open(f.file.Name())
	if err != nil {
		return nil, wrapIoError("reopening log file for read", err)
	}
	return func() (*LogEntry, error) {
		entry, err := readRecord(r)
		if err == io.EOF {
			r.Close()
			return nil, nil
		}
		if err != nil {
			r.Close()
			return nil, wrapIoError("reading log record", err)
		}
		return entry, nil
	}, nil
}

func readRecord(r io.Reader) (*LogEntry, error) {
	var typ int8
	if err := binary.Read(r, binary.LittleEndian, &typ); err != nil {
		return nil, err
	}
	var tid int64
	if err := binary.Read(r, binary.LittleEndian, &tid); err != nil {
		return nil, err
	}
	entry := &LogEntry{Type: LogRecordType(typ), Tid: TransactionID(tid)}
	if entry.Type == UpdateRecord {
		before, _, err := readPageImage(r)
		if err != nil {
			return nil, err
		}
		after, _, err := readPageImage(r)
		if err != nil {
			return nil, err
		}
		entry.Before = before
		entry.After = after
	}
	var offset int64
	if err := binary.Read(r, binary.LittleEndian, &offset); err != nil {
		return nil, err
	}
	entry.Offset = offset
	return entry, nil
}

func readPageImage(r io.Reader) (PageID, []byte, error) {
	var tableID, pageNo int64
	if err := binary.Read(r, binary.LittleEndian, &tableID); err != nil {
		return PageID{}, nil, err
	}
	if err := binary.Read(r, binary.LittleEndian, &pageNo); err != nil {
		return PageID{}, nil, err
	}
	data := make([]byte, PageSize)
	if _, err := io.ReadFull(r, data); err != nil {
		return PageID{}, nil, err
	}
	return PageID{TableID: int(tableID), PageNumber: int(pageNo)}, data, nil
}
