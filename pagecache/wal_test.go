package pagecache

import (
	"path/filepath"
	"testing"
)

func newTestRawPage(tableID, pageNo int, fill byte) rawPage {
	data := make([]byte, PageSize)
	for i := range data {
		data[i] = fill
	}
	return rawPage{id: PageID{TableID: tableID, PageNumber: pageNo}, data: data}
}

func TestFileLogRecordOrderAndContents(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	log, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	defer log.Close()

	tid := NewTID()
	log.LogBegin(tid)
	before := newTestRawPage(1, 0, 0x00)
	after := newTestRawPage(1, 0, 0xFF)
	if err := log.LogUpdate(tid, before, after); err != nil {
		t.Fatalf("LogUpdate: %v", err)
	}
	log.LogCommit(tid)

	if err := log.Force(); err != nil {
		t.Fatalf("Force: %v", err)
	}

	next, err := log.ForwardIterator()
	if err != nil {
		t.Fatalf("ForwardIterator: %v", err)
	}

	entry, err := next()
	if err != nil {
		t.Fatalf("read begin: %v", err)
	}
	if entry == nil || entry.Type != BeginRecord || entry.Tid != tid {
		t.Fatalf("expected begin record for %v, got %+v", tid, entry)
	}

	entry, err = next()
	if err != nil {
		t.Fatalf("read update: %v", err)
	}
	if entry == nil || entry.Type != UpdateRecord {
		t.Fatalf("expected update record, got %+v", entry)
	}
	if entry.Before != (PageID{TableID: 1, PageNumber: 0}) || entry.After != (PageID{TableID: 1, PageNumber: 0}) {
		t.Fatalf("expected before/after page ids (1,0), got before=%v after=%v", entry.Before, entry.After)
	}

	entry, err = next()
	if err != nil {
		t.Fatalf("read commit: %v", err)
	}
	if entry == nil || entry.Type != CommitRecord || entry.Tid != tid {
		t.Fatalf("expected commit record for %v, got %+v", tid, entry)
	}

	entry, err = next()
	if err != nil {
		t.Fatalf("read end of log: %v", err)
	}
	if entry != nil {
		t.Fatalf("expected end of log, got %+v", entry)
	}
}

func TestFileLogAbortRecord(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	log, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	defer log.Close()

	tid := NewTID()
	log.LogBegin(tid)
	log.LogAbort(tid)
	if err := log.Force(); err != nil {
		t.Fatalf("Force: %v", err)
	}

	next, err := log.ForwardIterator()
	if err != nil {
		t.Fatalf("ForwardIterator: %v", err)
	}
	if _, err := next(); err != nil {
		t.Fatalf("read begin: %v", err)
	}
	entry, err := next()
	if err != nil {
		t.Fatalf("read abort: %v", err)
	}
	if entry == nil || entry.Type != AbortRecord {
		t.Fatalf("expected abort record, got %+v", entry)
	}
}

func TestFileLogUpdateRequiresNonNilImages(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	log, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("NewFileLog: %v", err)
	}
	defer log.Close()

	err = log.LogUpdate(NewTID(), nil, nil)
	cerr, ok := err.(CacheError)
	if !ok || cerr.Code != InvariantViolation {
		t.Fatalf("expected InvariantViolation, got %v", err)
	}
}

func TestFileLogSecondOpenFailsAdvisoryLock(t *testing.T) {
	path := filepath.Join(t.TempDir(), "test.wal")
	first, err := NewFileLog(path)
	if err != nil {
		t.Fatalf("first NewFileLog: %v", err)
	}
	defer first.Close()

	if _, err := NewFileLog(path); err == nil {
		t.Fatal("expected a second concurrent FileLog over the same path to fail its advisory lock")
	}
}
