// Command pagershell is a small interactive shell over a pagecache
// database: enough to load a heap file, insert/select rows by hand, and
// watch locking and eviction behavior from the outside. It is not a
// query engine; SELECT only ever means "scan this one table".
package main

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"github.com/chzyer/readline"
	"github.com/xwb1989/sqlparser"

	"github.com/tikkisean/pagecache/pagecache"
)

const defaultRecordSize = 64

type shell struct {
	pool    *pagecache.BufferPool
	catalog *pagecache.MapCatalog
	tables  map[string]*pagecache.HeapFile
	nextID  int
}

func newShell(numPages int, log pagecache.Log) *shell {
	catalog := pagecache.NewMapCatalog()
	return &shell{
		pool:    pagecache.NewBufferPool(numPages, catalog, log),
		catalog: catalog,
		tables:  make(map[string]*pagecache.HeapFile),
		nextID:  1,
	}
}

func (s *shell) createTable(name, path string) error {
	if _, exists := s.tables[name]; exists {
		return fmt.Errorf("table %q already exists", name)
	}
	tableID := s.nextID
	s.nextID++
	file, err := pagecache.NewHeapFile(tableID, path, defaultRecordSize)
	if err != nil {
		return err
	}
	s.catalog.Register(tableID, file)
	s.tables[name] = file
	return nil
}

func (s *shell) insert(tid pagecache.TransactionID, name, value string) error {
	file, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("no such table %q", name)
	}
	data := make([]byte, defaultRecordSize)
	copy(data, value)
	t := &pagecache.Tuple{Data: data}
	if _, err := s.pool.InsertTuple(tid, file.TableID(), t); err != nil {
		return err
	}
	return nil
}

func (s *shell) scan(tid pagecache.TransactionID, name string, w io.Writer) error {
	file, ok := s.tables[name]
	if !ok {
		return fmt.Errorf("no such table %q", name)
	}
	for pageNo := 0; pageNo < file.NumPages(); pageNo++ {
		page, err := s.pool.GetPage(tid, pagecache.PageID{TableID: file.TableID(), PageNumber: pageNo}, pagecache.ReadPerm)
		if err != nil {
			return err
		}
		data, err := page.Bytes()
		if err != nil {
			return err
		}
		fmt.Fprintf(w, "page %d: %d bytes resident\n", pageNo, len(data))
	}
	fmt.Fprintf(w, "%s has %d page(s), stats below\n", name, file.NumPages())
	stats := file.Stats()
	fmt.Fprintf(w, "  tuples observed: %d\n", stats.NumTuples())
	return nil
}

// dispatch parses one line with sqlparser where the statement looks
// like SQL; lines starting with "." go instead to a tiny set of shell
// verbs (.create, .tables, .pages) sqlparser has no opinion about.
func (s *shell) dispatch(tid pagecache.TransactionID, line string, w io.Writer) error {
	trimmed := strings.TrimSpace(line)
	if trimmed == "" {
		return nil
	}
	if strings.HasPrefix(trimmed, ".") {
		return s.dispatchDot(trimmed, w)
	}

	stmt, err := sqlparser.Parse(trimmed)
	if err != nil {
		return fmt.Errorf("parse error: %w", err)
	}
	switch st := stmt.(type) {
	case *sqlparser.Insert:
		table := sqlparser.String(st.Table.Name)
		values, ok := st.Rows.(sqlparser.Values)
		if !ok || len(values) == 0 {
			return fmt.Errorf("INSERT needs a VALUES clause")
		}
		for _, row := range values {
			var fields []string
			for _, expr := range row {
				lit, ok := expr.(*sqlparser.SQLVal)
				if !ok {
					return fmt.Errorf("only literal values are supported")
				}
				fields = append(fields, string(lit.Val))
			}
			if err := s.insert(tid, table, strings.Join(fields, ",")); err != nil {
				return err
			}
		}
		return nil
	case *sqlparser.Select:
		if len(st.From) != 1 {
			return fmt.Errorf("SELECT supports exactly one table")
		}
		table := sqlparser.String(st.From[0])
		return s.scan(tid, table, w)
	default:
		return fmt.Errorf("unsupported statement: %s", sqlparser.String(stmt))
	}
}

func (s *shell) dispatchDot(line string, w io.Writer) error {
	fields := strings.Fields(line)
	switch fields[0] {
	case ".tables":
		for name := range s.tables {
			fmt.Fprintln(w, name)
		}
		return nil
	case ".create":
		if len(fields) != 3 {
			return fmt.Errorf("usage: .create TABLE PATH")
		}
		return s.createTable(fields[1], fields[2])
	case ".pages":
		if len(fields) != 2 {
			return fmt.Errorf("usage: .pages TABLE")
		}
		file, ok := s.tables[fields[1]]
		if !ok {
			return fmt.Errorf("no such table %q", fields[1])
		}
		fmt.Fprintln(w, strconv.Itoa(file.NumPages()))
		return nil
	default:
		return fmt.Errorf("unrecognized command %q", fields[0])
	}
}

func main() {
	numPages := 128
	logPath := "pagershell.wal"
	log, err := pagecache.NewFileLog(logPath)
	if err != nil {
		fmt.Fprintln(os.Stderr, "opening WAL:", err)
		os.Exit(1)
	}
	defer log.Close()

	sh := newShell(numPages, log)

	rl, err := readline.New("pagecache> ")
	if err != nil {
		fmt.Fprintln(os.Stderr, "starting readline:", err)
		os.Exit(1)
	}
	defer rl.Close()

	tid := pagecache.NewTID()
	log.LogBegin(tid)
	for {
		line, err := rl.Readline()
		if err == readline.ErrInterrupt || err == io.EOF {
			break
		}
		if err != nil {
			fmt.Fprintln(os.Stderr, err)
			break
		}
		if err := sh.dispatch(tid, line, os.Stdout); err != nil {
			fmt.Fprintln(os.Stderr, "error:", err)
		}
	}

	if err := sh.pool.TransactionComplete(tid, true); err != nil {
		fmt.Fprintln(os.Stderr, "committing final transaction:", err)
	}
}
