package mysql

import (
	"context"
	"database/sql"
	"database/sql/driver"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/go-sql-driver/mysql"

	xerrors "github.com/parkseungchul/llmkit/internal/errors"
)

const lookupSQL = `SELECT content FROM rag_documents WHERE rag_id = ? LIMIT 1`

func TestRAGStoreLookupFound(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(lookupSQL, mockRowsData{columns: []string{"content"}, values: [][]driver.Value{{"refund policy"}}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newRAGStore(db, "rag_documents")
	text, ok, err := store.Lookup(context.Background(), "faq")
	if err != nil {
		t.Fatalf("lookup failed: %v", err)
	}
	if !ok || text != "refund policy" {
		t.Fatalf("unexpected lookup result: %q %v", text, ok)
	}
	if args := drv.lastArgs(); len(args) != 1 || args[0].Value != "faq" {
		t.Fatalf("unexpected query args: %+v", args)
	}
}

func TestRAGStoreLookupMissing(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(lookupSQL, mockRowsData{columns: []string{"content"}}),
		{typ: opQuery, query: lookupSQL, err: &mysql.MySQLError{Number: errNoSuchTable, Message: "Table doesn't exist"}},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	store := newRAGStore(db, "rag_documents")
	for i := 0; i < 2; i++ {
		text, ok, err := store.Lookup(context.Background(), "none")
		if err != nil {
			t.Fatalf("lookup %d failed: %v", i, err)
		}
		if ok || text != "" {
			t.Fatalf("lookup %d: expected no document, got %q", i, text)
		}
	}
}

func TestRAGStoreLookupNullContent(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		queryOp(lookupSQL, mockRowsData{columns: []string{"content"}, values: [][]driver.Value{{nil}}}),
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	if _, ok, err := newRAGStore(db, "rag_documents").Lookup(context.Background(), "x"); err != nil || ok {
		t.Fatalf("NULL content must be reported as missing: ok=%v err=%v", ok, err)
	}
}

func TestRAGStoreLookupError(t *testing.T) {
	t.Parallel()

	db, drv := newMockDB(t, []mockOperation{
		{typ: opQuery, query: lookupSQL, err: errors.New("connection reset")},
	})
	defer drv.assertConsumed(t)
	defer db.Close()

	_, _, err := newRAGStore(db, "rag_documents").Lookup(context.Background(), "x")
	if xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected STORAGE_FAILURE, got %v", err)
	}
}

func TestNewRAGStoreValidation(t *testing.T) {
	t.Parallel()

	if _, err := NewRAGStore(context.Background(), Config{DSN: "user@tcp(localhost)/db", Table: "docs; DROP"}); err == nil {
		t.Fatalf("expected invalid table name error")
	}
	if _, err := NewRAGStore(context.Background(), Config{}); xerrors.CodeOf(err) != xerrors.CodeStorageFailure {
		t.Fatalf("expected storage failure for empty dsn, got %v", err)
	}
}

type operationType int

const (
	opExec operationType = iota
	opQuery
)

type mockOperation struct {
	typ   operationType
	query string
	rows  mockRowsData
	err   error
}

type mockRowsData struct {
	columns []string
	values  [][]driver.Value
}

type queueDriver struct {
	ops  []mockOperation
	idx  int32
	args atomic.Value
}

var driverSeq atomic.Int32

func newMockDB(t *testing.T, ops []mockOperation) (*sql.DB, *queueDriver) {
	t.Helper()

	drv := &queueDriver{ops: ops}
	name := fmt.Sprintf("mock-mysql-%d", driverSeq.Add(1))
	sql.Register(name, drv)

	db, err := sql.Open(name, "")
	if err != nil {
		t.Fatalf("open mock db failed: %v", err)
	}
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	return db, drv
}

func queryOp(query string, rows mockRowsData) mockOperation {
	return mockOperation{typ: opQuery, query: query, rows: rows}
}

func (d *queueDriver) assertConsumed(t *testing.T) {
	t.Helper()

	if int(atomic.LoadInt32(&d.idx)) != len(d.ops) {
		t.Fatalf("not all operations consumed: %d/%d", atomic.LoadInt32(&d.idx), len(d.ops))
	}
}

func (d *queueDriver) lastArgs() []driver.NamedValue {
	args, _ := d.args.Load().([]driver.NamedValue)
	return args
}

func (d *queueDriver) Open(string) (driver.Conn, error) {
	return &mockConn{driver: d}, nil
}

type mockConn struct {
	driver *queueDriver
}

func (c *mockConn) Prepare(query string) (driver.Stmt, error) {
	return nil, fmt.Errorf("prepare not supported: %s", query)
}

func (c *mockConn) Close() error { return nil }

func (c *mockConn) Begin() (driver.Tx, error) {
	return nil, errors.New("transactions not supported")
}

func (c *mockConn) QueryContext(_ context.Context, query string, args []driver.NamedValue) (driver.Rows, error) {
	c.driver.args.Store(args)
	op, err := c.next(opQuery, query)
	if err != nil {
		return nil, err
	}
	if op.err != nil {
		return nil, op.err
	}
	return &mockRows{columns: op.rows.columns, values: op.rows.values}, nil
}

func (c *mockConn) Ping(context.Context) error { return nil }

func (c *mockConn) next(expected operationType, query string) (*mockOperation, error) {
	idx := int(atomic.LoadInt32(&c.driver.idx))
	if idx >= len(c.driver.ops) {
		return nil, fmt.Errorf("unexpected operation: %v", expected)
	}
	op := &c.driver.ops[idx]
	if op.typ != expected {
		return nil, fmt.Errorf("expected operation %v, got %v", expected, op.typ)
	}
	atomic.AddInt32(&c.driver.idx, 1)
	if op.query != "" && normalizeSQL(op.query) != normalizeSQL(query) {
		return nil, fmt.Errorf("unexpected query. want %q got %q", normalizeSQL(op.query), normalizeSQL(query))
	}
	return op, nil
}

type mockRows struct {
	columns []string
	values  [][]driver.Value
	idx     int
}

func (r *mockRows) Columns() []string { return r.columns }
func (r *mockRows) Close() error      { return nil }

func (r *mockRows) Next(dest []driver.Value) error {
	if r.idx >= len(r.values) {
		return io.EOF
	}
	copy(dest, r.values[r.idx])
	r.idx++
	return nil
}

func normalizeSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
