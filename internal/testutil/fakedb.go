package testutil

import (
	"context"
	"database/sql"
	"fmt"
	"reflect"
	"strings"
	"sync"
	"time"

	"codegrader/internal/common/db"
)

// QueryHandler answers a query with rows of column values.
type QueryHandler func(args []interface{}) ([][]interface{}, error)

// ExecHandler answers a statement with the number of affected rows.
type ExecHandler func(args []interface{}) (int64, error)

// FakeDB is a scripted db.Database. Handlers are matched by substring in registration order.
// Every statement is appended to Log; transactions add BEGIN, COMMIT and ROLLBACK entries.
type FakeDB struct {
	mu      sync.Mutex
	queries []queryRoute
	execs   []execRoute
	Log     []string
}

type queryRoute struct {
	match string
	fn    QueryHandler
}

type execRoute struct {
	match string
	fn    ExecHandler
}

// NewFakeDB creates a FakeDB with no handlers.
func NewFakeDB() *FakeDB {
	return &FakeDB{}
}

// OnQuery registers a handler for queries containing match.
func (f *FakeDB) OnQuery(match string, fn QueryHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.queries = append(f.queries, queryRoute{match: match, fn: fn})
}

// OnExec registers a handler for statements containing match.
func (f *FakeDB) OnExec(match string, fn ExecHandler) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.execs = append(f.execs, execRoute{match: match, fn: fn})
}

// Statements returns a copy of the log.
func (f *FakeDB) Statements() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.Log...)
}

func (f *FakeDB) record(entry string) {
	f.mu.Lock()
	f.Log = append(f.Log, strings.Join(strings.Fields(entry), " "))
	f.mu.Unlock()
}

func (f *FakeDB) Query(ctx context.Context, query string, args ...interface{}) (db.Rows, error) {
	f.record(query)
	f.mu.Lock()
	var handler QueryHandler
	for _, r := range f.queries {
		if strings.Contains(query, r.match) {
			handler = r.fn
			break
		}
	}
	f.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("fakedb: unexpected query %q", query)
	}
	rows, err := handler(args)
	if err != nil {
		return nil, err
	}
	return &fakeRows{rows: rows, pos: -1}, nil
}

func (f *FakeDB) QueryRow(ctx context.Context, query string, args ...interface{}) db.Row {
	rows, err := f.Query(ctx, query, args...)
	if err != nil {
		return &fakeRow{err: err}
	}
	fr := rows.(*fakeRows)
	if len(fr.rows) == 0 {
		return &fakeRow{err: sql.ErrNoRows}
	}
	return &fakeRow{values: fr.rows[0]}
}

func (f *FakeDB) Exec(ctx context.Context, query string, args ...interface{}) (db.Result, error) {
	f.record(query)
	f.mu.Lock()
	var handler ExecHandler
	for _, r := range f.execs {
		if strings.Contains(query, r.match) {
			handler = r.fn
			break
		}
	}
	f.mu.Unlock()
	if handler == nil {
		return nil, fmt.Errorf("fakedb: unexpected statement %q", query)
	}
	n, err := handler(args)
	if err != nil {
		return nil, err
	}
	return fakeResult(n), nil
}

func (f *FakeDB) Transaction(ctx context.Context, fn func(tx db.Transaction) error) error {
	tx, _ := f.BeginTx(ctx, nil)
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

func (f *FakeDB) BeginTx(ctx context.Context, opts *db.TxOptions) (db.Transaction, error) {
	f.record("BEGIN")
	return &fakeTx{FakeDB: f}, nil
}

func (f *FakeDB) Ping(ctx context.Context) error { return nil }
func (f *FakeDB) Close() error                   { return nil }
func (f *FakeDB) Stats() db.Stats                { return db.Stats{} }

type fakeTx struct {
	*FakeDB
}

func (t *fakeTx) Commit() error {
	t.record("COMMIT")
	return nil
}

func (t *fakeTx) Rollback() error {
	t.record("ROLLBACK")
	return nil
}

type fakeResult int64

func (r fakeResult) LastInsertId() (int64, error) { return 0, nil }
func (r fakeResult) RowsAffected() (int64, error) { return int64(r), nil }

type fakeRows struct {
	rows [][]interface{}
	pos  int
}

func (r *fakeRows) Next() bool {
	r.pos++
	return r.pos < len(r.rows)
}

func (r *fakeRows) Scan(dest ...interface{}) error {
	if r.pos < 0 || r.pos >= len(r.rows) {
		return fmt.Errorf("fakedb: scan outside result set")
	}
	return assign(dest, r.rows[r.pos])
}

func (r *fakeRows) Close() error { return nil }
func (r *fakeRows) Err() error   { return nil }

type fakeRow struct {
	values []interface{}
	err    error
}

func (r *fakeRow) Scan(dest ...interface{}) error {
	if r.err != nil {
		return r.err
	}
	return assign(dest, r.values)
}

func assign(dest []interface{}, values []interface{}) error {
	if len(dest) != len(values) {
		return fmt.Errorf("fakedb: scan wants %d columns, row has %d", len(dest), len(values))
	}
	for i, d := range dest {
		if nt, ok := d.(*sql.NullTime); ok {
			switch v := values[i].(type) {
			case nil:
				*nt = sql.NullTime{}
			case time.Time:
				*nt = sql.NullTime{Time: v, Valid: true}
			default:
				return fmt.Errorf("fakedb: column %d: cannot scan %T into NullTime", i, v)
			}
			continue
		}
		target := reflect.ValueOf(d)
		if target.Kind() != reflect.Pointer || target.IsNil() {
			return fmt.Errorf("fakedb: column %d: destination is not a pointer", i)
		}
		elem := target.Elem()
		if values[i] == nil {
			elem.Set(reflect.Zero(elem.Type()))
			continue
		}
		src := reflect.ValueOf(values[i])
		if !src.Type().ConvertibleTo(elem.Type()) {
			return fmt.Errorf("fakedb: column %d: cannot scan %T into %s", i, values[i], elem.Type())
		}
		elem.Set(src.Convert(elem.Type()))
	}
	return nil
}

var _ db.Database = (*FakeDB)(nil)
