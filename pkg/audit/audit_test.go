package audit

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

type fakeAuditDB struct {
	execFn   func(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error)
	queryFn  func(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	execSQL  []string
	execArgs [][]any
}

func (f *fakeAuditDB) Exec(ctx context.Context, sql string, arguments ...any) (pgconn.CommandTag, error) {
	f.execSQL = append(f.execSQL, sql)
	f.execArgs = append(f.execArgs, arguments)
	if f.execFn != nil {
		return f.execFn(ctx, sql, arguments...)
	}
	return pgconn.NewCommandTag("INSERT 1"), nil
}

func (f *fakeAuditDB) Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
	if f.queryFn != nil {
		return f.queryFn(ctx, sql, args...)
	}
	return &fakeAuditRows{}, nil
}

type fakeAuditRows struct {
	rows [][]any
	idx  int
	err  error
}

func (r *fakeAuditRows) Close()                                       {}
func (r *fakeAuditRows) Err() error                                   { return r.err }
func (r *fakeAuditRows) CommandTag() pgconn.CommandTag                { return pgconn.NewCommandTag("SELECT 1") }
func (r *fakeAuditRows) FieldDescriptions() []pgconn.FieldDescription { return nil }
func (r *fakeAuditRows) RawValues() [][]byte                          { return nil }
func (r *fakeAuditRows) Conn() *pgx.Conn                              { return nil }

func (r *fakeAuditRows) Next() bool {
	if r.err != nil || r.idx >= len(r.rows) {
		return false
	}
	r.idx++
	return true
}

func (r *fakeAuditRows) Scan(dest ...any) error {
	if r.idx == 0 || r.idx > len(r.rows) {
		return errors.New("no current row")
	}
	current := r.rows[r.idx-1]
	if len(dest) != len(current) {
		return errors.New("scan arity mismatch")
	}
	for i := range dest {
		switch d := dest[i].(type) {
		case *int:
			v, ok := current[i].(int)
			if !ok {
				return errors.New("value is not int")
			}
			*d = v
		case *string:
			v, ok := current[i].(string)
			if !ok {
				return errors.New("value is not string")
			}
			*d = v
		case *time.Time:
			v, ok := current[i].(time.Time)
			if !ok {
				return errors.New("value is not time")
			}
			*d = v
		default:
			return errors.New("unsupported scan destination")
		}
	}
	return nil
}

func (r *fakeAuditRows) Values() ([]any, error) {
	if r.idx == 0 || r.idx > len(r.rows) {
		return nil, errors.New("no current row")
	}
	return append([]any(nil), r.rows[r.idx-1]...), nil
}

func TestPostgresEnsuresSchema(t *testing.T) {
	db := &fakeAuditDB{}
	if _, err := NewPostgres(context.Background(), db); err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	if len(db.execSQL) != 1 || !strings.Contains(db.execSQL[0], "CREATE TABLE IF NOT EXISTS audit_log") {
		t.Fatalf("unexpected bootstrap SQL %v", db.execSQL)
	}
}

func TestPostgresRecordStampsTime(t *testing.T) {
	db := &fakeAuditDB{}
	rec, err := NewPostgres(context.Background(), db)
	if err != nil {
		t.Fatalf("NewPostgres: %v", err)
	}
	err = rec.Record(context.Background(), Entry{Actor: 100000, Action: ActionAddRole, Target: 128620, Role: "operator"})
	if err != nil {
		t.Fatalf("record: %v", err)
	}
	args := db.execArgs[len(db.execArgs)-1]
	if len(args) != 5 {
		t.Fatalf("args = %v", args)
	}
	if args[0] != 100000 || args[1] != ActionAddRole || args[2] != 128620 || args[3] != "operator" {
		t.Fatalf("unexpected insert args %v", args)
	}
	at, ok := args[4].(time.Time)
	if !ok || at.IsZero() {
		t.Fatalf("timestamp not stamped: %v", args[4])
	}
}

func TestPostgresRecent(t *testing.T) {
	now := time.Now().UTC()
	db := &fakeAuditDB{
		queryFn: func(ctx context.Context, sql string, args ...any) (pgx.Rows, error) {
			if !strings.Contains(sql, "ORDER BY at DESC") {
				t.Fatalf("unexpected query %q", sql)
			}
			if len(args) != 1 || args[0] != 2 {
				t.Fatalf("unexpected args %v", args)
			}
			return &fakeAuditRows{rows: [][]any{
				{100000, ActionRemoveRole, 128620, "", now},
				{128620, ActionLogin, 128620, "voter", now.Add(-time.Minute)},
			}}, nil
		},
	}
	rec := &PostgresRecorder{db: db}
	entries, err := rec.Recent(context.Background(), 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	if len(entries) != 2 {
		t.Fatalf("got %d entries", len(entries))
	}
	if entries[0].Action != ActionRemoveRole || entries[1].Actor != 128620 {
		t.Fatalf("unexpected entries %+v", entries)
	}
}

func TestMemoryRecorder(t *testing.T) {
	rec := NewMemory()
	ctx := context.Background()
	for i := 1; i <= 3; i++ {
		err := rec.Record(ctx, Entry{Actor: i, Action: ActionLogin, Target: i})
		if err != nil {
			t.Fatalf("record %d: %v", i, err)
		}
	}
	entries, err := rec.Recent(ctx, 2)
	if err != nil {
		t.Fatalf("recent: %v", err)
	}
	// Newest first, bounded by the limit.
	if len(entries) != 2 || entries[0].Actor != 3 || entries[1].Actor != 2 {
		t.Fatalf("unexpected entries %+v", entries)
	}
	if entries[0].At.IsZero() {
		t.Fatal("timestamp not stamped")
	}
}

func TestMemoryRecorderBounded(t *testing.T) {
	rec := NewMemory()
	rec.max = 2
	ctx := context.Background()
	for i := 1; i <= 5; i++ {
		_ = rec.Record(ctx, Entry{Actor: i, Action: ActionLogin, Target: i})
	}
	entries, _ := rec.Recent(ctx, 10)
	if len(entries) != 2 || entries[0].Actor != 5 {
		t.Fatalf("ring not bounded: %+v", entries)
	}
}
