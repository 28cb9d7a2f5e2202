package postgres

import (
	"context"
	"database/sql"
	"regexp"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"

	"github.com/querywave/querywave/internal/quota"
	"github.com/querywave/querywave/internal/registry"
	"github.com/querywave/querywave/internal/schema"
)

func TestSaveSchema(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()

	specs := []schema.TableSpec{{
		Name:    "branches",
		Columns: []schema.Column{{Name: "branch_id", Type: "SERIAL", NotNull: true, PrimaryKey: true}},
	}}

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO schema_record (schema_id, specs_json, created_at, expires_at)
VALUES ($1, $2::jsonb, $3, $4)
ON CONFLICT (schema_id)
DO UPDATE SET specs_json = EXCLUDED.specs_json, expires_at = EXCLUDED.expires_at`)).
		WithArgs("sch_abc", sqlmock.AnyArg(), now, now.Add(time.Hour)).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.SaveSchema(context.Background(), registry.StoredSchema{
		SchemaID:  "sch_abc",
		Specs:     specs,
		CreatedAt: now,
		ExpiresAt: now.Add(time.Hour),
	})
	if err != nil {
		t.Fatalf("SaveSchema() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestListSchemasRoundTrip(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()

	specsJSON := `[{"name":"branches","columns":[{"name":"branch_id","type":"SERIAL","not_null":true,"primary_key":true}],"foreign_keys":null}]`

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT schema_id, specs_json, created_at, expires_at
FROM schema_record
ORDER BY created_at ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"schema_id", "specs_json", "created_at", "expires_at"}).
			AddRow("sch_abc", []byte(specsJSON), now, now.Add(time.Hour)))

	schemas, err := store.ListSchemas(context.Background())
	if err != nil {
		t.Fatalf("ListSchemas() error = %v", err)
	}
	if len(schemas) != 1 {
		t.Fatalf("schema count = %d, want 1", len(schemas))
	}
	got := schemas[0]
	if got.SchemaID != "sch_abc" || len(got.Specs) != 1 || got.Specs[0].Name != "branches" {
		t.Fatalf("schema = %#v", got)
	}
	if !got.Specs[0].Columns[0].PrimaryKey {
		t.Fatalf("column flags lost in round trip: %#v", got.Specs[0].Columns[0])
	}
	assertSQLMock(t, mock)
}

func TestListSchemasRejectsCorruptSpecs(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	now := time.Now().UTC()

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT schema_id, specs_json, created_at, expires_at
FROM schema_record
ORDER BY created_at ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"schema_id", "specs_json", "created_at", "expires_at"}).
			AddRow("sch_bad", []byte(`{not json`), now, now.Add(time.Hour)))

	if _, err := store.ListSchemas(context.Background()); err == nil {
		t.Fatal("expected error for corrupt specs_json")
	}
	assertSQLMock(t, mock)
}

func TestDeleteSchema(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)

	mock.ExpectExec(regexp.QuoteMeta(`
DELETE FROM schema_record
WHERE schema_id = $1`)).
		WithArgs("sch_abc").
		WillReturnResult(sqlmock.NewResult(0, 1))

	if err := store.DeleteSchema(context.Background(), "sch_abc"); err != nil {
		t.Fatalf("DeleteSchema() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestUpsertWindow(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectExec(regexp.QuoteMeta(`
INSERT INTO quota_window (client_id, class, window_start, request_count)
VALUES ($1, $2, $3, $4)
ON CONFLICT (client_id, class)
DO UPDATE SET window_start = EXCLUDED.window_start, request_count = EXCLUDED.request_count`)).
		WithArgs("client-1", "generate", start, 3).
		WillReturnResult(sqlmock.NewResult(1, 1))

	err := store.UpsertWindow(context.Background(), quota.StoredWindow{
		ClientID: "client-1",
		Class:    quota.ClassGenerate,
		Start:    start,
		Count:    3,
	})
	if err != nil {
		t.Fatalf("UpsertWindow() error = %v", err)
	}
	assertSQLMock(t, mock)
}

func TestListWindows(t *testing.T) {
	db, mock := newSQLMock(t)
	store := NewStore(db)
	start := time.Date(2026, 3, 1, 0, 0, 0, 0, time.UTC)

	mock.ExpectQuery(regexp.QuoteMeta(`
SELECT client_id, class, window_start, request_count
FROM quota_window
ORDER BY client_id ASC, class ASC`)).
		WillReturnRows(sqlmock.NewRows([]string{"client_id", "class", "window_start", "request_count"}).
			AddRow("client-1", "generate", start, 3).
			AddRow("client-1", "schema_upload", start, 1))

	windows, err := store.ListWindows(context.Background())
	if err != nil {
		t.Fatalf("ListWindows() error = %v", err)
	}
	if len(windows) != 2 {
		t.Fatalf("window count = %d, want 2", len(windows))
	}
	if windows[0].Class != quota.ClassGenerate || windows[0].Count != 3 {
		t.Fatalf("windows[0] = %#v", windows[0])
	}
	assertSQLMock(t, mock)
}

func newSQLMock(t *testing.T) (*sql.DB, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	if err != nil {
		t.Fatalf("sqlmock.New() error = %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })
	return db, mock
}

func assertSQLMock(t *testing.T, mock sqlmock.Sqlmock) {
	t.Helper()
	if err := mock.ExpectationsWereMet(); err != nil {
		t.Fatalf("unmet sql expectations: %v", err)
	}
}
