package registry

import (
	"context"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/querywave/querywave/internal/schema"
)

const testDDL = `
CREATE TABLE branches (
    branch_id SERIAL PRIMARY KEY,
    branch_name VARCHAR(100) NOT NULL
);
CREATE TABLE employees (
    emp_id SERIAL PRIMARY KEY,
    first_name VARCHAR(50),
    branch_id INT REFERENCES branches(branch_id)
);
`

func testGraph(t *testing.T) *schema.Graph {
	t.Helper()
	g, err := schema.Parse(testDDL, schema.DefaultLimits())
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	return g
}

func quietLogger() *slog.Logger {
	return slog.New(slog.DiscardHandler)
}

func TestStoreAndFetch(t *testing.T) {
	ctx := context.Background()
	r := New(Config{Capacity: 10, TTL: time.Hour, PreviewTables: 5}, nil, quietLogger())

	rec, err := r.Store(ctx, testGraph(t))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if !strings.HasPrefix(rec.SchemaID, "sch_") {
		t.Fatalf("SchemaID = %q, want sch_ prefix", rec.SchemaID)
	}
	if rec.TableCount != 2 || rec.ColumnCount != 5 {
		t.Fatalf("counts = (%d, %d), want (2, 5)", rec.TableCount, rec.ColumnCount)
	}
	if len(rec.Preview) != 2 || !strings.HasPrefix(rec.Preview[0], "branches(") {
		t.Fatalf("Preview = %v", rec.Preview)
	}

	got, err := r.Fetch(ctx, rec.SchemaID)
	if err != nil {
		t.Fatalf("Fetch() error = %v", err)
	}
	if got.SchemaID != rec.SchemaID || got.Graph != rec.Graph {
		t.Fatalf("Fetch returned a different record")
	}
}

func TestFetchUnknownID(t *testing.T) {
	r := New(DefaultConfig(), nil, quietLogger())
	if _, err := r.Fetch(context.Background(), "sch_missing"); err != ErrNotFound {
		t.Fatalf("Fetch() error = %v, want ErrNotFound", err)
	}
}

func TestExpiredRecordIsUnknown(t *testing.T) {
	ctx := context.Background()
	r := New(Config{Capacity: 10, TTL: time.Minute}, nil, quietLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	rec, err := r.Store(ctx, testGraph(t))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if _, err := r.Fetch(ctx, rec.SchemaID); err != nil {
		t.Fatalf("Fetch() before expiry error = %v", err)
	}

	now = base.Add(time.Minute) // exactly at expiry is already expired
	if _, err := r.Fetch(ctx, rec.SchemaID); err != ErrNotFound {
		t.Fatalf("Fetch() after expiry error = %v, want ErrNotFound", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0 after lazy removal", r.Len())
	}
}

func TestCapacityEvictsOldestFirst(t *testing.T) {
	ctx := context.Background()
	r := New(Config{Capacity: 2, TTL: time.Hour}, nil, quietLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	first, _ := r.Store(ctx, testGraph(t))
	now = base.Add(time.Second)
	second, _ := r.Store(ctx, testGraph(t))
	now = base.Add(2 * time.Second)
	third, _ := r.Store(ctx, testGraph(t))

	if _, err := r.Fetch(ctx, first.SchemaID); err != ErrNotFound {
		t.Fatalf("oldest record should be evicted, Fetch error = %v", err)
	}
	for _, id := range []string{second.SchemaID, third.SchemaID} {
		if _, err := r.Fetch(ctx, id); err != nil {
			t.Fatalf("Fetch(%s) error = %v", id, err)
		}
	}
}

func TestSweepRemovesExpired(t *testing.T) {
	ctx := context.Background()
	r := New(Config{Capacity: 10, TTL: time.Minute}, nil, quietLogger())

	base := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	now := base
	r.now = func() time.Time { return now }

	r.Store(ctx, testGraph(t))
	now = base.Add(30 * time.Second)
	keep, _ := r.Store(ctx, testGraph(t))

	now = base.Add(70 * time.Second)
	if dropped := r.Sweep(ctx); dropped != 1 {
		t.Fatalf("Sweep() = %d, want 1", dropped)
	}
	if _, err := r.Fetch(ctx, keep.SchemaID); err != nil {
		t.Fatalf("surviving record Fetch error = %v", err)
	}
}

type fakePersister struct {
	mu      sync.Mutex
	saved   []StoredSchema
	deleted []string
}

func (f *fakePersister) SaveSchema(_ context.Context, s StoredSchema) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.saved = append(f.saved, s)
	return nil
}

func (f *fakePersister) DeleteSchema(_ context.Context, id string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.deleted = append(f.deleted, id)
	return nil
}

func (f *fakePersister) ListSchemas(context.Context) ([]StoredSchema, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]StoredSchema(nil), f.saved...), nil
}

func TestPersisterMirrorsWritesAndRestores(t *testing.T) {
	ctx := context.Background()
	p := &fakePersister{}
	r := New(Config{Capacity: 10, TTL: time.Hour}, p, quietLogger())

	rec, err := r.Store(ctx, testGraph(t))
	if err != nil {
		t.Fatalf("Store() error = %v", err)
	}
	if len(p.saved) != 1 || p.saved[0].SchemaID != rec.SchemaID {
		t.Fatalf("saved = %+v, want one entry for %s", p.saved, rec.SchemaID)
	}
	if len(p.saved[0].Specs) != 2 {
		t.Fatalf("persisted specs = %d tables, want 2", len(p.saved[0].Specs))
	}

	// A fresh registry restores from the persister.
	r2 := New(Config{Capacity: 10, TTL: time.Hour}, p, quietLogger())
	if err := r2.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	got, err := r2.Fetch(ctx, rec.SchemaID)
	if err != nil {
		t.Fatalf("Fetch() after restore error = %v", err)
	}
	if got.TableCount != 2 || got.ColumnCount != 5 {
		t.Fatalf("restored counts = (%d, %d), want (2, 5)", got.TableCount, got.ColumnCount)
	}
}

func TestRestoreSkipsExpired(t *testing.T) {
	ctx := context.Background()
	p := &fakePersister{}
	p.saved = append(p.saved, StoredSchema{
		SchemaID:  "sch_stale",
		Specs:     nil,
		CreatedAt: time.Now().Add(-2 * time.Hour),
		ExpiresAt: time.Now().Add(-time.Hour),
	})

	r := New(Config{Capacity: 10, TTL: time.Hour}, p, quietLogger())
	if err := r.Restore(ctx); err != nil {
		t.Fatalf("Restore() error = %v", err)
	}
	if r.Len() != 0 {
		t.Fatalf("Len() = %d, want 0", r.Len())
	}
}

func TestSchemaIDsAreUnique(t *testing.T) {
	seen := map[string]struct{}{}
	for i := 0; i < 100; i++ {
		id := newSchemaID()
		if _, dup := seen[id]; dup {
			t.Fatalf("duplicate id %s", id)
		}
		seen[id] = struct{}{}
	}
}
