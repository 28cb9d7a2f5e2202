package registry

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/querywave/querywave/internal/observability"
	"github.com/querywave/querywave/internal/schema"
)

var ErrNotFound = errors.New("registry: schema not found")

type Config struct {
	Capacity      int
	TTL           time.Duration
	PreviewTables int
}

func DefaultConfig() Config {
	return Config{Capacity: 1000, TTL: 24 * time.Hour, PreviewTables: 5}
}

// Record is a stored schema together with its registry metadata. The
// embedded graph is immutable; records are copied out by value.
type Record struct {
	SchemaID    string
	Graph       *schema.Graph
	CreatedAt   time.Time
	ExpiresAt   time.Time
	TableCount  int
	ColumnCount int
	Preview     []string
}

// StoredSchema is the durable shape of a record. The graph is flattened to
// table specs so it can be rebuilt after a restart.
type StoredSchema struct {
	SchemaID  string
	Specs     []schema.TableSpec
	CreatedAt time.Time
	ExpiresAt time.Time
}

// Persister mirrors registry writes to durable storage. All methods are
// best-effort from the registry's point of view: the in-memory state is
// authoritative for the lifetime of the process.
type Persister interface {
	SaveSchema(ctx context.Context, stored StoredSchema) error
	DeleteSchema(ctx context.Context, schemaID string) error
	ListSchemas(ctx context.Context) ([]StoredSchema, error)
}

type Registry struct {
	cfg       Config
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.RWMutex
	entries map[string]Record
}

// New builds an empty registry. persister may be nil for purely in-memory
// operation.
func New(cfg Config, persister Persister, logger *slog.Logger) *Registry {
	def := DefaultConfig()
	if cfg.Capacity <= 0 {
		cfg.Capacity = def.Capacity
	}
	if cfg.TTL <= 0 {
		cfg.TTL = def.TTL
	}
	if cfg.PreviewTables <= 0 {
		cfg.PreviewTables = def.PreviewTables
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:       cfg,
		persister: persister,
		logger:    logger,
		now:       time.Now,
		entries:   map[string]Record{},
	}
}

// Store registers a schema graph under a fresh opaque id, evicting the
// oldest records first when the registry is at capacity.
func (r *Registry) Store(ctx context.Context, g *schema.Graph) (Record, error) {
	now := r.now()
	rec := Record{
		SchemaID:    newSchemaID(),
		Graph:       g,
		CreatedAt:   now,
		ExpiresAt:   now.Add(r.cfg.TTL),
		TableCount:  g.TableCount(),
		ColumnCount: g.ColumnCount(),
		Preview:     buildPreview(g, r.cfg.PreviewTables),
	}

	r.mu.Lock()
	r.dropExpiredLocked(ctx, now)
	for len(r.entries) >= r.cfg.Capacity {
		oldest := r.oldestLocked()
		if oldest == "" {
			break
		}
		r.removeLocked(ctx, oldest, "capacity")
	}
	r.entries[rec.SchemaID] = rec
	r.mu.Unlock()

	if r.persister != nil {
		stored := StoredSchema{
			SchemaID:  rec.SchemaID,
			Specs:     g.Specs(),
			CreatedAt: rec.CreatedAt,
			ExpiresAt: rec.ExpiresAt,
		}
		if err := r.persister.SaveSchema(ctx, stored); err != nil {
			r.logger.Warn("schema persist failed", "schema_id", rec.SchemaID, "error", err)
		}
	}
	return rec, nil
}

// Fetch returns the record for id. An expired record is indistinguishable
// from one that never existed.
func (r *Registry) Fetch(ctx context.Context, id string) (Record, error) {
	r.mu.RLock()
	rec, ok := r.entries[id]
	r.mu.RUnlock()
	if !ok {
		return Record{}, ErrNotFound
	}
	if !r.now().Before(rec.ExpiresAt) {
		r.mu.Lock()
		if cur, still := r.entries[id]; still && !r.now().Before(cur.ExpiresAt) {
			r.removeLocked(ctx, id, "expired")
		}
		r.mu.Unlock()
		return Record{}, ErrNotFound
	}
	return rec, nil
}

// Sweep removes every expired record and reports how many were dropped.
// The API server runs this on a ticker.
func (r *Registry) Sweep(ctx context.Context) int {
	now := r.now()
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.dropExpiredLocked(ctx, now)
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.entries)
}

// Restore loads persisted schemas back into memory, skipping anything that
// expired while the process was down.
func (r *Registry) Restore(ctx context.Context) error {
	if r.persister == nil {
		return nil
	}
	stored, err := r.persister.ListSchemas(ctx)
	if err != nil {
		return fmt.Errorf("list persisted schemas: %w", err)
	}
	now := r.now()
	restored := 0
	r.mu.Lock()
	for _, s := range stored {
		if !now.Before(s.ExpiresAt) {
			continue
		}
		g, err := schema.NewGraph(s.Specs)
		if err != nil {
			r.logger.Warn("skipping unloadable persisted schema", "schema_id", s.SchemaID, "error", err)
			continue
		}
		r.entries[s.SchemaID] = Record{
			SchemaID:    s.SchemaID,
			Graph:       g,
			CreatedAt:   s.CreatedAt,
			ExpiresAt:   s.ExpiresAt,
			TableCount:  g.TableCount(),
			ColumnCount: g.ColumnCount(),
			Preview:     buildPreview(g, r.cfg.PreviewTables),
		}
		restored++
	}
	r.mu.Unlock()
	if restored > 0 {
		r.logger.Info("restored persisted schemas", "count", restored)
	}
	return nil
}

func (r *Registry) dropExpiredLocked(ctx context.Context, now time.Time) int {
	dropped := 0
	for id, rec := range r.entries {
		if !now.Before(rec.ExpiresAt) {
			r.removeLocked(ctx, id, "expired")
			dropped++
		}
	}
	return dropped
}

func (r *Registry) oldestLocked() string {
	var oldestID string
	var oldestAt time.Time
	for id, rec := range r.entries {
		if oldestID == "" || rec.CreatedAt.Before(oldestAt) {
			oldestID = id
			oldestAt = rec.CreatedAt
		}
	}
	return oldestID
}

func (r *Registry) removeLocked(ctx context.Context, id, cause string) {
	delete(r.entries, id)
	observability.AddRegistryEvictions(1)
	if r.persister != nil {
		if err := r.persister.DeleteSchema(ctx, id); err != nil {
			r.logger.Warn("schema delete persist failed", "schema_id", id, "cause", cause, "error", err)
		}
	}
}

func newSchemaID() string {
	buf := make([]byte, 16)
	if _, err := rand.Read(buf); err != nil {
		return "sch_" + strconv.FormatInt(time.Now().UnixNano(), 16)
	}
	return "sch_" + hex.EncodeToString(buf)
}

// buildPreview renders the first few tables in declaration order, e.g.
// "branches(branch_id, branch_name)".
func buildPreview(g *schema.Graph, max int) []string {
	preview := make([]string, 0, max)
	for _, table := range g.Tables() {
		if len(preview) >= max {
			break
		}
		cols := make([]string, 0, len(table.Columns))
		for _, c := range table.Columns {
			cols = append(cols, c.Name)
		}
		preview = append(preview, fmt.Sprintf("%s(%s)", table.Name, strings.Join(cols, ", ")))
	}
	return preview
}
