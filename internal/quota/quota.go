package quota

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// Class identifies a metered operation. Each class has its own independent
// fixed window per client.
type Class string

const (
	ClassSchemaUpload Class = "schema_upload"
	ClassGenerate     Class = "generate"
)

// Classes in stable order, for usage listings.
var Classes = []Class{ClassSchemaUpload, ClassGenerate}

type Limit struct {
	Max    int
	Window time.Duration
}

type Config struct {
	SchemaUpload Limit
	Generate     Limit
}

func DefaultConfig() Config {
	return Config{
		SchemaUpload: Limit{Max: 5, Window: 24 * time.Hour},
		Generate:     Limit{Max: 50, Window: 24 * time.Hour},
	}
}

func (c Config) limitFor(class Class) Limit {
	switch class {
	case ClassSchemaUpload:
		return c.SchemaUpload
	case ClassGenerate:
		return c.Generate
	default:
		return Limit{}
	}
}

// Remaining is the post-decision view of a client's window, suitable for
// X-RateLimit response headers.
type Remaining struct {
	Class     Class
	Limit     int
	Remaining int
	ResetAt   time.Time
}

// ExceededError reports a denied consume. The N+1th request inside a window
// always fails with this error; it never panics or blocks.
type ExceededError struct {
	Class   Class
	Limit   int
	ResetAt time.Time
}

func (e *ExceededError) Error() string {
	return fmt.Sprintf("quota exceeded for %s: limit %d, resets at %s",
		e.Class, e.Limit, e.ResetAt.UTC().Format(time.RFC3339))
}

type windowKey struct {
	client string
	class  Class
}

type window struct {
	start time.Time
	count int
}

// StoredWindow is the durable shape of one client window.
type StoredWindow struct {
	ClientID string
	Class    Class
	Start    time.Time
	Count    int
}

type Persister interface {
	UpsertWindow(ctx context.Context, w StoredWindow) error
	ListWindows(ctx context.Context) ([]StoredWindow, error)
}

// Tracker enforces per-client fixed-window quotas. Windows are aligned to
// the epoch (time.Truncate), so the same wall clock always yields the same
// window boundaries.
type Tracker struct {
	cfg       Config
	persister Persister
	logger    *slog.Logger
	now       func() time.Time

	mu      sync.Mutex
	windows map[windowKey]*window
}

func New(cfg Config, persister Persister, logger *slog.Logger) *Tracker {
	def := DefaultConfig()
	if cfg.SchemaUpload.Max <= 0 {
		cfg.SchemaUpload = def.SchemaUpload
	}
	if cfg.Generate.Max <= 0 {
		cfg.Generate = def.Generate
	}
	if cfg.SchemaUpload.Window <= 0 {
		cfg.SchemaUpload.Window = def.SchemaUpload.Window
	}
	if cfg.Generate.Window <= 0 {
		cfg.Generate.Window = def.Generate.Window
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Tracker{
		cfg:       cfg,
		persister: persister,
		logger:    logger,
		now:       time.Now,
		windows:   map[windowKey]*window{},
	}
}

// TryConsume spends one unit of the client's quota for class. It either
// succeeds and returns the remaining budget, or fails with *ExceededError
// while leaving the count untouched.
func (t *Tracker) TryConsume(ctx context.Context, clientID string, class Class) (Remaining, error) {
	limit := t.cfg.limitFor(class)
	if limit.Max <= 0 {
		return Remaining{}, fmt.Errorf("quota: unknown class %q", class)
	}
	now := t.now()
	start := now.Truncate(limit.Window)

	t.mu.Lock()
	key := windowKey{client: clientID, class: class}
	w, ok := t.windows[key]
	if !ok || !w.start.Equal(start) {
		w = &window{start: start}
		t.windows[key] = w
	}
	if w.count >= limit.Max {
		t.mu.Unlock()
		return Remaining{}, &ExceededError{
			Class:   class,
			Limit:   limit.Max,
			ResetAt: start.Add(limit.Window),
		}
	}
	w.count++
	count := w.count
	t.mu.Unlock()

	if t.persister != nil {
		stored := StoredWindow{ClientID: clientID, Class: class, Start: start, Count: count}
		if err := t.persister.UpsertWindow(ctx, stored); err != nil {
			t.logger.Warn("quota persist failed", "client_id", clientID, "class", class, "error", err)
		}
	}
	return Remaining{
		Class:     class,
		Limit:     limit.Max,
		Remaining: limit.Max - count,
		ResetAt:   start.Add(limit.Window),
	}, nil
}

// Peek reports the client's budget without consuming anything.
func (t *Tracker) Peek(clientID string, class Class) Remaining {
	limit := t.cfg.limitFor(class)
	now := t.now()
	start := now.Truncate(limit.Window)

	t.mu.Lock()
	defer t.mu.Unlock()
	count := 0
	if w, ok := t.windows[windowKey{client: clientID, class: class}]; ok && w.start.Equal(start) {
		count = w.count
	}
	return Remaining{
		Class:     class,
		Limit:     limit.Max,
		Remaining: limit.Max - count,
		ResetAt:   start.Add(limit.Window),
	}
}

// Usage lists the client's budget for every class in stable order.
func (t *Tracker) Usage(clientID string) []Remaining {
	out := make([]Remaining, 0, len(Classes))
	for _, class := range Classes {
		out = append(out, t.Peek(clientID, class))
	}
	return out
}

// Restore reloads persisted windows, discarding any whose window has
// already rolled over.
func (t *Tracker) Restore(ctx context.Context) error {
	if t.persister == nil {
		return nil
	}
	stored, err := t.persister.ListWindows(ctx)
	if err != nil {
		return fmt.Errorf("list persisted quota windows: %w", err)
	}
	now := t.now()
	t.mu.Lock()
	defer t.mu.Unlock()
	for _, s := range stored {
		limit := t.cfg.limitFor(s.Class)
		if limit.Max <= 0 {
			continue
		}
		if !s.Start.Equal(now.Truncate(limit.Window)) {
			continue
		}
		t.windows[windowKey{client: s.ClientID, class: s.Class}] = &window{start: s.Start, count: s.Count}
	}
	return nil
}
