package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/doug-martin/goqu/v9"
	"go.opentelemetry.io/otel"

	// NOTE: required to register the dialect for goqu.
	//
	// If you remove this import, goqu.Dialect("sqlite3") will
	// return a copy of the default dialect, which is not what we want,
	// and allocates a ton of memory.
	_ "github.com/doug-martin/goqu/v9/dialect/sqlite3"
	_ "github.com/glebarez/go-sqlite"
)

var tracer = otel.Tracer("offline-sdk/pkg.store")

var (
	ErrNotFound          = errors.New("store: not found")
	ErrInvalidTransition = errors.New("store: invalid status transition")
)

type pragma struct {
	name  string
	value string
}

// defaultPragmas favor durability: Append must survive an immediate process
// kill once it returns.
var defaultPragmas = []pragma{
	{"journal_mode", "WAL"},
	{"synchronous", "FULL"},
	{"busy_timeout", "5000"},
	{"foreign_keys", "ON"},
}

type tableDescriptor interface {
	Name() string
	Version() string
	Schema() (string, []interface{})
}

var allTableDescriptors = []tableDescriptor{
	cacheEntries,
	mutations,
}

// DB is the single durable substrate backing both the cache store and the
// mutation log. Both live in one sqlite file so there is exactly one
// authoritative offline-storage mechanism.
type DB struct {
	rawDB    *sql.DB
	db       *goqu.Database
	filePath string
	pragmas  []pragma
	now      func() time.Time
}

type Option func(*DB)

func WithPragma(name string, value string) Option {
	return func(d *DB) {
		d.pragmas = append(d.pragmas, pragma{name, value})
	}
}

// WithClock overrides the time source. Staleness and backoff deadlines are
// pure functions of stored state plus this clock.
func WithClock(now func() time.Time) Option {
	return func(d *DB) {
		d.now = now
	}
}

func Open(ctx context.Context, filePath string, opts ...Option) (*DB, error) {
	ctx, span := tracer.Start(ctx, "store.Open")
	defer span.End()

	if err := os.MkdirAll(filepath.Dir(filePath), 0755); err != nil {
		return nil, fmt.Errorf("store: could not create directory: %w", err)
	}

	rawDB, err := sql.Open("sqlite", filePath)
	if err != nil {
		return nil, fmt.Errorf("store: open %s: %w", filePath, err)
	}

	d := &DB{
		rawDB:    rawDB,
		db:       goqu.New("sqlite3", rawDB),
		filePath: filePath,
		pragmas:  defaultPragmas,
		now:      time.Now,
	}

	for _, opt := range opts {
		opt(d)
	}

	if err := d.init(ctx); err != nil {
		_ = rawDB.Close()
		return nil, err
	}

	return d, nil
}

func (d *DB) Close() error {
	if d.rawDB == nil {
		return nil
	}
	err := d.rawDB.Close()
	d.rawDB = nil
	d.db = nil
	return err
}

func (d *DB) validate() error {
	if d.db == nil {
		return errors.New("store: database is closed")
	}
	return nil
}

// init ensures the schema exists, applies pragmas, and recovers mutations
// that were in flight when the previous process died. Requeuing them is safe:
// the idempotency key is already assigned, so a re-send has no double effect.
func (d *DB) init(ctx context.Context) error {
	ctx, span := tracer.Start(ctx, "DB.init")
	defer span.End()

	for _, p := range d.pragmas {
		if _, err := d.db.ExecContext(ctx, fmt.Sprintf("PRAGMA %s = %s", p.name, p.value)); err != nil {
			return fmt.Errorf("store: pragma %s: %w", p.name, err)
		}
	}

	for _, t := range allTableDescriptors {
		query, args := t.Schema()
		if _, err := d.db.ExecContext(ctx, fmt.Sprintf(query, args...)); err != nil {
			return fmt.Errorf("store: create table %s: %w", t.Name(), err)
		}
	}

	return d.recoverInFlight(ctx)
}

// Stats returns row counts per table for inspection tooling.
func (d *DB) Stats(ctx context.Context) (map[string]int64, error) {
	ctx, span := tracer.Start(ctx, "DB.Stats")
	defer span.End()

	if err := d.validate(); err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, t := range allTableDescriptors {
		c, err := d.db.From(t.Name()).CountContext(ctx)
		if err != nil {
			return nil, fmt.Errorf("store: count %s: %w", t.Name(), err)
		}
		counts[t.Name()] = c
	}
	return counts, nil
}
