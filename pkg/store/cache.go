package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
)

const cacheEntriesTableVersion = "1"
const cacheEntriesTableName = "cache_entries"
const cacheEntriesTableSchema = `
create table if not exists %s (
    id integer primary key,
    resource_type text not null,
    resource_id text not null,
    payload blob not null,
    fetched_at datetime not null,
    ttl_ms integer not null default 0,
    stale integer not null default 0
);
create unique index if not exists %s on %s (resource_type, resource_id);`

var cacheEntries = (*cacheEntriesTable)(nil)

type cacheEntriesTable struct{}

func (r *cacheEntriesTable) Name() string {
	return fmt.Sprintf("v%s_%s", r.Version(), cacheEntriesTableName)
}

func (r *cacheEntriesTable) Version() string {
	return cacheEntriesTableVersion
}

func (r *cacheEntriesTable) Schema() (string, []interface{}) {
	return cacheEntriesTableSchema, []interface{}{
		r.Name(),
		fmt.Sprintf("idx_cache_entries_key_v%s", r.Version()),
		r.Name(),
	}
}

// CacheEntry is the last-known-good copy of a server entity.
//
// Stale is computed at read time: it is true if the entry was explicitly
// invalidated or if its TTL has lapsed. The payload is retained either way so
// callers can still render best-effort data.
type CacheEntry struct {
	ResourceType string
	ResourceID   string
	Payload      []byte
	FetchedAt    time.Time
	TTL          time.Duration
	Stale        bool
}

// GetEntry returns the cache entry for (resourceType, resourceID), or
// ErrNotFound. Expiry is lazy: there is no background sweep.
func (d *DB) GetEntry(ctx context.Context, resourceType string, resourceID string) (*CacheEntry, error) {
	ctx, span := tracer.Start(ctx, "DB.GetEntry")
	defer span.End()

	if err := d.validate(); err != nil {
		return nil, err
	}

	q := d.db.From(cacheEntries.Name()).Prepared(true)
	q = q.Select("payload", "fetched_at", "ttl_ms", "stale")
	q = q.Where(goqu.C("resource_type").Eq(resourceType))
	q = q.Where(goqu.C("resource_id").Eq(resourceID))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	ret := &CacheEntry{
		ResourceType: resourceType,
		ResourceID:   resourceID,
	}
	var ttlMs int64
	var stale int
	row := d.db.QueryRowContext(ctx, query, args...)
	err = row.Scan(&ret.Payload, &ret.FetchedAt, &ttlMs, &stale)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("store: get cache entry: %w", err)
	}

	ret.TTL = time.Duration(ttlMs) * time.Millisecond
	ret.Stale = stale != 0
	if !ret.Stale && ret.TTL > 0 && d.now().Sub(ret.FetchedAt) > ret.TTL {
		ret.Stale = true
	}
	return ret, nil
}

// PutEntry overwrites the entry for the key and clears its stale flag. A Get
// immediately following a Put from the same process observes the new value.
func (d *DB) PutEntry(ctx context.Context, resourceType string, resourceID string, payload []byte, ttl time.Duration) error {
	ctx, span := tracer.Start(ctx, "DB.PutEntry")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.db.Insert(cacheEntries.Name()).Prepared(true)
	q = q.Rows(goqu.Record{
		"resource_type": resourceType,
		"resource_id":   resourceID,
		"payload":       payload,
		"fetched_at":    d.now(),
		"ttl_ms":        ttl.Milliseconds(),
		"stale":         0,
	})
	q = q.OnConflict(goqu.DoUpdate("resource_type, resource_id", goqu.Record{
		"payload":    payload,
		"fetched_at": d.now(),
		"ttl_ms":     ttl.Milliseconds(),
		"stale":      0,
	}))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}

	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: put cache entry: %w", err)
	}
	return nil
}

// Invalidate marks the entry stale without deleting its payload. Missing
// entries are not an error: the point is that future reads must not treat the
// key as authoritative, which an absent entry already guarantees.
func (d *DB) Invalidate(ctx context.Context, resourceType string, resourceID string) error {
	ctx, span := tracer.Start(ctx, "DB.Invalidate")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.db.Update(cacheEntries.Name()).Prepared(true)
	q = q.Set(goqu.Record{"stale": 1})
	q = q.Where(goqu.C("resource_type").Eq(resourceType))
	q = q.Where(goqu.C("resource_id").Eq(resourceID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: invalidate: %w", err)
	}
	return nil
}

// InvalidateType marks every entry of the resource type stale.
func (d *DB) InvalidateType(ctx context.Context, resourceType string) error {
	ctx, span := tracer.Start(ctx, "DB.InvalidateType")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.db.Update(cacheEntries.Name()).Prepared(true)
	q = q.Set(goqu.Record{"stale": 1})
	q = q.Where(goqu.C("resource_type").Eq(resourceType))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: invalidate type %s: %w", resourceType, err)
	}
	return nil
}

// DeleteEntry removes an entry outright. Only inspection tooling and
// placeholder cleanup use this; invalidation is the normal path.
func (d *DB) DeleteEntry(ctx context.Context, resourceType string, resourceID string) error {
	ctx, span := tracer.Start(ctx, "DB.DeleteEntry")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.db.Delete(cacheEntries.Name()).Prepared(true)
	q = q.Where(goqu.C("resource_type").Eq(resourceType))
	q = q.Where(goqu.C("resource_id").Eq(resourceID))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return fmt.Errorf("store: delete cache entry: %w", err)
	}
	return nil
}
