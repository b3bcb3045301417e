package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/doug-martin/goqu/v9"
	"github.com/google/uuid"
	"github.com/grpc-ecosystem/go-grpc-middleware/logging/zap/ctxzap"
	"github.com/segmentio/ksuid"
	"go.uber.org/zap"

	"github.com/gatehouse/offline-sdk/pkg/mutation"
)

const mutationsTableVersion = "1"
const mutationsTableName = "mutations"
const mutationsTableSchema = `
create table if not exists %s (
    id text not null primary key,
    idempotency_key text not null,
    kind text not null,
    payload blob not null,
    resource_type text not null default '',
    resource_id text not null default '',
    resource_key text not null default '',
    status text not null default 'pending',
    retry_count integer not null default 0,
    last_error text not null default '',
    created_at datetime not null,
    not_before datetime not null
);
create unique index if not exists %s on %s (idempotency_key);
create index if not exists %s on %s (status, not_before, created_at);`

var mutations = (*mutationsTable)(nil)

type mutationsTable struct{}

func (r *mutationsTable) Name() string {
	return fmt.Sprintf("v%s_%s", r.Version(), mutationsTableName)
}

func (r *mutationsTable) Version() string {
	return mutationsTableVersion
}

func (r *mutationsTable) Schema() (string, []interface{}) {
	return mutationsTableSchema, []interface{}{
		r.Name(),
		fmt.Sprintf("idx_mutations_idem_v%s", r.Version()),
		r.Name(),
		fmt.Sprintf("idx_mutations_drain_v%s", r.Version()),
		r.Name(),
	}
}

var mutationColumns = []interface{}{
	"id", "idempotency_key", "kind", "payload",
	"resource_type", "resource_id",
	"status", "retry_count", "last_error",
	"created_at", "not_before",
}

func scanMutation(row interface{ Scan(...interface{}) error }) (*mutation.QueuedMutation, error) {
	m := &mutation.QueuedMutation{}
	err := row.Scan(
		&m.ID, &m.IdempotencyKey, &m.Kind, &m.Payload,
		&m.Target.Type, &m.Target.ID,
		&m.Status, &m.RetryCount, &m.LastError,
		&m.CreatedAt, &m.NotBefore,
	)
	if err != nil {
		return nil, err
	}
	return m, nil
}

// Append durably persists a new pending mutation and returns it. The insert
// is committed before Append returns: once the caller is told the mutation is
// queued, an immediate process kill cannot lose it. The idempotency key is
// minted here, exactly once for the lifetime of the mutation.
func (d *DB) Append(ctx context.Context, p mutation.Payload, target mutation.ResourceKey) (*mutation.QueuedMutation, error) {
	ctx, span := tracer.Start(ctx, "DB.Append")
	defer span.End()

	if err := d.validate(); err != nil {
		return nil, err
	}
	if p == nil || !p.Kind().Valid() {
		return nil, errors.New("store: invalid mutation payload")
	}

	data, err := mutation.Encode(p)
	if err != nil {
		return nil, err
	}

	now := d.now()
	m := &mutation.QueuedMutation{
		ID:             ksuid.New().String(),
		IdempotencyKey: uuid.NewString(),
		Kind:           p.Kind(),
		Payload:        data,
		Target:         target,
		Status:         mutation.StatusPending,
		CreatedAt:      now,
		NotBefore:      now,
	}

	q := d.db.Insert(mutations.Name()).Prepared(true)
	q = q.Rows(goqu.Record{
		"id":              m.ID,
		"idempotency_key": m.IdempotencyKey,
		"kind":            string(m.Kind),
		"payload":         m.Payload,
		"resource_type":   m.Target.Type,
		"resource_id":     m.Target.ID,
		"resource_key":    m.Target.String(),
		"status":          string(m.Status),
		"retry_count":     m.RetryCount,
		"last_error":      m.LastError,
		"created_at":      m.CreatedAt,
		"not_before":      m.NotBefore,
	})

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}
	if _, err := d.db.ExecContext(ctx, query, args...); err != nil {
		return nil, fmt.Errorf("store: append mutation: %w", err)
	}

	ctxzap.Extract(ctx).Debug("mutation queued",
		zap.String("mutation_id", m.ID),
		zap.String("kind", string(m.Kind)),
		zap.String("resource_key", m.Target.String()),
	)
	return m, nil
}

// keyHeadOnly restricts a query over the mutations table to rows that are the
// oldest live mutation for their resource key. A mutation parked behind a
// backoff deadline still heads its key's queue, so later same-key mutations
// can never overtake it.
func keyHeadOnly(d *DB) goqu.Expression {
	table := mutations.Name()
	older := d.db.From(goqu.T(table).As("older")).
		Select(goqu.L("1")).
		Where(
			goqu.I("older.resource_key").Eq(goqu.I(table+".resource_key")),
			goqu.I("older.status").In(
				string(mutation.StatusPending),
				string(mutation.StatusInFlight),
			),
			goqu.Or(
				goqu.I("older.created_at").Lt(goqu.I(table+".created_at")),
				goqu.And(
					goqu.I("older.created_at").Eq(goqu.I(table+".created_at")),
					goqu.I("older.rowid").Lt(goqu.I(table+".rowid")),
				),
			),
		)
	return goqu.L("not exists ?", older)
}

// PeekNext returns the oldest pending mutation whose backoff deadline has
// passed and whose resource key is not excluded, or nil if none is eligible.
// Excluded keys are the ones blocked by a failed transition earlier in the
// current drain pass: skipping them avoids head-of-line blocking across
// unrelated resources while keeping same-key mutations strictly ordered.
func (d *DB) PeekNext(ctx context.Context, excludedKeys []string) (*mutation.QueuedMutation, error) {
	ctx, span := tracer.Start(ctx, "DB.PeekNext")
	defer span.End()

	if err := d.validate(); err != nil {
		return nil, err
	}

	q := d.db.From(mutations.Name()).Prepared(true)
	q = q.Select(mutationColumns...)
	q = q.Where(goqu.C("status").Eq(string(mutation.StatusPending)))
	q = q.Where(goqu.C("not_before").Lte(d.now()))
	q = q.Where(keyHeadOnly(d))
	if len(excludedKeys) > 0 {
		q = q.Where(goqu.C("resource_key").NotIn(excludedKeys))
	}
	// rowid breaks ties between mutations appended within the same clock
	// reading, preserving insertion order.
	q = q.Order(goqu.C("created_at").Asc(), goqu.C("rowid").Asc())
	q = q.Limit(1)

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	m, err := scanMutation(d.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("store: peek next mutation: %w", err)
	}
	return m, nil
}

// MarkInFlight transitions a pending mutation to in_flight. The transition
// fails if any other mutation is already in flight: at most one mutation is
// in flight across the whole log.
func (d *DB) MarkInFlight(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "DB.MarkInFlight")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	inFlight := d.db.From(mutations.Name()).
		Select(goqu.C("id")).
		Where(goqu.C("status").Eq(string(mutation.StatusInFlight)))

	q := d.db.Update(mutations.Name()).Prepared(true)
	q = q.Set(goqu.Record{"status": string(mutation.StatusInFlight)})
	q = q.Where(goqu.C("id").Eq(id))
	q = q.Where(goqu.C("status").Eq(string(mutation.StatusPending)))
	q = q.Where(goqu.L("not exists ?", inFlight))

	return d.execTransition(ctx, q, id)
}

// MarkSucceeded removes a mutation on terminal success.
func (d *DB) MarkSucceeded(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "DB.MarkSucceeded")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.db.Delete(mutations.Name()).Prepared(true)
	q = q.Where(goqu.C("id").Eq(id))
	q = q.Where(goqu.C("status").Eq(string(mutation.StatusInFlight)))

	return d.execTransition(ctx, q, id)
}

// MarkRetry returns an in-flight mutation to pending after a transient
// failure, recording the error and the backoff deadline before which the
// drain loop must not pick it up again. The deadline is persisted so a
// process restart cannot defeat backoff.
func (d *DB) MarkRetry(ctx context.Context, id string, cause string, notBefore time.Time) error {
	ctx, span := tracer.Start(ctx, "DB.MarkRetry")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.db.Update(mutations.Name()).Prepared(true)
	q = q.Set(goqu.Record{
		"status":      string(mutation.StatusPending),
		"retry_count": goqu.L("retry_count + 1"),
		"last_error":  cause,
		"not_before":  notBefore,
	})
	q = q.Where(goqu.C("id").Eq(id))
	q = q.Where(goqu.C("status").Eq(string(mutation.StatusInFlight)))

	return d.execTransition(ctx, q, id)
}

// MarkFailed parks a mutation as terminally failed. It is retained, never
// auto-retried, and stays visible until the caller requeues or discards it.
func (d *DB) MarkFailed(ctx context.Context, id string, cause string) error {
	ctx, span := tracer.Start(ctx, "DB.MarkFailed")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.db.Update(mutations.Name()).Prepared(true)
	q = q.Set(goqu.Record{
		"status":     string(mutation.StatusFailed),
		"last_error": cause,
	})
	q = q.Where(goqu.C("id").Eq(id))
	q = q.Where(goqu.C("status").Eq(string(mutation.StatusInFlight)))

	return d.execTransition(ctx, q, id)
}

// Requeue flips a failed mutation back to pending for a manual retry. The
// retry budget starts over; the idempotency key does not change.
func (d *DB) Requeue(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "DB.Requeue")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.requeueQuery().Where(goqu.C("id").Eq(id))
	return d.execTransition(ctx, q, id)
}

// RequeueAllFailed flips every failed mutation back to pending and returns
// how many were requeued.
func (d *DB) RequeueAllFailed(ctx context.Context) (int64, error) {
	ctx, span := tracer.Start(ctx, "DB.RequeueAllFailed")
	defer span.End()

	if err := d.validate(); err != nil {
		return 0, err
	}

	query, args, err := d.requeueQuery().ToSQL()
	if err != nil {
		return 0, err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, fmt.Errorf("store: requeue failed mutations: %w", err)
	}
	return res.RowsAffected()
}

func (d *DB) requeueQuery() *goqu.UpdateDataset {
	return d.db.Update(mutations.Name()).Prepared(true).
		Set(goqu.Record{
			"status":      string(mutation.StatusPending),
			"retry_count": 0,
			"not_before":  d.now(),
		}).
		Where(goqu.C("status").Eq(string(mutation.StatusFailed)))
}

// Discard deletes a failed mutation. Pending and in-flight mutations cannot
// be discarded; they are owned by the drain loop.
func (d *DB) Discard(ctx context.Context, id string) error {
	ctx, span := tracer.Start(ctx, "DB.Discard")
	defer span.End()

	if err := d.validate(); err != nil {
		return err
	}

	q := d.db.Delete(mutations.Name()).Prepared(true)
	q = q.Where(goqu.C("id").Eq(id))
	q = q.Where(goqu.C("status").Eq(string(mutation.StatusFailed)))

	return d.execTransition(ctx, q, id)
}

// ListByStatus returns mutations with the given status in enqueue order.
// Read-only, for UI badges and inspection tooling.
func (d *DB) ListByStatus(ctx context.Context, status mutation.Status) ([]*mutation.QueuedMutation, error) {
	ctx, span := tracer.Start(ctx, "DB.ListByStatus")
	defer span.End()

	if err := d.validate(); err != nil {
		return nil, err
	}

	q := d.db.From(mutations.Name()).Prepared(true)
	q = q.Select(mutationColumns...)
	q = q.Where(goqu.C("status").Eq(string(status)))
	q = q.Order(goqu.C("created_at").Asc(), goqu.C("rowid").Asc())

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: list mutations: %w", err)
	}
	defer rows.Close()

	var ret []*mutation.QueuedMutation
	for rows.Next() {
		m, err := scanMutation(rows)
		if err != nil {
			return nil, fmt.Errorf("store: scan mutation: %w", err)
		}
		ret = append(ret, m)
	}
	return ret, rows.Err()
}

// CountByStatus returns the number of mutations per status.
func (d *DB) CountByStatus(ctx context.Context) (map[mutation.Status]int64, error) {
	ctx, span := tracer.Start(ctx, "DB.CountByStatus")
	defer span.End()

	if err := d.validate(); err != nil {
		return nil, err
	}

	q := d.db.From(mutations.Name()).Prepared(true)
	q = q.Select(goqu.C("status"), goqu.COUNT("*").As("n"))
	q = q.GroupBy(goqu.C("status"))

	query, args, err := q.ToSQL()
	if err != nil {
		return nil, err
	}

	rows, err := d.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: count mutations: %w", err)
	}
	defer rows.Close()

	ret := make(map[mutation.Status]int64)
	for rows.Next() {
		var status string
		var n int64
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("store: scan count: %w", err)
		}
		ret[mutation.Status(status)] = n
	}
	return ret, rows.Err()
}

// NextRetryAt returns the earliest backoff deadline among pending mutations
// that head their key's queue, or false if the log has no pending mutations.
// Non-head mutations are ignored: they cannot run before their head does,
// whatever their own deadline says.
func (d *DB) NextRetryAt(ctx context.Context) (time.Time, bool, error) {
	ctx, span := tracer.Start(ctx, "DB.NextRetryAt")
	defer span.End()

	if err := d.validate(); err != nil {
		return time.Time{}, false, err
	}

	q := d.db.From(mutations.Name()).Prepared(true)
	q = q.Select(goqu.C("not_before"))
	q = q.Where(goqu.C("status").Eq(string(mutation.StatusPending)))
	q = q.Where(keyHeadOnly(d))
	q = q.Order(goqu.C("not_before").Asc())
	q = q.Limit(1)

	query, args, err := q.ToSQL()
	if err != nil {
		return time.Time{}, false, err
	}

	var at time.Time
	err = d.db.QueryRowContext(ctx, query, args...).Scan(&at)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, false, nil
		}
		return time.Time{}, false, fmt.Errorf("store: next retry at: %w", err)
	}
	return at, true, nil
}

// recoverInFlight requeues mutations stranded in_flight by a process kill.
func (d *DB) recoverInFlight(ctx context.Context) error {
	q := d.db.Update(mutations.Name()).Prepared(true)
	q = q.Set(goqu.Record{"status": string(mutation.StatusPending)})
	q = q.Where(goqu.C("status").Eq(string(mutation.StatusInFlight)))

	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: recover in-flight mutations: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n > 0 {
		ctxzap.Extract(ctx).Info("recovered stranded in-flight mutations", zap.Int64("count", n))
	}
	return nil
}

type sqlExecutor interface {
	ToSQL() (string, []interface{}, error)
}

func (d *DB) execTransition(ctx context.Context, q sqlExecutor, id string) error {
	query, args, err := q.ToSQL()
	if err != nil {
		return err
	}
	res, err := d.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("store: mutation %s: %w", id, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("store: mutation %s: %w", id, err)
	}
	if n == 0 {
		return fmt.Errorf("store: mutation %s: %w", id, ErrInvalidTransition)
	}
	return nil
}
