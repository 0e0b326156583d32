package persistence

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/petrijr/orderflow/pkg/api"
)

// dialect captures the few differences between the SQL backends. Queries
// are written with '?' placeholders and rebound per dialect.
type dialect int

const (
	dialectSQLite dialect = iota
	dialectPostgres
)

func (d dialect) rebind(q string) string {
	if d != dialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 16)
	n := 0
	for i := 0; i < len(q); i++ {
		if q[i] == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteByte(q[i])
	}
	return b.String()
}

// querier is satisfied by both *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type sqlConn struct {
	q querier
	d dialect
}

func (c sqlConn) exec(ctx context.Context, query string, args ...any) (sql.Result, error) {
	return c.q.ExecContext(ctx, c.d.rebind(query), args...)
}

func (c sqlConn) query(ctx context.Context, query string, args ...any) (*sql.Rows, error) {
	return c.q.QueryContext(ctx, c.d.rebind(query), args...)
}

func (c sqlConn) queryRow(ctx context.Context, query string, args ...any) *sql.Row {
	return c.q.QueryRowContext(ctx, c.d.rebind(query), args...)
}

// sqlStore implements Store on database/sql. SQLiteStore and PostgresStore
// wrap it with their own schema.
type sqlStore struct {
	sqlConn
	db *sql.DB
}

type sqlTx struct {
	sqlConn
}

var (
	_ Store = (*sqlStore)(nil)
	_ Tx    = sqlTx{}
)

func newSQLStore(db *sql.DB, d dialect) *sqlStore {
	return &sqlStore{sqlConn: sqlConn{q: db, d: d}, db: db}
}

func (s *sqlStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	if err := fn(sqlTx{sqlConn{q: tx, d: s.d}}); err != nil {
		_ = tx.Rollback()
		return err
	}
	return tx.Commit()
}

// ---- orders ----

const orderColumns = `id, state, reason, address, items, amount, approval_deadline, approved_at, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanOrder(r rowScanner) (*api.Order, error) {
	var (
		o                           api.Order
		state, reason, addr, items  string
		deadline, approved, created int64
		updated                     int64
	)
	if err := r.Scan(&o.ID, &state, &reason, &addr, &items, &o.Amount, &deadline, &approved, &created, &updated); err != nil {
		return nil, err
	}
	o.State = api.OrderState(state)
	o.Reason = api.Reason(reason)

	var err error
	if o.Address, err = decodeJSON[api.Address](addr); err != nil {
		return nil, fmt.Errorf("decode address of order %s: %w", o.ID, err)
	}
	if o.Items, err = decodeJSON[[]api.Item](items); err != nil {
		return nil, fmt.Errorf("decode items of order %s: %w", o.ID, err)
	}
	o.ApprovalDeadline = fromNanos(deadline)
	o.ApprovedAt = fromNanos(approved)
	o.CreatedAt = fromNanos(created)
	o.UpdatedAt = fromNanos(updated)
	return &o, nil
}

func (c sqlConn) GetOrder(ctx context.Context, id string) (*api.Order, error) {
	row := c.queryRow(ctx, `SELECT `+orderColumns+` FROM orders WHERE id = ?`, id)
	o, err := scanOrder(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return o, nil
}

func (c sqlConn) ListOrders(ctx context.Context, f OrderFilter) ([]*api.Order, error) {
	query := `SELECT ` + orderColumns + ` FROM orders`
	var (
		where []string
		args  []any
	)
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	if f.NonFinal {
		where = append(where, "state NOT IN ('completed', 'cancelled', 'failed')")
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at DESC, id DESC"
	if f.Limit > 0 {
		query += " LIMIT " + strconv.Itoa(f.Limit)
	}

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Order
	for rows.Next() {
		o, err := scanOrder(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, o)
	}
	return out, rows.Err()
}

func (c sqlConn) InsertOrder(ctx context.Context, o *api.Order) (bool, error) {
	addr, err := encodeJSON(o.Address)
	if err != nil {
		return false, err
	}
	items, err := encodeJSON(o.Items)
	if err != nil {
		return false, err
	}

	res, err := c.exec(ctx, `
		INSERT INTO orders (`+orderColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		o.ID,
		string(o.State),
		string(o.Reason),
		addr,
		items,
		o.Amount,
		toNanos(o.ApprovalDeadline),
		toNanos(o.ApprovedAt),
		toNanos(o.CreatedAt),
		toNanos(o.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c sqlConn) UpdateOrder(ctx context.Context, o *api.Order, expected api.OrderState) error {
	addr, err := encodeJSON(o.Address)
	if err != nil {
		return err
	}
	items, err := encodeJSON(o.Items)
	if err != nil {
		return err
	}

	res, err := c.exec(ctx, `
		UPDATE orders
		SET state = ?, reason = ?, address = ?, items = ?, amount = ?,
		    approval_deadline = ?, approved_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(o.State),
		string(o.Reason),
		addr,
		items,
		o.Amount,
		toNanos(o.ApprovalDeadline),
		toNanos(o.ApprovedAt),
		toNanos(o.UpdatedAt),
		o.ID,
		string(expected),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return c.missingOrStale(ctx, `SELECT state FROM orders WHERE id = ?`, o.ID)
	}
	return nil
}

func (c sqlConn) missingOrStale(ctx context.Context, query, id string) error {
	var state string
	if err := c.queryRow(ctx, query, id).Scan(&state); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrNotFound
		}
		return err
	}
	return ErrStaleState
}

// ---- events ----

func (c sqlConn) AppendEvent(ctx context.Context, ev *api.Event) error {
	payload, err := encodeJSON(ev.Payload)
	if err != nil {
		return err
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	instanceID := ev.InstanceID
	if instanceID == "" {
		instanceID = ev.OrderID
	}

	row := c.queryRow(ctx, `
		INSERT INTO events (order_id, instance_id, type, payload, attempt, execution_time, at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		RETURNING seq`,
		ev.OrderID,
		instanceID,
		string(ev.Type),
		payload,
		ev.Attempt,
		int64(ev.ExecutionTime),
		toNanos(ev.At),
	)
	if err := row.Scan(&ev.Seq); err != nil {
		return err
	}
	ev.InstanceID = instanceID
	return nil
}

func (c sqlConn) ListEvents(ctx context.Context, orderID string) ([]api.Event, error) {
	rows, err := c.query(ctx, `
		SELECT seq, order_id, instance_id, type, payload, attempt, execution_time, at
		FROM events
		WHERE order_id = ?
		ORDER BY seq`,
		orderID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Event
	for rows.Next() {
		var (
			ev           api.Event
			typ, payload string
			execNs, atNs int64
		)
		if err := rows.Scan(&ev.Seq, &ev.OrderID, &ev.InstanceID, &typ, &payload, &ev.Attempt, &execNs, &atNs); err != nil {
			return nil, err
		}
		ev.Type = api.EventType(typ)
		if ev.Payload, err = decodeJSON[api.Payload](payload); err != nil {
			return nil, err
		}
		ev.ExecutionTime = time.Duration(execNs)
		ev.At = fromNanos(atNs)
		out = append(out, ev)
	}
	return out, rows.Err()
}

// ---- activity attempts ----

func (c sqlConn) PutAttempt(ctx context.Context, a api.ActivityAttempt) error {
	input, err := encodeJSON(a.Input)
	if err != nil {
		return err
	}
	output, err := encodeJSON(a.Output)
	if err != nil {
		return err
	}

	_, err = c.exec(ctx, `
		INSERT INTO activity_attempts (order_id, activity, attempt, status, input, output, error, permanent, execution_time, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (order_id, activity, attempt) DO UPDATE SET
			status = excluded.status,
			input = excluded.input,
			output = excluded.output,
			error = excluded.error,
			permanent = excluded.permanent,
			execution_time = excluded.execution_time,
			started_at = excluded.started_at,
			completed_at = excluded.completed_at`,
		a.OrderID,
		a.Activity,
		a.Attempt,
		string(a.Status),
		input,
		output,
		a.Error,
		boolInt(a.Permanent),
		int64(a.ExecutionTime),
		toNanos(a.StartedAt),
		toNanos(a.CompletedAt),
	)
	return err
}

func (c sqlConn) ListAttempts(ctx context.Context, f AttemptFilter) ([]api.ActivityAttempt, error) {
	query := `
		SELECT order_id, activity, attempt, status, input, output, error, permanent, execution_time, started_at, completed_at
		FROM activity_attempts`
	var (
		where []string
		args  []any
	)
	if f.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if f.Activity != "" {
		where = append(where, "activity = ?")
		args = append(args, f.Activity)
	}
	if f.Unsuccessful {
		where = append(where, "status IN ('failed', 'timeout')")
	}
	if !f.Since.IsZero() {
		where = append(where, "started_at >= ?")
		args = append(args, toNanos(f.Since))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += ` ORDER BY started_at, activity, attempt`

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.ActivityAttempt
	for rows.Next() {
		var (
			a                     api.ActivityAttempt
			status, input, output string
			permanent             int64
			execNs, started, done int64
		)
		if err := rows.Scan(&a.OrderID, &a.Activity, &a.Attempt, &status, &input, &output, &a.Error, &permanent, &execNs, &started, &done); err != nil {
			return nil, err
		}
		a.Status = api.AttemptStatus(status)
		a.Permanent = permanent != 0
		if a.Input, err = decodeJSON[api.Payload](input); err != nil {
			return nil, err
		}
		if a.Output, err = decodeJSON[api.Payload](output); err != nil {
			return nil, err
		}
		a.ExecutionTime = time.Duration(execNs)
		a.StartedAt = fromNanos(started)
		a.CompletedAt = fromNanos(done)
		out = append(out, a)
	}
	return out, rows.Err()
}

// ---- payments ----

const paymentColumns = `idempotency_key, order_id, status, amount, attempt, retry_count, last_error, gateway_ref, created_at, updated_at`

func scanPayment(r rowScanner) (*api.Payment, error) {
	var (
		p                api.Payment
		status           string
		created, updated int64
	)
	if err := r.Scan(&p.IdempotencyKey, &p.OrderID, &status, &p.Amount, &p.Attempt, &p.RetryCount, &p.LastError, &p.GatewayRef, &created, &updated); err != nil {
		return nil, err
	}
	p.Status = api.PaymentStatus(status)
	p.CreatedAt = fromNanos(created)
	p.UpdatedAt = fromNanos(updated)
	return &p, nil
}

func (c sqlConn) UpsertPayment(ctx context.Context, p api.Payment) error {
	if p.Status == api.PaymentCharged {
		var other string
		err := c.queryRow(ctx, `
			SELECT idempotency_key FROM payments
			WHERE order_id = ? AND status = 'charged' AND idempotency_key <> ?`,
			p.OrderID, p.IdempotencyKey,
		).Scan(&other)
		switch {
		case err == nil:
			return ErrDuplicateCharge
		case !errors.Is(err, sql.ErrNoRows):
			return err
		}
	}

	_, err := c.exec(ctx, `
		INSERT INTO payments (`+paymentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (idempotency_key) DO UPDATE SET
			status = excluded.status,
			amount = excluded.amount,
			retry_count = excluded.retry_count,
			last_error = excluded.last_error,
			gateway_ref = excluded.gateway_ref,
			updated_at = excluded.updated_at
		WHERE payments.status <> 'charged'`,
		p.IdempotencyKey,
		p.OrderID,
		string(p.Status),
		p.Amount,
		p.Attempt,
		p.RetryCount,
		p.LastError,
		p.GatewayRef,
		toNanos(p.CreatedAt),
		toNanos(p.UpdatedAt),
	)
	return err
}

func (c sqlConn) GetPayment(ctx context.Context, key string) (*api.Payment, error) {
	p, err := scanPayment(c.queryRow(ctx, `SELECT `+paymentColumns+` FROM payments WHERE idempotency_key = ?`, key))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return p, nil
}

func (c sqlConn) ListPayments(ctx context.Context, f PaymentFilter) ([]api.Payment, error) {
	query := `SELECT ` + paymentColumns + ` FROM payments`
	var (
		where []string
		args  []any
	)
	if f.OrderID != "" {
		where = append(where, "order_id = ?")
		args = append(args, f.OrderID)
	}
	if f.Status != "" {
		where = append(where, "status = ?")
		args = append(args, string(f.Status))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at, attempt"

	rows, err := c.query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []api.Payment
	for rows.Next() {
		p, err := scanPayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, *p)
	}
	return out, rows.Err()
}

// ---- shipments ----

const shipmentColumns = `id, order_id, state, reason, address, tracking, created_at, updated_at`

func scanShipment(r rowScanner) (*api.Shipment, error) {
	var (
		s                api.Shipment
		state, addr      string
		created, updated int64
	)
	if err := r.Scan(&s.ID, &s.OrderID, &state, &s.Reason, &addr, &s.Tracking, &created, &updated); err != nil {
		return nil, err
	}
	s.State = api.ShipmentState(state)
	var err error
	if s.Address, err = decodeJSON[api.Address](addr); err != nil {
		return nil, err
	}
	s.CreatedAt = fromNanos(created)
	s.UpdatedAt = fromNanos(updated)
	return &s, nil
}

func (c sqlConn) InsertShipment(ctx context.Context, s *api.Shipment) (bool, error) {
	addr, err := encodeJSON(s.Address)
	if err != nil {
		return false, err
	}
	res, err := c.exec(ctx, `
		INSERT INTO shipments (`+shipmentColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (id) DO NOTHING`,
		s.ID,
		s.OrderID,
		string(s.State),
		s.Reason,
		addr,
		s.Tracking,
		toNanos(s.CreatedAt),
		toNanos(s.UpdatedAt),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (c sqlConn) UpdateShipment(ctx context.Context, s *api.Shipment, expected api.ShipmentState) error {
	res, err := c.exec(ctx, `
		UPDATE shipments
		SET state = ?, reason = ?, tracking = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		string(s.State),
		s.Reason,
		s.Tracking,
		toNanos(s.UpdatedAt),
		s.ID,
		string(expected),
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return c.missingOrStale(ctx, `SELECT state FROM shipments WHERE id = ?`, s.ID)
	}
	return nil
}

func (c sqlConn) GetShipment(ctx context.Context, id string) (*api.Shipment, error) {
	s, err := scanShipment(c.queryRow(ctx, `SELECT `+shipmentColumns+` FROM shipments WHERE id = ?`, id))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return s, nil
}

func (c sqlConn) ListShipments(ctx context.Context, f ShipmentFilter) ([]*api.Shipment, error) {
	query := `SELECT ` + shipmentColumns + ` FROM shipments`
	if f.NonFinal {
		query += ` WHERE state NOT IN ('delivered', 'failed')`
	}
	query += ` ORDER BY created_at, id`

	rows, err := c.query(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*api.Shipment
	for rows.Next() {
		s, err := scanShipment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ---- leases ----

func (s *sqlStore) TryAcquireLease(ctx context.Context, instanceID, owner string, ttl time.Duration) (bool, error) {
	now := time.Now()
	res, err := s.exec(ctx, `
		INSERT INTO leases (instance_id, owner, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT (instance_id) DO UPDATE SET
			owner = excluded.owner,
			expires_at = excluded.expires_at
		WHERE leases.owner = excluded.owner OR leases.expires_at <= ?`,
		instanceID,
		owner,
		now.Add(ttl).UnixNano(),
		now.UnixNano(),
	)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	return n == 1, nil
}

func (s *sqlStore) RenewLease(ctx context.Context, instanceID, owner string, ttl time.Duration) error {
	res, err := s.exec(ctx, `
		UPDATE leases SET expires_at = ?
		WHERE instance_id = ? AND owner = ?`,
		time.Now().Add(ttl).UnixNano(),
		instanceID,
		owner,
	)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrLeaseLost
	}
	return nil
}

func (s *sqlStore) ReleaseLease(ctx context.Context, instanceID, owner string) error {
	_, err := s.exec(ctx, `DELETE FROM leases WHERE instance_id = ? AND owner = ?`, instanceID, owner)
	return err
}
