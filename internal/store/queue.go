package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/roach88/meshsync/internal/ir"
)

// Enqueue appends a change-capture entry and returns its seq. Attempts and
// CreatedAt on e are ignored.
func (s *Store) Enqueue(ctx context.Context, e ir.DirtyEntry) (int64, error) {
	if e.ObjectID.IsZero() {
		return 0, fmt.Errorf("enqueue: object id is required")
	}
	if e.Tenant == "" {
		return 0, fmt.Errorf("enqueue %s: tenant is required", e.ObjectID)
	}
	if _, err := ir.ParseAction(string(e.Action)); err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", e.ObjectID, err)
	}

	attrs := e.Attributes
	if attrs == nil {
		attrs = []string{}
	}
	attrsJSON, err := json.Marshal(attrs)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", e.ObjectID, err)
	}

	res, err := s.db.ExecContext(ctx, `
		INSERT INTO dirty_queue (object_id, object_type, tenant, action, attributes, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		string(e.ObjectID),
		e.ObjectType,
		e.Tenant,
		string(e.Action),
		string(attrsJSON),
		s.timestamp(),
	)
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", e.ObjectID, err)
	}
	seq, err := res.LastInsertId()
	if err != nil {
		return 0, fmt.Errorf("enqueue %s: %w", e.ObjectID, err)
	}
	return seq, nil
}

// Pending returns the queued entries of a tenant ordered by seq. An empty
// tenant returns every entry.
func (s *Store) Pending(ctx context.Context, tenant string) ([]ir.DirtyEntry, error) {
	query := `
		SELECT seq, object_id, object_type, tenant, action, attributes, created_at, attempts
		FROM dirty_queue`
	var args []any
	if tenant != "" {
		query += ` WHERE tenant = ?`
		args = append(args, tenant)
	}
	query += ` ORDER BY seq ASC`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	defer rows.Close()

	var entries []ir.DirtyEntry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, fmt.Errorf("pending: %w", err)
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("pending: %w", err)
	}
	return entries, nil
}

func scanEntry(rows *sql.Rows) (ir.DirtyEntry, error) {
	var (
		e         ir.DirtyEntry
		objectID  string
		action    string
		attrsJSON string
		created   string
	)
	if err := rows.Scan(&e.Seq, &objectID, &e.ObjectType, &e.Tenant, &action, &attrsJSON, &created, &e.Attempts); err != nil {
		return e, err
	}
	e.ObjectID = ir.GlobalID(objectID)
	e.Action = ir.Action(action)
	if err := json.Unmarshal([]byte(attrsJSON), &e.Attributes); err != nil {
		return e, fmt.Errorf("seq %d: attributes: %w", e.Seq, err)
	}
	if len(e.Attributes) == 0 {
		e.Attributes = nil
	}
	t, err := parseTime(created)
	if err != nil {
		return e, fmt.Errorf("seq %d: created_at: %w", e.Seq, err)
	}
	e.CreatedAt = t
	return e, nil
}

// Tenants lists the tenants with pending entries, in order of their oldest
// entry.
func (s *Store) Tenants(ctx context.Context) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT tenant FROM dirty_queue
		GROUP BY tenant
		ORDER BY MIN(seq) ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("tenants: %w", err)
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return nil, fmt.Errorf("tenants: %w", err)
		}
		tenants = append(tenants, t)
	}
	return tenants, rows.Err()
}

// Remove deletes the entries of objectID with seq <= maxSeq. Entries that
// arrived after the drain keep the object queued for the next run.
func (s *Store) Remove(ctx context.Context, objectID ir.GlobalID, maxSeq int64) (int64, error) {
	res, err := s.db.ExecContext(ctx, `
		DELETE FROM dirty_queue WHERE object_id = ? AND seq <= ?
	`, string(objectID), maxSeq)
	if err != nil {
		return 0, fmt.Errorf("remove %s: %w", objectID, err)
	}
	return res.RowsAffected()
}

// MarkAttempt increments the attempt counter of the drained entries of
// objectID and returns the highest resulting count.
func (s *Store) MarkAttempt(ctx context.Context, objectID ir.GlobalID, maxSeq int64) (int, error) {
	var attempts int
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, `
			UPDATE dirty_queue SET attempts = attempts + 1
			WHERE object_id = ? AND seq <= ?
		`, string(objectID), maxSeq); err != nil {
			return err
		}
		var highest sql.NullInt64
		if err := tx.QueryRowContext(ctx, `
			SELECT MAX(attempts) FROM dirty_queue WHERE object_id = ? AND seq <= ?
		`, string(objectID), maxSeq).Scan(&highest); err != nil {
			return err
		}
		attempts = int(highest.Int64)
		return nil
	})
	if err != nil {
		return 0, fmt.Errorf("mark attempt %s: %w", objectID, err)
	}
	return attempts, nil
}
