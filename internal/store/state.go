package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"time"
)

// CachedSchema returns the fingerprint and version last synced for key in
// project. ok is false when nothing is cached.
func (s *Store) CachedSchema(ctx context.Context, project, key string) (fingerprint string, version int, ok bool, err error) {
	err = s.db.QueryRowContext(ctx, `
		SELECT fingerprint, version FROM schema_cache WHERE project = ? AND name = ?
	`, project, key).Scan(&fingerprint, &version)
	if errors.Is(err, sql.ErrNoRows) {
		return "", 0, false, nil
	}
	if err != nil {
		return "", 0, false, fmt.Errorf("cached schema %s/%s: %w", project, key, err)
	}
	return fingerprint, version, true, nil
}

// CacheSchema records the fingerprint and version synced for key.
func (s *Store) CacheSchema(ctx context.Context, project, key, fingerprint string, version int) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO schema_cache (project, name, fingerprint, version, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project, name) DO UPDATE SET
			fingerprint = excluded.fingerprint,
			version = excluded.version,
			updated_at = excluded.updated_at
	`, project, key, fingerprint, version, s.timestamp())
	if err != nil {
		return fmt.Errorf("cache schema %s/%s: %w", project, key, err)
	}
	return nil
}

// InvalidateSchemas drops every cached schema of project.
func (s *Store) InvalidateSchemas(ctx context.Context, project string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM schema_cache WHERE project = ?`, project); err != nil {
		return fmt.Errorf("invalidate schemas %s: %w", project, err)
	}
	return nil
}

// MarkPublished records that objectID is present in a project branch.
func (s *Store) MarkPublished(ctx context.Context, project, branch, objectID, uuid string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO published (project, branch, object_id, uuid, published_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(project, branch, object_id) DO UPDATE SET
			uuid = excluded.uuid,
			published_at = excluded.published_at
	`, project, branch, objectID, uuid, s.timestamp())
	if err != nil {
		return fmt.Errorf("mark published %s: %w", objectID, err)
	}
	return nil
}

// IsPublished reports whether objectID has a published marker.
func (s *Store) IsPublished(ctx context.Context, project, branch, objectID string) (bool, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM published WHERE project = ? AND branch = ? AND object_id = ?
	`, project, branch, objectID).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("is published %s: %w", objectID, err)
	}
	return n > 0, nil
}

// Unpublish removes the marker of objectID.
func (s *Store) Unpublish(ctx context.Context, project, branch, objectID string) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM published WHERE project = ? AND branch = ? AND object_id = ?
	`, project, branch, objectID)
	if err != nil {
		return fmt.Errorf("unpublish %s: %w", objectID, err)
	}
	return nil
}

// SetTenantRoles records the role set tenant selected for project.
func (s *Store) SetTenantRoles(ctx context.Context, project, tenant string, roles []string) error {
	data, err := json.Marshal(roles)
	if err != nil {
		return fmt.Errorf("marshal roles: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO tenant_roles (project, tenant, roles, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(project, tenant) DO UPDATE SET
			roles = excluded.roles,
			updated_at = excluded.updated_at
	`, project, tenant, string(data), s.timestamp())
	if err != nil {
		return fmt.Errorf("set tenant roles %s/%s: %w", project, tenant, err)
	}
	return nil
}

// ProjectRoles returns the sorted union of the role sets recorded for
// project by every tenant.
func (s *Store) ProjectRoles(ctx context.Context, project string) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT roles FROM tenant_roles WHERE project = ?`, project)
	if err != nil {
		return nil, fmt.Errorf("project roles %s: %w", project, err)
	}
	defer rows.Close()

	set := make(map[string]bool)
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("scan roles: %w", err)
		}
		var roles []string
		if err := json.Unmarshal([]byte(data), &roles); err != nil {
			return nil, fmt.Errorf("unmarshal roles: %w", err)
		}
		for _, r := range roles {
			set[r] = true
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project roles %s: %w", project, err)
	}

	out := make([]string, 0, len(set))
	for r := range set {
		out = append(out, r)
	}
	slices.Sort(out)
	return out, nil
}

// CopyPublished duplicates the markers of one branch into another, matching
// the content copy the target performs when a branch is created.
func (s *Store) CopyPublished(ctx context.Context, project, from, to string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO published (project, branch, object_id, uuid, published_at)
		SELECT project, ?, object_id, uuid, published_at FROM published
		WHERE project = ? AND branch = ?
	`, to, project, from)
	if err != nil {
		return fmt.Errorf("copy published %s -> %s: %w", from, to, err)
	}
	return nil
}

// RunRecord is one entry of the run log. Result holds the JSON encoding of
// the run result.
type RunRecord struct {
	ID         string          `json:"id"`
	Tenant     string          `json:"tenant"`
	Status     string          `json:"status"`
	Result     json.RawMessage `json:"result"`
	StartedAt  time.Time       `json:"started_at"`
	FinishedAt time.Time       `json:"finished_at"`
}

// RecordRun appends a finished run to the run log.
func (s *Store) RecordRun(ctx context.Context, r RunRecord) error {
	finished := r.FinishedAt
	if finished.IsZero() {
		finished = s.now()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO runs (id, tenant, status, result, started_at, finished_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`,
		r.ID,
		r.Tenant,
		r.Status,
		string(r.Result),
		r.StartedAt.UTC().Format(timeLayout),
		finished.UTC().Format(timeLayout),
	)
	if err != nil {
		return fmt.Errorf("record run %s: %w", r.ID, err)
	}
	return nil
}

// Runs returns the last n runs, newest first.
func (s *Store) Runs(ctx context.Context, n int) ([]RunRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, tenant, status, result, started_at, finished_at
		FROM runs
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, n)
	if err != nil {
		return nil, fmt.Errorf("runs: %w", err)
	}
	defer rows.Close()

	var out []RunRecord
	for rows.Next() {
		var (
			r                 RunRecord
			result            string
			started, finished string
		)
		if err := rows.Scan(&r.ID, &r.Tenant, &r.Status, &result, &started, &finished); err != nil {
			return nil, fmt.Errorf("runs: %w", err)
		}
		r.Result = json.RawMessage(result)
		if r.StartedAt, err = parseTime(started); err != nil {
			return nil, fmt.Errorf("runs: %w", err)
		}
		if r.FinishedAt, err = parseTime(finished); err != nil {
			return nil, fmt.Errorf("runs: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
