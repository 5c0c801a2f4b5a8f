package stackstore

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/botgate/botgate/pkg/engine"
	"github.com/botgate/botgate/pkg/stack"
)

type querier interface {
	ExecContext(ctx context.Context, query string, args ...interface{}) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...interface{}) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...interface{}) *sql.Row
}

type stackRow struct {
	id            string
	name          string
	status        engine.StackStatus
	reason        string
	pendingStatus engine.StackStatus
	pendingReason string
	settleAt      int64
	template      string
	parameters    map[string]string
	tags          map[string]string
	createdAt     int64
	updatedAt     sql.NullInt64
}

const stackColumns = `id, name, status, status_reason, pending_status, pending_reason, settle_at,
	template, parameters, tags, created_at, updated_at`

func scanStack(sc interface{ Scan(...interface{}) error }) (*stackRow, error) {
	r := &stackRow{}
	var params, tags string
	err := sc.Scan(&r.id, &r.name, &r.status, &r.reason, &r.pendingStatus, &r.pendingReason, &r.settleAt,
		&r.template, &params, &tags, &r.createdAt, &r.updatedAt)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(params), &r.parameters); err != nil {
		return nil, fmt.Errorf("decode parameters of %s: %w", r.name, err)
	}
	if err := json.Unmarshal([]byte(tags), &r.tags); err != nil {
		return nil, fmt.Errorf("decode tags of %s: %w", r.name, err)
	}
	return r, nil
}

func getStack(ctx context.Context, q querier, name string) (*stackRow, error) {
	row := q.QueryRowContext(ctx, `SELECT `+stackColumns+` FROM stacks WHERE name = ?`, name)
	r, err := scanStack(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get stack: %w", err)
	}
	return r, nil
}

func encode(m map[string]string) string {
	if m == nil {
		return "{}"
	}
	b, _ := json.Marshal(m)
	return string(b)
}

func (s *Store) addEvent(ctx context.Context, q querier, r *stackRow, logicalID, typ string, status, reason string) error {
	_, err := q.ExecContext(ctx, `
		INSERT INTO stack_events (id, stack_id, stack_name, logical_id, resource_type, status, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		uuid.NewString(), r.id, r.name, logicalID, typ, status, reason, s.now())
	if err != nil {
		return fmt.Errorf("failed to record event: %w", err)
	}
	return nil
}

func (s *Store) stackEvent(ctx context.Context, q querier, r *stackRow, status engine.StackStatus, reason string) error {
	return s.addEvent(ctx, q, r, r.name, "Local::Stack", string(status), reason)
}

// begin moves r into inProgress with final pending.
func (s *Store) begin(ctx context.Context, q querier, r *stackRow, inProgress, final engine.StackStatus, reason string) error {
	settleAt := s.cfg.Now().Add(s.cfg.SettleAfter).UnixNano()
	_, err := q.ExecContext(ctx, `
		UPDATE stacks SET status = ?, status_reason = '', pending_status = ?, pending_reason = ?, settle_at = ?
		WHERE id = ?`, inProgress, final, reason, settleAt, r.id)
	if err != nil {
		return fmt.Errorf("failed to update stack status: %w", err)
	}
	r.status, r.reason, r.pendingStatus, r.pendingReason, r.settleAt = inProgress, "", final, reason, settleAt
	return s.stackEvent(ctx, q, r, inProgress, "User Initiated")
}

func (s *Store) setResources(ctx context.Context, q querier, r *stackRow, tmpl *Template, status string) error {
	stuck := map[string]bool{}
	rows, err := q.QueryContext(ctx, `SELECT logical_id FROM stack_resources WHERE stack_id = ? AND stuck = 1`, r.id)
	if err != nil {
		return fmt.Errorf("failed to read resources: %w", err)
	}
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return fmt.Errorf("failed to scan resource: %w", err)
		}
		stuck[id] = true
	}
	rows.Close()

	if _, err := q.ExecContext(ctx, `DELETE FROM stack_resources WHERE stack_id = ?`, r.id); err != nil {
		return fmt.Errorf("failed to replace resources: %w", err)
	}
	for _, id := range tmpl.LogicalIDs() {
		_, err := q.ExecContext(ctx, `
			INSERT INTO stack_resources (stack_id, logical_id, resource_type, status, stuck)
			VALUES (?, ?, ?, ?, ?)`, r.id, id, tmpl.Resources[id].Type, status, stuck[id])
		if err != nil {
			return fmt.Errorf("failed to insert resource %s: %w", id, err)
		}
	}
	return nil
}

// settle completes the pending transition of r once it is due.
func (s *Store) settle(ctx context.Context, q querier, r *stackRow) error {
	if r.pendingStatus == "" || s.now() < r.settleAt {
		return nil
	}
	final, reason := r.pendingStatus, r.pendingReason

	tmpl, err := ParseTemplate(r.template)
	if err != nil {
		return err
	}

	switch final {
	case engine.StackStatusCreateComplete, engine.StackStatusUpdateComplete:
		for _, id := range tmpl.LogicalIDs() {
			if err := s.addEvent(ctx, q, r, id, tmpl.Resources[id].Type, string(final), ""); err != nil {
				return err
			}
		}
		if _, err := q.ExecContext(ctx, `UPDATE stack_resources SET status = ? WHERE stack_id = ?`, final, r.id); err != nil {
			return fmt.Errorf("failed to update resources: %w", err)
		}

	case engine.StackStatusRollbackComplete, engine.StackStatusUpdateRollbackComplete:
		failStatus := engine.StackStatusCreateFailed
		if final == engine.StackStatusUpdateRollbackComplete {
			failStatus = engine.StackStatusUpdateFailed
		}
		if id := tmpl.failing(); id != "" {
			if err := s.addEvent(ctx, q, r, id, tmpl.Resources[id].Type, string(failStatus), reason); err != nil {
				return err
			}
		}

	case engine.StackStatusDeleteFailed, engine.StackStatusDeleteComplete:
		if err := s.settleDelete(ctx, q, r, final); err != nil {
			return err
		}
	}

	_, err = q.ExecContext(ctx, `
		UPDATE stacks SET status = ?, status_reason = ?, pending_status = '', pending_reason = ''
		WHERE id = ?`, final, reason, r.id)
	if err != nil {
		return fmt.Errorf("failed to settle stack: %w", err)
	}
	r.status, r.reason, r.pendingStatus, r.pendingReason = final, reason, "", ""
	return s.stackEvent(ctx, q, r, final, reason)
}

func (s *Store) settleDelete(ctx context.Context, q querier, r *stackRow, final engine.StackStatus) error {
	resources, err := s.resources(ctx, q, r.id)
	if err != nil {
		return err
	}
	for _, res := range resources {
		status := string(engine.StackStatusDeleteComplete)
		reason := ""
		switch {
		case res.Retained:
			status, reason = "DELETE_SKIPPED", "retained on delete"
		case res.Stuck:
			status, reason = string(engine.StackStatusDeleteFailed), "resource is in use"
		case final == engine.StackStatusDeleteFailed:
			// the rest of the group is left in place when the delete fails
			continue
		}
		if err := s.addEvent(ctx, q, r, res.LogicalID, res.Type, status, reason); err != nil {
			return err
		}
		if _, err := q.ExecContext(ctx, `UPDATE stack_resources SET status = ? WHERE stack_id = ? AND logical_id = ?`,
			status, r.id, res.LogicalID); err != nil {
			return fmt.Errorf("failed to update resource: %w", err)
		}
	}
	return nil
}

// ResourceState is the stored state of one logical resource.
type ResourceState struct {
	LogicalID string `json:"logicalId"`
	Type      string `json:"type"`
	Status    string `json:"status"`
	Stuck     bool   `json:"stuck"`
	Retained  bool   `json:"retained"`
}

func (s *Store) resources(ctx context.Context, q querier, stackID string) ([]ResourceState, error) {
	rows, err := q.QueryContext(ctx, `
		SELECT logical_id, resource_type, status, stuck, retained
		FROM stack_resources WHERE stack_id = ? ORDER BY logical_id`, stackID)
	if err != nil {
		return nil, fmt.Errorf("failed to list resources: %w", err)
	}
	defer rows.Close()

	var out []ResourceState
	for rows.Next() {
		var rs ResourceState
		if err := rows.Scan(&rs.LogicalID, &rs.Type, &rs.Status, &rs.Stuck, &rs.Retained); err != nil {
			return nil, fmt.Errorf("failed to scan resource: %w", err)
		}
		out = append(out, rs)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating resources: %w", err)
	}
	return out, nil
}

// CreateStack implements stack.Service.
func (s *Store) CreateStack(ctx context.Context, in stack.Input) (string, error) {
	tmpl, err := ParseTemplate(in.Template)
	if err != nil {
		return "", engine.NewPermanentError("invalid template", err).
			WithCode(engine.ErrCodeInvalidConfig).WithResource(in.Name)
	}

	var id string
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		existing, err := getStack(ctx, tx, in.Name)
		if err != nil {
			return err
		}
		if existing != nil {
			if err := s.settle(ctx, tx, existing); err != nil {
				return err
			}
			if !existing.status.IsDeleted() {
				return stack.AlreadyExists(in.Name)
			}
			// a deleted stack only keeps its name reserved until it is reused
			for _, q := range []string{
				`DELETE FROM stack_events WHERE stack_id = ?`,
				`DELETE FROM stack_resources WHERE stack_id = ?`,
				`DELETE FROM stacks WHERE id = ?`,
			} {
				if _, err := tx.ExecContext(ctx, q, existing.id); err != nil {
					return fmt.Errorf("failed to purge deleted stack: %w", err)
				}
			}
		}

		r := &stackRow{
			id:         fmt.Sprintf("stack/%s/%s", in.Name, uuid.NewString()),
			name:       in.Name,
			status:     engine.StackStatusCreateInProgress,
			template:   in.Template,
			parameters: in.Parameters,
			tags:       in.Tags,
			createdAt:  s.now(),
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO stacks (id, name, status, template, parameters, tags, created_at)
			VALUES (?, ?, ?, ?, ?, ?, ?)`,
			r.id, r.name, r.status, r.template, encode(r.parameters), encode(r.tags), r.createdAt)
		if err != nil {
			return fmt.Errorf("failed to create stack: %w", err)
		}
		if err := s.setResources(ctx, tx, r, tmpl, string(engine.StackStatusCreateInProgress)); err != nil {
			return err
		}

		final, reason := engine.StackStatusCreateComplete, ""
		if failing := tmpl.failing(); failing != "" {
			final = engine.StackStatusRollbackComplete
			reason = fmt.Sprintf("The following resource(s) failed to create: [%s]. Rollback requested by user.", failing)
		}
		id = r.id
		return s.begin(ctx, tx, r, engine.StackStatusCreateInProgress, final, reason)
	})
	return id, err
}

// UpdateStack implements stack.Service.
func (s *Store) UpdateStack(ctx context.Context, in stack.Input) error {
	tmpl, err := ParseTemplate(in.Template)
	if err != nil {
		return engine.NewPermanentError("invalid template", err).
			WithCode(engine.ErrCodeInvalidConfig).WithResource(in.Name)
	}

	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.live(ctx, tx, in.Name)
		if err != nil {
			return err
		}
		switch {
		case r.status.IsInProgress(),
			r.status == engine.StackStatusCreateFailed,
			r.status == engine.StackStatusRollbackComplete,
			r.status == engine.StackStatusRollbackFailed,
			r.status == engine.StackStatusDeleteFailed:
			return engine.NewConflictError(
				fmt.Sprintf("stack is in %s state and can not be updated", r.status), nil,
			).WithResource(in.Name)
		}
		if r.template == in.Template && maps.Equal(r.parameters, in.Parameters) && maps.Equal(r.tags, in.Tags) {
			return stack.NoChanges(in.Name)
		}

		now := s.now()
		_, err = tx.ExecContext(ctx, `
			UPDATE stacks SET template = ?, parameters = ?, tags = ?, updated_at = ? WHERE id = ?`,
			in.Template, encode(in.Parameters), encode(in.Tags), now, r.id)
		if err != nil {
			return fmt.Errorf("failed to update stack: %w", err)
		}
		r.template = in.Template
		if err := s.setResources(ctx, tx, r, tmpl, string(engine.StackStatusUpdateInProgress)); err != nil {
			return err
		}

		final, reason := engine.StackStatusUpdateComplete, ""
		if failing := tmpl.failing(); failing != "" {
			final = engine.StackStatusUpdateRollbackComplete
			reason = fmt.Sprintf("The following resource(s) failed to update: [%s].", failing)
		}
		return s.begin(ctx, tx, r, engine.StackStatusUpdateInProgress, final, reason)
	})
}

// live returns the settled row of a stack that has not been deleted.
func (s *Store) live(ctx context.Context, q querier, name string) (*stackRow, error) {
	r, err := getStack(ctx, q, name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, stack.NotFound(name)
	}
	if err := s.settle(ctx, q, r); err != nil {
		return nil, err
	}
	if r.status.IsDeleted() {
		return nil, stack.NotFound(name)
	}
	return r, nil
}

// DeleteStack implements stack.Service. Stuck resources that are not
// retained make the delete end in DELETE_FAILED.
func (s *Store) DeleteStack(ctx context.Context, name string, retain []string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.live(ctx, tx, name)
		if err != nil {
			return err
		}
		if r.status == engine.StackStatusDeleteInProgress {
			return nil
		}

		if _, err := tx.ExecContext(ctx, `UPDATE stack_resources SET retained = 0 WHERE stack_id = ?`, r.id); err != nil {
			return fmt.Errorf("failed to reset retained resources: %w", err)
		}
		for _, id := range retain {
			if _, err := tx.ExecContext(ctx, `UPDATE stack_resources SET retained = 1 WHERE stack_id = ? AND logical_id = ?`,
				r.id, id); err != nil {
				return fmt.Errorf("failed to retain %s: %w", id, err)
			}
		}

		resources, err := s.resources(ctx, tx, r.id)
		if err != nil {
			return err
		}
		var blocking []string
		for _, res := range resources {
			if res.Stuck && !res.Retained {
				blocking = append(blocking, res.LogicalID)
			}
		}

		if len(blocking) > 0 {
			reason := fmt.Sprintf("The following resource(s) failed to delete: [%s].", strings.Join(blocking, ", "))
			return s.begin(ctx, tx, r, engine.StackStatusDeleteInProgress, engine.StackStatusDeleteFailed, reason)
		}
		return s.begin(ctx, tx, r, engine.StackStatusDeleteInProgress, engine.StackStatusDeleteComplete, "")
	})
}

// DescribeStack implements stack.Service. Deleted stacks are not found.
func (s *Store) DescribeStack(ctx context.Context, name string) (*stack.Stack, error) {
	var out *stack.Stack
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := s.live(ctx, tx, name)
		if err != nil {
			return err
		}
		out, err = toStack(r)
		return err
	})
	return out, err
}

func toStack(r *stackRow) (*stack.Stack, error) {
	st := &stack.Stack{
		ID:           r.id,
		Name:         r.name,
		Status:       r.status,
		StatusReason: r.reason,
		Parameters:   r.parameters,
		Tags:         r.tags,
		CreationTime: time.Unix(0, r.createdAt),
	}
	if r.updatedAt.Valid {
		t := time.Unix(0, r.updatedAt.Int64)
		st.LastUpdatedTime = &t
	}
	if r.status.IsActive() {
		tmpl, err := ParseTemplate(r.template)
		if err != nil {
			return nil, err
		}
		st.Outputs = tmpl.RenderOutputs(r.name, r.parameters)
	}
	return st, nil
}

// StackEvents implements stack.Service.
func (s *Store) StackEvents(ctx context.Context, name string) ([]stack.Event, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, stack_name, logical_id, resource_type, status, reason, timestamp
		FROM stack_events WHERE stack_name = ? ORDER BY seq`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var out []stack.Event
	for rows.Next() {
		var ev stack.Event
		var ts int64
		if err := rows.Scan(&ev.ID, &ev.StackName, &ev.LogicalResourceID, &ev.ResourceType, &ev.Status, &ev.Reason, &ts); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		ev.Timestamp = time.Unix(0, ts)
		out = append(out, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating events: %w", err)
	}
	return out, nil
}

// StackOutputs implements stack.Service.
func (s *Store) StackOutputs(ctx context.Context, name string) (map[string]string, error) {
	st, err := s.DescribeStack(ctx, name)
	if err != nil {
		return nil, err
	}
	if st.Outputs == nil {
		return map[string]string{}, nil
	}
	return st.Outputs, nil
}

// StackExists implements stack.Service.
func (s *Store) StackExists(ctx context.Context, name string) (bool, error) {
	_, err := s.DescribeStack(ctx, name)
	if errors.Is(err, stack.ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// ListStacks implements stack.Service. Deleted stacks are listed as
// DELETE_COMPLETE until their name is reused.
func (s *Store) ListStacks(ctx context.Context, filter stack.Filter) ([]stack.Summary, error) {
	var out []stack.Summary
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT `+stackColumns+` FROM stacks ORDER BY name`)
		if err != nil {
			return fmt.Errorf("failed to list stacks: %w", err)
		}
		var all []*stackRow
		for rows.Next() {
			r, err := scanStack(rows)
			if err != nil {
				rows.Close()
				return fmt.Errorf("failed to scan stack: %w", err)
			}
			all = append(all, r)
		}
		if err := rows.Err(); err != nil {
			rows.Close()
			return fmt.Errorf("error iterating stacks: %w", err)
		}
		rows.Close()

		for _, r := range all {
			if err := s.settle(ctx, tx, r); err != nil {
				return err
			}
			if filter.Matches(r.name, r.status, r.tags) {
				out = append(out, stack.Summary{Name: r.name, Status: r.status, CreationTime: time.Unix(0, r.createdAt)})
			}
		}
		return nil
	})
	return out, err
}

// MarkStuck flags logical resources of name that will fail to delete until
// they are retained.
func (s *Store) MarkStuck(ctx context.Context, name string, logicalIDs ...string) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		r, err := getStack(ctx, tx, name)
		if err != nil {
			return err
		}
		if r == nil {
			return stack.NotFound(name)
		}
		for _, id := range logicalIDs {
			res, err := tx.ExecContext(ctx, `UPDATE stack_resources SET stuck = 1 WHERE stack_id = ? AND logical_id = ?`, r.id, id)
			if err != nil {
				return fmt.Errorf("failed to mark %s stuck: %w", id, err)
			}
			if n, _ := res.RowsAffected(); n == 0 {
				return fmt.Errorf("stack %s has no resource %s", name, id)
			}
		}
		return nil
	})
}

// Resources returns the stored resources of name.
func (s *Store) Resources(ctx context.Context, name string) ([]ResourceState, error) {
	r, err := getStack(ctx, s.db, name)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, stack.NotFound(name)
	}
	return s.resources(ctx, s.db, r.id)
}

var _ stack.Service = (*Store)(nil)
