package workflow

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/pitabwire/passage/model"
)

// PgSchema creates the workflow tables. Every statement is idempotent.
const PgSchema = `
CREATE TABLE IF NOT EXISTS workflow_templates (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	module      TEXT NOT NULL,
	active      BOOLEAN NOT NULL DEFAULT TRUE,
	version     INTEGER NOT NULL DEFAULT 1,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  TIMESTAMPTZ NOT NULL,
	updated_at  TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL REFERENCES workflow_templates (id),
	step_number      INTEGER NOT NULL,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	required_role    TEXT NOT NULL DEFAULT '',
	approver_user_id TEXT NOT NULL DEFAULT '',
	mandatory        BOOLEAN NOT NULL DEFAULT TRUE,
	can_delegate     BOOLEAN NOT NULL DEFAULT FALSE,
	timeout_days     INTEGER,
	escalation_role  TEXT NOT NULL DEFAULT '',
	UNIQUE (template_id, step_number)
);

CREATE TABLE IF NOT EXISTS workflow_instances (
	id                   TEXT PRIMARY KEY,
	template_id          TEXT NOT NULL REFERENCES workflow_templates (id),
	template_version     INTEGER NOT NULL,
	entity_id            TEXT NOT NULL,
	entity_type          TEXT NOT NULL,
	current_step_id      TEXT NOT NULL DEFAULT '',
	current_step_number  INTEGER NOT NULL DEFAULT 0,
	current_execution_id TEXT NOT NULL DEFAULT '',
	status               TEXT NOT NULL,
	initiated_by         TEXT NOT NULL,
	metadata             JSONB,
	started_at           TIMESTAMPTZ NOT NULL,
	completed_at         TIMESTAMPTZ,
	entity_synced_at     TIMESTAMPTZ,
	CONSTRAINT workflow_instances_entity_key UNIQUE (template_id, entity_type, entity_id)
);

CREATE INDEX IF NOT EXISTS workflow_instances_unsynced
	ON workflow_instances (completed_at) WHERE status <> 'pending' AND entity_synced_at IS NULL;

CREATE TABLE IF NOT EXISTS workflow_step_executions (
	id             TEXT PRIMARY KEY,
	instance_id    TEXT NOT NULL REFERENCES workflow_instances (id),
	step_id        TEXT NOT NULL,
	step_number    INTEGER NOT NULL,
	step_name      TEXT NOT NULL,
	assigned_role  TEXT NOT NULL DEFAULT '',
	assigned_user  TEXT NOT NULL DEFAULT '',
	status         TEXT NOT NULL,
	acted_by       TEXT NOT NULL DEFAULT '',
	acted_at       TIMESTAMPTZ,
	comments       TEXT NOT NULL DEFAULT '',
	due_at         TIMESTAMPTZ,
	escalated_from TEXT NOT NULL DEFAULT '',
	delegated_by   TEXT NOT NULL DEFAULT '',
	created_at     TIMESTAMPTZ NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS workflow_step_executions_one_pending
	ON workflow_step_executions (instance_id) WHERE status = 'pending';

CREATE INDEX IF NOT EXISTS workflow_step_executions_pending_due
	ON workflow_step_executions (due_at) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS workflow_events (
	seq          BIGSERIAL PRIMARY KEY,
	id           TEXT NOT NULL UNIQUE,
	instance_id  TEXT NOT NULL REFERENCES workflow_instances (id),
	execution_id TEXT NOT NULL DEFAULT '',
	step_number  INTEGER NOT NULL DEFAULT 0,
	event        TEXT NOT NULL,
	actor_id     TEXT NOT NULL,
	data         JSONB,
	comment      TEXT NOT NULL DEFAULT '',
	created_at   TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS workflow_events_instance ON workflow_events (instance_id, seq);
`

const (
	pgUniqueViolation      = "23505"
	pgInstanceEntityKey    = "workflow_instances_entity_key"
	pgOnePendingConstraint = "workflow_step_executions_one_pending"
)

const (
	templateColumns = `id, name, description, module, active, version, created_by, created_at, updated_at`

	stepColumns = `id, template_id, step_number, name, description, required_role,
		approver_user_id, mandatory, can_delegate, timeout_days, escalation_role`

	instanceColumns = `id, template_id, template_version, entity_id, entity_type,
		current_step_id, current_step_number, current_execution_id, status,
		initiated_by, metadata, started_at, completed_at, entity_synced_at`

	executionColumns = `e.id, e.instance_id, e.step_id, e.step_number, e.step_name,
		e.assigned_role, e.assigned_user, e.status, e.acted_by, e.acted_at,
		e.comments, e.due_at, e.escalated_from, e.delegated_by, e.created_at`
)

// pgQuerier is satisfied by both *pgxpool.Pool and pgx.Tx.
type pgQuerier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// PgStore is a PostgreSQL-backed Store using pgx/v5.
type PgStore struct {
	pool *pgxpool.Pool
}

// NewPgStore creates a new PostgreSQL store.
func NewPgStore(pool *pgxpool.Pool) *PgStore {
	return &PgStore{pool: pool}
}

// PgOptions size the connection pool.
type PgOptions struct {
	MaxConns        int32
	MinConns        int32
	ConnMaxLifetime time.Duration
}

// OpenPgPool parses dsn, applies opts and verifies the connection.
func OpenPgPool(ctx context.Context, dsn string, opts PgOptions) (*pgxpool.Pool, error) {
	poolCfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if opts.MaxConns > 0 {
		poolCfg.MaxConns = opts.MaxConns
	}
	if opts.MinConns > 0 {
		poolCfg.MinConns = opts.MinConns
	}
	if opts.ConnMaxLifetime > 0 {
		poolCfg.MaxConnLifetime = opts.ConnMaxLifetime
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Migrate applies PgSchema.
func (s *PgStore) Migrate(ctx context.Context) error {
	if _, err := s.pool.Exec(ctx, PgSchema); err != nil {
		return fmt.Errorf("apply postgres schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a pgx transaction.
func (s *PgStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	return pgx.BeginFunc(ctx, s.pool, func(tx pgx.Tx) error {
		return fn(&pgTx{q: tx})
	})
}

// HealthCheck pings the pool.
func (s *PgStore) HealthCheck(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// ListTemplates returns templates with their steps, ordered by name.
func (s *PgStore) ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE TRUE`
	var args []any
	argIdx := 1

	if filters.Module != "" {
		query += fmt.Sprintf(" AND module = $%d", argIdx)
		args = append(args, string(filters.Module))
		argIdx++
	}
	if filters.ActiveOnly {
		query += " AND active"
	}
	query += " ORDER BY name, id"

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow templates: %w", err)
	}
	templates, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WorkflowTemplate, error) {
		return scanPgTemplate(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan workflow templates: %w", err)
	}
	if len(templates) == 0 {
		return []model.WorkflowTemplate{}, nil
	}

	ids := make([]string, len(templates))
	for i, t := range templates {
		ids[i] = t.ID
	}
	rows, err = s.pool.Query(ctx, `SELECT `+stepColumns+` FROM workflow_steps
		WHERE template_id = ANY($1) ORDER BY template_id, step_number`, ids)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	steps, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WorkflowStep, error) {
		return scanPgStep(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan workflow steps: %w", err)
	}

	byTemplate := make(map[string][]model.WorkflowStep, len(templates))
	for _, st := range steps {
		byTemplate[st.TemplateID] = append(byTemplate[st.TemplateID], st)
	}
	for i := range templates {
		templates[i].Steps = byTemplate[templates[i].ID]
	}
	return templates, nil
}

// ListPending returns pending executions assigned to any of the approvers.
func (s *PgStore) ListPending(ctx context.Context, approvers []string) ([]model.PendingApproval, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT `+executionColumns+`,
		       t.id, t.name, t.module, i.entity_id, i.entity_type, i.initiated_by, i.started_at
		FROM workflow_step_executions e
		JOIN workflow_instances i ON i.id = e.instance_id
		JOIN workflow_templates t ON t.id = i.template_id
		WHERE e.status = 'pending'
		  AND (e.assigned_role = ANY($1) OR e.assigned_user = ANY($1))
		ORDER BY e.due_at ASC NULLS LAST, i.started_at ASC, e.id`,
		approvers,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	result := []model.PendingApproval{}
	for rows.Next() {
		var p model.PendingApproval
		e := &p.Execution
		if err := rows.Scan(
			&e.ID, &e.InstanceID, &e.StepID, &e.StepNumber, &e.StepName,
			&e.AssignedRole, &e.AssignedUser, &e.Status, &e.ActedBy, &e.ActedAt,
			&e.Comments, &e.DueAt, &e.EscalatedFrom, &e.DelegatedBy, &e.CreatedAt,
			&p.TemplateID, &p.TemplateName, &p.Module, &p.EntityID, &p.EntityType,
			&p.InitiatedBy, &p.InstanceStarted,
		); err != nil {
			return nil, fmt.Errorf("scan pending approval: %w", err)
		}
		result = append(result, p)
	}
	return result, rows.Err()
}

// FindOverdue returns pending, non-escalated executions due before cutoff.
func (s *PgStore) FindOverdue(ctx context.Context, cutoff time.Time) ([]model.StepExecution, error) {
	return queryPgExecutions(ctx, s.pool, `
		SELECT `+executionColumns+` FROM workflow_step_executions e
		WHERE e.status = 'pending' AND e.escalated_from = ''
		  AND e.due_at IS NOT NULL AND e.due_at < $1
		ORDER BY e.due_at ASC`, cutoff)
}

// FindUnsynced returns terminal instances not yet written to the entity sink.
func (s *PgStore) FindUnsynced(ctx context.Context, limit int) ([]model.WorkflowInstance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances
		WHERE status <> 'pending' AND entity_synced_at IS NULL
		ORDER BY completed_at ASC`
	args := []any{}
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}

	rows, err := s.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query unsynced instances: %w", err)
	}
	instances, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WorkflowInstance, error) {
		return scanPgInstance(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan unsynced instances: %w", err)
	}
	return instances, nil
}

// MarkSynced sets the entity sync timestamp of an instance.
func (s *PgStore) MarkSynced(ctx context.Context, instanceID string, at time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE workflow_instances SET entity_synced_at = $2 WHERE id = $1`, instanceID, at)
	if err != nil {
		return fmt.Errorf("mark instance synced: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return instanceNotFound(instanceID)
	}
	return nil
}

// GetEvents returns the audit trail of an instance in append order.
func (s *PgStore) GetEvents(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	var exists bool
	if err := s.pool.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM workflow_instances WHERE id = $1)`, instanceID,
	).Scan(&exists); err != nil {
		return nil, fmt.Errorf("query workflow instance: %w", err)
	}
	if !exists {
		return nil, instanceNotFound(instanceID)
	}

	rows, err := s.pool.Query(ctx, `
		SELECT id, instance_id, execution_id, step_number, event, actor_id, data, comment, created_at
		FROM workflow_events
		WHERE instance_id = $1
		ORDER BY seq ASC`,
		instanceID,
	)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	events := []model.WorkflowEvent{}
	for rows.Next() {
		var evt model.WorkflowEvent
		var dataJSON []byte
		if err := rows.Scan(
			&evt.ID, &evt.InstanceID, &evt.ExecutionID, &evt.StepNumber, &evt.Event,
			&evt.ActorID, &dataJSON, &evt.Comment, &evt.Timestamp,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if err := unmarshalJSONMap(dataJSON, &evt.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		events = append(events, evt)
	}
	return events, rows.Err()
}

// SetEntityStatus updates the status column of a business table row.
func (s *PgStore) SetEntityStatus(ctx context.Context, target EntityTarget, entityID, label string) error {
	if err := target.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE %s SET %s = $1 WHERE %s = $2`,
		pgx.Identifier{target.Table}.Sanitize(),
		pgx.Identifier{target.StatusColumn}.Sanitize(),
		pgx.Identifier{target.IDColumn}.Sanitize(),
	)
	tag, err := s.pool.Exec(ctx, query, label, entityID)
	if err != nil {
		return fmt.Errorf("update %s status: %w", target.Table, err)
	}
	if tag.RowsAffected() == 0 {
		return model.NewNotFoundError(fmt.Sprintf("%s row %q not found", target.Table, entityID))
	}
	return nil
}

// pgTx implements Tx over a pgx transaction.
type pgTx struct {
	q pgQuerier
}

func (tx *pgTx) InsertTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	_, err := tx.q.Exec(ctx, `
		INSERT INTO workflow_templates (`+templateColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		t.ID, t.Name, t.Description, string(t.Module), t.Active, t.Version,
		t.CreatedBy, t.CreatedAt, t.UpdatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err, "") {
			return model.NewConflictError(fmt.Sprintf("workflow template %q already exists", t.ID))
		}
		return fmt.Errorf("insert workflow template: %w", err)
	}
	return nil
}

func (tx *pgTx) UpdateTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	tag, err := tx.q.Exec(ctx, `
		UPDATE workflow_templates SET
			name = $2, description = $3, active = $4, version = $5, updated_at = $6
		WHERE id = $1`,
		t.ID, t.Name, t.Description, t.Active, t.Version, t.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("update workflow template: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return templateNotFound(t.ID)
	}
	return nil
}

func (tx *pgTx) ReplaceSteps(ctx context.Context, templateID string, steps []model.WorkflowStep) error {
	if _, err := tx.q.Exec(ctx, `DELETE FROM workflow_steps WHERE template_id = $1`, templateID); err != nil {
		return fmt.Errorf("delete workflow steps: %w", err)
	}
	for _, st := range steps {
		_, err := tx.q.Exec(ctx, `
			INSERT INTO workflow_steps (`+stepColumns+`)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`,
			st.ID, templateID, st.StepNumber, st.Name, st.Description, st.RequiredRole,
			st.ApproverUserID, st.Mandatory, st.CanDelegate, st.TimeoutDays, st.EscalationRole,
		)
		if err != nil {
			if isPgUniqueViolation(err, "") {
				return model.NewConflictError(fmt.Sprintf("duplicate step number %d", st.StepNumber))
			}
			return fmt.Errorf("insert workflow step %d: %w", st.StepNumber, err)
		}
	}
	return nil
}

func (tx *pgTx) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	t, err := scanPgTemplate(tx.q.QueryRow(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowTemplate{}, templateNotFound(id)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template: %w", err)
	}

	rows, err := tx.q.Query(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE template_id = $1 ORDER BY step_number`, id)
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow steps: %w", err)
	}
	t.Steps, err = pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.WorkflowStep, error) {
		return scanPgStep(row)
	})
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("scan workflow steps: %w", err)
	}
	return t, nil
}

func (tx *pgTx) CountPendingInstances(ctx context.Context, templateID string) (int, error) {
	var n int
	err := tx.q.QueryRow(ctx,
		`SELECT count(*) FROM workflow_instances WHERE template_id = $1 AND status = 'pending'`,
		templateID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending instances: %w", err)
	}
	return n, nil
}

func (tx *pgTx) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	metadata, err := marshalJSONMap(inst.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.q.Exec(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14)`,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.EntityID, inst.EntityType,
		inst.CurrentStepID, inst.CurrentStepNumber, inst.CurrentExecutionID, string(inst.Status),
		inst.InitiatedBy, metadata, inst.StartedAt, inst.CompletedAt, inst.EntitySyncedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err, pgInstanceEntityKey) {
			return duplicateInstance(inst)
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (tx *pgTx) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := scanPgInstance(tx.q.QueryRow(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func (tx *pgTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	metadata, err := marshalJSONMap(inst.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	tag, err := tx.q.Exec(ctx, `
		UPDATE workflow_instances SET
			current_step_id = $2,
			current_step_number = $3,
			current_execution_id = $4,
			status = $5,
			metadata = $6,
			completed_at = $7
		WHERE id = $1 AND status = 'pending'`,
		inst.ID, inst.CurrentStepID, inst.CurrentStepNumber, inst.CurrentExecutionID,
		string(inst.Status), metadata, inst.CompletedAt,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.exists(ctx, "workflow_instances", inst.ID); err != nil {
			return err
		}
		return instanceNotPending(inst.ID)
	}
	return nil
}

func (tx *pgTx) CreateExecution(ctx context.Context, exec model.StepExecution) error {
	_, err := tx.q.Exec(ctx, `
		INSERT INTO workflow_step_executions (
			id, instance_id, step_id, step_number, step_name,
			assigned_role, assigned_user, status, acted_by, acted_at,
			comments, due_at, escalated_from, delegated_by, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		exec.ID, exec.InstanceID, exec.StepID, exec.StepNumber, exec.StepName,
		exec.AssignedRole, exec.AssignedUser, string(exec.Status), exec.ActedBy, exec.ActedAt,
		exec.Comments, exec.DueAt, exec.EscalatedFrom, exec.DelegatedBy, exec.CreatedAt,
	)
	if err != nil {
		if isPgUniqueViolation(err, pgOnePendingConstraint) {
			return duplicatePending(exec.InstanceID)
		}
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

func (tx *pgTx) GetExecution(ctx context.Context, id string) (model.StepExecution, error) {
	exec, err := scanPgExecution(tx.q.QueryRow(ctx,
		`SELECT `+executionColumns+` FROM workflow_step_executions e WHERE e.id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return model.StepExecution{}, executionNotFound(id)
	}
	if err != nil {
		return model.StepExecution{}, fmt.Errorf("query step execution: %w", err)
	}
	return exec, nil
}

func (tx *pgTx) TransitionExecution(ctx context.Context, id string, tr model.ExecutionTransition) error {
	var actedAt *time.Time
	if !tr.ActedAt.IsZero() {
		actedAt = &tr.ActedAt
	}

	tag, err := tx.q.Exec(ctx, `
		UPDATE workflow_step_executions SET
			status = CASE WHEN $2::text = '' THEN status ELSE $2::text END,
			acted_by = CASE WHEN $3::text = '' THEN acted_by ELSE $3::text END,
			acted_at = COALESCE($4::timestamptz, acted_at),
			comments = CASE WHEN $5::text = '' THEN comments ELSE $5::text END,
			assigned_role = COALESCE($6::text, assigned_role),
			assigned_user = COALESCE($7::text, assigned_user),
			delegated_by = CASE WHEN $8::text = '' THEN delegated_by ELSE $8::text END
		WHERE id = $1 AND status = 'pending'`,
		id, string(tr.Status), tr.ActedBy, actedAt, tr.Comments,
		tr.AssignedRole, tr.AssignedUser, tr.DelegatedBy,
	)
	if err != nil {
		return fmt.Errorf("transition step execution: %w", err)
	}
	if tag.RowsAffected() == 0 {
		if err := tx.exists(ctx, "workflow_step_executions", id); err != nil {
			return err
		}
		return executionNotPending(id)
	}
	return nil
}

func (tx *pgTx) ListExecutions(ctx context.Context, instanceID string) ([]model.StepExecution, error) {
	return queryPgExecutions(ctx, tx.q, `
		SELECT `+executionColumns+` FROM workflow_step_executions e
		WHERE e.instance_id = $1
		ORDER BY e.step_number, e.created_at`, instanceID)
}

func (tx *pgTx) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	dataJSON, err := marshalJSONMap(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = tx.q.Exec(ctx, `
		INSERT INTO workflow_events (
			id, instance_id, execution_id, step_number, event, actor_id, data, comment, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		event.ID, event.InstanceID, event.ExecutionID, event.StepNumber, event.Event,
		event.ActorID, dataJSON, event.Comment, event.Timestamp,
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// exists returns a NOT_FOUND error when no row with id exists in table.
// table is always a constant from this file.
func (tx *pgTx) exists(ctx context.Context, table, id string) error {
	var found bool
	err := tx.q.QueryRow(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = $1)`, id,
	).Scan(&found)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	if !found {
		return model.NewNotFoundError(fmt.Sprintf("%s row %q not found", table, id))
	}
	return nil
}

func queryPgExecutions(ctx context.Context, q pgQuerier, query string, args ...any) ([]model.StepExecution, error) {
	rows, err := q.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	execs, err := pgx.CollectRows(rows, func(row pgx.CollectableRow) (model.StepExecution, error) {
		return scanPgExecution(row)
	})
	if err != nil {
		return nil, fmt.Errorf("scan step executions: %w", err)
	}
	return execs, nil
}

func scanPgTemplate(row pgx.Row) (model.WorkflowTemplate, error) {
	var t model.WorkflowTemplate
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Module, &t.Active, &t.Version,
		&t.CreatedBy, &t.CreatedAt, &t.UpdatedAt)
	return t, err
}

func scanPgStep(row pgx.Row) (model.WorkflowStep, error) {
	var st model.WorkflowStep
	err := row.Scan(&st.ID, &st.TemplateID, &st.StepNumber, &st.Name, &st.Description,
		&st.RequiredRole, &st.ApproverUserID, &st.Mandatory, &st.CanDelegate,
		&st.TimeoutDays, &st.EscalationRole)
	return st, err
}

func scanPgInstance(row pgx.Row) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var metadata []byte
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.EntityID, &inst.EntityType,
		&inst.CurrentStepID, &inst.CurrentStepNumber, &inst.CurrentExecutionID, &inst.Status,
		&inst.InitiatedBy, &metadata, &inst.StartedAt, &inst.CompletedAt, &inst.EntitySyncedAt,
	)
	if err != nil {
		return inst, err
	}
	if err := unmarshalJSONMap(metadata, &inst.Metadata); err != nil {
		return inst, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return inst, nil
}

func scanPgExecution(row pgx.Row) (model.StepExecution, error) {
	var e model.StepExecution
	err := row.Scan(
		&e.ID, &e.InstanceID, &e.StepID, &e.StepNumber, &e.StepName,
		&e.AssignedRole, &e.AssignedUser, &e.Status, &e.ActedBy, &e.ActedAt,
		&e.Comments, &e.DueAt, &e.EscalatedFrom, &e.DelegatedBy, &e.CreatedAt,
	)
	return e, err
}

// isPgUniqueViolation reports a unique violation, optionally on a specific
// constraint.
func isPgUniqueViolation(err error, constraint string) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != pgUniqueViolation {
		return false
	}
	return constraint == "" || pgErr.ConstraintName == constraint
}

// marshalJSONMap encodes m, storing NULL for an empty map.
func marshalJSONMap(m map[string]any) ([]byte, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return json.Marshal(m)
}

func unmarshalJSONMap(data []byte, dst *map[string]any) error {
	if len(data) == 0 || string(data) == "null" {
		return nil
	}
	return json.Unmarshal(data, dst)
}
