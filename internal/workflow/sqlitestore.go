package workflow

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/pitabwire/passage/model"
)

// SQLiteSchema creates the workflow tables. Timestamps are unix milliseconds.
const SQLiteSchema = `
CREATE TABLE IF NOT EXISTS workflow_templates (
	id          TEXT PRIMARY KEY,
	name        TEXT NOT NULL,
	description TEXT NOT NULL DEFAULT '',
	module      TEXT NOT NULL,
	active      INTEGER NOT NULL DEFAULT 1,
	version     INTEGER NOT NULL DEFAULT 1,
	created_by  TEXT NOT NULL DEFAULT '',
	created_at  INTEGER NOT NULL,
	updated_at  INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS workflow_steps (
	id               TEXT PRIMARY KEY,
	template_id      TEXT NOT NULL REFERENCES workflow_templates (id),
	step_number      INTEGER NOT NULL,
	name             TEXT NOT NULL,
	description      TEXT NOT NULL DEFAULT '',
	required_role    TEXT NOT NULL DEFAULT '',
	approver_user_id TEXT NOT NULL DEFAULT '',
	mandatory        INTEGER NOT NULL DEFAULT 1,
	can_delegate     INTEGER NOT NULL DEFAULT 0,
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
	metadata             TEXT,
	started_at           INTEGER NOT NULL,
	completed_at         INTEGER,
	entity_synced_at     INTEGER,
	UNIQUE (template_id, entity_type, entity_id)
);

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
	acted_at       INTEGER,
	comments       TEXT NOT NULL DEFAULT '',
	due_at         INTEGER,
	escalated_from TEXT NOT NULL DEFAULT '',
	delegated_by   TEXT NOT NULL DEFAULT '',
	created_at     INTEGER NOT NULL
);

CREATE UNIQUE INDEX IF NOT EXISTS workflow_step_executions_one_pending
	ON workflow_step_executions (instance_id) WHERE status = 'pending';

CREATE TABLE IF NOT EXISTS workflow_events (
	seq          INTEGER PRIMARY KEY AUTOINCREMENT,
	id           TEXT NOT NULL UNIQUE,
	instance_id  TEXT NOT NULL REFERENCES workflow_instances (id),
	execution_id TEXT NOT NULL DEFAULT '',
	step_number  INTEGER NOT NULL DEFAULT 0,
	event        TEXT NOT NULL,
	actor_id     TEXT NOT NULL,
	data         TEXT,
	comment      TEXT NOT NULL DEFAULT '',
	created_at   INTEGER NOT NULL
);
`

// sqlQuerier is satisfied by both *sql.DB and *sql.Tx.
type sqlQuerier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// SQLiteStore is a Store backed by SQLite.
//
// It expects an *sql.DB that uses the "modernc.org/sqlite" driver with a
// single open connection; OpenSQLite configures one. Reads made while a
// transaction is open wait for it to finish.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens a SQLite database limited to one connection, with foreign
// keys enforced. The caller must import the driver:
//
//	import _ "modernc.org/sqlite"
func OpenSQLite(dsn string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(`PRAGMA foreign_keys = ON`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable sqlite foreign keys: %w", err)
	}
	return db, nil
}

// NewSQLiteStore initializes the schema in db and returns a new SQLiteStore.
func NewSQLiteStore(ctx context.Context, db *sql.DB) (*SQLiteStore, error) {
	s := &SQLiteStore{db: db}
	if err := s.Migrate(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Migrate applies SQLiteSchema.
func (s *SQLiteStore) Migrate(ctx context.Context) error {
	if _, err := s.db.ExecContext(ctx, SQLiteSchema); err != nil {
		return fmt.Errorf("apply sqlite schema: %w", err)
	}
	return nil
}

// InTx runs fn inside a database transaction.
func (s *SQLiteStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin sqlite transaction: %w", err)
	}
	if err := fn(&sqliteTx{q: sqlTx}); err != nil {
		_ = sqlTx.Rollback()
		return err
	}
	if err := sqlTx.Commit(); err != nil {
		return fmt.Errorf("commit sqlite transaction: %w", err)
	}
	return nil
}

// HealthCheck pings the database.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// ListTemplates returns templates with their steps, ordered by name.
func (s *SQLiteStore) ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	query := `SELECT ` + templateColumns + ` FROM workflow_templates WHERE 1 = 1`
	var args []any
	if filters.Module != "" {
		query += " AND module = ?"
		args = append(args, string(filters.Module))
	}
	if filters.ActiveOnly {
		query += " AND active = 1"
	}
	query += " ORDER BY name, id"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query workflow templates: %w", err)
	}
	templates := []model.WorkflowTemplate{}
	for rows.Next() {
		t, err := scanSQLiteTemplate(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan workflow template: %w", err)
		}
		templates = append(templates, t)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("query workflow templates: %w", err)
	}

	for i := range templates {
		steps, err := querySQLiteSteps(ctx, s.db, templates[i].ID)
		if err != nil {
			return nil, err
		}
		templates[i].Steps = steps
	}
	return templates, nil
}

// ListPending returns pending executions assigned to any of the approvers.
func (s *SQLiteStore) ListPending(ctx context.Context, approvers []string) ([]model.PendingApproval, error) {
	result := []model.PendingApproval{}
	if len(approvers) == 0 {
		return result, nil
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(approvers)), ", ")
	args := make([]any, 0, 2*len(approvers))
	for _, a := range approvers {
		args = append(args, a)
	}
	for _, a := range approvers {
		args = append(args, a)
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT `+executionColumns+`,
		       t.id, t.name, t.module, i.entity_id, i.entity_type, i.initiated_by, i.started_at
		FROM workflow_step_executions e
		JOIN workflow_instances i ON i.id = e.instance_id
		JOIN workflow_templates t ON t.id = i.template_id
		WHERE e.status = 'pending'
		  AND (e.assigned_role IN (`+marks+`) OR e.assigned_user IN (`+marks+`))
		ORDER BY e.due_at IS NULL, e.due_at ASC, i.started_at ASC, e.id`,
		args...,
	)
	if err != nil {
		return nil, fmt.Errorf("query pending approvals: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var p model.PendingApproval
		var started int64
		dest := append(executionDest(&p.Execution),
			&p.TemplateID, &p.TemplateName, &p.Module, &p.EntityID, &p.EntityType,
			&p.InitiatedBy, &started)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan pending approval: %w", err)
		}
		finishExecutionScan(dest, &p.Execution)
		p.InstanceStarted = fromMillis(started)
		result = append(result, p)
	}
	return result, rows.Err()
}

// FindOverdue returns pending, non-escalated executions due before cutoff.
func (s *SQLiteStore) FindOverdue(ctx context.Context, cutoff time.Time) ([]model.StepExecution, error) {
	return querySQLiteExecutions(ctx, s.db, `
		SELECT `+executionColumns+` FROM workflow_step_executions e
		WHERE e.status = 'pending' AND e.escalated_from = ''
		  AND e.due_at IS NOT NULL AND e.due_at < ?
		ORDER BY e.due_at ASC`, toMillis(cutoff))
}

// FindUnsynced returns terminal instances not yet written to the entity sink.
func (s *SQLiteStore) FindUnsynced(ctx context.Context, limit int) ([]model.WorkflowInstance, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+instanceColumns+` FROM workflow_instances
		WHERE status <> 'pending' AND entity_synced_at IS NULL
		ORDER BY completed_at ASC
		LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query unsynced instances: %w", err)
	}
	defer rows.Close()

	var result []model.WorkflowInstance
	for rows.Next() {
		inst, err := scanSQLiteInstance(rows)
		if err != nil {
			return nil, fmt.Errorf("scan unsynced instance: %w", err)
		}
		result = append(result, inst)
	}
	return result, rows.Err()
}

// MarkSynced sets the entity sync timestamp of an instance.
func (s *SQLiteStore) MarkSynced(ctx context.Context, instanceID string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE workflow_instances SET entity_synced_at = ? WHERE id = ?`, toMillis(at), instanceID)
	if err != nil {
		return fmt.Errorf("mark instance synced: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return instanceNotFound(instanceID)
	}
	return nil
}

// GetEvents returns the audit trail of an instance in append order.
func (s *SQLiteStore) GetEvents(ctx context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	if err := sqliteExists(ctx, s.db, "workflow_instances", instanceID); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, instance_id, execution_id, step_number, event, actor_id, data, comment, created_at
		FROM workflow_events
		WHERE instance_id = ?
		ORDER BY seq ASC`, instanceID)
	if err != nil {
		return nil, fmt.Errorf("query workflow events: %w", err)
	}
	defer rows.Close()

	events := []model.WorkflowEvent{}
	for rows.Next() {
		var evt model.WorkflowEvent
		var data sql.NullString
		var created int64
		if err := rows.Scan(
			&evt.ID, &evt.InstanceID, &evt.ExecutionID, &evt.StepNumber, &evt.Event,
			&evt.ActorID, &data, &evt.Comment, &created,
		); err != nil {
			return nil, fmt.Errorf("scan workflow event: %w", err)
		}
		if err := unmarshalJSONMap([]byte(data.String), &evt.Data); err != nil {
			return nil, fmt.Errorf("unmarshal event data: %w", err)
		}
		evt.Timestamp = fromMillis(created)
		events = append(events, evt)
	}
	return events, rows.Err()
}

// SetEntityStatus updates the status column of a business table row.
func (s *SQLiteStore) SetEntityStatus(ctx context.Context, target EntityTarget, entityID, label string) error {
	if err := target.Validate(); err != nil {
		return err
	}
	query := fmt.Sprintf(`UPDATE "%s" SET "%s" = ? WHERE "%s" = ?`,
		target.Table, target.StatusColumn, target.IDColumn)
	res, err := s.db.ExecContext(ctx, query, label, entityID)
	if err != nil {
		return fmt.Errorf("update %s status: %w", target.Table, err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return model.NewNotFoundError(fmt.Sprintf("%s row %q not found", target.Table, entityID))
	}
	return nil
}

// sqliteTx implements Tx over a database/sql transaction.
type sqliteTx struct {
	q sqlQuerier
}

func (tx *sqliteTx) InsertTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO workflow_templates (`+templateColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		t.ID, t.Name, t.Description, string(t.Module), t.Active, t.Version,
		t.CreatedBy, toMillis(t.CreatedAt), toMillis(t.UpdatedAt),
	)
	if err != nil {
		if isSQLiteUnique(err, "workflow_templates.id") {
			return model.NewConflictError(fmt.Sprintf("workflow template %q already exists", t.ID))
		}
		return fmt.Errorf("insert workflow template: %w", err)
	}
	return nil
}

func (tx *sqliteTx) UpdateTemplate(ctx context.Context, t model.WorkflowTemplate) error {
	res, err := tx.q.ExecContext(ctx, `
		UPDATE workflow_templates SET
			name = ?, description = ?, active = ?, version = ?, updated_at = ?
		WHERE id = ?`,
		t.Name, t.Description, t.Active, t.Version, toMillis(t.UpdatedAt), t.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow template: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return templateNotFound(t.ID)
	}
	return nil
}

func (tx *sqliteTx) ReplaceSteps(ctx context.Context, templateID string, steps []model.WorkflowStep) error {
	if _, err := tx.q.ExecContext(ctx, `DELETE FROM workflow_steps WHERE template_id = ?`, templateID); err != nil {
		return fmt.Errorf("delete workflow steps: %w", err)
	}
	for _, st := range steps {
		_, err := tx.q.ExecContext(ctx, `
			INSERT INTO workflow_steps (`+stepColumns+`)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			st.ID, templateID, st.StepNumber, st.Name, st.Description, st.RequiredRole,
			st.ApproverUserID, st.Mandatory, st.CanDelegate, st.TimeoutDays, st.EscalationRole,
		)
		if err != nil {
			if isSQLiteUnique(err, "workflow_steps.") {
				return model.NewConflictError(fmt.Sprintf("duplicate step number %d", st.StepNumber))
			}
			return fmt.Errorf("insert workflow step %d: %w", st.StepNumber, err)
		}
	}
	return nil
}

func (tx *sqliteTx) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	t, err := scanSQLiteTemplate(tx.q.QueryRowContext(ctx,
		`SELECT `+templateColumns+` FROM workflow_templates WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowTemplate{}, templateNotFound(id)
	}
	if err != nil {
		return model.WorkflowTemplate{}, fmt.Errorf("query workflow template: %w", err)
	}
	t.Steps, err = querySQLiteSteps(ctx, tx.q, id)
	if err != nil {
		return model.WorkflowTemplate{}, err
	}
	return t, nil
}

func (tx *sqliteTx) CountPendingInstances(ctx context.Context, templateID string) (int, error) {
	var n int
	err := tx.q.QueryRowContext(ctx,
		`SELECT count(*) FROM workflow_instances WHERE template_id = ? AND status = 'pending'`,
		templateID,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count pending instances: %w", err)
	}
	return n, nil
}

func (tx *sqliteTx) CreateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	metadata, err := marshalJSONMap(inst.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO workflow_instances (`+instanceColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.TemplateID, inst.TemplateVersion, inst.EntityID, inst.EntityType,
		inst.CurrentStepID, inst.CurrentStepNumber, inst.CurrentExecutionID, string(inst.Status),
		inst.InitiatedBy, nullText(metadata), toMillis(inst.StartedAt),
		nullMillis(inst.CompletedAt), nullMillis(inst.EntitySyncedAt),
	)
	if err != nil {
		if isSQLiteUnique(err, "workflow_instances.template_id") {
			return duplicateInstance(inst)
		}
		return fmt.Errorf("insert workflow instance: %w", err)
	}
	return nil
}

func (tx *sqliteTx) GetInstance(ctx context.Context, id string) (model.WorkflowInstance, error) {
	inst, err := scanSQLiteInstance(tx.q.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	if err != nil {
		return model.WorkflowInstance{}, fmt.Errorf("query workflow instance: %w", err)
	}
	return inst, nil
}

func (tx *sqliteTx) UpdateInstance(ctx context.Context, inst model.WorkflowInstance) error {
	metadata, err := marshalJSONMap(inst.Metadata)
	if err != nil {
		return fmt.Errorf("marshal metadata: %w", err)
	}

	res, err := tx.q.ExecContext(ctx, `
		UPDATE workflow_instances SET
			current_step_id = ?,
			current_step_number = ?,
			current_execution_id = ?,
			status = ?,
			metadata = ?,
			completed_at = ?
		WHERE id = ? AND status = 'pending'`,
		inst.CurrentStepID, inst.CurrentStepNumber, inst.CurrentExecutionID,
		string(inst.Status), nullText(metadata), nullMillis(inst.CompletedAt), inst.ID,
	)
	if err != nil {
		return fmt.Errorf("update workflow instance: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := sqliteExists(ctx, tx.q, "workflow_instances", inst.ID); err != nil {
			return err
		}
		return instanceNotPending(inst.ID)
	}
	return nil
}

func (tx *sqliteTx) CreateExecution(ctx context.Context, exec model.StepExecution) error {
	_, err := tx.q.ExecContext(ctx, `
		INSERT INTO workflow_step_executions (
			id, instance_id, step_id, step_number, step_name,
			assigned_role, assigned_user, status, acted_by, acted_at,
			comments, due_at, escalated_from, delegated_by, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.InstanceID, exec.StepID, exec.StepNumber, exec.StepName,
		exec.AssignedRole, exec.AssignedUser, string(exec.Status), exec.ActedBy, nullMillis(exec.ActedAt),
		exec.Comments, nullMillis(exec.DueAt), exec.EscalatedFrom, exec.DelegatedBy, toMillis(exec.CreatedAt),
	)
	if err != nil {
		if isSQLiteUnique(err, "workflow_step_executions.instance_id") {
			return duplicatePending(exec.InstanceID)
		}
		return fmt.Errorf("insert step execution: %w", err)
	}
	return nil
}

func (tx *sqliteTx) GetExecution(ctx context.Context, id string) (model.StepExecution, error) {
	var exec model.StepExecution
	dest := executionDest(&exec)
	err := tx.q.QueryRowContext(ctx,
		`SELECT `+executionColumns+` FROM workflow_step_executions e WHERE e.id = ?`, id,
	).Scan(dest...)
	if errors.Is(err, sql.ErrNoRows) {
		return model.StepExecution{}, executionNotFound(id)
	}
	if err != nil {
		return model.StepExecution{}, fmt.Errorf("query step execution: %w", err)
	}
	finishExecutionScan(dest, &exec)
	return exec, nil
}

func (tx *sqliteTx) TransitionExecution(ctx context.Context, id string, tr model.ExecutionTransition) error {
	var actedAt any
	if !tr.ActedAt.IsZero() {
		actedAt = toMillis(tr.ActedAt)
	}

	res, err := tx.q.ExecContext(ctx, `
		UPDATE workflow_step_executions SET
			status = CASE WHEN ?2 = '' THEN status ELSE ?2 END,
			acted_by = CASE WHEN ?3 = '' THEN acted_by ELSE ?3 END,
			acted_at = COALESCE(?4, acted_at),
			comments = CASE WHEN ?5 = '' THEN comments ELSE ?5 END,
			assigned_role = COALESCE(?6, assigned_role),
			assigned_user = COALESCE(?7, assigned_user),
			delegated_by = CASE WHEN ?8 = '' THEN delegated_by ELSE ?8 END
		WHERE id = ?1 AND status = 'pending'`,
		id, string(tr.Status), tr.ActedBy, actedAt, tr.Comments,
		tr.AssignedRole, tr.AssignedUser, tr.DelegatedBy,
	)
	if err != nil {
		return fmt.Errorf("transition step execution: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if err := sqliteExists(ctx, tx.q, "workflow_step_executions", id); err != nil {
			return err
		}
		return executionNotPending(id)
	}
	return nil
}

func (tx *sqliteTx) ListExecutions(ctx context.Context, instanceID string) ([]model.StepExecution, error) {
	return querySQLiteExecutions(ctx, tx.q, `
		SELECT `+executionColumns+` FROM workflow_step_executions e
		WHERE e.instance_id = ?
		ORDER BY e.step_number, e.created_at`, instanceID)
}

func (tx *sqliteTx) AppendEvent(ctx context.Context, event model.WorkflowEvent) error {
	data, err := marshalJSONMap(event.Data)
	if err != nil {
		return fmt.Errorf("marshal event data: %w", err)
	}

	_, err = tx.q.ExecContext(ctx, `
		INSERT INTO workflow_events (
			id, instance_id, execution_id, step_number, event, actor_id, data, comment, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		event.ID, event.InstanceID, event.ExecutionID, event.StepNumber, event.Event,
		event.ActorID, nullText(data), event.Comment, toMillis(event.Timestamp),
	)
	if err != nil {
		return fmt.Errorf("insert workflow event: %w", err)
	}
	return nil
}

// sqliteExists returns a NOT_FOUND error when no row with id exists in
// table. table is always a constant from this file.
func sqliteExists(ctx context.Context, q sqlQuerier, table, id string) error {
	var found int
	err := q.QueryRowContext(ctx,
		`SELECT EXISTS (SELECT 1 FROM `+table+` WHERE id = ?)`, id,
	).Scan(&found)
	if err != nil {
		return fmt.Errorf("query %s: %w", table, err)
	}
	if found == 0 {
		return model.NewNotFoundError(fmt.Sprintf("%s row %q not found", table, id))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSQLiteTemplate(row rowScanner) (model.WorkflowTemplate, error) {
	var t model.WorkflowTemplate
	var created, updated int64
	err := row.Scan(&t.ID, &t.Name, &t.Description, &t.Module, &t.Active, &t.Version,
		&t.CreatedBy, &created, &updated)
	t.CreatedAt = fromMillis(created)
	t.UpdatedAt = fromMillis(updated)
	return t, err
}

func querySQLiteSteps(ctx context.Context, q sqlQuerier, templateID string) ([]model.WorkflowStep, error) {
	rows, err := q.QueryContext(ctx,
		`SELECT `+stepColumns+` FROM workflow_steps WHERE template_id = ? ORDER BY step_number`, templateID)
	if err != nil {
		return nil, fmt.Errorf("query workflow steps: %w", err)
	}
	defer rows.Close()

	var steps []model.WorkflowStep
	for rows.Next() {
		var st model.WorkflowStep
		if err := rows.Scan(&st.ID, &st.TemplateID, &st.StepNumber, &st.Name, &st.Description,
			&st.RequiredRole, &st.ApproverUserID, &st.Mandatory, &st.CanDelegate,
			&st.TimeoutDays, &st.EscalationRole); err != nil {
			return nil, fmt.Errorf("scan workflow step: %w", err)
		}
		steps = append(steps, st)
	}
	return steps, rows.Err()
}

func scanSQLiteInstance(row rowScanner) (model.WorkflowInstance, error) {
	var inst model.WorkflowInstance
	var metadata sql.NullString
	var started int64
	var completed, synced sql.NullInt64
	err := row.Scan(
		&inst.ID, &inst.TemplateID, &inst.TemplateVersion, &inst.EntityID, &inst.EntityType,
		&inst.CurrentStepID, &inst.CurrentStepNumber, &inst.CurrentExecutionID, &inst.Status,
		&inst.InitiatedBy, &metadata, &started, &completed, &synced,
	)
	if err != nil {
		return inst, err
	}
	inst.StartedAt = fromMillis(started)
	inst.CompletedAt = fromNullMillis(completed)
	inst.EntitySyncedAt = fromNullMillis(synced)
	if err := unmarshalJSONMap([]byte(metadata.String), &inst.Metadata); err != nil {
		return inst, fmt.Errorf("unmarshal metadata: %w", err)
	}
	return inst, nil
}

// executionDest returns scan destinations for executionColumns. Time columns
// land in the trailing holders and are copied by finishExecutionScan.
func executionDest(e *model.StepExecution) []any {
	return []any{
		&e.ID, &e.InstanceID, &e.StepID, &e.StepNumber, &e.StepName,
		&e.AssignedRole, &e.AssignedUser, &e.Status, &e.ActedBy, new(sql.NullInt64),
		&e.Comments, new(sql.NullInt64), &e.EscalatedFrom, &e.DelegatedBy, new(int64),
	}
}

func finishExecutionScan(dest []any, e *model.StepExecution) {
	e.ActedAt = fromNullMillis(*dest[9].(*sql.NullInt64))
	e.DueAt = fromNullMillis(*dest[11].(*sql.NullInt64))
	e.CreatedAt = fromMillis(*dest[14].(*int64))
}

func querySQLiteExecutions(ctx context.Context, q sqlQuerier, query string, args ...any) ([]model.StepExecution, error) {
	rows, err := q.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query step executions: %w", err)
	}
	defer rows.Close()

	var result []model.StepExecution
	for rows.Next() {
		var exec model.StepExecution
		dest := executionDest(&exec)
		if err := rows.Scan(dest...); err != nil {
			return nil, fmt.Errorf("scan step execution: %w", err)
		}
		finishExecutionScan(dest, &exec)
		result = append(result, exec)
	}
	return result, rows.Err()
}

// isSQLiteUnique matches the driver's "UNIQUE constraint failed: table.col"
// message against a column prefix.
func isSQLiteUnique(err error, column string) bool {
	msg := err.Error()
	return strings.Contains(msg, "UNIQUE constraint failed") && strings.Contains(msg, column)
}

func toMillis(t time.Time) int64 {
	return t.UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func nullMillis(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UnixMilli()
}

func fromNullMillis(v sql.NullInt64) *time.Time {
	if !v.Valid {
		return nil
	}
	t := fromMillis(v.Int64)
	return &t
}

func nullText(b []byte) any {
	if b == nil {
		return nil
	}
	return string(b)
}
