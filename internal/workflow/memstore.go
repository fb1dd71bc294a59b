package workflow

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/pitabwire/passage/model"
)

// memState is the full contents of a MemoryStore. Values are stored by value
// so a shallow clone of each map is a consistent snapshot.
type memState struct {
	templates  map[string]model.WorkflowTemplate // key: template ID, steps stripped
	steps      map[string][]model.WorkflowStep   // key: template ID
	instances  map[string]model.WorkflowInstance // key: instance ID
	executions map[string]model.StepExecution    // key: execution ID
	events     map[string][]model.WorkflowEvent  // key: instance ID
	entities   map[string]string                 // key: table/entity ID
}

func (st memState) clone() memState {
	return memState{
		templates:  maps.Clone(st.templates),
		steps:      maps.Clone(st.steps),
		instances:  maps.Clone(st.instances),
		executions: maps.Clone(st.executions),
		events:     maps.Clone(st.events),
		entities:   maps.Clone(st.entities),
	}
}

// MemoryStore is an in-memory Store for tests and local development.
// Transactions are serialized by a single lock and rolled back by restoring
// a snapshot taken when they began.
type MemoryStore struct {
	mu sync.RWMutex
	st memState
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{st: memState{
		templates:  make(map[string]model.WorkflowTemplate),
		steps:      make(map[string][]model.WorkflowStep),
		instances:  make(map[string]model.WorkflowInstance),
		executions: make(map[string]model.StepExecution),
		events:     make(map[string][]model.WorkflowEvent),
		entities:   make(map[string]string),
	}}
}

// InTx runs fn with exclusive access to the store.
func (s *MemoryStore) InTx(ctx context.Context, fn func(tx Tx) error) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	snapshot := s.st.clone()
	if err := fn(&memTx{st: &s.st}); err != nil {
		s.st = snapshot
		return err
	}
	return nil
}

// ListTemplates returns templates ordered by name.
func (s *MemoryStore) ListTemplates(_ context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.WorkflowTemplate{}
	for id, t := range s.st.templates {
		if filters.Module != "" && t.Module != filters.Module {
			continue
		}
		if filters.ActiveOnly && !t.Active {
			continue
		}
		t.Steps = slices.Clone(s.st.steps[id])
		result = append(result, t)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Name != result[j].Name {
			return result[i].Name < result[j].Name
		}
		return result[i].ID < result[j].ID
	})
	return result, nil
}

// ListPending returns pending executions assigned to any of the approvers.
func (s *MemoryStore) ListPending(_ context.Context, approvers []string) ([]model.PendingApproval, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := []model.PendingApproval{}
	for _, exec := range s.st.executions {
		if exec.Status != model.ExecutionPending {
			continue
		}
		if !slices.Contains(approvers, exec.AssignedRole) && !slices.Contains(approvers, exec.AssignedUser) {
			continue
		}
		inst := s.st.instances[exec.InstanceID]
		tpl := s.st.templates[inst.TemplateID]
		result = append(result, model.PendingApproval{
			Execution:       exec,
			TemplateID:      tpl.ID,
			TemplateName:    tpl.Name,
			Module:          tpl.Module,
			EntityID:        inst.EntityID,
			EntityType:      inst.EntityType,
			InitiatedBy:     inst.InitiatedBy,
			InstanceStarted: inst.StartedAt,
		})
	}
	sortPending(result)
	return result, nil
}

// sortPending orders by due date ascending with undated rows last, then by
// instance start ascending.
func sortPending(items []model.PendingApproval) {
	sort.SliceStable(items, func(i, j int) bool {
		a, b := items[i], items[j]
		switch {
		case a.Execution.DueAt != nil && b.Execution.DueAt == nil:
			return true
		case a.Execution.DueAt == nil && b.Execution.DueAt != nil:
			return false
		case a.Execution.DueAt != nil && !a.Execution.DueAt.Equal(*b.Execution.DueAt):
			return a.Execution.DueAt.Before(*b.Execution.DueAt)
		}
		if !a.InstanceStarted.Equal(b.InstanceStarted) {
			return a.InstanceStarted.Before(b.InstanceStarted)
		}
		return a.Execution.ID < b.Execution.ID
	})
}

// FindOverdue returns pending, non-escalated executions due before cutoff.
func (s *MemoryStore) FindOverdue(_ context.Context, cutoff time.Time) ([]model.StepExecution, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.StepExecution
	for _, exec := range s.st.executions {
		if exec.EscalatedFrom != "" || !exec.Overdue(cutoff) {
			continue
		}
		result = append(result, exec)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].DueAt.Before(*result[j].DueAt)
	})
	return result, nil
}

// FindUnsynced returns terminal instances not yet written to the entity sink.
func (s *MemoryStore) FindUnsynced(_ context.Context, limit int) ([]model.WorkflowInstance, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []model.WorkflowInstance
	for _, inst := range s.st.instances {
		if !inst.Status.Terminal() || inst.EntitySyncedAt != nil {
			continue
		}
		result = append(result, inst)
	}
	sort.Slice(result, func(i, j int) bool {
		return completedAt(result[i]).Before(completedAt(result[j]))
	})
	if limit > 0 && limit < len(result) {
		result = result[:limit]
	}
	return result, nil
}

func completedAt(inst model.WorkflowInstance) time.Time {
	if inst.CompletedAt == nil {
		return time.Time{}
	}
	return *inst.CompletedAt
}

// MarkSynced sets the entity sync timestamp of an instance.
func (s *MemoryStore) MarkSynced(_ context.Context, instanceID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	inst, ok := s.st.instances[instanceID]
	if !ok {
		return instanceNotFound(instanceID)
	}
	inst.EntitySyncedAt = &at
	s.st.instances[instanceID] = inst
	return nil
}

// GetEvents returns the audit trail of an instance in append order.
func (s *MemoryStore) GetEvents(_ context.Context, instanceID string) ([]model.WorkflowEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.st.instances[instanceID]; !ok {
		return nil, instanceNotFound(instanceID)
	}
	result := make([]model.WorkflowEvent, len(s.st.events[instanceID]))
	copy(result, s.st.events[instanceID])
	return result, nil
}

// SetEntityStatus records the label against table and entity id.
func (s *MemoryStore) SetEntityStatus(_ context.Context, target EntityTarget, entityID, label string) error {
	if err := target.Validate(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.st.entities[target.Table+"/"+entityID] = label
	return nil
}

// EntityStatus returns the label last written for an entity. For testing.
func (s *MemoryStore) EntityStatus(table, entityID string) (string, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	label, ok := s.st.entities[table+"/"+entityID]
	return label, ok
}

// HealthCheck always succeeds.
func (s *MemoryStore) HealthCheck(context.Context) error { return nil }

// Len returns the total number of instances. For testing.
func (s *MemoryStore) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.st.instances)
}

// memTx operates on the store state while MemoryStore.InTx holds the lock.
type memTx struct {
	st *memState
}

func (tx *memTx) InsertTemplate(_ context.Context, t model.WorkflowTemplate) error {
	if _, exists := tx.st.templates[t.ID]; exists {
		return model.NewConflictError(fmt.Sprintf("workflow template %q already exists", t.ID))
	}
	t.Steps = nil
	tx.st.templates[t.ID] = t
	return nil
}

func (tx *memTx) UpdateTemplate(_ context.Context, t model.WorkflowTemplate) error {
	if _, exists := tx.st.templates[t.ID]; !exists {
		return templateNotFound(t.ID)
	}
	t.Steps = nil
	tx.st.templates[t.ID] = t
	return nil
}

func (tx *memTx) ReplaceSteps(_ context.Context, templateID string, steps []model.WorkflowStep) error {
	if _, exists := tx.st.templates[templateID]; !exists {
		return templateNotFound(templateID)
	}
	seen := make(map[int]bool, len(steps))
	for _, s := range steps {
		if seen[s.StepNumber] {
			return model.NewConflictError(fmt.Sprintf("duplicate step number %d", s.StepNumber))
		}
		seen[s.StepNumber] = true
	}
	replaced := slices.Clone(steps)
	sort.Slice(replaced, func(i, j int) bool { return replaced[i].StepNumber < replaced[j].StepNumber })
	tx.st.steps[templateID] = replaced
	return nil
}

func (tx *memTx) GetTemplate(_ context.Context, id string) (model.WorkflowTemplate, error) {
	t, ok := tx.st.templates[id]
	if !ok {
		return model.WorkflowTemplate{}, templateNotFound(id)
	}
	t.Steps = slices.Clone(tx.st.steps[id])
	return t, nil
}

func (tx *memTx) CountPendingInstances(_ context.Context, templateID string) (int, error) {
	n := 0
	for _, inst := range tx.st.instances {
		if inst.TemplateID == templateID && inst.Status == model.InstancePending {
			n++
		}
	}
	return n, nil
}

func (tx *memTx) CreateInstance(_ context.Context, inst model.WorkflowInstance) error {
	for _, existing := range tx.st.instances {
		if existing.TemplateID == inst.TemplateID &&
			existing.EntityType == inst.EntityType &&
			existing.EntityID == inst.EntityID {
			return duplicateInstance(inst)
		}
	}
	tx.st.instances[inst.ID] = inst
	return nil
}

func (tx *memTx) GetInstance(_ context.Context, id string) (model.WorkflowInstance, error) {
	inst, ok := tx.st.instances[id]
	if !ok {
		return model.WorkflowInstance{}, instanceNotFound(id)
	}
	return inst, nil
}

func (tx *memTx) UpdateInstance(_ context.Context, inst model.WorkflowInstance) error {
	existing, ok := tx.st.instances[inst.ID]
	if !ok {
		return instanceNotFound(inst.ID)
	}
	if existing.Status != model.InstancePending {
		return instanceNotPending(inst.ID)
	}
	tx.st.instances[inst.ID] = inst
	return nil
}

func (tx *memTx) CreateExecution(_ context.Context, exec model.StepExecution) error {
	if exec.Status == model.ExecutionPending {
		for _, existing := range tx.st.executions {
			if existing.InstanceID == exec.InstanceID && existing.Status == model.ExecutionPending {
				return duplicatePending(exec.InstanceID)
			}
		}
	}
	tx.st.executions[exec.ID] = exec
	return nil
}

func (tx *memTx) GetExecution(_ context.Context, id string) (model.StepExecution, error) {
	exec, ok := tx.st.executions[id]
	if !ok {
		return model.StepExecution{}, executionNotFound(id)
	}
	return exec, nil
}

func (tx *memTx) TransitionExecution(_ context.Context, id string, tr model.ExecutionTransition) error {
	exec, ok := tx.st.executions[id]
	if !ok {
		return executionNotFound(id)
	}
	if exec.Status != model.ExecutionPending {
		return executionNotPending(id)
	}
	tx.st.executions[id] = applyTransition(exec, tr)
	return nil
}

func (tx *memTx) ListExecutions(_ context.Context, instanceID string) ([]model.StepExecution, error) {
	var result []model.StepExecution
	for _, exec := range tx.st.executions {
		if exec.InstanceID == instanceID {
			result = append(result, exec)
		}
	}
	sortExecutions(result)
	return result, nil
}

func (tx *memTx) AppendEvent(_ context.Context, event model.WorkflowEvent) error {
	tx.st.events[event.InstanceID] = append(tx.st.events[event.InstanceID], event)
	return nil
}

// applyTransition merges tr into exec. Empty fields keep existing values.
func applyTransition(exec model.StepExecution, tr model.ExecutionTransition) model.StepExecution {
	if tr.Status != "" {
		exec.Status = tr.Status
	}
	if tr.ActedBy != "" {
		exec.ActedBy = tr.ActedBy
	}
	if !tr.ActedAt.IsZero() {
		at := tr.ActedAt
		exec.ActedAt = &at
	}
	if tr.Comments != "" {
		exec.Comments = tr.Comments
	}
	if tr.AssignedRole != nil {
		exec.AssignedRole = *tr.AssignedRole
	}
	if tr.AssignedUser != nil {
		exec.AssignedUser = *tr.AssignedUser
	}
	if tr.DelegatedBy != "" {
		exec.DelegatedBy = tr.DelegatedBy
	}
	return exec
}

func sortExecutions(execs []model.StepExecution) {
	sort.SliceStable(execs, func(i, j int) bool {
		if execs[i].StepNumber != execs[j].StepNumber {
			return execs[i].StepNumber < execs[j].StepNumber
		}
		return execs[i].CreatedAt.Before(execs[j].CreatedAt)
	})
}
