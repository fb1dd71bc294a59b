package workflow

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/pitabwire/passage/model"
)

// Shared behaviour every Store implementation must provide. Each store's
// test file runs runStoreContract against a fresh store.

var storeBase = time.Date(2026, 3, 2, 9, 0, 0, 0, time.UTC)

func at(hours int) time.Time {
	return storeBase.Add(time.Duration(hours) * time.Hour)
}

func ptrTime(t time.Time) *time.Time { return &t }

func runStoreContract(t *testing.T, open func(t *testing.T) Store) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s Store)
	}{
		{"template round trip", testStoreTemplateRoundTrip},
		{"list templates filters", testStoreListTemplates},
		{"update missing template", testStoreUpdateMissingTemplate},
		{"duplicate instance", testStoreDuplicateInstance},
		{"one pending execution", testStoreOnePending},
		{"conditional transition", testStoreConditionalTransition},
		{"transition keeps unset fields", testStoreTransitionKeepsFields},
		{"update instance guard", testStoreUpdateInstanceGuard},
		{"rollback", testStoreRollback},
		{"pending order", testStorePendingOrder},
		{"find overdue", testStoreFindOverdue},
		{"unsynced", testStoreUnsynced},
		{"events", testStoreEvents},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			tt.fn(t, open(t))
		})
	}
}

func inTx(t *testing.T, s Store, fn func(tx Tx) error) {
	t.Helper()
	if err := s.InTx(context.Background(), fn); err != nil {
		t.Fatalf("InTx() error = %v", err)
	}
}

func seedTemplate(t *testing.T, s Store, id string, module model.Module, active bool) model.WorkflowTemplate {
	t.Helper()
	tpl := model.WorkflowTemplate{
		ID:        id,
		Name:      "Template " + id,
		Module:    module,
		Active:    active,
		Version:   1,
		CreatedAt: storeBase,
		UpdatedAt: storeBase,
	}
	seven := 7
	steps := []model.WorkflowStep{
		{ID: id + "-s2", StepNumber: 2, Name: "Manager", RequiredRole: "manager", TimeoutDays: &seven},
		{ID: id + "-s1", StepNumber: 1, Name: "Focal", RequiredRole: "focal", CanDelegate: true},
	}
	inTx(t, s, func(tx Tx) error {
		if err := tx.InsertTemplate(context.Background(), tpl); err != nil {
			return err
		}
		return tx.ReplaceSteps(context.Background(), id, steps)
	})
	return tpl
}

func seedInstance(t *testing.T, s Store, templateID, entityID string, started time.Time) model.WorkflowInstance {
	t.Helper()
	inst := model.WorkflowInstance{
		ID:              "inst-" + entityID,
		TemplateID:      templateID,
		TemplateVersion: 1,
		EntityID:        entityID,
		EntityType:      "travel_request",
		Status:          model.InstancePending,
		InitiatedBy:     "user-alice",
		Metadata:        map[string]any{"destination": "Nairobi"},
		StartedAt:       started,
	}
	inTx(t, s, func(tx Tx) error { return tx.CreateInstance(context.Background(), inst) })
	return inst
}

func seedExecution(t *testing.T, s Store, instanceID, id, role string, due *time.Time) model.StepExecution {
	t.Helper()
	exec := model.StepExecution{
		ID:           id,
		InstanceID:   instanceID,
		StepID:       "step-1",
		StepNumber:   1,
		StepName:     "Focal",
		AssignedRole: role,
		Status:       model.ExecutionPending,
		DueAt:        due,
		CreatedAt:    storeBase,
	}
	inTx(t, s, func(tx Tx) error { return tx.CreateExecution(context.Background(), exec) })
	return exec
}

func testStoreTemplateRoundTrip(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)

	var got model.WorkflowTemplate
	inTx(t, s, func(tx Tx) error {
		var err error
		got, err = tx.GetTemplate(context.Background(), "tpl-1")
		return err
	})

	if got.Name != "Template tpl-1" || got.Module != model.ModuleTravelRequest || !got.Active {
		t.Errorf("GetTemplate() = %+v", got)
	}
	if !got.CreatedAt.Equal(storeBase) {
		t.Errorf("CreatedAt = %v, want %v", got.CreatedAt, storeBase)
	}
	if len(got.Steps) != 2 {
		t.Fatalf("Steps = %d, want 2", len(got.Steps))
	}
	if got.Steps[0].StepNumber != 1 || got.Steps[1].StepNumber != 2 {
		t.Errorf("steps not ordered by number: %d, %d", got.Steps[0].StepNumber, got.Steps[1].StepNumber)
	}
	if got.Steps[0].TimeoutDays != nil {
		t.Errorf("Steps[0].TimeoutDays = %v, want nil", *got.Steps[0].TimeoutDays)
	}
	if got.Steps[1].TimeoutDays == nil || *got.Steps[1].TimeoutDays != 7 {
		t.Errorf("Steps[1].TimeoutDays = %v, want 7", got.Steps[1].TimeoutDays)
	}
	if !got.Steps[0].CanDelegate {
		t.Error("Steps[0].CanDelegate = false, want true")
	}

	inTx(t, s, func(tx Tx) error {
		return tx.ReplaceSteps(context.Background(), "tpl-1", []model.WorkflowStep{
			{ID: "tpl-1-only", StepNumber: 1, Name: "Finance", ApproverUserID: "user-fin"},
		})
	})
	inTx(t, s, func(tx Tx) error {
		var err error
		got, err = tx.GetTemplate(context.Background(), "tpl-1")
		return err
	})
	if len(got.Steps) != 1 || got.Steps[0].ApproverUserID != "user-fin" {
		t.Errorf("after ReplaceSteps, Steps = %+v", got.Steps)
	}

	err := s.InTx(context.Background(), func(tx Tx) error {
		_, err := tx.GetTemplate(context.Background(), "missing")
		return err
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("GetTemplate(missing) error = %v, want NOT_FOUND", err)
	}
}

func testStoreListTemplates(t *testing.T, s Store) {
	seedTemplate(t, s, "b", model.ModuleTravelRequest, true)
	seedTemplate(t, s, "a", model.ModuleClaim, true)
	seedTemplate(t, s, "c", model.ModuleTravelRequest, false)
	ctx := context.Background()

	all, err := s.ListTemplates(ctx, model.TemplateFilters{})
	if err != nil {
		t.Fatalf("ListTemplates() error = %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("ListTemplates() = %d, want 3", len(all))
	}
	if all[0].ID != "a" || all[1].ID != "b" || all[2].ID != "c" {
		t.Errorf("ListTemplates() order = %s,%s,%s, want a,b,c", all[0].ID, all[1].ID, all[2].ID)
	}
	if len(all[0].Steps) != 2 {
		t.Errorf("listed template steps = %d, want 2", len(all[0].Steps))
	}

	travel, _ := s.ListTemplates(ctx, model.TemplateFilters{Module: model.ModuleTravelRequest})
	if len(travel) != 2 {
		t.Errorf("module filter = %d templates, want 2", len(travel))
	}
	active, _ := s.ListTemplates(ctx, model.TemplateFilters{Module: model.ModuleTravelRequest, ActiveOnly: true})
	if len(active) != 1 || active[0].ID != "b" {
		t.Errorf("active filter = %+v, want only b", active)
	}
}

func testStoreUpdateMissingTemplate(t *testing.T, s Store) {
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.UpdateTemplate(context.Background(), model.WorkflowTemplate{ID: "missing", UpdatedAt: storeBase})
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("UpdateTemplate(missing) error = %v, want NOT_FOUND", err)
	}
}

func testStoreDuplicateInstance(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	first := seedInstance(t, s, "tpl-1", "tr-1", at(0))

	dup := first
	dup.ID = "inst-other"
	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateInstance(context.Background(), dup)
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("CreateInstance(duplicate entity) error = %v, want CONFLICT", err)
	}

	var got model.WorkflowInstance
	inTx(t, s, func(tx Tx) error {
		var err error
		got, err = tx.GetInstance(context.Background(), first.ID)
		return err
	})
	if got.Metadata["destination"] != "Nairobi" {
		t.Errorf("Metadata = %v", got.Metadata)
	}
	if got.CompletedAt != nil {
		t.Errorf("CompletedAt = %v, want nil", got.CompletedAt)
	}
}

func testStoreOnePending(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	inst := seedInstance(t, s, "tpl-1", "tr-1", at(0))
	seedExecution(t, s, inst.ID, "exec-1", "focal", nil)

	err := s.InTx(context.Background(), func(tx Tx) error {
		return tx.CreateExecution(context.Background(), model.StepExecution{
			ID: "exec-2", InstanceID: inst.ID, StepID: "step-2", StepNumber: 2, StepName: "Manager",
			AssignedRole: "manager", Status: model.ExecutionPending, CreatedAt: storeBase,
		})
	})
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("second pending execution error = %v, want CONFLICT", err)
	}
}

func testStoreConditionalTransition(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	inst := seedInstance(t, s, "tpl-1", "tr-1", at(0))
	seedExecution(t, s, inst.ID, "exec-1", "focal", nil)
	ctx := context.Background()

	approve := model.ExecutionTransition{
		Status: model.ExecutionApproved, ActedBy: "user-bob", ActedAt: at(1), Comments: "ok",
	}
	inTx(t, s, func(tx Tx) error { return tx.TransitionExecution(ctx, "exec-1", approve) })

	err := s.InTx(ctx, func(tx Tx) error { return tx.TransitionExecution(ctx, "exec-1", approve) })
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("second transition error = %v, want CONFLICT", err)
	}
	err = s.InTx(ctx, func(tx Tx) error { return tx.TransitionExecution(ctx, "missing", approve) })
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("transition of missing execution error = %v, want NOT_FOUND", err)
	}

	var got model.StepExecution
	inTx(t, s, func(tx Tx) error {
		var err error
		got, err = tx.GetExecution(ctx, "exec-1")
		return err
	})
	if got.Status != model.ExecutionApproved || got.ActedBy != "user-bob" || got.Comments != "ok" {
		t.Errorf("execution = %+v", got)
	}
	if got.ActedAt == nil || !got.ActedAt.Equal(at(1)) {
		t.Errorf("ActedAt = %v, want %v", got.ActedAt, at(1))
	}

	// The pending slot is free again once the execution is decided.
	seedExecution(t, s, inst.ID, "exec-2", "manager", nil)
}

func testStoreTransitionKeepsFields(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	inst := seedInstance(t, s, "tpl-1", "tr-1", at(0))
	seedExecution(t, s, inst.ID, "exec-1", "focal", ptrTime(at(48)))
	ctx := context.Background()

	role, user := "", "user-carol"
	inTx(t, s, func(tx Tx) error {
		return tx.TransitionExecution(ctx, "exec-1", model.ExecutionTransition{
			AssignedRole: &role, AssignedUser: &user, DelegatedBy: "user-bob",
		})
	})

	var got model.StepExecution
	inTx(t, s, func(tx Tx) error {
		var err error
		got, err = tx.GetExecution(ctx, "exec-1")
		return err
	})
	if got.Status != model.ExecutionPending {
		t.Errorf("Status = %s, want pending", got.Status)
	}
	if got.AssignedRole != "" || got.AssignedUser != "user-carol" || got.DelegatedBy != "user-bob" {
		t.Errorf("assignment = role %q user %q by %q", got.AssignedRole, got.AssignedUser, got.DelegatedBy)
	}
	if got.ActedAt != nil {
		t.Errorf("ActedAt = %v, want nil", got.ActedAt)
	}
	if got.DueAt == nil || !got.DueAt.Equal(at(48)) {
		t.Errorf("DueAt = %v, want %v", got.DueAt, at(48))
	}
}

func testStoreUpdateInstanceGuard(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	inst := seedInstance(t, s, "tpl-1", "tr-1", at(0))
	ctx := context.Background()

	done := inst
	done.Status = model.InstanceApproved
	done.CompletedAt = ptrTime(at(5))
	inTx(t, s, func(tx Tx) error { return tx.UpdateInstance(ctx, done) })

	again := done
	again.Status = model.InstanceRejected
	err := s.InTx(ctx, func(tx Tx) error { return tx.UpdateInstance(ctx, again) })
	if !model.IsCode(err, model.ErrConflict) {
		t.Errorf("update of terminal instance error = %v, want CONFLICT", err)
	}

	var got model.WorkflowInstance
	inTx(t, s, func(tx Tx) error {
		var err error
		got, err = tx.GetInstance(ctx, inst.ID)
		return err
	})
	if got.Status != model.InstanceApproved {
		t.Errorf("Status = %s, want approved", got.Status)
	}
	if got.CompletedAt == nil || !got.CompletedAt.Equal(at(5)) {
		t.Errorf("CompletedAt = %v, want %v", got.CompletedAt, at(5))
	}
}

func testStoreRollback(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.InTx(ctx, func(tx Tx) error {
		if err := tx.CreateInstance(ctx, model.WorkflowInstance{
			ID: "inst-rolled-back", TemplateID: "tpl-1", TemplateVersion: 1, EntityID: "tr-9",
			EntityType: "travel_request", Status: model.InstancePending, InitiatedBy: "u", StartedAt: storeBase,
		}); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("InTx() error = %v, want boom", err)
	}

	err = s.InTx(ctx, func(tx Tx) error {
		_, err := tx.GetInstance(ctx, "inst-rolled-back")
		return err
	})
	if !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("rolled back instance lookup error = %v, want NOT_FOUND", err)
	}
}

func testStorePendingOrder(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	ctx := context.Background()

	// undated, started first
	i1 := seedInstance(t, s, "tpl-1", "tr-1", at(0))
	seedExecution(t, s, i1.ID, "exec-undated", "focal", nil)
	// due late
	i2 := seedInstance(t, s, "tpl-1", "tr-2", at(1))
	seedExecution(t, s, i2.ID, "exec-late", "focal", ptrTime(at(100)))
	// due early, started later
	i3 := seedInstance(t, s, "tpl-1", "tr-3", at(3))
	seedExecution(t, s, i3.ID, "exec-early-new", "focal", ptrTime(at(50)))
	// due early, started earlier
	i4 := seedInstance(t, s, "tpl-1", "tr-4", at(2))
	seedExecution(t, s, i4.ID, "exec-early-old", "focal", ptrTime(at(50)))
	// assigned to a user
	i5 := seedInstance(t, s, "tpl-1", "tr-5", at(4))
	exec := model.StepExecution{
		ID: "exec-user", InstanceID: i5.ID, StepID: "step-1", StepNumber: 1, StepName: "Focal",
		AssignedUser: "user-bob", Status: model.ExecutionPending, CreatedAt: storeBase,
	}
	inTx(t, s, func(tx Tx) error { return tx.CreateExecution(ctx, exec) })

	got, err := s.ListPending(ctx, []string{"focal"})
	if err != nil {
		t.Fatalf("ListPending() error = %v", err)
	}
	want := []string{"exec-early-old", "exec-early-new", "exec-late", "exec-undated"}
	if len(got) != len(want) {
		t.Fatalf("ListPending() = %d items, want %d", len(got), len(want))
	}
	for i, id := range want {
		if got[i].Execution.ID != id {
			t.Errorf("ListPending()[%d] = %s, want %s", i, got[i].Execution.ID, id)
		}
	}
	if got[0].TemplateName != "Template tpl-1" || got[0].EntityID != "tr-4" || got[0].InitiatedBy != "user-alice" {
		t.Errorf("joined fields = %+v", got[0])
	}

	byUser, _ := s.ListPending(ctx, []string{"user-bob", "manager"})
	if len(byUser) != 1 || byUser[0].Execution.ID != "exec-user" {
		t.Errorf("ListPending(user-bob) = %+v", byUser)
	}
}

func testStoreFindOverdue(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	ctx := context.Background()

	i1 := seedInstance(t, s, "tpl-1", "tr-1", at(0))
	seedExecution(t, s, i1.ID, "exec-overdue", "focal", ptrTime(at(10)))
	i2 := seedInstance(t, s, "tpl-1", "tr-2", at(0))
	seedExecution(t, s, i2.ID, "exec-future", "focal", ptrTime(at(30)))
	i3 := seedInstance(t, s, "tpl-1", "tr-3", at(0))
	escalated := model.StepExecution{
		ID: "exec-escalated", InstanceID: i3.ID, StepID: "step-1", StepNumber: 1, StepName: "Focal",
		AssignedRole: "hod", Status: model.ExecutionPending, DueAt: ptrTime(at(5)),
		EscalatedFrom: "exec-old", CreatedAt: storeBase,
	}
	inTx(t, s, func(tx Tx) error { return tx.CreateExecution(ctx, escalated) })

	got, err := s.FindOverdue(ctx, at(20))
	if err != nil {
		t.Fatalf("FindOverdue() error = %v", err)
	}
	if len(got) != 1 || got[0].ID != "exec-overdue" {
		t.Errorf("FindOverdue() = %+v, want only exec-overdue", got)
	}
}

func testStoreUnsynced(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	ctx := context.Background()

	for i, entity := range []string{"tr-1", "tr-2", "tr-3"} {
		inst := seedInstance(t, s, "tpl-1", entity, at(0))
		if entity == "tr-3" {
			continue
		}
		inst.Status = model.InstanceApproved
		inst.CompletedAt = ptrTime(at(10 - i))
		inTx(t, s, func(tx Tx) error { return tx.UpdateInstance(ctx, inst) })
	}

	got, err := s.FindUnsynced(ctx, 10)
	if err != nil {
		t.Fatalf("FindUnsynced() error = %v", err)
	}
	if len(got) != 2 || got[0].EntityID != "tr-2" || got[1].EntityID != "tr-1" {
		t.Fatalf("FindUnsynced() = %+v, want tr-2 then tr-1", got)
	}

	if err := s.MarkSynced(ctx, got[0].ID, at(11)); err != nil {
		t.Fatalf("MarkSynced() error = %v", err)
	}
	got, _ = s.FindUnsynced(ctx, 10)
	if len(got) != 1 || got[0].EntityID != "tr-1" {
		t.Errorf("after MarkSynced, FindUnsynced() = %+v", got)
	}
	limited, _ := s.FindUnsynced(ctx, 0)
	if len(limited) != 1 {
		t.Errorf("FindUnsynced(0) = %d, want all (1)", len(limited))
	}

	if err := s.MarkSynced(ctx, "missing", at(11)); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("MarkSynced(missing) error = %v, want NOT_FOUND", err)
	}
}

func testStoreEvents(t *testing.T, s Store) {
	seedTemplate(t, s, "tpl-1", model.ModuleTravelRequest, true)
	inst := seedInstance(t, s, "tpl-1", "tr-1", at(0))
	ctx := context.Background()

	inTx(t, s, func(tx Tx) error {
		for i, name := range []string{model.EventInstanceStarted, model.EventStepAssigned, model.EventStepApproved} {
			if err := tx.AppendEvent(ctx, model.WorkflowEvent{
				ID:         fmt.Sprintf("evt-%d", i),
				InstanceID: inst.ID,
				Event:      name,
				ActorID:    "user-alice",
				Data:       map[string]any{"n": float64(i)},
				Timestamp:  storeBase,
			}); err != nil {
				return err
			}
		}
		return nil
	})

	events, err := s.GetEvents(ctx, inst.ID)
	if err != nil {
		t.Fatalf("GetEvents() error = %v", err)
	}
	if len(events) != 3 {
		t.Fatalf("GetEvents() = %d events, want 3", len(events))
	}
	if events[0].Event != model.EventInstanceStarted || events[2].Event != model.EventStepApproved {
		t.Errorf("events out of append order: %s .. %s", events[0].Event, events[2].Event)
	}
	if events[1].Data["n"] != float64(1) {
		t.Errorf("events[1].Data = %v", events[1].Data)
	}

	if _, err := s.GetEvents(ctx, "missing"); !model.IsCode(err, model.ErrNotFound) {
		t.Errorf("GetEvents(missing) error = %v, want NOT_FOUND", err)
	}
}
