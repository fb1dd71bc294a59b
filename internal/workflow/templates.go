package workflow

import (
	"context"
	"fmt"
	"slices"
	"sort"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/pitabwire/passage/internal/definition"
	"github.com/pitabwire/passage/internal/observability"
	"github.com/pitabwire/passage/model"
)

// ValidateTemplate checks a template without saving it. Steps without
// numbers are numbered by position first, as CreateTemplate does.
func (e *Engine) ValidateTemplate(tpl model.WorkflowTemplate) model.ValidationResult {
	tpl.Steps = slices.Clone(tpl.Steps)
	definition.NumberSteps(tpl.Steps)
	return e.validator.Validate(tpl)
}

// CreateTemplate validates and stores a new, active template with its
// steps. An invalid template is never persisted.
func (e *Engine) CreateTemplate(ctx context.Context, tpl model.WorkflowTemplate, createdBy string) (created model.WorkflowTemplate, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.template.create")
	defer func() {
		e.metrics.RecordTemplateWrite("create", writeStatus(err))
		observability.EndSpanWithError(span, err)
	}()

	tpl.Steps = slices.Clone(tpl.Steps)
	definition.NumberSteps(tpl.Steps)
	if err := e.validator.Validate(tpl).AsError(); err != nil {
		return model.WorkflowTemplate{}, err
	}

	now := e.clock()
	if tpl.ID == "" {
		tpl.ID = uuid.New().String()
	}
	tpl.Active = true
	tpl.Version = 1
	tpl.CreatedBy = createdBy
	tpl.CreatedAt = now
	tpl.UpdatedAt = now
	tpl.Steps = prepareSteps(tpl.ID, tpl.Steps)

	err = e.store.InTx(ctx, func(tx Tx) error {
		if err := tx.InsertTemplate(ctx, tpl); err != nil {
			return err
		}
		return tx.ReplaceSteps(ctx, tpl.ID, tpl.Steps)
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	observability.LoggerFrom(ctx, e.logger).Info("workflow template created",
		zap.String("template_id", tpl.ID),
		zap.String("name", tpl.Name),
		zap.String("module", string(tpl.Module)),
		zap.Int("steps", len(tpl.Steps)),
	)
	return tpl, nil
}

// UpdateTemplate applies patch to a template. A patch carrying Steps
// replaces the whole step set and bumps the template version; it is refused
// with CONFLICT while any instance of the template is pending. The patched
// template must pass validation.
func (e *Engine) UpdateTemplate(ctx context.Context, id string, patch model.TemplatePatch) (updated model.WorkflowTemplate, err error) {
	ctx, span := observability.StartSpan(ctx, "workflow.template.update",
		observability.AttrTemplateID.String(id),
	)
	defer func() {
		e.metrics.RecordTemplateWrite("update", writeStatus(err))
		observability.EndSpanWithError(span, err)
	}()

	err = e.store.InTx(ctx, func(tx Tx) error {
		cur, err := tx.GetTemplate(ctx, id)
		if err != nil {
			return err
		}

		// 1. Apply the patch.
		if patch.Name != nil {
			cur.Name = *patch.Name
		}
		if patch.Description != nil {
			cur.Description = *patch.Description
		}
		if patch.Active != nil {
			cur.Active = *patch.Active
		}
		structural := patch.Steps != nil
		if structural {
			cur.Steps = slices.Clone(patch.Steps)
			definition.NumberSteps(cur.Steps)
		}

		// 2. Validate the result.
		if err := e.validator.Validate(cur).AsError(); err != nil {
			return err
		}

		// 3. Replace the step graph when no running instance depends on it.
		if structural {
			n, err := tx.CountPendingInstances(ctx, id)
			if err != nil {
				return err
			}
			if n > 0 {
				return model.NewConflictError(fmt.Sprintf(
					"workflow template %q has %d pending instances; its steps cannot change until they finish",
					id, n,
				))
			}
			cur.Version++
			cur.Steps = prepareSteps(id, cur.Steps)
			if err := tx.ReplaceSteps(ctx, id, cur.Steps); err != nil {
				return err
			}
		}

		cur.UpdatedAt = e.clock()
		if err := tx.UpdateTemplate(ctx, cur); err != nil {
			return err
		}
		updated = cur
		return nil
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	observability.LoggerFrom(ctx, e.logger).Info("workflow template updated",
		zap.String("template_id", updated.ID),
		zap.Int("version", updated.Version),
		zap.Bool("active", updated.Active),
	)
	return updated, nil
}

// DeactivateTemplate soft-deletes a template: it stops accepting new
// instances while pending ones run to completion.
func (e *Engine) DeactivateTemplate(ctx context.Context, id string) (tpl model.WorkflowTemplate, err error) {
	defer func() { e.metrics.RecordTemplateWrite("deactivate", writeStatus(err)) }()

	err = e.store.InTx(ctx, func(tx Tx) error {
		tpl, err = tx.GetTemplate(ctx, id)
		if err != nil {
			return err
		}
		tpl.Active = false
		tpl.UpdatedAt = e.clock()
		return tx.UpdateTemplate(ctx, tpl)
	})
	if err != nil {
		return model.WorkflowTemplate{}, err
	}

	observability.LoggerFrom(ctx, e.logger).Info("workflow template deactivated",
		zap.String("template_id", id),
	)
	return tpl, nil
}

// GetTemplate returns a template with its steps in step order.
func (e *Engine) GetTemplate(ctx context.Context, id string) (model.WorkflowTemplate, error) {
	var tpl model.WorkflowTemplate
	err := e.store.InTx(ctx, func(tx Tx) error {
		var err error
		tpl, err = tx.GetTemplate(ctx, id)
		return err
	})
	return tpl, err
}

// ListTemplates returns templates matching filters, ordered by name.
func (e *Engine) ListTemplates(ctx context.Context, filters model.TemplateFilters) ([]model.WorkflowTemplate, error) {
	if filters.Module != "" && !filters.Module.Valid() {
		return nil, model.NewBadRequestError(fmt.Sprintf("unknown module %q", filters.Module))
	}
	return e.store.ListTemplates(ctx, filters)
}

// SeedTemplates creates the templates of docs that do not exist yet, keyed
// by name and module. It returns how many were created.
func (e *Engine) SeedTemplates(ctx context.Context, docs []definition.Document, createdBy string) (int, error) {
	existing, err := e.store.ListTemplates(ctx, model.TemplateFilters{})
	if err != nil {
		return 0, fmt.Errorf("list templates: %w", err)
	}
	seen := make(map[string]bool, len(existing))
	for _, t := range existing {
		seen[seedKey(t)] = true
	}

	created := 0
	for _, doc := range docs {
		if seen[seedKey(doc.Template)] {
			continue
		}
		if _, err := e.CreateTemplate(ctx, doc.Template, createdBy); err != nil {
			return created, fmt.Errorf("seeding %s: %w", doc.SourceFile, err)
		}
		seen[seedKey(doc.Template)] = true
		created++
	}
	return created, nil
}

func seedKey(t model.WorkflowTemplate) string {
	return string(t.Module) + "/" + t.Name
}

// prepareSteps orders steps by number and gives each a fresh id.
func prepareSteps(templateID string, steps []model.WorkflowStep) []model.WorkflowStep {
	out := slices.Clone(steps)
	sort.SliceStable(out, func(i, j int) bool { return out[i].StepNumber < out[j].StepNumber })
	for i := range out {
		out[i].ID = uuid.New().String()
		out[i].TemplateID = templateID
	}
	return out
}

func writeStatus(err error) string {
	if err != nil {
		return "error"
	}
	return "ok"
}
