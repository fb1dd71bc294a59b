package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/passage/internal/simulator"
	"github.com/pitabwire/passage/model"
)

type templateRequest struct {
	ID          string               `json:"id,omitempty"`
	Name        string               `json:"name"`
	Description string               `json:"description,omitempty"`
	Module      model.Module         `json:"module"`
	Steps       []model.WorkflowStep `json:"steps"`
}

func (t templateRequest) template() model.WorkflowTemplate {
	return model.WorkflowTemplate{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Module:      t.Module,
		Steps:       t.Steps,
	}
}

func (h *handlers) createTemplate(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var body templateRequest
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}

	tpl, err := h.engine.CreateTemplate(r.Context(), body.template(), rctx.SubjectID)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, tpl)
}

func (h *handlers) validateTemplate(w http.ResponseWriter, r *http.Request) {
	var body templateRequest
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, h.engine.ValidateTemplate(body.template()))
}

func (h *handlers) listTemplates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filters := model.TemplateFilters{
		Module:     model.Module(q.Get("module")),
		ActiveOnly: q.Get("active") == "true",
	}

	list, err := h.engine.ListTemplates(r.Context(), filters)
	if err != nil {
		WriteError(w, err)
		return
	}
	if list == nil {
		list = []model.WorkflowTemplate{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": list})
}

func (h *handlers) getTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.engine.GetTemplate(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tpl)
}

func (h *handlers) updateTemplate(w http.ResponseWriter, r *http.Request) {
	var patch model.TemplatePatch
	if err := decodeJSON(r, &patch, false); err != nil {
		WriteError(w, err)
		return
	}

	tpl, err := h.engine.UpdateTemplate(r.Context(), chi.URLParam(r, "templateId"), patch)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tpl)
}

func (h *handlers) deactivateTemplate(w http.ResponseWriter, r *http.Request) {
	tpl, err := h.engine.DeactivateTemplate(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, tpl)
}

func (h *handlers) simulateTemplate(w http.ResponseWriter, r *http.Request) {
	var body struct {
		Script []string `json:"script"`
		Seed   uint64   `json:"seed,omitempty"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		WriteError(w, err)
		return
	}
	script, err := simulator.ParseScript(body.Script)
	if err != nil {
		WriteError(w, err)
		return
	}

	tpl, err := h.engine.GetTemplate(r.Context(), chi.URLParam(r, "templateId"))
	if err != nil {
		WriteError(w, err)
		return
	}

	sim := h.simulator
	if body.Seed != 0 {
		sim = simulator.New(body.Seed, h.maxDays)
	}
	report, err := sim.Run(tpl, script)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, report)
}
