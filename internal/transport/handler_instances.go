package transport

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/passage/model"
)

func (h *handlers) startInstance(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var body model.StartRequest
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}
	// The initiator is always the caller.
	body.InitiatedBy = rctx.SubjectID

	inst, err := h.engine.StartInstance(r.Context(), body)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusCreated, inst)
}

func (h *handlers) getInstance(w http.ResponseWriter, r *http.Request) {
	detail, err := h.engine.GetInstance(r.Context(), chi.URLParam(r, "instanceId"))
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, detail)
}

func (h *handlers) cancelInstance(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var body struct {
		Reason string `json:"reason"`
	}
	if err := decodeJSON(r, &body, true); err != nil {
		WriteError(w, err)
		return
	}

	inst, err := h.engine.CancelInstance(r.Context(), chi.URLParam(r, "instanceId"), rctx.Actor(), body.Reason)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

// listPending returns the caller's inbox, or the inbox of ?approver= (a role
// or user id). Other people's inboxes need the admin role.
func (h *handlers) listPending(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())
	approver := r.URL.Query().Get("approver")

	var (
		items []model.PendingApproval
		err   error
	)
	switch {
	case approver == "":
		items, err = h.engine.ListPendingForActor(r.Context(), rctx.Actor())
	case approver == rctx.SubjectID || rctx.HasRole(approver) || rctx.HasRole(h.adminRole):
		items, err = h.engine.ListPendingForApprover(r.Context(), approver)
	default:
		WriteForbidden(w, "cannot list another approver's pending steps")
		return
	}
	if err != nil {
		WriteError(w, err)
		return
	}
	if items == nil {
		items = []model.PendingApproval{}
	}
	WriteJSON(w, http.StatusOK, map[string]any{"items": items})
}

func (h *handlers) decideStep(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var body struct {
		Action   model.Action `json:"action"`
		Comments string       `json:"comments"`
	}
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}

	inst, err := h.engine.DecideStep(r.Context(), chi.URLParam(r, "executionId"), body.Action, rctx.Actor(), body.Comments)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, inst)
}

func (h *handlers) delegateStep(w http.ResponseWriter, r *http.Request) {
	rctx := model.MustRequestContext(r.Context())

	var body model.DelegateRequest
	if err := decodeJSON(r, &body, false); err != nil {
		WriteError(w, err)
		return
	}

	exec, err := h.engine.DelegateStep(r.Context(), chi.URLParam(r, "executionId"), rctx.Actor(), body)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, exec)
}

func (h *handlers) sweep(w http.ResponseWriter, r *http.Request) {
	result, err := h.engine.SweepOverdue(r.Context(), h.engine.Now())
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

func (h *handlers) reconcile(w http.ResponseWriter, r *http.Request) {
	limit := queryInt(r, "limit", h.reconcileBatch)
	if limit <= 0 {
		limit = 100
	}
	result, err := h.engine.ReconcileEntityStatus(r.Context(), limit)
	if err != nil {
		WriteError(w, err)
		return
	}
	WriteJSON(w, http.StatusOK, result)
}

// queryInt reads an integer query parameter, falling back to def when it is
// missing or malformed.
func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
