package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/pitabwire/passage/model"
)

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, model.NewNotFoundError("workflow instance not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}

	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	json.NewDecoder(w.Body).Decode(&resp)
	if resp.Error.Code != "NOT_FOUND" {
		t.Errorf("code = %q, want NOT_FOUND", resp.Error.Code)
	}
}

func TestWriteError_nonEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("something went wrong"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500 for non-envelope error", w.Code)
	}
}

func TestWriteForbidden(t *testing.T) {
	w := httptest.NewRecorder()
	WriteForbidden(w, "access denied")
	if w.Code != 403 {
		t.Errorf("status = %d, want 403", w.Code)
	}
}

func TestWriteError_wrappedEnvelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, fmt.Errorf("deciding: %w", model.NewConflictError("already decided")))
	if w.Code != 409 {
		t.Errorf("status = %d, want 409 for a wrapped conflict", w.Code)
	}
}

func TestDecodeJSON(t *testing.T) {
	var body struct {
		Reason string `json:"reason"`
	}
	r := httptest.NewRequest("POST", "/", strings.NewReader(""))
	if err := decodeJSON(r, &body, true); err != nil {
		t.Errorf("optional empty body error = %v", err)
	}
	r = httptest.NewRequest("POST", "/", strings.NewReader(""))
	if err := decodeJSON(r, &body, false); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("required empty body error = %v, want BAD_REQUEST", err)
	}
	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"reason":`))
	if err := decodeJSON(r, &body, true); !model.IsCode(err, model.ErrBadRequest) {
		t.Errorf("malformed body error = %v, want BAD_REQUEST", err)
	}
	r = httptest.NewRequest("POST", "/", strings.NewReader(`{"reason":"trip moved"}`))
	if err := decodeJSON(r, &body, false); err != nil || body.Reason != "trip moved" {
		t.Errorf("decodeJSON() = %q, %v", body.Reason, err)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrValidationError, 422},
		{model.ErrConfiguration, 422},
		{model.ErrInstanceNotActive, 409},
		{model.ErrNotAssigned, 403},
		{model.ErrDelegationDenied, 403},
		{model.ErrInternalError, 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}
