package httpserver

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

type samplePayload struct {
	Name  string `json:"name" validate:"required,max=10"`
	Count int    `json:"count" validate:"min=1,max=6"`
}

func TestDecodeRejectsUnknownFields(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name": "x", "count": 1, "bogus": true}`))
	var p samplePayload
	if err := Decode(r, &p); err == nil {
		t.Error("unknown fields should be rejected")
	}
}

func TestDecodeRejectsEmptyBody(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(""))
	var p samplePayload
	if err := Decode(r, &p); err == nil {
		t.Error("empty body should be rejected")
	}
}

func TestDecodeRejectsTrailingData(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name": "x"}{"name": "y"}`))
	var p samplePayload
	if err := Decode(r, &p); err == nil {
		t.Error("trailing JSON should be rejected")
	}
}

func TestValidateFieldErrors(t *testing.T) {
	errs := Validate(&samplePayload{Name: "", Count: 9})
	if len(errs) != 2 {
		t.Fatalf("got %d errors, want 2: %v", len(errs), errs)
	}
	fields := map[string]bool{}
	for _, e := range errs {
		fields[e.Field] = true
	}
	if !fields["name"] || !fields["count"] {
		t.Errorf("field names = %v, want name and count", fields)
	}
}

func TestToSnakeCase(t *testing.T) {
	tests := map[string]string{
		"ProjectID":            "project_i_d",
		"Name":                 "name",
		"Prompts.Instruction":  "prompts.instruction",
	}
	for in, want := range tests {
		if got := toSnakeCase(in); got != want {
			t.Errorf("toSnakeCase(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestDecodeAndValidateWritesResponse(t *testing.T) {
	r := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(`{"name": "toolongvalue11", "count": 1}`))
	w := httptest.NewRecorder()

	var p samplePayload
	if DecodeAndValidate(w, r, &p) {
		t.Fatal("invalid payload should fail")
	}
	if w.Code != http.StatusUnprocessableEntity {
		t.Errorf("status = %d, want 422", w.Code)
	}
	if !strings.Contains(w.Body.String(), "validation_error") {
		t.Errorf("body = %s", w.Body.String())
	}
}
