package render

import (
	"strings"
	"testing"

	"github.com/wisbric/brandowl/internal/apperr"
	"github.com/wisbric/brandowl/pkg/canon"
)

func validRequest() Request {
	return Request{
		ProjectID: "p1",
		Prompts: Prompts{
			Task:        "create",
			Instruction: "Create a modern banner for a tech startup with blue color scheme",
		},
		Outputs: Outputs{Count: 1, Format: "png", Dimensions: "512x512"},
	}
}

func TestParseDimensions(t *testing.T) {
	tests := []struct {
		in      string
		w, h    int
		wantErr bool
	}{
		{"512x512", 512, 512, false},
		{"1024X768", 1024, 768, false},
		{"63x512", 0, 0, true},
		{"512x63", 0, 0, true},
		{"5000x5000", 0, 0, true}, // 25 Mpx
		{"banner", 0, 0, true},
		{"512", 0, 0, true},
		{"512xabc", 0, 0, true},
	}
	for _, tt := range tests {
		w, h, err := ParseDimensions(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseDimensions(%q) err = %v, wantErr = %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && (w != tt.w || h != tt.h) {
			t.Errorf("ParseDimensions(%q) = %dx%d, want %dx%d", tt.in, w, h, tt.w, tt.h)
		}
	}
}

func TestSanitizeAcceptsValidRequest(t *testing.T) {
	req := validRequest()
	if err := req.Sanitize(nil); err != nil {
		t.Errorf("valid request rejected: %v", err)
	}
}

func TestSanitizeBannedTerm(t *testing.T) {
	req := validRequest()
	req.Prompts.Instruction = "Create a poster glorifying violence in the streets"
	err := req.Sanitize(nil)
	if !apperr.Is(err, apperr.KindContentPolicy) {
		t.Errorf("err = %v, want ContentPolicyViolation", err)
	}
}

func TestSanitizeRejectsNonHTTPSReferences(t *testing.T) {
	req := validRequest()
	req.Prompts.References = []string{"http://example.com/logo.png"}
	if err := req.Sanitize(nil); !apperr.Is(err, apperr.KindContentPolicy) {
		t.Errorf("err = %v, want ContentPolicyViolation for http reference", err)
	}

	req.Prompts.References = []string{"ftp://example.com/logo.png"}
	if err := req.Sanitize(nil); !apperr.Is(err, apperr.KindContentPolicy) {
		t.Errorf("err = %v, want ContentPolicyViolation for ftp reference", err)
	}
}

func TestSanitizeReferenceAllowlist(t *testing.T) {
	allow := func(host string) bool { return host == "cdn.example.com" }

	req := validRequest()
	req.Prompts.References = []string{"https://cdn.example.com/logo.png"}
	if err := req.Sanitize(allow); err != nil {
		t.Errorf("allowlisted host rejected: %v", err)
	}

	req.Prompts.References = []string{"https://evil.example.net/logo.png"}
	if err := req.Sanitize(allow); !apperr.Is(err, apperr.KindContentPolicy) {
		t.Errorf("err = %v, want ContentPolicyViolation for non-allowlisted host", err)
	}
}

func TestSanitizeProjectIDShape(t *testing.T) {
	req := validRequest()
	req.ProjectID = "p1/../../etc"
	if err := req.Sanitize(nil); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("err = %v, want Validation for path-like project id", err)
	}

	req.ProjectID = strings.Repeat("a", 65)
	if err := req.Sanitize(nil); !apperr.Is(err, apperr.KindValidation) {
		t.Errorf("err = %v, want Validation for overlong project id", err)
	}
}

func TestConstraintsFlowThroughEnforcement(t *testing.T) {
	req := validRequest()
	req.Constraints = canon.Constraints{PaletteHex: []string{"#112233"}}
	if err := req.Sanitize(nil); err != nil {
		t.Errorf("request with constraints rejected: %v", err)
	}
}
