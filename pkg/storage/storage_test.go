package storage

import (
	"regexp"
	"strings"
	"testing"
)

func TestKeyLayout(t *testing.T) {
	uuidRe := `[0-9a-f-]{36}`

	tests := []struct {
		name string
		key  string
		re   string
	}{
		{"quarantine", QuarantineKey("acme", "p1", "logo.png"), `^org/acme/quarantine/p1/` + uuidRe + `_logo\.png$`},
		{"public", PublicKey("acme", "p1", "png"), `^org/acme/public/p1/` + uuidRe + `\.png$`},
		{"render", RenderKey("acme", "p1", "webp"), `^org/acme/renders/p1/` + uuidRe + `\.webp$`},
		{"preview", PreviewKey("acme", "p1", "jpg"), `^org/acme/previews/p1/` + uuidRe + `\.jpg$`},
	}
	for _, tt := range tests {
		if !regexp.MustCompile(tt.re).MatchString(tt.key) {
			t.Errorf("%s key %q does not match %s", tt.name, tt.key, tt.re)
		}
	}
}

func TestPublicAlias(t *testing.T) {
	tests := map[string]string{
		"org/acme/renders/p1/abc.png":       "public/p1/abc.png",
		"org/acme/previews/p1/abc.jpg":      "public/p1/abc.jpg",
		"org/acme/public/p1/abc_logo.png":   "public/p1/abc_logo.png",
		"org/acme/renders/p1":               "",
		"quarantine/threats/deadbeef":       "",
		"renders/p1/abc.png":                "",
	}
	for in, want := range tests {
		if got := PublicAlias(in); got != want {
			t.Errorf("PublicAlias(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPromotedKey(t *testing.T) {
	in := "org/acme/quarantine/p1/abc_logo.png"
	out, err := PromotedKey(in)
	if err != nil {
		t.Fatal(err)
	}
	want := "org/acme/public/p1/abc_logo.png"
	if out != want {
		t.Errorf("PromotedKey = %q, want %q", out, want)
	}

	if _, err := PromotedKey("org/acme/public/p1/abc.png"); err == nil {
		t.Error("non-quarantine keys must not promote")
	}
}

func TestSanitizeFilename(t *testing.T) {
	tests := map[string]string{
		"logo.png":             "logo.png",
		"../../etc/passwd":     "passwd",
		"..\\..\\boot.ini":     "boot.ini",
		"weird name (1).png":   "weird_name__1_.png",
		"":                     "file",
	}
	for in, want := range tests {
		if got := sanitizeFilename(in); got != want {
			t.Errorf("sanitizeFilename(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestContentTypeForFormat(t *testing.T) {
	tests := map[string]string{
		"png":  "image/png",
		"jpg":  "image/jpeg",
		"jpeg": "image/jpeg",
		"webp": "image/webp",
		"GIF":  "image/gif",
		"":     "image/png",
	}
	for in, want := range tests {
		if got := ContentTypeForFormat(in); got != want {
			t.Errorf("ContentTypeForFormat(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestQuarantineKeysStayUnderOrgPrefix(t *testing.T) {
	key := QuarantineKey("acme", "p1", "../../../escape.png")
	if strings.Contains(key, "..") {
		t.Errorf("key %q contains path traversal", key)
	}
	if !strings.HasPrefix(key, "org/acme/quarantine/p1/") {
		t.Errorf("key %q escaped the org prefix", key)
	}
}
