package ingest

import (
	"math"
	"strings"
	"testing"

	"github.com/wisbric/brandowl/pkg/vector"
)

func TestEmbedTextDeterministic(t *testing.T) {
	a := embedText("acme brand guidelines blue palette")
	b := embedText("acme brand guidelines blue palette")
	for i := range a {
		if a[i] != b[i] {
			t.Fatal("embedding is not deterministic")
		}
	}
}

func TestEmbedTextDimensionAndNorm(t *testing.T) {
	vec := embedText("some brand evidence text")
	if len(vec) != vector.Dimension {
		t.Fatalf("dimension = %d, want %d", len(vec), vector.Dimension)
	}

	var norm float64
	for _, x := range vec {
		norm += float64(x) * float64(x)
	}
	if math.Abs(math.Sqrt(norm)-1.0) > 1e-5 {
		t.Errorf("L2 norm = %v, want 1", math.Sqrt(norm))
	}
}

func TestEmbedTextEmptyInput(t *testing.T) {
	vec := embedText("   ")
	if len(vec) != vector.Dimension {
		t.Fatalf("dimension = %d, want %d", len(vec), vector.Dimension)
	}
	for _, x := range vec {
		if x != 0 {
			t.Fatal("empty text should embed to the zero vector")
		}
	}
}

func TestEmbedTextDistinguishesTexts(t *testing.T) {
	a := embedText("minimal monochrome design")
	b := embedText("vibrant gradient posters")
	same := true
	for i := range a {
		if a[i] != b[i] {
			same = false
			break
		}
	}
	if same {
		t.Error("different texts should not produce identical embeddings")
	}
}

func TestParseText(t *testing.T) {
	p := &Pipeline{}

	if got := p.parseText([]byte("hello brand"), "text/plain", "x"); got != "hello brand" {
		t.Errorf("text content should pass through, got %q", got)
	}

	got := p.parseText([]byte{0x89, 0x50}, "image/png", "org/o/public/p1/logo-dark_v2.png")
	for _, want := range []string{"image/png", "logo dark v2"} {
		if !strings.Contains(got, want) {
			t.Errorf("binary description %q missing %q", got, want)
		}
	}
}
