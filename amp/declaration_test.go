package amp

import (
	"errors"
	"strings"
	"testing"

	"go.uber.org/multierr"
	"golang.org/x/net/html"
)

func TestRegistry_Deduplicates(t *testing.T) {
	r := NewRegistry()
	for range 3 {
		if err := r.Register(Declaration{Name: ElementYouTube, Version: "0.1"}); err != nil {
			t.Fatalf("Register() error = %v", err)
		}
	}
	if err := r.Register(Declaration{Name: ElementAnimation, Version: "0.1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}
	if err := r.Register(Declaration{Name: ElementYouTube, Version: "0.1"}); err != nil {
		t.Fatalf("Register() error = %v", err)
	}

	got := r.Drain()
	want := []Declaration{{Name: ElementYouTube, Version: "0.1"}, {Name: ElementAnimation, Version: "0.1"}}
	if len(got) != len(want) {
		t.Fatalf("Drain() = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("Drain()[%d] = %v, want %v", i, got[i], want[i])
		}
	}
}

func TestRegistry_DrainResets(t *testing.T) {
	r := NewRegistry()
	r.Register(Declaration{Name: ElementIFrame, Version: "0.1"})
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
	r.Drain()
	if r.Len() != 0 {
		t.Errorf("Len() after Drain() = %d, want 0", r.Len())
	}
	if got := r.Drain(); len(got) != 0 {
		t.Errorf("second Drain() = %v, want empty", got)
	}
	// same name is accepted again with any version
	if err := r.Register(Declaration{Name: ElementIFrame, Version: "0.2"}); err != nil {
		t.Errorf("Register() after Drain() error = %v", err)
	}
}

func TestRegistry_VersionConflict(t *testing.T) {
	r := NewRegistry()
	r.Register(Declaration{Name: "amp-form", Version: "0.1"})

	err := r.Register(Declaration{Name: "amp-form", Version: "0.2"})
	if !errors.Is(err, ErrVersionConflict) {
		t.Fatalf("Register() error = %v, want ErrVersionConflict", err)
	}
	got := r.Drain()
	if len(got) != 1 || got[0].Version != "0.1" {
		t.Errorf("Drain() = %v, first version must win", got)
	}
}

func TestRegistry_RegisterAll(t *testing.T) {
	r := NewRegistry()
	err := r.RegisterAll(
		Declaration{Name: "amp-form", Version: "0.1"},
		Declaration{Name: "amp-bind", Version: "0.1"},
		Declaration{Name: "amp-form", Version: "0.2"},
		Declaration{Name: "amp-bind", Version: "0.3"},
	)
	if errs := multierr.Errors(err); len(errs) != 2 {
		t.Errorf("RegisterAll() errors = %v, want 2 conflicts", errs)
	}
	if r.Len() != 2 {
		t.Errorf("Len() = %d, want 2", r.Len())
	}
}

func TestDeclaration_Script(t *testing.T) {
	tests := []struct {
		root string
		want string
	}{
		{"https://cdn.ampproject.org/v0", "https://cdn.ampproject.org/v0/amp-anim-0.1.js"},
		{"https://cdn.ampproject.org/v0/", "https://cdn.ampproject.org/v0/amp-anim-0.1.js"},
		{"/local/amp", "/local/amp/amp-anim-0.1.js"},
	}
	for _, tt := range tests {
		t.Run(tt.root, func(t *testing.T) {
			s := Declaration{Name: ElementAnimation, Version: "0.1"}.Script(tt.root)
			if s.ScriptURL != tt.want {
				t.Errorf("ScriptURL = %q, want %q", s.ScriptURL, tt.want)
			}
			if s.TagName != ElementAnimation || s.Version != "0.1" {
				t.Errorf("Script() = %+v", s)
			}
		})
	}
}

func TestScript_Node(t *testing.T) {
	s := Declaration{Name: ElementYouTube, Version: "0.1"}.Script("https://cdn.ampproject.org/v0")

	var sb strings.Builder
	if err := html.Render(&sb, s.Node()); err != nil {
		t.Fatalf("Render() error = %v", err)
	}
	want := `<script async="" custom-element="amp-youtube" src="https://cdn.ampproject.org/v0/amp-youtube-0.1.js"></script>`
	if sb.String() != want {
		t.Errorf("rendered %q, want %q", sb.String(), want)
	}
}
