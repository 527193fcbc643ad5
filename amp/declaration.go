package amp

import (
	"errors"
	"fmt"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/net/html"
)

// ErrVersionConflict is reported when the same custom element is declared
// with different versions. First registered version is kept.
var ErrVersionConflict = errors.New("custom element declared with different versions")

// Declaration is a custom element which script has to be loaded in the head
// of the rewritten document. Name is its identity.
type Declaration struct {
	Name    string
	Version string
}

func (d Declaration) String() string {
	return d.Name + "-" + d.Version
}

// Script describes async script tag loading custom element implementation.
type Script struct {
	TagName   string
	Version   string
	ScriptURL string
}

// Script returns descriptor with URL following "<cdn-root>/<name>-<version>.js".
func (d Declaration) Script(cdnRoot string) Script {
	return Script{
		TagName:   d.Name,
		Version:   d.Version,
		ScriptURL: strings.TrimSuffix(cdnRoot, "/") + "/" + d.Name + "-" + d.Version + ".js",
	}
}

// Node renders descriptor as detached script element.
func (s Script) Node() *html.Node {
	return newElement("script",
		html.Attribute{Key: "async"},
		html.Attribute{Key: "custom-element", Val: s.TagName},
		html.Attribute{Key: "src", Val: s.ScriptURL},
	)
}

// Registry collects declarations deduplicated by name, keeping order of the
// first registration. Not safe for concurrent use.
type Registry struct {
	order []Declaration
	index map[string]int
}

func NewRegistry() *Registry {
	return &Registry{index: make(map[string]int)}
}

// Register adds declaration unless one with the same name is already known.
// Divergent version for known name returns error wrapping ErrVersionConflict.
func (r *Registry) Register(d Declaration) error {
	if i, ok := r.index[d.Name]; ok {
		if have := r.order[i]; have.Version != d.Version {
			return fmt.Errorf("%w: %s requested as %q, keeping %q", ErrVersionConflict, d.Name, d.Version, have.Version)
		}
		return nil
	}
	r.index[d.Name] = len(r.order)
	r.order = append(r.order, d)
	return nil
}

// RegisterAll registers every declaration, accumulating conflicts.
func (r *Registry) RegisterAll(decls ...Declaration) (err error) {
	for _, d := range decls {
		err = multierr.Append(err, r.Register(d))
	}
	return err
}

func (r *Registry) Len() int {
	return len(r.order)
}

// Drain returns collected declarations in first registration order and
// resets the registry.
func (r *Registry) Drain() []Declaration {
	out := r.order
	r.order, r.index = nil, make(map[string]int)
	return out
}
