// Package amp rewrites rendered pages into AMP markup: disallowed tags are
// replaced by sanitized custom elements and the custom element scripts they
// need are collected for the document head.
package amp

import (
	"context"
	"fmt"
	"runtime/debug"
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"go.uber.org/multierr"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"ampc/config"
	"ampc/css"
)

// DimensionSource answers with intrinsic image size, blocking until it is
// known. ok is false when size could not be determined.
type DimensionSource interface {
	Lookup(ctx context.Context, ref string) (width, height int, ok bool)
}

// Prefetcher is implemented by dimension sources able to start resolving
// references before they are looked up.
type Prefetcher interface {
	Prefetch(ctx context.Context, refs ...string)
}

// Engine applies rules to documents. It keeps no per-document state and could
// be shared, every call works on its own tree and registry.
type Engine struct {
	cfg   *config.TransformConfig
	rules []Rule
	dims  DimensionSource
	log   *zap.Logger
}

// NewEngine creates engine, dims could be nil in which case images get
// dimensions only from their attributes and defaults.
func NewEngine(cfg *config.TransformConfig, dims DimensionSource, log *zap.Logger) *Engine {
	if log == nil {
		log = zap.NewNop()
	}
	return &Engine{
		cfg:   cfg,
		rules: newRules(cfg.BlurUpClass),
		dims:  dims,
		log:   log.Named("amp"),
	}
}

// Result of transforming body markup.
type Result struct {
	Body         string
	Declarations []Declaration
	// Conflicts accumulates ErrVersionConflict for declarations with
	// divergent versions, it never aborts transformation.
	Conflicts error
}

// Transform rewrites body markup. Error is returned only when markup cannot
// be parsed or serialized.
func (e *Engine) Transform(ctx context.Context, body string) (*Result, error) {
	root := &html.Node{Type: html.ElementNode, Data: "body", DataAtom: atom.Body}
	nodes, err := html.ParseFragmentWithOptions(strings.NewReader(body), root, html.ParseOptionEnableScripting(false))
	if err != nil {
		return nil, fmt.Errorf("unable to parse body markup: %w", err)
	}
	for _, n := range nodes {
		root.AppendChild(n)
	}

	decls, conflicts := e.Rewrite(ctx, root)

	var sb strings.Builder
	for c := root.FirstChild; c != nil; c = c.NextSibling {
		if err := html.Render(&sb, c); err != nil {
			return nil, fmt.Errorf("unable to render body markup: %w", err)
		}
	}
	return &Result{Body: sb.String(), Declarations: decls, Conflicts: conflicts}, nil
}

// Rewrite walks subtree under root in place and returns collected
// declarations in order of their first appearance.
func (e *Engine) Rewrite(ctx context.Context, root *html.Node) ([]Declaration, error) {
	p := e.newPass(ctx)

	if pf, ok := e.dims.(Prefetcher); ok {
		var refs []string
		goquery.NewDocumentFromNode(root).Find("img[src]").Each(func(_ int, s *goquery.Selection) {
			refs = append(refs, s.AttrOr("src", ""))
		})
		if len(refs) > 0 {
			pf.Prefetch(ctx, refs...)
		}
	}

	p.walk(root)

	p.log.Debug("Rewrite completed", zap.Int("replaced", p.replaced), zap.Int("removed", p.removed), zap.Int("declarations", p.registry.Len()))
	return p.registry.Drain(), p.conflicts
}

// pass holds state of a single document walk.
type pass struct {
	ctx         context.Context
	cfg         *config.TransformConfig
	rules       []Rule
	dims        DimensionSource
	log         *zap.Logger
	registry    *Registry
	conflicts   error
	animatedExt []string
	structured  []string

	replaced, removed int
}

func (e *Engine) newPass(ctx context.Context) *pass {
	p := &pass{
		ctx:      ctx,
		cfg:      e.cfg,
		rules:    e.rules,
		dims:     e.dims,
		log:      e.log,
		registry: NewRegistry(),
	}
	for _, ext := range e.cfg.AnimatedExtensions {
		p.animatedExt = append(p.animatedExt, strings.ToLower(ext))
	}
	for _, t := range e.cfg.StructuredDataTypes {
		p.structured = append(p.structured, strings.ToLower(t))
	}
	return p
}

func (p *pass) match(n *html.Node) (Rule, bool) {
	for _, r := range p.rules {
		if r.Match(n) {
			return r, true
		}
	}
	return Rule{}, false
}

// walk visits children of parent in document order replacing matched
// elements. Children of replacement are walked as well, replacement itself
// is not.
func (p *pass) walk(parent *html.Node) {
	for c := parent.FirstChild; c != nil; {
		next := c.NextSibling
		if c.Type != html.ElementNode {
			c = next
			continue
		}

		rule, ok := p.match(c)
		if !ok {
			p.walk(c)
			c = next
			continue
		}

		rep := p.apply(rule, c)
		for _, d := range rep.Declarations {
			p.conflicts = multierr.Append(p.conflicts, p.registry.Register(d))
		}

		switch rep.Node {
		case nil:
			parent.RemoveChild(c)
			p.removed++
		case c:
			p.walk(c)
		default:
			parent.InsertBefore(rep.Node, c)
			parent.RemoveChild(c)
			p.replaced++
			p.walk(rep.Node)
		}
		c = next
	}
}

// apply contains rule failures: element which rule panics on is left as is.
func (p *pass) apply(rule Rule, n *html.Node) (rep Replacement) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("Rule failed, element left unchanged",
				zap.Stringer("rule", rule.Kind), zap.String("tag", n.Data), zap.Any("panic", r), zap.ByteString("stack", debug.Stack()))
			rep = Replacement{Node: n}
		}
	}()
	rep = rule.Apply(p, n)
	if rep.Node != nil && rep.Node != n {
		p.log.Debug("Element replaced", zap.Stringer("rule", rule.Kind), zap.String("from", n.Data), zap.String("to", rep.Node.Data))
	}
	return rep
}

func (p *pass) declare(name string) Declaration {
	return Declaration{Name: name, Version: p.cfg.DefaultVersion}
}

// applyDefaults adds width, height and layout configured for the element
// kind, only those which are absent.
func (p *pass) applyDefaults(el *html.Node, kind string) {
	d, ok := p.cfg.DefaultsFor(kind)
	if !ok {
		return
	}
	if d.Width > 0 && !hasAttr(el, "width") {
		setAttr(el, "width", strconv.Itoa(d.Width))
	}
	if d.Height > 0 && !hasAttr(el, "height") {
		setAttr(el, "height", strconv.Itoa(d.Height))
	}
	if d.Layout != "" && !hasAttr(el, "layout") {
		setAttr(el, "layout", d.Layout)
	}
}

func (p *pass) stripStyle(style string, props ...string) string {
	out, err := css.StripProperties(style, props...)
	if err != nil {
		p.log.Warn("Unable to parse inline style, keeping it", zap.String("style", style), zap.Error(err))
		return style
	}
	return out
}
