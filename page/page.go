// Package page converts complete rendered documents. Target pages are turned
// into AMP documents, all other pages could get a link to their AMP twin.
package page

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"github.com/gobwas/glob"
	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"ampc/amp"
	"ampc/config"
	"ampc/css"
)

// Outcome tells what was done to a page.
type Outcome int

const (
	// Untouched pages are written as they were.
	Untouched Outcome = iota
	// Linked pages got amphtml link to their AMP twin.
	Linked
	// Target pages were converted to AMP.
	Target
)

func (o Outcome) String() string {
	switch o {
	case Untouched:
		return "untouched"
	case Linked:
		return "linked"
	case Target:
		return "target"
	}
	return "unknown"
}

// Result describes a single page conversion.
type Result struct {
	Outcome Outcome
	// Declarations are custom elements declared in the head of target page,
	// runtime builtins included.
	Declarations []amp.Declaration
	// Conflicts holds non fatal version conflicts.
	Conflicts error
	// Document is the rewritten tree.
	Document *html.Node
}

// Converter holds site wide settings, it is safe for concurrent use.
type Converter struct {
	site      *config.SiteConfig
	transform *config.TransformConfig
	excluded  []glob.Glob
	included  []glob.Glob
	styles    *css.Aggregator
	log       *zap.Logger
}

// NewConverter validates path globs and prepares converter.
func NewConverter(cfg *config.Config, log *zap.Logger) (*Converter, error) {
	if log == nil {
		log = zap.NewNop()
	}
	excluded, err := compileGlobs(cfg.Site.ExcludedPaths)
	if err != nil {
		return nil, fmt.Errorf("bad excluded_paths: %w", err)
	}
	included, err := compileGlobs(cfg.Site.IncludedPaths)
	if err != nil {
		return nil, fmt.Errorf("bad included_paths: %w", err)
	}
	return &Converter{
		site:      &cfg.Site,
		transform: &cfg.Transform,
		excluded:  excluded,
		included:  included,
		styles:    css.NewAggregator(log),
		log:       log,
	}, nil
}

func compileGlobs(patterns []string) ([]glob.Glob, error) {
	out := make([]glob.Glob, 0, len(patterns))
	for _, p := range patterns {
		g, err := glob.Compile(p, '/')
		if err != nil {
			return nil, fmt.Errorf("unable to compile %q: %w", p, err)
		}
		out = append(out, g)
	}
	return out, nil
}

// IsTarget reports whether pathname designates AMP page.
func (c *Converter) IsTarget(pathname string) bool {
	return c.site.PathIdentifier != "" && strings.Contains(pathname, c.site.PathIdentifier)
}

// IsLinked reports whether non target page should reference its AMP twin.
func (c *Converter) IsLinked(pathname string) bool {
	for _, g := range c.excluded {
		if g.Match(pathname) {
			return false
		}
	}
	if len(c.included) == 0 {
		return true
	}
	for _, g := range c.included {
		if g.Match(pathname) {
			return true
		}
	}
	return false
}

// Convert reads document, rewrites it according to its pathname and writes
// result to out. Images of target pages are measured using dims, which could
// be nil.
func (c *Converter) Convert(ctx context.Context, in io.Reader, out io.Writer, pathname string, dims amp.DimensionSource) (*Result, error) {
	log := c.log.With(zap.String("pathname", pathname), zap.String("pass", uuid.NewString()))

	doc, err := goquery.NewDocumentFromReader(in)
	if err != nil {
		return nil, fmt.Errorf("unable to parse page %s: %w", pathname, err)
	}
	head, body := doc.Find("head").Get(0), doc.Find("body").Get(0)
	if head == nil || body == nil {
		return nil, fmt.Errorf("page %s has no head or body", pathname)
	}

	res := &Result{Outcome: Untouched, Document: doc.Get(0)}
	switch {
	case c.IsTarget(pathname):
		res.Outcome = Target
		if err := c.amplify(ctx, doc, head, body, pathname, dims, res, log); err != nil {
			return nil, err
		}
	case c.IsLinked(pathname):
		res.Outcome = Linked
		link := element("link", "rel", "amphtml", "href", c.link(c.site.RelAmpHTMLPattern, pathname))
		head.InsertBefore(link, head.FirstChild)
	}

	if err := html.Render(out, doc.Get(0)); err != nil {
		return nil, fmt.Errorf("unable to render page %s: %w", pathname, err)
	}
	log.Debug("Page converted", zap.Stringer("outcome", res.Outcome), zap.Int("declarations", len(res.Declarations)))
	return res, nil
}

func (c *Converter) amplify(ctx context.Context, doc *goquery.Document, head, body *html.Node, pathname string, dims amp.DimensionSource, res *Result, log *zap.Logger) error {
	doc.Find("html").SetAttr("amp", "")

	engine := amp.NewEngine(c.transform, dims, log)
	decls, conflicts := engine.Rewrite(ctx, body)

	if a := c.site.Analytics; a != nil {
		el, err := analytics(a, pathname)
		if err != nil {
			return fmt.Errorf("unable to prepare analytics for %s: %w", pathname, err)
		}
		body.InsertBefore(el, body.FirstChild)
	}

	res.Declarations, res.Conflicts = c.assembleHead(head, decls, conflicts, pathname)
	if res.Conflicts != nil {
		log.Warn("Custom elements declared with different versions", zap.Error(res.Conflicts))
	}
	return nil
}

// element creates detached element, attributes are given as key-value pairs.
func element(tag string, kv ...string) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	for i := 0; i+1 < len(kv); i += 2 {
		n.Attr = append(n.Attr, html.Attribute{Key: kv[i], Val: kv[i+1]})
	}
	return n
}
