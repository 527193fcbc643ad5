package amp

import (
	"slices"
	"strings"

	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

// Target elements produced by the rules.
const (
	ElementImage     = "amp-img"
	ElementAnimation = "amp-anim"
	ElementIFrame    = "amp-iframe"
	ElementYouTube   = "amp-youtube"
	ElementTwitter   = "amp-twitter"
	ElementInstagram = "amp-instagram"
	ElementAnalytics = "amp-analytics"
)

// Kind identifies rule variant. Rules are evaluated in the order of their
// kinds and predicates of different kinds never match the same element.
type Kind int

const (
	KindScript Kind = iota
	KindEmbed
	KindFrame
	KindImage
	KindBackground
)

func (k Kind) String() string {
	switch k {
	case KindScript:
		return "script"
	case KindEmbed:
		return "embed"
	case KindFrame:
		return "frame"
	case KindImage:
		return "image"
	case KindBackground:
		return "background"
	}
	return "unknown"
}

// Replacement is the outcome of applying a rule. Nil Node removes the
// element, Node equal to the matched element means it was changed in place.
type Replacement struct {
	Node         *html.Node
	Declarations []Declaration
}

// Rule is a predicate over element and transformation producing replacement.
type Rule struct {
	Kind  Kind
	Match func(n *html.Node) bool
	Apply func(p *pass, n *html.Node) Replacement
}

// Embed describes social post markup recognized by marker class.
type Embed struct {
	Class   string
	Element string
	// IDAttr receives trailing path segment of the last link in the post.
	IDAttr string
}

var embeds = []Embed{
	{Class: "twitter-tweet", Element: ElementTwitter, IDAttr: "data-tweetid"},
	{Class: "instagram-media", Element: ElementInstagram, IDAttr: "data-shortcode"},
}

// tags handled by dedicated rules, other rules must not match them
var dedicated = []atom.Atom{atom.Script, atom.Iframe, atom.Img}

func isElement(n *html.Node, a atom.Atom) bool {
	return n.Type == html.ElementNode && n.DataAtom == a
}

func isDedicated(n *html.Node) bool {
	return slices.Contains(dedicated, n.DataAtom)
}

func embedFor(n *html.Node) (Embed, bool) {
	if n.Type != html.ElementNode || isDedicated(n) || hasAttr(n, "placeholder") {
		return Embed{}, false
	}
	for _, e := range embeds {
		if hasClass(n, e.Class) {
			return e, true
		}
	}
	return Embed{}, false
}

func newRules(blurUpClass string) []Rule {
	return []Rule{
		{
			Kind:  KindScript,
			Match: func(n *html.Node) bool { return isElement(n, atom.Script) },
			Apply: (*pass).script,
		},
		{
			Kind: KindEmbed,
			Match: func(n *html.Node) bool {
				_, ok := embedFor(n)
				return ok
			},
			Apply: (*pass).embed,
		},
		{
			Kind:  KindFrame,
			Match: func(n *html.Node) bool { return isElement(n, atom.Iframe) },
			Apply: (*pass).frame,
		},
		{
			Kind:  KindImage,
			Match: func(n *html.Node) bool { return isElement(n, atom.Img) },
			Apply: (*pass).image,
		},
		{
			Kind: KindBackground,
			Match: func(n *html.Node) bool {
				if n.Type != html.ElementNode || isDedicated(n) || !hasClass(n, blurUpClass) {
					return false
				}
				_, embed := embedFor(n)
				return !embed
			},
			Apply: (*pass).background,
		},
	}
}

// script drops everything except structured data.
func (p *pass) script(n *html.Node) Replacement {
	typ, _, _ := strings.Cut(attrValue(n, "type"), ";")
	typ = strings.ToLower(strings.TrimSpace(typ))
	if typ != "" && slices.Contains(p.structured, typ) {
		return Replacement{Node: n}
	}
	return Replacement{}
}

// background removes blur-up placeholder image from inline style.
func (p *pass) background(n *html.Node) Replacement {
	style, ok := getAttr(n, "style")
	if !ok {
		return Replacement{Node: n}
	}
	style = p.stripStyle(style, "background-image")
	if strings.TrimSpace(style) == "" {
		removeAttr(n, "style")
	} else {
		setAttr(n, "style", style)
	}
	return Replacement{Node: n}
}
