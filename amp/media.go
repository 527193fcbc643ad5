package amp

import (
	"math"
	"net/url"
	"path"
	"regexp"
	"strconv"
	"strings"

	"go.uber.org/zap"
	"golang.org/x/net/html"
)

var youTubeEmbed = regexp.MustCompile(`^(?:https?:)?//(?:www\.)?youtube(?:-nocookie)?\.com/embed/([^/?#]+)`)

// attributes amp-youtube manages itself
var youTubeForbidden = []string{
	"src", "srcdoc", "frameborder", "allow", "allowfullscreen", "allowtransparency",
	"scrolling", "sandbox", "referrerpolicy", "loading",
}

const (
	defaultSandbox    = "allow-scripts allow-same-origin"
	youTubeThumbnails = "https://i.ytimg.com/vi/"
)

func (p *pass) image(n *html.Node) Replacement {
	src := attrValue(n, "src")

	kind := ElementImage
	if p.animated(src) {
		kind = ElementAnimation
	}

	el := newElement(kind, n.Attr...)
	p.fillDimensions(el, src)
	p.applyDefaults(el, kind)
	return Replacement{Node: el, Declarations: []Declaration{p.declare(kind)}}
}

// animated checks reference against animated image extensions ignoring
// query, fragment and case. Data URIs are checked by media type.
func (p *pass) animated(src string) bool {
	ref := strings.ToLower(strings.TrimSpace(src))
	if mime, ok := strings.CutPrefix(ref, "data:image/"); ok {
		mime, _, _ = strings.Cut(mime, ";")
		mime, _, _ = strings.Cut(mime, ",")
		for _, ext := range p.animatedExt {
			if mime == strings.TrimPrefix(ext, ".") {
				return true
			}
		}
		return false
	}
	if i := strings.IndexAny(ref, "?#"); i >= 0 {
		ref = ref[:i]
	}
	for _, ext := range p.animatedExt {
		if strings.HasSuffix(ref, ext) {
			return true
		}
	}
	return false
}

// fillDimensions sets missing width and height from image intrinsic size.
// When one of them is present the other keeps image aspect ratio.
func (p *pass) fillDimensions(el *html.Node, src string) {
	w, hasW := getAttr(el, "width")
	h, hasH := getAttr(el, "height")
	if (hasW && hasH) || src == "" || p.dims == nil {
		return
	}

	iw, ih, ok := p.dims.Lookup(p.ctx, src)
	if !ok || iw <= 0 || ih <= 0 {
		return
	}

	switch {
	case !hasW && !hasH:
		setAttr(el, "width", strconv.Itoa(iw))
		setAttr(el, "height", strconv.Itoa(ih))
	case hasW:
		if v, ok := pixels(w); ok {
			setAttr(el, "height", strconv.Itoa(int(math.Round(v*float64(ih)/float64(iw)))))
		}
	case hasH:
		if v, ok := pixels(h); ok {
			setAttr(el, "width", strconv.Itoa(int(math.Round(v*float64(iw)/float64(ih)))))
		}
	}
}

func pixels(s string) (float64, bool) {
	v, err := strconv.ParseFloat(strings.TrimSuffix(strings.TrimSpace(s), "px"), 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func (p *pass) frame(n *html.Node) Replacement {
	src := attrValue(n, "src")
	if m := youTubeEmbed.FindStringSubmatch(src); m != nil {
		return p.youTube(n, m[1])
	}

	el := newElement(ElementIFrame, n.Attr...)
	if !hasAttr(el, "sandbox") {
		setAttr(el, "sandbox", defaultSandbox)
	}
	p.applyDefaults(el, ElementIFrame)
	return Replacement{Node: el, Declarations: []Declaration{p.declare(ElementIFrame)}}
}

func (p *pass) youTube(n *html.Node, id string) Replacement {
	el := newElement(ElementYouTube, n.Attr...)
	removeAttr(el, youTubeForbidden...)
	setAttr(el, "data-videoid", id)
	p.applyDefaults(el, ElementYouTube)

	el.AppendChild(newElement(ElementImage,
		html.Attribute{Key: "src", Val: youTubeThumbnails + url.PathEscape(id) + "/hqdefault.jpg"},
		html.Attribute{Key: "placeholder"},
		html.Attribute{Key: "layout", Val: "fill"},
	))
	return Replacement{Node: el, Declarations: []Declaration{p.declare(ElementYouTube)}}
}

func (p *pass) embed(n *html.Node) Replacement {
	e, _ := embedFor(n)

	el := newElement(e.Element)
	for _, key := range []string{"width", "height", "layout"} {
		if v, ok := getAttr(n, key); ok {
			setAttr(el, key, v)
		}
	}

	if href, ok := lastAnchorHref(n); ok {
		if id := trailingSegment(href); id != "" {
			setAttr(el, e.IDAttr, id)
		} else {
			p.log.Warn("Unable to derive embed identifier", zap.String("element", e.Element), zap.String("href", href))
		}
	} else {
		p.log.Warn("Embed has no links, identifier omitted", zap.String("element", e.Element))
	}
	p.applyDefaults(el, e.Element)

	if ph := cloneTree(n); ph != nil {
		setAttr(ph, "placeholder", "")
		el.AppendChild(ph)
	}
	return Replacement{Node: el, Declarations: []Declaration{p.declare(e.Element)}}
}

// trailingSegment returns last path segment of the reference without query
// and fragment.
func trailingSegment(ref string) string {
	p := ref
	if u, err := url.Parse(ref); err == nil {
		p = u.Path
	} else if i := strings.IndexAny(p, "?#"); i >= 0 {
		p = p[:i]
	}
	p = strings.TrimRight(p, "/")
	if p == "" {
		return ""
	}
	return path.Base(p)
}
