package page

import (
	"encoding/json"
	"fmt"
	"slices"
	"strings"

	"go.uber.org/multierr"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"

	"ampc/amp"
	"ampc/config"
)

const (
	boilerplate         = `body{-webkit-animation:-amp-start 8s steps(1,end) 0s 1 normal both;-moz-animation:-amp-start 8s steps(1,end) 0s 1 normal both;-ms-animation:-amp-start 8s steps(1,end) 0s 1 normal both;animation:-amp-start 8s steps(1,end) 0s 1 normal both}@-webkit-keyframes -amp-start{from{visibility:hidden}to{visibility:visible}}@-moz-keyframes -amp-start{from{visibility:hidden}to{visibility:visible}}@-ms-keyframes -amp-start{from{visibility:hidden}to{visibility:visible}}@-o-keyframes -amp-start{from{visibility:hidden}to{visibility:visible}}@keyframes -amp-start{from{visibility:hidden}to{visibility:visible}}`
	noscriptBoilerplate = `body{-webkit-animation:none;-moz-animation:none;-ms-animation:none;animation:none}`

	clientIDMeta = "amp-google-client-id-api"
)

// assembleHead rebuilds head of target page. Order of the result: meta
// elements, runtime, boilerplate, aggregated styles, custom element scripts,
// the rest of original head, canonical link.
func (c *Converter) assembleHead(head *html.Node, decls []amp.Declaration, conflicts error, pathname string) ([]amp.Declaration, error) {
	var (
		metas, rest []*html.Node
		styles      []string
	)
	for n := head.FirstChild; n != nil; {
		next := n.NextSibling
		head.RemoveChild(n)
		if n.Type == html.ElementNode {
			switch n.DataAtom {
			case atom.Meta:
				if attr(n, "name") != clientIDMeta {
					metas = append(metas, n)
				}
			case atom.Style:
				if !hasAttr(n, "amp-boilerplate") {
					styles = append(styles, text(n))
				}
			case atom.Script:
				if c.structured(n) {
					rest = append(rest, n)
				}
			case atom.Noscript:
				// replaced by boilerplate twin
			case atom.Link:
				if rel := strings.ToLower(attr(n, "rel")); rel != "canonical" && rel != "amphtml" {
					rest = append(rest, n)
				}
			default:
				rest = append(rest, n)
			}
		}
		n = next
	}

	registry := amp.NewRegistry()
	conflicts = multierr.Append(conflicts, registry.RegisterAll(decls...))
	for _, comp := range c.site.Components {
		conflicts = multierr.Append(conflicts, registry.Register(c.component(comp)))
	}
	if c.site.Analytics != nil {
		conflicts = multierr.Append(conflicts, registry.Register(c.component(config.Component{Name: amp.ElementAnalytics})))
	}
	declared := registry.Drain()

	appendAll(head, metas...)
	appendAll(head,
		element("script", "async", "", "src", strings.TrimSuffix(c.transform.CDNRoot, "/")+".js"),
		withText(element("style", "amp-boilerplate", ""), boilerplate),
	)
	noscript := element("noscript")
	noscript.AppendChild(withText(element("style", "amp-boilerplate", ""), noscriptBoilerplate))
	appendAll(head, noscript, withText(element("style", "amp-custom", ""), c.styles.Aggregate(styles...)))

	for _, d := range declared {
		if c.transform.IsBuiltin(d.Name) {
			continue
		}
		head.AppendChild(d.Script(c.transform.CDNRoot).Node())
	}
	appendAll(head, rest...)

	canonical := strings.Replace(pathname, c.site.PathIdentifier, "/", 1)
	head.AppendChild(element("link", "rel", "canonical", "href", c.link(c.site.RelCanonicalPattern, canonical)))
	if c.site.UseAmpClientIDAPI {
		head.AppendChild(element("meta", "name", clientIDMeta, "content", "googleanalytics"))
	}
	return declared, conflicts
}

func (c *Converter) component(comp config.Component) amp.Declaration {
	d := amp.Declaration{Name: comp.Name, Version: comp.Version}
	if d.Version == "" {
		d.Version = c.transform.DefaultVersion
	}
	return d
}

func (c *Converter) structured(n *html.Node) bool {
	typ, _, _ := strings.Cut(attr(n, "type"), ";")
	typ = strings.TrimSpace(typ)
	return typ != "" && slices.ContainsFunc(c.transform.StructuredDataTypes, func(s string) bool {
		return strings.EqualFold(s, typ)
	})
}

// analytics builds amp-analytics element. Inline configuration is rendered
// as JSON with pathname interpolated.
func analytics(a *config.AnalyticsConfig, pathname string) (*html.Node, error) {
	el := element(amp.ElementAnalytics, "type", a.Type)
	if a.DataCredentials != "" {
		el.Attr = append(el.Attr, html.Attribute{Key: "data-credentials", Val: a.DataCredentials})
	}
	switch cfg := a.Config.(type) {
	case nil:
	case string:
		el.Attr = append(el.Attr, html.Attribute{Key: "config", Val: cfg})
	default:
		data, err := json.Marshal(cfg)
		if err != nil {
			return nil, fmt.Errorf("unable to encode analytics configuration: %w", err)
		}
		script := element("script", "type", "application/json")
		el.AppendChild(withText(script, Interpolate(string(data), map[string]string{"pathname": pathname})))
	}
	return el, nil
}

func appendAll(parent *html.Node, nodes ...*html.Node) {
	for _, n := range nodes {
		parent.AppendChild(n)
	}
}

func withText(n *html.Node, s string) *html.Node {
	n.AppendChild(&html.Node{Type: html.TextNode, Data: s})
	return n
}

func text(n *html.Node) string {
	var sb strings.Builder
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		if c.Type == html.TextNode {
			sb.WriteString(c.Data)
		}
	}
	return sb.String()
}

func attr(n *html.Node, key string) string {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val
		}
	}
	return ""
}

func hasAttr(n *html.Node, key string) bool {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return true
		}
	}
	return false
}
