package amp

import (
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"
	"golang.org/x/net/html/atom"
)

func getAttr(n *html.Node, key string) (string, bool) {
	for _, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			return a.Val, true
		}
	}
	return "", false
}

func attrValue(n *html.Node, key string) string {
	v, _ := getAttr(n, key)
	return v
}

func hasAttr(n *html.Node, key string) bool {
	_, ok := getAttr(n, key)
	return ok
}

// setAttr replaces value of existing attribute keeping its position or
// appends a new one.
func setAttr(n *html.Node, key, val string) {
	for i, a := range n.Attr {
		if a.Namespace == "" && a.Key == key {
			n.Attr[i].Val = val
			return
		}
	}
	n.Attr = append(n.Attr, html.Attribute{Key: key, Val: val})
}

func removeAttr(n *html.Node, keys ...string) {
	out := n.Attr[:0]
	for _, a := range n.Attr {
		drop := false
		for _, k := range keys {
			if a.Namespace == "" && a.Key == k {
				drop = true
				break
			}
		}
		if !drop {
			out = append(out, a)
		}
	}
	n.Attr = out
}

func hasClass(n *html.Node, class string) bool {
	if class == "" {
		return false
	}
	for _, c := range strings.Fields(attrValue(n, "class")) {
		if c == class {
			return true
		}
	}
	return false
}

// newElement creates detached element with copies of provided attributes.
func newElement(tag string, attrs ...html.Attribute) *html.Node {
	n := &html.Node{Type: html.ElementNode, Data: tag, DataAtom: atom.Lookup([]byte(tag))}
	if len(attrs) > 0 {
		n.Attr = make([]html.Attribute, len(attrs))
		copy(n.Attr, attrs)
	}
	return n
}

// cloneTree returns detached deep copy of the node.
func cloneTree(n *html.Node) *html.Node {
	clones := goquery.NewDocumentFromNode(n).Selection.Clone()
	if clones.Length() == 0 {
		return nil
	}
	return clones.Get(0)
}

// lastAnchorHref returns href of the last anchor in the subtree.
func lastAnchorHref(n *html.Node) (string, bool) {
	return goquery.NewDocumentFromNode(n).Find("a[href]").Last().Attr("href")
}
