// Package debug renders documents in human readable form for debug reports.
package debug

import (
	"fmt"
	"strconv"
	"strings"

	"golang.org/x/net/html"
)

// maxText limits length of text shown for a single node.
const maxText = 64

type TreeWriter struct {
	w *strings.Builder
}

func NewTreeWriter() *TreeWriter {
	return &TreeWriter{
		w: &strings.Builder{},
	}
}

func (tw TreeWriter) String() string {
	return tw.w.String()
}

func (tw TreeWriter) Line(depth int, format string, args ...any) {
	tw.indent(depth)
	fmt.Fprintf(tw.w, format, args...)
	tw.w.WriteByte('\n')
}

func (tw TreeWriter) TextBlock(depth int, label, value string) {
	tw.indent(depth)
	tw.w.WriteString(label)
	tw.w.WriteString(": ")
	tw.w.WriteString(encodeText(value))
	tw.w.WriteByte('\n')
}

func (tw TreeWriter) indent(depth int) {
	for range depth {
		tw.w.WriteString("  ")
	}
}

// Node writes subtree: elements with their attributes, non blank text and
// comments. Whitespace only text is skipped.
func (tw TreeWriter) Node(depth int, n *html.Node) {
	switch n.Type {
	case html.DocumentNode:
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			tw.Node(depth, c)
		}
		return
	case html.DoctypeNode:
		tw.Line(depth, "!doctype %s", n.Data)
		return
	case html.TextNode:
		if s := strings.TrimSpace(n.Data); s != "" {
			tw.TextBlock(depth, "#text", shorten(s))
		}
		return
	case html.CommentNode:
		tw.TextBlock(depth, "#comment", shorten(n.Data))
		return
	case html.ElementNode:
	default:
		return
	}

	var sb strings.Builder
	sb.WriteString(n.Data)
	for _, a := range n.Attr {
		sb.WriteByte(' ')
		sb.WriteString(a.Key)
		if a.Val != "" {
			sb.WriteByte('=')
			sb.WriteString(encodeText(shorten(a.Val)))
		}
	}
	tw.Line(depth, "%s", sb.String())
	for c := n.FirstChild; c != nil; c = c.NextSibling {
		tw.Node(depth+1, c)
	}
}

// Outline returns indented tree of the document.
func Outline(n *html.Node) string {
	tw := NewTreeWriter()
	if n != nil {
		tw.Node(0, n)
	}
	return tw.String()
}

func shorten(s string) string {
	if r := []rune(s); len(r) > maxText {
		return string(r[:maxText]) + "..."
	}
	return s
}

func encodeText(raw string) string {
	if raw == "" {
		return raw
	}
	return strconv.Quote(raw)
}
