package debug

import (
	"strings"
	"testing"

	"golang.org/x/net/html"
)

func parse(t *testing.T, src string) *html.Node {
	t.Helper()
	doc, err := html.Parse(strings.NewReader(src))
	if err != nil {
		t.Fatalf("unable to parse document: %v", err)
	}
	return doc
}

// body returns body element of parsed document.
func body(t *testing.T, doc *html.Node) *html.Node {
	t.Helper()
	var find func(n *html.Node) *html.Node
	find = func(n *html.Node) *html.Node {
		if n.Type == html.ElementNode && n.Data == "body" {
			return n
		}
		for c := n.FirstChild; c != nil; c = c.NextSibling {
			if b := find(c); b != nil {
				return b
			}
		}
		return nil
	}
	b := find(doc)
	if b == nil {
		t.Fatal("document has no body")
	}
	return b
}

func TestOutline(t *testing.T) {
	doc := parse(t, `<!doctype html><html amp><head><title>T</title></head>`+
		`<body>  <amp-img src="a.png" width="30" height="20"></amp-img><!-- note --></body></html>`)
	want := "!doctype html\n" +
		"html amp\n" +
		"  head\n" +
		"    title\n" +
		"      #text: \"T\"\n" +
		"  body\n" +
		"    amp-img src=\"a.png\" width=\"30\" height=\"20\"\n" +
		"    #comment: \" note \"\n"
	if got := Outline(doc); got != want {
		t.Errorf("Outline() =\n%s\nwant:\n%s", got, want)
	}
}

func TestTreeWriter_Node(t *testing.T) {
	long := strings.Repeat("x", maxText+10)
	tests := []struct {
		name  string
		body  string
		depth int
		want  string
	}{
		{
			name: "empty body",
			body: ``,
			want: "body\n",
		},
		{
			name: "boolean and valued attributes",
			body: `<amp-youtube data-videoid="xyz" layout="responsive"><amp-img placeholder src="t.jpg" layout="fill"></amp-img></amp-youtube>`,
			want: "body\n" +
				"  amp-youtube data-videoid=\"xyz\" layout=\"responsive\"\n" +
				"    amp-img placeholder src=\"t.jpg\" layout=\"fill\"\n",
		},
		{
			name: "whitespace only text skipped",
			body: "\n  <p>\n\t</p>  \n",
			want: "body\n  p\n",
		},
		{
			name: "text trimmed and quoted",
			body: `<p>  say "hi"  </p>`,
			want: "body\n  p\n    #text: \"say \\\"hi\\\"\"\n",
		},
		{
			name: "comment kept",
			body: `<!--amp-->`,
			want: "body\n  #comment: \"amp\"\n",
		},
		{
			name: "long text shortened",
			body: `<p>` + long + `</p>`,
			want: "body\n  p\n    #text: \"" + strings.Repeat("x", maxText) + "...\"\n",
		},
		{
			name: "long attribute shortened",
			body: `<amp-iframe src="` + long + `"></amp-iframe>`,
			want: "body\n  amp-iframe src=\"" + strings.Repeat("x", maxText) + "...\"\n",
		},
		{
			name:  "starting depth",
			body:  `<amp-anim src="a.gif"></amp-anim>`,
			depth: 2,
			want:  "    body\n      amp-anim src=\"a.gif\"\n",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := body(t, parse(t, `<html amp><head></head><body>`+tt.body+`</body></html>`))
			tw := NewTreeWriter()
			tw.Node(tt.depth, b)
			if got := tw.String(); got != tt.want {
				t.Errorf("Node() =\n%q\nwant:\n%q", got, tt.want)
			}
		})
	}
}

func TestOutline_Nil(t *testing.T) {
	if got := Outline(nil); got != "" {
		t.Errorf("Outline(nil) = %q", got)
	}
}

func TestShorten(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"short", "short", "short"},
		{"exact", strings.Repeat("a", maxText), strings.Repeat("a", maxText)},
		{"runes counted", strings.Repeat("я", maxText+5), strings.Repeat("я", maxText) + "..."},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := shorten(tt.in); got != tt.want {
				t.Errorf("shorten() = %q, want %q", got, tt.want)
			}
		})
	}
}
