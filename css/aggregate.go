// Package css prepares stylesheets for AMP pages: all inline style sources
// are merged into a single compact block without "!important" qualifiers.
package css

import (
	"bytes"
	"errors"
	"io"
	"strings"

	parse "github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
	"go.uber.org/zap"
)

// Aggregator merges style sources into one stylesheet.
type Aggregator struct {
	log *zap.Logger
}

// NewAggregator creates a new stylesheet aggregator.
func NewAggregator(log *zap.Logger) *Aggregator {
	if log == nil {
		log = zap.NewNop()
	}
	return &Aggregator{log: log.Named("css")}
}

// Aggregate concatenates sources in their order and minifies the result.
// Source which cannot be parsed to the end contributes what was parsed before
// the error.
func (a *Aggregator) Aggregate(sources ...string) string {
	var out bytes.Buffer
	for i, src := range sources {
		if strings.TrimSpace(src) == "" {
			continue
		}
		m := newMinifier(&out)
		if err := m.run(parse.NewInputString(src)); err != nil {
			a.log.Warn("Stylesheet source is malformed, truncated", zap.Int("source", i), zap.Error(err))
		}
	}
	a.log.Debug("Stylesheet aggregated", zap.Int("sources", len(sources)), zap.Int("bytes", out.Len()))
	return out.String()
}

// Minify returns compact form of a single stylesheet.
func Minify(src string) (string, error) {
	var out bytes.Buffer
	err := newMinifier(&out).run(parse.NewInputString(src))
	return out.String(), err
}

type minifier struct {
	w *bytes.Buffer
	// output offsets where currently open blocks start
	open []int
	// offset of selector list started by qualified rules, -1 if none
	list int
}

func newMinifier(w *bytes.Buffer) *minifier {
	return &minifier{w: w, list: -1}
}

func (m *minifier) run(in *parse.Input) error {
	p := css.NewParser(in, false)
	for {
		gt, _, data := p.Next()
		switch gt {
		case css.ErrorGrammar:
			// unterminated blocks are closed to keep output well formed
			for len(m.open) > 0 {
				m.closeBlock()
			}
			if err := p.Err(); err != nil && !errors.Is(err, io.EOF) {
				return err
			}
			return nil

		case css.CommentGrammar:

		case css.AtRuleGrammar:
			m.atRule(data, p.Values())
			m.w.WriteByte(';')

		case css.BeginAtRuleGrammar:
			m.open = append(m.open, m.w.Len())
			m.atRule(data, p.Values())
			m.w.WriteByte('{')

		case css.QualifiedRuleGrammar:
			if m.list < 0 {
				m.list = m.w.Len()
			}
			m.w.WriteString(selector(data, p.Values()))
			m.w.WriteByte(',')

		case css.BeginRulesetGrammar:
			start := m.w.Len()
			if m.list >= 0 {
				start, m.list = m.list, -1
			}
			m.open = append(m.open, start)
			m.w.WriteString(selector(data, p.Values()))
			m.w.WriteByte('{')

		case css.EndAtRuleGrammar, css.EndRulesetGrammar:
			m.closeBlock()

		case css.DeclarationGrammar:
			m.w.Write(data)
			m.w.WriteByte(':')
			m.w.WriteString(compact(dropImportant(p.Values()), false))
			m.w.WriteByte(';')

		case css.CustomPropertyGrammar:
			m.w.Write(data)
			m.w.WriteByte(':')
			m.w.WriteString(strings.TrimSpace(string(joinTokens(p.Values()))))
			m.w.WriteByte(';')

		case css.TokenGrammar:
			m.w.Write(data)
		}
	}
}

func (m *minifier) atRule(name []byte, prelude []css.Token) {
	m.w.Write(name)
	if v := compact(prelude, false); v != "" {
		m.w.WriteByte(' ')
		m.w.WriteString(v)
	}
}

// closeBlock ends innermost block, empty blocks are removed entirely and the
// last semicolon before closing brace is dropped.
func (m *minifier) closeBlock() {
	if len(m.open) == 0 {
		return
	}
	start := m.open[len(m.open)-1]
	m.open = m.open[:len(m.open)-1]

	b := m.w.Bytes()
	if len(b) > 0 && b[len(b)-1] == '{' {
		m.w.Truncate(start)
		return
	}
	if len(b) > 0 && b[len(b)-1] == ';' {
		m.w.Truncate(len(b) - 1)
	}
	m.w.WriteByte('}')
}

func selector(data []byte, values []css.Token) string {
	var sb strings.Builder
	sb.Write(data)
	sb.WriteString(compact(values, true))
	return strings.TrimSpace(sb.String())
}

func joinTokens(tokens []css.Token) []byte {
	var b []byte
	for _, t := range tokens {
		b = append(b, t.Data...)
	}
	return b
}

// compact joins tokens collapsing whitespace runs into a single space and
// removing whitespace where it is never significant.
func compact(tokens []css.Token, sel bool) string {
	var sb strings.Builder
	pendingSpace := false
	for _, t := range tokens {
		if t.TokenType == css.WhitespaceToken {
			pendingSpace = sb.Len() > 0
			continue
		}
		if pendingSpace && !tight(lastByte(&sb), t, sel) {
			sb.WriteByte(' ')
		}
		pendingSpace = false
		sb.Write(t.Data)
	}
	return sb.String()
}

func lastByte(sb *strings.Builder) byte {
	s := sb.String()
	if len(s) == 0 {
		return 0
	}
	return s[len(s)-1]
}

// tight reports if space between previous output and token could be dropped.
func tight(prev byte, t css.Token, sel bool) bool {
	switch prev {
	case ',', '(', ':':
		return true
	case '>', '~':
		if sel {
			return true
		}
	}
	switch t.TokenType {
	case css.CommaToken, css.RightParenthesisToken:
		return true
	case css.DelimToken:
		if sel && len(t.Data) == 1 && (t.Data[0] == '>' || t.Data[0] == '~') {
			return true
		}
	}
	return false
}

// dropImportant removes "!important" together with whitespace preceding it.
func dropImportant(tokens []css.Token) []css.Token {
	out := make([]css.Token, 0, len(tokens))
	for i := 0; i < len(tokens); i++ {
		t := tokens[i]
		if t.TokenType == css.DelimToken && string(t.Data) == "!" {
			j := i + 1
			for j < len(tokens) && tokens[j].TokenType == css.WhitespaceToken {
				j++
			}
			if j < len(tokens) && tokens[j].TokenType == css.IdentToken && strings.EqualFold(string(tokens[j].Data), "important") {
				for len(out) > 0 && out[len(out)-1].TokenType == css.WhitespaceToken {
					out = out[:len(out)-1]
				}
				i = j
				continue
			}
		}
		out = append(out, t)
	}
	return out
}
