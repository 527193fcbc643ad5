package css

import (
	"errors"
	"io"
	"slices"
	"strings"

	parse "github.com/tdewolff/parse/v2"
	"github.com/tdewolff/parse/v2/css"
)

// StripProperties removes declarations of named properties from inline style
// attribute value. Remaining declarations are returned as "name: value;"
// separated by spaces.
func StripProperties(style string, names ...string) (string, error) {
	p := css.NewParser(parse.NewInputString(style), true)

	var kept []string
	for {
		gt, _, data := p.Next()
		switch gt {
		case css.ErrorGrammar:
			if err := p.Err(); err != nil && !errors.Is(err, io.EOF) {
				return "", err
			}
			return strings.Join(kept, " "), nil
		case css.DeclarationGrammar, css.CustomPropertyGrammar:
			name := string(data)
			if slices.ContainsFunc(names, func(n string) bool { return strings.EqualFold(n, name) }) {
				continue
			}
			kept = append(kept, name+": "+strings.TrimSpace(string(joinTokens(p.Values())))+";")
		}
	}
}
