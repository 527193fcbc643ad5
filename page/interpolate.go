package page

import (
	"regexp"
	"strings"
)

var (
	placeholder = regexp.MustCompile(`\{\{\s*([\w.]+)\s*\}\}`)
	// repeated slashes not preceded by scheme separator
	extraSlashes = regexp.MustCompile(`([^:])//+`)
)

// Interpolate substitutes "{{ name }}" tokens with values from vars. Unknown
// names are replaced with empty string.
func Interpolate(pattern string, vars map[string]string) string {
	return placeholder.ReplaceAllStringFunc(pattern, func(token string) string {
		name := strings.TrimSpace(strings.Trim(token, "{}"))
		return vars[name]
	})
}

// CollapseSlashes squeezes runs of slashes in URL keeping "scheme://" intact.
func CollapseSlashes(u string) string {
	return extraSlashes.ReplaceAllString(u, "${1}/")
}

// link expands URL pattern with site variables for pathname.
func (c *Converter) link(pattern, pathname string) string {
	return CollapseSlashes(Interpolate(pattern, map[string]string{
		"canonicalBaseUrl": c.site.CanonicalBaseURL,
		"pathIdentifier":   c.site.PathIdentifier,
		"pathname":         pathname,
	}))
}
