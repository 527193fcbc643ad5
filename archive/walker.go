// Package archive walks pages stored in zip archives.
package archive

import (
	"archive/zip"
	"fmt"
	"path"
	"strings"

	"github.com/gobwas/glob"
)

// WalkFunc is called for each file in archive visited by Walk. The archive
// argument contains path to archive passed to Walk, file satisfies prefix and
// filter conditions. If an error is returned, processing stops.
type WalkFunc func(archive string, file *zip.File) error

// Filter selects archive entries by name.
type Filter func(name string) bool

// Pages returns filter accepting names with one of the extensions, case is
// ignored.
func Pages(exts ...string) Filter {
	globs := make([]glob.Glob, 0, len(exts))
	for _, ext := range exts {
		globs = append(globs, glob.MustCompile("**"+strings.ToLower(glob.QuoteMeta(ext)), '/'))
	}
	return func(name string) bool {
		name = strings.ToLower(name)
		for _, g := range globs {
			if g.Match(name) {
				return true
			}
		}
		return false
	}
}

// Walk calls walkFn for every regular file in the archive located under
// prefix and accepted by filter (nil filter accepts everything). Prefix is
// matched by whole path segments. Archives with entries which could escape
// extraction directory are rejected.
func Walk(archive, prefix string, filter Filter, walkFn WalkFunc) error {
	r, err := zip.OpenReader(archive)
	if err != nil {
		return err
	}
	defer r.Close()

	prefix = strings.Trim(prefix, "/")
	for _, f := range r.File {
		name := f.FileHeader.Name
		if !isSafePath(name) {
			return fmt.Errorf("zip entry %q: unsafe path (absolute or contains path traversal)", name)
		}
		if f.FileInfo().IsDir() || !under(name, prefix) {
			continue
		}
		if filter != nil && !filter(name) {
			continue
		}
		if err := walkFn(archive, f); err != nil {
			return err
		}
	}
	return nil
}

func under(name, prefix string) bool {
	return prefix == "" || name == prefix || strings.HasPrefix(name, prefix+"/")
}

// isSafePath returns false for absolute paths and those containing ".."
// components.
func isSafePath(name string) bool {
	if path.IsAbs(name) || strings.HasPrefix(name, `\`) || (len(name) > 1 && name[1] == ':') {
		return false
	}
	for _, part := range strings.FieldsFunc(name, func(r rune) bool { return r == '/' || r == '\\' }) {
		if part == ".." {
			return false
		}
	}
	return true
}
