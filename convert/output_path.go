package convert

import (
	"path"
	"path/filepath"
	"strings"

	"github.com/gosimple/slug"

	"ampc/config"
	"ampc/state"
)

// routeFor derives site pathname of a page from its path relative to the
// source root: directory index pages are served under directory route, all
// others under their own name.
func routeFor(rel string) string {
	p := "/" + strings.TrimLeft(filepath.ToSlash(rel), "/")
	dir, file := path.Split(p)
	switch strings.ToLower(file) {
	case "index.html", "index.htm", "index.xhtml":
		return dir
	}
	return p
}

// buildOutputPath returns output file path. Unless directory structure is
// dropped output mirrors source tree, otherwise file name is made from the
// page route so that index pages of different directories do not collide.
func buildOutputPath(src, route, dst string, env *state.LocalEnv) string {
	if !env.NoDirs {
		dir, file := filepath.Split(filepath.Clean(src))
		parts := []string{dst}
		for _, segment := range strings.Split(filepath.ToSlash(dir), "/") {
			if segment != "" {
				parts = append(parts, config.CleanFileName(segment))
			}
		}
		return filepath.Join(append(parts, config.CleanFileName(file))...)
	}
	return filepath.Join(dst, flatName(src, route))
}

func flatName(src, route string) string {
	ext := strings.ToLower(filepath.Ext(src))
	if ext == "" {
		ext = ".html"
	}
	name := slug.Make(strings.TrimSuffix(strings.Trim(route, "/"), path.Ext(route)))
	if name == "" {
		name = "index"
	}
	return name + ext
}
