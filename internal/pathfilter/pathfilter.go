// Package pathfilter decides which repository paths may be shipped to a
// deployment target.
package pathfilter

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// DefaultRules are the built-in exclusions. Paths are repository-relative and
// slash-separated.
var DefaultRules = []string{
	`^\.git`,                   // VCS metadata (.git/, .gitattributes, ...)
	`^\.github`,                // CI metadata
	`^deployment/`,             // deployment tooling
	`^docs/`,                   // documentation
	`^tests/`,                  // tests
	`^README\.md$`,             // top-level readme
	`^\.gitignore$`,            // top-level gitignore
	`^\.cursorrules$`,          // editor config
	`^deploy.*\.php$`,          // deploy entry points
	`^clients\.json$`,          // client registry
	`^config/installed\.lock$`, // installation lock
	`^config/database\.php$`,   // database credentials
}

// Filter maps candidate file lists to their deploy-eligible subset
type Filter struct {
	root  string
	rules []*regexp.Regexp
	globs []string
	// exists reports whether a repo-relative path is present locally
	exists func(rel string) bool
}

// New builds a filter for the working tree at root. extraRules are regular
// expressions, globs are doublestar patterns; both add to DefaultRules.
func New(root string, extraRules, globs []string) (*Filter, error) {
	f := &Filter{root: root}
	f.exists = f.existsOnDisk

	for _, expr := range append(append([]string{}, DefaultRules...), extraRules...) {
		re, err := regexp.Compile(expr)
		if err != nil {
			return nil, fmt.Errorf("invalid exclusion rule %q: %w", expr, err)
		}
		f.rules = append(f.rules, re)
	}

	for _, g := range globs {
		if !doublestar.ValidatePattern(g) {
			return nil, fmt.Errorf("invalid exclusion glob %q", g)
		}
		f.globs = append(f.globs, g)
	}

	return f, nil
}

// Excluded reports whether any rule matches path. Rule order is irrelevant.
func (f *Filter) Excluded(path string) bool {
	path = normalize(path)
	for _, re := range f.rules {
		if re.MatchString(path) {
			return true
		}
	}
	for _, g := range f.globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

// Apply returns the eligible subset of files, preserving input order and
// dropping duplicates.
func (f *Filter) Apply(files []string) []string {
	eligible, _ := f.Split(files)
	return eligible
}

// Split is Apply that also reports the non-excluded paths that are missing
// from the working tree, which is how deletions show up.
func (f *Filter) Split(files []string) (eligible, missing []string) {
	eligible = make([]string, 0, len(files))
	seen := make(map[string]bool, len(files))

	for _, file := range files {
		file = normalize(file)
		if file == "" || seen[file] {
			continue
		}
		seen[file] = true

		if f.Excluded(file) {
			continue
		}
		if !f.exists(file) {
			missing = append(missing, file)
			continue
		}
		eligible = append(eligible, file)
	}

	return eligible, missing
}

// existsOnDisk reports whether rel names a regular file (or symlink to one)
// below root.
func (f *Filter) existsOnDisk(rel string) bool {
	info, err := os.Stat(filepath.Join(f.root, filepath.FromSlash(rel)))
	if err != nil {
		return false
	}
	return !info.IsDir()
}

func normalize(path string) string {
	path = filepath.ToSlash(path)
	return strings.TrimPrefix(path, "./")
}
