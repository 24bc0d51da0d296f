// Package ignore decides which paths of a deployment scope are excluded from
// transfer.
//
// Rules come from three sources and are evaluated in this order: a fixed
// built-in denylist (version control metadata and the checkpoint marker),
// patterns read from ignore files under the scope root, and user supplied
// exclude patterns. Ignore-file patterns follow gitignore semantics: the last
// matching pattern wins, a "!" prefix re-includes, and a path whose parent
// directory is excluded stays excluded. User patterns can only exclude.
package ignore

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/go-git/go-billy/v5/osfs"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

const (
	gitDir        = ".git"
	commentPrefix = "#"
)

// Rule matches a path given as its slash-separated components.
type Rule interface {
	Match(path []string, isDir bool) gitignore.MatchResult
}

// RuleSet is an ordered collection of rules. The zero value excludes nothing
// but the version control metadata directory.
type RuleSet struct {
	marker string
	rules  []Rule
}

// New builds a RuleSet from already parsed rules. marker is the checkpoint
// file name that must never be transferred; it may be empty.
func New(marker string, rules ...Rule) *RuleSet {
	return &RuleSet{marker: marker, rules: rules}
}

// Load reads the ignore files below root and appends the user exclude
// patterns. A missing ignore file is not an error.
//
// The standard .gitignore files are read recursively with their directory as
// pattern domain. When ignoreFile names a different file, the one at the root
// is read as well and its patterns are appended after the .gitignore ones.
func Load(root, ignoreFile, marker string, excludes []string) (*RuleSet, error) {
	rs := New(marker)

	patterns, err := gitignore.ReadPatterns(osfs.New(root), nil)
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to read ignore files under %s: %w", root, err)
	}
	for _, p := range patterns {
		rs.rules = append(rs.rules, p)
	}

	if ignoreFile != "" && ignoreFile != ".gitignore" {
		f, err := os.Open(filepath.Join(root, ignoreFile))
		switch {
		case err == nil:
			extra, perr := Parse(f, nil)
			_ = f.Close()
			if perr != nil {
				return nil, fmt.Errorf("failed to read %s: %w", ignoreFile, perr)
			}
			rs.rules = append(rs.rules, extra...)
		case !errors.Is(err, os.ErrNotExist):
			return nil, fmt.Errorf("failed to open %s: %w", ignoreFile, err)
		}
	}

	rs.Exclude(excludes...)
	return rs, nil
}

// Parse reads gitignore formatted patterns from r. domain is the directory,
// relative to the scope root, the patterns apply to.
func Parse(r io.Reader, domain []string) ([]Rule, error) {
	var rules []Rule
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")
		if strings.HasPrefix(line, commentPrefix) || strings.TrimSpace(line) == "" {
			continue
		}
		rules = append(rules, gitignore.ParsePattern(line, domain))
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return rules, nil
}

// ParsePatterns compiles gitignore formatted patterns that apply to the scope
// root.
func ParsePatterns(patterns ...string) []Rule {
	rules := make([]Rule, 0, len(patterns))
	for _, p := range patterns {
		if strings.HasPrefix(p, commentPrefix) || strings.TrimSpace(p) == "" {
			continue
		}
		rules = append(rules, gitignore.ParsePattern(p, nil))
	}
	return rules
}

// Add appends rules after the existing ones.
func (rs *RuleSet) Add(rules ...Rule) {
	rs.rules = append(rs.rules, rules...)
}

// Exclude appends user exclude patterns after the existing rules.
func (rs *RuleSet) Exclude(patterns ...string) {
	for _, p := range patterns {
		if r := newExcludeRule(p); r != nil {
			rs.rules = append(rs.rules, r)
		}
	}
}

// Len returns the number of pattern rules, not counting the built-in ones.
func (rs *RuleSet) Len() int {
	return len(rs.rules)
}

// IsExcluded reports whether path, relative to the scope root, must not be
// transferred. Both "/" and "\" are accepted as separators.
func (rs *RuleSet) IsExcluded(path string) bool {
	parts := split(path)
	if len(parts) == 0 {
		return false
	}

	if rs.builtin(parts) {
		return true
	}

	// An excluded directory cannot have any of its contents re-included.
	for i := 1; i < len(parts); i++ {
		if rs.match(parts[:i], true) == gitignore.Exclude {
			return true
		}
	}

	return rs.match(parts, false) == gitignore.Exclude
}

// Filter splits paths into kept and excluded, preserving order.
func (rs *RuleSet) Filter(paths []string) (kept, excluded []string) {
	for _, p := range paths {
		if rs.IsExcluded(p) {
			excluded = append(excluded, p)
		} else {
			kept = append(kept, p)
		}
	}
	return kept, excluded
}

func (rs *RuleSet) builtin(parts []string) bool {
	for _, p := range parts {
		if p == gitDir {
			return true
		}
	}
	return rs.marker != "" && len(parts) == 1 && parts[0] == rs.marker
}

// match returns the result of the last rule that matches.
func (rs *RuleSet) match(parts []string, isDir bool) gitignore.MatchResult {
	for i := len(rs.rules) - 1; i >= 0; i-- {
		if res := rs.rules[i].Match(parts, isDir); res != gitignore.NoMatch {
			return res
		}
	}
	return gitignore.NoMatch
}

func split(path string) []string {
	path = strings.ReplaceAll(path, `\`, "/")
	var parts []string
	for _, p := range strings.Split(path, "/") {
		if p != "" && p != "." {
			parts = append(parts, p)
		}
	}
	return parts
}
