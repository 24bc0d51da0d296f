package ignore

import (
	"strings"

	"github.com/bmatcuk/doublestar/v4"
	"github.com/go-git/go-git/v5/plumbing/format/gitignore"
)

// excludeRule is a user supplied pattern. It never re-includes: a leading "!"
// is part of the name it matches.
type excludeRule struct {
	pattern  string
	anchored bool
	dirOnly  bool
	valid    bool
}

func newExcludeRule(p string) *excludeRule {
	p = strings.TrimSpace(strings.ReplaceAll(p, `\`, "/"))
	if p == "" {
		return nil
	}

	r := &excludeRule{}
	if strings.HasSuffix(p, "/") {
		r.dirOnly = true
		p = strings.TrimRight(p, "/")
	}
	if strings.HasPrefix(p, "/") {
		r.anchored = true
		p = strings.TrimLeft(p, "/")
	}
	if p == "" {
		return nil
	}
	if strings.Contains(p, "/") {
		r.anchored = true
	}
	r.pattern = p
	r.valid = doublestar.ValidatePattern(p)
	return r
}

// Match implements Rule. Ancestor directories are checked separately by the
// RuleSet, so only the full path needs to be considered here.
func (r *excludeRule) Match(path []string, isDir bool) gitignore.MatchResult {
	if !r.valid || len(path) == 0 {
		return gitignore.NoMatch
	}
	if r.dirOnly && !isDir {
		return gitignore.NoMatch
	}

	target := path[len(path)-1]
	if r.anchored {
		target = strings.Join(path, "/")
	}

	if ok, err := doublestar.Match(r.pattern, target); err == nil && ok {
		return gitignore.Exclude
	}
	return gitignore.NoMatch
}

func (r *excludeRule) String() string {
	return r.pattern
}
