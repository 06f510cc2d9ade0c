package filesystem

import (
	"regexp"
	"sort"

	herrors "github.com/HDFGroup/hermes-sub002/pkg/errors"
)

// pathRule is one compiled entry of the path tracking predicate.
type pathRule struct {
	pattern string
	re      *regexp.Regexp
	include bool
}

// PathPredicate decides whether a path is tracked by Hermes (intercepted
// and buffered) or bypassed straight to the OS. Rules are tried longest-
// pattern-first; the first match wins; the default is include=false.
type PathPredicate struct {
	rules []pathRule
}

// NewPathPredicate builds a predicate from path_inclusions and
// path_exclusions (each a regex), merging them into one ordered rule list
// sorted by decreasing pattern length.
func NewPathPredicate(inclusions, exclusions []string) (*PathPredicate, error) {
	p := &PathPredicate{}
	for _, pat := range inclusions {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, herrors.New(herrors.ErrCodeConfigInvalid, "invalid path_inclusions pattern").
				WithComponent("filesystem").WithContext("pattern", pat).WithCause(err)
		}
		p.rules = append(p.rules, pathRule{pattern: pat, re: re, include: true})
	}
	for _, pat := range exclusions {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, herrors.New(herrors.ErrCodeConfigInvalid, "invalid path_exclusions pattern").
				WithComponent("filesystem").WithContext("pattern", pat).WithCause(err)
		}
		p.rules = append(p.rules, pathRule{pattern: pat, re: re, include: false})
	}
	sort.SliceStable(p.rules, func(i, j int) bool { return len(p.rules[i].pattern) > len(p.rules[j].pattern) })
	return p, nil
}

// Tracked reports whether path should be intercepted by Hermes.
func (p *PathPredicate) Tracked(path string) bool {
	for _, r := range p.rules {
		if r.re.MatchString(path) {
			return r.include
		}
	}
	return false
}
