// Package matcher implements the pattern matcher of spec.md §4.2 (C2): a
// statement's subject/action/resource patterns are literal strings with
// optional delimited regex segments, matched wholly (anchored) against a
// request value. Grounded on the original Rust `pim::matcher::Matcher`
// trait (`matches(delimiter_start, delimiter_end, haystack, needle)`),
// reimplemented here as a compiled, LRU-cached regex instead of the
// original's plain string/wildcard compare, per spec.md's "<regex>
// segments, compiled regexes cached in a process-wide LRU" requirement.
package matcher

import (
	"regexp"
	"strings"
	"sync"

	lru "github.com/hashicorp/golang-lru/v2"
)

// DefaultCacheSize is used when New is called with a non-positive size.
const DefaultCacheSize = 4096

// compiled is cached per pattern key: either a working regex, or a nil
// regex recording a compile failure so repeated lookups don't retry it
// (spec.md §4.2 doesn't specify invalid-pattern behavior explicitly; a
// pattern that fails to compile never matches, the same convention C1 uses
// for StringMatch).
type compiled struct {
	re *regexp.Regexp
}

// Matcher matches patterns against a needle, caching compiled regexes by
// raw pattern string (and delimiter pair, since the same literal pattern
// compiles differently under different delimiters).
type Matcher struct {
	mu    sync.Mutex
	cache *lru.Cache[string, compiled]
}

// New returns a Matcher backed by an LRU of the given capacity.
func New(cacheSize int) *Matcher {
	if cacheSize <= 0 {
		cacheSize = DefaultCacheSize
	}
	cache, err := lru.New[string, compiled](cacheSize)
	if err != nil {
		// Only returns an error for a non-positive size, which is excluded above.
		panic(err)
	}
	return &Matcher{cache: cache}
}

// Matches reports whether any pattern in patterns fully matches needle,
// compiling each pattern's delimited segments as regex and everything else
// as literal text. The empty pattern list never matches (spec.md §4.2).
func (m *Matcher) Matches(delimiterStart, delimiterEnd string, patterns []string, needle string) bool {
	for _, pattern := range patterns {
		re, ok := m.compile(delimiterStart, delimiterEnd, pattern)
		if !ok {
			continue
		}
		if re.MatchString(needle) {
			return true
		}
	}
	return false
}

func (m *Matcher) compile(delimiterStart, delimiterEnd, pattern string) (*regexp.Regexp, bool) {
	key := delimiterStart + "\x00" + delimiterEnd + "\x00" + pattern

	m.mu.Lock()
	defer m.mu.Unlock()

	if c, ok := m.cache.Get(key); ok {
		return c.re, c.re != nil
	}

	expr, err := toRegexp(delimiterStart, delimiterEnd, pattern)
	if err != nil {
		m.cache.Add(key, compiled{})
		return nil, false
	}
	re, err := regexp.Compile("^(?:" + expr + ")$")
	if err != nil {
		m.cache.Add(key, compiled{})
		return nil, false
	}
	m.cache.Add(key, compiled{re: re})
	return re, true
}

// toRegexp turns a pattern like "arn:aws:s3:::<bucket[a-z0-9-]+>/*" into a
// regexp source string, quoting every literal segment and splicing each
// delimited segment's inner text in as raw regex.
func toRegexp(delimiterStart, delimiterEnd, pattern string) (string, error) {
	if delimiterStart == "" || delimiterEnd == "" {
		return regexp.QuoteMeta(pattern), nil
	}

	var b strings.Builder
	rest := pattern
	for {
		start := strings.Index(rest, delimiterStart)
		if start < 0 {
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		end := strings.Index(rest[start+len(delimiterStart):], delimiterEnd)
		if end < 0 {
			// Unterminated delimiter: treat the rest as literal.
			b.WriteString(regexp.QuoteMeta(rest))
			break
		}
		end += start + len(delimiterStart)

		b.WriteString(regexp.QuoteMeta(rest[:start]))
		b.WriteString(rest[start+len(delimiterStart) : end])
		rest = rest[end+len(delimiterEnd):]
	}
	return b.String(), nil
}
