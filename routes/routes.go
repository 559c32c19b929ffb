// Package routes parses guild routing files and resolves content paths.
//
// A routing file is line-oriented: blank lines and # comments are skipped,
// every other line is a candidate path pattern with zero or more {name}
// placeholders, e.g.
//
//	# most specific first is not required; priority decides
//	{category}/{type}/system.md
//	{category}/system.md
//	default/system.md
//
// Placeholder names come from a fixed allow-list and their values are
// validated against per-parameter regexes before substitution.
package routes

import (
	"regexp"
	"sort"
	"strings"
	"unicode/utf8"

	"github.com/teranos/grimoire/errors"
	"github.com/teranos/grimoire/logger"
	"github.com/teranos/grimoire/sym"
)

// placeholderPattern matches {name} template variables in route patterns
var placeholderPattern = regexp.MustCompile(`\{([a-z][a-z0-9_]*)\}`)

// paramPatterns is the allow-list of template parameters and the shape
// their runtime values must have. A pattern referencing a parameter not
// listed here is dropped with a warning.
var paramPatterns = map[string]*regexp.Regexp{
	"category": regexp.MustCompile(`^[a-z0-9_-]+$`),
	"channel":  regexp.MustCompile(`^[a-z0-9_-]+$`),
	"type":     regexp.MustCompile(`^[a-z0-9_-]+$`),
	"locale":   regexp.MustCompile(`^[a-z]{2}(-[a-z]{2})?$`),
}

// Parse limits. Routing files are small by construction; anything beyond
// these caps is a malformed or hostile file.
const (
	maxLines      = 256
	maxLineLength = 512
)

// Pattern is a single parsed routing line
type Pattern struct {
	// Raw is the original line as written in the routing file
	Raw string
	// Priority is (placeholder_count × 10) − literal_segment_count,
	// clamped at 0. Lower means more specific and wins.
	Priority int

	params []string // distinct placeholder names referenced
	order  int      // position in file, breaks priority ties
}

// Table is a parsed routing file with patterns in resolution order
type Table struct {
	patterns []*Pattern
}

// Parse parses routing file text into a Table.
// Individual bad lines (unknown parameters, traversal attempts) are dropped
// with a warning; only a structurally unusable file returns an error.
func Parse(text string) (*Table, error) {
	if !utf8.ValidString(text) {
		return nil, errors.New("routing file is not valid UTF-8")
	}

	lines := strings.Split(text, "\n")
	if len(lines) > maxLines {
		return nil, errors.Newf("routing file has %d lines, limit is %d", len(lines), maxLines)
	}

	table := &Table{}
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		pattern, ok := parseLine(line, i+1)
		if !ok {
			continue
		}
		pattern.order = len(table.patterns)
		table.patterns = append(table.patterns, pattern)
	}

	// Stable sort keeps file order within equal priority
	sort.SliceStable(table.patterns, func(a, b int) bool {
		return table.patterns[a].Priority < table.patterns[b].Priority
	})

	return table, nil
}

// parseLine validates a single routing line. Returns ok=false for lines
// that must be dropped.
func parseLine(line string, lineNo int) (*Pattern, bool) {
	if len(line) > maxLineLength {
		logger.Warnw("Dropping routing pattern: line too long",
			"symbol", sym.Route,
			"line", lineNo,
			logger.FieldSize, len(line))
		return nil, false
	}

	// Resolved paths are joined into fetch URLs; never allow escape from
	// the repository root.
	if strings.HasPrefix(line, "/") || strings.Contains(line, "..") {
		logger.Warnw("Dropping routing pattern: path traversal",
			"symbol", sym.Route,
			"line", lineNo,
			logger.FieldPath, line)
		return nil, false
	}

	matches := placeholderPattern.FindAllStringSubmatch(line, -1)

	seen := make(map[string]bool)
	var params []string
	for _, m := range matches {
		name := m[1]
		if _, known := paramPatterns[name]; !known {
			logger.Warnw("Dropping routing pattern: unknown parameter",
				"symbol", sym.Route,
				"line", lineNo,
				"parameter", name,
				logger.FieldPath, line)
			return nil, false
		}
		if !seen[name] {
			seen[name] = true
			params = append(params, name)
		}
	}

	priority := len(matches)*10 - literalSegments(line)
	if priority < 0 {
		priority = 0
	}

	return &Pattern{
		Raw:      line,
		Priority: priority,
		params:   params,
	}, true
}

// literalSegments counts slash-separated segments containing no placeholder
func literalSegments(line string) int {
	count := 0
	for _, seg := range strings.Split(line, "/") {
		if !placeholderPattern.MatchString(seg) {
			count++
		}
	}
	return count
}

// Resolve produces a concrete content path for the given context.
// Patterns are tried in priority order; a pattern matches when every
// placeholder it references has a context value passing that parameter's
// regex. Returns ok=false when nothing matches, which callers treat as
// "no custom route".
func (t *Table) Resolve(ctx map[string]string) (string, bool) {
	for _, pattern := range t.patterns {
		if !pattern.matches(ctx) {
			continue
		}
		return pattern.substitute(ctx), true
	}
	return "", false
}

// matches reports whether all referenced parameters have valid values
func (p *Pattern) matches(ctx map[string]string) bool {
	for _, name := range p.params {
		value, ok := ctx[name]
		if !ok || !paramPatterns[name].MatchString(value) {
			return false
		}
	}
	return true
}

// substitute replaces each placeholder with its context value
func (p *Pattern) substitute(ctx map[string]string) string {
	return placeholderPattern.ReplaceAllStringFunc(p.Raw, func(match string) string {
		name := match[1 : len(match)-1]
		return ctx[name]
	})
}

// Params returns the distinct placeholder names the pattern references
func (p *Pattern) Params() []string {
	return p.params
}

// Patterns returns the table's patterns in resolution order.
// Used by diagnostics and the bulk warm command.
func (t *Table) Patterns() []*Pattern {
	return t.patterns
}

// Len returns the number of usable patterns in the table
func (t *Table) Len() int {
	return len(t.patterns)
}

// KnownParams returns the sorted parameter allow-list.
// Describe output surfaces this so guild admins can see what their
// routing files may reference.
func KnownParams() []string {
	names := make([]string, 0, len(paramPatterns))
	for name := range paramPatterns {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
