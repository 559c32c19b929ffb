package prompt

import (
	"regexp"
)

// placeholderPattern matches {{var}} content placeholders. Route
// placeholders use single braces and are resolved long before this
// stage; double braces survive into the template body.
var placeholderPattern = regexp.MustCompile(`\{\{([a-zA-Z_][a-zA-Z0-9_]*)\}\}`)

// Substitute replaces {{var}} placeholders with their values. Unmatched
// placeholders stay in the text as-is; substitution can shape content
// but never fail it.
func Substitute(template string, vars map[string]string) string {
	if len(vars) == 0 && !placeholderPattern.MatchString(template) {
		return template
	}
	return placeholderPattern.ReplaceAllStringFunc(template, func(match string) string {
		name := match[2 : len(match)-2]
		if value, ok := vars[name]; ok {
			return value
		}
		return match
	})
}

// Placeholders lists the distinct placeholder names in a template in
// order of first appearance
func Placeholders(template string) []string {
	matches := placeholderPattern.FindAllStringSubmatch(template, -1)
	seen := make(map[string]bool, len(matches))
	var names []string
	for _, m := range matches {
		if !seen[m[1]] {
			seen[m[1]] = true
			names = append(names, m[1])
		}
	}
	return names
}
