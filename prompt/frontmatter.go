package prompt

import (
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/teranos/grimoire/errors"
)

// Document is a prompt file split into its optional YAML frontmatter
// and the template body that gets served
type Document struct {
	Meta Meta
	Body string
}

// Meta is the frontmatter block guild authors may put at the top of a
// prompt file
type Meta struct {
	Name        string `yaml:"name"`
	Description string `yaml:"description"`
	// Variables lists the {{placeholders}} the author expects callers
	// to supply; surfaced in diagnostics, never enforced
	Variables []string `yaml:"variables,omitempty"`
}

// ParseDocument splits frontmatter from body. Files without a
// frontmatter fence are all body. Malformed YAML inside a fence is an
// error so the validator can fail the file instead of serving a prompt
// that opens with stray metadata.
func ParseDocument(content string) (*Document, error) {
	if !strings.HasPrefix(content, "---") {
		return &Document{Body: content}, nil
	}

	parts := strings.SplitN(content, "---", 3)
	if len(parts) < 3 {
		return &Document{Body: content}, nil
	}

	var meta Meta
	raw := strings.TrimSpace(parts[1])
	if raw != "" {
		if err := yaml.Unmarshal([]byte(raw), &meta); err != nil {
			return nil, errors.Wrap(err, "parsing frontmatter")
		}
	}

	return &Document{
		Meta: meta,
		Body: strings.TrimSpace(parts[2]),
	}, nil
}
