package prompt

import (
	"embed"
	"io/fs"
	"os"
	"sort"
	"strings"

	"github.com/BurntSushi/toml"

	"github.com/teranos/grimoire/errors"
)

//go:embed defaults/manifest.toml defaults/*.md
var defaultsFS embed.FS

// GlobalFallback is the last line of defense: served when the category
// itself is unrecognized. It is compiled into the binary and cannot be
// absent, unreadable, or invalid.
const GlobalFallback = "You are a helpful assistant. Answer clearly and " +
	"concisely, admit uncertainty when you have it, and defer to a human " +
	"moderator for anything sensitive."

type defaultsManifest struct {
	Categories map[string]defaultsEntry `toml:"categories"`
}

type defaultsEntry struct {
	File        string `toml:"file"`
	Description string `toml:"description"`
}

// Defaults holds the built-in template per known category
type Defaults struct {
	templates    map[string]string
	descriptions map[string]string
}

// LoadDefaults reads the embedded defaults pack. The manifest is
// decoded strictly — an unknown key or a missing template file is a
// build defect, caught here and in tests, never at resolve time.
func LoadDefaults() (*Defaults, error) {
	return loadDefaults(defaultsFS, "defaults")
}

// LoadDefaultsDir reads a defaults pack from an operator-supplied
// directory, overriding the embedded one
func LoadDefaultsDir(dir string) (*Defaults, error) {
	return loadDefaults(os.DirFS(dir), ".")
}

func loadDefaults(fsys fs.FS, root string) (*Defaults, error) {
	raw, err := fs.ReadFile(fsys, pathJoin(root, "manifest.toml"))
	if err != nil {
		return nil, errors.Wrap(err, "reading defaults manifest")
	}

	var manifest defaultsManifest
	meta, err := toml.Decode(string(raw), &manifest)
	if err != nil {
		return nil, errors.Wrap(err, "parsing defaults manifest")
	}
	if undecoded := meta.Undecoded(); len(undecoded) > 0 {
		return nil, errors.Newf("defaults manifest has unknown keys: %v", undecoded)
	}
	if len(manifest.Categories) == 0 {
		return nil, errors.New("defaults manifest declares no categories")
	}

	d := &Defaults{
		templates:    make(map[string]string, len(manifest.Categories)),
		descriptions: make(map[string]string, len(manifest.Categories)),
	}
	for category, entry := range manifest.Categories {
		if entry.File == "" {
			return nil, errors.Newf("category %q has no template file", category)
		}
		body, err := fs.ReadFile(fsys, pathJoin(root, entry.File))
		if err != nil {
			return nil, errors.Wrapf(err, "reading default template for %q", category)
		}
		if len(body) == 0 {
			return nil, errors.Newf("default template for %q is empty", category)
		}
		d.templates[category] = string(body)
		d.descriptions[category] = entry.Description
	}
	return d, nil
}

// Category returns the default template for a category
func (d *Defaults) Category(category string) (string, bool) {
	body, ok := d.templates[category]
	return body, ok
}

// Describe returns the category's manifest description
func (d *Defaults) Describe(category string) string {
	return d.descriptions[category]
}

// Categories lists the known categories sorted
func (d *Defaults) Categories() []string {
	names := make([]string, 0, len(d.templates))
	for name := range d.templates {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

func pathJoin(dir, name string) string {
	if dir == "." || dir == "" {
		return name
	}
	return strings.TrimSuffix(dir, "/") + "/" + name
}
