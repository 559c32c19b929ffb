package prompt

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/teranos/grimoire/validate"
)

func TestLoadDefaultsEmbedded(t *testing.T) {
	d, err := LoadDefaults()
	require.NoError(t, err)

	assert.Equal(t, []string{"chat", "meeting", "recap", "support", "triage"}, d.Categories())

	for _, category := range d.Categories() {
		body, ok := d.Category(category)
		require.True(t, ok, category)
		assert.NotEmpty(t, body, category)
		assert.NotEmpty(t, d.Describe(category), category)
	}

	_, ok := d.Category("astrology")
	assert.False(t, ok)
}

// Every shipped default must clear the same validation gate as fetched
// content, or the chain could fall through to a level that rejects its
// own material.
func TestEmbeddedDefaultsPassValidation(t *testing.T) {
	d, err := LoadDefaults()
	require.NoError(t, err)

	for _, category := range d.Categories() {
		body, _ := d.Category(category)
		res := validate.Content(body, category+".md")
		assert.True(t, res.Valid, "category %s rejected: %s", category, res.Reason)
	}

	res := validate.Content(GlobalFallback, "global_fallback")
	assert.True(t, res.Valid, "global fallback rejected: %s", res.Reason)
}

func TestGlobalFallbackHasNoPlaceholders(t *testing.T) {
	assert.Empty(t, Placeholders(GlobalFallback))
	assert.NotEmpty(t, GlobalFallback)
}

func TestLoadDefaultsDir(t *testing.T) {
	dir := t.TempDir()
	writeDefaultsFile(t, dir, "manifest.toml", `
[categories.chat]
file = "chat.md"
description = "Operator override"
`)
	writeDefaultsFile(t, dir, "chat.md", "Custom chat prompt for {{guild_name}}.")

	d, err := LoadDefaultsDir(dir)
	require.NoError(t, err)

	body, ok := d.Category("chat")
	require.True(t, ok)
	assert.Equal(t, "Custom chat prompt for {{guild_name}}.", body)
	assert.Equal(t, "Operator override", d.Describe("chat"))
	assert.Equal(t, []string{"chat"}, d.Categories())
}

func TestLoadDefaultsDirRejectsUnknownManifestKeys(t *testing.T) {
	dir := t.TempDir()
	writeDefaultsFile(t, dir, "manifest.toml", `
[categories.chat]
file = "chat.md"
descriptoin = "typo key"
`)
	writeDefaultsFile(t, dir, "chat.md", "body")

	_, err := LoadDefaultsDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "unknown keys")
}

func TestLoadDefaultsDirRejectsMissingTemplate(t *testing.T) {
	dir := t.TempDir()
	writeDefaultsFile(t, dir, "manifest.toml", `
[categories.chat]
file = "nope.md"
description = "points nowhere"
`)

	_, err := LoadDefaultsDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading default template")
}

func TestLoadDefaultsDirRejectsEmptyManifest(t *testing.T) {
	dir := t.TempDir()
	writeDefaultsFile(t, dir, "manifest.toml", "")

	_, err := LoadDefaultsDir(dir)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "declares no categories")
}

func writeDefaultsFile(t *testing.T, dir, name, content string) {
	t.Helper()
	require.NoError(t, os.WriteFile(filepath.Join(dir, name), []byte(content), 0o644))
}
