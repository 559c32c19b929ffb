package prompt

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseManifest(t *testing.T) {
	data := []byte(`
fresh_ttl_minutes = 30
description = "Prompts for the acme guild"
`)

	m, err := ParseManifest(data)
	require.NoError(t, err)

	assert.Equal(t, 30, m.FreshTTLMinutes)
	assert.Equal(t, "Prompts for the acme guild", m.Description)
}

func TestParseManifestToleratesUnknownKeys(t *testing.T) {
	data := []byte(`
fresh_ttl_minutes = 5
maintainer = "ops@acme.example"

[notes]
anything = "goes"
`)

	m, err := ParseManifest(data)
	require.NoError(t, err)
	assert.Equal(t, 5, m.FreshTTLMinutes)
}

func TestParseManifestRejectsMalformedTOML(t *testing.T) {
	_, err := ParseManifest([]byte("fresh_ttl_minutes = ="))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "parsing repo manifest")
}

func TestManifestFreshTTLClamping(t *testing.T) {
	fallback := 15 * time.Minute

	tests := []struct {
		name    string
		minutes int
		want    time.Duration
	}{
		{"unset uses fallback", 0, fallback},
		{"below floor clamps to a minute", -10, time.Minute},
		{"at floor", 1, time.Minute},
		{"in range", 45, 45 * time.Minute},
		{"at ceiling", 60, time.Hour},
		{"above ceiling clamps to an hour", 240, time.Hour},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			m := &RepoManifest{FreshTTLMinutes: tt.minutes}
			assert.Equal(t, tt.want, m.FreshTTL(fallback))
		})
	}
}

func TestManifestFreshTTLNilReceiver(t *testing.T) {
	var m *RepoManifest
	assert.Equal(t, 15*time.Minute, m.FreshTTL(15*time.Minute))
}
