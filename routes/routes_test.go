package routes

import (
	"fmt"
	"math/rand"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseSkipsCommentsAndBlanks(t *testing.T) {
	table, err := Parse(`
# routing file
{category}/system.md

# another comment
default/system.md
`)
	require.NoError(t, err)
	assert.Equal(t, 2, table.Len())
}

func TestParseDropsUnknownParameter(t *testing.T) {
	table, err := Parse(`
{category}/system.md
{username}/system.md
`)
	require.NoError(t, err)
	// The {username} line is dropped, not a parse failure
	assert.Equal(t, 1, table.Len())
}

func TestParseDropsTraversal(t *testing.T) {
	table, err := Parse(`
../../../etc/passwd
/absolute/path.md
{category}/system.md
`)
	require.NoError(t, err)
	assert.Equal(t, 1, table.Len())
}

func TestParseRejectsInvalidUTF8(t *testing.T) {
	_, err := Parse("prompts/\xff\xfe/system.md")
	assert.Error(t, err)
}

func TestParseRejectsOversizeFile(t *testing.T) {
	var b strings.Builder
	for i := 0; i < maxLines+1; i++ {
		fmt.Fprintf(&b, "file%d.md\n", i)
	}
	_, err := Parse(b.String())
	assert.Error(t, err)
}

func TestResolveSubstitutesPlaceholders(t *testing.T) {
	table, err := Parse("{category}/{type}/system.md")
	require.NoError(t, err)

	path, ok := table.Resolve(map[string]string{
		"category": "support",
		"type":     "brief",
	})
	require.True(t, ok)
	assert.Equal(t, "support/brief/system.md", path)
}

func TestResolveNoMatchReturnsFalse(t *testing.T) {
	table, err := Parse("{category}/{type}/system.md")
	require.NoError(t, err)

	// type is missing from context
	_, ok := table.Resolve(map[string]string{"category": "support"})
	assert.False(t, ok)
}

func TestResolveRejectsInvalidParamValue(t *testing.T) {
	table, err := Parse("{channel}/system.md")
	require.NoError(t, err)

	tests := []struct {
		name  string
		value string
		ok    bool
	}{
		{"lowercase alnum ok", "general", true},
		{"dashes and underscores ok", "mod-chat_2", true},
		{"uppercase rejected", "General", false},
		{"spaces rejected", "mod chat", false},
		{"traversal rejected", "../secrets", false},
		{"empty rejected", "", false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, ok := table.Resolve(map[string]string{"channel": tt.value})
			assert.Equal(t, tt.ok, ok)
		})
	}
}

func TestLiteralPatternOutranksTemplates(t *testing.T) {
	// Regardless of file order, the zero-placeholder line must win.
	table, err := Parse(`
{category}/{type}/system.md
{category}/system.md
pinned/system.md
`)
	require.NoError(t, err)

	path, ok := table.Resolve(map[string]string{
		"category": "support",
		"type":     "brief",
	})
	require.True(t, ok)
	assert.Equal(t, "pinned/system.md", path)
}

func TestPriorityFormula(t *testing.T) {
	tests := []struct {
		line string
		want int
	}{
		// 0 vars, 2 literal segments: 0 - 2 clamps to 0
		{"pinned/system.md", 0},
		// 1 var, 1 literal segment: 10 - 1 = 9
		{"{category}/system.md", 9},
		// 2 vars, 1 literal segment: 20 - 1 = 19
		{"{category}/{type}/system.md", 19},
		// 2 vars, 0 literal segments: 20
		{"{category}/{type}", 20},
	}

	for _, tt := range tests {
		t.Run(tt.line, func(t *testing.T) {
			pattern, ok := parseLine(tt.line, 1)
			require.True(t, ok)
			assert.Equal(t, tt.want, pattern.Priority)
		})
	}
}

func TestTieBrokenByFileOrder(t *testing.T) {
	table, err := Parse(`
{category}/first.md
{category}/second.md
`)
	require.NoError(t, err)

	path, ok := table.Resolve(map[string]string{"category": "chat"})
	require.True(t, ok)
	assert.Equal(t, "chat/first.md", path)
}

func TestResolveIsDeterministic(t *testing.T) {
	// Same table and context must yield the same path on every call,
	// across randomized pattern sets.
	rng := rand.New(rand.NewSource(42))
	categories := []string{"chat", "support", "recap"}

	for trial := 0; trial < 20; trial++ {
		var b strings.Builder
		n := 2 + rng.Intn(6)
		for i := 0; i < n; i++ {
			switch rng.Intn(3) {
			case 0:
				fmt.Fprintf(&b, "static%d/system.md\n", i)
			case 1:
				b.WriteString("{category}/system.md\n")
			default:
				b.WriteString("{category}/{type}/system.md\n")
			}
		}

		table, err := Parse(b.String())
		require.NoError(t, err)

		ctx := map[string]string{
			"category": categories[rng.Intn(len(categories))],
			"type":     "brief",
		}

		first, firstOK := table.Resolve(ctx)
		for i := 0; i < 5; i++ {
			again, againOK := table.Resolve(ctx)
			assert.Equal(t, firstOK, againOK)
			assert.Equal(t, first, again)
		}
	}
}

func TestRepeatedPlaceholderCountsPerOccurrence(t *testing.T) {
	pattern, ok := parseLine("{category}/{category}.md", 1)
	require.True(t, ok)
	// 2 occurrences × 10, no literal segments
	assert.Equal(t, 20, pattern.Priority)
	// but only one distinct parameter to satisfy
	assert.Equal(t, []string{"category"}, pattern.Params())

	path, matched := (&Table{patterns: []*Pattern{pattern}}).Resolve(map[string]string{"category": "chat"})
	require.True(t, matched)
	assert.Equal(t, "chat/chat.md", path)
}

func TestKnownParams(t *testing.T) {
	assert.Equal(t, []string{"category", "channel", "locale", "type"}, KnownParams())
}
