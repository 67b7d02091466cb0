package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestToPlainText_PassesThroughPlainText(t *testing.T) {
	text, err := toPlainText([]byte("hello world"), "text/plain")
	require.NoError(t, err)
	assert.Equal(t, "hello world", text)
}

func TestToPlainText_StripsHTMLTags(t *testing.T) {
	text, err := toPlainText([]byte("<html><body><p>Item 1</p><script>ignored()</script><p>Body text</p></body></html>"), "text/html")
	require.NoError(t, err)
	assert.Contains(t, text, "Item 1")
	assert.Contains(t, text, "Body text")
	assert.NotContains(t, text, "ignored()")
}

func TestToPlainText_TruncatesOverMaxExtractedChars(t *testing.T) {
	big := make([]byte, maxExtractedChars+5000)
	for i := range big {
		big[i] = 'a'
	}
	text, err := toPlainText(big, "text/plain")
	require.NoError(t, err)
	assert.Len(t, text, maxExtractedChars)
}

func TestExtractHTMLText_CollapsesBlankLines(t *testing.T) {
	text := extractHTMLText([]byte("<p>one</p><p></p><p></p><p>two</p>"))
	assert.Contains(t, text, "one")
	assert.Contains(t, text, "two")

	lines := splitLines(text)
	blankRun := 0
	for _, l := range lines {
		if l == "" {
			blankRun++
			assert.LessOrEqual(t, blankRun, 1, "consecutive blank lines must collapse to one")
		} else {
			blankRun = 0
		}
	}
}

func splitLines(s string) []string {
	var lines []string
	start := 0
	for i, r := range s {
		if r == '\n' {
			lines = append(lines, s[start:i])
			start = i + 1
		}
	}
	lines = append(lines, s[start:])
	return lines
}
