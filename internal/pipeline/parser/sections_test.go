package parser

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

func TestSectionize_SplitsOnItemHeadings(t *testing.T) {
	text := "Item 1 Business\nWe make widgets.\n\nItem 1A Risk Factors\nThings could go wrong.\n"
	sections := sectionize("filing-1", text)

	require.Len(t, sections, 2)
	assert.Equal(t, "Item 1 Business", sections[0].Title)
	assert.Equal(t, 1, sections[0].Ordinal)
	assert.Contains(t, sections[0].Content, "We make widgets.")
	assert.Equal(t, "Item 1A Risk Factors", sections[1].Title)
	assert.Equal(t, 2, sections[1].Ordinal)
	assert.Contains(t, sections[1].Content, "Things could go wrong.")
}

func TestSectionize_FallsBackToSingleSectionWithoutHeadings(t *testing.T) {
	sections := sectionize("filing-1", "just some plain prose with no headings at all")
	require.Len(t, sections, 1)
	assert.Equal(t, "Full Filing", sections[0].Title)
	assert.Equal(t, 1, sections[0].Ordinal)
}

func TestSectionize_RecognisesUppercaseHeadingLines(t *testing.T) {
	text := "RISK FACTORS\nSome risk language here that is long enough.\n"
	sections := sectionize("filing-1", text)
	require.Len(t, sections, 1)
	assert.Equal(t, "RISK FACTORS", sections[0].Title)
}

func TestPlanChunks_SplitsOnMaxTokenBoundary(t *testing.T) {
	p1 := "one two three four five"
	p2 := "six seven eight nine ten"
	p3 := "eleven twelve thirteen fourteen fifteen"
	content := p1 + "\n\n" + p2 + "\n\n" + p3

	chunks := planChunks(content, 8, 0, 0)
	require.GreaterOrEqual(t, len(chunks), 2, "content exceeding maxTokens per paragraph group must split into multiple chunks")
	for _, c := range chunks {
		assert.NotEmpty(t, c.content)
	}
}

func TestPlanChunks_EmptyContentYieldsNoChunks(t *testing.T) {
	assert.Nil(t, planChunks("", 100, 10, 1))
	assert.Nil(t, planChunks("   \n\n  ", 100, 10, 1))
}

func TestPlanChunks_BelowMinTokensExtendsForward(t *testing.T) {
	content := "a b\n\nc d\n\ne f g h i j k l m n o p"
	chunks := planChunks(content, 3, 5, 0)
	require.NotEmpty(t, chunks)
	assert.GreaterOrEqual(t, chunks[0].estimatedTokens, 5, "a short leading chunk must be extended forward until it clears minTokens")
}

func TestBuildDiffTasks_ClassifiesAdditionRemovalAndUpdate(t *testing.T) {
	current := []*models.Section{
		{ID: "cur-1", Ordinal: 1, Title: "Item 1"},
		{ID: "cur-2", Ordinal: 2, Title: "Item 2"},
	}
	previous := []*models.Section{
		{ID: "prev-1", Ordinal: 1, Title: "Item 1"},
		{ID: "prev-3", Ordinal: 3, Title: "Item 3"},
	}

	tasks := buildDiffTasks("0000320193-26-000001", "diff-1", "filing-cur", "filing-prev", current, previous)

	byOrdinal := map[int]models.DiffChangeKind{}
	for _, task := range tasks {
		byOrdinal[task.Ordinal] = task.ChangeKind
	}

	require.Len(t, tasks, 3)
	assert.Equal(t, models.DiffChangeUpdate, byOrdinal[1])
	assert.Equal(t, models.DiffChangeAddition, byOrdinal[2])
	assert.Equal(t, models.DiffChangeRemoval, byOrdinal[3])
}
