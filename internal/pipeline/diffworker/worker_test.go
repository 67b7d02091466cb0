package diffworker

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

func TestBuildUnifiedDiff_BothSidesPresent(t *testing.T) {
	previous := &models.Section{Content: "line one\nline two\nline three"}
	current := &models.Section{Content: "line one\nline two changed\nline three"}

	unified, empty := buildUnifiedDiff(current, previous, 8000)

	require.False(t, empty)
	assert.Contains(t, unified, "- line two")
	assert.Contains(t, unified, "+ line two changed")
	assert.Contains(t, unified, "  line one")
}

func TestBuildUnifiedDiff_OneSideMissing(t *testing.T) {
	current := &models.Section{Content: "new content"}

	_, empty := buildUnifiedDiff(current, nil, 8000)

	assert.True(t, empty)
}

func TestBuildUnifiedDiff_Truncates(t *testing.T) {
	previous := &models.Section{Content: strings.Repeat("old paragraph\n", 500)}
	current := &models.Section{Content: strings.Repeat("new paragraph\n", 500)}

	unified, empty := buildUnifiedDiff(current, previous, 100)

	require.False(t, empty)
	assert.LessOrEqual(t, len(unified), 100+len(ellipsis))
	assert.Contains(t, unified, ellipsis)
}

func TestSynthesizeSingleChange_Addition(t *testing.T) {
	current := &models.Section{Title: "Risk Factors", Content: strings.Repeat("x", 500)}

	change := synthesizeSingleChange(current, nil)

	assert.Equal(t, string(models.ChangeTypeAddition), change.ChangeType)
	assert.Contains(t, change.Summary, "Risk Factors")
	assert.Len(t, change.Evidence, 280)
	require.NotNil(t, change.Confidence)
	assert.Equal(t, 1.0, *change.Confidence)
}

func TestSynthesizeSingleChange_Removal(t *testing.T) {
	previous := &models.Section{Title: "Legal Proceedings", Content: "short"}

	change := synthesizeSingleChange(nil, previous)

	assert.Equal(t, string(models.ChangeTypeRemoval), change.ChangeType)
	assert.Contains(t, change.Summary, "Legal Proceedings")
	assert.Equal(t, "short", change.Evidence)
}

func TestParseChangeResponse_BareArray(t *testing.T) {
	changes, ok := parseChangeResponse(`[{"change_type":"update","summary":"x","impact":"high","confidence":0.9,"evidence":"e"}]`)

	require.True(t, ok)
	require.Len(t, changes, 1)
	assert.Equal(t, "update", changes[0].ChangeType)
}

func TestParseChangeResponse_MarkdownFenced(t *testing.T) {
	changes, ok := parseChangeResponse("```json\n[]\n```")

	require.True(t, ok)
	assert.Empty(t, changes)
}

func TestParseChangeResponse_Unparseable(t *testing.T) {
	_, ok := parseChangeResponse("not json at all")

	assert.False(t, ok)
}

func TestNormalizeChanges_ClampsAndDefaults(t *testing.T) {
	task := models.DiffTask{
		DiffID:            "diff-1",
		CurrentSectionID:  "sec-cur",
		PreviousSectionID: "sec-prev",
		Ordinal:           2,
		Title:             "Item 1A",
	}
	overConfidence := 5.0
	underConfidence := -1.0
	raw := []rawChange{
		{ChangeType: "BOGUS", Impact: "BOGUS", Summary: strings.Repeat("s", 300), Confidence: &overConfidence, Evidence: "e1"},
		{ChangeType: "removal", Impact: "low", Summary: "fine", Confidence: &underConfidence, Evidence: "e2"},
	}

	out := normalizeChanges(task, raw)

	require.Len(t, out, 2)

	assert.Equal(t, models.ChangeTypeUpdate, out[0].ChangeType)
	assert.Equal(t, models.ImpactMedium, out[0].Impact)
	assert.Len(t, out[0].Summary, 160)
	require.NotNil(t, out[0].Confidence)
	assert.Equal(t, 1.0, *out[0].Confidence)
	assert.Equal(t, "diff-1", out[0].DiffID)
	assert.Equal(t, "sec-cur", out[0].CurrentSectionID)
	assert.Equal(t, "sec-prev", out[0].PreviousSectionID)
	assert.Equal(t, 2, out[0].Ordinal)

	assert.Equal(t, models.ChangeTypeRemoval, out[1].ChangeType)
	assert.Equal(t, models.ImpactLow, out[1].Impact)
	require.NotNil(t, out[1].Confidence)
	assert.Equal(t, 0.0, *out[1].Confidence)
}

func TestNormalizeChanges_NilConfidencePreserved(t *testing.T) {
	task := models.DiffTask{DiffID: "diff-1"}
	raw := []rawChange{{ChangeType: "update", Impact: "medium", Summary: "s", Evidence: "e"}}

	out := normalizeChanges(task, raw)

	require.Len(t, out, 1)
	assert.Nil(t, out[0].Confidence)
}
