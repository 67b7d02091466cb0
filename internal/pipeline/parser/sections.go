package parser

import (
	"math"
	"regexp"
	"strings"

	"github.com/stevenmcsorley/sec-filing-intelligence/internal/models"
)

var (
	itemHeadingPattern  = regexp.MustCompile(`^Item \d+`)
	uppercaseHeadingMin = 6
)

type heading struct {
	title string
	line  int
}

// sectionize scans text for heading lines and splits the body between
// consecutive headings into Sections. A filing with no recognisable
// headings becomes a single "Full Filing" section.
func sectionize(filingID, text string) []*models.Section {
	lines := strings.Split(text, "\n")
	var headings []heading
	for i, line := range lines {
		trimmed := strings.TrimSpace(line)
		if trimmed == "" {
			continue
		}
		if isHeadingLine(trimmed) {
			headings = append(headings, heading{title: trimmed, line: i})
		}
	}

	if len(headings) == 0 {
		return []*models.Section{{FilingID: filingID, Ordinal: 1, Title: "Full Filing", Content: strings.TrimSpace(text)}}
	}

	headings = append(headings, heading{title: "", line: len(lines)})

	var sections []*models.Section
	ordinal := 1
	for i := 0; i < len(headings)-1; i++ {
		start := headings[i].line + 1
		end := headings[i+1].line
		if start >= end {
			continue
		}
		body := strings.TrimSpace(strings.Join(lines[start:end], "\n"))
		if body == "" {
			continue
		}
		sections = append(sections, &models.Section{
			FilingID: filingID,
			Ordinal:  ordinal,
			Title:    headings[i].title,
			Content:  body,
		})
		ordinal++
	}
	return sections
}

func isHeadingLine(line string) bool {
	if itemHeadingPattern.MatchString(line) {
		return true
	}
	if len(line) < uppercaseHeadingMin {
		return false
	}
	return line == strings.ToUpper(line) && strings.ToLower(line) != strings.ToUpper(line)
}

// plannedChunk is one chunk of a section's content before it is
// wrapped into a ChunkTask with job metadata.
type plannedChunk struct {
	startParagraph  int
	endParagraph    int
	content         string
	estimatedTokens int
}

// planChunks splits a section's content into paragraph-delimited
// chunks. A chunk accumulates paragraphs until its estimated token
// count would exceed maxTokens; a chunk under minTokens is extended
// forward over the following paragraphs until it reaches minTokens,
// while the last chunk of a section may still come out short. Successive chunks
// overlap by `overlap` paragraphs so cross-paragraph context survives
// a chunk boundary.
func planChunks(content string, maxTokens, minTokens, overlap int) []plannedChunk {
	paragraphs := splitParagraphs(content)
	if len(paragraphs) == 0 {
		return nil
	}

	var chunks []plannedChunk
	i := 0
	for i < len(paragraphs) {
		start := i
		tokens := 0
		end := i
		for end < len(paragraphs) {
			pTokens := estimateTokens(paragraphs[end])
			if end > start && tokens+pTokens > maxTokens {
				break
			}
			tokens += pTokens
			end++
		}

		if tokens < minTokens && end < len(paragraphs) {
			for end < len(paragraphs) && tokens < minTokens {
				tokens += estimateTokens(paragraphs[end])
				end++
			}
		}

		chunks = append(chunks, plannedChunk{
			startParagraph:  start,
			endParagraph:    end - 1,
			content:         strings.Join(paragraphs[start:end], "\n\n"),
			estimatedTokens: tokens,
		})

		if end >= len(paragraphs) {
			break
		}
		next := end - overlap
		if next <= start {
			next = end
		}
		i = next
	}
	return chunks
}

func splitParagraphs(content string) []string {
	raw := strings.Split(content, "\n\n")
	out := make([]string, 0, len(raw))
	for _, p := range raw {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// estimateTokens approximates token count from word count using a 1.3x
// words-to-tokens heuristic.
func estimateTokens(s string) int {
	words := len(strings.Fields(s))
	return int(math.Ceil(float64(words) * 1.3))
}
