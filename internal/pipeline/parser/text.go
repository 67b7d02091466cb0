package parser

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/ledongthuc/pdf"
	"golang.org/x/net/html"
)

const maxExtractedChars = 50000

// toPlainText converts a filing artifact's raw bytes to plain text
// based on its stored content type; any other content is returned as
// text, cut to maxExtractedChars.
func toPlainText(data []byte, contentType string) (string, error) {
	switch {
	case strings.Contains(contentType, "pdf"):
		return extractPDFText(data)
	case strings.Contains(contentType, "html"):
		return extractHTMLText(data), nil
	default:
		text := string(data)
		if len(text) > maxExtractedChars {
			text = text[:maxExtractedChars]
		}
		return text, nil
	}
}

// extractPDFText extracts text from an in-memory PDF, recovering from
// panics raised by the decoder on corrupt archives the way the
// teacher's extractPDFText does for downloaded ASX announcements.
func extractPDFText(data []byte) (text string, err error) {
	defer func() {
		if r := recover(); r != nil {
			text = ""
			err = fmt.Errorf("panic during PDF extraction: %v", r)
		}
	}()

	r, readerErr := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if readerErr != nil {
		return "", fmt.Errorf("failed to open pdf: %w", readerErr)
	}

	var sb strings.Builder
	totalPages := r.NumPage()
	for i := 1; i <= totalPages; i++ {
		page := r.Page(i)
		if page.V.IsNull() {
			continue
		}
		pageText, pageErr := page.GetPlainText(nil)
		if pageErr != nil {
			continue
		}
		sb.WriteString(pageText)
		sb.WriteString("\n")
		if sb.Len() > maxExtractedChars {
			break
		}
	}

	result := sb.String()
	if len(result) > maxExtractedChars {
		result = result[:maxExtractedChars]
	}
	return result, nil
}

// extractHTMLText strips script/style elements and emits a line per
// block-level element and per text node, then normalises whitespace.
func extractHTMLText(data []byte) string {
	tokenizer := html.NewTokenizer(bytes.NewReader(data))
	var sb strings.Builder
	skipDepth := 0

	for {
		tt := tokenizer.Next()
		switch tt {
		case html.ErrorToken:
			return normalizeWhitespace(sb.String())
		case html.StartTagToken, html.SelfClosingTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				if tt == html.StartTagToken {
					skipDepth++
				}
				continue
			}
			if isBlockElement(tag) {
				sb.WriteString("\n")
			}
		case html.EndTagToken:
			name, _ := tokenizer.TagName()
			tag := string(name)
			if tag == "script" || tag == "style" {
				if skipDepth > 0 {
					skipDepth--
				}
				continue
			}
			if isBlockElement(tag) {
				sb.WriteString("\n")
			}
		case html.TextToken:
			if skipDepth > 0 {
				continue
			}
			sb.Write(tokenizer.Text())
		}
	}
}

func isBlockElement(tag string) bool {
	switch tag {
	case "p", "div", "br", "tr", "table", "li", "h1", "h2", "h3", "h4", "h5", "h6":
		return true
	default:
		return false
	}
}

// normalizeWhitespace collapses runs of blank lines and trims trailing
// spaces on each line, without disturbing the line boundaries
// sectionisation depends on.
func normalizeWhitespace(s string) string {
	lines := strings.Split(s, "\n")
	out := make([]string, 0, len(lines))
	blank := false
	for _, line := range lines {
		trimmed := strings.TrimRight(strings.TrimLeft(line, " \t"), " \t\r")
		if trimmed == "" {
			if blank {
				continue
			}
			blank = true
		} else {
			blank = false
		}
		out = append(out, trimmed)
	}
	text := strings.Join(out, "\n")
	if len(text) > maxExtractedChars {
		text = text[:maxExtractedChars]
	}
	return text
}
