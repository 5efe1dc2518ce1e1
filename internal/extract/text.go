package extract

import (
	"context"
	"html"
	"os"
	"regexp"
	"strings"

	"github.com/rotisserie/eris"
)

// TextExtractor reads plain-text files as-is.
type TextExtractor struct{}

func (e *TextExtractor) SupportedExtensions() []string {
	return []string{".txt", ".md", ".csv"}
}

func (e *TextExtractor) Extract(_ context.Context, path string) (string, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, eris.Wrap(err, "text: read file")
	}
	return string(data), map[string]string{"format": "text"}, nil
}

var (
	scriptRe = regexp.MustCompile(`(?is)<(script|style|noscript)\b[^>]*>.*?</(script|style|noscript)>`)
	tagRe    = regexp.MustCompile(`(?s)<[^>]*>`)
	blankRe  = regexp.MustCompile(`\n{3,}`)
)

// HTMLExtractor strips markup from notice pages, keeping the visible
// text. Block-level closing tags become newlines so section structure
// survives for the chunker's format detection.
type HTMLExtractor struct{}

func (e *HTMLExtractor) SupportedExtensions() []string {
	return []string{".html", ".htm", ".xhtml"}
}

func (e *HTMLExtractor) Extract(_ context.Context, path string) (string, map[string]string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return "", nil, eris.Wrap(err, "html: read file")
	}

	text := scriptRe.ReplaceAllString(string(data), "")
	for _, tag := range []string{"</p>", "</div>", "</li>", "</tr>", "</h1>", "</h2>", "</h3>", "</h4>", "<br>", "<br/>", "<br />"} {
		text = strings.ReplaceAll(text, tag, tag+"\n")
	}
	text = tagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankRe.ReplaceAllString(text, "\n\n")

	return strings.TrimSpace(text), map[string]string{"format": "html"}, nil
}
