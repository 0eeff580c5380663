package analysis

import (
	"bytes"
	"strings"
	"unicode/utf8"

	htmltomarkdown "github.com/JohannesKaufmann/html-to-markdown/v2"

	"earshot/internal/services"
)

// extractText normalizes downloaded transcript bytes into analyzable text.
// HTML documents are converted to markdown; plain text passes through.
// Binary formats are a permanent decode failure.
func extractText(body []byte) (string, error) {
	if len(body) == 0 {
		return "", services.Wrap(services.ErrPermanent, "analysis", "extract", "empty document", nil)
	}
	if bytes.HasPrefix(body, []byte("%PDF")) {
		return "", services.Wrap(services.ErrPermanent, "analysis", "extract", "pdf transcripts are not supported", nil)
	}
	if !utf8.Valid(body) {
		return "", services.Wrap(services.ErrPermanent, "analysis", "extract", "document is not valid utf-8", nil)
	}

	text := string(body)
	if looksLikeHTML(text) {
		converted, err := htmltomarkdown.ConvertString(text)
		if err != nil {
			return "", services.Wrap(services.ErrPermanent, "analysis", "extract", "convert html", err)
		}
		text = converted
	}

	text = strings.TrimSpace(text)
	if text == "" {
		return "", services.Wrap(services.ErrPermanent, "analysis", "extract", "document has no text", nil)
	}
	return text, nil
}

func looksLikeHTML(text string) bool {
	head := strings.ToLower(text)
	if len(head) > 512 {
		head = head[:512]
	}
	return strings.Contains(head, "<html") || strings.Contains(head, "<!doctype html") || strings.Contains(head, "<body")
}
