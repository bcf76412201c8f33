// Package preprocess normalizes ingested articles that arrive as raw HTML:
// boilerplate removal, main-content extraction, sentence splitting and token
// estimation. Articles that already carry pre-split sentences pass through
// untouched.
package preprocess

import (
	"fmt"
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/PuerkitoBio/goquery"

	"winnow/internal/core"
)

var collapseNewlines = regexp.MustCompile(`(\n\s*){2,}`)

// Process fills in Sentences, Title and TokenCount for an article supplied
// as raw HTML. An article with neither sentences nor HTML is rejected.
func Process(article *core.SourceArticle) error {
	if len(article.Sentences) > 0 {
		if article.TokenCount == 0 {
			article.TokenCount = EstimateTokens(strings.Join(article.Sentences, " "))
		}
		return nil
	}

	if article.RawHTML == "" {
		return &core.ValidationError{
			Field:  "article " + article.ID,
			Reason: "no sentences and no raw HTML to extract them from",
		}
	}

	text, title, err := ExtractContent(article.RawHTML)
	if err != nil {
		return fmt.Errorf("failed to extract content for article %s: %w", article.ID, err)
	}

	if article.Title == "" {
		article.Title = title
	}
	article.Sentences = SplitSentences(text)
	if article.TokenCount == 0 {
		article.TokenCount = EstimateTokens(text)
	}
	return nil
}

// ExtractContent extracts the main textual content and title from HTML,
// removing boilerplate elements first.
func ExtractContent(htmlContent string) (string, string, error) {
	doc, err := goquery.NewDocumentFromReader(strings.NewReader(htmlContent))
	if err != nil {
		return "", "", fmt.Errorf("failed to parse HTML: %w", err)
	}

	title := extractTitle(doc)

	// Remove common non-content elements
	doc.Find("script, style, nav, footer, header, aside, form, iframe, noscript, .sidebar, #sidebar, .ad, .advertisement, .popup, .modal, .cookie-banner").Remove()

	// Attempt to find main content using common selectors
	var textBuilder strings.Builder
	mainContentSelectors := []string{
		"article", "main", ".main-content", ".entry-content", ".post-content", ".post-body", ".article-body",
		"[role='main']",
		".content", "#content",
	}

	foundMainContent := false
	for _, selector := range mainContentSelectors {
		doc.Find(selector).Each(func(i int, s *goquery.Selection) {
			s.Find("p, h1, h2, h3, h4, h5, h6, li, blockquote, pre").Each(func(_ int, item *goquery.Selection) {
				textBuilder.WriteString(strings.TrimSpace(item.Text()))
				textBuilder.WriteString("\n\n")
			})
		})
		if textBuilder.Len() > 0 {
			foundMainContent = true
			break
		}
	}

	// If no specific main content found, fall back to the whole body
	if !foundMainContent {
		doc.Find("body").Find("p, h1, h2, h3, h4, h5, h6, li, blockquote, pre").Each(func(_ int, item *goquery.Selection) {
			textBuilder.WriteString(strings.TrimSpace(item.Text()))
			textBuilder.WriteString("\n\n")
		})
	}

	text := collapseNewlines.ReplaceAllString(textBuilder.String(), "\n")
	return strings.TrimSpace(text), title, nil
}

// extractTitle tries the head title, then the OpenGraph title, then the
// first h1.
func extractTitle(doc *goquery.Document) string {
	if title := strings.TrimSpace(doc.Find("head title").First().Text()); title != "" {
		return title
	}
	if ogTitle, _ := doc.Find("meta[property='og:title']").Attr("content"); ogTitle != "" {
		return strings.TrimSpace(ogTitle)
	}
	if h1 := strings.TrimSpace(doc.Find("h1").First().Text()); h1 != "" {
		return h1
	}
	return ""
}

// SplitSentences splits text into sentences on terminal punctuation and
// newlines. Western terminators only split before whitespace or end of text,
// which keeps decimals like "3.5" intact; CJK terminators always split.
func SplitSentences(text string) []string {
	var sentences []string
	var b strings.Builder

	flush := func() {
		if s := strings.TrimSpace(b.String()); s != "" {
			sentences = append(sentences, s)
		}
		b.Reset()
	}

	runes := []rune(text)
	for i, r := range runes {
		if r == '\n' {
			flush()
			continue
		}
		b.WriteRune(r)
		switch r {
		case '。', '！', '？':
			flush()
		case '.', '!', '?':
			if i+1 == len(runes) || unicode.IsSpace(runes[i+1]) {
				flush()
			}
		}
	}
	flush()
	return sentences
}

// EstimateTokens provides a rough token count for text.
// This is a simplified approximation: typically 1 token ≈ 4 characters
func EstimateTokens(text string) int {
	text = strings.TrimSpace(text)
	if text == "" {
		return 0
	}
	tokens := utf8.RuneCountInString(text) / 4
	if tokens < 1 {
		tokens = 1
	}
	return tokens
}
