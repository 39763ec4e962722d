package features

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var whitespaceRe = regexp.MustCompile(`\s+`)

// CleanText strips markup that abstracts exported from bibliographic
// databases often carry (<p>, <i>, <sub>, entities) and collapses
// whitespace.
func CleanText(text string) string {
	if strings.ContainsAny(text, "<&") {
		doc, err := goquery.NewDocumentFromReader(strings.NewReader(text))
		if err == nil {
			doc.Find("script, style").Remove()
			text = doc.Text()
		}
	}
	return strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))
}
