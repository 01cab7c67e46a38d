package extract

import (
	"regexp"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

var (
	labelNoise = regexp.MustCompile(`[^\pL\pN]+`)
	valueNoise = regexp.MustCompile(`[^\pL\pN ]+`)
	spaces     = regexp.MustCompile(`\s+`)
)

// FieldExtractor finds a single text value. Rows are tried first: each row
// is an element whose first child holds a label and whose last child holds
// the value. Selectors follow, the first non-empty text winning.
type FieldExtractor struct {
	Label     string
	Rows      []string
	Selectors []string
}

// Extract returns the normalised value and whether one was found.
func (f FieldExtractor) Extract(doc *goquery.Document) (string, bool) {
	want := cleanLabel(f.Label)
	for _, rowSel := range f.Rows {
		var value string
		doc.Find(rowSel).EachWithBreak(func(_ int, row *goquery.Selection) bool {
			cells := row.Children()
			if cells.Length() < 2 {
				return true
			}
			if cleanLabel(cells.First().Text()) != want {
				return true
			}
			value = cleanValue(cells.Last().Text())
			return value == ""
		})
		if value != "" {
			return value, true
		}
	}
	for _, sel := range f.Selectors {
		if v := cleanValue(doc.Find(sel).First().Text()); v != "" {
			return v, true
		}
	}
	return "", false
}

func cleanLabel(s string) string {
	return strings.ToLower(labelNoise.ReplaceAllString(s, ""))
}

func cleanValue(s string) string {
	s = valueNoise.ReplaceAllString(s, "")
	s = spaces.ReplaceAllString(s, " ")
	return strings.ToLower(strings.TrimSpace(s))
}
