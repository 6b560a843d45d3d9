package extract

import (
	"bytes"
	"fmt"
	"strings"

	"github.com/PuerkitoBio/goquery"
)

const defaultTableSelector = "table"

// ReadHTMLTable returns the cell text of the first table matching selector.
func ReadHTMLTable(body []byte, selector string) ([][]string, error) {
	if strings.TrimSpace(selector) == "" {
		selector = defaultTableSelector
	}
	doc, err := goquery.NewDocumentFromReader(bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("parse html: %w", err)
	}
	table := doc.Find(selector).First()
	if table.Length() == 0 {
		return nil, fmt.Errorf("no element matches %q", selector)
	}

	var rows [][]string
	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		var cells []string
		tr.Find("th, td").Each(func(_ int, td *goquery.Selection) {
			text := strings.TrimSpace(td.Text())
			span := 1
			if v, ok := td.Attr("colspan"); ok {
				if _, err := fmt.Sscanf(v, "%d", &span); err != nil || span < 1 {
					span = 1
				}
			}
			cells = append(cells, text)
			for i := 1; i < span; i++ {
				cells = append(cells, "")
			}
		})
		rows = append(rows, cells)
	})
	return rows, nil
}
