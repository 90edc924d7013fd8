package extract

import (
	"strconv"
	"strings"

	"github.com/PuerkitoBio/goquery"

	"github.com/scrape-flow/sink"
)

const (
	maxColspan = 1000
	maxRowspan = 65534
)

// parseTable flattens one <table> into a rectangular grid. colspan and
// rowspan cells are repeated into every slot they cover. Rows belonging to
// nested tables are skipped; their text stays inside the enclosing cell.
func parseTable(table *goquery.Selection) sink.Table {
	var (
		out   sink.Table
		carry = map[int]*spanned{}
		first = true
	)

	table.Find("tr").Each(func(_ int, tr *goquery.Selection) {
		if !tr.Closest("table").IsSelection(table) {
			return
		}
		cells := tr.ChildrenFiltered("td, th")
		if cells.Length() == 0 {
			return
		}

		var row []string
		fill := func() {
			for {
				p, ok := carry[len(row)]
				if !ok {
					return
				}
				row = append(row, p.text)
				p.left--
				if p.left == 0 {
					delete(carry, len(row)-1)
				}
			}
		}

		allHeaders := true
		cells.Each(func(_ int, cell *goquery.Selection) {
			fill()
			if goquery.NodeName(cell) != "th" {
				allHeaders = false
			}
			text := cellText(cell)
			colspan := spanAttr(cell, "colspan", maxColspan)
			rowspan := spanAttr(cell, "rowspan", maxRowspan)
			for i := 0; i < colspan; i++ {
				if rowspan > 1 {
					carry[len(row)] = &spanned{text: text, left: rowspan - 1}
				}
				row = append(row, text)
			}
		})
		// Spans from earlier rows that sit to the right of this row's cells.
		for col := len(row); col <= maxKey(carry); col++ {
			if p, ok := carry[col]; ok {
				row = append(row, p.text)
				p.left--
				if p.left == 0 {
					delete(carry, col)
				}
				continue
			}
			row = append(row, "")
		}

		inHead := tr.ParentFiltered("thead").Length() > 0
		if first && (inHead || allHeaders) {
			out.Header = row
		} else {
			out.Rows = append(out.Rows, row)
		}
		first = false
	})
	return out
}

type spanned struct {
	text string
	left int
}

func maxKey(m map[int]*spanned) int {
	top := -1
	for k := range m {
		if k > top {
			top = k
		}
	}
	return top
}

func spanAttr(cell *goquery.Selection, name string, limit int) int {
	v, ok := cell.Attr(name)
	if !ok {
		return 1
	}
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 1 {
		return 1
	}
	if n > limit {
		return limit
	}
	return n
}

func cellText(cell *goquery.Selection) string {
	return strings.Join(strings.Fields(cell.Text()), " ")
}
