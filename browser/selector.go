package browser

import (
	"fmt"
	"strings"

	"github.com/chromedp/chromedp"

	"github.com/scrape-flow/workflow"
)

// Query is a selector translated for chromedp.
type Query struct {
	Expr string
	// XPath is true when Expr is an XPath expression rather than CSS.
	XPath bool
}

// By is the chromedp query option matching the expression language.
func (q Query) By() chromedp.QueryOption {
	if q.XPath {
		return chromedp.BySearch
	}
	return chromedp.ByQuery
}

// Translate maps a workflow selector onto a CSS or XPath query.
func Translate(sel workflow.Selector) (Query, error) {
	if strings.TrimSpace(sel.Value) == "" {
		return Query{}, fmt.Errorf("empty selector value for %s", sel.Kind)
	}
	switch sel.Kind {
	case workflow.SelectorID:
		return css(`[id=` + cssString(sel.Value) + `]`), nil
	case workflow.SelectorName:
		return css(`[name=` + cssString(sel.Value) + `]`), nil
	case workflow.SelectorClass:
		return css(`[class~=` + cssString(sel.Value) + `]`), nil
	case workflow.SelectorCSS, workflow.SelectorTag:
		return css(sel.Value), nil
	case workflow.SelectorXPath:
		return xpath(sel.Value), nil
	case workflow.SelectorLinkText:
		return xpath(`//a[normalize-space(.)=` + xpathLiteral(strings.TrimSpace(sel.Value)) + `]`), nil
	default:
		return Query{}, fmt.Errorf("unsupported selector kind %q", sel.Kind)
	}
}

func css(expr string) Query {
	return Query{Expr: expr}
}

func xpath(expr string) Query {
	return Query{Expr: expr, XPath: true}
}

func cssString(v string) string {
	var b strings.Builder
	b.WriteByte('"')
	for _, r := range v {
		switch r {
		case '"', '\\':
			b.WriteByte('\\')
			b.WriteRune(r)
		case '\n':
			b.WriteString(`\a `)
		case '\r':
			b.WriteString(`\d `)
		default:
			b.WriteRune(r)
		}
	}
	b.WriteByte('"')
	return b.String()
}

// xpathLiteral quotes v for XPath 1.0, which has no escape syntax.
func xpathLiteral(v string) string {
	if !strings.Contains(v, `"`) {
		return `"` + v + `"`
	}
	if !strings.Contains(v, `'`) {
		return `'` + v + `'`
	}
	parts := strings.Split(v, `"`)
	quoted := make([]string, 0, len(parts)*2)
	for i, p := range parts {
		if i > 0 {
			quoted = append(quoted, `'"'`)
		}
		if p != "" {
			quoted = append(quoted, `"`+p+`"`)
		}
	}
	return "concat(" + strings.Join(quoted, ", ") + ")"
}
