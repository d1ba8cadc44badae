package render

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/livetemplate/pagecraft"
	"github.com/livetemplate/pagecraft/internal/security"
)

// kind dispatches on the node kind. Every registered kind has a case; any
// other kind falls through to the placeholder.
func (c *call) kind(n pagecraft.ComponentNode) error {
	p := n.Props
	switch n.Kind {
	case pagecraft.KindContainer:
		dir := oneOf(p.String("direction", "column"), "column", "row")
		fmt.Fprintf(&c.buf, `<div class="pc-container pc-%s"%s>`, dir, styleAttr(
			px("gap", p.Number("gap", 0)),
			px("padding", p.Number("padding", 0)),
		))
		if err := c.children(n); err != nil {
			return err
		}
		c.buf.WriteString(`</div>`)

	case pagecraft.KindColumns:
		count := clampInt(p.Int("count", 2), 1, 6, 2)
		fmt.Fprintf(&c.buf, `<div class="pc-columns" style="grid-template-columns:repeat(%d,minmax(0,1fr))">`, count)
		if err := c.children(n); err != nil {
			return err
		}
		c.buf.WriteString(`</div>`)

	case pagecraft.KindHeading:
		level := clampInt(p.Int("level", 2), 1, 6, 2)
		fmt.Fprintf(&c.buf, `<h%d class="pc-heading%s">%s</h%d>`, level, alignClass(p), esc(p.String("text", "")), level)

	case pagecraft.KindText:
		text := esc(p.String("text", ""))
		text = strings.ReplaceAll(text, "\n", "<br>")
		fmt.Fprintf(&c.buf, `<p class="pc-text%s">%s</p>`, alignClass(p), text)

	case pagecraft.KindRichText:
		html, err := c.markdown(p.String("markdown", ""))
		if err != nil {
			return err
		}
		fmt.Fprintf(&c.buf, `<div class="pc-rich-text">%s</div>`, html)

	case pagecraft.KindImage:
		src, ok := security.SafeURL(p.String("src", ""))
		if !ok {
			c.buf.WriteString(`<div class="pc-image pc-image-missing"></div>`)
			break
		}
		fmt.Fprintf(&c.buf, `<img class="pc-image" src="%s" alt="%s"`, esc(src), esc(p.String("alt", "")))
		if w := p.Int("width", 0); w > 0 {
			fmt.Fprintf(&c.buf, ` width="%d"`, w)
		}
		c.buf.WriteString(` loading="lazy">`)

	case pagecraft.KindButton:
		variant := oneOf(p.String("variant", "primary"), "primary", "secondary", "link")
		label := esc(p.String("label", "Button"))
		if href, ok := security.SafeURL(p.String("href", "")); ok {
			fmt.Fprintf(&c.buf, `<a class="pc-button pc-button-%s" href="%s">%s</a>`, variant, esc(href), label)
		} else {
			fmt.Fprintf(&c.buf, `<button class="pc-button pc-button-%s" type="button">%s</button>`, variant, label)
		}

	case pagecraft.KindSpacer:
		h := p.Number("height", 24)
		if h < 0 {
			h = 0
		}
		fmt.Fprintf(&c.buf, `<div class="pc-spacer" style="height:%spx"></div>`, formatNumber(h))

	case pagecraft.KindDivider:
		c.buf.WriteString(`<hr class="pc-divider">`)

	case pagecraft.KindProductGrid:
		limit := clampInt(p.Int("limit", 8), 1, 48, 8)
		cols := clampInt(p.Int("columns", 4), 1, 6, 4)
		fmt.Fprintf(&c.buf, `<div class="pc-product-grid" data-category-id="%s" data-limit="%d" data-columns="%d"`,
			esc(p.String("categoryId", "")), limit, cols)
		if title := p.String("title", ""); title != "" {
			fmt.Fprintf(&c.buf, `><h3 class="pc-product-grid-title">%s</h3></div>`, esc(title))
		} else {
			c.buf.WriteString(`></div>`)
		}

	default:
		c.unknown(n)
	}
	return nil
}

func (c *call) unknown(n pagecraft.ComponentNode) {
	c.r.logger.Warn().
		Str("node_id", n.ID).
		Str("kind", string(n.Kind)).
		Msg("rendering placeholder for unknown component kind")
	if c.r.observer != nil {
		c.r.observer.UnknownKind(string(n.Kind))
	}
	fmt.Fprintf(&c.buf, `<div class="pc-unknown" data-unknown-kind="%s">Unsupported component: %s</div>`,
		esc(string(n.Kind)), esc(string(n.Kind)))
}

func oneOf(v string, allowed ...string) string {
	for _, a := range allowed {
		if v == a {
			return v
		}
	}
	return allowed[0]
}

func clampInt(v, lo, hi, def int) int {
	if v < lo || v > hi {
		return def
	}
	return v
}

func alignClass(p pagecraft.Props) string {
	switch p.String("align", "") {
	case "center":
		return " pc-align-center"
	case "right":
		return " pc-align-right"
	}
	return ""
}

func px(prop string, v float64) string {
	if v <= 0 {
		return ""
	}
	return prop + ":" + formatNumber(v) + "px"
}

func styleAttr(decls ...string) string {
	var parts []string
	for _, d := range decls {
		if d != "" {
			parts = append(parts, d)
		}
	}
	if len(parts) == 0 {
		return ""
	}
	return ` style="` + strings.Join(parts, ";") + `"`
}

func formatNumber(f float64) string {
	return strconv.FormatFloat(f, 'f', -1, 64)
}
