package sanitizer

import (
	"net/url"
	"strings"

	"github.com/PuerkitoBio/goquery"
	"golang.org/x/net/html"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/redact"
)

const blockedHref = "#blocked"

var urlAttributes = []string{"href", "src", "action", "formaction", "xlink:href"}

// sanitizeHTML removes scripts and dangerous styles, disarms event handlers
// and dangerous URLs, flags deceptive links and redacts PII in text nodes
func (s *Sanitizer) sanitizeHTML(raw string, rep *report) string {
	if strings.TrimSpace(raw) == "" {
		return raw
	}
	loc := entity.LocationHTMLContent

	doc, err := goquery.NewDocumentFromReader(strings.NewReader(raw))
	if err != nil {
		rep.flag(entity.FlagMaliciousCode, entity.SeverityLow, loc, "HTML body could not be parsed")
		rep.action(entity.ActionRemoval, loc, "removed unparseable HTML body")
		return ""
	}

	if scripts := doc.Find("script"); scripts.Length() > 0 {
		n := scripts.Length()
		scripts.Remove()
		rep.flag(entity.FlagMaliciousCode, entity.SeverityHigh, loc, "script element (%d)", n)
		rep.action(entity.ActionRemoval, loc, "removed %d script element(s)", n)
	}

	styles := doc.Find("style").FilterFunction(func(i int, sel *goquery.Selection) bool {
		return isDangerousCSS(sel.Text())
	})
	if n := styles.Length(); n > 0 {
		styles.Remove()
		rep.flag(entity.FlagMaliciousCode, entity.SeverityHigh, loc, "style element with script expression (%d)", n)
		rep.action(entity.ActionRemoval, loc, "removed %d dangerous style element(s)", n)
	}

	if embeds := doc.Find("iframe, object, embed, applet"); embeds.Length() > 0 {
		n := embeds.Length()
		embeds.Remove()
		rep.flag(entity.FlagMaliciousCode, entity.SeverityMedium, loc, "embedded frame or object (%d)", n)
		rep.action(entity.ActionRemoval, loc, "removed %d embedded frame/object element(s)", n)
	}

	var handlers, urls, inlineStyles int
	doc.Find("*").Each(func(i int, sel *goquery.Selection) {
		for _, node := range sel.Nodes {
			for j := range node.Attr {
				a := &node.Attr[j]
				key := strings.ToLower(a.Key)
				switch {
				case strings.HasPrefix(key, "on"):
					a.Key = "data-removed-" + key
					handlers++
				case isURLAttribute(key) && isDangerousURL(a.Val):
					a.Val = blockedHref
					urls++
				case key == "style" && isDangerousCSS(a.Val):
					a.Key = "data-removed-style"
					inlineStyles++
				}
			}
		}
	})
	if handlers > 0 {
		rep.flag(entity.FlagMaliciousCode, entity.SeverityHigh, loc, "event handler attribute (%d)", handlers)
		rep.action(entity.ActionNeutralization, loc, "neutralized %d event handler attribute(s)", handlers)
	}
	if urls > 0 {
		rep.flag(entity.FlagMaliciousCode, entity.SeverityHigh, loc, "dangerous URL attribute (%d)", urls)
		rep.action(entity.ActionNeutralization, loc, "neutralized %d dangerous URL attribute(s)", urls)
	}
	if inlineStyles > 0 {
		rep.flag(entity.FlagMaliciousCode, entity.SeverityMedium, loc, "inline style with script expression (%d)", inlineStyles)
		rep.action(entity.ActionNeutralization, loc, "neutralized %d inline style attribute(s)", inlineStyles)
	}

	doc.Find("a[href]").Each(func(i int, sel *goquery.Selection) {
		href, _ := sel.Attr("href")
		shown := displayedHost(sel.Text())
		target := hrefHost(href)
		if shown != "" && target != "" && !sameSite(shown, target) {
			rep.flag(entity.FlagSuspiciousLinks, entity.SeverityMedium, loc,
				"link text shows %s but points to %s", shown, target)
		}
	})

	redactions := map[redact.Kind]int{}
	var order []redact.Kind
	doc.Find("*").Contents().Each(func(i int, sel *goquery.Selection) {
		for _, node := range sel.Nodes {
			if node.Type != html.TextNode {
				continue
			}
			redacted, findings := redact.RedactWithFindings(node.Data)
			if len(findings) == 0 {
				continue
			}
			node.Data = redacted
			for _, f := range findings {
				if _, seen := redactions[f.Kind]; !seen {
					order = append(order, f.Kind)
				}
				redactions[f.Kind] += f.Count
			}
		}
	})
	for _, k := range order {
		rep.action(entity.ActionRedaction, loc, "redacted %d %s value(s)", redactions[k], k)
	}

	out, err := doc.Html()
	if err != nil {
		rep.action(entity.ActionRemoval, loc, "removed HTML body that could not be re-rendered")
		return ""
	}
	return out
}

func isURLAttribute(key string) bool {
	for _, k := range urlAttributes {
		if key == k {
			return true
		}
	}
	return false
}

// isDangerousURL matches script-capable schemes even when obfuscated with
// whitespace or control characters
func isDangerousURL(v string) bool {
	var b strings.Builder
	for _, r := range strings.ToLower(v) {
		if r > ' ' && r != 0x7f {
			b.WriteRune(r)
		}
	}
	compact := b.String()
	return strings.HasPrefix(compact, "javascript:") ||
		strings.HasPrefix(compact, "vbscript:") ||
		strings.HasPrefix(compact, "data:text/html")
}

func isDangerousCSS(css string) bool {
	lower := strings.ToLower(css)
	return strings.Contains(lower, "expression(") || strings.Contains(lower, "javascript:")
}

func displayedHost(text string) string {
	m := displayHostRe.FindStringSubmatch(text)
	if m == nil {
		return ""
	}
	return strings.ToLower(strings.TrimPrefix(strings.ToLower(m[1]), "www."))
}

func hrefHost(href string) string {
	u, err := url.Parse(strings.TrimSpace(href))
	if err != nil || u.Host == "" {
		return ""
	}
	return strings.TrimPrefix(strings.ToLower(u.Hostname()), "www.")
}

// sameSite treats a host and its subdomains as the same site
func sameSite(a, b string) bool {
	return a == b || strings.HasSuffix(a, "."+b) || strings.HasSuffix(b, "."+a)
}
