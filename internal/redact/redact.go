// Package redact scrubs personal data from free text.
//
// Rules run in a fixed order and the whole set is reapplied until the text
// stops changing, so Redact(Redact(x)) == Redact(x). Every replacement leaves
// fewer unmasked bytes than it consumed, which bounds the number of passes.
package redact

import (
	"regexp"
	"strings"
)

// Kind names a class of personal data
type Kind string

const (
	KindCard  Kind = "card_number"
	KindCVV   Kind = "cvv"
	KindSSN   Kind = "ssn"
	KindPhone Kind = "phone"
	KindCode  Kind = "verification_code"
	KindEmail Kind = "email"
)

// Masks used by the rules
const (
	SSNMask   = "***-**-****"
	PhoneMask = "***-***-****"
	CodeMask  = "******"
	EmailMask = "***@***.***"
	cardMask  = "****-****-****-"
)

// Finding reports how many times one rule fired
type Finding struct {
	Kind  Kind
	Count int
}

type rule struct {
	kind    Kind
	re      *regexp.Regexp
	replace func(groups []string) string
	// skip reports whether the match at [start,end) of text must be left alone
	skip func(text string, start, end int) bool
}

var (
	cardRe     = regexp.MustCompile(`\b(?:\d[ -]?){12,15}\d\b`)
	cvvRe      = regexp.MustCompile(`(?i)\b(cvv2?|cvc2?|cid|security code)(\s*[:#=]?\s*)(\d{3,4})\b`)
	ssnDashRe  = regexp.MustCompile(`\b\d{3}-\d{2}-\d{4}\b`)
	ssnPlainRe = regexp.MustCompile(`\b\d{9}\b`)
	phoneRe    = regexp.MustCompile(`(?i)\b(phone|tel|telephone|mobile|cell|fax|call(?: us)?(?: at)?)(\s*(?:number|no\.?|#)?\s*[:.]?\s*)(\+?\(?\d[\d \t().\-]{5,}\d)`)
	codeRe     = regexp.MustCompile(`\b\d{6}\b`)
	emailRe    = regexp.MustCompile(`[A-Za-z0-9._%+\-]+@([A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*\.[A-Za-z]{2,})`)
)

var baseRules = []rule{
	{
		kind: KindCard,
		re:   cardRe,
		replace: func(g []string) string {
			d := digitsOnly(g[0])
			return cardMask + d[len(d)-4:]
		},
		skip: func(text string, start, end int) bool {
			n := len(digitsOnly(text[start:end]))
			return n < 13 || n > 16 || followsMask(text, start)
		},
	},
	{
		kind: KindCVV,
		re:   cvvRe,
		replace: func(g []string) string {
			return g[1] + g[2] + "***"
		},
	},
	{
		kind:    KindSSN,
		re:      ssnDashRe,
		replace: func([]string) string { return SSNMask },
		skip:    isReference,
	},
	{
		kind:    KindSSN,
		re:      ssnPlainRe,
		replace: func([]string) string { return SSNMask },
		skip:    isReference,
	},
	{
		kind: KindPhone,
		re:   phoneRe,
		replace: func(g []string) string {
			return g[1] + g[2] + PhoneMask
		},
		skip: func(text string, start, end int) bool {
			m := phoneRe.FindStringSubmatch(text[start:end])
			if m == nil {
				return true
			}
			n := len(digitsOnly(m[3]))
			return n < 7 || n > 15
		},
	},
	{
		kind:    KindCode,
		re:      codeRe,
		replace: func([]string) string { return CodeMask },
		skip:    isReference,
	},
}

var (
	fullEmailRule = rule{
		kind:    KindEmail,
		re:      emailRe,
		replace: func([]string) string { return EmailMask },
	}
	keepDomainEmailRule = rule{
		kind:    KindEmail,
		re:      emailRe,
		replace: func(g []string) string { return "***@" + g[1] },
	}
)

var (
	defaultRules    = append(append([]rule{}, baseRules...), fullEmailRule)
	keepDomainRules = append(append([]rule{}, baseRules...), keepDomainEmailRule)
)

// Redact masks all personal data in text. Emails become ***@***.***.
func Redact(text string) string {
	out, _ := apply(text, defaultRules)
	return out
}

// RedactKeepDomain is Redact but keeps the email domain (***@domain).
func RedactKeepDomain(text string) string {
	out, _ := apply(text, keepDomainRules)
	return out
}

// RedactWithFindings redacts like RedactKeepDomain and reports which rules fired
func RedactWithFindings(text string) (string, []Finding) {
	return apply(text, keepDomainRules)
}

// ContainsPAN reports whether text holds a full card-number-shaped digit run
func ContainsPAN(text string) bool {
	for _, loc := range cardRe.FindAllStringIndex(text, -1) {
		n := len(digitsOnly(text[loc[0]:loc[1]]))
		if n >= 13 && n <= 16 {
			return true
		}
	}
	return false
}

func apply(text string, rules []rule) (string, []Finding) {
	if text == "" {
		return text, nil
	}

	counts := make(map[Kind]int)
	var order []Kind

	// A mask can expose a new match, e.g. digits glued to a masked email.
	for pass, limit := 0, len(text); pass <= limit; pass++ {
		changed := false
		for _, r := range rules {
			var n int
			text, n = replaceGuarded(text, r)
			if n == 0 {
				continue
			}
			changed = true
			if _, seen := counts[r.kind]; !seen {
				order = append(order, r.kind)
			}
			counts[r.kind] += n
		}
		if !changed {
			break
		}
	}

	var findings []Finding
	for _, k := range order {
		findings = append(findings, Finding{Kind: k, Count: counts[k]})
	}
	return text, findings
}

func replaceGuarded(text string, r rule) (string, int) {
	matches := r.re.FindAllStringSubmatchIndex(text, -1)
	if len(matches) == 0 {
		return text, 0
	}

	var b strings.Builder
	last, count := 0, 0
	for _, m := range matches {
		start, end := m[0], m[1]
		if r.skip != nil && r.skip(text, start, end) {
			continue
		}
		groups := make([]string, len(m)/2)
		for i := range groups {
			if m[2*i] >= 0 {
				groups[i] = text[m[2*i]:m[2*i+1]]
			}
		}
		b.WriteString(text[last:start])
		b.WriteString(r.replace(groups))
		last = end
		count++
	}
	if count == 0 {
		return text, 0
	}
	b.WriteString(text[last:])
	return b.String(), count
}

// isReference reports whether the digits at [start,end) are a reference
// number or part of an amount, e.g. "#123456", "$123456" or "123456.78".
func isReference(text string, start, end int) bool {
	if start > 0 {
		switch text[start-1] {
		case '#', '$', '.', ',', '-', '/', ':':
			return true
		}
		if strings.HasSuffix(text[:start], "No. ") || strings.HasSuffix(text[:start], "no. ") {
			return true
		}
	}
	if end < len(text) && text[end] == '@' {
		return true
	}
	if end+1 < len(text) {
		switch text[end] {
		case '.', ',':
			if isDigit(text[end+1]) {
				return true
			}
		case '-', '/', ':':
			if isDigit(text[end+1]) {
				return true
			}
		}
	}
	return followsMask(text, start)
}

// followsMask reports whether a match starts right after a placeholder, so
// the kept last four of a masked card never merge with trailing digits.
func followsMask(text string, start int) bool {
	i := start - 1
	for i >= 0 && (text[i] == '-' || text[i] == ' ') {
		i--
	}
	return i >= 0 && i < start-1 && text[i] == '*'
}

func digitsOnly(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		if isDigit(s[i]) {
			b.WriteByte(s[i])
		}
	}
	return b.String()
}

func isDigit(c byte) bool {
	return c >= '0' && c <= '9'
}
