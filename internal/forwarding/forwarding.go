// Package forwarding recognises forwarded emails, recovers the original
// sender and isolates the forwarded receipt content.
package forwarding

import (
	"fmt"
	"net/mail"
	"regexp"
	"strings"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
	"github.com/garyjia/receipt-pipeline/internal/htmltext"
)

// ReceiptSeparator joins multiple receipts found in one forwarded body
const ReceiptSeparator = "\n\n=== RECEIPT SEPARATOR ===\n\n"

var (
	subjectPrefixRe = regexp.MustCompile(`(?i)^\s*(fwd|fw|wg|rv|tr|enc|re|aw|sv)\s*(?:\[\d+\])?\s*:\s*`)

	markerRe = regexp.MustCompile(`(?im)^[ \t>]*(?:-{2,}\s*(?:forwarded message|original message|mensaje reenviado|mensaje original|weitergeleitete nachricht|urspr(?:ü|ue)ngliche nachricht|message transf(?:é|e)r(?:é|e)|message d'origine|message original)\s*-{2,}|begin forwarded message\s*:|inicio del mensaje reenviado\s*:|anfang der weitergeleiteten nachricht\s*:|d(?:é|e)but du message r(?:é|e)exp(?:é|e)di(?:é|e)\s*:)[ \t]*$`)

	headerLineRe = regexp.MustCompile(`^[ \t>]*\*?([\p{L}-]+)\*?[ \t]*:[ \t]*(.*)$`)
	quotePrefix  = regexp.MustCompile(`(?m)^[ \t]*>[ \t]?`)
)

var forwardPrefixes = map[string]bool{
	"fwd": true, "fw": true, "wg": true, "rv": true, "tr": true, "enc": true,
}

type headerField int

const (
	fieldNone headerField = iota
	fieldFrom
	fieldDate
	fieldTo
	fieldSubject
	fieldOther
)

var headerLabels = map[string]headerField{
	"from": fieldFrom, "de": fieldFrom, "von": fieldFrom, "da": fieldFrom,
	"sent": fieldDate, "date": fieldDate, "enviado": fieldDate, "fecha": fieldDate,
	"gesendet": fieldDate, "datum": fieldDate, "envoyé": fieldDate, "envoye": fieldDate, "data": fieldDate,
	"to": fieldTo, "para": fieldTo, "an": fieldTo, "à": fieldTo, "a": fieldTo,
	"subject": fieldSubject, "asunto": fieldSubject, "betreff": fieldSubject, "objet": fieldSubject,
	"oggetto": fieldSubject, "assunto": fieldSubject,
	"cc": fieldOther, "bcc": fieldOther, "reply-to": fieldOther, "kopie": fieldOther,
}

// block is one forwarded header block inside a body
type block struct {
	from, date, subject string
	contentStart        int
}

// Detect returns the forwarding chain of email, or nil when the email was not
// forwarded
func Detect(email *entity.ParsedEmail) *entity.ForwardedEmailChain {
	if email == nil {
		return nil
	}

	body := email.Text
	if strings.TrimSpace(body) == "" && email.HTML != "" {
		if text, err := htmltext.ToText(email.HTML); err == nil {
			body = text
		}
	}

	prefixes, bareSubject := stripSubjectPrefixes(email.Subject)
	blocks := findBlocks(body)
	if prefixes == 0 && len(blocks) == 0 {
		return nil
	}

	chain := &entity.ForwardedEmailChain{
		ChainDepth:      max(prefixes, len(blocks)),
		OriginalSubject: bareSubject,
	}

	if outer := senderAddress(email.From); outer != "" {
		chain.ForwardedBy = append(chain.ForwardedBy, outer)
	}

	if len(blocks) == 0 {
		chain.OriginalSender = senderAddress(email.From)
		chain.ExtractedContent = strings.TrimSpace(body)
		return chain
	}

	for _, b := range blocks[:len(blocks)-1] {
		if b.from != "" {
			chain.ForwardedBy = append(chain.ForwardedBy, senderAddress(b.from))
		}
	}
	inner := blocks[len(blocks)-1]
	chain.OriginalSender = senderAddress(inner.from)
	if inner.date != "" {
		d := inner.date
		chain.OriginalDate = &d
	}
	if inner.subject != "" {
		_, chain.OriginalSubject = stripSubjectPrefixes(inner.subject)
	}
	chain.ExtractedContent = cleanContent(body[inner.contentStart:])
	return chain
}

// ExtractFromChain returns the text to extract receipts from: the original
// content, with multiple receipts joined by ReceiptSeparator, followed by a
// provenance annotation. The HTML body is returned unchanged.
func ExtractFromChain(chain *entity.ForwardedEmailChain, email *entity.ParsedEmail) (string, string) {
	if chain == nil {
		if email == nil {
			return "", ""
		}
		return email.Text, email.HTML
	}

	content := chain.ExtractedContent
	html := ""
	if email != nil {
		html = email.HTML
		if strings.TrimSpace(content) == "" {
			content = email.Text
		}
	}

	sections := SplitReceipts(content)
	text := strings.Join(sections, ReceiptSeparator)
	return text + "\n\n" + Annotation(chain), html
}

// Annotation describes where a forwarded receipt came from
func Annotation(chain *entity.ForwardedEmailChain) string {
	sender := chain.OriginalSender
	if sender == "" {
		sender = "unknown"
	}
	by := "unknown"
	if len(chain.ForwardedBy) > 0 {
		by = strings.Join(chain.ForwardedBy, " -> ")
	}
	return fmt.Sprintf("[Forwarded email: original sender %s; forwarded by %s; chain depth %d]",
		sender, by, chain.ChainDepth)
}

// stripSubjectPrefixes removes reply and forward prefixes and counts the
// forward ones
func stripSubjectPrefixes(subject string) (int, string) {
	count := 0
	rest := subject
	for {
		m := subjectPrefixRe.FindStringSubmatchIndex(rest)
		if m == nil {
			break
		}
		if forwardPrefixes[strings.ToLower(rest[m[2]:m[3]])] {
			count++
		}
		rest = rest[m[1]:]
	}
	return count, strings.TrimSpace(rest)
}

// findBlocks locates every forwarding marker and parses the header block
// that follows it
func findBlocks(body string) []block {
	var blocks []block
	for _, loc := range markerRe.FindAllStringIndex(body, -1) {
		blocks = append(blocks, parseHeaders(body, loc[1]))
	}
	return blocks
}

// parseHeaders reads "Label: value" lines starting at offset. Content starts
// after the first blank line that follows at least one header, or at the
// first line that is not a header.
func parseHeaders(body string, offset int) block {
	b := block{contentStart: offset}
	pos := offset
	if pos < len(body) && body[pos] == '\r' {
		pos++
	}
	if pos < len(body) && body[pos] == '\n' {
		pos++
	}

	seen := 0
	for pos < len(body) {
		end := strings.IndexByte(body[pos:], '\n')
		lineEnd := len(body)
		next := len(body)
		if end >= 0 {
			lineEnd = pos + end
			next = lineEnd + 1
		}
		line := strings.TrimRight(body[pos:lineEnd], "\r")
		trimmed := strings.TrimSpace(strings.TrimLeft(line, "> \t"))

		if trimmed == "" {
			if seen > 0 {
				b.contentStart = next
				return b
			}
			pos = next
			continue
		}

		m := headerLineRe.FindStringSubmatch(line)
		if m == nil {
			b.contentStart = pos
			return b
		}
		field, ok := headerLabels[strings.ToLower(m[1])]
		if !ok {
			b.contentStart = pos
			return b
		}

		value := strings.TrimSpace(m[2])
		switch field {
		case fieldFrom:
			b.from = value
		case fieldDate:
			b.date = value
		case fieldSubject:
			b.subject = value
		}
		seen++
		pos = next
	}
	b.contentStart = len(body)
	return b
}

// senderAddress returns the bare address of "Name <addr>", "Name
// [mailto:addr]" or the trimmed input when no address can be found
func senderAddress(from string) string {
	from = strings.TrimSpace(from)
	if from == "" {
		return ""
	}
	if a, err := mail.ParseAddress(from); err == nil {
		return strings.ToLower(a.Address)
	}
	if i := strings.Index(strings.ToLower(from), "mailto:"); i >= 0 {
		rest := from[i+len("mailto:"):]
		if j := strings.IndexAny(rest, "]> "); j >= 0 {
			rest = rest[:j]
		}
		return strings.ToLower(rest)
	}
	if i, j := strings.LastIndex(from, "<"), strings.LastIndex(from, ">"); i >= 0 && j > i {
		return strings.ToLower(strings.TrimSpace(from[i+1 : j]))
	}
	return from
}

// cleanContent strips quoting and trailing nested markers from forwarded
// content
func cleanContent(s string) string {
	s = quotePrefix.ReplaceAllString(s, "")
	return strings.TrimSpace(s)
}

// BareSubject strips reply and forward prefixes from subject
func BareSubject(subject string) string {
	_, bare := stripSubjectPrefixes(subject)
	return bare
}
