package forwarding

import (
	"regexp"
	"strings"
)

var (
	receiptStartRe = regexp.MustCompile(`(?im)^[ \t]*(?:(?:your |payment |tax |sales )?receipt|(?:tax )?invoice|order confirmation|recibo|factura|rechnung|quittung|re(?:ç|c)u|facture)\b`)
	receiptEndRe   = regexp.MustCompile(`(?im)^[ \t]*(?:grand total|total|amount paid|amount due|balance due|importe total|gesamtbetrag|summe|montant total)\b`)
)

// SplitReceipts splits content into receipt sections when it holds more
// than one. A section is a receipt when it has a start line (receipt,
// invoice...) and a total line. Content with fewer than two receipts is
// returned whole.
func SplitReceipts(content string) []string {
	starts := receiptStartRe.FindAllStringIndex(content, -1)
	if len(starts) < 2 {
		return []string{content}
	}

	var sections []string
	for i, loc := range starts {
		begin := loc[0]
		if i == 0 {
			begin = 0
		}
		end := len(content)
		if i+1 < len(starts) {
			end = starts[i+1][0]
		}
		sections = append(sections, strings.TrimSpace(content[begin:end]))
	}

	receipts := 0
	for _, s := range sections {
		if receiptEndRe.MatchString(s) {
			receipts++
		}
	}
	if receipts < 2 {
		return []string{content}
	}
	return mergeIncomplete(sections)
}

// mergeIncomplete folds sections without a total line into the previous
// section so a receipt is never cut in half
func mergeIncomplete(sections []string) []string {
	out := make([]string, 0, len(sections))
	for _, s := range sections {
		if len(out) > 0 && !receiptEndRe.MatchString(out[len(out)-1]) {
			out[len(out)-1] = out[len(out)-1] + "\n" + s
			continue
		}
		out = append(out, s)
	}
	return out
}
