// Package fallback extracts receipt fields with regular expressions and a
// keyword table when the AI services are unavailable.
package fallback

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/garyjia/receipt-pipeline/internal/domain/entity"
)

// Confidence levels for non-AI results
const (
	Confidence            = 30
	MinimalConfidence     = 10
	PlaceholderConfidence = 5
)

const explanationPrefix = "Fallback extraction used"

var (
	labeledAmountRe = regexp.MustCompile(`(?i:\b(?:grand\s+total|total\s+(?:amount|charged|paid)|total|amount\s+(?:due|paid|charged)|balance\s+due)\b)\s*[:\-]?\s*([$€£¥₹]|USD|EUR|GBP|JPY|CAD|AUD|CHF|INR|MXN)?\s*(\d[\d.,]*\d|\d)`)
	symbolAmountRe  = regexp.MustCompile(`([$€£¥₹])\s?(\d[\d.,]*\d|\d)`)
	codeAmountRe    = regexp.MustCompile(`\b(USD|EUR|GBP|JPY|CAD|AUD|CHF|INR|MXN)\s?(\d[\d.,]*\d|\d)\b|(\d[\d.,]*\d)\s?(USD|EUR|GBP|JPY|CAD|AUD|CHF|INR|MXN)\b`)

	isoDateRe   = regexp.MustCompile(`\b(\d{4})-(\d{2})-(\d{2})\b`)
	slashDateRe = regexp.MustCompile(`\b(\d{1,2})/(\d{1,2})/(\d{4})\b`)
	dotDateRe   = regexp.MustCompile(`\b(\d{1,2})\.(\d{1,2})\.(\d{4})\b`)
	monthDayRe  = regexp.MustCompile(`(?i)\b(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?\s+(\d{1,2}),?\s+(\d{4})\b`)
	dayMonthRe  = regexp.MustCompile(`(?i)\b(\d{1,2})\s+(jan|feb|mar|apr|may|jun|jul|aug|sep|sept|oct|nov|dec)[a-z]*\.?,?\s+(\d{4})\b`)

	receiptFromRe = regexp.MustCompile(`(?i)\b(?:receipt|invoice|order|payment)\s+(?:from|to)\s+([A-Za-z0-9][A-Za-z0-9&'. \-]{1,40}?)\s*(?:[\n.,!:;]|\s+for\b|\s+on\b|$)`)
	senderRe      = regexp.MustCompile(`(?im)^(?:from|de|von)\s*:.*?([A-Za-z0-9._%+\-]+)@([A-Za-z0-9\-]+(?:\.[A-Za-z0-9\-]+)*)\.[A-Za-z]{2,}`)
	last4Re       = regexp.MustCompile(`(?i)(?:ending\s+(?:in|with)|last\s+(?:4|four)(?:\s+digits)?|card\s+no\.?|x{2,}|\*{2,})[-:#\s]*(\d{4})\b`)
)

var currencySymbols = map[string]string{
	"$": "USD",
	"€": "EUR",
	"£": "GBP",
	"¥": "JPY",
	"₹": "INR",
}

var months = map[string]time.Month{
	"jan": time.January, "feb": time.February, "mar": time.March, "apr": time.April,
	"may": time.May, "jun": time.June, "jul": time.July, "aug": time.August,
	"sep": time.September, "sept": time.September, "oct": time.October,
	"nov": time.November, "dec": time.December,
}

var knownMerchants = compileMerchants([]string{
	"Amazon", "Uber Eats", "Uber", "Lyft", "Starbucks", "Walmart", "Target", "Apple",
	"Google", "Netflix", "Spotify", "DoorDash", "Grubhub", "Airbnb", "Delta", "United Airlines",
	"Marriott", "Hilton", "Costco", "Home Depot", "Best Buy", "Shell", "Chevron", "Whole Foods",
})

type merchantMatcher struct {
	name string
	re   *regexp.Regexp
}

func compileMerchants(names []string) []merchantMatcher {
	out := make([]merchantMatcher, len(names))
	for i, n := range names {
		out[i] = merchantMatcher{name: n, re: regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(n) + `\b`)}
	}
	return out
}

var genericMailDomains = map[string]bool{
	"gmail": true, "googlemail": true, "yahoo": true, "outlook": true, "hotmail": true,
	"icloud": true, "aol": true, "proton": true, "protonmail": true, "mail": true,
}

var genericLocalParts = map[string]bool{
	"noreply": true, "no-reply": true, "donotreply": true, "receipts": true, "receipt": true,
	"billing": true, "orders": true, "order": true, "info": true, "support": true,
	"payments": true, "invoice": true, "invoices": true, "hello": true, "team": true,
}

// Categorizer is the non-AI extraction path
type Categorizer struct {
	categories []compiledCategory
	logger     *zap.Logger
	now        func() time.Time
}

// NewCategorizer creates a categorizer over DefaultCategories
func NewCategorizer(logger *zap.Logger) *Categorizer {
	return NewCategorizerWithTable(DefaultCategories, logger)
}

// NewCategorizerWithTable creates a categorizer over a custom category table
func NewCategorizerWithTable(cats []Category, logger *zap.Logger) *Categorizer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Categorizer{
		categories: compileCategories(cats),
		logger:     logger,
		now:        time.Now,
	}
}

// ExtractFallback builds receipt data from content with heuristics. It
// always returns a well-formed record; a panic inside the heuristics yields
// the minimal Unknown/Other record.
func (c *Categorizer) ExtractFallback(content, orgID, emailID, correlationID string) (result entity.ReceiptData) {
	defer func() {
		if r := recover(); r != nil {
			c.logger.Error("Fallback extraction panicked",
				zap.String("org_id", orgID),
				zap.String("email_id", emailID),
				zap.String("correlation_id", correlationID),
				zap.Any("panic", r))
			result = c.minimal("internal error during fallback extraction")
		}
	}()

	amount, currency := extractAmount(content)
	date := extractDate(content)
	if date == "" {
		date = c.now().UTC().Format("2006-01-02")
	}
	category, hits := score(c.categories, content)
	if category == "" {
		category = entity.CategoryOther
	}

	result = entity.ReceiptData{
		Date:         date,
		Amount:       amount,
		Currency:     currency,
		Merchant:     extractMerchant(content),
		Last4:        extractLast4(content),
		Category:     category,
		Confidence:   Confidence,
		Explanation:  explain(category, hits),
		FallbackUsed: true,
	}
	if amount == 0 {
		result.Notes = "Amount not found; needs review"
	}

	c.logger.Debug("Fallback extraction completed",
		zap.String("org_id", orgID),
		zap.String("email_id", emailID),
		zap.String("correlation_id", correlationID),
		zap.String("category", category),
		zap.Int("keyword_hits", len(hits)),
		zap.Bool("amount_found", amount > 0))

	return result
}

// Placeholder is the last-resort record used when even the fallback result
// cannot be stored
func (c *Categorizer) Placeholder(reason string) entity.ReceiptData {
	r := c.minimal(reason)
	r.Confidence = PlaceholderConfidence
	return r
}

func (c *Categorizer) minimal(reason string) entity.ReceiptData {
	return entity.ReceiptData{
		Date:         c.now().UTC().Format("2006-01-02"),
		Currency:     "USD",
		Merchant:     entity.MerchantUnknown,
		Category:     entity.CategoryOther,
		Notes:        reason,
		Confidence:   MinimalConfidence,
		Explanation:  explanationPrefix + ": no usable receipt data could be recovered.",
		FallbackUsed: true,
	}
}

func explain(category string, hits []string) string {
	if len(hits) == 0 {
		return explanationPrefix + ": AI services were unavailable and no category keywords matched."
	}
	return fmt.Sprintf("%s: AI services were unavailable; category %s from keywords (%s).",
		explanationPrefix, category, strings.Join(hits, ", "))
}

func extractAmount(text string) (float64, string) {
	if m := labeledAmountRe.FindStringSubmatch(text); m != nil {
		if v, ok := parseAmount(m[2]); ok {
			return v, currencyFor(m[1], text)
		}
	}

	var best float64
	bestCur := ""
	for _, m := range symbolAmountRe.FindAllStringSubmatch(text, -1) {
		if v, ok := parseAmount(m[2]); ok && v > best {
			best, bestCur = v, currencySymbols[m[1]]
		}
	}
	for _, m := range codeAmountRe.FindAllStringSubmatch(text, -1) {
		code, num := m[1], m[2]
		if code == "" {
			code, num = m[4], m[3]
		}
		if v, ok := parseAmount(num); ok && v > best {
			best, bestCur = v, code
		}
	}
	if best > 0 {
		return best, bestCur
	}
	return 0, currencyFor("", text)
}

func currencyFor(marker, text string) string {
	if marker != "" {
		if code, ok := currencySymbols[marker]; ok {
			return code
		}
		return strings.ToUpper(marker)
	}
	for sym, code := range map[string]string{"€": "EUR", "£": "GBP", "¥": "JPY", "₹": "INR"} {
		if strings.Contains(text, sym) {
			return code
		}
	}
	return "USD"
}

// parseAmount accepts both 1,234.56 and 1.234,56 grouping
func parseAmount(s string) (float64, bool) {
	lastDot := strings.LastIndex(s, ".")
	lastComma := strings.LastIndex(s, ",")

	switch {
	case lastDot >= 0 && lastComma >= 0:
		if lastComma > lastDot {
			s = strings.ReplaceAll(s, ".", "")
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case lastComma >= 0:
		if len(s)-lastComma-1 == 2 && strings.Count(s, ",") == 1 {
			s = strings.Replace(s, ",", ".", 1)
		} else {
			s = strings.ReplaceAll(s, ",", "")
		}
	case strings.Count(s, ".") > 1:
		s = strings.ReplaceAll(s, ".", "")
	}

	v, err := strconv.ParseFloat(s, 64)
	if err != nil || v <= 0 {
		return 0, false
	}
	return v, true
}

func extractDate(text string) string {
	if m := isoDateRe.FindStringSubmatch(text); m != nil {
		if d, ok := buildDate(m[1], m[2], m[3]); ok {
			return d
		}
	}
	if m := slashDateRe.FindStringSubmatch(text); m != nil {
		first, _ := strconv.Atoi(m[1])
		if first > 12 {
			if d, ok := buildDate(m[3], m[2], m[1]); ok {
				return d
			}
		} else if d, ok := buildDate(m[3], m[1], m[2]); ok {
			return d
		}
	}
	if m := dotDateRe.FindStringSubmatch(text); m != nil {
		if d, ok := buildDate(m[3], m[2], m[1]); ok {
			return d
		}
	}
	if m := monthDayRe.FindStringSubmatch(text); m != nil {
		if mon, ok := months[strings.ToLower(m[1])]; ok {
			if d, ok := buildDate(m[3], strconv.Itoa(int(mon)), m[2]); ok {
				return d
			}
		}
	}
	if m := dayMonthRe.FindStringSubmatch(text); m != nil {
		if mon, ok := months[strings.ToLower(m[2])]; ok {
			if d, ok := buildDate(m[3], strconv.Itoa(int(mon)), m[1]); ok {
				return d
			}
		}
	}
	return ""
}

func buildDate(year, month, day string) (string, bool) {
	y, err1 := strconv.Atoi(year)
	m, err2 := strconv.Atoi(month)
	d, err3 := strconv.Atoi(day)
	if err1 != nil || err2 != nil || err3 != nil || m < 1 || m > 12 || d < 1 {
		return "", false
	}
	t := time.Date(y, time.Month(m), d, 0, 0, 0, 0, time.UTC)
	if t.Day() != d || int(t.Month()) != m {
		return "", false
	}
	return t.Format("2006-01-02"), true
}

func extractMerchant(text string) string {
	if m := receiptFromRe.FindStringSubmatch(text); m != nil {
		if name := strings.TrimSpace(m[1]); name != "" {
			return name
		}
	}

	for _, m := range knownMerchants {
		if m.re.MatchString(text) {
			return m.name
		}
	}

	if m := senderRe.FindStringSubmatch(text); m != nil {
		local := strings.ToLower(m[1])
		labels := strings.Split(strings.ToLower(m[2]), ".")
		domain := labels[len(labels)-1]
		if !genericMailDomains[domain] {
			return titleWord(domain)
		}
		if !genericLocalParts[local] {
			return titleWord(strings.NewReplacer(".", " ", "_", " ", "-", " ").Replace(local))
		}
	}
	return entity.MerchantUnknown
}

func extractLast4(text string) *string {
	m := last4Re.FindStringSubmatch(text)
	if m == nil {
		return nil
	}
	v := m[1]
	return &v
}

func titleWord(s string) string {
	words := strings.Fields(s)
	for i, w := range words {
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}
