package fallback

import "regexp"

// Category is one row of the keyword table
type Category struct {
	Name     string
	Keywords []string
}

// DefaultCategories is the fallback category table. Order matters: ties go
// to the category declared first.
var DefaultCategories = []Category{
	{Name: "Meals", Keywords: []string{
		"restaurant", "cafe", "coffee", "lunch", "dinner", "breakfast", "food",
		"doordash", "grubhub", "uber eats", "starbucks", "pizza", "grill", "bakery", "catering",
	}},
	{Name: "Travel", Keywords: []string{
		"flight", "airline", "hotel", "booking confirmation", "reservation", "itinerary",
		"boarding pass", "airbnb", "marriott", "hilton", "delta", "united airlines", "check-in",
	}},
	{Name: "Transportation", Keywords: []string{
		"uber", "lyft", "taxi", "your ride", "trip with", "parking", "fuel", "gas station",
		"shell", "chevron", "exxon", "toll", "train", "metro", "transit",
	}},
	{Name: "Software", Keywords: []string{
		"subscription", "software", "saas", "license", "cloud", "github", "aws",
		"google workspace", "slack", "zoom", "adobe", "renewal",
	}},
	{Name: "Office Supplies", Keywords: []string{
		"office", "supplies", "paper", "printer", "staples", "toner", "ink", "stationery",
	}},
	{Name: "Shopping", Keywords: []string{
		"order confirmation", "your order", "shipped", "amazon", "walmart", "target",
		"best buy", "costco", "purchase", "package",
	}},
	{Name: "Utilities", Keywords: []string{
		"electric", "internet", "phone bill", "utility", "water bill", "wireless", "broadband",
	}},
	{Name: "Entertainment", Keywords: []string{
		"netflix", "spotify", "movie", "tickets", "concert", "streaming", "cinema",
	}},
}

type compiledCategory struct {
	name     string
	keywords []keywordMatcher
}

type keywordMatcher struct {
	word string
	re   *regexp.Regexp
}

func compileCategories(cats []Category) []compiledCategory {
	out := make([]compiledCategory, 0, len(cats))
	for _, c := range cats {
		cc := compiledCategory{name: c.Name}
		for _, kw := range c.Keywords {
			cc.keywords = append(cc.keywords, keywordMatcher{
				word: kw,
				re:   regexp.MustCompile(`(?i)\b` + regexp.QuoteMeta(kw) + `\b`),
			})
		}
		out = append(out, cc)
	}
	return out
}

// score returns the winning category and the keywords that matched it.
// A text that matches nothing is Other.
func score(cats []compiledCategory, text string) (string, []string) {
	best, bestScore := "", 0
	var bestHits []string

	for _, c := range cats {
		var hits []string
		for _, kw := range c.keywords {
			if kw.re.MatchString(text) {
				hits = append(hits, kw.word)
			}
		}
		if len(hits) > bestScore {
			best, bestScore, bestHits = c.name, len(hits), hits
		}
	}
	return best, bestHits
}
