package normalize

import (
	"strings"
)

// categoryKeywords maps shop categories to words found in merchant names
var categoryKeywords = []struct {
	category string
	keywords []string
}{
	{"fuel", []string{"fuel", "gas station", "petrol", "shell", "azs", "азс", "лукоил", "газпромнефть", "роснефть"}},
	{"pharmacy", []string{"pharmacy", "drugstore", "apteka", "аптека", "cvs", "walgreens"}},
	{"restaurants", []string{"restaurant", "cafe", "coffee", "pizza", "burger", "sushi", "кафе", "ресторан", "кофе", "пицца", "бургер"}},
	{"electronics", []string{"electronics", "electro", "электроника", "мвидео", "эльдорадо", "dns"}},
	{"groceries", []string{"grocery", "market", "mart", "supermarket", "foods", "продукты", "магнит", "пятерочка", "перекресток", "ашан", "лента"}},
}

// detectCategory prefers the category the engine read and otherwise guesses one from
// the normalized merchant name
func detectCategory(key, candidate string) string {
	if c := strings.ToLower(strings.TrimSpace(candidate)); c != "" {
		return c
	}
	if key == "" {
		return ""
	}
	words := strings.Fields(key)
	for _, ck := range categoryKeywords {
		for _, kw := range ck.keywords {
			if strings.Contains(kw, " ") {
				if strings.Contains(key, kw) {
					return ck.category
				}
				continue
			}
			for _, w := range words {
				if w == kw {
					return ck.category
				}
			}
		}
	}
	return ""
}
