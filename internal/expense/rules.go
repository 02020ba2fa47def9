package expense

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Rule files a transaction under Category when any of its keywords appear.
// A keyword with spaces must appear as consecutive words.
type Rule struct {
	Category Category `yaml:"category"`
	Keywords []string `yaml:"keywords"`
}

// rulesFile is the layout of a rules YAML file
type rulesFile struct {
	Rules []struct {
		Category string   `yaml:"category"`
		Keywords []string `yaml:"keywords"`
	} `yaml:"rules"`
}

// DefaultRules returns the built-in rule table
func DefaultRules() []Rule {
	return []Rule{
		{Category: CategoryFood, Keywords: []string{
			"groceries", "grocery", "food", "lunch", "dinner", "breakfast", "brunch", "coffee",
			"cafe", "restaurant", "snack", "drinks", "bubble tea", "hawker", "kopi",
			"starbucks", "mcdonald's", "kfc", "subway", "koufu", "toast box", "ya kun kaya toast",
			"fairprice", "ntuc", "cold storage", "giant", "sheng siong", "7-eleven",
			"foodpanda", "deliveroo",
		}},
		{Category: CategoryTransport, Keywords: []string{
			"grab", "gojek", "taxi", "cab", "uber", "bus", "mrt", "train", "fuel", "petrol",
			"parking", "toll", "flight",
		}},
		{Category: CategoryBills, Keywords: []string{
			"bill", "bills", "electricity", "water", "gas", "utilities", "rent", "internet",
			"phone", "insurance", "singtel", "starhub", "m1", "subscription",
		}},
		{Category: CategoryHealth, Keywords: []string{
			"doctor", "clinic", "pharmacy", "medicine", "dentist", "hospital", "guardian",
			"watsons", "gym",
		}},
		{Category: CategoryEntertainment, Keywords: []string{
			"movie", "movies", "cinema", "concert", "netflix", "spotify", "game", "games",
			"karaoke", "tickets",
		}},
		{Category: CategoryShopping, Keywords: []string{
			"shopping", "clothes", "shoes", "shopee", "lazada", "amazon", "ikea", "daiso",
			"uniqlo",
		}},
		{Category: CategoryServices, Keywords: []string{
			"haircut", "salon", "laundry", "cleaning", "repair", "plumber", "tuition",
		}},
	}
}

// LoadRules reads an ordered rule table from a YAML file:
//
//	rules:
//	  - category: Food
//	    keywords: [groceries, lunch]
func LoadRules(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading rules file: %w", err)
	}
	return ParseRules(data)
}

// ParseRules parses the YAML rule table format read by LoadRules
func ParseRules(data []byte) ([]Rule, error) {
	var file rulesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parsing rules: %w", err)
	}

	rules := make([]Rule, 0, len(file.Rules))
	for i, r := range file.Rules {
		category, ok := ParseCategory(r.Category)
		if !ok {
			return nil, fmt.Errorf("rule %d: unknown category %q", i, r.Category)
		}
		keywords := make([]string, 0, len(r.Keywords))
		for _, k := range r.Keywords {
			k = strings.ToLower(strings.Join(strings.Fields(k), " "))
			if k != "" {
				keywords = append(keywords, k)
			}
		}
		if len(keywords) == 0 {
			return nil, fmt.Errorf("rule %d (%s): no keywords", i, category)
		}
		rules = append(rules, Rule{Category: category, Keywords: keywords})
	}
	return rules, nil
}

// matchRules returns the category of the first rule that matches keywords
func matchRules(rules []Rule, keywords []string) (Category, bool) {
	if len(keywords) == 0 {
		return "", false
	}
	for _, rule := range rules {
		for _, k := range rule.Keywords {
			if containsPhrase(keywords, strings.Fields(strings.ToLower(k))) {
				return rule.Category, true
			}
		}
	}
	return "", false
}

// containsPhrase reports whether phrase occurs as a contiguous run in words
func containsPhrase(words, phrase []string) bool {
	if len(phrase) == 0 || len(phrase) > len(words) {
		return false
	}
	for i := 0; i+len(phrase) <= len(words); i++ {
		match := true
		for j, p := range phrase {
			if words[i+j] != p {
				match = false
				break
			}
		}
		if match {
			return true
		}
	}
	return false
}
