/*
brand.go - Product name to brand resolution

PURPOSE:
  Maps free-form product names from sale events onto a fixed brand
  vocabulary. Resolution is a keyword match against the upper-cased name,
  in vocabulary order; names matching nothing resolve to OTHER, while
  empty names resolve to UNKNOWN. The two sentinels are distinct on
  purpose: OTHER is a real product outside the vocabulary, UNKNOWN is a
  record with no product name at all.

  Brand rows are created lazily in storage on first use (get-or-create,
  unique on name); see store/sqlite.
*/
package machine

import "strings"

// BrandOther is the sentinel for product names outside the vocabulary.
const BrandOther = "OTHER"

// BrandUnknown is the sentinel for null or empty product names.
const BrandUnknown = "UNKNOWN"

// DefaultBrandCategory is assigned to brands created on first use.
const DefaultBrandCategory = "cigarettes"

type brandRule struct {
	name     string
	keywords []string
}

// brandVocabulary is ordered: the first matching rule wins.
var brandVocabulary = []brandRule{
	{"MARLBORO", []string{"MARLBORO"}},
	{"CAMEL", []string{"CAMEL"}},
	{"WINSTON", []string{"WINSTON"}},
	{"PHILIP MORRIS", []string{"PHILIP MORRIS"}},
	{"CHESTERFIELD", []string{"CHESTERFIELD"}},
	{"LUCKY STRIKE", []string{"LUCKY STRIKE"}},
	{"ROTHMANS", []string{"ROTHMANS"}},
	{"MERIT", []string{"MERIT"}},
	{"JPS", []string{"JPS"}},
	{"DIANA", []string{"DIANA"}},
	{"CHIARAVALLE", []string{"CHIARAVALLE"}},
}

// ResolveBrand returns the brand name for a product.
func ResolveBrand(productName string) string {
	if strings.TrimSpace(productName) == "" {
		return BrandUnknown
	}

	upper := strings.ToUpper(productName)
	for _, rule := range brandVocabulary {
		for _, kw := range rule.keywords {
			if strings.Contains(upper, kw) {
				return rule.name
			}
		}
	}
	return BrandOther
}
