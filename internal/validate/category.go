package validate

import "strings"

// Item categories used to select range bounds.
const (
	CategoryCost    = "cost"
	CategoryYield   = "yield"
	CategoryPrice   = "price"
	CategoryReturns = "returns"
)

var (
	returnsKeywords = []string{"return", "net", "profit", "margin", "residual"}
	yieldUnits      = map[string]bool{"bu/acre": true, "bushel/acre": true, "bushels/acre": true, "lb/acre": true, "ton/acre": true}
	priceUnits      = map[string]bool{"$/bu": true, "$/bushel": true, "$/lb": true, "$/ton": true, "$/cwt": true}
)

// Category classifies an item by its name and unit. Return-type items are
// matched by name first because they share the $/acre unit with costs and
// may legitimately be negative. It returns "" when no category applies.
func Category(item, unit string) string {
	name := strings.ToLower(item)
	u := strings.ToLower(strings.Join(strings.Fields(unit), ""))
	for _, kw := range returnsKeywords {
		if strings.Contains(name, kw) {
			return CategoryReturns
		}
	}
	switch {
	case yieldUnits[u] || strings.Contains(name, "yield"):
		return CategoryYield
	case priceUnits[u] || strings.Contains(name, "price"):
		return CategoryPrice
	case u == "$/acre":
		return CategoryCost
	}
	return ""
}
