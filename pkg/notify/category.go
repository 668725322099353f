// Package notify contains the domain model shared by the notification gate,
// the ingestion pipeline and the push transports.
package notify

import "fmt"

// Category identifies the kind of marketplace notification. Every category is
// gated by exactly one preference flag.
type Category string

const (
	CategoryOrder     Category = "order"
	CategoryPromotion Category = "promotion"
	CategoryProduct   Category = "product"
	CategoryMessage   Category = "message"
	CategorySystem    Category = "system"
)

// Categories lists every sendable category in a stable order.
func Categories() []Category {
	return []Category{CategoryOrder, CategoryPromotion, CategoryProduct, CategoryMessage, CategorySystem}
}

// ParseCategory converts a raw string (e.g. a URL path segment) into a Category.
func ParseCategory(raw string) (Category, error) {
	c := Category(raw)
	if _, ok := categoryPreferenceKeys[c]; !ok {
		return "", fmt.Errorf("unknown notification category %q", raw)
	}
	return c, nil
}

func (c Category) String() string {
	return string(c)
}

// categoryPreferenceKeys maps each category to the preference flag that gates it.
// "marketing" has no sendable category.
var categoryPreferenceKeys = map[Category]string{
	CategoryOrder:     PrefOrders,
	CategoryPromotion: PrefPromotions,
	CategoryProduct:   PrefProducts,
	CategoryMessage:   PrefMessages,
	CategorySystem:    PrefSystem,
}

// PreferenceKey returns the preference flag consulted before sending c.
func (c Category) PreferenceKey() string {
	return categoryPreferenceKeys[c]
}
