package pricing

import "strings"

// LookupStrategy names one way of locating a catalog item on a competitor site.
type LookupStrategy string

const (
	// StrategyItemNumber looks an item up by brand plus manufacturer item number.
	StrategyItemNumber LookupStrategy = "item_number"
	// StrategyBarcode looks an item up by its barcode.
	StrategyBarcode LookupStrategy = "barcode"
)

// LookupKey returns the query an adapter receives for item under strategy, or ""
// when the item lacks the attributes the strategy needs.
func LookupKey(item CatalogItem, strategy LookupStrategy) string {
	switch strategy {
	case StrategyBarcode:
		return strings.Join(strings.Fields(item.Barcode), "")
	case StrategyItemNumber:
		number := strings.TrimSpace(item.ItemNumber)
		if number == "" {
			return ""
		}
		if brand := strings.Join(strings.Fields(item.Brand), " "); brand != "" {
			return brand + " " + number
		}
		return number
	default:
		return ""
	}
}

// NormalizeKey folds a lookup key for cache comparison: lower case, dots dropped,
// whitespace collapsed.
func NormalizeKey(key string) string {
	key = strings.ToLower(strings.ReplaceAll(key, ".", ""))
	return strings.Join(strings.Fields(key), " ")
}
