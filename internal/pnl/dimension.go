package pnl

// Sentinel dimension keys for references that cannot be resolved.
const (
	UnknownProductKey = "UNKNOWN_PRODUCT"
	UnknownVariantKey = "UNKNOWN_VARIANT"
	UnassignedBatch   = "UNASSIGNED_BATCH"
)

// DimensionValue is the rollup identity of a line.
type DimensionValue struct {
	Key   string
	Label string
	Meta  map[string]string
}

// DimensionOf derives key, label and metadata for the configured dimension.
// A nil line degrades to the dimension's sentinel key.
func DimensionOf(line *OrderLine, dim Dimension) DimensionValue {
	if line == nil {
		line = &OrderLine{}
	}
	switch dim {
	case DimensionVariant:
		key := firstNonEmpty(line.VariantID, line.SKU, UnknownVariantKey)
		return DimensionValue{
			Key:   key,
			Label: firstNonEmpty(line.VariantTitle, line.SKU, line.Title, "Unknown variant"),
			Meta: map[string]string{
				"variantId":   line.VariantID,
				"sku":         line.SKU,
				"productId":   line.ProductID,
				"productName": line.ProductName,
			},
		}
	case DimensionBatch:
		return DimensionValue{
			Key:   firstNonEmpty(line.BatchCode, line.BatchID, UnassignedBatch),
			Label: firstNonEmpty(line.BatchCode, "Unassigned batch"),
			Meta: map[string]string{
				"batchCode": line.BatchCode,
				"batchId":   line.BatchID,
			},
		}
	default:
		return DimensionValue{
			Key:   firstNonEmpty(line.ProductID, UnknownProductKey),
			Label: firstNonEmpty(line.ProductName, line.Title, "Unknown product"),
			Meta: map[string]string{
				"productId":   line.ProductID,
				"productName": line.ProductName,
				"productSlug": line.ProductSlug,
			},
		}
	}
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}
