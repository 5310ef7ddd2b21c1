package challenge

import (
	"math"

	"github.com/crunchkit/coordinator/internal/entity"
)

// priceFloor guards against division by a zero entry price.
const priceFloor = 1e-9

// DefaultResolveGroundTruth compares the first and last record's close or
// price over the resolution window and derives the realized return.
// Returns nil when the window is empty or carries no usable price.
func DefaultResolveGroundTruth(records []entity.FeedRecord) map[string]any {
	if len(records) == 0 {
		return nil
	}

	entryPrice, entryOK := recordPrice(records[0])
	resolvedPrice, resolvedOK := recordPrice(records[len(records)-1])

	if !entryOK || !resolvedOK {
		return nil
	}

	return map[string]any{
		"entry_price":    entryPrice,
		"resolved_price": resolvedPrice,
		"return":         (resolvedPrice - entryPrice) / math.Max(math.Abs(entryPrice), priceFloor),
		"direction_up":   resolvedPrice > entryPrice,
	}
}

func recordPrice(record entity.FeedRecord) (float64, bool) {
	for _, key := range []string{"close", "price"} {
		raw, ok := record.Values[key]
		if !ok {
			continue
		}

		num, numOK := entity.AsNumber(raw)
		if numOK {
			return num, true
		}
	}

	return 0, false
}
