package serving

import (
	"fmt"
	"math"

	"github.com/Brownie44l1/classify-api/internal/config"
	"github.com/Brownie44l1/classify-api/internal/model"
)

// Validate checks req against the model's expected input. It has no side
// effects.
func Validate(req Request, md model.Metadata) error {
	if len(req.Rows) == 0 {
		return &ShapeMismatchError{Expected: md.FeatureCount, Row: -1, Reason: "no rows"}
	}
	width := len(req.Rows[0])
	if width == 0 {
		return &ShapeMismatchError{Expected: md.FeatureCount, Row: 0, Reason: "empty row"}
	}
	for i, row := range req.Rows {
		if len(row) != width {
			return &ShapeMismatchError{
				Expected: width,
				Got:      len(row),
				Row:      i,
				Reason:   fmt.Sprintf("ragged rows, expected %d values like row 0, got %d", width, len(row)),
			}
		}
		if md.FeatureCount > 0 && len(row) != md.FeatureCount {
			return &ShapeMismatchError{Expected: md.FeatureCount, Got: len(row), Row: i}
		}
		for j, v := range row {
			f := float64(v)
			if math.IsNaN(f) || math.IsInf(f, 0) {
				return &ShapeMismatchError{
					Expected: md.FeatureCount,
					Got:      len(row),
					Row:      i,
					Reason:   fmt.Sprintf("value at column %d is not finite", j),
				}
			}
		}
	}
	if !validTTL(req.CacheTTL) {
		return &ShapeMismatchError{
			Expected: md.FeatureCount,
			Row:      -1,
			Reason:   fmt.Sprintf("cache_ttl must be between %d and %d seconds", config.MinCacheTTL, config.MaxCacheTTL),
		}
	}
	return nil
}
