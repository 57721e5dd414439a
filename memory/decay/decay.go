// Package decay implements recency weighting for retrieval candidates.
// Weight halves every HalfLife since the record was last used; a record
// never used yet carries full weight. Reads never mutate stored scores;
// reactivation happens only after a record is actually served.
package decay

import (
	"math"
	"time"
)

// HalfLife is the time for a candidate's weight to drop by half.
const HalfLife = 7 * 24 * time.Hour

// Weight returns the multiplicative recency factor for a record last used
// at the given time, evaluated at now. The result is in (0, 1]; a nil
// lastUsed yields 1.
func Weight(lastUsed *time.Time, now time.Time) float64 {
	if lastUsed == nil {
		return 1.0
	}
	elapsed := now.Sub(*lastUsed)
	if elapsed <= 0 {
		return 1.0
	}
	return math.Exp(-math.Ln2 * elapsed.Hours() / HalfLife.Hours())
}
