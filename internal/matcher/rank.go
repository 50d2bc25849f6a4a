package matcher

import (
	"cmp"
	"time"

	"github.com/example/carpool/internal/models"
)

const timeBucket = 2 * time.Hour

// ranked is an accepted match with the figures the comparators need.
type ranked struct {
	models.TripMatch
	pickupDistance  float64
	depositDistance float64
	timeDelta       time.Duration
}

// Comparator returns the ordering for sortBy. Ties always fall back to the
// trip id so repeated sorts of the same input agree.
func Comparator(sortBy models.SortBy) func(a, b ranked) int {
	primary := byDistance
	if sortBy == models.SortByTime {
		primary = byTime
	}
	return func(a, b ranked) int {
		if c := primary(a, b); c != 0 {
			return c
		}
		return cmp.Compare(a.Trip.ID, b.Trip.ID)
	}
}

func byDistance(a, b ranked) int {
	return cmp.Compare(a.pickupDistance+a.depositDistance, b.pickupDistance+b.depositDistance)
}

func byTime(a, b ranked) int {
	if c := cmp.Compare(a.timeDelta/timeBucket, b.timeDelta/timeBucket); c != 0 {
		return c
	}
	if c := cmp.Compare(a.timeDelta.Milliseconds(), b.timeDelta.Milliseconds()); c != 0 {
		return c
	}
	samePickup := a.pickupDistance == b.pickupDistance
	sameDeposit := a.depositDistance == b.depositDistance
	switch {
	case samePickup && !sameDeposit:
		return cmp.Compare(a.depositDistance, b.depositDistance)
	case sameDeposit && !samePickup:
		return cmp.Compare(a.pickupDistance, b.pickupDistance)
	}
	return byDistance(a, b)
}
