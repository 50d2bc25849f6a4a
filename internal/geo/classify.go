package geo

import "github.com/example/carpool/internal/models"

// ExactTolerance is how close a search endpoint must be to a planned waypoint
// to count as the same stop.
const ExactTolerance = 25.0

// Classify decides how a trip may serve q. It returns nil when the trip is not
// a candidate at all.
func Classify(e Entry, q Query) []models.MatchCandidate {
	if !q.Window.Contains(e.Departure) {
		return nil
	}
	if len(q.Route) > 0 {
		if c, ok := partial(e, q); ok {
			return []models.MatchCandidate{c}
		}
		return nil
	}
	if c, ok := exact(e, q); ok {
		return []models.MatchCandidate{c}
	}
	if c, ok := detour(e, q); ok {
		return []models.MatchCandidate{c}
	}
	return nil
}

func exact(e Entry, q Query) (models.MatchCandidate, bool) {
	for i, from := range e.WayPoints {
		if !from.Point.SamePlace(q.From, ExactTolerance) {
			continue
		}
		for _, to := range e.WayPoints[i+1:] {
			if to.Point.SamePlace(q.To, ExactTolerance) {
				return models.MatchCandidate{Mode: models.ModeExact, Pickup: from.Point, Deposit: to.Point}, true
			}
		}
	}
	return models.MatchCandidate{}, false
}

func detour(e Entry, q Query) (models.MatchCandidate, bool) {
	line := e.Line()
	if len(line) < 2 {
		return models.MatchCandidate{}, false
	}
	lf := Locate(line, q.From.Location)
	lt := Locate(line, q.To.Location)
	if lf.Distance > q.Radius || lt.Distance > q.Radius || lf.Fraction >= lt.Fraction {
		return models.MatchCandidate{}, false
	}
	return models.MatchCandidate{
		Mode:            models.ModeDetour,
		Pickup:          q.From,
		Deposit:         q.To,
		PickupOffRoute:  lf.Distance,
		DepositOffRoute: lt.Distance,
	}, true
}

// partial looks for the stretch of the trip that runs along the requested route.
func partial(e Entry, q Query) (models.MatchCandidate, bool) {
	type hit struct {
		c        models.Coord
		fraction float64
	}
	var first, last *hit
	for _, v := range e.Line() {
		loc := Locate(q.Route, v)
		if loc.Distance > q.Radius {
			continue
		}
		h := hit{c: v, fraction: loc.Fraction}
		if first == nil {
			first = &h
		}
		last = &h
	}
	if first == nil || last == first || last.fraction <= first.fraction {
		return models.MatchCandidate{}, false
	}
	return models.MatchCandidate{
		Mode:    models.ModePartial,
		Pickup:  models.Point{Location: first.c},
		Deposit: models.Point{Location: last.c},
	}, true
}
