// Package segments turns the routes of several trips into a set of
// non-overlapping polylines, each tagged with the trips that drive it.
package segments

import (
	"context"
	"fmt"
	"math"
	"slices"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/example/carpool/internal/models"
	"github.com/example/carpool/internal/routing"
)

type Segment struct {
	Coordinates []models.Coord `json:"coordinates"`
	Trips       []string       `json:"trips"`
}

type coordKey struct{ lat, lon int64 }

func keyOf(c models.Coord) coordKey {
	return coordKey{lat: int64(math.Round(c.Lat * 1e6)), lon: int64(math.Round(c.Lon * 1e6))}
}

// stretch is an undirected piece of road between two consecutive coordinates.
type stretch struct{ a, b coordKey }

func stretchOf(p, q models.Coord) stretch {
	a, b := keyOf(p), keyOf(q)
	if b.lat < a.lat || (b.lat == a.lat && b.lon < a.lon) {
		a, b = b, a
	}
	return stretch{a, b}
}

// step is one element of the flattened coordinate stream; cut separates input segments.
type step struct {
	c   models.Coord
	cut bool
}

// Optimize merges overlapping segments so that every stretch of road is
// emitted once, tagged with the exact set of trips using it. A new run starts
// wherever that set changes or an input segment ends. Runs never span two
// input segments, and runs shorter than two coordinates are dropped.
// Optimize(Optimize(x)) equals Optimize(x).
func Optimize(in []Segment) []Segment {
	sets := make(map[stretch]map[string]struct{})
	var stream []step
	for _, seg := range in {
		for i, c := range seg.Coordinates {
			stream = append(stream, step{c: c})
			if i == 0 {
				continue
			}
			k := stretchOf(seg.Coordinates[i-1], c)
			if k.a == k.b {
				continue
			}
			set, ok := sets[k]
			if !ok {
				set = make(map[string]struct{})
				sets[k] = set
			}
			for _, id := range seg.Trips {
				set[id] = struct{}{}
			}
		}
		stream = append(stream, step{cut: true})
	}

	var out []Segment
	var run []models.Coord
	runKey := ""
	flush := func() {
		if len(run) >= 2 {
			out = append(out, Segment{Coordinates: run, Trips: tripList(runKey)})
		}
		run, runKey = nil, ""
	}

	emitted := make(map[stretch]struct{})
	var prev *models.Coord
	for i := range stream {
		s := stream[i]
		if s.cut {
			flush()
			prev = nil
			continue
		}
		if prev == nil {
			prev = &stream[i].c
			continue
		}
		k := stretchOf(*prev, s.c)
		_, done := emitted[k]
		if k.a == k.b || done {
			if k.a != k.b {
				flush()
			}
			prev = &stream[i].c
			continue
		}
		key := setKey(sets[k])
		if key != runKey || len(run) == 0 {
			flush()
			run = []models.Coord{*prev}
			runKey = key
		}
		run = append(run, s.c)
		emitted[k] = struct{}{}
		prev = &stream[i].c
	}
	flush()
	return out
}

func setKey(set map[string]struct{}) string {
	ids := make([]string, 0, len(set))
	for id := range set {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	return strings.Join(ids, "\x00")
}

func tripList(key string) []string {
	if key == "" {
		return []string{}
	}
	return strings.Split(key, "\x00")
}

// RouteGetter is the part of the router segment building needs.
type RouteGetter interface {
	GetRoute(ctx context.Context, points []models.Coord) (routing.Route, error)
}

// ForTrips builds one segment per waypoint hop of every trip and optimizes them.
func ForTrips(ctx context.Context, router RouteGetter, trips []models.Trip) ([]Segment, error) {
	type hop struct {
		trip string
		from models.Coord
		to   models.Coord
	}
	var hops []hop
	for _, t := range trips {
		for i := 1; i < len(t.WayPoints); i++ {
			hops = append(hops, hop{trip: t.ID, from: t.WayPoints[i-1].Point.Location, to: t.WayPoints[i].Point.Location})
		}
	}

	segs := make([]Segment, len(hops))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(4)
	for i, h := range hops {
		g.Go(func() error {
			r, err := router.GetRoute(gctx, []models.Coord{h.from, h.to})
			if err != nil {
				return fmt.Errorf("route hop of trip %s: %w", h.trip, err)
			}
			segs[i] = Segment{Coordinates: r.Coordinates, Trips: []string{h.trip}}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return Optimize(segs), nil
}
