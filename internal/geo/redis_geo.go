package geo

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/redis/go-redis/v9"

	"github.com/example/carpool/internal/models"
)

// RedisIndex implements the trip index using Redis GEO commands. Every trip
// point is a GEO member named "{tripID}#{n}"; the trip itself is stored as JSON.
type RedisIndex struct {
	client *redis.Client
	key    string
	step   float64
}

func NewRedisIndex(addr, password, key string) *RedisIndex {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password})
	return NewRedisIndexFromClient(c, key)
}

func NewRedisIndexFromClient(c *redis.Client, key string) *RedisIndex {
	return &RedisIndex{client: c, key: key, step: 500}
}

func (r *RedisIndex) Upsert(ctx context.Context, e Entry) error {
	if err := r.Remove(ctx, e.TripID); err != nil {
		return err
	}
	b, err := json.Marshal(e)
	if err != nil {
		return fmt.Errorf("encode trip %s: %w", e.TripID, err)
	}

	coords := Densify(e.Line(), r.step)
	for _, wp := range e.WayPoints {
		coords = append(coords, wp.Point.Location)
	}
	locs := make([]*redis.GeoLocation, 0, len(coords))
	names := make([]any, 0, len(coords))
	for i, c := range coords {
		name := fmt.Sprintf("%s#%d", e.TripID, i)
		locs = append(locs, &redis.GeoLocation{Longitude: c.Lon, Latitude: c.Lat, Name: name})
		names = append(names, name)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, tripKey(e.TripID), b, 0)
	if len(locs) > 0 {
		pipe.GeoAdd(ctx, r.key, locs...)
		pipe.SAdd(ctx, pointsKey(e.TripID), names...)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("index trip %s: %w", e.TripID, err)
	}
	return nil
}

func (r *RedisIndex) Remove(ctx context.Context, tripID string) error {
	names, err := r.client.SMembers(ctx, pointsKey(tripID)).Result()
	if err != nil && !errors.Is(err, redis.Nil) {
		return fmt.Errorf("list points of trip %s: %w", tripID, err)
	}
	pipe := r.client.TxPipeline()
	if len(names) > 0 {
		members := make([]any, len(names))
		for i, n := range names {
			members[i] = n
		}
		pipe.ZRem(ctx, r.key, members...)
	}
	pipe.Del(ctx, pointsKey(tripID), tripKey(tripID))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("unindex trip %s: %w", tripID, err)
	}
	return nil
}

func (r *RedisIndex) GetMatchingTrips(ctx context.Context, q Query) ([]TripCandidates, error) {
	samples := q.Route
	if len(samples) == 0 {
		samples = []models.Coord{q.From.Location, q.To.Location}
	} else {
		samples = Densify(samples, q.Radius)
	}

	ids := make(map[string]struct{})
	for _, c := range samples {
		res, err := r.client.GeoRadius(ctx, r.key, c.Lon, c.Lat, &redis.GeoRadiusQuery{Radius: q.Radius + r.step, Unit: "m"}).Result()
		if err != nil {
			return nil, fmt.Errorf("georadius: %w", err)
		}
		for _, g := range res {
			if id, _, ok := strings.Cut(g.Name, "#"); ok {
				ids[id] = struct{}{}
			}
		}
	}

	sorted := make([]string, 0, len(ids))
	for id := range ids {
		sorted = append(sorted, id)
	}
	sort.Strings(sorted)

	out := make([]TripCandidates, 0, len(sorted))
	for _, id := range sorted {
		b, err := r.client.Get(ctx, tripKey(id)).Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load trip %s: %w", id, err)
		}
		var e Entry
		if err := json.Unmarshal(b, &e); err != nil {
			return nil, fmt.Errorf("decode trip %s: %w", id, err)
		}
		if cands := Classify(e, q); len(cands) > 0 {
			out = append(out, TripCandidates{TripID: id, Candidates: cands})
		}
	}
	return out, nil
}

// Ping checks connectivity for readiness checks.
func (r *RedisIndex) Ping(ctx context.Context) error { return r.client.Ping(ctx).Err() }

func (r *RedisIndex) Close() error { return r.client.Close() }

func tripKey(id string) string   { return "carpool:trip:" + id }
func pointsKey(id string) string { return "carpool:trip:" + id + ":points" }
