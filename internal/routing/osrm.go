package routing

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/example/carpool/internal/models"
)

// OSRMClient performs route/table lookups against an OSRM HTTP server.
type OSRMClient struct {
	Endpoint string
	Client   *http.Client
	Cache    *Cache // optional route cache
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{Endpoint: strings.TrimRight(endpoint, "/"), Client: &http.Client{Timeout: 2 * time.Second}}
}

type osrmRoute struct {
	Distance float64 `json:"distance"`
	Duration float64 `json:"duration"`
	Geometry struct {
		Coordinates [][]float64 `json:"coordinates"`
	} `json:"geometry"`
}

// GetRoute queries OSRM /route with the full GeoJSON geometry.
func (o *OSRMClient) GetRoute(ctx context.Context, points []models.Coord) (Route, error) {
	if len(points) < 2 {
		return Route{Coordinates: points}, nil
	}
	if o.Cache != nil {
		if r, ok := o.Cache.Get(points); ok {
			return r, nil
		}
	}
	// OSRM route query: /route/v1/driving/{lon1},{lat1};{lon2},{lat2}?overview=full&geometries=geojson
	url := fmt.Sprintf("%s/route/v1/driving/%s?overview=full&geometries=geojson", o.Endpoint, osrmCoords(points))
	var out struct {
		Code   string      `json:"code"`
		Routes []osrmRoute `json:"routes"`
	}
	if err := o.get(ctx, url, &out); err != nil {
		return Route{}, err
	}
	if out.Code == "NoRoute" {
		return Route{}, ErrInfeasible
	}
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return Route{}, fmt.Errorf("osrm no route: %v", out.Code)
	}
	best := out.Routes[0]
	r := Route{Distance: best.Distance, Duration: seconds(best.Duration)}
	for _, c := range best.Geometry.Coordinates {
		if len(c) >= 2 {
			r.Coordinates = append(r.Coordinates, models.Coord{Lat: c[1], Lon: c[0]})
		}
	}
	if o.Cache != nil {
		o.Cache.Set(points, r)
	}
	return r, nil
}

// Table queries OSRM /table for durations and distances. Missing cells are Unreachable.
func (o *OSRMClient) Table(ctx context.Context, points []models.Coord) (Table, error) {
	url := fmt.Sprintf("%s/table/v1/driving/%s?annotations=duration,distance", o.Endpoint, osrmCoords(points))
	var out struct {
		Code      string       `json:"code"`
		Durations [][]*float64 `json:"durations"`
		Distances [][]*float64 `json:"distances"`
	}
	if err := o.get(ctx, url, &out); err != nil {
		return Table{}, err
	}
	if out.Code != "Ok" {
		return Table{}, fmt.Errorf("osrm table: %v", out.Code)
	}
	return Table{Durations: fill(out.Durations), Distances: fill(out.Distances)}, nil
}

func (o *OSRMClient) GetTrip(ctx context.Context, q TripQuery) ([]models.WayPoint, error) {
	return planTrip(ctx, o, q)
}

func (o *OSRMClient) get(ctx context.Context, url string, out any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := o.Client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= http.StatusInternalServerError || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}
	// OSRM answers 400 with a JSON body carrying the code (e.g. NoRoute).
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("decode osrm response: %w", err)
	}
	return nil
}

func osrmCoords(points []models.Coord) string {
	parts := make([]string, len(points))
	for i, p := range points {
		parts[i] = fmt.Sprintf("%.6f,%.6f", p.Lon, p.Lat)
	}
	return strings.Join(parts, ";")
}

func fill(cells [][]*float64) [][]float64 {
	out := make([][]float64, len(cells))
	for i, row := range cells {
		out[i] = make([]float64, len(row))
		for j, v := range row {
			if v == nil {
				out[i][j] = Unreachable
				continue
			}
			out[i][j] = *v
		}
	}
	return out
}
