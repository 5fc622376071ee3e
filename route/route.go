// Package route fetches driving directions between two points and decodes
// the returned polyline.
package route

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/asim/courier/location"
)

const defaultDirectionsURL = "https://api.mapbox.com/directions/v5/mapbox/driving"

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Fetcher queries the directions service. Each call is one independent
// request; there is no caching or request coalescing.
type Fetcher struct {
	BaseURL string
	APIKey  string
	Client  *http.Client
}

func NewFetcher(apiKey string) *Fetcher {
	return &Fetcher{
		BaseURL: defaultDirectionsURL,
		APIKey:  apiKey,
		Client:  httpClient,
	}
}

// Fetch returns the polyline from origin to destination. An empty slice
// means "no route to draw" and is the result for every failure mode:
// invalid inputs, transport errors, non-2xx status, malformed body, or a
// response with no routes. Fetch never returns an error to callers.
func (f *Fetcher) Fetch(ctx context.Context, origin, destination location.Point) []location.Point {
	if !origin.Valid() || !destination.Valid() {
		return nil
	}

	url := fmt.Sprintf("%s/%f,%f;%f,%f?geometries=geojson&access_token=%s",
		f.BaseURL,
		origin.Longitude, origin.Latitude,
		destination.Longitude, destination.Latitude,
		f.APIKey)

	req, err := http.NewRequestWithContext(ctx, "GET", url, nil)
	if err != nil {
		return nil
	}

	resp, err := f.Client.Do(req)
	if err != nil {
		log.Printf("[route] fetch failed: %v", err)
		return nil
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		log.Printf("[route] directions API returned %d", resp.StatusCode)
		return nil
	}

	var data struct {
		Routes []struct {
			Geometry struct {
				Coordinates [][]float64 `json:"coordinates"`
			} `json:"geometry"`
		} `json:"routes"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		log.Printf("[route] decode failed: %v", err)
		return nil
	}

	if len(data.Routes) == 0 {
		return nil
	}

	// the service speaks [lng, lat]; flip into points
	coords := data.Routes[0].Geometry.Coordinates
	points := make([]location.Point, 0, len(coords))
	for _, c := range coords {
		if len(c) < 2 {
			continue
		}
		p := location.Point{Latitude: c[1], Longitude: c[0]}
		if !p.Valid() {
			continue
		}
		points = append(points, p)
	}
	return points
}
