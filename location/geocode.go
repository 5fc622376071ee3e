package location

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/golang/groupcache/lru"
)

const (
	defaultGeocodeURL = "https://nominatim.openstreetmap.org/reverse"

	maxGeocodeEntries = 512
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// Geocoder resolves coordinates into human-readable labels. Results are
// cached by rounded coordinate so repeated lookups for the same spot don't
// hit the network.
type Geocoder struct {
	BaseURL string

	mu    sync.Mutex
	cache *lru.Cache
}

func NewGeocoder() *Geocoder {
	return &Geocoder{
		BaseURL: defaultGeocodeURL,
		cache:   lru.New(maxGeocodeEntries),
	}
}

// Reverse returns a best-effort address for the point. It never fails: any
// error falls back to the formatted coordinate string.
func (g *Geocoder) Reverse(ctx context.Context, p Point) string {
	if !p.Valid() {
		return p.String()
	}

	key := fmt.Sprintf("%.4f,%.4f", p.Latitude, p.Longitude)

	g.mu.Lock()
	// a zero-value Geocoder works; the cache comes up on first use
	if g.cache == nil {
		g.cache = lru.New(maxGeocodeEntries)
	}
	if v, ok := g.cache.Get(key); ok {
		g.mu.Unlock()
		return v.(string)
	}
	g.mu.Unlock()

	name := g.lookup(ctx, p)
	if name == "" {
		return p.String()
	}

	g.mu.Lock()
	g.cache.Add(key, name)
	g.mu.Unlock()

	return name
}

func (g *Geocoder) lookup(ctx context.Context, p Point) string {
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%f", p.Latitude))
	q.Set("lon", fmt.Sprintf("%f", p.Longitude))

	req, err := http.NewRequestWithContext(ctx, "GET", g.BaseURL+"?"+q.Encode(), nil)
	if err != nil {
		return ""
	}
	req.Header.Set("User-Agent", "Courier/1.0")

	resp, err := httpClient.Do(req)
	if err != nil {
		return ""
	}
	defer resp.Body.Close()

	if resp.StatusCode != 200 {
		return ""
	}

	var data struct {
		DisplayName string `json:"display_name"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&data); err != nil {
		return ""
	}

	return data.DisplayName
}
