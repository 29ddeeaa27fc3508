package geocode

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/example/booker-api/internal/domain/booking"
)

const (
	DefaultURL       = "https://nominatim.openstreetmap.org"
	DefaultUserAgent = "restaurant-booking-app"
)

var ErrNotFound = errors.New("geocode: location not found")

// Geocoder resolves a free-form place name to coordinates.
type Geocoder interface {
	Geocode(ctx context.Context, name string) (booking.Coordinates, error)
}

// Nominatim queries an OpenStreetMap Nominatim search endpoint.
type Nominatim struct {
	hc        *http.Client
	baseURL   string
	userAgent string
}

func NewNominatim(baseURL, userAgent string, timeout time.Duration) *Nominatim {
	if baseURL == "" {
		baseURL = DefaultURL
	}
	if userAgent == "" {
		userAgent = DefaultUserAgent
	}
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	return &Nominatim{
		hc:        &http.Client{Timeout: timeout},
		baseURL:   strings.TrimRight(baseURL, "/"),
		userAgent: userAgent,
	}
}

type place struct {
	Lat         string `json:"lat"`
	Lon         string `json:"lon"`
	DisplayName string `json:"display_name"`
}

func (n *Nominatim) Geocode(ctx context.Context, name string) (booking.Coordinates, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return booking.Coordinates{}, ErrNotFound
	}

	q := url.Values{}
	q.Set("q", name)
	q.Set("format", "json")
	q.Set("limit", "1")

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, n.baseURL+"/search?"+q.Encode(), nil)
	if err != nil {
		return booking.Coordinates{}, err
	}
	req.Header.Set("user-agent", n.userAgent)
	req.Header.Set("accept", "application/json")

	res, err := n.hc.Do(req)
	if err != nil {
		return booking.Coordinates{}, fmt.Errorf("geocode %q: %w", name, err)
	}
	defer res.Body.Close()
	body, err := io.ReadAll(io.LimitReader(res.Body, 1<<20))
	if err != nil {
		return booking.Coordinates{}, fmt.Errorf("geocode %q: %w", name, err)
	}
	if res.StatusCode >= 400 {
		return booking.Coordinates{}, fmt.Errorf("geocode %q: status=%d", name, res.StatusCode)
	}

	var places []place
	if err := json.Unmarshal(body, &places); err != nil {
		return booking.Coordinates{}, fmt.Errorf("geocode %q: decode: %w", name, err)
	}
	if len(places) == 0 {
		return booking.Coordinates{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}

	lat, err := strconv.ParseFloat(places[0].Lat, 64)
	if err != nil {
		return booking.Coordinates{}, fmt.Errorf("geocode %q: bad latitude %q", name, places[0].Lat)
	}
	lon, err := strconv.ParseFloat(places[0].Lon, 64)
	if err != nil {
		return booking.Coordinates{}, fmt.Errorf("geocode %q: bad longitude %q", name, places[0].Lon)
	}
	c := booking.Coordinates{Latitude: lat, Longitude: lon}
	if !c.Valid() {
		return booking.Coordinates{}, fmt.Errorf("geocode %q: coordinates out of range (%s)", name, c)
	}
	return c, nil
}

// Static is a fixed lookup table, used for tests and offline runs.
type Static map[string]booking.Coordinates

func (s Static) Geocode(_ context.Context, name string) (booking.Coordinates, error) {
	c, ok := s[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return booking.Coordinates{}, fmt.Errorf("%w: %q", ErrNotFound, name)
	}
	return c, nil
}
