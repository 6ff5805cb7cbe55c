package eta

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/example/rider-dispatch/internal/models"
)

// ErrNoRoute is returned when the router answers but has no usable route.
var ErrNoRoute = errors.New("osrm: no route")

const (
	defaultProfile   = "driving"
	maxResponseBytes = 1 << 20
)

// OSRMClient asks an OSRM server for the travel time between two points.
// The endpoint may carry a path prefix, e.g. http://osrm:5000/osrm.
type OSRMClient struct {
	Endpoint string
	Profile  string
	HTTP     *http.Client
}

func NewOSRMClient(endpoint string) *OSRMClient {
	return &OSRMClient{
		Endpoint: strings.TrimRight(endpoint, "/"),
		Profile:  defaultProfile,
		HTTP:     &http.Client{Timeout: 2 * time.Second},
	}
}

type routeResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Routes  []struct {
		Duration float64 `json:"duration"`
	} `json:"routes"`
}

func (o *OSRMClient) routeURL(from, to models.Coord) (string, error) {
	profile := o.Profile
	if profile == "" {
		profile = defaultProfile
	}
	// OSRM wants lon,lat pairs joined by ';'
	pair := fmt.Sprintf("%.6f,%.6f;%.6f,%.6f", from.Lon, from.Lat, to.Lon, to.Lat)
	u, err := url.Parse(o.Endpoint)
	if err != nil {
		return "", fmt.Errorf("osrm endpoint: %w", err)
	}
	u = u.JoinPath("route", "v1", profile, pair)
	u.RawQuery = url.Values{"overview": {"false"}}.Encode()
	return u.String(), nil
}

// EstimateSeconds returns the duration of the fastest route from -> to.
func (o *OSRMClient) EstimateSeconds(ctx context.Context, from, to models.Coord) (float64, error) {
	target, err := o.routeURL(from, to)
	if err != nil {
		return 0, err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, target, nil)
	if err != nil {
		return 0, err
	}
	resp, err := o.HTTP.Do(req)
	if err != nil {
		return 0, fmt.Errorf("osrm request: %w", err)
	}
	defer resp.Body.Close()

	var out routeResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxResponseBytes)).Decode(&out); err != nil {
		if resp.StatusCode != http.StatusOK {
			return 0, fmt.Errorf("osrm: status %d", resp.StatusCode)
		}
		return 0, fmt.Errorf("osrm decode: %w", err)
	}
	// OSRM reports NoRoute and friends with a 400 and a JSON body
	if out.Code != "Ok" || len(out.Routes) == 0 {
		return 0, fmt.Errorf("%w: %s %s", ErrNoRoute, out.Code, out.Message)
	}
	return out.Routes[0].Duration, nil
}
