// Package geocode vends a reverse-geocoding client used to decorate shares
// with a human-readable place label. Labels are cosmetic: every failure here
// degrades to an empty label and never fails the calling operation.
package geocode

import (
	"encoding/json"
	"fmt"
	"io"
	"io/ioutil"
	"net/http"
	"net/url"
	"time"

	log "github.com/sirupsen/logrus"
	md "wuyrush.io/locket/models"
)

const defaultRequestTimeout = 3 * time.Second

// Resolver names a place for a point. Implementations must be safe for
// concurrent use.
type Resolver interface {
	// Label returns a display label for the point, or "" when none could
	// be resolved
	Label(p md.GeoPoint) string
}

// Client resolves labels against a Nominatim-compatible reverse geocoding
// endpoint.
type Client struct {
	C    *http.Client
	Addr string
}

type Config struct {
	Addr           string
	RT             http.RoundTripper
	RequestTimeout time.Duration
}

func NewClient(cfg *Config) *Client {
	timeout := cfg.RequestTimeout
	if timeout == 0 {
		timeout = defaultRequestTimeout
	}
	return &Client{
		C:    &http.Client{Transport: cfg.RT, Timeout: timeout},
		Addr: cfg.Addr,
	}
}

type reverseResp struct {
	DisplayName string `json:"display_name"`
	Address     struct {
		Suburb string `json:"suburb"`
		City   string `json:"city"`
		Town   string `json:"town"`
	} `json:"address"`
}

func (g *Client) Label(p md.GeoPoint) string {
	clog := log.WithFields(log.Fields{"lat": p.Lat, "lon": p.Lon})
	if !p.Valid() {
		return ""
	}
	q := url.Values{}
	q.Set("format", "jsonv2")
	q.Set("lat", fmt.Sprintf("%f", p.Lat))
	q.Set("lon", fmt.Sprintf("%f", p.Lon))
	resp, err := g.C.Get(fmt.Sprintf("%s/reverse?%s", g.Addr, q.Encode()))
	if err != nil {
		clog.WithError(err).Warn("error calling reverse geocoder")
		return ""
	}
	defer func() {
		io.Copy(ioutil.Discard, resp.Body)
		resp.Body.Close()
	}()
	if resp.StatusCode != http.StatusOK {
		clog.WithField("status", resp.StatusCode).Warn("reverse geocoder responded non-OK")
		return ""
	}
	var rr reverseResp
	if err := json.NewDecoder(resp.Body).Decode(&rr); err != nil {
		clog.WithError(err).Warn("error decoding reverse geocoder response")
		return ""
	}
	return labelFrom(rr)
}

// labelFrom prefers the tightest locality over the full display name, which
// Nominatim renders as an unwieldy comma chain.
func labelFrom(rr reverseResp) string {
	for _, s := range []string{rr.Address.Suburb, rr.Address.City, rr.Address.Town} {
		if s != "" {
			return s
		}
	}
	return rr.DisplayName
}

// NoopResolver labels nothing; used when no geocoder endpoint is configured.
type NoopResolver struct{}

func (NoopResolver) Label(md.GeoPoint) string { return "" }
