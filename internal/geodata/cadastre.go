package geodata

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"regexp"
	"strconv"
	"strings"

	"mapportal.org/internal/auth"
)

const (
	cadastreSearchURL = "https://pkk.rosreestr.ru/api/features/1"
	parcelQueryURL    = "https://pkk.rosreestr.ru/arcgis/rest/services/PKK6/CadastreOriginal/MapServer/0/query"
	cadastreReferer   = "https://pkk.rosreestr.ru/"
)

var cadastralNumberRe = regexp.MustCompile(`^\d{2}:\d{2}:\d{6,7}:\d+$`)

// Cadastre searches the public cadastral map.
type Cadastre struct {
	search base
	parcel base
}

// NewCadastre constructs the client. WithBaseURL replaces the upstream host
// for both endpoints; the paths stay the same.
func NewCadastre(opts ...Option) *Cadastre {
	b := newBase("cadastre", "", opts)
	c := &Cadastre{search: b, parcel: b}
	c.parcel.service = "parcels"
	if root := strings.TrimSuffix(b.url, "/"); root != "" {
		c.search.url = root + "/api/features/1"
		c.parcel.url = root + "/arcgis/rest/services/PKK6/CadastreOriginal/MapServer/0/query"
	} else {
		c.search.url = cadastreSearchURL
		c.parcel.url = parcelQueryURL
	}
	return c
}

// ParseCadastralNumber validates numbers like 77:01:0001001:1234.
func ParseCadastralNumber(raw string) (string, error) {
	n := strings.TrimSpace(raw)
	if n == "" {
		return "", fmt.Errorf("%w: cadastral_number is required", auth.ErrInvalidInput)
	}
	if !cadastralNumberRe.MatchString(n) {
		return "", fmt.Errorf("%w: malformed cadastral number %q", auth.ErrInvalidInput, n)
	}
	return n, nil
}

// BBox is a WGS84 envelope.
type BBox struct {
	MinLon, MinLat, MaxLon, MaxLat float64
}

// ParseBBox parses "minLon,minLat,maxLon,maxLat".
func ParseBBox(raw string) (BBox, error) {
	parts := strings.Split(strings.TrimSpace(raw), ",")
	if len(parts) != 4 {
		return BBox{}, fmt.Errorf("%w: bbox must have four comma separated numbers", auth.ErrInvalidInput)
	}
	var v [4]float64
	for i, p := range parts {
		f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
		if err != nil {
			return BBox{}, fmt.Errorf("%w: bbox component %d is not a number", auth.ErrInvalidInput, i+1)
		}
		v[i] = f
	}
	b := BBox{MinLon: v[0], MinLat: v[1], MaxLon: v[2], MaxLat: v[3]}
	if b.MinLon >= b.MaxLon || b.MinLat >= b.MaxLat {
		return BBox{}, fmt.Errorf("%w: bbox minimum must be below maximum", auth.ErrInvalidInput)
	}
	if b.MinLon < -180 || b.MaxLon > 180 || b.MinLat < -90 || b.MaxLat > 90 {
		return BBox{}, fmt.Errorf("%w: bbox is outside WGS84 bounds", auth.ErrInvalidInput)
	}
	return b, nil
}

func (b BBox) String() string {
	f := func(x float64) string { return strconv.FormatFloat(x, 'f', -1, 64) }
	return f(b.MinLon) + "," + f(b.MinLat) + "," + f(b.MaxLon) + "," + f(b.MaxLat)
}

// SearchParcel looks a parcel up by cadastral number and returns the
// upstream feature document unchanged.
func (c *Cadastre) SearchParcel(ctx context.Context, number string) (json.RawMessage, error) {
	number, err := ParseCadastralNumber(number)
	if err != nil {
		return nil, err
	}
	q := url.Values{}
	q.Set("text", number)
	q.Set("tolerance", "0")
	req, err := c.newRequest(ctx, c.search.url, q)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.search.do(req, &out); err != nil {
		var ue *UpstreamError
		if errors.As(err, &ue) && ue.Status == http.StatusNotFound {
			return nil, fmt.Errorf("%w: parcel %s", auth.ErrNotFound, number)
		}
		return nil, err
	}
	return out, nil
}

// ParcelsInBBox returns parcel outlines intersecting b as GeoJSON.
func (c *Cadastre) ParcelsInBBox(ctx context.Context, b BBox) (json.RawMessage, error) {
	q := url.Values{}
	q.Set("f", "geojson")
	q.Set("geometry", b.String())
	q.Set("geometryType", "esriGeometryEnvelope")
	q.Set("spatialRel", "esriSpatialRelIntersects")
	q.Set("outFields", "cn,id")
	q.Set("returnGeometry", "true")
	q.Set("inSR", "4326")
	q.Set("outSR", "4326")
	req, err := c.newRequest(ctx, c.parcel.url, q)
	if err != nil {
		return nil, err
	}
	var out json.RawMessage
	if err := c.parcel.do(req, &out); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *Cadastre) newRequest(ctx context.Context, endpoint string, q url.Values) (*http.Request, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint+"?"+q.Encode(), nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("User-Agent", browserAgent)
	req.Header.Set("Accept", "application/json, text/plain, */*")
	req.Header.Set("Accept-Language", "ru-RU,ru;q=0.9")
	req.Header.Set("Referer", cadastreReferer)
	return req, nil
}
