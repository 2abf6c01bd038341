package polygon

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"time"

	"mapportal.org/internal/auth"
)

const (
	defaultType   = "polygon"
	defaultStatus = "active"
	defaultColor  = "#3B82F6"
)

// Polygon is an active map object. Layer is the unit of access control.
type Polygon struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Area        float64         `json:"area"`
	Population  *float64        `json:"population"`
	Status      string          `json:"status"`
	Coordinates json.RawMessage `json:"coordinates"`
	Color       string          `json:"color"`
	Layer       string          `json:"layer"`
	Visible     bool            `json:"visible"`
	Attributes  map[string]any  `json:"attributes"`
	UserID      *string         `json:"user_id"`
	CreatedAt   time.Time       `json:"created_at"`
	UpdatedAt   time.Time       `json:"updated_at"`
}

// OwnedBy reports whether userID owns p.
func (p Polygon) OwnedBy(userID string) bool {
	return p.UserID != nil && *p.UserID == userID
}

// Unowned reports a legacy row without owner. Any authenticated caller may
// read and update those.
func (p Polygon) Unowned() bool { return p.UserID == nil }

// Trashed is a soft-deleted polygon. CreatedAt is when it entered the trash;
// OriginalCreatedAt is the active record's creation time.
type Trashed struct {
	Polygon
	OriginalCreatedAt time.Time `json:"original_created_at"`
	MovedBy           string    `json:"moved_by_user"`
}

// Input is the client payload for create and full-replace update.
type Input struct {
	ID          string          `json:"id"`
	Name        string          `json:"name"`
	Type        string          `json:"type"`
	Area        float64         `json:"area"`
	Population  *float64        `json:"population"`
	Status      string          `json:"status"`
	Coordinates json.RawMessage `json:"coordinates"`
	Color       string          `json:"color"`
	Layer       string          `json:"layer"`
	Visible     *bool           `json:"visible"`
	Attributes  map[string]any  `json:"attributes"`
}

func (in Input) normalize(requireID bool) (Input, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Name = strings.TrimSpace(in.Name)
	in.Layer = strings.TrimSpace(in.Layer)
	in.Type = strings.TrimSpace(in.Type)
	in.Status = strings.TrimSpace(in.Status)
	in.Color = strings.TrimSpace(in.Color)
	if requireID && in.ID == "" {
		return in, fmt.Errorf("%w: id is required", auth.ErrInvalidInput)
	}
	if in.Name == "" {
		return in, fmt.Errorf("%w: name is required", auth.ErrInvalidInput)
	}
	if in.Layer == "" {
		return in, fmt.Errorf("%w: layer is required", auth.ErrInvalidInput)
	}
	raw := bytes.TrimSpace(in.Coordinates)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return in, fmt.Errorf("%w: coordinates are required", auth.ErrInvalidInput)
	}
	if !json.Valid(raw) {
		return in, fmt.Errorf("%w: coordinates must be valid JSON", auth.ErrInvalidInput)
	}
	in.Coordinates = raw
	if math.IsNaN(in.Area) || math.IsInf(in.Area, 0) || in.Area < 0 {
		return in, fmt.Errorf("%w: area must be a non-negative number", auth.ErrInvalidInput)
	}
	if in.Population != nil && (*in.Population < 0 || math.IsNaN(*in.Population) || math.IsInf(*in.Population, 0)) {
		return in, fmt.Errorf("%w: population must be a non-negative number", auth.ErrInvalidInput)
	}
	if in.Type == "" {
		in.Type = defaultType
	}
	if in.Status == "" {
		in.Status = defaultStatus
	}
	if in.Color == "" {
		in.Color = defaultColor
	}
	if in.Visible == nil {
		v := true
		in.Visible = &v
	}
	if in.Attributes == nil {
		in.Attributes = map[string]any{}
	}
	return in, nil
}

// apply copies the replaceable fields of in onto p.
func (in Input) apply(p Polygon) Polygon {
	p.Name = in.Name
	p.Type = in.Type
	p.Area = in.Area
	p.Population = in.Population
	p.Status = in.Status
	p.Coordinates = in.Coordinates
	p.Color = in.Color
	p.Layer = in.Layer
	p.Visible = *in.Visible
	p.Attributes = in.Attributes
	return p
}
