package admin

import (
	"fmt"
	"net/mail"
	"strings"
	"time"

	"mapportal.org/internal/auth"
	"mapportal.org/internal/geodata"
)

// UserSummary is a user row joined with its company name.
type UserSummary struct {
	auth.User
	CompanyName *string `json:"company_name"`
}

// Company is an organisation users may belong to.
type Company struct {
	ID               string     `json:"id"`
	Name             string     `json:"name"`
	ShortName        string     `json:"short_name,omitempty"`
	Description      string     `json:"description"`
	INN              string     `json:"inn"`
	KPP              string     `json:"kpp,omitempty"`
	OGRN             string     `json:"ogrn,omitempty"`
	Address          string     `json:"address"`
	Phone            string     `json:"phone"`
	Email            string     `json:"email"`
	Website          string     `json:"website"`
	Status           string     `json:"status"`
	CompanyType      string     `json:"company_type,omitempty"`
	OKVED            string     `json:"okved,omitempty"`
	ManagementName   string     `json:"management_name,omitempty"`
	ManagementPost   string     `json:"management_post,omitempty"`
	RegistrationDate *time.Time `json:"registration_date,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
	UpdatedAt        time.Time  `json:"updated_at"`
}

// CompanyStatusActive is the status new companies start with.
const CompanyStatusActive = "active"

// CompanyInput carries the admin-editable company fields.
type CompanyInput struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	INN         string `json:"inn"`
	Address     string `json:"address"`
	Phone       string `json:"phone"`
	Email       string `json:"email"`
	Website     string `json:"website"`
	Status      string `json:"status"`
}

func (in CompanyInput) normalize() (CompanyInput, error) {
	in.ID = strings.TrimSpace(in.ID)
	in.Name = strings.TrimSpace(in.Name)
	in.INN = strings.TrimSpace(in.INN)
	in.Email = strings.TrimSpace(in.Email)
	in.Status = strings.ToLower(strings.TrimSpace(in.Status))
	if in.Name == "" {
		return in, fmt.Errorf("%w: company name is required", auth.ErrInvalidInput)
	}
	if in.INN != "" && !geodata.ValidINN(in.INN) {
		return in, fmt.Errorf("%w: inn must be 10 or 12 digits", auth.ErrInvalidInput)
	}
	if in.Email != "" {
		if _, err := mail.ParseAddress(in.Email); err != nil {
			return in, fmt.Errorf("%w: invalid company email", auth.ErrInvalidInput)
		}
	}
	if in.Status == "" {
		in.Status = CompanyStatusActive
	}
	return in, nil
}

func (in CompanyInput) apply(c Company) Company {
	c.Name = in.Name
	c.Description = in.Description
	c.INN = in.INN
	c.Address = in.Address
	c.Phone = in.Phone
	c.Email = in.Email
	c.Website = in.Website
	c.Status = in.Status
	return c
}

func companyFromParty(p geodata.Party) Company {
	return Company{
		Name:             p.FullName,
		ShortName:        p.ShortName,
		INN:              p.INN,
		KPP:              p.KPP,
		OGRN:             p.OGRN,
		Address:          p.Address,
		Status:           CompanyStatusActive,
		CompanyType:      p.Type,
		OKVED:            p.OKVED,
		ManagementName:   p.ManagementName,
		ManagementPost:   p.ManagementPost,
		RegistrationDate: p.RegistrationDate,
	}
}

// GrantInput is an admin request to grant access.
type GrantInput struct {
	UserID       string  `json:"user_id"`
	ResourceType string  `json:"resource_type"`
	ResourceID   *string `json:"resource_id"`
	Level        string  `json:"permission_level"`
}

// AuditQuery pages through the audit log, newest first.
type AuditQuery struct {
	Limit  int
	Offset int
	UserID string
}

const (
	DefaultAuditLimit = 100
	MaxAuditLimit     = 1000
)

func (q AuditQuery) normalize() AuditQuery {
	if q.Limit <= 0 {
		q.Limit = DefaultAuditLimit
	}
	if q.Limit > MaxAuditLimit {
		q.Limit = MaxAuditLimit
	}
	if q.Offset < 0 {
		q.Offset = 0
	}
	q.UserID = strings.TrimSpace(q.UserID)
	return q
}

// LayerSummary aggregates the active polygons of one layer.
type LayerSummary struct {
	Layer       string   `json:"layer"`
	ObjectCount int64    `json:"object_count"`
	Owners      []string `json:"owners"`
}

// FieldType is the input widget of an attribute template.
type FieldType string

const (
	FieldText     FieldType = "text"
	FieldTextarea FieldType = "textarea"
	FieldNumber   FieldType = "number"
	FieldSelect   FieldType = "select"
	FieldDate     FieldType = "date"
	FieldCheckbox FieldType = "checkbox"
)

// ParseFieldType validates a field type name.
func ParseFieldType(raw string) (FieldType, error) {
	switch f := FieldType(strings.ToLower(strings.TrimSpace(raw))); f {
	case FieldText, FieldTextarea, FieldNumber, FieldSelect, FieldDate, FieldCheckbox:
		return f, nil
	default:
		return "", fmt.Errorf("%w: unknown field type %q", auth.ErrInvalidInput, raw)
	}
}

// AttributeTemplate describes one dynamic polygon attribute.
type AttributeTemplate struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	FieldType    FieldType `json:"field_type"`
	IsRequired   bool      `json:"is_required"`
	DefaultValue string    `json:"default_value"`
	Options      string    `json:"options"`
	SortOrder    int       `json:"sort_order"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// AttributeInput carries the editable template fields.
type AttributeInput struct {
	ID           int64  `json:"id"`
	Name         string `json:"name"`
	FieldType    string `json:"field_type"`
	IsRequired   bool   `json:"is_required"`
	DefaultValue string `json:"default_value"`
	Options      string `json:"options"`
	SortOrder    int    `json:"sort_order"`
}

func (in AttributeInput) template() (AttributeTemplate, error) {
	name := strings.TrimSpace(in.Name)
	if name == "" {
		return AttributeTemplate{}, fmt.Errorf("%w: attribute name is required", auth.ErrInvalidInput)
	}
	ft, err := ParseFieldType(in.FieldType)
	if err != nil {
		return AttributeTemplate{}, err
	}
	if ft == FieldSelect && strings.TrimSpace(in.Options) == "" {
		return AttributeTemplate{}, fmt.Errorf("%w: select attributes need options", auth.ErrInvalidInput)
	}
	return AttributeTemplate{
		ID:           in.ID,
		Name:         name,
		FieldType:    ft,
		IsRequired:   in.IsRequired,
		DefaultValue: in.DefaultValue,
		Options:      in.Options,
		SortOrder:    in.SortOrder,
	}, nil
}

// AttributeOrder moves one template to a new position.
type AttributeOrder struct {
	ID        int64 `json:"id"`
	SortOrder int   `json:"sort_order"`
}

// Beneficiary is a named party polygons can be attributed to.
type Beneficiary struct {
	ID        int64     `json:"id"`
	Name      string    `json:"name"`
	CreatedAt time.Time `json:"created_at"`
}

// Segment is an ordered land-plot category.
type Segment struct {
	ID         int64  `json:"id"`
	Name       string `json:"name"`
	Color      string `json:"color"`
	OrderIndex int    `json:"order_index"`
}

// DefaultSegmentColor is used when a new segment arrives without one.
const DefaultSegmentColor = "#3B82F6"
