package geodata

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"mapportal.org/internal/auth"
)

const dadataURL = "https://suggestions.dadata.ru/suggestions/api/4_1/rs/findById/party"

// Party is an organisation record from the company registry.
type Party struct {
	INN              string     `json:"inn"`
	KPP              string     `json:"kpp,omitempty"`
	OGRN             string     `json:"ogrn,omitempty"`
	FullName         string     `json:"full_name"`
	ShortName        string     `json:"short_name,omitempty"`
	Address          string     `json:"address,omitempty"`
	Status           string     `json:"status,omitempty"`
	Type             string     `json:"type,omitempty"`
	OKVED            string     `json:"okved,omitempty"`
	ManagementName   string     `json:"management_name,omitempty"`
	ManagementPost   string     `json:"management_post,omitempty"`
	RegistrationDate *time.Time `json:"registration_date,omitempty"`
}

// Dadata looks organisations up by tax id.
type Dadata struct {
	base
	apiKey string
}

// NewDadata constructs the client. An empty key leaves it unconfigured;
// calls then fail with auth.ErrNotConfigured.
func NewDadata(apiKey string, opts ...Option) *Dadata {
	return &Dadata{base: newBase("dadata", dadataURL, opts), apiKey: strings.TrimSpace(apiKey)}
}

// ValidINN reports whether inn has the 10 (legal entity) or 12 (individual)
// digit shape.
func ValidINN(inn string) bool {
	if len(inn) != 10 && len(inn) != 12 {
		return false
	}
	for _, r := range inn {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

type dadataResponse struct {
	Suggestions []dadataSuggestion `json:"suggestions"`
}

type dadataSuggestion struct {
	Value string      `json:"value"`
	Data  dadataParty `json:"data"`
}

type dadataParty struct {
	INN        string            `json:"inn"`
	KPP        string            `json:"kpp"`
	OGRN       string            `json:"ogrn"`
	Type       string            `json:"type"`
	OKVED      string            `json:"okved"`
	Name       dadataName        `json:"name"`
	Address    dadataAddress     `json:"address"`
	State      dadataState       `json:"state"`
	Management *dadataManagement `json:"management"`
}

type dadataName struct {
	FullWithOPF  string `json:"full_with_opf"`
	ShortWithOPF string `json:"short_with_opf"`
}

type dadataAddress struct {
	Value             string `json:"value"`
	UnrestrictedValue string `json:"unrestricted_value"`
}

type dadataState struct {
	Status           string `json:"status"`
	RegistrationDate *int64 `json:"registration_date"`
}

type dadataManagement struct {
	Name string `json:"name"`
	Post string `json:"post"`
}

// FindParty returns the first registry match for inn, or auth.ErrNotFound.
func (d *Dadata) FindParty(ctx context.Context, inn string) (Party, error) {
	inn = strings.TrimSpace(inn)
	if !ValidINN(inn) {
		return Party{}, fmt.Errorf("%w: inn must be 10 or 12 digits", auth.ErrInvalidInput)
	}
	if d.apiKey == "" {
		return Party{}, notConfigured("DADATA_API_KEY is not set")
	}
	payload, _ := json.Marshal(map[string]string{"query": inn})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.url, bytes.NewReader(payload))
	if err != nil {
		return Party{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Token "+d.apiKey)

	var resp dadataResponse
	if err := d.do(req, &resp); err != nil {
		return Party{}, err
	}
	if len(resp.Suggestions) == 0 {
		return Party{}, fmt.Errorf("%w: no organisation with inn %s", auth.ErrNotFound, inn)
	}
	s := resp.Suggestions[0].Data
	p := Party{
		INN:       s.INN,
		KPP:       s.KPP,
		OGRN:      s.OGRN,
		FullName:  s.Name.FullWithOPF,
		ShortName: s.Name.ShortWithOPF,
		Address:   s.Address.UnrestrictedValue,
		Status:    s.State.Status,
		Type:      s.Type,
		OKVED:     s.OKVED,
	}
	if p.FullName == "" {
		p.FullName = resp.Suggestions[0].Value
	}
	if p.Address == "" {
		p.Address = s.Address.Value
	}
	if s.Management != nil {
		p.ManagementName = s.Management.Name
		p.ManagementPost = s.Management.Post
	}
	if ms := s.State.RegistrationDate; ms != nil && *ms > 0 {
		t := time.UnixMilli(*ms).UTC()
		p.RegistrationDate = &t
	}
	return p, nil
}
