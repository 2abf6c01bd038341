// Package assistant answers land-analysis questions through an
// OpenAI-compatible chat completion endpoint.
package assistant

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"

	"mapportal.org/internal/auth"
	"mapportal.org/internal/geodata"
	"mapportal.org/internal/obs"
)

const (
	defaultEndpoint = "https://api.openai.com/v1/chat/completions"
	defaultModel    = "gpt-4o-mini"
	defaultTimeout  = 60 * time.Second
	maxReplySize    = 4 << 20
)

// Request is one assistant call.
type Request struct {
	Mode        Mode            `json:"mode"`
	Prompt      string          `json:"prompt,omitempty"`
	Context     json.RawMessage `json:"context,omitempty"`
	Coordinates json.RawMessage `json:"coordinates,omitempty"`
}

// Reply is the model answer.
type Reply struct {
	Mode   Mode   `json:"mode"`
	Answer string `json:"answer"`
	Model  string `json:"model"`
}

// Client calls the chat completion API.
type Client struct {
	apiKey    string
	model     string
	endpoint  string
	http      *http.Client
	catalogue *Catalogue
}

// Option configures a Client.
type Option func(*Client)

// WithModel overrides the model name.
func WithModel(m string) Option {
	return func(c *Client) {
		if m = strings.TrimSpace(m); m != "" {
			c.model = m
		}
	}
}

// WithEndpoint points the client at another chat completion URL.
func WithEndpoint(u string) Option {
	return func(c *Client) {
		if u != "" {
			c.endpoint = u
		}
	}
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(h *http.Client) Option {
	return func(c *Client) {
		if h != nil {
			c.http = h
		}
	}
}

// WithTimeout bounds every completion call.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.http.Timeout = d
		}
	}
}

// WithCatalogue replaces the embedded prompt catalogue.
func WithCatalogue(cat *Catalogue) Option {
	return func(c *Client) {
		if cat != nil {
			c.catalogue = cat
		}
	}
}

// New constructs a client. An empty apiKey leaves it unconfigured; Ask then
// fails with auth.ErrNotConfigured. The embedded catalogue is validated here.
func New(apiKey string, opts ...Option) (*Client, error) {
	c := &Client{
		apiKey:   strings.TrimSpace(apiKey),
		model:    defaultModel,
		endpoint: defaultEndpoint,
		http: &http.Client{
			Timeout:   defaultTimeout,
			Transport: otelhttp.NewTransport(http.DefaultTransport),
		},
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.catalogue == nil {
		cat, err := DefaultCatalogue()
		if err != nil {
			return nil, err
		}
		c.catalogue = cat
	}
	return c, nil
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type responseFormat struct {
	Type string `json:"type"`
}

type chatRequest struct {
	Model          string          `json:"model"`
	Messages       []chatMessage   `json:"messages"`
	Temperature    float64         `json:"temperature"`
	MaxTokens      int             `json:"max_tokens"`
	ResponseFormat *responseFormat `json:"response_format,omitempty"`
}

type chatResponse struct {
	Choices []struct {
		Message chatMessage `json:"message"`
	} `json:"choices"`
}

// Render builds the system and user messages for req without calling the
// model.
func (c *Client) Render(req Request) (system, user string, err error) {
	if req.Mode == "" {
		req.Mode = ModeLandAnalysis
	}
	p, ok := c.catalogue.lookup(req.Mode)
	if !ok {
		return "", "", fmt.Errorf("%w: unknown mode %q", auth.ErrInvalidInput, req.Mode)
	}
	query := strings.TrimSpace(req.Prompt)
	if p.requires["prompt"] && query == "" {
		return "", "", fmt.Errorf("%w: prompt is required for %s", auth.ErrInvalidInput, req.Mode)
	}
	object, err := indent(req.Context)
	if err != nil {
		return "", "", fmt.Errorf("%w: context must be JSON", auth.ErrInvalidInput)
	}
	if p.requires["context"] && object == "" {
		return "", "", fmt.Errorf("%w: context is required for %s", auth.ErrInvalidInput, req.Mode)
	}
	coords, err := indent(req.Coordinates)
	if err != nil {
		return "", "", fmt.Errorf("%w: coordinates must be JSON", auth.ErrInvalidInput)
	}

	var buf bytes.Buffer
	data := struct{ Query, Object, Coordinates string }{query, object, coords}
	if err := p.user.Execute(&buf, data); err != nil {
		return "", "", fmt.Errorf("render %s prompt: %w", req.Mode, err)
	}
	return p.system, strings.TrimSpace(buf.String()), nil
}

// Ask renders the prompt for req.Mode and returns the model answer.
func (c *Client) Ask(ctx context.Context, req Request) (Reply, error) {
	if req.Mode == "" {
		req.Mode = ModeLandAnalysis
	}
	system, user, err := c.Render(req)
	if err != nil {
		return Reply{}, err
	}
	if c.apiKey == "" {
		return Reply{}, fmt.Errorf("%w: OPENAI_API_KEY is not set", auth.ErrNotConfigured)
	}
	p, _ := c.catalogue.lookup(req.Mode)
	s := c.catalogue.Sampling()
	body := chatRequest{
		Model:       c.model,
		Messages:    []chatMessage{{Role: "system", Content: system}, {Role: "user", Content: user}},
		Temperature: s.Temperature,
		MaxTokens:   s.MaxTokens,
	}
	if p.json {
		body.ResponseFormat = &responseFormat{Type: "json_object"}
	}
	answer, err := c.complete(ctx, body)
	if err != nil {
		return Reply{}, err
	}
	return Reply{Mode: req.Mode, Answer: answer, Model: c.model}, nil
}

func (c *Client) complete(ctx context.Context, body chatRequest) (answer string, err error) {
	started := time.Now()
	defer func() { obs.ObserveUpstream("assistant", started, err) }()

	payload, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(payload))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		var ne interface{ Timeout() bool }
		if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
			return "", fmt.Errorf("assistant: %w", geodata.ErrTimeout)
		}
		return "", fmt.Errorf("assistant: %w", err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxReplySize))
	if err != nil {
		return "", fmt.Errorf("assistant: read body: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		snippet := string(raw)
		if len(snippet) > 512 {
			snippet = snippet[:512]
		}
		return "", &geodata.UpstreamError{Service: "assistant", Status: resp.StatusCode, Body: snippet}
	}
	var out chatResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return "", fmt.Errorf("assistant: decode response: %w", err)
	}
	if len(out.Choices) == 0 {
		return "", &geodata.UpstreamError{Service: "assistant", Status: http.StatusBadGateway, Body: "no choices"}
	}
	return out.Choices[0].Message.Content, nil
}

func indent(raw json.RawMessage) (string, error) {
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || bytes.Equal(trimmed, []byte("null")) {
		return "", nil
	}
	var buf bytes.Buffer
	if err := json.Indent(&buf, trimmed, "", "  "); err != nil {
		return "", err
	}
	return buf.String(), nil
}
