package gemini

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"net/http"
	"sync"

	"google.golang.org/genai"

	"github.com/forPelevin/hlclip/internal/keypool"
	"github.com/forPelevin/hlclip/internal/ports/adapters/endpoint"
	"github.com/forPelevin/hlclip/internal/ranking"
)

const DefaultModel = "gemini-2.5-flash"

// BaseURL governs GEMINI_BASE_URL. Unset means the SDK default.
var BaseURL = endpoint.Policy{
	Var:      "GEMINI_BASE_URL",
	AllowVar: "GEMINI_ALLOWED_HOSTS",
	Default:  "https://generativelanguage.googleapis.com",
	Hosts:    []string{"generativelanguage.googleapis.com"},
}

// Adapter streams generations from the Gemini API. One genai client is kept
// per credential since the SDK binds the key at construction.
type Adapter struct {
	model       string
	temperature float32
	baseURL     string
	httpClient  *http.Client

	mu      sync.Mutex
	clients map[string]*genai.Client
}

var _ ranking.Model = (*Adapter)(nil)

type Option func(*Adapter)

func WithTemperature(t float64) Option {
	return func(a *Adapter) {
		if t >= 0 {
			a.temperature = float32(t)
		}
	}
}

// WithBaseURL points the SDK at another endpoint, e.g. a proxy.
func WithBaseURL(u string) Option {
	return func(a *Adapter) { a.baseURL = u }
}

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) { a.httpClient = c }
}

func New(model string, opts ...Option) *Adapter {
	if model == "" {
		model = DefaultModel
	}
	a := &Adapter{
		model:       model,
		temperature: 0.7,
		clients:     make(map[string]*genai.Client),
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

func (a *Adapter) client(ctx context.Context, key keypool.Credential) (*genai.Client, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if c, ok := a.clients[key.Secret]; ok {
		return c, nil
	}
	cfg := &genai.ClientConfig{
		APIKey:     key.Secret,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: a.httpClient,
	}
	if a.baseURL != "" {
		cfg.HTTPOptions.BaseURL = a.baseURL
	}
	c, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, keypool.NonRotatable(fmt.Errorf("create gemini client: %w", err))
	}
	a.clients[key.Secret] = c
	return c, nil
}

func (a *Adapter) Stream(ctx context.Context, key keypool.Credential, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		c, err := a.client(ctx, key)
		if err != nil {
			yield("", err)
			return
		}
		cfg := &genai.GenerateContentConfig{Temperature: genai.Ptr(a.temperature)}
		for resp, err := range c.Models.GenerateContentStream(ctx, a.model, genai.Text(prompt), cfg) {
			if err != nil {
				yield("", classify(ctx, err))
				return
			}
			if resp == nil {
				continue
			}
			if !yield(resp.Text(), nil) {
				return
			}
		}
	}
}

// classify turns SDK failures into pool errors. Errors without a status are
// left for keypool.Classify to match on their message.
func classify(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	var apiErr genai.APIError
	if errors.As(err, &apiErr) && apiErr.Code > 0 {
		return keypool.FromStatus(apiErr.Code, fmt.Errorf("gemini %s: %s", apiErr.Status, apiErr.Message))
	}
	var apiErrPtr *genai.APIError
	if errors.As(err, &apiErrPtr) && apiErrPtr.Code > 0 {
		return keypool.FromStatus(apiErrPtr.Code, fmt.Errorf("gemini %s: %s", apiErrPtr.Status, apiErrPtr.Message))
	}
	return fmt.Errorf("gemini: %w", err)
}
