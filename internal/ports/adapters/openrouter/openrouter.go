package openrouter

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/forPelevin/hlclip/internal/keypool"
	"github.com/forPelevin/hlclip/internal/ports/adapters/endpoint"
	"github.com/forPelevin/hlclip/internal/ranking"
)

const DefaultModel = "z-ai/glm-4.5-air:free"

// BaseURL governs OPENROUTER_BASE_URL.
var BaseURL = endpoint.Policy{
	Var:      "OPENROUTER_BASE_URL",
	AllowVar: "OPENROUTER_ALLOWED_HOSTS",
	Default:  "https://openrouter.ai",
	Hosts:    []string{"openrouter.ai", "api.openrouter.ai"},
}

// Adapter streams chat completions from an OpenAI compatible endpoint. The
// credential is supplied per call so one adapter serves the whole pool.
type Adapter struct {
	model       string
	baseURL     string
	temperature float64
	client      *http.Client
}

var _ ranking.Model = (*Adapter)(nil)

type Option func(*Adapter)

func WithHTTPClient(c *http.Client) Option {
	return func(a *Adapter) {
		if c != nil {
			a.client = c
		}
	}
}

func WithTemperature(t float64) Option {
	return func(a *Adapter) {
		if t >= 0 {
			a.temperature = t
		}
	}
}

func New(model, baseURL string, opts ...Option) *Adapter {
	if strings.TrimSpace(model) == "" {
		model = DefaultModel
	}
	a := &Adapter{
		model:       model,
		baseURL:     BaseURL.Normalize(baseURL),
		temperature: 0.7,
		client:      &http.Client{Timeout: 5 * time.Minute},
	}
	for _, o := range opts {
		o(a)
	}
	return a
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model       string        `json:"model"`
	Messages    []chatMessage `json:"messages"`
	Temperature float64       `json:"temperature"`
	Stream      bool          `json:"stream"`
}

type apiErrorBody struct {
	Code    any    `json:"code"`
	Message string `json:"message"`
}

type streamChunk struct {
	Choices []struct {
		Delta struct {
			Content any `json:"content"`
		} `json:"delta"`
		Message struct {
			Content any `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Error *apiErrorBody `json:"error"`
}

func (a *Adapter) Stream(ctx context.Context, key keypool.Credential, prompt string) iter.Seq2[string, error] {
	return func(yield func(string, error) bool) {
		resp, err := a.send(ctx, key, prompt)
		if err != nil {
			yield("", err)
			return
		}
		defer resp.Body.Close()

		mt, _, _ := mime.ParseMediaType(resp.Header.Get("Content-Type"))
		if mt == "application/json" {
			// provider answered without streaming
			text, err := a.decodeWhole(resp.Body, key)
			if err != nil {
				yield("", err)
				return
			}
			yield(text, nil)
			return
		}

		sc := bufio.NewScanner(resp.Body)
		sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
		for sc.Scan() {
			data, ok := strings.CutPrefix(strings.TrimSpace(sc.Text()), "data:")
			if !ok {
				continue
			}
			data = strings.TrimSpace(data)
			if data == "[DONE]" {
				return
			}
			var chunk streamChunk
			if err := json.Unmarshal([]byte(data), &chunk); err != nil {
				continue
			}
			if chunk.Error != nil {
				yield("", chunkError(chunk.Error, key))
				return
			}
			for _, c := range chunk.Choices {
				text, err := messageContentToString(c.Delta.Content)
				if err != nil {
					continue
				}
				if !yield(text, nil) {
					return
				}
			}
		}
		if err := sc.Err(); err != nil {
			if ctx.Err() != nil {
				err = ctx.Err()
			}
			yield("", fmt.Errorf("openrouter stream: %w", err))
		}
	}
}

func (a *Adapter) send(ctx context.Context, key keypool.Credential, prompt string) (*http.Response, error) {
	body, err := json.Marshal(chatRequest{
		Model:       a.model,
		Messages:    []chatMessage{{Role: "user", Content: prompt}},
		Temperature: a.temperature,
		Stream:      true,
	})
	if err != nil {
		return nil, keypool.NonRotatable(err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.baseURL+"/api/v1/chat/completions", bytes.NewReader(body))
	if err != nil {
		return nil, keypool.NonRotatable(err)
	}
	req.Header.Set("Authorization", "Bearer "+key.Secret)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, fmt.Errorf("openrouter request (model=%s): %s", a.model, redactSecrets(err.Error(), key.Secret))
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		defer resp.Body.Close()
		rb, readErr := io.ReadAll(io.LimitReader(resp.Body, 64*1024))
		if readErr != nil {
			return nil, keypool.FromStatus(resp.StatusCode, fmt.Errorf("openrouter status %d and read body failed: %v", resp.StatusCode, readErr))
		}
		return nil, keypool.FromStatus(resp.StatusCode, fmt.Errorf("openrouter status %d: %s", resp.StatusCode, truncate(redactSecrets(string(rb), key.Secret), 400)))
	}
	return resp, nil
}

func (a *Adapter) decodeWhole(r io.Reader, key keypool.Credential) (string, error) {
	var raw streamChunk
	if err := json.NewDecoder(r).Decode(&raw); err != nil {
		return "", keypool.NonRotatable(fmt.Errorf("openrouter decode: %w", err))
	}
	if raw.Error != nil {
		return "", chunkError(raw.Error, key)
	}
	if len(raw.Choices) == 0 {
		return "", keypool.NonRotatable(errors.New("openrouter: no choices"))
	}
	text, err := messageContentToString(raw.Choices[0].Message.Content)
	if err != nil {
		return "", keypool.NonRotatable(err)
	}
	return text, nil
}

// chunkError maps an error object delivered inside a 200 response.
func chunkError(e *apiErrorBody, key keypool.Credential) error {
	status := 0
	switch v := e.Code.(type) {
	case float64:
		status = int(v)
	case string:
		status, _ = strconv.Atoi(v)
	}
	err := fmt.Errorf("openrouter: %s", truncate(redactSecrets(e.Message, key.Secret), 400))
	if status > 0 {
		return keypool.FromStatus(status, err)
	}
	return err
}

func messageContentToString(v any) (string, error) {
	switch x := v.(type) {
	case string:
		return x, nil
	case []any:
		// some providers return an array of {type,text} parts
		var b strings.Builder
		for _, it := range x {
			m, ok := it.(map[string]any)
			if !ok {
				continue
			}
			if t, ok := m["text"].(string); ok {
				b.WriteString(t)
			}
		}
		s := b.String()
		if strings.TrimSpace(s) == "" {
			return "", errors.New("openrouter: empty content")
		}
		return s, nil
	case nil:
		return "", errors.New("openrouter: empty content")
	default:
		return "", fmt.Errorf("openrouter: unexpected content type %T", v)
	}
}

func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}

var (
	bearerTokenRE = regexp.MustCompile(`(?i)\bBearer\s+[A-Za-z0-9._-]+\b`)
	authHeaderRE  = regexp.MustCompile(`(?i)(authorization\s*[:=]\s*)([^\n\r,;]+)`)
	apiKeyFieldRE = regexp.MustCompile(`(?i)(api[_-]?key\s*[:=]\s*)([^\n\r,;]+)`)
)

func redactSecrets(s, apiKey string) string {
	if s == "" {
		return s
	}
	out := s
	if apiKey != "" {
		out = strings.ReplaceAll(out, apiKey, "[REDACTED]")
	}
	out = bearerTokenRE.ReplaceAllString(out, "Bearer [REDACTED]")
	out = authHeaderRE.ReplaceAllString(out, "${1}[REDACTED]")
	out = apiKeyFieldRE.ReplaceAllString(out, "${1}[REDACTED]")
	return out
}
