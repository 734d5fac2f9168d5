package ranking

import (
	"context"
	"fmt"
	"iter"
	"strings"
	"time"

	"github.com/forPelevin/hlclip/internal/keypool"
	"github.com/forPelevin/hlclip/internal/logger"
	"github.com/forPelevin/hlclip/internal/ports"
	"github.com/forPelevin/hlclip/internal/types"
)

const (
	DefaultTimeout = 90 * time.Second

	// progress reported while the answer streams in
	streamProgress = 50
	chunkEvery     = 3
)

// Model is a remote text model reachable with one pool credential. Stream
// yields text chunks; a non-streaming backend yields a single chunk. Errors
// should be *keypool.APIError where the backend can classify them.
type Model interface {
	Stream(ctx context.Context, key keypool.Credential, prompt string) iter.Seq2[string, error]
}

type Client struct {
	pool       *keypool.Pool
	model      Model
	maxRetries int
	timeout    time.Duration
	log        logger.Logger
}

type Option func(*Client)

func WithMaxRetries(n int) Option {
	return func(c *Client) {
		if n > 0 {
			c.maxRetries = n
		}
	}
}

func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		if d > 0 {
			c.timeout = d
		}
	}
}

func WithLogger(l logger.Logger) Option {
	return func(c *Client) {
		if l != nil {
			c.log = l
		}
	}
}

func New(pool *keypool.Pool, model Model, opts ...Option) *Client {
	c := &Client{
		pool:       pool,
		model:      model,
		maxRetries: keypool.DefaultMaxRetries,
		timeout:    DefaultTimeout,
		log:        logger.Nop(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

var _ ports.Ranker = (*Client)(nil)

// Rank asks the model for n highlight candidates. The whole call, retries
// included, is bounded by the client timeout.
func (c *Client) Rank(ctx context.Context, tr types.Transcript, n int, progress ports.Progress) ([]types.RankedSegment, error) {
	if n <= 0 || len(tr.Segments) == 0 {
		return nil, nil
	}
	prompt, err := BuildPrompt(tr, n)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	report(ctx, progress, "Starting AI analysis...")
	segs, err := keypool.Execute(ctx, c.pool, c.maxRetries, func(ctx context.Context, key keypool.Credential) ([]types.RankedSegment, error) {
		c.log.Debug(ctx, "ranking with %s", key.Label())
		content, err := c.collect(ctx, key, prompt, progress)
		if err != nil {
			return nil, err
		}
		report(ctx, progress, "Analysis complete, parsing results...")
		return Parse(content)
	})
	if err != nil {
		return nil, fmt.Errorf("rank: %w", err)
	}
	c.log.Info(ctx, "model proposed %d segments (requested %d)", len(segs), n)
	return segs, nil
}

func (c *Client) collect(ctx context.Context, key keypool.Credential, prompt string, progress ports.Progress) (string, error) {
	var b strings.Builder
	chunks := 0
	for text, err := range c.model.Stream(ctx, key, prompt) {
		if err != nil {
			return "", err
		}
		if text == "" {
			continue
		}
		b.WriteString(text)
		chunks++
		if chunks%chunkEvery == 0 {
			report(ctx, progress, fmt.Sprintf("Analyzing... (%d chunks received)", chunks))
		}
	}
	return b.String(), nil
}

func report(ctx context.Context, p ports.Progress, msg string) {
	if p != nil {
		p.Report(ctx, streamProgress, msg)
	}
}
