package llm

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/sashabaranov/go-openai"
	"golang.org/x/time/rate"

	errs "tagrouter/cli/internal/errors"
)

// Options configures the OpenAI-compatible client.
type Options struct {
	APIKey         string
	BaseURL        string
	Model          string
	EmbeddingModel string
	// RatePerSecond caps outbound requests; zero disables limiting.
	RatePerSecond float64
	MaxRetries    int
	// Backoff is the first retry delay; it doubles per attempt.
	Backoff time.Duration
}

// OpenAI implements Generator and Embedder over any OpenAI-compatible API.
type OpenAI struct {
	client  *openai.Client
	opts    Options
	limiter *rate.Limiter
}

// NewOpenAI creates a client. An empty API key is allowed for local
// OpenAI-compatible servers that do not check it.
func NewOpenAI(opts Options) *OpenAI {
	clientConfig := openai.DefaultConfig(opts.APIKey)
	if opts.BaseURL != "" {
		clientConfig.BaseURL = opts.BaseURL
	}
	if opts.Model == "" {
		opts.Model = openai.GPT4oMini
	}
	if opts.EmbeddingModel == "" {
		opts.EmbeddingModel = string(openai.SmallEmbedding3)
	}
	if opts.Backoff <= 0 {
		opts.Backoff = 250 * time.Millisecond
	}

	limiter := rate.NewLimiter(rate.Inf, 1)
	if opts.RatePerSecond > 0 {
		burst := int(opts.RatePerSecond)
		if burst < 1 {
			burst = 1
		}
		limiter = rate.NewLimiter(rate.Limit(opts.RatePerSecond), burst)
	}

	return &OpenAI{
		client:  openai.NewClientWithConfig(clientConfig),
		opts:    opts,
		limiter: limiter,
	}
}

// Generate runs one chat completion.
func (o *OpenAI) Generate(ctx context.Context, prompt string, c Constraints) (string, error) {
	msgs := make([]openai.ChatCompletionMessage, 0, 2)
	if c.System != "" {
		msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleSystem, Content: c.System})
	}
	msgs = append(msgs, openai.ChatCompletionMessage{Role: openai.ChatMessageRoleUser, Content: prompt})

	req := openai.ChatCompletionRequest{
		Model:       o.opts.Model,
		Messages:    msgs,
		MaxTokens:   c.MaxTokens,
		Temperature: c.Temperature,
		Stop:        c.Stop,
	}
	if c.JSON {
		req.ResponseFormat = &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject}
	}

	var out string
	err := o.retry(ctx, "chat completion", func() error {
		resp, err := o.client.CreateChatCompletion(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Choices) == 0 {
			return errors.New("no choices in response")
		}
		out = strings.TrimSpace(resp.Choices[0].Message.Content)
		return nil
	})
	return out, err
}

// Embed returns one vector per text, in input order.
func (o *OpenAI) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	req := openai.EmbeddingRequest{
		Input: texts,
		Model: openai.EmbeddingModel(o.opts.EmbeddingModel),
	}

	var out [][]float32
	err := o.retry(ctx, "embedding", func() error {
		resp, err := o.client.CreateEmbeddings(ctx, req)
		if err != nil {
			return err
		}
		if len(resp.Data) != len(texts) {
			return fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
		}
		out = make([][]float32, len(texts))
		for _, d := range resp.Data {
			if d.Index < 0 || d.Index >= len(out) {
				return fmt.Errorf("embedding index %d out of range", d.Index)
			}
			out[d.Index] = d.Embedding
		}
		return nil
	})
	return out, err
}

// retry waits on the rate limiter, then calls fn up to MaxRetries+1 times
// while the failure is transient. Failures surface as UpstreamUnavailable.
func (o *OpenAI) retry(ctx context.Context, op string, fn func() error) error {
	delay := o.opts.Backoff
	var last error
	for attempt := 0; attempt <= o.opts.MaxRetries; attempt++ {
		if err := o.limiter.Wait(ctx); err != nil {
			return errs.Wrap(errs.UpstreamUnavailable, "language model request was cancelled", err)
		}
		last = fn()
		if last == nil {
			return nil
		}
		if !transient(last) || attempt == o.opts.MaxRetries {
			break
		}
		log.Debug().Err(last).Str("op", op).Int("attempt", attempt+1).Msg("retrying language model call")
		select {
		case <-ctx.Done():
			return errs.Wrap(errs.UpstreamUnavailable, "language model request was cancelled", ctx.Err())
		case <-time.After(delay):
		}
		delay *= 2
	}
	return errs.Wrap(errs.UpstreamUnavailable, "language model is unavailable", fmt.Errorf("%s: %w", op, last))
}

func transient(err error) bool {
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	// Network-level failures carry no status.
	return true
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}
