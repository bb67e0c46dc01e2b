// Package transcribe sends finished utterances to an OpenAI-compatible
// transcription endpoint and publishes the text as transcription events.
package transcribe

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	oai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

// DefaultModel is used when no model is configured.
const DefaultModel = oai.AudioModelWhisper1

// ErrEmptyAudio is returned for a zero-length upload.
var ErrEmptyAudio = errors.New("transcribe: empty audio")

// Transcriber turns one WAV file into text.
type Transcriber interface {
	Transcribe(ctx context.Context, wav []byte) (string, error)
}

var _ Transcriber = (*Client)(nil)

// Client implements [Transcriber] with the OpenAI audio transcriptions API.
type Client struct {
	client   oai.Client
	model    string
	language string
}

type clientConfig struct {
	baseURL  string
	apiKey   string
	language string
	timeout  time.Duration
	http     *http.Client
}

// Option is a functional option for [NewClient].
type Option func(*clientConfig)

// WithBaseURL points the client at an OpenAI-compatible server.
func WithBaseURL(url string) Option {
	return func(c *clientConfig) { c.baseURL = url }
}

// WithAPIKey sets the bearer token.
func WithAPIKey(key string) Option {
	return func(c *clientConfig) { c.apiKey = key }
}

// WithLanguage sets an ISO-639-1 language hint.
func WithLanguage(lang string) Option {
	return func(c *clientConfig) { c.language = lang }
}

// WithTimeout sets a per-request HTTP timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *clientConfig) { c.timeout = d }
}

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *clientConfig) { c.http = hc }
}

// NewClient constructs a [Client]. If model is empty, [DefaultModel] is used.
func NewClient(model string, opts ...Option) *Client {
	if model == "" {
		model = DefaultModel
	}
	cfg := &clientConfig{}
	for _, o := range opts {
		o(cfg)
	}

	// The circuit breaker around the client owns retry policy.
	reqOpts := []option.RequestOption{option.WithMaxRetries(0)}
	if cfg.apiKey != "" {
		reqOpts = append(reqOpts, option.WithAPIKey(cfg.apiKey))
	}
	if cfg.baseURL != "" {
		reqOpts = append(reqOpts, option.WithBaseURL(strings.TrimSuffix(cfg.baseURL, "/")+"/"))
	}
	hc := cfg.http
	if hc == nil && cfg.timeout > 0 {
		hc = &http.Client{Timeout: cfg.timeout}
	}
	if hc != nil {
		reqOpts = append(reqOpts, option.WithHTTPClient(hc))
	}

	return &Client{
		client:   oai.NewClient(reqOpts...),
		model:    model,
		language: cfg.language,
	}
}

// Model returns the configured model name.
func (c *Client) Model() string { return c.model }

// Transcribe uploads wav as audio.wav and returns the recognised text.
func (c *Client) Transcribe(ctx context.Context, wav []byte) (string, error) {
	if len(wav) == 0 {
		return "", ErrEmptyAudio
	}
	params := oai.AudioTranscriptionNewParams{
		File:  oai.File(bytes.NewReader(wav), "audio.wav", "audio/wav"),
		Model: c.model,
	}
	if c.language != "" {
		params.Language = oai.String(c.language)
	}

	resp, err := c.client.Audio.Transcriptions.New(ctx, params)
	if err != nil {
		return "", fmt.Errorf("transcribe: %s: %w", c.model, err)
	}
	return strings.TrimSpace(resp.Text), nil
}
