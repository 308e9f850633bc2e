// Package whisperhttp sends utterances to an out-of-process whisper server
// as WAV and reads back {"text": "..."}.
package whisperhttp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/discord-voice-lab/callwatch/internal/logging"
	"github.com/discord-voice-lab/callwatch/internal/stt"
)

type Client struct {
	endpoint   string
	language   string
	httpClient *http.Client
}

type Option func(*Client)

func WithLanguage(lang string) Option {
	return func(c *Client) { c.language = lang }
}

// New returns a client for the server at endpoint. timeout bounds each
// request.
func New(endpoint string, timeout time.Duration, opts ...Option) (*Client, error) {
	if _, err := url.Parse(endpoint); err != nil || endpoint == "" {
		return nil, fmt.Errorf("whisperhttp: invalid endpoint %q", endpoint)
	}
	c := &Client{
		endpoint:   endpoint,
		httpClient: &http.Client{Timeout: timeout},
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

type response struct {
	Text string `json:"text"`
}

// Transcribe posts one utterance. It makes exactly one attempt.
func (c *Client) Transcribe(ctx context.Context, samples []float32, sampleRate int) (string, error) {
	wav := buildWAV(floatToPCM16(samples), sampleRate, 1, 16)

	u, _ := url.Parse(c.endpoint)
	if c.language != "" {
		q := u.Query()
		q.Set("language", c.language)
		u.RawQuery = q.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(wav))
	if err != nil {
		return "", fmt.Errorf("whisperhttp: build request: %w", err)
	}
	req.Header.Set("Content-Type", "audio/wav")
	if cid := stt.CorrelationID(ctx); cid != "" {
		req.Header.Set("X-Correlation-ID", cid)
	}

	logging.DebugwCtx(ctx, "sending audio to whisper", "bytes", len(wav), "samples", len(samples), "sample_rate", sampleRate)
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", stt.ErrTransient, err)
	}
	defer resp.Body.Close()

	if err := classify(resp); err != nil {
		return "", err
	}
	var out response
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", stt.ErrPermanent, err)
	}
	return strings.TrimSpace(out.Text), nil
}

func classify(resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	msg := strings.TrimSpace(string(body))
	if resp.StatusCode >= 500 || resp.StatusCode == http.StatusTooManyRequests {
		return fmt.Errorf("%w: status %d: %s", stt.ErrTransient, resp.StatusCode, msg)
	}
	return fmt.Errorf("%w: status %d: %s", stt.ErrPermanent, resp.StatusCode, msg)
}
