// Package classify wraps a remote vision model behind a single yes/no
// contract: does this story frame advertise a real-world event?
//
// The adapter sends one request per call and never retries — retrying is
// the caller's decision. The model is an untrusted oracle: its answer is
// taken as ground truth, and anything that is not an unambiguous
// affirmative resolves to "not an event" (fail-safe default = discard).
package classify

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"
)

// ErrUnavailable is returned when no API credential is configured.
var ErrUnavailable = errors.New("classify: no API key configured")

const prompt = `Does this social media story advertise a real-world event ` +
	`(a concert, party, market, meetup, exhibition, or similar happening at ` +
	`a physical place and time)? Answer with a single word: yes or no.`

// Config configures the classifier client.
type Config struct {
	// APIKey is the OpenRouter credential. Empty means ErrUnavailable.
	APIKey string

	// Model is the vision-capable model slug. Default: "openai/gpt-4o-mini".
	Model string

	// Endpoint is the API base URL. Default: "https://openrouter.ai/api/v1".
	Endpoint string

	// Timeout bounds one classification request. Default: 45s.
	Timeout time.Duration

	// MaxWidth bounds the frame width sent to the model (cost/latency
	// control, not correctness). Default: 768.
	MaxWidth int

	// JPEGQuality for the normalised frame. Default: 80.
	JPEGQuality int

	// RequestsPerMinute gates outbound calls. Default: 20.
	RequestsPerMinute int

	Logger *slog.Logger
}

func (c *Config) defaults() {
	if c.Model == "" {
		c.Model = "openai/gpt-4o-mini"
	}
	if c.Endpoint == "" {
		c.Endpoint = "https://openrouter.ai/api/v1"
	}
	if c.Timeout <= 0 {
		c.Timeout = 45 * time.Second
	}
	if c.MaxWidth <= 0 {
		c.MaxWidth = 768
	}
	if c.JPEGQuality <= 0 {
		c.JPEGQuality = 80
	}
	if c.RequestsPerMinute <= 0 {
		c.RequestsPerMinute = 20
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
}

// Client calls an OpenAI-compatible chat completions API with an image
// attachment. Works against OpenRouter and any server speaking the same
// wire format.
type Client struct {
	cfg     Config
	client  *http.Client
	limiter *rate.Limiter
}

// New creates a classifier Client.
func New(cfg Config) *Client {
	cfg.defaults()
	return &Client{
		cfg:     cfg,
		client:  &http.Client{Timeout: cfg.Timeout},
		limiter: rate.NewLimiter(rate.Limit(float64(cfg.RequestsPerMinute)/60.0), 1),
	}
}

// Available reports whether a credential is configured.
func (c *Client) Available() bool { return c.cfg.APIKey != "" }

// Wire types for the chat completions request/response.
type chatRequest struct {
	Model     string        `json:"model"`
	Messages  []chatMessage `json:"messages"`
	MaxTokens int           `json:"max_tokens"`
}

type chatMessage struct {
	Role    string        `json:"role"`
	Content []contentPart `json:"content"`
}

type contentPart struct {
	Type     string    `json:"type"`
	Text     string    `json:"text,omitempty"`
	ImageURL *imageURL `json:"image_url,omitempty"`
}

type imageURL struct {
	URL string `json:"url"`
}

type chatResponse struct {
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
}

// Classify sends one frame to the model and returns its verdict. The frame
// is normalised (bounded width, JPEG) before sending; if normalisation
// fails the original bytes are sent as-is, since the model accepts both
// encodings.
func (c *Client) Classify(ctx context.Context, frame []byte) (bool, error) {
	if c.cfg.APIKey == "" {
		return false, ErrUnavailable
	}
	if err := c.limiter.Wait(ctx); err != nil {
		return false, fmt.Errorf("classify: rate wait: %w", err)
	}

	payload, mime := frame, "image/png"
	if norm, err := NormalizeFrame(frame, c.cfg.MaxWidth, c.cfg.JPEGQuality); err == nil {
		payload, mime = norm, "image/jpeg"
	} else {
		c.cfg.Logger.Debug("classify: normalise failed, sending raw frame", "error", err)
	}

	dataURI := "data:" + mime + ";base64," + base64.StdEncoding.EncodeToString(payload)
	body, err := json.Marshal(chatRequest{
		Model:     c.cfg.Model,
		MaxTokens: 8,
		Messages: []chatMessage{{
			Role: "user",
			Content: []contentPart{
				{Type: "text", Text: prompt},
				{Type: "image_url", ImageURL: &imageURL{URL: dataURI}},
			},
		}},
	})
	if err != nil {
		return false, fmt.Errorf("classify: marshal request: %w", err)
	}

	url := strings.TrimRight(c.cfg.Endpoint, "/") + "/chat/completions"
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return false, fmt.Errorf("classify: new request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.cfg.APIKey)

	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("classify: HTTP POST %s: %w", url, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return false, fmt.Errorf("classify: HTTP %d from %s: %s",
			resp.StatusCode, url, string(respBody))
	}

	var result chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return false, fmt.Errorf("classify: decode response: %w", err)
	}

	answer := ""
	if len(result.Choices) > 0 {
		answer = result.Choices[0].Message.Content
	}
	verdict := isAffirmative(answer)
	c.cfg.Logger.Debug("classify: verdict", "answer", answer, "event", verdict)
	return verdict, nil
}

// isAffirmative accepts only an unambiguous leading "yes". Empty,
// malformed, or hedged answers are negative.
func isAffirmative(answer string) bool {
	fields := strings.Fields(answer)
	if len(fields) == 0 {
		return false
	}
	first := strings.ToLower(strings.Trim(fields[0], ".,!:;\"'"))
	return first == "yes"
}
