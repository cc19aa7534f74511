// Package engine provides the HTTP client for server-mode inference engines.
package engine

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/easel-sd/easel/internal/common"
	"github.com/easel-sd/easel/internal/models"
)

const (
	DefaultTimeout = 10 * time.Minute

	txt2imgPath = "/sdapi/v1/txt2img"
	img2imgPath = "/sdapi/v1/img2img"
	upscalePath = "/sdapi/v1/extra-single-image"
)

// Client speaks the engine's generation JSON schema. The base URL is per
// call because each running process owns its own port.
type Client struct {
	httpClient *http.Client
	logger     *common.Logger
}

// ClientOption configures the client
type ClientOption func(*Client)

// WithLogger sets the logger
func WithLogger(logger *common.Logger) ClientOption {
	return func(c *Client) {
		c.logger = logger
	}
}

// WithTimeout sets the HTTP timeout. Generation requests run for minutes,
// so this defaults much higher than a typical API client.
func WithTimeout(timeout time.Duration) ClientOption {
	return func(c *Client) {
		c.httpClient.Timeout = timeout
	}
}

// NewClient creates a new engine client.
func NewClient(opts ...ClientOption) *Client {
	c := &Client{
		httpClient: &http.Client{
			Timeout: DefaultTimeout,
		},
		logger: common.NewSilentLogger(),
	}

	for _, opt := range opts {
		opt(c)
	}

	return c
}

// GenerateRequest is the JSON body for txt2img and img2img.
type GenerateRequest struct {
	Prompt         string   `json:"prompt"`
	NegativePrompt string   `json:"negative_prompt,omitempty"`
	Width          int      `json:"width,omitempty"`
	Height         int      `json:"height,omitempty"`
	BatchSize      int      `json:"batch_size,omitempty"`
	Seed           *int64   `json:"seed,omitempty"`
	Steps          *int     `json:"steps,omitempty"`
	CFGScale       *float64 `json:"cfg_scale,omitempty"`
	SamplerName    string   `json:"sampler_name,omitempty"`

	// img2img only.
	InitImages []string `json:"init_images,omitempty"` // base64
	Mask       string   `json:"mask,omitempty"`        // base64
	Strength   *float64 `json:"strength,omitempty"`
}

// UpscaleRequest is the JSON body for extra-single-image.
type UpscaleRequest struct {
	Image           string  `json:"image"` // base64
	ResizeMode      int     `json:"resize_mode"`
	UpscalingResize float64 `json:"upscaling_resize"`
	Upscaler1       string  `json:"upscaler_1,omitempty"`
}

// Image is one decoded engine result.
type Image struct {
	Data          []byte
	RevisedPrompt string
}

type generateResponse struct {
	Data []struct {
		B64JSON       string `json:"b64_json"`
		RevisedPrompt string `json:"revised_prompt,omitempty"`
	} `json:"data"`
}

type upscaleResponse struct {
	Image string `json:"image"`
}

// Txt2Img runs a text-to-image generation against the engine at baseURL.
func (c *Client) Txt2Img(ctx context.Context, baseURL string, req *GenerateRequest) ([]Image, error) {
	return c.generate(ctx, baseURL+txt2imgPath, req)
}

// Img2Img runs an image-to-image generation (edit, variation) against the
// engine at baseURL.
func (c *Client) Img2Img(ctx context.Context, baseURL string, req *GenerateRequest) ([]Image, error) {
	if len(req.InitImages) == 0 {
		return nil, fmt.Errorf("%w: img2img requires a source image", models.ErrJobInvalid)
	}
	return c.generate(ctx, baseURL+img2imgPath, req)
}

func (c *Client) generate(ctx context.Context, url string, req *GenerateRequest) ([]Image, error) {
	body, err := c.post(ctx, url, req)
	if err != nil {
		return nil, err
	}

	var apiResp generateResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return nil, fmt.Errorf("%w: %v", models.ErrEngineBadResponse, err)
	}
	if len(apiResp.Data) == 0 {
		return nil, fmt.Errorf("%w: empty data array", models.ErrEngineBadResponse)
	}

	images := make([]Image, 0, len(apiResp.Data))
	for i, item := range apiResp.Data {
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("%w: image %d is not valid base64: %v", models.ErrEngineBadResponse, i, err)
		}
		images = append(images, Image{Data: data, RevisedPrompt: item.RevisedPrompt})
	}
	return images, nil
}

// Upscale runs the extra-single-image endpoint and returns the upscaled image.
func (c *Client) Upscale(ctx context.Context, baseURL string, req *UpscaleRequest) (Image, error) {
	body, err := c.post(ctx, baseURL+upscalePath, req)
	if err != nil {
		return Image{}, err
	}

	var apiResp upscaleResponse
	if err := json.Unmarshal(body, &apiResp); err != nil {
		return Image{}, fmt.Errorf("%w: %v", models.ErrEngineBadResponse, err)
	}
	if apiResp.Image == "" {
		return Image{}, fmt.Errorf("%w: empty image", models.ErrEngineBadResponse)
	}

	data, err := base64.StdEncoding.DecodeString(apiResp.Image)
	if err != nil {
		return Image{}, fmt.Errorf("%w: image is not valid base64: %v", models.ErrEngineBadResponse, err)
	}
	return Image{Data: data}, nil
}

func (c *Client) post(ctx context.Context, url string, payload interface{}) ([]byte, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	c.logger.Debug().Str("url", url).Int("bytes", len(data)).Msg("Engine request")

	start := time.Now()
	resp, err := c.httpClient.Do(req)
	elapsed := time.Since(start)
	if err != nil {
		c.logger.Error().Err(err).Str("url", url).Dur("elapsed", elapsed).Msg("Engine request failed")
		return nil, fmt.Errorf("%w: %v", models.ErrEngineHTTP, err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("%w: reading response: %v", models.ErrEngineHTTP, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		c.logger.Warn().Str("url", url).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("Engine non-OK response")
		return nil, fmt.Errorf("%w: status %d", models.ErrEngineHTTP, resp.StatusCode)
	}

	c.logger.Info().Str("url", url).Int("status", resp.StatusCode).Dur("elapsed", elapsed).Msg("Engine call")
	return body, nil
}
