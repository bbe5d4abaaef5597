// Package imagegen renders the final selfie through an image-generation
// API, keeping the character consistent with a reference image. Multiple
// candidate endpoints and response shapes are tried because backends differ
// in where they put the image payload.
package imagegen

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/moekira/selfiebot/internal/config"
	"github.com/moekira/selfiebot/internal/logger"
	"github.com/moekira/selfiebot/internal/store"
)

// ConfigError reports a missing required image API setting. No network call
// is attempted when one is raised.
type ConfigError struct {
	Setting string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("image.%s 未配置", e.Setting)
}

// GenerationError means every candidate endpoint failed to yield an image.
// LastError carries the last observed raw error text for logs.
type GenerationError struct {
	LastError string
}

func (e *GenerationError) Error() string {
	last := e.LastError
	if last == "" {
		last = "无可用响应"
	}
	return "图片生成失败: " + last
}

// Client calls the image-generation API.
type Client struct {
	apiBase    string
	apiKey     string
	model      string
	httpClient *http.Client
}

// New creates an image client from provider settings.
func New(cfg config.Provider) *Client {
	return &Client{
		apiBase: strings.TrimRight(strings.TrimSpace(cfg.APIBase), "/"),
		apiKey:  strings.TrimSpace(cfg.APIKey),
		model:   strings.TrimSpace(cfg.Model),
		httpClient: &http.Client{
			Timeout: 120 * time.Second,
		},
	}
}

// candidateEndpoints are tried in order; the edit endpoint understands
// reference images on more backends, the generation endpoint is the
// fallback.
var candidateEndpoints = []string{"/images/edits", "/images/generations"}

// GenerateWithReference renders one image from the prompt and the
// base64-encoded reference image and returns the output as base64. Each
// candidate endpoint is POSTed once; the first extractable image wins.
func (c *Client) GenerateWithReference(ctx context.Context, prompt, negativePrompt, baseImageBase64, size string) (string, error) {
	if c.apiBase == "" {
		return "", &ConfigError{Setting: "api_base"}
	}
	if c.model == "" {
		return "", &ConfigError{Setting: "model"}
	}

	reference := store.StripDataURI(baseImageBase64)
	payload := map[string]interface{}{
		"model":           c.model,
		"prompt":          prompt,
		"negative_prompt": negativePrompt,
		"size":            size,
		// The reference goes out under both field names; backends disagree
		// on which one they read.
		"image":           reference,
		"reference_image": reference,
		"response_format": "b64_json",
	}

	lastError := ""
	for _, endpoint := range candidateEndpoints {
		responseData, err := c.postJSON(ctx, endpoint, payload)
		if err != nil {
			lastError = err.Error()
			logger.ImageWarn("Endpoint %s failed: %v", endpoint, err)
			continue
		}
		if imageBase64, ok := extractBase64(responseData); ok {
			logger.ImageInfo("Image generated via %s (%d base64 chars)", endpoint, len(imageBase64))
			return imageBase64, nil
		}
		logger.ImageWarn("Endpoint %s returned no extractable image, trying next.", endpoint)
	}

	return "", &GenerationError{LastError: lastError}
}

func (c *Client) postJSON(ctx context.Context, endpoint string, payload map[string]interface{}) (map[string]json.RawMessage, error) {
	url := c.apiBase
	if !strings.HasSuffix(url, endpoint) {
		url += endpoint
	}

	jsonData, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal image request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewBuffer(jsonData))
	if err != nil {
		return nil, fmt.Errorf("failed to create image request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("failed to send image request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read image response body: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("HTTP %d: %s", resp.StatusCode, truncate(string(body), 300))
	}

	var data map[string]json.RawMessage
	if err := json.Unmarshal(body, &data); err != nil {
		return nil, fmt.Errorf("返回非 JSON 响应: %s", truncate(string(body), 200))
	}
	return data, nil
}

// topLevelKeys and rowKeys are the candidate field names tried, in order,
// when extracting the image payload.
var (
	topLevelKeys = []string{"image_base64", "b64_json", "base64", "output"}
	rowKeys      = []string{"b64_json", "base64", "image_base64"}
)

// extractBase64 pulls an image payload out of a response body: first the
// top-level string fields, then the items of a data array, which may carry
// the same keys or a url field holding a data:image URI.
func extractBase64(data map[string]json.RawMessage) (string, bool) {
	for _, key := range topLevelKeys {
		if value, ok := rawString(data[key]); ok {
			return store.StripDataURI(value), true
		}
	}

	rowsRaw, ok := data["data"]
	if !ok {
		return "", false
	}
	var rows []map[string]json.RawMessage
	if err := json.Unmarshal(rowsRaw, &rows); err != nil {
		return "", false
	}
	for _, item := range rows {
		for _, key := range rowKeys {
			if value, ok := rawString(item[key]); ok {
				return store.StripDataURI(value), true
			}
		}
		if url, ok := rawString(item["url"]); ok {
			if strings.HasPrefix(url, "data:image/") && strings.Contains(url, ",") {
				return store.StripDataURI(url), true
			}
		}
	}
	return "", false
}

func rawString(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 {
		return "", false
	}
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", false
	}
	s = strings.TrimSpace(s)
	if s == "" {
		return "", false
	}
	return s, true
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
