package gemini

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/stupiduntilnot/paimon/internal/model"
)

// DefaultBaseURL is the public Generative Language API endpoint.
const DefaultBaseURL = "https://generativelanguage.googleapis.com"

// ErrNoImage is returned when the backend answers without any prediction.
var ErrNoImage = errors.New("image backend returned no image")

// ImageClient is a minimal Imagen predict client.
type ImageClient struct {
	apiKey     string
	baseURL    string
	model      string
	httpClient *http.Client
}

// NewImageClient creates an Imagen client.
func NewImageClient(apiKey, baseURL, model string, timeout time.Duration) *ImageClient {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	return &ImageClient{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		model:   model,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type predictRequest struct {
	Instances  []predictInstance `json:"instances"`
	Parameters predictParameters `json:"parameters"`
}

type predictInstance struct {
	Prompt string `json:"prompt"`
}

type predictParameters struct {
	SampleCount int `json:"sampleCount"`
}

type predictResponse struct {
	Predictions []struct {
		BytesBase64Encoded string `json:"bytesBase64Encoded"`
		MIMEType           string `json:"mimeType"`
	} `json:"predictions"`
}

// GenerateImage requests sampleCount images for prompt and decodes the
// first prediction.
func (c *ImageClient) GenerateImage(ctx context.Context, prompt string, sampleCount int) ([]model.Image, error) {
	if sampleCount <= 0 {
		sampleCount = 1
	}
	payload, err := json.Marshal(predictRequest{
		Instances:  []predictInstance{{Prompt: prompt}},
		Parameters: predictParameters{SampleCount: sampleCount},
	})
	if err != nil {
		return nil, fmt.Errorf("failed to marshal imagen request: %w", err)
	}

	url := fmt.Sprintf("%s/v1beta/models/%s:predict", c.baseURL, c.model)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("failed to create imagen request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("imagen request failed: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed reading imagen response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, fmt.Errorf("imagen non-success status=%d body=%s", resp.StatusCode, truncate(string(body), 400))
	}

	var parsed predictResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("failed to parse imagen response: %s", truncate(string(body), 400))
	}
	if len(parsed.Predictions) == 0 || parsed.Predictions[0].BytesBase64Encoded == "" {
		return nil, ErrNoImage
	}

	first := parsed.Predictions[0]
	data, err := base64.StdEncoding.DecodeString(first.BytesBase64Encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode imagen payload: %w", err)
	}
	mime := first.MIMEType
	if mime == "" {
		mime = "image/png"
	}
	return []model.Image{{Data: data, MIMEType: mime}}, nil
}

func truncate(s string, maxChars int) string {
	runes := []rune(s)
	if len(runes) <= maxChars {
		return s
	}
	return string(runes[:maxChars])
}
