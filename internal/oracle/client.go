package oracle

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// comparePrompt steers the model toward a strict same-person judgement. The
// live capture stands in for a short multi-frame feed.
const comparePrompt = `You are a facial recognition expert. You will be provided two face images, one of which is a live camera capture and the other a stored faceprint. Imagine the live capture is a short video composed of multiple frames. Determine if the person in the live capture is a definite match to the stored faceprint. The match must be of high confidence. Answer in JSON with isMatch (true or false) and confidence (0.0 to 1.0).`

// Client calls the hosted multimodal model gateway.
type Client struct {
	BaseURL string
	APIKey  string
	Model   string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. Skip short-circuits every comparison with a canned
// positive match for local development without model credentials.
func New(baseURL, apiKey, modelName string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		APIKey:  apiKey,
		Model:   modelName,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // model inference can take a while
		},
	}
}

// Compare sends both images with the comparison prompt and returns the
// model's verdict unmodified.
func (c *Client) Compare(ctx context.Context, livePhoto, storedFaceprint string) (Result, error) {
	if c.Skip {
		return Result{IsMatch: true, Confidence: 0.99}, nil
	}
	if livePhoto == "" || storedFaceprint == "" {
		return Result{}, fmt.Errorf("both images required")
	}

	body, _ := json.Marshal(map[string]string{
		"model":           c.Model,
		"prompt":          comparePrompt,
		"live_image":      livePhoto,
		"reference_image": storedFaceprint,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/v1/compare", bytes.NewReader(body))
	if err != nil {
		return Result{}, err
	}
	req.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.APIKey)
	}

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("model request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return Result{}, fmt.Errorf("model error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		IsMatch    *bool   `json:"is_match"`
		Confidence float64 `json:"confidence"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return Result{}, fmt.Errorf("failed to decode response: %w", err)
	}
	if out.IsMatch == nil {
		return Result{}, ErrNoResult
	}

	return Result{IsMatch: *out.IsMatch, Confidence: out.Confidence}, nil
}
