package detector

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"
	"time"
)

// Client communicates with the model-serving sidecar that hosts the trained
// detection model.
type Client struct {
	serviceURL string
	client     *http.Client
}

// RawBox is one box as emitted by the sidecar, in pixel xyxy form.
type RawBox struct {
	XYXY       []float64 `json:"xyxy"`
	ClassID    int       `json:"cls"`
	Confidence float64   `json:"conf"`
	Name       string    `json:"name,omitempty"`
}

// PredictResponse represents the response from the model service
type PredictResponse struct {
	Boxes       []RawBox `json:"boxes"`
	InferenceMs float64  `json:"inference_ms,omitempty"`
}

// NewClient creates a new model service client
func NewClient(serviceURL string, timeout time.Duration) *Client {
	if serviceURL == "" {
		serviceURL = "http://localhost:5001"
	}
	if timeout <= 0 {
		timeout = 30 * time.Second
	}

	return &Client{
		serviceURL: strings.TrimRight(serviceURL, "/"),
		client: &http.Client{
			Timeout: timeout,
		},
	}
}

func (c *Client) URL() string {
	return c.serviceURL
}

// HealthCheck verifies the model service is running and has a model loaded
func (c *Client) HealthCheck(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.serviceURL+"/health", nil)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("model service not reachable: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("model service unhealthy: status %d", resp.StatusCode)
	}

	return nil
}

// Predict runs inference on a JPEG encoded image
func (c *Client) Predict(ctx context.Context, image []byte, conf, iou float64, imgSize int) ([]RawBox, error) {
	// Create multipart form
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)

	part, err := writer.CreateFormFile("image", "frame.jpg")
	if err != nil {
		return nil, fmt.Errorf("failed to create form file: %w", err)
	}

	if _, err := part.Write(image); err != nil {
		return nil, fmt.Errorf("failed to write image data: %w", err)
	}

	fields := map[string]string{
		"conf":  strconv.FormatFloat(conf, 'f', -1, 64),
		"iou":   strconv.FormatFloat(iou, 'f', -1, 64),
		"imgsz": strconv.Itoa(imgSize),
	}
	for key, value := range fields {
		if err := writer.WriteField(key, value); err != nil {
			return nil, fmt.Errorf("failed to write field %s: %w", key, err)
		}
	}

	if err := writer.Close(); err != nil {
		return nil, fmt.Errorf("failed to close multipart writer: %w", err)
	}

	// Send request
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.serviceURL+"/predict", body)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", writer.FormDataContentType())

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("inference request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("model service returned status %d: %s", resp.StatusCode, string(bodyBytes))
	}

	// Parse response
	var predResp PredictResponse
	if err := json.NewDecoder(resp.Body).Decode(&predResp); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}

	return predResp.Boxes, nil
}
