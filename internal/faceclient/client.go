package faceclient

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DescriptorLength is the embedding size produced by the face service.
const DescriptorLength = 128

// Face is one detected face with its descriptor.
type Face struct {
	Descriptor []float32 `json:"descriptor"`
	Score      float64   `json:"score"`
}

// DetectResult contains all faces found in one image.
type DetectResult struct {
	Faces []Face
}

// Client calls the face detection/embedding microservice.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set, calls return deterministic mock
// results so the rest of the system runs without the service.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second, // inference can take a while
		},
	}
}

// Health checks if the face service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return err
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return fmt.Errorf("face service unavailable: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("face service unhealthy: %s", resp.Status)
	}
	return nil
}

// DetectURL detects every face in an image fetched by URL. Classroom
// reference photos may contain many faces; each yields a descriptor.
func (c *Client) DetectURL(ctx context.Context, imageURL string) (*DetectResult, error) {
	if c.Skip {
		return mockDetect(1), nil
	}
	if imageURL == "" {
		return nil, fmt.Errorf("image url required")
	}
	return c.detect(ctx, map[string]any{"image_url": imageURL, "max_faces": 0})
}

// DetectFrame detects at most one face in a raw captured frame. Live
// matching only ever wants the single most prominent face.
func (c *Client) DetectFrame(ctx context.Context, frame []byte) (*Face, error) {
	if c.Skip {
		return &mockDetect(1).Faces[0], nil
	}
	if len(frame) == 0 {
		return nil, fmt.Errorf("frame data required")
	}
	res, err := c.detect(ctx, map[string]any{
		"image_b64": base64.StdEncoding.EncodeToString(frame),
		"max_faces": 1,
	})
	if err != nil {
		return nil, err
	}
	if len(res.Faces) == 0 {
		return nil, nil
	}
	return &res.Faces[0], nil
}

func (c *Client) detect(ctx context.Context, payload map[string]any) (*DetectResult, error) {
	body, _ := json.Marshal(payload)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/detect", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(req)
	if err != nil {
		return nil, fmt.Errorf("face service request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(resp.Body)
		return nil, fmt.Errorf("face service error %s: %s", resp.Status, string(bodyBytes))
	}

	var out struct {
		Faces []Face `json:"faces"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	for _, f := range out.Faces {
		if len(f.Descriptor) != DescriptorLength {
			return nil, fmt.Errorf("unexpected descriptor length %d", len(f.Descriptor))
		}
	}
	return &DetectResult{Faces: out.Faces}, nil
}

func mockDetect(n int) *DetectResult {
	res := &DetectResult{}
	for i := 0; i < n; i++ {
		d := make([]float32, DescriptorLength)
		d[0] = 1 // stable unit vector so mock comparisons always match
		res.Faces = append(res.Faces, Face{Descriptor: d, Score: 0.95})
	}
	return res
}
