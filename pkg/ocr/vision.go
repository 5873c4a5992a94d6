// Package ocr extracts text from images with the Google Cloud Vision API.
package ocr

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"
)

const (
	DefaultEndpoint = "https://vision.googleapis.com/v1/images:annotate"
	defaultTimeout  = 30 * time.Second
)

var (
	// ErrNoImage is returned for empty input before any network call.
	ErrNoImage = errors.New("no image provided")
	// ErrTransport covers network failures, non-2xx replies and undecodable bodies.
	ErrTransport = errors.New("ocr transport failure")
	// ErrOCRFailed is an error reported by the OCR service inside a successful reply.
	ErrOCRFailed = errors.New("ocr failed")
)

// Client calls images:annotate with DOCUMENT_TEXT_DETECTION.
type Client struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

// Config configures the Vision client.
type Config struct {
	APIKey   string
	Endpoint string
	Timeout  time.Duration
}

// NewClient builds a Vision OCR client.
func NewClient(cfg Config) (*Client, error) {
	apiKey := strings.TrimSpace(cfg.APIKey)
	if apiKey == "" {
		return nil, errors.New("vision api key required")
	}
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Client{
		endpoint:   endpoint,
		apiKey:     apiKey,
		httpClient: &http.Client{Timeout: timeout},
	}, nil
}

// ExtractText returns the full text annotation of image. An image without
// text yields "" and no error.
func (c *Client) ExtractText(ctx context.Context, image []byte) (string, error) {
	if len(image) == 0 {
		return "", ErrNoImage
	}
	body, err := json.Marshal(annotateRequest{
		Requests: []annotateImageRequest{{
			Image:    imageContent{Content: base64.StdEncoding.EncodeToString(image)},
			Features: []feature{{Type: "DOCUMENT_TEXT_DETECTION"}},
		}},
	})
	if err != nil {
		return "", fmt.Errorf("%w: encode request: %v", ErrTransport, err)
	}

	endpoint := c.endpoint + "?key=" + url.QueryEscape(c.apiKey)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("%w: build request: %v", ErrTransport, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrTransport, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var errResp struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		_ = json.NewDecoder(resp.Body).Decode(&errResp)
		if errResp.Error.Message != "" {
			return "", fmt.Errorf("%w: status %d: %s", ErrTransport, resp.StatusCode, errResp.Error.Message)
		}
		return "", fmt.Errorf("%w: status %d", ErrTransport, resp.StatusCode)
	}

	var out annotateResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return "", fmt.Errorf("%w: decode response: %v", ErrTransport, err)
	}
	if len(out.Responses) == 0 {
		return "", nil
	}
	first := out.Responses[0]
	if first.Error != nil && first.Error.Message != "" {
		return "", fmt.Errorf("%w: %s", ErrOCRFailed, first.Error.Message)
	}
	if first.FullTextAnnotation == nil {
		return "", nil
	}
	return first.FullTextAnnotation.Text, nil
}

type imageContent struct {
	Content string `json:"content"`
}

type feature struct {
	Type string `json:"type"`
}

type annotateImageRequest struct {
	Image    imageContent `json:"image"`
	Features []feature    `json:"features"`
}

type annotateRequest struct {
	Requests []annotateImageRequest `json:"requests"`
}

type annotateResponse struct {
	Responses []struct {
		FullTextAnnotation *struct {
			Text string `json:"text"`
		} `json:"fullTextAnnotation"`
		Error *struct {
			Code    int    `json:"code"`
			Message string `json:"message"`
		} `json:"error"`
	} `json:"responses"`
}
