package transform

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

	"github.com/nbltiktoknbl-cloud/Alpha-Image-Tool/internal/compile"
)

// ErrMissingEndpoint indicates the client was configured without a service URL.
var ErrMissingEndpoint = errors.New("transform: endpoint is required")

type Config struct {
	Endpoint   string
	APIKey     string
	Timeout    time.Duration
	HTTPClient *http.Client
}

// HTTPCapability talks to the remote image transform service. The service
// accepts a base64 source image plus the compiled sequence and returns the
// transformed image or an error envelope.
type HTTPCapability struct {
	endpoint   string
	apiKey     string
	httpClient *http.Client
}

type transformRequest struct {
	Image        string           `json:"image"`
	MimeType     string           `json:"mime_type"`
	Instructions compile.Sequence `json:"instructions"`
	Instruction  string           `json:"instruction_text"`
}

type transformResponse struct {
	Image    string `json:"image"`
	MimeType string `json:"mime_type"`
	Error    struct {
		Message string `json:"message"`
	} `json:"error"`
}

func NewHTTPCapability(cfg Config) (*HTTPCapability, error) {
	endpoint := strings.TrimSpace(cfg.Endpoint)
	if endpoint == "" {
		return nil, ErrMissingEndpoint
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 2 * time.Minute
		}
		httpClient = &http.Client{Timeout: timeout}
	}

	return &HTTPCapability{
		endpoint:   endpoint,
		apiKey:     strings.TrimSpace(cfg.APIKey),
		httpClient: httpClient,
	}, nil
}

func (c *HTTPCapability) Transform(ctx context.Context, req Request) (Result, error) {
	if len(req.SourceBytes) == 0 {
		return Result{}, errors.New("transform: source image is empty")
	}

	body, err := json.Marshal(transformRequest{
		Image:        base64.StdEncoding.EncodeToString(req.SourceBytes),
		MimeType:     req.MimeType,
		Instructions: req.Sequence,
		Instruction:  req.Sequence.RenderText(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal transform payload: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint, bytes.NewReader(body))
	if err != nil {
		return Result{}, fmt.Errorf("build transform request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return Result{}, fmt.Errorf("call transform service: %w", err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read transform response: %w", err)
	}

	var parsed transformResponse
	if err := json.Unmarshal(respBody, &parsed); err != nil {
		if resp.StatusCode < 200 || resp.StatusCode >= 300 {
			return Result{}, fmt.Errorf("transform service returned status=%d", resp.StatusCode)
		}
		return Result{}, fmt.Errorf("decode transform response: %w", err)
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		message := strings.TrimSpace(parsed.Error.Message)
		if message == "" {
			message = fmt.Sprintf("status=%d", resp.StatusCode)
		}
		return Result{}, fmt.Errorf("transform service failed: %s", message)
	}

	if strings.TrimSpace(parsed.Image) == "" {
		return Result{}, ErrNoResult
	}

	data, err := base64.StdEncoding.DecodeString(parsed.Image)
	if err != nil {
		return Result{}, fmt.Errorf("decode transformed image: %w", err)
	}

	mime := strings.TrimSpace(parsed.MimeType)
	if mime == "" {
		mime = "image/" + req.Sequence.OutputFormat()
	}
	return Result{Bytes: data, MimeType: mime}, nil
}
