package upload

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"golang.org/x/time/rate"

	"github.com/comptonizing/ekos-lightbucket/internal/credentials"
)

const (
	DefaultBaseURL  = "https://app.lightbucket.co"
	DefaultEndpoint = "/api/image_capture_complete"
)

// Uploader submits a payload to the service.
type Uploader interface {
	Send(ctx context.Context, p *Payload, creds credentials.Credentials) error
}

// HTTPError is a completed request with a non-2xx status.
type HTTPError struct {
	Status int
	Body   string
}

func (e *HTTPError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("got HTTP response %d", e.Status)
	}
	return fmt.Sprintf("got HTTP response %d: %s", e.Status, e.Body)
}

// HTTPUploader posts payloads as JSON with basic authentication.
type HTTPUploader struct {
	URL     string
	client  *http.Client
	limiter *rate.Limiter
}

// NewHTTPUploader targets baseURL+endpoint. perMinute > 0 limits the request
// rate; zero disables limiting.
func NewHTTPUploader(baseURL, endpoint string, timeout time.Duration, perMinute int) *HTTPUploader {
	if baseURL == "" {
		baseURL = DefaultBaseURL
	}
	if endpoint == "" {
		endpoint = DefaultEndpoint
	}
	u := &HTTPUploader{
		URL:    strings.TrimRight(baseURL, "/") + "/" + strings.TrimLeft(endpoint, "/"),
		client: &http.Client{Timeout: timeout},
	}
	if perMinute > 0 {
		u.limiter = rate.NewLimiter(rate.Every(time.Minute/time.Duration(perMinute)), 1)
	}
	return u
}

func (u *HTTPUploader) Send(ctx context.Context, p *Payload, creds credentials.Credentials) error {
	if u.limiter != nil {
		if err := u.limiter.Wait(ctx); err != nil {
			return fmt.Errorf("rate limiter: %w", err)
		}
	}
	body, err := json.Marshal(p)
	if err != nil {
		return fmt.Errorf("failed to encode payload: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.URL, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.SetBasicAuth(creds.Username, creds.APIKey)
	req.Header.Set("Content-Type", "application/json")

	resp, err := u.client.Do(req)
	if err != nil {
		return fmt.Errorf("error posting data to server: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return &HTTPError{Status: resp.StatusCode, Body: strings.TrimSpace(string(msg))}
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	return nil
}
