package notify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/loompay/loompay/internal/security"
)

// HTTPSink posts events as JSON to an external notification service.
type HTTPSink struct {
	url    string
	client *http.Client
}

// NewHTTPSink validates the endpoint and returns a sink posting to it.
// The URL is checked against private and loopback ranges since it comes
// from deploy configuration that may be operator-supplied.
func NewHTTPSink(url string) (*HTTPSink, error) {
	if err := security.ValidateEndpointURL(url); err != nil {
		return nil, fmt.Errorf("notification endpoint: %w", err)
	}
	return &HTTPSink{
		url:    url,
		client: &http.Client{Timeout: 10 * time.Second},
	}, nil
}

func (s *HTTPSink) Deliver(ctx context.Context, event *Event) error {
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode >= 300 {
		return fmt.Errorf("notification endpoint returned %d", resp.StatusCode)
	}
	return nil
}

var _ Sink = (*HTTPSink)(nil)
