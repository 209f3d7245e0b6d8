package moderation

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// Label is one classification returned by the remote toxicity service.
type Label struct {
	Label string  `json:"label"`
	Score float64 `json:"score"`
}

// RemoteClassifier calls an external toxicity classifier over HTTP. It is
// Layer 2 of the moderation pipeline and the only I/O a connection's reader
// performs; every call is bounded by the configured timeout.
type RemoteClassifier struct {
	endpoint string
	client   *http.Client
}

// NewRemoteClassifier creates a classifier client for the given endpoint.
func NewRemoteClassifier(endpoint string, timeout time.Duration) *RemoteClassifier {
	return &RemoteClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

// Classify posts the content and returns the label/score pairs. Timeouts and
// transport errors are returned to the caller, which decides between
// fail-open and fail-closed.
func (rc *RemoteClassifier) Classify(ctx context.Context, content string) ([]Label, error) {
	body, err := json.Marshal(struct {
		Text string `json:"text"`
	}{Text: content})
	if err != nil {
		return nil, fmt.Errorf("moderation: marshal classify request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, rc.endpoint, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("moderation: build classify request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := rc.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("moderation: classify call: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("moderation: classifier returned status %d", resp.StatusCode)
	}

	var labels []Label
	if err := json.NewDecoder(resp.Body).Decode(&labels); err != nil {
		return nil, fmt.Errorf("moderation: decode classify response: %w", err)
	}
	return labels, nil
}
