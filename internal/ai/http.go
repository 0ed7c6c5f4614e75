package ai

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"go.uber.org/zap"
)

// maxResponseBytes bounds how much of a classification response is read.
const maxResponseBytes = 1 << 20

// HTTPClassifier posts tasks to a classification endpoint that answers
// with a JSON object of task ID to quadrant.
type HTTPClassifier struct {
	endpoint string
	client   *http.Client
	logger   *zap.Logger
}

// NewHTTPClassifier returns a classifier for endpoint.
func NewHTTPClassifier(endpoint string, timeout time.Duration, logger *zap.Logger) *HTTPClassifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HTTPClassifier{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
		logger:   logger,
	}
}

// Classify sends {tasks: [...]} and decodes the mapping. Any transport,
// status or decoding failure is returned as one *ClassificationError.
func (c *HTTPClassifier) Classify(ctx context.Context, tasks []TaskInput) (map[string]string, error) {
	bodyBytes, err := json.Marshal(struct {
		Tasks []TaskInput `json:"tasks"`
	}{Tasks: tasks})
	if err != nil {
		return nil, &ClassificationError{Msg: "marshaling request", Err: err}
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.endpoint, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, &ClassificationError{Msg: "creating request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ClassificationError{Msg: "calling classifier", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ClassificationError{Status: resp.StatusCode, Msg: "reading response", Err: err}
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		var apiErr struct {
			Error string `json:"error"`
		}
		msg := strings.TrimSpace(string(respBody))
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error != "" {
			msg = apiErr.Error
		}
		return nil, &ClassificationError{Status: resp.StatusCode, Msg: msg}
	}

	mapping, err := decodeMapping(respBody)
	if err != nil {
		return nil, &ClassificationError{
			Status: resp.StatusCode,
			Msg:    "decoding response",
			Err:    fmt.Errorf("malformed JSON: %w", err),
		}
	}

	c.logger.Debug("tasks classified",
		zap.Int("requested", len(tasks)),
		zap.Int("returned", len(mapping)),
	)
	return mapping, nil
}
