// Package ai sorts tasks into Eisenhower quadrants using a remote model.
package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// TaskInput is the part of a task sent for classification.
type TaskInput struct {
	ID          string `json:"id"`
	Title       string `json:"title"`
	Description string `json:"description,omitempty"`
}

// Classifier maps task IDs to priority names. The result is untrusted:
// callers must ignore unknown IDs and values that are not quadrants.
type Classifier interface {
	Classify(ctx context.Context, tasks []TaskInput) (map[string]string, error)
}

// ClassificationError is the single error surfaced for a failed
// classification request.
type ClassificationError struct {
	// Status is the HTTP status, or zero when no response was received.
	Status int
	Msg    string
	Err    error
}

func (e *ClassificationError) Error() string {
	var sb strings.Builder
	sb.WriteString("classification failed")
	if e.Status != 0 {
		fmt.Fprintf(&sb, " (%d)", e.Status)
	}
	if e.Msg != "" {
		sb.WriteString(": ")
		sb.WriteString(e.Msg)
	}
	if e.Err != nil {
		sb.WriteString(": ")
		sb.WriteString(e.Err.Error())
	}
	return sb.String()
}

func (e *ClassificationError) Unwrap() error {
	return e.Err
}

// decodeMapping parses a JSON object of string values. Non-string values
// are dropped rather than failing the whole response.
func decodeMapping(body []byte) (map[string]string, error) {
	var raw map[string]json.RawMessage
	if err := json.Unmarshal(body, &raw); err != nil {
		return nil, err
	}
	if raw == nil {
		return nil, fmt.Errorf("expected a JSON object")
	}

	out := make(map[string]string, len(raw))
	for id, v := range raw {
		var s string
		if json.Unmarshal(v, &s) == nil {
			out[id] = s
		}
	}
	return out, nil
}
