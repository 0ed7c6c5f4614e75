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

const (
	defaultModel     = "claude-sonnet-4-20250514"
	defaultMaxTokens = 1024
	apiURL           = "https://api.anthropic.com/v1/messages"
	apiVersion       = "2023-06-01"
)

// ClaudeClassifier asks the Claude Messages API to sort tasks into
// quadrants and returns the same mapping as HTTPClassifier.
type ClaudeClassifier struct {
	apiKey    string
	url       string
	model     string
	maxTokens int
	client    *http.Client
	logger    *zap.Logger
}

// ClaudeOption configures a ClaudeClassifier.
type ClaudeOption func(*ClaudeClassifier)

// WithAPIURL points the classifier at another Messages endpoint.
func WithAPIURL(url string) ClaudeOption {
	return func(c *ClaudeClassifier) { c.url = url }
}

// WithClaudeLogger sets the logger.
func WithClaudeLogger(l *zap.Logger) ClaudeOption {
	return func(c *ClaudeClassifier) {
		if l != nil {
			c.logger = l
		}
	}
}

// NewClaudeClassifier creates a classifier for the given API key and model.
func NewClaudeClassifier(
	apiKey string,
	modelName string,
	maxTokens int,
	timeout time.Duration,
	opts ...ClaudeOption,
) *ClaudeClassifier {
	if modelName == "" {
		modelName = defaultModel
	}
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}

	c := &ClaudeClassifier{
		apiKey:    apiKey,
		url:       apiURL,
		model:     modelName,
		maxTokens: maxTokens,
		client:    &http.Client{Timeout: timeout},
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Classify sends one Messages request and parses the JSON object in the
// reply. The call either yields a mapping or one *ClassificationError.
func (c *ClaudeClassifier) Classify(ctx context.Context, tasks []TaskInput) (map[string]string, error) {
	prompt, err := buildPrompt(tasks)
	if err != nil {
		return nil, &ClassificationError{Msg: "building prompt", Err: err}
	}

	resp, err := c.callAPI(ctx, prompt)
	if err != nil {
		return nil, err
	}

	var textParts []string
	for _, block := range resp.Content {
		if block.Type == "text" {
			textParts = append(textParts, block.Text)
		}
	}

	obj := extractJSONObject(strings.Join(textParts, ""))
	if obj == "" {
		return nil, &ClassificationError{Status: http.StatusOK, Msg: "no JSON object in model reply"}
	}

	mapping, err := decodeMapping([]byte(obj))
	if err != nil {
		return nil, &ClassificationError{Status: http.StatusOK, Msg: "decoding model reply", Err: err}
	}

	c.logger.Debug("tasks classified by claude",
		zap.String("model", c.model),
		zap.Int("requested", len(tasks)),
		zap.Int("returned", len(mapping)),
	)
	return mapping, nil
}

// callAPI makes a single request to the Claude Messages API.
func (c *ClaudeClassifier) callAPI(ctx context.Context, prompt string) (*apiResponse, error) {
	reqBody := apiRequest{
		Model:     c.model,
		MaxTokens: c.maxTokens,
		System:    systemPrompt,
		Messages: []apiMessage{
			{Role: "user", Content: []apiContentBlock{{Type: "text", Text: prompt}}},
		},
	}

	bodyBytes, err := json.Marshal(reqBody)
	if err != nil {
		return nil, &ClassificationError{Msg: "marshaling request", Err: err}
	}

	req, err := http.NewRequestWithContext(
		ctx, http.MethodPost, c.url, bytes.NewReader(bodyBytes),
	)
	if err != nil {
		return nil, &ClassificationError{Msg: "creating request", Err: err}
	}

	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-api-key", c.apiKey)
	req.Header.Set("anthropic-version", apiVersion)

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, &ClassificationError{Msg: "calling Claude API", Err: err}
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		return nil, &ClassificationError{Status: resp.StatusCode, Msg: "reading response", Err: err}
	}

	if resp.StatusCode != http.StatusOK {
		var apiErr apiErrorResponse
		if json.Unmarshal(respBody, &apiErr) == nil && apiErr.Error.Message != "" {
			return nil, &ClassificationError{Status: resp.StatusCode, Msg: apiErr.Error.Message}
		}
		return nil, &ClassificationError{Status: resp.StatusCode, Msg: string(respBody)}
	}

	var result apiResponse
	if err := json.Unmarshal(respBody, &result); err != nil {
		return nil, &ClassificationError{Status: resp.StatusCode, Msg: "decoding response", Err: err}
	}

	return &result, nil
}

const systemPrompt = "You sort tasks into the Eisenhower matrix. " +
	"Answer with a single JSON object mapping each task id to exactly one of " +
	`"urgent" (urgent and important), "important" (important, not urgent), ` +
	`"delegate" (urgent, not important) or "eliminate" (neither). ` +
	"Do not add any other text."

// buildPrompt lists the tasks as JSON so titles never need escaping.
func buildPrompt(tasks []TaskInput) (string, error) {
	list, err := json.Marshal(tasks)
	if err != nil {
		return "", err
	}

	var sb strings.Builder
	sb.WriteString(fmt.Sprintf("Classify these %d tasks:\n", len(tasks)))
	sb.Write(list)
	return sb.String(), nil
}

// extractJSONObject returns the outermost {...} span of s, tolerating
// prose or code fences around it.
func extractJSONObject(s string) string {
	start := strings.Index(s, "{")
	end := strings.LastIndex(s, "}")
	if start < 0 || end < start {
		return ""
	}
	return s[start : end+1]
}

// --- Claude API types ---

type apiRequest struct {
	Model     string       `json:"model"`
	MaxTokens int          `json:"max_tokens"`
	System    string       `json:"system"`
	Messages  []apiMessage `json:"messages"`
}

type apiMessage struct {
	Role    string            `json:"role"`
	Content []apiContentBlock `json:"content"`
}

type apiContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

type apiResponse struct {
	ID         string            `json:"id"`
	Type       string            `json:"type"`
	Role       string            `json:"role"`
	Content    []apiContentBlock `json:"content"`
	Model      string            `json:"model"`
	StopReason string            `json:"stop_reason"`
}

type apiErrorResponse struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}
