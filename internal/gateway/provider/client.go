package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jpillora/backoff"

	"gptbot/internal/logger"
)

const defaultBaseURL = "https://api.openai.com/v1"

// APIError is a non-2xx answer from the chat endpoint.
type APIError struct {
	Status  int
	Code    string
	Param   string
	Message string
}

func (e *APIError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("status=%d code=%s: %s", e.Status, e.Code, e.Message)
	}
	return fmt.Sprintf("status=%d: %s", e.Status, e.Message)
}

func (e *APIError) retryable() bool {
	return e.Status == http.StatusTooManyRequests || e.Status >= 500
}

func (e *APIError) modelNotFound() bool {
	if e.Code == "model_not_found" {
		return true
	}
	return e.Status == http.StatusNotFound && strings.Contains(strings.ToLower(e.Message), "model")
}

func (e *APIError) temperatureUnsupported() bool {
	if e.Status != http.StatusBadRequest {
		return false
	}
	return e.Param == "temperature" || strings.Contains(strings.ToLower(e.Message), "temperature")
}

// OpenAIChatClient talks to any OpenAI compatible /chat/completions endpoint.
type OpenAIChatClient struct {
	BaseURL       string
	APIKey        string
	Model         string
	FallbackModel string
	Temperature   float64
	Timeout       time.Duration
	MaxRetries    int
	ExtraHeaders  map[string]string
	HTTPClient    *http.Client

	// backoff bounds; zero values use 800ms..8s.
	MinWait time.Duration
	MaxWait time.Duration
}

func (c *OpenAIChatClient) endpoint() string {
	url := strings.TrimRight(strings.TrimSpace(c.BaseURL), "/")
	if url == "" {
		url = defaultBaseURL
	}
	url = strings.TrimSuffix(url, "/chat/completions")
	return url + "/chat/completions"
}

type chatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type chatRequest struct {
	Model          string            `json:"model"`
	Messages       []chatMessage     `json:"messages"`
	Temperature    *float64          `json:"temperature,omitempty"`
	ResponseFormat map[string]string `json:"response_format,omitempty"`
}

// Call sends one prompt pair and returns the first choice. 429 and 5xx are
// retried honoring Retry-After; a rejected temperature and an unknown model
// each get one adjusted retry.
func (c *OpenAIChatClient) Call(ctx context.Context, systemPrompt, userPrompt string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	maxRetries := c.MaxRetries
	if maxRetries < 0 {
		maxRetries = 0
	}
	b := &backoff.Backoff{Min: c.MinWait, Max: c.MaxWait, Factor: 2}
	if b.Min <= 0 {
		b.Min = 800 * time.Millisecond
	}
	if b.Max <= 0 {
		b.Max = 8 * time.Second
	}

	req := chatRequest{
		Model:          c.Model,
		ResponseFormat: map[string]string{"type": "json_object"},
	}
	if systemPrompt != "" {
		req.Messages = append(req.Messages, chatMessage{Role: "system", Content: systemPrompt})
	}
	req.Messages = append(req.Messages, chatMessage{Role: "user", Content: userPrompt})
	temp := c.Temperature
	req.Temperature = &temp

	droppedTemp, switchedModel := false, false
	var lastErr error
	for attempt := 0; attempt <= maxRetries; {
		out, wait, err := c.post(ctx, req, attempt == 0)
		if err == nil {
			return out, nil
		}
		lastErr = err
		var apiErr *APIError
		if errors.As(err, &apiErr) {
			switch {
			case apiErr.temperatureUnsupported() && !droppedTemp && req.Temperature != nil:
				logger.Warnf("[AI] model %s rejected temperature, retrying without it", req.Model)
				req.Temperature = nil
				droppedTemp = true
				continue
			case apiErr.modelNotFound() && !switchedModel && c.FallbackModel != "" && c.FallbackModel != req.Model:
				logger.Warnf("[AI] model %s not found, falling back to %s", req.Model, c.FallbackModel)
				req.Model = c.FallbackModel
				switchedModel = true
				continue
			case !apiErr.retryable():
				return "", err
			}
		}
		if ctx.Err() != nil || attempt == maxRetries {
			break
		}
		if wait <= 0 {
			wait = b.Duration()
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return "", fmt.Errorf("%w (last: %v)", ctx.Err(), lastErr)
		case <-timer.C:
		}
		attempt++
	}
	return "", lastErr
}

// post returns the content, or the server-requested wait along with the error.
func (c *OpenAIChatClient) post(ctx context.Context, body chatRequest, logIt bool) (string, time.Duration, error) {
	raw, err := json.Marshal(body)
	if err != nil {
		return "", 0, err
	}
	url := c.endpoint()
	if logIt {
		logger.Debugf("[AI] POST %s headers=%v body=%s", url, c.maskedHeaders(), string(raw))
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(raw))
	if err != nil {
		return "", 0, err
	}
	httpReq.Header.Set("Content-Type", "application/json")
	if c.APIKey != "" {
		httpReq.Header.Set("Authorization", "Bearer "+c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		httpReq.Header.Set(k, v)
	}
	hc := c.HTTPClient
	if hc == nil {
		hc = http.DefaultClient
	}
	resp, err := hc.Do(httpReq)
	if err != nil {
		return "", 0, err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, 4<<20))
	if err != nil {
		return "", 0, err
	}
	if resp.StatusCode/100 == 2 {
		var r struct {
			Choices []struct {
				Message struct {
					Content string `json:"content"`
				} `json:"message"`
			} `json:"choices"`
		}
		if err := json.Unmarshal(payload, &r); err != nil {
			return "", 0, fmt.Errorf("decode completion: %w", err)
		}
		if len(r.Choices) == 0 {
			return "", 0, fmt.Errorf("empty choices")
		}
		return r.Choices[0].Message.Content, 0, nil
	}
	var eresp struct {
		Error struct {
			Message string `json:"message"`
			Param   string `json:"param"`
			Code    any    `json:"code"`
		} `json:"error"`
	}
	_ = json.Unmarshal(payload, &eresp)
	apiErr := &APIError{
		Status:  resp.StatusCode,
		Param:   eresp.Error.Param,
		Message: strings.TrimSpace(eresp.Error.Message),
	}
	if eresp.Error.Code != nil {
		apiErr.Code = fmt.Sprint(eresp.Error.Code)
	}
	if apiErr.Message == "" {
		apiErr.Message = resp.Status
	}
	var wait time.Duration
	if ra := resp.Header.Get("Retry-After"); ra != "" {
		if secs, perr := strconv.Atoi(strings.TrimSpace(ra)); perr == nil && secs > 0 {
			wait = time.Duration(secs) * time.Second
		}
	}
	return "", wait, apiErr
}

func (c *OpenAIChatClient) maskedHeaders() map[string]string {
	h := map[string]string{"Content-Type": "application/json"}
	if c.APIKey != "" {
		h["Authorization"] = "Bearer " + maskSecret(c.APIKey)
	}
	for k, v := range c.ExtraHeaders {
		lk := strings.ToLower(k)
		if strings.Contains(lk, "key") || strings.Contains(lk, "token") || strings.Contains(lk, "auth") {
			v = maskSecret(v)
		}
		h[k] = v
	}
	return h
}

func maskSecret(v string) string {
	if len(v) > 4 {
		return "****" + v[len(v)-4:]
	}
	return "****"
}
