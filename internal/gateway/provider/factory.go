package provider

import (
	"net/http"
	"strings"

	"gptbot/internal/config"
)

// NewChatClient maps the chat section onto a client. Every provider name is
// served through the OpenAI compatible wire format.
func NewChatClient(cfg config.ChatConfig) *OpenAIChatClient {
	return &OpenAIChatClient{
		BaseURL:       strings.TrimSpace(cfg.APIURL),
		APIKey:        cfg.APIKey,
		Model:         cfg.Model,
		FallbackModel: cfg.FallbackModel,
		Temperature:   cfg.Temperature,
		Timeout:       cfg.Timeout(),
		MaxRetries:    cfg.MaxRetries,
		HTTPClient:    &http.Client{},
	}
}
