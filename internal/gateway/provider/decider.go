package provider

import (
	"context"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"gptbot/internal/decision"
	"gptbot/internal/logger"
)

//go:embed system_prompt.md
var defaultSystemPrompt string

const strictJSONHint = "\n\nYour previous answer was not a single valid JSON object. " +
	"Reply again with ONLY the JSON object, no other text."

// Caller is one chat completion round trip.
type Caller interface {
	Call(ctx context.Context, systemPrompt, userPrompt string) (string, error)
}

// Request is the user message of one model round.
type Request struct {
	Symbol          string         `json:"-"`
	CycleID         string         `json:"-"`
	MarketSnapshot  any            `json:"market_snapshot"`
	AccountSnapshot any            `json:"account_snapshot"`
	Config          map[string]any `json:"config"`
	Policy          PolicyView     `json:"policy"`
	Counters        Counters       `json:"counters"`
	Flags           map[string]any `json:"flags,omitempty"`
	ExtraData       map[string]any `json:"extra_data,omitempty"`
	Notice          string         `json:"_notice,omitempty"`
}

type PolicyView struct {
	AllowedActions []decision.Action `json:"allowed_actions"`
	Constraints    map[string]any    `json:"constraints"`
}

type Counters struct {
	RemainingInfoRequests int `json:"remaining_info_requests"`
	Round                 int `json:"round"`
}

// Decider turns a Request into the raw model answer.
type Decider struct {
	caller       Caller
	model        string
	systemPrompt string
}

// NewDecider loads the system prompt from promptPath, or uses the embedded
// default when the path is empty.
func NewDecider(caller Caller, model, promptPath string) (*Decider, error) {
	prompt := defaultSystemPrompt
	if p := strings.TrimSpace(promptPath); p != "" {
		raw, err := os.ReadFile(p)
		if err != nil {
			return nil, fmt.Errorf("read system prompt: %w", err)
		}
		prompt = string(raw)
	}
	prompt = strings.TrimRight(prompt, "\n") + "\n\n" + decision.SchemaJSON()
	return &Decider{caller: caller, model: model, systemPrompt: prompt}, nil
}

func (d *Decider) SystemPrompt() string { return d.systemPrompt }

// Decide returns the raw answer. An answer that is not a single JSON object is
// retried once with a strict-JSON hint; the second answer is returned as is.
func (d *Decider) Decide(ctx context.Context, req Request) (string, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}
	user := string(body)
	logger.LogLLMRequest(d.model, req.Symbol, req.CycleID, d.systemPrompt, user)
	raw, err := d.caller.Call(ctx, d.systemPrompt, user)
	if err != nil {
		return "", err
	}
	logger.LogLLMResponse(d.model, req.Symbol, req.CycleID, raw)
	_, perr := decision.ParseResponse(raw)
	if perr == nil {
		return raw, nil
	}
	logger.Warnf("[AI] %s cycle=%s unparsable answer (%v), retrying with strict hint", req.Symbol, req.CycleID, perr)
	raw, err = d.caller.Call(ctx, d.systemPrompt, user+strictJSONHint)
	if err != nil {
		return "", err
	}
	logger.LogLLMResponse(d.model, req.Symbol, req.CycleID, raw)
	return raw, nil
}
