package provider

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/signalnine/agentv/internal/trace"
)

const defaultAnthropicMaxTokens = 4096

type Anthropic struct {
	name        string
	model       string
	client      anthropic.Client
	temperature *float64
	maxTokens   int64
}

type AnthropicConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int
}

func NewAnthropic(name string, cfg AnthropicConfig) *Anthropic {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	maxTokens := int64(cfg.MaxTokens)
	if maxTokens == 0 {
		maxTokens = defaultAnthropicMaxTokens
	}
	return &Anthropic{
		name:        name,
		model:       cfg.Model,
		client:      anthropic.NewClient(opts...),
		temperature: cfg.Temperature,
		maxTokens:   maxTokens,
	}
}

func (p *Anthropic) Name() string { return p.name }

func (p *Anthropic) Invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(p.model),
		MaxTokens: p.maxTokens,
	}
	var system []string
	for _, m := range req.Conversation() {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			params.Messages = append(params.Messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(m.Content)))
		default:
			params.Messages = append(params.Messages, anthropic.NewUserMessage(anthropic.NewTextBlock(m.Content)))
		}
	}
	if len(system) > 0 {
		params.System = []anthropic.TextBlockParam{{Text: strings.Join(system, "\n\n")}}
	}
	if p.temperature != nil {
		params.Temperature = anthropic.Float(*p.temperature)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		if IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
		}
		return nil, fmt.Errorf("messages request failed: %w", err)
	}

	tr := &trace.Trace{Events: []trace.Event{{Type: trace.EventModelStep, Timestamp: start, Name: string(msg.Model)}}}
	var text strings.Builder
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			text.WriteString(block.Text)
		case "tool_use":
			tr.Events = append(tr.Events, trace.Event{
				Type:      trace.EventToolCall,
				Timestamp: time.Now(),
				ID:        block.ID,
				Name:      block.Name,
				Input:     block.Input,
			})
		}
	}
	tr.Events = append(tr.Events, trace.Event{Type: trace.EventMessage, Timestamp: time.Now(), Text: text.String()})

	out := textResponse(text.String(), start)
	out.Model = string(msg.Model)
	out.Trace = tr
	out.Usage = &trace.TokenUsage{
		InputTokens:  int(msg.Usage.InputTokens),
		OutputTokens: int(msg.Usage.OutputTokens),
	}
	return out, nil
}
