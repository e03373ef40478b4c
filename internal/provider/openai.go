package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/sashabaranov/go-openai"

	"github.com/signalnine/agentv/internal/trace"
)

// OpenAI talks to the Chat Completions API or any compatible endpoint.
type OpenAI struct {
	name        string
	model       string
	client      *openai.Client
	temperature *float64
	maxTokens   int
}

type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	Temperature *float64
	MaxTokens   int
}

func NewOpenAI(name string, cfg OpenAIConfig) *OpenAI {
	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}
	return &OpenAI{
		name:        name,
		model:       cfg.Model,
		client:      openai.NewClientWithConfig(config),
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

func (p *OpenAI) Name() string { return p.name }

func (p *OpenAI) Invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	var messages []openai.ChatCompletionMessage
	for _, m := range req.Conversation() {
		messages = append(messages, openai.ChatCompletionMessage{Role: m.Role, Content: m.Content})
	}
	creq := openai.ChatCompletionRequest{
		Model:     p.model,
		Messages:  messages,
		MaxTokens: p.maxTokens,
	}
	if p.temperature != nil {
		creq.Temperature = float32(*p.temperature)
	}

	resp, err := p.client.CreateChatCompletion(ctx, creq)
	if err != nil {
		if IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
		}
		return nil, fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("no choices in response")
	}

	msg := resp.Choices[0].Message
	out := textResponse(msg.Content, start)
	out.Model = resp.Model
	out.Trace = &trace.Trace{Events: []trace.Event{{Type: trace.EventModelStep, Timestamp: start, Name: resp.Model}}}
	for _, tc := range msg.ToolCalls {
		out.Trace.Events = append(out.Trace.Events, trace.Event{
			Type:      trace.EventToolCall,
			Timestamp: time.Now(),
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Input:     rawJSON(tc.Function.Arguments),
		})
	}
	out.Trace.Events = append(out.Trace.Events, trace.Event{Type: trace.EventMessage, Timestamp: time.Now(), Text: msg.Content})
	out.Usage = &trace.TokenUsage{
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}
	return out, nil
}

// rawJSON keeps s as-is when it is valid JSON and quotes it otherwise.
func rawJSON(s string) json.RawMessage {
	if s == "" {
		return nil
	}
	if json.Valid([]byte(s)) {
		return json.RawMessage(s)
	}
	b, _ := json.Marshal(s)
	return b
}
