package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/signalnine/agentv/internal/trace"
)

type Gemini struct {
	name        string
	model       string
	client      *genai.Client
	temperature *float64
	maxTokens   int
}

type GeminiConfig struct {
	APIKey string
	// Vertex selects the Vertex AI backend, which authenticates with
	// application default credentials instead of an API key.
	Vertex      bool
	Project     string
	Location    string
	Model       string
	Temperature *float64
	MaxTokens   int
}

func NewGemini(ctx context.Context, name string, cfg GeminiConfig) (*Gemini, error) {
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if cfg.Vertex {
		cc = &genai.ClientConfig{
			Project:  cfg.Project,
			Location: cfg.Location,
			Backend:  genai.BackendVertexAI,
		}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("failed to create Google AI client: %w", err)
	}
	return &Gemini{
		name:        name,
		model:       cfg.Model,
		client:      client,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}, nil
}

func (p *Gemini) Name() string { return p.name }

func (p *Gemini) Invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	config := &genai.GenerateContentConfig{}
	if p.temperature != nil {
		t := float32(*p.temperature)
		config.Temperature = &t
	}
	if p.maxTokens > 0 {
		config.MaxOutputTokens = int32(p.maxTokens)
	}

	var system []string
	var contents []*genai.Content
	for _, m := range req.Conversation() {
		switch m.Role {
		case "system":
			system = append(system, m.Content)
		case "assistant":
			contents = append(contents, &genai.Content{Role: "model", Parts: []*genai.Part{{Text: m.Content}}})
		default:
			contents = append(contents, &genai.Content{Role: "user", Parts: []*genai.Part{{Text: m.Content}}})
		}
	}
	if len(system) > 0 {
		config.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: strings.Join(system, "\n\n")}}}
	}

	resp, err := p.client.Models.GenerateContent(ctx, p.model, contents, config)
	if err != nil {
		if IsTimeout(err) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
		}
		return nil, fmt.Errorf("generate content failed: %w", err)
	}

	text := resp.Text()
	tr := &trace.Trace{Events: []trace.Event{{Type: trace.EventModelStep, Timestamp: start, Name: p.model}}}
	for _, fc := range resp.FunctionCalls() {
		args, _ := json.Marshal(fc.Args)
		tr.Events = append(tr.Events, trace.Event{
			Type:      trace.EventToolCall,
			Timestamp: time.Now(),
			ID:        fc.ID,
			Name:      fc.Name,
			Input:     args,
		})
	}
	tr.Events = append(tr.Events, trace.Event{Type: trace.EventMessage, Timestamp: time.Now(), Text: text})

	out := textResponse(text, start)
	out.Model = p.model
	out.Trace = tr
	if resp.UsageMetadata != nil {
		out.Usage = &trace.TokenUsage{
			InputTokens:  int(resp.UsageMetadata.PromptTokenCount),
			OutputTokens: int(resp.UsageMetadata.CandidatesTokenCount),
		}
	}
	return out, nil
}
