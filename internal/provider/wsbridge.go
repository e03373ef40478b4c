package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/chainguard-dev/clog"
	"nhooyr.io/websocket"

	"github.com/signalnine/agentv/internal/ipc"
	"github.com/signalnine/agentv/internal/suite"
	"github.com/signalnine/agentv/internal/trace"
)

// WSBridge drives an agent CLI that speaks the SDK WebSocket protocol. The
// agent is spawned with the URL of a loopback server, connects back, receives
// the prompt and streams assistant messages, tool permission requests and a
// final result. Every tool request is approved and recorded in the trace.
type WSBridge struct {
	name        string
	argv        []string
	env         map[string]string
	timeout     time.Duration
	idleTimeout time.Duration
}

const (
	defaultIdleTimeout = 10 * time.Minute
	agentExitGrace     = 5 * time.Second
)

func NewWSBridge(name string, argv []string, env map[string]string, timeout time.Duration) *WSBridge {
	return &WSBridge{name: name, argv: argv, env: env, timeout: timeout, idleTimeout: defaultIdleTimeout}
}

func (p *WSBridge) Name() string { return p.name }

func (p *WSBridge) Invoke(ctx context.Context, req *Request) (*Response, error) {
	start := time.Now()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		return nil, fmt.Errorf("listen: %w", err)
	}
	url := "ws://" + ln.Addr().String()

	connCh := make(chan *websocket.Conn, 1)
	srv := &http.Server{
		Handler: http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{InsecureSkipVerify: true})
			if err != nil {
				return
			}
			select {
			case connCh <- conn:
			default:
				conn.Close(websocket.StatusPolicyViolation, "only one connection allowed")
			}
		}),
	}
	go srv.Serve(ln)
	defer srv.Close()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	type procResult struct {
		res *ipc.Result
		err error
	}
	procCh := make(chan procResult, 1)
	argv := expandArgv(p.argv, map[string]string{"{{ws_url}}": url, "{{workdir}}": req.WorkDir})
	env := append(envList(p.env), "AGENTV_WS_URL="+url)
	go func() {
		res, err := ipc.ExecFileWithStdin(runCtx, argv, nil, ipc.Options{Dir: req.WorkDir, Env: env, Timeout: p.timeout})
		procCh <- procResult{res, err}
	}()

	var conn *websocket.Conn
	select {
	case conn = <-connCh:
	case pr := <-procCh:
		if pr.err != nil {
			return nil, pr.err
		}
		if pr.res.TimedOut {
			return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
		}
		return nil, fmt.Errorf("%s exited with code %d before connecting: %s", p.name, pr.res.ExitCode, tail(pr.res.Stderr, 512))
	case <-ctx.Done():
		<-procCh
		return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
	}

	sess := NewBridgeSession(req.Prompt(), p.idleTimeout)
	handleErr := sess.HandleConnection(runCtx, conn)
	if handleErr != nil {
		conn.Close(websocket.StatusInternalError, "session failed")
		cancel()
		pr := <-procCh
		if errors.Is(ctx.Err(), context.DeadlineExceeded) || (pr.res != nil && pr.res.TimedOut) {
			return nil, fmt.Errorf("%s: %w", p.name, ErrTimeout)
		}
		return nil, fmt.Errorf("%s: %w", p.name, handleErr)
	}
	conn.Close(websocket.StatusNormalClosure, "done")

	select {
	case <-procCh:
	case <-time.After(agentExitGrace):
		clog.FromContext(ctx).With("provider", p.name).Warn("agent did not exit after result, killing it")
		cancel()
		<-procCh
	}
	return sess.Response(start), nil
}

// BridgeState is the protocol state of a bridge session.
type BridgeState int

const (
	StateWaiting BridgeState = iota // Listening, no connection yet
	StateInit                       // Connected, awaiting system/init from the agent
	StateRunning                    // Prompt sent, agent is working
	StateDone                       // Result received
)

func (s BridgeState) String() string {
	switch s {
	case StateWaiting:
		return "WAITING"
	case StateInit:
		return "INIT"
	case StateRunning:
		return "RUNNING"
	case StateDone:
		return "DONE"
	default:
		return fmt.Sprintf("UNKNOWN(%d)", int(s))
	}
}

// envelope is the top-level NDJSON message on the wire. Message types use
// different subsets of fields.
type envelope struct {
	Type    string `json:"type"`
	Subtype string `json:"subtype,omitempty"`

	SessionID string   `json:"session_id,omitempty"`
	Model     string   `json:"model,omitempty"`
	Tools     []string `json:"tools,omitempty"`

	RequestID string          `json:"request_id,omitempty"`
	Request   json.RawMessage `json:"request,omitempty"`

	Message json.RawMessage `json:"message,omitempty"`

	IsError      *bool        `json:"is_error,omitempty"`
	Result       string       `json:"result,omitempty"`
	Errors       []string     `json:"errors,omitempty"`
	NumTurns     int          `json:"num_turns,omitempty"`
	TotalCostUSD float64      `json:"total_cost_usd,omitempty"`
	Usage        *bridgeUsage `json:"usage,omitempty"`
}

type controlRequest struct {
	Subtype   string          `json:"subtype"`
	ToolName  string          `json:"tool_name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
}

type bridgeMessage struct {
	Role    string          `json:"role"`
	Model   string          `json:"model,omitempty"`
	Content json.RawMessage `json:"content,omitempty"`
	Usage   *bridgeUsage    `json:"usage,omitempty"`
}

type contentBlock struct {
	Type      string          `json:"type"`
	Text      string          `json:"text,omitempty"`
	ID        string          `json:"id,omitempty"`
	Name      string          `json:"name,omitempty"`
	Input     json.RawMessage `json:"input,omitempty"`
	ToolUseID string          `json:"tool_use_id,omitempty"`
	Content   json.RawMessage `json:"content,omitempty"`
	IsError   bool            `json:"is_error,omitempty"`
}

type bridgeUsage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

// BridgeSession turns one agent connection into a trace and final answer.
type BridgeSession struct {
	state       BridgeState
	sessionID   string
	prompt      string
	idleTimeout time.Duration

	model     string
	events    []trace.Event
	toolsSeen map[string]bool
	usage     trace.TokenUsage
	cost      *float64
	result    string
	lastText  string
	failed    bool
}

func NewBridgeSession(prompt string, idleTimeout time.Duration) *BridgeSession {
	return &BridgeSession{
		state:       StateWaiting,
		prompt:      prompt,
		idleTimeout: idleTimeout,
		toolsSeen:   make(map[string]bool),
	}
}

func (s *BridgeSession) State() BridgeState { return s.state }

func (s *BridgeSession) HandleConnection(ctx context.Context, conn *websocket.Conn) error {
	s.state = StateInit
	log := clog.FromContext(ctx)

	for s.state != StateDone {
		readCtx, cancel := context.WithTimeout(ctx, s.idleTimeout)
		_, data, err := conn.Read(readCtx)
		cancel()
		if err != nil {
			return fmt.Errorf("read in state %s: %w", s.state, err)
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			log.With("state", s.state.String()).Debug("skipping malformed message")
			continue
		}

		responses, err := s.handleMessage(&env)
		if err != nil {
			return fmt.Errorf("handle message in state %s: %w", s.state, err)
		}
		for _, resp := range responses {
			if err := conn.Write(ctx, websocket.MessageText, resp); err != nil {
				return fmt.Errorf("write response: %w", err)
			}
		}
	}
	return nil
}

func (s *BridgeSession) handleMessage(env *envelope) ([]json.RawMessage, error) {
	switch s.state {
	case StateInit:
		return s.handleInit(env)
	case StateRunning:
		return s.handleRunning(env)
	default:
		return nil, fmt.Errorf("unexpected message in state %s", s.state)
	}
}

// handleInit answers system/init with the prompt as a user message.
func (s *BridgeSession) handleInit(env *envelope) ([]json.RawMessage, error) {
	if env.Type != "system" || env.Subtype != "init" {
		return nil, fmt.Errorf("expected system/init, got type=%s subtype=%s", env.Type, env.Subtype)
	}
	s.sessionID = env.SessionID
	s.model = env.Model

	data, err := json.Marshal(map[string]any{
		"type": "user",
		"message": map[string]any{
			"role":    "user",
			"content": s.prompt,
		},
		"parent_tool_use_id": nil,
		"session_id":         s.sessionID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal user message: %w", err)
	}
	s.state = StateRunning
	return []json.RawMessage{data}, nil
}

func (s *BridgeSession) handleRunning(env *envelope) ([]json.RawMessage, error) {
	switch env.Type {
	case "control_request":
		return s.handleControlRequest(env)
	case "assistant":
		s.handleAssistant(env)
		return nil, nil
	case "user":
		s.handleToolResults(env)
		return nil, nil
	case "result":
		s.handleResult(env)
		return nil, nil
	default:
		// keep_alive, stream_event, tool_progress and other informational messages
		return nil, nil
	}
}

func (s *BridgeSession) handleControlRequest(env *envelope) ([]json.RawMessage, error) {
	var req controlRequest
	if err := json.Unmarshal(env.Request, &req); err != nil {
		return nil, fmt.Errorf("unmarshal control request body: %w", err)
	}
	if req.Subtype != "can_use_tool" {
		return nil, nil
	}
	s.recordToolCall(req.ToolUseID, req.ToolName, req.Input)

	data, err := json.Marshal(map[string]any{
		"type": "control_response",
		"response": map[string]any{
			"subtype":    "success",
			"request_id": env.RequestID,
			"response": map[string]any{
				"behavior":     "allow",
				"updatedInput": req.Input,
			},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("marshal control response: %w", err)
	}
	return []json.RawMessage{data}, nil
}

func (s *BridgeSession) handleAssistant(env *envelope) {
	var msg bridgeMessage
	if env.Message == nil || json.Unmarshal(env.Message, &msg) != nil {
		return
	}
	if msg.Model != "" {
		s.model = msg.Model
	}
	s.events = append(s.events, trace.Event{Type: trace.EventModelStep, Timestamp: time.Now(), Name: msg.Model})
	if msg.Usage != nil {
		s.usage.InputTokens += msg.Usage.InputTokens
		s.usage.OutputTokens += msg.Usage.OutputTokens
	}
	for _, b := range decodeBlocks(msg.Content) {
		switch b.Type {
		case "text":
			if strings.TrimSpace(b.Text) == "" {
				continue
			}
			s.lastText = b.Text
			s.events = append(s.events, trace.Event{Type: trace.EventMessage, Timestamp: time.Now(), Text: b.Text})
		case "tool_use":
			s.recordToolCall(b.ID, b.Name, b.Input)
		}
	}
}

func (s *BridgeSession) handleToolResults(env *envelope) {
	var msg bridgeMessage
	if env.Message == nil || json.Unmarshal(env.Message, &msg) != nil {
		return
	}
	for _, b := range decodeBlocks(msg.Content) {
		if b.Type != "tool_result" {
			continue
		}
		s.events = append(s.events, trace.Event{Type: trace.EventToolResult, Timestamp: time.Now(), ID: b.ToolUseID, Output: b.Content})
		if b.IsError {
			s.events = append(s.events, trace.Event{Type: trace.EventError, Timestamp: time.Now(), ID: b.ToolUseID, Output: b.Content})
		}
	}
}

// recordToolCall adds a tool_call event once per tool use id. Permission
// requests and assistant tool_use blocks both describe the same call.
func (s *BridgeSession) recordToolCall(id, name string, input json.RawMessage) {
	if name == "" {
		return
	}
	if id != "" {
		if s.toolsSeen[id] {
			return
		}
		s.toolsSeen[id] = true
	}
	s.events = append(s.events, trace.Event{Type: trace.EventToolCall, Timestamp: time.Now(), ID: id, Name: name, Input: input})
}

func (s *BridgeSession) handleResult(env *envelope) {
	// Result usage is cumulative and authoritative.
	if env.Usage != nil {
		s.usage = trace.TokenUsage{InputTokens: env.Usage.InputTokens, OutputTokens: env.Usage.OutputTokens}
	}
	if env.TotalCostUSD > 0 {
		c := env.TotalCostUSD
		s.cost = &c
	}
	s.result = env.Result
	if env.IsError != nil && *env.IsError {
		s.failed = true
		s.events = append(s.events, trace.Event{Type: trace.EventError, Timestamp: time.Now(), Text: strings.Join(env.Errors, "; ")})
	}
	s.state = StateDone
}

// Response assembles what the session collected.
func (s *BridgeSession) Response(started time.Time) *Response {
	text := s.result
	if text == "" {
		text = s.lastText
	}
	usage := s.usage
	return &Response{
		OutputMessages: []suite.Message{{Role: "assistant", Content: text}},
		Text:           text,
		Trace:          &trace.Trace{Events: s.events},
		Usage:          &usage,
		CostUSD:        s.cost,
		Model:          s.model,
		Duration:       time.Since(started),
	}
}

// decodeBlocks accepts either a content block array or a bare string.
func decodeBlocks(raw json.RawMessage) []contentBlock {
	if len(raw) == 0 {
		return nil
	}
	var blocks []contentBlock
	if err := json.Unmarshal(raw, &blocks); err == nil {
		return blocks
	}
	var text string
	if err := json.Unmarshal(raw, &text); err == nil {
		return []contentBlock{{Type: "text", Text: text}}
	}
	return nil
}
